// Package orchestrator accepts emails, submits their graphs to the workflow
// engine and monitors each run until it reaches a terminal state.
//
// One monitor goroutine owns each execution's status and outputs. The
// router runs on the monitor goroutine after the execution completes, so
// actions are only ever appended to completed executions.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/jeeves-cluster-organization/mailpipe/commbus"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/config"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/engine"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/events"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/execution"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/graph"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/history"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/ledger"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/logging"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/observability"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/recovery"
)

// ErrShuttingDown is returned by ProcessEmail after Shutdown has begun.
var ErrShuttingDown = errors.New("orchestrator is shutting down")

// cancelTimeout bounds the fire-and-forget remote cancel after a timeout.
const cancelTimeout = 5 * time.Second

// Router selects actions for a completed execution.
type Router interface {
	Route(ctx context.Context, exec *execution.Execution, synthesis *execution.StageOutput) []*execution.Action
}

// Options are the monitoring and history settings.
type Options struct {
	Timeout        time.Duration
	PollInterval   time.Duration
	MaxPollBackoff time.Duration
	HistoryWindow  time.Duration
	HistoryLimit   int
}

// OptionsFromConfig extracts Options from the loaded configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Timeout:        cfg.Execution.Timeout,
		PollInterval:   cfg.Execution.PollInterval,
		MaxPollBackoff: cfg.Execution.MaxPollBackoff,
		HistoryWindow:  cfg.Storage.HistoryWindow,
		HistoryLimit:   cfg.Storage.HistoryLimit,
	}
}

// Deps are the collaborators of an Orchestrator. History and Notifier are
// optional.
type Deps struct {
	Ledger   *ledger.Ledger
	Builder  *graph.Builder
	Engine   engine.WorkflowEngine
	Router   Router
	History  history.Store
	Notifier events.Notifier
	Logger   logging.Logger
}

// Orchestrator drives executions from submission to routed actions.
type Orchestrator struct {
	opts     Options
	ledger   *ledger.Ledger
	builder  *graph.Builder
	engine   engine.WorkflowEngine
	router   Router
	history  history.Store
	notifier events.Notifier
	logger   logging.Logger

	// ctx is cancelled by Shutdown; every monitor watches it.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closing bool
}

// New creates an Orchestrator.
func New(deps Deps, opts Options) *Orchestrator {
	if deps.Notifier == nil {
		deps.Notifier = events.Discard{}
	}
	if opts.MaxPollBackoff < opts.PollInterval {
		opts.MaxPollBackoff = opts.PollInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		opts:     opts,
		ledger:   deps.Ledger,
		builder:  deps.Builder,
		engine:   deps.Engine,
		router:   deps.Router,
		history:  deps.History,
		notifier: deps.Notifier,
		logger:   deps.Logger.Bind("component", "orchestrator"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// =============================================================================
// SUBMISSION
// =============================================================================

// ProcessEmail creates an execution for email, submits its graph and starts
// monitoring. A submission failure is recorded on the returned execution
// (status failed) and is not returned as an error; errors are reserved for
// invalid input and shutdown.
func (o *Orchestrator) ProcessEmail(ctx context.Context, email *execution.Email) (*execution.Execution, error) {
	if err := email.Validate(); err != nil {
		return nil, err
	}

	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		return nil, ErrShuttingDown
	}
	// Registered under the lock so Shutdown cannot miss this execution.
	o.wg.Add(1)
	o.mu.Unlock()
	monitoring := false
	defer func() {
		if !monitoring {
			o.wg.Done()
		}
	}()

	ctx, span := observability.Tracer("mailpipe/orchestrator").Start(ctx, "process_email")
	defer span.End()

	exec := execution.New(email)
	span.SetAttributes(attribute.String("execution_id", exec.ID), attribute.String("email_id", email.ID))
	if err := o.ledger.Add(ctx, exec); err != nil {
		return nil, err
	}
	log := o.logger.Bind("execution_id", exec.ID, "email_id", email.ID)
	log.Info("email_received", "subject", email.Subject, "has_attachments", email.HasAttachments())

	o.notifier.Notify(&commbus.EmailReceived{
		ExecutionID:    exec.ID,
		EmailID:        email.ID,
		Subject:        email.Subject,
		Sender:         email.Sender,
		HasAttachments: email.HasAttachments(),
		Timestamp:      time.Now().UTC(),
	})

	def, err := o.builder.Build(email, exec, graph.WithHistory(o.searchHistory(ctx, email, log)))
	if err != nil {
		return o.submissionFailed(ctx, exec, err, log), nil
	}

	runID, err := o.engine.Submit(ctx, def)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "submission failed")
		return o.submissionFailed(ctx, exec, execution.NewSubmissionError(def.ID, err), log), nil
	}

	snapshot, err := o.ledger.Update(ctx, exec.ID, func(e *execution.Execution) error {
		e.RunID = runID
		return e.Transition(execution.StatusRunning, "")
	})
	if err != nil {
		// The run exists remotely but the ledger refused the change.
		log.Error("ledger_update_failed", "run_id", runID, "error", err.Error())
		return nil, err
	}
	observability.RecordSubmission("success")
	log.Info("execution_submitted", "run_id", runID, "graph_id", def.ID, "node_count", len(def.Nodes))

	o.notifier.Notify(&commbus.GraphSubmitted{
		ExecutionID: exec.ID,
		GraphID:     def.ID,
		RunID:       runID,
		NodeCount:   len(def.Nodes),
		Timestamp:   time.Now().UTC(),
	})

	monitoring = true
	recovery.SafeGo(o.logger, "monitor", func() {
		defer o.wg.Done()
		o.monitor(snapshot, def)
	}, func(r any) {
		o.finish(exec.ID, execution.StatusFailed, fmt.Sprintf("monitor panic: %v", r), log)
		o.release(snapshot.RunID)
	})

	return snapshot, nil
}

// searchHistory loads similar past emails for the synthesis stage. Failures
// leave the context empty.
func (o *Orchestrator) searchHistory(ctx context.Context, email *execution.Email, log logging.Logger) []history.Record {
	if o.history == nil {
		return nil
	}
	records, err := o.history.Search(ctx, email.Subject+" "+email.Sender, o.opts.HistoryLimit, o.opts.HistoryWindow)
	if err != nil {
		log.Warn("history_search_failed", "error", err.Error())
		return nil
	}
	return records
}

func (o *Orchestrator) submissionFailed(ctx context.Context, exec *execution.Execution, err error, log logging.Logger) *execution.Execution {
	observability.RecordSubmission("error")
	log.Error("execution_submission_failed", "error", err.Error())
	if snapshot := o.finish(exec.ID, execution.StatusFailed, err.Error(), log); snapshot != nil {
		return snapshot
	}
	failed := exec.Clone()
	_ = failed.Transition(execution.StatusFailed, err.Error())
	return failed
}

// =============================================================================
// QUERIES
// =============================================================================

// GetExecution returns a snapshot of the execution with id.
func (o *Orchestrator) GetExecution(id string) (*execution.Execution, bool) {
	return o.ledger.Get(id)
}

// ListExecutions returns up to limit executions, most recent first,
// optionally filtered by status.
func (o *Orchestrator) ListExecutions(limit int, status *execution.Status) []*execution.Execution {
	return o.ledger.List(limit, status)
}

// =============================================================================
// SHUTDOWN
// =============================================================================

// Shutdown stops accepting emails, cancels every in-flight monitor and waits
// for them to record their final status, or for ctx to end.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closing = true
	o.mu.Unlock()
	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.logger.Info("orchestrator_stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
