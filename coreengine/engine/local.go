package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/jeeves-cluster-organization/mailpipe/coreengine/execution"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/graph"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/logging"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/observability"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/recovery"
)

// LocalEngine runs graphs in-process. Ready nodes execute concurrently; each
// node gets its retry budget with exponential backoff, then one fallback
// attempt if allowed. A failed critical node fails the run; other failures
// are recorded and the run continues without that node's output.
type LocalEngine struct {
	executor      StageExecutor
	logger        logging.Logger
	maxParallel   int
	retryInterval time.Duration

	runs map[string]*localRun
	mu   sync.RWMutex
}

// LocalOption configures a LocalEngine.
type LocalOption func(*LocalEngine)

// WithMaxParallel caps concurrently running nodes per run (0 = unlimited).
func WithMaxParallel(n int) LocalOption {
	return func(e *LocalEngine) { e.maxParallel = n }
}

// WithRetryInterval sets the initial backoff between node attempts.
func WithRetryInterval(d time.Duration) LocalOption {
	return func(e *LocalEngine) { e.retryInterval = d }
}

// NewLocalEngine creates a LocalEngine.
func NewLocalEngine(executor StageExecutor, logger logging.Logger, opts ...LocalOption) *LocalEngine {
	e := &LocalEngine{
		executor:      executor,
		logger:        logger.Bind("engine", "local"),
		retryInterval: 500 * time.Millisecond,
		runs:          make(map[string]*localRun),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// localRun is the state of one submitted graph.
type localRun struct {
	id     string
	def    *graph.Definition
	cancel context.CancelFunc

	mu      sync.Mutex
	state   RunState
	results map[string]execution.RawOutput
	failed  []string
	err     string
}

// nodeResult is sent from a node goroutine back to the coordinator.
type nodeResult struct {
	nodeID   string
	output   execution.RawOutput
	err      error
	duration time.Duration
}

// Submit implements WorkflowEngine.
func (e *LocalEngine) Submit(ctx context.Context, def *graph.Definition) (string, error) {
	if err := def.Validate(); err != nil {
		return "", err
	}

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if def.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(context.Background(), def.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(context.Background())
	}

	run := &localRun{
		id:      uuid.New().String(),
		def:     def,
		cancel:  cancel,
		state:   RunPending,
		results: make(map[string]execution.RawOutput),
	}

	e.mu.Lock()
	e.runs[run.id] = run
	e.mu.Unlock()

	recovery.SafeGo(e.logger, "local_run", func() {
		defer cancel()
		e.coordinate(runCtx, run)
	}, func(r any) {
		run.finish(RunFailed, fmt.Sprintf("engine panic: %v", r))
	})

	e.logger.Info("run_submitted", "run_id", run.id, "graph_id", def.ID, "node_count", len(def.Nodes))
	return run.id, nil
}

// GetStatus implements WorkflowEngine.
func (e *LocalEngine) GetStatus(ctx context.Context, runID string) (*RunStatus, error) {
	run, ok := e.run(runID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return run.snapshot(), nil
}

// Cancel implements WorkflowEngine.
func (e *LocalEngine) Cancel(ctx context.Context, runID string) error {
	run, ok := e.run(runID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	run.cancel()
	return nil
}

// Forget drops a run's state. A run that is still going is cancelled first;
// its coordinator finishes on its own without being observable.
func (e *LocalEngine) Forget(runID string) {
	e.mu.Lock()
	run, ok := e.runs[runID]
	delete(e.runs, runID)
	e.mu.Unlock()
	if ok {
		run.cancel()
		e.logger.Debug("run_forgotten", "run_id", runID)
	}
}

func (e *LocalEngine) run(runID string) (*localRun, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	run, ok := e.runs[runID]
	return run, ok
}

// =============================================================================
// COORDINATION
// =============================================================================

// coordinate drives one run: start ready nodes, wait for any to finish, repeat.
func (e *LocalEngine) coordinate(ctx context.Context, run *localRun) {
	def := run.def
	log := e.logger.Bind("run_id", run.id, "graph_id", def.ID)
	run.setState(RunRunning)
	log.Info("run_started", "topological_order", def.TopologicalOrder())

	done := make(map[string]bool, len(def.Nodes))
	started := make(map[string]bool, len(def.Nodes))
	results := make(chan nodeResult, len(def.Nodes))
	active := 0

	for {
		if ctx.Err() != nil {
			e.interrupt(ctx, run, log)
			return
		}
		if len(done) == len(def.Nodes) {
			run.finish(RunCompleted, "")
			log.Info("run_completed", "failed_nodes", run.snapshot().FailedTasks)
			return
		}

		for _, id := range def.ReadyNodes(done) {
			if started[id] {
				continue
			}
			if e.maxParallel > 0 && active >= e.maxParallel {
				break
			}
			node := def.Node(id)
			started[id] = true

			if node.Skip != nil {
				var normalized *execution.StageOutput
				if upstream, ok := run.result(string(node.Skip.Input)); ok {
					normalized, _ = execution.Normalize(node.Skip.Input, upstream)
				}
				if node.Skip.ShouldSkip(normalized) {
					run.store(id, execution.RawOutput{Skipped: true})
					done[id] = true
					log.Info("node_skipped", "node", id)
					observability.RecordStageRun(string(node.Stage), "skipped", 0)
					continue
				}
			}

			active++
			req := StageRequest{GraphID: def.ID, Node: node, Upstream: run.upstream(node)}
			go func(req StageRequest) {
				results <- e.runNode(ctx, req)
			}(req)
			log.Debug("node_started", "node", id, "active", active)
		}

		if active == 0 && len(done) < len(def.Nodes) {
			// Skips above may have unblocked more nodes.
			continue
		}

		select {
		case r := <-results:
			active--
			done[r.nodeID] = true
			node := def.Node(r.nodeID)

			if r.err == nil {
				run.store(r.nodeID, r.output)
				observability.RecordStageRun(string(node.Stage), "success", r.duration)
				log.Info("node_completed", "node", r.nodeID, "duration_ms", r.duration.Milliseconds())
				continue
			}

			if ctx.Err() != nil {
				e.interrupt(ctx, run, log)
				return
			}
			observability.RecordStageRun(string(node.Stage), "error", r.duration)
			run.fail(r.nodeID)
			if node.Critical {
				msg := fmt.Sprintf("stage %s failed: %v", r.nodeID, r.err)
				run.finish(RunFailed, msg)
				log.Error("run_failed", "node", r.nodeID, "error", r.err.Error())
				return
			}
			log.Warn("node_failed_degraded", "node", r.nodeID, "error", r.err.Error())

		case <-ctx.Done():
			e.interrupt(ctx, run, log)
			return
		}
	}
}

// interrupt ends a run whose context is done. Deadline expiry fails the run;
// anything else is a cancellation.
func (e *LocalEngine) interrupt(ctx context.Context, run *localRun, log logging.Logger) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		run.finish(RunFailed, "engine timeout")
	} else {
		run.finish(RunCancelled, "cancelled")
	}
	log.Warn("run_interrupted", "reason", ctx.Err().Error())
}

// runNode executes one node with retries and an optional fallback attempt.
func (e *LocalEngine) runNode(ctx context.Context, req StageRequest) nodeResult {
	start := time.Now()
	node := req.Node

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.retryInterval
	policy.MaxElapsedTime = 0
	var b backoff.BackOff = backoff.WithContext(backoff.WithMaxRetries(policy, uint64(node.MaxRetries)), ctx)

	attempt := 0
	var output execution.RawOutput
	err := backoff.RetryNotify(func() error {
		req.Attempt = attempt
		attempt++
		out, err := e.attempt(ctx, req)
		if err != nil {
			return err
		}
		output = out
		return nil
	}, b, func(err error, wait time.Duration) {
		e.logger.Debug("node_retry", "node", node.ID, "attempt", attempt, "wait_ms", wait.Milliseconds(), "error", err.Error())
	})

	if err != nil && node.FallbackAllowed && ctx.Err() == nil {
		req.Attempt = attempt
		req.Fallback = true
		out, ferr := e.attempt(ctx, req)
		if ferr == nil {
			e.logger.Warn("node_fallback_used", "node", node.ID, "error", err.Error())
			output, err = out, nil
		} else {
			err = fmt.Errorf("%w (fallback: %v)", err, ferr)
		}
	}

	return nodeResult{nodeID: node.ID, output: output, err: err, duration: time.Since(start)}
}

func (e *LocalEngine) attempt(ctx context.Context, req StageRequest) (execution.RawOutput, error) {
	attemptCtx := ctx
	if req.Node.Config.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, req.Node.Config.Timeout)
		defer cancel()
	}
	return recovery.SafeExecuteWithResult(e.logger, "stage_"+req.Node.ID, func() (execution.RawOutput, error) {
		return e.executor.Execute(attemptCtx, req)
	})
}

// =============================================================================
// RUN STATE
// =============================================================================

func (r *localRun) setState(s RunState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.state.IsTerminal() {
		r.state = s
	}
}

func (r *localRun) finish(s RunState, errMsg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.IsTerminal() {
		return
	}
	r.state = s
	r.err = errMsg
}

func (r *localRun) store(nodeID string, out execution.RawOutput) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[nodeID] = out
}

func (r *localRun) fail(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, nodeID)
}

func (r *localRun) result(nodeID string) (execution.RawOutput, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out, ok := r.results[nodeID]
	return out, ok
}

// upstream collects the outputs node consumes that exist.
func (r *localRun) upstream(node *graph.TaskNode) map[string]execution.RawOutput {
	r.mu.Lock()
	defer r.mu.Unlock()
	in := make(map[string]execution.RawOutput, len(node.Consumes))
	for key, id := range node.Consumes {
		if out, ok := r.results[id]; ok {
			in[key] = out
		}
	}
	return in
}

func (r *localRun) snapshot() *RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	results := make(map[string]execution.RawOutput, len(r.results))
	for k, v := range r.results {
		results[k] = v
	}
	return &RunStatus{
		RunID:       r.id,
		State:       r.state,
		Error:       r.err,
		TaskResults: results,
		FailedTasks: append([]string(nil), r.failed...),
	}
}

var (
	_ WorkflowEngine = (*LocalEngine)(nil)
	_ RunReleaser    = (*LocalEngine)(nil)
)
