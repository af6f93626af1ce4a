package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"

	"github.com/jeeves-cluster-organization/mailpipe/commbus"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/engine"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/execution"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/graph"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/logging"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/observability"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/recovery"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/stages"
)

// monitor polls the run behind exec until it is terminal, the execution
// times out, or the orchestrator shuts down.
func (o *Orchestrator) monitor(exec *execution.Execution, def *graph.Definition) {
	log := o.logger.Bind("execution_id", exec.ID, "run_id", exec.RunID)
	ctx, span := observability.Tracer("mailpipe/orchestrator").Start(o.ctx, "monitor")
	defer span.End()
	span.SetAttributes(attribute.String("execution_id", exec.ID), attribute.String("run_id", exec.RunID))

	deadlineAt := time.Now().Add(o.opts.Timeout)
	deadline := time.NewTimer(o.opts.Timeout)
	defer deadline.Stop()
	poll := time.NewTimer(o.opts.PollInterval)
	defer poll.Stop()

	// Consecutive poll errors stretch the interval up to MaxPollBackoff.
	stretch := backoff.NewExponentialBackOff()
	stretch.InitialInterval = o.opts.PollInterval
	stretch.MaxInterval = o.opts.MaxPollBackoff
	stretch.RandomizationFactor = 0
	stretch.MaxElapsedTime = 0
	stretch.Reset()

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			o.finish(exec.ID, execution.StatusCancelled, "cancelled: shutdown", log)
			o.cancelRemote(exec.RunID, log)
			return
		case <-deadline.C:
			o.timeout(exec, log)
			return
		case <-poll.C:
		}

		attempt++
		pollCtx, cancel := context.WithDeadline(ctx, deadlineAt)
		status, err := o.engine.GetStatus(pollCtx, exec.RunID)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			perr := execution.NewTransientPollError(exec.RunID, attempt, err)
			observability.RecordPollError()
			wait := stretch.NextBackOff()
			log.Warn("poll_failed", "attempt", attempt, "next_poll_ms", wait.Milliseconds(), "error", perr.Error())
			poll.Reset(wait)
			continue
		}
		stretch.Reset()

		switch status.State {
		case engine.RunCompleted:
			o.completed(ctx, exec, def, status, log)
			o.release(exec.RunID)
			return
		case engine.RunFailed:
			o.failed(exec, def, status, log)
			o.release(exec.RunID)
			return
		case engine.RunCancelled:
			o.recordOutputs(exec.ID, def, status, log)
			o.finish(exec.ID, execution.StatusCancelled, orDefault(status.Error, "cancelled by engine"), log)
			o.release(exec.RunID)
			return
		default:
			log.Debug("poll_pending", "attempt", attempt, "state", string(status.State))
			poll.Reset(o.opts.PollInterval)
		}
	}
}

// timeout fails the execution and cancels the remote run without waiting.
func (o *Orchestrator) timeout(exec *execution.Execution, log logging.Logger) {
	err := execution.NewTimeoutError(exec.ID, o.opts.Timeout)
	log.Error("execution_timeout", "timeout", o.opts.Timeout.String())
	o.finish(exec.ID, execution.StatusFailed, err.Error(), log)
	o.cancelRemote(exec.RunID, log)
}

// cancelRemote cancels the run without waiting, then releases it.
func (o *Orchestrator) cancelRemote(runID string, log logging.Logger) {
	recovery.SafeGo(o.logger, "cancel_run", func() {
		defer o.release(runID)
		ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
		defer cancel()
		if err := o.engine.Cancel(ctx, runID); err != nil {
			log.Warn("remote_cancel_failed", "error", err.Error())
		}
	}, nil)
}

// release lets an in-memory engine drop a run nobody polls anymore.
func (o *Orchestrator) release(runID string) {
	if r, ok := o.engine.(engine.RunReleaser); ok {
		r.Forget(runID)
	}
}

// =============================================================================
// TERMINAL HANDLING
// =============================================================================

// completed stores the outputs, marks the execution completed and routes the
// synthesis output. Missing synthesis output fails the execution instead.
func (o *Orchestrator) completed(ctx context.Context, exec *execution.Execution, def *graph.Definition, status *engine.RunStatus, log logging.Logger) {
	outputs := o.normalize(def, status, log)

	synth, ok := outputs[stages.Synthesis]
	if !ok || synth.Skipped || slices.Contains(status.FailedTasks, string(stages.Synthesis)) {
		o.recordOutputs(exec.ID, def, status, log)
		err := execution.NewCriticalStageError(stages.Synthesis, errors.New("no synthesis output"))
		o.finish(exec.ID, execution.StatusFailed, err.Error(), log)
		return
	}

	snapshot, err := o.ledger.Update(o.persistCtx(), exec.ID, func(e *execution.Execution) error {
		if err := setOutputs(e, outputs); err != nil {
			return err
		}
		return e.Transition(execution.StatusCompleted, "")
	})
	if err != nil {
		log.Error("ledger_update_failed", "error", err.Error())
		return
	}
	log.Info("execution_completed", "stage_count", len(outputs), "failed_nodes", status.FailedTasks)

	actions := o.router.Route(ctx, snapshot, synth)
	if len(actions) > 0 {
		snapshot, err = o.ledger.Update(o.persistCtx(), exec.ID, func(e *execution.Execution) error {
			e.Actions = append(e.Actions, actions...)
			return nil
		})
		if err != nil {
			log.Error("ledger_update_failed", "error", err.Error())
			return
		}
	}
	for _, a := range actions {
		o.notifier.Notify(&commbus.ActionCreated{
			ActionID:    a.ID,
			ExecutionID: exec.ID,
			ActionType:  string(a.Kind),
			Status:      string(a.Status),
			Confidence:  a.Confidence,
			Timestamp:   time.Now().UTC(),
		})
	}

	o.remember(snapshot, synth, log)
	o.terminal(snapshot)
}

// failed records what the run produced and fails the execution with the
// engine's error. A failed synthesis node makes it a critical stage error.
func (o *Orchestrator) failed(exec *execution.Execution, def *graph.Definition, status *engine.RunStatus, log logging.Logger) {
	o.recordOutputs(exec.ID, def, status, log)

	var err error = errors.New(orDefault(status.Error, "workflow failed"))
	if slices.Contains(status.FailedTasks, string(stages.Synthesis)) {
		err = execution.NewCriticalStageError(stages.Synthesis, err)
	}
	o.finish(exec.ID, execution.StatusFailed, err.Error(), log)
}

// recordOutputs stores whatever outputs a non-successful run produced.
func (o *Orchestrator) recordOutputs(id string, def *graph.Definition, status *engine.RunStatus, log logging.Logger) {
	outputs := o.normalize(def, status, log)
	if len(outputs) == 0 {
		return
	}
	if _, err := o.ledger.Update(o.persistCtx(), id, func(e *execution.Execution) error {
		return setOutputs(e, outputs)
	}); err != nil {
		log.Warn("ledger_update_failed", "error", err.Error())
	}
}

// finish moves the execution to a terminal status and announces it. It
// returns nil when the ledger refused the change.
func (o *Orchestrator) finish(id string, to execution.Status, errMsg string, log logging.Logger) *execution.Execution {
	snapshot, err := o.ledger.Transition(o.persistCtx(), id, to, errMsg)
	if err != nil {
		log.Error("ledger_transition_failed", "to", string(to), "error", err.Error())
		return nil
	}
	if to == execution.StatusFailed {
		log.Error("execution_failed", "error", errMsg)
	} else {
		log.Info("execution_finished", "status", string(to), "error", errMsg)
	}
	o.terminal(snapshot)
	return snapshot
}

// terminal records metrics and publishes the completion event.
func (o *Orchestrator) terminal(exec *execution.Execution) {
	var duration time.Duration
	if exec.CompletedAt != nil {
		duration = exec.CompletedAt.Sub(exec.StartedAt)
	}
	observability.RecordExecution(string(exec.Status), duration)
	o.notifier.Notify(&commbus.ExecutionCompleted{
		ExecutionID: exec.ID,
		EmailID:     exec.EmailID,
		Status:      string(exec.Status),
		Error:       exec.Error,
		DurationMS:  duration.Milliseconds(),
		ActionCount: len(exec.Actions),
		Timestamp:   time.Now().UTC(),
	})
}

// remember stores a summary of the completed execution for future history
// lookups. Failures are logged only.
func (o *Orchestrator) remember(exec *execution.Execution, synth *execution.StageOutput, log logging.Logger) {
	if o.history == nil {
		return
	}
	summary := exec.Metadata.Subject
	if f, ok := synth.Synthesis(); ok && f.Narrative != "" {
		summary = fmt.Sprintf("%s: %s", exec.Metadata.Subject, f.Narrative)
	}
	meta := map[string]string{
		"sender":  exec.Metadata.Sender,
		"subject": exec.Metadata.Subject,
	}
	if out, ok := exec.StageOutputs[stages.Classification]; ok {
		if c, ok := out.Findings.(*execution.ClassificationFindings); ok {
			meta["category"] = string(c.Category)
		}
	}
	if err := o.history.Store(o.persistCtx(), exec.EmailID, summary, meta); err != nil {
		log.Warn("history_store_failed", "error", err.Error())
	}
}

// =============================================================================
// HELPERS
// =============================================================================

// normalize types every node result the engine reported, keyed by stage.
func (o *Orchestrator) normalize(def *graph.Definition, status *engine.RunStatus, log logging.Logger) map[stages.Stage]*execution.StageOutput {
	outputs := make(map[stages.Stage]*execution.StageOutput, len(status.TaskResults))
	for _, node := range def.Nodes {
		raw, ok := status.TaskResults[node.ID]
		if !ok {
			continue
		}
		out, err := execution.Normalize(node.Stage, raw)
		if err != nil {
			log.Warn("output_normalize_failed", "node", node.ID, "error", err.Error())
			continue
		}
		if !out.Skipped {
			observability.RecordStageConfidence(string(node.Stage), out.Confidence)
		}
		outputs[node.Stage] = out
	}
	return outputs
}

func setOutputs(e *execution.Execution, outputs map[stages.Stage]*execution.StageOutput) error {
	for _, s := range stages.All {
		if out, ok := outputs[s]; ok {
			if _, exists := e.StageOutputs[s]; exists {
				continue
			}
			if err := e.SetOutput(out); err != nil {
				return err
			}
		}
	}
	return nil
}

// persistCtx outlives shutdown so final statuses still reach the store.
func (o *Orchestrator) persistCtx() context.Context {
	return context.WithoutCancel(o.ctx)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
