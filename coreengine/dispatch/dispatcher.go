package dispatch

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/time/rate"

	"github.com/jeeves-cluster-organization/mailpipe/coreengine/execution"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/logging"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/observability"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/recovery"
)

// Dispatcher executes one kind of recommendation for an execution.
//
// A returned error means no action was created. Tool failures are not
// errors: the action comes back with status failed.
type Dispatcher interface {
	Kind() execution.ActionKind
	Dispatch(ctx context.Context, exec *execution.Execution, data map[string]any, confidence float64) (*execution.Action, error)
}

// ToolDispatcher builds the typed payload, waits on its rate limiter and
// calls its tool. A disabled dispatcher returns the action pending without
// calling the tool.
type ToolDispatcher struct {
	kind    execution.ActionKind
	tool    Tool
	enabled bool
	limiter *rate.Limiter
	logger  logging.Logger
}

// ToolOption configures a ToolDispatcher.
type ToolOption func(*ToolDispatcher)

// WithRateLimit limits tool calls to perSecond with the given burst.
// perSecond <= 0 leaves calls unlimited.
func WithRateLimit(perSecond float64, burst int) ToolOption {
	return func(d *ToolDispatcher) {
		if perSecond <= 0 {
			d.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithEnabled toggles execution of the tool.
func WithEnabled(enabled bool) ToolOption {
	return func(d *ToolDispatcher) { d.enabled = enabled }
}

// NewToolDispatcher creates an enabled, unlimited dispatcher for kind.
func NewToolDispatcher(kind execution.ActionKind, tool Tool, logger logging.Logger, opts ...ToolOption) *ToolDispatcher {
	d := &ToolDispatcher{
		kind:    kind,
		tool:    tool,
		enabled: true,
		logger:  logger.Bind("action_type", string(kind), "tool", tool.Name()),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Kind implements Dispatcher.
func (d *ToolDispatcher) Kind() execution.ActionKind { return d.kind }

// Dispatch implements Dispatcher.
func (d *ToolDispatcher) Dispatch(ctx context.Context, exec *execution.Execution, data map[string]any, confidence float64) (*execution.Action, error) {
	payload, err := execution.PayloadFromData(d.kind, data)
	if err != nil {
		return nil, execution.NewDispatchError(d.kind, err)
	}
	action := execution.NewAction(exec.ID, payload, confidence)
	log := d.logger.Bind("execution_id", exec.ID, "action_id", action.ID)

	if !d.enabled {
		log.Info("tool_disabled_action_pending")
		observability.RecordAction(string(d.kind), string(action.Status))
		return action, nil
	}

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return nil, execution.NewDispatchError(d.kind, err)
		}
	}

	result, err := recovery.SafeExecuteWithResult(d.logger, "tool_"+d.tool.Name(), func() (*Result, error) {
		return d.tool.Call(ctx, payload)
	})
	if err != nil {
		action.Fail(err)
		log.Error("tool_call_failed", "error", err.Error())
	} else {
		action.Complete(result.Map())
		log.Info("tool_call_completed", "result_id", result.ID)
	}
	observability.RecordAction(string(d.kind), string(action.Status))
	return action, nil
}

// =============================================================================
// REGISTRY
// =============================================================================

// Registry maps action kinds to dispatchers.
type Registry struct {
	dispatchers map[execution.ActionKind]Dispatcher
	mu          sync.RWMutex
}

// NewRegistry creates a Registry holding ds.
func NewRegistry(ds ...Dispatcher) *Registry {
	r := &Registry{dispatchers: make(map[execution.ActionKind]Dispatcher, len(ds))}
	for _, d := range ds {
		r.Register(d)
	}
	return r
}

// Register adds or replaces the dispatcher for d.Kind().
func (r *Registry) Register(d Dispatcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatchers[d.Kind()] = d
}

// Get returns the dispatcher for kind.
func (r *Registry) Get(kind execution.ActionKind) (Dispatcher, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.dispatchers[kind]
	return d, ok
}

// List returns the registered kinds in sorted order.
func (r *Registry) List() []execution.ActionKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]execution.ActionKind, 0, len(r.dispatchers))
	for k := range r.dispatchers {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

var _ Dispatcher = (*ToolDispatcher)(nil)
