package engine

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/mailpipe/coreengine/execution"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/graph"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/httpclient"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/stages"
)

// StageRequest is one invocation of a stage executor.
type StageRequest struct {
	GraphID string
	Node    *graph.TaskNode
	// Upstream holds consumed outputs keyed like TaskNode.Consumes.
	Upstream map[string]execution.RawOutput
	Attempt  int
	// Fallback asks the executor for its degraded mode after retries ran out.
	Fallback bool
}

// StageExecutor runs one classification stage. Its internals are opaque here.
type StageExecutor interface {
	Execute(ctx context.Context, req StageRequest) (execution.RawOutput, error)
}

// StageExecutorFunc adapts a function to StageExecutor.
type StageExecutorFunc func(ctx context.Context, req StageRequest) (execution.RawOutput, error)

// Execute implements StageExecutor.
func (f StageExecutorFunc) Execute(ctx context.Context, req StageRequest) (execution.RawOutput, error) {
	return f(ctx, req)
}

// =============================================================================
// HTTP STAGE EXECUTOR
// =============================================================================

// stageCall is the body posted to a stage endpoint.
type stageCall struct {
	TaskID   string                         `json:"task_id"`
	Stage    stages.Stage                   `json:"agent_type"`
	Model    string                         `json:"model,omitempty"`
	Provider string                         `json:"provider,omitempty"`
	Input    graph.NodeInput                `json:"input"`
	Upstream map[string]execution.RawOutput `json:"upstream,omitempty"`
	Attempt  int                            `json:"attempt"`
	Fallback bool                           `json:"fallback"`
}

// HTTPStageExecutor posts stage requests to the node's configured endpoint
// (POST {agent_url}/process).
type HTTPStageExecutor struct {
	defaultTimeout time.Duration
	clients        map[string]*httpclient.Client
	mu             sync.Mutex
}

// NewHTTPStageExecutor creates an HTTPStageExecutor. defaultTimeout applies to
// nodes without their own timeout.
func NewHTTPStageExecutor(defaultTimeout time.Duration) *HTTPStageExecutor {
	return &HTTPStageExecutor{
		defaultTimeout: defaultTimeout,
		clients:        make(map[string]*httpclient.Client),
	}
}

// Execute implements StageExecutor.
func (e *HTTPStageExecutor) Execute(ctx context.Context, req StageRequest) (execution.RawOutput, error) {
	if req.Node.Config.URL == "" {
		return execution.RawOutput{}, fmt.Errorf("stage %s has no endpoint configured", req.Node.Stage)
	}

	call := stageCall{
		TaskID:   req.Node.ID,
		Stage:    req.Node.Stage,
		Model:    req.Node.Config.Model,
		Provider: req.Node.Config.Provider,
		Input:    req.Node.Input,
		Upstream: req.Upstream,
		Attempt:  req.Attempt,
		Fallback: req.Fallback,
	}

	var out execution.RawOutput
	if err := e.client(req.Node).Do(ctx, http.MethodPost, "/process", call, &out); err != nil {
		return execution.RawOutput{}, fmt.Errorf("stage %s: %w", req.Node.Stage, err)
	}
	return out, nil
}

func (e *HTTPStageExecutor) client(n *graph.TaskNode) *httpclient.Client {
	e.mu.Lock()
	defer e.mu.Unlock()

	if c, ok := e.clients[n.Config.URL]; ok {
		return c
	}
	timeout := n.Config.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	c := httpclient.New(n.Config.URL, timeout)
	e.clients[n.Config.URL] = c
	return c
}

var _ StageExecutor = (*HTTPStageExecutor)(nil)
