// Package dispatch turns routed recommendations into executed actions.
//
// Each action kind has one Dispatcher wrapping one external Tool. A tool
// call that fails is recorded on the returned action; only errors that
// happen before the tool is reached (bad data, cancelled context) are
// returned to the caller.
package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/jeeves-cluster-organization/mailpipe/coreengine/execution"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/httpclient"
)

// Result is the uniform outcome of a tool call.
type Result struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Tool   string `json:"tool,omitempty"`
}

// Map renders the result as an action result payload.
func (r *Result) Map() map[string]any {
	m := map[string]any{"id": r.ID, "status": r.Status}
	if r.Tool != "" {
		m["tool"] = r.Tool
	}
	return m
}

// Tool is an external collaborator that performs one kind of action.
type Tool interface {
	Name() string
	Call(ctx context.Context, payload execution.Payload) (*Result, error)
}

// =============================================================================
// HTTP TOOL
// =============================================================================

// HTTPTool posts the payload as JSON to {baseURL}{path}. The response must
// carry an "id" (or "sid") and may carry a "status".
type HTTPTool struct {
	name   string
	path   string
	client *httpclient.Client
}

// NewHTTPTool creates an HTTPTool.
func NewHTTPTool(name, baseURL, path string, timeout time.Duration) *HTTPTool {
	return &HTTPTool{name: name, path: path, client: httpclient.New(baseURL, timeout)}
}

// Name implements Tool.
func (t *HTTPTool) Name() string { return t.name }

type toolResponse struct {
	ID     string `json:"id"`
	SID    string `json:"sid"`
	Status string `json:"status"`
}

// Call implements Tool.
func (t *HTTPTool) Call(ctx context.Context, payload execution.Payload) (*Result, error) {
	var resp toolResponse
	if err := t.client.Do(ctx, http.MethodPost, t.path, payload, &resp); err != nil {
		return nil, err
	}
	id := resp.ID
	if id == "" {
		id = resp.SID
	}
	if id == "" {
		return nil, fmt.Errorf("%s returned no id", t.name)
	}
	status := resp.Status
	if status == "" {
		status = "created"
	}
	return &Result{ID: id, Status: status, Tool: t.name}, nil
}

// =============================================================================
// ACK TOOL
// =============================================================================

// AckTool acknowledges actions locally with a generated id. It stands in for
// a tool that is enabled but has no endpoint configured.
type AckTool struct {
	name   string
	status string
}

// NewAckTool creates an AckTool that reports status on every call.
func NewAckTool(name, status string) *AckTool {
	return &AckTool{name: name, status: status}
}

// Name implements Tool.
func (t *AckTool) Name() string { return t.name }

// Call implements Tool.
func (t *AckTool) Call(ctx context.Context, payload execution.Payload) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Result{ID: uuid.New().String(), Status: t.status, Tool: t.name}, nil
}

var (
	_ Tool = (*HTTPTool)(nil)
	_ Tool = (*AckTool)(nil)
)
