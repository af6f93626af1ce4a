package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/jeeves-cluster-organization/mailpipe/coreengine/graph"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/httpclient"
)

// HTTPClient is a WorkflowEngine backed by a remote engine's REST API:
//
//	POST /dags/submit                 -> {"execution_id": "..."}
//	GET  /executions/{id}             -> RunStatus
//	POST /executions/{id}/cancel
type HTTPClient struct {
	client *httpclient.Client
}

// NewHTTPClient creates an HTTPClient for the engine at baseURL.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{client: httpclient.New(baseURL, timeout)}
}

type submitResponse struct {
	ExecutionID string `json:"execution_id"`
}

// Submit implements WorkflowEngine.
func (c *HTTPClient) Submit(ctx context.Context, def *graph.Definition) (string, error) {
	var resp submitResponse
	if err := c.client.Do(ctx, http.MethodPost, "/dags/submit", NewSubmitRequest(def), &resp); err != nil {
		return "", err
	}
	if resp.ExecutionID == "" {
		return "", fmt.Errorf("engine accepted %s without an execution id", def.ID)
	}
	return resp.ExecutionID, nil
}

// GetStatus implements WorkflowEngine.
func (c *HTTPClient) GetStatus(ctx context.Context, runID string) (*RunStatus, error) {
	var status RunStatus
	err := c.client.Do(ctx, http.MethodGet, "/executions/"+url.PathEscape(runID), nil, &status)
	if err != nil {
		var serr *httpclient.StatusError
		if errors.As(err, &serr) && serr.Code == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, err
	}
	if status.RunID == "" {
		status.RunID = runID
	}
	return &status, nil
}

// Cancel implements WorkflowEngine.
func (c *HTTPClient) Cancel(ctx context.Context, runID string) error {
	return c.client.Do(ctx, http.MethodPost, "/executions/"+url.PathEscape(runID)+"/cancel", nil, nil)
}

var _ WorkflowEngine = (*HTTPClient)(nil)
