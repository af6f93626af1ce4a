package dispatch

import (
	"context"
	"net/http"
	"time"

	"github.com/jeeves-cluster-organization/mailpipe/coreengine/execution"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/httpclient"
)

// ReviewQueue receives human-review actions.
type ReviewQueue interface {
	Enqueue(ctx context.Context, action *execution.Action) error
}

// HTTPReviewQueue posts review actions to {baseURL}/review/queue.
type HTTPReviewQueue struct {
	client *httpclient.Client
}

// NewHTTPReviewQueue creates an HTTPReviewQueue.
func NewHTTPReviewQueue(baseURL string, timeout time.Duration) *HTTPReviewQueue {
	return &HTTPReviewQueue{client: httpclient.New(baseURL, timeout)}
}

type reviewRequest struct {
	ExecutionID string            `json:"execution_id"`
	ActionID    string            `json:"action_id"`
	Payload     execution.Payload `json:"payload"`
}

// Enqueue implements ReviewQueue.
func (q *HTTPReviewQueue) Enqueue(ctx context.Context, action *execution.Action) error {
	return q.client.Do(ctx, http.MethodPost, "/review/queue", reviewRequest{
		ExecutionID: action.ExecutionID,
		ActionID:    action.ID,
		Payload:     action.Payload,
	}, nil)
}

var _ ReviewQueue = (*HTTPReviewQueue)(nil)
