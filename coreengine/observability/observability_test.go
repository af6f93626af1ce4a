package observability

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// METRICS TESTS
// =============================================================================

func TestRecordExecution(t *testing.T) {
	tests := []struct {
		name     string
		status   string
		duration time.Duration
	}{
		{"completed", "completed", 2 * time.Second},
		{"failed", "failed", 500 * time.Millisecond},
		{"cancelled", "cancelled", 0},
		{"long", "completed", 5 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := testutil.ToFloat64(executionsTotal.WithLabelValues(tt.status))
			RecordExecution(tt.status, tt.duration)
			after := testutil.ToFloat64(executionsTotal.WithLabelValues(tt.status))
			assert.Equal(t, before+1, after)
		})
	}
}

func TestRecordSubmissionAndPollErrors(t *testing.T) {
	before := testutil.ToFloat64(submissionsTotal.WithLabelValues("error"))
	RecordSubmission("error")
	assert.Equal(t, before+1, testutil.ToFloat64(submissionsTotal.WithLabelValues("error")))

	polls := testutil.ToFloat64(pollErrorsTotal)
	RecordPollError()
	RecordPollError()
	assert.Equal(t, polls+2, testutil.ToFloat64(pollErrorsTotal))
}

func TestRecordStageRun(t *testing.T) {
	tests := []struct {
		stage  string
		status string
	}{
		{"classification", "success"},
		{"document_analysis", "error"},
		{"task_extraction", "skipped"},
	}

	for _, tt := range tests {
		t.Run(tt.stage+"/"+tt.status, func(t *testing.T) {
			RecordStageRun(tt.stage, tt.status, 10*time.Millisecond)
			assert.Greater(t, testutil.ToFloat64(stageRunsTotal.WithLabelValues(tt.stage, tt.status)), 0.0)
		})
	}
}

func TestRecordRoutingAndActions(t *testing.T) {
	RecordRoutingDecision("low_confidence")
	RecordAction("human_review", "pending")
	RecordAction("create_task", "completed")
	RecordStageConfidence("synthesis", 0.9)

	assert.Greater(t, testutil.ToFloat64(routingDecisionsTotal.WithLabelValues("low_confidence")), 0.0)
	assert.Greater(t, testutil.ToFloat64(actionsTotal.WithLabelValues("human_review", "pending")), 0.0)
	assert.Greater(t, testutil.ToFloat64(actionsTotal.WithLabelValues("create_task", "completed")), 0.0)
}

func TestRecordEvent(t *testing.T) {
	RecordEvent("emails.received", "dropped")
	assert.Greater(t, testutil.ToFloat64(eventsTotal.WithLabelValues("emails.received", "dropped")), 0.0)
}

func TestRecordTransportRequests(t *testing.T) {
	tests := []struct {
		name   string
		method string
		status string
	}{
		{"ok", "/mailpipe.v1.Orchestrator/SubmitEmail", "OK"},
		{"invalid argument", "/mailpipe.v1.Orchestrator/SubmitEmail", "InvalidArgument"},
		{"not found", "/mailpipe.v1.Orchestrator/GetExecution", "NotFound"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			RecordGRPCRequest(tt.method, tt.status, time.Millisecond)
			assert.Greater(t, testutil.ToFloat64(grpcRequestsTotal.WithLabelValues(tt.method, tt.status)), 0.0)
		})
	}

	RecordHTTPRequest("/v1/emails", 202, time.Millisecond)
	assert.Greater(t, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("/v1/emails", "202")), 0.0)
}

func TestMetrics_Concurrent(t *testing.T) {
	const goroutines = 10
	const iterations = 100

	before := testutil.ToFloat64(actionsTotal.WithLabelValues("concurrent", "completed"))
	done := make(chan bool, goroutines)

	for i := 0; i < goroutines; i++ {
		go func() {
			for j := 0; j < iterations; j++ {
				RecordAction("concurrent", "completed")
				RecordStageRun("concurrent", "success", time.Millisecond)
			}
			done <- true
		}()
	}
	for i := 0; i < goroutines; i++ {
		<-done
	}

	after := testutil.ToFloat64(actionsTotal.WithLabelValues("concurrent", "completed"))
	assert.Equal(t, float64(goroutines*iterations), after-before)
}

// =============================================================================
// TRACING TESTS
// =============================================================================

func TestInitTracer_Disabled(t *testing.T) {
	shutdown, err := InitTracer(context.Background(), TracerSettings{ServiceName: "mailpipe", SampleRatio: 1})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestTracer(t *testing.T) {
	_, span := Tracer("test").Start(context.Background(), "op")
	defer span.End()
	assert.NotNil(t, span)
}
