// Package observability provides Prometheus metrics and OpenTelemetry tracing.
package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// EXECUTION METRICS
// =============================================================================

var (
	executionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailpipe_executions_total",
			Help: "Total number of email executions reaching a terminal status",
		},
		[]string{"status"}, // completed, failed, cancelled
	)

	executionDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailpipe_execution_duration_seconds",
			Help:    "Email execution duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"status"},
	)

	submissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailpipe_graph_submissions_total",
			Help: "Total graph submissions to the workflow engine",
		},
		[]string{"status"}, // success, error
	)

	pollErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailpipe_poll_errors_total",
			Help: "Transient errors while polling the workflow engine",
		},
	)
)

// =============================================================================
// STAGE METRICS
// =============================================================================

var (
	stageRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailpipe_stage_runs_total",
			Help: "Stage invocations run by the local engine",
		},
		[]string{"stage", "status"}, // success, error, skipped
	)

	stageDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailpipe_stage_duration_seconds",
			Help:    "Stage duration in seconds including retries",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"stage"},
	)

	stageConfidence = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailpipe_stage_confidence",
			Help:    "Confidence reported by each stage",
			Buckets: []float64{0.1, 0.3, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
		},
		[]string{"stage"},
	)
)

// =============================================================================
// ROUTING METRICS
// =============================================================================

var (
	routingDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailpipe_routing_decisions_total",
			Help: "Routing outcomes per completed execution",
		},
		[]string{"outcome"}, // no_synthesis, low_confidence, high_risk, dispatched
	)

	actionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailpipe_actions_total",
			Help: "Actions produced by routing",
		},
		[]string{"kind", "status"},
	)
)

// =============================================================================
// EVENT METRICS
// =============================================================================

var eventsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "mailpipe_events_total",
		Help: "Lifecycle events by delivery outcome",
	},
	[]string{"type", "outcome"}, // published, dropped, error
)

// =============================================================================
// TRANSPORT METRICS
// =============================================================================

var (
	grpcRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailpipe_grpc_requests_total",
			Help: "Total gRPC requests",
		},
		[]string{"method", "status"}, // status: OK, InvalidArgument, Internal, etc.
	)

	grpcRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailpipe_grpc_request_duration_seconds",
			Help:    "gRPC request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"method"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailpipe_http_requests_total",
			Help: "Total HTTP API requests",
		},
		[]string{"route", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailpipe_http_request_duration_seconds",
			Help:    "HTTP API request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"route"},
	)
)

// =============================================================================
// PUBLIC API
// =============================================================================

// RecordExecution records a terminal execution.
func RecordExecution(status string, duration time.Duration) {
	executionsTotal.WithLabelValues(status).Inc()
	executionDurationSeconds.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordSubmission records a graph submission attempt.
func RecordSubmission(status string) {
	submissionsTotal.WithLabelValues(status).Inc()
}

// RecordPollError records one transient poll failure.
func RecordPollError() {
	pollErrorsTotal.Inc()
}

// RecordStageRun records a stage invocation in the local engine.
func RecordStageRun(stage, status string, duration time.Duration) {
	stageRunsTotal.WithLabelValues(stage, status).Inc()
	if status != "skipped" {
		stageDurationSeconds.WithLabelValues(stage).Observe(duration.Seconds())
	}
}

// RecordStageConfidence records the confidence of a collected stage output.
func RecordStageConfidence(stage string, confidence float64) {
	stageConfidence.WithLabelValues(stage).Observe(confidence)
}

// RecordRoutingDecision records how the router handled an execution.
func RecordRoutingDecision(outcome string) {
	routingDecisionsTotal.WithLabelValues(outcome).Inc()
}

// RecordAction records an action produced by routing.
func RecordAction(kind, status string) {
	actionsTotal.WithLabelValues(kind, status).Inc()
}

// RecordEvent records a lifecycle event delivery outcome.
func RecordEvent(eventType, outcome string) {
	eventsTotal.WithLabelValues(eventType, outcome).Inc()
}

// RecordGRPCRequest records gRPC request metrics.
// This should be called from gRPC interceptors.
func RecordGRPCRequest(method string, status string, duration time.Duration) {
	grpcRequestsTotal.WithLabelValues(method, status).Inc()
	grpcRequestDurationSeconds.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordHTTPRequest records one HTTP API request.
func RecordHTTPRequest(route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(route).Observe(duration.Seconds())
}
