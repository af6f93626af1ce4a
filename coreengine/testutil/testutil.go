// Package testutil provides shared test utilities and mocks for integration tests.
//
// All mocks in this package are safe for concurrent use and need no external
// services.
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jeeves-cluster-organization/mailpipe/commbus"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/engine"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/execution"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/graph"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/stages"
)

// =============================================================================
// MOCK WORKFLOW ENGINE
// =============================================================================

// StatusFunc answers one status poll. poll counts from 1.
type StatusFunc func(def *graph.Definition, poll int) (*engine.RunStatus, error)

// MockEngine implements engine.WorkflowEngine with scripted answers.
type MockEngine struct {
	// SubmitError causes Submit to fail.
	SubmitError error

	// Status answers polls. When nil every poll reports the run as running.
	Status StatusFunc

	// CancelError is returned by Cancel.
	CancelError error

	submitted []*graph.Definition
	runs      map[string]*graph.Definition
	polls     map[string]int
	cancelled []string
	forgotten []string
	mu        sync.Mutex
}

// NewMockEngine creates a MockEngine that answers polls with status.
func NewMockEngine(status StatusFunc) *MockEngine {
	return &MockEngine{
		Status: status,
		runs:   make(map[string]*graph.Definition),
		polls:  make(map[string]int),
	}
}

// Submit implements engine.WorkflowEngine.
func (m *MockEngine) Submit(ctx context.Context, def *graph.Definition) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitted = append(m.submitted, def)
	if m.SubmitError != nil {
		return "", m.SubmitError
	}
	runID := "run-" + uuid.New().String()
	m.runs[runID] = def
	return runID, nil
}

// GetStatus implements engine.WorkflowEngine.
func (m *MockEngine) GetStatus(ctx context.Context, runID string) (*engine.RunStatus, error) {
	m.mu.Lock()
	def, ok := m.runs[runID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", engine.ErrRunNotFound, runID)
	}
	m.polls[runID]++
	poll := m.polls[runID]
	status := m.Status
	m.mu.Unlock()

	if status == nil {
		return &engine.RunStatus{RunID: runID, State: engine.RunRunning}, nil
	}
	s, err := status(def, poll)
	if s != nil {
		s.RunID = runID
	}
	return s, err
}

// Cancel implements engine.WorkflowEngine.
func (m *MockEngine) Cancel(ctx context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled = append(m.cancelled, runID)
	return m.CancelError
}

// Forget implements engine.RunReleaser. A forgotten run is no longer found.
func (m *MockEngine) Forget(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forgotten = append(m.forgotten, runID)
	delete(m.runs, runID)
}

// Forgotten returns the run ids passed to Forget.
func (m *MockEngine) Forgotten() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.forgotten...)
}

// Submitted returns the submitted graphs in order.
func (m *MockEngine) Submitted() []*graph.Definition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*graph.Definition(nil), m.submitted...)
}

// Cancelled returns the run ids passed to Cancel.
func (m *MockEngine) Cancelled() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.cancelled...)
}

// Polls returns how often runID was polled.
func (m *MockEngine) Polls(runID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.polls[runID]
}

var (
	_ engine.WorkflowEngine = (*MockEngine)(nil)
	_ engine.RunReleaser    = (*MockEngine)(nil)
)

// CompleteAfter reports running for the first n-1 polls, then completed with
// the outputs produced by exec for every node of the graph.
func CompleteAfter(n int, exec *MockStageExecutor) StatusFunc {
	return func(def *graph.Definition, poll int) (*engine.RunStatus, error) {
		if poll < n {
			return &engine.RunStatus{State: engine.RunRunning}, nil
		}
		results := make(map[string]execution.RawOutput, len(def.Nodes))
		var failed []string
		for _, node := range def.Nodes {
			out, err := exec.Execute(context.Background(), engine.StageRequest{GraphID: def.ID, Node: node})
			if err != nil {
				failed = append(failed, node.ID)
				continue
			}
			results[node.ID] = out
		}
		return &engine.RunStatus{State: engine.RunCompleted, TaskResults: results, FailedTasks: failed}, nil
	}
}

// =============================================================================
// MOCK STAGE EXECUTOR
// =============================================================================

// StageAnswer produces one stage's output. call counts from 1.
type StageAnswer func(req engine.StageRequest, call int) (execution.RawOutput, error)

// MockStageExecutor implements engine.StageExecutor with per-stage answers.
// Stages without an answer return DefaultOutputs.
type MockStageExecutor struct {
	Answers map[stages.Stage]StageAnswer

	calls map[stages.Stage]int
	mu    sync.Mutex
}

// NewMockStageExecutor creates an executor answering with DefaultOutputs.
func NewMockStageExecutor() *MockStageExecutor {
	return &MockStageExecutor{
		Answers: make(map[stages.Stage]StageAnswer),
		calls:   make(map[stages.Stage]int),
	}
}

// Set overrides the answer for stage.
func (m *MockStageExecutor) Set(stage stages.Stage, answer StageAnswer) *MockStageExecutor {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Answers[stage] = answer
	return m
}

// Execute implements engine.StageExecutor.
func (m *MockStageExecutor) Execute(ctx context.Context, req engine.StageRequest) (execution.RawOutput, error) {
	m.mu.Lock()
	m.calls[req.Node.Stage]++
	call := m.calls[req.Node.Stage]
	answer, ok := m.Answers[req.Node.Stage]
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return execution.RawOutput{}, err
	}
	if ok {
		return answer(req, call)
	}
	out, ok := DefaultOutputs[req.Node.Stage]
	if !ok {
		return execution.RawOutput{}, fmt.Errorf("no output for stage %s", req.Node.Stage)
	}
	return out, nil
}

// Calls returns how often stage was executed.
func (m *MockStageExecutor) Calls(stage stages.Stage) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[stage]
}

var _ engine.StageExecutor = (*MockStageExecutor)(nil)

// =============================================================================
// FIXTURES
// =============================================================================

// DefaultOutputs is a confident, low-risk run that recommends one task and
// one calendar event.
var DefaultOutputs = map[stages.Stage]execution.RawOutput{
	stages.Classification:     Raw(`{"category":"vendor","urgency":3,"type":"task","requires_vision":false,"has_deadline":true}`, 0.92),
	stages.DocumentAnalysis:   Raw(`{"images_processed":1}`, 0.85),
	stages.DeadlineExtraction: Raw(`{"deadlines":[{"date":"2026-11-01"}],"recurring_events":[]}`, 0.88),
	stages.TaskExtraction:     Raw(`{"tasks":[{"title":"Pay invoice #123"}]}`, 0.9),
	stages.Synthesis: SynthesisRaw(0.95, execution.RiskLow, "Invoice from a reliable vendor",
		execution.Recommendation{ActionType: execution.ActionCreateTask, Data: map[string]any{"title": "Pay invoice #123"}},
		execution.Recommendation{ActionType: execution.ActionScheduleEvent, Data: map[string]any{"title": "Vendor call"}},
	),
}

// Raw builds a RawOutput from findings JSON.
func Raw(findings string, confidence float64) execution.RawOutput {
	return execution.RawOutput{Findings: json.RawMessage(findings), Confidence: confidence, DurationMS: 12}
}

// SynthesisRaw builds a synthesis RawOutput.
func SynthesisRaw(confidence float64, risk execution.RiskLevel, narrative string, recs ...execution.Recommendation) execution.RawOutput {
	findings := execution.SynthesisFindings{
		Narrative:       narrative,
		RiskAssessment:  risk,
		Recommendations: recs,
	}
	if findings.Recommendations == nil {
		findings.Recommendations = []execution.Recommendation{}
	}
	buf, err := json.Marshal(findings)
	if err != nil {
		panic(err)
	}
	return execution.RawOutput{Findings: buf, Confidence: confidence, DurationMS: 40}
}

// NewEmail returns a valid email, with one attachment when withAttachment.
func NewEmail(id string, withAttachment bool) *execution.Email {
	e := &execution.Email{
		ID:         id,
		Subject:    "Invoice #123 from Acme",
		Sender:     "billing@acme.example",
		Recipient:  "ops@example.com",
		Body:       "Please find the invoice attached. Payment due in 30 days.",
		ReceivedAt: time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC),
	}
	if withAttachment {
		e.Attachments = []execution.Attachment{{Filename: "invoice.pdf", ContentType: "application/pdf", Size: 2048}}
	}
	return e
}

// =============================================================================
// RECORDING NOTIFIER
// =============================================================================

// RecordingNotifier implements events.Notifier by keeping every message.
type RecordingNotifier struct {
	messages []commbus.Message
	mu       sync.Mutex
}

// NewRecordingNotifier creates an empty RecordingNotifier.
func NewRecordingNotifier() *RecordingNotifier {
	return &RecordingNotifier{}
}

// Notify records msg.
func (n *RecordingNotifier) Notify(msg commbus.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, msg)
}

// Messages returns the recorded messages in order.
func (n *RecordingNotifier) Messages() []commbus.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]commbus.Message(nil), n.messages...)
}

// Types returns the event type of every recorded message in order.
func (n *RecordingNotifier) Types() []string {
	msgs := n.Messages()
	types := make([]string, len(msgs))
	for i, m := range msgs {
		types[i] = commbus.GetMessageType(m)
	}
	return types
}

// Count returns how many messages of eventType were recorded.
func (n *RecordingNotifier) Count(eventType string) int {
	count := 0
	for _, t := range n.Types() {
		if t == eventType {
			count++
		}
	}
	return count
}
