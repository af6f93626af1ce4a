package execution

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/mailpipe/coreengine/stages"
)

func testEmail() *Email {
	return &Email{
		ID:        "msg-42",
		Subject:   "Invoice #123",
		Sender:    "billing@vendor.example",
		Recipient: "ops@example.com",
		Body:      "Please pay invoice #123 by Friday.",
		Attachments: []Attachment{
			{Filename: "invoice.pdf", ContentType: "application/pdf", Size: 2048},
		},
		ReceivedAt: time.Now(),
	}
}

// =============================================================================
// STATUS
// =============================================================================

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to Status
		valid    bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusCompleted, false},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusCancelled, true},
		{StatusRunning, StatusPending, false},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusRunning, false},
		{StatusCancelled, StatusCompleted, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.valid, IsValidTransition(tt.from, tt.to))
			if tt.valid {
				assert.Greater(t, tt.to.Rank(), tt.from.Rank())
			}
		})
	}
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus("running")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, s)

	_, err = ParseStatus("paused")
	assert.Error(t, err)
}

// =============================================================================
// EXECUTION
// =============================================================================

func TestNewExecution(t *testing.T) {
	exec := New(testEmail())

	assert.NotEmpty(t, exec.ID)
	assert.Equal(t, "msg-42", exec.EmailID)
	assert.Equal(t, "email_msg-42", exec.GraphID)
	assert.Equal(t, StatusPending, exec.Status)
	assert.Nil(t, exec.CompletedAt)
	assert.True(t, exec.Metadata.HasAttachments)
	assert.Equal(t, 1, exec.Metadata.AttachmentCount)
	assert.Equal(t, "Invoice #123", exec.Metadata.Subject)
}

func TestExecutionTransition(t *testing.T) {
	exec := New(testEmail())

	require.NoError(t, exec.Transition(StatusRunning, ""))
	assert.Nil(t, exec.CompletedAt)

	require.NoError(t, exec.Transition(StatusFailed, "execution timeout"))
	require.NotNil(t, exec.CompletedAt)
	assert.Equal(t, "execution timeout", exec.Error)

	assert.Error(t, exec.Transition(StatusCompleted, ""))
	assert.Equal(t, StatusFailed, exec.Status)
}

func TestSetOutputWriteOnce(t *testing.T) {
	exec := New(testEmail())
	require.NoError(t, exec.Transition(StatusRunning, ""))

	out := &StageOutput{Stage: stages.Classification, Findings: &ClassificationFindings{Type: "task"}}
	require.NoError(t, exec.SetOutput(out))
	assert.Error(t, exec.SetOutput(out))

	require.NoError(t, exec.Transition(StatusCompleted, ""))
	assert.Error(t, exec.SetOutput(&StageOutput{Stage: stages.Synthesis, Findings: &SynthesisFindings{}}))
}

func TestCloneIsIndependent(t *testing.T) {
	exec := New(testEmail())
	require.NoError(t, exec.Transition(StatusRunning, ""))
	require.NoError(t, exec.SetOutput(&StageOutput{Stage: stages.Synthesis, Findings: &SynthesisFindings{Narrative: "ok"}, Confidence: 0.95}))
	exec.Actions = append(exec.Actions, NewAction(exec.ID, &TaskPayload{Title: "x"}, 0.9))

	c := exec.Clone()
	c.Status = StatusFailed
	c.Actions[0].Status = ActionFailed
	delete(c.StageOutputs, stages.Synthesis)

	assert.Equal(t, StatusRunning, exec.Status)
	assert.Equal(t, ActionPending, exec.Actions[0].Status)
	_, f, ok := exec.SynthesisOutput()
	require.True(t, ok)
	assert.Equal(t, "ok", f.Narrative)
}

func TestEmailValidate(t *testing.T) {
	var nilEmail *Email
	tests := []struct {
		name  string
		email *Email
		field string
	}{
		{"nil", nilEmail, "email"},
		{"missing id", &Email{Sender: "a@b"}, "id"},
		{"missing sender", &Email{ID: "1"}, "sender"},
		{"ok", &Email{ID: "1", Sender: "a@b"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.email.Validate()
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

// =============================================================================
// OUTPUTS & FINDINGS
// =============================================================================

func TestNormalizeClampsConfidence(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
	}{
		{-0.2, 0},
		{0.42, 0.42},
		{1.7, 1},
	}
	for _, tt := range tests {
		out, err := Normalize(stages.DeadlineExtraction, RawOutput{Confidence: tt.in})
		require.NoError(t, err)
		assert.Equal(t, tt.want, out.Confidence)
	}
}

func TestNormalizeSynthesis(t *testing.T) {
	raw := RawOutput{
		Findings: json.RawMessage(`{
			"synthesis": "Vendor invoice due Friday",
			"recommendations": [
				{"action_type": "create_task", "data": {"title": "Pay invoice #123"}},
				{"action_type": "schedule_event", "data": {"title": "Vendor call"}, "confidence": 0.97}
			],
			"risk_assessment": "MEDIUM"
		}`),
		Confidence: 0.95,
		DurationMS: 1500,
		Model:      "claude-sonnet-4",
	}

	out, err := Normalize(stages.Synthesis, raw)
	require.NoError(t, err)
	f, ok := out.Synthesis()
	require.True(t, ok)

	assert.Equal(t, "Vendor invoice due Friday", f.Narrative)
	assert.Equal(t, RiskMedium, f.RiskAssessment)
	require.Len(t, f.Recommendations, 2)
	assert.Equal(t, ActionCreateTask, f.Recommendations[0].ActionType)
	assert.Nil(t, f.Recommendations[0].Confidence)
	require.NotNil(t, f.Recommendations[1].Confidence)
	assert.Equal(t, 0.97, *f.Recommendations[1].Confidence)
	assert.Equal(t, 1500*time.Millisecond, out.Duration)
}

func TestDecodeFindingsDefaults(t *testing.T) {
	f, err := DecodeFindings(stages.Synthesis, nil)
	require.NoError(t, err)
	assert.Equal(t, RiskLow, f.(*SynthesisFindings).RiskAssessment)

	_, err = DecodeFindings(stages.Classification, json.RawMessage(`{"urgency": "high"}`))
	assert.Error(t, err)

	_, err = DecodeFindings("sentiment", json.RawMessage(`{}`))
	assert.Error(t, err)
}

func TestStageOutputJSONRoundTripKeepsType(t *testing.T) {
	out := &StageOutput{
		Stage:      stages.Classification,
		Findings:   &ClassificationFindings{Category: CategoryVendor, Type: "action_required", HasDeadline: true},
		Confidence: 0.8,
	}
	data, err := json.Marshal(out)
	require.NoError(t, err)

	var decoded StageOutput
	require.NoError(t, json.Unmarshal(data, &decoded))
	cf, ok := decoded.Findings.(*ClassificationFindings)
	require.True(t, ok)
	assert.Equal(t, "action_required", cf.Type)
	assert.Equal(t, CategoryVendor, cf.Category)
}

// =============================================================================
// ACTIONS
// =============================================================================

func TestPayloadFromDataDefaults(t *testing.T) {
	p, err := PayloadFromData(ActionCreateTask, nil)
	require.NoError(t, err)
	task := p.(*TaskPayload)
	assert.Equal(t, "New Task", task.Title)
	assert.Equal(t, "medium", task.Priority)

	p, err = PayloadFromData(ActionScheduleEvent, map[string]any{"title": "Vendor call", "attendees": []string{"a@b"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a@b"}, p.(*EventPayload).Attendees)

	p, err = PayloadFromData(ActionSendNotification, map[string]any{"recipient": "+15550100", "message": "hi"})
	require.NoError(t, err)
	n := p.(*NotificationPayload)
	assert.Equal(t, "normal", n.Urgency)
	assert.Equal(t, "sms", n.Channel)

	_, err = PayloadFromData(ActionHumanReview, nil)
	assert.Error(t, err)

	_, err = PayloadFromData(ActionCreateTask, map[string]any{"title": 12})
	assert.Error(t, err)
}

func TestActionLifecycle(t *testing.T) {
	a := NewAction("exec-1", &TaskPayload{Title: "Pay"}, 1.4)
	assert.Equal(t, ActionCreateTask, a.Kind)
	assert.Equal(t, 1.0, a.Confidence)
	assert.Equal(t, ActionPending, a.Status)

	a.Complete(map[string]any{"id": "T-1", "status": "created"})
	assert.Equal(t, ActionCompleted, a.Status)
	require.NotNil(t, a.ExecutedAt)

	b := NewAction("exec-1", &NotificationPayload{Recipient: "x"}, 0.9)
	b.Fail(errors.New("twilio down"))
	assert.Equal(t, ActionFailed, b.Status)
	assert.Equal(t, "twilio down", b.Result["error"])
}

func TestActionJSONRoundTrip(t *testing.T) {
	a := NewAction("exec-1", &ReviewPayload{Reason: "low confidence", Priority: "high"}, 0)
	data, err := json.Marshal(a)
	require.NoError(t, err)

	var decoded Action
	require.NoError(t, json.Unmarshal(data, &decoded))
	review, ok := decoded.Payload.(*ReviewPayload)
	require.True(t, ok)
	assert.Equal(t, "low confidence", review.Reason)
	assert.Equal(t, ActionHumanReview, decoded.Kind)

	assert.Error(t, json.Unmarshal([]byte(`{"action_type":"fax"}`), &decoded))
}

// =============================================================================
// ERRORS
// =============================================================================

func TestErrorTaxonomyUnwraps(t *testing.T) {
	cause := errors.New("connection refused")

	tests := []struct {
		name string
		err  error
	}{
		{"submission", NewSubmissionError("email_1", cause)},
		{"critical", NewCriticalStageError(stages.Synthesis, cause)},
		{"dispatch", NewDispatchError(ActionCreateTask, cause)},
		{"poll", NewTransientPollError("run-1", 2, cause)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.err, cause)
		})
	}

	var te *TimeoutError
	require.ErrorAs(t, fmt.Errorf("monitor: %w", NewTimeoutError("e", 5*time.Second)), &te)
	assert.Contains(t, te.Error(), "timeout")
}
