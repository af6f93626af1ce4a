package execution

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jeeves-cluster-organization/mailpipe/coreengine/stages"
)

// Metadata is the email summary carried on an execution.
type Metadata struct {
	Subject         string `json:"subject"`
	Sender          string `json:"sender"`
	Recipient       string `json:"recipient"`
	HasAttachments  bool   `json:"has_attachments"`
	AttachmentCount int    `json:"attachment_count"`
}

// Execution is the record of one email's trip through the pipeline.
//
// Only the monitor for an execution mutates its status and outputs; the
// router appends actions after the execution has completed.
type Execution struct {
	ID           string                        `json:"id"`
	EmailID      string                        `json:"email_id"`
	GraphID      string                        `json:"graph_id"`
	RunID        string                        `json:"run_id,omitempty"`
	Status       Status                        `json:"status"`
	StartedAt    time.Time                     `json:"started_at"`
	CompletedAt  *time.Time                    `json:"completed_at,omitempty"`
	Error        string                        `json:"error,omitempty"`
	StageOutputs map[stages.Stage]*StageOutput `json:"stage_outputs"`
	Actions      []*Action                     `json:"actions"`
	Metadata     Metadata                      `json:"metadata"`
}

// GraphIDFor derives the graph id for an email.
func GraphIDFor(emailID string) string {
	return "email_" + emailID
}

// New creates a pending execution for email.
func New(email *Email) *Execution {
	return &Execution{
		ID:           uuid.New().String(),
		EmailID:      email.ID,
		GraphID:      GraphIDFor(email.ID),
		Status:       StatusPending,
		StartedAt:    time.Now().UTC(),
		StageOutputs: make(map[stages.Stage]*StageOutput),
		Actions:      make([]*Action, 0),
		Metadata: Metadata{
			Subject:         email.Subject,
			Sender:          email.Sender,
			Recipient:       email.Recipient,
			HasAttachments:  email.HasAttachments(),
			AttachmentCount: len(email.Attachments),
		},
	}
}

// Transition moves the execution to status to. Terminal statuses stamp
// CompletedAt; failed and cancelled record errMsg.
func (e *Execution) Transition(to Status, errMsg string) error {
	if !IsValidTransition(e.Status, to) {
		return fmt.Errorf("invalid execution transition %s -> %s", e.Status, to)
	}
	e.Status = to
	if to.IsTerminal() {
		now := time.Now().UTC()
		e.CompletedAt = &now
	}
	if errMsg != "" {
		e.Error = errMsg
	}
	return nil
}

// SetOutput stores a stage output. Outputs are write-once per stage.
func (e *Execution) SetOutput(out *StageOutput) error {
	if e.Status.IsTerminal() {
		return fmt.Errorf("execution %s is %s; outputs are frozen", e.ID, e.Status)
	}
	if _, exists := e.StageOutputs[out.Stage]; exists {
		return fmt.Errorf("execution %s already has output for %s", e.ID, out.Stage)
	}
	e.StageOutputs[out.Stage] = out
	return nil
}

// SynthesisOutput returns the synthesis output and its typed findings.
func (e *Execution) SynthesisOutput() (*StageOutput, *SynthesisFindings, bool) {
	out, ok := e.StageOutputs[stages.Synthesis]
	if !ok {
		return nil, nil, false
	}
	f, ok := out.Synthesis()
	if !ok {
		return nil, nil, false
	}
	return out, f, true
}

// Clone returns a copy safe for concurrent readers.
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	c := *e
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		c.CompletedAt = &t
	}
	c.StageOutputs = make(map[stages.Stage]*StageOutput, len(e.StageOutputs))
	for k, v := range e.StageOutputs {
		c.StageOutputs[k] = v.Clone()
	}
	c.Actions = make([]*Action, len(e.Actions))
	for i, a := range e.Actions {
		c.Actions[i] = a.Clone()
	}
	return &c
}
