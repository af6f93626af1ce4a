package commbus

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventSource identifies this service on published envelopes.
const EventSource = "mailpipe"

// Lifecycle event types.
const (
	TypeEmailReceived      = "emails.received"
	TypeGraphSubmitted     = "graph.submitted"
	TypeExecutionCompleted = "emails.completed"
)

// ActionCreatedType returns the event type for an action of kind.
func ActionCreatedType(kind string) string {
	return fmt.Sprintf("actions.%s.created", kind)
}

// =============================================================================
// LIFECYCLE MESSAGES
// =============================================================================

// EmailReceived is published when an email is accepted and its execution
// created.
type EmailReceived struct {
	ExecutionID    string    `json:"execution_id"`
	EmailID        string    `json:"email_id"`
	Subject        string    `json:"subject"`
	Sender         string    `json:"sender"`
	HasAttachments bool      `json:"has_attachments"`
	Timestamp      time.Time `json:"timestamp"`
}

func (*EmailReceived) Category() string        { return "event" }
func (*EmailReceived) MessageType() string     { return TypeEmailReceived }
func (m *EmailReceived) CorrelationID() string { return m.ExecutionID }

// GraphSubmitted is published once the workflow engine accepts the graph.
type GraphSubmitted struct {
	ExecutionID string    `json:"execution_id"`
	GraphID     string    `json:"dag_id"`
	RunID       string    `json:"run_id"`
	NodeCount   int       `json:"node_count"`
	Timestamp   time.Time `json:"timestamp"`
}

func (*GraphSubmitted) Category() string        { return "event" }
func (*GraphSubmitted) MessageType() string     { return TypeGraphSubmitted }
func (m *GraphSubmitted) CorrelationID() string { return m.ExecutionID }

// ExecutionCompleted is published when an execution reaches any terminal
// status, not only success.
type ExecutionCompleted struct {
	ExecutionID string    `json:"execution_id"`
	EmailID     string    `json:"email_id"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	DurationMS  int64     `json:"duration_ms"`
	ActionCount int       `json:"action_count"`
	Timestamp   time.Time `json:"timestamp"`
}

func (*ExecutionCompleted) Category() string        { return "event" }
func (*ExecutionCompleted) MessageType() string     { return TypeExecutionCompleted }
func (m *ExecutionCompleted) CorrelationID() string { return m.ExecutionID }

// ActionCreated is published for every action produced by routing.
type ActionCreated struct {
	ActionID    string    `json:"action_id"`
	ExecutionID string    `json:"execution_id"`
	ActionType  string    `json:"action_type"`
	Status      string    `json:"status"`
	Confidence  float64   `json:"confidence"`
	Timestamp   time.Time `json:"timestamp"`
}

func (*ActionCreated) Category() string        { return "event" }
func (m *ActionCreated) MessageType() string   { return ActionCreatedType(m.ActionType) }
func (m *ActionCreated) CorrelationID() string { return m.ExecutionID }

// =============================================================================
// ENVELOPE
// =============================================================================

// Envelope is the wire form of a lifecycle event on external transports.
type Envelope struct {
	ID            string    `json:"id"`
	EventType     string    `json:"event_type"`
	EventSource   string    `json:"event_source"`
	EventData     Message   `json:"event_data"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// NewEnvelope wraps msg for publication.
func NewEnvelope(msg Message) *Envelope {
	env := &Envelope{
		ID:          uuid.New().String(),
		EventType:   GetMessageType(msg),
		EventSource: EventSource,
		EventData:   msg,
		Timestamp:   time.Now().UTC(),
	}
	if c, ok := msg.(Correlated); ok {
		env.CorrelationID = c.CorrelationID()
	}
	return env
}

// GetMessageType returns the routing type of msg.
func GetMessageType(msg Message) string {
	if typed, ok := msg.(TypedMessage); ok {
		return typed.MessageType()
	}
	return fmt.Sprintf("%T", msg)
}

var (
	_ TypedMessage = (*EmailReceived)(nil)
	_ TypedMessage = (*GraphSubmitted)(nil)
	_ TypedMessage = (*ExecutionCompleted)(nil)
	_ TypedMessage = (*ActionCreated)(nil)
)
