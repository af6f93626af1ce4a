package execution

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ActionKind names a downstream action.
type ActionKind string

const (
	ActionCreateTask       ActionKind = "create_task"
	ActionScheduleEvent    ActionKind = "schedule_event"
	ActionSendNotification ActionKind = "send_notification"
	ActionHumanReview      ActionKind = "human_review"
)

// IsValid reports whether k is a known action kind.
func (k ActionKind) IsValid() bool {
	switch k {
	case ActionCreateTask, ActionScheduleEvent, ActionSendNotification, ActionHumanReview:
		return true
	}
	return false
}

// =============================================================================
// PAYLOADS
// =============================================================================

// Payload is the kind-specific body of an Action.
type Payload interface {
	Kind() ActionKind
}

// TaskPayload creates a task in the task manager.
type TaskPayload struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	DueDate     string `json:"due_date,omitempty"`
	Assignee    string `json:"assignee,omitempty"`
	Priority    string `json:"priority"`
}

// EventPayload schedules a calendar event.
type EventPayload struct {
	Title     string   `json:"title"`
	Time      string   `json:"time,omitempty"`
	Attendees []string `json:"attendees"`
	Location  string   `json:"location,omitempty"`
}

// NotificationPayload sends a message to a person.
type NotificationPayload struct {
	Recipient string `json:"recipient"`
	Message   string `json:"message"`
	Urgency   string `json:"urgency"`
	Channel   string `json:"channel"`
}

// ReviewPayload escalates an execution to a human.
type ReviewPayload struct {
	Reason         string       `json:"reason"`
	ContextOutput  *StageOutput `json:"context_output,omitempty"`
	ReviewURL      string       `json:"review_url"`
	Priority       string       `json:"priority"`
	MatchedKeyword string       `json:"matched_keyword,omitempty"`
}

func (*TaskPayload) Kind() ActionKind         { return ActionCreateTask }
func (*EventPayload) Kind() ActionKind        { return ActionScheduleEvent }
func (*NotificationPayload) Kind() ActionKind { return ActionSendNotification }
func (*ReviewPayload) Kind() ActionKind       { return ActionHumanReview }

// PayloadFromData builds a typed payload from a recommendation's free-form
// data, filling the same defaults downstream tools expect.
func PayloadFromData(kind ActionKind, data map[string]any) (Payload, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s data: %w", kind, err)
	}

	switch kind {
	case ActionCreateTask:
		p := &TaskPayload{}
		if err := json.Unmarshal(raw, p); err != nil {
			return nil, fmt.Errorf("decode %s data: %w", kind, err)
		}
		if p.Title == "" {
			p.Title = "New Task"
		}
		if p.Priority == "" {
			p.Priority = "medium"
		}
		return p, nil
	case ActionScheduleEvent:
		p := &EventPayload{}
		if err := json.Unmarshal(raw, p); err != nil {
			return nil, fmt.Errorf("decode %s data: %w", kind, err)
		}
		if p.Title == "" {
			p.Title = "New Event"
		}
		if p.Attendees == nil {
			p.Attendees = []string{}
		}
		return p, nil
	case ActionSendNotification:
		p := &NotificationPayload{}
		if err := json.Unmarshal(raw, p); err != nil {
			return nil, fmt.Errorf("decode %s data: %w", kind, err)
		}
		if p.Urgency == "" {
			p.Urgency = "normal"
		}
		if p.Channel == "" {
			p.Channel = "sms"
		}
		return p, nil
	default:
		return nil, fmt.Errorf("no payload type for action %q", kind)
	}
}

// =============================================================================
// ACTION
// =============================================================================

// Action is one downstream action selected by the router.
type Action struct {
	ID          string         `json:"id"`
	ExecutionID string         `json:"execution_id"`
	Kind        ActionKind     `json:"action_type"`
	Payload     Payload        `json:"payload"`
	Confidence  float64        `json:"confidence"`
	Status      ActionStatus   `json:"status"`
	Result      map[string]any `json:"result,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	ExecutedAt  *time.Time     `json:"executed_at,omitempty"`
}

// NewAction creates a pending action.
func NewAction(executionID string, payload Payload, confidence float64) *Action {
	return &Action{
		ID:          uuid.New().String(),
		ExecutionID: executionID,
		Kind:        payload.Kind(),
		Payload:     payload,
		Confidence:  ClampConfidence(confidence),
		Status:      ActionPending,
		CreatedAt:   time.Now().UTC(),
	}
}

// Complete records a successful tool call.
func (a *Action) Complete(result map[string]any) {
	now := time.Now().UTC()
	a.Status = ActionCompleted
	a.Result = result
	a.ExecutedAt = &now
}

// Fail records a failed tool call. The error is kept on the action only.
func (a *Action) Fail(err error) {
	now := time.Now().UTC()
	a.Status = ActionFailed
	a.Result = map[string]any{"error": err.Error()}
	a.ExecutedAt = &now
}

// Clone copies the action; payloads are immutable once built.
func (a *Action) Clone() *Action {
	if a == nil {
		return nil
	}
	c := *a
	if a.Result != nil {
		c.Result = make(map[string]any, len(a.Result))
		for k, v := range a.Result {
			c.Result[k] = v
		}
	}
	return &c
}

// UnmarshalJSON decodes the payload according to action_type.
func (a *Action) UnmarshalJSON(data []byte) error {
	type alias Action
	aux := struct {
		*alias
		Payload json.RawMessage `json:"payload"`
	}{alias: (*alias)(a)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	var p Payload
	switch a.Kind {
	case ActionCreateTask:
		p = &TaskPayload{}
	case ActionScheduleEvent:
		p = &EventPayload{}
	case ActionSendNotification:
		p = &NotificationPayload{}
	case ActionHumanReview:
		p = &ReviewPayload{}
	default:
		return fmt.Errorf("unknown action type %q", a.Kind)
	}
	if len(aux.Payload) > 0 && string(aux.Payload) != "null" {
		if err := json.Unmarshal(aux.Payload, p); err != nil {
			return fmt.Errorf("decode %s payload: %w", a.Kind, err)
		}
	}
	a.Payload = p
	return nil
}
