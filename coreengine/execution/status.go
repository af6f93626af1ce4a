// Package execution defines the execution record and the data it owns:
// stage outputs, typed findings, actions and the error taxonomy.
package execution

import "fmt"

// =============================================================================
// EXECUTION STATUS
// =============================================================================

// Status is the lifecycle state of an execution.
// Transitions:
//
//	pending -> running -> (completed | failed | cancelled)
//	pending -> (failed | cancelled)
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Rank orders statuses for monotonicity checks: pending < running < terminal.
func (s Status) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusRunning:
		return 1
	case StatusCompleted, StatusFailed, StatusCancelled:
		return 2
	default:
		return -1
	}
}

// ParseStatus validates a status string.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if st.Rank() < 0 {
		return "", NewValidationError("status", fmt.Sprintf("unknown execution status %q", s))
	}
	return st, nil
}

var validTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusRunning:   true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
}

// IsValidTransition reports whether from -> to is allowed.
func IsValidTransition(from, to Status) bool {
	if targets, ok := validTransitions[from]; ok {
		return targets[to]
	}
	return false
}

// =============================================================================
// ACTION STATUS
// =============================================================================

// ActionStatus is the outcome state of a dispatched action.
type ActionStatus string

const (
	ActionPending   ActionStatus = "pending"
	ActionCompleted ActionStatus = "completed"
	ActionFailed    ActionStatus = "failed"
)
