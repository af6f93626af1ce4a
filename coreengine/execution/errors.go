package execution

import (
	"fmt"
	"time"

	"github.com/jeeves-cluster-organization/mailpipe/coreengine/stages"
)

// =============================================================================
// ERROR TAXONOMY
// =============================================================================

// ValidationError reports a missing or malformed input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// SubmissionError reports that the workflow engine rejected or never received a graph.
type SubmissionError struct {
	GraphID string
	Cause   error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("graph submission failed for %s: %v", e.GraphID, e.Cause)
}

func (e *SubmissionError) Unwrap() error { return e.Cause }

// NewSubmissionError creates a new SubmissionError.
func NewSubmissionError(graphID string, cause error) *SubmissionError {
	return &SubmissionError{GraphID: graphID, Cause: cause}
}

// TimeoutError reports that monitoring exceeded the execution timeout.
type TimeoutError struct {
	ExecutionID string
	Timeout     time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("execution timeout after %s", e.Timeout)
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(executionID string, timeout time.Duration) *TimeoutError {
	return &TimeoutError{ExecutionID: executionID, Timeout: timeout}
}

// CriticalStageError reports a failure of a stage that has no fallback.
type CriticalStageError struct {
	Stage stages.Stage
	Cause error
}

func (e *CriticalStageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("critical stage %s failed: %v", e.Stage, e.Cause)
	}
	return fmt.Sprintf("critical stage %s failed", e.Stage)
}

func (e *CriticalStageError) Unwrap() error { return e.Cause }

// NewCriticalStageError creates a new CriticalStageError.
func NewCriticalStageError(stage stages.Stage, cause error) *CriticalStageError {
	return &CriticalStageError{Stage: stage, Cause: cause}
}

// DispatchError reports that an action could not be handed to its tool.
type DispatchError struct {
	Kind  ActionKind
	Cause error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch %s: %v", e.Kind, e.Cause)
}

func (e *DispatchError) Unwrap() error { return e.Cause }

// NewDispatchError creates a new DispatchError.
func NewDispatchError(kind ActionKind, cause error) *DispatchError {
	return &DispatchError{Kind: kind, Cause: cause}
}

// TransientPollError wraps a status poll failure that monitoring tolerates.
type TransientPollError struct {
	RunID   string
	Attempt int
	Cause   error
}

func (e *TransientPollError) Error() string {
	return fmt.Sprintf("poll %d for run %s failed: %v", e.Attempt, e.RunID, e.Cause)
}

func (e *TransientPollError) Unwrap() error { return e.Cause }

// NewTransientPollError creates a new TransientPollError.
func NewTransientPollError(runID string, attempt int, cause error) *TransientPollError {
	return &TransientPollError{RunID: runID, Attempt: attempt, Cause: cause}
}
