// Package apperrors provides structured application errors with HTTP status mapping.
package apperrors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation           = errors.New("validation error")
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("conflict")
	ErrInternal             = errors.New("internal error")
	ErrUnavailable          = errors.New("unavailable")
	ErrTerminalFailure      = errors.New("job reached an unexpected terminal state")
	ErrInvalidExpectedState = errors.New("invalid expected terminal state")
	ErrCancelTimeout        = errors.New("cancel timed out")
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	Field    string // For validation errors (e.g., "jobId", "pollInterval")
	Resource string // For not found/conflict (e.g., "job", "watch")
	JobID    string // Job the error is about, when known
	JobName  string
	State    string // Offending job state for terminal failures
	Op       string // Operation that failed (e.g., "dataflow.getJob")
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the sentinel error for errors.Is() classification.
func (e *Error) Unwrap() error {
	return e.Sentinel
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
	}
}

// Conflict creates a conflict error for a resource.
func Conflict(resource, id, reason string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  reason,
		Resource: resource,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Unavailable reports a backend that refuses requests, e.g. behind an open circuit.
func Unavailable(op string, cause error) error {
	return &Error{
		Sentinel: ErrUnavailable,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// TerminalFailure reports a job observed in a state the caller did not expect to end in.
func TerminalFailure(jobID, jobName, state, expected string) error {
	return &Error{
		Sentinel: ErrTerminalFailure,
		Message: fmt.Sprintf("job %s (%s) is in an unexpected terminal state: %s, expected terminal state: %s",
			jobName, jobID, state, expected),
		Resource: "job",
		JobID:    jobID,
		JobName:  jobName,
		State:    state,
	}
}

// InvalidExpectedState reports an expected terminal state that can never be reached.
func InvalidExpectedState(jobID, state, message string) error {
	return &Error{
		Sentinel: ErrInvalidExpectedState,
		Message:  message,
		Field:    "expectedTerminalState",
		JobID:    jobID,
		State:    state,
	}
}

// CancelTimeout reports jobs that did not stop before the cancel deadline.
func CancelTimeout(timeout time.Duration, jobIDs []string) error {
	return &Error{
		Sentinel: ErrCancelTimeout,
		Message: fmt.Sprintf("canceling jobs failed due to timeout (%s): %s",
			timeout, strings.Join(jobIDs, ", ")),
		Resource: "job",
		JobID:    strings.Join(jobIDs, ","),
	}
}
