// Package apperrors provides structured client errors with retry classification.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation = errors.New("validation error")
	ErrNetwork    = errors.New("network failure")
	ErrAuth       = errors.New("authentication failed")
	ErrServer     = errors.New("server error")
	ErrRejected   = errors.New("request rejected")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrDecode     = errors.New("decode failure")
	ErrProtocol   = errors.New("protocol violation")
	ErrExecution  = errors.New("execution failed")
	ErrInternal   = errors.New("internal error")
)

// Error provides structured error with context.
type Error struct {
	Sentinel   error  // Wrapped sentinel for errors.Is() classification
	Message    string // Human-readable message
	Field      string // For decode errors (e.g., "job_id", "filepaths")
	Op         string // Operation that failed (e.g., "transport.post", "heartbeat.ping")
	StatusCode int    // HTTP status for server-derived errors, 0 otherwise
	Cause      error  // Underlying error
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

// Network creates a connectivity error wrapping an underlying cause.
func Network(op string, cause error) error {
	return &Error{
		Sentinel: ErrNetwork,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Auth creates an authentication error. Callers holding credentials may
// re-authenticate once and repeat the request.
func Auth(op, message string) error {
	return &Error{
		Sentinel: ErrAuth,
		Message:  message,
		Op:       op,
	}
}

// Decode creates a decode error for a specific payload field.
func Decode(op, field, message string) error {
	return &Error{
		Sentinel: ErrDecode,
		Message:  message,
		Field:    field,
		Op:       op,
	}
}

// Protocol creates an error marking a client-side lifecycle bug. These are
// never retried; they indicate the caller violated an invariant.
func Protocol(op, message string) error {
	return &Error{
		Sentinel: ErrProtocol,
		Message:  message,
		Op:       op,
	}
}

// Execution creates an error for a job whose command failed. The job is
// reported as errored; the client itself is healthy.
func Execution(op string, cause error) error {
	return &Error{
		Sentinel: ErrExecution,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
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
