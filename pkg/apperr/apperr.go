// Package apperr defines the error taxonomy shared across the dispatch
// pipeline. Errors carry a type for handling decisions and a Retryable
// flag consulted by retry loops.
package apperr

import (
	"errors"
	"fmt"
)

// Type categorizes errors for handling.
type Type string

const (
	TypeValidation Type = "validation"
	TypeDispatch   Type = "dispatch"
	TypeTimeout    Type = "timeout"
	TypeBridge     Type = "bridge"
	TypeNotFound   Type = "not_found"
	TypeInternal   Type = "internal"
)

// ErrClaimConflict signals that another orchestrator won the claim on a
// queued job. It is a no-op signal, not a failure.
var ErrClaimConflict = errors.New("job already claimed")

// Error is a typed application error.
type Error struct {
	Type      Type
	Message   string
	Retryable bool
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Validation builds a synchronous rejection: bad trigger config, cyclic
// conditional action, malformed event. Never retryable.
func Validation(format string, args ...any) *Error {
	return &Error{Type: TypeValidation, Message: fmt.Sprintf(format, args...)}
}

// Dispatch builds a target-resolution failure: the transformer could
// not turn the job into a concrete execution target.
func Dispatch(format string, args ...any) *Error {
	return &Error{Type: TypeDispatch, Message: fmt.Sprintf(format, args...)}
}

// Timeout builds a deadline error, kept distinct so callers can map it
// to the terminal timeout state instead of a retryable failure.
func Timeout(message string, cause error) *Error {
	return &Error{Type: TypeTimeout, Message: message, Cause: cause}
}

// Bridge builds an error for a failed bridge call, retryable unless the
// failure was the caller's fault.
func Bridge(message string, retryable bool, cause error) *Error {
	return &Error{Type: TypeBridge, Message: message, Retryable: retryable, Cause: cause}
}

// NotFound builds a missing-entity error.
func NotFound(format string, args ...any) *Error {
	return &Error{Type: TypeNotFound, Message: fmt.Sprintf(format, args...)}
}

// Internal wraps an unexpected failure.
func Internal(message string, cause error) *Error {
	return &Error{Type: TypeInternal, Message: message, Cause: cause}
}

// TypeOf returns the type of err, or TypeInternal for untyped errors.
func TypeOf(err error) Type {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return TypeInternal
}

// IsRetryable reports whether err should trigger another attempt.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// IsType reports whether err carries the given type.
func IsType(err error, t Type) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Type == t
	}
	return false
}
