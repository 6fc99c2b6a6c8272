// Package errors provides the typed error taxonomy surfaced by the engine.
// Every error carries a kind, a human-readable hint and a correlation id
// that is also written to the logs, so callers can cross-reference a failure.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Kind classifies an engine error
type Kind string

const (
	// KindConflict: duplicate environment id without replace
	KindConflict Kind = "conflict"
	// KindPreconditionFailed: repository setup missing
	KindPreconditionFailed Kind = "precondition_failed"
	// KindNotFound: unknown environment id
	KindNotFound Kind = "not_found"
	// KindLimitExceeded: registry at capacity
	KindLimitExceeded Kind = "limit_exceeded"
	// KindTimeout: an operation exceeded its bound
	KindTimeout Kind = "timeout"
	// KindInternal: unexpected runtime, container or git failure
	KindInternal Kind = "internal"
	// KindInvalidArgument: malformed request rejected before reaching the engine
	KindInvalidArgument Kind = "invalid_argument"
)

// CoferError represents a structured error with additional context
type CoferError struct {
	Kind          Kind                   `json:"kind"`
	Message       string                 `json:"message"`
	Hint          string                 `json:"hint,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Cause         error                  `json:"-"`
	Context       map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface
func (e *CoferError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause error
func (e *CoferError) Unwrap() error {
	return e.Cause
}

// Is matches another CoferError of the same kind, so sentinel comparisons
// through errors.Is work regardless of message.
func (e *CoferError) Is(target error) bool {
	t, ok := target.(*CoferError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// WithContext adds context information to the error
func (e *CoferError) WithContext(key string, value interface{}) *CoferError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithHint replaces the hint shown to the caller
func (e *CoferError) WithHint(hint string) *CoferError {
	e.Hint = hint
	return e
}

// WithCorrelationID stamps the error with the id used in the logs
func (e *CoferError) WithCorrelationID(id string) *CoferError {
	if e.CorrelationID == "" {
		e.CorrelationID = id
	}
	return e
}

// HTTPStatus returns the HTTP status code for this error
func (e *CoferError) HTTPStatus() int {
	switch e.Kind {
	case KindConflict:
		return http.StatusConflict
	case KindPreconditionFailed:
		return http.StatusPreconditionFailed
	case KindNotFound:
		return http.StatusNotFound
	case KindLimitExceeded:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindInvalidArgument:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// New creates a new CoferError with the default hint for its kind
func New(kind Kind, message string) *CoferError {
	return &CoferError{
		Kind:    kind,
		Message: message,
		Hint:    defaultHint(kind),
	}
}

// Newf creates a new CoferError with a formatted message
func Newf(kind Kind, format string, args ...interface{}) *CoferError {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap creates a new CoferError that wraps an existing error
func Wrap(kind Kind, message string, cause error) *CoferError {
	e := New(kind, message)
	e.Cause = cause
	return e
}

// As returns the first CoferError in err's chain
func As(err error) (*CoferError, bool) {
	var ce *CoferError
	if stderrors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// KindOf extracts the kind from an error chain, or "" for foreign errors
func KindOf(err error) Kind {
	if ce, ok := As(err); ok {
		return ce.Kind
	}
	return ""
}

// HasKind checks if an error has a specific kind
func HasKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Ensure converts any error into a CoferError. Foreign errors become
// KindInternal; context deadline errors become KindTimeout.
func Ensure(err error, correlationID string) *CoferError {
	if err == nil {
		return nil
	}
	if ce, ok := As(err); ok {
		return ce.WithCorrelationID(correlationID)
	}
	kind := KindInternal
	if stderrors.Is(err, errDeadline) {
		kind = KindTimeout
	}
	return Wrap(kind, "operation failed", err).WithCorrelationID(correlationID)
}

func defaultHint(kind Kind) string {
	switch kind {
	case KindConflict:
		return "destroy the existing environment or retry with allow_replace"
	case KindPreconditionFailed:
		return "run initialization before creating environments"
	case KindNotFound:
		return "list environments to see the identifiers that are live"
	case KindLimitExceeded:
		return "destroy an environment or raise limits.max_environments"
	case KindTimeout:
		return "raise the timeout or check whether the command waits for input"
	case KindInvalidArgument:
		return "check the request parameters"
	default:
		return "check the server logs for this correlation id"
	}
}
