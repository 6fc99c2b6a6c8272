package errors

import (
	"context"
	"fmt"
	"time"
)

var errDeadline = context.DeadlineExceeded

// Predefined sentinels for errors.Is comparisons
var (
	ErrConflict           = &CoferError{Kind: KindConflict}
	ErrPreconditionFailed = &CoferError{Kind: KindPreconditionFailed}
	ErrNotFound           = &CoferError{Kind: KindNotFound}
	ErrLimitExceeded      = &CoferError{Kind: KindLimitExceeded}
	ErrTimeout            = &CoferError{Kind: KindTimeout}
	ErrInternal           = &CoferError{Kind: KindInternal}
)

// EnvironmentExists reports a duplicate registration
func EnvironmentExists(id string) *CoferError {
	return Newf(KindConflict, "environment %q already exists", id).
		WithContext("env_id", id)
}

// EnvironmentNotFound reports an unknown environment id
func EnvironmentNotFound(id string) *CoferError {
	return Newf(KindNotFound, "environment %q not found", id).
		WithContext("env_id", id)
}

// LimitReached reports a registry at capacity
func LimitReached(limit int) *CoferError {
	return Newf(KindLimitExceeded, "environment limit of %d reached", limit).
		WithContext("limit", limit)
}

// RemoteMissing reports a source repository that was never initialized
func RemoteMissing(source, remote string) *CoferError {
	return Newf(KindPreconditionFailed, "repository %s has no %q remote", source, remote).
		WithHint(fmt.Sprintf("run `cofer init` in %s before creating environments", source)).
		WithContext("source", source)
}

// OperationTimeout reports an operation that exceeded its bound
func OperationTimeout(operation string, limit time.Duration) *CoferError {
	return Newf(KindTimeout, "%s timed out after %s", operation, limit).
		WithContext("operation", operation)
}

// InvalidArgument reports a malformed request field
func InvalidArgument(field, reason string) *CoferError {
	return Newf(KindInvalidArgument, "invalid %s: %s", field, reason).
		WithContext("field", field)
}

// Internal wraps an unexpected failure
func Internal(operation string, cause error) *CoferError {
	return Wrap(KindInternal, operation+" failed", cause)
}
