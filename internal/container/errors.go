package container

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
)

// ErrorType represents the type of container error
type ErrorType string

const (
	// ErrorTypeRuntimeUnavailable indicates the container runtime could not be reached
	ErrorTypeRuntimeUnavailable ErrorType = "runtime_unavailable"
	// ErrorTypeContainerNotFound indicates the container was not found
	ErrorTypeContainerNotFound ErrorType = "container_not_found"
	// ErrorTypeImageNotFound indicates the container image was not found
	ErrorTypeImageNotFound ErrorType = "image_not_found"
	// ErrorTypePermissionDenied indicates a permission error
	ErrorTypePermissionDenied ErrorType = "permission_denied"
	// ErrorTypePortUnavailable indicates a requested port could not be published
	ErrorTypePortUnavailable ErrorType = "port_unavailable"
	// ErrorTypeMountError indicates a bind mount could not be set up
	ErrorTypeMountError ErrorType = "mount_error"
	// ErrorTypeConflict indicates the name or state collides with an existing container
	ErrorTypeConflict ErrorType = "conflict"
	// ErrorTypeExecError indicates an error during command execution
	ErrorTypeExecError ErrorType = "exec_error"
	// ErrorTypeTimeout indicates the runtime call exceeded its deadline
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeUnknown indicates an unknown error
	ErrorTypeUnknown ErrorType = "unknown"
)

// ContainerError represents a detailed container operation error
type ContainerError struct {
	Type        ErrorType
	Operation   string
	ContainerID string
	Message     string
	Underlying  error
	Output      string // daemon response body or exec output
}

// Error implements the error interface
func (e *ContainerError) Error() string {
	parts := []string{e.Message}

	if e.ContainerID != "" {
		parts = append(parts, fmt.Sprintf("container=%s", e.ContainerID))
	}

	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("operation=%s", e.Operation))
	}

	if e.Output != "" {
		output := strings.TrimSpace(e.Output)
		if len(output) > 200 {
			output = output[:200] + "..."
		}
		parts = append(parts, fmt.Sprintf("output=%s", output))
	}

	if e.Underlying != nil {
		parts = append(parts, fmt.Sprintf("cause=%v", e.Underlying))
	}

	return strings.Join(parts, ", ")
}

// Unwrap returns the underlying error
func (e *ContainerError) Unwrap() error {
	return e.Underlying
}

// IsRetryable returns true if the error might be resolved by retrying
func (e *ContainerError) IsRetryable() bool {
	switch e.Type {
	case ErrorTypeRuntimeUnavailable, ErrorTypeExecError:
		return true
	default:
		return false
	}
}

// NewContainerError creates a new ContainerError
func NewContainerError(errType ErrorType, operation string, message string, underlying error) *ContainerError {
	return &ContainerError{
		Type:       errType,
		Operation:  operation,
		Message:    message,
		Underlying: underlying,
	}
}

// wrapError converts a daemon error into a ContainerError, returning an
// existing ContainerError in the chain untouched. err must be non-nil.
func wrapError(operation, containerID string, err error) *ContainerError {
	var ce *ContainerError
	if stderrors.As(err, &ce) {
		return ce
	}
	errType := classifyError(err)
	return &ContainerError{
		Type:        errType,
		Operation:   operation,
		ContainerID: containerID,
		Message:     fmt.Sprintf("%s failed", operation),
		Underlying:  err,
	}
}

// classifyError determines the error type from the daemon's error class,
// falling back to the message text for errors without one.
func classifyError(err error) ErrorType {
	switch {
	case err == nil:
		return ErrorTypeUnknown
	case stderrors.Is(err, context.DeadlineExceeded) || errdefs.IsDeadline(err):
		return ErrorTypeTimeout
	case client.IsErrConnectionFailed(err) || errdefs.IsUnavailable(err):
		return ErrorTypeRuntimeUnavailable
	case errdefs.IsUnauthorized(err) || errdefs.IsForbidden(err):
		return ErrorTypePermissionDenied
	case errdefs.IsConflict(err):
		return ErrorTypeConflict
	}

	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "no such image") || strings.Contains(lower, "pull access denied") ||
		strings.Contains(lower, "manifest unknown"):
		return ErrorTypeImageNotFound
	case strings.Contains(lower, "no such container") || errdefs.IsNotFound(err):
		return ErrorTypeContainerNotFound
	case strings.Contains(lower, "permission denied"):
		return ErrorTypePermissionDenied
	case strings.Contains(lower, "port is already allocated") || strings.Contains(lower, "address already in use"):
		return ErrorTypePortUnavailable
	case strings.Contains(lower, "bind source path") || strings.Contains(lower, "invalid mount"):
		return ErrorTypeMountError
	case strings.Contains(lower, "cannot connect to the docker daemon") || strings.Contains(lower, "connection refused"):
		return ErrorTypeRuntimeUnavailable
	default:
		return ErrorTypeUnknown
	}
}

// IsNotFound reports whether err means the container is absent.
func IsNotFound(err error) bool {
	var ce *ContainerError
	if stderrors.As(err, &ce) {
		return ce.Type == ErrorTypeContainerNotFound
	}
	return errdefs.IsNotFound(err)
}
