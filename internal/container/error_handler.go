package container

import (
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrorHandler provides user-friendly error messages and recovery suggestions
type ErrorHandler struct {
	socket string
}

// NewErrorHandler creates a new error handler. socket is the configured
// runtime socket override, if any.
func NewErrorHandler(socket string) *ErrorHandler {
	return &ErrorHandler{socket: socket}
}

// GetUserMessage returns a user-friendly error message with recovery suggestions
func (h *ErrorHandler) GetUserMessage(err error) string {
	var containerErr *ContainerError
	if !stderrors.As(err, &containerErr) {
		return err.Error()
	}

	var message strings.Builder
	message.WriteString(containerErr.Message)
	if hint := h.Hint(err); hint != "" {
		message.WriteString("\n\n")
		message.WriteString(hint)
	}

	if containerErr.Output != "" && containerErr.Type != ErrorTypeUnknown {
		cleaned := strings.TrimSpace(containerErr.Output)
		if len(cleaned) > 0 && len(cleaned) < 500 {
			message.WriteString("\n\nRuntime output:\n")
			message.WriteString(cleaned)
		}
	}

	return message.String()
}

// Hint returns the recovery suggestions for err, or "" when none apply.
func (h *ErrorHandler) Hint(err error) string {
	var containerErr *ContainerError
	if !stderrors.As(err, &containerErr) {
		return ""
	}

	var message strings.Builder
	switch containerErr.Type {
	case ErrorTypeRuntimeUnavailable:
		message.WriteString("Could not reach a container runtime. Probed sockets:")
		for _, s := range h.ProbedSockets() {
			message.WriteString("\n• " + s)
		}
		message.WriteString("\nSet COFER_CONTAINER_SOCKET or container.socket to the daemon socket in use")

	case ErrorTypeImageNotFound:
		message.WriteString("Possible solutions:")
		message.WriteString("\n• Check if the image name is correct")
		message.WriteString("\n• Verify you have access to the registry")

	case ErrorTypePermissionDenied:
		message.WriteString("Possible solutions:")
		message.WriteString("\n• Add your user to the docker group: 'sudo usermod -aG docker $USER'")
		message.WriteString("\n• Use a rootless socket via COFER_CONTAINER_SOCKET")

	case ErrorTypePortUnavailable:
		message.WriteString("Port conflict detected. Possible solutions:")
		message.WriteString("\n• Stop whatever holds the port")
		message.WriteString("\n• Enable container.allow_port_fallback to use internal endpoints")

	case ErrorTypeMountError:
		message.WriteString("Bind mount failed. Check that the worktree and bare repository paths exist and are shared with the runtime")

	case ErrorTypeContainerNotFound:
		message.WriteString("The container may have been removed outside cofer. Destroy and recreate the environment")

	case ErrorTypeTimeout:
		message.WriteString("The runtime did not answer in time. Raise COFER_STARTUP_TIMEOUT or check the daemon's load")
	}
	return message.String()
}

// ProbedSockets lists the socket locations a runtime connection may use,
// in probe order.
func (h *ErrorHandler) ProbedSockets() []string {
	var sockets []string
	if h.socket != "" {
		sockets = append(sockets, fmt.Sprintf("%s (COFER_CONTAINER_SOCKET)", h.socket))
	}
	if host := os.Getenv("DOCKER_HOST"); host != "" {
		sockets = append(sockets, fmt.Sprintf("%s (DOCKER_HOST)", host))
	}
	sockets = append(sockets, "unix:///var/run/docker.sock")
	if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
		sockets = append(sockets,
			"unix://"+filepath.Join(runtimeDir, "docker.sock"),
			"unix://"+filepath.Join(runtimeDir, "podman", "podman.sock"))
	}
	sockets = append(sockets, "unix:///run/podman/podman.sock")
	return sockets
}

// IsRecoverable returns true if the error might be resolved by user action
func (h *ErrorHandler) IsRecoverable(err error) bool {
	var containerErr *ContainerError
	if !stderrors.As(err, &containerErr) {
		return false
	}

	switch containerErr.Type {
	case ErrorTypeRuntimeUnavailable, ErrorTypeImageNotFound,
		ErrorTypePermissionDenied, ErrorTypePortUnavailable,
		ErrorTypeMountError:
		return true
	default:
		return false
	}
}

// ShouldRetry returns true if the operation should be retried
func (h *ErrorHandler) ShouldRetry(err error) bool {
	var containerErr *ContainerError
	if !stderrors.As(err, &containerErr) {
		return false
	}
	return containerErr.IsRetryable()
}
