package commands

import (
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"strings"

	"cofer/internal/container"
	"cofer/internal/errors"
	"cofer/internal/logger"
)

// Exit codes by error kind. A command run in an environment passes its own
// exit status through instead.
const (
	ExitGeneral            = 1
	ExitInvalidArgument    = 2
	ExitNotFound           = 3
	ExitConflict           = 4
	ExitPreconditionFailed = 5
	ExitLimitExceeded      = 6
	ExitTimeout            = 124
)

// ExitCode maps err to the process exit status
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *CommandExitError
	if stderrors.As(err, &exitErr) {
		return exitErr.Code
	}
	switch errors.KindOf(err) {
	case errors.KindInvalidArgument:
		return ExitInvalidArgument
	case errors.KindNotFound:
		return ExitNotFound
	case errors.KindConflict:
		return ExitConflict
	case errors.KindPreconditionFailed:
		return ExitPreconditionFailed
	case errors.KindLimitExceeded:
		return ExitLimitExceeded
	case errors.KindTimeout:
		return ExitTimeout
	}
	return ExitGeneral
}

// HandleError renders err for a terminal, with the hint on its own line
func HandleError(err error) string {
	if err == nil {
		return ""
	}

	if ce, ok := errors.As(err); ok {
		var b strings.Builder
		fmt.Fprintf(&b, "Error: %s", ce.Error())
		if ce.Hint != "" {
			fmt.Fprintf(&b, "\n\nTip: %s", ce.Hint)
		}
		if ce.CorrelationID != "" {
			fmt.Fprintf(&b, "\n(correlation id %s)", ce.CorrelationID)
		}
		return b.String()
	}

	var containerErr *container.ContainerError
	if stderrors.As(err, &containerErr) {
		logger.WithError(err).Debug("Container operation failed")
		return "Error: " + container.NewErrorHandler("").GetUserMessage(containerErr)
	}

	errStr := err.Error()
	switch {
	case strings.Contains(errStr, "connection refused"):
		return fmt.Sprintf("Error: %v\n\nTip: Start the server with 'cofer serve'.", err)
	case strings.Contains(errStr, "permission denied"):
		return fmt.Sprintf("Error: %v\n\nTip: Check file permissions.", err)
	default:
		return fmt.Sprintf("Error: %v", err)
	}
}

// ExitOnError prints err and exits with its exit code
func ExitOnError(err error) {
	if err == nil {
		return
	}
	printError(os.Stderr, err)
	os.Exit(ExitCode(err))
}

func printError(w io.Writer, err error) {
	var exitErr *CommandExitError
	if stderrors.As(err, &exitErr) {
		// The command's own output already explains the failure.
		return
	}
	fmt.Fprintln(w, HandleError(err))
}
