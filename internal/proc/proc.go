// Package proc runs host processes bounded by a timeout. Each process gets
// its own process group, so a timeout or cancellation kills the whole tree
// the command spawned, not only its top-level process.
package proc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"
)

// waitDelay bounds how long Wait keeps reading pipes after the process
// group has been killed.
const waitDelay = 2 * time.Second

// Command describes one host process invocation
type Command struct {
	Name    string
	Args    []string
	Dir     string
	Env     []string // appended to the current environment
	Stdin   io.Reader
	Timeout time.Duration // zero means bounded only by ctx
}

// Result holds the captured output of a finished process
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Elapsed  time.Duration
}

// TimeoutError is returned when a process exceeded its timeout and was killed
type TimeoutError struct {
	Command string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Command, e.Timeout)
}

// ExitError is returned when a process exits with a non-zero status
type ExitError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("%s exited with status %d", e.Command, e.ExitCode)
	}
	return fmt.Sprintf("%s exited with status %d: %s", e.Command, e.ExitCode, msg)
}

// IsTimeout reports whether err came from a killed, timed out process
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// Run starts the command, waits for it and returns its output. A non-zero
// exit yields both a Result and an *ExitError.
func Run(ctx context.Context, c Command) (*Result, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Stdin = c.Stdin
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	killProcessGroup(cmd)
	cmd.WaitDelay = waitDelay

	start := time.Now()
	err := cmd.Run()
	result := &Result{
		Stdout:  stdout.Bytes(),
		Stderr:  stderr.Bytes(),
		Elapsed: time.Since(start),
	}

	label := describe(c)
	if ctxErr := ctx.Err(); ctxErr != nil && err != nil {
		result.ExitCode = -1
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return result, &TimeoutError{Command: label, Timeout: c.Timeout}
		}
		return result, fmt.Errorf("%s: %w", label, ctxErr)
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, &ExitError{Command: label, ExitCode: result.ExitCode, Stderr: stderr.String()}
		}
		result.ExitCode = -1
		return result, fmt.Errorf("failed to run %s: %w", label, err)
	}
	return result, nil
}

func describe(c Command) string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + c.Args[0]
}
