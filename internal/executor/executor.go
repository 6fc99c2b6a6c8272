// Package executor runs commands inside environment containers. Output is
// captured into bounded ring buffers and a timeout or cancellation kills
// the command's whole process tree inside the container.
package executor

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"sync"
	"time"

	"cofer/internal/constants"
	"cofer/internal/container"
	"cofer/internal/logbuf"
	"cofer/internal/logger"

	"github.com/rs/xid"
)

// Backend starts execs and kills process trees in a container
type Backend interface {
	Exec(ctx context.Context, containerID string, cmd, envVars []string) (container.ExecSession, error)
	KillTree(ctx context.Context, containerID, pidfile string) error
}

// State is the lifecycle state of one command execution
type State string

const (
	StateStarting  State = "starting"
	StateStreaming State = "streaming"
	StateCompleted State = "completed"
	StateTimedOut  State = "timed_out"
	StateFailed    State = "failed"
)

// Stream names an output stream
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Observer receives output chunks as they arrive. Calls are serialized.
type Observer func(stream Stream, chunk []byte)

// Request describes one command execution
type Request struct {
	EnvID       string
	ContainerID string
	Cmd         []string
	EnvVars     []string      // KEY=VALUE
	Timeout     time.Duration // zero uses the executor default
	Observer    Observer
}

// Result is the outcome of one command execution
type Result struct {
	ExitCode        *int          `json:"exit_code"`
	StdoutTail      string        `json:"stdout_tail"`
	StderrTail      string        `json:"stderr_tail"`
	StdoutTruncated bool          `json:"stdout_truncated,omitempty"`
	StderrTruncated bool          `json:"stderr_truncated,omitempty"`
	Elapsed         time.Duration `json:"-"`
	ElapsedMS       int64         `json:"elapsed_ms"`
	TimedOut        bool          `json:"timed_out"`
	State           State         `json:"state"`
}

// TimeoutError is returned alongside a Result when the command was killed
// for exceeding its timeout
type TimeoutError struct {
	Cmd     []string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command %q timed out after %s", e.Cmd, e.Timeout)
}

// IsTimeout reports whether err is a command timeout
func IsTimeout(err error) bool {
	var te *TimeoutError
	return stderrors.As(err, &te)
}

// Options configures an Executor
type Options struct {
	MaxBytes       int
	MaxLines       int
	DefaultTimeout time.Duration
	KillTimeout    time.Duration
	RetryDelay     time.Duration
	PidDir         string // in-container directory for pidfiles
	Shell          string // POSIX shell used for the pid wrapper
}

// Executor runs commands through a Backend
type Executor struct {
	backend Backend
	opts    Options
}

// New creates an executor
func New(backend Backend, opts Options) *Executor {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = constants.DefaultOutputMaxBytes
	}
	if opts.MaxLines <= 0 {
		opts.MaxLines = constants.DefaultOutputMaxLines
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = constants.DefaultRunTimeout
	}
	if opts.KillTimeout <= 0 {
		opts.KillTimeout = constants.DefaultKillTimeout
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = constants.DefaultRetryDelay
	}
	if opts.PidDir == "" {
		opts.PidDir = "/tmp"
	}
	if opts.Shell == "" {
		opts.Shell = "sh"
	}
	return &Executor{backend: backend, opts: opts}
}

// wrap prefixes cmd with a shell that records its pid before exec'ing the
// command, so the pid is the root of the command's process tree.
func wrap(shell, pidfile string, cmd []string) []string {
	script := fmt.Sprintf("echo $$ > '%s'; exec \"$@\"", pidfile)
	return append([]string{shell, "-c", script, "sh"}, cmd...)
}

// Run executes req and waits for it to finish, time out or be cancelled.
// A timeout returns the partial Result together with a *TimeoutError.
func (e *Executor) Run(ctx context.Context, req Request) (*Result, error) {
	if len(req.Cmd) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.opts.DefaultTimeout
	}

	log := logger.WithContext(ctx).WithFields(logger.Fields{
		"env_id":       req.EnvID,
		"container_id": req.ContainerID,
	})

	started := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pidfile := fmt.Sprintf("%s/.cofer-%s.pid", e.opts.PidDir, xid.New().String())
	session, err := e.start(runCtx, req.ContainerID, wrap(e.opts.Shell, pidfile, req.Cmd), req.EnvVars)
	if err != nil {
		return nil, e.startError(ctx, runCtx, req, timeout, err)
	}
	defer session.Close()

	stdout := logbuf.New(e.opts.MaxBytes, e.opts.MaxLines)
	stderr := logbuf.New(e.opts.MaxBytes, e.opts.MaxLines)
	var outW, errW io.Writer = stdout, stderr
	if req.Observer != nil {
		var mu sync.Mutex
		outW = &observed{w: stdout, stream: Stdout, fn: req.Observer, mu: &mu}
		errW = &observed{w: stderr, stream: Stderr, fn: req.Observer, mu: &mu}
	}

	done := make(chan error, 1)
	go func() {
		done <- session.Stream(outW, errW)
	}()

	result := &Result{State: StateStreaming}
	finish := func() {
		result.StdoutTail = stdout.String()
		result.StderrTail = stderr.String()
		result.StdoutTruncated = stdout.Truncated()
		result.StderrTruncated = stderr.Truncated()
		result.Elapsed = time.Since(started)
		result.ElapsedMS = result.Elapsed.Milliseconds()
	}

	select {
	case streamErr := <-done:
		if streamErr == nil {
			code, codeErr := session.ExitCode(runCtx)
			if codeErr == nil {
				e.removePidfile(ctx, req.ContainerID, pidfile)
				result.ExitCode = &code
				result.State = StateCompleted
				finish()
				log.WithFields(logger.Fields{"exit_code": code, "elapsed_ms": result.ElapsedMS}).Debug("Command completed")
				return result, nil
			}
			streamErr = codeErr
		}
		if runCtx.Err() == nil {
			e.removePidfile(ctx, req.ContainerID, pidfile)
			result.State = StateFailed
			finish()
			return result, fmt.Errorf("command stream failed: %w", streamErr)
		}
		// The stream broke because the deadline hit; fall through to the kill.
		done = nil
	case <-runCtx.Done():
	}

	e.kill(ctx, req.ContainerID, pidfile, session, done)
	finish()

	if ctx.Err() != nil {
		result.State = StateFailed
		log.Info("Command cancelled, process tree killed")
		return result, fmt.Errorf("command cancelled: %w", ctx.Err())
	}
	result.State = StateTimedOut
	result.TimedOut = true
	log.WithField("timeout", timeout).Warn("Command timed out, process tree killed")
	return result, &TimeoutError{Cmd: req.Cmd, Timeout: timeout}
}

// start opens the exec, retrying once on a transient failure
func (e *Executor) start(ctx context.Context, containerID string, cmd, envVars []string) (container.ExecSession, error) {
	session, err := e.backend.Exec(ctx, containerID, cmd, envVars)
	if err == nil || !retryable(err) {
		return session, err
	}
	logger.WithError(err).WithField("container_id", containerID).Debug("Retrying exec start")
	select {
	case <-ctx.Done():
		return nil, err
	case <-time.After(e.opts.RetryDelay):
	}
	return e.backend.Exec(ctx, containerID, cmd, envVars)
}

func (e *Executor) startError(ctx, runCtx context.Context, req Request, timeout time.Duration, err error) error {
	if ctx.Err() == nil && runCtx.Err() == context.DeadlineExceeded {
		return &TimeoutError{Cmd: req.Cmd, Timeout: timeout}
	}
	return fmt.Errorf("start command: %w", err)
}

// kill terminates the process tree and closes the stream. It runs on a
// fresh context so it works after the caller's context is done.
func (e *Executor) kill(ctx context.Context, containerID, pidfile string, session container.ExecSession, done <-chan error) {
	killCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.KillTimeout)
	defer cancel()

	if err := e.backend.KillTree(killCtx, containerID, pidfile); err != nil {
		container.LogContainerWarning(err, "kill tree")
	}
	session.Close()

	if done == nil {
		return
	}
	select {
	case <-done:
	case <-killCtx.Done():
		logger.WithField("container_id", containerID).Warn("Output stream did not close after kill")
	}
}

// removePidfile deletes the pidfile of a command that ended on its own.
// The kill path removes it as part of the kill helper.
func (e *Executor) removePidfile(ctx context.Context, containerID, pidfile string) {
	rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.KillTimeout)
	defer cancel()

	session, err := e.backend.Exec(rmCtx, containerID, []string{"rm", "-f", pidfile}, nil)
	if err != nil {
		container.LogContainerWarning(err, "remove pidfile")
		return
	}
	defer session.Close()
	if err := session.Stream(io.Discard, io.Discard); err != nil {
		container.LogContainerWarning(err, "remove pidfile")
	}
}

func retryable(err error) bool {
	var ce *container.ContainerError
	return stderrors.As(err, &ce) && ce.IsRetryable()
}

type observed struct {
	w      io.Writer
	stream Stream
	fn     Observer
	mu     *sync.Mutex
}

func (o *observed) Write(p []byte) (int, error) {
	n, err := o.w.Write(p)
	chunk := append([]byte(nil), p...)
	o.mu.Lock()
	o.fn(o.stream, chunk)
	o.mu.Unlock()
	return n, err
}
