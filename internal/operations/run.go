package operations

import (
	"context"
	"time"

	"cofer/internal/container"
	"cofer/internal/environment"
	"cofer/internal/errors"
	"cofer/internal/executor"
	"cofer/internal/logger"
	"cofer/internal/metrics"
	"cofer/internal/notes"
	"cofer/internal/validation"
)

// RunRequest contains all parameters for running a command
type RunRequest struct {
	ID         string            `json:"id"`
	Cmd        []string          `json:"cmd"`
	Env        map[string]string `json:"env,omitempty"`
	TimeoutMS  int64             `json:"timeout_ms,omitempty"`
	Background bool              `json:"background,omitempty"`
	Ports      []int             `json:"ports,omitempty"`

	// Observer receives output chunks as they arrive
	Observer executor.Observer `json:"-"`
}

// Timeout returns the requested timeout, zero when unset
func (req RunRequest) Timeout() time.Duration {
	return time.Duration(req.TimeoutMS) * time.Millisecond
}

// RunResult is the outcome of a foreground command
type RunResult struct {
	*executor.Result
	Commit string `json:"commit,omitempty"`
	Note   string `json:"note,omitempty"`
}

func (req RunRequest) validate() error {
	if err := validation.NonEmptyString("id", req.ID); err != nil {
		return err
	}
	if err := validation.Command(req.Cmd); err != nil {
		return err
	}
	if req.TimeoutMS < 0 {
		return errors.InvalidArgument("timeout_ms", "cannot be negative")
	}
	if _, err := validation.EnvMap(req.Env); err != nil {
		return err
	}
	if req.Background {
		return validation.Ports(req.Ports)
	}
	return nil
}

// mergedEnv layers the request's variables over the environment's
func mergedEnv(rec environment.Record, extra map[string]string) []string {
	merged := make(map[string]string, len(rec.EnvVars)+len(extra))
	for k, v := range rec.EnvVars {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	out, _ := validation.EnvMap(merged)
	return out
}

// acquire looks up id and takes its lock. Environments that are still
// being created, or are being torn down, are reported as not found.
func (e *Engine) acquire(ctx context.Context, id string) (*environment.Environment, *environment.Guard, error) {
	env, err := e.registry.Lookup(id)
	if err != nil {
		return nil, nil, err
	}
	guard, err := env.Lock(ctx)
	if err != nil {
		return nil, nil, err
	}
	switch env.Status() {
	case environment.StatusReady, environment.StatusRunning:
		return env, guard, nil
	default:
		guard.Release()
		return nil, nil, errors.EnvironmentNotFound(id)
	}
}

// Run executes a foreground command in the environment's container, then
// flushes pending worktree changes into a commit and appends a note. A
// timeout returns the partial result together with a timeout error.
func (e *Engine) Run(ctx context.Context, req RunRequest) (res *RunResult, err error) {
	ctx, corr := logger.EnsureCorrelationID(ctx)
	defer e.finish(ctx, "run", corr, &err)

	if err := req.validate(); err != nil {
		return nil, err
	}

	// Destroy with force cancels runCtx, including while waiting for the lock.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	detach := e.trackRun(req.ID, cancel)
	defer detach()

	env, guard, err := e.acquire(runCtx, req.ID)
	if err != nil {
		if ctx.Err() == nil && runCtx.Err() != nil {
			return nil, errors.EnvironmentNotFound(req.ID)
		}
		return nil, err
	}
	defer guard.Release()

	rec := env.Snapshot()
	env.SetStatus(environment.StatusRunning)
	defer env.Update(func(r *environment.Record) {
		if r.Status == environment.StatusRunning {
			r.Status = environment.StatusReady
		}
	})

	log := e.log(ctx, req.ID)
	log.WithField("cmd", validation.ShellJoin(req.Cmd)).Debug("Running command")

	result, runErr := e.exec.Run(runCtx, executor.Request{
		EnvID:       req.ID,
		ContainerID: rec.ContainerID,
		Cmd:         req.Cmd,
		EnvVars:     mergedEnv(rec, req.Env),
		Timeout:     req.Timeout(),
		Observer:    req.Observer,
	})
	if result == nil {
		e.metrics.RecordCommand(metrics.OutcomeFailed, 0)
		return nil, runErr
	}

	outcome := metrics.OutcomeCompleted
	switch {
	case result.TimedOut:
		outcome = metrics.OutcomeTimedOut
	case result.State == executor.StateFailed:
		outcome = metrics.OutcomeFailed
	}
	e.metrics.RecordCommand(outcome, result.Elapsed)

	env.Update(func(r *environment.Record) {
		r.LastCommand = &environment.LastCommand{
			Cmd:       append([]string(nil), req.Cmd...),
			ExitCode:  result.ExitCode,
			TimedOut:  result.TimedOut,
			ElapsedMS: result.ElapsedMS,
			At:        time.Now().UTC(),
		}
	})

	res = &RunResult{Result: result}
	if runCtx.Err() != nil && !result.TimedOut {
		// Cancelled by the caller or by a forced destroy.
		return res, errors.Wrap(errors.KindInternal, "command cancelled", runErr)
	}

	syncCtx := context.WithoutCancel(ctx)
	if commit, ferr := e.flush(syncCtx, rec); ferr != nil {
		log.WithError(ferr).Warn("Failed to commit worktree after run")
	} else if commit != "" {
		res.Commit = commit
	}

	noteID, nerr := e.notes.Record(syncCtx, e.binding(rec), notes.Entry{
		EnvID:    req.ID,
		Cmd:      req.Cmd,
		ExitCode: result.ExitCode,
		TimedOut: result.TimedOut,
		Elapsed:  result.Elapsed,
		Stdout:   result.StdoutTail,
		Stderr:   result.StderrTail,
	})
	if nerr != nil {
		log.WithError(nerr).Warn("Failed to append command note")
	} else {
		res.Note = noteID
	}

	return res, runErr
}

// flush commits pending changes. The caller holds the environment lock.
func (e *Engine) flush(ctx context.Context, rec environment.Record) (string, error) {
	if s := e.session(rec.ID); s != nil && s.watcher != nil {
		c, err := s.watcher.Flush(ctx)
		if err != nil || c == nil {
			return "", err
		}
		return c.ID, nil
	}

	start := time.Now()
	c, err := e.repos.CommitBatch(ctx, rec.WorktreePath, e.commitOptions())
	e.metrics.RecordCommitBatch(time.Since(start))
	if err != nil || c == nil {
		return "", err
	}
	return c.ID, nil
}

// trackRun registers cancel as the environment's in-flight run. The
// returned func unregisters it.
func (e *Engine) trackRun(id string, cancel context.CancelFunc) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	runs := e.runs[id]
	if runs == nil {
		runs = make(map[*context.CancelFunc]struct{})
		e.runs[id] = runs
	}
	key := &cancel
	runs[key] = struct{}{}
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.runs[id], key)
		if len(e.runs[id]) == 0 {
			delete(e.runs, id)
		}
	}
}

// cancelRuns cancels every in-flight or waiting run for id
func (e *Engine) cancelRuns(id string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key := range e.runs[id] {
		(*key)()
	}
	return len(e.runs[id])
}

// RunBackground starts a command in a dedicated background container that
// shares the environment's worktree, publishing the requested ports.
func (e *Engine) RunBackground(ctx context.Context, req RunRequest) (res *container.Background, err error) {
	ctx, corr := logger.EnsureCorrelationID(ctx)
	defer e.finish(ctx, "run background", corr, &err)

	req.Background = true
	if err := req.validate(); err != nil {
		return nil, err
	}

	env, guard, err := e.acquire(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	defer guard.Release()

	rec := env.Snapshot()
	spec := container.Spec{
		EnvID:        req.ID,
		Image:        rec.Image,
		WorktreePath: rec.WorktreePath,
		EnvVars:      mergedEnv(rec, req.Env),
	}
	if e.opts.MountBareRepo {
		spec.BareRepoPath = rec.BareRepo
	}
	bg, err := e.containers.StartBackground(ctx, spec, req.Cmd, req.Ports)
	if err != nil {
		return nil, err
	}

	env.Update(func(r *environment.Record) {
		r.BackgroundIDs = append(r.BackgroundIDs, bg.ContainerID)
	})
	e.persist(ctx, env.Snapshot())

	e.log(ctx, req.ID).WithFields(logger.Fields{
		"container_id": bg.ContainerID,
		"endpoints":    len(bg.Endpoints),
		"warnings":     len(bg.Warnings),
	}).Info("Background command started")
	return bg, nil
}
