// Package operations is the engine behind the boundary operations. It
// composes the registry, the git and container backends, the executor, the
// worktree watchers and the notes store, and converts every failure into
// the cofer error taxonomy.
package operations

import (
	"context"
	stderrors "errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"cofer/internal/constants"
	"cofer/internal/container"
	"cofer/internal/db"
	"cofer/internal/environment"
	"cofer/internal/errors"
	"cofer/internal/executor"
	"cofer/internal/git"
	"cofer/internal/logger"
	"cofer/internal/metrics"
	"cofer/internal/notes"
)

// WatcherOptions configures the per-environment auto-commit watcher
type WatcherOptions struct {
	Enabled       bool
	Debounce      time.Duration
	Exclude       []string
	NonBinaryOnly bool
}

// Options configures an Engine
type Options struct {
	RunTimeout time.Duration
	// MountBareRepo bind-mounts the bare repository so git works inside
	// the container.
	MountBareRepo bool
	Watcher       WatcherOptions
}

// Deps are the components an Engine composes. State, Metrics, Hints and
// NewWatcher are optional.
type Deps struct {
	Registry   *environment.Registry
	Containers ContainerBackend
	Repos      RepositoryBackend
	Executor   *executor.Executor
	Notes      *notes.Store
	State      StateStore
	Metrics    *metrics.Recorder
	Hints      *container.ErrorHandler
	NewWatcher WatcherFactory
}

// Engine coordinates environment lifecycles
type Engine struct {
	registry   *environment.Registry
	containers ContainerBackend
	repos      RepositoryBackend
	exec       *executor.Executor
	notes      *notes.Store
	state      StateStore
	metrics    *metrics.Recorder
	hints      *container.ErrorHandler
	newWatcher WatcherFactory
	opts       Options

	mu       sync.Mutex
	sessions map[string]*session
	runs     map[string]map[*context.CancelFunc]struct{}
}

// session holds what the engine attaches to a live environment
type session struct {
	binding git.WorktreeBinding
	watcher AutoCommitter
}

// New creates an Engine
func New(deps Deps, opts Options) *Engine {
	if deps.Registry == nil {
		deps.Registry = environment.NewRegistry(constants.DefaultMaxEnvironments)
	}
	if deps.Executor == nil {
		deps.Executor = executor.New(deps.Containers, executor.Options{DefaultTimeout: opts.RunTimeout})
	}
	if deps.Notes == nil {
		deps.Notes = notes.New(deps.Repos, "", 0)
	}
	if deps.NewWatcher == nil {
		deps.NewWatcher = NewFSWatcher
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = constants.DefaultRunTimeout
	}
	return &Engine{
		registry:   deps.Registry,
		containers: deps.Containers,
		repos:      deps.Repos,
		exec:       deps.Executor,
		notes:      deps.Notes,
		state:      deps.State,
		metrics:    deps.Metrics,
		hints:      deps.Hints,
		newWatcher: deps.NewWatcher,
		opts:       opts,
		sessions:   make(map[string]*session),
		runs:       make(map[string]map[*context.CancelFunc]struct{}),
	}
}

// Registry exposes the registry the engine manages
func (e *Engine) Registry() *environment.Registry {
	return e.registry
}

// List returns snapshots of all environments, oldest first
func (e *Engine) List(ctx context.Context) []environment.Record {
	return e.registry.List()
}

// Get returns a snapshot of one environment
func (e *Engine) Get(ctx context.Context, id string) (rec environment.Record, err error) {
	ctx, corr := logger.EnsureCorrelationID(ctx)
	defer e.finish(ctx, "get", corr, &err)
	return e.registry.Get(id)
}

func (e *Engine) session(id string) *session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions[id]
}

func (e *Engine) setSession(id string, s *session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s == nil {
		delete(e.sessions, id)
		return
	}
	e.sessions[id] = s
}

// binding returns the worktree binding for rec, preferring the session's
func (e *Engine) binding(rec environment.Record) git.WorktreeBinding {
	if s := e.session(rec.ID); s != nil {
		return s.binding
	}
	return git.WorktreeBinding{
		EnvID:    rec.ID,
		Path:     rec.WorktreePath,
		GitDir:   rec.GitDir,
		BareRepo: rec.BareRepo,
		Branch:   rec.Branch,
	}
}

func (e *Engine) commitOptions() git.CommitOptions {
	return git.CommitOptions{
		Exclude:       e.opts.Watcher.Exclude,
		NonBinaryOnly: e.opts.Watcher.NonBinaryOnly,
		Message:       constants.DefaultCommitMessage,
	}
}

func (e *Engine) log(ctx context.Context, envID string) *logger.Entry {
	return logger.WithContext(ctx).WithField("env_id", envID)
}

// persist writes rec to the state store. Failures only cost crash
// recovery, so they are logged rather than returned.
func (e *Engine) persist(ctx context.Context, rec environment.Record) {
	if e.state == nil {
		return
	}
	row := &db.Environment{
		ID:            rec.ID,
		Project:       rec.Project,
		SourcePath:    rec.SourcePath,
		Image:         rec.Image,
		WorktreePath:  rec.WorktreePath,
		GitDir:        rec.GitDir,
		BareRepo:      rec.BareRepo,
		ContainerID:   rec.ContainerID,
		BackgroundIDs: db.StringList(rec.BackgroundIDs),
		Status:        string(rec.Status),
		CreatedAt:     rec.CreatedAt,
	}
	if err := e.state.Upsert(ctx, row); err != nil {
		e.log(ctx, rec.ID).WithError(err).Warn("Failed to persist environment state")
	}
}

func (e *Engine) persistStatus(ctx context.Context, id string, status environment.Status) {
	if e.state == nil {
		return
	}
	if err := e.state.UpdateStatus(ctx, id, string(status)); err != nil {
		e.log(ctx, id).WithError(err).Warn("Failed to persist environment status")
	}
}

func (e *Engine) unpersist(ctx context.Context, id string) error {
	if e.state == nil {
		return nil
	}
	return e.state.Delete(ctx, id)
}

func (e *Engine) updateLive() {
	e.metrics.SetEnvironmentsLive(e.registry.Count())
}

// finish converts *err into a CoferError stamped with the correlation id,
// recovers a panic into an internal error and logs the failure.
func (e *Engine) finish(ctx context.Context, op, corr string, err *error) {
	if r := recover(); r != nil {
		logger.WithContext(ctx).WithFields(logger.Fields{
			"operation": op,
			"panic":     r,
			"stack":     string(debug.Stack()),
		}).Error("Recovered from panic")
		*err = errors.Newf(errors.KindInternal, "%s failed unexpectedly: %v", op, r)
	}
	if *err == nil {
		return
	}
	ce := e.classify(*err).WithCorrelationID(corr)
	*err = ce

	entry := logger.WithContext(ctx).WithFields(logger.Fields{
		"operation": op,
		"kind":      ce.Kind,
	}).WithError(ce)
	switch ce.Kind {
	case errors.KindInternal:
		entry.Error("Operation failed")
	case errors.KindTimeout:
		entry.Warn("Operation timed out")
	default:
		entry.Info("Operation rejected")
	}
}

// classify maps lower-layer errors onto the taxonomy
func (e *Engine) classify(err error) *errors.CoferError {
	if ce, ok := errors.As(err); ok {
		return ce
	}

	var te *executor.TimeoutError
	if stderrors.As(err, &te) {
		return errors.OperationTimeout("command", te.Timeout).WithContext("cmd", te.Cmd)
	}

	var ctrErr *container.ContainerError
	if stderrors.As(err, &ctrErr) {
		kind := errors.KindInternal
		if ctrErr.Type == container.ErrorTypeTimeout {
			kind = errors.KindTimeout
		}
		ce := errors.Wrap(kind, fmt.Sprintf("container %s failed", ctrErr.Operation), err).
			WithContext("container_error", string(ctrErr.Type))
		if e.hints != nil {
			if hint := e.hints.Hint(err); hint != "" {
				ce.WithHint(hint)
			}
		}
		return ce
	}

	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(errors.KindTimeout, "operation exceeded its deadline", err)
	}
	return errors.Internal("operation", err)
}
