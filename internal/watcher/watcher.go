// Package watcher turns filesystem activity in a worktree into batched
// commits. Events are debounced: a burst of changes yields one commit once
// the tree has been quiet for the debounce window.
package watcher

import (
	"context"
	"sync"
	"time"

	"cofer/internal/constants"
	"cofer/internal/git"
	"cofer/internal/logger"
	"cofer/internal/pathfilter"
)

// Committer makes one batched commit of a worktree's pending changes
type Committer interface {
	CommitBatch(ctx context.Context, worktree string, opts git.CommitOptions) (*git.Commit, error)
}

// Locker acquires the environment lock, returning its release func
type Locker func(ctx context.Context) (release func(), err error)

// State is the watcher's commit loop state
type State string

const (
	StateIdle       State = "idle"
	StateDebouncing State = "debouncing"
	StateCommitting State = "committing"
	StateStopped    State = "stopped"
)

// Options configures a Watcher
type Options struct {
	EnvID         string
	Debounce      time.Duration
	Exclude       []string
	NonBinaryOnly bool
	Message       string

	// OnCommit is called after every auto-commit that produced a commit
	OnCommit func(c *git.Commit)
}

// Watcher observes one worktree and commits its changes in batches
type Watcher struct {
	worktree  string
	committer Committer
	lock      Locker
	opts      Options
	source    eventSource

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	state   State
	pending bool
	commits int
}

// New starts watching worktree. Commits acquire the environment lock
// through lock, so they never interleave with commands.
func New(worktree string, committer Committer, lock Locker, opts Options) (*Watcher, error) {
	opts = withDefaults(opts)
	source, err := newFSSource(worktree, pathfilter.New(opts.Exclude))
	if err != nil {
		return nil, err
	}
	return start(worktree, committer, lock, opts, source), nil
}

func withDefaults(opts Options) Options {
	if opts.Debounce <= 0 {
		opts.Debounce = constants.DefaultDebounce
	}
	if opts.Debounce < constants.MinDebounce {
		opts.Debounce = constants.MinDebounce
	}
	if opts.Debounce > constants.MaxDebounce {
		opts.Debounce = constants.MaxDebounce
	}
	if opts.Message == "" {
		opts.Message = constants.DefaultCommitMessage
	}
	return opts
}

func start(worktree string, committer Committer, lock Locker, opts Options, source eventSource) *Watcher {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		worktree:  worktree,
		committer: committer,
		lock:      lock,
		opts:      opts,
		source:    source,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     StateIdle,
	}
	go w.loop()
	return w
}

// State returns the current loop state
func (w *Watcher) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Commits returns the number of auto-commits made so far
func (w *Watcher) Commits() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.commits
}

func (w *Watcher) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

func (w *Watcher) log() *logger.Entry {
	return logger.WithFields(logger.Fields{"env_id": w.opts.EnvID, "worktree": w.worktree})
}

func (w *Watcher) loop() {
	defer close(w.done)

	timer := time.NewTimer(w.opts.Debounce)
	timer.Stop()
	defer timer.Stop()

	var committed chan struct{}

	for {
		select {
		case <-w.ctx.Done():
			if committed != nil {
				<-committed
			}
			w.setState(StateStopped)
			return

		case _, ok := <-w.source.Events():
			if !ok {
				w.cancel()
				continue
			}
			w.mu.Lock()
			if w.state == StateCommitting {
				w.pending = true
			} else {
				w.state = StateDebouncing
				timer.Reset(w.opts.Debounce)
			}
			w.mu.Unlock()

		case err := <-w.source.Errors():
			w.log().WithError(err).Warn("Filesystem watch error")

		case <-timer.C:
			w.setState(StateCommitting)
			committed = make(chan struct{})
			go func(done chan struct{}) {
				defer close(done)
				w.commit(w.ctx, true)
			}(committed)

		case <-committed:
			committed = nil
			w.mu.Lock()
			if w.pending {
				w.pending = false
				w.state = StateDebouncing
				timer.Reset(w.opts.Debounce)
			} else {
				w.state = StateIdle
			}
			w.mu.Unlock()
		}
	}
}

// commit runs one batch. With acquire set it takes the environment lock
// first; otherwise the caller already holds it.
func (w *Watcher) commit(ctx context.Context, acquire bool) (*git.Commit, error) {
	if acquire {
		release, err := w.lock(ctx)
		if err != nil {
			if ctx.Err() == nil {
				w.log().WithError(err).Warn("Auto-commit could not acquire environment lock")
			}
			return nil, err
		}
		defer release()
	}

	c, err := w.committer.CommitBatch(ctx, w.worktree, git.CommitOptions{
		Exclude:       w.opts.Exclude,
		NonBinaryOnly: w.opts.NonBinaryOnly,
		Message:       w.opts.Message,
	})
	if err != nil {
		if ctx.Err() == nil {
			w.log().WithError(err).Error("Auto-commit failed")
		}
		return nil, err
	}
	if c == nil {
		return nil, nil
	}

	w.mu.Lock()
	w.commits++
	w.mu.Unlock()
	w.log().WithFields(logger.Fields{
		"commit":     c.ID,
		"files":      c.Files,
		"elapsed_ms": c.Elapsed.Milliseconds(),
	}).Debug("Auto-commit")
	if w.opts.OnCommit != nil {
		w.opts.OnCommit(c)
	}
	return c, nil
}

// Flush commits pending changes immediately, without waiting for the
// debounce window. The caller must hold the environment lock.
func (w *Watcher) Flush(ctx context.Context) (*git.Commit, error) {
	return w.commit(ctx, false)
}

// Close stops the watcher and waits for an in-flight commit to finish
func (w *Watcher) Close() error {
	w.cancel()
	<-w.done
	return w.source.Close()
}
