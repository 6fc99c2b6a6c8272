package operations

import (
	"context"

	"cofer/internal/container"
	"cofer/internal/db"
	"cofer/internal/executor"
	"cofer/internal/git"
	"cofer/internal/notes"
	"cofer/internal/watcher"
)

// ContainerBackend is the container capability the engine needs.
// *container.Manager is the production implementation.
type ContainerBackend interface {
	executor.Backend

	EnsureContainer(ctx context.Context, spec container.Spec) (string, error)
	StartBackground(ctx context.Context, spec container.Spec, cmd []string, ports []int) (*container.Background, error)
	StopAndRemove(ctx context.Context, containerID string) error
	Orphans(ctx context.Context, live map[string]bool) ([]*container.Container, error)
}

// RepositoryBackend is the git capability the engine needs.
// *git.Manager is the production implementation.
type RepositoryBackend interface {
	watcher.Committer
	notes.Appender

	CheckSource(ctx context.Context, sourceRoot string) (*git.BareRepo, error)
	CreateWorktree(ctx context.Context, bare *git.BareRepo, envID, fromRef string) (*git.WorktreeBinding, error)
	RemoveWorktree(ctx context.Context, binding git.WorktreeBinding, force bool) ([]string, error)
}

// StateStore persists live environments for crash recovery.
// *db.EnvironmentRepository is the production implementation.
type StateStore interface {
	Upsert(ctx context.Context, env *db.Environment) error
	UpdateStatus(ctx context.Context, id, status string) error
	List(ctx context.Context) ([]db.Environment, error)
	Delete(ctx context.Context, id string) error
}

// AutoCommitter is a running worktree watcher
type AutoCommitter interface {
	Flush(ctx context.Context) (*git.Commit, error)
	Close() error
}

// WatcherFactory starts an AutoCommitter for a worktree
type WatcherFactory func(worktree string, committer watcher.Committer, lock watcher.Locker, opts watcher.Options) (AutoCommitter, error)

// NewFSWatcher is the production WatcherFactory
func NewFSWatcher(worktree string, committer watcher.Committer, lock watcher.Locker, opts watcher.Options) (AutoCommitter, error) {
	w, err := watcher.New(worktree, committer, lock, opts)
	if err != nil {
		return nil, err
	}
	return w, nil
}
