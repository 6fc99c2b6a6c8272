// Package git owns the bare repositories and per-environment worktrees.
// Repository structure (init, remotes, revision lookups, .gitmodules) goes
// through go-git; working-tree mutations (status, staging, commits, notes,
// worktree removal) go through the git CLI in its own process group.
package git

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"cofer/internal/constants"
	"cofer/internal/errors"
	"cofer/internal/logger"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
)

// Options configures a Manager
type Options struct {
	ReposDir     string        // <config-dir>/repos
	WorktreesDir string        // <config-dir>/worktrees
	MountPath    string        // in-container path recorded in bindings
	Timeout      time.Duration // bound for every git invocation
}

// Manager handles bare repositories, worktrees, batched commits and notes
type Manager struct {
	reposDir     string
	worktreesDir string
	mountPath    string
	timeout      time.Duration

	// removeOnce is one attempt at deleting a worktree and its record
	removeOnce func(ctx context.Context, binding WorktreeBinding) error

	// repoLocks serializes bare-repository creation and notes updates,
	// which touch refs shared by every environment of a project.
	mu        sync.Mutex
	repoLocks map[string]*sync.Mutex
}

// BareRepo identifies the bare mirror backing a source repository
type BareRepo struct {
	Project string `json:"project"`
	Path    string `json:"path"`
	Source  string `json:"source"`
}

// WorktreeBinding maps an environment to its host and container paths
type WorktreeBinding struct {
	EnvID      string   `json:"env_id"`
	Path       string   `json:"path"`       // host worktree path
	MountPath  string   `json:"mount_path"` // path inside the container
	GitDir     string   `json:"gitdir"`     // <bare>/worktrees/<env-id>
	BareRepo   string   `json:"bare_repo"`
	Branch     string   `json:"branch"`
	Submodules []string `json:"submodules,omitempty"`
}

// New creates a new Git manager
func New(opts Options) *Manager {
	if opts.Timeout <= 0 {
		opts.Timeout = constants.DefaultGitTimeout
	}
	if opts.MountPath == "" {
		opts.MountPath = constants.DefaultMountPath
	}
	m := &Manager{
		reposDir:     opts.ReposDir,
		worktreesDir: opts.WorktreesDir,
		mountPath:    opts.MountPath,
		timeout:      opts.Timeout,
		repoLocks:    make(map[string]*sync.Mutex),
	}
	m.removeOnce = m.removeWorktreeFiles
	return m
}

var unsafeProjectChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// ProjectName derives the repos/ directory name from a source path
func ProjectName(sourceRoot string) string {
	name := unsafeProjectChars.ReplaceAllString(filepath.Base(filepath.Clean(sourceRoot)), "-")
	name = strings.Trim(name, ".-")
	if name == "" {
		return "project"
	}
	return name
}

// EnsureBareRepo creates <repos>/<project> as a bare repository once.
// Calling it again for the same project is a no-op.
func (m *Manager) EnsureBareRepo(ctx context.Context, sourceRoot string) (*BareRepo, error) {
	source, err := filepath.Abs(sourceRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	project := ProjectName(source)
	bare := &BareRepo{
		Project: project,
		Path:    filepath.Join(m.reposDir, project),
		Source:  source,
	}

	unlock := m.lockRepo(bare.Path)
	defer unlock()

	if _, err := git.PlainOpen(bare.Path); err == nil {
		return bare, nil
	}

	if err := os.MkdirAll(m.reposDir, constants.DirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create repos directory: %w", err)
	}
	if _, err := git.PlainInit(bare.Path, true); err != nil && !stderrors.Is(err, git.ErrRepositoryAlreadyExists) {
		return nil, fmt.Errorf("failed to initialize bare repository %s: %w", bare.Path, err)
	}

	logger.WithFields(logger.Fields{
		"project": project,
		"path":    bare.Path,
	}).Info("Created bare repository")
	return bare, nil
}

// CheckSource verifies that the source repository was initialized: it must
// carry a remote named "cofer" pointing at its bare repository. The bare
// repository is recreated if it went missing.
func (m *Manager) CheckSource(ctx context.Context, sourceRoot string) (*BareRepo, error) {
	root, repo, err := openSource(sourceRoot)
	if err != nil {
		return nil, err
	}

	expected := filepath.Join(m.reposDir, ProjectName(root))
	remote, err := repo.Remote(constants.RemoteName)
	if stderrors.Is(err, git.ErrRemoteNotFound) {
		return nil, errors.RemoteMissing(root, constants.RemoteName)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read remotes of %s: %w", root, err)
	}

	urls := remote.Config().URLs
	if len(urls) == 0 || filepath.Clean(urls[0]) != expected {
		got := ""
		if len(urls) > 0 {
			got = urls[0]
		}
		return nil, errors.RemoteMissing(root, constants.RemoteName).
			WithContext("remote_url", got).
			WithContext("expected_url", expected)
	}

	return m.EnsureBareRepo(ctx, root)
}

// InitSource prepares a source repository: it ensures the bare repository,
// points the "cofer" remote at it and pushes the current branch if any.
func (m *Manager) InitSource(ctx context.Context, sourceRoot string) (*BareRepo, error) {
	root, repo, err := openSource(sourceRoot)
	if err != nil {
		return nil, err
	}

	bare, err := m.EnsureBareRepo(ctx, root)
	if err != nil {
		return nil, err
	}

	remote, err := repo.Remote(constants.RemoteName)
	switch {
	case err == nil && len(remote.Config().URLs) > 0 && remote.Config().URLs[0] == bare.Path:
	case err == nil:
		if err := repo.DeleteRemote(constants.RemoteName); err != nil {
			return nil, fmt.Errorf("failed to replace remote %q: %w", constants.RemoteName, err)
		}
		fallthrough
	case stderrors.Is(err, git.ErrRemoteNotFound):
		if _, err := repo.CreateRemote(&gitconfig.RemoteConfig{
			Name: constants.RemoteName,
			URLs: []string{bare.Path},
		}); err != nil {
			return nil, fmt.Errorf("failed to add remote %q: %w", constants.RemoteName, err)
		}
	default:
		return nil, fmt.Errorf("failed to read remotes of %s: %w", root, err)
	}

	head, err := repo.Head()
	if err == nil && head.Name().IsBranch() {
		refspec := fmt.Sprintf("+%s:%s", head.Name(), head.Name())
		if _, err := m.run(ctx, invocation{
			dir:  root,
			args: []string{"push", "--quiet", "--no-verify", constants.RemoteName, refspec},
		}); err != nil {
			return nil, fmt.Errorf("failed to push %s to %s: %w", head.Name().Short(), bare.Path, err)
		}
	}

	logger.WithFields(logger.Fields{
		"source": root,
		"bare":   bare.Path,
	}).Info("Initialized source repository")
	return bare, nil
}

// ResolveRef resolves a revision in the source repository to a commit id
func (m *Manager) ResolveRef(sourceRoot, ref string) (string, error) {
	_, repo, err := openSource(sourceRoot)
	if err != nil {
		return "", err
	}
	hash, err := repo.ResolveRevision(plumbing.Revision(ref))
	if err != nil {
		return "", fmt.Errorf("failed to resolve %q: %w", ref, err)
	}
	return hash.String(), nil
}

// openSource opens the repository containing path and returns its root
func openSource(path string) (string, *git.Repository, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	repo, err := git.PlainOpenWithOptions(abs, &git.PlainOpenOptions{
		DetectDotGit:          true,
		EnableDotGitCommonDir: true,
	})
	if err != nil {
		return "", nil, errors.Wrap(errors.KindPreconditionFailed,
			fmt.Sprintf("%s is not a git repository", abs), err).
			WithHint("create environments from inside a git repository").
			WithContext("source", abs)
	}

	root := abs
	if wt, err := repo.Worktree(); err == nil {
		root = wt.Filesystem.Root()
	}
	return root, repo, nil
}

func (m *Manager) lockRepo(path string) func() {
	m.mu.Lock()
	lock, ok := m.repoLocks[path]
	if !ok {
		lock = &sync.Mutex{}
		m.repoLocks[path] = lock
	}
	m.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}
