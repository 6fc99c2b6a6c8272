package git

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cofer/internal/constants"
	"cofer/internal/logger"
	"cofer/internal/pathfilter"

	"github.com/go-git/go-git/v5/utils/binary"
)

// CommitOptions controls a batched commit
type CommitOptions struct {
	Exclude       []string // gitignore-syntax patterns never staged
	NonBinaryOnly bool
	Message       string
}

// Commit describes a commit produced by CommitBatch
type Commit struct {
	ID      string        `json:"id"`
	Files   int           `json:"files"`
	Skipped []string      `json:"skipped,omitempty"` // binary paths left unstaged
	Elapsed time.Duration `json:"elapsed"`
}

// StatusEntry is one path reported by `git status --porcelain`
type StatusEntry struct {
	Index    byte
	Worktree byte
	Path     string
}

// Deleted reports whether the path no longer exists in the working tree
func (e StatusEntry) Deleted() bool {
	return e.Index == 'D' || e.Worktree == 'D'
}

// CommitBatch stages the changed paths reported by status, minus excluded
// and (optionally) binary files, and makes at most one commit. It returns
// nil when there is nothing to commit. Only paths listed by status are
// read; the tree is never walked.
func (m *Manager) CommitBatch(ctx context.Context, worktree string, opts CommitOptions) (*Commit, error) {
	start := time.Now()

	entries, err := m.Status(ctx, worktree)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	filter := pathfilter.New(opts.Exclude)
	var paths, skipped []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Path, "/") || filter.Excluded(entry.Path, false) {
			continue
		}
		if opts.NonBinaryOnly && !entry.Deleted() && isBinaryFile(filepath.Join(worktree, entry.Path)) {
			skipped = append(skipped, entry.Path)
			continue
		}
		paths = append(paths, entry.Path)
	}
	if len(paths) == 0 {
		return nil, nil
	}

	pathspec := []byte(strings.Join(paths, "\x00"))
	if _, err := m.run(ctx, invocation{
		dir:   worktree,
		args:  []string{"add", "--all", "--pathspec-from-file=-", "--pathspec-file-nul"},
		stdin: pathspec,
		env:   []string{"GIT_LITERAL_PATHSPECS=1"},
		retry: true,
	}); err != nil {
		return nil, fmt.Errorf("failed to stage %d paths: %w", len(paths), err)
	}

	// Staging can be a no-op, for example when a file was touched but its
	// content is unchanged.
	if staged, err := m.hasStagedChanges(ctx, worktree); err != nil {
		return nil, err
	} else if !staged {
		return nil, nil
	}

	message := opts.Message
	if message == "" {
		message = constants.DefaultCommitMessage
	}
	if _, err := m.run(ctx, invocation{
		dir:   worktree,
		args:  []string{"commit", "--quiet", "--no-verify", "--no-gpg-sign", "-m", message},
		env:   identityEnv,
		retry: true,
	}); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	id, err := m.output(ctx, invocation{dir: worktree, args: []string{"rev-parse", "HEAD"}})
	if err != nil {
		return nil, fmt.Errorf("failed to read new commit id: %w", err)
	}

	commit := &Commit{
		ID:      id,
		Files:   len(paths),
		Skipped: skipped,
		Elapsed: time.Since(start),
	}
	logger.WithFields(logger.Fields{
		"worktree": worktree,
		"commit":   id,
		"files":    commit.Files,
		"skipped":  len(skipped),
		"elapsed":  commit.Elapsed.String(),
	}).Debug("Committed batch")
	return commit, nil
}

// Status lists changed and untracked paths of a worktree. Submodule
// contents are not inspected.
func (m *Manager) Status(ctx context.Context, worktree string) ([]StatusEntry, error) {
	result, err := m.run(ctx, invocation{
		dir: worktree,
		args: []string{
			"status", "--porcelain=v1", "-z",
			"--untracked-files=all", "--no-renames", "--ignore-submodules=all",
		},
		retry: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read status of %s: %w", worktree, err)
	}
	return parseStatus(result.Stdout), nil
}

// parseStatus decodes NUL-separated "XY path" records
func parseStatus(out []byte) []StatusEntry {
	var entries []StatusEntry
	for _, record := range bytes.Split(out, []byte{0}) {
		if len(record) < 4 {
			continue
		}
		entries = append(entries, StatusEntry{
			Index:    record[0],
			Worktree: record[1],
			Path:     string(record[3:]),
		})
	}
	return entries
}

func (m *Manager) hasStagedChanges(ctx context.Context, worktree string) (bool, error) {
	out, err := m.output(ctx, invocation{
		dir:  worktree,
		args: []string{"diff", "--cached", "--name-only", "-z"},
	})
	if err != nil {
		return false, fmt.Errorf("failed to inspect staged changes: %w", err)
	}
	return strings.Trim(out, "\x00") != "", nil
}

// isBinaryFile applies git's heuristic (a NUL byte in the first 8000 bytes).
// Symlinks and unreadable entries are treated as text so they still get staged.
func isBinaryFile(path string) bool {
	info, err := os.Lstat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	isBinary, err := binary.IsBinary(f)
	return err == nil && isBinary
}
