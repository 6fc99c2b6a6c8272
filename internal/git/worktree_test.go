package git

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateWorktreeWithoutRef(t *testing.T) {
	m, bare := initializedSource(t)

	binding, err := m.CreateWorktree(context.Background(), bare, "e1", "")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(m.worktreesDir, "e1"), binding.Path)
	assert.Equal(t, filepath.Join(bare.Path, "worktrees", "e1"), binding.GitDir)
	assert.Equal(t, "/workdir", binding.MountPath)
	assert.Equal(t, "cofer/e1", binding.Branch)

	gitfile, err := os.ReadFile(filepath.Join(binding.Path, ".git"))
	require.NoError(t, err)
	assert.Equal(t, "gitdir: "+binding.GitDir+"\n", string(gitfile))

	gitDir, err := ReadGitDir(binding.Path)
	require.NoError(t, err)
	assert.Equal(t, binding.GitDir, gitDir)

	// git itself recognizes the worktree and its unborn branch.
	assert.Equal(t, "refs/heads/cofer/e1", gitCmd(t, binding.Path, "symbolic-ref", "HEAD"))
	assert.Contains(t, gitCmd(t, bare.Path, "worktree", "list", "--porcelain"), binding.Path)
}

func TestCreateWorktreeFromRef(t *testing.T) {
	m, bare := initializedSource(t)

	binding, err := m.CreateWorktree(context.Background(), bare, "e2", "main")
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(binding.Path, "README.md"))
	assert.Equal(t,
		gitCmd(t, bare.Source, "rev-parse", "main"),
		gitCmd(t, bare.Path, "rev-parse", "refs/heads/cofer/e2"))

	entries, err := m.Status(context.Background(), binding.Path)
	require.NoError(t, err)
	assert.Empty(t, entries, "fresh checkout must be clean")
}

func TestCreateWorktreeUnknownRef(t *testing.T) {
	m, bare := initializedSource(t)

	_, err := m.CreateWorktree(context.Background(), bare, "e3", "no-such-branch")
	require.Error(t, err)
	assert.NoDirExists(t, filepath.Join(m.worktreesDir, "e3"))
}

func TestCreateWorktreeRejectsExistingPath(t *testing.T) {
	m, bare := initializedSource(t)

	_, err := m.CreateWorktree(context.Background(), bare, "dup", "")
	require.NoError(t, err)

	_, err = m.CreateWorktree(context.Background(), bare, "dup", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestRemoveWorktree(t *testing.T) {
	m, bare := initializedSource(t)
	ctx := context.Background()

	binding, err := m.CreateWorktree(ctx, bare, "gone", "main")
	require.NoError(t, err)
	writeFile(t, filepath.Join(binding.Path, "scratch.txt"), "uncommitted\n")

	warnings, err := m.RemoveWorktree(ctx, *binding, false)
	require.NoError(t, err)
	assert.Empty(t, warnings)

	assert.NoDirExists(t, binding.Path)
	assert.NoDirExists(t, binding.GitDir)
	branches := gitCmd(t, bare.Path, "branch", "--list", "cofer/gone")
	assert.Empty(t, branches)

	// Second removal is a no-op.
	warnings, err = m.RemoveWorktree(ctx, *binding, true)
	require.NoError(t, err)
	assert.Empty(t, warnings)
}

func TestRemoveWorktreeWithHalfWrittenRecord(t *testing.T) {
	m, bare := initializedSource(t)
	binding := m.Binding(bare, "partial")
	require.NoError(t, os.MkdirAll(binding.Path, 0755))
	writeFile(t, filepath.Join(binding.Path, "left-over"), "x")

	warnings, err := m.RemoveWorktree(context.Background(), binding, true)
	require.NoError(t, err)
	for _, w := range warnings {
		assert.False(t, strings.Contains(w, "failed twice"), w)
	}
	assert.NoDirExists(t, binding.Path)
}

func TestRemoveWorktreeRetryReportsWarning(t *testing.T) {
	m, bare := initializedSource(t)
	ctx := context.Background()

	binding, err := m.CreateWorktree(ctx, bare, "flaky", "main")
	require.NoError(t, err)

	attempts := 0
	m.removeOnce = func(ctx context.Context, b WorktreeBinding) error {
		attempts++
		if attempts == 1 {
			return errors.New("Device or resource busy")
		}
		return m.removeWorktreeFiles(ctx, b)
	}

	warnings, err := m.RemoveWorktree(ctx, *binding, true)
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "retried")
	assert.NoDirExists(t, binding.Path)
}

func TestRemoveWorktreeWithoutForceFailsOnError(t *testing.T) {
	m, bare := initializedSource(t)
	ctx := context.Background()

	binding, err := m.CreateWorktree(ctx, bare, "stuck", "main")
	require.NoError(t, err)
	m.removeOnce = func(context.Context, WorktreeBinding) error {
		return errors.New("Device or resource busy")
	}

	_, err = m.RemoveWorktree(ctx, *binding, false)
	require.Error(t, err)
	assert.DirExists(t, binding.Path)
}

func TestMaterializeSubmodules(t *testing.T) {
	source := t.TempDir()
	worktree := t.TempDir()

	moduleDir := filepath.Join(source, ".git", "modules", "lib")
	require.NoError(t, os.MkdirAll(moduleDir, 0755))
	writeFile(t, filepath.Join(worktree, ".gitmodules"), `[submodule "lib"]
	path = vendor/lib
	url = https://example.com/lib.git
[submodule "missing"]
	path = vendor/missing
	url = https://example.com/missing.git
`)

	linked, err := materializeSubmodules(source, worktree)
	require.NoError(t, err)
	assert.Equal(t, []string{"vendor/lib"}, linked)

	gitfile, err := os.ReadFile(filepath.Join(worktree, "vendor", "lib", ".git"))
	require.NoError(t, err)
	assert.Equal(t, "gitdir: "+moduleDir+"\n", string(gitfile))
	assert.NoFileExists(t, filepath.Join(worktree, "vendor", "missing", ".git"))
}

func TestMaterializeSubmodulesWithoutGitmodules(t *testing.T) {
	linked, err := materializeSubmodules(t.TempDir(), t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, linked)
}
