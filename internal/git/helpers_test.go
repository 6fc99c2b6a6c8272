package git

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
}

// gitCmd runs git in dir for test setup
func gitCmd(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	cmd.Env = append(os.Environ(), identityEnv...)
	cmd.Env = append(cmd.Env, "GIT_CONFIG_GLOBAL=/dev/null", "GIT_CONFIG_NOSYSTEM=1")
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %s: %s", strings.Join(args, " "), out)
	return strings.TrimSpace(string(out))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

// newSourceRepo creates a repository with one commit on main
func newSourceRepo(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "project")
	require.NoError(t, os.MkdirAll(dir, 0755))
	gitCmd(t, dir, "init", "--quiet", "--initial-branch=main")
	writeFile(t, filepath.Join(dir, "README.md"), "# project\n")
	gitCmd(t, dir, "add", "README.md")
	gitCmd(t, dir, "commit", "--quiet", "-m", "initial")
	return dir
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	home := t.TempDir()
	return New(Options{
		ReposDir:     filepath.Join(home, "repos"),
		WorktreesDir: filepath.Join(home, "worktrees"),
		Timeout:      10 * time.Second,
	})
}

// initializedSource returns a manager plus a source repo that went through InitSource
func initializedSource(t *testing.T) (*Manager, *BareRepo) {
	t.Helper()
	requireGit(t)
	m := newTestManager(t)
	source := newSourceRepo(t)

	bare, err := m.InitSource(context.Background(), source)
	require.NoError(t, err)
	return m, bare
}
