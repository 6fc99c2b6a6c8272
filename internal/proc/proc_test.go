//go:build unix

package proc

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestRunCapturesOutput(t *testing.T) {
	requireShell(t)

	result, err := Run(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "echo out; echo err >&2"},
	})
	require.NoError(t, err)
	assert.Equal(t, "out\n", string(result.Stdout))
	assert.Equal(t, "err\n", string(result.Stderr))
	assert.Equal(t, 0, result.ExitCode)
}

func TestRunNonZeroExit(t *testing.T) {
	requireShell(t)

	result, err := Run(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "echo nope >&2; exit 3"},
	})
	require.Error(t, err)

	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 3, exitErr.ExitCode)
	assert.Contains(t, exitErr.Error(), "nope")
	assert.Equal(t, 3, result.ExitCode)
}

func TestRunPassesEnvAndStdin(t *testing.T) {
	requireShell(t)

	result, err := Run(context.Background(), Command{
		Name:  "sh",
		Args:  []string{"-c", "printf '%s:' \"$GREETING\"; cat"},
		Env:   []string{"GREETING=hi"},
		Stdin: strings.NewReader("from stdin"),
	})
	require.NoError(t, err)
	assert.Equal(t, "hi:from stdin", string(result.Stdout))
}

// The command backgrounds a grandchild and records its pid. After the
// timeout fires, neither the shell nor the grandchild may survive.
func TestRunTimeoutKillsProcessTree(t *testing.T) {
	requireShell(t)
	pidFile := filepath.Join(t.TempDir(), "child.pid")

	start := time.Now()
	_, err := Run(context.Background(), Command{
		Name:    "sh",
		Args:    []string{"-c", "sleep 30 & echo $! > " + pidFile + "; wait"},
		Timeout: 300 * time.Millisecond,
	})
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
	assert.Less(t, time.Since(start), 10*time.Second)

	data, readErr := os.ReadFile(pidFile)
	require.NoError(t, readErr)
	pid, convErr := strconv.Atoi(strings.TrimSpace(string(data)))
	require.NoError(t, convErr)

	assert.Eventually(t, func() bool { return !alive(pid) }, 3*time.Second, 20*time.Millisecond,
		"background child %d survived the timeout", pid)
}

func TestRunHonorsCancellation(t *testing.T) {
	requireShell(t)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	_, err := Run(ctx, Command{Name: "sh", Args: []string{"-c", "sleep 30"}})
	require.Error(t, err)
	assert.False(t, IsTimeout(err))
	assert.ErrorIs(t, err, context.Canceled)
}

// alive treats zombies as dead: a killed child reparented to an init that
// has not reaped it yet still answers kill(pid, 0).
func alive(pid int) bool {
	if _, err := os.Stat("/proc/self"); err != nil {
		return syscall.Kill(pid, 0) == nil
	}
	stat, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return false
	}
	fields := strings.Fields(string(stat[strings.LastIndexByte(string(stat), ')')+1:]))
	return len(fields) > 0 && fields[0] != "Z" && fields[0] != "X"
}
