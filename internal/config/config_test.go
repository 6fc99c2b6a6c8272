package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("COFER_HOME", home)
	for _, name := range []string{EnvRunTimeout, EnvGitTimeout, EnvStartupTimeout, EnvContainerSocket, EnvLogLevel} {
		t.Setenv(name, "")
	}
	return home
}

func TestLoadDefaults(t *testing.T) {
	home := isolate(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Limits.MaxEnvironments)
	assert.Equal(t, 600*time.Second, cfg.Timeouts.Run.Duration)
	assert.Equal(t, 30*time.Second, cfg.Timeouts.Git.Duration)
	assert.Equal(t, 30*time.Second, cfg.Timeouts.Startup.Duration)
	assert.Equal(t, "/workdir", cfg.Container.MountPath)
	assert.Equal(t, 64*1024, cfg.Output.MaxBytes)
	assert.Equal(t, 512, cfg.Output.MaxLines)
	assert.True(t, cfg.Watcher.Enabled)
	assert.Contains(t, cfg.Watcher.Exclude, ".git")

	assert.Equal(t, home, cfg.Storage.BaseDir)
	assert.Equal(t, filepath.Join(home, "repos"), cfg.ReposDir())
	assert.Equal(t, filepath.Join(home, "worktrees"), cfg.WorktreesDir())

	// Loading does not create anything on disk.
	_, err = os.Stat(filepath.Join(home, FileName))
	assert.True(t, os.IsNotExist(err))
}

func TestLoadFileOverridesOnlyPresentKeys(t *testing.T) {
	home := isolate(t)
	content := `
[limits]
max_environments = 8

[timeouts]
run = "2m"

[watcher]
enabled = false
debounce = "500ms"
`
	require.NoError(t, os.WriteFile(filepath.Join(home, FileName), []byte(content), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Limits.MaxEnvironments)
	assert.Equal(t, 2*time.Minute, cfg.Timeouts.Run.Duration)
	assert.Equal(t, 30*time.Second, cfg.Timeouts.Git.Duration)
	assert.False(t, cfg.Watcher.Enabled)
	// Debounce is clamped into its window.
	assert.Equal(t, 200*time.Millisecond, cfg.Watcher.Debounce.Duration)
	assert.True(t, cfg.Container.MountGitDir)
}

func TestEnvironmentOverrides(t *testing.T) {
	isolate(t)
	t.Setenv(EnvRunTimeout, "1500")
	t.Setenv(EnvGitTimeout, "5s")
	t.Setenv(EnvStartupTimeout, "1m")
	t.Setenv(EnvContainerSocket, "unix:///run/podman/podman.sock")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 1500*time.Millisecond, cfg.Timeouts.Run.Duration)
	assert.Equal(t, 5*time.Second, cfg.Timeouts.Git.Duration)
	assert.Equal(t, time.Minute, cfg.Timeouts.Startup.Duration)
	assert.Equal(t, "unix:///run/podman/podman.sock", cfg.Container.Socket)
}

func TestInvalidEnvironmentOverride(t *testing.T) {
	isolate(t)
	t.Setenv(EnvGitTimeout, "soon")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), EnvGitTimeout)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"zero limit", func(c *Config) { c.Limits.MaxEnvironments = 0 }, "max_environments"},
		{"relative mount", func(c *Config) { c.Container.MountPath = "workdir" }, "mount_path"},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "invalid port"},
		{"tiny note cap", func(c *Config) { c.Notes.CapLines = 1 }, "cap_lines"},
		{"zero timeout", func(c *Config) { c.Timeouts.Git.Duration = 0 }, "timeouts.git"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	home := isolate(t)
	cfg := DefaultConfig()
	cfg.Limits.MaxEnvironments = 2
	cfg.Timeouts.Run = Duration{90 * time.Second}

	path := filepath.Join(home, FileName)
	require.NoError(t, cfg.Save(path))

	loaded, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.Limits.MaxEnvironments)
	assert.Equal(t, 90*time.Second, loaded.Timeouts.Run.Duration)
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"250", 250 * time.Millisecond, false},
		{"3s", 3 * time.Second, false},
		{"", 0, true},
		{"-5", 0, true},
		{"fast", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDuration(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
