// Package config loads the cofer configuration from config.toml in the cofer
// home directory and applies environment overrides on top.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cofer/internal/constants"
	"cofer/internal/xdg"

	"github.com/pelletier/go-toml/v2"
)

// FileName is the name of the configuration file inside the home directory
const FileName = "config.toml"

// Config represents the cofer configuration
type Config struct {
	Storage   StorageConfig   `toml:"storage"`
	Limits    LimitsConfig    `toml:"limits"`
	Timeouts  TimeoutsConfig  `toml:"timeouts"`
	Container ContainerConfig `toml:"container"`
	Output    OutputConfig    `toml:"output"`
	Watcher   WatcherConfig   `toml:"watcher"`
	Notes     NotesConfig     `toml:"notes"`
	Server    ServerConfig    `toml:"server"`
	Log       LogConfig       `toml:"log"`
}

type StorageConfig struct {
	BaseDir string `toml:"base_dir"` // holds repos/, worktrees/ and state.db
}

type LimitsConfig struct {
	MaxEnvironments int `toml:"max_environments"`
}

type TimeoutsConfig struct {
	Run     Duration `toml:"run"`
	Git     Duration `toml:"git"`
	Startup Duration `toml:"startup"`
}

type ContainerConfig struct {
	Socket            string   `toml:"socket"`     // runtime socket path or URL; empty uses DOCKER_HOST
	MountPath         string   `toml:"mount_path"` // in-container worktree path
	MountGitDir       bool     `toml:"mount_gitdir"`
	Shell             string   `toml:"shell"`
	KeepAlive         []string `toml:"keep_alive"`
	StopGracePeriod   Duration `toml:"stop_grace_period"`
	AllowPortFallback bool     `toml:"allow_port_fallback"`
}

type OutputConfig struct {
	MaxBytes int `toml:"max_bytes"`
	MaxLines int `toml:"max_lines"`
}

type WatcherConfig struct {
	Enabled       bool     `toml:"enabled"`
	Debounce      Duration `toml:"debounce"`
	Exclude       []string `toml:"exclude"`
	NonBinaryOnly bool     `toml:"nonbinary_only"`
}

type NotesConfig struct {
	Ref      string `toml:"ref"`
	CapLines int    `toml:"cap_lines"`
}

type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// DefaultExcludes are never staged by auto-commit
var DefaultExcludes = []string{
	".git",
	"node_modules/",
	"target/",
	"dist/",
	"build/",
	"__pycache__/",
	".venv/",
	"*.swp",
	"*~",
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Limits: LimitsConfig{
			MaxEnvironments: constants.DefaultMaxEnvironments,
		},
		Timeouts: TimeoutsConfig{
			Run:     Duration{constants.DefaultRunTimeout},
			Git:     Duration{constants.DefaultGitTimeout},
			Startup: Duration{constants.DefaultStartupTimeout},
		},
		Container: ContainerConfig{
			MountPath:       constants.DefaultMountPath,
			MountGitDir:     true,
			Shell:           "/bin/sh",
			KeepAlive:       []string{"sh", "-c", "trap 'exit 0' TERM INT; while :; do sleep 3600 & wait $!; done"},
			StopGracePeriod: Duration{constants.DefaultStopGracePeriod},
		},
		Output: OutputConfig{
			MaxBytes: constants.DefaultOutputMaxBytes,
			MaxLines: constants.DefaultOutputMaxLines,
		},
		Watcher: WatcherConfig{
			Enabled:       true,
			Debounce:      Duration{constants.DefaultDebounce},
			Exclude:       append([]string(nil), DefaultExcludes...),
			NonBinaryOnly: true,
		},
		Notes: NotesConfig{
			Ref:      constants.DefaultNotesRef,
			CapLines: constants.DefaultNotesCapLines,
		},
		Server: ServerConfig{
			Host: constants.DefaultServerHost,
			Port: constants.DefaultServerPort,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Path returns the location of config.toml
func Path() (string, error) {
	home, err := xdg.Home()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, FileName), nil
}

// Load reads config.toml from the cofer home directory. A missing file yields
// the defaults. Environment overrides are applied last.
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}
	return LoadFile(path)
}

// LoadFile reads the configuration from path
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	default:
		// Keys missing from the file keep their defaults.
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.resolveBaseDir(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to path
func (c *Config) Save(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), constants.DirPermissions); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return os.WriteFile(path, data, constants.FilePermissions)
}

// Validate checks ranges and clamps the debounce window
func (c *Config) Validate() error {
	if c.Limits.MaxEnvironments < 1 {
		return fmt.Errorf("limits.max_environments must be at least 1, got %d", c.Limits.MaxEnvironments)
	}
	if c.Server.Port < constants.MinPortNumber || c.Server.Port > constants.MaxPortNumber {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	if !strings.HasPrefix(c.Container.MountPath, "/") {
		return fmt.Errorf("container.mount_path must be absolute, got %q", c.Container.MountPath)
	}
	if c.Output.MaxBytes < 1 || c.Output.MaxLines < 1 {
		return fmt.Errorf("output caps must be positive")
	}
	if c.Notes.CapLines < 2 {
		return fmt.Errorf("notes.cap_lines must be at least 2, got %d", c.Notes.CapLines)
	}
	for name, d := range map[string]Duration{"run": c.Timeouts.Run, "git": c.Timeouts.Git, "startup": c.Timeouts.Startup} {
		if d.Duration <= 0 {
			return fmt.Errorf("timeouts.%s must be positive", name)
		}
	}

	switch {
	case c.Watcher.Debounce.Duration < constants.MinDebounce:
		c.Watcher.Debounce.Duration = constants.MinDebounce
	case c.Watcher.Debounce.Duration > constants.MaxDebounce:
		c.Watcher.Debounce.Duration = constants.MaxDebounce
	}
	return nil
}

// ReposDir is where bare repositories live
func (c *Config) ReposDir() string {
	return filepath.Join(c.Storage.BaseDir, "repos")
}

// WorktreesDir is where environment worktrees live
func (c *Config) WorktreesDir() string {
	return filepath.Join(c.Storage.BaseDir, "worktrees")
}

// StatePath is the sqlite database tracking live environments
func (c *Config) StatePath() string {
	return filepath.Join(c.Storage.BaseDir, "state.db")
}

// ServerURL is the base URL clients use to reach the API server
func (c *Config) ServerURL() string {
	return fmt.Sprintf("http://%s:%d", c.Server.Host, c.Server.Port)
}

func (c *Config) resolveBaseDir() error {
	if c.Storage.BaseDir == "" {
		home, err := xdg.Home()
		if err != nil {
			return fmt.Errorf("failed to resolve cofer home: %w", err)
		}
		c.Storage.BaseDir = home
	}
	expanded, err := expandHome(c.Storage.BaseDir)
	if err != nil {
		return err
	}
	c.Storage.BaseDir = expanded
	return nil
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}
