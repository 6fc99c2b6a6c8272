package config

import (
	"fmt"
	"os"
)

// Environment variables recognized on top of config.toml
const (
	EnvRunTimeout      = "COFER_RUN_TIMEOUT"
	EnvGitTimeout      = "COFER_GIT_TIMEOUT"
	EnvStartupTimeout  = "COFER_STARTUP_TIMEOUT"
	EnvContainerSocket = "COFER_CONTAINER_SOCKET"
	EnvLogLevel        = "COFER_LOG_LEVEL"
)

func applyEnv(cfg *Config) error {
	durations := []struct {
		name   string
		target *Duration
	}{
		{EnvRunTimeout, &cfg.Timeouts.Run},
		{EnvGitTimeout, &cfg.Timeouts.Git},
		{EnvStartupTimeout, &cfg.Timeouts.Startup},
	}
	for _, d := range durations {
		value := os.Getenv(d.name)
		if value == "" {
			continue
		}
		parsed, err := ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		d.target.Duration = parsed
	}

	if socket := os.Getenv(EnvContainerSocket); socket != "" {
		cfg.Container.Socket = socket
	}
	if level := os.Getenv(EnvLogLevel); level != "" {
		cfg.Log.Level = level
	}
	return nil
}
