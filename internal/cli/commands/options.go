package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"cofer/internal/api"
	"cofer/internal/config"
	"cofer/internal/git"
)

// ServeFunc runs the API server until ctx is cancelled
type ServeFunc func(ctx context.Context, cfg *config.Config) error

// InitSourceFunc prepares a directory as an environment source
type InitSourceFunc func(ctx context.Context, cfg *config.Config, path string) (*git.BareRepo, error)

// Options carries the global flags shared by every command
type Options struct {
	ConfigPath string
	ServerURL  string
	Output     string
	LogLevel   string

	Out io.Writer

	cfg *config.Config
}

// NewOptions returns options writing to stdout
func NewOptions() *Options {
	return &Options{Output: OutputJSON, Out: os.Stdout}
}

// Config loads the configuration once. --config wins over the cofer home.
func (o *Options) Config() (*config.Config, error) {
	if o.cfg != nil {
		return o.cfg, nil
	}
	var (
		cfg *config.Config
		err error
	)
	if o.ConfigPath != "" {
		cfg, err = config.LoadFile(o.ConfigPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if o.LogLevel != "" {
		cfg.Log.Level = o.LogLevel
	}
	o.cfg = cfg
	return cfg, nil
}

// Client returns an API client for --server, falling back to the address
// the configured server listens on.
func (o *Options) Client() (*api.APIClient, error) {
	url := o.ServerURL
	if url == "" {
		if env := os.Getenv("COFER_SERVER"); env != "" {
			url = env
		} else {
			cfg, err := o.Config()
			if err != nil {
				return nil, err
			}
			url = cfg.ServerURL()
		}
	}
	return api.NewAPIClient(url), nil
}
