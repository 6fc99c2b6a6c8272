package app

import (
	"context"
	"fmt"
	"time"

	"cofer/internal/cli"
	"cofer/internal/config"
	"cofer/internal/constants"
	"cofer/internal/container"
	"cofer/internal/db"
	"cofer/internal/environment"
	"cofer/internal/errors"
	"cofer/internal/executor"
	"cofer/internal/git"
	"cofer/internal/logger"
	"cofer/internal/metrics"
	"cofer/internal/notes"
	"cofer/internal/operations"
	"cofer/internal/server"
)

// Version is stamped at build time
var Version = "dev"

// App represents the main application
type App struct {
	// Server components (only built by serve)
	Config     *config.Config
	Runtime    *container.DockerRuntime
	Containers *container.Manager
	Git        *git.Manager
	Executor   *executor.Executor
	Metrics    *metrics.Recorder
	DB         *db.DB
	Engine     *operations.Engine
	Server     *server.Server

	CLI *cli.Manager
}

// New creates a new application instance
func New() *App {
	return &App{}
}

// Run starts the application
func (a *App) Run(args []string) error {
	return a.RunWithContext(context.Background(), args)
}

// RunWithContext executes the CLI. Commands that need the engine call back
// into the app through the hooks installed here.
func (a *App) RunWithContext(ctx context.Context, args []string) error {
	a.CLI = cli.New(Version, cli.Hooks{
		Serve:      a.Serve,
		InitSource: a.InitSource,
	})
	if len(args) == 0 {
		return a.CLI.ExecuteWithContext(ctx, []string{"--help"})
	}
	return a.CLI.ExecuteWithContext(ctx, args)
}

func newGitManager(cfg *config.Config) *git.Manager {
	return git.New(git.Options{
		ReposDir:     cfg.ReposDir(),
		WorktreesDir: cfg.WorktreesDir(),
		MountPath:    cfg.Container.MountPath,
		Timeout:      cfg.Timeouts.Git.Duration,
	})
}

// InitSource converts a directory into a valid environment source. It needs
// only git, so it runs without a server.
func (a *App) InitSource(ctx context.Context, cfg *config.Config, path string) (*git.BareRepo, error) {
	applyLogging(cfg)
	return newGitManager(cfg).InitSource(ctx, path)
}

func applyLogging(cfg *config.Config) {
	logger.SetLevel(cfg.Log.Level)
	logger.SetFormat(cfg.Log.Format)
}

// build assembles every component the engine composes
func (a *App) build(ctx context.Context, cfg *config.Config) error {
	a.Config = cfg
	applyLogging(cfg)

	a.Runtime = container.NewDockerRuntime(cfg.Container.Socket)
	hints := container.NewErrorHandler(cfg.Container.Socket)
	if err := a.Runtime.Ping(ctx); err != nil {
		ce := errors.Wrap(errors.KindPreconditionFailed, "container runtime is not reachable", err)
		if hint := hints.Hint(err); hint != "" {
			ce.WithHint(hint)
		}
		return ce
	}

	a.Containers = container.New(a.Runtime, container.Options{
		MountPath:         cfg.Container.MountPath,
		KeepAlive:         cfg.Container.KeepAlive,
		StopGracePeriod:   cfg.Container.StopGracePeriod.Duration,
		StartupTimeout:    cfg.Timeouts.Startup.Duration,
		AllowPortFallback: cfg.Container.AllowPortFallback,
	})
	a.Git = newGitManager(cfg)
	a.Executor = executor.New(a.Containers, executor.Options{
		MaxBytes:       cfg.Output.MaxBytes,
		MaxLines:       cfg.Output.MaxLines,
		DefaultTimeout: cfg.Timeouts.Run.Duration,
		Shell:          cfg.Container.Shell,
	})
	a.Metrics = metrics.New()

	database, err := db.Open(db.DefaultConfig(cfg.StatePath()))
	if err != nil {
		return fmt.Errorf("failed to open state database: %w", err)
	}
	a.DB = database

	registry := environment.NewRegistry(cfg.Limits.MaxEnvironments)
	a.Engine = operations.New(operations.Deps{
		Registry:   registry,
		Containers: a.Containers,
		Repos:      a.Git,
		Executor:   a.Executor,
		Notes:      notes.New(a.Git, cfg.Notes.Ref, cfg.Notes.CapLines),
		State:      db.NewEnvironmentRepository(database),
		Metrics:    a.Metrics,
		Hints:      hints,
	}, operations.Options{
		RunTimeout:    cfg.Timeouts.Run.Duration,
		MountBareRepo: cfg.Container.MountGitDir,
		Watcher: operations.WatcherOptions{
			Enabled:       cfg.Watcher.Enabled,
			Debounce:      cfg.Watcher.Debounce.Duration,
			Exclude:       cfg.Watcher.Exclude,
			NonBinaryOnly: cfg.Watcher.NonBinaryOnly,
		},
	})

	srvCfg := server.DefaultConfig()
	srvCfg.Host = cfg.Server.Host
	srvCfg.Port = cfg.Server.Port
	srvCfg.Version = Version
	srvCfg.MaxEnvironments = registry.Limit()
	a.Server = server.New(srvCfg, a.Engine, a.Metrics)
	return nil
}

// Serve builds the engine, sweeps leftovers of a previous process and serves
// the API until ctx is cancelled. Every live environment is destroyed on the
// way out.
func (a *App) Serve(ctx context.Context, cfg *config.Config) error {
	if err := a.build(ctx, cfg); err != nil {
		a.close()
		return err
	}
	defer a.close()

	sweep, err := a.Engine.RecoverOrphans(ctx)
	if err != nil {
		logger.WithError(err).Warn("Crash recovery sweep failed")
	} else {
		log := logger.WithFields(logger.Fields{
			"environments": len(sweep.Environments),
			"containers":   len(sweep.Containers),
		})
		for _, w := range sweep.Warnings {
			log.Warn(w)
		}
		log.Info("Crash recovery sweep finished")
	}

	logger.WithFields(logger.Fields{
		"addr":             cfg.Server.Host,
		"port":             cfg.Server.Port,
		"max_environments": cfg.Limits.MaxEnvironments,
		"operation":        "server_start",
	}).Info("Starting cofer server")
	serveErr := a.Server.Start(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownBudget(cfg))
	defer cancel()
	if err := a.Engine.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Some environments were not torn down cleanly")
	}
	return serveErr
}

// shutdownBudget leaves room to stop every container in turn
func shutdownBudget(cfg *config.Config) time.Duration {
	per := cfg.Container.StopGracePeriod.Duration + constants.DefaultServerShutdownTimeout
	n := cfg.Limits.MaxEnvironments
	if n < 1 {
		n = 1
	}
	return time.Duration(n) * per
}

func (a *App) close() {
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close state database")
		}
	}
	if a.Runtime != nil {
		a.Runtime.Close()
	}
}
