// Package server exposes the engine over HTTP: a REST surface, a JSON-RPC
// 2.0 endpoint and a websocket that streams command output.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"cofer/internal/constants"
	"cofer/internal/container"
	"cofer/internal/environment"
	"cofer/internal/logger"
	"cofer/internal/metrics"
	"cofer/internal/operations"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Engine is the set of operations the server dispatches to
type Engine interface {
	Create(ctx context.Context, req operations.CreateRequest) (*operations.CreateResult, error)
	Run(ctx context.Context, req operations.RunRequest) (*operations.RunResult, error)
	RunBackground(ctx context.Context, req operations.RunRequest) (*container.Background, error)
	Destroy(ctx context.Context, req operations.DestroyRequest) (*operations.DestroyResult, error)
	List(ctx context.Context) []environment.Record
	Get(ctx context.Context, id string) (environment.Record, error)
}

// Config holds the server configuration
type Config struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	ShutdownTimeout time.Duration

	// CORS settings
	AllowOrigins []string
	AllowHeaders []string

	// Reported by /health and initialize
	Version         string
	MaxEnvironments int
}

// DefaultConfig returns the default server configuration
func DefaultConfig() *Config {
	return &Config{
		Host:            constants.DefaultServerHost,
		Port:            constants.DefaultServerPort,
		ReadTimeout:     constants.DefaultServerReadTimeout,
		ShutdownTimeout: constants.DefaultServerShutdownTimeout,
		AllowOrigins:    []string{"*"},
		AllowHeaders:    []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderXRequestID},
		Version:         "dev",
		MaxEnvironments: constants.DefaultMaxEnvironments,
	}
}

// Addr returns host:port
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, fmt.Sprint(c.Port))
}

// Server represents the main HTTP server
type Server struct {
	config    *Config
	echo      *echo.Echo
	engine    Engine
	metrics   *metrics.Recorder
	startTime time.Time
	setup     sync.Once
}

// New creates a server dispatching to engine. rec may be nil.
func New(cfg *Config, engine Engine, rec *metrics.Recorder) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = ErrorHandler

	return &Server{
		config:    cfg,
		echo:      e,
		engine:    engine,
		metrics:   rec,
		startTime: time.Now(),
	}
}

// Echo returns the Echo instance
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	s.setup.Do(func() {
		s.setupMiddleware()
		s.setupRoutes()
	})
	return s.echo
}

// Start serves on the configured address until ctx is cancelled, then
// shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr(), err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	// No write timeout: runs and streams last as long as their command.
	srv := &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: s.config.ReadTimeout,
	}

	errChan := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("failed to serve: %w", err)
		}
	}()
	logger.WithField("addr", ln.Addr().String()).Info("Server listening")

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		logger.Info("Shutting down server...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	logger.Info("Server stopped gracefully")
	return nil
}

// setupMiddleware configures all middleware
func (s *Server) setupMiddleware() {
	// Use our custom request logger instead of echo's default
	s.echo.Use(logger.RequestLogger())

	s.echo.Use(requestMetrics(s.metrics))

	s.echo.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		LogErrorFunc: logPanic,
	}))

	s.echo.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: s.config.AllowOrigins,
		AllowHeaders: s.config.AllowHeaders,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
	}))
}
