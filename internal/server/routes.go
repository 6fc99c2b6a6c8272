package server

import (
	"net/http"
	"strconv"
	"time"

	"cofer/internal/environment"
	"cofer/internal/errors"
	"cofer/internal/operations"

	"github.com/labstack/echo/v4"
)

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status          string `json:"status"`
	Version         string `json:"version"`
	Uptime          string `json:"uptime"`
	Environments    int    `json:"environments"`
	MaxEnvironments int    `json:"max_environments"`
}

// EnvironmentsResponse is the body of GET /api/environments
type EnvironmentsResponse struct {
	Environments []environment.Record `json:"environments"`
	Total        int                  `json:"total"`
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.handleHealth)
	if s.metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}
	s.echo.POST("/rpc", s.handleRPC)

	envs := s.echo.Group("/api/environments")
	envs.GET("", s.handleListEnvironments)
	envs.POST("", s.handleCreateEnvironment)
	envs.GET("/:id", s.handleGetEnvironment)
	envs.DELETE("/:id", s.handleDestroyEnvironment)
	envs.POST("/:id/run", s.handleRunCommand)
	envs.GET("/:id/run/stream", s.handleRunStream)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:          "healthy",
		Version:         s.config.Version,
		Uptime:          time.Since(s.startTime).Round(time.Second).String(),
		Environments:    len(s.engine.List(c.Request().Context())),
		MaxEnvironments: s.config.MaxEnvironments,
	})
}

func (s *Server) handleListEnvironments(c echo.Context) error {
	records := s.engine.List(c.Request().Context())
	if records == nil {
		records = []environment.Record{}
	}
	return c.JSON(http.StatusOK, EnvironmentsResponse{Environments: records, Total: len(records)})
}

func (s *Server) handleCreateEnvironment(c echo.Context) error {
	var req operations.CreateRequest
	if err := c.Bind(&req); err != nil {
		return errors.BadRequest("invalid request body: " + err.Error())
	}

	res, err := s.engine.Create(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, res)
}

func (s *Server) handleGetEnvironment(c echo.Context) error {
	rec, err := s.engine.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) handleDestroyEnvironment(c echo.Context) error {
	req := operations.DestroyRequest{ID: c.Param("id")}
	if raw := c.QueryParam("force"); raw != "" {
		force, err := strconv.ParseBool(raw)
		if err != nil {
			return errors.BadRequest("force must be a boolean")
		}
		req.Force = force
	}

	res, err := s.engine.Destroy(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleRunCommand(c echo.Context) error {
	var req operations.RunRequest
	if err := c.Bind(&req); err != nil {
		return errors.BadRequest("invalid request body: " + err.Error())
	}
	// The path names the environment.
	req.ID = c.Param("id")

	if req.Background {
		bg, err := s.engine.RunBackground(c.Request().Context(), req)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, bg)
	}

	res, err := s.engine.Run(c.Request().Context(), req)
	if err != nil {
		if res != nil && res.Result != nil {
			return respondError(c, err, res)
		}
		return err
	}
	return c.JSON(http.StatusOK, res)
}
