// Package http exposes the detection service over a JSON API.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/trbojevicstefan/taskwise/internal/detect"
	"github.com/trbojevicstefan/taskwise/internal/task"
)

// Detector is the part of the detection service the API exposes.
type Detector interface {
	Detect(ctx context.Context, req detect.Request) (*detect.Result, error)
	Apply(ctx context.Context, suggestions []task.Node) (int, error)
	Merge(existing, suggestions []task.Node) []task.Node
	FilterForSessionSync(nodes []task.Node, source task.Source, sessionID string) []task.Node
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
	// MinMatchRatio is applied to detect requests that leave the
	// threshold unset.
	MinMatchRatio float64
	// RequireAttendeeMatch, when set, forces attendee filtering on
	// every detect request.
	RequireAttendeeMatch bool
}

// Server provides HTTP endpoints for taskwise.
type Server struct {
	echo     *echo.Echo
	detector Detector
	logger   *zap.Logger
	config   *Config
}

// NewServer creates a new HTTP server.
func NewServer(detector Detector, logger *zap.Logger, cfg *Config) (*Server, error) {
	if detector == nil {
		return nil, fmt.Errorf("detector cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host:          "127.0.0.1",
			Port:          8275,
			MinMatchRatio: 0.6,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	metrics := NewHTTPMetrics(logger)

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(metrics.MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:     e,
		detector: detector,
		logger:   logger,
		config:   cfg,
	}

	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/detect", s.handleDetect)
	v1.POST("/apply", s.handleApply)
	v1.POST("/merge", s.handleMerge)
	v1.POST("/sessions/filter", s.handleSessionFilter)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// ApplyRequest is the request body for POST /api/v1/apply.
type ApplyRequest struct {
	Suggestions []task.Node `json:"suggestions"`
}

// ApplyResponse is the response body for POST /api/v1/apply.
type ApplyResponse struct {
	Applied int `json:"applied"`
}

// MergeRequest is the request body for POST /api/v1/merge.
type MergeRequest struct {
	Existing    []task.Node `json:"existing"`
	Suggestions []task.Node `json:"suggestions"`
}

// MergeResponse is the response body for POST /api/v1/merge.
type MergeResponse struct {
	Nodes []task.Node `json:"nodes"`
}

// SessionFilterRequest is the request body for POST /api/v1/sessions/filter.
type SessionFilterRequest struct {
	Nodes     []task.Node `json:"nodes"`
	Source    string      `json:"source"`
	SessionID string      `json:"sessionId"`
}

// SessionFilterResponse is the response body for POST /api/v1/sessions/filter.
type SessionFilterResponse struct {
	Nodes []task.Node `json:"nodes"`
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleDetect runs a detection pass over the posted transcript.
func (s *Server) handleDetect(c echo.Context) error {
	var req detect.Request
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid detect request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if req.UserID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "userId field is required")
	}
	if req.Transcript == "" && req.Summary == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "transcript or summary is required")
	}

	// Server-side defaults for fields the caller left unset.
	if req.MinMatchRatio == 0 {
		req.MinMatchRatio = s.config.MinMatchRatio
	}
	if s.config.RequireAttendeeMatch {
		req.RequireAttendeeMatch = true
	}

	result, err := s.detector.Detect(c.Request().Context(), req)
	if err != nil {
		s.logger.Error("detection run failed",
			zap.String("user_id", req.UserID),
			zap.Error(err),
		)
		return echo.NewHTTPError(http.StatusInternalServerError, "detection failed")
	}

	return c.JSON(http.StatusOK, result)
}

// handleApply writes accepted suggestions back to their source stores.
func (s *Server) handleApply(c echo.Context) error {
	var req ApplyRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid apply request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if len(req.Suggestions) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "suggestions field is required")
	}

	applied, err := s.detector.Apply(c.Request().Context(), req.Suggestions)
	if err != nil {
		s.logger.Error("applying suggestions failed",
			zap.Int("applied", applied),
			zap.Error(err),
		)
		return echo.NewHTTPError(http.StatusInternalServerError, "applying suggestions failed")
	}

	return c.JSON(http.StatusOK, ApplyResponse{Applied: applied})
}

// handleMerge folds fresh suggestions into an existing task tree.
func (s *Server) handleMerge(c echo.Context) error {
	var req MergeRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid merge request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	merged := s.detector.Merge(req.Existing, req.Suggestions)

	return c.JSON(http.StatusOK, MergeResponse{Nodes: merged})
}

// handleSessionFilter strips suggestions that belong to another session
// before a session-scoped sync.
func (s *Server) handleSessionFilter(c echo.Context) error {
	var req SessionFilterRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid session filter request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	source := task.Source(req.Source)
	if source != task.SourceMeeting && source != task.SourceChat {
		return echo.NewHTTPError(http.StatusBadRequest, `source must be "meeting" or "chat"`)
	}
	if req.SessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "sessionId field is required")
	}

	filtered := s.detector.FilterForSessionSync(req.Nodes, source, req.SessionID)

	return c.JSON(http.StatusOK, SessionFilterResponse{Nodes: filtered})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
