// Package api serves the worker's local endpoints: liveness, readiness,
// Prometheus metrics, the current state, the job journal and the progress
// relay for the local processing endpoint. It binds to localhost by
// default.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/explaindio/musetalk-container/pkg/client"
	"github.com/explaindio/musetalk-container/pkg/log"
	"github.com/explaindio/musetalk-container/pkg/metrics"
	"github.com/explaindio/musetalk-container/pkg/progress"
	"github.com/explaindio/musetalk-container/pkg/storage"
	"github.com/explaindio/musetalk-container/pkg/types"
)

const (
	defaultJobsLimit = 20
	maxJobsLimit     = 500
)

const apiKeyHeader = "X-Internal-API-Key"

// StateSource provides the current worker state
type StateSource interface {
	Snapshot() types.WorkerSnapshot
}

// ProgressRelay forwards the local endpoint's progress for the running job
type ProgressRelay interface {
	Relay(ctx context.Context, jobID string, r types.ProgressReport) (progress.RelayResult, error)
}

// Config configures the status server
type Config struct {
	Addr     string
	Identity types.WorkerIdentity
	State    StateSource

	// Journal backs /jobs. Nil answers 503.
	Journal storage.Journal

	SystemInfo *types.SystemMetrics

	// Sessions are reported on /state with their rebuild counts
	Sessions []*client.Session

	// Relay enables POST /internal/jobs/:id/progress. Nil disables the route.
	Relay ProgressRelay

	// APIKey, when set, must be sent by relay callers
	APIKey string
}

// Server is the local status HTTP server
type Server struct {
	echo   *echo.Echo
	cfg    Config
	logger zerolog.Logger
}

// StateResponse is the body of GET /state
type StateResponse struct {
	Identity        types.WorkerIdentity `json:"identity"`
	State           types.WorkerSnapshot `json:"state"`
	SystemInfo      *types.SystemMetrics `json:"system_info,omitempty"`
	SessionRebuilds map[string]int       `json:"session_rebuilds,omitempty"`
}

// NewServer creates the status server
func NewServer(cfg Config) *Server {
	s := &Server{
		echo:   echo.New(),
		cfg:    cfg,
		logger: log.WithComponent("api"),
	}

	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Server.ReadTimeout = 5 * time.Second
	s.echo.Server.WriteTimeout = 15 * time.Second
	s.echo.Server.IdleTimeout = 60 * time.Second
	s.echo.Use(s.requestLogger)

	s.echo.GET("/health", echo.WrapHandler(metrics.HealthHandler()))
	s.echo.GET("/ready", echo.WrapHandler(metrics.ReadyHandler()))
	s.echo.GET("/metrics", echo.WrapHandler(metrics.Handler()))
	s.echo.GET("/state", s.getState)
	s.echo.GET("/jobs", s.listJobs)
	s.echo.GET("/jobs/:id", s.getJob)
	if cfg.Relay != nil {
		var mw []echo.MiddlewareFunc
		if cfg.APIKey != "" {
			mw = append(mw, middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
				KeyLookup: "header:" + apiKeyHeader,
				Validator: func(key string, _ echo.Context) (bool, error) {
					return subtle.ConstantTimeCompare([]byte(key), []byte(cfg.APIKey)) == 1, nil
				},
				ErrorHandler: func(error, echo.Context) error {
					return echo.NewHTTPError(http.StatusUnauthorized, "invalid API key")
				},
			}))
		}
		s.echo.POST("/internal/jobs/:id/progress", s.relayProgress, mw...)
	}

	return s
}

// Handler returns the HTTP handler for embedding in other servers
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Run serves until ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr).Msg("Status server listening")
		errCh <- s.echo.Start(s.cfg.Addr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("status server failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return s.echo.Shutdown(shutdownCtx)
	}
}

func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		err := next(c)
		s.logger.Debug().
			Str("method", c.Request().Method).
			Str("path", c.Request().URL.Path).
			Int("status", c.Response().Status).
			Err(err).
			Msg("HTTP request")
		return err
	}
}

func (s *Server) getState(c echo.Context) error {
	resp := StateResponse{
		Identity:   s.cfg.Identity,
		State:      s.cfg.State.Snapshot(),
		SystemInfo: s.cfg.SystemInfo,
	}
	if len(s.cfg.Sessions) > 0 {
		resp.SessionRebuilds = make(map[string]int, len(s.cfg.Sessions))
		for _, sess := range s.cfg.Sessions {
			resp.SessionRebuilds[sess.Name()] = sess.Rebuilds()
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) listJobs(c echo.Context) error {
	if s.cfg.Journal == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "job journal disabled")
	}

	limit := defaultJobsLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = min(n, maxJobsLimit)
	}

	records, err := s.cfg.Journal.Recent(limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if records == nil {
		records = []*storage.JobRecord{}
	}
	return c.JSON(http.StatusOK, records)
}

func (s *Server) getJob(c echo.Context) error {
	if s.cfg.Journal == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "job journal disabled")
	}

	rec, err := s.cfg.Journal.Get(c.Param("id"))
	if errors.Is(err, storage.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) relayProgress(c echo.Context) error {
	var report types.ProgressReport
	if err := c.Bind(&report); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid progress report")
	}

	res, err := s.cfg.Relay.Relay(c.Request().Context(), c.Param("id"), report)
	if errors.Is(err, progress.ErrUnknownJob) {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, res)
}
