// Package server exposes review surfaces over HTTP with a Server-Sent Events
// feed of protocol messages.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/oukeidos/novtl/internal/apperrors"
	"github.com/oukeidos/novtl/internal/logger"
	"github.com/oukeidos/novtl/internal/pipeline"
	"github.com/oukeidos/novtl/internal/session"
	"github.com/oukeidos/novtl/internal/vertex"
)

const bodyLimit = "64M"

// ServiceAccountTester validates a Vertex key and returns a success message.
type ServiceAccountTester func(ctx context.Context, keyJSON []byte) (string, error)

type Server struct {
	runner  *pipeline.Runner
	e       *echo.Echo
	testSA  ServiceAccountTester
	baseCtx context.Context
	stopAll context.CancelFunc

	openMu sync.Mutex
	mu     sync.Mutex
	runs   map[string]*run
}

type Option func(*Server)

// WithServiceAccountTester replaces the Vertex token exchange used by the
// service-account endpoint.
func WithServiceAccountTester(f ServiceAccountTester) Option {
	return func(s *Server) { s.testSA = f }
}

func New(runner *pipeline.Runner, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		runner:  runner,
		baseCtx: ctx,
		stopAll: cancel,
		runs:    make(map[string]*run),
		testSA: func(ctx context.Context, key []byte) (string, error) {
			return vertex.TestServiceAccount(ctx, key)
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.e = s.routes()
	return s
}

// Handler returns the HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.e }

func (s *Server) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{Generator: uuid.NewString}))
	e.Use(middleware.BodyLimit(bodyLimit))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Debug("HTTP request", "method", v.Method, "uri", v.URI, "status", v.Status,
				"latency", v.Latency.String(), "request_id", v.RequestID)
			return nil
		},
	}))
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code, msg := errorResponse(err)
		if code >= http.StatusInternalServerError {
			logger.Error("Request failed", "method", c.Request().Method, "path", c.Request().URL.Path, "status", code, "error", err)
		}
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]string{"error": msg})
		}
	}

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	if m := s.runner.Metrics(); m != nil {
		e.GET("/metrics", echo.WrapHandler(m.Handler()))
	}

	api := e.Group("/api")
	api.POST("/sessions", s.openSession)
	api.GET("/sessions", s.listSessions)
	api.GET("/sessions/:id", s.getSession)
	api.GET("/sessions/:id/events", s.streamEvents)
	api.POST("/sessions/:id/chunks/:index/reprocess", s.reprocessChunk)
	api.DELETE("/sessions/:id/run", s.closeRun)
	api.POST("/process-chunk", s.processChunk)
	api.POST("/service-account/test", s.testServiceAccount)
	return e
}

// errorResponse maps handler errors to a status and a safe message.
func errorResponse(err error) (int, string) {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code, fmt.Sprint(he.Message)
	}
	switch {
	case errors.Is(err, session.ErrUnknownSession):
		return http.StatusNotFound, "session not found"
	case errors.Is(err, pipeline.ErrBusy):
		return http.StatusConflict, pipeline.ErrBusy.Error()
	}
	if kind, ok := apperrors.KindOf(err); ok {
		return statusForKind(kind), apperrors.PublicMessage(err)
	}
	return http.StatusInternalServerError, "internal error"
}

func statusForKind(kind apperrors.Kind) int {
	switch kind {
	case apperrors.KindAuth:
		return http.StatusUnauthorized
	case apperrors.KindRateLimit:
		return http.StatusTooManyRequests
	case apperrors.KindContentPolicy:
		return http.StatusUnprocessableEntity
	case apperrors.KindNetwork, apperrors.KindMalformed:
		return http.StatusBadGateway
	case apperrors.KindCancelled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Start serves on addr until ctx is cancelled, then stops every run.
func (s *Server) Start(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("Review server listening", "address", addr)
		errCh <- s.e.Start(addr)
	}()
	select {
	case err := <-errCh:
		s.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.Close()
	if err := s.e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

// Close cancels every run and flushes partial stream text.
func (s *Server) Close() {
	s.stopAll()
	s.mu.Lock()
	runs := s.runs
	s.runs = make(map[string]*run)
	s.mu.Unlock()
	for _, r := range runs {
		r.stop()
	}
}

func (s *Server) lookupRun(id string) *run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[id]
}

// attach replaces any run for sess with a fresh surface.
func (s *Server) attach(ctx context.Context, sess session.Session) (*run, error) {
	s.openMu.Lock()
	defer s.openMu.Unlock()

	s.mu.Lock()
	prev := s.runs[sess.ID]
	delete(s.runs, sess.ID)
	s.mu.Unlock()
	if prev != nil {
		logger.Info("Replacing open surface", "session", sess.ID, "run", prev.id)
		prev.stop()
	}

	r := newRun(s.baseCtx)
	surface, err := s.runner.Attach(ctx, sess, r.hub.publish)
	if err != nil {
		r.cancel()
		return nil, err
	}
	r.surface = surface

	s.mu.Lock()
	s.runs[sess.ID] = r
	s.mu.Unlock()
	return r, nil
}

func processJob(s *pipeline.Surface) func(ctx context.Context) runFinished {
	return func(ctx context.Context) runFinished {
		res, err := s.Process(ctx)
		fin := runFinished{Status: res.Status, Completed: res.Summary.Completed, Total: res.Summary.Total}
		if err != nil {
			fin.Error = apperrors.PublicMessage(err)
		}
		return fin
	}
}

func reprocessJob(s *pipeline.Surface, index int) func(ctx context.Context) runFinished {
	return func(ctx context.Context) runFinished {
		fin := runFinished{Total: len(s.Session().Chunks)}
		if err := s.Reprocess(ctx, index); err != nil {
			fin.Error = apperrors.PublicMessage(err)
		}
		return fin
	}
}
