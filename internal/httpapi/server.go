// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package httpapi exposes the identity services over JSON/HTTP.
//
// Routes live under /v1/auth. Every route passes through request logging,
// per-IP rate limiting and request body screening. Errors are rendered by a
// single handler that maps error kinds to status codes.
package httpapi

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/samber/oops"

	"github.com/holomush/identity/internal/auth"
	"github.com/holomush/identity/internal/logging"
	"github.com/holomush/identity/internal/ratelimit"
	"github.com/holomush/identity/internal/sanitize"
)

// Recorder receives request level metrics. observability.Metrics implements it.
type Recorder interface {
	RateLimited()
	SanitizerRejection(rule string)
	HTTPRequest(route string, code int, elapsed time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) RateLimited()                           {}
func (nopRecorder) SanitizerRejection(string)              {}
func (nopRecorder) HTTPRequest(string, int, time.Duration) {}

// Config holds the API's dependencies.
type Config struct {
	Service *auth.Service
	Resets  *auth.PasswordResetService
	Limiter ratelimit.Limiter

	// Scanner screens request bodies. Defaults to sanitize.Default().
	Scanner      *sanitize.Scanner
	MaxBodyBytes int64

	// TrustProxy takes the client IP from X-Forwarded-For. Leave it off
	// unless a trusted proxy sets the header.
	TrustProxy bool

	// Ready reports storage health on GET /healthz. May be nil.
	Ready func(context.Context) bool

	Recorder Recorder
	Logger   *slog.Logger
	Now      func() time.Time
}

// New builds the echo instance serving the API.
func New(cfg Config) (*echo.Echo, error) {
	if cfg.Service == nil || cfg.Resets == nil {
		return nil, oops.Code("HTTPAPI_CONFIG_INVALID").Errorf("auth and password reset services are required")
	}
	if cfg.Limiter == nil {
		return nil, oops.Code("HTTPAPI_CONFIG_INVALID").Errorf("rate limiter is required")
	}
	if cfg.Scanner == nil {
		cfg.Scanner = sanitize.Default()
	}
	if cfg.Recorder == nil {
		cfg.Recorder = nopRecorder{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(cfg.Logger)
	if cfg.TrustProxy {
		e.IPExtractor = echo.ExtractIPFromXFFHeader()
	} else {
		e.IPExtractor = echo.ExtractIPDirect()
	}

	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
		RequestIDHandler: func(c echo.Context, id string) {
			req := c.Request()
			c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), id)))
		},
	}))
	e.Use(requestLogger(cfg.Logger, cfg.Recorder))
	e.Use(middleware.Recover())
	e.Use(middleware.Secure())

	h := &handlers{
		service:  cfg.Service,
		sessions: cfg.Service.Sessions(),
		resets:   cfg.Resets,
		ready:    cfg.Ready,
		now:      cfg.Now,
	}
	e.GET("/healthz", h.healthz)

	// Rejected bodies never reach the limiter, so they cost no quota.
	v1 := e.Group("/v1/auth",
		sanitize.Middleware(sanitize.MiddlewareConfig{
			Scanner:      cfg.Scanner,
			MaxBodyBytes: cfg.MaxBodyBytes,
			Logger:       cfg.Logger,
			OnReject:     cfg.Recorder.SanitizerRejection,
		}),
		rateLimit(cfg.Limiter, cfg.Recorder, cfg.Logger, cfg.Now),
	)
	v1.POST("/login", h.login)
	v1.POST("/refresh", h.refresh)
	v1.POST("/logout", h.logout)
	v1.POST("/password/forgot", h.forgotPassword)
	v1.POST("/password/reset", h.resetPassword)
	v1.POST("/password/change", h.changePassword, requireBearer(h.sessions))

	return e, nil
}

// Server runs the API on its own listener.
type Server struct {
	addr       string
	handler    http.Handler
	listener   net.Listener
	httpServer *http.Server
	running    atomic.Bool
}

// NewServer wraps handler for serving on addr.
func NewServer(addr string, handler http.Handler) *Server {
	return &Server{addr: addr, handler: handler}
}

// Start begins serving. The returned channel reports serve failures and is
// closed when the server stops.
func (s *Server) Start() (<-chan error, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, oops.Errorf("api server already running")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.running.Store(false)
		return nil, oops.Code("HTTPAPI_LISTEN_FAILED").With("addr", s.addr).Wrap(err)
	}
	s.listener = listener

	httpSrv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	s.httpServer = httpSrv

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if serveErr := httpSrv.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			slog.Error("api server error", "error", serveErr)
			errCh <- serveErr
		}
	}()

	slog.Info("api server started", "addr", listener.Addr().String())
	return errCh, nil
}

// Stop drains in-flight requests until ctx ends.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.running.Store(true)
			return oops.With("operation", "shutdown_api_server").Wrap(err)
		}
	}
	slog.Info("api server stopped")
	return nil
}

// Addr returns the listening address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
