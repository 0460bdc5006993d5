// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package observability provides HTTP endpoints for metrics and health checks.
package observability

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/oops"

	"github.com/holomush/identity/internal/auth"
)

// ReadinessChecker returns whether the service is ready to accept requests.
type ReadinessChecker func(ctx context.Context) bool

// readinessTimeout bounds a single readiness probe.
const readinessTimeout = 2 * time.Second

// Metrics contains the identity service's Prometheus metrics. It implements
// auth.Observer.
type Metrics struct {
	LoginsTotal          *prometheus.CounterVec
	TokenRotationsTotal  *prometheus.CounterVec
	PasswordResetsTotal  *prometheus.CounterVec
	RateLimitedTotal     prometheus.Counter
	RateLimitKeys        prometheus.Gauge
	SanitizerRejections  *prometheus.CounterVec
	MailDispatchTotal    *prometheus.CounterVec
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDurations *prometheus.HistogramVec
	BuildInfo            *prometheus.GaugeVec
}

var _ auth.Observer = (*Metrics)(nil)

// NewMetrics creates and registers the identity metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LoginsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "identity_logins_total",
				Help: "Total number of login attempts by outcome",
			},
			[]string{"outcome"},
		),
		TokenRotationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "identity_token_rotations_total",
				Help: "Total number of refresh token rotations by outcome",
			},
			[]string{"outcome"},
		),
		PasswordResetsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "identity_password_resets_total",
				Help: "Total number of password reset events by stage",
			},
			[]string{"stage"},
		),
		RateLimitedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "identity_rate_limited_total",
				Help: "Total number of requests rejected by the rate limiter",
			},
		),
		RateLimitKeys: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "identity_rate_limit_keys",
				Help: "Client keys tracked by the in-memory rate limiter",
			},
		),
		SanitizerRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "identity_sanitizer_rejections_total",
				Help: "Total number of request bodies rejected by rule",
			},
			[]string{"rule"},
		),
		MailDispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "identity_mail_dispatch_total",
				Help: "Total number of queued emails by final status",
			},
			[]string{"status"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "identity_http_requests_total",
				Help: "Total number of API requests by route and status code",
			},
			[]string{"route", "code"},
		),
		HTTPRequestDurations: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "identity_http_request_duration_seconds",
				Help:    "API request latency by route",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		BuildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "identity_build_info",
				Help: "Always 1, labeled with the running build",
			},
			[]string{"version", "commit"},
		),
	}

	reg.MustRegister(
		m.LoginsTotal,
		m.TokenRotationsTotal,
		m.PasswordResetsTotal,
		m.RateLimitedTotal,
		m.RateLimitKeys,
		m.SanitizerRejections,
		m.MailDispatchTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDurations,
		m.BuildInfo,
	)
	return m
}

// LoginAttempt counts a login by outcome.
func (m *Metrics) LoginAttempt(outcome string) {
	m.LoginsTotal.WithLabelValues(outcome).Inc()
}

// TokenRotation counts a refresh rotation by outcome.
func (m *Metrics) TokenRotation(outcome string) {
	m.TokenRotationsTotal.WithLabelValues(outcome).Inc()
}

// PasswordReset counts a reset event by stage.
func (m *Metrics) PasswordReset(stage string) {
	m.PasswordResetsTotal.WithLabelValues(stage).Inc()
}

// RateLimited counts one rejected request.
func (m *Metrics) RateLimited() {
	m.RateLimitedTotal.Inc()
}

// SanitizerRejection counts a rejected body by rule.
func (m *Metrics) SanitizerRejection(rule string) {
	m.SanitizerRejections.WithLabelValues(rule).Inc()
}

// MailDispatch counts a queued email by final status.
func (m *Metrics) MailDispatch(status string) {
	m.MailDispatchTotal.WithLabelValues(status).Inc()
}

// HTTPRequest records one API request.
func (m *Metrics) HTTPRequest(route string, code int, elapsed time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.HTTPRequestDurations.WithLabelValues(route).Observe(elapsed.Seconds())
}

// SetBuildInfo publishes the running build. Earlier labels are cleared.
func (m *Metrics) SetBuildInfo(version, commit string) {
	m.BuildInfo.Reset()
	m.BuildInfo.WithLabelValues(version, commit).Set(1)
}

// Server provides HTTP endpoints for observability (metrics and health probes).
type Server struct {
	addr       string
	listener   net.Listener
	httpServer *http.Server
	registry   *prometheus.Registry
	metrics    *Metrics
	isReady    ReadinessChecker
	running    atomic.Bool
}

// Registry returns the registry served on /metrics.
func (s *Server) Registry() *prometheus.Registry {
	return s.registry
}

// NewServer creates a new observability server.
// addr: listen address in "host:port" format (e.g., "127.0.0.1:9100", ":9100" for all interfaces).
func NewServer(addr string, readinessChecker ReadinessChecker) *Server {
	// Create a new registry to avoid polluting the global one
	registry := prometheus.NewRegistry()

	// Register standard Go metrics
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// Register identity metrics
	metrics := NewMetrics(registry)

	s := &Server{
		addr:     addr,
		registry: registry,
		metrics:  metrics,
		isReady:  readinessChecker,
	}

	return s
}

// Metrics returns the custom metrics for recording application events.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Start begins serving observability endpoints.
// It returns an error channel that will receive any errors from the HTTP server
// after it starts. The channel is closed when the server stops gracefully.
// Callers should monitor this channel to detect server failures.
func (s *Server) Start() (<-chan error, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, oops.Errorf("observability server already running")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.running.Store(false)
		return nil, oops.With("addr", s.addr).Wrap(err)
	}
	s.listener = listener

	mux := http.NewServeMux()

	// Prometheus metrics endpoint
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	// Kubernetes-style health probes
	mux.HandleFunc("/healthz/liveness", s.handleLiveness)
	mux.HandleFunc("/healthz/readiness", s.handleReadiness)

	httpSrv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpServer = httpSrv

	// Create buffered error channel so the goroutine doesn't block
	errCh := make(chan error, 1)

	go func() {
		defer close(errCh)
		// Use local httpSrv to avoid race with subsequent Start() calls
		if serveErr := httpSrv.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			slog.Error("observability server error", "error", serveErr)
			errCh <- serveErr
		}
	}()

	slog.Info("observability server started", "addr", listener.Addr().String())
	return errCh, nil
}

// Stop gracefully shuts down the observability server.
func (s *Server) Stop(ctx context.Context) error {
	// Use CompareAndSwap to atomically transition from running to stopped.
	// This prevents a race where a concurrent Start() could succeed between
	// checking the running state and setting it to false.
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			// Restore running state on failure so the server can be stopped again
			s.running.Store(true)
			return oops.With("operation", "shutdown_observability_server").Wrap(err)
		}
	}

	slog.Info("observability server stopped")
	return nil
}

// Addr returns the address the server is listening on.
// Returns empty string if not running.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// handleLiveness returns 200 if the process is running.
// This is a simple check that the process is alive.
func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	//nolint:errcheck // health check write error is acceptable, client may disconnect
	w.Write([]byte("ok\n"))
}

// handleReadiness returns 200 if the service is ready to accept requests,
// or 503 if not ready.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	if s.isReady == nil || s.isReady(ctx) {
		w.WriteHeader(http.StatusOK)
		//nolint:errcheck // health check write error is acceptable, client may disconnect
		w.Write([]byte("ok\n"))
		return
	}

	w.WriteHeader(http.StatusServiceUnavailable)
	//nolint:errcheck // health check write error is acceptable, client may disconnect
	w.Write([]byte("not ready\n"))
}
