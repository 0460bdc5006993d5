// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/identity/internal/auth"
	"github.com/holomush/identity/internal/config"
	"github.com/holomush/identity/internal/httpapi"
	"github.com/holomush/identity/internal/logging"
	"github.com/holomush/identity/internal/mail"
	"github.com/holomush/identity/internal/observability"
	"github.com/holomush/identity/internal/ratelimit"
	"github.com/holomush/identity/internal/token"
	"github.com/holomush/identity/pkg/errutil"
)

const (
	serviceName     = "identity"
	shutdownTimeout = 10 * time.Second
)

func newServeCmd(flags *globalFlags, deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the identity API",
		Long: `Run the JSON API together with the metrics and health endpoints.
The process stops gracefully on SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, flags, deps, false)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cmd, cfg, deps)
		},
	}
	config.BindFlags(cmd.Flags())
	return cmd
}

// services holds the wired auth services.
type services struct {
	auth     *auth.Service
	sessions *auth.SessionService
	resets   *auth.PasswordResetService
}

// buildServices wires the auth services over repos. notifier may be nil
// when the caller never runs resets.
func buildServices(cfg *config.Config, repos *Repositories, notifier auth.ResetNotifier, observer auth.Observer, logger *slog.Logger, now func() time.Time) (*services, error) {
	issuer, err := token.NewIssuer(token.Config{
		SigningKey: []byte(cfg.JWT.SigningKey),
		Issuer:     cfg.JWT.Issuer,
		Audience:   cfg.JWT.Audience,
		TTL:        cfg.JWT.AccessTTL.Std(),
		Now:        now,
	})
	if err != nil {
		return nil, err
	}
	hasher, err := auth.NewPasswordHasher(cfg.Auth.Hasher)
	if err != nil {
		return nil, err
	}

	sessions, err := auth.NewSessionService(auth.SessionServiceConfig{
		Accounts:   repos.Accounts,
		Tokens:     repos.Tokens,
		Access:     issuer,
		RefreshTTL: cfg.Auth.RefreshTTL.Std(),
		Logger:     logger,
		Observer:   observer,
		Now:        now,
	})
	if err != nil {
		return nil, err
	}
	service, err := auth.NewService(auth.ServiceConfig{
		Accounts: repos.Accounts,
		Hasher:   hasher,
		Sessions: sessions,
		Lockout: auth.LockoutPolicy{
			Threshold: cfg.Auth.LockoutThreshold,
			Duration:  cfg.Auth.LockoutDuration.Std(),
		},
		Logger:   logger,
		Observer: observer,
		Now:      now,
	})
	if err != nil {
		return nil, err
	}
	out := &services{auth: service, sessions: sessions}
	if notifier == nil {
		return out, nil
	}

	out.resets, err = auth.NewPasswordResetService(auth.PasswordResetServiceConfig{
		Accounts: repos.Accounts,
		Resets:   repos.Resets,
		Hasher:   hasher,
		Notifier: notifier,
		ResetURL: cfg.Auth.ResetURL,
		TokenTTL: cfg.Auth.ResetTTL.Std(),
		Logger:   logger,
		Observer: observer,
		Now:      now,
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// buildLimiter returns the configured limiter with exemptions applied and
// a closer for its resources.
func buildLimiter(ctx context.Context, cfg *config.Config, deps *Deps, metrics *observability.Metrics) (ratelimit.Limiter, func(), error) {
	exemptions, err := ratelimit.NewExemptions(cfg.RateLimit.Exempt)
	if err != nil {
		return nil, nil, err
	}
	limits := ratelimit.Config{
		Limit:  cfg.RateLimit.Limit,
		Window: cfg.RateLimit.Window.Std(),
		Now:    deps.Now,
	}

	if cfg.RateLimit.Backend == config.LimiterRedis {
		client := deps.RedisFactory(cfg)
		limiter := ratelimit.NewRedisLimiter(client, cfg.RateLimit.RedisPrefix, limits)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := limiter.Ping(pingCtx); err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		closeFn := func() {
			if err := client.Close(); err != nil {
				slog.Warn("error closing redis client", "error", err)
			}
		}
		return ratelimit.WithExemptions(limiter, exemptions), closeFn, nil
	}

	limiter := ratelimit.NewMemoryLimiter(limits, metrics.RateLimitKeys)
	closeFn := func() {
		if err := limiter.Close(); err != nil {
			slog.Warn("error stopping rate limiter", "error", err)
		}
	}
	return ratelimit.WithExemptions(limiter, exemptions), closeFn, nil
}

// runServe wires every component and blocks until a signal, a server
// failure, or ctx cancellation.
func runServe(ctx context.Context, cmd *cobra.Command, cfg *config.Config, deps *Deps) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := logging.Setup(serviceName, version, cfg.Log.Format, cfg.Log.Level, cmd.ErrOrStderr())
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	repos, err := deps.StoreFactory(ctx, cfg, deps)
	if err != nil {
		return oops.Code("SERVE_STORE_FAILED").With("backend", cfg.Store.Backend).Wrap(err)
	}
	defer repos.Close()

	var obsServer ObservabilityServer
	var metrics *observability.Metrics
	if cfg.Metrics.Addr != "" {
		obsServer = deps.ObservabilityServerFactory(cfg.Metrics.Addr, repos.Ready)
		metrics = obsServer.Metrics()
	} else {
		metrics = observability.NewMetrics(prometheus.NewRegistry())
	}
	metrics.SetBuildInfo(version, commit)

	limiter, closeLimiter, err := buildLimiter(ctx, cfg, deps, metrics)
	if err != nil {
		return oops.Code("SERVE_LIMITER_FAILED").With("backend", cfg.RateLimit.Backend).Wrap(err)
	}
	defer closeLimiter()

	mailer, closeMailer, err := deps.MailerFactory(cfg, cmd.OutOrStdout(), logger)
	if err != nil {
		return oops.Code("SERVE_MAILER_FAILED").With("transport", cfg.Mail.Transport).Wrap(err)
	}
	defer func() {
		if err := closeMailer(); err != nil {
			slog.Warn("error closing mail transport", "error", err)
		}
	}()

	dispatcher, err := mail.NewDispatcher(mail.Config{
		Mailer:        mailer,
		QueueSize:     cfg.Mail.QueueSize,
		Workers:       cfg.Mail.Workers,
		MaxRetries:    cfg.Mail.MaxRetries,
		SendPerSecond: cfg.Mail.SendPerSecond,
		Logger:        logger,
		OnResult:      metrics.MailDispatch,
		Now:           deps.Now,
	})
	if err != nil {
		return err
	}
	defer func() {
		drainCtx, drainCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer drainCancel()
		if err := dispatcher.Close(drainCtx); err != nil {
			errutil.LogError(logger, "mail queue not drained", err)
		}
	}()

	svc, err := buildServices(cfg, repos, dispatcher, metrics, logger, deps.Now)
	if err != nil {
		return oops.Code("SERVE_WIRING_FAILED").Wrap(err)
	}

	api, err := httpapi.New(httpapi.Config{
		Service:      svc.auth,
		Resets:       svc.resets,
		Limiter:      limiter,
		MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
		TrustProxy:   cfg.HTTP.TrustProxy,
		Ready:        repos.Ready,
		Recorder:     metrics,
		Logger:       logger,
		Now:          deps.Now,
	})
	if err != nil {
		return oops.Code("SERVE_WIRING_FAILED").Wrap(err)
	}

	apiServer := httpapi.NewServer(cfg.HTTP.Addr, api)
	apiErrCh, err := apiServer.Start()
	if err != nil {
		return oops.Code("SERVE_LISTEN_FAILED").Wrap(err)
	}
	go monitorServerErrors(ctx, cancel, apiErrCh, "api")

	if obsServer != nil {
		obsErrCh, err := obsServer.Start()
		if err != nil {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer stopCancel()
			if stopErr := apiServer.Stop(stopCtx); stopErr != nil {
				slog.Warn("failed to stop api server during cleanup", "error", stopErr)
			}
			return oops.Code("SERVE_LISTEN_FAILED").With("server", "observability").Wrap(err)
		}
		go monitorServerErrors(ctx, cancel, obsErrCh, "observability")
	}

	sigCh, stopSignals := deps.Signals()
	defer stopSignals()

	logger.Info("identity service ready",
		"api_addr", apiServer.Addr(),
		"store", cfg.Store.Backend,
		"rate_limit", cfg.RateLimit.Backend,
		"mail", cfg.Mail.Transport,
	)
	deps.OnReady(apiServer.Addr())

	select {
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	case <-ctx.Done():
		slog.Info("context cancelled, shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := apiServer.Stop(shutdownCtx); err != nil {
		slog.Warn("error stopping api server", "error", err)
	}
	if obsServer != nil {
		if err := obsServer.Stop(shutdownCtx); err != nil {
			slog.Warn("error stopping observability server", "error", err)
		}
	}

	slog.Info("shutdown complete")
	return nil
}

// monitorServerErrors cancels ctx when a server reports a failure. It exits
// when the channel closes or ctx ends.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string) {
	select {
	case err, ok := <-errCh:
		if !ok {
			return
		}
		if err != nil {
			slog.Error("server error, triggering shutdown",
				"server", serverName,
				"error", err,
			)
			cancel()
		}
	case <-ctx.Done():
	}
}
