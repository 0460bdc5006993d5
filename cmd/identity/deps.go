// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"

	"github.com/holomush/identity/internal/auth"
	"github.com/holomush/identity/internal/auth/memstore"
	"github.com/holomush/identity/internal/auth/postgres"
	"github.com/holomush/identity/internal/config"
	"github.com/holomush/identity/internal/mail"
	"github.com/holomush/identity/internal/observability"
	"github.com/holomush/identity/internal/store"
)

// Deps contains injectable dependencies for the commands.
// All fields with nil values use their default implementations.
type Deps struct {
	// MigratorFactory opens a schema migrator.
	// Default: store.NewMigrator
	MigratorFactory func(databaseURL string) (Migrator, error)

	// StoreFactory opens the repositories selected by configuration.
	// Default: openStore
	StoreFactory func(ctx context.Context, cfg *config.Config, deps *Deps) (*Repositories, error)

	// ObservabilityServerFactory creates the metrics and health server.
	// Default: observability.NewServer
	ObservabilityServerFactory func(addr string, ready observability.ReadinessChecker) ObservabilityServer

	// MailerFactory creates the reset email transport.
	// Default: openMailer
	MailerFactory func(cfg *config.Config, out io.Writer, logger *slog.Logger) (mail.Mailer, func() error, error)

	// RedisFactory creates the client behind the redis rate limiter.
	// Default: redis.NewUniversalClient
	RedisFactory func(cfg *config.Config) redis.UniversalClient

	// Signals delivers shutdown signals.
	// Default: SIGINT and SIGTERM via signal.Notify
	Signals func() (<-chan os.Signal, func())

	// OnReady is called once the API is accepting connections.
	OnReady func(apiAddr string)

	// Getenv defaults to os.Getenv.
	Getenv func(string) string

	// Now defaults to time.Now.
	Now func() time.Time
}

// Migrator wraps the methods used from store.Migrator.
type Migrator interface {
	Up() error
	Down() error
	Steps(n int) error
	Version() (version uint, dirty bool, err error)
	Force(version int) error
	PendingMigrations() ([]uint, error)
	Close() error
}

// ObservabilityServer wraps the methods used from observability.Server.
type ObservabilityServer interface {
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
	Metrics() *observability.Metrics
}

// Repositories are the storage handles the services run on.
type Repositories struct {
	Accounts auth.AccountRepository
	Tokens   auth.RefreshTokenRepository
	Resets   auth.PasswordResetRepository

	// Ready backs the readiness probes.
	Ready func(ctx context.Context) bool
	Close func()
}

func (d *Deps) withDefaults() *Deps {
	if d == nil {
		d = &Deps{}
	}
	if d.MigratorFactory == nil {
		d.MigratorFactory = func(url string) (Migrator, error) {
			return store.NewMigrator(url)
		}
	}
	if d.StoreFactory == nil {
		d.StoreFactory = openStore
	}
	if d.ObservabilityServerFactory == nil {
		d.ObservabilityServerFactory = func(addr string, ready observability.ReadinessChecker) ObservabilityServer {
			return observability.NewServer(addr, ready)
		}
	}
	if d.MailerFactory == nil {
		d.MailerFactory = openMailer
	}
	if d.RedisFactory == nil {
		d.RedisFactory = func(cfg *config.Config) redis.UniversalClient {
			return redis.NewUniversalClient(&redis.UniversalOptions{
				Addrs:    []string{cfg.RateLimit.RedisAddr},
				Password: cfg.RateLimit.RedisPassword,
				DB:       cfg.RateLimit.RedisDB,
			})
		}
	}
	if d.Signals == nil {
		d.Signals = func() (<-chan os.Signal, func()) {
			ch := make(chan os.Signal, 1)
			signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
			return ch, func() { signal.Stop(ch) }
		}
	}
	if d.OnReady == nil {
		d.OnReady = func(string) {}
	}
	if d.Getenv == nil {
		d.Getenv = os.Getenv
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return d
}

// openStore connects the configured backend, applying migrations first
// when auto-migrate is on.
func openStore(ctx context.Context, cfg *config.Config, deps *Deps) (*Repositories, error) {
	if cfg.Store.Backend == config.StoreMemory {
		slog.Warn("using in-memory store; data is lost on restart")
		mem := memstore.New()
		return &Repositories{
			Accounts: mem.Accounts(),
			Tokens:   mem.RefreshTokens(),
			Resets:   mem.Resets(),
			Ready:    func(context.Context) bool { return true },
			Close:    func() {},
		}, nil
	}

	if cfg.Store.AutoMigrate {
		if err := runAutoMigration(cfg.Store.DatabaseURL, deps.MigratorFactory); err != nil {
			return nil, err
		}
	}

	pool, err := store.Connect(ctx, cfg.Store.DatabaseURL, store.PoolConfig{
		MaxConns:        cfg.Store.MaxConns,
		MinConns:        cfg.Store.MinConns,
		MaxConnLifetime: cfg.Store.MaxConnLifetime.Std(),
	})
	if err != nil {
		return nil, err
	}
	return &Repositories{
		Accounts: postgres.NewAccountRepository(pool),
		Tokens:   postgres.NewRefreshTokenRepository(pool),
		Resets:   postgres.NewPasswordResetRepository(pool),
		Ready:    func(ctx context.Context) bool { return store.Ready(ctx, pool) },
		Close:    pool.Close,
	}, nil
}

// runAutoMigration applies pending migrations and closes the migrator.
func runAutoMigration(databaseURL string, factory func(string) (Migrator, error)) error {
	m, err := factory(databaseURL)
	if err != nil {
		return oops.Code("AUTO_MIGRATE_FAILED").With("operation", "create migrator").Wrap(err)
	}
	defer func() {
		if closeErr := m.Close(); closeErr != nil {
			slog.Warn("failed to close migrator", "error", closeErr)
		}
	}()

	pending, err := m.PendingMigrations()
	if err != nil {
		return oops.Code("AUTO_MIGRATE_FAILED").With("operation", "list pending").Wrap(err)
	}
	if len(pending) == 0 {
		slog.Info("database schema is current")
		return nil
	}
	if err := m.Up(); err != nil {
		return oops.Code("AUTO_MIGRATE_FAILED").With("operation", "apply migrations").Wrap(err)
	}
	slog.Info("applied migrations", "count", len(pending))
	return nil
}

// openMailer returns the configured transport and its closer.
func openMailer(cfg *config.Config, out io.Writer, logger *slog.Logger) (mail.Mailer, func() error, error) {
	switch cfg.Mail.Transport {
	case config.MailAMQP:
		m, err := mail.DialAMQP(cfg.Mail.AMQPURL, cfg.Mail.Queue)
		if err != nil {
			return nil, nil, err
		}
		return m, m.Close, nil
	default:
		logger.Warn("reset emails are written to stdout; configure the amqp transport for delivery")
		return mail.NewLogMailer(out, logger), func() error { return nil }, nil
	}
}
