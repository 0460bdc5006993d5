// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package config loads identity service configuration.
//
// Values are layered: compiled defaults, then an optional YAML file, then
// secrets from the environment (optionally seeded from a .env file), then
// command-line flags that were explicitly set.
package config

import (
	"errors"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/samber/oops"

	"github.com/holomush/identity/internal/auth"
	"github.com/holomush/identity/internal/logging"
	"github.com/holomush/identity/internal/mail"
	"github.com/holomush/identity/internal/ratelimit"
	"github.com/holomush/identity/internal/token"
)

// Store backends.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Rate limiter backends.
const (
	LimiterMemory = "memory"
	LimiterRedis  = "redis"
)

// Mail transports.
const (
	MailLog  = "log"
	MailAMQP = "amqp"
)

// Config is the complete service configuration.
type Config struct {
	ConfigVersion string          `koanf:"config_version" jsonschema:"required,description=Configuration format version"`
	Log           LogConfig       `koanf:"log"`
	HTTP          HTTPConfig      `koanf:"http"`
	Metrics       MetricsConfig   `koanf:"metrics"`
	Store         StoreConfig     `koanf:"store"`
	JWT           JWTConfig       `koanf:"jwt"`
	Auth          AuthConfig      `koanf:"auth"`
	RateLimit     RateLimitConfig `koanf:"rate_limit"`
	Mail          MailConfig      `koanf:"mail"`
}

// LogConfig selects the log format and level.
type LogConfig struct {
	Format string `koanf:"format" jsonschema:"enum=json,enum=text"`
	Level  string `koanf:"level" jsonschema:"enum=debug,enum=info,enum=warn,enum=error"`
}

// HTTPConfig configures the public API listener.
type HTTPConfig struct {
	Addr         string `koanf:"addr"`
	TrustProxy   bool   `koanf:"trust_proxy" jsonschema:"description=Take the client IP from X-Forwarded-For"`
	MaxBodyBytes int64  `koanf:"max_body_bytes" jsonschema:"minimum=1"`
}

// MetricsConfig configures the observability listener. An empty address
// disables it.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
}

// StoreConfig selects and configures persistence.
type StoreConfig struct {
	Backend         string   `koanf:"backend" jsonschema:"enum=postgres,enum=memory"`
	DatabaseURL     string   `koanf:"database_url"`
	MaxConns        int32    `koanf:"max_conns" jsonschema:"minimum=1"`
	MinConns        int32    `koanf:"min_conns" jsonschema:"minimum=0"`
	MaxConnLifetime Duration `koanf:"max_conn_lifetime"`
	AutoMigrate     bool     `koanf:"auto_migrate"`
}

// JWTConfig configures access tokens.
type JWTConfig struct {
	SigningKey string   `koanf:"signing_key"`
	Issuer     string   `koanf:"issuer"`
	Audience   string   `koanf:"audience"`
	AccessTTL  Duration `koanf:"access_ttl"`
}

// AuthConfig holds credential and session policy.
type AuthConfig struct {
	Hasher           string   `koanf:"hasher" jsonschema:"enum=pbkdf2-sha256,enum=argon2id"`
	RefreshTTL       Duration `koanf:"refresh_ttl"`
	ResetTTL         Duration `koanf:"reset_ttl"`
	ResetURL         string   `koanf:"reset_url" jsonschema:"format=uri"`
	LockoutThreshold int      `koanf:"lockout_threshold" jsonschema:"minimum=1"`
	LockoutDuration  Duration `koanf:"lockout_duration"`
}

// RateLimitConfig configures request admission.
type RateLimitConfig struct {
	Backend       string   `koanf:"backend" jsonschema:"enum=memory,enum=redis"`
	Limit         int      `koanf:"limit" jsonschema:"minimum=1"`
	Window        Duration `koanf:"window"`
	RedisAddr     string   `koanf:"redis_addr"`
	RedisPassword string   `koanf:"redis_password"`
	RedisDB       int      `koanf:"redis_db" jsonschema:"minimum=0"`
	RedisPrefix   string   `koanf:"redis_prefix"`
	Exempt        []string `koanf:"exempt" jsonschema:"description=Glob patterns of client keys that bypass the limiter"`
}

// MailConfig configures reset email delivery.
type MailConfig struct {
	Transport     string  `koanf:"transport" jsonschema:"enum=log,enum=amqp"`
	AMQPURL       string  `koanf:"amqp_url"`
	Queue         string  `koanf:"queue"`
	Workers       int     `koanf:"workers" jsonschema:"minimum=1"`
	QueueSize     int     `koanf:"queue_size" jsonschema:"minimum=1"`
	MaxRetries    uint64  `koanf:"max_retries"`
	SendPerSecond float64 `koanf:"send_per_second" jsonschema:"minimum=0"`
}

// Default returns the compiled defaults.
func Default() Config {
	return Config{
		ConfigVersion: CurrentVersion,
		Log:           LogConfig{Format: "json", Level: "info"},
		HTTP:          HTTPConfig{Addr: ":8080", MaxBodyBytes: 1 << 20},
		Metrics:       MetricsConfig{Addr: "127.0.0.1:9100"},
		Store: StoreConfig{
			Backend:         StorePostgres,
			MaxConns:        10,
			MinConns:        1,
			MaxConnLifetime: Duration(time.Hour),
		},
		JWT: JWTConfig{
			Issuer:    "identity",
			Audience:  "identity-clients",
			AccessTTL: Duration(token.DefaultAccessTokenTTL),
		},
		Auth: AuthConfig{
			Hasher:           auth.AlgorithmPBKDF2,
			RefreshTTL:       Duration(auth.DefaultRefreshTokenExpiry),
			ResetTTL:         Duration(auth.DefaultResetTokenExpiry),
			ResetURL:         "http://localhost:8080/reset-password",
			LockoutThreshold: auth.DefaultLockoutThreshold,
			LockoutDuration:  Duration(auth.DefaultLockoutDuration),
		},
		RateLimit: RateLimitConfig{
			Backend:     LimiterMemory,
			Limit:       ratelimit.DefaultLimit,
			Window:      Duration(ratelimit.DefaultWindow),
			RedisPrefix: ratelimit.DefaultRedisPrefix,
		},
		Mail: MailConfig{
			Transport:     MailLog,
			Queue:         mail.DefaultQueue,
			Workers:       mail.DefaultWorkers,
			QueueSize:     mail.DefaultQueueSize,
			MaxRetries:    mail.DefaultMaxRetries,
			SendPerSecond: mail.DefaultSendPerSecond,
		},
	}
}

type problems []error

func (p *problems) add(field, format string, args ...any) {
	*p = append(*p, oops.Code("CONFIG_INVALID").With("field", field).Errorf(format, args...))
}

// ValidateStore checks only what commands that touch storage need.
func (c *Config) ValidateStore() error {
	var errs problems
	c.checkStore(&errs)
	return errors.Join(errs...)
}

func (c *Config) checkStore(errs *problems) {
	if err := checkVersion(c.ConfigVersion); err != nil {
		*errs = append(*errs, err)
	}
	invalid := errs.add
	switch c.Store.Backend {
	case StorePostgres:
		if c.Store.DatabaseURL == "" {
			invalid("store.database_url", "database url is required for the postgres store (set %s)", EnvDatabaseURL)
		}
		if c.Store.MaxConns <= 0 || c.Store.MinConns < 0 || c.Store.MinConns > c.Store.MaxConns {
			invalid("store.max_conns", "pool bounds must satisfy 0 <= min_conns <= max_conns, max_conns > 0")
		}
	case StoreMemory:
	default:
		invalid("store.backend", "store backend %q is not postgres or memory", c.Store.Backend)
	}
	if c.Store.MaxConnLifetime <= 0 {
		invalid("store.max_conn_lifetime", "duration must be positive")
	}
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs problems
	c.checkStore(&errs)
	invalid := errs.add

	if c.Log.Format != "json" && c.Log.Format != "text" {
		invalid("log.format", "log format %q is not json or text", c.Log.Format)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		invalid("log.level", "log level %q is unknown", c.Log.Level)
	}
	if c.HTTP.Addr == "" {
		invalid("http.addr", "http address is required")
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		invalid("http.max_body_bytes", "max body bytes must be positive")
	}

	if len(c.JWT.SigningKey) < token.MinSigningKeyLength {
		invalid("jwt.signing_key", "signing key must be at least %d bytes (set %s)", token.MinSigningKeyLength, EnvJWTSigningKey)
	}
	if c.JWT.Issuer == "" || c.JWT.Audience == "" {
		invalid("jwt.issuer", "issuer and audience are required")
	}

	if _, err := auth.NewPasswordHasher(c.Auth.Hasher); err != nil {
		invalid("auth.hasher", "hasher %q is unknown", c.Auth.Hasher)
	}
	if u, err := url.Parse(c.Auth.ResetURL); err != nil || !u.IsAbs() {
		invalid("auth.reset_url", "reset url must be absolute")
	}
	if c.Auth.LockoutThreshold <= 0 {
		invalid("auth.lockout_threshold", "lockout threshold must be positive")
	}

	for field, d := range map[string]Duration{
		"jwt.access_ttl":        c.JWT.AccessTTL,
		"auth.refresh_ttl":      c.Auth.RefreshTTL,
		"auth.reset_ttl":        c.Auth.ResetTTL,
		"auth.lockout_duration": c.Auth.LockoutDuration,
		"rate_limit.window":     c.RateLimit.Window,
	} {
		if d <= 0 {
			invalid(field, "duration must be positive")
		}
	}

	switch c.RateLimit.Backend {
	case LimiterMemory:
	case LimiterRedis:
		if c.RateLimit.RedisAddr == "" {
			invalid("rate_limit.redis_addr", "redis address is required for the redis limiter")
		}
	default:
		invalid("rate_limit.backend", "rate limit backend %q is not memory or redis", c.RateLimit.Backend)
	}
	if c.RateLimit.Limit <= 0 {
		invalid("rate_limit.limit", "limit must be positive")
	}
	if slices.ContainsFunc(c.RateLimit.Exempt, func(p string) bool { return strings.TrimSpace(p) == "" }) {
		invalid("rate_limit.exempt", "exemption patterns cannot be empty")
	}

	switch c.Mail.Transport {
	case MailLog:
	case MailAMQP:
		if c.Mail.AMQPURL == "" {
			invalid("mail.amqp_url", "amqp url is required for the amqp transport (set %s)", EnvAMQPURL)
		}
	default:
		invalid("mail.transport", "mail transport %q is not log or amqp", c.Mail.Transport)
	}
	if c.Mail.Workers <= 0 || c.Mail.QueueSize <= 0 || c.Mail.SendPerSecond <= 0 {
		invalid("mail.workers", "workers, queue size and send rate must be positive")
	}

	return errors.Join(errs...)
}
