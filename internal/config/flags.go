// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package config

import "github.com/spf13/pflag"

// flagKeys maps flag names to configuration keys.
var flagKeys = map[string]string{
	"log-format":   "log.format",
	"log-level":    "log.level",
	"http-addr":    "http.addr",
	"metrics-addr": "metrics.addr",
	"store":        "store.backend",
	"auto-migrate": "store.auto_migrate",
	"rate-limit":   "rate_limit.backend",
	"redis-addr":   "rate_limit.redis_addr",
	"mail":         "mail.transport",
}

// BindFlags registers the overridable settings on fs. Defaults shown in
// help are the compiled defaults; unset flags never override the file.
func BindFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("log-format", d.Log.Format, "log format (json, text)")
	fs.String("log-level", d.Log.Level, "log level (debug, info, warn, error)")
	fs.String("http-addr", d.HTTP.Addr, "API listen address")
	fs.String("metrics-addr", d.Metrics.Addr, "metrics and health listen address (empty disables)")
	fs.String("store", d.Store.Backend, "store backend (postgres, memory)")
	fs.Bool("auto-migrate", d.Store.AutoMigrate, "apply pending migrations on startup")
	fs.String("rate-limit", d.RateLimit.Backend, "rate limiter backend (memory, redis)")
	fs.String("redis-addr", d.RateLimit.RedisAddr, "redis address for the redis rate limiter")
	fs.String("mail", d.Mail.Transport, "mail transport (log, amqp)")
}
