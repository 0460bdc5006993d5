// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"
)

// admitScript increments the window counter and starts the window TTL on the
// first hit. A key left without a TTL is repaired on the next hit.
var admitScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if count == 1 or ttl < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// RedisLimiter shares fixed-window counters between instances through Redis.
type RedisLimiter struct {
	client redis.UniversalClient
	prefix string
	cfg    Config
}

var _ Limiter = (*RedisLimiter)(nil)

// NewRedisLimiter returns a limiter storing counters under prefix:key.
func NewRedisLimiter(client redis.UniversalClient, prefix string, cfg Config) *RedisLimiter {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisLimiter{client: client, prefix: prefix, cfg: cfg.withDefaults()}
}

// Admit counts one request for key.
func (r *RedisLimiter) Admit(ctx context.Context, key string) (Decision, error) {
	if key == "" {
		return Decision{}, emptyKey()
	}

	res, err := admitScript.Run(ctx, r.client, []string{r.prefix + ":" + key}, r.cfg.Window.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, oops.Code("RATELIMIT_UNAVAILABLE").
			With("backend", "redis").
			Wrap(errors.Join(ErrUnavailable, err))
	}
	if len(res) != 2 {
		return Decision{}, oops.Code("RATELIMIT_UNAVAILABLE").
			With("backend", "redis").
			With("reply_len", len(res)).
			Wrapf(ErrUnavailable, "unexpected script reply")
	}

	resetAt := r.cfg.Now().Add(time.Duration(res[1]) * time.Millisecond)
	return decide(r.cfg.Limit, int(res[0]), resetAt), nil
}

// Ping checks the Redis connection.
func (r *RedisLimiter) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return oops.Code("RATELIMIT_UNAVAILABLE").With("backend", "redis").Wrap(errors.Join(ErrUnavailable, err))
	}
	return nil
}
