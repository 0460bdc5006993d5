// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package ratelimit admits or rejects requests per client key using fixed
// windows.
//
// A window opens on the first request for a key and lasts Config.Window.
// Requests inside the window increment the counter; the request that pushes
// the counter past Config.Limit and every later one in the same window are
// rejected. Rejected requests are never queued. Because windows are fixed, a
// client can burst up to twice the limit across a window boundary.
package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/samber/oops"
)

// Defaults.
const (
	DefaultLimit       = 100
	DefaultWindow      = time.Minute
	DefaultIdleWindows = 3
	DefaultRedisPrefix = "identity:ratelimit"
)

// ErrUnavailable is returned when the backing counter store fails.
var ErrUnavailable = errors.New("rate limiter unavailable")

// Decision is the outcome of one Admit call.
type Decision struct {
	Allowed   bool
	Exempt    bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter returns how long a rejected client should wait, rounded up to
// whole seconds. Allowed decisions return zero.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if d.Allowed || !d.ResetAt.After(now) {
		return 0
	}
	wait := d.ResetAt.Sub(now)
	if rem := wait % time.Second; rem != 0 {
		wait += time.Second - rem
	}
	return wait
}

// Limiter admits requests per client key.
type Limiter interface {
	Admit(ctx context.Context, key string) (Decision, error)
}

// Config holds the shared limiter settings.
type Config struct {
	Limit  int
	Window time.Duration

	// IdleWindows is how many whole windows a key may sit idle before the
	// in-memory sweeper evicts it.
	IdleWindows int

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// withDefaults fills zero fields.
func (c Config) withDefaults() Config {
	if c.Limit <= 0 {
		c.Limit = DefaultLimit
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.IdleWindows <= 0 {
		c.IdleWindows = DefaultIdleWindows
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

func decide(limit, count int, resetAt time.Time) Decision {
	return Decision{
		Allowed:   count <= limit,
		Limit:     limit,
		Remaining: max(limit-count, 0),
		ResetAt:   resetAt,
	}
}

func emptyKey() error {
	return oops.Code("RATELIMIT_EMPTY_KEY").Errorf("client key cannot be empty")
}
