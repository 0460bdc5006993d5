// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package ratelimit_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/holomush/identity/internal/ratelimit"
	"github.com/holomush/identity/pkg/errutil"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type gauge struct{ v atomic.Int64 }

func (g *gauge) Set(v float64) { g.v.Store(int64(v)) }

func newMemory(t *testing.T, c *clock, g ratelimit.KeyGauge) *ratelimit.MemoryLimiter {
	t.Helper()
	l := ratelimit.NewMemoryLimiter(ratelimit.Config{Now: c.Now}, g)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestMemoryLimiter_AdmitsLimitThenRejects(t *testing.T) {
	c := newClock()
	l := newMemory(t, c, nil)
	ctx := context.Background()

	for i := 1; i <= ratelimit.DefaultLimit; i++ {
		d, err := l.Admit(ctx, "203.0.113.7")
		require.NoError(t, err)
		require.True(t, d.Allowed, "request %d", i)
		assert.Equal(t, ratelimit.DefaultLimit-i, d.Remaining)
	}

	d, err := l.Admit(ctx, "203.0.113.7")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Zero(t, d.Remaining)
	assert.Equal(t, time.Minute, d.RetryAfter(c.Now()))

	other, err := l.Admit(ctx, "203.0.113.8")
	require.NoError(t, err)
	assert.True(t, other.Allowed, "keys are independent")
}

func TestMemoryLimiter_WindowBoundary(t *testing.T) {
	c := newClock()
	l := newMemory(t, c, nil)
	ctx := context.Background()

	for range ratelimit.DefaultLimit + 1 {
		_, err := l.Admit(ctx, "k")
		require.NoError(t, err)
	}

	c.Advance(ratelimit.DefaultWindow - time.Nanosecond)
	d, err := l.Admit(ctx, "k")
	require.NoError(t, err)
	assert.False(t, d.Allowed, "still inside the window")

	c.Advance(time.Nanosecond)
	d, err = l.Admit(ctx, "k")
	require.NoError(t, err)
	assert.True(t, d.Allowed, "a new window starts at the boundary")
	assert.Equal(t, ratelimit.DefaultLimit-1, d.Remaining)
}

func TestMemoryLimiter_ConcurrentAdmitsNeverExceedLimit(t *testing.T) {
	l := newMemory(t, newClock(), nil)
	ctx := context.Background()

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for range 250 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d, err := l.Admit(ctx, "shared"); err == nil && d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(ratelimit.DefaultLimit), allowed.Load())
}

func TestMemoryLimiter_SweepEvictsIdleKeys(t *testing.T) {
	c := newClock()
	g := &gauge{}
	l := newMemory(t, c, g)
	ctx := context.Background()

	_, err := l.Admit(ctx, "old")
	require.NoError(t, err)
	c.Advance(2 * ratelimit.DefaultWindow)
	_, err = l.Admit(ctx, "recent")
	require.NoError(t, err)

	assert.Equal(t, 2, l.Sweep())
	c.Advance(ratelimit.DefaultWindow)
	assert.Equal(t, 1, l.Sweep())
	assert.Equal(t, int64(1), g.v.Load())
}

func TestMemoryLimiter_EmptyKey(t *testing.T) {
	l := newMemory(t, newClock(), nil)
	_, err := l.Admit(context.Background(), "")
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "RATELIMIT_EMPTY_KEY")
}

func TestMemoryLimiter_CloseStopsSweeper(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := ratelimit.NewMemoryLimiter(ratelimit.Config{Window: time.Millisecond}, nil)
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
}

func TestDecision_RetryAfterRoundsUp(t *testing.T) {
	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	d := ratelimit.Decision{ResetAt: now.Add(1500 * time.Millisecond)}
	assert.Equal(t, 2*time.Second, d.RetryAfter(now))

	d.Allowed = true
	assert.Zero(t, d.RetryAfter(now))
}
