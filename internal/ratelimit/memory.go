// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package ratelimit

import (
	"context"
	"sync"
	"time"
)

// KeyGauge receives the number of tracked keys after each sweep.
// prometheus.Gauge satisfies it.
type KeyGauge interface {
	Set(float64)
}

type window struct {
	start time.Time
	count int
}

// MemoryLimiter keeps fixed-window counters in process memory. A background
// sweeper evicts idle keys until Close is called.
type MemoryLimiter struct {
	cfg   Config
	gauge KeyGauge

	mu      sync.Mutex
	windows map[string]*window

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

var _ Limiter = (*MemoryLimiter)(nil)

// NewMemoryLimiter starts a limiter and its sweeper. gauge may be nil.
func NewMemoryLimiter(cfg Config, gauge KeyGauge) *MemoryLimiter {
	cfg = cfg.withDefaults()
	m := &MemoryLimiter{
		cfg:     cfg,
		gauge:   gauge,
		windows: make(map[string]*window),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// Admit counts one request for key.
func (m *MemoryLimiter) Admit(_ context.Context, key string) (Decision, error) {
	if key == "" {
		return Decision{}, emptyKey()
	}
	now := m.cfg.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[key]
	if !ok {
		w = &window{start: now}
		m.windows[key] = w
	} else if !now.Before(w.start.Add(m.cfg.Window)) {
		w.start = now
		w.count = 0
	}
	w.count++

	return decide(m.cfg.Limit, w.count, w.start.Add(m.cfg.Window)), nil
}

// Sweep evicts keys whose window started more than IdleWindows windows ago
// and returns how many keys remain.
func (m *MemoryLimiter) Sweep() int {
	now := m.cfg.Now()
	idle := time.Duration(m.cfg.IdleWindows) * m.cfg.Window

	m.mu.Lock()
	for key, w := range m.windows {
		if !now.Before(w.start.Add(idle)) {
			delete(m.windows, key)
		}
	}
	n := len(m.windows)
	m.mu.Unlock()

	if m.gauge != nil {
		m.gauge.Set(float64(n))
	}
	return n
}

func (m *MemoryLimiter) sweepLoop() {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.Window)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Close stops the sweeper and waits for it to exit. It is safe to call more
// than once.
func (m *MemoryLimiter) Close() error {
	m.closeOnce.Do(func() { close(m.stop) })
	<-m.done
	return nil
}
