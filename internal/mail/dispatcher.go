// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package mail

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"

	"github.com/holomush/identity/pkg/errutil"
)

// Dispatcher defaults.
const (
	DefaultQueueSize     = 256
	DefaultWorkers       = 2
	DefaultMaxRetries    = 3
	DefaultRetryBase     = 500 * time.Millisecond
	DefaultSendPerSecond = 10
)

// Dispatch outcomes reported through Config.OnResult.
const (
	StatusSent    = "sent"
	StatusFailed  = "failed"
	StatusDropped = "dropped"
)

// Sentinel errors returned by Enqueue.
var (
	ErrQueueFull = errors.New("mail queue full")
	ErrClosed    = errors.New("mail dispatcher closed")
)

// Config configures a Dispatcher.
type Config struct {
	Mailer        Mailer
	QueueSize     int
	Workers       int
	MaxRetries    uint64
	RetryBase     time.Duration
	SendPerSecond float64
	Logger        *slog.Logger

	// OnResult is called once per message with a Status* value. May be nil.
	OnResult func(status string)

	// Now stamps rendered messages. Defaults to time.Now.
	Now func() time.Time
}

// Dispatcher queues messages and delivers them on worker goroutines with
// retries and a global send rate. A full queue drops the message.
type Dispatcher struct {
	mailer   Mailer
	logger   *slog.Logger
	onResult func(string)
	now      func() time.Time
	retries  uint64
	base     time.Duration
	limiter  *rate.Limiter

	mu     sync.RWMutex
	closed bool
	queue  chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher validates cfg and starts the workers.
func NewDispatcher(cfg Config) (*Dispatcher, error) {
	if cfg.Mailer == nil {
		return nil, oops.Code("MAIL_DISPATCHER_INVALID").Errorf("mailer is required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultRetryBase
	}
	if cfg.SendPerSecond <= 0 {
		cfg.SendPerSecond = DefaultSendPerSecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.OnResult == nil {
		cfg.OnResult = func(string) {}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		mailer:   cfg.Mailer,
		logger:   cfg.Logger,
		onResult: cfg.OnResult,
		now:      cfg.Now,
		retries:  cfg.MaxRetries,
		base:     cfg.RetryBase,
		limiter:  rate.NewLimiter(rate.Limit(cfg.SendPerSecond), max(1, int(cfg.SendPerSecond))),
		queue:    make(chan Message, cfg.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}
	for range cfg.Workers {
		d.wg.Add(1)
		go d.worker()
	}
	return d, nil
}

// NotifyPasswordReset renders and queues a reset email.
func (d *Dispatcher) NotifyPasswordReset(_ context.Context, to, username, link string, expiresAt time.Time) error {
	msg, err := PasswordResetMessage(to, username, link, expiresAt, d.now())
	if err != nil {
		return err
	}
	return d.Enqueue(msg)
}

// Enqueue queues msg without blocking.
func (d *Dispatcher) Enqueue(msg Message) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return oops.Code("MAIL_DISPATCHER_CLOSED").With("kind", msg.Kind).Wrap(ErrClosed)
	}
	select {
	case d.queue <- msg:
		return nil
	default:
		d.onResult(StatusDropped)
		return oops.Code("MAIL_QUEUE_FULL").
			With("kind", msg.Kind).
			With("capacity", cap(d.queue)).
			Wrap(ErrQueueFull)
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for msg := range d.queue {
		d.deliver(msg)
	}
}

func (d *Dispatcher) deliver(msg Message) {
	if err := d.limiter.Wait(d.ctx); err != nil {
		d.onResult(StatusFailed)
		d.logger.Warn("mail dropped at shutdown", "kind", msg.Kind)
		return
	}

	attempts := 0
	backoff := retry.WithMaxRetries(d.retries, retry.NewExponential(d.base))
	err := retry.Do(d.ctx, backoff, func(ctx context.Context) error {
		attempts++
		if err := d.mailer.Send(ctx, msg); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		d.onResult(StatusFailed)
		errutil.LogError(d.logger, "mail delivery failed",
			oops.With("kind", msg.Kind).With("attempts", attempts).Wrap(err))
		return
	}
	d.onResult(StatusSent)
	d.logger.Debug("mail delivered", "kind", msg.Kind, "attempts", attempts)
}

// Close stops accepting messages and waits for queued ones to be delivered.
// If ctx ends first, pending retries are abandoned and Close still waits for
// the workers to exit.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return oops.Code("MAIL_DRAIN_INCOMPLETE").Wrap(ctx.Err())
	}
}
