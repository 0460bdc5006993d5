// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth_test

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/holomush/identity/internal/auth"
	"github.com/holomush/identity/internal/auth/memstore"
	"github.com/holomush/identity/internal/token"
)

const testPassword = "correct-horse-battery"

// plainHasher is a fast reversible stand-in for the real hashers. It counts
// Verify calls so tests can assert that every login path does the same work.
type plainHasher struct {
	mu       sync.Mutex
	verifies int
	legacy   bool
}

func (h *plainHasher) Hash(password string) (string, error) {
	if password == "" {
		return "", auth.ErrEmptyPassword
	}
	return "plain$" + password, nil
}

func (h *plainHasher) Verify(password, encoded string) bool {
	h.mu.Lock()
	h.verifies++
	h.mu.Unlock()
	if rest, ok := strings.CutPrefix(encoded, "legacy$"); ok {
		return rest == password
	}
	return encoded == "plain$"+password
}

func (h *plainHasher) NeedsRehash(encoded string) bool {
	return !strings.HasPrefix(encoded, "plain$")
}

func (h *plainHasher) Verifies() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.verifies
}

// clock is a settable time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
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

// recordingObserver counts observer events by name.
type recordingObserver struct {
	mu     sync.Mutex
	events map[string]int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{events: map[string]int{}}
}

func (o *recordingObserver) record(kind, value string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events[kind+":"+value]++
}

func (o *recordingObserver) LoginAttempt(outcome string)  { o.record("login", outcome) }
func (o *recordingObserver) TokenRotation(outcome string) { o.record("rotation", outcome) }
func (o *recordingObserver) PasswordReset(stage string)   { o.record("reset", stage) }

func (o *recordingObserver) Count(kind, value string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.events[kind+":"+value]
}

// recordingNotifier captures reset links.
type recordingNotifier struct {
	mu    sync.Mutex
	links []string
	err   error
}

func (n *recordingNotifier) NotifyPasswordReset(_ context.Context, _, _, link string, _ time.Time) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.links = append(n.links, link)
	return n.err
}

func (n *recordingNotifier) Links() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.links...)
}

// fixture wires the auth services over an in-memory store.
type fixture struct {
	store    *memstore.Store
	hasher   *plainHasher
	clock    *clock
	observer *recordingObserver
	notifier *recordingNotifier
	logs     *bytes.Buffer
	issuer   *token.Issuer
	sessions *auth.SessionService
	service  *auth.Service
	resets   *auth.PasswordResetService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    memstore.New(),
		hasher:   &plainHasher{},
		clock:    newClock(),
		observer: newRecordingObserver(),
		notifier: &recordingNotifier{},
		logs:     &bytes.Buffer{},
	}
	logger := slog.New(slog.NewJSONHandler(f.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	var err error
	f.issuer, err = token.NewIssuer(token.Config{
		SigningKey: []byte("0123456789abcdef0123456789abcdef"),
		Issuer:     "identity-test",
		Audience:   "identity-clients",
		Now:        f.clock.Now,
	})
	require.NoError(t, err)

	f.sessions, err = auth.NewSessionService(auth.SessionServiceConfig{
		Accounts: f.store.Accounts(),
		Tokens:   f.store.RefreshTokens(),
		Access:   f.issuer,
		Logger:   logger,
		Observer: f.observer,
		Now:      f.clock.Now,
	})
	require.NoError(t, err)

	f.service, err = auth.NewService(auth.ServiceConfig{
		Accounts: f.store.Accounts(),
		Hasher:   f.hasher,
		Sessions: f.sessions,
		Logger:   logger,
		Observer: f.observer,
		Now:      f.clock.Now,
	})
	require.NoError(t, err)

	f.resets, err = auth.NewPasswordResetService(auth.PasswordResetServiceConfig{
		Accounts: f.store.Accounts(),
		Resets:   f.store.Resets(),
		Hasher:   f.hasher,
		Notifier: f.notifier,
		ResetURL: "https://id.example.com/reset",
		Logger:   logger,
		Observer: f.observer,
		Now:      f.clock.Now,
	})
	require.NoError(t, err)
	return f
}

// createAccount stores an account with testPassword.
func (f *fixture) createAccount(t *testing.T, username string, confirmed bool) *auth.Account {
	t.Helper()
	account, err := f.service.CreateAccount(context.Background(), auth.CreateAccountRequest{
		Username:  username,
		Email:     username + "@example.com",
		Password:  testPassword,
		Roles:     []string{"user"},
		Confirmed: confirmed,
	})
	require.NoError(t, err)
	return account
}

func (f *fixture) login(t *testing.T, username string) *auth.TokenPair {
	t.Helper()
	pair, err := f.service.Login(context.Background(), username, testPassword, auth.ClientInfo{})
	require.NoError(t, err)
	return pair
}
