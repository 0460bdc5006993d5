// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package memstore provides in-memory auth repositories for tests and
// single-process development servers. All repositories of one Store share a
// lock, so multi-table operations are atomic.
package memstore

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/holomush/identity/internal/auth"
)

// Store holds accounts, refresh tokens and password resets.
type Store struct {
	mu       sync.Mutex
	accounts map[ulid.ULID]*auth.Account
	tokens   map[ulid.ULID]*auth.RefreshToken
	resets   map[ulid.ULID]*auth.PasswordReset
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		accounts: make(map[ulid.ULID]*auth.Account),
		tokens:   make(map[ulid.ULID]*auth.RefreshToken),
		resets:   make(map[ulid.ULID]*auth.PasswordReset),
	}
}

// Accounts returns the account repository view.
func (s *Store) Accounts() *AccountRepository {
	return &AccountRepository{s: s}
}

// RefreshTokens returns the refresh token repository view.
func (s *Store) RefreshTokens() *RefreshTokenRepository {
	return &RefreshTokenRepository{s: s}
}

// Resets returns the password reset repository view.
func (s *Store) Resets() *PasswordResetRepository {
	return &PasswordResetRepository{s: s}
}

func copyAccount(a *auth.Account) *auth.Account {
	c := *a
	c.Roles = slices.Clone(a.Roles)
	return &c
}

func copyToken(t *auth.RefreshToken) *auth.RefreshToken {
	c := *t
	return &c
}

// AccountRepository implements auth.AccountRepository.
type AccountRepository struct {
	s *Store
}

var _ auth.AccountRepository = (*AccountRepository)(nil)

// Create stores a new account.
func (r *AccountRepository) Create(_ context.Context, account *auth.Account) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, existing := range r.s.accounts {
		if strings.EqualFold(existing.Username, account.Username) || existing.Email == account.Email {
			return oops.Code("ACCOUNT_CREATE_FAILED").
				With("username", account.Username).
				Wrap(auth.ErrAlreadyExists)
		}
	}
	r.s.accounts[account.ID] = copyAccount(account)
	return nil
}

// GetByID retrieves an account by ID.
func (r *AccountRepository) GetByID(_ context.Context, id ulid.ULID) (*auth.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	a, ok := r.s.accounts[id]
	if !ok {
		return nil, oops.Code("ACCOUNT_NOT_FOUND").With("account_id", id.String()).Wrap(auth.ErrNotFound)
	}
	return copyAccount(a), nil
}

// GetByUsername retrieves an account by username, ignoring case.
func (r *AccountRepository) GetByUsername(_ context.Context, username string) (*auth.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, a := range r.s.accounts {
		if strings.EqualFold(a.Username, username) {
			return copyAccount(a), nil
		}
	}
	return nil, oops.Code("ACCOUNT_NOT_FOUND").Wrap(auth.ErrNotFound)
}

// GetByEmail retrieves an account by normalized email.
func (r *AccountRepository) GetByEmail(_ context.Context, email string) (*auth.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, a := range r.s.accounts {
		if a.Email == email {
			return copyAccount(a), nil
		}
	}
	return nil, oops.Code("ACCOUNT_NOT_FOUND").Wrap(auth.ErrNotFound)
}

// RecordLoginFailure applies policy under the store lock.
func (r *AccountRepository) RecordLoginFailure(_ context.Context, id ulid.ULID, policy auth.LockoutPolicy, now time.Time) (auth.LockoutState, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	a, ok := r.s.accounts[id]
	if !ok {
		return auth.LockoutState{}, oops.Code("ACCOUNT_NOT_FOUND").With("account_id", id.String()).Wrap(auth.ErrNotFound)
	}
	if a.IsLocked(now) {
		return a.Lockout(), lockedError(id)
	}
	a.RecordFailure(policy, now)
	return a.Lockout(), nil
}

// RecordLoginSuccess clears the counters unless the account is locked.
func (r *AccountRepository) RecordLoginSuccess(_ context.Context, id ulid.ULID, now time.Time) (*auth.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	a, ok := r.s.accounts[id]
	if !ok {
		return nil, oops.Code("ACCOUNT_NOT_FOUND").With("account_id", id.String()).Wrap(auth.ErrNotFound)
	}
	if a.IsLocked(now) {
		return nil, lockedError(id)
	}
	a.RecordSuccess(now)
	return copyAccount(a), nil
}

func lockedError(id ulid.ULID) error {
	return oops.Code("ACCOUNT_LOCKED").With("account_id", id.String()).Wrap(auth.ErrAccountLocked)
}

// UpdatePassword stores a new hash and clears the counters.
func (r *AccountRepository) UpdatePassword(_ context.Context, id ulid.ULID, passwordHash string, now time.Time) error {
	return r.mutate(id, func(a *auth.Account) { a.ChangePassword(passwordHash, now) })
}

// UpdateStatus sets the account status.
func (r *AccountRepository) UpdateStatus(_ context.Context, id ulid.ULID, status auth.AccountStatus, now time.Time) error {
	return r.mutate(id, func(a *auth.Account) {
		a.Status = status
		a.UpdatedAt = now
	})
}

func (r *AccountRepository) mutate(id ulid.ULID, fn func(*auth.Account)) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	a, ok := r.s.accounts[id]
	if !ok {
		return oops.Code("ACCOUNT_NOT_FOUND").With("account_id", id.String()).Wrap(auth.ErrNotFound)
	}
	fn(a)
	return nil
}

// RefreshTokenRepository implements auth.RefreshTokenRepository.
type RefreshTokenRepository struct {
	s *Store
}

var _ auth.RefreshTokenRepository = (*RefreshTokenRepository)(nil)

// Create stores a new refresh token.
func (r *RefreshTokenRepository) Create(_ context.Context, token *auth.RefreshToken) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	r.s.tokens[token.ID] = copyToken(token)
	return nil
}

// GetByTokenHash retrieves a token by its hash.
func (r *RefreshTokenRepository) GetByTokenHash(_ context.Context, tokenHash string) (*auth.RefreshToken, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, t := range r.s.tokens {
		if auth.VerifyHashEqual(t.TokenHash, tokenHash) {
			return copyToken(t), nil
		}
	}
	return nil, oops.Code("REFRESH_TOKEN_NOT_FOUND").Wrap(auth.ErrNotFound)
}

// Rotate revokes oldID and stores next atomically.
func (r *RefreshTokenRepository) Rotate(_ context.Context, oldID ulid.ULID, next *auth.RefreshToken, now time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	old, ok := r.s.tokens[oldID]
	if !ok || !old.IsActive(now) {
		return oops.Code("REFRESH_TOKEN_NOT_ACTIVE").With("token_id", oldID.String()).Wrap(auth.ErrTokenNotActive)
	}
	revoke(old, auth.RevokedRotated, now)
	replacedBy := next.ID
	old.ReplacedBy = &replacedBy
	r.s.tokens[next.ID] = copyToken(next)
	return nil
}

// Revoke revokes one token if it is not already revoked.
func (r *RefreshTokenRepository) Revoke(_ context.Context, id ulid.ULID, reason auth.RevocationReason, now time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	t, ok := r.s.tokens[id]
	if !ok {
		return oops.Code("REFRESH_TOKEN_NOT_FOUND").With("token_id", id.String()).Wrap(auth.ErrNotFound)
	}
	if !t.IsRevoked() {
		revoke(t, reason, now)
	}
	return nil
}

// RevokeAllForAccount revokes every active token of an account.
func (r *RefreshTokenRepository) RevokeAllForAccount(_ context.Context, accountID ulid.ULID, reason auth.RevocationReason, now time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	return r.s.revokeAllLocked(accountID, reason, now), nil
}

// DeleteExpired removes tokens that expired before the given time.
func (r *RefreshTokenRepository) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var n int64
	for id, t := range r.s.tokens {
		if t.ExpiresAt.Before(before) {
			delete(r.s.tokens, id)
			n++
		}
	}
	return n, nil
}

func revoke(t *auth.RefreshToken, reason auth.RevocationReason, now time.Time) {
	at := now
	t.RevokedAt = &at
	t.RevocationReason = &reason
}

func (s *Store) revokeAllLocked(accountID ulid.ULID, reason auth.RevocationReason, now time.Time) int64 {
	var n int64
	for _, t := range s.tokens {
		if t.AccountID == accountID && t.IsActive(now) {
			revoke(t, reason, now)
			n++
		}
	}
	return n
}

// PasswordResetRepository implements auth.PasswordResetRepository.
type PasswordResetRepository struct {
	s *Store
}

var _ auth.PasswordResetRepository = (*PasswordResetRepository)(nil)

// Create stores a new password reset.
func (r *PasswordResetRepository) Create(_ context.Context, reset *auth.PasswordReset) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, existing := range r.s.resets {
		if existing.TokenHash == reset.TokenHash {
			return oops.Code("RESET_CREATE_FAILED").Wrap(auth.ErrAlreadyExists)
		}
	}
	c := *reset
	r.s.resets[reset.ID] = &c
	return nil
}

// Redeem marks the reset used, replaces the password and revokes all refresh
// tokens under one lock.
func (r *PasswordResetRepository) Redeem(_ context.Context, req auth.RedeemRequest) (auth.RedeemResult, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var reset *auth.PasswordReset
	for _, candidate := range r.s.resets {
		if auth.VerifyHashEqual(candidate.TokenHash, req.TokenHash) {
			reset = candidate
			break
		}
	}
	if reset == nil || !reset.IsValid(req.Now) {
		return auth.RedeemResult{}, oops.Code("RESET_TOKEN_INVALID").Wrap(auth.ErrInvalidToken)
	}
	account, ok := r.s.accounts[reset.AccountID]
	if !ok || account.Email != req.Email {
		return auth.RedeemResult{}, oops.Code("RESET_TOKEN_INVALID").Wrap(auth.ErrInvalidToken)
	}
	if err := req.Check(account.Username); err != nil {
		return auth.RedeemResult{}, err
	}

	usedAt := req.Now
	reset.UsedAt = &usedAt
	account.ChangePassword(req.PasswordHash, req.Now)
	revoked := r.s.revokeAllLocked(account.ID, auth.RevokedPasswordReset, req.Now)

	return auth.RedeemResult{AccountID: account.ID, RevokedTokens: revoked}, nil
}

// DeleteExpired removes resets that expired before the given time.
func (r *PasswordResetRepository) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var n int64
	for id, reset := range r.s.resets {
		if reset.ExpiresAt.Before(before) {
			delete(r.s.resets, id)
			n++
		}
	}
	return n, nil
}
