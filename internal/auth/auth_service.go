// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/holomush/identity/pkg/errutil"
)

// dummyPassword is hashed once at construction. Logins for unknown accounts
// verify against that hash so they cost the same as real ones.
//
//nolint:gosec // G101: not a credential, it never matches a stored account.
const dummyPassword = "timing-equalizer-not-a-credential"

// ServiceConfig holds Service dependencies.
type ServiceConfig struct {
	Accounts AccountRepository
	Hasher   PasswordHasher
	Sessions *SessionService
	Lockout  LockoutPolicy
	Logger   *slog.Logger
	Observer Observer
	Now      func() time.Time
}

// Service verifies credentials and manages account passwords.
type Service struct {
	accounts  AccountRepository
	hasher    PasswordHasher
	sessions  *SessionService
	lockout   LockoutPolicy
	logger    *slog.Logger
	observer  Observer
	now       func() time.Time
	dummyHash string
}

// NewService validates cfg and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Accounts == nil {
		return nil, oops.Code("AUTH_SERVICE_INVALID").Errorf("accounts repository is required")
	}
	if cfg.Hasher == nil {
		return nil, oops.Code("AUTH_SERVICE_INVALID").Errorf("password hasher is required")
	}
	if cfg.Sessions == nil {
		return nil, oops.Code("AUTH_SERVICE_INVALID").Errorf("session service is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	dummyHash, err := cfg.Hasher.Hash(dummyPassword)
	if err != nil {
		return nil, oops.Code("AUTH_SERVICE_INVALID").With("operation", "hash dummy password").Wrap(err)
	}

	return &Service{
		accounts:  cfg.Accounts,
		hasher:    cfg.Hasher,
		sessions:  cfg.Sessions,
		lockout:   cfg.Lockout.withDefaults(),
		logger:    cfg.Logger,
		observer:  cfg.Observer,
		now:       cfg.Now,
		dummyHash: dummyHash,
	}, nil
}

// Sessions returns the session service used for token issuance.
func (s *Service) Sessions() *SessionService {
	return s.sessions
}

// Login verifies credentials and issues a token pair. identifier is a
// username, or an email when it contains '@'.
//
// Steps run in a fixed order: lookup, lockout check, password check, counter
// reset, status check, then issuance. Unknown accounts and wrong passwords
// return the same error.
func (s *Service) Login(ctx context.Context, identifier, password string, client ClientInfo) (*TokenPair, error) {
	ctx, span := tracer.Start(ctx, "auth.Login")
	defer span.End()

	if strings.TrimSpace(identifier) == "" || password == "" {
		return nil, oops.Code("AUTH_INVALID_INPUT").Wrapf(ErrInvalidInput, "username and password are required")
	}

	account, err := s.lookup(ctx, identifier)
	if err != nil && !errors.Is(err, ErrNotFound) {
		s.observer.LoginAttempt(OutcomeError)
		return nil, unavailable("AUTH_LOGIN_FAILED", "get account", err)
	}

	now := s.now()

	if account == nil {
		s.hasher.Verify(password, s.dummyHash)
		s.observer.LoginAttempt(OutcomeInvalidCredentials)
		return nil, invalidCredentials()
	}

	if account.IsLocked(now) {
		return nil, s.locked(account.ID, account.Lockout(), now)
	}

	if !s.hasher.Verify(password, account.PasswordHash) {
		state, failErr := s.accounts.RecordLoginFailure(ctx, account.ID, s.lockout, now)
		if errors.Is(failErr, ErrAccountLocked) {
			return nil, s.locked(account.ID, state, now)
		}
		if failErr != nil {
			s.observer.LoginAttempt(OutcomeError)
			return nil, unavailable("AUTH_LOGIN_FAILED", "record login failure", failErr)
		}
		if state.IsLocked(now) {
			s.logger.WarnContext(ctx, "account locked after repeated login failures",
				"account_id", account.ID.String(),
				"failed_attempts", state.FailedAttempts,
				"locked_until", state.LockedUntil,
			)
		}
		s.observer.LoginAttempt(OutcomeInvalidCredentials)
		return nil, invalidCredentials()
	}

	// The password matched. The store re-checks the lock on the row it
	// clears, so a lock committed by a concurrent failure since the read
	// above still refuses this login.
	current, err := s.accounts.RecordLoginSuccess(ctx, account.ID, now)
	if errors.Is(err, ErrAccountLocked) {
		return nil, s.locked(account.ID, account.Lockout(), now)
	}
	if err != nil {
		s.observer.LoginAttempt(OutcomeError)
		return nil, unavailable("AUTH_LOGIN_FAILED", "record login success", err)
	}
	account = current

	switch account.Status {
	case StatusActive:
	case StatusPendingVerification:
		s.observer.LoginAttempt(OutcomeUnconfirmed)
		return nil, oops.Code("AUTH_EMAIL_UNCONFIRMED").
			With("account_id", account.ID.String()).
			Wrap(ErrEmailUnconfirmed)
	default:
		s.observer.LoginAttempt(OutcomeInvalidCredentials)
		return nil, invalidCredentials()
	}

	if s.hasher.NeedsRehash(account.PasswordHash) {
		s.rehash(ctx, account, password)
	}

	pair, err := s.sessions.IssuePair(ctx, account, client)
	if err != nil {
		s.observer.LoginAttempt(OutcomeError)
		return nil, err
	}

	s.observer.LoginAttempt(OutcomeSuccess)
	s.logger.InfoContext(ctx, "login succeeded", "account_id", account.ID.String())
	return pair, nil
}

func (s *Service) locked(id ulid.ULID, state LockoutState, now time.Time) error {
	s.observer.LoginAttempt(OutcomeLocked)
	return oops.Code("AUTH_ACCOUNT_LOCKED").
		With("account_id", id.String()).
		With("locked_until", state.LockedUntil).
		With("retry_after", state.Remaining(now)).
		Wrap(ErrAccountLocked)
}

func invalidCredentials() error {
	return oops.Code("AUTH_INVALID_CREDENTIALS").Wrap(ErrInvalidCredentials)
}

func (s *Service) lookup(ctx context.Context, identifier string) (*Account, error) {
	identifier = strings.TrimSpace(identifier)
	if strings.Contains(identifier, "@") {
		email, err := NormalizeEmail(identifier)
		if err != nil {
			return nil, ErrNotFound
		}
		//nolint:wrapcheck // caller wraps
		return s.accounts.GetByEmail(ctx, email)
	}
	//nolint:wrapcheck // caller wraps
	return s.accounts.GetByUsername(ctx, identifier)
}

// rehash upgrades a stored hash after a successful login. Failures only log.
func (s *Service) rehash(ctx context.Context, account *Account, password string) {
	newHash, err := s.hasher.Hash(password)
	if err != nil {
		errutil.LogError(s.logger, "password rehash failed", err)
		return
	}
	if err := s.accounts.UpdatePassword(ctx, account.ID, newHash, s.now()); err != nil {
		errutil.LogError(s.logger, "password rehash store failed",
			oops.With("account_id", account.ID.String()).Wrap(err))
		return
	}
	account.PasswordHash = newHash
}

// ChangePassword replaces the password of an authenticated account after
// checking the current one, then revokes all of its refresh tokens.
func (s *Service) ChangePassword(ctx context.Context, accountID ulid.ULID, currentPassword, newPassword string) error {
	ctx, span := tracer.Start(ctx, "auth.ChangePassword")
	defer span.End()

	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return oops.Code("AUTH_INVALID_ACCESS_TOKEN").
				With("account_id", accountID.String()).
				Wrap(ErrInvalidToken)
		}
		return unavailable("AUTH_CHANGE_PASSWORD_FAILED", "get account", err)
	}

	if !s.hasher.Verify(currentPassword, account.PasswordHash) {
		return oops.Code("AUTH_WRONG_PASSWORD").
			With("account_id", accountID.String()).
			Wrap(ErrWrongPassword)
	}
	if err := ValidatePassword(newPassword, account.Username); err != nil {
		return err
	}

	newHash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return oops.Code("AUTH_CHANGE_PASSWORD_FAILED").With("operation", "hash password").Wrap(err)
	}
	if err := s.accounts.UpdatePassword(ctx, accountID, newHash, s.now()); err != nil {
		return unavailable("AUTH_CHANGE_PASSWORD_FAILED", "update password", err)
	}

	revoked, err := s.sessions.RevokeAll(ctx, accountID, RevokedPasswordChange)
	if err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "password changed",
		"account_id", accountID.String(),
		"revoked_tokens", revoked,
	)
	return nil
}

// CreateAccountRequest describes a new account.
type CreateAccountRequest struct {
	Username string
	Email    string
	Password string
	Roles    []string
	// Confirmed creates the account active instead of pending verification.
	Confirmed bool
}

// CreateAccount validates and stores a new account.
func (s *Service) CreateAccount(ctx context.Context, req CreateAccountRequest) (*Account, error) {
	if err := ValidatePassword(req.Password, req.Username); err != nil {
		return nil, err
	}
	hash, err := s.hasher.Hash(req.Password)
	if err != nil {
		return nil, oops.Code("AUTH_CREATE_ACCOUNT_FAILED").With("operation", "hash password").Wrap(err)
	}

	now := s.now()
	account, err := NewAccount(req.Username, req.Email, hash, req.Roles, now)
	if err != nil {
		return nil, err
	}
	if req.Confirmed {
		account.Activate(now)
	}

	if err := s.accounts.Create(ctx, account); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return nil, oops.Code("AUTH_ACCOUNT_EXISTS").
				With("username", req.Username).
				Wrap(err)
		}
		return nil, unavailable("AUTH_CREATE_ACCOUNT_FAILED", "create account", err)
	}

	s.logger.InfoContext(ctx, "account created",
		"account_id", account.ID.String(),
		"status", account.Status.String(),
	)
	return account, nil
}

// SetStatus changes an account's status. Deactivating or locking an account
// revokes its refresh tokens.
func (s *Service) SetStatus(ctx context.Context, accountID ulid.ULID, status AccountStatus) error {
	if status.String() == "unknown" {
		return oops.Code("AUTH_INVALID_STATUS").Wrap(ErrInvalidInput)
	}
	if err := s.accounts.UpdateStatus(ctx, accountID, status, s.now()); err != nil {
		if errors.Is(err, ErrNotFound) {
			return oops.Code("AUTH_ACCOUNT_NOT_FOUND").With("account_id", accountID.String()).Wrap(err)
		}
		return unavailable("AUTH_SET_STATUS_FAILED", "update status", err)
	}
	if status == StatusInactive || status == StatusLocked {
		if _, err := s.sessions.RevokeAll(ctx, accountID, RevokedAccountState); err != nil {
			return err
		}
	}
	return nil
}
