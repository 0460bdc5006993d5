// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"net/mail"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Username validation constraints.
const (
	MinUsernameLength = 3
	MaxUsernameLength = 30
)

// usernameRegex matches usernames that:
// - Start with a letter (a-z, A-Z)
// - Contain only letters, numbers, and underscores
var usernameRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)

// AccountStatus is the lifecycle status of an account.
type AccountStatus uint8

// Account statuses. The zero value is not a valid status.
const (
	StatusActive AccountStatus = iota + 1
	StatusInactive
	StatusLocked
	StatusPendingVerification
)

var statusNames = [...]string{
	StatusActive:              "active",
	StatusInactive:            "inactive",
	StatusLocked:              "locked",
	StatusPendingVerification: "pending_verification",
}

// String returns the persisted name of the status.
func (s AccountStatus) String() string {
	if s == 0 || int(s) >= len(statusNames) {
		return "unknown"
	}
	return statusNames[s]
}

// ParseAccountStatus maps a persisted name back to a status.
func ParseAccountStatus(name string) (AccountStatus, error) {
	for i, n := range statusNames {
		if i != 0 && n == name {
			return AccountStatus(i), nil
		}
	}
	return 0, oops.Code("AUTH_INVALID_STATUS").
		With("status", name).
		Wrap(ErrInvalidInput)
}

// Account is an identity that can authenticate.
type Account struct {
	ID             ulid.ULID
	Username       string
	Email          string
	PasswordHash   string
	Status         AccountStatus
	Roles          []string
	FailedAttempts int
	LockedUntil    *time.Time
	LastLoginAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NewAccount validates its inputs and returns a new account pending email
// verification.
func NewAccount(username, email, passwordHash string, roles []string, now time.Time) (*Account, error) {
	if err := ValidateUsername(username); err != nil {
		return nil, err
	}
	normalized, err := NormalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if passwordHash == "" {
		return nil, oops.Code("AUTH_INVALID_ACCOUNT").Wrapf(ErrInvalidInput, "password hash cannot be empty")
	}
	if roles == nil {
		roles = []string{}
	}
	return &Account{
		ID:           ulid.Make(),
		Username:     username,
		Email:        normalized,
		PasswordHash: passwordHash,
		Status:       StatusPendingVerification,
		Roles:        slices.Clone(roles),
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// Lockout returns the derived lockout state.
func (a *Account) Lockout() LockoutState {
	return LockoutState{FailedAttempts: a.FailedAttempts, LockedUntil: a.LockedUntil}
}

// IsLocked returns true for an administrative lock or an open lockout window.
func (a *Account) IsLocked(now time.Time) bool {
	return a.Status == StatusLocked || a.Lockout().IsLocked(now)
}

// Activate marks the account active, which also confirms its email.
func (a *Account) Activate(now time.Time) {
	a.Status = StatusActive
	a.UpdatedAt = now
}

// RecordFailure applies a failed login to the account's counters.
func (a *Account) RecordFailure(policy LockoutPolicy, now time.Time) {
	state := policy.RecordFailure(a.Lockout(), now)
	a.FailedAttempts = state.FailedAttempts
	a.LockedUntil = state.LockedUntil
	a.UpdatedAt = now
}

// RecordSuccess resets failure counters. Active accounts also get their
// login time stamped.
func (a *Account) RecordSuccess(now time.Time) {
	state := ResetOnSuccess()
	a.FailedAttempts = state.FailedAttempts
	a.LockedUntil = state.LockedUntil
	if a.Status == StatusActive {
		a.LastLoginAt = &now
	}
	a.UpdatedAt = now
}

// ChangePassword stores a new hash and clears any lockout.
func (a *Account) ChangePassword(passwordHash string, now time.Time) {
	a.PasswordHash = passwordHash
	a.FailedAttempts = 0
	a.LockedUntil = nil
	a.UpdatedAt = now
}

// ValidateUsername validates a username against rules.
// Username requirements:
// - Length: MinUsernameLength to MaxUsernameLength characters
// - Must start with a letter
// - Can contain only letters (a-z, A-Z), numbers (0-9), and underscores (_)
func ValidateUsername(username string) error {
	if username == "" {
		return oops.Code("AUTH_INVALID_USERNAME").Wrapf(ErrInvalidInput, "username cannot be empty")
	}
	if len(username) < MinUsernameLength {
		return oops.Code("AUTH_INVALID_USERNAME").
			With("min", MinUsernameLength).
			Wrapf(ErrInvalidInput, "username must be at least %d characters", MinUsernameLength)
	}
	if len(username) > MaxUsernameLength {
		return oops.Code("AUTH_INVALID_USERNAME").
			With("max", MaxUsernameLength).
			Wrapf(ErrInvalidInput, "username must be at most %d characters", MaxUsernameLength)
	}
	if !usernameRegex.MatchString(username) {
		return oops.Code("AUTH_INVALID_USERNAME").
			Wrapf(ErrInvalidInput, "username must start with a letter and contain only letters, numbers, and underscores")
	}
	return nil
}

// NormalizeEmail trims and lower-cases an address after checking its syntax.
func NormalizeEmail(email string) (string, error) {
	trimmed := strings.TrimSpace(email)
	if trimmed == "" {
		return "", oops.Code("AUTH_INVALID_EMAIL").Wrapf(ErrInvalidInput, "email cannot be empty")
	}
	addr, err := mail.ParseAddress(trimmed)
	if err != nil || addr.Address != trimmed {
		return "", oops.Code("AUTH_INVALID_EMAIL").Wrapf(ErrInvalidInput, "email address is malformed")
	}
	return strings.ToLower(trimmed), nil
}

// AccountRepository manages account persistence.
type AccountRepository interface {
	// Create stores a new account. Returns ErrAlreadyExists when the username
	// or email is taken.
	Create(ctx context.Context, account *Account) error

	// GetByID retrieves an account by ID.
	GetByID(ctx context.Context, id ulid.ULID) (*Account, error)

	// GetByUsername retrieves an account by username (case-insensitive).
	GetByUsername(ctx context.Context, username string) (*Account, error)

	// GetByEmail retrieves an account by normalized email.
	GetByEmail(ctx context.Context, email string) (*Account, error)

	// RecordLoginFailure applies policy to the account's counters atomically
	// and returns the resulting state. When the account is already locked at
	// now it returns the current state with ErrAccountLocked and changes
	// nothing.
	RecordLoginFailure(ctx context.Context, id ulid.ULID, policy LockoutPolicy, now time.Time) (LockoutState, error)

	// RecordLoginSuccess clears the counters under the same row lock that
	// RecordLoginFailure takes and returns the account as stored. The last
	// login time is set only for active accounts. It returns ErrAccountLocked,
	// with no effect, when the account is locked at now.
	RecordLoginSuccess(ctx context.Context, id ulid.ULID, now time.Time) (*Account, error)

	// UpdatePassword stores a new password hash and clears the counters.
	UpdatePassword(ctx context.Context, id ulid.ULID, passwordHash string, now time.Time) error

	// UpdateStatus sets the account status.
	UpdateStatus(ctx context.Context, id ulid.ULID, status AccountStatus, now time.Time) error
}
