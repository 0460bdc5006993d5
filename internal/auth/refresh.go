// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// DefaultRefreshTokenExpiry is the refresh token lifetime.
const DefaultRefreshTokenExpiry = 7 * 24 * time.Hour

// RevocationReason records why a refresh token stopped being active.
type RevocationReason string

// Revocation reasons.
const (
	RevokedRotated        RevocationReason = "rotated"
	RevokedLogout         RevocationReason = "logout"
	RevokedPasswordChange RevocationReason = "password_change"
	RevokedPasswordReset  RevocationReason = "password_reset"
	RevokedReuseDetected  RevocationReason = "reuse_detected"
	RevokedAccountDeleted RevocationReason = "account_deleted"
	RevokedAccountState   RevocationReason = "account_state"
)

// ClientInfo identifies the client on whose behalf an operation runs.
type ClientInfo struct {
	IPAddress string
	UserAgent string
}

// RefreshToken is a persisted, single-use refresh credential.
type RefreshToken struct {
	ID               ulid.ULID
	AccountID        ulid.ULID
	TokenHash        string
	IssuedAt         time.Time
	ExpiresAt        time.Time
	RevokedAt        *time.Time
	RevocationReason *RevocationReason
	ReplacedBy       *ulid.ULID
	UserAgent        string
	IPAddress        string
}

// NewRefreshToken validates its inputs and returns an active token record.
func NewRefreshToken(accountID ulid.ULID, tokenHash string, client ClientInfo, now time.Time, ttl time.Duration) (*RefreshToken, error) {
	if accountID.IsZero() {
		return nil, oops.Code("REFRESH_INVALID").Wrapf(ErrInvalidInput, "account id cannot be zero")
	}
	if tokenHash == "" {
		return nil, oops.Code("REFRESH_INVALID").Wrapf(ErrInvalidInput, "token hash cannot be empty")
	}
	if ttl <= 0 {
		ttl = DefaultRefreshTokenExpiry
	}
	return &RefreshToken{
		ID:        ulid.Make(),
		AccountID: accountID,
		TokenHash: tokenHash,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
		UserAgent: client.UserAgent,
		IPAddress: client.IPAddress,
	}, nil
}

// IsRevoked returns true once the token has been revoked.
func (t *RefreshToken) IsRevoked() bool {
	return t.RevokedAt != nil
}

// IsExpired returns true if now is at or past the expiry.
func (t *RefreshToken) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// IsActive returns true if the token is neither revoked nor expired.
func (t *RefreshToken) IsActive(now time.Time) bool {
	return !t.IsRevoked() && !t.IsExpired(now)
}

// RefreshTokenRepository manages refresh token persistence. Implementations
// serialize issuance and revocation per account.
type RefreshTokenRepository interface {
	// Create stores a new refresh token.
	Create(ctx context.Context, token *RefreshToken) error

	// GetByTokenHash retrieves a token by its hash.
	GetByTokenHash(ctx context.Context, tokenHash string) (*RefreshToken, error)

	// Rotate revokes oldID with reason "rotated" and stores next in a single
	// transaction. Returns ErrTokenNotActive if oldID is no longer active
	// when its row is locked.
	Rotate(ctx context.Context, oldID ulid.ULID, next *RefreshToken, now time.Time) error

	// Revoke revokes one token. Already-revoked tokens are left unchanged.
	Revoke(ctx context.Context, id ulid.ULID, reason RevocationReason, now time.Time) error

	// RevokeAllForAccount revokes every active token of an account and
	// returns how many were revoked.
	RevokeAllForAccount(ctx context.Context, accountID ulid.ULID, reason RevocationReason, now time.Time) (int64, error)

	// DeleteExpired removes tokens that expired before the given time.
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}
