// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Opaque token configuration, shared by refresh and reset tokens.
const (
	OpaqueTokenBytes = 32 // 32 bytes = 64 hex chars

	// DefaultResetTokenExpiry is how long a reset token can be redeemed.
	DefaultResetTokenExpiry = time.Hour
)

// PasswordReset represents a password reset request.
type PasswordReset struct {
	ID        ulid.ULID
	AccountID ulid.ULID
	TokenHash string
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}

// NewPasswordReset validates its inputs and returns an unused reset.
func NewPasswordReset(accountID ulid.ULID, tokenHash string, now time.Time, ttl time.Duration) (*PasswordReset, error) {
	if accountID.IsZero() {
		return nil, oops.Code("RESET_INVALID").Wrapf(ErrInvalidInput, "account id cannot be zero")
	}
	if tokenHash == "" {
		return nil, oops.Code("RESET_INVALID").Wrapf(ErrInvalidInput, "token hash cannot be empty")
	}
	if ttl <= 0 {
		ttl = DefaultResetTokenExpiry
	}
	return &PasswordReset{
		ID:        ulid.Make(),
		AccountID: accountID,
		TokenHash: tokenHash,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}, nil
}

// IsValid returns true if the reset is unused and unexpired at now.
func (r *PasswordReset) IsValid(now time.Time) bool {
	return r.UsedAt == nil && now.Before(r.ExpiresAt)
}

// GenerateOpaqueToken creates a secure random token and its hash.
// Returns (plaintext_token, sha256_hash, error).
// The plaintext goes to the client; only the hash is stored.
func GenerateOpaqueToken() (token, hash string, err error) {
	tokenBytes := make([]byte, OpaqueTokenBytes)
	if _, err = rand.Read(tokenBytes); err != nil {
		return "", "", oops.Code("TOKEN_GENERATE_FAILED").Wrap(err)
	}

	token = hex.EncodeToString(tokenBytes)
	hash = HashOpaqueToken(token)

	return token, hash, nil
}

// VerifyHashEqual compares two token hashes in constant time.
func VerifyHashEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// HashOpaqueToken computes the hex SHA256 of a token.
func HashOpaqueToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// RedeemRequest carries everything a repository needs to redeem a reset
// token in one transaction.
type RedeemRequest struct {
	TokenHash    string
	Email        string
	PasswordHash string
	Now          time.Time

	// CheckAccount, when set, runs against the owning account's username
	// after the token checks pass and before anything is written. A non-nil
	// error aborts the redemption with no effect and is returned unchanged.
	CheckAccount func(username string) error
}

// Check runs CheckAccount, if any. Repositories call it on the locked
// account row.
func (r RedeemRequest) Check(username string) error {
	if r.CheckAccount == nil {
		return nil
	}
	return r.CheckAccount(username)
}

// RedeemResult reports the effects of a successful redemption.
type RedeemResult struct {
	AccountID     ulid.ULID
	RevokedTokens int64
}

// PasswordResetRepository manages password reset persistence.
type PasswordResetRepository interface {
	// Create stores a new password reset request.
	Create(ctx context.Context, reset *PasswordReset) error

	// Redeem atomically marks the reset used, stores the new password hash,
	// clears lockout counters and revokes every active refresh token of the
	// owning account. It returns ErrInvalidToken, with no effect, when the
	// token is unknown, used, expired or owned by an account whose email
	// differs from req.Email.
	Redeem(ctx context.Context, req RedeemRequest) (RedeemResult, error)

	// DeleteExpired removes resets that expired before the given time.
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}
