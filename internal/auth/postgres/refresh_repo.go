// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/holomush/identity/internal/auth"
)

const refreshColumns = `id, account_id, token_hash, issued_at, expires_at,
	revoked_at, revocation_reason, replaced_by, user_agent, ip_address`

// RefreshTokenRepository implements auth.RefreshTokenRepository using PostgreSQL.
type RefreshTokenRepository struct {
	db DB
}

// NewRefreshTokenRepository creates a new RefreshTokenRepository.
func NewRefreshTokenRepository(db DB) *RefreshTokenRepository {
	return &RefreshTokenRepository{db: db}
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertRefreshToken(ctx context.Context, db execer, token *auth.RefreshToken) error {
	_, err := db.Exec(ctx, `
		INSERT INTO refresh_tokens (id, account_id, token_hash, issued_at, expires_at, user_agent, ip_address)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		token.ID.String(),
		token.AccountID.String(),
		token.TokenHash,
		token.IssuedAt,
		token.ExpiresAt,
		token.UserAgent,
		token.IPAddress,
	)
	return err //nolint:wrapcheck // callers wrap with operation context
}

// Create stores a new refresh token.
func (r *RefreshTokenRepository) Create(ctx context.Context, token *auth.RefreshToken) error {
	if err := insertRefreshToken(ctx, r.db, token); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return oops.Code("REFRESH_TOKEN_EXISTS").Wrap(auth.ErrAlreadyExists)
		}
		return oops.Code("REFRESH_TOKEN_CREATE_FAILED").
			With("operation", "insert refresh_token").
			With("account_id", token.AccountID.String()).
			Wrap(err)
	}
	return nil
}

// GetByTokenHash retrieves a refresh token by its hash.
func (r *RefreshTokenRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*auth.RefreshToken, error) {
	row := r.db.QueryRow(ctx, `SELECT `+refreshColumns+` FROM refresh_tokens WHERE token_hash = $1`, tokenHash)
	token, err := scanRefreshToken(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("REFRESH_TOKEN_NOT_FOUND").Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("REFRESH_TOKEN_GET_FAILED").
			With("operation", "get refresh_token by hash").
			Wrap(err)
	}
	return token, nil
}

// Rotate revokes oldID as rotated and stores next in one transaction. The
// owning account row is locked first so concurrent rotations of the same
// token serialize; the loser sees no active row and gets
// auth.ErrTokenNotActive.
func (r *RefreshTokenRepository) Rotate(ctx context.Context, oldID ulid.ULID, next *auth.RefreshToken, now time.Time) error {
	err := inTx(ctx, r.db, func(tx pgx.Tx) error {
		if err := lockAccount(ctx, tx, next.AccountID.String()); err != nil {
			return err
		}

		result, err := tx.Exec(ctx, `
			UPDATE refresh_tokens
			SET revoked_at = $2, revocation_reason = $3, replaced_by = $4
			WHERE id = $1 AND revoked_at IS NULL AND expires_at > $2
		`, oldID.String(), now, string(auth.RevokedRotated), next.ID.String())
		if err != nil {
			return err //nolint:wrapcheck // wrapped below
		}
		if result.RowsAffected() == 0 {
			return auth.ErrTokenNotActive
		}

		return insertRefreshToken(ctx, tx, next)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, auth.ErrTokenNotActive), errors.Is(err, pgx.ErrNoRows):
		return oops.Code("REFRESH_TOKEN_NOT_ACTIVE").
			With("token_id", oldID.String()).
			Wrap(auth.ErrTokenNotActive)
	default:
		return oops.Code("REFRESH_TOKEN_ROTATE_FAILED").
			With("operation", "rotate refresh_token").
			With("token_id", oldID.String()).
			Wrap(err)
	}
}

// Revoke revokes a single token. Already revoked tokens keep their original
// reason.
func (r *RefreshTokenRepository) Revoke(ctx context.Context, id ulid.ULID, reason auth.RevocationReason, now time.Time) error {
	result, err := r.db.Exec(ctx, `
		UPDATE refresh_tokens SET revoked_at = COALESCE(revoked_at, $2),
			revocation_reason = COALESCE(revocation_reason, $3)
		WHERE id = $1
	`, id.String(), now, string(reason))
	if err != nil {
		return oops.Code("REFRESH_TOKEN_REVOKE_FAILED").
			With("operation", "revoke refresh_token").
			With("token_id", id.String()).
			Wrap(err)
	}
	if result.RowsAffected() == 0 {
		return oops.Code("REFRESH_TOKEN_NOT_FOUND").
			With("token_id", id.String()).
			Wrap(auth.ErrNotFound)
	}
	return nil
}

// RevokeAllForAccount revokes every active token of an account. It takes the
// account row lock so no rotation can slip a new token in concurrently.
func (r *RefreshTokenRepository) RevokeAllForAccount(ctx context.Context, accountID ulid.ULID, reason auth.RevocationReason, now time.Time) (int64, error) {
	var revoked int64
	err := inTx(ctx, r.db, func(tx pgx.Tx) error {
		if err := lockAccount(ctx, tx, accountID.String()); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return err
		}
		n, err := revokeAllForAccount(ctx, tx, accountID, reason, now)
		revoked = n
		return err
	})
	if err != nil {
		return 0, oops.Code("REFRESH_TOKEN_REVOKE_ALL_FAILED").
			With("operation", "revoke all refresh_tokens").
			With("account_id", accountID.String()).
			Wrap(err)
	}
	return revoked, nil
}

func revokeAllForAccount(ctx context.Context, tx pgx.Tx, accountID ulid.ULID, reason auth.RevocationReason, now time.Time) (int64, error) {
	result, err := tx.Exec(ctx, `
		UPDATE refresh_tokens SET revoked_at = $2, revocation_reason = $3
		WHERE account_id = $1 AND revoked_at IS NULL AND expires_at > $2
	`, accountID.String(), now, string(reason))
	if err != nil {
		return 0, err //nolint:wrapcheck // callers wrap with operation context
	}
	return result.RowsAffected(), nil
}

// DeleteExpired removes tokens that expired before the given time.
func (r *RefreshTokenRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.Exec(ctx, `DELETE FROM refresh_tokens WHERE expires_at < $1`, before)
	if err != nil {
		return 0, oops.Code("REFRESH_TOKEN_DELETE_EXPIRED_FAILED").
			With("operation", "delete expired refresh_tokens").
			Wrap(err)
	}
	return result.RowsAffected(), nil
}

// scanRefreshToken scans a single row into a RefreshToken.
// Callers are responsible for handling pgx.ErrNoRows.
func scanRefreshToken(row pgx.Row) (*auth.RefreshToken, error) {
	var (
		idStr, accountIDStr string
		reasonStr           *string
		replacedByStr       *string
		token               auth.RefreshToken
	)

	err := row.Scan(
		&idStr,
		&accountIDStr,
		&token.TokenHash,
		&token.IssuedAt,
		&token.ExpiresAt,
		&token.RevokedAt,
		&reasonStr,
		&replacedByStr,
		&token.UserAgent,
		&token.IPAddress,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err //nolint:wrapcheck // Callers wrap with context-specific info
		}
		return nil, oops.Code("REFRESH_TOKEN_SCAN_FAILED").
			With("operation", "scan refresh_token").
			Wrap(err)
	}

	token.ID, err = ulid.Parse(idStr)
	if err != nil {
		return nil, oops.Code("REFRESH_TOKEN_INVALID_ID").With("id", idStr).Wrap(err)
	}
	token.AccountID, err = ulid.Parse(accountIDStr)
	if err != nil {
		return nil, oops.Code("REFRESH_TOKEN_INVALID_ACCOUNT_ID").With("account_id", accountIDStr).Wrap(err)
	}
	if reasonStr != nil {
		reason := auth.RevocationReason(*reasonStr)
		token.RevocationReason = &reason
	}
	if replacedByStr != nil {
		replacedBy, err := ulid.Parse(*replacedByStr)
		if err != nil {
			return nil, oops.Code("REFRESH_TOKEN_INVALID_REPLACED_BY").With("replaced_by", *replacedByStr).Wrap(err)
		}
		token.ReplacedBy = &replacedBy
	}

	return &token, nil
}

// Compile-time interface check.
var _ auth.RefreshTokenRepository = (*RefreshTokenRepository)(nil)
