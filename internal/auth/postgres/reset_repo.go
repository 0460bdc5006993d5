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

// PasswordResetRepository implements auth.PasswordResetRepository using PostgreSQL.
type PasswordResetRepository struct {
	db DB
}

// NewPasswordResetRepository creates a new PasswordResetRepository.
func NewPasswordResetRepository(db DB) *PasswordResetRepository {
	return &PasswordResetRepository{db: db}
}

// Create stores a new password reset request.
func (r *PasswordResetRepository) Create(ctx context.Context, reset *auth.PasswordReset) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO password_resets (id, account_id, token_hash, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, reset.ID.String(), reset.AccountID.String(), reset.TokenHash, reset.ExpiresAt, reset.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return oops.Code("RESET_EXISTS").Wrap(auth.ErrAlreadyExists)
		}
		return oops.Code("RESET_CREATE_FAILED").
			With("operation", "insert password_reset").
			With("account_id", reset.AccountID.String()).
			Wrap(err)
	}
	return nil
}

// Redeem consumes a reset token in a single transaction: the reset row and
// its account are locked, the token is checked, then the reset is marked
// used, the password replaced and all refresh tokens revoked.
func (r *PasswordResetRepository) Redeem(ctx context.Context, req auth.RedeemRequest) (auth.RedeemResult, error) {
	var (
		result   auth.RedeemResult
		checkErr error
	)
	err := inTx(ctx, r.db, func(tx pgx.Tx) error {
		var email, username string
		reset, err := scanReset(tx.QueryRow(ctx, `
			SELECT r.id, r.account_id, r.token_hash, r.expires_at, r.used_at, r.created_at, a.email, a.username
			FROM password_resets r
			JOIN accounts a ON a.id = r.account_id
			WHERE r.token_hash = $1
			FOR UPDATE
		`, req.TokenHash), &email, &username)
		if errors.Is(err, pgx.ErrNoRows) {
			return auth.ErrInvalidToken
		}
		if err != nil {
			return err
		}
		if !reset.IsValid(req.Now) || email != req.Email {
			return auth.ErrInvalidToken
		}
		if checkErr = req.Check(username); checkErr != nil {
			return checkErr
		}

		if _, err := tx.Exec(ctx, `UPDATE password_resets SET used_at = $2 WHERE id = $1`,
			reset.ID.String(), req.Now); err != nil {
			return err //nolint:wrapcheck // wrapped below
		}
		if _, err := tx.Exec(ctx, `
			UPDATE accounts SET password_hash = $2, failed_attempts = 0, locked_until = NULL, updated_at = $3
			WHERE id = $1
		`, reset.AccountID.String(), req.PasswordHash, req.Now); err != nil {
			return err //nolint:wrapcheck // wrapped below
		}
		revoked, err := revokeAllForAccount(ctx, tx, reset.AccountID, auth.RevokedPasswordReset, req.Now)
		if err != nil {
			return err
		}

		result = auth.RedeemResult{AccountID: reset.AccountID, RevokedTokens: revoked}
		return nil
	})
	if errors.Is(err, auth.ErrInvalidToken) {
		return auth.RedeemResult{}, oops.Code("RESET_TOKEN_INVALID").Wrap(auth.ErrInvalidToken)
	}
	if checkErr != nil {
		return auth.RedeemResult{}, checkErr
	}
	if err != nil {
		return auth.RedeemResult{}, oops.Code("RESET_REDEEM_FAILED").
			With("operation", "redeem password_reset").
			Wrap(err)
	}
	return result, nil
}

// DeleteExpired removes all expired reset requests.
func (r *PasswordResetRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.Exec(ctx, `DELETE FROM password_resets WHERE expires_at < $1`, before)
	if err != nil {
		return 0, oops.Code("RESET_DELETE_EXPIRED_FAILED").
			With("operation", "delete expired password_resets").
			Wrap(err)
	}
	return result.RowsAffected(), nil
}

// scanReset scans a password_resets row. Extra destinations are appended to
// the scan for joined columns. Callers handle pgx.ErrNoRows.
func scanReset(row pgx.Row, extra ...any) (*auth.PasswordReset, error) {
	var (
		idStr, accountIDStr string
		reset               auth.PasswordReset
	)

	dest := append([]any{
		&idStr,
		&accountIDStr,
		&reset.TokenHash,
		&reset.ExpiresAt,
		&reset.UsedAt,
		&reset.CreatedAt,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err //nolint:wrapcheck // Callers wrap with context-specific info
		}
		return nil, oops.Code("RESET_SCAN_FAILED").
			With("operation", "scan password_reset").
			Wrap(err)
	}

	var err error
	reset.ID, err = ulid.Parse(idStr)
	if err != nil {
		return nil, oops.Code("RESET_INVALID_ID").With("id", idStr).Wrap(err)
	}
	reset.AccountID, err = ulid.Parse(accountIDStr)
	if err != nil {
		return nil, oops.Code("RESET_INVALID_ACCOUNT_ID").With("account_id", accountIDStr).Wrap(err)
	}

	return &reset, nil
}

// Compile-time interface check.
var _ auth.PasswordResetRepository = (*PasswordResetRepository)(nil)
