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

const accountColumns = `id, username, email, password_hash, status, roles,
	failed_attempts, locked_until, last_login_at, created_at, updated_at`

// AccountRepository implements auth.AccountRepository using PostgreSQL.
type AccountRepository struct {
	db DB
}

// NewAccountRepository creates a new AccountRepository.
func NewAccountRepository(db DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// Create stores a new account.
func (r *AccountRepository) Create(ctx context.Context, account *auth.Account) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO accounts (id, username, email, password_hash, status, roles,
			failed_attempts, locked_until, last_login_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		account.ID.String(),
		account.Username,
		account.Email,
		account.PasswordHash,
		account.Status.String(),
		account.Roles,
		account.FailedAttempts,
		account.LockedUntil,
		account.LastLoginAt,
		account.CreatedAt,
		account.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return oops.Code("ACCOUNT_EXISTS").
				With("constraint", pgErr.ConstraintName).
				Wrap(auth.ErrAlreadyExists)
		}
		return oops.Code("ACCOUNT_CREATE_FAILED").
			With("operation", "insert account").
			With("account_id", account.ID.String()).
			Wrap(err)
	}
	return nil
}

// GetByID retrieves an account by ID.
func (r *AccountRepository) GetByID(ctx context.Context, id ulid.ULID) (*auth.Account, error) {
	row := r.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id.String())
	return r.get(row, "get account by id", "account_id", id.String())
}

// GetByUsername retrieves an account by username (case-insensitive).
func (r *AccountRepository) GetByUsername(ctx context.Context, username string) (*auth.Account, error) {
	row := r.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE lower(username) = lower($1)`, username)
	return r.get(row, "get account by username", "username", username)
}

// GetByEmail retrieves an account by normalized email.
func (r *AccountRepository) GetByEmail(ctx context.Context, email string) (*auth.Account, error) {
	row := r.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email = $1`, email)
	// The address itself is not logged.
	return r.get(row, "get account by email", "lookup", "email")
}

func (r *AccountRepository) get(row pgx.Row, operation, key, value string) (*auth.Account, error) {
	account, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("ACCOUNT_NOT_FOUND").With(key, value).Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("ACCOUNT_GET_FAILED").
			With("operation", operation).
			With(key, value).
			Wrap(err)
	}
	return account, nil
}

// RecordLoginFailure locks the account row, applies policy and writes the
// counters back in one transaction. A row that is already locked is left
// untouched.
func (r *AccountRepository) RecordLoginFailure(ctx context.Context, id ulid.ULID, policy auth.LockoutPolicy, now time.Time) (auth.LockoutState, error) {
	var state auth.LockoutState
	err := inTx(ctx, r.db, func(tx pgx.Tx) error {
		var (
			current   auth.LockoutState
			statusStr string
		)
		if err := tx.QueryRow(ctx, `
			SELECT failed_attempts, locked_until, status FROM accounts WHERE id = $1 FOR UPDATE
		`, id.String()).Scan(&current.FailedAttempts, &current.LockedUntil, &statusStr); err != nil {
			return err //nolint:wrapcheck // wrapped below
		}
		if statusStr == auth.StatusLocked.String() || current.IsLocked(now) {
			state = current
			return auth.ErrAccountLocked
		}

		state = policy.RecordFailure(current, now)

		_, err := tx.Exec(ctx, `
			UPDATE accounts SET failed_attempts = $2, locked_until = $3, updated_at = $4
			WHERE id = $1
		`, id.String(), state.FailedAttempts, state.LockedUntil, now)
		return err //nolint:wrapcheck // wrapped below
	})
	switch {
	case err == nil:
		return state, nil
	case errors.Is(err, auth.ErrAccountLocked):
		return state, lockedError(id)
	case errors.Is(err, pgx.ErrNoRows):
		return auth.LockoutState{}, oops.Code("ACCOUNT_NOT_FOUND").With("account_id", id.String()).Wrap(auth.ErrNotFound)
	default:
		return auth.LockoutState{}, oops.Code("ACCOUNT_RECORD_FAILURE_FAILED").
			With("operation", "record login failure").
			With("account_id", id.String()).
			Wrap(err)
	}
}

// RecordLoginSuccess re-reads the account under its row lock and clears the
// counters unless a lock was committed since the caller's read.
func (r *AccountRepository) RecordLoginSuccess(ctx context.Context, id ulid.ULID, now time.Time) (*auth.Account, error) {
	var account *auth.Account
	err := inTx(ctx, r.db, func(tx pgx.Tx) error {
		var err error
		account, err = scanAccount(tx.QueryRow(ctx,
			`SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id.String()))
		if err != nil {
			return err
		}
		if account.IsLocked(now) {
			return auth.ErrAccountLocked
		}

		_, err = tx.Exec(ctx, `
			UPDATE accounts SET failed_attempts = 0, locked_until = NULL, updated_at = $2,
				last_login_at = CASE WHEN status = 'active' THEN $2 ELSE last_login_at END
			WHERE id = $1
		`, id.String(), now)
		return err //nolint:wrapcheck // wrapped below
	})
	switch {
	case err == nil:
		account.RecordSuccess(now)
		return account, nil
	case errors.Is(err, auth.ErrAccountLocked):
		return nil, lockedError(id)
	case errors.Is(err, pgx.ErrNoRows):
		return nil, oops.Code("ACCOUNT_NOT_FOUND").With("account_id", id.String()).Wrap(auth.ErrNotFound)
	default:
		return nil, oops.Code("ACCOUNT_UPDATE_FAILED").
			With("operation", "record login success").
			With("account_id", id.String()).
			Wrap(err)
	}
}

func lockedError(id ulid.ULID) error {
	return oops.Code("ACCOUNT_LOCKED").With("account_id", id.String()).Wrap(auth.ErrAccountLocked)
}

// UpdatePassword stores a new hash and clears the counters.
func (r *AccountRepository) UpdatePassword(ctx context.Context, id ulid.ULID, passwordHash string, now time.Time) error {
	return r.update(ctx, "update password", id, `
		UPDATE accounts SET password_hash = $2, failed_attempts = 0, locked_until = NULL, updated_at = $3
		WHERE id = $1
	`, passwordHash, now)
}

// UpdateStatus sets the account status.
func (r *AccountRepository) UpdateStatus(ctx context.Context, id ulid.ULID, status auth.AccountStatus, now time.Time) error {
	return r.update(ctx, "update status", id, `
		UPDATE accounts SET status = $2, updated_at = $3 WHERE id = $1
	`, status.String(), now)
}

func (r *AccountRepository) update(ctx context.Context, operation string, id ulid.ULID, sql string, args ...any) error {
	result, err := r.db.Exec(ctx, sql, append([]any{id.String()}, args...)...)
	if err != nil {
		return oops.Code("ACCOUNT_UPDATE_FAILED").
			With("operation", operation).
			With("account_id", id.String()).
			Wrap(err)
	}
	if result.RowsAffected() == 0 {
		return oops.Code("ACCOUNT_NOT_FOUND").
			With("account_id", id.String()).
			Wrap(auth.ErrNotFound)
	}
	return nil
}

// scanAccount scans a single row into an Account.
// Callers are responsible for handling pgx.ErrNoRows.
func scanAccount(row pgx.Row) (*auth.Account, error) {
	var (
		idStr     string
		statusStr string
		account   auth.Account
	)

	err := row.Scan(
		&idStr,
		&account.Username,
		&account.Email,
		&account.PasswordHash,
		&statusStr,
		&account.Roles,
		&account.FailedAttempts,
		&account.LockedUntil,
		&account.LastLoginAt,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err //nolint:wrapcheck // Callers wrap with context-specific info
		}
		return nil, oops.Code("ACCOUNT_SCAN_FAILED").
			With("operation", "scan account").
			Wrap(err)
	}

	account.ID, err = ulid.Parse(idStr)
	if err != nil {
		return nil, oops.Code("ACCOUNT_INVALID_ID").
			With("operation", "parse account id").
			With("id", idStr).
			Wrap(err)
	}

	account.Status, err = auth.ParseAccountStatus(statusStr)
	if err != nil {
		return nil, oops.Code("ACCOUNT_INVALID_STATUS").
			With("account_id", idStr).
			Wrap(err)
	}
	if account.Roles == nil {
		account.Roles = []string{}
	}

	return &account, nil
}

// Compile-time interface check.
var _ auth.AccountRepository = (*AccountRepository)(nil)
