// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"time"

	"github.com/samber/oops"

	"github.com/holomush/identity/pkg/errutil"
)

// ResetNotifier delivers password reset links out of band.
// mail.Dispatcher implements it.
type ResetNotifier interface {
	NotifyPasswordReset(ctx context.Context, to, username, link string, expiresAt time.Time) error
}

// PasswordResetServiceConfig holds PasswordResetService dependencies.
type PasswordResetServiceConfig struct {
	Accounts AccountRepository
	Resets   PasswordResetRepository
	Hasher   PasswordHasher
	Notifier ResetNotifier

	// ResetURL is the page that redeems tokens; token and email are added
	// as query parameters.
	ResetURL string
	TokenTTL time.Duration
	Logger   *slog.Logger
	Observer Observer
	Now      func() time.Time
}

// PasswordResetService handles password reset operations.
type PasswordResetService struct {
	accounts AccountRepository
	resets   PasswordResetRepository
	hasher   PasswordHasher
	notifier ResetNotifier
	resetURL *url.URL
	tokenTTL time.Duration
	logger   *slog.Logger
	observer Observer
	now      func() time.Time
}

// NewPasswordResetService validates cfg and returns a PasswordResetService.
func NewPasswordResetService(cfg PasswordResetServiceConfig) (*PasswordResetService, error) {
	if cfg.Accounts == nil {
		return nil, oops.Code("RESET_SERVICE_INVALID").Errorf("accounts repository is required")
	}
	if cfg.Resets == nil {
		return nil, oops.Code("RESET_SERVICE_INVALID").Errorf("reset repository is required")
	}
	if cfg.Hasher == nil {
		return nil, oops.Code("RESET_SERVICE_INVALID").Errorf("password hasher is required")
	}
	if cfg.Notifier == nil {
		return nil, oops.Code("RESET_SERVICE_INVALID").Errorf("reset notifier is required")
	}
	resetURL, err := url.Parse(cfg.ResetURL)
	if err != nil || resetURL.Scheme == "" || resetURL.Host == "" {
		return nil, oops.Code("RESET_SERVICE_INVALID").
			With("reset_url", cfg.ResetURL).
			Errorf("reset url must be absolute")
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultResetTokenExpiry
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
	return &PasswordResetService{
		accounts: cfg.Accounts,
		resets:   cfg.Resets,
		hasher:   cfg.Hasher,
		notifier: cfg.Notifier,
		resetURL: resetURL,
		tokenTTL: cfg.TokenTTL,
		logger:   cfg.Logger,
		observer: cfg.Observer,
		now:      cfg.Now,
	}, nil
}

// RequestReset issues a reset token for the account with this email and
// hands the link to the notifier. Unknown and unconfirmed addresses return
// success without issuing anything, so callers cannot tell them apart.
// Only store failures are returned.
func (s *PasswordResetService) RequestReset(ctx context.Context, email string) error {
	ctx, span := tracer.Start(ctx, "auth.RequestReset")
	defer span.End()

	normalized, err := NormalizeEmail(email)
	if err != nil {
		s.observer.PasswordReset(ResetStageSkipped)
		return nil
	}

	account, err := s.accounts.GetByEmail(ctx, normalized)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.observer.PasswordReset(ResetStageSkipped)
			return nil
		}
		return unavailable("RESET_REQUEST_FAILED", "get account by email", err)
	}
	if account.Status == StatusPendingVerification {
		s.observer.PasswordReset(ResetStageSkipped)
		s.logger.DebugContext(ctx, "reset skipped for unconfirmed email", "account_id", account.ID.String())
		return nil
	}

	plaintext, hash, err := GenerateOpaqueToken()
	if err != nil {
		return oops.Code("RESET_REQUEST_FAILED").With("operation", "generate reset token").Wrap(err)
	}

	now := s.now()
	reset, err := NewPasswordReset(account.ID, hash, now, s.tokenTTL)
	if err != nil {
		return oops.Code("RESET_REQUEST_FAILED").With("operation", "new password reset").Wrap(err)
	}
	if err := s.resets.Create(ctx, reset); err != nil {
		return unavailable("RESET_REQUEST_FAILED", "persist password reset", err)
	}

	if err := s.notifier.NotifyPasswordReset(ctx, account.Email, account.Username, s.link(plaintext, account.Email), reset.ExpiresAt); err != nil {
		errutil.LogError(s.logger, "password reset dispatch failed",
			oops.With("account_id", account.ID.String()).Wrap(err))
	}

	s.observer.PasswordReset(ResetStageRequested)
	s.logger.InfoContext(ctx, "password reset requested", "account_id", account.ID.String())
	return nil
}

func (s *PasswordResetService) link(token, email string) string {
	u := *s.resetURL
	q := u.Query()
	q.Set("token", token)
	q.Set("email", email)
	u.RawQuery = q.Encode()
	return u.String()
}

// ResetPassword redeems a reset token. On success the token is used, the
// password replaced and every refresh token of the account revoked, all in
// one transaction. Unknown, used, expired or mismatched tokens fail with
// ErrInvalidToken and change nothing. The username rule of the password
// policy is checked on the account row inside that transaction, after the
// token checks.
func (s *PasswordResetService) ResetPassword(ctx context.Context, email, token, newPassword string) error {
	ctx, span := tracer.Start(ctx, "auth.ResetPassword")
	defer span.End()

	if token == "" {
		return oops.Code("RESET_TOKEN_EMPTY").Wrapf(ErrInvalidInput, "reset token cannot be empty")
	}
	normalized, err := NormalizeEmail(email)
	if err != nil {
		return err
	}
	if err := ValidatePassword(newPassword, ""); err != nil {
		return err
	}

	hashedPassword, err := s.hasher.Hash(newPassword)
	if err != nil {
		return oops.Code("RESET_PASSWORD_FAILED").With("operation", "hash password").Wrap(err)
	}

	result, err := s.resets.Redeem(ctx, RedeemRequest{
		TokenHash:    HashOpaqueToken(token),
		Email:        normalized,
		PasswordHash: hashedPassword,
		Now:          s.now(),
		CheckAccount: func(username string) error {
			return ValidatePassword(newPassword, username)
		},
	})
	if err != nil {
		if errors.Is(err, ErrInvalidToken) || errors.Is(err, ErrNotFound) {
			s.observer.PasswordReset(ResetStageRejected)
			return oops.Code("RESET_TOKEN_INVALID").Wrap(ErrInvalidToken)
		}
		if errors.Is(err, ErrWeakPassword) {
			s.observer.PasswordReset(ResetStageRejected)
			return err
		}
		return unavailable("RESET_PASSWORD_FAILED", "redeem reset token", err)
	}

	s.observer.PasswordReset(ResetStageRedeemed)
	s.logger.InfoContext(ctx, "password reset completed",
		"account_id", result.AccountID.String(),
		"revoked_tokens", result.RevokedTokens,
	)
	return nil
}
