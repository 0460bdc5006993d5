// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/holomush/identity/internal/token"
	"github.com/holomush/identity/pkg/errutil"
)

// AccessTokenIssuer mints and validates access tokens. token.Issuer
// implements it.
type AccessTokenIssuer interface {
	Issue(subject string, roles []string) (string, time.Time, error)
	Validate(raw string) (*token.Claims, error)
}

// TokenPair is the result of a login or a refresh.
type TokenPair struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// ExpiresIn returns the access token lifetime remaining at now.
func (p *TokenPair) ExpiresIn(now time.Time) time.Duration {
	return p.AccessExpiresAt.Sub(now)
}

// SessionServiceConfig holds SessionService dependencies.
type SessionServiceConfig struct {
	Accounts   AccountRepository
	Tokens     RefreshTokenRepository
	Access     AccessTokenIssuer
	RefreshTTL time.Duration
	Logger     *slog.Logger
	Observer   Observer
	Now        func() time.Time
}

// SessionService issues, rotates and revokes token pairs.
type SessionService struct {
	accounts   AccountRepository
	tokens     RefreshTokenRepository
	access     AccessTokenIssuer
	refreshTTL time.Duration
	logger     *slog.Logger
	observer   Observer
	now        func() time.Time
}

// NewSessionService validates cfg and returns a SessionService.
func NewSessionService(cfg SessionServiceConfig) (*SessionService, error) {
	if cfg.Accounts == nil {
		return nil, oops.Code("SESSION_SERVICE_INVALID").Errorf("accounts repository is required")
	}
	if cfg.Tokens == nil {
		return nil, oops.Code("SESSION_SERVICE_INVALID").Errorf("refresh token repository is required")
	}
	if cfg.Access == nil {
		return nil, oops.Code("SESSION_SERVICE_INVALID").Errorf("access token issuer is required")
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = DefaultRefreshTokenExpiry
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
	return &SessionService{
		accounts:   cfg.Accounts,
		tokens:     cfg.Tokens,
		access:     cfg.Access,
		refreshTTL: cfg.RefreshTTL,
		logger:     cfg.Logger,
		observer:   cfg.Observer,
		now:        cfg.Now,
	}, nil
}

// IssuePair mints an access token and persists a new refresh token for account.
func (s *SessionService) IssuePair(ctx context.Context, account *Account, client ClientInfo) (*TokenPair, error) {
	now := s.now()
	plaintext, hash, err := GenerateOpaqueToken()
	if err != nil {
		return nil, oops.Code("SESSION_ISSUE_FAILED").With("operation", "generate refresh token").Wrap(err)
	}
	record, err := NewRefreshToken(account.ID, hash, client, now, s.refreshTTL)
	if err != nil {
		return nil, oops.Code("SESSION_ISSUE_FAILED").With("operation", "new refresh token").Wrap(err)
	}
	if err := s.tokens.Create(ctx, record); err != nil {
		return nil, unavailable("SESSION_ISSUE_FAILED", "persist refresh token", err)
	}
	return s.pair(account, plaintext, record)
}

func (s *SessionService) pair(account *Account, refreshPlaintext string, record *RefreshToken) (*TokenPair, error) {
	accessToken, accessExpiry, err := s.access.Issue(account.ID.String(), account.Roles)
	if err != nil {
		return nil, oops.Code("SESSION_ISSUE_FAILED").With("operation", "issue access token").Wrap(err)
	}
	return &TokenPair{
		AccessToken:      accessToken,
		AccessExpiresAt:  accessExpiry,
		RefreshToken:     refreshPlaintext,
		RefreshExpiresAt: record.ExpiresAt,
	}, nil
}

// Rotate exchanges an active refresh token for a new pair. The presented
// token is revoked. Presenting a revoked token revokes every token of its
// account and returns ErrTokenReused.
func (s *SessionService) Rotate(ctx context.Context, refreshToken string, client ClientInfo) (*TokenPair, error) {
	ctx, span := tracer.Start(ctx, "auth.Rotate")
	defer span.End()

	if refreshToken == "" {
		return nil, oops.Code("SESSION_TOKEN_EMPTY").Wrapf(ErrInvalidInput, "refresh token cannot be empty")
	}

	now := s.now()
	current, err := s.tokens.GetByTokenHash(ctx, HashOpaqueToken(refreshToken))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.observer.TokenRotation(OutcomeInvalidToken)
			return nil, oops.Code("SESSION_INVALID").Wrap(ErrInvalidToken)
		}
		return nil, unavailable("SESSION_ROTATE_FAILED", "get refresh token", err)
	}

	if current.IsRevoked() {
		return nil, s.reuseDetected(ctx, current, now)
	}
	if current.IsExpired(now) {
		s.observer.TokenRotation(OutcomeInvalidToken)
		return nil, oops.Code("SESSION_EXPIRED").Wrap(ErrInvalidToken)
	}

	account, err := s.accounts.GetByID(ctx, current.AccountID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.revokeQuietly(ctx, current, RevokedAccountDeleted, now)
			return nil, oops.Code("SESSION_INVALID").Wrap(ErrInvalidToken)
		}
		return nil, unavailable("SESSION_ROTATE_FAILED", "get account", err)
	}
	if account.Status != StatusActive || account.IsLocked(now) {
		s.revokeQuietly(ctx, current, RevokedAccountState, now)
		s.observer.TokenRotation(OutcomeInvalidToken)
		return nil, oops.Code("SESSION_ACCOUNT_UNAVAILABLE").
			With("account_id", account.ID.String()).
			Wrap(ErrInvalidToken)
	}

	plaintext, hash, err := GenerateOpaqueToken()
	if err != nil {
		return nil, oops.Code("SESSION_ROTATE_FAILED").With("operation", "generate refresh token").Wrap(err)
	}
	next, err := NewRefreshToken(account.ID, hash, client, now, s.refreshTTL)
	if err != nil {
		return nil, oops.Code("SESSION_ROTATE_FAILED").With("operation", "new refresh token").Wrap(err)
	}

	if err := s.tokens.Rotate(ctx, current.ID, next, now); err != nil {
		if errors.Is(err, ErrTokenNotActive) {
			// Another request revoked or rotated this token after we read it.
			return nil, s.reuseDetected(ctx, current, now)
		}
		return nil, unavailable("SESSION_ROTATE_FAILED", "rotate refresh token", err)
	}

	pair, err := s.pair(account, plaintext, next)
	if err != nil {
		return nil, err
	}
	s.observer.TokenRotation(OutcomeSuccess)
	return pair, nil
}

// reuseDetected revokes the whole account's token set and reports the reuse.
func (s *SessionService) reuseDetected(ctx context.Context, presented *RefreshToken, now time.Time) error {
	s.observer.TokenRotation(OutcomeReuseDetected)

	revoked, err := s.tokens.RevokeAllForAccount(ctx, presented.AccountID, RevokedReuseDetected, now)
	if err != nil {
		return unavailable("SESSION_REUSE_REVOKE_FAILED", "revoke all refresh tokens", err)
	}

	s.logger.WarnContext(ctx, "refresh token reuse detected",
		"account_id", presented.AccountID.String(),
		"token_id", presented.ID.String(),
		"revoked", revoked,
	)
	return oops.Code("SESSION_TOKEN_REUSED").
		With("account_id", presented.AccountID.String()).
		Wrap(ErrTokenReused)
}

func (s *SessionService) revokeQuietly(ctx context.Context, t *RefreshToken, reason RevocationReason, now time.Time) {
	if err := s.tokens.Revoke(ctx, t.ID, reason, now); err != nil {
		errutil.LogError(s.logger, "failed to revoke refresh token",
			oops.With("token_id", t.ID.String()).With("reason", string(reason)).Wrap(err))
	}
}

// Revoke revokes the presented refresh token. Unknown tokens and store
// failures are logged, never returned: logout always succeeds for the caller.
func (s *SessionService) Revoke(ctx context.Context, refreshToken string) {
	if refreshToken == "" {
		return
	}
	now := s.now()
	current, err := s.tokens.GetByTokenHash(ctx, HashOpaqueToken(refreshToken))
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			errutil.LogError(s.logger, "logout lookup failed", err)
		}
		return
	}
	if current.IsRevoked() {
		return
	}
	s.revokeQuietly(ctx, current, RevokedLogout, now)
}

// RevokeAll revokes every active refresh token of an account.
func (s *SessionService) RevokeAll(ctx context.Context, accountID ulid.ULID, reason RevocationReason) (int64, error) {
	n, err := s.tokens.RevokeAllForAccount(ctx, accountID, reason, s.now())
	if err != nil {
		return 0, unavailable("SESSION_REVOKE_ALL_FAILED", "revoke all refresh tokens", err)
	}
	return n, nil
}

// ValidateAccessToken returns the claims of a valid access token.
func (s *SessionService) ValidateAccessToken(raw string) (*token.Claims, error) {
	claims, err := s.access.Validate(raw)
	if err != nil {
		return nil, oops.Code("AUTH_INVALID_ACCESS_TOKEN").Wrap(errors.Join(ErrInvalidToken, err))
	}
	return claims, nil
}
