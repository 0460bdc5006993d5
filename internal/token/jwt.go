// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package token mints and validates signed access tokens.
//
// Access tokens are HS256 JWTs carrying sub, roles, iat, exp, iss, aud and
// jti. Validation pins the algorithm, requires every claim and allows no
// clock skew.
package token

import (
	"errors"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Defaults for access tokens.
const (
	DefaultAccessTokenTTL = time.Hour
	MinSigningKeyLength   = 32
)

// ErrInvalidToken is returned for any token that fails validation.
var ErrInvalidToken = errors.New("invalid access token")

// Claims is the access token claim set.
type Claims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// Config configures an Issuer.
type Config struct {
	SigningKey []byte
	Issuer     string
	Audience   string
	TTL        time.Duration

	// Now is the clock used for iat/exp and validation. Defaults to time.Now.
	Now func() time.Time
}

// Issuer mints and validates access tokens with a symmetric key.
type Issuer struct {
	key      []byte
	issuer   string
	audience string
	ttl      time.Duration
	now      func() time.Time
	parser   *jwt.Parser
}

// NewIssuer validates cfg and returns an Issuer.
func NewIssuer(cfg Config) (*Issuer, error) {
	if len(cfg.SigningKey) < MinSigningKeyLength {
		return nil, oops.Code("TOKEN_CONFIG_INVALID").
			With("min_length", MinSigningKeyLength).
			Errorf("signing key must be at least %d bytes", MinSigningKeyLength)
	}
	if cfg.Issuer == "" {
		return nil, oops.Code("TOKEN_CONFIG_INVALID").Errorf("issuer is required")
	}
	if cfg.Audience == "" {
		return nil, oops.Code("TOKEN_CONFIG_INVALID").Errorf("audience is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultAccessTokenTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Issuer{
		key:      slices.Clone(cfg.SigningKey),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		ttl:      cfg.TTL,
		now:      cfg.Now,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(cfg.Issuer),
			jwt.WithAudience(cfg.Audience),
			jwt.WithExpirationRequired(),
			jwt.WithIssuedAt(),
			jwt.WithLeeway(0),
			jwt.WithTimeFunc(cfg.Now),
		),
	}, nil
}

// Issue mints a token for subject with roles and returns it with its expiry.
func (i *Issuer) Issue(subject string, roles []string) (string, time.Time, error) {
	if subject == "" {
		return "", time.Time{}, oops.Code("TOKEN_ISSUE_FAILED").Errorf("subject is required")
	}
	if roles == nil {
		roles = []string{}
	}

	now := i.now().Truncate(time.Second)
	expiresAt := now.Add(i.ttl)
	claims := Claims{
		Roles: slices.Clone(roles),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        ulid.Make().String(),
			Subject:   subject,
			Issuer:    i.issuer,
			Audience:  jwt.ClaimStrings{i.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return "", time.Time{}, oops.Code("TOKEN_ISSUE_FAILED").With("subject", subject).Wrap(err)
	}
	return signed, expiresAt, nil
}

// Validate parses raw and returns its claims if the signature, algorithm,
// issuer, audience and expiry all check out.
func (i *Issuer) Validate(raw string) (*Claims, error) {
	if raw == "" {
		return nil, oops.Code("TOKEN_INVALID").Wrapf(ErrInvalidToken, "token is empty")
	}

	claims := &Claims{}
	parsed, err := i.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return i.key, nil
	})
	if err != nil {
		return nil, oops.Code("TOKEN_INVALID").Wrap(errors.Join(ErrInvalidToken, err))
	}
	if !parsed.Valid || claims.Subject == "" || claims.IssuedAt == nil || claims.Roles == nil {
		return nil, oops.Code("TOKEN_INVALID").Wrapf(ErrInvalidToken, "required claims missing")
	}
	return claims, nil
}
