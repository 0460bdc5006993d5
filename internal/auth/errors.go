// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"errors"

	"github.com/samber/oops"
)

// Sentinel errors. Services wrap these with oops codes; callers classify them
// with KindOf and match them with errors.Is.
var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when a unique field (username, email) is taken.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidInput is returned for malformed requests.
	ErrInvalidInput = errors.New("invalid input")

	// ErrWeakPassword is returned when a new password fails the password policy.
	ErrWeakPassword = errors.New("password does not meet requirements")

	// ErrInvalidCredentials is the single outcome for unknown accounts and wrong passwords.
	ErrInvalidCredentials = errors.New("invalid username or password")

	// ErrAccountLocked is returned while a lockout window is active.
	ErrAccountLocked = errors.New("account is temporarily locked")

	// ErrEmailUnconfirmed is returned on login before the email is confirmed.
	ErrEmailUnconfirmed = errors.New("email address not confirmed")

	// ErrWrongPassword is returned by ChangePassword when the current password does not match.
	ErrWrongPassword = errors.New("current password is incorrect")

	// ErrInvalidToken covers unknown, expired and already-used tokens.
	ErrInvalidToken = errors.New("invalid or expired token")

	// ErrTokenReused is returned when a revoked refresh token is presented again.
	ErrTokenReused = errors.New("refresh token reuse detected")

	// ErrTokenNotActive is returned by repositories when a rotation targets a
	// token that was revoked or expired by the time its row was locked.
	ErrTokenNotActive = errors.New("token not active")

	// ErrRateLimited is returned when a client exceeds its request budget.
	ErrRateLimited = errors.New("too many requests")

	// ErrRejectedInput is returned when request screening rejects a body.
	ErrRejectedInput = errors.New("bad request")

	// ErrUnavailable marks failures of the backing store or other collaborators.
	ErrUnavailable = errors.New("service unavailable")
)

// Kind classifies an error for callers deciding how to respond.
type Kind uint8

// Error kinds.
const (
	KindInternal Kind = iota
	KindValidation
	KindAuthentication
	KindRateLimited
	KindSecurity
	KindUnavailable
)

var kindNames = [...]string{
	KindInternal:       "internal",
	KindValidation:     "validation",
	KindAuthentication: "authentication",
	KindRateLimited:    "rate_limited",
	KindSecurity:       "security",
	KindUnavailable:    "unavailable",
}

// String returns the kind name.
func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return kindNames[KindInternal]
}

// kindTable is checked in order; the first sentinel found in the chain wins.
// ErrUnavailable comes first so a storage failure joined with another
// sentinel is never reported as an authentication outcome.
var kindTable = []struct {
	err  error
	kind Kind
}{
	{ErrUnavailable, KindUnavailable},
	{ErrTokenReused, KindSecurity},
	{ErrRejectedInput, KindSecurity},
	{ErrRateLimited, KindRateLimited},
	{ErrInvalidInput, KindValidation},
	{ErrWeakPassword, KindValidation},
	{ErrAlreadyExists, KindValidation},
	{ErrInvalidCredentials, KindAuthentication},
	{ErrAccountLocked, KindAuthentication},
	{ErrEmailUnconfirmed, KindAuthentication},
	{ErrWrongPassword, KindAuthentication},
	{ErrInvalidToken, KindAuthentication},
	{ErrTokenNotActive, KindAuthentication},
}

// KindOf returns the kind of err. Nil errors and unknown errors are KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	for _, entry := range kindTable {
		if errors.Is(err, entry.err) {
			return entry.kind
		}
	}
	return KindInternal
}

// unavailable wraps a collaborator failure so it classifies as KindUnavailable
// while keeping the original error in the chain.
func unavailable(code, operation string, err error) error {
	return oops.Code(code).
		With("operation", operation).
		Wrap(errors.Join(ErrUnavailable, err))
}
