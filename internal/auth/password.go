// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"strings"
	"unicode/utf8"

	"github.com/samber/oops"
)

// Password length bounds, in characters.
const (
	MinPasswordLength = 8
	MaxPasswordLength = 128
)

// ValidatePassword checks a new password against the password policy.
// username may be empty when it is not known.
func ValidatePassword(password, username string) error {
	n := utf8.RuneCountInString(password)
	if n < MinPasswordLength {
		return oops.Code("AUTH_WEAK_PASSWORD").
			With("min", MinPasswordLength).
			Wrapf(ErrWeakPassword, "password must be at least %d characters", MinPasswordLength)
	}
	if n > MaxPasswordLength {
		return oops.Code("AUTH_WEAK_PASSWORD").
			With("max", MaxPasswordLength).
			Wrapf(ErrWeakPassword, "password must be at most %d characters", MaxPasswordLength)
	}
	if username != "" && strings.EqualFold(password, username) {
		return oops.Code("AUTH_WEAK_PASSWORD").Wrapf(ErrWeakPassword, "password cannot equal the username")
	}
	return nil
}
