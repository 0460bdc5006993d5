// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"time"
)

// Lockout defaults.
const (
	// DefaultLockoutThreshold is the number of consecutive failures that triggers a lockout.
	DefaultLockoutThreshold = 5

	// DefaultLockoutDuration is the time an account stays locked.
	DefaultLockoutDuration = 15 * time.Minute
)

// LockoutPolicy decides when repeated login failures lock an account.
type LockoutPolicy struct {
	Threshold int
	Duration  time.Duration
}

// DefaultLockoutPolicy returns the policy with default threshold and duration.
func DefaultLockoutPolicy() LockoutPolicy {
	return LockoutPolicy{
		Threshold: DefaultLockoutThreshold,
		Duration:  DefaultLockoutDuration,
	}
}

// withDefaults replaces non-positive fields with their defaults.
func (p LockoutPolicy) withDefaults() LockoutPolicy {
	if p.Threshold <= 0 {
		p.Threshold = DefaultLockoutThreshold
	}
	if p.Duration <= 0 {
		p.Duration = DefaultLockoutDuration
	}
	return p
}

// LockoutState is the lockout view over an account's counters.
type LockoutState struct {
	FailedAttempts int
	LockedUntil    *time.Time
}

// IsLocked returns true if the lockout window is still open at now.
func (s LockoutState) IsLocked(now time.Time) bool {
	return IsLockedOut(s.LockedUntil, now)
}

// Remaining returns the time left on an active lockout, or zero.
func (s LockoutState) Remaining(now time.Time) time.Duration {
	if !s.IsLocked(now) {
		return 0
	}
	return s.LockedUntil.Sub(now)
}

// RecordFailure applies one failed attempt to state. A failure while the
// lockout is open leaves state unchanged. A failure after an expired lockout
// starts a fresh count.
func (p LockoutPolicy) RecordFailure(state LockoutState, now time.Time) LockoutState {
	p = p.withDefaults()

	if state.IsLocked(now) {
		return state
	}
	if state.LockedUntil != nil && !state.LockedUntil.After(now) {
		state = LockoutState{}
	}

	state.FailedAttempts++
	if state.FailedAttempts >= p.Threshold && state.LockedUntil == nil {
		until := now.Add(p.Duration)
		state.LockedUntil = &until
	}
	return state
}

// ResetOnSuccess returns the state after a successful login.
func ResetOnSuccess() LockoutState {
	return LockoutState{}
}

// IsLockedOut returns true if lockedUntil is after now.
func IsLockedOut(lockedUntil *time.Time, now time.Time) bool {
	return lockedUntil != nil && lockedUntil.After(now)
}
