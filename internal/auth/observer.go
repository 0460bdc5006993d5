// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import "go.opentelemetry.io/otel"

// tracer is the package tracer. Without a configured provider it is a no-op.
var tracer = otel.Tracer("github.com/holomush/identity/internal/auth")

// Login outcomes reported to an Observer.
const (
	OutcomeSuccess            = "success"
	OutcomeInvalidCredentials = "invalid_credentials"
	OutcomeLocked             = "locked"
	OutcomeUnconfirmed        = "unconfirmed"
	OutcomeError              = "error"
	OutcomeReuseDetected      = "reuse_detected"
	OutcomeInvalidToken       = "invalid_token"
)

// Password reset stages reported to an Observer.
const (
	ResetStageRequested = "requested"
	ResetStageSkipped   = "skipped"
	ResetStageRedeemed  = "redeemed"
	ResetStageRejected  = "rejected"
)

// Observer receives counters for auth events. observability.Metrics
// implements it.
type Observer interface {
	LoginAttempt(outcome string)
	TokenRotation(outcome string)
	PasswordReset(stage string)
}

type nopObserver struct{}

func (nopObserver) LoginAttempt(string)  {}
func (nopObserver) TokenRotation(string) {}
func (nopObserver) PasswordReset(string) {}
