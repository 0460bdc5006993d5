// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package auth implements credential verification, token pair lifecycle,
// account lockout and password resets.
//
// # Domain Types
//
// Domain types (Account, RefreshToken, PasswordReset) should be created
// using their respective constructors:
//   - NewAccount - validates username and email, starts pending verification
//   - NewRefreshToken - validates owner and hash, sets expiry
//   - NewPasswordReset - validates owner and hash, sets expiry
//
// Plaintext refresh and reset tokens never reach a repository; only their
// SHA-256 hashes are stored.
//
// # Services
//
// Service types coordinate domain operations:
//   - Service - login, password change, account creation
//   - SessionService - token pair issuance, rotation with reuse detection, logout
//   - PasswordResetService - reset request and redemption
//
// Expected outcomes are returned as errors wrapping the sentinels in
// errors.go. KindOf maps them to a Kind so transports can pick a response
// without string matching. Store failures wrap ErrUnavailable.
package auth
