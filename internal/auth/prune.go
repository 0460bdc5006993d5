// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"log/slog"
	"time"
)

// PruneResult counts rows removed by Prune.
type PruneResult struct {
	RefreshTokens  int64
	PasswordResets int64
}

// Prune deletes refresh tokens and password resets that expired before
// cutoff. Revoked tokens are kept until they expire so reuse detection keeps
// working for their whole lifetime.
func Prune(ctx context.Context, tokens RefreshTokenRepository, resets PasswordResetRepository, cutoff time.Time, logger *slog.Logger) (PruneResult, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var result PruneResult
	n, err := tokens.DeleteExpired(ctx, cutoff)
	if err != nil {
		return result, unavailable("PRUNE_FAILED", "delete expired refresh tokens", err)
	}
	result.RefreshTokens = n

	n, err = resets.DeleteExpired(ctx, cutoff)
	if err != nil {
		return result, unavailable("PRUNE_FAILED", "delete expired password resets", err)
	}
	result.PasswordResets = n

	logger.InfoContext(ctx, "pruned expired credentials",
		"refresh_tokens", result.RefreshTokens,
		"password_resets", result.PasswordResets,
		"cutoff", cutoff,
	)
	return result, nil
}
