// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/identity/internal/auth"
	"github.com/holomush/identity/pkg/errutil"
)

func TestRotate_IssuesNewPairAndRevokesOld(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createAccount(t, "alice", true)
	first := f.login(t, "alice")

	f.clock.Advance(time.Minute)
	second, err := f.sessions.Rotate(ctx, first.RefreshToken, auth.ClientInfo{UserAgent: "refresh"})
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
	assert.NotEqual(t, first.AccessToken, second.AccessToken)

	old, err := f.store.RefreshTokens().GetByTokenHash(ctx, auth.HashOpaqueToken(first.RefreshToken))
	require.NoError(t, err)
	require.NotNil(t, old.RevocationReason)
	assert.Equal(t, auth.RevokedRotated, *old.RevocationReason)
	require.NotNil(t, old.ReplacedBy)

	next, err := f.store.RefreshTokens().GetByTokenHash(ctx, auth.HashOpaqueToken(second.RefreshToken))
	require.NoError(t, err)
	assert.Equal(t, *old.ReplacedBy, next.ID)
	assert.True(t, next.IsActive(f.clock.Now()))
	assert.Equal(t, 1, f.observer.Count("rotation", auth.OutcomeSuccess))
}

func TestRotate_ReuseRevokesEveryToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createAccount(t, "alice", true)
	first := f.login(t, "alice")
	otherDevice := f.login(t, "alice")

	second, err := f.sessions.Rotate(ctx, first.RefreshToken, auth.ClientInfo{})
	require.NoError(t, err)

	_, err = f.sessions.Rotate(ctx, first.RefreshToken, auth.ClientInfo{})
	require.ErrorIs(t, err, auth.ErrTokenReused)
	assert.Equal(t, auth.KindSecurity, auth.KindOf(err))
	errutil.AssertErrorCode(t, err, "SESSION_TOKEN_REUSED")
	assert.Contains(t, f.logs.String(), "refresh token reuse detected")

	for _, plaintext := range []string{second.RefreshToken, otherDevice.RefreshToken} {
		stored, err := f.store.RefreshTokens().GetByTokenHash(ctx, auth.HashOpaqueToken(plaintext))
		require.NoError(t, err)
		require.NotNil(t, stored.RevocationReason)
		assert.Equal(t, auth.RevokedReuseDetected, *stored.RevocationReason)
	}

	_, err = f.sessions.Rotate(ctx, second.RefreshToken, auth.ClientInfo{})
	require.ErrorIs(t, err, auth.ErrTokenReused, "the thief's token is dead too")
}

func TestRotate_ConcurrentUseHasOneWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createAccount(t, "alice", true)
	pair := f.login(t, "alice")

	const racers = 8
	errs := make([]error, racers)
	var wg sync.WaitGroup
	for i := range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.sessions.Rotate(ctx, pair.RefreshToken, auth.ClientInfo{})
		}()
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, auth.ErrTokenReused)
	}
	assert.Equal(t, 1, wins)
}

func TestRotate_InvalidTokens(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown token", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.sessions.Rotate(ctx, "deadbeef", auth.ClientInfo{})
		require.ErrorIs(t, err, auth.ErrInvalidToken)
		assert.Equal(t, 1, f.observer.Count("rotation", auth.OutcomeInvalidToken))
	})

	t.Run("empty token", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.sessions.Rotate(ctx, "", auth.ClientInfo{})
		require.ErrorIs(t, err, auth.ErrInvalidInput)
	})

	t.Run("expired token", func(t *testing.T) {
		f := newFixture(t)
		f.createAccount(t, "alice", true)
		pair := f.login(t, "alice")

		f.clock.Advance(auth.DefaultRefreshTokenExpiry)
		_, err := f.sessions.Rotate(ctx, pair.RefreshToken, auth.ClientInfo{})
		require.ErrorIs(t, err, auth.ErrInvalidToken)
		assert.NotErrorIs(t, err, auth.ErrTokenReused)
	})

	t.Run("account locked after issuance", func(t *testing.T) {
		f := newFixture(t)
		account := f.createAccount(t, "alice", true)
		pair := f.login(t, "alice")

		for range auth.DefaultLockoutThreshold {
			_, _ = f.service.Login(ctx, "alice", "wrong-password", auth.ClientInfo{})
		}
		_, err := f.sessions.Rotate(ctx, pair.RefreshToken, auth.ClientInfo{})
		require.ErrorIs(t, err, auth.ErrInvalidToken)

		stored, err := f.store.RefreshTokens().GetByTokenHash(ctx, auth.HashOpaqueToken(pair.RefreshToken))
		require.NoError(t, err)
		assert.Equal(t, account.ID, stored.AccountID)
		assert.True(t, stored.IsRevoked())
	})
}

func TestRevoke_IsIdempotentAndSilent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createAccount(t, "alice", true)
	pair := f.login(t, "alice")

	f.sessions.Revoke(ctx, pair.RefreshToken)
	f.sessions.Revoke(ctx, pair.RefreshToken)
	f.sessions.Revoke(ctx, "unknown-token")
	f.sessions.Revoke(ctx, "")

	stored, err := f.store.RefreshTokens().GetByTokenHash(ctx, auth.HashOpaqueToken(pair.RefreshToken))
	require.NoError(t, err)
	require.NotNil(t, stored.RevocationReason)
	assert.Equal(t, auth.RevokedLogout, *stored.RevocationReason)
}

func TestRevokeAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account := f.createAccount(t, "alice", true)
	f.login(t, "alice")
	f.login(t, "alice")

	n, err := f.sessions.RevokeAll(ctx, account.ID, auth.RevokedAccountDeleted)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = f.sessions.RevokeAll(ctx, ulid.Make(), auth.RevokedAccountDeleted)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestValidateAccessToken(t *testing.T) {
	f := newFixture(t)
	f.createAccount(t, "alice", true)
	pair := f.login(t, "alice")

	_, err := f.sessions.ValidateAccessToken(pair.AccessToken)
	require.NoError(t, err)

	_, err = f.sessions.ValidateAccessToken(pair.AccessToken + "x")
	require.ErrorIs(t, err, auth.ErrInvalidToken)

	f.clock.Advance(time.Hour)
	_, err = f.sessions.ValidateAccessToken(pair.AccessToken)
	require.ErrorIs(t, err, auth.ErrInvalidToken, "expiry has no leeway")
}
