// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/identity/internal/auth"
)

func testHashers() map[string]auth.PasswordHasher {
	return map[string]auth.PasswordHasher{
		"pbkdf2":   auth.NewPBKDF2HasherWithIterations(10_000),
		"argon2id": auth.NewArgon2idHasher(),
	}
}

func TestHasher_HashAndVerify(t *testing.T) {
	for name, hasher := range testHashers() {
		t.Run(name, func(t *testing.T) {
			hash, err := hasher.Hash("correctpassword")
			require.NoError(t, err)
			assert.NotContains(t, hash, "correctpassword")

			assert.True(t, hasher.Verify("correctpassword", hash))
			assert.False(t, hasher.Verify("wrongpassword", hash))
			assert.False(t, hasher.Verify("", hash))
		})

		t.Run(name+" salts every hash", func(t *testing.T) {
			first, err := hasher.Hash("samepassword")
			require.NoError(t, err)
			second, err := hasher.Hash("samepassword")
			require.NoError(t, err)
			assert.NotEqual(t, first, second)
		})

		t.Run(name+" rejects empty password", func(t *testing.T) {
			_, err := hasher.Hash("")
			require.ErrorIs(t, err, auth.ErrInvalidInput)
		})
	}
}

func TestPBKDF2Hasher_Encoding(t *testing.T) {
	hash, err := auth.NewPBKDF2HasherWithIterations(10_000).Hash("password123")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "$pbkdf2-sha256$i=10000$"), hash)
}

func TestPBKDF2Hasher_DefaultIterations(t *testing.T) {
	hash, err := auth.NewPBKDF2Hasher().Hash("password123")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "$pbkdf2-sha256$i=210000$"), hash)
	assert.False(t, auth.NewPBKDF2Hasher().NeedsRehash(hash))
}

func TestHasher_VerifiesAcrossAlgorithms(t *testing.T) {
	argonHash, err := auth.NewArgon2idHasher().Hash("password123")
	require.NoError(t, err)

	pbkdf2 := auth.NewPBKDF2HasherWithIterations(10_000)
	assert.True(t, pbkdf2.Verify("password123", argonHash))
	assert.True(t, pbkdf2.NeedsRehash(argonHash))

	weak, err := pbkdf2.Hash("password123")
	require.NoError(t, err)
	assert.True(t, auth.NewPBKDF2Hasher().NeedsRehash(weak), "fewer iterations need a rehash")
	assert.True(t, auth.NewArgon2idHasher().NeedsRehash(weak))
}

func TestHasher_MalformedEncodingsNeverMatch(t *testing.T) {
	hasher := auth.NewPBKDF2HasherWithIterations(10_000)
	for _, encoded := range []string{
		"",
		"plaintext",
		"$pbkdf2-sha256$",
		"$pbkdf2-sha256$i=abc$AAAA",
		"$pbkdf2-sha256$i=10000$not-base64!",
		"$pbkdf2-sha256$i=10000$AAAA",
		"$pbkdf2-sha256$i=1$" + strings.Repeat("A", 64),
		"$argon2id$v=19$m=65536,t=1,p=4$invalid",
		"$bcrypt$whatever",
	} {
		t.Run(encoded, func(t *testing.T) {
			assert.False(t, hasher.Verify("password123", encoded))
			assert.True(t, hasher.NeedsRehash(encoded))
		})
	}
}

func TestNewPasswordHasher(t *testing.T) {
	h, err := auth.NewPasswordHasher("")
	require.NoError(t, err)
	assert.IsType(t, &auth.PBKDF2Hasher{}, h)

	h, err = auth.NewPasswordHasher(auth.AlgorithmArgon2id)
	require.NoError(t, err)
	assert.IsType(t, &auth.Argon2idHasher{}, h)

	_, err = auth.NewPasswordHasher("md5")
	require.ErrorIs(t, err, auth.ErrInvalidInput)
}
