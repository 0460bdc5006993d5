// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/samber/oops"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
)

// Hash algorithms accepted by NewPasswordHasher.
const (
	AlgorithmPBKDF2   = "pbkdf2-sha256"
	AlgorithmArgon2id = "argon2id"
)

// PBKDF2 parameters.
const (
	pbkdf2Iterations    = 210_000
	pbkdf2MinIterations = 10_000
	pbkdf2SaltLen       = 16
	pbkdf2KeyLen        = 32
)

// OWASP-recommended argon2id parameters.
const (
	argon2Time    = 1         // iterations
	argon2Memory  = 64 * 1024 // 64 MB
	argon2Threads = 4         // parallelism
	argon2SaltLen = 16        // salt length in bytes
	argon2KeyLen  = 32        // output length in bytes
)

// ErrEmptyPassword is returned when attempting to hash an empty password.
var ErrEmptyPassword = oops.Code("AUTH_EMPTY_PASSWORD").Wrapf(ErrInvalidInput, "password cannot be empty")

// PasswordHasher provides password hashing and verification.
type PasswordHasher interface {
	// Hash produces an encoded hash of the password with a fresh salt.
	Hash(password string) (string, error)

	// Verify reports whether password matches encoded. Malformed or
	// unsupported encodings never match.
	Verify(password, encoded string) bool

	// NeedsRehash returns true if encoded was produced with another
	// algorithm or weaker parameters.
	NeedsRehash(encoded string) bool
}

// NewPasswordHasher returns the hasher for algorithm. An empty algorithm
// selects PBKDF2.
func NewPasswordHasher(algorithm string) (PasswordHasher, error) {
	switch algorithm {
	case "", AlgorithmPBKDF2:
		return NewPBKDF2Hasher(), nil
	case AlgorithmArgon2id:
		return NewArgon2idHasher(), nil
	default:
		return nil, oops.Code("AUTH_UNKNOWN_HASH_ALGORITHM").
			With("algorithm", algorithm).
			Wrap(ErrInvalidInput)
	}
}

// PBKDF2Hasher implements PasswordHasher with PBKDF2-HMAC-SHA256.
// Encoded form: $pbkdf2-sha256$i=<iterations>$<base64(salt||digest)>
type PBKDF2Hasher struct {
	iterations int
}

// NewPBKDF2Hasher creates a PBKDF2Hasher with the default iteration count.
func NewPBKDF2Hasher() *PBKDF2Hasher {
	return &PBKDF2Hasher{iterations: pbkdf2Iterations}
}

// NewPBKDF2HasherWithIterations creates a PBKDF2Hasher with a custom
// iteration count. Counts below 10,000 are raised to 10,000.
func NewPBKDF2HasherWithIterations(iterations int) *PBKDF2Hasher {
	return &PBKDF2Hasher{iterations: max(iterations, pbkdf2MinIterations)}
}

// Hash produces a PBKDF2 hash of the password.
func (h *PBKDF2Hasher) Hash(password string) (string, error) {
	if password == "" {
		return "", ErrEmptyPassword
	}

	salt := make([]byte, pbkdf2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", oops.Code("AUTH_SALT_FAILED").Wrap(err)
	}

	digest := pbkdf2.Key([]byte(password), salt, h.iterations, pbkdf2KeyLen, sha256.New)
	payload := append(salt, digest...)

	return fmt.Sprintf("$%s$i=%d$%s",
		AlgorithmPBKDF2,
		h.iterations,
		base64.RawStdEncoding.EncodeToString(payload),
	), nil
}

// Verify checks password against any supported encoding.
func (h *PBKDF2Hasher) Verify(password, encoded string) bool {
	return verifyEncoded(password, encoded)
}

// NeedsRehash returns true for non-PBKDF2 hashes or fewer iterations.
func (h *PBKDF2Hasher) NeedsRehash(encoded string) bool {
	iterations, _, _, ok := parsePBKDF2(encoded)
	return !ok || iterations < h.iterations
}

// Argon2idHasher implements PasswordHasher using argon2id.
type Argon2idHasher struct{}

// NewArgon2idHasher creates a new Argon2idHasher.
func NewArgon2idHasher() *Argon2idHasher {
	return &Argon2idHasher{}
}

// Hash produces an argon2id hash of the password.
func (h *Argon2idHasher) Hash(password string) (string, error) {
	if password == "" {
		return "", ErrEmptyPassword
	}

	salt := make([]byte, argon2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", oops.Code("AUTH_SALT_FAILED").Wrap(err)
	}

	hash := argon2.IDKey([]byte(password), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)

	// $argon2id$v=19$m=65536,t=1,p=4$<salt>$<hash>
	return fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		argon2Memory,
		argon2Time,
		argon2Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// Verify checks password against any supported encoding.
func (h *Argon2idHasher) Verify(password, encoded string) bool {
	return verifyEncoded(password, encoded)
}

// NeedsRehash returns true if the hash is not argon2id.
func (h *Argon2idHasher) NeedsRehash(encoded string) bool {
	return !strings.HasPrefix(encoded, "$argon2id$")
}

// verifyEncoded dispatches on the algorithm prefix.
func verifyEncoded(password, encoded string) bool {
	switch {
	case strings.HasPrefix(encoded, "$"+AlgorithmPBKDF2+"$"):
		return verifyPBKDF2(password, encoded)
	case strings.HasPrefix(encoded, "$argon2id$"):
		return verifyArgon2id(password, encoded)
	default:
		return false
	}
}

func parsePBKDF2(encoded string) (iterations int, salt, digest []byte, ok bool) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 4 || parts[0] != "" || parts[1] != AlgorithmPBKDF2 {
		return 0, nil, nil, false
	}
	if _, err := fmt.Sscanf(parts[2], "i=%d", &iterations); err != nil {
		return 0, nil, nil, false
	}
	if iterations < pbkdf2MinIterations {
		return 0, nil, nil, false
	}
	payload, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil || len(payload) < pbkdf2SaltLen+pbkdf2KeyLen {
		return 0, nil, nil, false
	}
	split := len(payload) - pbkdf2KeyLen
	return iterations, payload[:split], payload[split:], true
}

func verifyPBKDF2(password, encoded string) bool {
	iterations, salt, expected, ok := parsePBKDF2(encoded)
	if !ok {
		return false
	}
	computed := pbkdf2.Key([]byte(password), salt, iterations, len(expected), sha256.New)
	return subtle.ConstantTimeCompare(computed, expected) == 1
}

func verifyArgon2id(password, encoded string) bool {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return false
	}

	var memory, iterations, threads uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &threads); err != nil {
		return false
	}
	// Reject parameters that would truncate or make verification unbounded.
	if threads == 0 || threads > 255 || iterations == 0 || memory == 0 || memory > 1<<22 {
		return false
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(salt) < argon2SaltLen {
		return false
	}

	expected, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(expected) == 0 || len(expected) > 1024 {
		return false
	}

	computed := argon2.IDKey([]byte(password), salt, iterations, memory, uint8(threads), uint32(len(expected)))
	return subtle.ConstantTimeCompare(computed, expected) == 1
}
