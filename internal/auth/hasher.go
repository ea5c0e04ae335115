// hasher.go derives and verifies credential secret hashes with scrypt.
//
// scrypt rather than a plain SHA-2 digest: API keys have full 256-bit entropy
// so brute force is already hopeless, but a memory-hard KDF also defeats the
// cheaper attack of confirming a candidate key leaked from elsewhere against
// a stolen database dump at GPU speed. The work parameters are fixed and
// documented here; changing them invalidates every stored hash, so they are
// deliberately not configuration.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"time"

	"golang.org/x/crypto/scrypt"

	"github.com/keywarden/keywarden/internal/telemetry"
)

const (
	// scrypt work parameters: interactive-grade (≈30 ms, 32 MiB) because
	// verification runs on every authenticated request, not once per login.
	scryptN = 32768
	scryptR = 8
	scryptP = 1

	// HashLength is the fixed digest size in bytes.
	HashLength = 32

	// SaltLength is the per-credential salt size in bytes. The salt is
	// generated at creation time and stored alongside the digest; it is
	// never derived from the payload.
	SaltLength = 16
)

// NewSalt returns a fresh random salt for a new or rotated credential.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// HashSecret derives the storable digest of a secret payload under the given
// per-credential salt.
func HashSecret(payload string, salt []byte) ([]byte, error) {
	digest, err := scrypt.Key([]byte(payload), salt, scryptN, scryptR, scryptP, HashLength)
	if err != nil {
		return nil, fmt.Errorf("failed to hash secret: %w", err)
	}
	return digest, nil
}

// VerifySecret recomputes the digest for payload/salt and compares it to the
// stored digest in constant time. Mismatched lengths fail immediately —
// digest length is fixed and public, so the early return leaks nothing —
// and subtle.ConstantTimeCompare guarantees the comparison time never
// correlates with how many leading bytes matched.
func VerifySecret(payload string, salt, expected []byte) bool {
	start := time.Now()
	defer func() {
		telemetry.SecretVerifyDuration.Observe(time.Since(start).Seconds())
	}()

	digest, err := HashSecret(payload, salt)
	if err != nil {
		return false
	}
	if len(digest) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare(digest, expected) == 1
}
