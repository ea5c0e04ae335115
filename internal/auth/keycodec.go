// Package auth provides the credential primitives for Keywarden: external key
// encoding/decoding, scrypt secret hashing with constant-time verification,
// admin bearer tokens, and the request authorizer that combines them into a
// single admit/deny decision. See internal/middleware/auth.go for the
// request-time wiring.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// KeyTag is the fixed literal opening every external key. It lets
	// support staff and secret scanners recognise a Keywarden credential
	// on sight and lets Parse reject foreign tokens before any lookup.
	KeyTag = "kw"

	// KeySeparator joins the tag, prefix, and payload segments.
	KeySeparator = "."

	// PrefixBytes is the entropy of the lookup prefix. 6 bytes hex-encode
	// to 12 characters; the prefix is not secret and is safe to log.
	PrefixBytes = 6

	// PayloadBytes is the entropy of the secret payload. 32 bytes encode
	// to 43 unpadded base64url characters.
	PayloadBytes = 32

	// prefixChars and payloadChars are the encoded segment lengths.
	prefixChars  = PrefixBytes * 2
	payloadChars = 43

	// ExternalKeyLength is the fixed total length of a well-formed key,
	// usable for cheap pre-validation before any parsing or lookup.
	ExternalKeyLength = len(KeyTag) + 1 + prefixChars + 1 + payloadChars

	// maskVisible is how many trailing payload characters Mask leaves
	// legible for display surfaces.
	maskVisible = 4

	maskChar = "*"
)

// GeneratedKey is the output of Generate. ExternalKey is handed to the caller
// exactly once; only Prefix ever reaches storage in the clear.
type GeneratedKey struct {
	ExternalKey string
	Prefix      string
	Payload     string
}

// ParsedKey is the two lookup-relevant segments of an external key.
type ParsedKey struct {
	Prefix  string
	Payload string
}

// Generate creates a fresh credential: a random lookup prefix, a random
// secret payload, and the assembled external key kw.<prefix>.<payload>.
func Generate() (*GeneratedKey, error) {
	prefixRaw := make([]byte, PrefixBytes)
	if _, err := rand.Read(prefixRaw); err != nil {
		return nil, fmt.Errorf("failed to generate key prefix: %w", err)
	}
	payloadRaw := make([]byte, PayloadBytes)
	if _, err := rand.Read(payloadRaw); err != nil {
		return nil, fmt.Errorf("failed to generate key payload: %w", err)
	}

	prefix := hex.EncodeToString(prefixRaw)
	payload := base64.RawURLEncoding.EncodeToString(payloadRaw)

	return &GeneratedKey{
		ExternalKey: KeyTag + KeySeparator + prefix + KeySeparator + payload,
		Prefix:      prefix,
		Payload:     payload,
	}, nil
}

// Parse splits an external key into its prefix and payload. It returns nil on
// any malformed input — wrong tag, wrong segment count, wrong segment length,
// or characters outside the expected alphabets. Malformed input must be
// indistinguishable, from a denial standpoint, from a credential that does
// not exist, so Parse never returns an error describing what was wrong.
func Parse(externalKey string) *ParsedKey {
	if len(externalKey) != ExternalKeyLength {
		return nil
	}
	parts := strings.Split(externalKey, KeySeparator)
	if len(parts) != 3 || parts[0] != KeyTag {
		return nil
	}
	prefix, payload := parts[1], parts[2]
	if len(prefix) != prefixChars || len(payload) != payloadChars {
		return nil
	}
	if _, err := hex.DecodeString(prefix); err != nil {
		return nil
	}
	if _, err := base64.RawURLEncoding.DecodeString(payload); err != nil {
		return nil
	}
	return &ParsedKey{Prefix: prefix, Payload: payload}
}

// Mask returns a display-safe form of an external key for audit logs and UI:
// the tag and prefix stay legible (neither is secret), the payload is
// replaced by mask characters except its final four characters. Input that
// does not parse as a key is masked in full so a mistyped secret pasted into
// an admin form never round-trips into a log.
func Mask(externalKey string) string {
	parsed := Parse(externalKey)
	if parsed == nil {
		return strings.Repeat(maskChar, len(externalKey))
	}
	masked := strings.Repeat(maskChar, payloadChars-maskVisible) + parsed.Payload[payloadChars-maskVisible:]
	return KeyTag + KeySeparator + parsed.Prefix + KeySeparator + masked
}
