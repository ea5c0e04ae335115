package auth

import (
	"bytes"
	"testing"
)

func TestNewSalt(t *testing.T) {
	s1, err := NewSalt()
	if err != nil {
		t.Fatalf("NewSalt error: %v", err)
	}
	if len(s1) != SaltLength {
		t.Errorf("salt length = %d, want %d", len(s1), SaltLength)
	}

	s2, err := NewSalt()
	if err != nil {
		t.Fatalf("NewSalt error: %v", err)
	}
	if bytes.Equal(s1, s2) {
		t.Error("two salts are identical, want random")
	}
}

func TestHashSecret_Deterministic(t *testing.T) {
	salt, _ := NewSalt()

	h1, err := HashSecret("payload", salt)
	if err != nil {
		t.Fatalf("HashSecret error: %v", err)
	}
	if len(h1) != HashLength {
		t.Errorf("digest length = %d, want %d", len(h1), HashLength)
	}

	h2, _ := HashSecret("payload", salt)
	if !bytes.Equal(h1, h2) {
		t.Error("same payload and salt produced different digests")
	}
}

func TestHashSecret_SaltSeparatesDigests(t *testing.T) {
	s1, _ := NewSalt()
	s2, _ := NewSalt()

	h1, _ := HashSecret("payload", s1)
	h2, _ := HashSecret("payload", s2)
	if bytes.Equal(h1, h2) {
		t.Error("same payload under different salts produced identical digests")
	}
}

func TestVerifySecret(t *testing.T) {
	salt, _ := NewSalt()
	digest, err := HashSecret("correct-payload", salt)
	if err != nil {
		t.Fatalf("HashSecret error: %v", err)
	}

	t.Run("correct payload verifies", func(t *testing.T) {
		if !VerifySecret("correct-payload", salt, digest) {
			t.Error("VerifySecret = false for the correct payload")
		}
	})

	t.Run("wrong payload fails", func(t *testing.T) {
		if VerifySecret("wrong-payload", salt, digest) {
			t.Error("VerifySecret = true for a wrong payload")
		}
	})

	t.Run("wrong salt fails", func(t *testing.T) {
		other, _ := NewSalt()
		if VerifySecret("correct-payload", other, digest) {
			t.Error("VerifySecret = true under the wrong salt")
		}
	})

	t.Run("single flipped bit fails", func(t *testing.T) {
		mutated := make([]byte, len(digest))
		copy(mutated, digest)
		mutated[0] ^= 0x01
		if VerifySecret("correct-payload", salt, mutated) {
			t.Error("VerifySecret = true against a digest with one flipped bit")
		}
	})

	t.Run("truncated digest fails", func(t *testing.T) {
		if VerifySecret("correct-payload", salt, digest[:HashLength-1]) {
			t.Error("VerifySecret = true against a truncated digest")
		}
	})

	t.Run("empty digest fails", func(t *testing.T) {
		if VerifySecret("correct-payload", salt, nil) {
			t.Error("VerifySecret = true against an empty digest")
		}
	})
}
