package crypto

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
)

func newTestSealer(t *testing.T) *Sealer {
	t.Helper()
	key := make([]byte, SessionKeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate session key: %v", err)
	}
	sealer, err := NewSealer(key)
	if err != nil {
		t.Fatalf("NewSealer failed: %v", err)
	}
	return sealer
}

func TestSealOpenRoundTrip(t *testing.T) {
	sealer := newTestSealer(t)
	plaintext := []byte("hi")

	ciphertext, nonce, err := sealer.Seal(plaintext, []byte("msg-1"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if len(nonce) != 12 {
		t.Fatalf("expected 12-byte nonce, got %d", len(nonce))
	}

	opened, err := sealer.Open(nonce, ciphertext, []byte("msg-1"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !bytes.Equal(plaintext, opened) {
		t.Fatalf("opened plaintext does not match")
	}
}

func TestOpenRejectsTamperingAndWrongContext(t *testing.T) {
	sealer := newTestSealer(t)
	ciphertext, nonce, err := sealer.Seal([]byte("payload"), []byte("ctx"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	if _, err := sealer.Open(nonce, ciphertext, []byte("other")); !errors.Is(err, ErrOpenFailed) {
		t.Fatalf("expected ErrOpenFailed for wrong context, got %v", err)
	}

	ciphertext[0] ^= 0xff
	if _, err := sealer.Open(nonce, ciphertext, []byte("ctx")); !errors.Is(err, ErrOpenFailed) {
		t.Fatalf("expected ErrOpenFailed for tampered ciphertext, got %v", err)
	}

	if _, err := newTestSealer(t).Open(nonce, ciphertext, []byte("ctx")); err == nil {
		t.Fatalf("expected a different key to fail")
	}
}

func TestNewSealerRejectsShortKey(t *testing.T) {
	if _, err := NewSealer(make([]byte, 16)); err == nil {
		t.Fatalf("expected short key to be rejected")
	}
}
