package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

// ErrOpenFailed is returned when a sealed payload fails authentication.
var ErrOpenFailed = errors.New("crypto: message authentication failed")

// Sealer encrypts and authenticates payloads for one link with AES-256-GCM.
// It is safe for concurrent use.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer builds a Sealer from a 32-byte session key.
func NewSealer(sessionKey []byte) (*Sealer, error) {
	if len(sessionKey) != SessionKeySize {
		return nil, fmt.Errorf("invalid session key length: got %d want %d", len(sessionKey), SessionKeySize)
	}

	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts plaintext under a random nonce. additional is authenticated
// but not encrypted and must be supplied again to Open.
func (s *Sealer) Seal(plaintext, additional []byte) (ciphertext, nonce []byte, err error) {
	nonce = make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}
	return s.aead.Seal(nil, nonce, plaintext, additional), nonce, nil
}

// Open authenticates and decrypts a payload produced by Seal.
func (s *Sealer) Open(nonce, ciphertext, additional []byte) ([]byte, error) {
	if len(nonce) != s.aead.NonceSize() {
		return nil, fmt.Errorf("invalid nonce length: got %d want %d", len(nonce), s.aead.NonceSize())
	}

	plaintext, err := s.aead.Open(nil, nonce, ciphertext, additional)
	if err != nil {
		return nil, ErrOpenFailed
	}
	return plaintext, nil
}
