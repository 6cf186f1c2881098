package crypto

import (
	"crypto/ed25519"
	"errors"
	"fmt"
)

// Sign signs data with the identity key.
func Sign(key ed25519.PrivateKey, data []byte) ([]byte, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid identity key length: got %d want %d", len(key), ed25519.PrivateKeySize)
	}
	if len(data) == 0 {
		return nil, errors.New("nothing to sign")
	}
	return ed25519.Sign(key, data), nil
}

// Verify reports whether signature is valid for data under publicKey.
func Verify(publicKey ed25519.PublicKey, data, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize || len(data) == 0 {
		return false
	}
	return ed25519.Verify(publicKey, data, signature)
}
