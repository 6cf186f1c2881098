package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// SessionKeySize is the length of keys produced by DeriveSessionKey.
const SessionKeySize = 32

const sessionKeyInfo = "peerlink session v1"

// GenerateEphemeralKey creates a one-shot X25519 key for a single link.
func GenerateEphemeralKey() (*ecdh.PrivateKey, error) {
	key, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	return key, nil
}

// DeriveSessionKey combines the local ephemeral key with the peer's public
// half and expands the shared secret with HKDF-SHA256. Both sides derive the
// same key regardless of which one is local because the two IDs are bound in
// sorted order.
func DeriveSessionKey(local *ecdh.PrivateKey, peerPublic []byte, localID, peerID string, salt []byte) ([]byte, error) {
	if local == nil {
		return nil, errors.New("derive session key: local key is required")
	}
	if localID == "" || peerID == "" {
		return nil, errors.New("derive session key: peer IDs are required")
	}

	remote, err := ecdh.X25519().NewPublicKey(peerPublic)
	if err != nil {
		return nil, fmt.Errorf("parse peer ephemeral key: %w", err)
	}
	shared, err := local.ECDH(remote)
	if err != nil {
		return nil, fmt.Errorf("compute shared secret: %w", err)
	}

	first, second := localID, peerID
	if second < first {
		first, second = second, first
	}
	info := []byte(sessionKeyInfo + "|" + first + "|" + second)

	key := make([]byte, SessionKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt, info), key); err != nil {
		return nil, fmt.Errorf("expand session key: %w", err)
	}
	return key, nil
}
