package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const identityKeyPEMType = "PEERLINK IDENTITY KEY"

// EnsureIdentityKey loads the Ed25519 identity key at path, creating one on first run.
func EnsureIdentityKey(path string) (ed25519.PrivateKey, error) {
	key, err := LoadIdentityKey(path)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	key, err = GenerateIdentityKey()
	if err != nil {
		return nil, err
	}
	if err := SaveIdentityKey(path, key); err != nil {
		return nil, err
	}
	return key, nil
}

// GenerateIdentityKey creates a fresh in-memory identity key.
func GenerateIdentityKey() (ed25519.PrivateKey, error) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}
	return key, nil
}

// LoadIdentityKey reads an identity key PEM file. Only the 32-byte seed is stored.
func LoadIdentityKey(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identity key: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("decode identity key: no PEM block")
	}
	if block.Type != identityKeyPEMType {
		return nil, fmt.Errorf("decode identity key: unexpected type %q", block.Type)
	}
	if len(block.Bytes) != ed25519.SeedSize {
		return nil, fmt.Errorf("decode identity key: invalid seed size %d", len(block.Bytes))
	}

	return ed25519.NewKeyFromSeed(block.Bytes), nil
}

// SaveIdentityKey writes the key seed as PEM with 0600 permissions.
func SaveIdentityKey(path string, key ed25519.PrivateKey) error {
	if len(key) != ed25519.PrivateKeySize {
		return fmt.Errorf("save identity key: invalid key size %d", len(key))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}

	block := &pem.Block{Type: identityKeyPEMType, Bytes: key.Seed()}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("write identity key: %w", err)
	}
	return nil
}

// Fingerprint returns the truncated SHA-256 hex digest of a public key.
func Fingerprint(publicKey ed25519.PublicKey) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:8])
}

// FormatFingerprint groups a fingerprint into blocks of four uppercase characters.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(clean[i:min(i+4, len(clean))])
	}
	return b.String()
}
