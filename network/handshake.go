package network

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"peerlink/crypto"
)

const (
	codeVersionMismatch   = "version_mismatch"
	codeNamespaceMismatch = "namespace_mismatch"
	codeBadHandshake      = "invalid_handshake"
	codeUnexpectedType    = "unexpected_type"
)

// HandshakeOptions configures both ends of the link handshake.
type HandshakeOptions struct {
	Identity  LocalIdentity
	Namespace string

	ConnectionTimeout time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameWriteTimeout time.Duration

	Logger logrus.FieldLogger
}

func (o HandshakeOptions) withDefaults() HandshakeOptions {
	out := o
	if out.ConnectionTimeout <= 0 {
		out.ConnectionTimeout = DefaultConnectionTimeout
	}
	if out.KeepAliveInterval <= 0 {
		out.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if out.KeepAliveTimeout <= 0 {
		out.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if out.FrameWriteTimeout <= 0 {
		out.FrameWriteTimeout = DefaultFrameWriteTimeout
	}
	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}
	return out
}

func (o HandshakeOptions) validate() error {
	if o.Identity.PeerID == "" {
		return errors.New("local peer ID is required")
	}
	if len(o.Identity.IdentityKey) == 0 {
		return errors.New("local identity key is required")
	}
	if o.Namespace == "" {
		return errors.New("namespace is required")
	}
	return nil
}

func (o HandshakeOptions) linkOptions(remote HandshakeMessage) LinkOptions {
	return LinkOptions{
		LocalPeerID:       o.Identity.PeerID,
		RemotePeerID:      remote.PeerID,
		RemoteName:        remote.DisplayName,
		RemoteKey:         remote.IdentityKey,
		KeepAliveInterval: o.KeepAliveInterval,
		KeepAliveTimeout:  o.KeepAliveTimeout,
		FrameWriteTimeout: o.FrameWriteTimeout,
		Logger:            o.Logger,
	}
}

func newSealerFromHandshake(local *ecdh.PrivateKey, remote HandshakeMessage, localPeerID, challengeNonce string) (*crypto.Sealer, error) {
	peerPublic, err := base64.StdEncoding.DecodeString(remote.EphemeralKey)
	if err != nil {
		return nil, fmt.Errorf("decode peer ephemeral key: %w", err)
	}
	salt, err := base64.StdEncoding.DecodeString(challengeNonce)
	if err != nil {
		return nil, fmt.Errorf("decode challenge nonce: %w", err)
	}
	if len(salt) != challengeNonceSize {
		return nil, fmt.Errorf("invalid challenge nonce length: got %d want %d", len(salt), challengeNonceSize)
	}

	key, err := crypto.DeriveSessionKey(local, peerPublic, localPeerID, remote.PeerID, salt)
	if err != nil {
		return nil, err
	}
	return crypto.NewSealer(key)
}

func generateChallengeNonce() (string, error) {
	nonce := make([]byte, challengeNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(nonce), nil
}

func sendError(conn net.Conn, code, message string) {
	_ = writeMessage(conn, ErrorMessage{
		Type:      TypeError,
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
	})
}

func makeVersionMismatchError(got int) ErrorMessage {
	return ErrorMessage{
		Type:              TypeError,
		Code:              codeVersionMismatch,
		Message:           fmt.Sprintf("Unsupported protocol version. Expected %d, got %d.", ProtocolVersion, got),
		SupportedVersions: []int{ProtocolVersion},
		Timestamp:         time.Now().UnixMilli(),
	}
}

func sealWith(sealer *crypto.Sealer, plaintext []byte, additional string) (ciphertext, nonce string, err error) {
	ct, n, err := sealer.Seal(plaintext, []byte(additional))
	if err != nil {
		return "", "", err
	}
	return base64.StdEncoding.EncodeToString(ct), base64.StdEncoding.EncodeToString(n), nil
}

func openWith(sealer *crypto.Sealer, ciphertext, nonce, additional string) ([]byte, error) {
	ct, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	n, err := base64.StdEncoding.DecodeString(nonce)
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	return sealer.Open(n, ct, []byte(additional))
}

func decodeKey(encoded string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode identity key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, errors.New("invalid identity key length")
	}
	return ed25519.PublicKey(raw), nil
}
