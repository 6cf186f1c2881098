package network

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"peerlink/crypto"
)

const (
	// ProtocolVersion is the current wire protocol version.
	ProtocolVersion = 1
	// MaxFrameSize is the maximum accepted frame payload size (16 MiB).
	MaxFrameSize = 16 * 1024 * 1024
	// DefaultConnectionTimeout bounds TCP dial and the signed hello exchange.
	DefaultConnectionTimeout = 10 * time.Second
	// DefaultKeepAliveInterval sends ping on idle links.
	DefaultKeepAliveInterval = 15 * time.Second
	// DefaultKeepAliveTimeout waits this long for pong after ping.
	DefaultKeepAliveTimeout = 10 * time.Second
	// DefaultFrameWriteTimeout bounds each frame write.
	DefaultFrameWriteTimeout = 30 * time.Second
	// UnreliableWriteWait is how long a best-effort frame waits for the writer.
	UnreliableWriteWait = 50 * time.Millisecond

	challengeNonceSize = 32
)

const (
	TypeChallenge          = "challenge"
	TypeHandshake          = "handshake"
	TypeHandshakeResponse  = "handshake_response"
	TypeInvitation         = "invitation"
	TypeInvitationResponse = "invitation_response"
	TypeReady              = "ready"
	TypePing               = "ping"
	TypePong               = "pong"
	TypeDisconnect         = "disconnect"
	TypeMessage            = "message"
	TypeMessageAck         = "message_ack"
	TypeResourceOffer      = "resource_offer"
	TypeResourceResponse   = "resource_response"
	TypeResourceChunk      = "resource_chunk"
	TypeResourceComplete   = "resource_complete"
	TypeError              = "error"
)

const (
	StatusAccepted  = "accepted"
	StatusRejected  = "rejected"
	StatusChunkAck  = "chunk_ack"
	StatusChunkNack = "chunk_nack"
	StatusComplete  = "complete"
	StatusFailed    = "failed"
	StatusDelivered = "delivered"
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrUnsupportedVersion indicates protocol version mismatch.
	ErrUnsupportedVersion = errors.New("network: unsupported protocol version")
	// ErrInvalidSignature indicates signature verification failed.
	ErrInvalidSignature = errors.New("network: invalid signature")
	// ErrInvalidMessageType indicates the message type is missing or unexpected.
	ErrInvalidMessageType = errors.New("network: invalid message type")
	// ErrNamespaceMismatch indicates the peers advertise different namespaces.
	ErrNamespaceMismatch = errors.New("network: namespace mismatch")
	// ErrUnexpectedPeer indicates the remote identity is not the one that was dialed.
	ErrUnexpectedPeer = errors.New("network: unexpected peer identity")
	// ErrInvitationRejected indicates the remote accept policy declined.
	ErrInvitationRejected = errors.New("network: invitation rejected")
	// ErrRemote wraps an error frame sent by the other side.
	ErrRemote = errors.New("network: remote error")
)

// LocalIdentity contains the local values needed to sign a handshake.
type LocalIdentity struct {
	PeerID      string
	DisplayName string
	IdentityKey ed25519.PrivateKey
}

// Envelope identifies the protocol message type.
type Envelope struct {
	Type string `json:"type"`
}

// Challenge is the first frame an acceptor writes; its nonce salts the session key.
type Challenge struct {
	Type            string `json:"type"`
	Nonce           string `json:"nonce"`
	ProtocolVersion int    `json:"protocol_version"`
}

// HandshakeMessage is the signed hello exchanged in both directions.
type HandshakeMessage struct {
	Type            string `json:"type"`
	PeerID          string `json:"peer_id"`
	DisplayName     string `json:"display_name"`
	Namespace       string `json:"namespace"`
	IdentityKey     string `json:"identity_key"`
	EphemeralKey    string `json:"ephemeral_key"`
	ChallengeNonce  string `json:"challenge_nonce"`
	ProtocolVersion int    `json:"protocol_version"`
	Timestamp       int64  `json:"timestamp"`
	Signature       string `json:"signature"`
}

// Invitation carries the inviter's sealed context bytes.
type Invitation struct {
	Type      string `json:"type"`
	Context   string `json:"context,omitempty"`
	Nonce     string `json:"nonce,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// InvitationResponse carries the accept policy's decision.
type InvitationResponse struct {
	Type      string `json:"type"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Ready is the inviter's final acknowledgement; both sides are connected after it.
type Ready struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// PingMessage is a keep-alive ping.
type PingMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// PongMessage is a keep-alive pong response.
type PongMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// DisconnectMessage signals graceful teardown.
type DisconnectMessage struct {
	Type      string `json:"type"`
	Reason    string `json:"reason,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// DataMessage is one sealed application message.
type DataMessage struct {
	Type       string `json:"type"`
	MessageID  string `json:"message_id"`
	Sequence   uint64 `json:"sequence"`
	Reliable   bool   `json:"reliable"`
	Ciphertext string `json:"ciphertext"`
	Nonce      string `json:"nonce"`
	Timestamp  int64  `json:"timestamp"`
}

// MessageAck confirms receipt of a reliable DataMessage.
type MessageAck struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// ResourceOffer starts a resource transfer.
type ResourceOffer struct {
	Type        string `json:"type"`
	TransferID  string `json:"transfer_id"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	Checksum    string `json:"checksum"`
	ChunkSize   int    `json:"chunk_size"`
	TotalChunks int    `json:"total_chunks"`
	Timestamp   int64  `json:"timestamp"`
}

// ResourceResponse accepts or rejects an offer, or acks/nacks one chunk.
type ResourceResponse struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`
	Status     string `json:"status"`
	ChunkIndex int    `json:"chunk_index"`
	Message    string `json:"message,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// ResourceChunk carries one sealed chunk.
type ResourceChunk struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`
	ChunkIndex int    `json:"chunk_index"`
	Ciphertext string `json:"ciphertext"`
	Nonce      string `json:"nonce"`
	Timestamp  int64  `json:"timestamp"`
}

// ResourceComplete is sent by the sender after the last chunk and echoed by
// the receiver with the verification result.
type ResourceComplete struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`
	Status     string `json:"status"`
	Message    string `json:"message,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// ErrorMessage reports protocol errors.
type ErrorMessage struct {
	Type              string `json:"type"`
	Code              string `json:"code"`
	Message           string `json:"message"`
	SupportedVersions []int  `json:"supported_versions,omitempty"`
	Timestamp         int64  `json:"timestamp"`
}

// EncodeJSON marshals a protocol message to JSON.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// DecodeMessageType extracts the "type" field from a payload.
func DecodeMessageType(payload []byte) (string, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return "", ErrInvalidMessageType
	}
	return envelope.Type, nil
}

// Decode unmarshals payload into a message of type T.
func Decode[T any](payload []byte) (T, error) {
	var msg T
	if err := json.Unmarshal(payload, &msg); err != nil {
		return msg, fmt.Errorf("decode %T: %w", msg, err)
	}
	return msg, nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return payload, nil
}

// ReadFrameWithTimeout reads a frame with an optional read deadline.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadFrame(conn)
}

func writeMessage(w io.Writer, message any) error {
	payload, err := EncodeJSON(message)
	if err != nil {
		return err
	}
	return WriteFrame(w, payload)
}

// readExpected reads one frame and decodes it as T, turning error frames into
// ErrRemote and any other type into ErrInvalidMessageType.
func readExpected[T any](conn net.Conn, timeout time.Duration, want string) (T, error) {
	var zero T

	payload, err := ReadFrameWithTimeout(conn, timeout)
	if err != nil {
		return zero, err
	}
	msgType, err := DecodeMessageType(payload)
	if err != nil {
		return zero, err
	}
	if msgType == TypeError {
		remote, err := Decode[ErrorMessage](payload)
		if err != nil {
			return zero, err
		}
		return zero, remoteError(remote)
	}
	if msgType != want {
		return zero, fmt.Errorf("%w: expected %q, got %q", ErrInvalidMessageType, want, msgType)
	}
	return Decode[T](payload)
}

func remoteError(msg ErrorMessage) error {
	switch msg.Code {
	case codeVersionMismatch:
		return fmt.Errorf("%w: %s", ErrUnsupportedVersion, msg.Message)
	case codeNamespaceMismatch:
		return fmt.Errorf("%w: %s", ErrNamespaceMismatch, msg.Message)
	default:
		return fmt.Errorf("%w [%s]: %s", ErrRemote, msg.Code, msg.Message)
	}
}

// BuildHandshake builds and signs a hello of the given type.
func BuildHandshake(msgType string, identity LocalIdentity, namespace string, ephemeralPublicKey []byte, challengeNonce string) (HandshakeMessage, error) {
	if len(identity.IdentityKey) != ed25519.PrivateKeySize {
		return HandshakeMessage{}, errors.New("invalid local identity key")
	}

	msg := HandshakeMessage{
		Type:            msgType,
		PeerID:          identity.PeerID,
		DisplayName:     identity.DisplayName,
		Namespace:       namespace,
		IdentityKey:     base64.StdEncoding.EncodeToString(identity.IdentityKey.Public().(ed25519.PublicKey)),
		EphemeralKey:    base64.StdEncoding.EncodeToString(ephemeralPublicKey),
		ChallengeNonce:  challengeNonce,
		ProtocolVersion: ProtocolVersion,
		Timestamp:       time.Now().UnixMilli(),
	}

	signable, err := handshakeSignable(msg)
	if err != nil {
		return HandshakeMessage{}, err
	}
	signature, err := crypto.Sign(identity.IdentityKey, signable)
	if err != nil {
		return HandshakeMessage{}, fmt.Errorf("sign handshake: %w", err)
	}
	msg.Signature = base64.StdEncoding.EncodeToString(signature)
	return msg, nil
}

// VerifyHandshake checks the protocol version and signature of a hello and
// returns the sender's identity key.
func VerifyHandshake(msg HandshakeMessage) (ed25519.PublicKey, error) {
	if msg.ProtocolVersion != ProtocolVersion {
		return nil, ErrUnsupportedVersion
	}
	if msg.PeerID == "" {
		return nil, errors.New("handshake is missing peer ID")
	}

	publicKeyBytes, err := base64.StdEncoding.DecodeString(msg.IdentityKey)
	if err != nil {
		return nil, fmt.Errorf("decode identity key: %w", err)
	}
	if len(publicKeyBytes) != ed25519.PublicKeySize {
		return nil, errors.New("invalid identity key length")
	}
	signature, err := base64.StdEncoding.DecodeString(msg.Signature)
	if err != nil {
		return nil, fmt.Errorf("decode handshake signature: %w", err)
	}

	signable, err := handshakeSignable(msg)
	if err != nil {
		return nil, err
	}
	if !crypto.Verify(publicKeyBytes, signable, signature) {
		return nil, ErrInvalidSignature
	}
	return ed25519.PublicKey(publicKeyBytes), nil
}

func handshakeSignable(msg HandshakeMessage) ([]byte, error) {
	msg.Signature = ""
	signable, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal handshake signable payload: %w", err)
	}
	return signable, nil
}
