package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"peerlink/crypto"
	"peerlink/peer"
)

var (
	// ErrSequenceReplay indicates a non-monotonic sequence value.
	ErrSequenceReplay = errors.New("network: sequence replay detected")
	// ErrPongTimeout indicates keep-alive timed out waiting for pong.
	ErrPongTimeout = errors.New("network: pong timeout")
	// ErrLinkClosed is returned when writing to a closed link.
	ErrLinkClosed = errors.New("network: link closed")
)

// LinkOptions controls runtime behavior of a Link.
type LinkOptions struct {
	LocalPeerID  string
	RemotePeerID string
	RemoteName   string
	RemoteKey    string

	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameWriteTimeout time.Duration

	Logger logrus.FieldLogger
}

// Link is an authenticated, encrypted framed TCP connection to one peer.
// Control frames (ping, pong, disconnect) are handled internally; every other
// frame is delivered through ReceiveMessage.
type Link struct {
	conn   net.Conn
	sealer *crypto.Sealer
	log    logrus.FieldLogger

	localPeerID string
	remote      peer.Identity
	remoteKey   string

	seqMu       sync.Mutex
	sendSeq     uint64
	lastSeenSeq uint64

	// sendLock is a one-slot semaphore serializing frame writes.
	sendLock chan struct{}

	waitMu       sync.Mutex
	waitingPong  bool
	pongDeadline time.Time

	lastActivity atomic.Int64
	remoteClosed atomic.Bool

	keepAliveInterval time.Duration
	keepAliveTimeout  time.Duration
	frameWriteTimeout time.Duration

	inbound chan []byte

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup

	errMu    sync.RWMutex
	closeErr error
}

func newLink(conn net.Conn, sealer *crypto.Sealer, options LinkOptions) *Link {
	interval := options.KeepAliveInterval
	if interval <= 0 {
		interval = DefaultKeepAliveInterval
	}
	timeout := options.KeepAliveTimeout
	if timeout <= 0 {
		timeout = DefaultKeepAliveTimeout
	}
	writeTimeout := options.FrameWriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = DefaultFrameWriteTimeout
	}
	logger := options.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	l := &Link{
		conn:              conn,
		sealer:            sealer,
		log:               logger.WithField("peer", options.RemotePeerID),
		localPeerID:       options.LocalPeerID,
		remote:            peer.Identity{ID: options.RemotePeerID, DisplayName: options.RemoteName},
		remoteKey:         options.RemoteKey,
		keepAliveInterval: interval,
		keepAliveTimeout:  timeout,
		frameWriteTimeout: writeTimeout,
		sendLock:          make(chan struct{}, 1),
		inbound:           make(chan []byte, 64),
		closed:            make(chan struct{}),
	}

	l.touchActivity()
	l.wg.Add(2)
	go l.readLoop()
	go l.keepAliveLoop()
	return l
}

// Remote returns the authenticated identity of the other side.
func (l *Link) Remote() peer.Identity {
	return l.remote
}

// RemoteFingerprint returns the fingerprint of the remote identity key.
func (l *Link) RemoteFingerprint() string {
	raw, err := decodeKey(l.remoteKey)
	if err != nil {
		return ""
	}
	return crypto.Fingerprint(raw)
}

// Done is closed when the link is fully closed.
func (l *Link) Done() <-chan struct{} {
	return l.closed
}

// Err returns the terminal link error. It is nil after a graceful close by either side.
func (l *Link) Err() error {
	l.errMu.RLock()
	defer l.errMu.RUnlock()
	return l.closeErr
}

// ClosedByRemote reports whether the other side sent a disconnect frame.
func (l *Link) ClosedByRemote() bool {
	return l.remoteClosed.Load()
}

// NextSendSequence increments and returns the outbound sequence counter.
func (l *Link) NextSendSequence() uint64 {
	l.seqMu.Lock()
	defer l.seqMu.Unlock()
	l.sendSeq++
	return l.sendSeq
}

// ValidateSequence rejects replayed or non-monotonic sequences.
func (l *Link) ValidateSequence(sequence uint64) error {
	l.seqMu.Lock()
	defer l.seqMu.Unlock()

	if sequence <= l.lastSeenSeq {
		return ErrSequenceReplay
	}
	l.lastSeenSeq = sequence
	return nil
}

// Seal encrypts plaintext with the link key and returns base64 ciphertext and nonce.
func (l *Link) Seal(plaintext []byte, additional string) (ciphertext, nonce string, err error) {
	return sealWith(l.sealer, plaintext, additional)
}

// Open reverses Seal.
func (l *Link) Open(ciphertext, nonce, additional string) ([]byte, error) {
	return openWith(l.sealer, ciphertext, nonce, additional)
}

// SendMessage marshals a protocol message and writes it as one frame.
func (l *Link) SendMessage(message any) error {
	payload, err := EncodeJSON(message)
	if err != nil {
		return err
	}
	return l.SendRaw(payload)
}

// SendRaw writes a pre-marshaled payload as one frame.
func (l *Link) SendRaw(payload []byte) error {
	select {
	case <-l.closed:
		if err := l.Err(); err != nil {
			return err
		}
		return ErrLinkClosed
	default:
	}

	select {
	case l.sendLock <- struct{}{}:
	case <-l.closed:
		return ErrLinkClosed
	}
	defer l.releaseWriter()

	_ = l.conn.SetWriteDeadline(time.Now().Add(l.frameWriteTimeout))
	if err := WriteFrame(l.conn, payload); err != nil {
		l.closeWithError(fmt.Errorf("write frame: %w", err))
		return err
	}
	l.touchActivity()
	return nil
}

// TrySendMessage writes message unless the writer stays busy for longer than
// UnreliableWriteWait. It reports false when the frame was dropped.
func (l *Link) TrySendMessage(message any) (bool, error) {
	payload, err := EncodeJSON(message)
	if err != nil {
		return false, err
	}
	select {
	case <-l.closed:
		return false, ErrLinkClosed
	default:
	}
	wait := time.NewTimer(UnreliableWriteWait)
	defer wait.Stop()
	select {
	case l.sendLock <- struct{}{}:
	case <-wait.C:
		return false, nil
	case <-l.closed:
		return false, ErrLinkClosed
	}
	defer l.releaseWriter()

	_ = l.conn.SetWriteDeadline(time.Now().Add(l.frameWriteTimeout))
	if err := WriteFrame(l.conn, payload); err != nil {
		l.closeWithError(fmt.Errorf("write frame: %w", err))
		return false, err
	}
	l.touchActivity()
	return true, nil
}

func (l *Link) releaseWriter() {
	<-l.sendLock
}

// ReceiveMessage waits for the next non-control inbound frame.
func (l *Link) ReceiveMessage(ctx context.Context) ([]byte, error) {
	select {
	case payload := <-l.inbound:
		return payload, nil
	case <-l.closed:
		// Frames read before the close are still delivered.
		select {
		case payload := <-l.inbound:
			return payload, nil
		default:
		}
		if err := l.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Disconnect sends a disconnect frame and closes the link.
func (l *Link) Disconnect(reason string) error {
	_ = l.SendMessage(DisconnectMessage{
		Type:      TypeDisconnect,
		Reason:    reason,
		Timestamp: time.Now().UnixMilli(),
	})
	return l.Close()
}

// Close terminates the link and waits for its goroutines to exit.
func (l *Link) Close() error {
	l.closeWithError(nil)
	l.wg.Wait()
	return nil
}

func (l *Link) readLoop() {
	defer l.wg.Done()

	for {
		select {
		case <-l.closed:
			return
		default:
		}

		// No read deadline: a frame may arrive in pieces across an idle
		// period, and keepAliveLoop closes the link when the peer goes quiet.
		payload, err := ReadFrame(l.conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				l.closeWithError(nil)
				return
			}
			l.closeWithError(fmt.Errorf("read frame: %w", err))
			return
		}

		l.touchActivity()
		if len(payload) == 0 {
			continue
		}

		msgType, err := DecodeMessageType(payload)
		if err != nil {
			l.log.WithError(err).Debug("dropping undecodable frame")
			continue
		}

		switch msgType {
		case TypePing:
			_ = l.SendMessage(PongMessage{Type: TypePong, Timestamp: time.Now().UnixMilli()})
		case TypePong:
			l.ackPong()
		case TypeDisconnect:
			l.remoteClosed.Store(true)
			l.closeWithError(nil)
			return
		default:
			select {
			case l.inbound <- payload:
			case <-l.closed:
				return
			}
		}
	}
}

func (l *Link) keepAliveLoop() {
	defer l.wg.Done()

	checkEvery := l.keepAliveInterval / 2
	if checkEvery <= 0 {
		checkEvery = l.keepAliveInterval
	}
	ticker := time.NewTicker(checkEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if l.waitingPongExpired() {
				l.closeWithError(ErrPongTimeout)
				return
			}

			idleFor := time.Since(time.Unix(0, l.lastActivity.Load()))
			if idleFor < l.keepAliveInterval || l.isWaitingPong() {
				continue
			}

			if err := l.SendMessage(PingMessage{Type: TypePing, Timestamp: time.Now().UnixMilli()}); err != nil {
				return
			}
			l.setWaitingPong(time.Now().Add(l.keepAliveTimeout))
		case <-l.closed:
			return
		}
	}
}

func (l *Link) touchActivity() {
	l.lastActivity.Store(time.Now().UnixNano())
}

func (l *Link) setWaitingPong(deadline time.Time) {
	l.waitMu.Lock()
	defer l.waitMu.Unlock()
	l.waitingPong = true
	l.pongDeadline = deadline
}

func (l *Link) ackPong() {
	l.waitMu.Lock()
	defer l.waitMu.Unlock()
	l.waitingPong = false
	l.pongDeadline = time.Time{}
}

func (l *Link) isWaitingPong() bool {
	l.waitMu.Lock()
	defer l.waitMu.Unlock()
	return l.waitingPong
}

func (l *Link) waitingPongExpired() bool {
	l.waitMu.Lock()
	defer l.waitMu.Unlock()
	return l.waitingPong && time.Now().After(l.pongDeadline)
}

func (l *Link) closeWithError(err error) {
	l.closeOnce.Do(func() {
		l.errMu.Lock()
		l.closeErr = err
		l.errMu.Unlock()

		_ = l.conn.Close()
		close(l.closed)
		if err != nil {
			l.log.WithError(err).Info("link closed")
		} else {
			l.log.Debug("link closed")
		}
	})
}
