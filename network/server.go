package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"peerlink/crypto"
	"peerlink/peer"
)

// ErrInvitationAnswered is returned when Accept or Reject is called twice.
var ErrInvitationAnswered = errors.New("network: invitation already answered")

// Listener accepts inbound TCP connections, authenticates them and surfaces
// each peer's invitation for an accept decision.
type Listener struct {
	listener net.Listener
	options  HandshakeOptions
	log      logrus.FieldLogger

	invitations chan *PendingInvitation

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// PendingInvitation is an authenticated inbound invitation awaiting a decision.
type PendingInvitation struct {
	From        peer.Identity
	Fingerprint string
	Context     []byte

	conn     net.Conn
	sealer   *crypto.Sealer
	options  HandshakeOptions
	remote   HandshakeMessage
	answered sync.Once
}

// Listen starts a TCP listener and handshake accept loop.
func Listen(address string, options HandshakeOptions) (*Listener, error) {
	opts := options.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	l := &Listener{
		listener:    listener,
		options:     opts,
		log:         opts.Logger.WithField("namespace", opts.Namespace),
		invitations: make(chan *PendingInvitation, 16),
		closed:      make(chan struct{}),
	}

	l.wg.Add(1)
	go l.acceptLoop()
	return l, nil
}

// Addr returns the listening address.
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// Port returns the bound TCP port.
func (l *Listener) Port() int {
	if tcp, ok := l.listener.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	_, raw, err := net.SplitHostPort(l.listener.Addr().String())
	if err != nil {
		return 0
	}
	port, _ := strconv.Atoi(raw)
	return port
}

// Invitations delivers authenticated invitations until Close.
func (l *Listener) Invitations() <-chan *PendingInvitation {
	return l.invitations
}

// Close stops accepting, rejects undelivered invitations and closes Invitations.
func (l *Listener) Close() error {
	var closeErr error
	l.closeOnce.Do(func() {
		close(l.closed)
		closeErr = l.listener.Close()
		l.wg.Wait()
		close(l.invitations)
		for inv := range l.invitations {
			_ = inv.Reject("listener closed")
		}
	})
	return closeErr
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-l.closed:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.log.WithError(err).Warn("accept connection failed")
			time.Sleep(50 * time.Millisecond)
			continue
		}

		l.wg.Add(1)
		go l.handleInboundConn(conn)
	}
}

func (l *Listener) handleInboundConn(conn net.Conn) {
	defer l.wg.Done()

	inv, err := l.authenticate(conn)
	if err != nil {
		l.log.WithError(err).WithField("remote", conn.RemoteAddr().String()).Debug("inbound handshake failed")
		_ = conn.Close()
		return
	}

	select {
	case l.invitations <- inv:
	case <-l.closed:
		_ = inv.Reject("listener closed")
	}
}

func (l *Listener) authenticate(conn net.Conn) (*PendingInvitation, error) {
	opts := l.options
	if err := conn.SetDeadline(time.Now().Add(opts.ConnectionTimeout)); err != nil {
		return nil, fmt.Errorf("set handshake deadline: %w", err)
	}

	nonce, err := generateChallengeNonce()
	if err != nil {
		return nil, fmt.Errorf("generate challenge nonce: %w", err)
	}
	if err := writeMessage(conn, Challenge{Type: TypeChallenge, Nonce: nonce, ProtocolVersion: ProtocolVersion}); err != nil {
		return nil, fmt.Errorf("write challenge: %w", err)
	}

	hello, err := readExpected[HandshakeMessage](conn, opts.ConnectionTimeout, TypeHandshake)
	if err != nil {
		if errors.Is(err, ErrInvalidMessageType) {
			sendError(conn, codeUnexpectedType, err.Error())
		}
		return nil, fmt.Errorf("read handshake: %w", err)
	}
	if hello.ProtocolVersion != ProtocolVersion {
		_ = writeMessage(conn, makeVersionMismatchError(hello.ProtocolVersion))
		return nil, ErrUnsupportedVersion
	}
	if hello.ChallengeNonce != nonce {
		sendError(conn, codeBadHandshake, "Handshake challenge nonce mismatch.")
		return nil, errors.New("challenge nonce mismatch")
	}
	if hello.Namespace != opts.Namespace {
		sendError(conn, codeNamespaceMismatch, fmt.Sprintf("Expected namespace %q.", opts.Namespace))
		return nil, ErrNamespaceMismatch
	}
	if hello.PeerID == opts.Identity.PeerID {
		sendError(conn, codeBadHandshake, "Refusing connection from own peer ID.")
		return nil, errors.New("inbound connection from self")
	}
	if _, err := VerifyHandshake(hello); err != nil {
		sendError(conn, codeBadHandshake, "Handshake signature verification failed.")
		return nil, fmt.Errorf("verify handshake: %w", err)
	}

	ephemeral, err := crypto.GenerateEphemeralKey()
	if err != nil {
		return nil, err
	}
	sealer, err := newSealerFromHandshake(ephemeral, hello, opts.Identity.PeerID, nonce)
	if err != nil {
		return nil, err
	}

	response, err := BuildHandshake(TypeHandshakeResponse, opts.Identity, opts.Namespace, ephemeral.PublicKey().Bytes(), nonce)
	if err != nil {
		return nil, err
	}
	if err := writeMessage(conn, response); err != nil {
		return nil, fmt.Errorf("write handshake response: %w", err)
	}

	invitation, err := readExpected[Invitation](conn, opts.ConnectionTimeout, TypeInvitation)
	if err != nil {
		return nil, fmt.Errorf("read invitation: %w", err)
	}
	var contextBytes []byte
	if invitation.Context != "" {
		ct, n := invitation.Context, invitation.Nonce
		contextBytes, err = openWith(sealer, ct, n, TypeInvitation)
		if err != nil {
			return nil, fmt.Errorf("open invitation context: %w", err)
		}
	}

	// The accept policy may take as long as it needs.
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("clear handshake deadline: %w", err)
	}

	pending := &PendingInvitation{
		From:    peer.Identity{ID: hello.PeerID, DisplayName: hello.DisplayName},
		Context: contextBytes,
		conn:    conn,
		sealer:  sealer,
		options: opts,
		remote:  hello,
	}
	if raw, err := decodeKey(hello.IdentityKey); err == nil {
		pending.Fingerprint = crypto.Fingerprint(raw)
	}
	return pending, nil
}

// Accept answers the invitation positively and waits for the inviter's ready
// frame. The returned Link is connected.
func (p *PendingInvitation) Accept(ctx context.Context) (*Link, error) {
	err := ErrInvitationAnswered
	var link *Link
	p.answered.Do(func() {
		link, err = p.accept(ctx)
	})
	return link, err
}

func (p *PendingInvitation) accept(ctx context.Context) (*Link, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = p.conn.Close()
	})
	defer stop()

	if err := writeMessage(p.conn, InvitationResponse{
		Type:      TypeInvitationResponse,
		Status:    StatusAccepted,
		Timestamp: time.Now().UnixMilli(),
	}); err != nil {
		_ = p.conn.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("write invitation response: %w", err)
	}

	if _, err := readExpected[Ready](p.conn, p.options.ConnectionTimeout, TypeReady); err != nil {
		_ = p.conn.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("read ready: %w", err)
	}
	if !stop() {
		_ = p.conn.Close()
		return nil, ctx.Err()
	}
	_ = p.conn.SetDeadline(time.Time{})

	return newLink(p.conn, p.sealer, p.options.linkOptions(p.remote)), nil
}

// Reject declines the invitation and closes the connection.
func (p *PendingInvitation) Reject(reason string) error {
	err := ErrInvitationAnswered
	p.answered.Do(func() {
		_ = p.conn.SetWriteDeadline(time.Now().Add(p.options.ConnectionTimeout))
		err = writeMessage(p.conn, InvitationResponse{
			Type:      TypeInvitationResponse,
			Status:    StatusRejected,
			Reason:    reason,
			Timestamp: time.Now().UnixMilli(),
		})
		_ = p.conn.Close()
	})
	return err
}
