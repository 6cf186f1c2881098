package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/multierr"

	"peerlink/crypto"
)

// InviteRequest describes one outbound invitation.
type InviteRequest struct {
	// Addresses are tried in order until one accepts a TCP connection.
	Addresses []string
	// ExpectedPeerID, when set, must match the identity presented by the acceptor.
	ExpectedPeerID string
	// Context is delivered to the acceptor's policy, sealed with the link key.
	Context []byte
}

// Invite dials a peer, authenticates it, sends an invitation and waits for
// the acceptor's decision until ctx ends. On acceptance it writes the ready
// frame and returns a connected Link.
func Invite(ctx context.Context, request InviteRequest, options HandshakeOptions) (*Link, error) {
	opts := options.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if len(request.Addresses) == 0 {
		return nil, errors.New("no peer address to dial")
	}

	conn, err := dialFirst(ctx, request.Addresses, opts.ConnectionTimeout)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("invite: %w: %w", ctxErr, err)
		}
		return nil, err
	}

	// invite moves the deadline at every step, so cancellation closes conn.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	link, err := invite(conn, request, opts)
	if err != nil {
		_ = conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("invite: %w", ctxErr)
		}
		return nil, err
	}
	if !stop() {
		_ = link.Close()
		return nil, fmt.Errorf("invite: %w", ctx.Err())
	}
	return link, nil
}

func dialFirst(ctx context.Context, addresses []string, timeout time.Duration) (net.Conn, error) {
	dialer := net.Dialer{Timeout: timeout}

	var errs error
	for _, address := range addresses {
		conn, err := dialer.DialContext(ctx, "tcp", address)
		if err == nil {
			return conn, nil
		}
		errs = multierr.Append(errs, fmt.Errorf("dial %q: %w", address, err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, errs
}

func invite(conn net.Conn, request InviteRequest, opts HandshakeOptions) (*Link, error) {
	if err := conn.SetDeadline(time.Now().Add(opts.ConnectionTimeout)); err != nil {
		return nil, fmt.Errorf("set handshake deadline: %w", err)
	}

	challenge, err := readExpected[Challenge](conn, opts.ConnectionTimeout, TypeChallenge)
	if err != nil {
		return nil, fmt.Errorf("read challenge: %w", err)
	}
	if challenge.ProtocolVersion != 0 && challenge.ProtocolVersion != ProtocolVersion {
		return nil, ErrUnsupportedVersion
	}

	ephemeral, err := crypto.GenerateEphemeralKey()
	if err != nil {
		return nil, err
	}
	hello, err := BuildHandshake(TypeHandshake, opts.Identity, opts.Namespace, ephemeral.PublicKey().Bytes(), challenge.Nonce)
	if err != nil {
		return nil, err
	}
	if err := writeMessage(conn, hello); err != nil {
		return nil, fmt.Errorf("send handshake: %w", err)
	}

	response, err := readExpected[HandshakeMessage](conn, opts.ConnectionTimeout, TypeHandshakeResponse)
	if err != nil {
		return nil, fmt.Errorf("read handshake response: %w", err)
	}
	if _, err := VerifyHandshake(response); err != nil {
		if errors.Is(err, ErrUnsupportedVersion) {
			return nil, err
		}
		return nil, fmt.Errorf("verify handshake response: %w", err)
	}
	if response.ChallengeNonce != challenge.Nonce {
		return nil, errors.New("handshake response does not echo the challenge")
	}
	if response.Namespace != opts.Namespace {
		return nil, ErrNamespaceMismatch
	}
	if request.ExpectedPeerID != "" && response.PeerID != request.ExpectedPeerID {
		return nil, fmt.Errorf("%w: dialed %s, got %s", ErrUnexpectedPeer, request.ExpectedPeerID, response.PeerID)
	}

	sealer, err := newSealerFromHandshake(ephemeral, response, opts.Identity.PeerID, challenge.Nonce)
	if err != nil {
		return nil, err
	}

	invitation := Invitation{Type: TypeInvitation, Timestamp: time.Now().UnixMilli()}
	if len(request.Context) > 0 {
		invitation.Context, invitation.Nonce, err = sealWith(sealer, request.Context, TypeInvitation)
		if err != nil {
			return nil, err
		}
	}
	if err := writeMessage(conn, invitation); err != nil {
		return nil, fmt.Errorf("send invitation: %w", err)
	}

	// The answer arrives whenever the remote policy decides; only the
	// caller's context bounds it.
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("clear handshake deadline: %w", err)
	}
	answer, err := readExpected[InvitationResponse](conn, 0, TypeInvitationResponse)
	if err != nil {
		return nil, fmt.Errorf("read invitation response: %w", err)
	}
	if answer.Status != StatusAccepted {
		if answer.Reason != "" {
			return nil, fmt.Errorf("%w: %s", ErrInvitationRejected, answer.Reason)
		}
		return nil, ErrInvitationRejected
	}

	if err := conn.SetWriteDeadline(time.Now().Add(opts.ConnectionTimeout)); err != nil {
		return nil, fmt.Errorf("set ready deadline: %w", err)
	}
	if err := writeMessage(conn, Ready{Type: TypeReady, Timestamp: time.Now().UnixMilli()}); err != nil {
		return nil, fmt.Errorf("send ready: %w", err)
	}
	_ = conn.SetDeadline(time.Time{})

	return newLink(conn, sealer, opts.linkOptions(response)), nil
}
