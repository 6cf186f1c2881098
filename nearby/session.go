// Package nearby is the peer-to-peer session layer: advertisers and browsers
// find peers in a namespace, sessions connect them and carry messages and
// resources between them.
package nearby

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"peerlink/crypto"
	"peerlink/discovery"
	"peerlink/network"
	"peerlink/peer"
)

const (
	// DefaultChunkTimeout bounds the wait for each transfer response.
	DefaultChunkTimeout = 30 * time.Second
	// DefaultAckTimeout bounds the wait for a reliable message acknowledgement.
	DefaultAckTimeout = 30 * time.Second
	// DefaultUnreliableQueueSize is the per-peer queue of best-effort messages.
	DefaultUnreliableQueueSize = 32
)

// SessionConfig configures a Session.
type SessionConfig struct {
	// Identity is the local participant. A zero ID gets a fresh one.
	Identity peer.Identity
	// IdentityKey signs handshakes. A nil key gets a fresh ephemeral one.
	IdentityKey ed25519.PrivateKey
	Namespace   string

	Delegate SessionDelegate
	// Dispatcher delivers every event. A nil Dispatcher gets a private one.
	Dispatcher *Dispatcher

	// DownloadsDir receives inbound resources.
	DownloadsDir        string
	ChunkSize           int
	MaxChunkRetries     int
	ChunkTimeout        time.Duration
	AckTimeout          time.Duration
	UnreliableQueueSize int

	ConnectionTimeout time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration

	Archive Archive
	Logger  logrus.FieldLogger
}

func (c SessionConfig) withDefaults() SessionConfig {
	out := c
	if out.ChunkSize <= 0 {
		out.ChunkSize = network.DefaultChunkSize
	}
	if out.MaxChunkRetries <= 0 {
		out.MaxChunkRetries = network.DefaultMaxChunkRetries
	}
	if out.ChunkTimeout <= 0 {
		out.ChunkTimeout = DefaultChunkTimeout
	}
	if out.AckTimeout <= 0 {
		out.AckTimeout = DefaultAckTimeout
	}
	if out.UnreliableQueueSize <= 0 {
		out.UnreliableQueueSize = DefaultUnreliableQueueSize
	}
	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}
	return out
}

// PeerStatus is one entry of Session.Peers.
type PeerStatus struct {
	Identity peer.Identity
	State    peer.State
}

// Session owns the connection state of every peer it has interacted with and
// moves messages and resources over their links. Events are delivered on the
// Dispatcher, one at a time and in order.
type Session struct {
	cfg        SessionConfig
	identity   peer.Identity
	handshake  network.HandshakeOptions
	log        logrus.FieldLogger
	delegate   SessionDelegate
	dispatcher *Dispatcher
	ownsDisp   bool

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	peers   map[string]*peerEntry
	closing atomic.Bool
	wg      sync.WaitGroup

	closeOnce sync.Once
	silenced  atomic.Bool

	transfers *transferTable
}

type peerEntry struct {
	mu       sync.Mutex
	identity peer.Identity
	state    peer.State
	attempt  *attempt
	conn     *peerConn
}

// attempt is one connection try; the entry only honors the result of its current attempt.
type attempt struct {
	outbound bool
	done     *Completion
}

type peerConn struct {
	link   *network.Link
	outbox *outbox
}

// NewSession validates config and returns a Session with no peers.
func NewSession(config SessionConfig) (*Session, error) {
	cfg := config.withDefaults()
	if err := discovery.ValidateNamespace(cfg.Namespace); err != nil {
		return nil, err
	}
	if cfg.ChunkSize > network.MaxChunkSize {
		return nil, fmt.Errorf("chunk size %d exceeds %d", cfg.ChunkSize, network.MaxChunkSize)
	}
	if cfg.Identity.ID == "" {
		cfg.Identity = peer.NewIdentity(cfg.Identity.DisplayName)
	}
	if cfg.IdentityKey == nil {
		key, err := crypto.GenerateIdentityKey()
		if err != nil {
			return nil, err
		}
		cfg.IdentityKey = key
	}
	if cfg.DownloadsDir == "" {
		cfg.DownloadsDir = filepath.Join(os.TempDir(), "peerlink", cfg.Identity.ID)
	}

	dispatcher := cfg.Dispatcher
	ownsDisp := dispatcher == nil
	if ownsDisp {
		dispatcher = NewDispatcher(cfg.Logger)
	}

	log := cfg.Logger.WithFields(logrus.Fields{"local": cfg.Identity.ID, "namespace": cfg.Namespace})
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		cfg:      cfg,
		identity: cfg.Identity,
		handshake: network.HandshakeOptions{
			Identity: network.LocalIdentity{
				PeerID:      cfg.Identity.ID,
				DisplayName: cfg.Identity.DisplayName,
				IdentityKey: cfg.IdentityKey,
			},
			Namespace:         cfg.Namespace,
			ConnectionTimeout: cfg.ConnectionTimeout,
			KeepAliveInterval: cfg.KeepAliveInterval,
			KeepAliveTimeout:  cfg.KeepAliveTimeout,
			Logger:            cfg.Logger,
		},
		log:        log,
		delegate:   cfg.Delegate,
		dispatcher: dispatcher,
		ownsDisp:   ownsDisp,
		ctx:        ctx,
		cancel:     cancel,
		peers:      make(map[string]*peerEntry),
		transfers:  newTransferTable(),
	}, nil
}

// Identity returns the local participant.
func (s *Session) Identity() peer.Identity {
	return s.identity
}

// Namespace returns the namespace the session connects in.
func (s *Session) Namespace() string {
	return s.cfg.Namespace
}

// Peers lists every peer seen in this run with its current state.
func (s *Session) Peers() []PeerStatus {
	s.mu.Lock()
	entries := make([]*peerEntry, 0, len(s.peers))
	for _, e := range s.peers {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	out := make([]PeerStatus, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, PeerStatus{Identity: e.identity, State: e.state})
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Identity.DisplayName != out[j].Identity.DisplayName {
			return out[i].Identity.DisplayName < out[j].Identity.DisplayName
		}
		return out[i].Identity.ID < out[j].Identity.ID
	})
	return out
}

// ConnectedPeers lists the peers currently in the Connected state.
func (s *Session) ConnectedPeers() []peer.Identity {
	var out []peer.Identity
	for _, status := range s.Peers() {
		if status.State == peer.Connected {
			out = append(out, status.Identity)
		}
	}
	return out
}

// State returns the state of peerID, NotConnected when unknown.
func (s *Session) State(peerID string) peer.State {
	e := s.lookup(peerID)
	if e == nil {
		return peer.NotConnected
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// DisconnectPeer drops one peer and leaves the session usable.
func (s *Session) DisconnectPeer(p peer.Identity) error {
	e := s.lookup(p.ID)
	if e == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, p)
	}
	return s.disconnectEntry(e, fmt.Errorf("%w: disconnected locally", ErrTransportLost), "peer disconnected")
}

// Disconnect moves every peer to NotConnected, closes all links, waits for
// background work and flushes pending events. Nothing is delivered for this
// session afterwards. Later calls do nothing. It must not be called from a
// callback running on the session's Dispatcher.
func (s *Session) Disconnect() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closing.Store(true)
		entries := make([]*peerEntry, 0, len(s.peers))
		for _, e := range s.peers {
			entries = append(entries, e)
		}
		s.mu.Unlock()

		var group errgroup.Group
		for _, e := range entries {
			group.Go(func() error {
				return s.disconnectEntry(e, ErrSessionClosed, "session closed")
			})
		}
		if err := group.Wait(); err != nil {
			s.log.WithError(err).Warn("link teardown failed")
		}

		s.cancel()
		s.wg.Wait()
		s.dispatcher.Flush()
		s.silenced.Store(true)
		if s.ownsDisp {
			s.dispatcher.Close()
		}
		s.log.Debug("session closed")
	})
}

func (s *Session) disconnectEntry(e *peerEntry, cause error, reason string) error {
	e.mu.Lock()
	conn := e.conn
	att := e.attempt
	e.conn = nil
	e.attempt = nil
	if e.state != peer.NotConnected {
		s.setStateLocked(e, peer.NotConnected)
	}
	e.mu.Unlock()

	if att != nil {
		att.done.resolve(cause)
	}
	if conn == nil {
		return nil
	}
	conn.outbox.fail(cause)
	return conn.link.Disconnect(reason)
}

func (s *Session) lookup(peerID string) *peerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peers[peerID]
}

func (s *Session) entryFor(p peer.Identity) (*peerEntry, error) {
	if p.ID == "" {
		return nil, errors.New("peer ID is required")
	}
	if p.ID == s.identity.ID {
		return nil, errors.New("cannot connect to self")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing.Load() {
		return nil, ErrSessionClosed
	}
	e, ok := s.peers[p.ID]
	if !ok {
		e = &peerEntry{identity: p, state: peer.NotConnected}
		s.peers[p.ID] = e
	}
	return e, nil
}

// track registers one background goroutine unless the session is closing.
func (s *Session) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing.Load() {
		return false
	}
	s.wg.Add(1)
	return true
}

// setStateLocked moves e to next and queues the event. e.mu must be held so
// that events for one peer are queued in transition order.
func (s *Session) setStateLocked(e *peerEntry, next peer.State) bool {
	if !e.state.CanTransition(next) {
		s.log.WithFields(logrus.Fields{"peer": e.identity.ID, "from": e.state, "to": next}).Warn("ignoring invalid peer transition")
		return false
	}
	e.state = next
	identity := e.identity
	s.log.WithFields(logrus.Fields{"peer": identity.ID, "state": next}).Debug("peer state changed")
	s.post(func(d SessionDelegate) {
		d.OnPeerStateChanged(identity, next)
	})
	return true
}

func (s *Session) beginOutbound(p peer.Identity) (*attempt, error) {
	e, err := s.entryFor(p)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if s.closing.Load() {
		return nil, ErrSessionClosed
	}
	if e.state != peer.NotConnected {
		return nil, fmt.Errorf("%w: %s is %s", ErrPeerBusy, p, e.state)
	}
	att := &attempt{outbound: true, done: newCompletion()}
	e.attempt = att
	s.setStateLocked(e, peer.Connecting)
	return att, nil
}

// beginInbound claims p for an invitation it sent us. When both sides invite
// each other at once, the peer with the greater ID answers the inbound
// invitation and its own outbound attempt is superseded.
func (s *Session) beginInbound(p peer.Identity) (*attempt, error) {
	e, err := s.entryFor(p)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if s.closing.Load() {
		return nil, ErrSessionClosed
	}
	switch e.state {
	case peer.NotConnected:
		att := &attempt{done: newCompletion()}
		e.attempt = att
		s.setStateLocked(e, peer.Connecting)
		return att, nil
	case peer.Connecting:
		if e.attempt != nil && e.attempt.outbound && s.identity.ID > p.ID {
			att := &attempt{done: e.attempt.done}
			e.attempt = att
			return att, nil
		}
	}
	return nil, fmt.Errorf("%w: %s is %s", ErrPeerBusy, p, e.state)
}

// finishAttempt settles att with either a connected link or an error. A
// result for an attempt that is no longer current is discarded.
func (s *Session) finishAttempt(p peer.Identity, att *attempt, link *network.Link, cause error) error {
	e := s.lookup(p.ID)
	if e == nil {
		if link != nil {
			_ = link.Close()
		}
		return fmt.Errorf("%w: %s", ErrUnknownPeer, p)
	}

	e.mu.Lock()
	if e.attempt != att {
		e.mu.Unlock()
		if link != nil {
			_ = link.Close()
		}
		return fmt.Errorf("%w: attempt for %s superseded", ErrPeerBusy, p)
	}
	e.attempt = nil

	if cause == nil && s.closing.Load() {
		cause = ErrSessionClosed
	}
	if cause != nil {
		s.setStateLocked(e, peer.NotConnected)
		e.mu.Unlock()
		if link != nil {
			_ = link.Close()
		}
		att.done.resolve(cause)
		return cause
	}

	if e.identity.DisplayName == "" {
		e.identity.DisplayName = link.Remote().DisplayName
	}
	conn := &peerConn{link: link, outbox: newOutbox(s.cfg.UnreliableQueueSize)}
	e.conn = conn
	s.setStateLocked(e, peer.Connected)
	s.wg.Add(2)
	go s.serveLink(e, conn)
	go s.pumpOutbox(e, conn)
	e.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"peer":        p.ID,
		"fingerprint": link.RemoteFingerprint(),
	}).Info("peer connected")
	att.done.resolve(nil)
	return nil
}

// detach releases conn after its link ended, unless it was already replaced.
func (s *Session) detach(e *peerEntry, conn *peerConn, cause error) {
	e.mu.Lock()
	if e.conn != conn {
		e.mu.Unlock()
		return
	}
	e.conn = nil
	s.setStateLocked(e, peer.NotConnected)
	e.mu.Unlock()

	conn.outbox.fail(cause)
	s.log.WithField("peer", e.identity.ID).WithError(cause).Info("peer link lost")
}

func (s *Session) lossCause(link *network.Link) error {
	if s.closing.Load() {
		return ErrSessionClosed
	}
	if link.ClosedByRemote() {
		return fmt.Errorf("%w: peer disconnected", ErrTransportLost)
	}
	if err := link.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrTransportLost, err)
	}
	return ErrTransportLost
}

func (s *Session) connectedConn(peerID string) (*peerEntry, *peerConn) {
	e := s.lookup(peerID)
	if e == nil {
		return nil, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != peer.Connected {
		return e, nil
	}
	return e, e.conn
}

// acceptInvitation answers an authenticated inbound invitation on behalf of
// this session and blocks until the link is ready or the attempt failed.
func (s *Session) acceptInvitation(inv *network.PendingInvitation) error {
	att, err := s.beginInbound(inv.From)
	if err != nil {
		_ = inv.Reject(rejectReason(err))
		return err
	}
	if !s.track() {
		_ = inv.Reject(rejectReason(ErrSessionClosed))
		_ = s.finishAttempt(inv.From, att, nil, ErrSessionClosed)
		return ErrSessionClosed
	}
	defer s.wg.Done()

	link, err := inv.Accept(s.ctx)
	if err != nil {
		if s.closing.Load() {
			err = ErrSessionClosed
		} else {
			err = fmt.Errorf("%w: accept invitation: %w", ErrTransportLost, err)
		}
	}
	return s.finishAttempt(inv.From, att, link, err)
}

// invite connects to p through one of addresses. timeout 0 waits until the
// peer answers or the session closes.
func (s *Session) invite(p peer.Identity, addresses []string, invitationContext []byte, timeout time.Duration) (*Completion, error) {
	if len(addresses) == 0 {
		return nil, fmt.Errorf("%w: no address for %s", ErrUnknownPeer, p)
	}
	att, err := s.beginOutbound(p)
	if err != nil {
		return nil, err
	}
	if !s.track() {
		_ = s.finishAttempt(p, att, nil, ErrSessionClosed)
		return nil, ErrSessionClosed
	}

	go func() {
		defer s.wg.Done()

		ctx, cancel := s.ctx, context.CancelFunc(func() {})
		if timeout > 0 {
			ctx, cancel = context.WithTimeout(s.ctx, timeout)
		}
		defer cancel()

		link, err := network.Invite(ctx, network.InviteRequest{
			Addresses:      addresses,
			ExpectedPeerID: p.ID,
			Context:        invitationContext,
		}, s.handshake)
		if err != nil {
			err = s.inviteError(p, err)
			s.log.WithField("peer", p.ID).WithError(err).Info("invitation failed")
		}
		_ = s.finishAttempt(p, att, link, err)
	}()
	return att.done, nil
}

func (s *Session) inviteError(p peer.Identity, err error) error {
	switch {
	case s.closing.Load():
		return ErrSessionClosed
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s did not answer", ErrInvitationTimeout, p)
	case errors.Is(err, network.ErrInvitationRejected):
		return fmt.Errorf("%w: %w", ErrInvitationRejected, err)
	default:
		return fmt.Errorf("%w: invite %s: %w", ErrTransportLost, p, err)
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrSessionClosed):
		return "session closed"
	case errors.Is(err, ErrPeerBusy):
		return "already connecting"
	default:
		return "declined"
	}
}

// post queues a delegate callback.
func (s *Session) post(fn func(SessionDelegate)) {
	if s.delegate == nil {
		return
	}
	d := s.delegate
	s.dispatch(func() {
		fn(d)
	})
}

// dispatch queues fn on the Dispatcher unless the session already finished teardown.
func (s *Session) dispatch(fn func()) {
	s.dispatcher.Post(func() {
		if s.silenced.Load() {
			return
		}
		fn()
	})
}
