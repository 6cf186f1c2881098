package nearby

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"peerlink/discovery"
	"peerlink/peer"
)

// BrowserConfig configures a Browser.
type BrowserConfig struct {
	Identity  peer.Identity
	Namespace string

	Beacon   discovery.Beacon
	Registry *discovery.Registry
	Archive  Archive

	// Delegate receives found/lost events. When it also implements
	// DiscoveryDelegate it receives start failures too.
	Delegate   BrowserDelegate
	Dispatcher *Dispatcher

	RefreshInterval time.Duration
	ScanTimeout     time.Duration
	PeerStaleAfter  time.Duration

	Logger logrus.FieldLogger
}

// DiscoveredPeer is a peer currently visible to a Browser.
type DiscoveredPeer struct {
	Identity  peer.Identity
	Info      map[string]string
	Addresses []string
	LastSeen  time.Time
}

// Browser finds peers advertising in a namespace and invites them into a Session.
type Browser struct {
	cfg        BrowserConfig
	log        logrus.FieldLogger
	dispatcher *Dispatcher

	mu  sync.Mutex
	run *browseRun
}

type browseRun struct {
	scanner *discovery.Scanner
	release func()
	done    chan struct{}
}

// NewBrowser validates config and returns a stopped Browser.
func NewBrowser(config BrowserConfig) (*Browser, error) {
	cfg := config
	if cfg.Identity.ID == "" {
		return nil, errors.New("identity is required")
	}
	if cfg.Beacon == nil {
		return nil, errors.New("beacon is required")
	}
	if cfg.Registry == nil {
		cfg.Registry = discovery.DefaultRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	dispatcher := cfg.Dispatcher
	if dispatcher == nil {
		dispatcher = NewDispatcher(cfg.Logger)
	}
	return &Browser{
		cfg:        cfg,
		log:        cfg.Logger.WithFields(logrus.Fields{"local": cfg.Identity.ID, "namespace": cfg.Namespace}),
		dispatcher: dispatcher,
	}, nil
}

// Start begins probing. Starting a running Browser does nothing. Failures are
// reported once and returned wrapped in ErrDiscoveryStartFailure.
func (b *Browser) Start() error {
	if err := discovery.ValidateNamespace(b.cfg.Namespace); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.run != nil {
		return nil
	}

	release, err := b.cfg.Registry.Acquire(discovery.RoleBrowser, b.cfg.Namespace, b.cfg.Identity.ID)
	if err != nil {
		return b.startFailed(err)
	}
	scanner, err := discovery.NewScanner(discovery.ScannerConfig{
		Namespace:       b.cfg.Namespace,
		SelfID:          b.cfg.Identity.ID,
		Beacon:          b.cfg.Beacon,
		RefreshInterval: b.cfg.RefreshInterval,
		ScanTimeout:     b.cfg.ScanTimeout,
		PeerStaleAfter:  b.cfg.PeerStaleAfter,
		Logger:          b.cfg.Logger,
	})
	if err != nil {
		release()
		return b.startFailed(err)
	}

	run := &browseRun{scanner: scanner, release: release, done: make(chan struct{})}
	scanner.Start()
	go b.forward(run)
	b.run = run

	b.log.Info("browsing")
	return nil
}

// Stop halts probing. It is idempotent, safe before Start, and the Browser
// may be started again.
func (b *Browser) Stop() {
	b.mu.Lock()
	run := b.run
	b.run = nil
	b.mu.Unlock()
	if run == nil {
		return
	}

	run.scanner.Stop()
	<-run.done
	run.release()
	b.log.Info("browsing stopped")
}

// Refresh runs one probe immediately.
func (b *Browser) Refresh(ctx context.Context) error {
	run := b.current()
	if run == nil {
		return discovery.ErrScannerNotStarted
	}
	return run.scanner.Refresh(ctx)
}

// Peers lists the peers currently visible.
func (b *Browser) Peers() []DiscoveredPeer {
	run := b.current()
	if run == nil {
		return nil
	}
	records := run.scanner.ListPeers()
	out := make([]DiscoveredPeer, 0, len(records))
	for _, record := range records {
		out = append(out, discoveredFrom(record))
	}
	return out
}

// Invite asks a discovered peer to join session. The peer becomes Connecting
// in session immediately. The returned Completion resolves with nil once
// connected, ErrInvitationTimeout when unanswered within timeout (0 waits
// indefinitely), ErrInvitationRejected when declined, or a transport error.
func (b *Browser) Invite(p peer.Identity, session *Session, invitationContext []byte, timeout time.Duration) (*Completion, error) {
	if session == nil {
		return nil, errors.New("session is required")
	}
	if session.Namespace() != b.cfg.Namespace {
		return nil, fmt.Errorf("session namespace %q differs from browser namespace %q", session.Namespace(), b.cfg.Namespace)
	}
	run := b.current()
	if run == nil {
		return nil, fmt.Errorf("%w: browser is not running", ErrUnknownPeer)
	}
	record, ok := run.scanner.Lookup(p.ID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, p)
	}

	identity := peer.Identity{ID: record.PeerID, DisplayName: record.DisplayName}
	return session.invite(identity, record.Endpoints(), invitationContext, timeout)
}

func (b *Browser) current() *browseRun {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.run
}

func (b *Browser) startFailed(cause error) error {
	err := fmt.Errorf("%w: browse %q: %w", ErrDiscoveryStartFailure, b.cfg.Namespace, cause)
	b.log.WithError(err).Warn("browser did not start")
	if d, ok := b.cfg.Delegate.(DiscoveryDelegate); ok {
		dc := DiscoveryContext{Role: discovery.RoleBrowser, Namespace: b.cfg.Namespace, PeerID: b.cfg.Identity.ID}
		b.dispatcher.Post(func() {
			d.OnDiscoveryError(dc, err)
		})
	}
	return err
}

func (b *Browser) forward(run *browseRun) {
	defer close(run.done)

	for event := range run.scanner.Events() {
		found := discoveredFrom(event.Record)
		switch event.Type {
		case discovery.EventPeerFound:
			b.archive(event.Record)
			if b.cfg.Delegate != nil {
				d := b.cfg.Delegate
				b.dispatcher.Post(func() {
					d.OnPeerFound(found.Identity, found.Info)
				})
			}
		case discovery.EventPeerLost:
			if b.cfg.Delegate != nil {
				d := b.cfg.Delegate
				b.dispatcher.Post(func() {
					d.OnPeerLost(found.Identity)
				})
			}
		}
	}
}

func (b *Browser) archive(record discovery.Record) {
	if b.cfg.Archive == nil {
		return
	}
	err := b.cfg.Archive.RecordSighting(Sighting{
		PeerID:      record.PeerID,
		DisplayName: record.DisplayName,
		Namespace:   b.cfg.Namespace,
		Addresses:   record.Endpoints(),
		SeenAt:      record.LastSeen,
	})
	if err != nil {
		b.log.WithError(err).Warn("archive sighting failed")
	}
}

func discoveredFrom(record discovery.Record) DiscoveredPeer {
	return DiscoveredPeer{
		Identity:  peer.Identity{ID: record.PeerID, DisplayName: record.DisplayName},
		Info:      maps.Clone(record.Info),
		Addresses: record.Endpoints(),
		LastSeen:  record.LastSeen,
	}
}
