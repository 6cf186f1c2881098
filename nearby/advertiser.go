package nearby

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"peerlink/discovery"
	"peerlink/network"
	"peerlink/peer"
)

// AcceptPolicy decides an inbound invitation. Returning true with a non-nil
// Session connects the inviter into that Session; anything else rejects.
// Policies run on a background goroutine and may block, for example on a
// user prompt.
type AcceptPolicy func(from peer.Identity, context []byte) (bool, *Session)

// AcceptAll accepts every invitation into session.
func AcceptAll(session *Session) AcceptPolicy {
	return func(peer.Identity, []byte) (bool, *Session) {
		return true, session
	}
}

// RejectAll declines every invitation.
func RejectAll() AcceptPolicy {
	return func(peer.Identity, []byte) (bool, *Session) {
		return false, nil
	}
}

// AdvertiserConfig configures an Advertiser.
type AdvertiserConfig struct {
	Identity    peer.Identity
	IdentityKey ed25519.PrivateKey
	Namespace   string
	// DiscoveryInfo is published with the advertisement.
	DiscoveryInfo map[string]string
	// ListenAddress is where invitations are accepted. Empty binds every interface on a free port.
	ListenAddress string

	Beacon   discovery.Beacon
	Registry *discovery.Registry

	Delegate   DiscoveryDelegate
	Dispatcher *Dispatcher

	ConnectionTimeout time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration

	Logger logrus.FieldLogger
}

// Advertiser announces the local peer in a namespace and answers invitations.
type Advertiser struct {
	cfg        AdvertiserConfig
	log        logrus.FieldLogger
	dispatcher *Dispatcher

	mu  sync.Mutex
	run *advertiseRun
}

type advertiseRun struct {
	policy      AcceptPolicy
	listener    *network.Listener
	publication discovery.Publication
	release     func()
	done        chan struct{}

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewAdvertiser validates config and returns a stopped Advertiser.
func NewAdvertiser(config AdvertiserConfig) (*Advertiser, error) {
	cfg := config
	if cfg.Identity.ID == "" {
		return nil, errors.New("identity is required")
	}
	if len(cfg.IdentityKey) != ed25519.PrivateKeySize {
		return nil, errors.New("identity key is required")
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
	cfg.DiscoveryInfo = maps.Clone(cfg.DiscoveryInfo)

	dispatcher := cfg.Dispatcher
	if dispatcher == nil {
		dispatcher = NewDispatcher(cfg.Logger)
	}
	return &Advertiser{
		cfg:        cfg,
		log:        cfg.Logger.WithFields(logrus.Fields{"local": cfg.Identity.ID, "namespace": cfg.Namespace}),
		dispatcher: dispatcher,
	}, nil
}

// Running reports whether the Advertiser is started.
func (a *Advertiser) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.run != nil
}

// Port returns the TCP port invitations are accepted on, 0 when stopped.
func (a *Advertiser) Port() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.run == nil {
		return 0
	}
	return a.run.listener.Port()
}

// Start begins advertising and answering invitations with policy. Starting a
// running Advertiser does nothing. Failures are reported once through the
// delegate and returned wrapped in ErrDiscoveryStartFailure.
func (a *Advertiser) Start(policy AcceptPolicy) error {
	if policy == nil {
		return errors.New("accept policy is required")
	}
	if err := discovery.ValidateNamespace(a.cfg.Namespace); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.run != nil {
		return nil
	}

	release, err := a.cfg.Registry.Acquire(discovery.RoleAdvertiser, a.cfg.Namespace, a.cfg.Identity.ID)
	if err != nil {
		return a.startFailed(err)
	}

	listener, err := network.Listen(a.cfg.ListenAddress, network.HandshakeOptions{
		Identity: network.LocalIdentity{
			PeerID:      a.cfg.Identity.ID,
			DisplayName: a.cfg.Identity.DisplayName,
			IdentityKey: a.cfg.IdentityKey,
		},
		Namespace:         a.cfg.Namespace,
		ConnectionTimeout: a.cfg.ConnectionTimeout,
		KeepAliveInterval: a.cfg.KeepAliveInterval,
		KeepAliveTimeout:  a.cfg.KeepAliveTimeout,
		Logger:            a.cfg.Logger,
	})
	if err != nil {
		release()
		return a.startFailed(err)
	}

	publication, err := a.cfg.Beacon.Publish(a.cfg.Namespace, discovery.Record{
		PeerID:      a.cfg.Identity.ID,
		DisplayName: a.cfg.Identity.DisplayName,
		Port:        listener.Port(),
		Info:        a.cfg.DiscoveryInfo,
	})
	if err != nil {
		_ = listener.Close()
		release()
		return a.startFailed(err)
	}

	run := &advertiseRun{
		policy:      policy,
		listener:    listener,
		publication: publication,
		release:     release,
		done:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}
	a.run = run
	go a.serve(run)

	a.log.WithField("port", listener.Port()).Info("advertising")
	return nil
}

// Stop withdraws the advertisement and stops answering invitations. It is
// idempotent and the Advertiser may be started again. Invitations whose
// policy is still deciding are rejected once it returns.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	run := a.run
	a.run = nil
	a.mu.Unlock()
	if run == nil {
		return
	}

	run.stopOnce.Do(func() {
		close(run.stopped)
	})
	run.publication.Withdraw()
	if err := run.listener.Close(); err != nil {
		a.log.WithError(err).Debug("close listener")
	}
	<-run.done
	run.release()
	a.log.Info("advertising stopped")
}

func (a *Advertiser) startFailed(cause error) error {
	err := fmt.Errorf("%w: advertise %q: %w", ErrDiscoveryStartFailure, a.cfg.Namespace, cause)
	a.log.WithError(err).Warn("advertiser did not start")
	if a.cfg.Delegate != nil {
		d := a.cfg.Delegate
		dc := DiscoveryContext{Role: discovery.RoleAdvertiser, Namespace: a.cfg.Namespace, PeerID: a.cfg.Identity.ID}
		a.dispatcher.Post(func() {
			d.OnDiscoveryError(dc, err)
		})
	}
	return err
}

func (a *Advertiser) serve(run *advertiseRun) {
	defer close(run.done)
	for inv := range run.listener.Invitations() {
		go a.answer(run, inv)
	}
}

func (a *Advertiser) answer(run *advertiseRun, inv *network.PendingInvitation) {
	log := a.log.WithFields(logrus.Fields{"peer": inv.From.ID, "fingerprint": inv.Fingerprint})

	accept, session := run.policy(inv.From, inv.Context)

	select {
	case <-run.stopped:
		_ = inv.Reject("not advertising")
		return
	default:
	}
	if !accept || session == nil {
		log.Info("invitation declined")
		_ = inv.Reject("declined")
		return
	}
	if session.Identity().ID != a.cfg.Identity.ID || session.Namespace() != a.cfg.Namespace {
		log.Warn("accept policy chose a session of another identity or namespace")
		_ = inv.Reject("declined")
		return
	}

	if err := session.acceptInvitation(inv); err != nil {
		log.WithError(err).Info("invitation not completed")
		return
	}
	log.Debug("invitation accepted")
}
