package nearby

import (
	"context"
	"crypto/ed25519"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"peerlink/crypto"
	"peerlink/discovery"
	"peerlink/peer"
)

const testNamespace = "chat"

type receivedMessage struct {
	from peer.Identity
	data string
}

// recorder captures every delegate callback for later assertions.
type recorder struct {
	mu        sync.Mutex
	states    map[string][]peer.State
	messages  []receivedMessage
	started   []*Transfer
	progress  map[string][]int64
	finished  map[string][]TransferResult
	found     []peer.Identity
	lost      []peer.Identity
	discovery []error
}

func newRecorder() *recorder {
	return &recorder{
		states:   make(map[string][]peer.State),
		progress: make(map[string][]int64),
		finished: make(map[string][]TransferResult),
	}
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		PeerStateChanged: func(p peer.Identity, state peer.State) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.states[p.ID] = append(r.states[p.ID], state)
		},
		MessageReceived: func(from peer.Identity, data []byte) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.messages = append(r.messages, receivedMessage{from: from, data: string(data)})
		},
		TransferStarted: func(t *Transfer) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.started = append(r.started, t)
		},
		TransferProgress: func(t *Transfer, delta int64) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.progress[t.ID] = append(r.progress[t.ID], delta)
		},
		TransferFinished: func(t *Transfer, result TransferResult) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.finished[t.ID] = append(r.finished[t.ID], result)
		},
		PeerFound: func(p peer.Identity, _ map[string]string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.found = append(r.found, p)
		},
		PeerLost: func(p peer.Identity) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.lost = append(r.lost, p)
		},
		DiscoveryError: func(_ DiscoveryContext, err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.discovery = append(r.discovery, err)
		},
	}
}

func (r *recorder) stateTrace(peerID string) []peer.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]peer.State(nil), r.states[peerID]...)
}

func (r *recorder) receivedMessages() []receivedMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]receivedMessage(nil), r.messages...)
}

func (r *recorder) startedTransfers() []*Transfer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Transfer(nil), r.started...)
}

func (r *recorder) progressFor(id string) []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.progress[id]...)
}

func (r *recorder) finishedFor(id string) []TransferResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TransferResult(nil), r.finished[id]...)
}

func (r *recorder) foundCount(peerID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, p := range r.found {
		if p.ID == peerID {
			n++
		}
	}
	return n
}

func (r *recorder) lostCount(peerID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, p := range r.lost {
		if p.ID == peerID {
			n++
		}
	}
	return n
}

func (r *recorder) discoveryErrors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.discovery...)
}

type testNode struct {
	identity   peer.Identity
	key        ed25519.PrivateKey
	dispatcher *Dispatcher
	rec        *recorder
	session    *Session
	advertiser *Advertiser
	browser    *Browser
}

type testNet struct {
	beacon   *discovery.LocalBeacon
	registry *discovery.Registry
}

func newTestNet() *testNet {
	return &testNet{beacon: discovery.NewLocalBeacon(), registry: discovery.NewRegistry()}
}

func (n *testNet) node(t *testing.T, name string, configure ...func(*SessionConfig)) *testNode {
	t.Helper()

	key, err := crypto.GenerateIdentityKey()
	require.NoError(t, err)

	node := &testNode{
		identity:   peer.NewIdentity(name),
		key:        key,
		dispatcher: NewDispatcher(nil),
		rec:        newRecorder(),
	}

	cfg := SessionConfig{
		Identity:     node.identity,
		IdentityKey:  key,
		Namespace:    testNamespace,
		Delegate:     node.rec.handlers(),
		Dispatcher:   node.dispatcher,
		DownloadsDir: t.TempDir(),
	}
	for _, fn := range configure {
		fn(&cfg)
	}
	node.session, err = NewSession(cfg)
	require.NoError(t, err)

	node.advertiser, err = NewAdvertiser(AdvertiserConfig{
		Identity:      node.identity,
		IdentityKey:   key,
		Namespace:     testNamespace,
		DiscoveryInfo: map[string]string{"app": "test"},
		ListenAddress: "127.0.0.1:0",
		Beacon:        n.beacon,
		Registry:      n.registry,
		Delegate:      node.rec.handlers(),
		Dispatcher:    node.dispatcher,
	})
	require.NoError(t, err)

	node.browser, err = NewBrowser(BrowserConfig{
		Identity:        node.identity,
		Namespace:       testNamespace,
		Beacon:          n.beacon,
		Registry:        n.registry,
		Delegate:        node.rec.handlers(),
		Dispatcher:      node.dispatcher,
		RefreshInterval: 60 * time.Millisecond,
		ScanTimeout:     30 * time.Millisecond,
		PeerStaleAfter:  300 * time.Millisecond,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		node.browser.Stop()
		node.advertiser.Stop()
		node.session.Disconnect()
	})
	return node
}

// waitVisible blocks until browser sees target.
func (n *testNode) waitVisible(t *testing.T, target *testNode) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, p := range n.browser.Peers() {
			if p.Identity.ID == target.identity.ID {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond, "%s never saw %s", n.identity, target.identity)
}

// connectPair makes acceptor advertise with AcceptAll and inviter browse and invite it.
func connectPair(t *testing.T, inviter, acceptor *testNode) {
	t.Helper()

	require.NoError(t, acceptor.advertiser.Start(AcceptAll(acceptor.session)))
	require.NoError(t, inviter.browser.Start())
	inviter.waitVisible(t, acceptor)

	completion, err := inviter.browser.Invite(acceptor.identity, inviter.session, []byte("hello"), 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, waitCompletion(t, completion))

	waitForState(t, acceptor.session, inviter.identity, peer.Connected)
	waitForState(t, inviter.session, acceptor.identity, peer.Connected)
}

func waitForState(t *testing.T, session *Session, p peer.Identity, want peer.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return session.State(p.ID) == want
	}, 3*time.Second, 10*time.Millisecond, "peer %s never reached %s", p, want)
}

func waitCompletion(t *testing.T, completion *Completion) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := completion.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "completion never resolved")
	return err
}

// requireValidTrace checks a per-peer event trace follows the state machine
// from NotConnected and never repeats a state.
func requireValidTrace(t *testing.T, trace []peer.State) {
	t.Helper()
	current := peer.NotConnected
	for i, next := range trace {
		require.Truef(t, current.CanTransition(next), "invalid step %d: %s -> %s in %v", i, current, next, trace)
		current = next
	}
}
