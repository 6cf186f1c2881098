package nearby

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerlink/discovery"
)

func TestBrowserReportsFoundAndLostOnce(t *testing.T) {
	net := newTestNet()
	archive := &memoryArchive{}
	a := net.node(t, "A")
	b := net.node(t, "B")

	browser, err := NewBrowser(BrowserConfig{
		Identity:        b.identity,
		Namespace:       testNamespace,
		Beacon:          net.beacon,
		Registry:        net.registry,
		Archive:         archive,
		Delegate:        b.rec.handlers(),
		Dispatcher:      b.dispatcher,
		RefreshInterval: 40 * time.Millisecond,
		ScanTimeout:     20 * time.Millisecond,
		PeerStaleAfter:  200 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(browser.Stop)

	require.NoError(t, a.advertiser.Start(RejectAll()))
	require.NoError(t, browser.Start())

	require.Eventually(t, func() bool {
		return b.rec.foundCount(a.identity.ID) == 1
	}, 3*time.Second, 10*time.Millisecond)

	// Several more probes must not repeat the event.
	time.Sleep(150 * time.Millisecond)
	b.dispatcher.Flush()
	assert.Equal(t, 1, b.rec.foundCount(a.identity.ID))

	peers := browser.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, "test", peers[0].Info["app"])
	assert.NotEmpty(t, peers[0].Addresses)

	a.advertiser.Stop()
	require.Eventually(t, func() bool {
		return b.rec.lostCount(a.identity.ID) == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Empty(t, browser.Peers())

	archive.mu.Lock()
	defer archive.mu.Unlock()
	require.NotEmpty(t, archive.sightings)
	assert.Equal(t, a.identity.ID, archive.sightings[0].PeerID)
	assert.Equal(t, testNamespace, archive.sightings[0].Namespace)
}

func TestBrowserIgnoresSelfAndOtherNamespaces(t *testing.T) {
	net := newTestNet()
	a := net.node(t, "A")
	require.NoError(t, a.advertiser.Start(RejectAll()))

	other, err := net.beacon.Publish("files", discovery.Record{PeerID: "x", DisplayName: "X", Port: 1})
	require.NoError(t, err)
	defer other.Withdraw()

	require.NoError(t, a.browser.Start())
	require.NoError(t, a.browser.Refresh(context.Background()))
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, a.browser.Peers())
	assert.Zero(t, a.rec.foundCount(a.identity.ID))
	assert.Zero(t, a.rec.foundCount("x"))
}

func TestBrowserStopBeforeStartAndRestart(t *testing.T) {
	net := newTestNet()
	a := net.node(t, "A")

	a.browser.Stop()
	require.ErrorIs(t, a.browser.Refresh(context.Background()), discovery.ErrScannerNotStarted)
	assert.Nil(t, a.browser.Peers())

	require.NoError(t, a.browser.Start())
	require.NoError(t, a.browser.Start())
	assert.Equal(t, 1, net.registry.Count(discovery.RoleBrowser, testNamespace))

	a.browser.Stop()
	a.browser.Stop()
	assert.Equal(t, 0, net.registry.Count(discovery.RoleBrowser, testNamespace))

	require.NoError(t, a.browser.Start())
}

func TestBrowserStartFailureIsReported(t *testing.T) {
	net := newTestNet()
	a := net.node(t, "A")

	release, err := net.registry.Acquire(discovery.RoleBrowser, testNamespace, a.identity.ID)
	require.NoError(t, err)
	defer release()

	require.ErrorIs(t, a.browser.Start(), ErrDiscoveryStartFailure)
	a.dispatcher.Flush()
	require.Len(t, a.rec.discoveryErrors(), 1)
}

func TestInviteRequiresMatchingNamespace(t *testing.T) {
	net := newTestNet()
	a := net.node(t, "A")

	other, err := NewSession(SessionConfig{Namespace: "files"})
	require.NoError(t, err)
	defer other.Disconnect()

	_, err = a.browser.Invite(a.identity, other, nil, time.Second)
	require.Error(t, err)
	_, err = a.browser.Invite(a.identity, nil, nil, time.Second)
	require.Error(t, err)
}
