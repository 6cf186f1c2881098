package nearby

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerlink/discovery"
)

type failingBeacon struct{}

func (failingBeacon) Publish(string, discovery.Record) (discovery.Publication, error) {
	return nil, errors.New("multicast unavailable")
}

func (failingBeacon) Browse(context.Context, string, chan<- discovery.Record) error {
	return errors.New("multicast unavailable")
}

func TestAdvertiserStartFailureIsReportedOnce(t *testing.T) {
	net := newTestNet()
	a := net.node(t, "A")

	release, err := net.registry.Acquire(discovery.RoleAdvertiser, testNamespace, a.identity.ID)
	require.NoError(t, err)
	defer release()

	err = a.advertiser.Start(RejectAll())
	require.ErrorIs(t, err, ErrDiscoveryStartFailure)
	require.ErrorIs(t, err, discovery.ErrAlreadyActive)
	assert.False(t, a.advertiser.Running())

	a.dispatcher.Flush()
	errs := a.rec.discoveryErrors()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrDiscoveryStartFailure)
}

func TestAdvertiserBeaconFailureReleasesClaim(t *testing.T) {
	net := newTestNet()
	a := net.node(t, "A")

	advertiser, err := NewAdvertiser(AdvertiserConfig{
		Identity:      a.identity,
		IdentityKey:   a.key,
		Namespace:     testNamespace,
		ListenAddress: "127.0.0.1:0",
		Beacon:        failingBeacon{},
		Registry:      net.registry,
		Delegate:      a.rec.handlers(),
		Dispatcher:    a.dispatcher,
	})
	require.NoError(t, err)

	require.ErrorIs(t, advertiser.Start(RejectAll()), ErrDiscoveryStartFailure)
	assert.Equal(t, 0, net.registry.Count(discovery.RoleAdvertiser, testNamespace))
	assert.Equal(t, 0, advertiser.Port())
}

func TestAdvertiserStopIsIdempotentAndRestartable(t *testing.T) {
	net := newTestNet()
	a := net.node(t, "A")

	a.advertiser.Stop()

	require.NoError(t, a.advertiser.Start(AcceptAll(a.session)))
	require.NoError(t, a.advertiser.Start(AcceptAll(a.session)))
	assert.True(t, a.advertiser.Running())
	assert.NotZero(t, a.advertiser.Port())
	assert.Equal(t, 1, net.registry.Count(discovery.RoleAdvertiser, testNamespace))

	a.advertiser.Stop()
	a.advertiser.Stop()
	assert.False(t, a.advertiser.Running())
	assert.Equal(t, 0, net.registry.Count(discovery.RoleAdvertiser, testNamespace))

	b := net.node(t, "B")
	require.NoError(t, a.advertiser.Start(AcceptAll(a.session)))
	connectPair(t, b, a)
}

func TestAdvertiserInvalidNamespace(t *testing.T) {
	net := newTestNet()
	a := net.node(t, "A")

	advertiser, err := NewAdvertiser(AdvertiserConfig{
		Identity:    a.identity,
		IdentityKey: a.key,
		Namespace:   "has spaces",
		Beacon:      net.beacon,
		Registry:    net.registry,
	})
	require.NoError(t, err)
	require.Error(t, advertiser.Start(RejectAll()))
	assert.False(t, advertiser.Running())
}

func TestPolicyChoosingForeignSessionIsRejected(t *testing.T) {
	net := newTestNet()
	a := net.node(t, "A")
	b := net.node(t, "B")
	c := net.node(t, "C")

	require.NoError(t, a.advertiser.Start(AcceptAll(c.session)))
	require.NoError(t, b.browser.Start())
	b.waitVisible(t, a)

	completion, err := b.browser.Invite(a.identity, b.session, nil, 5*time.Second)
	require.NoError(t, err)
	require.ErrorIs(t, waitCompletion(t, completion), ErrInvitationRejected)
	assert.Empty(t, c.session.Peers())
}
