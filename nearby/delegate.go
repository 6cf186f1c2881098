package nearby

import (
	"peerlink/discovery"
	"peerlink/peer"
)

// SessionDelegate receives Session events on the Session's Dispatcher.
type SessionDelegate interface {
	OnPeerStateChanged(p peer.Identity, state peer.State)
	OnMessageReceived(from peer.Identity, data []byte)
	OnTransferStarted(t *Transfer)
	OnTransferProgress(t *Transfer, deltaBytes int64)
	OnTransferFinished(t *Transfer, result TransferResult)
}

// BrowserDelegate receives deduplicated discovery events.
type BrowserDelegate interface {
	OnPeerFound(p peer.Identity, info map[string]string)
	OnPeerLost(p peer.Identity)
}

// DiscoveryDelegate receives start failures of advertisers and browsers.
type DiscoveryDelegate interface {
	OnDiscoveryError(dc DiscoveryContext, err error)
}

// DiscoveryContext identifies the component that failed to start.
type DiscoveryContext struct {
	Role      discovery.Role
	Namespace string
	PeerID    string
}

// Handlers adapts plain functions to every delegate interface. Nil fields are skipped.
type Handlers struct {
	PeerStateChanged func(p peer.Identity, state peer.State)
	MessageReceived  func(from peer.Identity, data []byte)
	TransferStarted  func(t *Transfer)
	TransferProgress func(t *Transfer, deltaBytes int64)
	TransferFinished func(t *Transfer, result TransferResult)
	PeerFound        func(p peer.Identity, info map[string]string)
	PeerLost         func(p peer.Identity)
	DiscoveryError   func(dc DiscoveryContext, err error)
}

var (
	_ SessionDelegate   = Handlers{}
	_ BrowserDelegate   = Handlers{}
	_ DiscoveryDelegate = Handlers{}
)

func (h Handlers) OnPeerStateChanged(p peer.Identity, state peer.State) {
	if h.PeerStateChanged != nil {
		h.PeerStateChanged(p, state)
	}
}

func (h Handlers) OnMessageReceived(from peer.Identity, data []byte) {
	if h.MessageReceived != nil {
		h.MessageReceived(from, data)
	}
}

func (h Handlers) OnTransferStarted(t *Transfer) {
	if h.TransferStarted != nil {
		h.TransferStarted(t)
	}
}

func (h Handlers) OnTransferProgress(t *Transfer, deltaBytes int64) {
	if h.TransferProgress != nil {
		h.TransferProgress(t, deltaBytes)
	}
}

func (h Handlers) OnTransferFinished(t *Transfer, result TransferResult) {
	if h.TransferFinished != nil {
		h.TransferFinished(t, result)
	}
}

func (h Handlers) OnPeerFound(p peer.Identity, info map[string]string) {
	if h.PeerFound != nil {
		h.PeerFound(p, info)
	}
}

func (h Handlers) OnPeerLost(p peer.Identity) {
	if h.PeerLost != nil {
		h.PeerLost(p)
	}
}

func (h Handlers) OnDiscoveryError(dc DiscoveryContext, err error) {
	if h.DiscoveryError != nil {
		h.DiscoveryError(dc, err)
	}
}
