package nearby

import "errors"

var (
	// ErrDiscoveryStartFailure reports that advertising or browsing could not start.
	// It is reported once and never retried automatically.
	ErrDiscoveryStartFailure = errors.New("nearby: discovery start failure")
	// ErrInvitationTimeout reports an invitation that was not answered in time.
	ErrInvitationTimeout = errors.New("nearby: invitation timed out")
	// ErrInvitationRejected reports an invitation declined by the remote peer.
	ErrInvitationRejected = errors.New("nearby: invitation rejected")
	// ErrTransportLost reports that a connected peer's link failed.
	ErrTransportLost = errors.New("nearby: transport lost")
	// ErrSendRejected reports a send with no connected target or a duplicate transfer.
	ErrSendRejected = errors.New("nearby: send rejected")
	// ErrDecodeFailure marks a malformed inbound payload. It is only logged.
	ErrDecodeFailure = errors.New("nearby: decode failure")
	// ErrTransferFailure reports a resource transfer that did not complete.
	ErrTransferFailure = errors.New("nearby: transfer failure")
	// ErrSessionClosed is returned after Session.Disconnect.
	ErrSessionClosed = errors.New("nearby: session closed")
	// ErrUnknownPeer is returned for peers the component has never seen.
	ErrUnknownPeer = errors.New("nearby: unknown peer")
	// ErrPeerBusy is returned when a peer is already connecting or connected.
	ErrPeerBusy = errors.New("nearby: peer already connecting or connected")
)
