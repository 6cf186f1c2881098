// Package peer holds the identity and connection-state types shared by the
// discovery, network and session layers.
package peer

import (
	"strings"

	"github.com/google/uuid"
)

// Identity is an immutable participant identifier plus a human-readable name.
// Two identities are the same participant when their IDs match.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// NewIdentity creates an identity with a fresh random ID.
func NewIdentity(displayName string) Identity {
	return Identity{
		ID:          uuid.NewString(),
		DisplayName: strings.TrimSpace(displayName),
	}
}

// Equal reports whether both identities refer to the same participant.
func (i Identity) Equal(other Identity) bool {
	return i.ID == other.ID
}

// IsZero reports whether the identity carries no ID.
func (i Identity) IsZero() bool {
	return i.ID == ""
}

// String returns the display name, falling back to the ID.
func (i Identity) String() string {
	if i.DisplayName != "" {
		return i.DisplayName
	}
	return i.ID
}

// State is the connection state of one remote peer inside a session.
type State int

const (
	NotConnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case NotConnected:
		return "not_connected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// CanTransition reports whether moving from s to next is a legal step of the
// per-peer state machine.
func (s State) CanTransition(next State) bool {
	switch s {
	case NotConnected:
		return next == Connecting
	case Connecting:
		return next == Connected || next == NotConnected
	case Connected:
		return next == NotConnected
	default:
		return false
	}
}
