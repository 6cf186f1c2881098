package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	directionSend    = "send"
	directionReceive = "receive"
)

const (
	transferStatusCompleted = "completed"
	transferStatusFailed    = "failed"
)

const (
	// ModeReliable marks a chat line sent with guaranteed ordered delivery.
	ModeReliable = "reliable"
	// ModeUnreliable marks a best-effort chat line.
	ModeUnreliable = "unreliable"
)

const (
	// EventSeverityInfo indicates informational session event context.
	EventSeverityInfo = "info"
	// EventSeverityWarning indicates a failed or refused operation.
	EventSeverityWarning = "warning"
	// EventSeverityCritical indicates the session could not run at all.
	EventSeverityCritical = "critical"
)

const (
	// EventInvitationAccepted records an inbound invitation the user accepted.
	EventInvitationAccepted = "invitation_accepted"
	// EventInvitationDeclined records an inbound invitation the user declined.
	EventInvitationDeclined = "invitation_declined"
	// EventDiscoveryError records an advertiser or browser start failure.
	EventDiscoveryError = "discovery_error"
)

// PeerSighting is the archived discovery history of one peer.
type PeerSighting struct {
	PeerID        string
	DisplayName   string
	Namespace     string
	LastAddresses []string
	FirstSeen     int64
	LastSeen      int64
	Sightings     int64
}

// TransferRecord is one finished transfer as archived.
type TransferRecord struct {
	TransferID       string
	Direction        string
	PeerID           string
	PeerName         string
	ResourceName     string
	TotalBytes       int64
	TransferredBytes int64
	Status           string
	LocalPath        string
	Error            string
	StartedAt        int64
	FinishedAt       int64
}

// ChatMessage is one chat line sent or received in a namespace.
type ChatMessage struct {
	MessageID string
	Namespace string
	PeerID    string
	PeerName  string
	Direction string
	Content   string
	Mode      string
	Timestamp int64
}

// SessionEvent stores a structured session-level event such as an
// invitation decision or a discovery failure.
type SessionEvent struct {
	ID        int64
	EventType string
	PeerID    *string
	Details   string
	Severity  string
	Timestamp int64
}

// SessionEventFilter narrows GetSessionEvents query results.
type SessionEventFilter struct {
	EventType     string
	PeerID        string
	Severity      string
	FromTimestamp *int64
	Limit         int
	Offset        int
}

type scanner interface {
	Scan(dest ...any) error
}

func validateDirection(direction string) error {
	switch direction {
	case directionSend, directionReceive:
		return nil
	default:
		return fmt.Errorf("invalid direction %q", direction)
	}
}

func validateTransferStatus(status string) error {
	switch status {
	case transferStatusCompleted, transferStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid transfer status %q", status)
	}
}

func validateMode(mode string) error {
	switch mode {
	case ModeReliable, ModeUnreliable:
		return nil
	default:
		return fmt.Errorf("invalid message mode %q", mode)
	}
}

func validateEventSeverity(severity string) error {
	switch severity {
	case EventSeverityInfo, EventSeverityWarning, EventSeverityCritical:
		return nil
	default:
		return fmt.Errorf("invalid session event severity %q", severity)
	}
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
