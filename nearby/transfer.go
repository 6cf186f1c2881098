package nearby

import (
	"sync"
	"time"

	"peerlink/peer"
)

// Direction tells whether a transfer is outbound or inbound.
type Direction string

const (
	DirectionSend    Direction = "send"
	DirectionReceive Direction = "receive"
)

// TransferStatus is the lifecycle state of a transfer.
type TransferStatus string

const (
	TransferInProgress TransferStatus = "in_progress"
	TransferCompleted  TransferStatus = "completed"
	TransferFailed     TransferStatus = "failed"
)

// TransferResult is delivered once per transfer: LocalPath on success, Err on failure.
type TransferResult struct {
	LocalPath string
	Err       error
}

// Transfer tracks one resource moving between this peer and another.
// The identifying fields never change; progress is read through methods.
type Transfer struct {
	ID         string
	Direction  Direction
	Peer       peer.Identity
	Name       string
	TotalBytes int64
	StartedAt  time.Time

	mu          sync.Mutex
	transferred int64
	status      TransferStatus
	localPath   string
	err         error
	finishedAt  time.Time
}

// TransferSummary is a detached snapshot of a finished transfer.
type TransferSummary struct {
	ID               string
	Direction        Direction
	PeerID           string
	PeerName         string
	Name             string
	TotalBytes       int64
	TransferredBytes int64
	Status           TransferStatus
	LocalPath        string
	Error            string
	StartedAt        time.Time
	FinishedAt       time.Time
}

func newTransfer(id string, direction Direction, p peer.Identity, name string, total int64) *Transfer {
	return &Transfer{
		ID:         id,
		Direction:  direction,
		Peer:       p,
		Name:       name,
		TotalBytes: total,
		StartedAt:  time.Now(),
		status:     TransferInProgress,
	}
}

// TransferredBytes returns the bytes acknowledged (send) or written (receive) so far.
func (t *Transfer) TransferredBytes() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transferred
}

// Status returns the current lifecycle state.
func (t *Transfer) Status() TransferStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// LocalPath returns the received file path once an inbound transfer completed.
func (t *Transfer) LocalPath() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.localPath
}

// Err returns the failure cause of a failed transfer.
func (t *Transfer) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Progress returns the completed fraction in [0, 1].
func (t *Transfer) Progress() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.TotalBytes <= 0 {
		if t.status == TransferCompleted {
			return 1
		}
		return 0
	}
	return float64(t.transferred) / float64(t.TotalBytes)
}

// advance adds delta bytes, refusing to pass TotalBytes or move a finished transfer.
func (t *Transfer) advance(delta int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != TransferInProgress || delta < 0 || t.transferred+delta > t.TotalBytes {
		return false
	}
	t.transferred += delta
	return true
}

// finish moves the transfer to a terminal state. Only the first call wins.
func (t *Transfer) finish(localPath string, err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != TransferInProgress {
		return false
	}
	if err == nil && t.transferred != t.TotalBytes {
		err = ErrTransferFailure
	}
	if err != nil {
		t.status = TransferFailed
		t.err = err
	} else {
		t.status = TransferCompleted
		t.localPath = localPath
	}
	t.finishedAt = time.Now()
	return true
}

// Summary snapshots the transfer for archiving.
func (t *Transfer) Summary() TransferSummary {
	t.mu.Lock()
	defer t.mu.Unlock()
	summary := TransferSummary{
		ID:               t.ID,
		Direction:        t.Direction,
		PeerID:           t.Peer.ID,
		PeerName:         t.Peer.DisplayName,
		Name:             t.Name,
		TotalBytes:       t.TotalBytes,
		TransferredBytes: t.transferred,
		Status:           t.status,
		LocalPath:        t.localPath,
		StartedAt:        t.StartedAt,
		FinishedAt:       t.finishedAt,
	}
	if t.err != nil {
		summary.Error = t.err.Error()
	}
	return summary
}

func (t *Transfer) result() TransferResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TransferResult{LocalPath: t.localPath, Err: t.err}
}

// Sighting is one discovery observation of a peer.
type Sighting struct {
	PeerID      string
	DisplayName string
	Namespace   string
	Addresses   []string
	SeenAt      time.Time
}

// Archive persists finished transfers and peer sightings.
type Archive interface {
	RecordTransfer(summary TransferSummary) error
	RecordSighting(sighting Sighting) error
}
