package discovery

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultRefreshInterval is the background probe interval.
	DefaultRefreshInterval = 5 * time.Second
	// DefaultScanTimeout bounds each probe window.
	DefaultScanTimeout = 2 * time.Second
	// DefaultStaleProbes is how many consecutive probe periods a peer may be
	// missing before it is reported lost.
	DefaultStaleProbes = 3
)

var (
	// ErrScannerNotStarted is returned by Refresh before Start.
	ErrScannerNotStarted = errors.New("discovery: scanner is not started")
	// ErrScannerStopped is returned by Refresh after Stop.
	ErrScannerStopped = errors.New("discovery: scanner is stopped")
)

// EventType identifies scanner updates.
type EventType string

const (
	// EventPeerFound is emitted the first time a peer is seen, and again only
	// after it was lost.
	EventPeerFound EventType = "peer_found"
	// EventPeerLost is emitted when a found peer has not been seen for PeerStaleAfter.
	EventPeerLost EventType = "peer_lost"
)

// Event is a deduplicated discovery update.
type Event struct {
	Type   EventType
	Record Record
}

// ScannerConfig controls a Scanner.
type ScannerConfig struct {
	Namespace string
	SelfID    string
	Beacon    Beacon

	RefreshInterval time.Duration
	ScanTimeout     time.Duration
	PeerStaleAfter  time.Duration

	Logger logrus.FieldLogger
}

func (c ScannerConfig) withDefaults() ScannerConfig {
	out := c
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.PeerStaleAfter <= 0 {
		out.PeerStaleAfter = DefaultStaleProbes * (out.RefreshInterval + out.ScanTimeout)
	}
	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}
	return out
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// Scanner probes a Beacon periodically and on demand and keeps the set of
// currently visible peers.
type Scanner struct {
	cfg ScannerConfig
	log logrus.FieldLogger

	mu    sync.RWMutex
	peers map[string]Record

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewScanner validates config and returns an idle scanner.
func NewScanner(config ScannerConfig) (*Scanner, error) {
	cfg := config.withDefaults()
	if err := ValidateNamespace(cfg.Namespace); err != nil {
		return nil, err
	}
	if cfg.Beacon == nil {
		return nil, errors.New("beacon is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scanner{
		cfg:             cfg,
		log:             cfg.Logger.WithField("namespace", cfg.Namespace),
		peers:           make(map[string]Record),
		events:          make(chan Event, 128),
		ctx:             ctx,
		cancel:          cancel,
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background probing. Calling it more than once has no effect.
func (s *Scanner) Start() {
	s.startOnce.Do(func() {
		s.started.Store(true)
		s.wg.Add(1)
		go s.loop()
	})
}

// Stop ends probing, waits for the loop to exit and closes Events.
func (s *Scanner) Stop() {
	s.stopOnce.Do(func() {
		s.startOnce.Do(func() {})
		s.cancel()
		s.wg.Wait()
		close(s.events)
	})
}

// Events delivers found/lost updates until Stop.
func (s *Scanner) Events() <-chan Event {
	return s.events
}

// Refresh runs one probe immediately and waits for it to finish.
func (s *Scanner) Refresh(ctx context.Context) error {
	if !s.started.Load() {
		return ErrScannerNotStarted
	}

	req := refreshRequest{ctx: ctx, done: make(chan error, 1)}
	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrScannerStopped
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrScannerStopped
	}
}

// Lookup returns the latest record for a visible peer.
func (s *Scanner) Lookup(peerID string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.peers[peerID]
	if !ok {
		return Record{}, false
	}
	return record.clone(), true
}

// ListPeers returns a snapshot of visible peers sorted by name.
func (s *Scanner) ListPeers() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, 0, len(s.peers))
	for _, record := range s.peers {
		out = append(out, record.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName == out[j].DisplayName {
			return out[i].PeerID < out[j].PeerID
		}
		return out[i].DisplayName < out[j].DisplayName
	})
	return out
}

func (s *Scanner) loop() {
	defer s.wg.Done()

	if err := s.runScan(s.ctx); err != nil {
		s.log.WithError(err).Warn("discovery probe failed")
	}

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.runScan(s.ctx); err != nil {
				s.log.WithError(err).Warn("discovery probe failed")
			}
		case req := <-s.refreshRequests:
			req.done <- s.runScan(req.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scanner) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()

	stopWatch := context.AfterFunc(requestCtx, cancel)
	defer stopWatch()

	found := make(chan Record, 32)
	collected := make(map[string]Record)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case record := <-found:
				if record.PeerID == "" || record.PeerID == s.cfg.SelfID {
					continue
				}
				record.LastSeen = time.Now()
				collected[record.PeerID] = record
			}
		}
	}()

	browseErr := s.cfg.Beacon.Browse(scanCtx, s.cfg.Namespace, found)
	if browseErr == nil {
		<-scanCtx.Done()
	} else {
		cancel()
	}
	<-collectorDone

	if browseErr != nil {
		return browseErr
	}
	if s.ctx.Err() != nil {
		return nil
	}
	s.applySnapshot(collected, time.Now())
	return nil
}

// applySnapshot merges one probe's sightings and emits events outside the lock.
func (s *Scanner) applySnapshot(seen map[string]Record, now time.Time) {
	var pending []Event

	s.mu.Lock()
	for id, record := range seen {
		previous, known := s.peers[id]
		if !known {
			pending = append(pending, Event{Type: EventPeerFound, Record: record.clone()})
		} else if !previous.sameEndpoint(record) {
			s.log.WithField("peer", id).Debug("peer advertisement changed")
		}
		s.peers[id] = record
	}
	for id, record := range s.peers {
		if _, ok := seen[id]; ok {
			continue
		}
		if now.Sub(record.LastSeen) >= s.cfg.PeerStaleAfter {
			delete(s.peers, id)
			pending = append(pending, Event{Type: EventPeerLost, Record: record.clone()})
		}
	}
	s.mu.Unlock()

	for _, event := range pending {
		s.log.WithFields(logrus.Fields{"peer": event.Record.PeerID, "event": event.Type}).Debug("discovery update")
		select {
		case s.events <- event:
		case <-s.ctx.Done():
			return
		}
	}
}
