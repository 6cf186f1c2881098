package discovery

import (
	"context"
	"errors"
	"sync"
)

// LocalBeacon is an in-process Beacon. Peers that share one LocalBeacon see
// each other without touching the network, which makes it the beacon of
// choice for tests and single-host demos.
type LocalBeacon struct {
	mu      sync.Mutex
	nextID  uint64
	records map[string]map[uint64]Record
}

// NewLocalBeacon returns an empty in-process beacon.
func NewLocalBeacon() *LocalBeacon {
	return &LocalBeacon{records: make(map[string]map[uint64]Record)}
}

type localPublication struct {
	beacon    *LocalBeacon
	namespace string
	id        uint64
	once      sync.Once
}

func (p *localPublication) Withdraw() {
	p.once.Do(func() {
		p.beacon.mu.Lock()
		defer p.beacon.mu.Unlock()
		delete(p.beacon.records[p.namespace], p.id)
	})
}

// Publish makes record visible to browsers of namespace. Records without
// addresses are reachable on the loopback interface.
func (b *LocalBeacon) Publish(namespace string, record Record) (Publication, error) {
	if err := ValidateNamespace(namespace); err != nil {
		return nil, err
	}
	if record.PeerID == "" {
		return nil, errors.New("peer ID is required")
	}

	record = record.clone()
	if len(record.Addresses) == 0 {
		record.Addresses = []string{"127.0.0.1"}
	}
	if record.Version == 0 {
		record.Version = RecordVersion
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	if b.records[namespace] == nil {
		b.records[namespace] = make(map[uint64]Record)
	}
	b.records[namespace][b.nextID] = record

	return &localPublication{beacon: b, namespace: namespace, id: b.nextID}, nil
}

// Browse reports the records published at the time of the call, then waits
// for ctx to end the probe window.
func (b *LocalBeacon) Browse(ctx context.Context, namespace string, found chan<- Record) error {
	if err := ValidateNamespace(namespace); err != nil {
		return err
	}

	b.mu.Lock()
	snapshot := make([]Record, 0, len(b.records[namespace]))
	for _, record := range b.records[namespace] {
		snapshot = append(snapshot, record.clone())
	}
	b.mu.Unlock()

	for _, record := range snapshot {
		select {
		case found <- record:
		case <-ctx.Done():
			return nil
		}
	}
	<-ctx.Done()
	return nil
}
