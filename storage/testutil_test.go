package storage

import (
	"testing"
	"time"

	"peerlink/nearby"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustRecordSighting(t *testing.T, store *Store, peerID, name string, seenAt time.Time) {
	t.Helper()

	err := store.RecordSighting(nearby.Sighting{
		PeerID:      peerID,
		DisplayName: name,
		Namespace:   "chat",
		Addresses:   []string{"192.168.1.20:4000"},
		SeenAt:      seenAt,
	})
	if err != nil {
		t.Fatalf("record sighting %q: %v", peerID, err)
	}
}
