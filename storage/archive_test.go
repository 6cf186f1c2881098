package storage

import (
	"errors"
	"testing"
	"time"

	"peerlink/nearby"
)

var _ nearby.Archive = (*Store)(nil)

func TestRecordTransferAndList(t *testing.T) {
	store := newTestStore(t)

	started := time.Now().Add(-time.Minute)
	finished := time.Now()
	summary := nearby.TransferSummary{
		ID:               "tr-1",
		Direction:        nearby.DirectionReceive,
		PeerID:           "peer-1",
		PeerName:         "Peer One",
		Name:             "photo.png",
		TotalBytes:       10 << 20,
		TransferredBytes: 10 << 20,
		Status:           nearby.TransferCompleted,
		LocalPath:        "/tmp/tr-1_photo.png",
		StartedAt:        started,
		FinishedAt:       finished,
	}
	if err := store.RecordTransfer(summary); err != nil {
		t.Fatalf("RecordTransfer failed: %v", err)
	}

	got, err := store.GetTransfer("tr-1", "receive")
	if err != nil {
		t.Fatalf("GetTransfer failed: %v", err)
	}
	if got.ResourceName != "photo.png" || got.TotalBytes != summary.TotalBytes || got.Status != "completed" {
		t.Fatalf("unexpected transfer: %+v", got)
	}
	if got.StartedAt != started.UnixMilli() || got.FinishedAt != finished.UnixMilli() {
		t.Fatalf("unexpected timestamps: %+v", got)
	}

	if _, err := store.GetTransfer("tr-1", "send"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for other direction, got %v", err)
	}

	failed := summary
	failed.ID = "tr-2"
	failed.Direction = nearby.DirectionSend
	failed.PeerID = "peer-2"
	failed.Status = nearby.TransferFailed
	failed.Error = "transfer failure: peer disconnected"
	failed.FinishedAt = finished.Add(time.Second)
	if err := store.RecordTransfer(failed); err != nil {
		t.Fatalf("RecordTransfer failed: %v", err)
	}

	all, err := store.ListTransfers("", 0)
	if err != nil {
		t.Fatalf("ListTransfers failed: %v", err)
	}
	if len(all) != 2 || all[0].TransferID != "tr-2" {
		t.Fatalf("expected newest first, got %+v", all)
	}

	onlyPeer, err := store.ListTransfers("peer-1", 10)
	if err != nil {
		t.Fatalf("ListTransfers by peer failed: %v", err)
	}
	if len(onlyPeer) != 1 || onlyPeer[0].TransferID != "tr-1" {
		t.Fatalf("unexpected filtered transfers: %+v", onlyPeer)
	}
}

func TestRecordTransferRejectsInProgress(t *testing.T) {
	store := newTestStore(t)

	err := store.RecordTransfer(nearby.TransferSummary{
		ID:        "tr-1",
		Direction: nearby.DirectionSend,
		PeerID:    "peer-1",
		Name:      "a.txt",
		Status:    nearby.TransferInProgress,
	})
	if err == nil {
		t.Fatalf("expected in-progress transfer to be rejected")
	}
}

func TestRecordSightingAccumulates(t *testing.T) {
	store := newTestStore(t)

	first := time.Now().Add(-time.Hour)
	mustRecordSighting(t, store, "peer-1", "Old Name", first)
	mustRecordSighting(t, store, "peer-1", "New Name", first.Add(30*time.Minute))
	mustRecordSighting(t, store, "peer-2", "Other", first.Add(time.Minute))

	got, err := store.GetPeer("peer-1")
	if err != nil {
		t.Fatalf("GetPeer failed: %v", err)
	}
	if got.Sightings != 2 || got.DisplayName != "New Name" {
		t.Fatalf("unexpected sighting row: %+v", got)
	}
	if got.FirstSeen != first.UnixMilli() {
		t.Fatalf("first_seen moved: %+v", got)
	}
	if len(got.LastAddresses) != 1 || got.LastAddresses[0] != "192.168.1.20:4000" {
		t.Fatalf("unexpected addresses: %+v", got.LastAddresses)
	}

	peers, err := store.ListPeers("chat")
	if err != nil {
		t.Fatalf("ListPeers failed: %v", err)
	}
	if len(peers) != 2 || peers[0].PeerID != "peer-1" {
		t.Fatalf("expected most recent first, got %+v", peers)
	}

	if err := store.RemovePeer("peer-2"); err != nil {
		t.Fatalf("RemovePeer failed: %v", err)
	}
	if err := store.RemovePeer("peer-2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second remove, got %v", err)
	}
}

func TestChatMessagesByNamespace(t *testing.T) {
	store := newTestStore(t)

	base := nowUnixMilli()
	lines := []ChatMessage{
		{MessageID: "m2", Namespace: "chat", PeerID: "peer-1", Direction: "receive", Content: "hi back", Timestamp: base + 1},
		{MessageID: "m1", Namespace: "chat", PeerID: "peer-1", Direction: "send", Content: "hi", Timestamp: base},
		{MessageID: "m3", Namespace: "files", PeerID: "peer-2", Direction: "send", Content: "x", Mode: ModeUnreliable, Timestamp: base},
	}
	for _, line := range lines {
		if err := store.SaveMessage(line); err != nil {
			t.Fatalf("SaveMessage %q failed: %v", line.MessageID, err)
		}
	}

	got, err := store.GetMessages("chat", 0, 0)
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(got) != 2 || got[0].MessageID != "m1" || got[1].MessageID != "m2" {
		t.Fatalf("unexpected chat history: %+v", got)
	}
	if got[0].Mode != ModeReliable {
		t.Fatalf("expected default reliable mode, got %q", got[0].Mode)
	}

	if err := store.SaveMessage(ChatMessage{MessageID: "bad", Namespace: "chat", PeerID: "p", Direction: "sideways"}); err == nil {
		t.Fatalf("expected invalid direction to be rejected")
	}

	pruned, err := store.PruneMessages(base + 1)
	if err != nil {
		t.Fatalf("PruneMessages failed: %v", err)
	}
	if pruned != 2 {
		t.Fatalf("expected 2 pruned messages, got %d", pruned)
	}
	if _, err := store.GetMessageByID("m2"); err != nil {
		t.Fatalf("newest message should survive pruning: %v", err)
	}
}

func TestSessionEventsFilterAndRetention(t *testing.T) {
	store := newTestStore(t)

	if err := store.LogEvent(EventInvitationDeclined, "peer-1", EventSeverityInfo, map[string]any{"context": "room"}); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}
	if err := store.LogEvent(EventDiscoveryError, "", EventSeverityWarning, map[string]any{"error": "port in use"}); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}
	old := time.Now().Add(-2 * DefaultEventRetention).UnixMilli()
	if _, err := store.db.Exec(
		`INSERT INTO session_events (event_type, details, severity, timestamp) VALUES (?, '{}', 'info', ?)`,
		EventInvitationAccepted, old,
	); err != nil {
		t.Fatalf("insert old event: %v", err)
	}

	warnings, err := store.GetSessionEvents(SessionEventFilter{Severity: EventSeverityWarning})
	if err != nil {
		t.Fatalf("GetSessionEvents failed: %v", err)
	}
	if len(warnings) != 1 || warnings[0].EventType != EventDiscoveryError || warnings[0].PeerID != nil {
		t.Fatalf("unexpected warnings: %+v", warnings)
	}

	if err := store.LogSessionEvent(SessionEvent{EventType: EventInvitationAccepted}); err != nil {
		t.Fatalf("LogSessionEvent failed: %v", err)
	}
	accepted, err := store.GetSessionEvents(SessionEventFilter{EventType: EventInvitationAccepted})
	if err != nil {
		t.Fatalf("GetSessionEvents failed: %v", err)
	}
	if len(accepted) != 1 {
		t.Fatalf("expected retention to prune the old event, got %+v", accepted)
	}

	if err := store.LogSessionEvent(SessionEvent{EventType: "x", Details: "not json"}); err == nil {
		t.Fatalf("expected invalid details to be rejected")
	}
}
