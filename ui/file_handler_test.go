package ui

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"peerlink/nearby"
	"peerlink/peer"
)

func TestFileHandlerTracksProgressToCompletion(t *testing.T) {
	var bars bytes.Buffer
	handler := NewFileHandler(&bars)

	transfer := &nearby.Transfer{
		ID:         "t-1",
		Direction:  nearby.DirectionReceive,
		Peer:       peer.NewIdentity("alice"),
		Name:       "photo.png",
		TotalBytes: 300,
	}
	handler.Begin(transfer)
	handler.Advance("t-1", 100)
	handler.Advance("t-1", 200)
	handler.Advance("unknown", 50)
	handler.Finish("t-1", nil)

	progress, ok := handler.Progress("t-1")
	if !ok {
		t.Fatalf("expected progress for t-1")
	}
	if progress.BytesTransferred != 300 || progress.TotalBytes != 300 {
		t.Fatalf("unexpected byte counts: %+v", progress)
	}
	if !progress.Completed || progress.Failed {
		t.Fatalf("expected completed transfer, got %+v", progress)
	}
	if bars.Len() == 0 {
		t.Fatalf("expected a progress bar to be drawn")
	}
	if _, ok := handler.Progress("unknown"); ok {
		t.Fatalf("expected no progress for an untracked transfer")
	}
}

func TestFileHandlerMarksFailure(t *testing.T) {
	handler := NewFileHandler(nil)
	handler.Begin(&nearby.Transfer{ID: "t-2", Direction: nearby.DirectionSend, Name: "a.txt", TotalBytes: 10})
	handler.Finish("t-2", errors.New("link lost"))

	progress, _ := handler.Progress("t-2")
	if !progress.Failed || progress.Completed {
		t.Fatalf("expected failed transfer, got %+v", progress)
	}
}

func TestMoveToDownloadsPicksFreeName(t *testing.T) {
	staging := t.TempDir()
	downloads := filepath.Join(t.TempDir(), "downloads")

	if err := os.MkdirAll(downloads, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(downloads, "report.pdf"), []byte("old"), 0o644); err != nil {
		t.Fatalf("seed existing file: %v", err)
	}

	staged := filepath.Join(staging, "abc_report.pdf")
	if err := os.WriteFile(staged, []byte("new"), 0o644); err != nil {
		t.Fatalf("write staged file: %v", err)
	}

	final, err := MoveToDownloads(staged, downloads, "report.pdf")
	if err != nil {
		t.Fatalf("MoveToDownloads failed: %v", err)
	}
	if want := filepath.Join(downloads, "report (1).pdf"); final != want {
		t.Fatalf("expected %q, got %q", want, final)
	}
	raw, err := os.ReadFile(final)
	if err != nil || string(raw) != "new" {
		t.Fatalf("expected moved content, got %q (%v)", raw, err)
	}
	if _, err := os.Stat(staged); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected staged file to be gone, got %v", err)
	}
	old, _ := os.ReadFile(filepath.Join(downloads, "report.pdf"))
	if string(old) != "old" {
		t.Fatalf("existing download was overwritten")
	}
}

func TestMoveToDownloadsStripsDirectories(t *testing.T) {
	staged := filepath.Join(t.TempDir(), "staged")
	if err := os.WriteFile(staged, []byte("x"), 0o644); err != nil {
		t.Fatalf("write staged file: %v", err)
	}
	downloads := t.TempDir()

	final, err := MoveToDownloads(staged, downloads, "../../etc/passwd")
	if err != nil {
		t.Fatalf("MoveToDownloads failed: %v", err)
	}
	if filepath.Dir(final) != downloads || filepath.Base(final) != "passwd" {
		t.Fatalf("expected file inside downloads dir, got %q", final)
	}
}
