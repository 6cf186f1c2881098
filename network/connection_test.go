package network

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"peerlink/crypto"
)

// pipeLink returns a Link over one end of an in-memory pipe and the raw
// other end.
func pipeLink(t *testing.T, writeTimeout time.Duration) (*Link, net.Conn) {
	t.Helper()

	sealer, err := crypto.NewSealer(make([]byte, 32))
	if err != nil {
		t.Fatalf("NewSealer failed: %v", err)
	}
	local, remote := net.Pipe()
	link := newLink(local, sealer, LinkOptions{
		LocalPeerID:       "local",
		RemotePeerID:      "remote",
		KeepAliveInterval: time.Minute,
		KeepAliveTimeout:  time.Minute,
		FrameWriteTimeout: writeTimeout,
	})
	t.Cleanup(func() {
		_ = link.Close()
		_ = remote.Close()
	})
	return link, remote
}

func TestLinkReassemblesFrameSplitAcrossIdlePause(t *testing.T) {
	link, remote := pipeLink(t, 30*time.Millisecond)

	payload := []byte(`{"type":"message","message_id":"split"}`)
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)

	half := len(frame) / 2
	if _, err := remote.Write(frame[:half]); err != nil {
		t.Fatalf("write first half: %v", err)
	}
	time.Sleep(150 * time.Millisecond)
	if _, err := remote.Write(frame[half:]); err != nil {
		t.Fatalf("write second half: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := link.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("ReceiveMessage failed: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("expected %s, got %s", payload, got)
	}

	select {
	case <-link.Done():
		t.Fatalf("link closed after a slow frame: %v", link.Err())
	default:
	}
}

func TestTrySendMessageWaitsBrieflyForBusyWriter(t *testing.T) {
	link, remote := pipeLink(t, time.Second)

	frames := make(chan []byte, 4)
	go func() {
		for {
			payload, err := ReadFrame(remote)
			if err != nil {
				return
			}
			frames <- payload
		}
	}()

	// A writer that finishes within the wait does not cost the frame.
	link.sendLock <- struct{}{}
	time.AfterFunc(UnreliableWriteWait/5, link.releaseWriter)
	sent, err := link.TrySendMessage(PongMessage{Type: TypePong})
	if err != nil || !sent {
		t.Fatalf("expected frame to be sent after a short wait, got sent=%v err=%v", sent, err)
	}
	select {
	case <-frames:
	case <-time.After(time.Second):
		t.Fatalf("sent frame never arrived")
	}

	// A writer that stays busy drops the frame.
	link.sendLock <- struct{}{}
	started := time.Now()
	sent, err = link.TrySendMessage(PongMessage{Type: TypePong})
	link.releaseWriter()
	if err != nil || sent {
		t.Fatalf("expected frame to be dropped, got sent=%v err=%v", sent, err)
	}
	if elapsed := time.Since(started); elapsed < UnreliableWriteWait {
		t.Fatalf("dropped after %s, before the %s wait", elapsed, UnreliableWriteWait)
	}
}

func TestSendOnClosedLinkDoesNotBlockOnWriter(t *testing.T) {
	link, _ := pipeLink(t, time.Second)

	link.sendLock <- struct{}{}
	_ = link.Close()

	done := make(chan error, 1)
	go func() { done <- link.SendMessage(PingMessage{Type: TypePing}) }()
	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected an error from a closed link")
		}
	case <-time.After(time.Second):
		t.Fatalf("SendMessage blocked on a closed link")
	}
}
