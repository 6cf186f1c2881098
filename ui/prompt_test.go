package ui

import (
	"strings"
	"sync"
	"testing"
	"time"

	"peerlink/peer"
)

type capturePrinter struct {
	mu    sync.Mutex
	lines []string
}

func (p *capturePrinter) Println(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lines = append(p.lines, line)
}

func (p *capturePrinter) contains(substr string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, line := range p.lines {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestAcceptPromptAnswersInArrivalOrder(t *testing.T) {
	out := &capturePrinter{}
	prompt := newAcceptPrompt(out, time.Minute)

	alice := peer.NewIdentity("alice")
	bob := peer.NewIdentity("bob")

	results := make(map[string]bool)
	var mu sync.Mutex
	var wg sync.WaitGroup
	ask := func(p peer.Identity) {
		defer wg.Done()
		accepted := prompt.ask(p, nil)
		mu.Lock()
		results[p.ID] = accepted
		mu.Unlock()
	}

	wg.Add(1)
	go ask(alice)
	waitFor(t, "first question", prompt.waiting)
	wg.Add(1)
	go ask(bob)
	waitFor(t, "second question", func() bool {
		prompt.mu.Lock()
		defer prompt.mu.Unlock()
		return len(prompt.pending) == 2
	})

	if !out.contains("alice wants to connect") {
		t.Fatalf("expected alice to be announced, got %v", out.lines)
	}
	if out.contains("bob wants to connect") {
		t.Fatalf("expected bob to wait until alice is answered")
	}

	if !prompt.answer("yes") {
		t.Fatalf("expected answer to resolve alice")
	}
	waitFor(t, "bob announcement", func() bool { return out.contains("bob wants to connect") })
	if !prompt.answer("n") {
		t.Fatalf("expected answer to resolve bob")
	}
	wg.Wait()

	if !results[alice.ID] {
		t.Fatalf("expected alice to be accepted")
	}
	if results[bob.ID] {
		t.Fatalf("expected bob to be declined")
	}
	if prompt.answer("y") {
		t.Fatalf("expected no open question after both answers")
	}
}

func TestAcceptPromptDeclinesAfterTimeout(t *testing.T) {
	out := &capturePrinter{}
	prompt := newAcceptPrompt(out, 30*time.Millisecond)

	var decided []bool
	policy := prompt.policy(nil, func(_ peer.Identity, accepted bool) {
		decided = append(decided, accepted)
	})

	accepted, session := policy(peer.NewIdentity("carol"), []byte("hi"))
	if accepted || session != nil {
		t.Fatalf("expected unanswered invitation to be declined")
	}
	if len(decided) != 1 || decided[0] {
		t.Fatalf("expected one declined decision, got %v", decided)
	}
	if !out.contains("timed out") {
		t.Fatalf("expected timeout notice, got %v", out.lines)
	}
	if prompt.waiting() {
		t.Fatalf("expected timed out question to be removed")
	}
}

func TestAcceptPromptCloseDeclinesPending(t *testing.T) {
	prompt := newAcceptPrompt(&capturePrinter{}, time.Minute)

	done := make(chan bool, 1)
	go func() { done <- prompt.ask(peer.NewIdentity("dave"), nil) }()
	waitFor(t, "question", prompt.waiting)

	prompt.close()
	select {
	case accepted := <-done:
		if accepted {
			t.Fatalf("expected close to decline the pending question")
		}
	case <-time.After(time.Second):
		t.Fatalf("pending question was not released by close")
	}

	if prompt.ask(peer.NewIdentity("erin"), nil) {
		t.Fatalf("expected closed prompt to decline new invitations")
	}
}
