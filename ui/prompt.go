package ui

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"peerlink/nearby"
	"peerlink/peer"
)

// defaultAnswerTimeout bounds how long an invitation waits for the user.
const defaultAnswerTimeout = 60 * time.Second

type question struct {
	from   peer.Identity
	answer chan bool
}

// acceptPrompt turns inbound invitations into y/N questions that the chat
// loop answers with the next line the user types.
type acceptPrompt struct {
	out     printer
	timeout time.Duration

	mu      sync.Mutex
	pending []*question
	closed  bool
}

func newAcceptPrompt(out printer, timeout time.Duration) *acceptPrompt {
	if timeout <= 0 {
		timeout = defaultAnswerTimeout
	}
	return &acceptPrompt{out: out, timeout: timeout}
}

// policy asks the user about each invitation and connects accepted peers
// into session. Unanswered questions are declined after the timeout.
func (p *acceptPrompt) policy(session *nearby.Session, onDecision func(from peer.Identity, accepted bool)) nearby.AcceptPolicy {
	return func(from peer.Identity, context []byte) (bool, *nearby.Session) {
		accepted := p.ask(from, context)
		if onDecision != nil {
			onDecision(from, accepted)
		}
		if !accepted {
			return false, nil
		}
		return true, session
	}
}

func (p *acceptPrompt) ask(from peer.Identity, context []byte) bool {
	q := &question{from: from, answer: make(chan bool, 1)}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	p.pending = append(p.pending, q)
	first := len(p.pending) == 1
	p.mu.Unlock()

	if first {
		p.announce(q, context)
	}

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	select {
	case accepted := <-q.answer:
		return accepted
	case <-timer.C:
		if p.remove(q) {
			p.out.Println(fmt.Sprintf("* invitation from %s timed out", from))
			p.announceNext()
		}
		return false
	}
}

func (p *acceptPrompt) announce(q *question, context []byte) {
	msg := fmt.Sprintf("* %s wants to connect", q.from)
	if len(context) > 0 {
		msg += fmt.Sprintf(" (%q)", string(context))
	}
	p.out.Println(msg + ". Accept? [y/N]")
}

func (p *acceptPrompt) announceNext() {
	p.mu.Lock()
	var next *question
	if len(p.pending) > 0 {
		next = p.pending[0]
	}
	p.mu.Unlock()
	if next != nil {
		p.announce(next, nil)
	}
}

func (p *acceptPrompt) remove(q *question) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, candidate := range p.pending {
		if candidate == q {
			p.pending = append(p.pending[:i], p.pending[i+1:]...)
			return true
		}
	}
	return false
}

// waiting reports whether a question is open.
func (p *acceptPrompt) waiting() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending) > 0
}

// answer resolves the oldest open question with line. It reports false when
// no question was open, in which case line is ordinary input.
func (p *acceptPrompt) answer(line string) bool {
	p.mu.Lock()
	if len(p.pending) == 0 {
		p.mu.Unlock()
		return false
	}
	q := p.pending[0]
	p.pending = p.pending[1:]
	p.mu.Unlock()

	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		q.answer <- true
	default:
		q.answer <- false
	}
	p.announceNext()
	return true
}

// close declines every open question and any later invitation.
func (p *acceptPrompt) close() {
	p.mu.Lock()
	pending := p.pending
	p.pending = nil
	p.closed = true
	p.mu.Unlock()

	for _, q := range pending {
		q.answer <- false
	}
}
