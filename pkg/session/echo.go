package session

import "sync"

type echoEntry struct {
	ticket  uint64
	content string
}

// PendingEcho remembers outbound message contents until the backend echoes
// them back. Matching is FIFO among equal contents: the Nth inbound copy of
// a string consumes the Nth registration.
type PendingEcho struct {
	mu      sync.Mutex
	entries []echoEntry
	next    uint64
}

func NewPendingEcho() *PendingEcho {
	return &PendingEcho{}
}

// Register records content before it is transmitted and returns a ticket
// that can withdraw exactly this registration.
func (p *PendingEcho) Register(content string) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	p.entries = append(p.entries, echoEntry{ticket: p.next, content: content})
	return p.next
}

// Withdraw removes a registration whose send failed.
func (p *PendingEcho) Withdraw(ticket uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, e := range p.entries {
		if e.ticket == ticket {
			p.entries = append(p.entries[:i], p.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Match consumes the oldest registration exactly equal to content and
// reports whether one existed. Inbound messages that match are echoes.
func (p *PendingEcho) Match(content string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, e := range p.entries {
		if e.content == content {
			p.entries = append(p.entries[:i], p.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (p *PendingEcho) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

func (p *PendingEcho) Clear() {
	p.mu.Lock()
	p.entries = nil
	p.mu.Unlock()
}
