// Package stream reconstructs complete agent messages from chunked
// start/content/end events.
//
// Each message id moves NotStarted → Streaming → Complete. Every observable
// mutation yields a MessageState so callers can replace-by-id instead of
// appending duplicates.
package stream

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultDisplayName is used when a message carries no sender information.
const DefaultDisplayName = "Agent"

// Meta is best-effort sender information attached to start/content events.
type Meta struct {
	Sender      string
	DisplayName string
}

// MessageState is the idempotent view of one message.
type MessageState struct {
	ID          string
	Sender      string
	DisplayName string
	Content     string
	Streaming   bool
	StartedAt   time.Time
}

type streamingMessage struct {
	id          string
	sender      string
	displayName string
	chunks      []string
	startedAt   time.Time
}

func (m *streamingMessage) state(streaming bool) MessageState {
	return MessageState{
		ID:          m.id,
		Sender:      m.sender,
		DisplayName: m.displayName,
		Content:     strings.Join(m.chunks, ""),
		Streaming:   streaming,
		StartedAt:   m.startedAt,
	}
}

// Assembler owns the active streaming messages of one session.
type Assembler struct {
	sessionID string
	now       func() time.Time

	mu     sync.Mutex
	active map[string]*streamingMessage
}

func NewAssembler(sessionID string) *Assembler {
	return &Assembler{
		sessionID: sessionID,
		now:       time.Now,
		active:    map[string]*streamingMessage{},
	}
}

// Start opens a message. A duplicate start for an id that is already
// streaming is ignored; the returned bool reports whether a state was emitted.
func (a *Assembler) Start(id string, meta Meta) (MessageState, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if existing, ok := a.active[id]; ok {
		log.Warn().Str("component", "stream").Str("session_id", a.sessionID).Str("message_id", id).
			Int("chunks", len(existing.chunks)).Msg("duplicate message start ignored")
		return existing.state(true), false
	}
	m := &streamingMessage{
		id:          id,
		sender:      meta.Sender,
		displayName: displayName(meta),
		startedAt:   a.now(),
	}
	a.active[id] = m
	return m.state(true), true
}

// Content appends delta in call order. Content for an id without a prior
// start creates the message with delta as its first chunk.
func (a *Assembler) Content(id string, delta string, meta Meta) MessageState {
	a.mu.Lock()
	defer a.mu.Unlock()

	m, ok := a.active[id]
	if !ok {
		log.Debug().Str("component", "stream").Str("session_id", a.sessionID).Str("message_id", id).
			Msg("content before start, creating message")
		m = &streamingMessage{
			id:          id,
			sender:      meta.Sender,
			displayName: displayName(meta),
			startedAt:   a.now(),
		}
		a.active[id] = m
	}
	m.chunks = append(m.chunks, delta)
	return m.state(true)
}

// End finalizes the message and removes it from the active set. The final
// state is returned exactly once; unknown or repeated ids return false.
func (a *Assembler) End(id string) (MessageState, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	m, ok := a.active[id]
	if !ok {
		log.Debug().Str("component", "stream").Str("session_id", a.sessionID).Str("message_id", id).
			Msg("end for unknown message ignored")
		return MessageState{}, false
	}
	delete(a.active, id)
	return m.state(false), true
}

// Active returns the current state of a streaming message.
func (a *Assembler) Active(id string) (MessageState, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.active[id]
	if !ok {
		return MessageState{}, false
	}
	return m.state(true), true
}

func (a *Assembler) ActiveIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.active))
	for id := range a.active {
		ids = append(ids, id)
	}
	return ids
}

// Reset drops every active message, e.g. when the connection goes away.
func (a *Assembler) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.active) > 0 {
		log.Debug().Str("component", "stream").Str("session_id", a.sessionID).
			Int("dropped", len(a.active)).Msg("resetting active messages")
	}
	a.active = map[string]*streamingMessage{}
}

func displayName(meta Meta) string {
	if n := strings.TrimSpace(meta.DisplayName); n != "" {
		return n
	}
	if n := strings.TrimSpace(meta.Sender); n != "" {
		return n
	}
	return DefaultDisplayName
}
