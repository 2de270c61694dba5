package session

import (
	"sync"
	"time"
)

// Session holds the conversation state for a single session.
//
// Two locks with distinct jobs: turnMu serializes whole turns (held by the
// orchestrator from inbound message to final answer), mu guards the history
// fields so history reads never wait out a running turn.
type Session struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`

	LastActiveAt         time.Time      `json:"lastActiveAt"`
	CloudHistory         []Message      `json:"-"`
	LocalHistory         []Message      `json:"-"`
	PendingClarification *Clarification `json:"pendingClarification,omitempty"`
	CompressionCount     int            `json:"compressionCount"`

	turnMu sync.Mutex
	mu     sync.RWMutex
}

// NewSession creates a new session with the given ID.
func NewSession(id string) *Session {
	now := time.Now()
	return &Session{
		ID:           id,
		CreatedAt:    now,
		LastActiveAt: now,
	}
}

// BeginTurn acquires the turn lock. One turn runs per session at a time; a
// second caller blocks here until the first turn finishes.
func (s *Session) BeginTurn() {
	s.turnMu.Lock()
}

// EndTurn releases the turn lock.
func (s *Session) EndTurn() {
	s.turnMu.Unlock()
}

// TryBeginTurn acquires the turn lock without blocking. The TTL sweeper uses
// this to skip sessions with a turn in flight.
func (s *Session) TryBeginTurn() bool {
	return s.turnMu.TryLock()
}

// CloudSnapshot returns a copy of the cloud history.
func (s *Session) CloudSnapshot() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyMessages(s.CloudHistory)
}

// LocalSnapshot returns a copy of the local history.
func (s *Session) LocalSnapshot() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyMessages(s.LocalHistory)
}

// Clarification returns the pending clarification, nil if none.
func (s *Session) Clarification() *Clarification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.PendingClarification
}

// IdleSince returns the last activity timestamp.
func (s *Session) IdleSince() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.LastActiveAt
}

func copyMessages(msgs []Message) []Message {
	if len(msgs) == 0 {
		return nil
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}
