// Package session owns per-conversation message history. A session's history
// is append-only except for reset, which discards it atomically and bumps the
// session generation so stale in-flight turns can be detected and dropped.
package session

import (
	"sync"
	"time"

	"github.com/aupadhyay/smallbot/core"
)

// Session is the conversational container for one chat: an ordered, append-only
// sequence of contents plus bookkeeping timestamps. It is safe for concurrent
// access, though the bot layer additionally serializes turns per session.
type Session struct {
	ID string

	mu         sync.RWMutex
	contents   []core.Content
	generation uint64
	created    time.Time
	updated    time.Time
}

// NewSession creates an empty session with the given ID.
func NewSession(id string) *Session {
	now := time.Now()
	return &Session{ID: id, created: now, updated: now}
}

// Append adds content to the history. Contents are never edited or reordered
// after append.
func (s *Session) Append(c core.Content) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contents = append(s.contents, c)
	s.updated = time.Now()
}

// History returns a defensive copy of the full content sequence.
func (s *Session) History() []core.Content {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.Content, len(s.contents))
	copy(out, s.contents)
	return out
}

// Len returns the number of contents in the history.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.contents)
}

// Reset atomically discards the history and advances the generation. Results
// of turns started under an earlier generation must be discarded by callers.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contents = nil
	s.generation++
	s.updated = time.Now()
}

// Generation returns the current reset generation.
func (s *Session) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// UpdatedAt returns the time of the last append or reset.
func (s *Session) UpdatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updated
}
