package session

import (
	"sync"
	"time"

	"github.com/aupadhyay/smallbot/core"
)

// Store persists sessions and their evolving content history. Implementations
// must be safe for concurrent use across sessions; within one session the bot
// layer guarantees a single writer at a time.
type Store interface {
	// History returns the full content sequence for a session, creating the
	// session lazily if absent.
	History(id string) ([]core.Content, error)

	// Append adds content to a session's history.
	Append(id string, c core.Content) error

	// Reset atomically discards a session's history and advances its generation.
	Reset(id string) error

	// Generation returns the session's current reset generation.
	Generation(id string) (uint64, error)

	// Idle returns ids of sessions whose last activity is older than ttl.
	Idle(ttl time.Duration) ([]string, error)

	// Evict removes a session entirely. Callers must only evict sessions with
	// no in-flight turn.
	Evict(id string) error
}

// InMemoryStore is a volatile Store implementation keeping sessions in a
// process local map. It is safe for concurrent access and suited to
// deployments that do not need history across restarts.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewInMemoryStore constructs an empty in-memory session store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[string]*Session)}
}

// get returns an existing session or creates a new one lazily.
func (s *InMemoryStore) get(id string) *Session {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if ok {
		return sess
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok = s.sessions[id]; ok {
		return sess
	}
	sess = NewSession(id)
	s.sessions[id] = sess
	return sess
}

// History implements Store.
func (s *InMemoryStore) History(id string) ([]core.Content, error) {
	return s.get(id).History(), nil
}

// Append implements Store.
func (s *InMemoryStore) Append(id string, c core.Content) error {
	s.get(id).Append(c)
	return nil
}

// Reset implements Store.
func (s *InMemoryStore) Reset(id string) error {
	s.get(id).Reset()
	return nil
}

// Generation implements Store.
func (s *InMemoryStore) Generation(id string) (uint64, error) {
	return s.get(id).Generation(), nil
}

// Idle implements Store.
func (s *InMemoryStore) Idle(ttl time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-ttl)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, sess := range s.sessions {
		if sess.UpdatedAt().Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Evict implements Store.
func (s *InMemoryStore) Evict(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}
