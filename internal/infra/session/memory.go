package session

import (
	"context"
	"sync"
	"time"

	"github.com/vietddude/resilience/internal/core/domain"
)

// MemoryStore keeps the session in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	id      string
	session *domain.Session
}

// NewMemoryStore creates an empty in-memory store for session id.
func NewMemoryStore(id string) *MemoryStore {
	return &MemoryStore{id: id}
}

// Load returns the stored session.
func (s *MemoryStore) Load(_ context.Context) (domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.session == nil {
		return domain.Session{}, ErrNotFound
	}
	return *s.session, nil
}

// Save replaces the stored session.
func (s *MemoryStore) Save(_ context.Context, sess domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess.ID = s.id
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = time.Now()
	}
	s.session = &sess
	return nil
}

// Clear drops the stored session.
func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = nil
	return nil
}
