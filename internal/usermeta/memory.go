package usermeta

import (
	"context"
	"sync"
)

// MemoryStore keeps metadata in a map. Used in tests and when no metadata
// file is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Metadata
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Metadata)}
}

func (s *MemoryStore) Load(_ context.Context, userID string) (Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	md, ok := s.entries[userID]
	if !ok {
		return Metadata{}, ErrNotFound
	}
	return md, nil
}

func (s *MemoryStore) Save(_ context.Context, userID string, md Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[userID] = md
	return nil
}

func (s *MemoryStore) Clear(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, userID)
	return nil
}
