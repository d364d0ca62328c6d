package store

import (
	"context"
	"sync"

	"github.com/lumenmarket/storefront-chat/internal/v1/types"
)

// MemoryStore is the single-instance fallback used when Redis is disabled.
// State survives reloads within one process lifetime only.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[types.UserIDType]Record
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[types.UserIDType]Record)}
}

func (s *MemoryStore) Load(_ context.Context, userID types.UserIDType) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[userID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) Save(_ context.Context, userID types.UserIDType, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Copy the slice so callers can't mutate the stored record
	conversations := make([]string, len(rec.Conversations))
	copy(conversations, rec.Conversations)
	rec.Conversations = conversations
	s.records[userID] = rec
	return nil
}

func (s *MemoryStore) Clear(_ context.Context, userID types.UserIDType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, userID)
	return nil
}
