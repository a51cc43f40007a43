package account

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory account store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*Account
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[string]*Account)}
}

func (s *MemoryStore) Get(ctx context.Context, userID string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) Upsert(ctx context.Context, a *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *a
	s.accounts[a.UserID] = &cp
	return nil
}
