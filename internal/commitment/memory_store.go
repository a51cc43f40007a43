package commitment

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory commitment store for development and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	commitments map[string]*Commitment
	byUserWeek  map[string]string // userID|deadline -> commitment ID
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		commitments: make(map[string]*Commitment),
		byUserWeek:  make(map[string]string),
	}
}

func userWeekKey(userID string, deadline time.Time) string {
	return userID + "|" + deadline.UTC().Format(time.RFC3339)
}

func (s *MemoryStore) Create(ctx context.Context, c *Commitment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := userWeekKey(c.UserID, c.WeekDeadline)
	if _, exists := s.byUserWeek[key]; exists {
		return ErrAlreadyPledged
	}

	cp := *c
	s.commitments[c.ID] = &cp
	s.byUserWeek[key] = c.ID
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Commitment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.commitments[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) GetByUserWeek(ctx context.Context, userID string, deadline time.Time) (*Commitment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byUserWeek[userWeekKey(userID, deadline)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.commitments[id]
	return &cp, nil
}

func (s *MemoryStore) ListByWeek(ctx context.Context, deadline time.Time) ([]*Commitment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	deadline = deadline.UTC()
	var out []*Commitment
	for _, c := range s.commitments {
		if c.WeekDeadline.Equal(deadline) {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *MemoryStore) ListGraceExpired(ctx context.Context, now time.Time, limit int) ([]*Commitment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Commitment
	for _, c := range s.commitments {
		if c.Status == StatusActive && !c.GraceExpiresAt.After(now) {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GraceExpiresAt.Before(out[j].GraceExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Update(ctx context.Context, c *Commitment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.commitments[c.ID]; !ok {
		return ErrNotFound
	}
	cp := *c
	s.commitments[c.ID] = &cp
	return nil
}
