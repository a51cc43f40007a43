package usage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory usage store for development and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]*DailyUsage // userID|day -> row
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]*DailyUsage)}
}

func dayKey(userID string, day time.Time) string {
	return userID + "|" + day.UTC().Format("2006-01-02")
}

func (s *MemoryStore) Upsert(ctx context.Context, u *DailyUsage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *u
	s.rows[dayKey(u.UserID, u.Day)] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, userID string, day time.Time) (*DailyUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.rows[dayKey(userID, day)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (s *MemoryStore) ListWeek(ctx context.Context, userID string, deadline time.Time) ([]*DailyUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	deadline = deadline.UTC()
	var out []*DailyUsage
	for _, row := range s.rows {
		if row.UserID == userID && row.WeekDeadline.Equal(deadline) {
			cp := *row
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day.Before(out[j].Day) })
	return out, nil
}
