package penalty

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory penalty store for development and tests.
type MemoryStore struct {
	mu    sync.Mutex
	rows  map[string]*UserWeekPenalty // userID|week -> row
	pools map[string]*WeeklyPool      // week -> pool
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows:  make(map[string]*UserWeekPenalty),
		pools: make(map[string]*WeeklyPool),
	}
}

func rowKey(userID string, deadline time.Time) string {
	return userID + "|" + deadline.UTC().Format(time.RFC3339)
}

func poolKey(deadline time.Time) string {
	return deadline.UTC().Format(time.RFC3339)
}

func (s *MemoryStore) UpsertTotal(ctx context.Context, p *UserWeekPenalty) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := rowKey(p.UserID, p.WeekDeadline)
	existing, ok := s.rows[key]
	if !ok {
		cp := *p
		s.rows[key] = &cp
		return nil
	}

	// Charge state is owned by settlement: the recompute only refreshes the
	// total and the estimated flag.
	existing.TotalPenaltyCents = p.TotalPenaltyCents
	existing.Estimated = p.Estimated
	existing.CommitmentID = p.CommitmentID
	existing.UpdatedAt = p.UpdatedAt
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, userID string, deadline time.Time) (*UserWeekPenalty, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.rows[rowKey(userID, deadline)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListByWeek(ctx context.Context, deadline time.Time) ([]*UserWeekPenalty, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deadline = deadline.UTC()
	var out []*UserWeekPenalty
	for _, p := range s.rows {
		if p.WeekDeadline.Equal(deadline) {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *MemoryStore) BeginCharge(ctx context.Context, userID string, deadline time.Time) (*UserWeekPenalty, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.rows[rowKey(userID, deadline)]
	if !ok {
		return nil, ErrNotFound
	}
	if p.SettlementStatus.Charged() || (p.Status != StatusPending && p.Status != StatusFailed) {
		return nil, ErrChargeRace
	}
	p.Status = StatusChargeInitiated
	p.UpdatedAt = time.Now().UTC()
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) FinishCharge(ctx context.Context, userID string, deadline time.Time, status Status, settlement SettlementStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.rows[rowKey(userID, deadline)]
	if !ok {
		return ErrNotFound
	}
	p.Status = status
	if settlement != "" {
		p.SettlementStatus = settlement
	}
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) SetReconciliation(ctx context.Context, userID string, deadline time.Time, needs bool, deltaCents int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.rows[rowKey(userID, deadline)]
	if !ok {
		return ErrNotFound
	}
	p.NeedsReconciliation = needs
	p.ReconciliationDeltaCents = deltaCents
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) GetPool(ctx context.Context, deadline time.Time) (*WeeklyPool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pool, ok := s.pools[poolKey(deadline)]
	if !ok {
		return nil, ErrPoolNotFound
	}
	cp := *pool
	return &cp, nil
}

func (s *MemoryStore) UpsertPool(ctx context.Context, pool *WeeklyPool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := poolKey(pool.WeekDeadline)
	existing, ok := s.pools[key]
	if ok {
		existing.TotalPenaltyCents = pool.TotalPenaltyCents
		existing.UpdatedAt = pool.UpdatedAt
		return nil
	}
	cp := *pool
	s.pools[key] = &cp
	return nil
}

func (s *MemoryStore) ClosePool(ctx context.Context, deadline time.Time, closedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pool, ok := s.pools[poolKey(deadline)]
	if !ok {
		return ErrPoolNotFound
	}
	if pool.Status == PoolClosed {
		return nil
	}
	pool.Status = PoolClosed
	t := closedAt.UTC()
	pool.ClosedAt = &t
	pool.UpdatedAt = t
	return nil
}
