package penalty

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/screenpledge/screenpledge/internal/commitment"
	"github.com/screenpledge/screenpledge/internal/logging"
	"github.com/screenpledge/screenpledge/internal/metrics"
	"github.com/screenpledge/screenpledge/internal/usage"
	"github.com/screenpledge/screenpledge/internal/week"
)

// Aggregator recomputes weekly penalty totals from the usage ledger.
type Aggregator struct {
	store       Store
	commitments commitment.Store
	usage       usage.Store
	now         func() time.Time
}

// NewAggregator creates a penalty aggregator.
func NewAggregator(store Store, commitments commitment.Store, usageStore usage.Store) *Aggregator {
	return &Aggregator{
		store:       store,
		commitments: commitments,
		usage:       usageStore,
		now:         time.Now,
	}
}

// WithClock overrides the time source (for tests).
func (a *Aggregator) WithClock(now func() time.Time) *Aggregator {
	a.now = now
	return a
}

// RecomputeUser recomputes one user's total for one week from the ledger.
func (a *Aggregator) RecomputeUser(ctx context.Context, cmt *commitment.Commitment) (*UserWeekPenalty, error) {
	rows, err := a.usage.ListWeek(ctx, cmt.UserID, cmt.WeekDeadline)
	if err != nil {
		return nil, fmt.Errorf("listing usage: %w", err)
	}

	var total int64
	estimated := false
	for _, row := range rows {
		total += row.PenaltyCents
		if row.IsEstimated && row.PenaltyCents > 0 {
			estimated = true
		}
	}

	now := a.now().UTC()
	p := &UserWeekPenalty{
		UserID:            cmt.UserID,
		WeekDeadline:      cmt.WeekDeadline,
		CommitmentID:      cmt.ID,
		TotalPenaltyCents: total,
		Estimated:         estimated,
		Status:            StatusPending,
		SettlementStatus:  SettlementNone,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := a.store.UpsertTotal(ctx, p); err != nil {
		return nil, fmt.Errorf("upserting total: %w", err)
	}
	// Return the persisted row: the upsert preserves charge state set by
	// settlement, which the in-memory struct above does not know about.
	return a.store.Get(ctx, cmt.UserID, cmt.WeekDeadline)
}

// RecomputeWeek recomputes every penalty row for a week plus the pool total.
// The recompute is keyed on the week's own commitment set, so reruns converge
// and other weeks are untouched.
func (a *Aggregator) RecomputeWeek(ctx context.Context, deadline time.Time) error {
	commitments, err := a.commitments.ListByWeek(ctx, deadline)
	if err != nil {
		return fmt.Errorf("listing commitments: %w", err)
	}

	var poolTotal int64
	for _, cmt := range commitments {
		p, err := a.RecomputeUser(ctx, cmt)
		if err != nil {
			return fmt.Errorf("recomputing user %s: %w", cmt.UserID, err)
		}
		poolTotal += p.TotalPenaltyCents
	}

	now := a.now().UTC()
	pool, err := a.store.GetPool(ctx, deadline)
	if err != nil && !errors.Is(err, ErrPoolNotFound) {
		return fmt.Errorf("loading pool: %w", err)
	}
	if pool == nil {
		pool = &WeeklyPool{
			WeekDeadline: deadline.UTC(),
			Status:       PoolOpen,
			CreatedAt:    now,
		}
	}
	pool.TotalPenaltyCents = poolTotal
	pool.UpdatedAt = now
	if err := a.store.UpsertPool(ctx, pool); err != nil {
		return fmt.Errorf("upserting pool: %w", err)
	}
	metrics.PoolTotalCents.Set(float64(poolTotal))

	logging.L(ctx).Info("recomputed weekly penalties",
		"week", week.Key(deadline), "users", len(commitments), "pool_cents", poolTotal)
	return nil
}
