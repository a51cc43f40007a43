package penalty

import (
	"context"
	"errors"
	"time"

	"github.com/screenpledge/screenpledge/internal/commitment"
	"github.com/screenpledge/screenpledge/internal/usage"
)

// WeekStatus is the read-model for one user's week: the commitment, the
// ledger rows behind the number, and where settlement stands.
type WeekStatus struct {
	UserID              string                 `json:"userId"`
	WeekDeadline        time.Time              `json:"weekDeadline"`
	Commitment          *commitment.Commitment `json:"commitment"`
	Days                []*usage.DailyUsage    `json:"days"`
	TotalPenaltyCents   int64                  `json:"totalPenaltyCents"`
	Estimated           bool                   `json:"estimated"`
	Status              Status                 `json:"status"`
	SettlementStatus    SettlementStatus       `json:"settlementStatus"`
	NeedsReconciliation bool                   `json:"needsReconciliation"`
	Pool                *WeeklyPool            `json:"pool,omitempty"`
}

// WeekStatusFor assembles the projection. A week with no aggregated row yet
// reports a live sum over the ledger with pending status.
func (a *Aggregator) WeekStatusFor(ctx context.Context, userID string, deadline time.Time) (*WeekStatus, error) {
	deadline = deadline.UTC()

	cmt, err := a.commitments.GetByUserWeek(ctx, userID, deadline)
	if err != nil {
		return nil, err
	}
	days, err := a.usage.ListWeek(ctx, userID, deadline)
	if err != nil {
		return nil, err
	}

	status := &WeekStatus{
		UserID:           userID,
		WeekDeadline:     deadline,
		Commitment:       cmt,
		Days:             days,
		Status:           StatusPending,
		SettlementStatus: SettlementNone,
	}

	row, err := a.store.Get(ctx, userID, deadline)
	switch {
	case err == nil:
		status.TotalPenaltyCents = row.TotalPenaltyCents
		status.Estimated = row.Estimated
		status.Status = row.Status
		status.SettlementStatus = row.SettlementStatus
		status.NeedsReconciliation = row.NeedsReconciliation
	case errors.Is(err, ErrNotFound):
		for _, d := range days {
			status.TotalPenaltyCents += d.PenaltyCents
			if d.IsEstimated && d.PenaltyCents > 0 {
				status.Estimated = true
			}
		}
	default:
		return nil, err
	}

	if pool, perr := a.store.GetPool(ctx, deadline); perr == nil {
		status.Pool = pool
	}
	return status, nil
}
