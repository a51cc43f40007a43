// Package reconciliation compares what a user-week was charged against what
// the ledger says it should have been.
//
// It only records: a flagged row carries the recomputed-vs-charged delta and
// a charged_actual_adjusted settlement status. Refunds and follow-up charges
// are a human decision, never issued from here.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/screenpledge/screenpledge/internal/commitment"
	"github.com/screenpledge/screenpledge/internal/logging"
	"github.com/screenpledge/screenpledge/internal/metrics"
	"github.com/screenpledge/screenpledge/internal/penalty"
	"github.com/screenpledge/screenpledge/internal/settlement"
	"github.com/screenpledge/screenpledge/internal/usage"
	"github.com/screenpledge/screenpledge/internal/week"
)

var ErrNotCharged = errors.New("user-week has not been charged")

// Result is the outcome of reconciling one user-week.
type Result struct {
	UserID              string    `json:"userId"`
	WeekDeadline        time.Time `json:"weekDeadline"`
	ChargedCents        int64     `json:"chargedCents"`
	RecomputedCents     int64     `json:"recomputedCents"`
	DeltaCents          int64     `json:"deltaCents"` // recomputed - charged; negative = overcharged
	NeedsReconciliation bool      `json:"needsReconciliation"`
}

// Service flags mis-charged weeks.
type Service struct {
	penalties penalty.Store
	usage     usage.Store
	payments  settlement.PaymentStore
}

// NewService creates a reconciliation service.
func NewService(penalties penalty.Store, usageStore usage.Store, payments settlement.PaymentStore) *Service {
	return &Service{penalties: penalties, usage: usageStore, payments: payments}
}

// FlagForReconciliation marks a user-week as needing review without
// recomputing. Used when monitoring is restored or a late report collides
// with an estimate; the recompute happens when an operator reconciles.
func (s *Service) FlagForReconciliation(ctx context.Context, userID string, deadline time.Time) error {
	err := s.penalties.SetReconciliation(ctx, userID, deadline.UTC(), true, 0)
	if errors.Is(err, penalty.ErrNotFound) {
		// Nothing aggregated yet: the week has not been charged, so there is
		// nothing to reconcile.
		return nil
	}
	if err != nil {
		return fmt.Errorf("flagging %s for reconciliation: %w", userID, err)
	}
	metrics.ReconciliationsFlaggedTotal.Inc()
	logging.L(ctx).Info("flagged user-week for reconciliation",
		"user_id", userID, "week", week.Key(deadline))
	return nil
}

// Reconcile recomputes the true penalty for a charged user-week from the
// real (non-estimated) ledger rows and records the delta against the amount
// actually captured. Rows whose charge matches the recompute are unflagged.
func (s *Service) Reconcile(ctx context.Context, userID string, deadline time.Time) (*Result, error) {
	deadline = deadline.UTC()

	row, err := s.penalties.Get(ctx, userID, deadline)
	if err != nil {
		return nil, err
	}
	if !row.SettlementStatus.Charged() {
		return nil, ErrNotCharged
	}

	charged, err := s.chargedAmount(ctx, userID, deadline, row)
	if err != nil {
		return nil, err
	}

	rows, err := s.usage.ListWeek(ctx, userID, deadline)
	if err != nil {
		return nil, err
	}
	var recomputed int64
	for _, u := range rows {
		if !u.IsEstimated {
			recomputed += u.PenaltyCents
		}
	}

	delta := recomputed - charged
	res := &Result{
		UserID:          userID,
		WeekDeadline:    deadline,
		ChargedCents:    charged,
		RecomputedCents: recomputed,
		DeltaCents:      delta,
	}

	if delta == 0 {
		if err := s.penalties.SetReconciliation(ctx, userID, deadline, false, 0); err != nil {
			return nil, err
		}
		return res, nil
	}

	res.NeedsReconciliation = true
	if err := s.penalties.SetReconciliation(ctx, userID, deadline, true, delta); err != nil {
		return nil, err
	}
	if err := s.penalties.FinishCharge(ctx, userID, deadline, row.Status, penalty.SettlementChargedActualAdjusted); err != nil {
		return nil, err
	}
	logging.L(ctx).Warn("reconciliation delta recorded",
		"user_id", userID, "week", week.Key(deadline),
		"charged_cents", charged, "recomputed_cents", recomputed, "delta_cents", delta)
	return res, nil
}

// chargedAmount is what the provider actually captured: the most recent
// succeeded payment, falling back to the row total for zero-charge settles.
func (s *Service) chargedAmount(ctx context.Context, userID string, deadline time.Time, row *penalty.UserWeekPenalty) (int64, error) {
	payments, err := s.payments.ListByUserWeek(ctx, userID, deadline)
	if err != nil && !errors.Is(err, settlement.ErrPaymentNotFound) {
		return 0, err
	}
	for _, p := range payments {
		if p.Outcome == settlement.OutcomeSucceeded {
			return p.AmountCents, nil
		}
	}
	return row.TotalPenaltyCents, nil
}

// ensure the flagger contracts stay satisfied
var (
	_ commitment.ReconcileFlagger = (*Service)(nil)
	_ usage.ReconcileFlagger      = (*Service)(nil)
)
