// Package penalty aggregates daily usage into per-user weekly penalty totals
// and the weekly penalty pool.
//
// The aggregator is a full recompute keyed on the week's commitment set: it
// can run any number of times for a week and converges to the same totals.
// Settlement-facing fields (status, settlement status) are owned by the
// settlement package and never downgraded by the aggregator.
package penalty

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("penalty row not found")
	ErrPoolNotFound = errors.New("weekly pool not found")
	ErrChargeRace   = errors.New("penalty row already claimed for charging")
)

// Status is the charge lifecycle state of a user-week penalty.
type Status string

const (
	StatusPending         Status = "pending"
	StatusChargeInitiated Status = "charge_initiated"
	StatusPaid            Status = "paid"
	StatusFailed          Status = "failed"
)

// SettlementStatus records what kind of settlement, if any, charged the week.
type SettlementStatus string

const (
	SettlementNone                  SettlementStatus = "none"
	SettlementChargedWorstCase      SettlementStatus = "charged_worst_case"
	SettlementChargedActual         SettlementStatus = "charged_actual"
	SettlementChargedActualAdjusted SettlementStatus = "charged_actual_adjusted"
)

// Charged reports whether the settlement status represents a completed charge.
func (s SettlementStatus) Charged() bool {
	switch s {
	case SettlementChargedWorstCase, SettlementChargedActual, SettlementChargedActualAdjusted:
		return true
	}
	return false
}

// UserWeekPenalty is one user's penalty total for one week.
type UserWeekPenalty struct {
	UserID                   string           `json:"userId"`
	WeekDeadline             time.Time        `json:"weekDeadline"`
	CommitmentID             string           `json:"commitmentId"`
	TotalPenaltyCents        int64            `json:"totalPenaltyCents"`
	Estimated                bool             `json:"estimated"` // any estimated day contributed
	Status                   Status           `json:"status"`
	SettlementStatus         SettlementStatus `json:"settlementStatus"`
	NeedsReconciliation      bool             `json:"needsReconciliation"`
	ReconciliationDeltaCents int64            `json:"reconciliationDeltaCents"`
	CreatedAt                time.Time        `json:"createdAt"`
	UpdatedAt                time.Time        `json:"updatedAt"`
}

// PoolStatus is the weekly pool lifecycle state.
type PoolStatus string

const (
	PoolOpen   PoolStatus = "open"
	PoolClosed PoolStatus = "closed"
)

// WeeklyPool is the total penalty pot for one week.
type WeeklyPool struct {
	WeekDeadline      time.Time  `json:"weekDeadline"`
	TotalPenaltyCents int64      `json:"totalPenaltyCents"`
	Status            PoolStatus `json:"status"`
	ClosedAt          *time.Time `json:"closedAt,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// Store persists penalty rows and weekly pools.
type Store interface {
	// UpsertTotal writes the recomputed total for a user-week. Rows whose
	// settlement status is already charged keep their charged status and
	// charge state; only the recomputed total and estimated flag may change
	// underneath them (reconciliation reads both).
	UpsertTotal(ctx context.Context, p *UserWeekPenalty) error
	Get(ctx context.Context, userID string, deadline time.Time) (*UserWeekPenalty, error)
	ListByWeek(ctx context.Context, deadline time.Time) ([]*UserWeekPenalty, error)
	// BeginCharge atomically claims a row for charging: it moves status to
	// charge_initiated only when the row is still chargeable (pending or
	// failed, not yet charged). Returns ErrChargeRace when another actor
	// holds or completed the charge.
	BeginCharge(ctx context.Context, userID string, deadline time.Time) (*UserWeekPenalty, error)
	// FinishCharge records the outcome of a charge attempt.
	FinishCharge(ctx context.Context, userID string, deadline time.Time, status Status, settlement SettlementStatus) error
	// SetReconciliation updates the reconciliation flag and delta.
	SetReconciliation(ctx context.Context, userID string, deadline time.Time, needs bool, deltaCents int64) error

	GetPool(ctx context.Context, deadline time.Time) (*WeeklyPool, error)
	UpsertPool(ctx context.Context, pool *WeeklyPool) error
	// ClosePool marks the pool closed. Closing an already-closed pool is a
	// no-op.
	ClosePool(ctx context.Context, deadline time.Time, closedAt time.Time) error
}
