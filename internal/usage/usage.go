// Package usage is the daily screen-time ledger.
//
// One row per user per day. Real rows come from client reports; estimated
// rows are synthesized by the Backfiller when monitoring was revoked, using
// a worst-case multiple of the committed limit. Penalty math is denormalized
// onto each row at write time so the aggregator can sum without joins.
package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/screenpledge/screenpledge/internal/commitment"
	"github.com/screenpledge/screenpledge/internal/logging"
	"github.com/screenpledge/screenpledge/internal/metrics"
	"github.com/screenpledge/screenpledge/internal/week"
)

var (
	ErrNotFound         = errors.New("usage row not found")
	ErrNoCommitment     = errors.New("no commitment for this user and week")
	ErrEstimateConflict = errors.New("day already has an estimated row")
	ErrInvalidDay       = errors.New("day is outside the commitment week")
)

// DefaultEstimateMultiplier is the worst-case factor applied to the weekly
// limit when synthesizing usage for days with revoked monitoring.
const DefaultEstimateMultiplier = 2

// DailyUsage is one day of screen time for one user.
type DailyUsage struct {
	UserID          string    `json:"userId"`
	Day             time.Time `json:"day"` // midnight UTC
	WeekDeadline    time.Time `json:"weekDeadline"`
	UsedMinutes     int       `json:"usedMinutes"`
	LimitMinutes    int       `json:"limitMinutes"`
	ExceededMinutes int       `json:"exceededMinutes"`
	PenaltyCents    int64     `json:"penaltyCents"`
	IsEstimated     bool      `json:"isEstimated"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Store persists daily usage rows.
type Store interface {
	// Upsert writes a row, replacing any existing row for (user, day).
	Upsert(ctx context.Context, u *DailyUsage) error
	Get(ctx context.Context, userID string, day time.Time) (*DailyUsage, error)
	// ListWeek returns the rows for one user's week in day order.
	ListWeek(ctx context.Context, userID string, deadline time.Time) ([]*DailyUsage, error)
}

// ReconcileFlagger marks a user-week as needing reconciliation.
type ReconcileFlagger interface {
	FlagForReconciliation(ctx context.Context, userID string, deadline time.Time) error
}

// ReportRequest is a client daily-usage report.
type ReportRequest struct {
	Day         string `json:"day" binding:"required"` // "2006-01-02"
	UsedMinutes int    `json:"usedMinutes"`
}

// Service implements usage ledger logic.
type Service struct {
	store       Store
	commitments commitment.Store
	flagger     ReconcileFlagger
	multiplier  int
	now         func() time.Time
}

// NewService creates a usage service. A multiplier of 0 selects
// DefaultEstimateMultiplier.
func NewService(store Store, commitments commitment.Store, multiplier int) *Service {
	if multiplier <= 0 {
		multiplier = DefaultEstimateMultiplier
	}
	return &Service{
		store:       store,
		commitments: commitments,
		multiplier:  multiplier,
		now:         time.Now,
	}
}

// WithReconcileFlagger adds the hook used when a late real report collides
// with an estimated row.
func (s *Service) WithReconcileFlagger(f ReconcileFlagger) *Service {
	s.flagger = f
	return s
}

// WithClock overrides the time source (for tests).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// penaltyFor computes the denormalized penalty fields for a row.
func penaltyFor(used, limit int, rateCents int64) (exceeded int, cents int64) {
	exceeded = used - limit
	if exceeded < 0 {
		exceeded = 0
	}
	return exceeded, int64(exceeded) * rateCents
}

// Report records a real daily usage row for the authenticated user.
//
// Real reports upsert: a later report for the same day replaces the earlier
// one. Estimated rows are never overwritten; a real report landing on an
// estimated day is rejected and the week is flagged for reconciliation, which
// owns the correction.
func (s *Service) Report(ctx context.Context, userID string, day time.Time, usedMinutes int) (*DailyUsage, error) {
	day = week.Truncate(day)
	deadline := week.Next(day)

	cmt, err := s.commitments.GetByUserWeek(ctx, userID, deadline)
	if err != nil {
		if errors.Is(err, commitment.ErrNotFound) {
			return nil, ErrNoCommitment
		}
		return nil, err
	}
	if !week.Contains(deadline, day) {
		return nil, ErrInvalidDay
	}

	existing, err := s.store.Get(ctx, userID, day)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if existing != nil && existing.IsEstimated {
		logging.L(ctx).Warn("real usage report collided with estimated row",
			"user_id", userID, "day", day.Format("2006-01-02"))
		if s.flagger != nil {
			if ferr := s.flagger.FlagForReconciliation(ctx, userID, deadline); ferr != nil {
				return nil, fmt.Errorf("flagging reconciliation: %w", ferr)
			}
		}
		return nil, ErrEstimateConflict
	}

	now := s.now().UTC()
	exceeded, cents := penaltyFor(usedMinutes, cmt.LimitMinutes, cmt.PenaltyRateCents)
	row := &DailyUsage{
		UserID:          userID,
		Day:             day,
		WeekDeadline:    deadline,
		UsedMinutes:     usedMinutes,
		LimitMinutes:    cmt.LimitMinutes,
		ExceededMinutes: exceeded,
		PenaltyCents:    cents,
		IsEstimated:     false,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if existing != nil {
		row.CreatedAt = existing.CreatedAt
	}
	if err := s.store.Upsert(ctx, row); err != nil {
		return nil, err
	}
	return row, nil
}

// ListWeek returns a user's rows for one week.
func (s *Service) ListWeek(ctx context.Context, userID string, deadline time.Time) ([]*DailyUsage, error) {
	return s.store.ListWeek(ctx, userID, deadline)
}

// Backfill synthesizes worst-case rows for a commitment whose monitoring was
// revoked. Days from the start of the revocation day up to (not including)
// the week deadline get an estimated row where none exists. Existing rows,
// real or estimated, are left alone.
//
// Writes happen day by day; the first storage error aborts the run so a
// partial backfill is never followed by further writes. The next run is a
// no-op for days already written.
func (s *Service) Backfill(ctx context.Context, cmt *commitment.Commitment) (int, error) {
	if cmt.MonitoringStatus != commitment.MonitoringRevoked || cmt.MonitoringRevokedAt == nil {
		return 0, nil
	}

	from := week.Truncate(*cmt.MonitoringRevokedAt)
	estimatedUsed := s.multiplier * cmt.LimitMinutes
	exceeded, cents := penaltyFor(estimatedUsed, cmt.LimitMinutes, cmt.PenaltyRateCents)

	written := 0
	for _, day := range week.DaysOf(cmt.WeekDeadline) {
		if day.Before(from) {
			continue
		}
		_, err := s.store.Get(ctx, cmt.UserID, day)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return written, fmt.Errorf("checking day %s: %w", day.Format("2006-01-02"), err)
		}

		now := s.now().UTC()
		row := &DailyUsage{
			UserID:          cmt.UserID,
			Day:             day,
			WeekDeadline:    cmt.WeekDeadline,
			UsedMinutes:     estimatedUsed,
			LimitMinutes:    cmt.LimitMinutes,
			ExceededMinutes: exceeded,
			PenaltyCents:    cents,
			IsEstimated:     true,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := s.store.Upsert(ctx, row); err != nil {
			return written, fmt.Errorf("writing estimate for %s: %w", day.Format("2006-01-02"), err)
		}
		written++
		metrics.EstimatedDaysTotal.Inc()
	}
	return written, nil
}

// BackfillWeek runs Backfill for every revoked commitment in a week. A
// commitment whose backfill fails is logged and its user returned to the
// caller so that user can be left out of the pass; the rest of the week
// proceeds. Only a failure to list the commitments aborts.
func (s *Service) BackfillWeek(ctx context.Context, deadline time.Time) ([]string, error) {
	commitments, err := s.commitments.ListByWeek(ctx, deadline)
	if err != nil {
		return nil, err
	}
	var failed []string
	for _, cmt := range commitments {
		if cmt.MonitoringStatus != commitment.MonitoringRevoked {
			continue
		}
		n, err := s.Backfill(ctx, cmt)
		if err != nil {
			logging.L(ctx).Error("usage backfill failed, skipping user",
				"user_id", cmt.UserID, "week", week.Key(deadline), "written", n, "error", err)
			failed = append(failed, cmt.UserID)
			continue
		}
		if n > 0 {
			logging.L(ctx).Info("backfilled estimated usage",
				"user_id", cmt.UserID, "week", week.Key(deadline), "days", n)
		}
	}
	return failed, nil
}
