package settlement

import (
	"context"
	"sync"
	"time"

	"github.com/screenpledge/screenpledge/internal/commitment"
	"github.com/screenpledge/screenpledge/internal/logging"
	"github.com/screenpledge/screenpledge/internal/metrics"
	"github.com/screenpledge/screenpledge/internal/penalty"
	"github.com/screenpledge/screenpledge/internal/traces"
	"github.com/screenpledge/screenpledge/internal/usage"
	"github.com/screenpledge/screenpledge/internal/week"
)

// Notifier receives settlement events for the operator feed. Implementations
// must not block.
type Notifier interface {
	Notify(event string, payload interface{})
}

// Event names published to the operator feed.
const (
	EventSettlementCompleted = "settlement_completed"
	EventChargeFailed        = "charge_failed"
	EventPoolClosed          = "pool_closed"
)

// Summary is the result of one batch settlement pass over a week.
type Summary struct {
	WeekDeadline   time.Time `json:"weekDeadline"`
	PoolTotalCents int64     `json:"poolTotalCents"`
	Attempted      int       `json:"attempted"`
	Succeeded      int       `json:"succeeded"`
	RequiresAction int       `json:"requiresAction"`
	Failed         int       `json:"failed"`
	Skipped        int       `json:"skipped"`
	Pending        int       `json:"pending"`
	Results        []Result  `json:"results"`
	StartedAt      time.Time `json:"startedAt"`
	FinishedAt     time.Time `json:"finishedAt"`
}

// Runner walks a whole week through settlement: backfill estimates,
// recompute penalties, charge every user on a bounded worker pool, close the
// pool. One user's failure never stops the batch.
type Runner struct {
	service     *Service
	usage       *usage.Service
	aggregator  *penalty.Aggregator
	penalties   penalty.Store
	commitments commitment.Store
	notifier    Notifier
	concurrency int
	now         func() time.Time
}

// NewRunner creates a batch runner. Concurrency below 1 is clamped to 1.
func NewRunner(service *Service, usageSvc *usage.Service, aggregator *penalty.Aggregator, penalties penalty.Store, commitments commitment.Store, concurrency int) *Runner {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Runner{
		service:     service,
		usage:       usageSvc,
		aggregator:  aggregator,
		penalties:   penalties,
		commitments: commitments,
		concurrency: concurrency,
		now:         time.Now,
	}
}

// WithNotifier attaches the operator event feed.
func (r *Runner) WithNotifier(n Notifier) *Runner {
	r.notifier = n
	return r
}

// WithClock overrides the time source (for tests).
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

// CloseWeek runs the full weekly settlement for the week ending at deadline:
// backfill, recompute, charge, close pool. The pool is closed even when
// individual users fail; only a wholesale inability to read the week aborts.
func (r *Runner) CloseWeek(ctx context.Context, deadline time.Time) (*Summary, error) {
	deadline = deadline.UTC()
	ctx, span := traces.StartSpan(ctx, "settlement.close_week", traces.Week(week.Key(deadline)))
	defer span.End()

	started := r.now().UTC()

	backfillFailed, err := r.usage.BackfillWeek(ctx, deadline)
	if err != nil {
		return nil, err
	}
	skip := make(map[string]bool, len(backfillFailed))
	for _, userID := range backfillFailed {
		skip[userID] = true
	}

	if err := r.aggregator.RecomputeWeek(ctx, deadline); err != nil {
		return nil, err
	}

	rows, err := r.penalties.ListByWeek(ctx, deadline)
	if err != nil {
		return nil, err
	}

	users := make([]string, 0, len(rows))
	for _, row := range rows {
		// A user whose backfill failed has an incomplete ledger; charging
		// them now would use the wrong total. They stay pending for the
		// next run.
		if skip[row.UserID] {
			continue
		}
		users = append(users, row.UserID)
	}
	summary := r.settleUsers(ctx, deadline, users)
	for _, userID := range backfillFailed {
		summary.Attempted++
		summary.Failed++
		summary.Results = append(summary.Results, Result{
			UserID: userID, Outcome: OutcomeFailed, Error: "usage backfill failed",
		})
	}
	summary.StartedAt = started

	// The pool closes no matter how the individual charges went.
	if err := r.penalties.ClosePool(ctx, deadline, r.now().UTC()); err != nil {
		logging.L(ctx).Error("failed to close weekly pool",
			"week", week.Key(deadline), "error", err)
	} else {
		r.notify(EventPoolClosed, summary)
	}

	if pool, perr := r.penalties.GetPool(ctx, deadline); perr == nil {
		summary.PoolTotalCents = pool.TotalPenaltyCents
	}
	summary.FinishedAt = r.now().UTC()
	metrics.BatchDuration.Observe(summary.FinishedAt.Sub(started).Seconds())

	logging.L(ctx).Info("weekly settlement batch finished",
		"week", week.Key(deadline),
		"attempted", summary.Attempted,
		"succeeded", summary.Succeeded,
		"requires_action", summary.RequiresAction,
		"failed", summary.Failed,
		"skipped", summary.Skipped,
		"pending", summary.Pending,
	)
	return summary, nil
}

// SettleExpired charges grace-expired active commitments through the same
// gate the weekly close uses. Usage is backfilled and the user's total
// recomputed first, so a revoked-monitoring user is charged worst case.
func (r *Runner) SettleExpired(ctx context.Context, now time.Time, limit int) (*Summary, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.settle_expired")
	defer span.End()

	started := r.now().UTC()

	expired, err := r.commitments.ListGraceExpired(ctx, now, limit)
	if err != nil {
		return nil, err
	}

	byWeek := make(map[time.Time][]string)
	for _, cmt := range expired {
		if _, berr := r.usage.Backfill(ctx, cmt); berr != nil {
			logging.L(ctx).Error("backfill failed during expiry check",
				"user_id", cmt.UserID, "error", berr)
			continue
		}
		if _, aerr := r.aggregator.RecomputeUser(ctx, cmt); aerr != nil {
			logging.L(ctx).Error("recompute failed during expiry check",
				"user_id", cmt.UserID, "error", aerr)
			continue
		}
		byWeek[cmt.WeekDeadline] = append(byWeek[cmt.WeekDeadline], cmt.UserID)
	}

	total := &Summary{StartedAt: started}
	for deadline, users := range byWeek {
		s := r.settleUsers(ctx, deadline, users)
		total.WeekDeadline = deadline
		total.Attempted += s.Attempted
		total.Succeeded += s.Succeeded
		total.RequiresAction += s.RequiresAction
		total.Failed += s.Failed
		total.Skipped += s.Skipped
		total.Pending += s.Pending
		total.Results = append(total.Results, s.Results...)
	}
	total.FinishedAt = r.now().UTC()
	return total, nil
}

// settleUsers charges a set of users for one week on a bounded worker pool.
func (r *Runner) settleUsers(ctx context.Context, deadline time.Time, users []string) *Summary {
	summary := &Summary{WeekDeadline: deadline}
	results := make([]Result, len(users))

	var wg sync.WaitGroup
	sem := make(chan struct{}, r.concurrency)
	for i, userID := range users {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, userID string) {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if rec := recover(); rec != nil {
					logging.L(ctx).Error("panic settling user",
						"user_id", userID, "panic", rec)
					results[i] = Result{UserID: userID, Outcome: OutcomeFailed, Error: "internal panic"}
				}
			}()
			results[i] = r.service.SettleUser(ctx, userID, deadline)
		}(i, userID)
	}
	wg.Wait()

	for _, res := range results {
		summary.Attempted++
		switch res.Outcome {
		case OutcomeSucceeded:
			summary.Succeeded++
			r.notify(EventSettlementCompleted, res)
		case OutcomeRequiresAction:
			summary.RequiresAction++
		case OutcomeFailed:
			summary.Failed++
			r.notify(EventChargeFailed, res)
		case OutcomeSkipped:
			summary.Skipped++
		case OutcomePending:
			summary.Pending++
		}
	}
	summary.Results = results
	return summary
}

func (r *Runner) notify(event string, payload interface{}) {
	if r.notifier != nil {
		r.notifier.Notify(event, payload)
	}
}
