package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/screenpledge/screenpledge/internal/week"
)

// WeeklyCloser fires the weekly settlement batch at each Monday 00:00 UTC
// deadline. It also catches up at startup: if the most recent deadline's pool
// is still open, that week is closed immediately.
type WeeklyCloser struct {
	runner  *Runner
	logger  *slog.Logger
	stop    chan struct{}
	running atomic.Bool
	now     func() time.Time
}

// NewWeeklyCloser creates the deadline-cadence trigger.
func NewWeeklyCloser(runner *Runner, logger *slog.Logger) *WeeklyCloser {
	return &WeeklyCloser{
		runner: runner,
		logger: logger,
		stop:   make(chan struct{}),
		now:    time.Now,
	}
}

// Running reports whether the closer loop is active.
func (w *WeeklyCloser) Running() bool {
	return w.running.Load()
}

// Start begins the weekly loop. Call in a goroutine.
func (w *WeeklyCloser) Start(ctx context.Context) {
	w.running.Store(true)
	defer w.running.Store(false)

	// Close the most recent week if it is still open.
	w.safeClose(ctx, week.DeadlineFor(w.now()))

	for {
		next := week.Next(w.now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-w.stop:
			timer.Stop()
			return
		case <-timer.C:
			w.safeClose(ctx, next)
		}
	}
}

// Stop signals the closer to stop.
func (w *WeeklyCloser) Stop() {
	select {
	case w.stop <- struct{}{}:
	default:
	}
}

func (w *WeeklyCloser) safeClose(ctx context.Context, deadline time.Time) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in weekly closer", "panic", fmt.Sprint(r))
		}
	}()

	summary, err := w.runner.CloseWeek(ctx, deadline)
	if err != nil {
		w.logger.Error("weekly close failed", "week", week.Key(deadline), "error", err)
		return
	}
	w.logger.Info("weekly close finished",
		"week", week.Key(deadline),
		"attempted", summary.Attempted,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
	)
}

// ExpiryChecker periodically settles commitments whose post-deadline grace
// period has lapsed. It races the weekly closer by design; the settlement
// gate keeps the two from double charging.
type ExpiryChecker struct {
	runner   *Runner
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewExpiryChecker creates the grace-expiry trigger.
func NewExpiryChecker(runner *Runner, interval time.Duration, logger *slog.Logger) *ExpiryChecker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &ExpiryChecker{
		runner:   runner,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the checker loop is active.
func (e *ExpiryChecker) Running() bool {
	return e.running.Load()
}

// Start begins the check loop. Call in a goroutine.
func (e *ExpiryChecker) Start(ctx context.Context) {
	e.running.Store(true)
	defer e.running.Store(false)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		case <-ticker.C:
			e.safeCheck(ctx)
		}
	}
}

// Stop signals the checker to stop.
func (e *ExpiryChecker) Stop() {
	select {
	case e.stop <- struct{}{}:
	default:
	}
}

func (e *ExpiryChecker) safeCheck(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic in expiry checker", "panic", fmt.Sprint(r))
		}
	}()

	summary, err := e.runner.SettleExpired(ctx, time.Now().UTC(), 100)
	if err != nil {
		e.logger.Warn("expiry check failed", "error", err)
		return
	}
	if summary.Attempted > 0 {
		e.logger.Info("expiry check settled commitments",
			"attempted", summary.Attempted,
			"succeeded", summary.Succeeded,
			"failed", summary.Failed,
		)
	}
}
