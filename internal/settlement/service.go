package settlement

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/screenpledge/screenpledge/internal/account"
	"github.com/screenpledge/screenpledge/internal/circuitbreaker"
	"github.com/screenpledge/screenpledge/internal/commitment"
	"github.com/screenpledge/screenpledge/internal/idgen"
	"github.com/screenpledge/screenpledge/internal/logging"
	"github.com/screenpledge/screenpledge/internal/metrics"
	"github.com/screenpledge/screenpledge/internal/penalty"
	"github.com/screenpledge/screenpledge/internal/retry"
	"github.com/screenpledge/screenpledge/internal/syncutil"
	"github.com/screenpledge/screenpledge/internal/traces"
	"github.com/screenpledge/screenpledge/internal/week"
)

// breakerKey is the circuit breaker key for the payment provider.
const breakerKey = "provider"

// DefaultCurrency for penalty charges.
const DefaultCurrency = "usd"

// Service is the charge orchestrator. It owns the settlement gate: the
// store-level BeginCharge claim plus an in-process per-(user,week) lock, so
// the weekly closer and the expiry checker can race freely and at most one
// charge is ever attempted at a time for a row.
type Service struct {
	penalties   penalty.Store
	payments    PaymentStore
	accounts    account.Store
	commitments commitment.Store
	provider    Provider
	breaker     *circuitbreaker.Breaker
	locks       syncutil.ShardedMutex
	now         func() time.Time
}

// NewService creates a settlement service.
func NewService(penalties penalty.Store, payments PaymentStore, accounts account.Store, commitments commitment.Store, provider Provider) *Service {
	return &Service{
		penalties:   penalties,
		payments:    payments,
		accounts:    accounts,
		commitments: commitments,
		provider:    provider,
		breaker:     circuitbreaker.New(5, 30*time.Second),
		now:         time.Now,
	}
}

// WithClock overrides the time source (for tests).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Result is the per-user outcome of one settlement pass.
type Result struct {
	UserID      string  `json:"userId"`
	Outcome     Outcome `json:"outcome"`
	AmountCents int64   `json:"amountCents"`
	Error       string  `json:"error,omitempty"`
}

// SettleUser runs one user-week through the gate and, if the claim is won,
// through the provider. Callers get an outcome, never a panic; per-user
// errors are embedded in the result.
func (s *Service) SettleUser(ctx context.Context, userID string, deadline time.Time) Result {
	ctx, span := traces.StartSpan(ctx, "settlement.settle_user",
		traces.UserID(userID), traces.Week(week.Key(deadline)))
	defer span.End()

	res := s.settleUser(ctx, userID, deadline)
	metrics.SettlementAttemptsTotal.WithLabelValues(string(res.Outcome)).Inc()
	span.SetAttributes(attribute.String("settlement.outcome", string(res.Outcome)))
	return res
}

func (s *Service) settleUser(ctx context.Context, userID string, deadline time.Time) Result {
	deadline = deadline.UTC()
	res := Result{UserID: userID, Outcome: OutcomeSkipped}

	unlock := s.locks.Lock(userID + "|" + week.Key(deadline))
	defer unlock()

	row, err := s.penalties.Get(ctx, userID, deadline)
	if err != nil {
		if !errors.Is(err, penalty.ErrNotFound) {
			res.Error = err.Error()
		}
		return res
	}
	res.AmountCents = row.TotalPenaltyCents

	// A claimed row means an earlier attempt ended in an unknown or still
	// open provider state; resolve it from the provider instead of charging
	// again.
	if row.Status == penalty.StatusChargeInitiated {
		return s.resumeClaimed(ctx, row)
	}
	if row.SettlementStatus.Charged() || row.Status == penalty.StatusPaid {
		return res
	}

	if !s.breaker.Allow(breakerKey) {
		res.Outcome = OutcomePending
		res.Error = "payment provider circuit open"
		return res
	}

	claimed, err := s.penalties.BeginCharge(ctx, userID, deadline)
	if err != nil {
		if !errors.Is(err, penalty.ErrChargeRace) && !errors.Is(err, penalty.ErrNotFound) {
			res.Error = err.Error()
		}
		return res
	}

	// Nothing owed: settle without touching the provider. Reported as a
	// skip, not a success, since no charge was attempted.
	if claimed.TotalPenaltyCents == 0 {
		if err := s.penalties.FinishCharge(ctx, userID, deadline, penalty.StatusPaid, ""); err != nil {
			res.Outcome = OutcomePending
			res.Error = err.Error()
			return res
		}
		s.settleCommitment(ctx, claimed.CommitmentID)
		res.Outcome = OutcomeSkipped
		return res
	}

	return s.charge(ctx, claimed)
}

// charge runs the provider call for a freshly claimed row.
func (s *Service) charge(ctx context.Context, row *penalty.UserWeekPenalty) Result {
	res := Result{UserID: row.UserID, AmountCents: row.TotalPenaltyCents}
	deadline := row.WeekDeadline

	// No usable payment method is a recorded skip, not a failure: the claim
	// is released back to pending for manual resolution.
	acct, err := s.accounts.Get(ctx, row.UserID)
	if err != nil || !acct.HasPaymentMethod {
		cause := ErrNoPaymentMethod
		if err != nil && !errors.Is(err, account.ErrNotFound) {
			cause = err
		}
		if ferr := s.penalties.FinishCharge(ctx, row.UserID, deadline, penalty.StatusPending, ""); ferr != nil {
			logging.L(ctx).Error("failed to release charge claim",
				"user_id", row.UserID, "week", week.Key(deadline), "error", ferr)
		}
		logging.L(ctx).Warn("skipping charge, no usable payment method",
			"user_id", row.UserID, "week", week.Key(deadline))
		res.Outcome = OutcomeSkipped
		res.Error = cause.Error()
		return res
	}

	attempts, err := s.payments.ListByUserWeek(ctx, row.UserID, deadline)
	if err != nil {
		// The attempt count seeds the idempotency key; guessing it risks
		// replaying a stale key. Hold the claim and let a later pass retry.
		logging.L(ctx).Warn("cannot count charge attempts, leaving charge claimed",
			"user_id", row.UserID, "week", week.Key(deadline), "error", err)
		res.Outcome = OutcomePending
		res.Error = err.Error()
		return res
	}
	req := ChargeRequest{
		CustomerID:     acct.ProviderCustomerID,
		AmountCents:    row.TotalPenaltyCents,
		Currency:       DefaultCurrency,
		IdempotencyKey: row.UserID + "|" + week.Key(deadline) + "|" + strconv.Itoa(len(attempts)),
		Description:    "ScreenPledge weekly penalty",
		Metadata: map[string]string{
			"user_id": row.UserID,
			"week":    week.Key(deadline),
		},
	}

	var intent *Intent
	err = retry.Do(ctx, 3, 500*time.Millisecond, func() error {
		var cerr error
		intent, cerr = s.provider.Charge(ctx, req)
		if cerr != nil && !errors.Is(cerr, ErrProviderDown) {
			return retry.Permanent(cerr)
		}
		return cerr
	})

	if err != nil {
		var decline *DeclineError
		if errors.As(err, &decline) {
			s.breaker.RecordSuccess(breakerKey)
			return s.failAttempt(ctx, row, nil, decline.IntentID, decline)
		}
		if errors.Is(err, ErrProviderDown) {
			// Unknown outcome: the claim stays held, nothing is recorded as
			// final, and a later pass resolves or retries.
			s.breaker.RecordFailure(breakerKey)
			logging.L(ctx).Warn("provider unreachable, leaving charge claimed",
				"user_id", row.UserID, "week", week.Key(deadline), "error", err)
			res.Outcome = OutcomePending
			res.Error = err.Error()
			return res
		}
		s.breaker.RecordSuccess(breakerKey)
		return s.failAttempt(ctx, row, nil, "", err)
	}
	s.breaker.RecordSuccess(breakerKey)

	return s.applyIntent(ctx, row, intent, true)
}

// resumeClaimed resolves a row stuck in charge_initiated from the provider's
// record, reusing the open intent instead of creating a new one.
func (s *Service) resumeClaimed(ctx context.Context, row *penalty.UserWeekPenalty) Result {
	res := Result{UserID: row.UserID, AmountCents: row.TotalPenaltyCents, Outcome: OutcomePending}

	last, err := s.payments.Latest(ctx, row.UserID, row.WeekDeadline)
	if err != nil && !errors.Is(err, ErrPaymentNotFound) {
		// Cannot tell whether an intent is already open; charging now could
		// mint a second one. Hold the claim until the record is readable.
		logging.L(ctx).Warn("cannot read payment record, leaving charge claimed",
			"user_id", row.UserID, "week", week.Key(row.WeekDeadline), "error", err)
		res.Error = err.Error()
		return res
	}
	if err != nil || last.ProviderIntentID == "" {
		// Claimed with no provider trace: either the crash window between
		// claim and charge, or a provider-down attempt. Retry the charge.
		if !s.breaker.Allow(breakerKey) {
			res.Error = "payment provider circuit open"
			return res
		}
		return s.charge(ctx, row)
	}

	if !s.breaker.Allow(breakerKey) {
		res.Error = "payment provider circuit open"
		return res
	}
	intent, err := s.provider.GetIntent(ctx, last.ProviderIntentID)
	if err != nil {
		s.breaker.RecordFailure(breakerKey)
		res.Error = err.Error()
		return res
	}
	s.breaker.RecordSuccess(breakerKey)

	return s.applyIntent(ctx, row, intent, false)
}

// applyIntent folds a provider intent state into the internal records.
// recordOpen controls whether still-open intents get an append-only payment
// row (fresh charges do, resume polls do not).
func (s *Service) applyIntent(ctx context.Context, row *penalty.UserWeekPenalty, intent *Intent, recordOpen bool) Result {
	res := Result{UserID: row.UserID, AmountCents: row.TotalPenaltyCents}
	deadline := row.WeekDeadline

	switch intent.Status {
	case IntentSucceeded:
		settled := penalty.SettlementChargedActual
		if row.Estimated {
			settled = penalty.SettlementChargedWorstCase
		}
		s.recordPayment(ctx, row, intent, OutcomeSucceeded, "")
		if err := s.penalties.FinishCharge(ctx, row.UserID, deadline, penalty.StatusPaid, settled); err != nil {
			res.Outcome = OutcomePending
			res.Error = err.Error()
			return res
		}
		s.settleCommitment(ctx, row.CommitmentID)
		metrics.ChargesTotal.WithLabelValues("succeeded").Inc()
		res.Outcome = OutcomeSucceeded
		logging.L(ctx).Info("charge succeeded",
			"user_id", row.UserID, "week", week.Key(deadline), "amount_cents", row.TotalPenaltyCents)
		return res

	case IntentRequiresAction:
		if recordOpen {
			s.recordPayment(ctx, row, intent, OutcomeRequiresAction, "")
		}
		metrics.ChargesTotal.WithLabelValues("requires_action").Inc()
		res.Outcome = OutcomeRequiresAction
		return res

	case IntentProcessing:
		if recordOpen {
			s.recordPayment(ctx, row, intent, OutcomePending, "")
		}
		metrics.ChargesTotal.WithLabelValues("processing").Inc()
		res.Outcome = OutcomePending
		return res

	default: // requires_payment_method, canceled
		return s.failAttempt(ctx, row, intent, "", ErrProviderDeclined)
	}
}

// failAttempt records a failed attempt and releases the row back to a
// retryable state.
func (s *Service) failAttempt(ctx context.Context, row *penalty.UserWeekPenalty, intent *Intent, intentID string, cause error) Result {
	deadline := row.WeekDeadline
	if intent == nil {
		intent = &Intent{ID: intentID, Status: IntentRequiresPaymentMethod, AmountCents: row.TotalPenaltyCents}
	}
	s.recordPayment(ctx, row, intent, OutcomeFailed, cause.Error())

	status := penalty.StatusFailed
	if errors.Is(cause, ErrProviderDeclined) {
		// Mapping for declined/canceled intents: back to pending so the next
		// pass may try a fresh payment method.
		status = penalty.StatusPending
	}
	if err := s.penalties.FinishCharge(ctx, row.UserID, deadline, status, ""); err != nil {
		logging.L(ctx).Error("failed to release charge claim",
			"user_id", row.UserID, "week", week.Key(deadline), "error", err)
	}
	metrics.ChargesTotal.WithLabelValues("failed").Inc()
	logging.L(ctx).Warn("charge failed",
		"user_id", row.UserID, "week", week.Key(deadline), "error", cause)

	return Result{
		UserID:      row.UserID,
		AmountCents: row.TotalPenaltyCents,
		Outcome:     OutcomeFailed,
		Error:       cause.Error(),
	}
}

// recordPayment appends a payment row. Append failures are logged, not
// fatal: the provider already acted and the internal state machine must
// still advance.
func (s *Service) recordPayment(ctx context.Context, row *penalty.UserWeekPenalty, intent *Intent, outcome Outcome, failure string) {
	p := &Payment{
		ID:               idgen.WithPrefix("pay_"),
		UserID:           row.UserID,
		WeekDeadline:     row.WeekDeadline,
		AmountCents:      row.TotalPenaltyCents,
		Currency:         DefaultCurrency,
		ProviderIntentID: intent.ID,
		ProviderStatus:   intent.Status,
		Outcome:          outcome,
		FailureReason:    failure,
		CreatedAt:        s.now().UTC(),
	}
	if err := s.payments.Create(ctx, p); err != nil {
		logging.L(ctx).Error("failed to record payment",
			"user_id", row.UserID, "week", week.Key(row.WeekDeadline), "error", err)
	}
}

// settleCommitment marks the commitment settled; already-terminal
// commitments are left alone.
func (s *Service) settleCommitment(ctx context.Context, commitmentID string) {
	if commitmentID == "" {
		return
	}
	c, err := s.commitments.Get(ctx, commitmentID)
	if err != nil || c.IsTerminal() {
		return
	}
	c.Status = commitment.StatusSettled
	c.UpdatedAt = s.now().UTC()
	if err := s.commitments.Update(ctx, c); err != nil {
		logging.L(ctx).Error("failed to mark commitment settled",
			"commitment_id", commitmentID, "error", err)
	}
}

// FailCommitment marks a commitment terminally failed.
func (s *Service) FailCommitment(ctx context.Context, commitmentID string) error {
	c, err := s.commitments.Get(ctx, commitmentID)
	if err != nil {
		return err
	}
	if c.IsTerminal() {
		return nil
	}
	c.Status = commitment.StatusFailed
	c.UpdatedAt = s.now().UTC()
	return s.commitments.Update(ctx, c)
}
