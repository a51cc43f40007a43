package settlement

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/screenpledge/screenpledge/internal/account"
	"github.com/screenpledge/screenpledge/internal/commitment"
	"github.com/screenpledge/screenpledge/internal/penalty"
	"github.com/screenpledge/screenpledge/internal/usage"
)

var testDeadline = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

const (
	alice = "usr_00000000000000aa"
	bob   = "usr_00000000000000bb"
)

// mockProvider is a programmable provider that counts calls.
type mockProvider struct {
	mu          sync.Mutex
	chargeCalls int32
	getCalls    int32
	chargeFn    func(req ChargeRequest) (*Intent, error)
	intents     map[string]*Intent
}

func newMockProvider() *mockProvider {
	return &mockProvider{intents: make(map[string]*Intent)}
}

func (m *mockProvider) Charge(ctx context.Context, req ChargeRequest) (*Intent, error) {
	atomic.AddInt32(&m.chargeCalls, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.chargeFn != nil {
		intent, err := m.chargeFn(req)
		if intent != nil {
			m.intents[intent.ID] = intent
		}
		return intent, err
	}
	intent := &Intent{ID: "pi_1", Status: IntentSucceeded, AmountCents: req.AmountCents}
	m.intents[intent.ID] = intent
	return intent, nil
}

func (m *mockProvider) GetIntent(ctx context.Context, id string) (*Intent, error) {
	atomic.AddInt32(&m.getCalls, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	intent, ok := m.intents[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	cp := *intent
	return &cp, nil
}

func (m *mockProvider) setIntentStatus(id string, status IntentStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if intent, ok := m.intents[id]; ok {
		intent.Status = status
	}
}

type env struct {
	svc       *Service
	provider  *mockProvider
	penalties *penalty.MemoryStore
	payments  *MemoryPaymentStore
	accounts  *account.MemoryStore
	cmts      *commitment.MemoryStore
	usage     *usage.MemoryStore
	agg       *penalty.Aggregator
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		provider:  newMockProvider(),
		penalties: penalty.NewMemoryStore(),
		payments:  NewMemoryPaymentStore(),
		accounts:  account.NewMemoryStore(),
		cmts:      commitment.NewMemoryStore(),
		usage:     usage.NewMemoryStore(),
	}
	e.agg = penalty.NewAggregator(e.penalties, e.cmts, e.usage)
	e.svc = NewService(e.penalties, e.payments, e.accounts, e.cmts, e.provider)
	return e
}

// seedUser creates an account, commitment and aggregated penalty for a user.
func (e *env) seedUser(t *testing.T, userID string, penaltyCents int64, estimated bool) *commitment.Commitment {
	t.Helper()
	ctx := context.Background()

	if err := e.accounts.Upsert(ctx, &account.Account{
		UserID:             userID,
		ProviderCustomerID: "cus_" + userID,
		HasPaymentMethod:   true,
	}); err != nil {
		t.Fatalf("seeding account: %v", err)
	}

	cmt := &commitment.Commitment{
		ID:               "cmt_" + userID[4:],
		UserID:           userID,
		WeekDeadline:     testDeadline,
		LimitMinutes:     600,
		PenaltyRateCents: 10,
		MonitoringStatus: commitment.MonitoringOK,
		Status:           commitment.StatusActive,
		GraceExpiresAt:   testDeadline.Add(24 * time.Hour),
	}
	if err := e.cmts.Create(ctx, cmt); err != nil {
		t.Fatalf("seeding commitment: %v", err)
	}

	if penaltyCents >= 0 {
		if err := e.usage.Upsert(ctx, &usage.DailyUsage{
			UserID:       userID,
			Day:          testDeadline.AddDate(0, 0, -3),
			WeekDeadline: testDeadline,
			PenaltyCents: penaltyCents,
			IsEstimated:  estimated,
		}); err != nil {
			t.Fatalf("seeding usage: %v", err)
		}
		if _, err := e.agg.RecomputeUser(ctx, cmt); err != nil {
			t.Fatalf("aggregating: %v", err)
		}
	}
	return cmt
}

func TestSettleUser_HappyPath(t *testing.T) {
	e := newEnv(t)
	cmt := e.seedUser(t, alice, 350, false)

	res := e.svc.SettleUser(context.Background(), alice, testDeadline)
	if res.Outcome != OutcomeSucceeded {
		t.Fatalf("outcome = %s (%s), want succeeded", res.Outcome, res.Error)
	}
	if res.AmountCents != 350 {
		t.Errorf("amount = %d, want 350", res.AmountCents)
	}

	row, _ := e.penalties.Get(context.Background(), alice, testDeadline)
	if row.Status != penalty.StatusPaid || row.SettlementStatus != penalty.SettlementChargedActual {
		t.Errorf("row state = %s/%s, want paid/charged_actual", row.Status, row.SettlementStatus)
	}

	got, err := e.payments.Latest(context.Background(), alice, testDeadline)
	if err != nil {
		t.Fatalf("no payment recorded: %v", err)
	}
	if got.Outcome != OutcomeSucceeded || got.AmountCents != 350 {
		t.Errorf("payment = %+v", got)
	}

	updated, _ := e.cmts.Get(context.Background(), cmt.ID)
	if updated.Status != commitment.StatusSettled {
		t.Errorf("commitment status = %s, want settled", updated.Status)
	}
}

func TestSettleUser_EstimatedChargesWorstCase(t *testing.T) {
	e := newEnv(t)
	e.seedUser(t, alice, 6000, true)

	res := e.svc.SettleUser(context.Background(), alice, testDeadline)
	if res.Outcome != OutcomeSucceeded {
		t.Fatalf("outcome = %s, want succeeded", res.Outcome)
	}

	row, _ := e.penalties.Get(context.Background(), alice, testDeadline)
	if row.SettlementStatus != penalty.SettlementChargedWorstCase {
		t.Errorf("settlement status = %s, want charged_worst_case", row.SettlementStatus)
	}
}

func TestSettleUser_ZeroPenaltyNeverCharges(t *testing.T) {
	e := newEnv(t)
	cmt := e.seedUser(t, alice, 0, false)

	// No charge attempted, so the pass reports a skip even though the week
	// settles.
	res := e.svc.SettleUser(context.Background(), alice, testDeadline)
	if res.Outcome != OutcomeSkipped {
		t.Fatalf("outcome = %s, want skipped", res.Outcome)
	}
	if n := atomic.LoadInt32(&e.provider.chargeCalls); n != 0 {
		t.Errorf("provider called %d times for a zero-cent week", n)
	}
	if _, err := e.payments.Latest(context.Background(), alice, testDeadline); err == nil {
		t.Error("payment row written for a zero-cent week")
	}

	row, _ := e.penalties.Get(context.Background(), alice, testDeadline)
	if row.Status != penalty.StatusPaid {
		t.Errorf("row status = %s, want paid", row.Status)
	}
	updated, _ := e.cmts.Get(context.Background(), cmt.ID)
	if updated.Status != commitment.StatusSettled {
		t.Errorf("commitment status = %s, want settled", updated.Status)
	}
}

func TestSettleUser_ExactlyOnceUnderRace(t *testing.T) {
	e := newEnv(t)
	e.seedUser(t, alice, 500, false)

	const racers = 8
	var wg sync.WaitGroup
	results := make([]Result, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = e.svc.SettleUser(context.Background(), alice, testDeadline)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, res := range results {
		if res.Outcome == OutcomeSucceeded {
			succeeded++
		}
	}
	if succeeded != 1 {
		t.Errorf("%d racers succeeded, want exactly 1", succeeded)
	}
	if n := atomic.LoadInt32(&e.provider.chargeCalls); n != 1 {
		t.Errorf("provider charged %d times, want exactly 1", n)
	}
}

func TestSettleUser_RerunAfterSuccessIsSkipped(t *testing.T) {
	e := newEnv(t)
	e.seedUser(t, alice, 500, false)

	if res := e.svc.SettleUser(context.Background(), alice, testDeadline); res.Outcome != OutcomeSucceeded {
		t.Fatalf("first run outcome = %s", res.Outcome)
	}
	res := e.svc.SettleUser(context.Background(), alice, testDeadline)
	if res.Outcome != OutcomeSkipped {
		t.Errorf("second run outcome = %s, want skipped", res.Outcome)
	}
	if n := atomic.LoadInt32(&e.provider.chargeCalls); n != 1 {
		t.Errorf("provider charged %d times, want 1", n)
	}
}

func TestSettleUser_RequiresActionReusesIntent(t *testing.T) {
	e := newEnv(t)
	e.seedUser(t, alice, 500, false)
	e.provider.chargeFn = func(req ChargeRequest) (*Intent, error) {
		return &Intent{ID: "pi_3ds", Status: IntentRequiresAction, AmountCents: req.AmountCents}, nil
	}

	res := e.svc.SettleUser(context.Background(), alice, testDeadline)
	if res.Outcome != OutcomeRequiresAction {
		t.Fatalf("outcome = %s, want requires_action", res.Outcome)
	}
	row, _ := e.penalties.Get(context.Background(), alice, testDeadline)
	if row.Status != penalty.StatusChargeInitiated {
		t.Errorf("row status = %s, want charge_initiated", row.Status)
	}

	// Second pass while the customer has not acted: the open intent is
	// polled, never recreated.
	res = e.svc.SettleUser(context.Background(), alice, testDeadline)
	if res.Outcome != OutcomeRequiresAction {
		t.Fatalf("second outcome = %s, want requires_action", res.Outcome)
	}
	if n := atomic.LoadInt32(&e.provider.chargeCalls); n != 1 {
		t.Errorf("provider charged %d times, want 1 (intent reuse)", n)
	}

	// Customer completes 3DS out of band; the next pass settles.
	e.provider.setIntentStatus("pi_3ds", IntentSucceeded)
	res = e.svc.SettleUser(context.Background(), alice, testDeadline)
	if res.Outcome != OutcomeSucceeded {
		t.Fatalf("third outcome = %s, want succeeded", res.Outcome)
	}
	row, _ = e.penalties.Get(context.Background(), alice, testDeadline)
	if row.Status != penalty.StatusPaid {
		t.Errorf("final row status = %s, want paid", row.Status)
	}
	if n := atomic.LoadInt32(&e.provider.chargeCalls); n != 1 {
		t.Errorf("provider charged %d times total, want 1", n)
	}
}

func TestSettleUser_ProviderDownLeavesClaimHeld(t *testing.T) {
	e := newEnv(t)
	e.seedUser(t, alice, 500, false)
	e.provider.chargeFn = func(req ChargeRequest) (*Intent, error) {
		return nil, ErrProviderDown
	}

	res := e.svc.SettleUser(context.Background(), alice, testDeadline)
	if res.Outcome != OutcomePending {
		t.Fatalf("outcome = %s, want pending", res.Outcome)
	}

	row, _ := e.penalties.Get(context.Background(), alice, testDeadline)
	if row.Status != penalty.StatusChargeInitiated {
		t.Errorf("row status = %s, want charge_initiated (unknown outcome)", row.Status)
	}
	if _, err := e.payments.Latest(context.Background(), alice, testDeadline); err == nil {
		t.Error("payment row recorded despite unknown provider outcome")
	}

	// Provider recovers: the stale claim retries and completes.
	e.provider.chargeFn = nil
	res = e.svc.SettleUser(context.Background(), alice, testDeadline)
	if res.Outcome != OutcomeSucceeded {
		t.Fatalf("retry outcome = %s (%s), want succeeded", res.Outcome, res.Error)
	}
}

func TestSettleUser_DeclineReleasesClaim(t *testing.T) {
	e := newEnv(t)
	cmt := e.seedUser(t, alice, 500, false)
	e.provider.chargeFn = func(req ChargeRequest) (*Intent, error) {
		return nil, &DeclineError{IntentID: "pi_decl", Code: "card_declined", Err: ErrProviderDeclined}
	}

	res := e.svc.SettleUser(context.Background(), alice, testDeadline)
	if res.Outcome != OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", res.Outcome)
	}

	// Declines go back to pending so a new payment method can be tried.
	row, _ := e.penalties.Get(context.Background(), alice, testDeadline)
	if row.Status != penalty.StatusPending {
		t.Errorf("row status = %s, want pending", row.Status)
	}
	pay, err := e.payments.Latest(context.Background(), alice, testDeadline)
	if err != nil {
		t.Fatalf("decline not recorded: %v", err)
	}
	if pay.Outcome != OutcomeFailed || pay.FailureReason == "" {
		t.Errorf("payment = %+v", pay)
	}
	updated, _ := e.cmts.Get(context.Background(), cmt.ID)
	if updated.Status != commitment.StatusActive {
		t.Errorf("commitment status = %s, want active (retryable)", updated.Status)
	}
}

func TestSettleUser_NoPaymentMethodIsRecordedSkip(t *testing.T) {
	e := newEnv(t)
	e.seedUser(t, alice, 500, false)
	if err := e.accounts.Upsert(context.Background(), &account.Account{
		UserID: alice, ProviderCustomerID: "cus_" + alice, HasPaymentMethod: false,
	}); err != nil {
		t.Fatalf("updating account: %v", err)
	}

	res := e.svc.SettleUser(context.Background(), alice, testDeadline)
	if res.Outcome != OutcomeSkipped {
		t.Fatalf("outcome = %s, want skipped", res.Outcome)
	}
	if res.Error == "" {
		t.Error("skip should carry the reason in the result")
	}
	if n := atomic.LoadInt32(&e.provider.chargeCalls); n != 0 {
		t.Errorf("provider called %d times without a payment method", n)
	}
	// The claim is released for manual resolution, not failed
	row, _ := e.penalties.Get(context.Background(), alice, testDeadline)
	if row.Status != penalty.StatusPending {
		t.Errorf("row status = %s, want pending", row.Status)
	}
}

func TestSettleUser_NoPenaltyRowIsSkipped(t *testing.T) {
	e := newEnv(t)
	res := e.svc.SettleUser(context.Background(), alice, testDeadline)
	if res.Outcome != OutcomeSkipped {
		t.Errorf("outcome = %s, want skipped", res.Outcome)
	}
}

// flakyPaymentStore fails reads on demand while writes keep working.
type flakyPaymentStore struct {
	*MemoryPaymentStore
	mu        sync.Mutex
	failReads bool
}

func (s *flakyPaymentStore) setFailReads(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failReads = v
}

func (s *flakyPaymentStore) readsFailing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failReads
}

func (s *flakyPaymentStore) Latest(ctx context.Context, userID string, deadline time.Time) (*Payment, error) {
	if s.readsFailing() {
		return nil, errors.New("storage unavailable")
	}
	return s.MemoryPaymentStore.Latest(ctx, userID, deadline)
}

func (s *flakyPaymentStore) ListByUserWeek(ctx context.Context, userID string, deadline time.Time) ([]*Payment, error) {
	if s.readsFailing() {
		return nil, errors.New("storage unavailable")
	}
	return s.MemoryPaymentStore.ListByUserWeek(ctx, userID, deadline)
}

func TestSettleUser_ClaimHeldWhenPaymentRecordUnreadable(t *testing.T) {
	e := newEnv(t)
	flaky := &flakyPaymentStore{MemoryPaymentStore: e.payments}
	svc := NewService(e.penalties, flaky, e.accounts, e.cmts, e.provider)
	e.seedUser(t, alice, 500, false)

	// First pass opens a 3DS intent and leaves the row claimed.
	e.provider.chargeFn = func(req ChargeRequest) (*Intent, error) {
		return &Intent{ID: "pi_open", Status: IntentRequiresAction, AmountCents: req.AmountCents}, nil
	}
	if res := svc.SettleUser(context.Background(), alice, testDeadline); res.Outcome != OutcomeRequiresAction {
		t.Fatalf("first outcome = %s, want requires_action", res.Outcome)
	}

	// With the payment record unreadable, the open intent cannot be found;
	// the claim is held rather than risking a second intent.
	flaky.setFailReads(true)
	res := svc.SettleUser(context.Background(), alice, testDeadline)
	if res.Outcome != OutcomePending {
		t.Fatalf("outcome = %s (%s), want pending", res.Outcome, res.Error)
	}
	if res.Error == "" {
		t.Error("pending result should carry the read error")
	}
	if n := atomic.LoadInt32(&e.provider.chargeCalls); n != 1 {
		t.Errorf("provider charged %d times, want 1 (no new intent on a blind resume)", n)
	}
	row, _ := e.penalties.Get(context.Background(), alice, testDeadline)
	if row.Status != penalty.StatusChargeInitiated {
		t.Errorf("row status = %s, want charge_initiated", row.Status)
	}

	// Reads recover and the customer completed 3DS: the open intent settles
	// without ever being recreated.
	flaky.setFailReads(false)
	e.provider.setIntentStatus("pi_open", IntentSucceeded)
	res = svc.SettleUser(context.Background(), alice, testDeadline)
	if res.Outcome != OutcomeSucceeded {
		t.Fatalf("final outcome = %s (%s), want succeeded", res.Outcome, res.Error)
	}
	if n := atomic.LoadInt32(&e.provider.chargeCalls); n != 1 {
		t.Errorf("provider charged %d times total, want 1", n)
	}
}

func TestSettleUser_AttemptCountUnreadableHoldsClaim(t *testing.T) {
	e := newEnv(t)
	flaky := &flakyPaymentStore{MemoryPaymentStore: e.payments}
	svc := NewService(e.penalties, flaky, e.accounts, e.cmts, e.provider)
	e.seedUser(t, alice, 500, false)

	// The attempt count seeds the idempotency key; without it no charge is
	// sent and the claim stays held.
	flaky.setFailReads(true)
	res := svc.SettleUser(context.Background(), alice, testDeadline)
	if res.Outcome != OutcomePending {
		t.Fatalf("outcome = %s (%s), want pending", res.Outcome, res.Error)
	}
	if n := atomic.LoadInt32(&e.provider.chargeCalls); n != 0 {
		t.Errorf("provider charged %d times with attempt count unreadable, want 0", n)
	}
	row, _ := e.penalties.Get(context.Background(), alice, testDeadline)
	if row.Status != penalty.StatusChargeInitiated {
		t.Errorf("row status = %s, want charge_initiated", row.Status)
	}

	// Reads recover: the held claim resumes and the charge goes through.
	flaky.setFailReads(false)
	res = svc.SettleUser(context.Background(), alice, testDeadline)
	if res.Outcome != OutcomeSucceeded {
		t.Fatalf("retry outcome = %s (%s), want succeeded", res.Outcome, res.Error)
	}
	if n := atomic.LoadInt32(&e.provider.chargeCalls); n != 1 {
		t.Errorf("provider charged %d times, want 1", n)
	}
}
