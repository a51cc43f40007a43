//go:build integration

package penalty

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/screenpledge/screenpledge/internal/testutil"
)

func setupTestStore(t *testing.T) (*PostgresStore, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	return NewPostgresStore(db), cleanup
}

func seedRow(t *testing.T, store *PostgresStore, userID string, deadline time.Time, cents int64) {
	t.Helper()
	now := time.Now().UTC()
	err := store.UpsertTotal(context.Background(), &UserWeekPenalty{
		UserID:            userID,
		WeekDeadline:      deadline,
		CommitmentID:      "cmt_00000000000000ff",
		TotalPenaltyCents: cents,
		Status:            StatusPending,
		SettlementStatus:  SettlementNone,
		CreatedAt:         now,
		UpdatedAt:         now,
	})
	if err != nil {
		t.Fatalf("UpsertTotal failed: %v", err)
	}
}

func TestPostgres_UpsertAndGet(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	deadline := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	seedRow(t, store, "usr_00000000000000aa", deadline, 350)

	row, err := store.Get(ctx, "usr_00000000000000aa", deadline)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if row.TotalPenaltyCents != 350 {
		t.Errorf("Expected 350 cents, got %d", row.TotalPenaltyCents)
	}
	if row.Status != StatusPending || row.SettlementStatus != SettlementNone {
		t.Errorf("Unexpected initial state: %s/%s", row.Status, row.SettlementStatus)
	}

	// Recompute refreshes the total without touching charge state
	seedRow(t, store, "usr_00000000000000aa", deadline, 500)
	row, err = store.Get(ctx, "usr_00000000000000aa", deadline)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if row.TotalPenaltyCents != 500 {
		t.Errorf("Expected refreshed total 500, got %d", row.TotalPenaltyCents)
	}
}

func TestPostgres_BeginChargeGate(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	deadline := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	seedRow(t, store, "usr_00000000000000aa", deadline, 350)

	if _, err := store.BeginCharge(ctx, "usr_00000000000000aa", deadline); err != nil {
		t.Fatalf("First BeginCharge failed: %v", err)
	}

	// The row is claimed; a second claim loses the race
	if _, err := store.BeginCharge(ctx, "usr_00000000000000aa", deadline); !errors.Is(err, ErrChargeRace) {
		t.Errorf("Expected ErrChargeRace, got %v", err)
	}

	// A failed attempt releases the claim for retry
	if err := store.FinishCharge(ctx, "usr_00000000000000aa", deadline, StatusFailed, ""); err != nil {
		t.Fatalf("FinishCharge failed: %v", err)
	}
	if _, err := store.BeginCharge(ctx, "usr_00000000000000aa", deadline); err != nil {
		t.Errorf("BeginCharge after failure should succeed, got %v", err)
	}

	// A completed charge is final
	if err := store.FinishCharge(ctx, "usr_00000000000000aa", deadline, StatusPaid, SettlementChargedActual); err != nil {
		t.Fatalf("FinishCharge failed: %v", err)
	}
	if _, err := store.BeginCharge(ctx, "usr_00000000000000aa", deadline); !errors.Is(err, ErrChargeRace) {
		t.Errorf("Expected ErrChargeRace after paid, got %v", err)
	}
}

func TestPostgres_BeginChargeConcurrent(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	deadline := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	seedRow(t, store, "usr_00000000000000aa", deadline, 350)

	const attempts = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	claimed := 0

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.BeginCharge(ctx, "usr_00000000000000aa", deadline); err == nil {
				mu.Lock()
				claimed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if claimed != 1 {
		t.Errorf("Expected exactly 1 successful claim, got %d", claimed)
	}
}

func TestPostgres_ChargeStateSurvivesRecompute(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	deadline := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	seedRow(t, store, "usr_00000000000000aa", deadline, 350)

	if _, err := store.BeginCharge(ctx, "usr_00000000000000aa", deadline); err != nil {
		t.Fatalf("BeginCharge failed: %v", err)
	}
	if err := store.FinishCharge(ctx, "usr_00000000000000aa", deadline, StatusPaid, SettlementChargedWorstCase); err != nil {
		t.Fatalf("FinishCharge failed: %v", err)
	}

	// Late recompute must not reopen the charged row
	seedRow(t, store, "usr_00000000000000aa", deadline, 9999)

	row, err := store.Get(ctx, "usr_00000000000000aa", deadline)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if row.Status != StatusPaid {
		t.Errorf("Expected status paid after recompute, got %s", row.Status)
	}
	if row.SettlementStatus != SettlementChargedWorstCase {
		t.Errorf("Expected charged_worst_case after recompute, got %s", row.SettlementStatus)
	}
	if row.TotalPenaltyCents != 9999 {
		t.Errorf("Expected refreshed total 9999, got %d", row.TotalPenaltyCents)
	}
}

func TestPostgres_PoolLifecycle(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	deadline := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	now := time.Now().UTC()

	if _, err := store.GetPool(ctx, deadline); !errors.Is(err, ErrPoolNotFound) {
		t.Errorf("Expected ErrPoolNotFound, got %v", err)
	}

	err := store.UpsertPool(ctx, &WeeklyPool{
		WeekDeadline:      deadline,
		TotalPenaltyCents: 1200,
		Status:            PoolOpen,
		CreatedAt:         now,
		UpdatedAt:         now,
	})
	if err != nil {
		t.Fatalf("UpsertPool failed: %v", err)
	}

	if err := store.ClosePool(ctx, deadline, now); err != nil {
		t.Fatalf("ClosePool failed: %v", err)
	}

	pool, err := store.GetPool(ctx, deadline)
	if err != nil {
		t.Fatalf("GetPool failed: %v", err)
	}
	if pool.Status != PoolClosed || pool.ClosedAt == nil {
		t.Errorf("Expected closed pool with closed_at, got %s/%v", pool.Status, pool.ClosedAt)
	}

	// Closing again is a no-op
	if err := store.ClosePool(ctx, deadline, now.Add(time.Hour)); err != nil {
		t.Errorf("Second ClosePool should be a no-op, got %v", err)
	}
	pool, _ = store.GetPool(ctx, deadline)
	if !pool.ClosedAt.Equal(now.Truncate(time.Microsecond)) && !pool.ClosedAt.Equal(now) {
		t.Errorf("ClosedAt moved on second close: %v", pool.ClosedAt)
	}
}
