package commitment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/screenpledge/screenpledge/internal/week"
)

// fixedClock returns a deterministic time source.
func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

// flagRecorder captures reconciliation flags raised by the service.
type flagRecorder struct {
	calls []string
}

func (f *flagRecorder) FlagForReconciliation(ctx context.Context, userID string, deadline time.Time) error {
	f.calls = append(f.calls, userID+"|"+week.Key(deadline))
	return nil
}

func newTestService(now time.Time) (*Service, *MemoryStore) {
	store := NewMemoryStore()
	svc := NewService(store).WithClock(fixedClock(now))
	return svc, store
}

func TestCreate_LocksInUpcomingWeek(t *testing.T) {
	// Wednesday 2026-02-25; the upcoming deadline is Monday 2026-03-02.
	now := time.Date(2026, 2, 25, 15, 0, 0, 0, time.UTC)
	svc, _ := newTestService(now)

	c, err := svc.Create(context.Background(), "usr_0123456789abcdef", CreateRequest{
		LimitMinutes:     600,
		PenaltyRateCents: 10,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	wantDeadline := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	if !c.WeekDeadline.Equal(wantDeadline) {
		t.Errorf("deadline = %v, want %v", c.WeekDeadline, wantDeadline)
	}
	if c.Status != StatusActive {
		t.Errorf("status = %s, want active", c.Status)
	}
	if c.MonitoringStatus != MonitoringOK {
		t.Errorf("monitoring = %s, want ok", c.MonitoringStatus)
	}
	if want := wantDeadline.Add(DefaultGracePeriod); !c.GraceExpiresAt.Equal(want) {
		t.Errorf("grace expiry = %v, want %v", c.GraceExpiresAt, want)
	}
}

func TestCreate_OnePledgePerUserWeek(t *testing.T) {
	now := time.Date(2026, 2, 25, 15, 0, 0, 0, time.UTC)
	svc, _ := newTestService(now)

	if _, err := svc.Create(context.Background(), "usr_0123456789abcdef", CreateRequest{LimitMinutes: 600, PenaltyRateCents: 10}); err != nil {
		t.Fatalf("first Create failed: %v", err)
	}
	_, err := svc.Create(context.Background(), "usr_0123456789abcdef", CreateRequest{LimitMinutes: 300, PenaltyRateCents: 5})
	if !errors.Is(err, ErrAlreadyPledged) {
		t.Errorf("second Create err = %v, want ErrAlreadyPledged", err)
	}

	// A different user pledging the same week is fine.
	if _, err := svc.Create(context.Background(), "usr_fedcba9876543210", CreateRequest{LimitMinutes: 600, PenaltyRateCents: 10}); err != nil {
		t.Errorf("other user Create failed: %v", err)
	}
}

func TestUpdateMonitoringStatus_RevokeRecordsInstant(t *testing.T) {
	now := time.Date(2026, 2, 25, 15, 0, 0, 0, time.UTC)
	svc, _ := newTestService(now)

	c, err := svc.Create(context.Background(), "usr_0123456789abcdef", CreateRequest{LimitMinutes: 600, PenaltyRateCents: 10})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	revokedAt := now.Add(2 * time.Hour)
	svc.WithClock(fixedClock(revokedAt))

	c, err = svc.UpdateMonitoringStatus(context.Background(), c.ID, MonitoringRevoked)
	if err != nil {
		t.Fatalf("revoke failed: %v", err)
	}
	if c.MonitoringRevokedAt == nil || !c.MonitoringRevokedAt.Equal(revokedAt) {
		t.Errorf("revokedAt = %v, want %v", c.MonitoringRevokedAt, revokedAt)
	}

	// A second revoke must not move the original revocation instant.
	svc.WithClock(fixedClock(revokedAt.Add(time.Hour)))
	c, err = svc.UpdateMonitoringStatus(context.Background(), c.ID, MonitoringRevoked)
	if err != nil {
		t.Fatalf("second revoke failed: %v", err)
	}
	if !c.MonitoringRevokedAt.Equal(revokedAt) {
		t.Errorf("revokedAt moved to %v, want %v", c.MonitoringRevokedAt, revokedAt)
	}
}

func TestUpdateMonitoringStatus_RestoreFlagsReconciliation(t *testing.T) {
	now := time.Date(2026, 2, 25, 15, 0, 0, 0, time.UTC)
	svc, _ := newTestService(now)
	flags := &flagRecorder{}
	svc.WithReconcileFlagger(flags)

	c, err := svc.Create(context.Background(), "usr_0123456789abcdef", CreateRequest{LimitMinutes: 600, PenaltyRateCents: 10})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if _, err := svc.UpdateMonitoringStatus(context.Background(), c.ID, MonitoringRevoked); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}
	if len(flags.calls) != 0 {
		t.Fatalf("revoke flagged reconciliation: %v", flags.calls)
	}

	if _, err := svc.UpdateMonitoringStatus(context.Background(), c.ID, MonitoringOK); err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if len(flags.calls) != 1 {
		t.Fatalf("restore flags = %v, want exactly one", flags.calls)
	}
}

func TestUpdateMonitoringStatus_RejectsUnknown(t *testing.T) {
	now := time.Date(2026, 2, 25, 15, 0, 0, 0, time.UTC)
	svc, _ := newTestService(now)

	c, _ := svc.Create(context.Background(), "usr_0123456789abcdef", CreateRequest{LimitMinutes: 600, PenaltyRateCents: 10})
	if _, err := svc.UpdateMonitoringStatus(context.Background(), c.ID, MonitoringStatus("paused")); !errors.Is(err, ErrBadMonitoring) {
		t.Errorf("err = %v, want ErrBadMonitoring", err)
	}
}

func TestTransitions_TerminalStatesAreFinal(t *testing.T) {
	now := time.Date(2026, 2, 25, 15, 0, 0, 0, time.UTC)
	svc, _ := newTestService(now)

	c, _ := svc.Create(context.Background(), "usr_0123456789abcdef", CreateRequest{LimitMinutes: 600, PenaltyRateCents: 10})
	if err := svc.MarkSettled(context.Background(), c.ID); err != nil {
		t.Fatalf("MarkSettled failed: %v", err)
	}
	if err := svc.MarkFailed(context.Background(), c.ID); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("MarkFailed after settled err = %v, want ErrInvalidStatus", err)
	}
}

func TestListGraceExpired(t *testing.T) {
	now := time.Date(2026, 2, 25, 15, 0, 0, 0, time.UTC)
	svc, store := newTestService(now)

	c, _ := svc.Create(context.Background(), "usr_0123456789abcdef", CreateRequest{LimitMinutes: 600, PenaltyRateCents: 10})

	// Grace still running.
	got, err := svc.ListGraceExpired(context.Background(), c.GraceExpiresAt.Add(-time.Minute), 10)
	if err != nil {
		t.Fatalf("ListGraceExpired failed: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no expired commitments, got %d", len(got))
	}

	// Grace elapsed.
	got, err = svc.ListGraceExpired(context.Background(), c.GraceExpiresAt, 10)
	if err != nil {
		t.Fatalf("ListGraceExpired failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != c.ID {
		t.Fatalf("expected [%s], got %v", c.ID, got)
	}

	// Settled commitments never show up.
	if err := svc.MarkSettled(context.Background(), c.ID); err != nil {
		t.Fatalf("MarkSettled failed: %v", err)
	}
	got, _ = store.ListGraceExpired(context.Background(), c.GraceExpiresAt, 10)
	if len(got) != 0 {
		t.Fatalf("settled commitment listed as grace-expired")
	}
}
