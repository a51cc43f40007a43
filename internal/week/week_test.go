package week

import (
	"testing"
	"time"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestDeadlineFor(t *testing.T) {
	// 2026-03-02 is a Monday.
	monday := date(2026, 3, 2)

	tests := []struct {
		now  time.Time
		want time.Time
	}{
		{monday, monday},                                     // exactly at the boundary
		{monday.Add(time.Hour), monday},                      // Monday afternoon
		{date(2026, 3, 4), monday},                           // Wednesday
		{date(2026, 3, 8).Add(23 * time.Hour), monday},       // Sunday night
		{monday.Add(-time.Second), date(2026, 2, 23)},        // just before the boundary
	}

	for _, tt := range tests {
		if got := DeadlineFor(tt.now); !got.Equal(tt.want) {
			t.Errorf("DeadlineFor(%v) = %v, want %v", tt.now, got, tt.want)
		}
	}
}

func TestNext(t *testing.T) {
	monday := date(2026, 3, 2)
	if got := Next(monday); !got.Equal(date(2026, 3, 9)) {
		t.Errorf("Next(monday) = %v, want following Monday", got)
	}
	if got := Next(monday.Add(-time.Second)); !got.Equal(monday) {
		t.Errorf("Next(just before monday) = %v, want %v", got, monday)
	}
}

func TestDaysOf(t *testing.T) {
	deadline := date(2026, 3, 2)
	days := DaysOf(deadline)
	if len(days) != Days {
		t.Fatalf("expected %d days, got %d", Days, len(days))
	}
	if !days[0].Equal(date(2026, 2, 23)) {
		t.Errorf("first day = %v, want 2026-02-23", days[0])
	}
	if !days[6].Equal(date(2026, 3, 1)) {
		t.Errorf("last day = %v, want 2026-03-01", days[6])
	}
}

func TestContains(t *testing.T) {
	deadline := date(2026, 3, 2)
	if !Contains(deadline, date(2026, 2, 23)) {
		t.Error("week start should be contained")
	}
	if Contains(deadline, deadline) {
		t.Error("deadline itself belongs to the next week")
	}
	if Contains(deadline, date(2026, 2, 22)) {
		t.Error("day before week start should not be contained")
	}
}
