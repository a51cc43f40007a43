// Package week defines the weekly settlement cadence.
//
// A week is identified by its deadline: Monday 00:00:00 UTC. The week covers
// the seven calendar days before the deadline, so the week ending Monday
// 2026-03-02 spans Monday 2026-02-23 through Sunday 2026-03-01. For legacy
// reasons the deadline is persisted in a column named week_start; every query
// keyed on a week uses the deadline timestamp as the key.
package week

import "time"

// Deadline is a week identifier: the instant the week closes.
type Deadline = time.Time

// Days in a settlement week.
const Days = 7

// DeadlineFor returns the most recent weekly deadline at or before t.
func DeadlineFor(t time.Time) time.Time {
	t = t.UTC()
	day := Truncate(t)
	// time.Weekday: Sunday=0 ... Monday=1
	offset := (int(day.Weekday()) - int(time.Monday) + 7) % 7
	return day.AddDate(0, 0, -offset)
}

// Next returns the first weekly deadline strictly after t.
func Next(t time.Time) time.Time {
	d := DeadlineFor(t)
	if !d.After(t) {
		d = d.AddDate(0, 0, Days)
	}
	return d
}

// StartOf returns the first instant of the week ending at deadline.
func StartOf(deadline time.Time) time.Time {
	return deadline.AddDate(0, 0, -Days)
}

// DaysOf returns the seven calendar days (date-truncated, UTC) covered by
// the week ending at deadline, oldest first.
func DaysOf(deadline time.Time) []time.Time {
	start := StartOf(deadline)
	days := make([]time.Time, 0, Days)
	for i := 0; i < Days; i++ {
		days = append(days, start.AddDate(0, 0, i))
	}
	return days
}

// Contains reports whether day (any instant) falls inside the week ending
// at deadline.
func Contains(deadline, day time.Time) bool {
	d := day.UTC()
	return !d.Before(StartOf(deadline)) && d.Before(deadline)
}

// Truncate returns t truncated to its UTC calendar day.
func Truncate(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Key formats a deadline as a stable storage/API key.
func Key(deadline time.Time) string {
	return deadline.UTC().Format(time.RFC3339)
}
