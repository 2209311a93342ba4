// Package timeslot holds the calendar math the engine shares: half-open
// interval overlap and quota period boundary computation.
package timeslot

import (
	"fmt"
	"time"
)

// Window is a half-open time interval [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// Valid reports whether End is strictly after Start.
func (w Window) Valid() bool {
	return w.End.After(w.Start)
}

// Overlaps reports whether two half-open windows intersect. Touching
// endpoints (one ends exactly when the other starts) do not overlap.
func (w Window) Overlaps(other Window) bool {
	return w.Start.Before(other.End) && w.End.After(other.Start)
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Minutes returns the window length in whole minutes, truncated.
func (w Window) Minutes() int64 {
	return int64(w.End.Sub(w.Start) / time.Minute)
}

// PeriodType enumerates quota accounting periods.
type PeriodType string

const (
	PeriodDaily     PeriodType = "daily"
	PeriodWeekly    PeriodType = "weekly"
	PeriodMonthly   PeriodType = "monthly"
	PeriodQuarterly PeriodType = "quarterly"
	PeriodYearly    PeriodType = "yearly"
)

// PeriodBounds returns the half-open [start, end) period of the given
// type containing t, in t's location. Weeks run Monday to Monday;
// quarters align to January, April, July and October.
func PeriodBounds(t time.Time, pt PeriodType) (Window, error) {
	loc := t.Location()
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)

	switch pt {
	case PeriodDaily:
		return Window{Start: midnight, End: midnight.AddDate(0, 0, 1)}, nil

	case PeriodWeekly:
		// time.Weekday has Sunday == 0; shift so Monday == 0.
		offset := (int(midnight.Weekday()) + 6) % 7
		start := midnight.AddDate(0, 0, -offset)
		return Window{Start: start, End: start.AddDate(0, 0, 7)}, nil

	case PeriodMonthly:
		start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc)
		return Window{Start: start, End: start.AddDate(0, 1, 0)}, nil

	case PeriodQuarterly:
		qm := time.Month((int(t.Month())-1)/3*3 + 1)
		start := time.Date(t.Year(), qm, 1, 0, 0, 0, 0, loc)
		return Window{Start: start, End: start.AddDate(0, 3, 0)}, nil

	case PeriodYearly:
		start := time.Date(t.Year(), time.January, 1, 0, 0, 0, 0, loc)
		return Window{Start: start, End: start.AddDate(1, 0, 0)}, nil
	}
	return Window{}, fmt.Errorf("unknown period type %q", pt)
}

// IsWeekend reports whether t falls on Saturday or Sunday.
func IsWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// MinuteOfDay returns the minute offset since midnight for t.
func MinuteOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

// RoundUpMinutes rounds minutes up to the next multiple of step. A step
// of 0 or 1 leaves the value unchanged.
func RoundUpMinutes(minutes int64, step int64) int64 {
	if step <= 1 {
		return minutes
	}
	if rem := minutes % step; rem > 0 {
		return minutes + step - rem
	}
	return minutes
}
