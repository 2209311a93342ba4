package timeslot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mkTime(s string) time.Time {
	t, err := time.Parse("2006-01-02 15:04", s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestOverlaps(t *testing.T) {
	a := Window{Start: mkTime("2026-03-02 10:00"), End: mkTime("2026-03-02 12:00")}

	tests := []struct {
		name string
		b    Window
		want bool
	}{
		{"identical", a, true},
		{"partial overlap", Window{Start: mkTime("2026-03-02 11:00"), End: mkTime("2026-03-02 13:00")}, true},
		{"contained", Window{Start: mkTime("2026-03-02 10:30"), End: mkTime("2026-03-02 11:30")}, true},
		{"touching end-to-start", Window{Start: mkTime("2026-03-02 12:00"), End: mkTime("2026-03-02 13:00")}, false},
		{"touching start-to-end", Window{Start: mkTime("2026-03-02 09:00"), End: mkTime("2026-03-02 10:00")}, false},
		{"disjoint", Window{Start: mkTime("2026-03-03 10:00"), End: mkTime("2026-03-03 12:00")}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, a.Overlaps(tt.b))
			// Overlap is symmetric.
			assert.Equal(t, tt.want, tt.b.Overlaps(a))
		})
	}
}

func TestPeriodBounds(t *testing.T) {
	tests := []struct {
		name      string
		at        string
		pt        PeriodType
		wantStart string
		wantEnd   string
	}{
		{"daily", "2026-03-14 13:45", PeriodDaily, "2026-03-14 00:00", "2026-03-15 00:00"},
		{"weekly mid-week", "2026-03-12 09:00", PeriodWeekly, "2026-03-09 00:00", "2026-03-16 00:00"},
		{"weekly on monday", "2026-03-09 00:00", PeriodWeekly, "2026-03-09 00:00", "2026-03-16 00:00"},
		{"weekly on sunday", "2026-03-15 23:59", PeriodWeekly, "2026-03-09 00:00", "2026-03-16 00:00"},
		{"monthly", "2026-06-20 08:00", PeriodMonthly, "2026-06-01 00:00", "2026-07-01 00:00"},
		{"monthly december rollover", "2026-12-31 23:00", PeriodMonthly, "2026-12-01 00:00", "2027-01-01 00:00"},
		{"q1", "2026-02-15 12:00", PeriodQuarterly, "2026-01-01 00:00", "2026-04-01 00:00"},
		{"q3", "2026-09-30 12:00", PeriodQuarterly, "2026-07-01 00:00", "2026-10-01 00:00"},
		{"q4 year rollover", "2026-11-05 12:00", PeriodQuarterly, "2026-10-01 00:00", "2027-01-01 00:00"},
		{"yearly", "2026-08-01 12:00", PeriodYearly, "2026-01-01 00:00", "2027-01-01 00:00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := PeriodBounds(mkTime(tt.at), tt.pt)
			require.NoError(t, err)
			assert.Equal(t, mkTime(tt.wantStart), got.Start)
			assert.Equal(t, mkTime(tt.wantEnd), got.End)
			// Boundaries are half-open: the instant itself is inside.
			assert.True(t, got.Contains(mkTime(tt.at)))
			assert.False(t, got.Contains(got.End))
		})
	}

	_, err := PeriodBounds(time.Now(), PeriodType("fortnightly"))
	assert.Error(t, err)
}

func TestRoundUpMinutes(t *testing.T) {
	assert.Equal(t, int64(45), RoundUpMinutes(37, 15))
	assert.Equal(t, int64(45), RoundUpMinutes(45, 15))
	assert.Equal(t, int64(60), RoundUpMinutes(46, 15))
	assert.Equal(t, int64(37), RoundUpMinutes(37, 1))
	assert.Equal(t, int64(37), RoundUpMinutes(37, 0))
}

func TestWindowMinutes(t *testing.T) {
	w := Window{Start: mkTime("2026-03-02 10:00"), End: mkTime("2026-03-02 10:37")}
	assert.Equal(t, int64(37), w.Minutes())
	assert.True(t, w.Valid())
	assert.False(t, Window{Start: w.End, End: w.Start}.Valid())
}

func TestIsWeekendAndMinuteOfDay(t *testing.T) {
	assert.True(t, IsWeekend(mkTime("2026-03-07 10:00")))  // Saturday
	assert.True(t, IsWeekend(mkTime("2026-03-08 10:00")))  // Sunday
	assert.False(t, IsWeekend(mkTime("2026-03-09 10:00"))) // Monday
	assert.Equal(t, 9*60+30, MinuteOfDay(mkTime("2026-03-09 09:30")))
}
