package service

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labforge/be-lab-bookings/internal/apperror"
	"github.com/labforge/be-lab-bookings/internal/client"
	"github.com/labforge/be-lab-bookings/internal/repository"
	"github.com/labforge/be-lab-bookings/internal/timeslot"
)

func rate(hourly string, minimumMin, roundingMin int) *repository.BillingRate {
	return &repository.BillingRate{
		ID:                   "rate-1",
		ResourceID:           "laser",
		RateType:             "standard",
		HourlyRate:           decimal.RequireFromString(hourly),
		MinimumChargeMinutes: minimumMin,
		RoundingMinutes:      roundingMin,
		UserType:             "all",
		ValidFrom:            time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Priority:             0,
		IsActive:             true,
	}
}

func TestCalculateCharge(t *testing.T) {
	tests := []struct {
		name         string
		rate         *repository.BillingRate
		duration     int64
		wantBillable int64
		wantCharge   string
	}{
		{"rounds up to increment", rate("25.00", 30, 15), 37, 45, "18.75"},
		{"minimum charge floor", rate("25.00", 60, 15), 37, 60, "25.00"},
		{"exact multiple unchanged", rate("25.00", 30, 15), 45, 45, "18.75"},
		{"no rounding configured", rate("25.00", 0, 0), 37, 37, "15.42"},
		{"zero duration bills the minimum", rate("40.00", 30, 15), 0, 30, "20.00"},
		{"rounding after the floor", rate("10.00", 50, 60), 20, 60, "10.00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CalculateCharge(tt.rate, tt.duration)
			assert.Equal(t, tt.duration, got.DurationMinutes)
			assert.Equal(t, tt.wantBillable, got.BillableMinutes)
			assert.Equal(t, tt.wantCharge, got.TotalCharge.StringFixed(2))
		})
	}
}

func TestCalculateChargeHalfUpRounding(t *testing.T) {
	// 35 minutes at 12.95/h: 35/60 h * 12.95 = 7.554166... -> 7.55
	got := CalculateCharge(rate("12.95", 0, 0), 35)
	assert.Equal(t, "7.55", got.TotalCharge.StringFixed(2))

	// 30 minutes at 12.95/h: 6.475 rounds half-up to 6.48.
	got = CalculateCharge(rate("12.95", 0, 0), 30)
	assert.Equal(t, "6.48", got.TotalCharge.StringFixed(2))
}

func TestResolveRatePicksFirstApplicable(t *testing.T) {
	profile := &client.Profile{UserID: "u1", Role: "student"}
	weekday := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC) // Wednesday

	staffOnly := rate("10.00", 0, 0)
	staffOnly.ID = "staff"
	staffOnly.UserType = "staff"

	standard := rate("25.00", 0, 0)
	standard.ID = "standard"

	// List is priority-ordered; the first applicable wins.
	got, err := ResolveRate([]*repository.BillingRate{staffOnly, standard}, weekday, profile)
	require.NoError(t, err)
	assert.Equal(t, "standard", got.ID)
}

func TestResolveRateWeekendAndTimeOfDay(t *testing.T) {
	profile := &client.Profile{UserID: "u1", Role: "student"}
	saturday := time.Date(2026, 3, 7, 10, 0, 0, 0, time.UTC)
	weekdayEvening := time.Date(2026, 3, 4, 19, 30, 0, 0, time.UTC)

	weekend := rate("15.00", 0, 0)
	weekend.ID = "weekend"
	weekend.AppliesWeekendsOnly = true

	from, to := "18:00", "22:00"
	evening := rate("12.00", 0, 0)
	evening.ID = "evening"
	evening.AppliesWeekdaysOnly = true
	evening.AppliesFromTime = &from
	evening.AppliesToTime = &to

	standard := rate("25.00", 0, 0)
	standard.ID = "standard"

	rates := []*repository.BillingRate{weekend, evening, standard}

	got, err := ResolveRate(rates, saturday, profile)
	require.NoError(t, err)
	assert.Equal(t, "weekend", got.ID)

	got, err = ResolveRate(rates, weekdayEvening, profile)
	require.NoError(t, err)
	assert.Equal(t, "evening", got.ID)

	morning := time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)
	got, err = ResolveRate(rates, morning, profile)
	require.NoError(t, err)
	assert.Equal(t, "standard", got.ID)
}

func TestResolveRateValidityWindow(t *testing.T) {
	profile := &client.Profile{UserID: "u1", Role: "student"}

	expired := rate("5.00", 0, 0)
	expired.ID = "expired"
	until := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	expired.ValidUntil = &until

	current := rate("25.00", 0, 0)
	current.ID = "current"

	got, err := ResolveRate([]*repository.BillingRate{expired, current},
		time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC), profile)
	require.NoError(t, err)
	assert.Equal(t, "current", got.ID)

	// No rate applicable at all.
	got, err = ResolveRate([]*repository.BillingRate{expired},
		time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC), profile)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSettleWritesDraftRecord(t *testing.T) {
	billing := &fakeBilling{}
	billing.rates = append(billing.rates, rate("25.00", 30, 15))
	billing.periods = append(billing.periods, &repository.BillingPeriod{
		ID:        "bp-1",
		Name:      "2026-03",
		StartDate: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC),
		Status:    repository.PeriodActive,
		IsCurrent: true,
	})

	svc := NewBillingService(billing, testLogger())
	resource := &repository.Resource{ID: "laser", IsBillable: true}
	booking := &repository.Booking{ID: "bk-1", ResourceID: "laser", UserID: "u1"}
	profile := &client.Profile{UserID: "u1", Role: "student"}
	session := timeslot.Window{
		Start: time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 3, 4, 10, 37, 0, 0, time.UTC),
	}

	record, err := svc.Settle(context.Background(), nil, booking, resource, profile, session)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, repository.RecordDraft, record.Status)
	assert.Equal(t, "bp-1", record.BillingPeriodID)
	assert.Equal(t, int64(37), record.DurationMinutes)
	assert.Equal(t, int64(45), record.BillableMinutes)
	assert.Equal(t, "18.75", record.TotalCharge.StringFixed(2))
}

func TestSettleNonBillableResource(t *testing.T) {
	svc := NewBillingService(&fakeBilling{}, testLogger())
	resource := &repository.Resource{ID: "whiteboard", IsBillable: false}
	booking := &repository.Booking{ID: "bk-1", ResourceID: "whiteboard", UserID: "u1"}

	record, err := svc.Settle(context.Background(), nil, booking, resource,
		&client.Profile{UserID: "u1"}, window(10, 0, 11, 0))
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestAdjustChargeKeepsOriginal(t *testing.T) {
	billing := &fakeBilling{}
	svc := NewBillingService(billing, testLogger())

	rec := &repository.BillingRecord{
		BookingID:   "bk-1",
		TotalCharge: decimal.RequireFromString("18.75"),
		Status:      repository.RecordDraft,
	}
	require.NoError(t, billing.CreateRecord(context.Background(), nil, rec))

	err := svc.AdjustCharge(context.Background(), rec.ID, decimal.RequireFromString("10.00"), "rate misconfigured")
	require.NoError(t, err)
	assert.Equal(t, repository.RecordAdjusted, rec.Status)
	assert.Equal(t, "10.00", rec.TotalCharge.StringFixed(2))
	require.NotNil(t, rec.OriginalCharge)
	assert.Equal(t, "18.75", rec.OriginalCharge.StringFixed(2))

	err = svc.AdjustCharge(context.Background(), rec.ID, decimal.RequireFromString("-1"), "oops")
	assert.True(t, apperror.Is(err, apperror.CodeValidation))

	require.NoError(t, svc.ConfirmCharge(context.Background(), rec.ID))
	assert.Equal(t, repository.RecordConfirmed, rec.Status)
}

func TestSettleConfigurationErrors(t *testing.T) {
	resource := &repository.Resource{ID: "laser", IsBillable: true}
	booking := &repository.Booking{ID: "bk-1", ResourceID: "laser", UserID: "u1"}
	profile := &client.Profile{UserID: "u1", Role: "student"}
	session := timeslot.Window{
		Start: time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 3, 4, 11, 0, 0, 0, time.UTC),
	}

	// No rate configured.
	svc := NewBillingService(&fakeBilling{}, testLogger())
	_, err := svc.Settle(context.Background(), nil, booking, resource, profile, session)
	assert.True(t, apperror.Is(err, apperror.CodeConfiguration))

	// Rate exists but no billing period covers the session.
	billing := &fakeBilling{}
	billing.rates = append(billing.rates, rate("25.00", 0, 0))
	svc = NewBillingService(billing, testLogger())
	_, err = svc.Settle(context.Background(), nil, booking, resource, profile, session)
	assert.True(t, apperror.Is(err, apperror.CodeConfiguration))

	// Period exists but is closed.
	billing.periods = append(billing.periods, &repository.BillingPeriod{
		ID:        "bp-1",
		StartDate: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC),
		Status:    repository.PeriodClosed,
	})
	_, err = svc.Settle(context.Background(), nil, booking, resource, profile, session)
	assert.True(t, apperror.Is(err, apperror.CodeConflict))
}
