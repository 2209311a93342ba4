package service

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/labforge/be-lab-bookings/internal/apperror"
	"github.com/labforge/be-lab-bookings/internal/client"
	"github.com/labforge/be-lab-bookings/internal/platform/logger"
	"github.com/labforge/be-lab-bookings/internal/repository"
	"github.com/labforge/be-lab-bookings/internal/timeslot"
)

var minutesPerHour = decimal.NewFromInt(60)

// ChargeResult is the priced outcome of one usage session.
type ChargeResult struct {
	DurationMinutes int64           `json:"duration_minutes"`
	BillableMinutes int64           `json:"billable_minutes"`
	BillableHours   decimal.Decimal `json:"billable_hours"`
	HourlyRate      decimal.Decimal `json:"hourly_rate"`
	TotalCharge     decimal.Decimal `json:"total_charge"`
}

// BillingService resolves the applicable rate for a session, prices it
// and writes the settlement record.
type BillingService struct {
	billing BillingStore
	log     *logger.Logger
}

// NewBillingService creates a new BillingService.
func NewBillingService(billing BillingStore, log *logger.Logger) *BillingService {
	return &BillingService{billing: billing, log: log}
}

// CalculateCharge prices a session duration under a rate: the minimum
// charge floor applies first, then rounding up to the rate's increment,
// then hours times hourly rate with the money amount rounded half-up to
// cents.
func CalculateCharge(rate *repository.BillingRate, durationMinutes int64) ChargeResult {
	billable := durationMinutes
	if billable < int64(rate.MinimumChargeMinutes) {
		billable = int64(rate.MinimumChargeMinutes)
	}
	billable = timeslot.RoundUpMinutes(billable, int64(rate.RoundingMinutes))

	hours := decimal.NewFromInt(billable).Div(minutesPerHour)
	total := rate.HourlyRate.Mul(hours).Round(2)

	return ChargeResult{
		DurationMinutes: durationMinutes,
		BillableMinutes: billable,
		BillableHours:   hours,
		HourlyRate:      rate.HourlyRate,
		TotalCharge:     total,
	}
}

// ResolveRate returns the first rate in the (priority-ordered) list
// applicable to the session and user, or nil when none applies.
func ResolveRate(rates []*repository.BillingRate, sessionStart time.Time, profile *client.Profile) (*repository.BillingRate, error) {
	for _, rate := range rates {
		ok, err := rateApplies(rate, sessionStart, profile)
		if err != nil {
			return nil, err
		}
		if ok {
			return rate, nil
		}
	}
	return nil, nil
}

func rateApplies(rate *repository.BillingRate, sessionStart time.Time, profile *client.Profile) (bool, error) {
	if rate.UserType != "" && rate.UserType != "all" && rate.UserType != profile.Role {
		return false, nil
	}
	if rate.DepartmentID != nil {
		if profile.DepartmentID == nil || *profile.DepartmentID != *rate.DepartmentID {
			return false, nil
		}
	}

	if sessionStart.Before(rate.ValidFrom) {
		return false, nil
	}
	if rate.ValidUntil != nil && !sessionStart.Before(*rate.ValidUntil) {
		return false, nil
	}

	weekend := timeslot.IsWeekend(sessionStart)
	if rate.AppliesWeekdaysOnly && weekend {
		return false, nil
	}
	if rate.AppliesWeekendsOnly && !weekend {
		return false, nil
	}

	if rate.AppliesFromTime != nil || rate.AppliesToTime != nil {
		minute := timeslot.MinuteOfDay(sessionStart)
		if rate.AppliesFromTime != nil {
			from, err := parseClockMinute(*rate.AppliesFromTime)
			if err != nil {
				return false, apperror.Wrap(err, apperror.CodeConfiguration,
					fmt.Sprintf("rate %q has an invalid applies_from_time", rate.ID))
			}
			if minute < from {
				return false, nil
			}
		}
		if rate.AppliesToTime != nil {
			to, err := parseClockMinute(*rate.AppliesToTime)
			if err != nil {
				return false, apperror.Wrap(err, apperror.CodeConfiguration,
					fmt.Sprintf("rate %q has an invalid applies_to_time", rate.ID))
			}
			if minute >= to {
				return false, nil
			}
		}
	}

	return true, nil
}

func parseClockMinute(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// RecordFor returns the settlement record for a booking, or nil when
// it has not settled.
func (s *BillingService) RecordFor(ctx context.Context, bookingID string) (*repository.BillingRecord, error) {
	return s.billing.GetRecordByBooking(ctx, bookingID)
}

// Settle prices a completed session and writes a draft billing record
// into the billing period covering the actual start. Non-billable
// resources settle without a record.
func (s *BillingService) Settle(
	ctx context.Context,
	q repository.Querier,
	booking *repository.Booking,
	resource *repository.Resource,
	profile *client.Profile,
	session timeslot.Window,
) (*repository.BillingRecord, error) {
	if !resource.IsBillable {
		return nil, nil
	}

	rates, err := s.billing.ListActiveRates(ctx, resource.ID)
	if err != nil {
		return nil, err
	}
	rate, err := ResolveRate(rates, session.Start, profile)
	if err != nil {
		return nil, err
	}
	if rate == nil {
		return nil, apperror.Newf(apperror.CodeConfiguration,
			"no billing rate applies to resource %q for this session", resource.ID)
	}

	period, err := s.billing.FindPeriodCovering(ctx, session.Start)
	if err != nil {
		return nil, err
	}
	if period == nil {
		return nil, apperror.Newf(apperror.CodeConfiguration,
			"no billing period covers session start %s", session.Start.Format("2006-01-02"))
	}
	if period.Status == repository.PeriodClosed {
		return nil, apperror.Newf(apperror.CodeConflict,
			"billing period %q is closed", period.Name)
	}

	charge := CalculateCharge(rate, session.Minutes())

	record := &repository.BillingRecord{
		BookingID:         booking.ID,
		BillingPeriodID:   period.ID,
		RateID:            &rate.ID,
		ResourceID:        resource.ID,
		UserID:            booking.UserID,
		DepartmentID:      profile.DepartmentID,
		SessionStart:      session.Start,
		SessionEnd:        session.End,
		DurationMinutes:   charge.DurationMinutes,
		BillableMinutes:   charge.BillableMinutes,
		BillableHours:     charge.BillableHours,
		HourlyRateApplied: charge.HourlyRate,
		TotalCharge:       charge.TotalCharge,
		Status:            repository.RecordDraft,
	}
	if err := s.billing.CreateRecord(ctx, q, record); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("booking_id", booking.ID).
		Str("rate_id", rate.ID).
		Int64("billable_minutes", charge.BillableMinutes).
		Str("total_charge", charge.TotalCharge.StringFixed(2)).
		Msg("usage settled")
	return record, nil
}

// ConfirmCharge finalizes a draft record.
func (s *BillingService) ConfirmCharge(ctx context.Context, recordID string) error {
	return s.billing.ConfirmRecord(ctx, recordID)
}

// AdjustCharge corrects a record's charge, preserving the original
// amount and the reason for the correction.
func (s *BillingService) AdjustCharge(ctx context.Context, recordID string, newCharge decimal.Decimal, reason string) error {
	if newCharge.IsNegative() {
		return apperror.InvalidInput("new_charge", "must not be negative")
	}
	if reason == "" {
		return apperror.InvalidInput("reason", "must not be empty")
	}
	return s.billing.AdjustRecord(ctx, recordID, newCharge, reason)
}
