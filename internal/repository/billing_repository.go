package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/labforge/be-lab-bookings/internal/apperror"
	"github.com/labforge/be-lab-bookings/internal/platform/database"
)

// BillingRepository handles rates, billing periods and settled records.
type BillingRepository struct {
	db *database.DB
}

// NewBillingRepository creates a new BillingRepository.
func NewBillingRepository(db *database.DB) *BillingRepository {
	return &BillingRepository{db: db}
}

const rateColumns = `
	id, resource_id, rate_type, hourly_rate, minimum_charge_minutes,
	rounding_minutes, user_type, department_id,
	applies_from_time, applies_to_time,
	applies_weekdays_only, applies_weekends_only,
	valid_from, valid_until, priority, is_active, created_at`

// CreateRate inserts a billing rate.
func (r *BillingRepository) CreateRate(ctx context.Context, rate *BillingRate) error {
	query := `
		INSERT INTO billing_rates
		    (resource_id, rate_type, hourly_rate, minimum_charge_minutes,
		     rounding_minutes, user_type, department_id,
		     applies_from_time, applies_to_time,
		     applies_weekdays_only, applies_weekends_only,
		     valid_from, valid_until, priority, is_active)
		VALUES ($1, $2, $3, $4,
		        $5, $6, $7,
		        $8, $9,
		        $10, $11,
		        $12, $13, $14, $15)
		RETURNING id, created_at
	`

	err := r.db.QueryRow(ctx, query,
		rate.ResourceID,
		rate.RateType,
		rate.HourlyRate,
		rate.MinimumChargeMinutes,
		rate.RoundingMinutes,
		rate.UserType,
		rate.DepartmentID,
		rate.AppliesFromTime,
		rate.AppliesToTime,
		rate.AppliesWeekdaysOnly,
		rate.AppliesWeekendsOnly,
		rate.ValidFrom,
		rate.ValidUntil,
		rate.Priority,
		rate.IsActive,
	).Scan(&rate.ID, &rate.CreatedAt)
	return apperror.Wrap(err, apperror.CodeInternal, "failed to create billing rate")
}

// ListActiveRates returns active rates for a resource, higher priority
// first with newer rates breaking ties. Applicability filtering against
// the session happens in Go.
func (r *BillingRepository) ListActiveRates(ctx context.Context, resourceID string) ([]*BillingRate, error) {
	query := `
		SELECT ` + rateColumns + `
		FROM billing_rates
		WHERE resource_id = $1
		  AND is_active = TRUE
		ORDER BY priority DESC, created_at DESC
	`

	rows, err := r.db.Query(ctx, query, resourceID)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.CodeInternal, "failed to list billing rates")
	}
	defer rows.Close()

	var rates []*BillingRate
	for rows.Next() {
		rate := &BillingRate{}
		err := rows.Scan(
			&rate.ID,
			&rate.ResourceID,
			&rate.RateType,
			&rate.HourlyRate,
			&rate.MinimumChargeMinutes,
			&rate.RoundingMinutes,
			&rate.UserType,
			&rate.DepartmentID,
			&rate.AppliesFromTime,
			&rate.AppliesToTime,
			&rate.AppliesWeekdaysOnly,
			&rate.AppliesWeekendsOnly,
			&rate.ValidFrom,
			&rate.ValidUntil,
			&rate.Priority,
			&rate.IsActive,
			&rate.CreatedAt,
		)
		if err != nil {
			return nil, apperror.Wrap(err, apperror.CodeInternal, "failed to scan billing rate")
		}
		rates = append(rates, rate)
	}
	return rates, nil
}

const billingPeriodColumns = `
	id, name, start_date, end_date, status, is_current, created_at, closed_at`

// CreatePeriod inserts a billing period.
func (r *BillingRepository) CreatePeriod(ctx context.Context, p *BillingPeriod) error {
	query := `
		INSERT INTO billing_periods
		    (name, start_date, end_date, status, is_current)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`

	err := r.db.QueryRow(ctx, query,
		p.Name,
		p.StartDate,
		p.EndDate,
		p.Status,
		p.IsCurrent,
	).Scan(&p.ID, &p.CreatedAt)
	return apperror.Wrap(err, apperror.CodeInternal, "failed to create billing period")
}

// GetCurrentPeriod returns the current billing period, or nil when none
// is marked current.
func (r *BillingRepository) GetCurrentPeriod(ctx context.Context) (*BillingPeriod, error) {
	query := `SELECT ` + billingPeriodColumns + ` FROM billing_periods WHERE is_current = TRUE LIMIT 1`

	p, err := r.scanPeriod(r.db.QueryRow(ctx, query))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return p, err
}

// FindPeriodCovering returns the period whose date range contains t, or
// nil when no period covers it.
func (r *BillingRepository) FindPeriodCovering(ctx context.Context, t time.Time) (*BillingPeriod, error) {
	query := `
		SELECT ` + billingPeriodColumns + `
		FROM billing_periods
		WHERE start_date <= $1::date
		  AND end_date >= $1::date
		ORDER BY start_date DESC
		LIMIT 1
	`

	p, err := r.scanPeriod(r.db.QueryRow(ctx, query, t))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return p, err
}

// SetCurrentPeriod makes the given period current, clearing the flag on
// every other period in the same transaction so exactly one row carries
// it.
func (r *BillingRepository) SetCurrentPeriod(ctx context.Context, id string) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `UPDATE billing_periods SET is_current = FALSE WHERE is_current = TRUE AND id <> $1`, id); err != nil {
			return apperror.Wrap(err, apperror.CodeInternal, "failed to clear current billing period")
		}

		var returnedID string
		err := tx.QueryRow(ctx, `
			UPDATE billing_periods
			SET is_current = TRUE, status = 'active'
			WHERE id = $1
			RETURNING id
		`, id).Scan(&returnedID)
		if err == pgx.ErrNoRows {
			return apperror.NotFound("billing_period", id)
		}
		return apperror.Wrap(err, apperror.CodeInternal, "failed to set current billing period")
	})
}

// ClosePeriod marks a period closed. Closed periods no longer accept
// new billing records.
func (r *BillingRepository) ClosePeriod(ctx context.Context, id string) error {
	query := `
		UPDATE billing_periods
		SET status = 'closed', is_current = FALSE, closed_at = NOW()
		WHERE id = $1
		  AND status <> 'closed'
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return apperror.New(apperror.CodeConflict, "billing period not found or already closed")
	}
	return apperror.Wrap(err, apperror.CodeInternal, "failed to close billing period")
}

const recordColumns = `
	id, booking_id, billing_period_id, rate_id, resource_id, user_id,
	department_id, session_start, session_end,
	duration_minutes, billable_minutes, billable_hours,
	hourly_rate_applied, total_charge, status,
	original_charge, adjustment_reason, created_at`

// CreateRecord inserts a settled billing record. One record per booking
// is enforced by a unique constraint; a second settlement reports a
// conflict.
func (r *BillingRepository) CreateRecord(ctx context.Context, q Querier, rec *BillingRecord) error {
	query := `
		INSERT INTO billing_records
		    (booking_id, billing_period_id, rate_id, resource_id, user_id,
		     department_id, session_start, session_end,
		     duration_minutes, billable_minutes, billable_hours,
		     hourly_rate_applied, total_charge, status)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8,
		        $9, $10, $11,
		        $12, $13, $14)
		RETURNING id, created_at
	`

	err := q.QueryRow(ctx, query,
		rec.BookingID,
		rec.BillingPeriodID,
		rec.RateID,
		rec.ResourceID,
		rec.UserID,
		rec.DepartmentID,
		rec.SessionStart,
		rec.SessionEnd,
		rec.DurationMinutes,
		rec.BillableMinutes,
		rec.BillableHours,
		rec.HourlyRateApplied,
		rec.TotalCharge,
		rec.Status,
	).Scan(&rec.ID, &rec.CreatedAt)

	if database.IsUniqueViolation(err) {
		return apperror.New(apperror.CodeConflict, "booking already has a billing record")
	}
	return apperror.Wrap(err, apperror.CodeInternal, "failed to create billing record")
}

// GetRecordByBooking returns the billing record for a booking, or nil
// when the booking has not settled yet.
func (r *BillingRepository) GetRecordByBooking(ctx context.Context, bookingID string) (*BillingRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM billing_records WHERE booking_id = $1`

	rec, err := r.scanRecord(r.db.QueryRow(ctx, query, bookingID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

// ConfirmRecord moves a draft record to confirmed.
func (r *BillingRepository) ConfirmRecord(ctx context.Context, id string) error {
	query := `
		UPDATE billing_records
		SET status = 'confirmed'
		WHERE id = $1
		  AND status = 'draft'
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return apperror.New(apperror.CodeConflict, "billing record is not a draft")
	}
	return apperror.Wrap(err, apperror.CodeInternal, "failed to confirm billing record")
}

// AdjustRecord replaces the charge of a confirmed record, preserving
// the original amount and recording the reason.
func (r *BillingRepository) AdjustRecord(ctx context.Context, id string, newCharge decimal.Decimal, reason string) error {
	query := `
		UPDATE billing_records
		SET original_charge   = COALESCE(original_charge, total_charge),
		    total_charge      = $2,
		    adjustment_reason = $3,
		    status            = 'adjusted'
		WHERE id = $1
		  AND status IN ('confirmed', 'adjusted')
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, newCharge, reason).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return apperror.New(apperror.CodeConflict, "billing record cannot be adjusted")
	}
	return apperror.Wrap(err, apperror.CodeInternal, "failed to adjust billing record")
}

// ── scan helpers ─────────────────────────────────────────────────────────────

type billingScanner interface {
	Scan(dest ...any) error
}

func (r *BillingRepository) scanPeriod(row billingScanner) (*BillingPeriod, error) {
	p := &BillingPeriod{}
	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.StartDate,
		&p.EndDate,
		&p.Status,
		&p.IsCurrent,
		&p.CreatedAt,
		&p.ClosedAt,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (r *BillingRepository) scanRecord(row billingScanner) (*BillingRecord, error) {
	rec := &BillingRecord{}
	err := row.Scan(
		&rec.ID,
		&rec.BookingID,
		&rec.BillingPeriodID,
		&rec.RateID,
		&rec.ResourceID,
		&rec.UserID,
		&rec.DepartmentID,
		&rec.SessionStart,
		&rec.SessionEnd,
		&rec.DurationMinutes,
		&rec.BillableMinutes,
		&rec.BillableHours,
		&rec.HourlyRateApplied,
		&rec.TotalCharge,
		&rec.Status,
		&rec.OriginalCharge,
		&rec.AdjustmentReason,
		&rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return rec, nil
}
