package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/labforge/be-lab-bookings/internal/apperror"
	"github.com/labforge/be-lab-bookings/internal/platform/database"
	"github.com/labforge/be-lab-bookings/internal/timeslot"
)

// QuotaRepository handles quota allocations, per-user period ledgers
// and the append-only usage log. Period rows are locked with
// SELECT ... FOR UPDATE so concurrent debits against the same quota
// serialize instead of double-spending.
type QuotaRepository struct {
	db *database.DB
}

// NewQuotaRepository creates a new QuotaRepository.
func NewQuotaRepository(db *database.DB) *QuotaRepository {
	return &QuotaRepository{db: db}
}

const allocationColumns = `
	id, name, user_roles, department_id, resource_id, period_type,
	quota_minutes, auto_approve_within_quota, allow_overdraft,
	overdraft_limit_minutes, require_approval_over_quota,
	priority, is_active, created_at`

// CreateAllocation inserts a quota allocation.
func (r *QuotaRepository) CreateAllocation(ctx context.Context, a *QuotaAllocation) error {
	query := `
		INSERT INTO quota_allocations
		    (name, user_roles, department_id, resource_id, period_type,
		     quota_minutes, auto_approve_within_quota, allow_overdraft,
		     overdraft_limit_minutes, require_approval_over_quota,
		     priority, is_active)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8,
		        $9, $10,
		        $11, $12)
		RETURNING id, created_at
	`

	err := r.db.QueryRow(ctx, query,
		a.Name,
		a.UserRoles,
		a.DepartmentID,
		a.ResourceID,
		a.PeriodType,
		a.QuotaMinutes,
		a.AutoApproveWithinQuota,
		a.AllowOverdraft,
		a.OverdraftLimitMinutes,
		a.RequireApprovalOverQuota,
		a.Priority,
		a.IsActive,
	).Scan(&a.ID, &a.CreatedAt)
	return apperror.Wrap(err, apperror.CodeInternal, "failed to create quota allocation")
}

// GetAllocationByID retrieves an allocation by primary key.
func (r *QuotaRepository) GetAllocationByID(ctx context.Context, id string) (*QuotaAllocation, error) {
	query := `SELECT ` + allocationColumns + ` FROM quota_allocations WHERE id = $1`

	a, err := r.scanAllocation(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, apperror.NotFound("quota_allocation", id)
	}
	return a, err
}

// ListActiveAllocations returns active allocations, higher priority
// first. Scope matching against the requester happens in Go.
func (r *QuotaRepository) ListActiveAllocations(ctx context.Context) ([]*QuotaAllocation, error) {
	query := `
		SELECT ` + allocationColumns + `
		FROM quota_allocations
		WHERE is_active = TRUE
		ORDER BY priority DESC, created_at DESC
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.CodeInternal, "failed to list quota allocations")
	}
	defer rows.Close()

	var allocations []*QuotaAllocation
	for rows.Next() {
		a, err := r.scanAllocation(rows)
		if err != nil {
			return nil, apperror.Wrap(err, apperror.CodeInternal, "failed to scan quota allocation")
		}
		allocations = append(allocations, a)
	}
	return allocations, nil
}

const periodColumns = `
	id, user_id, allocation_id, period_start, period_end,
	used_minutes, reserved_minutes, overdraft_used_minutes, updated_at`

// GetOrCreatePeriodForUpdate returns the ledger row for (user,
// allocation, period), creating a zeroed one if absent, and locks it
// for the remainder of the transaction. Must run inside a transaction.
func (r *QuotaRepository) GetOrCreatePeriodForUpdate(
	ctx context.Context,
	tx pgx.Tx,
	userID, allocationID string,
	period timeslot.Window,
) (*UserQuotaPeriod, error) {
	insert := `
		INSERT INTO user_quota_periods
		    (user_id, allocation_id, period_start, period_end)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, allocation_id, period_start) DO NOTHING
	`
	if _, err := tx.Exec(ctx, insert, userID, allocationID, period.Start, period.End); err != nil {
		return nil, apperror.Wrap(err, apperror.CodeInternal, "failed to ensure quota period")
	}

	query := `
		SELECT ` + periodColumns + `
		FROM user_quota_periods
		WHERE user_id = $1 AND allocation_id = $2 AND period_start = $3
		FOR UPDATE
	`

	p := &UserQuotaPeriod{}
	err := tx.QueryRow(ctx, query, userID, allocationID, period.Start).Scan(
		&p.ID,
		&p.UserID,
		&p.AllocationID,
		&p.PeriodStart,
		&p.PeriodEnd,
		&p.UsedMinutes,
		&p.ReservedMinutes,
		&p.OverdraftUsedMinutes,
		&p.UpdatedAt,
	)
	return p, apperror.Wrap(err, apperror.CodeInternal, "failed to lock quota period")
}

// GetPeriod reads a ledger row without locking, for status queries.
// Returns nil when the user has no activity in the period yet.
func (r *QuotaRepository) GetPeriod(
	ctx context.Context,
	userID, allocationID string,
	periodStart timeslot.Window,
) (*UserQuotaPeriod, error) {
	query := `
		SELECT ` + periodColumns + `
		FROM user_quota_periods
		WHERE user_id = $1 AND allocation_id = $2 AND period_start = $3
	`

	p := &UserQuotaPeriod{}
	err := r.db.QueryRow(ctx, query, userID, allocationID, periodStart.Start).Scan(
		&p.ID,
		&p.UserID,
		&p.AllocationID,
		&p.PeriodStart,
		&p.PeriodEnd,
		&p.UsedMinutes,
		&p.ReservedMinutes,
		&p.OverdraftUsedMinutes,
		&p.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return p, apperror.Wrap(err, apperror.CodeInternal, "failed to get quota period")
}

// SavePeriod writes back the mutated counters of a locked ledger row.
func (r *QuotaRepository) SavePeriod(ctx context.Context, q Querier, p *UserQuotaPeriod) error {
	query := `
		UPDATE user_quota_periods
		SET used_minutes           = $2,
		    reserved_minutes       = $3,
		    overdraft_used_minutes = $4,
		    updated_at             = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err := q.QueryRow(ctx, query,
		p.ID,
		p.UsedMinutes,
		p.ReservedMinutes,
		p.OverdraftUsedMinutes,
	).Scan(&p.UpdatedAt)
	if err == pgx.ErrNoRows {
		return apperror.NotFound("quota_period", p.ID)
	}
	return apperror.Wrap(err, apperror.CodeInternal, "failed to save quota period")
}

// AppendUsage writes one immutable ledger audit entry.
func (r *QuotaRepository) AppendUsage(ctx context.Context, q Querier, e *QuotaUsageEntry) error {
	query := `
		INSERT INTO quota_usage_entries
		    (quota_period_id, booking_id, amount_minutes, entry_type, description)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`

	err := q.QueryRow(ctx, query,
		e.QuotaPeriodID,
		e.BookingID,
		e.AmountMinutes,
		e.EntryType,
		e.Description,
	).Scan(&e.ID, &e.CreatedAt)
	return apperror.Wrap(err, apperror.CodeInternal, "failed to append quota usage entry")
}

// ListUsageForBooking returns the ledger entries tied to one booking.
func (r *QuotaRepository) ListUsageForBooking(ctx context.Context, q Querier, bookingID string) ([]*QuotaUsageEntry, error) {
	query := `
		SELECT id, quota_period_id, booking_id, amount_minutes,
		       entry_type, description, created_at
		FROM quota_usage_entries
		WHERE booking_id = $1
		ORDER BY created_at ASC
	`

	rows, err := q.Query(ctx, query, bookingID)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.CodeInternal, "failed to list quota usage entries")
	}
	defer rows.Close()

	var entries []*QuotaUsageEntry
	for rows.Next() {
		e := &QuotaUsageEntry{}
		err := rows.Scan(
			&e.ID,
			&e.QuotaPeriodID,
			&e.BookingID,
			&e.AmountMinutes,
			&e.EntryType,
			&e.Description,
			&e.CreatedAt,
		)
		if err != nil {
			return nil, apperror.Wrap(err, apperror.CodeInternal, "failed to scan quota usage entry")
		}
		entries = append(entries, e)
	}
	return entries, nil
}

type allocationScanner interface {
	Scan(dest ...any) error
}

func (r *QuotaRepository) scanAllocation(row allocationScanner) (*QuotaAllocation, error) {
	a := &QuotaAllocation{}
	err := row.Scan(
		&a.ID,
		&a.Name,
		&a.UserRoles,
		&a.DepartmentID,
		&a.ResourceID,
		&a.PeriodType,
		&a.QuotaMinutes,
		&a.AutoApproveWithinQuota,
		&a.AllowOverdraft,
		&a.OverdraftLimitMinutes,
		&a.RequireApprovalOverQuota,
		&a.Priority,
		&a.IsActive,
		&a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}
