package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/labforge/be-lab-bookings/internal/apperror"
	"github.com/labforge/be-lab-bookings/internal/platform/database"
	"github.com/labforge/be-lab-bookings/internal/timeslot"
)

// BookingRepository handles reads and writes on bookings. The overlap
// and insert methods take a Querier so the admission path can run them
// inside one serializable transaction.
type BookingRepository struct {
	db *database.DB
}

// NewBookingRepository creates a new BookingRepository.
func NewBookingRepository(db *database.DB) *BookingRepository {
	return &BookingRepository{db: db}
}

const bookingColumns = `
	id, resource_id, user_id, title, start_time, end_time, status,
	approved_by, approved_at, rule_id,
	actual_start, actual_end, no_show, auto_checked_out,
	created_at, updated_at`

// Create inserts a booking. An exclusion constraint on
// (resource_id, tstzrange(start_time, end_time)) backs single-capacity
// resources; a rejected insert surfaces as a concurrency error so the
// admission path re-runs its conflict check and reports the winner.
func (r *BookingRepository) Create(ctx context.Context, q Querier, b *Booking) error {
	query := `
		INSERT INTO bookings
		    (resource_id, user_id, title, start_time, end_time, status, rule_id)
		VALUES ($1, $2, $3, $4, $5, $6::booking_status, $7)
		RETURNING id, created_at, updated_at
	`

	err := q.QueryRow(ctx, query,
		b.ResourceID,
		b.UserID,
		b.Title,
		b.StartTime,
		b.EndTime,
		b.Status,
		b.RuleID,
	).Scan(&b.ID, &b.CreatedAt, &b.UpdatedAt)

	if database.IsExclusionViolation(err) {
		return apperror.New(apperror.CodeConcurrency, "booking insert lost to a concurrent reservation")
	}
	return apperror.Wrap(err, apperror.CodeInternal, "failed to create booking")
}

// GetByID retrieves a booking by primary key.
func (r *BookingRepository) GetByID(ctx context.Context, id string) (*Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE id = $1`

	b, err := r.scanBooking(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, apperror.NotFound("booking", id)
	}
	return b, err
}

// ListOccupyingOverlaps returns bookings on the resource that hold
// capacity and intersect the half-open window. excludeID skips a
// booking being rescheduled.
func (r *BookingRepository) ListOccupyingOverlaps(
	ctx context.Context,
	q Querier,
	resourceID string,
	w timeslot.Window,
	excludeID *string,
) ([]*Booking, error) {
	query := `
		SELECT ` + bookingColumns + `
		FROM bookings
		WHERE resource_id = $1
		  AND status = ANY($2)
		  AND start_time < $4
		  AND end_time > $3
		  AND ($5::uuid IS NULL OR id <> $5)
		ORDER BY start_time ASC
	`

	rows, err := q.Query(ctx, query, resourceID, OccupyingStatuses, w.Start, w.End, excludeID)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.CodeInternal, "failed to list overlapping bookings")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// SumScheduledMinutes totals the scheduled minutes of the user's
// non-terminated bookings on the resource starting inside the window.
// Used by usage-based approval conditions.
func (r *BookingRepository) SumScheduledMinutes(
	ctx context.Context,
	userID, resourceID string,
	w timeslot.Window,
) (int64, error) {
	query := `
		SELECT COALESCE(SUM(EXTRACT(EPOCH FROM end_time - start_time) / 60)::bigint, 0)
		FROM bookings
		WHERE user_id = $1
		  AND resource_id = $2
		  AND status NOT IN ('rejected', 'cancelled')
		  AND start_time >= $3
		  AND start_time < $4
	`

	var minutes int64
	err := r.db.QueryRow(ctx, query, userID, resourceID, w.Start, w.End).Scan(&minutes)
	return minutes, apperror.Wrap(err, apperror.CodeInternal, "failed to sum scheduled minutes")
}

// SetStatus moves a booking to the given status.
func (r *BookingRepository) SetStatus(ctx context.Context, q Querier, id, status string) error {
	query := `
		UPDATE bookings
		SET status = $2::booking_status, updated_at = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := q.QueryRow(ctx, query, id, status).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return apperror.NotFound("booking", id)
	}
	return apperror.Wrap(err, apperror.CodeInternal, "failed to update booking status")
}

// Approve marks a pending booking approved, recording the approver.
// A booking no longer pending reports a conflict.
func (r *BookingRepository) Approve(ctx context.Context, q Querier, id, approverID string) error {
	query := `
		UPDATE bookings
		SET status      = 'approved'::booking_status,
		    approved_by = $2,
		    approved_at = NOW(),
		    updated_at  = NOW()
		WHERE id = $1
		  AND status = 'pending'
		RETURNING id
	`

	var returnedID string
	err := q.QueryRow(ctx, query, id, approverID).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return apperror.New(apperror.CodeConflict, "booking is not pending approval")
	}
	return apperror.Wrap(err, apperror.CodeInternal, "failed to approve booking")
}

// CheckIn stamps the actual session start and moves the booking to
// in_progress. Only approved bookings can check in.
func (r *BookingRepository) CheckIn(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE bookings
		SET status       = 'in_progress'::booking_status,
		    actual_start = $2,
		    updated_at   = NOW()
		WHERE id = $1
		  AND status = 'approved'
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, at).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return apperror.New(apperror.CodeConflict, "booking is not approved for check-in")
	}
	return apperror.Wrap(err, apperror.CodeInternal, "failed to check in booking")
}

// CheckOut stamps the actual session end and completes the booking.
func (r *BookingRepository) CheckOut(ctx context.Context, id string, at time.Time, autoCheckedOut bool) error {
	query := `
		UPDATE bookings
		SET status           = 'completed'::booking_status,
		    actual_end       = $2,
		    auto_checked_out = $3,
		    updated_at       = NOW()
		WHERE id = $1
		  AND status = 'in_progress'
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, at, autoCheckedOut).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return apperror.New(apperror.CodeConflict, "booking is not in progress")
	}
	return apperror.Wrap(err, apperror.CodeInternal, "failed to check out booking")
}

// MarkNoShow completes an approved booking that was never checked in.
func (r *BookingRepository) MarkNoShow(ctx context.Context, id string) error {
	query := `
		UPDATE bookings
		SET status     = 'completed'::booking_status,
		    no_show    = TRUE,
		    updated_at = NOW()
		WHERE id = $1
		  AND status = 'approved'
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return apperror.New(apperror.CodeConflict, "booking is not approved")
	}
	return apperror.Wrap(err, apperror.CodeInternal, "failed to mark no-show")
}

// ListInProgressPastEnd returns in-progress bookings whose scheduled end
// has passed, candidates for automatic check-out.
func (r *BookingRepository) ListInProgressPastEnd(ctx context.Context, now time.Time) ([]*Booking, error) {
	query := `
		SELECT ` + bookingColumns + `
		FROM bookings
		WHERE status = 'in_progress'
		  AND end_time <= $1
		ORDER BY end_time ASC
	`

	rows, err := r.db.Query(ctx, query, now)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.CodeInternal, "failed to list expired sessions")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ── scan helpers ─────────────────────────────────────────────────────────────

type bookingScanner interface {
	Scan(dest ...any) error
}

func (r *BookingRepository) scanBooking(row bookingScanner) (*Booking, error) {
	b := &Booking{}
	err := row.Scan(
		&b.ID,
		&b.ResourceID,
		&b.UserID,
		&b.Title,
		&b.StartTime,
		&b.EndTime,
		&b.Status,
		&b.ApprovedBy,
		&b.ApprovedAt,
		&b.RuleID,
		&b.ActualStart,
		&b.ActualEnd,
		&b.NoShow,
		&b.AutoChecked,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (r *BookingRepository) scanRows(rows pgx.Rows) ([]*Booking, error) {
	var bookings []*Booking
	for rows.Next() {
		b, err := r.scanBooking(rows)
		if err != nil {
			return nil, apperror.Wrap(err, apperror.CodeInternal, "failed to scan booking")
		}
		bookings = append(bookings, b)
	}
	return bookings, nil
}
