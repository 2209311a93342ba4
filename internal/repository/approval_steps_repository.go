package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/labforge/be-lab-bookings/internal/apperror"
	"github.com/labforge/be-lab-bookings/internal/platform/database"
)

// ApprovalStepsRepository handles the per-approver sign-off units a
// tiered rule materializes for a booking.
type ApprovalStepsRepository struct {
	db *database.DB
}

// NewApprovalStepsRepository creates a new ApprovalStepsRepository.
func NewApprovalStepsRepository(db *database.DB) *ApprovalStepsRepository {
	return &ApprovalStepsRepository{db: db}
}

const stepColumns = `
	id, booking_id, rule_id, tier_level, approver_id, status,
	deadline, acted_at, comments, created_at, updated_at`

// CreateBatch inserts the steps of one tier together.
func (r *ApprovalStepsRepository) CreateBatch(ctx context.Context, q Querier, steps []*ApprovalStep) error {
	query := `
		INSERT INTO approval_steps
		    (booking_id, rule_id, tier_level, approver_id, status, deadline)
		VALUES ($1, $2, $3, $4, $5::approval_step_status, $6)
		RETURNING id, created_at, updated_at
	`

	for _, step := range steps {
		err := q.QueryRow(ctx, query,
			step.BookingID,
			step.RuleID,
			step.TierLevel,
			step.ApproverID,
			step.Status,
			step.Deadline,
		).Scan(&step.ID, &step.CreatedAt, &step.UpdatedAt)
		if err != nil {
			return apperror.Wrap(err, apperror.CodeInternal, "failed to create approval step")
		}
	}
	return nil
}

// GetByID retrieves a step by primary key.
func (r *ApprovalStepsRepository) GetByID(ctx context.Context, id string) (*ApprovalStep, error) {
	query := `SELECT ` + stepColumns + ` FROM approval_steps WHERE id = $1`

	step, err := r.scanStep(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, apperror.NotFound("approval_step", id)
	}
	return step, err
}

// ListByBooking returns all steps for a booking ordered by tier then
// creation time.
func (r *ApprovalStepsRepository) ListByBooking(ctx context.Context, q Querier, bookingID string) ([]*ApprovalStep, error) {
	query := `
		SELECT ` + stepColumns + `
		FROM approval_steps
		WHERE booking_id = $1
		ORDER BY tier_level ASC, created_at ASC
	`

	rows, err := q.Query(ctx, query, bookingID)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.CodeInternal, "failed to list approval steps")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ListPendingForUser returns pending steps assigned to the approver,
// soonest deadline first.
func (r *ApprovalStepsRepository) ListPendingForUser(ctx context.Context, approverID string) ([]*ApprovalStep, error) {
	query := `
		SELECT ` + stepColumns + `
		FROM approval_steps
		WHERE approver_id = $1
		  AND status = 'pending'
		ORDER BY deadline ASC NULLS LAST, created_at ASC
	`

	rows, err := r.db.Query(ctx, query, approverID)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.CodeInternal, "failed to list pending approvals")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ListOverdue returns pending steps whose deadline has passed.
func (r *ApprovalStepsRepository) ListOverdue(ctx context.Context, now time.Time) ([]*ApprovalStep, error) {
	query := `
		SELECT ` + stepColumns + `
		FROM approval_steps
		WHERE status = 'pending'
		  AND deadline IS NOT NULL
		  AND deadline < $1
		ORDER BY deadline ASC
	`

	rows, err := r.db.Query(ctx, query, now)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.CodeInternal, "failed to list overdue steps")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// RecordAction moves a pending step to approved or rejected. Acting on
// a step that already left pending reports a conflict, which keeps two
// concurrent decisions on the same step from both counting.
func (r *ApprovalStepsRepository) RecordAction(ctx context.Context, q Querier, id, status, comments string) error {
	query := `
		UPDATE approval_steps
		SET status     = $2::approval_step_status,
		    acted_at   = NOW(),
		    comments   = $3,
		    updated_at = NOW()
		WHERE id = $1
		  AND status = 'pending'
		RETURNING id
	`

	var returnedID string
	err := q.QueryRow(ctx, query, id, status, comments).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return apperror.New(apperror.CodeConflict, "approval step is no longer pending")
	}
	return apperror.Wrap(err, apperror.CodeInternal, "failed to record step action")
}

// WithdrawPending marks every remaining pending step of a booking
// withdrawn, optionally sparing one step.
func (r *ApprovalStepsRepository) WithdrawPending(ctx context.Context, q Querier, bookingID string, exceptID *string) error {
	query := `
		UPDATE approval_steps
		SET status     = 'withdrawn'::approval_step_status,
		    updated_at = NOW()
		WHERE booking_id = $1
		  AND status = 'pending'
		  AND ($2::uuid IS NULL OR id <> $2)
	`

	_, err := q.Exec(ctx, query, bookingID, exceptID)
	return apperror.Wrap(err, apperror.CodeInternal, "failed to withdraw pending steps")
}

// MarkEscalated flags a pending step as escalated past its deadline.
func (r *ApprovalStepsRepository) MarkEscalated(ctx context.Context, q Querier, id string) error {
	query := `
		UPDATE approval_steps
		SET status     = 'escalated'::approval_step_status,
		    updated_at = NOW()
		WHERE id = $1
		  AND status = 'pending'
		RETURNING id
	`

	var returnedID string
	err := q.QueryRow(ctx, query, id).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return apperror.New(apperror.CodeConflict, "approval step is no longer pending")
	}
	return apperror.Wrap(err, apperror.CodeInternal, "failed to escalate step")
}

// ── scan helpers ─────────────────────────────────────────────────────────────

type stepScanner interface {
	Scan(dest ...any) error
}

func (r *ApprovalStepsRepository) scanStep(row stepScanner) (*ApprovalStep, error) {
	s := &ApprovalStep{}
	err := row.Scan(
		&s.ID,
		&s.BookingID,
		&s.RuleID,
		&s.TierLevel,
		&s.ApproverID,
		&s.Status,
		&s.Deadline,
		&s.ActedAt,
		&s.Comments,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r *ApprovalStepsRepository) scanRows(rows pgx.Rows) ([]*ApprovalStep, error) {
	var steps []*ApprovalStep
	for rows.Next() {
		s, err := r.scanStep(rows)
		if err != nil {
			return nil, apperror.Wrap(err, apperror.CodeInternal, "failed to scan approval step")
		}
		steps = append(steps, s)
	}
	return steps, nil
}
