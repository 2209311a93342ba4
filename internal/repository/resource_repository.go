package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/labforge/be-lab-bookings/internal/apperror"
	"github.com/labforge/be-lab-bookings/internal/platform/database"
	"github.com/labforge/be-lab-bookings/internal/timeslot"
)

// ResourceRepository handles bookable resources and their maintenance
// blackouts.
type ResourceRepository struct {
	db *database.DB
}

// NewResourceRepository creates a new ResourceRepository.
func NewResourceRepository(db *database.DB) *ResourceRepository {
	return &ResourceRepository{db: db}
}

// Create inserts a resource.
func (r *ResourceRepository) Create(ctx context.Context, res *Resource) error {
	query := `
		INSERT INTO resources
		    (name, capacity, is_billable, is_active, max_booking_hours)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		res.Name,
		res.Capacity,
		res.IsBillable,
		res.IsActive,
		res.MaxBookingHours,
	).Scan(&res.ID, &res.CreatedAt, &res.UpdatedAt)
	return apperror.Wrap(err, apperror.CodeInternal, "failed to create resource")
}

// GetByID retrieves a resource by primary key.
func (r *ResourceRepository) GetByID(ctx context.Context, id string) (*Resource, error) {
	query := `
		SELECT id, name, capacity, is_billable, is_active, max_booking_hours,
		       created_at, updated_at
		FROM resources
		WHERE id = $1
	`

	res := &Resource{}
	err := r.db.QueryRow(ctx, query, id).Scan(
		&res.ID,
		&res.Name,
		&res.Capacity,
		&res.IsBillable,
		&res.IsActive,
		&res.MaxBookingHours,
		&res.CreatedAt,
		&res.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, apperror.NotFound("resource", id)
	}
	return res, apperror.Wrap(err, apperror.CodeInternal, "failed to get resource")
}

// CreateMaintenance inserts a maintenance blackout.
func (r *ResourceRepository) CreateMaintenance(ctx context.Context, m *MaintenanceWindow) error {
	query := `
		INSERT INTO maintenance_windows
		    (resource_id, title, start_time, end_time, also_blocks)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`

	err := r.db.QueryRow(ctx, query,
		m.ResourceID,
		m.Title,
		m.StartTime,
		m.EndTime,
		m.AlsoBlocks,
	).Scan(&m.ID, &m.CreatedAt)
	return apperror.Wrap(err, apperror.CodeInternal, "failed to create maintenance window")
}

// ListBlockingMaintenance returns blackouts that apply to the resource,
// directly or through also_blocks, and intersect the half-open window.
func (r *ResourceRepository) ListBlockingMaintenance(
	ctx context.Context,
	q Querier,
	resourceID string,
	w timeslot.Window,
) ([]*MaintenanceWindow, error) {
	query := `
		SELECT id, resource_id, title, start_time, end_time, also_blocks, created_at
		FROM maintenance_windows
		WHERE (resource_id = $1 OR $1 = ANY(also_blocks))
		  AND start_time < $3
		  AND end_time > $2
		ORDER BY start_time ASC
	`

	rows, err := q.Query(ctx, query, resourceID, w.Start, w.End)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.CodeInternal, "failed to list maintenance windows")
	}
	defer rows.Close()

	var windows []*MaintenanceWindow
	for rows.Next() {
		m := &MaintenanceWindow{}
		err := rows.Scan(
			&m.ID,
			&m.ResourceID,
			&m.Title,
			&m.StartTime,
			&m.EndTime,
			&m.AlsoBlocks,
			&m.CreatedAt,
		)
		if err != nil {
			return nil, apperror.Wrap(err, apperror.CodeInternal, "failed to scan maintenance window")
		}
		windows = append(windows, m)
	}
	return windows, nil
}
