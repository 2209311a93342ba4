package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/labforge/be-lab-bookings/internal/apperror"
	"github.com/labforge/be-lab-bookings/internal/platform/database"
)

// BookingAuditRepository appends and reads immutable booking audit log
// entries.
type BookingAuditRepository struct {
	db *database.DB
}

// NewBookingAuditRepository creates a new BookingAuditRepository.
func NewBookingAuditRepository(db *database.DB) *BookingAuditRepository {
	return &BookingAuditRepository{db: db}
}

// Append inserts one audit entry. The table has a delete-prevention
// trigger so this is the only mutation operation exposed.
func (r *BookingAuditRepository) Append(ctx context.Context, q Querier, entry *BookingAuditEntry) error {
	var detailsJSON []byte
	if entry.Details != nil {
		var err error
		detailsJSON, err = json.Marshal(entry.Details)
		if err != nil {
			return apperror.Wrap(err, apperror.CodeInternal, "failed to marshal audit details")
		}
	}

	query := `
		INSERT INTO booking_audit_log
		    (booking_id, action, performed_by, details)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`

	return q.QueryRow(ctx, query,
		entry.BookingID,
		entry.Action,
		entry.PerformedBy,
		detailsJSON,
	).Scan(&entry.ID, &entry.CreatedAt)
}

// GetByBookingID returns the full audit trail for a booking ordered
// oldest-first.
func (r *BookingAuditRepository) GetByBookingID(ctx context.Context, bookingID string) ([]*BookingAuditEntry, error) {
	query := `
		SELECT id, booking_id, action, performed_by, details, created_at
		FROM booking_audit_log
		WHERE booking_id = $1
		ORDER BY created_at ASC
	`

	rows, err := r.db.Query(ctx, query, bookingID)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.CodeInternal, "failed to get booking audit log")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ── scan helpers ─────────────────────────────────────────────────────────────

func (r *BookingAuditRepository) scanRows(rows pgx.Rows) ([]*BookingAuditEntry, error) {
	var entries []*BookingAuditEntry
	for rows.Next() {
		entry := &BookingAuditEntry{}
		var detailsJSON []byte

		err := rows.Scan(
			&entry.ID,
			&entry.BookingID,
			&entry.Action,
			&entry.PerformedBy,
			&detailsJSON,
			&entry.CreatedAt,
		)
		if err != nil {
			return nil, apperror.Wrap(err, apperror.CodeInternal, "failed to scan audit entry")
		}

		if detailsJSON != nil {
			if err := json.Unmarshal(detailsJSON, &entry.Details); err != nil {
				return nil, apperror.Wrap(err, apperror.CodeInternal, "failed to unmarshal audit details")
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
