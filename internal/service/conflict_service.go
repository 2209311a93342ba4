package service

import (
	"context"
	"time"

	"github.com/labforge/be-lab-bookings/internal/platform/logger"
	"github.com/labforge/be-lab-bookings/internal/repository"
	"github.com/labforge/be-lab-bookings/internal/timeslot"
)

// Conflict describes one blocker found for a requested window. UserID
// names the holder of a booking conflict so overrides can notify them.
type Conflict struct {
	Kind      string    `json:"kind"` // booking | maintenance
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

// ConflictService decides whether a requested window fits a resource.
// Maintenance blackouts block unconditionally; bookings block only when
// admitting the request would exceed the resource capacity at some
// instant of the window.
type ConflictService struct {
	bookings  BookingStore
	resources ResourceStore
	log       *logger.Logger
}

// NewConflictService creates a new ConflictService.
func NewConflictService(bookings BookingStore, resources ResourceStore, log *logger.Logger) *ConflictService {
	return &ConflictService{bookings: bookings, resources: resources, log: log}
}

// CheckAvailability returns every blocker for the window, or an empty
// slice when the request fits. It runs against the Querier of the
// caller so the admission path sees a transactionally consistent view.
func (s *ConflictService) CheckAvailability(
	ctx context.Context,
	q repository.Querier,
	resource *repository.Resource,
	w timeslot.Window,
	excludeBookingID *string,
) ([]Conflict, error) {
	var conflicts []Conflict

	maintenance, err := s.resources.ListBlockingMaintenance(ctx, q, resource.ID, w)
	if err != nil {
		return nil, err
	}
	for _, m := range maintenance {
		conflicts = append(conflicts, Conflict{
			Kind:      "maintenance",
			ID:        m.ID,
			Title:     m.Title,
			StartTime: m.StartTime,
			EndTime:   m.EndTime,
		})
	}

	overlaps, err := s.bookings.ListOccupyingOverlaps(ctx, q, resource.ID, w, excludeBookingID)
	if err != nil {
		return nil, err
	}
	for _, b := range saturatedBookings(overlaps, w, resource.Capacity) {
		conflicts = append(conflicts, Conflict{
			Kind:      "booking",
			ID:        b.ID,
			Title:     b.Title,
			UserID:    b.UserID,
			StartTime: b.StartTime,
			EndTime:   b.EndTime,
		})
	}

	return conflicts, nil
}

// saturatedBookings returns the overlapping bookings that cover some
// instant of the window where the resource is already at capacity.
// Concurrency only changes at booking boundaries, so it is enough to
// sample the window start and each overlap start clipped into the
// window.
func saturatedBookings(overlaps []*repository.Booking, w timeslot.Window, capacity int) []*repository.Booking {
	if len(overlaps) < capacity {
		return nil
	}

	instants := []time.Time{w.Start}
	for _, b := range overlaps {
		if b.StartTime.After(w.Start) && b.StartTime.Before(w.End) {
			instants = append(instants, b.StartTime)
		}
	}

	conflicting := make(map[string]*repository.Booking)
	for _, t := range instants {
		var covering []*repository.Booking
		for _, b := range overlaps {
			if b.Window().Contains(t) {
				covering = append(covering, b)
			}
		}
		if len(covering) >= capacity {
			for _, b := range covering {
				conflicting[b.ID] = b
			}
		}
	}

	if len(conflicting) == 0 {
		return nil
	}

	// Preserve the repository's start-time ordering.
	var out []*repository.Booking
	for _, b := range overlaps {
		if _, ok := conflicting[b.ID]; ok {
			out = append(out, b)
		}
	}
	return out
}
