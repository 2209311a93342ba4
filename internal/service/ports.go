package service

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/labforge/be-lab-bookings/internal/client"
	"github.com/labforge/be-lab-bookings/internal/repository"
	"github.com/labforge/be-lab-bookings/internal/timeslot"
)

// The services depend on narrow store interfaces rather than the
// concrete pgx repositories, so the decision logic tests run against
// in-memory fakes.

// TxRunner runs a function inside a database transaction.
type TxRunner interface {
	InTransaction(ctx context.Context, fn func(tx pgx.Tx) error) error
	InSerializableTransaction(ctx context.Context, fn func(tx pgx.Tx) error) error
}

// BookingStore is the booking persistence surface the services use.
type BookingStore interface {
	Create(ctx context.Context, q repository.Querier, b *repository.Booking) error
	GetByID(ctx context.Context, id string) (*repository.Booking, error)
	ListOccupyingOverlaps(ctx context.Context, q repository.Querier, resourceID string, w timeslot.Window, excludeID *string) ([]*repository.Booking, error)
	SumScheduledMinutes(ctx context.Context, userID, resourceID string, w timeslot.Window) (int64, error)
	SetStatus(ctx context.Context, q repository.Querier, id, status string) error
	Approve(ctx context.Context, q repository.Querier, id, approverID string) error
	CheckIn(ctx context.Context, id string, at time.Time) error
	CheckOut(ctx context.Context, id string, at time.Time, autoCheckedOut bool) error
	MarkNoShow(ctx context.Context, id string) error
	ListInProgressPastEnd(ctx context.Context, now time.Time) ([]*repository.Booking, error)
}

// ResourceStore reads resources and their maintenance blackouts.
type ResourceStore interface {
	GetByID(ctx context.Context, id string) (*repository.Resource, error)
	ListBlockingMaintenance(ctx context.Context, q repository.Querier, resourceID string, w timeslot.Window) ([]*repository.MaintenanceWindow, error)
}

// RuleStore reads approval rules.
type RuleStore interface {
	GetByID(ctx context.Context, id string) (*repository.ApprovalRule, error)
	ListForResource(ctx context.Context, resourceID string) ([]*repository.ApprovalRule, error)
}

// StepStore reads and mutates approval steps.
type StepStore interface {
	CreateBatch(ctx context.Context, q repository.Querier, steps []*repository.ApprovalStep) error
	GetByID(ctx context.Context, id string) (*repository.ApprovalStep, error)
	ListByBooking(ctx context.Context, q repository.Querier, bookingID string) ([]*repository.ApprovalStep, error)
	ListOverdue(ctx context.Context, now time.Time) ([]*repository.ApprovalStep, error)
	RecordAction(ctx context.Context, q repository.Querier, id, status, comments string) error
	WithdrawPending(ctx context.Context, q repository.Querier, bookingID string, exceptID *string) error
	MarkEscalated(ctx context.Context, q repository.Querier, id string) error
}

// QuotaStore reads allocations and mutates the per-user ledger.
type QuotaStore interface {
	ListActiveAllocations(ctx context.Context) ([]*repository.QuotaAllocation, error)
	GetAllocationByID(ctx context.Context, id string) (*repository.QuotaAllocation, error)
	GetOrCreatePeriodForUpdate(ctx context.Context, tx pgx.Tx, userID, allocationID string, period timeslot.Window) (*repository.UserQuotaPeriod, error)
	GetPeriod(ctx context.Context, userID, allocationID string, period timeslot.Window) (*repository.UserQuotaPeriod, error)
	SavePeriod(ctx context.Context, q repository.Querier, p *repository.UserQuotaPeriod) error
	AppendUsage(ctx context.Context, q repository.Querier, e *repository.QuotaUsageEntry) error
	ListUsageForBooking(ctx context.Context, q repository.Querier, bookingID string) ([]*repository.QuotaUsageEntry, error)
}

// BillingStore reads rates and periods and writes settled records.
type BillingStore interface {
	ListActiveRates(ctx context.Context, resourceID string) ([]*repository.BillingRate, error)
	GetCurrentPeriod(ctx context.Context) (*repository.BillingPeriod, error)
	FindPeriodCovering(ctx context.Context, t time.Time) (*repository.BillingPeriod, error)
	CreateRecord(ctx context.Context, q repository.Querier, rec *repository.BillingRecord) error
	GetRecordByBooking(ctx context.Context, bookingID string) (*repository.BillingRecord, error)
	ConfirmRecord(ctx context.Context, id string) error
	AdjustRecord(ctx context.Context, id string, newCharge decimal.Decimal, reason string) error
}

// AuditLog appends booking history entries.
type AuditLog interface {
	Append(ctx context.Context, q repository.Querier, entry *repository.BookingAuditEntry) error
}

// ProfileDirectory resolves requester and approver identity data.
type ProfileDirectory interface {
	GetProfile(ctx context.Context, userID string) (*client.Profile, error)
	GetUsersWithRole(ctx context.Context, role string) ([]string, error)
}

// Notifier publishes booking lifecycle events. Fire-and-forget.
type Notifier interface {
	PublishBookingEvent(ctx context.Context, eventType, bookingID, actorID string, recipients []string, payload map[string]any)
}
