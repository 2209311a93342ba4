package service

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/labforge/be-lab-bookings/internal/apperror"
	"github.com/labforge/be-lab-bookings/internal/client"
	"github.com/labforge/be-lab-bookings/internal/platform/logger"
	"github.com/labforge/be-lab-bookings/internal/repository"
	"github.com/labforge/be-lab-bookings/internal/timeslot"
)

// In-memory fakes backing the decision-logic tests. Querier arguments
// are ignored; the fakes are their own storage.

func testLogger() *logger.Logger {
	l := logger.Nop()
	return l
}

type fakeTx struct{}

func (f *fakeTx) InTransaction(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return fn(nil)
}

func (f *fakeTx) InSerializableTransaction(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return fn(nil)
}

// ── bookings ─────────────────────────────────────────────────────────────────

type fakeBookings struct {
	seq      int
	byID     map[string]*repository.Booking
	usageMin int64

	// insertRaces fails that many Create calls with a concurrency
	// error, storing raceWinner first when set, as if another writer
	// grabbed the slot between conflict check and insert.
	insertRaces int
	raceWinner  *repository.Booking
}

func newFakeBookings() *fakeBookings {
	return &fakeBookings{byID: map[string]*repository.Booking{}}
}

func (f *fakeBookings) add(b *repository.Booking) *repository.Booking {
	if b.ID == "" {
		f.seq++
		b.ID = fmt.Sprintf("bk-%d", f.seq)
	}
	f.byID[b.ID] = b
	return b
}

func (f *fakeBookings) Create(ctx context.Context, q repository.Querier, b *repository.Booking) error {
	if f.insertRaces > 0 {
		f.insertRaces--
		if f.raceWinner != nil {
			f.add(f.raceWinner)
			f.raceWinner = nil
		}
		return apperror.New(apperror.CodeConcurrency, "booking insert lost to a concurrent reservation")
	}
	f.add(b)
	return nil
}

func (f *fakeBookings) GetByID(ctx context.Context, id string) (*repository.Booking, error) {
	b, ok := f.byID[id]
	if !ok {
		return nil, apperror.NotFound("booking", id)
	}
	return b, nil
}

func (f *fakeBookings) ListOccupyingOverlaps(ctx context.Context, q repository.Querier, resourceID string, w timeslot.Window, excludeID *string) ([]*repository.Booking, error) {
	var out []*repository.Booking
	for _, b := range f.byID {
		if b.ResourceID != resourceID || !occupying(b.Status) {
			continue
		}
		if excludeID != nil && b.ID == *excludeID {
			continue
		}
		if b.Window().Overlaps(w) {
			out = append(out, b)
		}
	}
	return out, nil
}

func occupying(status string) bool {
	for _, s := range repository.OccupyingStatuses {
		if s == status {
			return true
		}
	}
	return false
}

func (f *fakeBookings) SumScheduledMinutes(ctx context.Context, userID, resourceID string, w timeslot.Window) (int64, error) {
	return f.usageMin, nil
}

func (f *fakeBookings) SetStatus(ctx context.Context, q repository.Querier, id, status string) error {
	b, ok := f.byID[id]
	if !ok {
		return apperror.NotFound("booking", id)
	}
	b.Status = status
	return nil
}

func (f *fakeBookings) Approve(ctx context.Context, q repository.Querier, id, approverID string) error {
	b, ok := f.byID[id]
	if !ok {
		return apperror.NotFound("booking", id)
	}
	if b.Status != repository.BookingPending {
		return apperror.New(apperror.CodeConflict, "booking is not pending approval")
	}
	now := time.Now()
	b.Status = repository.BookingApproved
	b.ApprovedBy = &approverID
	b.ApprovedAt = &now
	return nil
}

func (f *fakeBookings) CheckIn(ctx context.Context, id string, at time.Time) error {
	b, ok := f.byID[id]
	if !ok {
		return apperror.NotFound("booking", id)
	}
	if b.Status != repository.BookingApproved {
		return apperror.New(apperror.CodeConflict, "booking is not approved for check-in")
	}
	b.Status = repository.BookingInProgress
	b.ActualStart = &at
	return nil
}

func (f *fakeBookings) CheckOut(ctx context.Context, id string, at time.Time, autoCheckedOut bool) error {
	b, ok := f.byID[id]
	if !ok {
		return apperror.NotFound("booking", id)
	}
	if b.Status != repository.BookingInProgress {
		return apperror.New(apperror.CodeConflict, "booking is not in progress")
	}
	b.Status = repository.BookingCompleted
	b.ActualEnd = &at
	b.AutoChecked = autoCheckedOut
	return nil
}

func (f *fakeBookings) MarkNoShow(ctx context.Context, id string) error {
	b, ok := f.byID[id]
	if !ok {
		return apperror.NotFound("booking", id)
	}
	if b.Status != repository.BookingApproved {
		return apperror.New(apperror.CodeConflict, "booking is not approved")
	}
	b.Status = repository.BookingCompleted
	b.NoShow = true
	return nil
}

func (f *fakeBookings) ListInProgressPastEnd(ctx context.Context, now time.Time) ([]*repository.Booking, error) {
	var out []*repository.Booking
	for _, b := range f.byID {
		if b.Status == repository.BookingInProgress && !b.EndTime.After(now) {
			out = append(out, b)
		}
	}
	return out, nil
}

// ── resources ────────────────────────────────────────────────────────────────

type fakeResources struct {
	byID        map[string]*repository.Resource
	maintenance []*repository.MaintenanceWindow
}

func newFakeResources() *fakeResources {
	return &fakeResources{byID: map[string]*repository.Resource{}}
}

func (f *fakeResources) GetByID(ctx context.Context, id string) (*repository.Resource, error) {
	r, ok := f.byID[id]
	if !ok {
		return nil, apperror.NotFound("resource", id)
	}
	return r, nil
}

func (f *fakeResources) ListBlockingMaintenance(ctx context.Context, q repository.Querier, resourceID string, w timeslot.Window) ([]*repository.MaintenanceWindow, error) {
	var out []*repository.MaintenanceWindow
	for _, m := range f.maintenance {
		applies := m.ResourceID == resourceID
		for _, extra := range m.AlsoBlocks {
			if extra == resourceID {
				applies = true
			}
		}
		if applies && m.Window().Overlaps(w) {
			out = append(out, m)
		}
	}
	return out, nil
}

// ── rules ────────────────────────────────────────────────────────────────────

type fakeRules struct {
	rules []*repository.ApprovalRule
}

func (f *fakeRules) GetByID(ctx context.Context, id string) (*repository.ApprovalRule, error) {
	for _, r := range f.rules {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, apperror.NotFound("approval_rule", id)
}

func (f *fakeRules) ListForResource(ctx context.Context, resourceID string) ([]*repository.ApprovalRule, error) {
	var out []*repository.ApprovalRule
	for _, r := range f.rules {
		if !r.IsActive {
			continue
		}
		if r.ResourceID == nil || *r.ResourceID == resourceID {
			out = append(out, r)
		}
	}
	return out, nil
}

// ── steps ────────────────────────────────────────────────────────────────────

type fakeSteps struct {
	seq   int
	steps []*repository.ApprovalStep
}

func (f *fakeSteps) CreateBatch(ctx context.Context, q repository.Querier, steps []*repository.ApprovalStep) error {
	for _, s := range steps {
		f.seq++
		s.ID = fmt.Sprintf("st-%d", f.seq)
		f.steps = append(f.steps, s)
	}
	return nil
}

func (f *fakeSteps) GetByID(ctx context.Context, id string) (*repository.ApprovalStep, error) {
	for _, s := range f.steps {
		if s.ID == id {
			return s, nil
		}
	}
	return nil, apperror.NotFound("approval_step", id)
}

func (f *fakeSteps) ListByBooking(ctx context.Context, q repository.Querier, bookingID string) ([]*repository.ApprovalStep, error) {
	var out []*repository.ApprovalStep
	for _, s := range f.steps {
		if s.BookingID == bookingID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeSteps) ListOverdue(ctx context.Context, now time.Time) ([]*repository.ApprovalStep, error) {
	var out []*repository.ApprovalStep
	for _, s := range f.steps {
		if s.IsOverdue(now) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeSteps) RecordAction(ctx context.Context, q repository.Querier, id, status, comments string) error {
	for _, s := range f.steps {
		if s.ID == id {
			if s.Status != repository.StepPending {
				return apperror.New(apperror.CodeConflict, "approval step is no longer pending")
			}
			now := time.Now()
			s.Status = status
			s.ActedAt = &now
			s.Comments = comments
			return nil
		}
	}
	return apperror.NotFound("approval_step", id)
}

func (f *fakeSteps) WithdrawPending(ctx context.Context, q repository.Querier, bookingID string, exceptID *string) error {
	for _, s := range f.steps {
		if s.BookingID != bookingID || s.Status != repository.StepPending {
			continue
		}
		if exceptID != nil && s.ID == *exceptID {
			continue
		}
		s.Status = repository.StepWithdrawn
	}
	return nil
}

func (f *fakeSteps) MarkEscalated(ctx context.Context, q repository.Querier, id string) error {
	for _, s := range f.steps {
		if s.ID == id {
			if s.Status != repository.StepPending {
				return apperror.New(apperror.CodeConflict, "approval step is no longer pending")
			}
			s.Status = repository.StepEscalated
			return nil
		}
	}
	return apperror.NotFound("approval_step", id)
}

func (f *fakeSteps) forBooking(bookingID string) []*repository.ApprovalStep {
	out, _ := f.ListByBooking(context.Background(), nil, bookingID)
	return out
}

// ── quotas ───────────────────────────────────────────────────────────────────

type fakeQuotas struct {
	seq         int
	allocations []*repository.QuotaAllocation
	periods     map[string]*repository.UserQuotaPeriod
	entries     []*repository.QuotaUsageEntry
}

func newFakeQuotas() *fakeQuotas {
	return &fakeQuotas{periods: map[string]*repository.UserQuotaPeriod{}}
}

func (f *fakeQuotas) ListActiveAllocations(ctx context.Context) ([]*repository.QuotaAllocation, error) {
	var out []*repository.QuotaAllocation
	for _, a := range f.allocations {
		if a.IsActive {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeQuotas) GetAllocationByID(ctx context.Context, id string) (*repository.QuotaAllocation, error) {
	for _, a := range f.allocations {
		if a.ID == id {
			return a, nil
		}
	}
	return nil, apperror.NotFound("quota_allocation", id)
}

func periodKey(userID, allocationID string, start time.Time) string {
	return fmt.Sprintf("%s|%s|%d", userID, allocationID, start.Unix())
}

func (f *fakeQuotas) GetOrCreatePeriodForUpdate(ctx context.Context, tx pgx.Tx, userID, allocationID string, period timeslot.Window) (*repository.UserQuotaPeriod, error) {
	key := periodKey(userID, allocationID, period.Start)
	if p, ok := f.periods[key]; ok {
		return p, nil
	}
	f.seq++
	p := &repository.UserQuotaPeriod{
		ID:           fmt.Sprintf("qp-%d", f.seq),
		UserID:       userID,
		AllocationID: allocationID,
		PeriodStart:  period.Start,
		PeriodEnd:    period.End,
	}
	f.periods[key] = p
	return p, nil
}

func (f *fakeQuotas) GetPeriod(ctx context.Context, userID, allocationID string, period timeslot.Window) (*repository.UserQuotaPeriod, error) {
	if p, ok := f.periods[periodKey(userID, allocationID, period.Start)]; ok {
		return p, nil
	}
	return nil, nil
}

func (f *fakeQuotas) SavePeriod(ctx context.Context, q repository.Querier, p *repository.UserQuotaPeriod) error {
	return nil // periods are shared pointers
}

func (f *fakeQuotas) AppendUsage(ctx context.Context, q repository.Querier, e *repository.QuotaUsageEntry) error {
	f.seq++
	e.ID = fmt.Sprintf("qe-%d", f.seq)
	e.CreatedAt = time.Now()
	f.entries = append(f.entries, e)
	return nil
}

func (f *fakeQuotas) ListUsageForBooking(ctx context.Context, q repository.Querier, bookingID string) ([]*repository.QuotaUsageEntry, error) {
	var out []*repository.QuotaUsageEntry
	for _, e := range f.entries {
		if e.BookingID != nil && *e.BookingID == bookingID {
			out = append(out, e)
		}
	}
	return out, nil
}

// ── billing ──────────────────────────────────────────────────────────────────

type fakeBilling struct {
	seq     int
	rates   []*repository.BillingRate
	periods []*repository.BillingPeriod
	records []*repository.BillingRecord
}

func (f *fakeBilling) ListActiveRates(ctx context.Context, resourceID string) ([]*repository.BillingRate, error) {
	var out []*repository.BillingRate
	for _, r := range f.rates {
		if r.IsActive && r.ResourceID == resourceID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeBilling) GetCurrentPeriod(ctx context.Context) (*repository.BillingPeriod, error) {
	for _, p := range f.periods {
		if p.IsCurrent {
			return p, nil
		}
	}
	return nil, nil
}

func (f *fakeBilling) FindPeriodCovering(ctx context.Context, t time.Time) (*repository.BillingPeriod, error) {
	for _, p := range f.periods {
		if p.Covers(t) {
			return p, nil
		}
	}
	return nil, nil
}

func (f *fakeBilling) CreateRecord(ctx context.Context, q repository.Querier, rec *repository.BillingRecord) error {
	for _, existing := range f.records {
		if existing.BookingID == rec.BookingID {
			return apperror.New(apperror.CodeConflict, "booking already has a billing record")
		}
	}
	f.seq++
	rec.ID = fmt.Sprintf("br-%d", f.seq)
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeBilling) GetRecordByBooking(ctx context.Context, bookingID string) (*repository.BillingRecord, error) {
	for _, r := range f.records {
		if r.BookingID == bookingID {
			return r, nil
		}
	}
	return nil, nil
}

func (f *fakeBilling) ConfirmRecord(ctx context.Context, id string) error {
	for _, r := range f.records {
		if r.ID == id {
			r.Status = repository.RecordConfirmed
			return nil
		}
	}
	return apperror.NotFound("billing_record", id)
}

func (f *fakeBilling) AdjustRecord(ctx context.Context, id string, newCharge decimal.Decimal, reason string) error {
	for _, r := range f.records {
		if r.ID == id {
			orig := r.TotalCharge
			r.OriginalCharge = &orig
			r.TotalCharge = newCharge
			r.AdjustmentReason = reason
			r.Status = repository.RecordAdjusted
			return nil
		}
	}
	return apperror.NotFound("billing_record", id)
}

// ── directory, audit, notifier ───────────────────────────────────────────────

type fakeDirectory struct {
	profiles  map[string]*client.Profile
	roleUsers map[string][]string
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		profiles:  map[string]*client.Profile{},
		roleUsers: map[string][]string{},
	}
}

func (f *fakeDirectory) GetProfile(ctx context.Context, userID string) (*client.Profile, error) {
	p, ok := f.profiles[userID]
	if !ok {
		return nil, apperror.NotFound("user_profile", userID)
	}
	return p, nil
}

func (f *fakeDirectory) GetUsersWithRole(ctx context.Context, role string) ([]string, error) {
	return f.roleUsers[role], nil
}

type fakeAudit struct {
	entries []*repository.BookingAuditEntry
}

func (f *fakeAudit) Append(ctx context.Context, q repository.Querier, entry *repository.BookingAuditEntry) error {
	f.entries = append(f.entries, entry)
	return nil
}

type fakeNotifier struct {
	events []string
}

func (f *fakeNotifier) PublishBookingEvent(ctx context.Context, eventType, bookingID, actorID string, recipients []string, payload map[string]any) {
	f.events = append(f.events, eventType)
}
