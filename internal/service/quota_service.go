package service

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/labforge/be-lab-bookings/internal/apperror"
	"github.com/labforge/be-lab-bookings/internal/client"
	"github.com/labforge/be-lab-bookings/internal/platform/logger"
	"github.com/labforge/be-lab-bookings/internal/repository"
	"github.com/labforge/be-lab-bookings/internal/timeslot"
)

// QuotaDecision is the outcome of reserving booked time against the
// requester's allocation.
type QuotaDecision struct {
	Allocation       *repository.QuotaAllocation
	Period           *repository.UserQuotaPeriod
	RequestedMinutes int64
	WithinQuota      bool
	AutoApproved     bool
	RequiresApproval bool
}

// QuotaStatus is the read-only ledger snapshot exposed to users, one
// per governing allocation.
type QuotaStatus struct {
	AllocationID         string              `json:"allocation_id"`
	AllocationName       string              `json:"allocation_name"`
	PeriodType           timeslot.PeriodType `json:"period_type"`
	PeriodStart          string              `json:"period_start"`
	PeriodEnd            string              `json:"period_end"`
	QuotaMinutes         int64               `json:"quota_minutes"`
	UsedMinutes          int64               `json:"used_minutes"`
	ReservedMinutes      int64               `json:"reserved_minutes"`
	OverdraftUsedMinutes int64               `json:"overdraft_used_minutes"`
	AvailableMinutes     int64               `json:"available_minutes"`
	UsagePercentage      float64             `json:"usage_percentage"`
}

// QuotaService debits and credits the per-user usage ledger. All
// mutations run under the caller's transaction with the period row
// locked, so two concurrent bookings cannot both spend the same
// remaining minutes.
type QuotaService struct {
	quotas QuotaStore
	log    *logger.Logger
}

// NewQuotaService creates a new QuotaService.
func NewQuotaService(quotas QuotaStore, log *logger.Logger) *QuotaService {
	return &QuotaService{quotas: quotas, log: log}
}

// FindAllocation returns the highest-priority active allocation whose
// scope covers the requester and resource, or nil when none governs.
func (s *QuotaService) FindAllocation(ctx context.Context, profile *client.Profile, resourceID string) (*repository.QuotaAllocation, error) {
	allocations, err := s.quotas.ListActiveAllocations(ctx)
	if err != nil {
		return nil, err
	}
	for _, a := range allocations {
		if a.Matches(profile.Role, profile.DepartmentID, resourceID) {
			return a, nil
		}
	}
	return nil, nil
}

// Reserve checks the requested window against the allocation and, when
// it fits (including permitted overdraft), records a reservation bound
// to the booking. Over-quota requests either pend for manual approval
// or fail with a quota error, per the allocation's configuration.
func (s *QuotaService) Reserve(
	ctx context.Context,
	tx pgx.Tx,
	alloc *repository.QuotaAllocation,
	profile *client.Profile,
	bookingID string,
	w timeslot.Window,
) (*QuotaDecision, error) {
	amount := w.Minutes()
	decision := &QuotaDecision{Allocation: alloc, RequestedMinutes: amount}

	bounds, err := timeslot.PeriodBounds(w.Start, alloc.PeriodType)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.CodeConfiguration, "allocation has an invalid period type")
	}

	period, err := s.quotas.GetOrCreatePeriodForUpdate(ctx, tx, profile.UserID, alloc.ID, bounds)
	if err != nil {
		return nil, err
	}
	decision.Period = period

	// Re-check inside the lock; a concurrent booking may have spent the
	// remaining minutes since any earlier read.
	if period.CanAllocate(alloc, amount) {
		period.Apply(alloc, amount, true)
		if err := s.quotas.SavePeriod(ctx, tx, period); err != nil {
			return nil, err
		}
		entry := &repository.QuotaUsageEntry{
			QuotaPeriodID: period.ID,
			BookingID:     &bookingID,
			AmountMinutes: amount,
			EntryType:     repository.UsageReservation,
			Description:   "reserved on booking request",
		}
		if err := s.quotas.AppendUsage(ctx, tx, entry); err != nil {
			return nil, err
		}
		decision.WithinQuota = true
		decision.AutoApproved = alloc.AutoApproveWithinQuota
		return decision, nil
	}

	if alloc.RequireApprovalOverQuota {
		decision.RequiresApproval = true
		return decision, nil
	}

	return nil, apperror.Newf(apperror.CodeQuotaExceeded,
		"%s usage limit of %d minutes would be exceeded",
		alloc.PeriodType, alloc.QuotaMinutes,
	).WithDetails(map[string]any{
		"quota_minutes":     alloc.QuotaMinutes,
		"used_minutes":      period.UsedMinutes,
		"reserved_minutes":  period.ReservedMinutes,
		"requested_minutes": amount,
	})
}

// ConfirmUsage settles a booking's quota at check-out: the scheduled
// reservation is released and the actual minutes are debited as final
// usage, even when they exceed the remaining allocation.
func (s *QuotaService) ConfirmUsage(
	ctx context.Context,
	tx pgx.Tx,
	alloc *repository.QuotaAllocation,
	profile *client.Profile,
	bookingID string,
	scheduled timeslot.Window,
	actualMinutes int64,
) error {
	bounds, err := timeslot.PeriodBounds(scheduled.Start, alloc.PeriodType)
	if err != nil {
		return apperror.Wrap(err, apperror.CodeConfiguration, "allocation has an invalid period type")
	}

	period, err := s.quotas.GetOrCreatePeriodForUpdate(ctx, tx, profile.UserID, alloc.ID, bounds)
	if err != nil {
		return err
	}

	reserved, err := s.outstandingReservation(ctx, tx, period.ID, bookingID)
	if err != nil {
		return err
	}
	if reserved > 0 {
		period.ReleaseReservation(reserved)
		entry := &repository.QuotaUsageEntry{
			QuotaPeriodID: period.ID,
			BookingID:     &bookingID,
			AmountMinutes: reserved,
			EntryType:     repository.UsageRelease,
			Description:   "reservation released at settlement",
		}
		if err := s.quotas.AppendUsage(ctx, tx, entry); err != nil {
			return err
		}
	}

	if actualMinutes > 0 {
		period.Apply(alloc, actualMinutes, false)
		entry := &repository.QuotaUsageEntry{
			QuotaPeriodID: period.ID,
			BookingID:     &bookingID,
			AmountMinutes: actualMinutes,
			EntryType:     repository.UsageFinal,
			Description:   "actual usage at settlement",
		}
		if err := s.quotas.AppendUsage(ctx, tx, entry); err != nil {
			return err
		}
	}

	return s.quotas.SavePeriod(ctx, tx, period)
}

// Release returns a booking's outstanding reservation to the pool,
// used on cancellation and rejection.
func (s *QuotaService) Release(
	ctx context.Context,
	tx pgx.Tx,
	alloc *repository.QuotaAllocation,
	profile *client.Profile,
	bookingID string,
	scheduled timeslot.Window,
) error {
	bounds, err := timeslot.PeriodBounds(scheduled.Start, alloc.PeriodType)
	if err != nil {
		return apperror.Wrap(err, apperror.CodeConfiguration, "allocation has an invalid period type")
	}

	period, err := s.quotas.GetOrCreatePeriodForUpdate(ctx, tx, profile.UserID, alloc.ID, bounds)
	if err != nil {
		return err
	}

	reserved, err := s.outstandingReservation(ctx, tx, period.ID, bookingID)
	if err != nil {
		return err
	}
	if reserved == 0 {
		return nil
	}

	period.ReleaseReservation(reserved)
	entry := &repository.QuotaUsageEntry{
		QuotaPeriodID: period.ID,
		BookingID:     &bookingID,
		AmountMinutes: reserved,
		EntryType:     repository.UsageRelease,
		Description:   "reservation released on cancellation",
	}
	if err := s.quotas.AppendUsage(ctx, tx, entry); err != nil {
		return err
	}
	return s.quotas.SavePeriod(ctx, tx, period)
}

// Status reports the requester's ledger position for the period
// containing at, one snapshot per governing allocation. An empty
// resourceID covers every resource scope. Returns an empty slice when
// no allocation governs the requester.
func (s *QuotaService) Status(ctx context.Context, profile *client.Profile, resourceID string, at timeslot.Window) ([]*QuotaStatus, error) {
	allocations, err := s.quotas.ListActiveAllocations(ctx)
	if err != nil {
		return nil, err
	}

	var statuses []*QuotaStatus
	for _, alloc := range allocations {
		if !alloc.Matches(profile.Role, profile.DepartmentID, resourceID) {
			continue
		}
		status, err := s.allocationStatus(ctx, profile, alloc, at)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

func (s *QuotaService) allocationStatus(ctx context.Context, profile *client.Profile, alloc *repository.QuotaAllocation, at timeslot.Window) (*QuotaStatus, error) {
	bounds, err := timeslot.PeriodBounds(at.Start, alloc.PeriodType)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.CodeConfiguration, "allocation has an invalid period type")
	}

	status := &QuotaStatus{
		AllocationID:     alloc.ID,
		AllocationName:   alloc.Name,
		PeriodType:       alloc.PeriodType,
		PeriodStart:      bounds.Start.Format("2006-01-02"),
		PeriodEnd:        bounds.End.Format("2006-01-02"),
		QuotaMinutes:     alloc.QuotaMinutes,
		AvailableMinutes: alloc.QuotaMinutes,
	}

	period, err := s.quotas.GetPeriod(ctx, profile.UserID, alloc.ID, bounds)
	if err != nil {
		return nil, err
	}
	if period != nil {
		status.UsedMinutes = period.UsedMinutes
		status.ReservedMinutes = period.ReservedMinutes
		status.OverdraftUsedMinutes = period.OverdraftUsedMinutes
		status.AvailableMinutes = period.AvailableMinutes(alloc)
		if status.AvailableMinutes < 0 {
			status.AvailableMinutes = 0
		}
	}
	if alloc.QuotaMinutes > 0 {
		status.UsagePercentage = float64(status.UsedMinutes) / float64(alloc.QuotaMinutes) * 100
	}
	return status, nil
}

// outstandingReservation nets a booking's reservation entries against
// its releases within one ledger period.
func (s *QuotaService) outstandingReservation(ctx context.Context, q repository.Querier, periodID, bookingID string) (int64, error) {
	entries, err := s.quotas.ListUsageForBooking(ctx, q, bookingID)
	if err != nil {
		return 0, err
	}

	var net int64
	for _, e := range entries {
		if e.QuotaPeriodID != periodID {
			continue
		}
		switch e.EntryType {
		case repository.UsageReservation:
			net += e.AmountMinutes
		case repository.UsageRelease:
			net -= e.AmountMinutes
		}
	}
	if net < 0 {
		net = 0
	}
	return net, nil
}
