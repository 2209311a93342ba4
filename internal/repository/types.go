package repository

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/labforge/be-lab-bookings/internal/timeslot"
)

// ── Resources and bookings ───────────────────────────────────────────────────

// Resource is a bookable, capacity-limited asset (instrument, room).
type Resource struct {
	ID              string
	Name            string
	Capacity        int // concurrent occupants admitted; >= 1
	IsBillable      bool
	IsActive        bool
	MaxBookingHours *int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Booking statuses. The occupying set — statuses that hold capacity
// against new requests — is pending, approved and in_progress.
const (
	BookingPending    = "pending"
	BookingApproved   = "approved"
	BookingInProgress = "in_progress"
	BookingRejected   = "rejected"
	BookingCancelled  = "cancelled"
	BookingCompleted  = "completed"
)

// OccupyingStatuses lists booking statuses that count toward capacity.
var OccupyingStatuses = []string{BookingPending, BookingApproved, BookingInProgress}

// Booking is one reservation of a resource for a time window.
type Booking struct {
	ID          string
	ResourceID  string
	UserID      string
	Title       string
	StartTime   time.Time
	EndTime     time.Time
	Status      string
	ApprovedBy  *string
	ApprovedAt  *time.Time
	RuleID      *string // approval rule that admitted or is processing it
	ActualStart *time.Time
	ActualEnd   *time.Time
	NoShow      bool
	AutoChecked bool // checked out automatically at scheduled end
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Window returns the scheduled window of the booking.
func (b *Booking) Window() timeslot.Window {
	return timeslot.Window{Start: b.StartTime, End: b.EndTime}
}

// MaintenanceWindow is a blackout that blocks bookings unconditionally.
// AlsoBlocks lists additional resource IDs the blackout applies to
// beyond its own resource.
type MaintenanceWindow struct {
	ID         string
	ResourceID string
	Title      string
	StartTime  time.Time
	EndTime    time.Time
	AlsoBlocks []string
	CreatedAt  time.Time
}

// Window returns the blackout window.
func (m *MaintenanceWindow) Window() timeslot.Window {
	return timeslot.Window{Start: m.StartTime, End: m.EndTime}
}

// ── Approval rules and tiers ─────────────────────────────────────────────────

// Approval rule variants.
const (
	RuleAuto        = "auto"
	RuleSingle      = "single"
	RuleTiered      = "tiered"
	RuleQuota       = "quota"
	RuleConditional = "conditional"
)

// Tier evaluation modes for tiered rules.
const (
	TierModeSequential  = "sequential"
	TierModeParallel    = "parallel"
	TierModeConditional = "conditional"
)

// Tier completion policies.
const (
	CompleteRequireAll = "require_all"
	CompleteThreshold  = "threshold"
)

// ApprovalTier is one ordered sign-off step of a tiered rule, stored as
// part of the rule's tiers JSONB array.
type ApprovalTier struct {
	Level            int      `json:"level"`
	Name             string   `json:"name"`
	ApproverIDs      []string `json:"approver_ids,omitempty"`
	ApproverRoles    []string `json:"approver_roles,omitempty"`
	CompletionPolicy string   `json:"completion_policy"` // require_all | threshold
	Threshold        int      `json:"threshold,omitempty"`
	DeadlineHours    int      `json:"deadline_hours,omitempty"`
	EscalationTier   *int     `json:"escalation_tier,omitempty"`
}

// Condition families for conditional rules.
const (
	ConditionTimeBased     = "time_based"
	ConditionUsageBased    = "usage_based"
	ConditionTrainingBased = "training_based"
	ConditionRoleBased     = "role_based"
	ConditionResourceBased = "resource_based"
)

// RuleCondition is the tagged union behind a conditional rule's logic;
// exactly one of the family pointers is set, matching Type.
type RuleCondition struct {
	Type          string             `json:"type"`
	TimeBased     *TimeCondition     `json:"time_based,omitempty"`
	UsageBased    *UsageCondition    `json:"usage_based,omitempty"`
	TrainingBased *TrainingCondition `json:"training_based,omitempty"`
	RoleBased     *RoleCondition     `json:"role_based,omitempty"`
}

// TimeCondition bounds when and how long a booking may be.
type TimeCondition struct {
	MinAdvanceHours  *int    `json:"min_advance_hours,omitempty"`
	MaxAdvanceDays   *int    `json:"max_advance_days,omitempty"`
	MaxDurationHours *int    `json:"max_duration_hours,omitempty"`
	AllowedHours     *[2]int `json:"allowed_hours,omitempty"` // [startHour, endHour]
}

// UsageCondition caps rolling usage of the rule's resource.
type UsageCondition struct {
	MonthlyHourLimit *int `json:"monthly_hour_limit,omitempty"`
}

// TrainingCondition requires unexpired certifications or a minimum
// training level.
type TrainingCondition struct {
	RequiredCertifications []string `json:"required_certifications,omitempty"`
	MinTrainingLevel       *int     `json:"min_training_level,omitempty"`
}

// RoleCondition requires a minimum numeric role level.
type RoleCondition struct {
	RoleLevels   map[string]int `json:"role_levels,omitempty"`
	MinRoleLevel int            `json:"min_role_level"`
}

// ApprovalRule configures how bookings of a resource are admitted.
// A nil ResourceID scopes the rule to all resources; an empty UserRoles
// set applies it to all roles.
type ApprovalRule struct {
	ID             string
	Name           string
	ResourceID     *string
	RuleType       string
	UserRoles      []string
	ApproverIDs    []string
	ApproverRoles  []string
	TierMode       string
	Tiers          []ApprovalTier
	Condition      *RuleCondition
	FallbackRuleID *string
	IsActive       bool
	Priority       int // higher evaluated first
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// AppliesToRole reports whether the rule covers the given requester role.
func (r *ApprovalRule) AppliesToRole(role string) bool {
	if !r.IsActive {
		return false
	}
	if len(r.UserRoles) == 0 {
		return true
	}
	for _, ur := range r.UserRoles {
		if ur == role {
			return true
		}
	}
	return false
}

// TierAt returns the tier with the given level, or nil.
func (r *ApprovalRule) TierAt(level int) *ApprovalTier {
	for i := range r.Tiers {
		if r.Tiers[i].Level == level {
			return &r.Tiers[i]
		}
	}
	return nil
}

// Approval step statuses.
const (
	StepPending   = "pending"
	StepApproved  = "approved"
	StepRejected  = "rejected"
	StepEscalated = "escalated"
	StepWithdrawn = "withdrawn"
)

// ApprovalStep is one (booking, rule, tier, approver) sign-off unit.
type ApprovalStep struct {
	ID         string
	BookingID  string
	RuleID     string
	TierLevel  int
	ApproverID string
	Status     string
	Deadline   *time.Time
	ActedAt    *time.Time
	Comments   string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// IsOverdue reports whether the step is pending past its deadline.
func (s *ApprovalStep) IsOverdue(now time.Time) bool {
	return s.Status == StepPending && s.Deadline != nil && now.After(*s.Deadline)
}

// ── Quota ledger ─────────────────────────────────────────────────────────────

// QuotaAllocation grants an amount of usage per period to users matched
// by role, department and resource scope. Amounts are whole minutes.
type QuotaAllocation struct {
	ID                       string
	Name                     string
	UserRoles                []string
	DepartmentID             *string
	ResourceID               *string
	PeriodType               timeslot.PeriodType
	QuotaMinutes             int64
	AutoApproveWithinQuota   bool
	AllowOverdraft           bool
	OverdraftLimitMinutes    int64
	RequireApprovalOverQuota bool
	Priority                 int // higher wins; first match applies
	IsActive                 bool
	CreatedAt                time.Time
}

// Matches reports whether the allocation's scope covers the requester
// and resource. An empty resourceID matches allocations of any resource
// scope, for unfiltered status queries.
func (a *QuotaAllocation) Matches(role string, departmentID *string, resourceID string) bool {
	if !a.IsActive {
		return false
	}
	if len(a.UserRoles) > 0 {
		found := false
		for _, r := range a.UserRoles {
			if r == role {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if a.DepartmentID != nil {
		if departmentID == nil || *departmentID != *a.DepartmentID {
			return false
		}
	}
	if a.ResourceID != nil && resourceID != "" && *a.ResourceID != resourceID {
		return false
	}
	return true
}

// UserQuotaPeriod is the ledger row for (user, allocation, period).
type UserQuotaPeriod struct {
	ID                   string
	UserID               string
	AllocationID         string
	PeriodStart          time.Time
	PeriodEnd            time.Time
	UsedMinutes          int64
	ReservedMinutes      int64
	OverdraftUsedMinutes int64
	UpdatedAt            time.Time
}

// AvailableMinutes is the base allocation headroom, excluding overdraft.
func (p *UserQuotaPeriod) AvailableMinutes(a *QuotaAllocation) int64 {
	return a.QuotaMinutes - p.UsedMinutes - p.ReservedMinutes
}

// CanAllocate reports whether amount more minutes fit, counting
// overdraft headroom when the allocation permits it.
func (p *UserQuotaPeriod) CanAllocate(a *QuotaAllocation, amount int64) bool {
	if amount <= 0 {
		return amount == 0
	}
	available := p.AvailableMinutes(a)
	if amount <= available {
		return true
	}
	if !a.AllowOverdraft {
		return false
	}
	excess := amount - available
	if available < 0 {
		excess = amount // base already exhausted; whole amount is overdraft
	}
	return excess <= a.OverdraftLimitMinutes-p.OverdraftUsedMinutes
}

// Apply records amount minutes against the period, splitting any
// portion beyond the base allocation into overdraft. The caller must
// have verified CanAllocate under the same lock.
func (p *UserQuotaPeriod) Apply(a *QuotaAllocation, amount int64, isReservation bool) {
	available := p.AvailableMinutes(a)
	if available < 0 {
		available = 0
	}
	overdraft := int64(0)
	if amount > available {
		overdraft = amount - available
	}
	if isReservation {
		p.ReservedMinutes += amount
	} else {
		p.UsedMinutes += amount
	}
	p.OverdraftUsedMinutes += overdraft
}

// ReleaseReservation returns previously reserved minutes to the pool.
func (p *UserQuotaPeriod) ReleaseReservation(amount int64) {
	p.ReservedMinutes -= amount
	if p.ReservedMinutes < 0 {
		p.ReservedMinutes = 0
	}
}

// Quota usage entry types.
const (
	UsageReservation = "reservation"
	UsageFinal       = "usage"
	UsageRelease     = "release"
	UsageAdjustment  = "adjustment"
)

// QuotaUsageEntry is one immutable audit row for a ledger mutation.
type QuotaUsageEntry struct {
	ID            string
	QuotaPeriodID string
	BookingID     *string
	AmountMinutes int64
	EntryType     string
	Description   string
	CreatedAt     time.Time
}

// ── Billing ──────────────────────────────────────────────────────────────────

// BillingRate prices usage of a resource under optional conditions.
// AppliesFromTime/AppliesToTime are "HH:MM" local times bounding the
// usage time of day when set.
type BillingRate struct {
	ID                   string
	ResourceID           string
	RateType             string // standard | peak | off_peak | weekend | holiday
	HourlyRate           decimal.Decimal
	MinimumChargeMinutes int
	RoundingMinutes      int
	UserType             string // role the rate applies to; "all" for everyone
	DepartmentID         *string
	AppliesFromTime      *string
	AppliesToTime        *string
	AppliesWeekdaysOnly  bool
	AppliesWeekendsOnly  bool
	ValidFrom            time.Time
	ValidUntil           *time.Time
	Priority             int
	IsActive             bool
	CreatedAt            time.Time
}

// Billing period statuses.
const (
	PeriodActive = "active"
	PeriodClosed = "closed"
	PeriodDraft  = "draft"
)

// BillingPeriod is a calendar window usage settles into. Exactly one
// period may be current at a time; the repository enforces that
// transactionally.
type BillingPeriod struct {
	ID        string
	Name      string
	StartDate time.Time
	EndDate   time.Time
	Status    string
	IsCurrent bool
	CreatedAt time.Time
	ClosedAt  *time.Time
}

// Covers reports whether the date of t falls inside the period
// (inclusive on both ends, matching date-granular periods).
func (p *BillingPeriod) Covers(t time.Time) bool {
	d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	return !d.Before(p.StartDate) && !d.After(p.EndDate)
}

// Billing record statuses.
const (
	RecordDraft     = "draft"
	RecordConfirmed = "confirmed"
	RecordAdjusted  = "adjusted"
	RecordCancelled = "cancelled"
)

// BillingRecord captures the settled charge for one booking's usage.
type BillingRecord struct {
	ID                string
	BookingID         string
	BillingPeriodID   string
	RateID            *string
	ResourceID        string
	UserID            string
	DepartmentID      *string
	SessionStart      time.Time
	SessionEnd        time.Time
	DurationMinutes   int64
	BillableMinutes   int64
	BillableHours     decimal.Decimal
	HourlyRateApplied decimal.Decimal
	TotalCharge       decimal.Decimal
	Status            string
	OriginalCharge    *decimal.Decimal
	AdjustmentReason  string
	CreatedAt         time.Time
}

// ── Audit ────────────────────────────────────────────────────────────────────

// BookingAuditEntry is one immutable row in a booking's action history.
type BookingAuditEntry struct {
	ID          string
	BookingID   string
	Action      string // submitted | conflict_override | approved | rejected | escalated | cancelled | checked_in | checked_out | no_show | settled
	PerformedBy string
	Details     map[string]any
	CreatedAt   time.Time
}
