package repository

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/labforge/be-lab-bookings/internal/timeslot"
)

func strPtr(s string) *string { return &s }

func TestQuotaPeriodCanAllocate(t *testing.T) {
	alloc := &QuotaAllocation{
		QuotaMinutes:          600, // 10h
		AllowOverdraft:        false,
		OverdraftLimitMinutes: 0,
	}

	tests := []struct {
		name   string
		period UserQuotaPeriod
		amount int64
		want   bool
	}{
		{"fits exactly", UserQuotaPeriod{UsedMinutes: 480}, 120, true},
		{"one minute over", UserQuotaPeriod{UsedMinutes: 480}, 121, false},
		{"reservations count", UserQuotaPeriod{UsedMinutes: 300, ReservedMinutes: 180}, 180, false},
		{"zero amount", UserQuotaPeriod{UsedMinutes: 600}, 0, true},
		{"negative amount", UserQuotaPeriod{}, -5, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.period.CanAllocate(alloc, tt.amount))
		})
	}
}

func TestQuotaPeriodOverdraft(t *testing.T) {
	alloc := &QuotaAllocation{
		QuotaMinutes:          600,
		AllowOverdraft:        true,
		OverdraftLimitMinutes: 120,
	}

	p := UserQuotaPeriod{UsedMinutes: 480}
	assert.True(t, p.CanAllocate(alloc, 180))  // 120 base + 60 overdraft
	assert.True(t, p.CanAllocate(alloc, 240))  // uses full overdraft
	assert.False(t, p.CanAllocate(alloc, 241)) // one past the limit

	// Overdraft already partially consumed.
	p = UserQuotaPeriod{UsedMinutes: 600, OverdraftUsedMinutes: 90}
	assert.True(t, p.CanAllocate(alloc, 30))
	assert.False(t, p.CanAllocate(alloc, 31))
}

func TestQuotaPeriodApply(t *testing.T) {
	alloc := &QuotaAllocation{
		QuotaMinutes:          600,
		AllowOverdraft:        true,
		OverdraftLimitMinutes: 120,
	}

	p := UserQuotaPeriod{UsedMinutes: 480}
	p.Apply(alloc, 180, true)
	assert.Equal(t, int64(180), p.ReservedMinutes)
	assert.Equal(t, int64(60), p.OverdraftUsedMinutes)

	p.ReleaseReservation(180)
	assert.Equal(t, int64(0), p.ReservedMinutes)

	// Final usage debits used_minutes directly.
	p2 := UserQuotaPeriod{}
	p2.Apply(alloc, 90, false)
	assert.Equal(t, int64(90), p2.UsedMinutes)
	assert.Equal(t, int64(0), p2.OverdraftUsedMinutes)
}

func TestAllocationMatches(t *testing.T) {
	deptA := strPtr("dept-a")
	resX := strPtr("res-x")

	alloc := &QuotaAllocation{
		IsActive:     true,
		UserRoles:    []string{"researcher"},
		DepartmentID: deptA,
		ResourceID:   resX,
	}

	assert.True(t, alloc.Matches("researcher", deptA, "res-x"))
	assert.False(t, alloc.Matches("student", deptA, "res-x"))
	assert.False(t, alloc.Matches("researcher", strPtr("dept-b"), "res-x"))
	assert.False(t, alloc.Matches("researcher", nil, "res-x"))
	assert.False(t, alloc.Matches("researcher", deptA, "res-y"))

	// Unscoped allocation covers everyone everywhere.
	open := &QuotaAllocation{IsActive: true}
	assert.True(t, open.Matches("student", nil, "res-y"))

	inactive := &QuotaAllocation{}
	assert.False(t, inactive.Matches("student", nil, "res-y"))
}

func TestRuleAppliesToRole(t *testing.T) {
	rule := &ApprovalRule{IsActive: true, UserRoles: []string{"student", "visitor"}}
	assert.True(t, rule.AppliesToRole("student"))
	assert.False(t, rule.AppliesToRole("researcher"))

	anyRole := &ApprovalRule{IsActive: true}
	assert.True(t, anyRole.AppliesToRole("researcher"))

	inactive := &ApprovalRule{UserRoles: []string{"student"}}
	assert.False(t, inactive.AppliesToRole("student"))
}

func TestRuleTierAt(t *testing.T) {
	rule := &ApprovalRule{Tiers: []ApprovalTier{{Level: 1, Name: "supervisor"}, {Level: 2, Name: "manager"}}}
	assert.Equal(t, "manager", rule.TierAt(2).Name)
	assert.Nil(t, rule.TierAt(3))
}

func TestStepIsOverdue(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	assert.True(t, (&ApprovalStep{Status: StepPending, Deadline: &past}).IsOverdue(now))
	assert.False(t, (&ApprovalStep{Status: StepPending, Deadline: &future}).IsOverdue(now))
	assert.False(t, (&ApprovalStep{Status: StepApproved, Deadline: &past}).IsOverdue(now))
	assert.False(t, (&ApprovalStep{Status: StepPending}).IsOverdue(now))
}

func TestBillingPeriodCovers(t *testing.T) {
	p := &BillingPeriod{
		StartDate: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC),
	}

	assert.True(t, p.Covers(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)))
	assert.True(t, p.Covers(time.Date(2026, 3, 31, 23, 59, 0, 0, time.UTC)))
	assert.False(t, p.Covers(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)))
	assert.False(t, p.Covers(time.Date(2026, 2, 28, 12, 0, 0, 0, time.UTC)))
}

func TestBookingWindow(t *testing.T) {
	b := &Booking{
		StartTime: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
		EndTime:   time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC),
	}
	assert.Equal(t, timeslot.Window{Start: b.StartTime, End: b.EndTime}, b.Window())
	assert.Equal(t, int64(120), b.Window().Minutes())
}
