package service

import (
	"context"
	"fmt"
	"time"

	"github.com/labforge/be-lab-bookings/internal/apperror"
	"github.com/labforge/be-lab-bookings/internal/client"
	"github.com/labforge/be-lab-bookings/internal/platform/logger"
	"github.com/labforge/be-lab-bookings/internal/repository"
	"github.com/labforge/be-lab-bookings/internal/timeslot"
)

// Rule evaluation outcomes.
const (
	DecisionAutoApprove    = "auto_approve"
	DecisionSingleApproval = "single_approval"
	DecisionTiered         = "tiered_approval"
	DecisionQuota          = "quota"
)

// maxFallbackDepth bounds conditional fallback chains; a longer chain
// is treated as a configuration cycle.
const maxFallbackDepth = 10

// AdmissionRequest carries everything rule evaluation needs.
type AdmissionRequest struct {
	Profile  *client.Profile
	Resource *repository.Resource
	Window   timeslot.Window
	Now      time.Time
}

// RuleDecision is the evaluator's verdict for one request.
type RuleDecision struct {
	Outcome string
	Rule    *repository.ApprovalRule
	Reason  string // why a conditional rule declined, when it did
}

// ApprovalService selects the governing rule for a request and resolves
// conditional rules down to a concrete outcome, following fallback
// chains.
type ApprovalService struct {
	rules    RuleStore
	bookings BookingStore
	log      *logger.Logger
}

// NewApprovalService creates a new ApprovalService.
func NewApprovalService(rules RuleStore, bookings BookingStore, log *logger.Logger) *ApprovalService {
	return &ApprovalService{rules: rules, bookings: bookings, log: log}
}

// Evaluate picks the highest-priority active rule covering the
// requester's role and dispatches on its type. With no governing rule
// the booking is admitted directly.
func (s *ApprovalService) Evaluate(ctx context.Context, req *AdmissionRequest) (*RuleDecision, error) {
	rules, err := s.rules.ListForResource(ctx, req.Resource.ID)
	if err != nil {
		return nil, err
	}

	for _, rule := range rules {
		if rule.AppliesToRole(req.Profile.Role) {
			return s.dispatch(ctx, req, rule, 0)
		}
	}

	return &RuleDecision{Outcome: DecisionAutoApprove}, nil
}

func (s *ApprovalService) dispatch(ctx context.Context, req *AdmissionRequest, rule *repository.ApprovalRule, depth int) (*RuleDecision, error) {
	if depth > maxFallbackDepth {
		return nil, apperror.Newf(apperror.CodeConfiguration,
			"approval rule fallback chain exceeds %d levels, possible cycle at rule %q", maxFallbackDepth, rule.ID)
	}

	switch rule.RuleType {
	case repository.RuleAuto:
		return &RuleDecision{Outcome: DecisionAutoApprove, Rule: rule}, nil

	case repository.RuleSingle:
		if len(rule.ApproverIDs) == 0 && len(rule.ApproverRoles) == 0 {
			return nil, apperror.Newf(apperror.CodeConfiguration,
				"approval rule %q has no approvers configured", rule.ID)
		}
		return &RuleDecision{Outcome: DecisionSingleApproval, Rule: rule}, nil

	case repository.RuleTiered:
		if len(rule.Tiers) == 0 {
			return nil, apperror.Newf(apperror.CodeConfiguration,
				"tiered approval rule %q has no tiers configured", rule.ID)
		}
		return &RuleDecision{Outcome: DecisionTiered, Rule: rule}, nil

	case repository.RuleQuota:
		return &RuleDecision{Outcome: DecisionQuota, Rule: rule}, nil

	case repository.RuleConditional:
		ok, reason, err := s.evaluateCondition(ctx, req, rule)
		if err != nil {
			return nil, err
		}
		if ok {
			return &RuleDecision{Outcome: DecisionAutoApprove, Rule: rule}, nil
		}

		s.log.Debug().
			Str("rule_id", rule.ID).
			Str("reason", reason).
			Msg("conditional rule declined, following fallback")

		if rule.FallbackRuleID != nil {
			fallback, err := s.rules.GetByID(ctx, *rule.FallbackRuleID)
			if err != nil {
				return nil, err
			}
			decision, err := s.dispatch(ctx, req, fallback, depth+1)
			if err != nil {
				return nil, err
			}
			if decision.Reason == "" {
				decision.Reason = reason
			}
			return decision, nil
		}

		// No fallback: the rule's own approvers review the request.
		if len(rule.ApproverIDs) == 0 && len(rule.ApproverRoles) == 0 {
			return nil, apperror.Newf(apperror.CodeConfiguration,
				"conditional rule %q declined with no fallback and no approvers", rule.ID)
		}
		return &RuleDecision{Outcome: DecisionSingleApproval, Rule: rule, Reason: reason}, nil
	}

	return nil, apperror.Newf(apperror.CodeConfiguration, "unknown rule type %q on rule %q", rule.RuleType, rule.ID)
}

// evaluateCondition checks one conditional rule against the request.
// Returns (false, reason) on the first failing check.
func (s *ApprovalService) evaluateCondition(ctx context.Context, req *AdmissionRequest, rule *repository.ApprovalRule) (bool, string, error) {
	cond := rule.Condition
	if cond == nil {
		return false, "", apperror.Newf(apperror.CodeConfiguration,
			"conditional rule %q has no condition payload", rule.ID)
	}

	switch cond.Type {
	case repository.ConditionTimeBased:
		if cond.TimeBased == nil {
			return false, "", apperror.Newf(apperror.CodeConfiguration, "rule %q: missing time_based payload", rule.ID)
		}
		return s.evaluateTimeCondition(req, cond.TimeBased)

	case repository.ConditionUsageBased:
		if cond.UsageBased == nil {
			return false, "", apperror.Newf(apperror.CodeConfiguration, "rule %q: missing usage_based payload", rule.ID)
		}
		return s.evaluateUsageCondition(ctx, req, cond.UsageBased)

	case repository.ConditionTrainingBased:
		if cond.TrainingBased == nil {
			return false, "", apperror.Newf(apperror.CodeConfiguration, "rule %q: missing training_based payload", rule.ID)
		}
		return evaluateTrainingCondition(req, cond.TrainingBased)

	case repository.ConditionRoleBased:
		if cond.RoleBased == nil {
			return false, "", apperror.Newf(apperror.CodeConfiguration, "rule %q: missing role_based payload", rule.ID)
		}
		return evaluateRoleCondition(req, cond.RoleBased)

	case repository.ConditionResourceBased:
		// Resource attributes are admission-checked upstream (active
		// flag, max duration); the condition family is accepted but has
		// no extra checks yet.
		return true, "", nil
	}

	return false, "", apperror.Newf(apperror.CodeConfiguration,
		"unknown condition type %q on rule %q", cond.Type, rule.ID)
}

func (s *ApprovalService) evaluateTimeCondition(req *AdmissionRequest, c *repository.TimeCondition) (bool, string, error) {
	if c.MinAdvanceHours != nil {
		if req.Window.Start.Sub(req.Now) < time.Duration(*c.MinAdvanceHours)*time.Hour {
			return false, fmt.Sprintf("Must book at least %d hours in advance", *c.MinAdvanceHours), nil
		}
	}
	if c.MaxAdvanceDays != nil {
		if req.Window.Start.After(req.Now.AddDate(0, 0, *c.MaxAdvanceDays)) {
			return false, fmt.Sprintf("Cannot book more than %d days in advance", *c.MaxAdvanceDays), nil
		}
	}
	if c.MaxDurationHours != nil {
		if req.Window.Minutes() > int64(*c.MaxDurationHours)*60 {
			return false, fmt.Sprintf("Booking exceeds maximum duration of %d hours", *c.MaxDurationHours), nil
		}
	}
	if c.AllowedHours != nil {
		from, to := c.AllowedHours[0], c.AllowedHours[1]
		startMin := timeslot.MinuteOfDay(req.Window.Start)
		endMin := timeslot.MinuteOfDay(req.Window.End)
		if endMin == 0 {
			endMin = 24 * 60
		}
		if startMin < from*60 || endMin > to*60 {
			return false, fmt.Sprintf("Bookings are only allowed between %02d:00 and %02d:00", from, to), nil
		}
	}
	return true, "", nil
}

func (s *ApprovalService) evaluateUsageCondition(ctx context.Context, req *AdmissionRequest, c *repository.UsageCondition) (bool, string, error) {
	if c.MonthlyHourLimit == nil {
		return true, "", nil
	}

	month, err := timeslot.PeriodBounds(req.Window.Start, timeslot.PeriodMonthly)
	if err != nil {
		return false, "", err
	}
	used, err := s.bookings.SumScheduledMinutes(ctx, req.Profile.UserID, req.Resource.ID, month)
	if err != nil {
		return false, "", err
	}

	if used+req.Window.Minutes() > int64(*c.MonthlyHourLimit)*60 {
		return false, fmt.Sprintf("Monthly usage limit of %d hours would be exceeded", *c.MonthlyHourLimit), nil
	}
	return true, "", nil
}

func evaluateTrainingCondition(req *AdmissionRequest, c *repository.TrainingCondition) (bool, string, error) {
	for _, code := range c.RequiredCertifications {
		if req.Profile.HasValidCertification(code, req.Now) {
			continue
		}
		for _, held := range req.Profile.Certification {
			if held.Code == code {
				return false, fmt.Sprintf("Required certification %s has expired", code), nil
			}
		}
		return false, fmt.Sprintf("Required certification %s not found", code), nil
	}

	if c.MinTrainingLevel != nil && req.Profile.TrainingLevel < *c.MinTrainingLevel {
		return false, "Insufficient training level for this resource", nil
	}
	return true, "", nil
}

func evaluateRoleCondition(req *AdmissionRequest, c *repository.RoleCondition) (bool, string, error) {
	level := req.Profile.RoleLevel
	if mapped, ok := c.RoleLevels[req.Profile.Role]; ok {
		level = mapped
	}
	if level < c.MinRoleLevel {
		return false, "Insufficient role level for this resource", nil
	}
	return true, "", nil
}
