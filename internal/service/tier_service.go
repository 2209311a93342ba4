package service

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/labforge/be-lab-bookings/internal/apperror"
	"github.com/labforge/be-lab-bookings/internal/platform/logger"
	"github.com/labforge/be-lab-bookings/internal/repository"
)

// TierSelector picks the tier that follows a completed one under a
// conditional-mode rule. Returning nil ends the workflow approved. The
// selection policy lives outside this engine; deployments install one
// via UseTierSelector.
type TierSelector func(
	booking *repository.Booking,
	rule *repository.ApprovalRule,
	completed *repository.ApprovalTier,
	tiers []repository.ApprovalTier,
) *repository.ApprovalTier

// TierOutcome reports what one approver decision did to the booking.
type TierOutcome struct {
	BookingApproved bool
	BookingRejected bool
	TierCompleted   bool
	NextTierLevel   *int
}

// TierService materializes approval tiers into per-approver steps and
// advances the workflow as decisions come in. Completion is always
// counted from the stored steps after the acting step is written, so
// two concurrent approvals converge on the same verdict.
type TierService struct {
	steps           StepStore
	rules           RuleStore
	bookings        BookingStore
	directory       ProfileDirectory
	db              TxRunner
	defaultDeadline time.Duration
	selectNext      TierSelector
	log             *logger.Logger
}

// NewTierService creates a new TierService. defaultDeadline applies to
// tiers that do not configure their own deadline.
func NewTierService(
	steps StepStore,
	rules RuleStore,
	bookings BookingStore,
	directory ProfileDirectory,
	db TxRunner,
	defaultDeadline time.Duration,
	log *logger.Logger,
) *TierService {
	return &TierService{
		steps:           steps,
		rules:           rules,
		bookings:        bookings,
		directory:       directory,
		db:              db,
		defaultDeadline: defaultDeadline,
		log:             log,
	}
}

// UseTierSelector installs the hook consulted after each completed tier
// of a conditional-mode rule. Without one such rules are rejected as
// misconfigured.
func (s *TierService) UseTierSelector(fn TierSelector) {
	s.selectNext = fn
}

// StartWorkflow materializes the initial steps for a booking under the
// given rule. Single rules become a one-tier workflow; tiered rules
// start at their lowest tier, or all tiers at once in parallel mode.
// Conditional mode also starts at the lowest tier; the installed
// selector takes over from there.
func (s *TierService) StartWorkflow(
	ctx context.Context,
	q repository.Querier,
	booking *repository.Booking,
	rule *repository.ApprovalRule,
	now time.Time,
) error {
	if rule.TierMode == repository.TierModeConditional && s.selectNext == nil {
		return apperror.Newf(apperror.CodeConfiguration,
			"rule %q uses conditional tier mode but no tier selector is installed", rule.ID)
	}

	tiers := effectiveTiers(rule)

	if rule.TierMode == repository.TierModeParallel {
		for i := range tiers {
			if err := s.materializeTier(ctx, q, booking, rule, &tiers[i], now); err != nil {
				return err
			}
		}
		return nil
	}

	first := lowestTier(tiers)
	return s.materializeTier(ctx, q, booking, rule, first, now)
}

// ProcessDecision records one approver's verdict and advances the
// workflow. A rejection at any tier rejects the booking and withdraws
// every other pending step.
func (s *TierService) ProcessDecision(
	ctx context.Context,
	q repository.Querier,
	booking *repository.Booking,
	rule *repository.ApprovalRule,
	step *repository.ApprovalStep,
	approverID string,
	approve bool,
	comments string,
	now time.Time,
) (*TierOutcome, error) {
	if step.ApproverID != approverID {
		return nil, apperror.New(apperror.CodeUnauthorized, "approval step is assigned to a different approver")
	}
	if step.BookingID != booking.ID {
		return nil, apperror.New(apperror.CodeValidation, "approval step does not belong to this booking")
	}

	if !approve {
		if err := s.steps.RecordAction(ctx, q, step.ID, repository.StepRejected, comments); err != nil {
			return nil, err
		}
		if err := s.steps.WithdrawPending(ctx, q, booking.ID, &step.ID); err != nil {
			return nil, err
		}
		return &TierOutcome{BookingRejected: true}, nil
	}

	if err := s.steps.RecordAction(ctx, q, step.ID, repository.StepApproved, comments); err != nil {
		return nil, err
	}

	// Count from storage after the write; the acting step is included.
	all, err := s.steps.ListByBooking(ctx, q, booking.ID)
	if err != nil {
		return nil, err
	}

	tiers := effectiveTiers(rule)
	tier := tierIn(tiers, step.TierLevel)
	if tier == nil {
		return nil, apperror.Newf(apperror.CodeConfiguration,
			"rule %q has no tier at level %d", rule.ID, step.TierLevel)
	}

	if !tierSatisfied(all, tier) {
		return &TierOutcome{}, nil
	}

	// Tier done: threshold tiers may leave pending siblings behind.
	if err := s.withdrawPendingInTier(ctx, q, all, tier.Level); err != nil {
		return nil, err
	}

	if rule.TierMode == repository.TierModeParallel {
		if allTiersSatisfied(all, tiers, tier.Level) {
			return &TierOutcome{TierCompleted: true, BookingApproved: true}, nil
		}
		return &TierOutcome{TierCompleted: true}, nil
	}

	var next *repository.ApprovalTier
	if rule.TierMode == repository.TierModeConditional {
		if s.selectNext == nil {
			return nil, apperror.Newf(apperror.CodeConfiguration,
				"rule %q uses conditional tier mode but no tier selector is installed", rule.ID)
		}
		next = s.selectNext(booking, rule, tier, tiers)
	} else {
		next = nextTier(tiers, tier.Level)
	}
	if next == nil {
		return &TierOutcome{TierCompleted: true, BookingApproved: true}, nil
	}

	if err := s.materializeTier(ctx, q, booking, rule, next, now); err != nil {
		return nil, err
	}
	return &TierOutcome{TierCompleted: true, NextTierLevel: &next.Level}, nil
}

// CheckOverdue returns pending steps past their deadline without
// mutating anything.
func (s *TierService) CheckOverdue(ctx context.Context, now time.Time) ([]*repository.ApprovalStep, error) {
	return s.steps.ListOverdue(ctx, now)
}

// EscalateOverdue marks overdue steps escalated and, when the tier
// configures an escalation target, materializes that tier's steps.
// Each step escalates in its own transaction; one failure does not
// block the rest. Returns the number of steps escalated.
func (s *TierService) EscalateOverdue(ctx context.Context, now time.Time) (int, error) {
	overdue, err := s.steps.ListOverdue(ctx, now)
	if err != nil {
		return 0, err
	}

	escalated := 0
	for _, step := range overdue {
		if err := s.escalateStep(ctx, step, now); err != nil {
			s.log.Error().Err(err).
				Str("step_id", step.ID).
				Str("booking_id", step.BookingID).
				Msg("failed to escalate overdue step")
			continue
		}
		escalated++
	}
	return escalated, nil
}

func (s *TierService) escalateStep(ctx context.Context, step *repository.ApprovalStep, now time.Time) error {
	rule, err := s.rules.GetByID(ctx, step.RuleID)
	if err != nil {
		return err
	}
	booking, err := s.bookings.GetByID(ctx, step.BookingID)
	if err != nil {
		return err
	}

	return s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		if err := s.steps.MarkEscalated(ctx, tx, step.ID); err != nil {
			// A concurrent decision beat the escalation; nothing to do.
			if apperror.Is(err, apperror.CodeConflict) {
				return nil
			}
			return err
		}

		tiers := effectiveTiers(rule)
		tier := tierIn(tiers, step.TierLevel)
		if tier == nil || tier.EscalationTier == nil {
			return nil
		}
		target := tierIn(tiers, *tier.EscalationTier)
		if target == nil {
			return apperror.Newf(apperror.CodeConfiguration,
				"rule %q escalates tier %d to missing tier %d", rule.ID, tier.Level, *tier.EscalationTier)
		}

		// Avoid duplicating steps when several siblings escalate to the
		// same target tier.
		existing, err := s.steps.ListByBooking(ctx, tx, booking.ID)
		if err != nil {
			return err
		}
		for _, st := range existing {
			if st.TierLevel == target.Level {
				return nil
			}
		}
		return s.materializeTier(ctx, tx, booking, rule, target, now)
	})
}

// materializeTier resolves the tier's approvers and creates one pending
// step per approver. The requester never approves their own booking.
func (s *TierService) materializeTier(
	ctx context.Context,
	q repository.Querier,
	booking *repository.Booking,
	rule *repository.ApprovalRule,
	tier *repository.ApprovalTier,
	now time.Time,
) error {
	approvers, err := s.resolveApprovers(ctx, tier, booking.UserID)
	if err != nil {
		return err
	}
	if len(approvers) == 0 {
		return apperror.Newf(apperror.CodeConfiguration,
			"tier %d of rule %q has no eligible approvers", tier.Level, rule.ID)
	}

	deadline := now.Add(s.defaultDeadline)
	if tier.DeadlineHours > 0 {
		deadline = now.Add(time.Duration(tier.DeadlineHours) * time.Hour)
	}

	steps := make([]*repository.ApprovalStep, 0, len(approvers))
	for _, approverID := range approvers {
		steps = append(steps, &repository.ApprovalStep{
			BookingID:  booking.ID,
			RuleID:     rule.ID,
			TierLevel:  tier.Level,
			ApproverID: approverID,
			Status:     repository.StepPending,
			Deadline:   &deadline,
		})
	}

	if err := s.steps.CreateBatch(ctx, q, steps); err != nil {
		return err
	}

	s.log.Info().
		Str("booking_id", booking.ID).
		Str("rule_id", rule.ID).
		Int("tier_level", tier.Level).
		Int("approvers", len(steps)).
		Msg("approval tier materialized")
	return nil
}

// resolveApprovers merges explicit approver IDs with role-designated
// groups, deduplicates, and drops the requester.
func (s *TierService) resolveApprovers(ctx context.Context, tier *repository.ApprovalTier, requesterID string) ([]string, error) {
	seen := make(map[string]bool)
	var approvers []string

	add := func(id string) {
		if id == requesterID || seen[id] {
			return
		}
		seen[id] = true
		approvers = append(approvers, id)
	}

	for _, id := range tier.ApproverIDs {
		add(id)
	}
	for _, role := range tier.ApproverRoles {
		ids, err := s.directory.GetUsersWithRole(ctx, role)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			add(id)
		}
	}
	return approvers, nil
}

// ── tier bookkeeping ─────────────────────────────────────────────────────────

func (s *TierService) withdrawPendingInTier(ctx context.Context, q repository.Querier, all []*repository.ApprovalStep, level int) error {
	for _, st := range all {
		if st.TierLevel == level && st.Status == repository.StepPending {
			if err := s.steps.RecordAction(ctx, q, st.ID, repository.StepWithdrawn, ""); err != nil {
				return err
			}
		}
	}
	return nil
}

// tierSatisfied applies the tier's completion policy to its stored
// steps. require_all demands every step approved (withdrawn and
// escalated steps excluded); threshold demands N approvals.
func tierSatisfied(all []*repository.ApprovalStep, tier *repository.ApprovalTier) bool {
	approved, open := 0, 0
	for _, st := range all {
		if st.TierLevel != tier.Level {
			continue
		}
		switch st.Status {
		case repository.StepApproved:
			approved++
		case repository.StepPending, repository.StepEscalated:
			open++
		}
	}

	switch tier.CompletionPolicy {
	case repository.CompleteThreshold:
		threshold := tier.Threshold
		if threshold <= 0 {
			threshold = 1
		}
		return approved >= threshold
	default: // require_all
		return approved > 0 && open == 0
	}
}

func allTiersSatisfied(all []*repository.ApprovalStep, tiers []repository.ApprovalTier, justCompleted int) bool {
	for i := range tiers {
		if tiers[i].Level == justCompleted {
			continue
		}
		if !tierSatisfied(all, &tiers[i]) {
			return false
		}
	}
	return true
}

// effectiveTiers returns the rule's tiers, synthesizing a one-tier
// threshold-1 workflow for single-approval rules so the decision path
// treats both shapes uniformly.
func effectiveTiers(rule *repository.ApprovalRule) []repository.ApprovalTier {
	if rule.RuleType == repository.RuleSingle || len(rule.Tiers) == 0 {
		return []repository.ApprovalTier{{
			Level:            1,
			Name:             rule.Name,
			ApproverIDs:      rule.ApproverIDs,
			ApproverRoles:    rule.ApproverRoles,
			CompletionPolicy: repository.CompleteThreshold,
			Threshold:        1,
		}}
	}
	return rule.Tiers
}

func tierIn(tiers []repository.ApprovalTier, level int) *repository.ApprovalTier {
	for i := range tiers {
		if tiers[i].Level == level {
			return &tiers[i]
		}
	}
	return nil
}

func lowestTier(tiers []repository.ApprovalTier) *repository.ApprovalTier {
	first := &tiers[0]
	for i := range tiers {
		if tiers[i].Level < first.Level {
			first = &tiers[i]
		}
	}
	return first
}

func nextTier(tiers []repository.ApprovalTier, after int) *repository.ApprovalTier {
	var next *repository.ApprovalTier
	for i := range tiers {
		if tiers[i].Level > after && (next == nil || tiers[i].Level < next.Level) {
			next = &tiers[i]
		}
	}
	return next
}
