package service

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/labforge/be-lab-bookings/internal/apperror"
	"github.com/labforge/be-lab-bookings/internal/client"
	"github.com/labforge/be-lab-bookings/internal/platform/database"
	"github.com/labforge/be-lab-bookings/internal/platform/logger"
	"github.com/labforge/be-lab-bookings/internal/repository"
	"github.com/labforge/be-lab-bookings/internal/timeslot"
)

// BookingRequest is the admission input. Override asks to book over
// existing booking conflicts; only privileged roles may use it, and
// maintenance blackouts still block.
type BookingRequest struct {
	UserID     string    `json:"user_id"`
	ResourceID string    `json:"resource_id"`
	Title      string    `json:"title"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	Override   bool      `json:"override,omitempty"`
}

// BookingResult reports the admission outcome.
type BookingResult struct {
	Booking          *repository.Booking `json:"booking"`
	RequiresApproval bool                `json:"requires_approval"`
	Reason           string              `json:"reason,omitempty"`
	Overrode         []Conflict          `json:"overridden_conflicts,omitempty"`
	Quota            *QuotaDecision      `json:"-"`
}

// Roles allowed to book over existing reservations.
var overrideRoles = map[string]bool{
	"staff": true,
	"admin": true,
}

// BookingService orchestrates admission, approval decisions, check-in
// and settlement. Each admission runs conflict check, rule evaluation,
// quota reservation and insert inside one serializable transaction; a
// lost race is retried once before surfacing as a conflict.
type BookingService struct {
	db        TxRunner
	bookings  BookingStore
	resources ResourceStore
	rules     RuleStore
	steps     StepStore
	quotas    QuotaStore
	audit     AuditLog
	directory ProfileDirectory

	conflicts *ConflictService
	approvals *ApprovalService
	quota     *QuotaService
	tiers     *TierService
	billing   *BillingService

	notifier Notifier
	log      *logger.Logger
}

// NewBookingService creates a new BookingService.
func NewBookingService(
	db TxRunner,
	bookings BookingStore,
	resources ResourceStore,
	rules RuleStore,
	steps StepStore,
	quotas QuotaStore,
	audit AuditLog,
	directory ProfileDirectory,
	conflicts *ConflictService,
	approvals *ApprovalService,
	quota *QuotaService,
	tiers *TierService,
	billing *BillingService,
	notifier Notifier,
	log *logger.Logger,
) *BookingService {
	return &BookingService{
		db:        db,
		bookings:  bookings,
		resources: resources,
		rules:     rules,
		steps:     steps,
		quotas:    quotas,
		audit:     audit,
		directory: directory,
		conflicts: conflicts,
		approvals: approvals,
		quota:     quota,
		tiers:     tiers,
		billing:   billing,
		notifier:  notifier,
		log:       log,
	}
}

// ── Admission ────────────────────────────────────────────────────────────────

// RequestBooking admits a booking request: conflict check, rule
// evaluation and quota reservation, all atomically with the insert.
func (s *BookingService) RequestBooking(ctx context.Context, req *BookingRequest) (*BookingResult, error) {
	w := timeslot.Window{Start: req.StartTime, End: req.EndTime}
	now := time.Now()

	if err := s.validateRequest(req, w, now); err != nil {
		return nil, err
	}

	resource, err := s.resources.GetByID(ctx, req.ResourceID)
	if err != nil {
		return nil, err
	}
	if !resource.IsActive {
		return nil, apperror.InvalidInput("resource_id", "resource is not active")
	}
	if resource.MaxBookingHours != nil && w.Minutes() > int64(*resource.MaxBookingHours)*60 {
		return nil, apperror.InvalidInput("end_time",
			"booking exceeds the resource's maximum duration")
	}

	profile, err := s.directory.GetProfile(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	result, err := s.admit(ctx, req, resource, profile, w, now)
	if err != nil && retryableRace(err) {
		s.log.Warn().Err(err).
			Str("resource_id", req.ResourceID).
			Msg("admission lost a concurrency race, retrying once")
		result, err = s.admit(ctx, req, resource, profile, w, now)
		if err != nil && retryableRace(err) {
			err = apperror.Wrap(err, apperror.CodeConflict,
				"requested slot was taken by a concurrent booking")
		}
	}
	if err != nil {
		return nil, err
	}

	s.publishAdmission(ctx, result)
	return result, nil
}

func (s *BookingService) validateRequest(req *BookingRequest, w timeslot.Window, now time.Time) error {
	if req.UserID == "" {
		return apperror.InvalidInput("user_id", "must not be empty")
	}
	if req.ResourceID == "" {
		return apperror.InvalidInput("resource_id", "must not be empty")
	}
	if !w.Valid() {
		return apperror.InvalidInput("end_time", "must be after start_time")
	}
	if !w.Start.After(now) {
		return apperror.InvalidInput("start_time", "must be in the future")
	}
	return nil
}

func retryableRace(err error) bool {
	return database.IsSerializationFailure(err) || apperror.Is(err, apperror.CodeConcurrency)
}

// resolveConflictOverride decides whether the request may proceed over
// the detected blockers. Booking conflicts yield to an authorized
// override; maintenance blackouts never do.
func resolveConflictOverride(req *BookingRequest, profile *client.Profile, conflicts []Conflict) ([]Conflict, error) {
	if !req.Override {
		return nil, apperror.New(apperror.CodeConflict,
			"requested window conflicts with existing reservations").
			WithDetails(map[string]any{"conflicts": conflicts})
	}
	if !overrideRoles[profile.Role] {
		return nil, apperror.Newf(apperror.CodeUnauthorized,
			"role %q may not override booking conflicts", profile.Role)
	}
	for _, c := range conflicts {
		if c.Kind == "maintenance" {
			return nil, apperror.New(apperror.CodeConflict,
				"maintenance blackouts cannot be overridden").
				WithDetails(map[string]any{"conflicts": conflicts})
		}
	}
	return conflicts, nil
}

func conflictIDs(conflicts []Conflict) []string {
	ids := make([]string, 0, len(conflicts))
	for _, c := range conflicts {
		ids = append(ids, c.ID)
	}
	return ids
}

// conflictHolders lists the distinct users whose bookings were
// overridden, excluding the overriding requester.
func conflictHolders(conflicts []Conflict, requesterID string) []string {
	seen := make(map[string]bool)
	var holders []string
	for _, c := range conflicts {
		if c.UserID == "" || c.UserID == requesterID || seen[c.UserID] {
			continue
		}
		seen[c.UserID] = true
		holders = append(holders, c.UserID)
	}
	return holders
}

func (s *BookingService) admit(
	ctx context.Context,
	req *BookingRequest,
	resource *repository.Resource,
	profile *client.Profile,
	w timeslot.Window,
	now time.Time,
) (*BookingResult, error) {
	result := &BookingResult{}

	err := s.db.InSerializableTransaction(ctx, func(tx pgx.Tx) error {
		conflicts, err := s.conflicts.CheckAvailability(ctx, tx, resource, w, nil)
		if err != nil {
			return err
		}
		if len(conflicts) > 0 {
			overrode, err := resolveConflictOverride(req, profile, conflicts)
			if err != nil {
				return err
			}
			result.Overrode = overrode
		}

		decision, err := s.approvals.Evaluate(ctx, &AdmissionRequest{
			Profile:  profile,
			Resource: resource,
			Window:   w,
			Now:      now,
		})
		if err != nil {
			return err
		}

		booking := &repository.Booking{
			ResourceID: req.ResourceID,
			UserID:     req.UserID,
			Title:      req.Title,
			StartTime:  req.StartTime,
			EndTime:    req.EndTime,
			Status:     repository.BookingPending,
		}
		if decision.Rule != nil {
			booking.RuleID = &decision.Rule.ID
		}
		if err := s.bookings.Create(ctx, tx, booking); err != nil {
			return err
		}
		result.Booking = booking
		result.Reason = decision.Reason

		if err := s.audit.Append(ctx, tx, &repository.BookingAuditEntry{
			BookingID:   booking.ID,
			Action:      "submitted",
			PerformedBy: req.UserID,
			Details:     map[string]any{"outcome": decision.Outcome},
		}); err != nil {
			return err
		}
		if len(result.Overrode) > 0 {
			if err := s.audit.Append(ctx, tx, &repository.BookingAuditEntry{
				BookingID:   booking.ID,
				Action:      "conflict_override",
				PerformedBy: req.UserID,
				Details:     map[string]any{"overridden_bookings": conflictIDs(result.Overrode)},
			}); err != nil {
				return err
			}
		}

		switch decision.Outcome {
		case DecisionAutoApprove:
			return s.approveInTx(ctx, tx, booking, "system")

		case DecisionSingleApproval, DecisionTiered:
			result.RequiresApproval = true
			return s.tiers.StartWorkflow(ctx, tx, booking, decision.Rule, now)

		case DecisionQuota:
			return s.admitAgainstQuota(ctx, tx, booking, decision, profile, w, now, result)
		}

		return apperror.Newf(apperror.CodeConfiguration, "unknown rule outcome %q", decision.Outcome)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *BookingService) admitAgainstQuota(
	ctx context.Context,
	tx pgx.Tx,
	booking *repository.Booking,
	decision *RuleDecision,
	profile *client.Profile,
	w timeslot.Window,
	now time.Time,
	result *BookingResult,
) error {
	alloc, err := s.quota.FindAllocation(ctx, profile, booking.ResourceID)
	if err != nil {
		return err
	}
	if alloc == nil {
		return apperror.Newf(apperror.CodeConfiguration,
			"rule %q is quota-based but no allocation covers the requester", decision.Rule.ID)
	}

	qd, err := s.quota.Reserve(ctx, tx, alloc, profile, booking.ID, w)
	if err != nil {
		return err
	}
	result.Quota = qd

	if qd.AutoApproved {
		return s.approveInTx(ctx, tx, booking, "system")
	}

	// Within quota without auto-approval, or over quota with manual
	// review configured: the rule's approvers decide.
	result.RequiresApproval = true
	if !qd.WithinQuota {
		result.Reason = "quota exceeded, manual approval required"
	}
	if len(decision.Rule.ApproverIDs) == 0 && len(decision.Rule.ApproverRoles) == 0 {
		return apperror.Newf(apperror.CodeConfiguration,
			"quota rule %q needs manual review but has no approvers", decision.Rule.ID)
	}
	return s.tiers.StartWorkflow(ctx, tx, booking, decision.Rule, now)
}

func (s *BookingService) approveInTx(ctx context.Context, tx pgx.Tx, booking *repository.Booking, approverID string) error {
	if err := s.bookings.Approve(ctx, tx, booking.ID, approverID); err != nil {
		return err
	}
	booking.Status = repository.BookingApproved
	booking.ApprovedBy = &approverID
	return s.audit.Append(ctx, tx, &repository.BookingAuditEntry{
		BookingID:   booking.ID,
		Action:      "approved",
		PerformedBy: approverID,
	})
}

// ── Approval decisions ───────────────────────────────────────────────────────

// Decide records one approver's verdict on a pending step and applies
// the resulting booking transition.
func (s *BookingService) Decide(ctx context.Context, bookingID, stepID, approverID string, approve bool, comments string) (*repository.Booking, error) {
	booking, err := s.bookings.GetByID(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	step, err := s.steps.GetByID(ctx, stepID)
	if err != nil {
		return nil, err
	}
	rule, err := s.rules.GetByID(ctx, step.RuleID)
	if err != nil {
		return nil, err
	}

	var outcome *TierOutcome
	err = s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		outcome, err = s.tiers.ProcessDecision(ctx, tx, booking, rule, step, approverID, approve, comments, time.Now())
		if err != nil {
			return err
		}

		switch {
		case outcome.BookingApproved:
			return s.approveInTx(ctx, tx, booking, approverID)

		case outcome.BookingRejected:
			if err := s.bookings.SetStatus(ctx, tx, booking.ID, repository.BookingRejected); err != nil {
				return err
			}
			booking.Status = repository.BookingRejected
			if err := s.releaseQuotaInTx(ctx, tx, booking); err != nil {
				return err
			}
			return s.audit.Append(ctx, tx, &repository.BookingAuditEntry{
				BookingID:   booking.ID,
				Action:      "rejected",
				PerformedBy: approverID,
				Details:     map[string]any{"comments": comments},
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publishDecision(ctx, booking, approverID, outcome)
	return booking, nil
}

// Cancel withdraws a booking before its session. Pending approval
// steps are withdrawn and any quota reservation is returned.
func (s *BookingService) Cancel(ctx context.Context, bookingID, userID string) (*repository.Booking, error) {
	booking, err := s.bookings.GetByID(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if booking.UserID != userID {
		return nil, apperror.New(apperror.CodeUnauthorized, "only the requester can cancel a booking")
	}
	if booking.Status != repository.BookingPending && booking.Status != repository.BookingApproved {
		return nil, apperror.Newf(apperror.CodeConflict,
			"booking in status %q cannot be cancelled", booking.Status)
	}

	err = s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		if err := s.bookings.SetStatus(ctx, tx, booking.ID, repository.BookingCancelled); err != nil {
			return err
		}
		booking.Status = repository.BookingCancelled
		if err := s.steps.WithdrawPending(ctx, tx, booking.ID, nil); err != nil {
			return err
		}
		if err := s.releaseQuotaInTx(ctx, tx, booking); err != nil {
			return err
		}
		return s.audit.Append(ctx, tx, &repository.BookingAuditEntry{
			BookingID:   booking.ID,
			Action:      "cancelled",
			PerformedBy: userID,
		})
	})
	if err != nil {
		return nil, err
	}

	s.notifier.PublishBookingEvent(ctx, "booking_cancelled", booking.ID, userID,
		[]string{booking.UserID}, nil)
	return booking, nil
}

func (s *BookingService) releaseQuotaInTx(ctx context.Context, tx pgx.Tx, booking *repository.Booking) error {
	profile, err := s.directory.GetProfile(ctx, booking.UserID)
	if err != nil {
		return err
	}
	alloc, err := s.quota.FindAllocation(ctx, profile, booking.ResourceID)
	if err != nil || alloc == nil {
		return err
	}
	return s.quota.Release(ctx, tx, alloc, profile, booking.ID, booking.Window())
}

// ── Session lifecycle ────────────────────────────────────────────────────────

// CheckIn starts the usage session for an approved booking.
func (s *BookingService) CheckIn(ctx context.Context, bookingID, userID string, at time.Time) error {
	booking, err := s.bookings.GetByID(ctx, bookingID)
	if err != nil {
		return err
	}
	if booking.UserID != userID {
		return apperror.New(apperror.CodeUnauthorized, "only the requester can check in")
	}

	if err := s.bookings.CheckIn(ctx, bookingID, at); err != nil {
		return err
	}
	return s.appendAudit(ctx, bookingID, "checked_in", userID, nil)
}

// CheckOut ends the usage session. A check-out after the scheduled end
// is clamped to it, so overstaying never bills beyond the reservation.
func (s *BookingService) CheckOut(ctx context.Context, bookingID, userID string, at time.Time) error {
	booking, err := s.bookings.GetByID(ctx, bookingID)
	if err != nil {
		return err
	}
	if booking.UserID != userID {
		return apperror.New(apperror.CodeUnauthorized, "only the requester can check out")
	}

	if at.After(booking.EndTime) {
		at = booking.EndTime
	}
	if err := s.bookings.CheckOut(ctx, bookingID, at, false); err != nil {
		return err
	}
	return s.appendAudit(ctx, bookingID, "checked_out", userID, nil)
}

// MarkNoShow completes an approved booking the requester never started.
// The scheduled window settles in full.
func (s *BookingService) MarkNoShow(ctx context.Context, bookingID, actorID string, now time.Time) error {
	booking, err := s.bookings.GetByID(ctx, bookingID)
	if err != nil {
		return err
	}
	if now.Before(booking.StartTime) {
		return apperror.New(apperror.CodeConflict, "booking has not started yet")
	}

	if err := s.bookings.MarkNoShow(ctx, bookingID); err != nil {
		return err
	}
	return s.appendAudit(ctx, bookingID, "no_show", actorID, nil)
}

// AutoCheckOutExpired closes sessions whose scheduled end has passed,
// stamping the scheduled end as the actual end. Returns the number of
// sessions closed.
func (s *BookingService) AutoCheckOutExpired(ctx context.Context, now time.Time) (int, error) {
	expired, err := s.bookings.ListInProgressPastEnd(ctx, now)
	if err != nil {
		return 0, err
	}

	closed := 0
	for _, b := range expired {
		if err := s.bookings.CheckOut(ctx, b.ID, b.EndTime, true); err != nil {
			s.log.Error().Err(err).Str("booking_id", b.ID).Msg("auto check-out failed")
			continue
		}
		if err := s.appendAudit(ctx, b.ID, "checked_out", "system",
			map[string]any{"auto": true}); err != nil {
			s.log.Error().Err(err).Str("booking_id", b.ID).Msg("auto check-out audit failed")
		}
		closed++
	}
	return closed, nil
}

// ── Settlement ───────────────────────────────────────────────────────────────

// Settle prices the completed session, writes the billing record and
// converts the quota reservation into final usage.
func (s *BookingService) Settle(ctx context.Context, bookingID string) (*repository.BillingRecord, error) {
	booking, err := s.bookings.GetByID(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if booking.Status != repository.BookingCompleted {
		return nil, apperror.Newf(apperror.CodeConflict,
			"booking in status %q cannot settle", booking.Status)
	}
	if existing, err := s.billing.RecordFor(ctx, bookingID); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, apperror.New(apperror.CodeConflict, "booking already settled")
	}

	resource, err := s.resources.GetByID(ctx, booking.ResourceID)
	if err != nil {
		return nil, err
	}
	profile, err := s.directory.GetProfile(ctx, booking.UserID)
	if err != nil {
		return nil, err
	}

	session := sessionWindow(booking)

	var record *repository.BillingRecord
	err = s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		record, err = s.billing.Settle(ctx, tx, booking, resource, profile, session)
		if err != nil {
			return err
		}

		alloc, err := s.quota.FindAllocation(ctx, profile, booking.ResourceID)
		if err != nil {
			return err
		}
		if alloc != nil {
			if err := s.quota.ConfirmUsage(ctx, tx, alloc, profile, booking.ID,
				booking.Window(), session.Minutes()); err != nil {
				return err
			}
		}

		details := map[string]any{"duration_minutes": session.Minutes()}
		if record != nil {
			details["total_charge"] = record.TotalCharge.StringFixed(2)
		}
		return s.audit.Append(ctx, tx, &repository.BookingAuditEntry{
			BookingID:   booking.ID,
			Action:      "settled",
			PerformedBy: "system",
			Details:     details,
		})
	})
	if err != nil {
		return nil, err
	}

	s.notifier.PublishBookingEvent(ctx, "usage_settled", booking.ID, "system",
		[]string{booking.UserID}, nil)
	return record, nil
}

// sessionWindow picks actual check-in/out times, falling back to the
// scheduled window when the session never started (no-show bookings
// settle the full reservation).
func sessionWindow(b *repository.Booking) timeslot.Window {
	w := b.Window()
	if b.ActualStart != nil {
		w.Start = *b.ActualStart
	}
	if b.ActualEnd != nil {
		w.End = *b.ActualEnd
	}
	return w
}

// ── Queries and maintenance ──────────────────────────────────────────────────

// QuotaStatusFor reports a user's ledger position for the period
// containing at, one entry per governing allocation. An empty
// resourceID covers every resource scope.
func (s *BookingService) QuotaStatusFor(ctx context.Context, userID, resourceID string, at time.Time) ([]*QuotaStatus, error) {
	profile, err := s.directory.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.quota.Status(ctx, profile, resourceID, timeslot.Window{Start: at, End: at})
}

// CheckOverdue lists pending approval steps past their deadline.
func (s *BookingService) CheckOverdue(ctx context.Context, now time.Time) ([]*repository.ApprovalStep, error) {
	return s.tiers.CheckOverdue(ctx, now)
}

// EscalateOverdue escalates every overdue step.
func (s *BookingService) EscalateOverdue(ctx context.Context, now time.Time) (int, error) {
	return s.tiers.EscalateOverdue(ctx, now)
}

// ── Notifications ────────────────────────────────────────────────────────────

func (s *BookingService) publishAdmission(ctx context.Context, result *BookingResult) {
	booking := result.Booking
	if len(result.Overrode) > 0 {
		s.notifier.PublishBookingEvent(ctx, "booking_overridden", booking.ID, booking.UserID,
			conflictHolders(result.Overrode, booking.UserID),
			map[string]any{"overridden_bookings": conflictIDs(result.Overrode)})
	}
	if result.RequiresApproval {
		approvers := s.pendingApprovers(ctx, booking.ID)
		s.notifier.PublishBookingEvent(ctx, "approval_required", booking.ID, booking.UserID,
			approvers, map[string]any{"reason": result.Reason})
		return
	}
	s.notifier.PublishBookingEvent(ctx, "booking_approved", booking.ID, "system",
		[]string{booking.UserID}, nil)
}

func (s *BookingService) publishDecision(ctx context.Context, booking *repository.Booking, approverID string, outcome *TierOutcome) {
	switch {
	case outcome.BookingApproved:
		s.notifier.PublishBookingEvent(ctx, "booking_approved", booking.ID, approverID,
			[]string{booking.UserID}, nil)
	case outcome.BookingRejected:
		s.notifier.PublishBookingEvent(ctx, "booking_rejected", booking.ID, approverID,
			[]string{booking.UserID}, nil)
	case outcome.NextTierLevel != nil:
		approvers := s.pendingApprovers(ctx, booking.ID)
		s.notifier.PublishBookingEvent(ctx, "approval_required", booking.ID, approverID,
			approvers, map[string]any{"tier_level": *outcome.NextTierLevel})
	}
}

func (s *BookingService) pendingApprovers(ctx context.Context, bookingID string) []string {
	var ids []string
	err := s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		steps, err := s.steps.ListByBooking(ctx, tx, bookingID)
		if err != nil {
			return err
		}
		for _, st := range steps {
			if st.Status == repository.StepPending {
				ids = append(ids, st.ApproverID)
			}
		}
		return nil
	})
	if err != nil {
		s.log.Warn().Err(err).Str("booking_id", bookingID).Msg("could not resolve pending approvers")
		return nil
	}
	return ids
}

func (s *BookingService) appendAudit(ctx context.Context, bookingID, action, actor string, details map[string]any) error {
	return s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		return s.audit.Append(ctx, tx, &repository.BookingAuditEntry{
			BookingID:   bookingID,
			Action:      action,
			PerformedBy: actor,
			Details:     details,
		})
	})
}
