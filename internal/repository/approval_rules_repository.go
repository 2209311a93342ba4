package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/labforge/be-lab-bookings/internal/apperror"
	"github.com/labforge/be-lab-bookings/internal/platform/database"
)

// ApprovalRulesRepository handles CRUD for booking approval rules.
// Tiers and conditions are stored as JSONB on the rule row.
type ApprovalRulesRepository struct {
	db *database.DB
}

// NewApprovalRulesRepository creates a new ApprovalRulesRepository.
func NewApprovalRulesRepository(db *database.DB) *ApprovalRulesRepository {
	return &ApprovalRulesRepository{db: db}
}

// Create inserts a new approval rule.
func (r *ApprovalRulesRepository) Create(ctx context.Context, rule *ApprovalRule) error {
	tiersJSON, conditionJSON, err := marshalRulePayload(rule)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO approval_rules
		    (name, resource_id, rule_type, user_roles,
		     approver_ids, approver_roles, tier_mode, tiers,
		     condition, fallback_rule_id, is_active, priority)
		VALUES ($1, $2, $3::approval_rule_type, $4,
		        $5, $6, $7, $8,
		        $9, $10, $11, $12)
		RETURNING id, created_at, updated_at
	`

	return r.db.QueryRow(ctx, query,
		rule.Name,
		rule.ResourceID,
		rule.RuleType,
		rule.UserRoles,
		rule.ApproverIDs,
		rule.ApproverRoles,
		rule.TierMode,
		tiersJSON,
		conditionJSON,
		rule.FallbackRuleID,
		rule.IsActive,
		rule.Priority,
	).Scan(&rule.ID, &rule.CreatedAt, &rule.UpdatedAt)
}

// GetByID retrieves a rule by primary key.
func (r *ApprovalRulesRepository) GetByID(ctx context.Context, id string) (*ApprovalRule, error) {
	query := `
		SELECT id, name, resource_id, rule_type, user_roles,
		       approver_ids, approver_roles, tier_mode, tiers,
		       condition, fallback_rule_id, is_active, priority,
		       created_at, updated_at
		FROM approval_rules
		WHERE id = $1
	`

	rule, err := r.scanRule(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, apperror.NotFound("approval_rule", id)
	}
	return rule, err
}

// ListForResource returns active rules applicable to a resource,
// including global rules with no resource scope. Higher priority first;
// newer rules break ties.
func (r *ApprovalRulesRepository) ListForResource(ctx context.Context, resourceID string) ([]*ApprovalRule, error) {
	query := `
		SELECT id, name, resource_id, rule_type, user_roles,
		       approver_ids, approver_roles, tier_mode, tiers,
		       condition, fallback_rule_id, is_active, priority,
		       created_at, updated_at
		FROM approval_rules
		WHERE is_active = TRUE
		  AND (resource_id IS NULL OR resource_id = $1)
		ORDER BY priority DESC, created_at DESC
	`

	rows, err := r.db.Query(ctx, query, resourceID)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.CodeInternal, "failed to list approval rules")
	}
	defer rows.Close()

	var rules []*ApprovalRule
	for rows.Next() {
		rule, err := r.scanRuleRow(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// Update persists changes to an existing rule.
func (r *ApprovalRulesRepository) Update(ctx context.Context, rule *ApprovalRule) error {
	tiersJSON, conditionJSON, err := marshalRulePayload(rule)
	if err != nil {
		return err
	}

	query := `
		UPDATE approval_rules
		SET name             = $2,
		    resource_id      = $3,
		    rule_type        = $4::approval_rule_type,
		    user_roles       = $5,
		    approver_ids     = $6,
		    approver_roles   = $7,
		    tier_mode        = $8,
		    tiers            = $9,
		    condition        = $10,
		    fallback_rule_id = $11,
		    is_active        = $12,
		    priority         = $13,
		    updated_at       = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err = r.db.QueryRow(ctx, query,
		rule.ID,
		rule.Name,
		rule.ResourceID,
		rule.RuleType,
		rule.UserRoles,
		rule.ApproverIDs,
		rule.ApproverRoles,
		rule.TierMode,
		tiersJSON,
		conditionJSON,
		rule.FallbackRuleID,
		rule.IsActive,
		rule.Priority,
	).Scan(&rule.UpdatedAt)

	if err == pgx.ErrNoRows {
		return apperror.NotFound("approval_rule", rule.ID)
	}
	return err
}

// Delete removes an approval rule.
func (r *ApprovalRulesRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM approval_rules WHERE id = $1`, id)
	if err != nil {
		return apperror.Wrap(err, apperror.CodeInternal, "failed to delete approval rule")
	}
	if tag.RowsAffected() == 0 {
		return apperror.NotFound("approval_rule", id)
	}
	return nil
}

// ── scan helpers ─────────────────────────────────────────────────────────────

func marshalRulePayload(rule *ApprovalRule) (tiersJSON, conditionJSON []byte, err error) {
	tiersJSON, err = json.Marshal(rule.Tiers)
	if err != nil {
		return nil, nil, apperror.Wrap(err, apperror.CodeInternal, "failed to marshal rule tiers")
	}
	if rule.Condition != nil {
		conditionJSON, err = json.Marshal(rule.Condition)
		if err != nil {
			return nil, nil, apperror.Wrap(err, apperror.CodeInternal, "failed to marshal rule condition")
		}
	}
	return tiersJSON, conditionJSON, nil
}

type ruleScanner interface {
	Scan(dest ...any) error
}

func (r *ApprovalRulesRepository) scanRule(row ruleScanner) (*ApprovalRule, error) {
	rule := &ApprovalRule{}
	var tiersJSON, conditionJSON []byte

	err := row.Scan(
		&rule.ID,
		&rule.Name,
		&rule.ResourceID,
		&rule.RuleType,
		&rule.UserRoles,
		&rule.ApproverIDs,
		&rule.ApproverRoles,
		&rule.TierMode,
		&tiersJSON,
		&conditionJSON,
		&rule.FallbackRuleID,
		&rule.IsActive,
		&rule.Priority,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := unmarshalRulePayload(rule, tiersJSON, conditionJSON); err != nil {
		return nil, err
	}
	return rule, nil
}

func (r *ApprovalRulesRepository) scanRuleRow(rows pgx.Rows) (*ApprovalRule, error) {
	rule, err := r.scanRule(rows)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.CodeInternal, "failed to scan approval rule")
	}
	return rule, nil
}

func unmarshalRulePayload(rule *ApprovalRule, tiersJSON, conditionJSON []byte) error {
	if len(tiersJSON) > 0 {
		if err := json.Unmarshal(tiersJSON, &rule.Tiers); err != nil {
			return apperror.Wrap(err, apperror.CodeInternal, "failed to unmarshal rule tiers")
		}
	}
	if len(conditionJSON) > 0 {
		rule.Condition = &RuleCondition{}
		if err := json.Unmarshal(conditionJSON, rule.Condition); err != nil {
			return apperror.Wrap(err, apperror.CodeInternal, "failed to unmarshal rule condition")
		}
	}
	return nil
}
