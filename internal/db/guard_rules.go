package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailhook/internal/models"
)

// ErrGuardRuleNotFound is returned when a requested guard rule cannot be found.
var ErrGuardRuleNotFound = errors.New("guard rule not found")

const guardRuleColumns = `
	id, user_id, name, description, type, config, action, endpoint_id,
	is_active, priority, trigger_count, last_triggered_at, created_at, updated_at`

// CreateGuardRule inserts a rule and populates its ID and timestamps.
func CreateGuardRule(ctx context.Context, pool *pgxpool.Pool, rule *models.GuardRule) error {
	defer observe("create_guard_rule")()

	err := pool.QueryRow(ctx, `
		INSERT INTO guard_rules (
			user_id, name, description, type, config, action, endpoint_id, is_active, priority
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at
	`,
		rule.UserID,
		rule.Name,
		rule.Description,
		string(rule.Type),
		[]byte(rule.Config),
		string(rule.Action),
		rule.EndpointID,
		rule.IsActive,
		rule.Priority,
	).Scan(&rule.ID, &rule.CreatedAt, &rule.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to create guard rule: %w", err)
	}

	return nil
}

// UpdateGuardRule replaces a rule's definition. Trigger statistics and
// creation time are left untouched.
func UpdateGuardRule(ctx context.Context, pool *pgxpool.Pool, rule *models.GuardRule) error {
	defer observe("update_guard_rule")()

	err := pool.QueryRow(ctx, `
		UPDATE guard_rules SET
			name = $3,
			description = $4,
			type = $5,
			config = $6,
			action = $7,
			endpoint_id = $8,
			is_active = $9,
			priority = $10,
			updated_at = now()
		WHERE id = $1 AND user_id = $2
		RETURNING updated_at
	`,
		rule.ID,
		rule.UserID,
		rule.Name,
		rule.Description,
		string(rule.Type),
		[]byte(rule.Config),
		string(rule.Action),
		rule.EndpointID,
		rule.IsActive,
		rule.Priority,
	).Scan(&rule.UpdatedAt)

	if notFound(err) {
		return ErrGuardRuleNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to update guard rule: %w", err)
	}

	return nil
}

// DeleteGuardRule removes a rule.
func DeleteGuardRule(ctx context.Context, pool *pgxpool.Pool, userID, ruleID string) error {
	defer observe("delete_guard_rule")()

	tag, err := pool.Exec(ctx, `DELETE FROM guard_rules WHERE id = $1 AND user_id = $2`, ruleID, userID)
	if notFound(err) {
		return ErrGuardRuleNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to delete guard rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrGuardRuleNotFound
	}

	return nil
}

// GetGuardRule returns one of the user's rules.
func GetGuardRule(ctx context.Context, pool *pgxpool.Pool, userID, ruleID string) (*models.GuardRule, error) {
	defer observe("get_guard_rule")()

	rule, err := scanGuardRule(pool.QueryRow(ctx, `
		SELECT `+guardRuleColumns+`
		FROM guard_rules
		WHERE id = $1 AND user_id = $2
	`, ruleID, userID))

	if notFound(err) {
		return nil, ErrGuardRuleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get guard rule: %w", err)
	}

	return rule, nil
}

// ListGuardRules returns the user's rules in evaluation order. With activeOnly
// set, inactive rules are left out.
func ListGuardRules(ctx context.Context, pool *pgxpool.Pool, userID string, activeOnly bool) ([]*models.GuardRule, error) {
	defer observe("list_guard_rules")()

	rows, err := pool.Query(ctx, `
		SELECT `+guardRuleColumns+`
		FROM guard_rules
		WHERE user_id = $1 AND (is_active OR NOT $2)
		ORDER BY priority DESC, created_at DESC, id ASC
	`, userID, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to list guard rules: %w", err)
	}
	defer rows.Close()

	var rules []*models.GuardRule
	for rows.Next() {
		rule, err := scanGuardRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan guard rule: %w", err)
		}
		rules = append(rules, rule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating guard rules: %w", err)
	}

	return rules, nil
}

// RecordGuardRuleTrigger increments a rule's trigger count in place.
func RecordGuardRuleTrigger(ctx context.Context, pool *pgxpool.Pool, userID, ruleID string, at time.Time) error {
	defer observe("record_guard_rule_trigger")()

	tag, err := pool.Exec(ctx, `
		UPDATE guard_rules SET
			trigger_count = trigger_count + 1,
			last_triggered_at = GREATEST(COALESCE(last_triggered_at, $3), $3)
		WHERE id = $1 AND user_id = $2
	`, ruleID, userID, at)
	if err != nil {
		return fmt.Errorf("failed to record guard rule trigger: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrGuardRuleNotFound
	}

	return nil
}

func scanGuardRule(row pgx.Row) (*models.GuardRule, error) {
	var rule models.GuardRule
	var ruleType, action string
	var config []byte
	err := row.Scan(
		&rule.ID,
		&rule.UserID,
		&rule.Name,
		&rule.Description,
		&ruleType,
		&config,
		&action,
		&rule.EndpointID,
		&rule.IsActive,
		&rule.Priority,
		&rule.TriggerCount,
		&rule.LastTriggeredAt,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rule.Type = models.GuardRuleType(ruleType)
	rule.Action = models.GuardAction(action)
	rule.Config = config
	return &rule, nil
}
