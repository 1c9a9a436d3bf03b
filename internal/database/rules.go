package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	apperr "github.com/edgard/replyhub/internal/errors"
)

const ruleColumns = `id, owner_id, instance_id, name, trigger_phrase, action_kind, payload,
	active, usage_count, last_fired_at, created_at, updated_at`

func (s *sqlxStore) CreateRule(ctx context.Context, rule *Rule) error {
	if rule == nil {
		return fmt.Errorf("cannot save nil rule")
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	now := utcNow()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	query := `INSERT INTO rules (` + ruleColumns + `)
		VALUES (:id, :owner_id, :instance_id, :name, :trigger_phrase, :action_kind, :payload,
			:active, :usage_count, :last_fired_at, :created_at, :updated_at)`
	if _, err := s.db.NamedExecContext(ctx, query, rule); err != nil {
		s.logger.ErrorContext(ctx, "Error saving rule", "instance_id", rule.InstanceID, "error", err)
		return fmt.Errorf("failed to save rule: %w", err)
	}
	s.logger.DebugContext(ctx, "Rule saved", "rule_id", rule.ID, "instance_id", rule.InstanceID)
	return nil
}

func (s *sqlxStore) GetRule(ctx context.Context, ownerID, id string) (*Rule, error) {
	var rule Rule
	err := s.db.GetContext(ctx, &rule,
		`SELECT `+ruleColumns+` FROM rules WHERE id = ? AND owner_id = ?`, id, ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NewNotFound("rule", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule %s: %w", id, err)
	}
	return &rule, nil
}

func (s *sqlxStore) ListRules(ctx context.Context, ownerID, instanceID string) ([]Rule, error) {
	rules := []Rule{}
	query := `SELECT ` + ruleColumns + ` FROM rules WHERE owner_id = ?`
	args := []any{ownerID}
	if instanceID != "" {
		query += ` AND instance_id = ?`
		args = append(args, instanceID)
	}
	query += ` ORDER BY created_at, rowid`

	if err := s.db.SelectContext(ctx, &rules, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	return rules, nil
}

func (s *sqlxStore) ListActiveRules(ctx context.Context, instanceID string) ([]Rule, error) {
	rules := []Rule{}
	err := s.db.SelectContext(ctx, &rules,
		`SELECT `+ruleColumns+` FROM rules WHERE instance_id = ? AND active = 1 ORDER BY created_at, rowid`,
		instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active rules for instance %s: %w", instanceID, err)
	}
	return rules, nil
}

// UpdateRule saves the editable fields of rule. Usage stats are left alone.
func (s *sqlxStore) UpdateRule(ctx context.Context, rule *Rule) error {
	rule.UpdatedAt = utcNow()
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE rules SET name = :name, trigger_phrase = :trigger_phrase, action_kind = :action_kind,
			payload = :payload, active = :active, updated_at = :updated_at
		WHERE id = :id AND owner_id = :owner_id`, rule)
	if err != nil {
		return fmt.Errorf("failed to update rule %s: %w", rule.ID, err)
	}
	return checkAffected(res, apperr.NewNotFound("rule", rule.ID))
}

func (s *sqlxStore) DeleteRule(ctx context.Context, ownerID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rules WHERE id = ? AND owner_id = ?`, id, ownerID)
	if err != nil {
		return fmt.Errorf("failed to delete rule %s: %w", id, err)
	}
	return checkAffected(res, apperr.NewNotFound("rule", id))
}

func (s *sqlxStore) RecordRuleFired(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE rules SET usage_count = usage_count + 1, last_fired_at = ?, updated_at = ? WHERE id = ?`,
		at.UTC(), utcNow(), id)
	if err != nil {
		return fmt.Errorf("failed to record rule usage: %w", err)
	}
	return checkAffected(res, apperr.NewNotFound("rule", id))
}
