package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	apperr "github.com/edgard/replyhub/internal/errors"
)

const instanceColumns = `id, owner_id, label, platform, state, qr_code, session_blob,
	message_count, last_activity, created_at, updated_at`

func (s *sqlxStore) CreateInstanceWithinLimit(ctx context.Context, inst *Instance, limit int) error {
	if inst == nil {
		return fmt.Errorf("cannot save nil instance")
	}
	if inst.OwnerID == "" {
		return apperr.NewValidationError("instance must have an owner", nil)
	}
	if inst.ID == "" {
		inst.ID = uuid.NewString()
	}
	if inst.State == "" {
		inst.State = StateDisconnected
	}
	now := utcNow()
	inst.CreatedAt = now
	inst.UpdatedAt = now

	return s.withTx(ctx, "create_instance", func(tx *sqlx.Tx) error {
		var count int
		if err := tx.GetContext(ctx, &count, `SELECT COUNT(*) FROM instances WHERE owner_id = ?`, inst.OwnerID); err != nil {
			return fmt.Errorf("failed to count instances for owner %s: %w", inst.OwnerID, err)
		}
		if count >= limit {
			s.logger.InfoContext(ctx, "Instance creation denied by plan ceiling",
				"owner_id", inst.OwnerID, "count", count, "limit", limit)
			return apperr.NewCapacityExceeded(count, limit)
		}

		query := `INSERT INTO instances (` + instanceColumns + `)
			VALUES (:id, :owner_id, :label, :platform, :state, :qr_code, :session_blob,
				:message_count, :last_activity, :created_at, :updated_at)`
		if _, err := tx.NamedExecContext(ctx, query, inst); err != nil {
			s.logger.ErrorContext(ctx, "Error saving instance", "owner_id", inst.OwnerID, "error", err)
			return fmt.Errorf("failed to save instance: %w", err)
		}
		return nil
	})
}

func (s *sqlxStore) GetInstance(ctx context.Context, ownerID, id string) (*Instance, error) {
	var inst Instance
	err := s.db.GetContext(ctx, &inst,
		`SELECT `+instanceColumns+` FROM instances WHERE id = ? AND owner_id = ?`, id, ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NewNotFound("instance", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instance %s: %w", id, err)
	}
	return &inst, nil
}

func (s *sqlxStore) GetInstanceByID(ctx context.Context, id string) (*Instance, error) {
	var inst Instance
	err := s.db.GetContext(ctx, &inst, `SELECT `+instanceColumns+` FROM instances WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NewNotFound("instance", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instance %s: %w", id, err)
	}
	return &inst, nil
}

func (s *sqlxStore) ListInstances(ctx context.Context, ownerID string) ([]Instance, error) {
	instances := []Instance{}
	err := s.db.SelectContext(ctx, &instances,
		`SELECT `+instanceColumns+` FROM instances WHERE owner_id = ? ORDER BY created_at, rowid`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	return instances, nil
}

func (s *sqlxStore) ListResumableInstances(ctx context.Context) ([]Instance, error) {
	instances := []Instance{}
	err := s.db.SelectContext(ctx, &instances,
		`SELECT `+instanceColumns+` FROM instances WHERE session_blob <> '' ORDER BY created_at, rowid`)
	if err != nil {
		return nil, fmt.Errorf("failed to list resumable instances: %w", err)
	}
	return instances, nil
}

func (s *sqlxStore) CountInstances(ctx context.Context, ownerID string) (int, error) {
	var count int
	if err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM instances WHERE owner_id = ?`, ownerID); err != nil {
		return 0, fmt.Errorf("failed to count instances: %w", err)
	}
	return count, nil
}

func (s *sqlxStore) UpdateInstanceState(ctx context.Context, id string, state InstanceState, qrCode string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE instances SET state = ?, qr_code = ?, updated_at = ? WHERE id = ?`,
		state, qrCode, utcNow(), id)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to update instance state", "instance_id", id, "state", state, "error", err)
		return fmt.Errorf("failed to update instance state: %w", err)
	}
	return checkAffected(res, apperr.NewNotFound("instance", id))
}

func (s *sqlxStore) SetInstanceSession(ctx context.Context, id, blob string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE instances SET session_blob = ?, updated_at = ? WHERE id = ?`, blob, utcNow(), id)
	if err != nil {
		return fmt.Errorf("failed to store instance session: %w", err)
	}
	return checkAffected(res, apperr.NewNotFound("instance", id))
}

func (s *sqlxStore) TouchInstance(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE instances SET last_activity = ?, updated_at = ? WHERE id = ?`, at.UTC(), utcNow(), id)
	if err != nil {
		return fmt.Errorf("failed to touch instance: %w", err)
	}
	return nil
}

func (s *sqlxStore) IncrementInstanceMessages(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE instances SET message_count = message_count + 1, last_activity = ?, updated_at = ? WHERE id = ?`,
		at.UTC(), utcNow(), id)
	if err != nil {
		return fmt.Errorf("failed to increment instance message count: %w", err)
	}
	return nil
}

func (s *sqlxStore) ResetInstanceStates(ctx context.Context) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE instances SET state = ?, qr_code = '', updated_at = ? WHERE state <> ? OR qr_code <> ''`,
		StateDisconnected, utcNow(), StateDisconnected)
	if err != nil {
		return fmt.Errorf("failed to reset instance states: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.logger.InfoContext(ctx, "Reset stale instance states", "count", n)
	}
	return nil
}

func (s *sqlxStore) DeleteInstance(ctx context.Context, ownerID, id string) error {
	return s.withTx(ctx, "delete_instance", func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM instances WHERE id = ? AND owner_id = ?`, id, ownerID)
		if err != nil {
			return fmt.Errorf("failed to delete instance: %w", err)
		}
		if err := checkAffected(res, apperr.NewNotFound("instance", id)); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM rules WHERE instance_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete instance rules: %w", err)
		}
		return nil
	})
}
