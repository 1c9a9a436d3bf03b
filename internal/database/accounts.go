package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	apperr "github.com/edgard/replyhub/internal/errors"
)

const accountColumns = `owner_id, plan, message_credits, media_credits, created_at, updated_at`

func (s *sqlxStore) GetOrCreateAccount(ctx context.Context, seed Account) (*Account, error) {
	if seed.OwnerID == "" {
		return nil, apperr.NewValidationError("account owner is required", nil)
	}

	var acct Account
	err := s.withTx(ctx, "get_or_create_account", func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &acct, `SELECT `+accountColumns+` FROM accounts WHERE owner_id = ?`, seed.OwnerID)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to get account: %w", err)
		}

		now := utcNow()
		acct = seed
		acct.CreatedAt = now
		acct.UpdatedAt = now
		query := `INSERT INTO accounts (` + accountColumns + `)
			VALUES (:owner_id, :plan, :message_credits, :media_credits, :created_at, :updated_at)`
		if _, err := tx.NamedExecContext(ctx, query, &acct); err != nil {
			return fmt.Errorf("failed to create account: %w", err)
		}
		s.logger.InfoContext(ctx, "Quota account created", "owner_id", acct.OwnerID, "plan", acct.Plan)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

func (s *sqlxStore) DeductCredit(ctx context.Context, ownerID string, media bool) error {
	column := "message_credits"
	if media {
		column = "media_credits"
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET `+column+` = MAX(`+column+` - 1, 0), updated_at = ? WHERE owner_id = ?`,
		utcNow(), ownerID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to deduct credit", "owner_id", ownerID, "column", column, "error", err)
		return fmt.Errorf("failed to deduct credit: %w", err)
	}
	return checkAffected(res, apperr.NewNotFound("account", ownerID))
}

func (s *sqlxStore) SetAccountPlan(ctx context.Context, ownerID, plan string, messageCredits, mediaCredits int64) error {
	now := utcNow()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (owner_id) DO UPDATE SET plan = excluded.plan,
			message_credits = excluded.message_credits, media_credits = excluded.media_credits,
			updated_at = excluded.updated_at`,
		ownerID, plan, messageCredits, mediaCredits, now, now)
	if err != nil {
		return fmt.Errorf("failed to set account plan: %w", err)
	}
	s.logger.InfoContext(ctx, "Account plan applied", "owner_id", ownerID, "plan", plan,
		"message_credits", messageCredits, "media_credits", mediaCredits)
	return nil
}
