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

const messageColumns = `id, owner_id, instance_id, rule_id, contact_id, kind, content, media_ref,
	caption, recipient, status, scheduled_for, sent_at, delivered_at, read_at, error,
	created_at, updated_at`

func (s *sqlxStore) CreateMessage(ctx context.Context, msg *Message) error {
	if msg == nil {
		return fmt.Errorf("cannot save nil message")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Status == "" {
		msg.Status = StatusPending
	}
	if msg.ScheduledFor != nil {
		t := msg.ScheduledFor.UTC()
		msg.ScheduledFor = &t
	}
	now := utcNow()
	msg.CreatedAt = now
	msg.UpdatedAt = now

	query := `INSERT INTO messages (` + messageColumns + `)
		VALUES (:id, :owner_id, :instance_id, :rule_id, :contact_id, :kind, :content, :media_ref,
			:caption, :recipient, :status, :scheduled_for, :sent_at, :delivered_at, :read_at, :error,
			:created_at, :updated_at)`
	if _, err := s.db.NamedExecContext(ctx, query, msg); err != nil {
		s.logger.ErrorContext(ctx, "Error saving message", "owner_id", msg.OwnerID, "error", err)
		return fmt.Errorf("failed to save message: %w", err)
	}
	s.logger.DebugContext(ctx, "Message saved", "message_id", msg.ID, "status", msg.Status)
	return nil
}

func (s *sqlxStore) GetMessage(ctx context.Context, ownerID, id string) (*Message, error) {
	var msg Message
	err := s.db.GetContext(ctx, &msg,
		`SELECT `+messageColumns+` FROM messages WHERE id = ? AND owner_id = ?`, id, ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NewNotFound("message", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", id, err)
	}
	return &msg, nil
}

func (s *sqlxStore) GetMessageByID(ctx context.Context, id string) (*Message, error) {
	var msg Message
	err := s.db.GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NewNotFound("message", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", id, err)
	}
	return &msg, nil
}

func (s *sqlxStore) ListMessages(ctx context.Context, ownerID string, filter MessageFilter) ([]Message, int64, error) {
	where := ` WHERE owner_id = ?`
	args := []any{ownerID}
	if filter.Status != "" {
		where += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.Kind != "" {
		where += ` AND kind = ?`
		args = append(args, filter.Kind)
	}
	if filter.ContactID != "" {
		where += ` AND contact_id = ?`
		args = append(args, filter.ContactID)
	}
	if filter.Recipient != "" {
		where += ` AND recipient = ?`
		args = append(args, filter.Recipient)
	}
	if filter.From != nil {
		where += ` AND created_at >= ?`
		args = append(args, filter.From.UTC())
	}
	if filter.To != nil {
		where += ` AND created_at <= ?`
		args = append(args, filter.To.UTC())
	}

	var total int64
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM messages`+where, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count messages: %w", err)
	}

	limit, offset := pageBounds(filter.Limit, filter.Offset)
	messages := []Message{}
	query := `SELECT ` + messageColumns + ` FROM messages` + where +
		` ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`
	if err := s.db.SelectContext(ctx, &messages, query, append(args, limit, offset)...); err != nil {
		return nil, 0, fmt.Errorf("failed to list messages: %w", err)
	}
	return messages, total, nil
}

func (s *sqlxStore) ListDueMessages(ctx context.Context, now time.Time, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	messages := []Message{}
	err := s.db.SelectContext(ctx, &messages, `
		SELECT `+messageColumns+` FROM messages
		WHERE status = ? AND scheduled_for IS NOT NULL AND scheduled_for <= ?
		ORDER BY scheduled_for, rowid
		LIMIT ?`, StatusPending, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due messages: %w", err)
	}
	return messages, nil
}

func (s *sqlxStore) MarkMessageSent(ctx context.Context, id string, expect MessageStatus, instanceID, contactID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = ?, instance_id = ?, contact_id = ?, sent_at = ?, error = '', updated_at = ?
		WHERE id = ? AND status = ?`, StatusSent, instanceID, contactID, at.UTC(), utcNow(), id, expect)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to mark message sent", "message_id", id, "error", err)
		return fmt.Errorf("failed to mark message %s sent: %w", id, err)
	}
	return checkAffected(res, apperr.NewInvalidTransition(fmt.Sprintf("message %s is no longer %s", id, expect)))
}

func (s *sqlxStore) MarkMessageFailed(ctx context.Context, id string, expect MessageStatus, instanceID, contactID, detail string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = ?, instance_id = ?, contact_id = ?, error = ?, updated_at = ?
		WHERE id = ? AND status = ?`, StatusFailed, instanceID, contactID, detail, utcNow(), id, expect)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to mark message failed", "message_id", id, "error", err)
		return fmt.Errorf("failed to mark message %s failed: %w", id, err)
	}
	return checkAffected(res, apperr.NewInvalidTransition(fmt.Sprintf("message %s is no longer %s", id, expect)))
}

func (s *sqlxStore) CancelScheduledMessage(ctx context.Context, ownerID, id string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = ?, updated_at = ?
		WHERE id = ? AND owner_id = ? AND status = ? AND scheduled_for IS NOT NULL AND scheduled_for > ?`,
		StatusCancelled, utcNow(), id, ownerID, StatusPending, now.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to cancel message %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n == 1, nil
}

func (s *sqlxStore) GetMessageStats(ctx context.Context, ownerID string) (*MessageStats, error) {
	var stats MessageStats
	err := s.db.GetContext(ctx, &stats, `
		SELECT COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0) AS pending,
			COALESCE(SUM(CASE WHEN status = 'sent' THEN 1 ELSE 0 END), 0) AS sent,
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0) AS failed,
			COALESCE(SUM(CASE WHEN status = 'cancelled' THEN 1 ELSE 0 END), 0) AS cancelled
		FROM messages WHERE owner_id = ?`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to compute message stats: %w", err)
	}
	return &stats, nil
}
