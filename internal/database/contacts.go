package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	apperr "github.com/edgard/replyhub/internal/errors"
)

const contactColumns = `id, owner_id, address, name, tags, notes, blocked, messages_sent,
	messages_received, last_message_at, last_interaction_at, created_at, updated_at`

func (s *sqlxStore) FindOrCreateContact(ctx context.Context, ownerID, address, name string) (*Contact, error) {
	if address == "" {
		return nil, apperr.NewValidationError("contact address is required", nil)
	}

	var contact Contact
	err := s.withTx(ctx, "find_or_create_contact", func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &contact,
			`SELECT `+contactColumns+` FROM contacts WHERE owner_id = ? AND address = ?`, ownerID, address)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to look up contact: %w", err)
		}

		now := utcNow()
		contact = Contact{
			ID:        uuid.NewString(),
			OwnerID:   ownerID,
			Address:   address,
			Name:      name,
			Tags:      TagList{},
			CreatedAt: now,
			UpdatedAt: now,
		}
		query := `INSERT INTO contacts (` + contactColumns + `)
			VALUES (:id, :owner_id, :address, :name, :tags, :notes, :blocked, :messages_sent,
				:messages_received, :last_message_at, :last_interaction_at, :created_at, :updated_at)`
		if _, err := tx.NamedExecContext(ctx, query, &contact); err != nil {
			return fmt.Errorf("failed to create contact: %w", err)
		}
		s.logger.DebugContext(ctx, "Contact created", "owner_id", ownerID, "contact_id", contact.ID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &contact, nil
}

func (s *sqlxStore) GetContact(ctx context.Context, ownerID, id string) (*Contact, error) {
	var contact Contact
	err := s.db.GetContext(ctx, &contact,
		`SELECT `+contactColumns+` FROM contacts WHERE id = ? AND owner_id = ?`, id, ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NewNotFound("contact", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get contact %s: %w", id, err)
	}
	return &contact, nil
}

func (s *sqlxStore) ListContacts(ctx context.Context, ownerID string, filter ContactFilter) ([]Contact, int64, error) {
	where := ` WHERE owner_id = ?`
	args := []any{ownerID}
	if filter.Search != "" {
		like := "%" + strings.ToLower(filter.Search) + "%"
		where += ` AND (lower(name) LIKE ? OR address LIKE ?)`
		args = append(args, like, like)
	}
	if filter.Tag != "" {
		where += ` AND (',' || tags || ',') LIKE ?`
		args = append(args, "%,"+filter.Tag+",%")
	}

	var total int64
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM contacts`+where, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count contacts: %w", err)
	}

	limit, offset := pageBounds(filter.Limit, filter.Offset)
	contacts := []Contact{}
	query := `SELECT ` + contactColumns + ` FROM contacts` + where +
		` ORDER BY last_interaction_at DESC, created_at DESC LIMIT ? OFFSET ?`
	if err := s.db.SelectContext(ctx, &contacts, query, append(args, limit, offset)...); err != nil {
		return nil, 0, fmt.Errorf("failed to list contacts: %w", err)
	}
	return contacts, total, nil
}

// UpdateContact saves the editable fields of contact.
func (s *sqlxStore) UpdateContact(ctx context.Context, contact *Contact) error {
	contact.UpdatedAt = utcNow()
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE contacts SET name = :name, tags = :tags, notes = :notes, blocked = :blocked,
			updated_at = :updated_at
		WHERE id = :id AND owner_id = :owner_id`, contact)
	if err != nil {
		return fmt.Errorf("failed to update contact %s: %w", contact.ID, err)
	}
	return checkAffected(res, apperr.NewNotFound("contact", contact.ID))
}

func (s *sqlxStore) DeleteContact(ctx context.Context, ownerID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM contacts WHERE id = ? AND owner_id = ?`, id, ownerID)
	if err != nil {
		return fmt.Errorf("failed to delete contact %s: %w", id, err)
	}
	return checkAffected(res, apperr.NewNotFound("contact", id))
}

func (s *sqlxStore) ListContactTags(ctx context.Context, ownerID string) ([]string, error) {
	var rows []TagList
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT tags FROM contacts WHERE owner_id = ? AND tags <> ''`, ownerID); err != nil {
		return nil, fmt.Errorf("failed to list contact tags: %w", err)
	}

	seen := map[string]struct{}{}
	tags := []string{}
	for _, row := range rows {
		for _, tag := range row {
			if _, ok := seen[tag]; ok {
				continue
			}
			seen[tag] = struct{}{}
			tags = append(tags, tag)
		}
	}
	sort.Strings(tags)
	return tags, nil
}

func (s *sqlxStore) GetContactStats(ctx context.Context, ownerID string) (*ContactStats, error) {
	var stats ContactStats
	err := s.db.GetContext(ctx, &stats, `
		SELECT COUNT(*) AS total,
			COALESCE(SUM(messages_sent), 0) AS messages_sent,
			COALESCE(SUM(messages_received), 0) AS messages_received,
			COALESCE(SUM(CASE WHEN tags <> '' THEN 1 ELSE 0 END), 0) AS with_tags,
			COALESCE(SUM(blocked), 0) AS blocked
		FROM contacts WHERE owner_id = ?`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to compute contact stats: %w", err)
	}
	return &stats, nil
}

func (s *sqlxStore) RecordContactSent(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE contacts SET messages_sent = messages_sent + 1, last_message_at = ?,
			last_interaction_at = ?, updated_at = ?
		WHERE id = ?`, at.UTC(), at.UTC(), utcNow(), id)
	if err != nil {
		return fmt.Errorf("failed to record sent message on contact: %w", err)
	}
	return nil
}

func (s *sqlxStore) RecordContactReceived(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE contacts SET messages_received = messages_received + 1, last_message_at = ?,
			last_interaction_at = ?, updated_at = ?
		WHERE id = ?`, at.UTC(), at.UTC(), utcNow(), id)
	if err != nil {
		return fmt.Errorf("failed to record received message on contact: %w", err)
	}
	return nil
}

// pageBounds applies the default and maximum page size.
func pageBounds(limit, offset int) (int, int) {
	switch {
	case limit <= 0:
		limit = 20
	case limit > 100:
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
