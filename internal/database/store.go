package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

// Store defines the interface for database operations.
// Methods accept context.Context for cancellation and timeouts. Lookups of a
// missing row return an error matching apperr.ErrNotFound.
type Store interface {
	// Ping checks the database connection.
	Ping(ctx context.Context) error

	// RunSQLMaintenance performs database maintenance tasks like VACUUM.
	RunSQLMaintenance(ctx context.Context) error

	InstanceStore
	RuleStore
	ContactStore
	MessageStore
	AccountStore
}

// InstanceStore persists Instance records.
type InstanceStore interface {
	// CreateInstanceWithinLimit inserts inst unless the owner already has
	// limit or more instances, in which case it returns a capacity error and
	// writes nothing. Count and insert run in one transaction.
	CreateInstanceWithinLimit(ctx context.Context, inst *Instance, limit int) error
	GetInstance(ctx context.Context, ownerID, id string) (*Instance, error)
	GetInstanceByID(ctx context.Context, id string) (*Instance, error)
	ListInstances(ctx context.Context, ownerID string) ([]Instance, error)
	// ListResumableInstances returns instances holding a session blob.
	ListResumableInstances(ctx context.Context) ([]Instance, error)
	CountInstances(ctx context.Context, ownerID string) (int, error)
	UpdateInstanceState(ctx context.Context, id string, state InstanceState, qrCode string) error
	SetInstanceSession(ctx context.Context, id, blob string) error
	TouchInstance(ctx context.Context, id string, at time.Time) error
	IncrementInstanceMessages(ctx context.Context, id string, at time.Time) error
	// ResetInstanceStates marks every instance disconnected. Used at boot,
	// when no handle can be live.
	ResetInstanceStates(ctx context.Context) error
	// DeleteInstance removes the instance and its rules.
	DeleteInstance(ctx context.Context, ownerID, id string) error
}

// RuleStore persists automation rules.
type RuleStore interface {
	CreateRule(ctx context.Context, rule *Rule) error
	GetRule(ctx context.Context, ownerID, id string) (*Rule, error)
	// ListRules lists the owner's rules, optionally for one instance.
	ListRules(ctx context.Context, ownerID, instanceID string) ([]Rule, error)
	// ListActiveRules returns the active rules of an instance in creation order.
	ListActiveRules(ctx context.Context, instanceID string) ([]Rule, error)
	UpdateRule(ctx context.Context, rule *Rule) error
	DeleteRule(ctx context.Context, ownerID, id string) error
	// RecordRuleFired increments the usage counter and sets last-fired.
	RecordRuleFired(ctx context.Context, id string, at time.Time) error
}

// ContactStore persists contacts and their interaction stats.
type ContactStore interface {
	// FindOrCreateContact returns the owner's contact for address, creating it
	// with name when missing.
	FindOrCreateContact(ctx context.Context, ownerID, address, name string) (*Contact, error)
	GetContact(ctx context.Context, ownerID, id string) (*Contact, error)
	ListContacts(ctx context.Context, ownerID string, filter ContactFilter) ([]Contact, int64, error)
	UpdateContact(ctx context.Context, contact *Contact) error
	DeleteContact(ctx context.Context, ownerID, id string) error
	ListContactTags(ctx context.Context, ownerID string) ([]string, error)
	GetContactStats(ctx context.Context, ownerID string) (*ContactStats, error)
	RecordContactSent(ctx context.Context, id string, at time.Time) error
	RecordContactReceived(ctx context.Context, id string, at time.Time) error
}

// MessageStore persists outbound messages.
type MessageStore interface {
	CreateMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, ownerID, id string) (*Message, error)
	GetMessageByID(ctx context.Context, id string) (*Message, error)
	ListMessages(ctx context.Context, ownerID string, filter MessageFilter) ([]Message, int64, error)
	// ListDueMessages returns pending scheduled messages whose time has come,
	// oldest schedule first.
	ListDueMessages(ctx context.Context, now time.Time, limit int) ([]Message, error)
	// MarkMessageSent and MarkMessageFailed only apply while the message is
	// still in status expect; otherwise they return an invalid transition.
	MarkMessageSent(ctx context.Context, id string, expect MessageStatus, instanceID, contactID string, at time.Time) error
	MarkMessageFailed(ctx context.Context, id string, expect MessageStatus, instanceID, contactID, detail string) error
	// CancelScheduledMessage moves a pending message scheduled after now to
	// cancelled. It reports false, changing nothing, in any other case.
	CancelScheduledMessage(ctx context.Context, ownerID, id string, now time.Time) (bool, error)
	GetMessageStats(ctx context.Context, ownerID string) (*MessageStats, error)
}

// AccountStore persists quota accounts.
type AccountStore interface {
	// GetOrCreateAccount returns the owner's account, creating it from seed
	// when missing.
	GetOrCreateAccount(ctx context.Context, seed Account) (*Account, error)
	// DeductCredit removes one credit of the given column, clamping at zero.
	DeductCredit(ctx context.Context, ownerID string, media bool) error
	// SetAccountPlan assigns a plan and resets both balances.
	SetAccountPlan(ctx context.Context, ownerID, plan string, messageCredits, mediaCredits int64) error
}

// sqlxStore provides an implementation of the Store interface using sqlx.
type sqlxStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a new Store implementation backed by sqlx.
// It requires a connected sqlx.DB instance and a logger.
//
//nolint:ireturn // Store is consumed through its interface
func NewStore(db *sqlx.DB, logger *slog.Logger) Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &sqlxStore{
		db:     db,
		logger: logger.With("component", "store"),
	}
}

// Ping checks the database connection.
func (s *sqlxStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// withTx runs fn in a transaction, committing when fn returns nil.
func (s *sqlxStore) withTx(ctx context.Context, op string, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to begin transaction", "op", op, "error", err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
			s.logger.WarnContext(ctx, "Error rolling back transaction", "op", op, "error", rollbackErr)
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		s.logger.ErrorContext(ctx, "Failed to commit transaction", "op", op, "error", err)
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RunSQLMaintenance executes a VACUUM command on the SQLite database.
// It can take time on large databases, so the context deadline matters.
func (s *sqlxStore) RunSQLMaintenance(ctx context.Context) error {
	if ctx.Err() != nil {
		s.logger.WarnContext(ctx, "Context cancelled or timed out before starting VACUUM", "error", ctx.Err())
		return ctx.Err()
	}

	s.logger.InfoContext(ctx, "Starting database maintenance (VACUUM)...")

	// VACUUM must run outside a transaction in SQLite.
	_, err := s.db.ExecContext(ctx, "VACUUM;")
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		s.logger.WarnContext(ctx, "VACUUM operation timed out or was cancelled", "error", err)
		return fmt.Errorf("database maintenance (VACUUM) timed out: %w", err)
	case err != nil:
		s.logger.ErrorContext(ctx, "Failed to execute VACUUM", "error", err)
		return fmt.Errorf("failed to execute VACUUM: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, "PRAGMA optimize;"); err != nil {
		s.logger.WarnContext(ctx, "PRAGMA optimize failed", "error", err)
	}

	s.logger.InfoContext(ctx, "Database maintenance (VACUUM) completed successfully.")
	return nil
}

// checkAffected turns a zero-row update into a not-found error.
func checkAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}
