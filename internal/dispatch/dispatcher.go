// Package dispatch owns outbound messages: it records every attempt, reserves
// quota, sends through the instance's session worker and keeps the bookkeeping
// consistent with the outcome.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/edgard/replyhub/internal/chat"
	"github.com/edgard/replyhub/internal/contacts"
	"github.com/edgard/replyhub/internal/database"
	apperr "github.com/edgard/replyhub/internal/errors"
	"github.com/edgard/replyhub/internal/events"
	"github.com/edgard/replyhub/internal/quota"
	"github.com/edgard/replyhub/internal/session"
)

const dueBatchSize = 100

// Executor runs work on an instance's session worker.
type Executor interface {
	Exec(ctx context.Context, ownerID, instanceID string, fn func(context.Context, *session.Conn) error) (string, error)
}

// MediaLoader resolves a media reference into uploadable bytes.
type MediaLoader interface {
	Load(ctx context.Context, ref string) (chat.Media, error)
}

// SendRequest is an explicit outbound message from a tenant.
type SendRequest struct {
	InstanceID   string
	Recipient    string
	Kind         database.MessageKind
	Content      string
	MediaRef     string
	Caption      string
	ScheduledFor *time.Time
}

// RuleAction is the outbound reply produced by a fired rule.
type RuleAction struct {
	RuleID    string
	Recipient string
	Kind      database.MessageKind
	Content   string
	MediaRef  string
}

type Dispatcher struct {
	store    database.Store
	sessions Executor
	ledger   *quota.Ledger
	contacts *contacts.Service
	media    MediaLoader
	events   events.Publisher
	log      *slog.Logger
	now      func() time.Time
}

func NewDispatcher(store database.Store, sessions Executor, ledger *quota.Ledger, contactSvc *contacts.Service,
	media MediaLoader, publisher events.Publisher, log *slog.Logger,
) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	if publisher == nil {
		publisher = events.Discard{}
	}
	return &Dispatcher{
		store:    store,
		sessions: sessions,
		ledger:   ledger,
		contacts: contactSvc,
		media:    media,
		events:   publisher,
		log:      log.With("component", "dispatcher"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (d *Dispatcher) validate(req *SendRequest) error {
	if req.Kind == "" {
		req.Kind = database.KindText
	}
	if !req.Kind.Valid() {
		return apperr.NewValidationError(fmt.Sprintf("unknown message kind %q", req.Kind), nil)
	}
	if req.Kind == database.KindText {
		if strings.TrimSpace(req.Content) == "" {
			return apperr.NewValidationError("text messages need content", nil)
		}
	} else if strings.TrimSpace(req.MediaRef) == "" {
		return apperr.NewValidationError(string(req.Kind)+" messages need a media reference", nil)
	}
	recipient, err := d.contacts.Normalize(req.Recipient)
	if err != nil {
		return err
	}
	req.Recipient = recipient
	return nil
}

// Send records a pending message and, unless it is scheduled for later,
// dispatches it immediately. The stored message is returned even when the
// attempt fails.
func (d *Dispatcher) Send(ctx context.Context, ownerID string, req SendRequest) (*database.Message, error) {
	if err := d.validate(&req); err != nil {
		return nil, err
	}
	if req.InstanceID != "" {
		if _, err := d.store.GetInstance(ctx, ownerID, req.InstanceID); err != nil {
			return nil, err
		}
	}

	msg := &database.Message{
		OwnerID:      ownerID,
		InstanceID:   req.InstanceID,
		Kind:         req.Kind,
		Content:      req.Content,
		MediaRef:     req.MediaRef,
		Caption:      req.Caption,
		Recipient:    req.Recipient,
		Status:       database.StatusPending,
		ScheduledFor: req.ScheduledFor,
	}
	if err := d.store.CreateMessage(ctx, msg); err != nil {
		return nil, err
	}

	if msg.ScheduledFor != nil && msg.ScheduledFor.After(d.now()) {
		d.log.InfoContext(ctx, "Message scheduled", "owner_id", ownerID, "message_id", msg.ID,
			"scheduled_for", msg.ScheduledFor)
		return msg, nil
	}

	err := d.dispatch(ctx, msg, database.StatusPending, true)
	return d.reload(ctx, msg), err
}

// Resend makes one new attempt at a failed message.
func (d *Dispatcher) Resend(ctx context.Context, ownerID, id string) (*database.Message, error) {
	msg, err := d.store.GetMessage(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if msg.Status != database.StatusFailed {
		return msg, apperr.NewInvalidTransition(fmt.Sprintf("message %s is %s; only failed messages can be resent", id, msg.Status))
	}
	err = d.dispatch(ctx, msg, database.StatusFailed, true)
	return d.reload(ctx, msg), err
}

// Cancel withdraws a pending message whose schedule is still in the future.
// A due message may already be in flight and can no longer be cancelled.
func (d *Dispatcher) Cancel(ctx context.Context, ownerID, id string) (*database.Message, error) {
	msg, err := d.store.GetMessage(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	ok, err := d.store.CancelScheduledMessage(ctx, ownerID, id, d.now())
	if err != nil {
		return nil, err
	}
	if !ok {
		msg = d.reload(ctx, msg)
		return msg, apperr.NewInvalidTransition(fmt.Sprintf("message %s is %s; only pending messages scheduled for later can be cancelled", id, msg.Status))
	}
	d.log.InfoContext(ctx, "Message cancelled", "owner_id", ownerID, "message_id", id)
	return d.reload(ctx, msg), nil
}

func (d *Dispatcher) Get(ctx context.Context, ownerID, id string) (*database.Message, error) {
	return d.store.GetMessage(ctx, ownerID, id)
}

func (d *Dispatcher) List(ctx context.Context, ownerID string, filter database.MessageFilter) ([]database.Message, int64, error) {
	return d.store.ListMessages(ctx, ownerID, filter)
}

func (d *Dispatcher) Stats(ctx context.Context, ownerID string) (*database.MessageStats, error) {
	return d.store.GetMessageStats(ctx, ownerID)
}

// DispatchRuleAction records and sends a rule's reply on the worker that
// received the triggering message.
func (d *Dispatcher) DispatchRuleAction(ctx context.Context, conn *session.Conn, a RuleAction) (*database.Message, error) {
	msg := &database.Message{
		OwnerID:    conn.OwnerID(),
		InstanceID: conn.InstanceID(),
		RuleID:     a.RuleID,
		Kind:       a.Kind,
		Content:    a.Content,
		MediaRef:   a.MediaRef,
		Recipient:  a.Recipient,
		Status:     database.StatusPending,
	}
	if err := d.store.CreateMessage(ctx, msg); err != nil {
		return nil, err
	}
	err := d.attempt(ctx, conn, msg.ID, database.StatusPending)
	return d.reload(ctx, msg), err
}

// DispatchDue sends scheduled messages whose time has come and reports how
// many were sent. Messages whose instance is offline stay pending; those
// whose instance was deleted fail.
func (d *Dispatcher) DispatchDue(ctx context.Context, now time.Time) (int, error) {
	due, err := d.store.ListDueMessages(ctx, now, dueBatchSize)
	if err != nil {
		return 0, err
	}

	sent := 0
	for i := range due {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		msg := &due[i]
		err := d.dispatch(ctx, msg, database.StatusPending, false)
		switch {
		case err == nil:
			sent++
		case errors.Is(err, apperr.ErrQuotaExceeded), errors.Is(err, apperr.ErrSessionNotConnected):
			d.log.InfoContext(ctx, "Scheduled message deferred", "message_id", msg.ID, "reason", apperr.Code(err))
		case errors.Is(err, apperr.ErrInvalidTransition):
			d.log.DebugContext(ctx, "Scheduled message changed before dispatch", "message_id", msg.ID)
		default:
			d.log.WarnContext(ctx, "Scheduled message failed", "message_id", msg.ID, "error", err)
		}
	}
	if len(due) > 0 {
		d.log.InfoContext(ctx, "Scheduled sweep finished", "due", len(due), "sent", sent)
	}
	return sent, nil
}

// dispatch runs one attempt on the message's instance. failOffline records
// the message as failed when no connected session could take the attempt.
// A message bound to an instance that no longer exists always fails.
func (d *Dispatcher) dispatch(ctx context.Context, msg *database.Message, expect database.MessageStatus, failOffline bool) error {
	var ran atomic.Bool
	used, err := d.sessions.Exec(ctx, msg.OwnerID, msg.InstanceID, func(ctx context.Context, conn *session.Conn) error {
		ran.Store(true)
		return d.attempt(ctx, conn, msg.ID, expect)
	})
	if err == nil || ran.Load() {
		return err
	}
	switch {
	case msg.InstanceID != "" && errors.Is(err, apperr.ErrNotFound):
		d.fail(ctx, msg, expect, used, msg.ContactID, err)
	case failOffline && errors.Is(err, apperr.ErrSessionNotConnected):
		d.fail(ctx, msg, expect, used, msg.ContactID, err)
	}
	return err
}

func (d *Dispatcher) attempt(ctx context.Context, conn *session.Conn, id string, expect database.MessageStatus) error {
	msg, err := d.store.GetMessageByID(ctx, id)
	if err != nil {
		return err
	}
	if msg.Status != expect {
		return apperr.NewInvalidTransition(fmt.Sprintf("message %s is %s, expected %s", id, msg.Status, expect))
	}
	if expect == database.StatusPending && msg.ScheduledFor != nil && msg.ScheduledFor.After(d.now()) {
		return apperr.NewInvalidTransition(fmt.Sprintf("message %s is not due until %s", id, msg.ScheduledFor))
	}

	// Stored recipients are canonical already.
	contact, err := d.contacts.ResolveInternational(ctx, msg.OwnerID, msg.Recipient, "")
	if err != nil {
		return err
	}
	if contact.Blocked {
		err := apperr.NewValidationError("contact "+contact.Address+" is blocked", nil)
		d.fail(ctx, msg, expect, conn.InstanceID(), contact.ID, err)
		return err
	}

	reservation, err := d.ledger.Reserve(ctx, msg.OwnerID, quota.CategoryFor(msg.Kind))
	if err != nil {
		return err
	}

	if err := d.send(ctx, conn, msg); err != nil {
		reservation.Rollback()
		d.fail(ctx, msg, expect, conn.InstanceID(), contact.ID, err)
		return err
	}

	bg := context.WithoutCancel(ctx)
	now := d.now()
	markErr := d.store.MarkMessageSent(bg, msg.ID, expect, conn.InstanceID(), contact.ID, now)
	if markErr != nil {
		d.log.ErrorContext(ctx, "Message delivered but its status could not be recorded", "message_id", msg.ID, "error", markErr)
	}
	if err := reservation.Commit(bg); err != nil {
		d.log.ErrorContext(ctx, "Failed to deduct credit for sent message", "message_id", msg.ID, "error", err)
	}
	if err := d.store.RecordContactSent(bg, contact.ID, now); err != nil {
		d.log.WarnContext(ctx, "Failed to update contact stats", "contact_id", contact.ID, "error", err)
	}
	if err := d.store.IncrementInstanceMessages(bg, conn.InstanceID(), now); err != nil {
		d.log.WarnContext(ctx, "Failed to update instance counter", "instance_id", conn.InstanceID(), "error", err)
	}
	d.events.Publish(bg, events.Event{
		Kind:       events.KindMessageSent,
		OwnerID:    msg.OwnerID,
		InstanceID: conn.InstanceID(),
		MessageID:  msg.ID,
		RuleID:     msg.RuleID,
		Contact:    contact.Address,
	})
	d.log.InfoContext(ctx, "Message sent", "owner_id", msg.OwnerID, "message_id", msg.ID,
		"instance_id", conn.InstanceID(), "kind", msg.Kind)
	return markErr
}

func (d *Dispatcher) send(ctx context.Context, conn *session.Conn, msg *database.Message) error {
	if msg.Kind == database.KindText {
		return conn.SendText(ctx, msg.Recipient, msg.Content)
	}
	m, err := d.media.Load(ctx, msg.MediaRef)
	if err != nil {
		return apperr.NewSendFailed(fmt.Errorf("load media %s: %w", msg.MediaRef, err), false)
	}
	m.Kind = string(msg.Kind)
	return conn.SendMedia(ctx, msg.Recipient, m, msg.Caption)
}

func (d *Dispatcher) fail(ctx context.Context, msg *database.Message, expect database.MessageStatus, instanceID, contactID string, cause error) {
	bg := context.WithoutCancel(ctx)
	if instanceID == "" {
		instanceID = msg.InstanceID
	}
	if err := d.store.MarkMessageFailed(bg, msg.ID, expect, instanceID, contactID, cause.Error()); err != nil {
		d.log.ErrorContext(ctx, "Failed to record message failure", "message_id", msg.ID, "error", err)
		return
	}
	d.events.Publish(bg, events.Event{
		Kind:       events.KindMessageFailed,
		OwnerID:    msg.OwnerID,
		InstanceID: instanceID,
		MessageID:  msg.ID,
		RuleID:     msg.RuleID,
		Detail:     cause.Error(),
	})
	d.log.WarnContext(ctx, "Message failed", "owner_id", msg.OwnerID, "message_id", msg.ID,
		"code", apperr.Code(cause), "error", cause)
}

func (d *Dispatcher) reload(ctx context.Context, msg *database.Message) *database.Message {
	fresh, err := d.store.GetMessageByID(context.WithoutCancel(ctx), msg.ID)
	if err != nil {
		d.log.WarnContext(ctx, "Failed to reload message", "message_id", msg.ID, "error", err)
		return msg
	}
	return fresh
}
