package rules

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/edgard/replyhub/internal/chat"
	"github.com/edgard/replyhub/internal/contacts"
	"github.com/edgard/replyhub/internal/database"
	"github.com/edgard/replyhub/internal/dispatch"
	apperr "github.com/edgard/replyhub/internal/errors"
	"github.com/edgard/replyhub/internal/events"
	"github.com/edgard/replyhub/internal/generate"
	"github.com/edgard/replyhub/internal/logger"
	"github.com/edgard/replyhub/internal/media"
	"github.com/edgard/replyhub/internal/session"
)

// Match returns the rules whose trigger occurs in body, ignoring case, in the
// order given. Every matching rule is returned.
func Match(rules []database.Rule, body string) []database.Rule {
	lower := strings.ToLower(body)
	var fired []database.Rule
	for _, r := range rules {
		trigger := strings.ToLower(strings.TrimSpace(r.Trigger))
		if trigger == "" {
			continue
		}
		if strings.Contains(lower, trigger) {
			fired = append(fired, r)
		}
	}
	return fired
}

// Outcome is the result of one fired rule.
type Outcome struct {
	RuleID  string
	Message *database.Message
	Err     error
}

// Engine evaluates inbound messages against the receiving instance's rules.
type Engine struct {
	store      database.Store
	contacts   *contacts.Service
	dispatcher *dispatch.Dispatcher
	generator  generate.Generator
	events     events.Publisher
	log        *slog.Logger
}

func NewEngine(store database.Store, contactSvc *contacts.Service, dispatcher *dispatch.Dispatcher,
	generator generate.Generator, publisher events.Publisher, log *slog.Logger,
) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if publisher == nil {
		publisher = events.Discard{}
	}
	return &Engine{
		store:      store,
		contacts:   contactSvc,
		dispatcher: dispatcher,
		generator:  generator,
		events:     publisher,
		log:        log.With("component", "rule_engine"),
	}
}

// HandleInbound is installed as the session manager's inbound handler.
func (e *Engine) HandleInbound(ctx context.Context, conn *session.Conn, msg chat.Inbound) {
	e.Evaluate(ctx, conn, msg)
}

// Evaluate records the inbound message and fires every matching rule. A
// failing rule never stops the ones after it.
func (e *Engine) Evaluate(ctx context.Context, conn *session.Conn, msg chat.Inbound) []Outcome {
	log := e.log.With("owner_id", conn.OwnerID(), "instance_id", conn.InstanceID())
	at := msg.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	contact, err := e.contacts.RecordReceived(ctx, conn.OwnerID(), msg.From, msg.FromName, at)
	if err != nil {
		log.WarnContext(ctx, "Ignoring inbound message from unusable address", "from", msg.From, "error", err)
		return nil
	}
	if err := e.store.TouchInstance(ctx, conn.InstanceID(), at); err != nil {
		log.WarnContext(ctx, "Failed to update instance activity", "error", err)
	}
	e.events.Publish(ctx, events.Event{
		Kind:       events.KindMessageReceived,
		OwnerID:    conn.OwnerID(),
		InstanceID: conn.InstanceID(),
		Contact:    contact.Address,
	})
	if contact.Blocked {
		log.DebugContext(ctx, "Inbound message from blocked contact", "contact_id", contact.ID)
		return nil
	}

	active, err := e.store.ListActiveRules(ctx, conn.InstanceID())
	if err != nil {
		log.ErrorContext(ctx, "Failed to load rules", "error", err)
		return nil
	}
	fired := Match(active, msg.Body)
	if len(fired) == 0 {
		return nil
	}
	log.DebugContext(ctx, "Rules matched", "count", len(fired), "body", logger.Truncate(msg.Body, 80))

	outcomes := make([]Outcome, 0, len(fired))
	for _, rule := range fired {
		m, err := e.fire(ctx, conn, rule, contact.Address, msg.Body)
		outcomes = append(outcomes, Outcome{RuleID: rule.ID, Message: m, Err: err})
		if err != nil {
			log.WarnContext(ctx, "Rule action failed", "rule_id", rule.ID, "code", apperr.Code(err), "error", err)
			continue
		}

		now := time.Now().UTC()
		if err := e.store.RecordRuleFired(context.WithoutCancel(ctx), rule.ID, now); err != nil {
			log.ErrorContext(ctx, "Failed to record rule usage", "rule_id", rule.ID, "error", err)
		}
		e.events.Publish(ctx, events.Event{
			Kind:       events.KindRuleFired,
			OwnerID:    conn.OwnerID(),
			InstanceID: conn.InstanceID(),
			RuleID:     rule.ID,
			MessageID:  m.ID,
			Contact:    contact.Address,
		})
		log.InfoContext(ctx, "Rule fired", "rule_id", rule.ID, "message_id", m.ID)
	}
	return outcomes
}

func (e *Engine) fire(ctx context.Context, conn *session.Conn, rule database.Rule, to, body string) (*database.Message, error) {
	action := dispatch.RuleAction{RuleID: rule.ID, Recipient: to}

	switch rule.ActionKind {
	case database.ActionStaticText:
		action.Kind = database.KindText
		action.Content = rule.Payload
	case database.ActionGeneratedText:
		reply, err := e.generate(ctx, body)
		if err != nil {
			return nil, err
		}
		action.Kind = database.KindText
		action.Content = reply
	case database.ActionMedia:
		action.Kind = database.MessageKind(media.KindFor(rule.Payload))
		action.MediaRef = rule.Payload
	default:
		return nil, apperr.NewValidationError("unknown action kind "+string(rule.ActionKind), nil)
	}

	return e.dispatcher.DispatchRuleAction(ctx, conn, action)
}

func (e *Engine) generate(ctx context.Context, body string) (string, error) {
	if e.generator == nil {
		return "", apperr.NewGenerationFailed(errors.New("no text generator configured"), false)
	}
	reply, err := e.generator.Generate(ctx, body)
	if err != nil {
		if errors.Is(err, apperr.ErrGenerationFailed) {
			return "", err
		}
		return "", apperr.NewGenerationFailed(err, false)
	}
	if strings.TrimSpace(reply) == "" {
		return "", apperr.NewGenerationFailed(errors.New("empty reply"), false)
	}
	return reply, nil
}
