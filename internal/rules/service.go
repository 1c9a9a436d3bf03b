// Package rules manages tenant automation rules and evaluates them against
// inbound messages.
package rules

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/edgard/replyhub/internal/database"
	apperr "github.com/edgard/replyhub/internal/errors"
)

// Input carries the fields of a new rule.
type Input struct {
	InstanceID string
	Name       string
	Trigger    string
	ActionKind database.ActionKind
	Payload    string
	Active     *bool
}

// Update carries the editable fields of a rule. Nil fields are unchanged.
type Update struct {
	Name       *string
	Trigger    *string
	ActionKind *database.ActionKind
	Payload    *string
	Active     *bool
}

// Service is the tenant-facing rule store.
type Service struct {
	store database.Store
	log   *slog.Logger
}

func NewService(store database.Store, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, log: log.With("component", "rules")}
}

func validateRule(r *database.Rule) error {
	r.Trigger = strings.TrimSpace(r.Trigger)
	if r.Trigger == "" {
		return apperr.NewValidationError("trigger must not be empty", nil)
	}
	if !r.ActionKind.Valid() {
		return apperr.NewValidationError(fmt.Sprintf("unknown action kind %q", r.ActionKind), nil)
	}
	if r.ActionKind != database.ActionGeneratedText && strings.TrimSpace(r.Payload) == "" {
		return apperr.NewValidationError(string(r.ActionKind)+" rules need a payload", nil)
	}
	return nil
}

// Create stores a rule on one of the owner's instances. Rules are active
// unless the input says otherwise.
func (s *Service) Create(ctx context.Context, ownerID string, in Input) (*database.Rule, error) {
	rule := &database.Rule{
		OwnerID:    ownerID,
		InstanceID: in.InstanceID,
		Name:       strings.TrimSpace(in.Name),
		Trigger:    in.Trigger,
		ActionKind: in.ActionKind,
		Payload:    in.Payload,
		Active:     in.Active == nil || *in.Active,
	}
	if err := validateRule(rule); err != nil {
		return nil, err
	}
	if _, err := s.store.GetInstance(ctx, ownerID, in.InstanceID); err != nil {
		return nil, err
	}
	if err := s.store.CreateRule(ctx, rule); err != nil {
		return nil, err
	}
	s.log.InfoContext(ctx, "Rule created", "owner_id", ownerID, "rule_id", rule.ID,
		"instance_id", rule.InstanceID, "action", rule.ActionKind)
	return rule, nil
}

// List returns the owner's rules, optionally for one instance.
func (s *Service) List(ctx context.Context, ownerID, instanceID string) ([]database.Rule, error) {
	return s.store.ListRules(ctx, ownerID, instanceID)
}

func (s *Service) Get(ctx context.Context, ownerID, id string) (*database.Rule, error) {
	return s.store.GetRule(ctx, ownerID, id)
}

func (s *Service) Update(ctx context.Context, ownerID, id string, u Update) (*database.Rule, error) {
	rule, err := s.store.GetRule(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if u.Name != nil {
		rule.Name = strings.TrimSpace(*u.Name)
	}
	if u.Trigger != nil {
		rule.Trigger = *u.Trigger
	}
	if u.ActionKind != nil {
		rule.ActionKind = *u.ActionKind
	}
	if u.Payload != nil {
		rule.Payload = *u.Payload
	}
	if u.Active != nil {
		rule.Active = *u.Active
	}
	if err := validateRule(rule); err != nil {
		return nil, err
	}
	if err := s.store.UpdateRule(ctx, rule); err != nil {
		return nil, err
	}
	return rule, nil
}

func (s *Service) Delete(ctx context.Context, ownerID, id string) error {
	if err := s.store.DeleteRule(ctx, ownerID, id); err != nil {
		return err
	}
	s.log.InfoContext(ctx, "Rule deleted", "owner_id", ownerID, "rule_id", id)
	return nil
}
