// Package contacts normalizes counterparty addresses and manages the
// tenant-facing contact book.
package contacts

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/edgard/replyhub/internal/chat/telegram"
	"github.com/edgard/replyhub/internal/database"
	apperr "github.com/edgard/replyhub/internal/errors"
)

// Normalize canonicalizes an address typed by a tenant. The default
// countryCode is prefixed when missing unless the address starts with "+",
// which marks it as already international. Telegram addresses are returned
// unchanged after validation.
func Normalize(addr, countryCode string) (string, error) {
	addr = strings.TrimSpace(addr)
	digits, telegramAddr, err := canonical(addr)
	if err != nil || telegramAddr || strings.HasPrefix(addr, "+") {
		return digits, err
	}
	if !strings.HasPrefix(digits, countryCode) {
		digits = countryCode + digits
	}
	return digits, nil
}

// NormalizeInternational canonicalizes an address that already carries its
// country code, such as a sender reported by a chat platform or a stored
// contact address. No country code is ever added.
func NormalizeInternational(addr string) (string, error) {
	digits, _, err := canonical(strings.TrimSpace(addr))
	return digits, err
}

func canonical(addr string) (string, bool, error) {
	if strings.HasPrefix(addr, telegram.AddressPrefix) {
		if _, err := telegram.ParseAddress(addr); err != nil {
			return "", true, apperr.NewValidationError("invalid telegram address", err)
		}
		return addr, true, nil
	}
	if at := strings.IndexByte(addr, '@'); at >= 0 {
		addr = addr[:at]
	}

	var b strings.Builder
	for _, r := range addr {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "", false, apperr.NewValidationError("address has no digits: "+addr, nil)
	}
	return b.String(), false, nil
}

// Update carries the editable fields of a contact. Nil fields are unchanged.
type Update struct {
	Name    *string
	Tags    []string
	Notes   *string
	Blocked *bool
}

// Service resolves and manages contacts for all tenants.
type Service struct {
	store       database.ContactStore
	countryCode string
	log         *slog.Logger
}

func NewService(store database.ContactStore, countryCode string, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, countryCode: countryCode, log: log.With("component", "contacts")}
}

// Normalize applies the service's default country code.
func (s *Service) Normalize(addr string) (string, error) {
	return Normalize(addr, s.countryCode)
}

// Resolve finds or creates the owner's contact for an address typed by the
// tenant.
func (s *Service) Resolve(ctx context.Context, ownerID, addr, name string) (*database.Contact, error) {
	normalized, err := s.Normalize(addr)
	if err != nil {
		return nil, err
	}
	return s.store.FindOrCreateContact(ctx, ownerID, normalized, name)
}

// ResolveInternational finds or creates the owner's contact for an address
// that already carries its country code.
func (s *Service) ResolveInternational(ctx context.Context, ownerID, addr, name string) (*database.Contact, error) {
	normalized, err := NormalizeInternational(addr)
	if err != nil {
		return nil, err
	}
	return s.store.FindOrCreateContact(ctx, ownerID, normalized, name)
}

// RecordReceived resolves the sender of an inbound message and bumps its
// received counter. Platforms report senders in international form.
func (s *Service) RecordReceived(ctx context.Context, ownerID, addr, name string, at time.Time) (*database.Contact, error) {
	c, err := s.ResolveInternational(ctx, ownerID, addr, name)
	if err != nil {
		return nil, err
	}
	if err := s.store.RecordContactReceived(ctx, c.ID, at); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Service) List(ctx context.Context, ownerID string, filter database.ContactFilter) ([]database.Contact, int64, error) {
	return s.store.ListContacts(ctx, ownerID, filter)
}

func (s *Service) Get(ctx context.Context, ownerID, id string) (*database.Contact, error) {
	return s.store.GetContact(ctx, ownerID, id)
}

func (s *Service) Update(ctx context.Context, ownerID, id string, u Update) (*database.Contact, error) {
	c, err := s.store.GetContact(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if u.Name != nil {
		c.Name = strings.TrimSpace(*u.Name)
	}
	if u.Tags != nil {
		c.Tags = database.NewTagList(u.Tags)
	}
	if u.Notes != nil {
		c.Notes = *u.Notes
	}
	if u.Blocked != nil {
		c.Blocked = *u.Blocked
	}
	if err := s.store.UpdateContact(ctx, c); err != nil {
		return nil, err
	}
	s.log.InfoContext(ctx, "Contact updated", "owner_id", ownerID, "contact_id", id)
	return c, nil
}

func (s *Service) Delete(ctx context.Context, ownerID, id string) error {
	return s.store.DeleteContact(ctx, ownerID, id)
}

func (s *Service) Tags(ctx context.Context, ownerID string) ([]string, error) {
	return s.store.ListContactTags(ctx, ownerID)
}

func (s *Service) Stats(ctx context.Context, ownerID string) (*database.ContactStats, error) {
	return s.store.GetContactStats(ctx, ownerID)
}
