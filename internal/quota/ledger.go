// Package quota enforces per-tenant credit balances. A send reserves one
// credit before the chat client is called; the reservation is committed on
// success, which deducts the credit, or rolled back on failure.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/edgard/replyhub/internal/config"
	"github.com/edgard/replyhub/internal/database"
	apperr "github.com/edgard/replyhub/internal/errors"
)

// Category is a credit bucket.
type Category string

const (
	CategoryText  Category = "text"
	CategoryMedia Category = "media"
)

// CategoryFor maps a message kind to the bucket it draws from.
func CategoryFor(kind database.MessageKind) Category {
	if kind == database.KindText {
		return CategoryText
	}
	return CategoryMedia
}

// Balance is a tenant's plan and available credits.
type Balance struct {
	OwnerID        string `json:"ownerId"`
	Plan           string `json:"plan"`
	InstanceLimit  int    `json:"instanceLimit"`
	MessageCredits int64  `json:"messageCredits"`
	MediaCredits   int64  `json:"mediaCredits"`
	// Held counts reservations not yet committed or rolled back.
	HeldMessages int64 `json:"heldMessages"`
	HeldMedia    int64 `json:"heldMedia"`
}

type account struct {
	mu        sync.Mutex
	heldText  int64
	heldMedia int64
}

func (a *account) held(c Category) *int64 {
	if c == CategoryMedia {
		return &a.heldMedia
	}
	return &a.heldText
}

// Ledger serializes reserve, commit and rollback per account.
type Ledger struct {
	store       database.AccountStore
	plans       map[string]config.PlanConfig
	defaultPlan string
	log         *slog.Logger

	mu       sync.Mutex
	accounts map[string]*account
}

func NewLedger(store database.AccountStore, plans map[string]config.PlanConfig, defaultPlan string, log *slog.Logger) *Ledger {
	if log == nil {
		log = slog.Default()
	}
	return &Ledger{
		store:       store,
		plans:       plans,
		defaultPlan: defaultPlan,
		log:         log.With("component", "quota_ledger"),
		accounts:    make(map[string]*account),
	}
}

func (l *Ledger) account(ownerID string) *account {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.accounts[ownerID]
	if !ok {
		a = &account{}
		l.accounts[ownerID] = a
	}
	return a
}

func (l *Ledger) load(ctx context.Context, ownerID string) (*database.Account, error) {
	plan := l.plans[l.defaultPlan]
	return l.store.GetOrCreateAccount(ctx, database.Account{
		OwnerID:        ownerID,
		Plan:           l.defaultPlan,
		MessageCredits: int64(plan.MessageCredits),
		MediaCredits:   int64(plan.MediaCredits),
	})
}

// Reservation is one held credit. Exactly one of Commit or Rollback takes
// effect; later calls are no-ops.
type Reservation struct {
	ledger   *Ledger
	ownerID  string
	category Category
	once     sync.Once
}

// Reserve holds one credit of category for ownerID. It fails with a quota
// error, holding nothing, when no unheld credit remains.
func (l *Ledger) Reserve(ctx context.Context, ownerID string, category Category) (*Reservation, error) {
	a := l.account(ownerID)
	a.mu.Lock()
	defer a.mu.Unlock()

	acct, err := l.load(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	credits := acct.MessageCredits
	if category == CategoryMedia {
		credits = acct.MediaCredits
	}
	held := a.held(category)
	if credits-*held <= 0 {
		l.log.InfoContext(ctx, "Quota exhausted", "owner_id", ownerID, "category", category,
			"credits", credits, "held", *held)
		return nil, apperr.NewQuotaExceeded(string(category))
	}
	*held++
	return &Reservation{ledger: l, ownerID: ownerID, category: category}, nil
}

// Commit deducts the reserved credit.
func (r *Reservation) Commit(ctx context.Context) error {
	var err error
	r.once.Do(func() {
		a := r.ledger.account(r.ownerID)
		a.mu.Lock()
		defer a.mu.Unlock()
		*a.held(r.category)--
		err = r.ledger.store.DeductCredit(ctx, r.ownerID, r.category == CategoryMedia)
		if err != nil {
			r.ledger.log.ErrorContext(ctx, "Failed to commit reservation", "owner_id", r.ownerID,
				"category", r.category, "error", err)
		}
	})
	return err
}

// Rollback releases the reserved credit without deducting it.
func (r *Reservation) Rollback() {
	r.once.Do(func() {
		a := r.ledger.account(r.ownerID)
		a.mu.Lock()
		defer a.mu.Unlock()
		*a.held(r.category)--
	})
}

// Balance reports the tenant's plan and credits.
func (l *Ledger) Balance(ctx context.Context, ownerID string) (*Balance, error) {
	a := l.account(ownerID)
	a.mu.Lock()
	defer a.mu.Unlock()

	acct, err := l.load(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	return &Balance{
		OwnerID:        ownerID,
		Plan:           acct.Plan,
		InstanceLimit:  l.plans[acct.Plan].InstanceLimit,
		MessageCredits: acct.MessageCredits,
		MediaCredits:   acct.MediaCredits,
		HeldMessages:   a.heldText,
		HeldMedia:      a.heldMedia,
	}, nil
}

// InstanceCeiling returns how many instances the tenant's plan allows.
func (l *Ledger) InstanceCeiling(ctx context.Context, ownerID string) (int, error) {
	acct, err := l.load(ctx, ownerID)
	if err != nil {
		return 0, err
	}
	plan, ok := l.plans[acct.Plan]
	if !ok {
		return 0, apperr.NewConfigError(fmt.Sprintf("account %s is on unknown plan %q", ownerID, acct.Plan), nil)
	}
	return plan.InstanceLimit, nil
}

// ApplyPlan assigns plan to the tenant and resets both balances to the plan's
// allotment. It is the entry point used by the billing collaborator.
func (l *Ledger) ApplyPlan(ctx context.Context, ownerID, plan string) (*Balance, error) {
	p, ok := l.plans[plan]
	if !ok {
		return nil, apperr.NewValidationError(fmt.Sprintf("unknown plan %q", plan), nil)
	}

	a := l.account(ownerID)
	a.mu.Lock()
	err := l.store.SetAccountPlan(ctx, ownerID, plan, int64(p.MessageCredits), int64(p.MediaCredits))
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return l.Balance(ctx, ownerID)
}
