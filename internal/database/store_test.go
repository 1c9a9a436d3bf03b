package database

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	apperr "github.com/edgard/replyhub/internal/errors"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDB() error = %v", err)
	}
	t.Cleanup(func() { CloseDB(db) })
	return NewStore(db, nil)
}

func TestCreateInstanceWithinLimit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	first := &Instance{OwnerID: "owner-1", Label: "main", Platform: "whatsapp"}
	if err := s.CreateInstanceWithinLimit(ctx, first, 1); err != nil {
		t.Fatalf("first create error = %v", err)
	}
	if first.ID == "" || first.State != StateDisconnected {
		t.Errorf("defaults not applied: %+v", first)
	}

	err := s.CreateInstanceWithinLimit(ctx, &Instance{OwnerID: "owner-1", Label: "second", Platform: "whatsapp"}, 1)
	if !errors.Is(err, apperr.ErrCapacityExceeded) {
		t.Fatalf("second create error = %v, want capacity exceeded", err)
	}
	if n, _ := s.CountInstances(ctx, "owner-1"); n != 1 {
		t.Errorf("CountInstances() = %d, want 1", n)
	}

	if err := s.CreateInstanceWithinLimit(ctx, &Instance{OwnerID: "owner-2", Label: "x", Platform: "whatsapp"}, 1); err != nil {
		t.Errorf("other owner create error = %v", err)
	}
}

func TestInstanceStateAndDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	inst := &Instance{OwnerID: "o", Label: "l", Platform: "whatsapp"}
	if err := s.CreateInstanceWithinLimit(ctx, inst, 5); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateInstanceState(ctx, inst.ID, StateQRPending, "qr-1"); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetInstance(ctx, "o", inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != StateQRPending || got.QRCode != "qr-1" {
		t.Errorf("state = %s qr = %q", got.State, got.QRCode)
	}

	if _, err := s.GetInstance(ctx, "someone-else", inst.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("cross-tenant GetInstance error = %v, want not found", err)
	}

	if err := s.ResetInstanceStates(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetInstanceByID(ctx, inst.ID)
	if got.State != StateDisconnected || got.QRCode != "" {
		t.Errorf("after reset state = %s qr = %q", got.State, got.QRCode)
	}

	rule := &Rule{OwnerID: "o", InstanceID: inst.ID, Trigger: "hi", ActionKind: ActionStaticText, Payload: "hello", Active: true}
	if err := s.CreateRule(ctx, rule); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteInstance(ctx, "o", inst.ID); err != nil {
		t.Fatalf("DeleteInstance() error = %v", err)
	}
	if _, err := s.GetRule(ctx, "o", rule.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("rule survived instance delete: %v", err)
	}
	if err := s.DeleteInstance(ctx, "o", inst.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("second DeleteInstance() error = %v, want not found", err)
	}
}

func TestListActiveRulesOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	triggers := []string{"a", "b", "c", "d"}
	for i, tr := range triggers {
		r := &Rule{OwnerID: "o", InstanceID: "i1", Trigger: tr, ActionKind: ActionStaticText, Payload: tr, Active: i != 2}
		if err := s.CreateRule(ctx, r); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.CreateRule(ctx, &Rule{OwnerID: "o", InstanceID: "i2", Trigger: "z", ActionKind: ActionStaticText, Active: true}); err != nil {
		t.Fatal(err)
	}

	rules, err := s.ListActiveRules(ctx, "i1")
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, r := range rules {
		got = append(got, r.Trigger)
	}
	want := []string{"a", "b", "d"}
	if len(got) != len(want) {
		t.Fatalf("active triggers = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("active triggers = %v, want %v", got, want)
		}
	}

	fired := time.Now()
	if err := s.RecordRuleFired(ctx, rules[0].ID, fired); err != nil {
		t.Fatal(err)
	}
	r, _ := s.GetRule(ctx, "o", rules[0].ID)
	if r.UsageCount != 1 || r.LastFiredAt == nil {
		t.Errorf("usage = %d lastFired = %v", r.UsageCount, r.LastFiredAt)
	}
}

func TestFindOrCreateContact(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	c1, err := s.FindOrCreateContact(ctx, "o", "5511999999999", "Ana")
	if err != nil {
		t.Fatal(err)
	}
	c2, err := s.FindOrCreateContact(ctx, "o", "5511999999999", "")
	if err != nil {
		t.Fatal(err)
	}
	if c1.ID != c2.ID {
		t.Errorf("FindOrCreateContact created a duplicate: %s != %s", c1.ID, c2.ID)
	}

	c2.Tags = NewTagList([]string{"vip", " lead ", "vip"})
	if err := s.UpdateContact(ctx, c2); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordContactSent(ctx, c2.ID, time.Now()); err != nil {
		t.Fatal(err)
	}

	list, total, err := s.ListContacts(ctx, "o", ContactFilter{Tag: "lead"})
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || len(list) != 1 || list[0].MessagesSent != 1 {
		t.Fatalf("ListContacts(tag) = %+v total %d", list, total)
	}
	if !list[0].Tags.Has("vip") || len(list[0].Tags) != 2 {
		t.Errorf("tags = %v", list[0].Tags)
	}

	tags, err := s.ListContactTags(ctx, "o")
	if err != nil {
		t.Fatal(err)
	}
	if len(tags) != 2 || tags[0] != "lead" || tags[1] != "vip" {
		t.Errorf("ListContactTags() = %v", tags)
	}
}

func TestMessageLifecycleQueries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	due := &Message{OwnerID: "o", Kind: KindText, Content: "due", Recipient: "1", ScheduledFor: &past}
	later := &Message{OwnerID: "o", Kind: KindText, Content: "later", Recipient: "1", ScheduledFor: &future}
	now := &Message{OwnerID: "o", Kind: KindText, Content: "now", Recipient: "1"}
	for _, m := range []*Message{due, later, now} {
		if err := s.CreateMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	dueList, err := s.ListDueMessages(ctx, time.Now(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(dueList) != 1 || dueList[0].ID != due.ID {
		t.Fatalf("ListDueMessages() = %+v, want only %s", dueList, due.ID)
	}

	ok, err := s.CancelScheduledMessage(ctx, "o", now.ID, time.Now())
	if err != nil || ok {
		t.Errorf("cancel unscheduled = %v, %v; want false", ok, err)
	}
	ok, err = s.CancelScheduledMessage(ctx, "o", due.ID, time.Now())
	if err != nil || ok {
		t.Errorf("cancel already due = %v, %v; want false", ok, err)
	}
	ok, err = s.CancelScheduledMessage(ctx, "o", later.ID, time.Now())
	if err != nil || !ok {
		t.Errorf("cancel scheduled = %v, %v; want true", ok, err)
	}
	ok, _ = s.CancelScheduledMessage(ctx, "o", later.ID, time.Now())
	if ok {
		t.Error("cancelled message cancelled twice")
	}

	if err := s.MarkMessageSent(ctx, now.ID, StatusPending, "inst", "contact", time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkMessageFailed(ctx, due.ID, StatusPending, "inst", "contact", "boom"); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkMessageSent(ctx, later.ID, StatusPending, "inst", "contact", time.Now()); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Errorf("MarkMessageSent() on cancelled message error = %v, want invalid transition", err)
	}
	if err := s.MarkMessageFailed(ctx, now.ID, StatusPending, "inst", "contact", "late"); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Errorf("MarkMessageFailed() on sent message error = %v, want invalid transition", err)
	}
	if got, _ := s.GetMessageByID(ctx, later.ID); got.Status != StatusCancelled {
		t.Errorf("cancelled message status = %s after late update", got.Status)
	}

	stats, err := s.GetMessageStats(ctx, "o")
	if err != nil {
		t.Fatal(err)
	}
	want := MessageStats{Total: 3, Sent: 1, Failed: 1, Cancelled: 1}
	if *stats != want {
		t.Errorf("GetMessageStats() = %+v, want %+v", *stats, want)
	}

	failed, total, err := s.ListMessages(ctx, "o", MessageFilter{Status: StatusFailed})
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || failed[0].Error != "boom" {
		t.Errorf("ListMessages(failed) = %+v total %d", failed, total)
	}
}

func TestDeductCreditClampsAtZero(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	acct, err := s.GetOrCreateAccount(ctx, Account{OwnerID: "o", Plan: "free", MessageCredits: 1, MediaCredits: 0})
	if err != nil {
		t.Fatal(err)
	}
	if acct.MessageCredits != 1 {
		t.Fatalf("seeded credits = %d", acct.MessageCredits)
	}

	for i := 0; i < 3; i++ {
		if err := s.DeductCredit(ctx, "o", false); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.DeductCredit(ctx, "o", true); err != nil {
		t.Fatal(err)
	}

	acct, _ = s.GetOrCreateAccount(ctx, Account{OwnerID: "o", Plan: "free", MessageCredits: 99})
	if acct.MessageCredits != 0 || acct.MediaCredits != 0 {
		t.Errorf("credits = %d/%d, want 0/0", acct.MessageCredits, acct.MediaCredits)
	}

	if err := s.SetAccountPlan(ctx, "o", "basic", 1000, 100); err != nil {
		t.Fatal(err)
	}
	acct, _ = s.GetOrCreateAccount(ctx, Account{OwnerID: "o"})
	if acct.Plan != "basic" || acct.MessageCredits != 1000 || acct.MediaCredits != 100 {
		t.Errorf("after SetAccountPlan = %+v", acct)
	}

	if err := s.DeductCredit(ctx, "missing", false); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("DeductCredit(missing) error = %v, want not found", err)
	}
}
