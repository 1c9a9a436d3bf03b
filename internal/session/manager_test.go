package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/edgard/replyhub/internal/chat"
	"github.com/edgard/replyhub/internal/chat/chattest"
	"github.com/edgard/replyhub/internal/database"
	apperr "github.com/edgard/replyhub/internal/errors"
	"github.com/edgard/replyhub/internal/logger"
)

type fixedCeiling int

func (c fixedCeiling) InstanceCeiling(context.Context, string) (int, error) { return int(c), nil }

type fixture struct {
	store   database.Store
	opener  *chattest.Opener
	manager *Manager
}

func newFixture(t *testing.T, ceiling int) *fixture {
	t.Helper()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "session.db"))
	if err != nil {
		t.Fatalf("NewDB() error = %v", err)
	}
	store := database.NewStore(db, logger.Discard())
	opener := chattest.NewOpener()
	registry := chat.NewRegistry()
	registry.Register("whatsapp", opener)

	m := NewManager(store, registry, fixedCeiling(ceiling), nil, Config{
		OpenTimeout:     time.Second,
		SendTimeout:     time.Second,
		MailboxSize:     8,
		DefaultPlatform: "whatsapp",
	}, logger.Discard())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
		database.CloseDB(db)
	})
	return &fixture{store: store, opener: opener, manager: m}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (f *fixture) session(t *testing.T, id string) *chattest.Session {
	t.Helper()
	var s *chattest.Session
	waitFor(t, "session open", func() bool {
		s = f.opener.Session(id)
		return s != nil
	})
	return s
}

func (f *fixture) waitState(t *testing.T, owner, id string, want database.InstanceState) *database.Instance {
	t.Helper()
	var inst *database.Instance
	waitFor(t, "state "+string(want), func() bool {
		var err error
		inst, err = f.manager.Status(context.Background(), owner, id)
		return err == nil && inst.State == want
	})
	return inst
}

func TestLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 5)

	inst, err := f.manager.Create(ctx, "t1", CreateRequest{Label: "main"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if inst.State != database.StateConnecting {
		t.Errorf("created state = %s, want connecting", inst.State)
	}

	s := f.session(t, inst.ID)
	if got, want := s.Request().SessionKey, "tenant_t1_instance_"+inst.ID; got != want {
		t.Errorf("session key = %q, want %q", got, want)
	}

	s.QR("qr-1")
	got := f.waitState(t, "t1", inst.ID, database.StateQRPending)
	if got.QRCode != "qr-1" {
		t.Errorf("QR = %q, want qr-1", got.QRCode)
	}
	s.QR("qr-2")
	waitFor(t, "latest QR", func() bool {
		got, _ = f.manager.Status(ctx, "t1", inst.ID)
		return got.QRCode == "qr-2"
	})

	s.Ready()
	got = f.waitState(t, "t1", inst.ID, database.StateConnected)
	if got.QRCode != "" {
		t.Errorf("QR after ready = %q, want cleared", got.QRCode)
	}
	waitFor(t, "blob stored", func() bool {
		stored, _ := f.store.GetInstanceByID(ctx, inst.ID)
		return stored.SessionBlob == "blob-"+inst.ID
	})

	s.QR("late")
	time.Sleep(20 * time.Millisecond)
	if got, _ = f.manager.Status(ctx, "t1", inst.ID); got.State != database.StateConnected || got.QRCode != "" {
		t.Errorf("QR while connected changed state to %s/%q", got.State, got.QRCode)
	}

	s.Disconnect()
	f.waitState(t, "t1", inst.ID, database.StateDisconnected)
	waitFor(t, "worker exit", func() bool { return f.manager.worker(inst.ID) == nil })
	if s.Closed() != 1 {
		t.Errorf("handle closed %d times, want 1", s.Closed())
	}

	stored, _ := f.store.GetInstanceByID(ctx, inst.ID)
	if stored.State != database.StateDisconnected || stored.QRCode != "" {
		t.Errorf("persisted %s/%q, want disconnected without QR", stored.State, stored.QRCode)
	}
}

func TestCreateRespectsCeiling(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 1)

	if _, err := f.manager.Create(ctx, "t1", CreateRequest{}); err != nil {
		t.Fatal(err)
	}
	_, err := f.manager.Create(ctx, "t1", CreateRequest{})
	if !errors.Is(err, apperr.ErrCapacityExceeded) {
		t.Fatalf("second Create() error = %v, want capacity exceeded", err)
	}
	list, _ := f.manager.List(ctx, "t1")
	if len(list) != 1 {
		t.Errorf("instances = %d, want 1", len(list))
	}
	if keys := f.opener.OpenedKeys(); len(keys) != 1 {
		t.Errorf("sessions opened = %d, want 1", len(keys))
	}
}

func TestCreateValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 5)

	_, err := f.manager.Create(context.Background(), "t1", CreateRequest{Platform: "carrier-pigeon"})
	if !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("unknown platform error = %v, want validation", err)
	}
}

func TestOpenFailureLeavesDisconnected(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 5)
	f.opener.OpenErr = errors.New("platform down")

	inst, err := f.manager.Create(context.Background(), "t1", CreateRequest{})
	if err != nil {
		t.Fatal(err)
	}
	f.waitState(t, "t1", inst.ID, database.StateDisconnected)
}

func TestDeleteReleasesHandle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 5)

	inst, err := f.manager.Create(ctx, "t1", CreateRequest{})
	if err != nil {
		t.Fatal(err)
	}
	s := f.session(t, inst.ID)
	s.QR("qr")
	f.waitState(t, "t1", inst.ID, database.StateQRPending)

	if err := f.manager.Delete(ctx, "intruder", inst.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("cross-tenant Delete() error = %v, want not found", err)
	}
	if err := f.manager.Delete(ctx, "t1", inst.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if s.Closed() != 1 {
		t.Errorf("handle closed %d times, want 1", s.Closed())
	}
	if _, err := f.manager.Status(ctx, "t1", inst.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Status() after delete error = %v, want not found", err)
	}
	if err := f.manager.Delete(ctx, "t1", inst.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("second Delete() error = %v, want not found", err)
	}
}

func TestDeleteWithoutHandle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 5)

	inst, err := f.manager.Create(ctx, "t1", CreateRequest{})
	if err != nil {
		t.Fatal(err)
	}
	s := f.session(t, inst.ID)
	s.Disconnect()
	waitFor(t, "worker exit", func() bool { return f.manager.worker(inst.ID) == nil })

	if err := f.manager.Delete(ctx, "t1", inst.ID); err != nil {
		t.Fatalf("Delete() of disconnected instance error = %v", err)
	}
	if s.Closed() != 1 {
		t.Errorf("handle closed %d times, want exactly 1", s.Closed())
	}
}

func TestExecRequiresConnection(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 5)

	inst, err := f.manager.Create(ctx, "t1", CreateRequest{})
	if err != nil {
		t.Fatal(err)
	}
	s := f.session(t, inst.ID)

	_, err = f.manager.Exec(ctx, "t1", inst.ID, func(ctx context.Context, c *Conn) error {
		return c.SendText(ctx, "5511999990000", "hi")
	})
	if !errors.Is(err, apperr.ErrSessionNotConnected) {
		t.Fatalf("send while connecting error = %v, want session not connected", err)
	}
	if _, err := f.manager.Exec(ctx, "t1", "", func(context.Context, *Conn) error { return nil }); !errors.Is(err, apperr.ErrSessionNotConnected) {
		t.Fatalf("Exec() without connected instance error = %v", err)
	}

	s.Ready()
	f.waitState(t, "t1", inst.ID, database.StateConnected)

	used, err := f.manager.Exec(ctx, "t1", "", func(ctx context.Context, c *Conn) error {
		return c.SendText(ctx, "5511999990000", "hi")
	})
	if err != nil || used != inst.ID {
		t.Fatalf("Exec() = %q, %v", used, err)
	}
	sent := f.opener.Sent()
	if len(sent) != 1 || sent[0].Body != "hi" {
		t.Errorf("sent = %+v", sent)
	}

	s.FailSends(errors.New("boom"))
	_, err = f.manager.Exec(ctx, "t1", inst.ID, func(ctx context.Context, c *Conn) error {
		return c.SendText(ctx, "5511999990000", "again")
	})
	if !errors.Is(err, apperr.ErrSendFailed) || apperr.IsTransient(err) {
		t.Errorf("failed send error = %v, want non-transient send failed", err)
	}

	if _, err := f.manager.Exec(ctx, "intruder", inst.ID, func(context.Context, *Conn) error { return nil }); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("cross-tenant Exec() error = %v, want not found", err)
	}
}

func TestSendTimeoutIsTransient(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 5)
	f.manager.cfg.SendTimeout = 20 * time.Millisecond
	f.opener.AutoReady = true

	inst, err := f.manager.Create(ctx, "t1", CreateRequest{})
	if err != nil {
		t.Fatal(err)
	}
	f.waitState(t, "t1", inst.ID, database.StateConnected)
	release := f.session(t, inst.ID).BlockSends()
	defer release()

	_, err = f.manager.Exec(ctx, "t1", inst.ID, func(ctx context.Context, c *Conn) error {
		return c.SendText(ctx, "5511999990000", "slow")
	})
	if !errors.Is(err, apperr.ErrSendFailed) || !apperr.IsTransient(err) {
		t.Errorf("timed out send error = %v, want transient send failed", err)
	}
}

func TestJobsRunInOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 5)
	f.opener.AutoReady = true

	inst, err := f.manager.Create(ctx, "t1", CreateRequest{})
	if err != nil {
		t.Fatal(err)
	}
	f.waitState(t, "t1", inst.ID, database.StateConnected)

	var (
		mu     sync.Mutex
		order  []int
		active int
		maxAct int
	)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.manager.Exec(ctx, "t1", inst.ID, func(context.Context, *Conn) error {
				mu.Lock()
				active++
				if active > maxAct {
					maxAct = active
				}
				order = append(order, i)
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
			if err != nil {
				t.Errorf("Exec() error = %v", err)
			}
		}(i)
	}
	wg.Wait()
	if maxAct != 1 || len(order) != 20 {
		t.Errorf("max concurrent jobs = %d over %d jobs, want serialized", maxAct, len(order))
	}
}

func TestDeleteAbortsQueuedJobs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 5)
	f.opener.AutoReady = true

	inst, err := f.manager.Create(ctx, "t1", CreateRequest{})
	if err != nil {
		t.Fatal(err)
	}
	f.waitState(t, "t1", inst.ID, database.StateConnected)

	started := make(chan struct{})
	unblock := make(chan struct{})
	go func() {
		_, _ = f.manager.Exec(ctx, "t1", inst.ID, func(context.Context, *Conn) error {
			close(started)
			<-unblock
			return nil
		})
	}()
	<-started

	ran := make(chan struct{}, 1)
	queued := make(chan error, 1)
	go func() {
		_, err := f.manager.Exec(ctx, "t1", inst.ID, func(context.Context, *Conn) error {
			ran <- struct{}{}
			return nil
		})
		queued <- err
	}()
	waitFor(t, "job queued", func() bool {
		w := f.manager.worker(inst.ID)
		return w != nil && len(w.jobs) == 1
	})

	deleted := make(chan error, 1)
	go func() { deleted <- f.manager.Delete(ctx, "t1", inst.ID) }()
	waitFor(t, "worker detached", func() bool { return f.manager.worker(inst.ID) == nil })
	time.Sleep(20 * time.Millisecond)
	close(unblock)

	if err := <-deleted; err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := <-queued; !errors.Is(err, apperr.ErrSessionNotConnected) {
		t.Errorf("queued job error = %v, want session not connected", err)
	}
	select {
	case <-ran:
		t.Error("queued job ran after delete")
	default:
	}
}

func TestConnectWhileDeleting(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 5)
	f.opener.AutoReady = true

	inst, err := f.manager.Create(ctx, "t1", CreateRequest{})
	if err != nil {
		t.Fatal(err)
	}
	f.waitState(t, "t1", inst.ID, database.StateConnected)

	started := make(chan struct{})
	unblock := make(chan struct{})
	go func() {
		_, _ = f.manager.Exec(ctx, "t1", inst.ID, func(context.Context, *Conn) error {
			close(started)
			<-unblock
			return nil
		})
	}()
	<-started

	deleted := make(chan error, 1)
	go func() { deleted <- f.manager.Delete(ctx, "t1", inst.ID) }()
	waitFor(t, "worker detached", func() bool { return f.manager.worker(inst.ID) == nil })

	if _, err := f.manager.Connect(ctx, "t1", inst.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Connect() during delete error = %v, want not found", err)
	}
	if f.manager.worker(inst.ID) != nil {
		t.Error("Connect() started a worker for an instance being deleted")
	}
	close(unblock)

	if err := <-deleted; err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if keys := f.opener.OpenedKeys(); len(keys) != 1 {
		t.Errorf("opened %d sessions, want 1", len(keys))
	}
	if f.manager.isDeleting(inst.ID) {
		t.Error("delete guard not released")
	}
}

func TestInboundHandlerRunsOnWorker(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 5)
	f.opener.AutoReady = true

	got := make(chan error, 1)
	f.manager.SetInboundHandler(func(ctx context.Context, conn *Conn, msg chat.Inbound) {
		_, err := f.manager.Exec(ctx, conn.OwnerID(), conn.InstanceID(), func(ctx context.Context, c *Conn) error {
			return c.SendText(ctx, msg.From, "echo: "+msg.Body)
		})
		got <- err
	})

	inst, err := f.manager.Create(ctx, "t1", CreateRequest{})
	if err != nil {
		t.Fatal(err)
	}
	f.waitState(t, "t1", inst.ID, database.StateConnected)
	f.session(t, inst.ID).Receive("5511988887777", "ping")

	select {
	case err := <-got:
		if err != nil {
			t.Fatalf("inline Exec() error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("inbound handler deadlocked")
	}
	sent := f.opener.Sent()
	if len(sent) != 1 || sent[0].Body != "echo: ping" || sent[0].To != "5511988887777" {
		t.Errorf("sent = %+v", sent)
	}
}

func TestRestoreAndConnect(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 5)

	resumable := &database.Instance{OwnerID: "t1", Label: "a", Platform: "whatsapp", State: database.StateConnected, SessionBlob: "jid-a"}
	fresh := &database.Instance{OwnerID: "t1", Label: "b", Platform: "whatsapp", State: database.StateQRPending, QRCode: "stale"}
	for _, inst := range []*database.Instance{resumable, fresh} {
		if err := f.store.CreateInstanceWithinLimit(ctx, inst, 5); err != nil {
			t.Fatal(err)
		}
	}

	n, err := f.manager.Restore(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Restore() = %d, %v, want 1", n, err)
	}
	if s := f.session(t, resumable.ID); s.Request().SessionBlob != "jid-a" {
		t.Errorf("resumed with blob %q", s.Request().SessionBlob)
	}
	got, _ := f.manager.Status(ctx, "t1", fresh.ID)
	if got.State != database.StateDisconnected || got.QRCode != "" {
		t.Errorf("unresumable instance = %s/%q, want disconnected", got.State, got.QRCode)
	}

	if _, err := f.manager.Connect(ctx, "t1", fresh.ID); err != nil {
		t.Fatal(err)
	}
	f.session(t, fresh.ID)
	if _, err := f.manager.Connect(ctx, "t1", fresh.ID); err != nil {
		t.Fatal(err)
	}
	if keys := f.opener.OpenedKeys(); len(keys) != 2 {
		t.Errorf("opened %d sessions, want 2 (Connect on a live instance is a no-op)", len(keys))
	}
}
