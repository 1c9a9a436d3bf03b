// Package session owns the live chat sessions of every tenant. Each live
// instance has a dedicated worker goroutine that serializes its lifecycle
// events, inbound messages and outbound sends; different instances run in
// parallel.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/edgard/replyhub/internal/chat"
	"github.com/edgard/replyhub/internal/database"
	apperr "github.com/edgard/replyhub/internal/errors"
	"github.com/edgard/replyhub/internal/events"
	"github.com/edgard/replyhub/internal/resilience"
)

// Config bounds the manager's external calls and mailboxes.
type Config struct {
	OpenTimeout     time.Duration
	SendTimeout     time.Duration
	MailboxSize     int
	DefaultPlatform string
}

// CapacityChecker reports how many instances a tenant may own.
type CapacityChecker interface {
	InstanceCeiling(ctx context.Context, ownerID string) (int, error)
}

// InboundHandler processes a message received by an instance. It runs on the
// instance's worker, so sends through conn execute inline.
type InboundHandler func(ctx context.Context, conn *Conn, msg chat.Inbound)

// CreateRequest describes a new instance.
type CreateRequest struct {
	Label    string
	Platform string
	// Token is the platform credential for token-based platforms (Telegram).
	Token string
}

// Manager is the registry of session workers.
type Manager struct {
	store    database.InstanceStore
	registry *chat.Registry
	capacity CapacityChecker
	events   events.Publisher
	cfg      Config
	log      *slog.Logger

	mu       sync.Mutex
	workers  map[string]*worker
	deleting map[string]struct{}
	inbound  InboundHandler
	shutdown bool
	wg       sync.WaitGroup
}

func NewManager(store database.InstanceStore, registry *chat.Registry, capacity CapacityChecker,
	publisher events.Publisher, cfg Config, log *slog.Logger,
) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if publisher == nil {
		publisher = events.Discard{}
	}
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = 64
	}
	return &Manager{
		store:    store,
		registry: registry,
		capacity: capacity,
		events:   publisher,
		cfg:      cfg,
		log:      log.With("component", "session_manager"),
		workers:  make(map[string]*worker),
		deleting: make(map[string]struct{}),
	}
}

// SetInboundHandler installs the handler for inbound messages. It must be
// called before Restore or Create.
func (m *Manager) SetInboundHandler(h InboundHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inbound = h
}

func (m *Manager) inboundHandler() InboundHandler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inbound
}

func (m *Manager) worker(id string) *worker {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.workers[id]
}

func (m *Manager) isDeleting(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.deleting[id]
	return ok
}

func (m *Manager) forget(w *worker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.workers[w.id] == w {
		delete(m.workers, w.id)
	}
}

// start launches a worker for inst unless one is already live. An instance
// being deleted is reported as not found.
func (m *Manager) start(inst database.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shutdown {
		return errors.New("session manager is shut down")
	}
	if _, ok := m.deleting[inst.ID]; ok {
		return apperr.NewNotFound("instance", inst.ID)
	}
	if _, ok := m.workers[inst.ID]; ok {
		return nil
	}
	w := newWorker(m, inst)
	m.workers[inst.ID] = w
	m.wg.Add(1)
	go w.run()
	return nil
}

// Create registers a new instance for ownerID and starts connecting it. The
// tenant's plan ceiling is enforced atomically with the insert.
func (m *Manager) Create(ctx context.Context, ownerID string, req CreateRequest) (*database.Instance, error) {
	platform := strings.TrimSpace(req.Platform)
	if platform == "" {
		platform = m.cfg.DefaultPlatform
	}
	if _, err := m.registry.Get(platform); err != nil {
		return nil, apperr.NewValidationError(err.Error(), nil)
	}
	if platform == "telegram" && req.Token == "" {
		return nil, apperr.NewValidationError("telegram instances require a bot token", nil)
	}
	label := strings.TrimSpace(req.Label)
	if label == "" {
		label = platform
	}

	ceiling, err := m.capacity.InstanceCeiling(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	inst := &database.Instance{
		OwnerID:     ownerID,
		Label:       label,
		Platform:    platform,
		State:       database.StateConnecting,
		SessionBlob: req.Token,
	}
	if err := m.store.CreateInstanceWithinLimit(ctx, inst, ceiling); err != nil {
		return nil, err
	}
	m.log.InfoContext(ctx, "Instance created", "owner_id", ownerID, "instance_id", inst.ID, "platform", platform)

	if err := m.start(*inst); err != nil {
		return nil, err
	}
	return inst, nil
}

func (m *Manager) overlay(inst *database.Instance) {
	if w := m.worker(inst.ID); w != nil {
		st := w.snapshot()
		inst.State = st.State
		inst.QRCode = st.QR
	}
}

// List returns the owner's instances in creation order.
func (m *Manager) List(ctx context.Context, ownerID string) ([]database.Instance, error) {
	instances, err := m.store.ListInstances(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	for i := range instances {
		m.overlay(&instances[i])
	}
	return instances, nil
}

// Status returns the instance with its live state and QR challenge.
func (m *Manager) Status(ctx context.Context, ownerID, id string) (*database.Instance, error) {
	inst, err := m.store.GetInstance(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	m.overlay(inst)
	return inst, nil
}

// Connect reopens a disconnected instance. It is a no-op for a live one.
func (m *Manager) Connect(ctx context.Context, ownerID, id string) (*database.Instance, error) {
	inst, err := m.store.GetInstance(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if m.worker(id) == nil {
		if m.isDeleting(id) {
			return nil, apperr.NewNotFound("instance", id)
		}
		if err := m.store.UpdateInstanceState(ctx, id, database.StateConnecting, ""); err != nil {
			return nil, err
		}
		inst.State = database.StateConnecting
		inst.QRCode = ""
		if err := m.start(*inst); err != nil {
			return nil, err
		}
		m.log.InfoContext(ctx, "Instance reconnecting", "owner_id", ownerID, "instance_id", id)
	}
	m.overlay(inst)
	return inst, nil
}

// Delete releases the instance's handle, if any, and removes its record.
func (m *Manager) Delete(ctx context.Context, ownerID, id string) error {
	if _, err := m.store.GetInstance(ctx, ownerID, id); err != nil {
		return err
	}

	m.mu.Lock()
	w := m.workers[id]
	delete(m.workers, id)
	m.deleting[id] = struct{}{}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.deleting, id)
		m.mu.Unlock()
	}()

	if w != nil {
		w.requestStop(stopDeleted)
		select {
		case <-w.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := m.store.DeleteInstance(ctx, ownerID, id); err != nil {
		return err
	}
	m.events.Publish(ctx, events.Event{Kind: events.KindInstanceDeleted, OwnerID: ownerID, InstanceID: id})
	m.log.InfoContext(ctx, "Instance deleted", "owner_id", ownerID, "instance_id", id, "had_session", w != nil)
	return nil
}

// Restore marks every stored instance disconnected, then reopens those that
// hold a session blob. It returns how many were reopened.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	if err := m.store.ResetInstanceStates(ctx); err != nil {
		return 0, err
	}
	instances, err := m.store.ListResumableInstances(ctx)
	if err != nil {
		return 0, err
	}

	restored := 0
	for _, inst := range instances {
		if _, err := m.registry.Get(inst.Platform); err != nil {
			m.log.WarnContext(ctx, "Skipping instance on disabled platform", "instance_id", inst.ID, "platform", inst.Platform)
			continue
		}
		if err := m.store.UpdateInstanceState(ctx, inst.ID, database.StateConnecting, ""); err != nil {
			return restored, err
		}
		inst.State = database.StateConnecting
		if err := m.start(inst); err != nil {
			return restored, err
		}
		restored++
	}
	m.log.InfoContext(ctx, "Sessions restored", "count", restored, "stored", len(instances))
	return restored, nil
}

// Shutdown stops every worker and waits for them to exit.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.shutdown = true
	workers := make([]*worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.mu.Unlock()

	for _, w := range workers {
		w.requestStop(stopShutdown)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.log.Info("Session manager stopped", "workers", len(workers))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("session manager shutdown: %w", ctx.Err())
	}
}

// Exec runs fn on the worker of the owner's instance and returns the id of
// the instance used. An empty instanceID selects the owner's first connected
// instance. Called from the same worker, fn runs inline.
func (m *Manager) Exec(ctx context.Context, ownerID, instanceID string, fn func(context.Context, *Conn) error) (string, error) {
	if instanceID == "" {
		id, err := m.firstConnected(ctx, ownerID)
		if err != nil {
			return "", err
		}
		instanceID = id
	} else if _, err := m.store.GetInstance(ctx, ownerID, instanceID); err != nil {
		return instanceID, err
	}

	w := m.worker(instanceID)
	if w == nil {
		return instanceID, apperr.NewSessionNotConnected(instanceID, nil)
	}
	if workerFrom(ctx) == w {
		return instanceID, fn(ctx, &Conn{w: w})
	}

	j := job{ctx: ctx, fn: fn, res: make(chan error, 1)}
	select {
	case w.jobs <- j:
	case <-w.done:
		return instanceID, apperr.NewSessionNotConnected(instanceID, nil)
	case <-ctx.Done():
		return instanceID, ctx.Err()
	}

	select {
	case err := <-j.res:
		return instanceID, err
	case <-w.done:
		select {
		case err := <-j.res:
			return instanceID, err
		default:
			return instanceID, apperr.NewSessionNotConnected(instanceID, nil)
		}
	case <-ctx.Done():
		return instanceID, ctx.Err()
	}
}

func (m *Manager) firstConnected(ctx context.Context, ownerID string) (string, error) {
	instances, err := m.store.ListInstances(ctx, ownerID)
	if err != nil {
		return "", err
	}
	for _, inst := range instances {
		if w := m.worker(inst.ID); w != nil && w.snapshot().State == database.StateConnected {
			return inst.ID, nil
		}
	}
	return "", apperr.NewSessionNotConnected("", errors.New("tenant has no connected instance"))
}

// Conn is an instance's handle as seen by code running on its worker.
type Conn struct {
	w *worker
}

func (c *Conn) InstanceID() string { return c.w.id }
func (c *Conn) OwnerID() string    { return c.w.ownerID }
func (c *Conn) Platform() string   { return c.w.platform }

// SendText sends body to the recipient address.
func (c *Conn) SendText(ctx context.Context, to, body string) error {
	return c.send(ctx, func(ctx context.Context) error {
		return c.w.handle.SendText(ctx, to, body)
	})
}

// SendMedia uploads and sends media to the recipient address.
func (c *Conn) SendMedia(ctx context.Context, to string, media chat.Media, caption string) error {
	return c.send(ctx, func(ctx context.Context) error {
		return c.w.handle.SendMedia(ctx, to, media, caption)
	})
}

func (c *Conn) send(ctx context.Context, op func(context.Context) error) error {
	if c.w.snapshot().State != database.StateConnected || c.w.handle == nil {
		return apperr.NewSessionNotConnected(c.w.id, nil)
	}
	err := resilience.WithTimeout(ctx, c.w.m.cfg.SendTimeout, op)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, chat.ErrNotConnected):
		return apperr.NewSessionNotConnected(c.w.id, err)
	case resilience.IsTimeout(err):
		return apperr.NewSendFailed(err, true)
	default:
		return apperr.NewSendFailed(err, false)
	}
}
