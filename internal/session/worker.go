package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/edgard/replyhub/internal/chat"
	"github.com/edgard/replyhub/internal/database"
	apperr "github.com/edgard/replyhub/internal/errors"
	"github.com/edgard/replyhub/internal/events"
	"github.com/edgard/replyhub/internal/resilience"
)

// Status is the live view of an instance's lifecycle.
type Status struct {
	State database.InstanceState
	QR    string
}

type stopReason int

const (
	stopNone stopReason = iota
	stopDeleted
	stopShutdown
)

type job struct {
	ctx context.Context
	fn  func(context.Context, *Conn) error
	res chan error
}

type workerKey struct{}

func withWorker(ctx context.Context, w *worker) context.Context {
	return context.WithValue(ctx, workerKey{}, w)
}

func workerFrom(ctx context.Context) *worker {
	w, _ := ctx.Value(workerKey{}).(*worker)
	return w
}

// worker owns one instance's handle. Every lifecycle event, inbound message
// and send job for the instance runs on its goroutine.
type worker struct {
	m        *Manager
	id       string
	ownerID  string
	platform string
	blob     string
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	evMu     sync.Mutex
	evQueue  []chat.Event
	evDead   bool
	evSignal chan struct{}

	jobs chan job

	stopOnce sync.Once
	stop     chan struct{}
	reason   atomic.Int32
	done     chan struct{}

	handle    chat.Handle
	closeOnce sync.Once
	status    atomic.Pointer[Status]
}

func newWorker(m *Manager, inst database.Instance) *worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &worker{
		m:        m,
		id:       inst.ID,
		ownerID:  inst.OwnerID,
		platform: inst.Platform,
		blob:     inst.SessionBlob,
		log:      m.log.With("instance_id", inst.ID, "owner_id", inst.OwnerID),
		ctx:      ctx,
		cancel:   cancel,
		evSignal: make(chan struct{}, 1),
		jobs:     make(chan job, m.cfg.MailboxSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	w.status.Store(&Status{State: database.StateConnecting})
	return w
}

func (w *worker) snapshot() Status {
	return *w.status.Load()
}

// sink is handed to the chat platform. It never blocks.
func (w *worker) sink(ev chat.Event) {
	w.evMu.Lock()
	if w.evDead {
		w.evMu.Unlock()
		return
	}
	w.evQueue = append(w.evQueue, ev)
	w.evMu.Unlock()

	select {
	case w.evSignal <- struct{}{}:
	default:
	}
}

func (w *worker) popEvent() (chat.Event, bool) {
	w.evMu.Lock()
	defer w.evMu.Unlock()
	if len(w.evQueue) == 0 {
		return chat.Event{}, false
	}
	ev := w.evQueue[0]
	w.evQueue[0] = chat.Event{}
	w.evQueue = w.evQueue[1:]
	return ev, true
}

func (w *worker) requestStop(reason stopReason) {
	w.stopOnce.Do(func() {
		w.reason.Store(int32(reason))
		close(w.stop)
		w.cancel()
	})
}

func (w *worker) stopping() bool {
	select {
	case <-w.stop:
		return true
	default:
		return false
	}
}

func (w *worker) run() {
	defer w.m.wg.Done()
	defer w.exit()

	if !w.open() {
		return
	}

	for {
		if w.stopping() {
			return
		}
		if ev, ok := w.popEvent(); ok {
			if !w.handleEvent(ev) {
				return
			}
			continue
		}
		select {
		case <-w.stop:
			return
		case <-w.evSignal:
		case j := <-w.jobs:
			w.runJob(j)
		}
	}
}

func (w *worker) open() bool {
	opener, err := w.m.registry.Get(w.platform)
	if err != nil {
		w.log.Error("No opener for platform", "platform", w.platform, "error", err)
		w.setState(database.StateDisconnected, "")
		return false
	}

	req := chat.OpenRequest{
		SessionKey:  chat.SessionKey(w.ownerID, w.id),
		InstanceID:  w.id,
		SessionBlob: w.blob,
	}
	err = resilience.WithTimeout(w.ctx, w.m.cfg.OpenTimeout, func(ctx context.Context) error {
		h, err := opener.Open(ctx, req, w.sink)
		if err != nil {
			return err
		}
		w.handle = h
		return nil
	})
	if err != nil {
		w.log.Warn("Failed to open chat session", "platform", w.platform, "error", err,
			"timeout", resilience.IsTimeout(err))
		if !w.stopping() {
			w.setState(database.StateDisconnected, "")
		}
		return false
	}
	w.log.Info("Chat session opened", "platform", w.platform, "session_key", req.SessionKey)
	return true
}

// handleEvent applies a lifecycle transition or hands an inbound message to
// the rule engine. It reports false when the worker must exit.
func (w *worker) handleEvent(ev chat.Event) bool {
	switch ev.Kind {
	case chat.EventQR:
		st := w.snapshot()
		if st.State != database.StateConnecting && st.State != database.StateQRPending {
			w.log.Debug("Ignoring QR outside pairing", "state", st.State)
			return true
		}
		w.setState(database.StateQRPending, ev.QR)
	case chat.EventReady:
		w.setState(database.StateConnected, "")
		if ev.SessionBlob != "" && ev.SessionBlob != w.blob {
			if err := w.m.store.SetInstanceSession(w.ctx, w.id, ev.SessionBlob); err != nil {
				w.log.Error("Failed to store session blob", "error", err)
			} else {
				w.blob = ev.SessionBlob
			}
		}
	case chat.EventDisconnected:
		w.log.Info("Chat session disconnected", "error", ev.Err)
		w.setState(database.StateDisconnected, "")
		return false
	case chat.EventMessage:
		if ev.Message == nil {
			return true
		}
		if handler := w.m.inboundHandler(); handler != nil {
			handler(withWorker(w.ctx, w), &Conn{w: w}, *ev.Message)
		}
	}
	return true
}

func (w *worker) runJob(j job) {
	if err := j.ctx.Err(); err != nil {
		j.res <- err
		return
	}
	j.res <- j.fn(withWorker(j.ctx, w), &Conn{w: w})
}

func (w *worker) setState(state database.InstanceState, qr string) {
	w.status.Store(&Status{State: state, QR: qr})
	ctx := context.WithoutCancel(w.ctx)
	if err := w.m.store.UpdateInstanceState(ctx, w.id, state, qr); err != nil && !errors.Is(err, apperr.ErrNotFound) {
		w.log.Error("Failed to persist instance state", "state", state, "error", err)
	}
	w.m.events.Publish(ctx, events.Event{
		Kind:       events.KindInstanceState,
		OwnerID:    w.ownerID,
		InstanceID: w.id,
		State:      string(state),
		QR:         qr,
	})
	w.log.Debug("Instance state changed", "state", state)
}

func (w *worker) closeHandle() {
	w.closeOnce.Do(func() {
		if w.handle == nil {
			return
		}
		if err := w.handle.Close(); err != nil {
			w.log.Warn("Error closing chat session", "error", err)
		}
	})
}

func (w *worker) exit() {
	w.evMu.Lock()
	w.evDead = true
	w.evQueue = nil
	w.evMu.Unlock()

	w.closeHandle()

	switch stopReason(w.reason.Load()) {
	case stopShutdown:
		w.setState(database.StateDisconnected, "")
	case stopDeleted:
		w.status.Store(&Status{State: database.StateDisconnected})
	}

	close(w.done)
	w.cancel()

	for {
		select {
		case j := <-w.jobs:
			j.res <- apperr.NewSessionNotConnected(w.id, nil)
		default:
			w.m.forget(w)
			w.log.Info("Session worker stopped")
			return
		}
	}
}
