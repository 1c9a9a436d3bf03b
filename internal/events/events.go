// Package events fans lifecycle and message events out to in-process
// subscribers (the websocket status stream) and to an AMQP exchange.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind names an event. Kinds double as AMQP routing keys.
type Kind string

const (
	KindInstanceState   Kind = "instance.state.v1"
	KindInstanceDeleted Kind = "instance.deleted.v1"
	KindMessageSent     Kind = "message.sent.v1"
	KindMessageFailed   Kind = "message.failed.v1"
	KindMessageReceived Kind = "message.received.v1"
	KindRuleFired       Kind = "rule.fired.v1"
)

// Event is one notification about a tenant's resources.
type Event struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"type"`
	OwnerID    string    `json:"ownerId"`
	InstanceID string    `json:"instanceId,omitempty"`
	State      string    `json:"state,omitempty"`
	QR         string    `json:"qr,omitempty"`
	MessageID  string    `json:"messageId,omitempty"`
	RuleID     string    `json:"ruleId,omitempty"`
	Contact    string    `json:"contact,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	Time       time.Time `json:"time"`
}

// Publisher accepts events. Publish must not block on slow consumers.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Stamp fills the ID and time of e when unset.
func Stamp(e Event) Event {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	return e
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) {}

// Multi publishes to every wrapped publisher in order.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) {
	e = Stamp(e)
	for _, p := range m {
		p.Publish(ctx, e)
	}
}

// Hub is an in-process publisher with per-tenant subscriptions. Slow
// subscribers lose events rather than stall the publisher.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*subscription]struct{}
	buffer int
}

type subscription struct {
	ch chan Event
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{subs: make(map[string]map[*subscription]struct{}), buffer: buffer}
}

// Subscribe registers for ownerID's events. The returned cancel closes the
// channel; it is safe to call more than once.
func (h *Hub) Subscribe(ownerID string) (<-chan Event, func()) {
	s := &subscription{ch: make(chan Event, h.buffer)}
	h.mu.Lock()
	if h.subs[ownerID] == nil {
		h.subs[ownerID] = make(map[*subscription]struct{})
	}
	h.subs[ownerID][s] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[ownerID], s)
			if len(h.subs[ownerID]) == 0 {
				delete(h.subs, ownerID)
			}
			h.mu.Unlock()
			close(s.ch)
		})
	}
}

func (h *Hub) Publish(_ context.Context, e Event) {
	e = Stamp(e)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs[e.OwnerID] {
		select {
		case s.ch <- e:
		default:
		}
	}
}
