// Package chat defines the chat-platform capability used by the session
// manager: an Opener starts a session for one instance, the session reports
// lifecycle and inbound messages through an EventSink, and the returned Handle
// sends text and media.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrNotConnected is returned by a Handle whose session is not logged in.
var ErrNotConnected = errors.New("chat session not connected")

// EventKind identifies a session event.
type EventKind int

const (
	EventQR EventKind = iota + 1
	EventReady
	EventDisconnected
	EventMessage
)

func (k EventKind) String() string {
	switch k {
	case EventQR:
		return "qr"
	case EventReady:
		return "ready"
	case EventDisconnected:
		return "disconnected"
	case EventMessage:
		return "message-received"
	default:
		return "unknown"
	}
}

// Event is emitted by a session.
type Event struct {
	Kind EventKind
	// QR is the pairing challenge of an EventQR.
	QR string
	// SessionBlob is the resume token reported with EventReady.
	SessionBlob string
	// Message is set on EventMessage.
	Message *Inbound
	// Err is the cause of an EventDisconnected, if known.
	Err error
}

// Inbound is a message received by a session.
type Inbound struct {
	From     string
	FromName string
	Body     string
	At       time.Time
}

// Media is a loaded media object ready to upload.
type Media struct {
	Kind     string
	MIME     string
	FileName string
	Data     []byte
}

// EventSink receives session events. Implementations must not block.
type EventSink func(Event)

// OpenRequest identifies the session to open.
type OpenRequest struct {
	// SessionKey is unique per instance and never reused across instances.
	SessionKey string
	InstanceID string
	// SessionBlob resumes a previous session when non-empty.
	SessionBlob string
}

// Handle is a live session. It is not safe for concurrent use; the session
// manager serializes calls per instance.
type Handle interface {
	SendText(ctx context.Context, to, body string) error
	SendMedia(ctx context.Context, to string, media Media, caption string) error
	// Close releases the session. It does not emit EventDisconnected.
	Close() error
}

// Opener starts sessions for one chat platform.
type Opener interface {
	Open(ctx context.Context, req OpenRequest, sink EventSink) (Handle, error)
}

// Registry maps platform names to openers.
type Registry struct {
	mu      sync.RWMutex
	openers map[string]Opener
}

func NewRegistry() *Registry {
	return &Registry{openers: make(map[string]Opener)}
}

// Register adds or replaces the opener for platform.
func (r *Registry) Register(platform string, opener Opener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.openers[platform] = opener
}

// Get returns the opener for platform.
//
//nolint:ireturn // openers are platform specific
func (r *Registry) Get(platform string) (Opener, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.openers[platform]
	if !ok {
		return nil, fmt.Errorf("chat platform %q is not enabled", platform)
	}
	return o, nil
}

// Platforms lists the registered platform names, sorted.
func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.openers))
	for name := range r.openers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SessionKey builds the composite key a session is opened under.
func SessionKey(ownerID, instanceID string) string {
	return "tenant_" + ownerID + "_instance_" + instanceID
}
