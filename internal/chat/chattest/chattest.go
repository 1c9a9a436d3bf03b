// Package chattest provides an in-memory chat platform for tests.
package chattest

import (
	"context"
	"errors"
	"sync"

	"github.com/edgard/replyhub/internal/chat"
)

// Sent records one outbound call on a Handle.
type Sent struct {
	SessionKey string
	To         string
	Body       string
	Media      *chat.Media
	Caption    string
}

// Opener is a fake chat.Opener. Sessions it opens stay silent until the test
// drives them through Session.
type Opener struct {
	mu       sync.Mutex
	sessions map[string]*Session
	order    []string
	sent     []Sent

	// OpenErr, when set, fails every Open.
	OpenErr error
	// AutoReady emits EventReady right after Open.
	AutoReady bool
}

func NewOpener() *Opener {
	return &Opener{sessions: make(map[string]*Session)}
}

// Open implements chat.Opener.
//
//nolint:ireturn // implements chat.Opener
func (o *Opener) Open(_ context.Context, req chat.OpenRequest, sink chat.EventSink) (chat.Handle, error) {
	o.mu.Lock()
	if o.OpenErr != nil {
		err := o.OpenErr
		o.mu.Unlock()
		return nil, err
	}
	s := &Session{opener: o, key: req.SessionKey, req: req, sink: sink}
	o.sessions[req.InstanceID] = s
	o.order = append(o.order, req.SessionKey)
	autoReady := o.AutoReady
	o.mu.Unlock()

	if autoReady {
		sink(chat.Event{Kind: chat.EventReady, SessionBlob: "blob-" + req.InstanceID})
	}
	return s, nil
}

// Session returns the most recent session opened for instanceID.
func (o *Opener) Session(instanceID string) *Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessions[instanceID]
}

// OpenedKeys returns every session key passed to Open, in order.
func (o *Opener) OpenedKeys() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.order...)
}

// Sent returns every successful send across sessions, in order.
func (o *Opener) Sent() []Sent {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Sent(nil), o.sent...)
}

// Session is a fake chat.Handle.
type Session struct {
	opener *Opener
	key    string
	req    chat.OpenRequest
	sink   chat.EventSink

	mu        sync.Mutex
	closed    int
	sendErr   error
	blockSend chan struct{}
	calls     int
}

// Request returns the OpenRequest the session was opened with.
func (s *Session) Request() chat.OpenRequest { return s.req }

// Emit delivers ev to the session manager as the platform would.
func (s *Session) Emit(ev chat.Event) { s.sink(ev) }

func (s *Session) QR(code string) { s.Emit(chat.Event{Kind: chat.EventQR, QR: code}) }

func (s *Session) Ready() {
	s.Emit(chat.Event{Kind: chat.EventReady, SessionBlob: "blob-" + s.req.InstanceID})
}

func (s *Session) Disconnect() {
	s.Emit(chat.Event{Kind: chat.EventDisconnected, Err: errors.New("connection lost")})
}

func (s *Session) Receive(from, body string) {
	s.Emit(chat.Event{Kind: chat.EventMessage, Message: &chat.Inbound{From: from, Body: body}})
}

// FailSends makes later sends return err. A nil err restores success.
func (s *Session) FailSends(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

// BlockSends makes later sends wait until the returned release func is
// called or the send context ends.
func (s *Session) BlockSends() (release func()) {
	ch := make(chan struct{})
	s.mu.Lock()
	s.blockSend = ch
	s.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

// Calls counts send attempts, including failed ones.
func (s *Session) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Closed reports how many times Close was called.
func (s *Session) Closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) SendText(ctx context.Context, to, body string) error {
	return s.send(ctx, Sent{SessionKey: s.key, To: to, Body: body})
}

func (s *Session) SendMedia(ctx context.Context, to string, media chat.Media, caption string) error {
	m := media
	return s.send(ctx, Sent{SessionKey: s.key, To: to, Media: &m, Caption: caption})
}

func (s *Session) send(ctx context.Context, rec Sent) error {
	s.mu.Lock()
	s.calls++
	block := s.blockSend
	err := s.sendErr
	closed := s.closed > 0
	s.mu.Unlock()

	if closed {
		return chat.ErrNotConnected
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}

	s.opener.mu.Lock()
	s.opener.sent = append(s.opener.sent, rec)
	s.opener.mu.Unlock()
	return nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}
