// Package whatsapp opens chat sessions on WhatsApp through whatsmeow. Device
// keys live in their own SQLite file; the session blob persisted per instance
// is the device JID.
package whatsapp

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/edgard/replyhub/internal/chat"
	"github.com/edgard/replyhub/internal/database"
)

const Platform = "whatsapp"

// Opener implements chat.Opener on a shared whatsmeow device container.
type Opener struct {
	db        *sql.DB
	container *sqlstore.Container
	log       *slog.Logger
}

// NewOpener opens the device store at storePath and upgrades its schema.
func NewOpener(ctx context.Context, storePath string, log *slog.Logger) (*Opener, error) {
	if log == nil {
		log = slog.Default()
	}
	logger := log.With("component", "whatsapp")

	db, err := sql.Open(database.DriverName, database.BuildDSN(storePath))
	if err != nil {
		return nil, fmt.Errorf("failed to open whatsapp store %s: %w", storePath, err)
	}
	db.SetMaxOpenConns(1)

	container := sqlstore.NewWithDB(db, "sqlite3", waLog.Noop)
	if err := container.Upgrade(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to upgrade whatsapp store: %w", err)
	}

	logger.Info("WhatsApp device store ready", "path", storePath)
	return &Opener{db: db, container: container, log: logger}, nil
}

// Close releases the device store.
func (o *Opener) Close() error {
	return o.db.Close()
}

// Open implements chat.Opener. A blob naming a known device resumes it;
// otherwise a new device is paired by QR.
//
//nolint:ireturn // implements chat.Opener
func (o *Opener) Open(ctx context.Context, req chat.OpenRequest, sink chat.EventSink) (chat.Handle, error) {
	device, err := o.device(ctx, req.SessionBlob)
	if err != nil {
		return nil, err
	}

	hctx, cancel := context.WithCancel(context.Background())
	s := &session{
		key:    req.SessionKey,
		client: whatsmeow.NewClient(device, waLog.Noop),
		sink:   sink,
		cancel: cancel,
		log:    o.log.With("session", req.SessionKey),
	}
	s.client.AddEventHandler(s.handle)

	if s.client.Store.ID == nil {
		qrs, err := s.client.GetQRChannel(hctx)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to request pairing channel: %w", err)
		}
		if err := s.client.Connect(); err != nil {
			cancel()
			return nil, fmt.Errorf("failed to connect whatsapp client: %w", err)
		}
		go s.pair(qrs)
	} else if err := s.client.Connect(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect whatsapp client: %w", err)
	}

	s.log.InfoContext(ctx, "WhatsApp session opened", "resumed", device.ID != nil)
	return s, nil
}

func (o *Opener) device(ctx context.Context, blob string) (*store.Device, error) {
	if blob == "" {
		return o.container.NewDevice(), nil
	}
	jid, err := types.ParseJID(blob)
	if err != nil {
		o.log.WarnContext(ctx, "Ignoring unparseable session blob", "error", err)
		return o.container.NewDevice(), nil
	}
	device, err := o.container.GetDevice(ctx, jid)
	if err != nil {
		return nil, fmt.Errorf("failed to load whatsapp device: %w", err)
	}
	if device == nil {
		o.log.InfoContext(ctx, "Stored device not found, pairing a new one", "jid", jid.String())
		return o.container.NewDevice(), nil
	}
	return device, nil
}

type session struct {
	key    string
	client *whatsmeow.Client
	sink   chat.EventSink
	cancel context.CancelFunc
	log    *slog.Logger

	closed   atomic.Bool
	downOnce sync.Once
}

func (s *session) pair(qrs <-chan whatsmeow.QRChannelItem) {
	for item := range qrs {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			s.emit(chat.Event{Kind: chat.EventQR, QR: item.Code})
		case whatsmeow.QRChannelSuccess.Event:
			return
		default:
			err := item.Error
			if err == nil {
				err = fmt.Errorf("pairing ended: %s", item.Event)
			}
			s.down(err)
			return
		}
	}
}

func (s *session) handle(evt any) {
	switch v := evt.(type) {
	case *events.Connected:
		blob := ""
		if s.client.Store.ID != nil {
			blob = s.client.Store.ID.String()
		}
		s.emit(chat.Event{Kind: chat.EventReady, SessionBlob: blob})
	case *events.LoggedOut:
		s.down(fmt.Errorf("logged out: %s", v.Reason.String()))
	case *events.StreamReplaced:
		s.down(errors.New("session replaced by another connection"))
	case *events.TemporaryBan:
		s.down(fmt.Errorf("temporary ban: %s", v.String()))
	case *events.ConnectFailure:
		s.down(fmt.Errorf("connect failure: %s", v.Reason.String()))
	case *events.Message:
		if v.Info.IsFromMe || v.Info.IsGroup {
			return
		}
		body := v.Message.GetConversation()
		if body == "" {
			body = v.Message.GetExtendedTextMessage().GetText()
		}
		if body == "" {
			return
		}
		s.emit(chat.Event{Kind: chat.EventMessage, Message: &chat.Inbound{
			From:     v.Info.Sender.User,
			FromName: v.Info.PushName,
			Body:     body,
			At:       v.Info.Timestamp.UTC(),
		}})
	}
}

func (s *session) emit(e chat.Event) {
	if s.closed.Load() {
		return
	}
	s.sink(e)
}

func (s *session) down(err error) {
	s.downOnce.Do(func() {
		s.log.Warn("WhatsApp session lost", "error", err)
		s.emit(chat.Event{Kind: chat.EventDisconnected, Err: err})
	})
}

func (s *session) recipient(to string) (types.JID, error) {
	if strings.Contains(to, "@") {
		return types.ParseJID(to)
	}
	return types.NewJID(to, types.DefaultUserServer), nil
}

func (s *session) SendText(ctx context.Context, to, body string) error {
	if s.closed.Load() || !s.client.IsLoggedIn() {
		return chat.ErrNotConnected
	}
	jid, err := s.recipient(to)
	if err != nil {
		return fmt.Errorf("invalid recipient %q: %w", to, err)
	}
	_, err = s.client.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(body)})
	if err != nil {
		return fmt.Errorf("failed to send text: %w", err)
	}
	return nil
}

func (s *session) SendMedia(ctx context.Context, to string, m chat.Media, caption string) error {
	if s.closed.Load() || !s.client.IsLoggedIn() {
		return chat.ErrNotConnected
	}
	jid, err := s.recipient(to)
	if err != nil {
		return fmt.Errorf("invalid recipient %q: %w", to, err)
	}

	msg, err := s.upload(ctx, m, caption)
	if err != nil {
		return err
	}
	if _, err := s.client.SendMessage(ctx, jid, msg); err != nil {
		return fmt.Errorf("failed to send %s: %w", m.Kind, err)
	}
	return nil
}

func (s *session) upload(ctx context.Context, m chat.Media, caption string) (*waE2E.Message, error) {
	mediaType := whatsmeow.MediaDocument
	switch m.Kind {
	case "image":
		mediaType = whatsmeow.MediaImage
	case "video":
		mediaType = whatsmeow.MediaVideo
	case "audio":
		mediaType = whatsmeow.MediaAudio
	}

	up, err := s.client.Upload(ctx, m.Data, mediaType)
	if err != nil {
		return nil, fmt.Errorf("failed to upload %s: %w", m.Kind, err)
	}

	switch mediaType {
	case whatsmeow.MediaImage:
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption:       optional(caption),
			Mimetype:      proto.String(m.MIME),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}, nil
	case whatsmeow.MediaVideo:
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			Caption:       optional(caption),
			Mimetype:      proto.String(m.MIME),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}, nil
	case whatsmeow.MediaAudio:
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			Mimetype:      proto.String(m.MIME),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}, nil
	default:
		return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			Caption:       optional(caption),
			Title:         proto.String(m.FileName),
			FileName:      proto.String(m.FileName),
			Mimetype:      proto.String(m.MIME),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}, nil
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return proto.String(s)
}

func (s *session) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.client.Disconnect()
	s.cancel()
	s.log.Info("WhatsApp session closed")
	return nil
}

var _ chat.Opener = (*Opener)(nil)
