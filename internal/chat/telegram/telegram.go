// Package telegram opens chat sessions backed by a Telegram bot. The session
// blob is the bot token, so a restored instance reconnects without pairing.
package telegram

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/edgard/replyhub/internal/chat"
)

const (
	Platform = "telegram"
	// AddressPrefix marks contact addresses that are Telegram chat IDs.
	AddressPrefix = "tg:"
)

// Opener implements chat.Opener for Telegram bots.
type Opener struct {
	log  *slog.Logger
	opts []bot.Option
}

// NewOpener creates an Opener. opts are appended to every bot it creates.
func NewOpener(log *slog.Logger, opts ...bot.Option) *Opener {
	if log == nil {
		log = slog.Default()
	}
	return &Opener{log: log.With("component", "telegram"), opts: opts}
}

// NewTelegramBot creates a bot client for token.
func NewTelegramBot(token string, log *slog.Logger, opts ...bot.Option) (*bot.Bot, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram bot token cannot be empty")
	}
	b, err := bot.New(token, opts...)
	if err != nil {
		log.Error("Failed to create Telegram bot instance", "error", err)
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	log.Info("Telegram bot instance created successfully", "token_prefix", tokenPrefix(token))
	return b, nil
}

// Open implements chat.Opener. The request's SessionBlob carries the token.
//
//nolint:ireturn // implements chat.Opener
func (o *Opener) Open(ctx context.Context, req chat.OpenRequest, sink chat.EventSink) (chat.Handle, error) {
	s := &session{key: req.SessionKey, sink: sink, log: o.log.With("session", req.SessionKey)}

	opts := append([]bot.Option{bot.WithDefaultHandler(s.onUpdate)}, o.opts...)
	b, err := NewTelegramBot(req.SessionBlob, s.log, opts...)
	if err != nil {
		return nil, err
	}
	me, err := b.GetMe(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get bot info: %w", err)
	}
	s.bot = b

	hctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go b.Start(hctx)

	s.log.InfoContext(ctx, "Telegram session started", "bot_username", me.Username, "bot_id", me.ID)
	sink(chat.Event{Kind: chat.EventReady, SessionBlob: req.SessionBlob})
	return s, nil
}

type session struct {
	key    string
	bot    *bot.Bot
	sink   chat.EventSink
	cancel context.CancelFunc
	log    *slog.Logger
	closed atomic.Bool
}

func (s *session) onUpdate(ctx context.Context, _ *bot.Bot, update *models.Update) {
	msg := update.Message
	if msg == nil || msg.Text == "" || s.closed.Load() {
		return
	}
	if msg.Chat.Type != models.ChatTypePrivate {
		s.log.DebugContext(ctx, "Ignoring non-private chat", "chat_id", msg.Chat.ID)
		return
	}
	name := ""
	if msg.From != nil {
		name = strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
	}
	s.sink(chat.Event{Kind: chat.EventMessage, Message: &chat.Inbound{
		From:     Address(msg.Chat.ID),
		FromName: name,
		Body:     msg.Text,
		At:       time.Unix(int64(msg.Date), 0).UTC(),
	}})
}

// Address formats a chat ID as a contact address.
func Address(chatID int64) string {
	return AddressPrefix + strconv.FormatInt(chatID, 10)
}

// ParseAddress extracts the chat ID from a contact address.
func ParseAddress(addr string) (int64, error) {
	raw, ok := strings.CutPrefix(addr, AddressPrefix)
	if !ok {
		return 0, fmt.Errorf("not a telegram address: %q", addr)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid telegram chat id %q: %w", raw, err)
	}
	return id, nil
}

func (s *session) SendText(ctx context.Context, to, body string) error {
	if s.closed.Load() {
		return chat.ErrNotConnected
	}
	chatID, err := ParseAddress(to)
	if err != nil {
		return err
	}
	if _, err := s.bot.SendMessage(ctx, &bot.SendMessageParams{ChatID: chatID, Text: body}); err != nil {
		return fmt.Errorf("failed to send text: %w", err)
	}
	return nil
}

func (s *session) SendMedia(ctx context.Context, to string, m chat.Media, caption string) error {
	if s.closed.Load() {
		return chat.ErrNotConnected
	}
	chatID, err := ParseAddress(to)
	if err != nil {
		return err
	}

	file := &models.InputFileUpload{Filename: m.FileName, Data: bytes.NewReader(m.Data)}
	switch m.Kind {
	case "image":
		_, err = s.bot.SendPhoto(ctx, &bot.SendPhotoParams{ChatID: chatID, Photo: file, Caption: caption})
	case "video":
		_, err = s.bot.SendVideo(ctx, &bot.SendVideoParams{ChatID: chatID, Video: file, Caption: caption})
	case "audio":
		_, err = s.bot.SendAudio(ctx, &bot.SendAudioParams{ChatID: chatID, Audio: file, Caption: caption})
	default:
		_, err = s.bot.SendDocument(ctx, &bot.SendDocumentParams{ChatID: chatID, Document: file, Caption: caption})
	}
	if err != nil {
		return fmt.Errorf("failed to send %s: %w", m.Kind, err)
	}
	return nil
}

func (s *session) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.cancel()
	s.log.Info("Telegram session closed")
	return nil
}

func tokenPrefix(token string) string {
	if len(token) <= 8 {
		return "***"
	}
	return token[:8] + "..."
}

var _ chat.Opener = (*Opener)(nil)
