// Package media resolves media references named by rules and send requests
// into bytes ready for upload.
package media

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/edgard/replyhub/internal/chat"
	apperr "github.com/edgard/replyhub/internal/errors"
)

// Kinds mirror the non-text message kinds.
const (
	KindImage    = "image"
	KindVideo    = "video"
	KindAudio    = "audio"
	KindDocument = "document"
)

// Loader reads media from a local directory or over HTTP(S).
type Loader struct {
	dir      string
	maxBytes int64
	client   *http.Client
	log      *slog.Logger
}

func NewLoader(dir string, fetchTimeout time.Duration, maxBytes int64, log *slog.Logger) *Loader {
	if log == nil {
		log = slog.Default()
	}
	return &Loader{
		dir:      dir,
		maxBytes: maxBytes,
		client:   &http.Client{Timeout: fetchTimeout},
		log:      log.With("component", "media_loader"),
	}
}

// Load reads ref. URLs are fetched, anything else is a file name inside the
// media directory.
func (l *Loader) Load(ctx context.Context, ref string) (chat.Media, error) {
	if ref == "" {
		return chat.Media{}, apperr.NewValidationError("media reference is empty", nil)
	}

	var (
		data []byte
		name string
		err  error
	)
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		data, err = l.fetch(ctx, ref)
		name = path.Base(strings.SplitN(ref, "?", 2)[0])
	} else {
		data, err = l.readFile(ref)
		name = filepath.Base(ref)
	}
	if err != nil {
		return chat.Media{}, err
	}

	mt := mimetype.Detect(data)
	l.log.DebugContext(ctx, "Media loaded", "ref", ref, "bytes", len(data), "mime", mt.String())
	return chat.Media{
		Kind:     KindForMIME(mt.String()),
		MIME:     mt.String(),
		FileName: name,
		Data:     data,
	}, nil
}

func (l *Loader) readFile(ref string) ([]byte, error) {
	clean := filepath.Clean(string(filepath.Separator) + ref)
	full := filepath.Join(l.dir, clean)

	f, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperr.NewNotFound("media", ref)
		}
		return nil, fmt.Errorf("failed to open media %s: %w", ref, err)
	}
	defer f.Close()

	return readLimited(f, l.maxBytes, ref)
}

func (l *Loader) fetch(ctx context.Context, ref string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, apperr.NewValidationError("invalid media URL", err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch media %s: %w", ref, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch media %s: status %d", ref, resp.StatusCode)
	}
	return readLimited(resp.Body, l.maxBytes, ref)
}

func readLimited(r io.Reader, maxBytes int64, ref string) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read media %s: %w", ref, err)
	}
	if int64(len(data)) > maxBytes {
		return nil, apperr.NewValidationError(fmt.Sprintf("media %s exceeds %d bytes", ref, maxBytes), nil)
	}
	if len(data) == 0 {
		return nil, apperr.NewValidationError(fmt.Sprintf("media %s is empty", ref), nil)
	}
	return data, nil
}

// KindForMIME maps a MIME type to a message kind.
func KindForMIME(mimeType string) string {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return KindImage
	case strings.HasPrefix(mimeType, "video/"):
		return KindVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return KindAudio
	default:
		return KindDocument
	}
}

// KindFor guesses the message kind of ref from its extension, before the
// content is loaded.
func KindFor(ref string) string {
	ext := path.Ext(strings.SplitN(ref, "?", 2)[0])
	if ext == "" {
		return KindDocument
	}
	return KindForMIME(mime.TypeByExtension(strings.ToLower(ext)))
}
