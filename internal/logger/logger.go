// Package logger provides structured logging for replyhub.
// It uses Go's slog package with configurable level and format, and adapts
// slog to the HTTP router and the task scheduler.
package logger

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/gin-gonic/gin"
)

// ParseLevel maps a config level name to a slog level. Unknown names map to info.
func ParseLevel(levelStr string) slog.Level {
	switch levelStr {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a new slog Logger with the specified level and format,
// and installs it as the process default.
// If jsonOutput is true, logs will be formatted as JSON, otherwise as text.
func NewLogger(levelStr string, jsonOutput bool) *slog.Logger {
	logger := newLogger(os.Stdout, levelStr, jsonOutput)
	slog.SetDefault(logger)
	return logger
}

func newLogger(w io.Writer, levelStr string, jsonOutput bool) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: ParseLevel(levelStr),
	}

	var handler slog.Handler
	if jsonOutput {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// Discard returns a logger that drops everything. Used as the nil fallback
// by components constructed without a logger.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Middleware creates a gin middleware logging every API request with its
// tenant, status and latency.
func Middleware(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		c.Next()

		logEntry := log.With(
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(startTime),
			"client_ip", c.ClientIP(),
		)
		if owner := c.GetString("owner"); owner != "" {
			logEntry = logEntry.With("owner", owner)
		}

		ctx := c.Request.Context()
		switch {
		case len(c.Errors) > 0:
			logEntry.ErrorContext(ctx, "Request failed", "error", c.Errors.Last().Err)
		case c.Writer.Status() >= 500:
			logEntry.ErrorContext(ctx, "Request finished with server error")
		case c.Writer.Status() >= 400:
			logEntry.WarnContext(ctx, "Request rejected")
		default:
			logEntry.InfoContext(ctx, "Request processed")
		}
	}
}

// Truncate shortens s for log previews.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return "..."
	}
	return s[:maxLen-3] + "..."
}
