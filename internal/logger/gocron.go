package logger

import (
	"errors"
	"log/slog"

	"github.com/go-co-op/gocron/v2"

	apperr "github.com/edgard/replyhub/internal/errors"
)

// gocronLogger implements gocron.Logger on top of slog.
type gocronLogger struct {
	log *slog.Logger
}

// NewGocronLogger returns a gocron.Logger writing to log.
//
//nolint:ireturn // Interface return is required by gocron's API contract
func NewGocronLogger(log *slog.Logger) gocron.Logger {
	if log == nil {
		log = slog.Default()
	}
	return &gocronLogger{log: log.With("component", "gocron")}
}

func (l *gocronLogger) Debug(msg string, args ...any) {
	l.log.Debug(msg, processSchedulerArgs(args...)...)
}

func (l *gocronLogger) Error(msg string, args ...any) {
	l.log.Error(msg, processSchedulerArgs(args...)...)
}

func (l *gocronLogger) Info(msg string, args ...any) {
	l.log.Info(msg, processSchedulerArgs(args...)...)
}

func (l *gocronLogger) Warn(msg string, args ...any) {
	l.log.Warn(msg, processSchedulerArgs(args...)...)
}

// processSchedulerArgs wraps scheduler errors in coded application errors so
// they are classified like every other error in the logs.
func processSchedulerArgs(args ...any) []any {
	processedArgs := make([]any, 0, len(args))

	for i := 0; i < len(args); i += 2 {
		if i+1 >= len(args) {
			processedArgs = append(processedArgs, args[i])
			break
		}

		key, val := args[i], args[i+1]
		if err, ok := val.(error); ok && key == "error" {
			switch {
			case errors.Is(err, gocron.ErrJobNotFound):
				val = apperr.NewValidationError("scheduled job not found", err)
			case errors.Is(err, gocron.ErrStopSchedulerTimedOut):
				val = apperr.NewConfigError("scheduler shutdown timed out", err)
			default:
				val = apperr.NewConfigError("scheduler error", err)
			}
		}
		processedArgs = append(processedArgs, key, val)
	}

	return processedArgs
}
