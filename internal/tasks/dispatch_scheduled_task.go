package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// newDispatchScheduledTask sweeps pending scheduled messages. Messages that
// cannot go out yet (offline instance, no credits) stay pending for the next
// sweep.
func newDispatchScheduledTask(deps TaskDeps) ScheduledTaskFunc {
	log := deps.Logger.With("task", "dispatch_scheduled")

	return func(ctx context.Context) error {
		sent, err := deps.Dispatcher.DispatchDue(ctx, time.Now().UTC())
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				log.WarnContext(ctx, "Scheduled sweep interrupted", "sent", sent, "error", err)
				return nil
			}
			return fmt.Errorf("scheduled sweep failed: %w", err)
		}
		if sent > 0 {
			log.InfoContext(ctx, "Scheduled messages sent", "count", sent)
		}
		return nil
	}
}
