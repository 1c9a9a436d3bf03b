// Package tasks implements the scheduled background jobs of the service.
package tasks

import (
	"context"
	"log/slog"
	"time"

	"github.com/edgard/replyhub/internal/config"
	"github.com/edgard/replyhub/internal/database"
)

// ScheduledTaskFunc is the signature every scheduled task implements. The
// context is cancelled when the scheduler shuts down.
type ScheduledTaskFunc func(ctx context.Context) error

// DueDispatcher sends scheduled messages whose time has come.
type DueDispatcher interface {
	DispatchDue(ctx context.Context, now time.Time) (int, error)
}

// TaskDeps contains the dependencies of the scheduled tasks.
type TaskDeps struct {
	Logger     *slog.Logger
	Store      database.Store
	Dispatcher DueDispatcher
}

// RegisterAllTasks returns every task keyed by the name used in the
// scheduler configuration.
func RegisterAllTasks(deps TaskDeps) map[string]ScheduledTaskFunc {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	tasks := map[string]ScheduledTaskFunc{
		config.TaskSQLMaintenance:    newSQLMaintenanceTask(deps),
		config.TaskDispatchScheduled: newDispatchScheduledTask(deps),
	}
	deps.Logger.Info("Initialized scheduled tasks", "count", len(tasks))
	return tasks
}
