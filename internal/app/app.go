// Package app runs the long-lived components of the service together and
// coordinates their shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Runner is a component that runs until its context is cancelled.
type Runner interface {
	Run(ctx context.Context) error
}

// Sessions is the session manager's process lifecycle.
type Sessions interface {
	Restore(ctx context.Context) (int, error)
	Shutdown(ctx context.Context) error
}

type App struct {
	logger          *slog.Logger
	sessions        Sessions
	scheduler       *Scheduler
	runners         map[string]Runner
	shutdownTimeout time.Duration
}

// New builds the orchestrator. runners are keyed by a name used in logs;
// nil runners are skipped.
func New(log *slog.Logger, sessions Sessions, scheduler *Scheduler, runners map[string]Runner, shutdownTimeout time.Duration) *App {
	if log == nil {
		log = slog.Default()
	}
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &App{
		logger:          log.With("component", "orchestrator"),
		sessions:        sessions,
		scheduler:       scheduler,
		runners:         runners,
		shutdownTimeout: shutdownTimeout,
	}
}

// Run restores stored sessions, starts every component and blocks until ctx
// is cancelled or a component fails. Sessions are closed before returning.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("Starting orchestrator")

	restored, err := a.sessions.Restore(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore sessions: %w", err)
	}
	a.logger.Info("Sessions restored", "count", restored)

	g, gCtx := errgroup.WithContext(ctx)

	for name, r := range a.runners {
		if r == nil {
			continue
		}
		g.Go(func() error {
			a.logger.Info("Starting component", "name", name)
			if err := r.Run(gCtx); err != nil {
				a.logger.Error("Component failed", "name", name, "error", err)
				return fmt.Errorf("%s: %w", name, err)
			}
			if gCtx.Err() == nil {
				return fmt.Errorf("%s stopped unexpectedly", name)
			}
			a.logger.Info("Component stopped", "name", name)
			return nil
		})
	}

	if a.scheduler != nil {
		g.Go(func() error {
			if err := a.scheduler.Start(gCtx); err != nil {
				return fmt.Errorf("failed to start scheduler: %w", err)
			}
			<-gCtx.Done()
			if err := a.scheduler.Stop(); err != nil {
				a.logger.Error("Error stopping scheduler", "error", err)
			}
			return nil
		})
	}

	runErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.shutdownTimeout)
	defer cancel()
	if err := a.sessions.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("Error closing sessions", "error", err)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		a.logger.Error("Orchestrator stopped due to error", "error", runErr)
		return runErr
	}
	a.logger.Info("Orchestrator stopped gracefully")
	return nil
}
