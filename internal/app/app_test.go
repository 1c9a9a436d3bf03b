package app

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/edgard/replyhub/internal/config"
	"github.com/edgard/replyhub/internal/logger"
	"github.com/edgard/replyhub/internal/tasks"
)

type fakeSessions struct {
	restoreErr error
	restored   atomic.Int32
	shutdown   atomic.Int32
}

func (f *fakeSessions) Restore(context.Context) (int, error) {
	f.restored.Add(1)
	return 2, f.restoreErr
}

func (f *fakeSessions) Shutdown(context.Context) error {
	f.shutdown.Add(1)
	return nil
}

type runnerFunc func(ctx context.Context) error

func (f runnerFunc) Run(ctx context.Context) error { return f(ctx) }

func blockUntilDone(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()
	sessions := &fakeSessions{}
	a := New(logger.Discard(), sessions, nil, map[string]Runner{
		"http": runnerFunc(blockUntilDone),
		"nil":  nil,
	}, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
	if sessions.restored.Load() != 1 || sessions.shutdown.Load() != 1 {
		t.Errorf("restore/shutdown calls = %d/%d, want 1/1", sessions.restored.Load(), sessions.shutdown.Load())
	}
}

func TestRunFailsWhenComponentFails(t *testing.T) {
	t.Parallel()
	sessions := &fakeSessions{}
	boom := errors.New("listen failed")
	a := New(logger.Discard(), sessions, nil, map[string]Runner{
		"http":  runnerFunc(func(context.Context) error { return boom }),
		"other": runnerFunc(blockUntilDone),
	}, time.Second)

	err := a.Run(context.Background())
	if !errors.Is(err, boom) {
		t.Errorf("Run() error = %v, want %v", err, boom)
	}
	if sessions.shutdown.Load() != 1 {
		t.Error("sessions not shut down after failure")
	}
}

func TestRunFailsWhenRestoreFails(t *testing.T) {
	t.Parallel()
	sessions := &fakeSessions{restoreErr: errors.New("db down")}
	a := New(logger.Discard(), sessions, nil, nil, time.Second)
	if err := a.Run(context.Background()); err == nil {
		t.Error("Run() error = nil, want restore failure")
	}
}

func TestSchedulerRunsEnabledTasks(t *testing.T) {
	t.Parallel()
	var ran, disabled atomic.Int32
	cfg := &config.SchedulerConfig{Tasks: map[string]config.TaskConfig{
		"tick":    {Enabled: true, Schedule: "* * * * * *"},
		"off":     {Enabled: false, Schedule: "* * * * * *"},
		"missing": {Enabled: true, Schedule: "* * * * * *"},
	}}
	s, err := NewScheduler(logger.Discard(), cfg, map[string]tasks.ScheduledTaskFunc{
		"tick": func(context.Context) error { ran.Add(1); return nil },
		"off":  func(context.Context) error { disabled.Add(1); return nil },
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.Start(ctx); err == nil {
		t.Error("second Start() error = nil")
	}

	deadline := time.Now().Add(3 * time.Second)
	for ran.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if ran.Load() == 0 {
		t.Error("enabled task never ran")
	}
	if disabled.Load() != 0 {
		t.Error("disabled task ran")
	}
	if err := s.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}
