package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWithTimeout(t *testing.T) {
	t.Parallel()

	errBoom := errors.New("boom")

	tests := []struct {
		name        string
		timeout     time.Duration
		op          func(context.Context) error
		wantErr     error
		wantTimeout bool
	}{
		{
			name:    "success",
			timeout: time.Second,
			op:      func(context.Context) error { return nil },
		},
		{
			name:    "plain error passes through",
			timeout: time.Second,
			op:      func(context.Context) error { return errBoom },
			wantErr: errBoom,
		},
		{
			name:    "deadline becomes timeout",
			timeout: 10 * time.Millisecond,
			op: func(ctx context.Context) error {
				<-ctx.Done()
				return ctx.Err()
			},
			wantErr:     ErrTimeout,
			wantTimeout: true,
		},
		{
			name:    "zero timeout keeps caller context",
			timeout: 0,
			op: func(ctx context.Context) error {
				if _, ok := ctx.Deadline(); ok {
					return errBoom
				}
				return nil
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := WithTimeout(context.Background(), tt.timeout, tt.op)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("WithTimeout() error = %v, want nil", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("WithTimeout() error = %v, want %v", err, tt.wantErr)
			}
			if got := IsTimeout(err); got != tt.wantTimeout {
				t.Errorf("IsTimeout() = %v, want %v", got, tt.wantTimeout)
			}
		})
	}
}

func TestCircuitBreakerOpensAfterFailures(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:          "test",
		MaxFailures:   2,
		Timeout:       time.Second,
		ResetInterval: time.Minute,
	})

	failing := func(context.Context) error { return errors.New("down") }
	for i := 0; i < 2; i++ {
		if err := cb.Execute(context.Background(), failing); err == nil {
			t.Fatalf("attempt %d: expected error", i)
		}
	}

	if got := cb.State(); got != StateOpen {
		t.Fatalf("State() = %v, want %v", got, StateOpen)
	}

	called := false
	err := cb.Execute(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Execute() error = %v, want %v", err, ErrCircuitOpen)
	}
	if called {
		t.Error("operation ran while circuit open")
	}
}
