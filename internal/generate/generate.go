// Package generate provides the text-generation collaborator used by
// generated-text rules. Gemini, OpenAI and Anthropic backends share one
// interface and are wrapped by a circuit breaker and a per-call timeout.
package generate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/edgard/replyhub/internal/config"
	apperr "github.com/edgard/replyhub/internal/errors"
	"github.com/edgard/replyhub/internal/resilience"
)

// Generator turns an inbound message body into a reply.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Func adapts a function to Generator.
type Func func(ctx context.Context, prompt string) (string, error)

func (f Func) Generate(ctx context.Context, prompt string) (string, error) { return f(ctx, prompt) }

// ErrDisabled is returned when no backend is configured.
var ErrDisabled = errors.New("text generation is not configured")

// New builds the configured backend wrapped in a Guard. An empty backend
// yields a Guard that always fails with ErrDisabled.
func New(ctx context.Context, cfg config.GeneratorConfig, log *slog.Logger) (*Guard, error) {
	if log == nil {
		log = slog.Default()
	}

	var (
		backend Generator
		err     error
	)
	switch cfg.Backend {
	case "":
		backend = Func(func(context.Context, string) (string, error) { return "", ErrDisabled })
	case "gemini":
		backend, err = NewGemini(ctx, cfg, log)
	case "openai":
		backend, err = NewOpenAI(cfg, log)
	case "anthropic":
		backend, err = NewAnthropic(cfg, log)
	default:
		err = fmt.Errorf("unknown generator backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	return NewGuard(backend, GuardConfig{
		Name:        "generator_" + cfg.Backend,
		Timeout:     cfg.Timeout,
		MaxFailures: cfg.BreakerMaxFailure,
		Reset:       cfg.BreakerReset,
	}, log), nil
}

// GuardConfig bounds calls made through a Guard.
type GuardConfig struct {
	Name        string
	Timeout     time.Duration
	MaxFailures int
	Reset       time.Duration
}

// Guard applies a timeout and a circuit breaker to a Generator and reports
// every failure as a GENERATION_FAILED application error.
type Guard struct {
	next    Generator
	breaker *resilience.CircuitBreaker
	log     *slog.Logger
}

func NewGuard(next Generator, cfg GuardConfig, log *slog.Logger) *Guard {
	if log == nil {
		log = slog.Default()
	}
	logger := log.With("component", "generator")
	return &Guard{
		next: next,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:          cfg.Name,
			MaxFailures:   cfg.MaxFailures,
			Timeout:       cfg.Timeout,
			ResetInterval: cfg.Reset,
			Logger:        logger,
		}),
		log: logger,
	}
}

// Generate implements Generator.
func (g *Guard) Generate(ctx context.Context, prompt string) (string, error) {
	var reply string
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		out, err := g.next.Generate(ctx, prompt)
		if err != nil {
			return err
		}
		if out == "" {
			return errors.New("empty reply")
		}
		reply = out
		return nil
	})
	if err != nil {
		transient := resilience.IsTimeout(err) || errors.Is(err, resilience.ErrCircuitOpen)
		g.log.WarnContext(ctx, "Text generation failed", "error", err, "transient", transient)
		return "", apperr.NewGenerationFailed(err, transient)
	}
	return reply, nil
}

// retryLoop retries call while retryable reports true, sleeping delay
// between attempts and giving up when ctx ends.
func retryLoop(ctx context.Context, log *slog.Logger, maxRetries int, delay time.Duration,
	retryable func(error) bool, call func(ctx context.Context) (string, error),
) (string, error) {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		out, err := call(ctx)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !retryable(err) || i == maxRetries {
			break
		}
		log.InfoContext(ctx, "Retrying generation call", "attempt", i+1, "max_retries", maxRetries, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
	}
	return "", lastErr
}

// retryableStatus reports whether an HTTP status is worth retrying.
func retryableStatus(code int) bool {
	return code == 429 || code == 500 || code == 502 || code == 503
}
