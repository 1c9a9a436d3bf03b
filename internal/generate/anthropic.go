package generate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/edgard/replyhub/internal/config"
)

const defaultAnthropicModel = "claude-3-5-haiku-latest"

type anthropicClient struct {
	client      anthropic.Client
	log         *slog.Logger
	model       string
	instruction string
	temperature float64
	maxTokens   int64
	maxRetries  int
	retryDelay  time.Duration
}

// NewAnthropic creates a Generator backed by the Anthropic messages API.
func NewAnthropic(cfg config.GeneratorConfig, log *slog.Logger) (Generator, error) { //nolint:ireturn
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic API key is required")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	model := cfg.Model
	if model == "" {
		model = defaultAnthropicModel
	}
	maxTokens := int64(cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 500
	}

	logger := log.With("component", "anthropic_client")
	logger.Info("Anthropic client initialized successfully", "model", model)
	return &anthropicClient{
		client:      anthropic.NewClient(opts...),
		log:         logger,
		model:       model,
		instruction: cfg.Instruction,
		temperature: float64(cfg.Temperature),
		maxTokens:   maxTokens,
		maxRetries:  cfg.MaxRetries,
		retryDelay:  cfg.RetryDelay,
	}, nil
}

func (c *anthropicClient) Generate(ctx context.Context, prompt string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(c.model),
		MaxTokens:   c.maxTokens,
		Temperature: anthropic.Float(c.temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if c.instruction != "" {
		params.System = []anthropic.TextBlockParam{{Text: c.instruction}}
	}

	return retryLoop(ctx, c.log, c.maxRetries, c.retryDelay, anthropicRetryable, func(ctx context.Context) (string, error) {
		msg, err := c.client.Messages.New(ctx, params)
		if err != nil {
			return "", fmt.Errorf("anthropic API call failed: %w", err)
		}

		var sb strings.Builder
		for _, block := range msg.Content {
			if block.Type == "text" {
				sb.WriteString(block.Text)
			}
		}
		text := strings.TrimSpace(sb.String())
		if text == "" {
			return "", fmt.Errorf("anthropic returned empty content, stop reason: %s", msg.StopReason)
		}
		return text, nil
	})
}

func anthropicRetryable(err error) bool {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.StatusCode) || apiErr.StatusCode == 529
	}
	return false
}
