package generate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/edgard/replyhub/internal/config"
)

const defaultOpenAIModel = "gpt-4o-mini"

type openAIClient struct {
	client      openai.Client
	log         *slog.Logger
	model       string
	instruction string
	temperature float64
	maxTokens   int64
	maxRetries  int
	retryDelay  time.Duration
}

// NewOpenAI creates a Generator backed by the OpenAI chat completions API.
// BaseURL points it at any compatible endpoint.
func NewOpenAI(cfg config.GeneratorConfig, log *slog.Logger) (Generator, error) { //nolint:ireturn
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai API key is required")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		// Retries are handled by retryLoop.
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}

	logger := log.With("component", "openai_client")
	logger.Info("OpenAI client initialized successfully", "model", model, "base_url", cfg.BaseURL)
	return &openAIClient{
		client:      openai.NewClient(opts...),
		log:         logger,
		model:       model,
		instruction: cfg.Instruction,
		temperature: float64(cfg.Temperature),
		maxTokens:   int64(cfg.MaxTokens),
		maxRetries:  cfg.MaxRetries,
		retryDelay:  cfg.RetryDelay,
	}, nil
}

func (c *openAIClient) Generate(ctx context.Context, prompt string) (string, error) {
	messages := []openai.ChatCompletionMessageParamUnion{}
	if c.instruction != "" {
		messages = append(messages, openai.SystemMessage(c.instruction))
	}
	messages = append(messages, openai.UserMessage(prompt))

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(c.model),
		Messages:    messages,
		Temperature: openai.Float(c.temperature),
	}
	if c.maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(c.maxTokens)
	}

	return retryLoop(ctx, c.log, c.maxRetries, c.retryDelay, openAIRetryable, func(ctx context.Context) (string, error) {
		resp, err := c.client.Chat.Completions.New(ctx, params)
		if err != nil {
			return "", fmt.Errorf("openai API call failed: %w", err)
		}
		if len(resp.Choices) == 0 {
			return "", errors.New("openai returned no choices")
		}
		text := strings.TrimSpace(resp.Choices[0].Message.Content)
		if text == "" {
			return "", fmt.Errorf("openai returned empty content, finish reason: %s", resp.Choices[0].FinishReason)
		}
		return text, nil
	})
}

func openAIRetryable(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.StatusCode)
	}
	return false
}
