package generate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/edgard/replyhub/internal/config"
)

const defaultGeminiModel = "gemini-2.0-flash"

type geminiClient struct {
	genaiClient   *genai.Client
	log           *slog.Logger
	contentConfig *genai.GenerateContentConfig
	model         string
	maxRetries    int
	retryDelay    time.Duration
}

// NewGemini creates a Generator backed by Google's Gemini API.
func NewGemini(ctx context.Context, cfg config.GeneratorConfig, log *slog.Logger) (Generator, error) { //nolint:ireturn
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}

	gi, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	temperature := cfg.Temperature
	baseCfg := &genai.GenerateContentConfig{
		Temperature: &temperature,
	}
	if cfg.MaxTokens > 0 {
		baseCfg.MaxOutputTokens = int32(cfg.MaxTokens) //nolint:gosec // validated range
	}
	if cfg.Instruction != "" {
		baseCfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: cfg.Instruction}}}
	}

	model := cfg.Model
	if model == "" {
		model = defaultGeminiModel
	}

	logger := log.With("component", "gemini_client")
	logger.Info("Gemini client initialized successfully", "model", model)
	return &geminiClient{
		genaiClient:   gi,
		log:           logger,
		contentConfig: baseCfg,
		model:         model,
		maxRetries:    cfg.MaxRetries,
		retryDelay:    cfg.RetryDelay,
	}, nil
}

func (c *geminiClient) Generate(ctx context.Context, prompt string) (string, error) {
	contents := []*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}

	return retryLoop(ctx, c.log, c.maxRetries, c.retryDelay, geminiRetryable, func(ctx context.Context) (string, error) {
		resp, err := c.genaiClient.Models.GenerateContent(ctx, c.model, contents, c.contentConfig)
		if err != nil {
			return "", fmt.Errorf("gemini API call failed: %w", err)
		}
		return c.extractText(ctx, resp)
	})
}

func geminiRetryable(err error) bool {
	var apiErr *genai.APIError
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.Code)
	}
	return false
}

func (c *geminiClient) extractText(ctx context.Context, resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil {
		return "", errors.New("gemini returned a nil response")
	}

	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockedReasonUnspecified {
		reasonMsg := fmt.Sprintf("%v", resp.PromptFeedback.BlockReason)
		if resp.PromptFeedback.BlockReasonMessage != "" {
			reasonMsg = resp.PromptFeedback.BlockReasonMessage
		}
		c.log.ErrorContext(ctx, "Gemini request blocked", "reason", reasonMsg)
		return "", fmt.Errorf("blocked by safety filter: %s", reasonMsg)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		finishReason := "unknown"
		if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason != genai.FinishReasonUnspecified {
			finishReason = fmt.Sprintf("%v", resp.Candidates[0].FinishReason)
		}
		c.log.WarnContext(ctx, "Gemini response missing candidates or content", "finish_reason", finishReason)
		return "", fmt.Errorf("gemini returned no content, finish reason: %s", finishReason)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", errors.New("gemini returned empty text")
	}
	return text, nil
}
