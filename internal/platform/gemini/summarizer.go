package gemini

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"

	"github.com/phrazzld/stash-api/internal/config"
	"github.com/phrazzld/stash-api/internal/generation"
)

// promptTemplate frames the content for summarization. %s is replaced
// with the saved content.
const promptTemplate = `Summarize the following saved content in a few concise sentences.
Focus on the main points and keep the summary self-contained.

Content:
%s`

// maxContentLength bounds how much content is sent per request. Longer
// content is truncated rather than rejected.
const maxContentLength = 100_000

// Summarizer generates content summaries via the Gemini API.
type Summarizer struct {
	client *genai.Client
	model  string
	logger *slog.Logger
}

// NewSummarizer creates a Gemini-backed generator from the LLM config.
func NewSummarizer(ctx context.Context, cfg config.LLMConfig, logger *slog.Logger) (*Summarizer, error) {
	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("%w: gemini api key is required", generation.ErrInvalidConfig)
	}
	if cfg.ModelName == "" {
		return nil, fmt.Errorf("%w: model name is required", generation.ErrInvalidConfig)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	return &Summarizer{
		client: client,
		model:  cfg.ModelName,
		logger: logger.With("component", "gemini_summarizer", "model", cfg.ModelName),
	}, nil
}

// Summarize implements generation.Generator.
func (s *Summarizer) Summarize(ctx context.Context, content string) (string, error) {
	prompt := buildPrompt(content)

	resp, err := s.client.Models.GenerateContent(ctx, s.model, genai.Text(prompt), nil)
	if err != nil {
		s.logger.Error("generation request failed", "error", err)
		return "", classifyError(err)
	}

	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		s.logger.Warn("content blocked by safety filters",
			"block_reason", string(resp.PromptFeedback.BlockReason))
		return "", generation.ErrContentBlocked
	}

	if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason == genai.FinishReasonSafety {
		return "", generation.ErrContentBlocked
	}

	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w: empty response", generation.ErrInvalidResponse)
	}

	return text, nil
}

// buildPrompt fills the template, truncating oversized content.
func buildPrompt(content string) string {
	if len(content) > maxContentLength {
		content = content[:maxContentLength]
	}
	return fmt.Sprintf(promptTemplate, content)
}

// classifyError maps transport errors into the generation taxonomy so
// the retry policy can tell transient failures from permanent ones.
func classifyError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "429"),
		strings.Contains(msg, "unavailable"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "deadline"):
		return fmt.Errorf("%w: %v", generation.ErrTransientFailure, err)
	default:
		return fmt.Errorf("%w: %v", generation.ErrGenerationFailed, err)
	}
}
