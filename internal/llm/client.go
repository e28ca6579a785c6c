// Package llm adapts external reasoning engines behind a text-in/text-out
// interface. Output is untrusted: nothing downstream may act on it without
// passing the intent validator.
package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/opsforge/sentinel/internal/config"
)

// Client is the reasoning oracle: free text in, free text out, no guarantee
// of well-formedness.
type Client interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// New constructs the configured oracle backend.
func New(cfg config.LLMConfig) (Client, error) {
	switch cfg.Provider {
	case "", "ollama":
		return NewOllamaClient(cfg.BaseURL, cfg.Model, cfg.Timeout), nil
	case "gemini":
		return NewGeminiClient(cfg.APIKey, cfg.Model)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

func clampTimeout(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return 60 * time.Second
	}
	return timeout
}
