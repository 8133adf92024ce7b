// Package llm provides a provider-agnostic chat-completion interface with a
// concrete OpenAI implementation and deterministic mocks for testing. The
// rerank fallback tier is its only in-engine consumer.
package llm

import (
	"context"
	"errors"
	"os"
)

var (
	ErrLLMFailed     = errors.New("LLM request failed")
	ErrInvalidConfig = errors.New("invalid LLM configuration")
)

// LLM defines the interface for interacting with language models.
// Implementations must be stateless and thread-safe.
type LLM interface {
	// Generate produces text from a prompt using the configured model.
	// Returns the generated text or an error if generation fails.
	Generate(ctx context.Context, prompt string) (string, error)
}

// Config holds common configuration options for LLM providers.
type Config struct {
	// Model specifies the model identifier (e.g., "gpt-4o-mini")
	Model string

	// Temperature controls randomness (0.0 = deterministic)
	Temperature float32

	// MaxTokens limits the response length (0 = use provider default)
	MaxTokens int

	// APIKey is the authentication key for the provider
	APIKey string
}

// DefaultConfig returns sensible defaults for ranking calls: a small model
// at temperature zero with a short budget.
func DefaultConfig() Config {
	return Config{
		Model:       "gpt-4o-mini",
		Temperature: 0,
		MaxTokens:   500,
	}
}

// withDefaults fills an unset model from DefaultConfig and an unset API key
// from the OPENAI_API_KEY environment variable.
func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = DefaultConfig().Model
	}
	if c.APIKey == "" {
		c.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	return c
}
