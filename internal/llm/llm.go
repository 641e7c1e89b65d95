// Package llm provides LLM client implementations.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nugget/hearth/internal/config"
	"github.com/nugget/hearth/internal/httpkit"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = config.LevelTrace

// ErrEmptyResponse is returned when a provider answers without text.
var ErrEmptyResponse = errors.New("empty response from model")

// Generator turns a prompt into a reply.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// APIError is a non-2xx answer from a provider.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error %d: %s", e.Provider, e.StatusCode, e.Body)
}

// New creates the generator selected by cfg.Provider.
func New(cfg config.LLMConfig, logger *slog.Logger) (Generator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "llm")

	switch cfg.Provider {
	case "gemini":
		return NewGeminiClient(cfg.BaseURL, cfg.APIKey, cfg.Model, cfg.MaxTokens, logger), nil
	case "anthropic":
		return NewAnthropicClient(cfg.BaseURL, cfg.APIKey, cfg.Model, cfg.MaxTokens, logger), nil
	case "ollama":
		return NewOllamaClient(cfg.BaseURL, cfg.Model, cfg.MaxTokens, logger), nil
	case "openai":
		return NewOpenAIClient(cfg.BaseURL, cfg.APIKey, cfg.Model, cfg.MaxTokens, logger), nil
	}
	return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
}

// newHTTPClient returns a client for model APIs. Responses can take a
// long time before headers arrive, so there is no global timeout and
// callers bound each request with a context deadline.
func newHTTPClient(logger *slog.Logger) *http.Client {
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	return httpkit.NewClient(
		httpkit.WithTimeout(0),
		httpkit.WithTransport(t),
		httpkit.WithRetry(2, time.Second),
		httpkit.WithLogger(logger),
	)
}
