package llm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/stephen-kim/cinepyle/internal/config"
	"github.com/stephen-kim/cinepyle/internal/logging"
)

// Router tries providers in priority order and returns the first answer.
type Router struct {
	providers []Provider
	logger    *slog.Logger
}

func NewRouter(providers []Provider, logger *slog.Logger) *Router {
	if logger == nil {
		logger = logging.New("llm")
	}
	return &Router{providers: providers, logger: logger}
}

// FromConfig builds a Router from the configured priority list, skipping
// providers that have no credentials or endpoint.
func FromConfig(cfg config.LLMConfig, logger *slog.Logger) *Router {
	timeout := config.Duration("llm.timeout", cfg.Timeout, defaultTimeout)

	var providers []Provider
	for _, name := range cfg.PriorityList() {
		switch name {
		case "openrouter":
			if cfg.OpenRouterAPIKey == "" {
				continue
			}
			providers = append(providers, NewOpenAIClient(OpenAIOptions{
				Name:        "openrouter",
				BaseURL:     OpenRouterBaseURL,
				APIKey:      cfg.OpenRouterAPIKey,
				Model:       cfg.OpenRouterModel,
				VisionModel: cfg.OpenRouterVisionModel,
				Timeout:     timeout,
			}))
		case "openai":
			if cfg.OpenAIAPIKey == "" {
				continue
			}
			providers = append(providers, NewOpenAIClient(OpenAIOptions{
				Name:        "openai",
				BaseURL:     OpenAIBaseURL,
				APIKey:      cfg.OpenAIAPIKey,
				Model:       cfg.OpenAIModel,
				VisionModel: cfg.OpenAIVisionModel,
				Timeout:     timeout,
			}))
		case "ollama":
			if cfg.OllamaBaseURL == "" {
				continue
			}
			providers = append(providers, NewOllamaClient(OllamaOptions{
				BaseURL:     cfg.OllamaBaseURL,
				Model:       cfg.OllamaModel,
				VisionModel: cfg.OllamaVisionModel,
				Timeout:     timeout,
			}))
		default:
			if logger != nil {
				logger.Warn("unknown LLM provider in priority list", "provider", name)
			}
		}
	}
	return NewRouter(providers, logger)
}

// Available reports whether any provider is configured.
func (r *Router) Available() bool {
	return r != nil && len(r.providers) > 0
}

// Names lists the configured providers in priority order.
func (r *Router) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, len(r.providers))
	for i, p := range r.providers {
		names[i] = p.Name()
	}
	return names
}

// Complete asks each provider in turn. When all of them fail the error
// wraps ErrProviderUnavailable.
func (r *Router) Complete(ctx context.Context, req Request) (Response, error) {
	if !r.Available() {
		return Response{}, ErrProviderUnavailable
	}

	var lastErr error
	for _, p := range r.providers {
		resp, err := p.Complete(ctx, req)
		if err == nil {
			if resp.Provider == "" {
				resp.Provider = p.Name()
			}
			return resp, nil
		}
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		r.logger.Warn("LLM provider failed", "provider", p.Name(), "error", err)
		lastErr = err
	}
	return Response{}, fmt.Errorf("%w: %v", ErrProviderUnavailable, lastErr)
}
