package model

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/harunnryd/kotoba/internal/config"
	kotobaErrors "github.com/harunnryd/kotoba/internal/errors"
	"github.com/harunnryd/kotoba/internal/logger"
	"github.com/harunnryd/kotoba/internal/model/contract"
	anthropicProvider "github.com/harunnryd/kotoba/internal/model/providers/anthropic"
	geminiProvider "github.com/harunnryd/kotoba/internal/model/providers/gemini"
	openaiProvider "github.com/harunnryd/kotoba/internal/model/providers/openai"
	"github.com/harunnryd/kotoba/internal/telemetry"
)

// Router resolves model names to providers. The fallback model is used only when the
// requested name is not registered; a failing stream is never retried elsewhere.
type Router struct {
	cfg       config.ModelsConfig
	providers map[string]Provider
	metrics   *telemetry.Metrics
	mu        sync.RWMutex
}

func NewRouter(ctx context.Context, cfg config.ModelsConfig, metrics *telemetry.Metrics) (*Router, error) {
	r := &Router{
		cfg:       cfg,
		providers: make(map[string]Provider),
		metrics:   metrics,
	}

	for _, entry := range cfg.Registry {
		provider, err := r.createProvider(ctx, entry)
		if err != nil {
			slog.Warn("Failed to create provider", "provider", entry.Provider, "model", entry.Name, "error", err)
			continue
		}
		r.providers[entry.Name] = provider
		slog.Debug("Provider initialized", "name", entry.Name, "type", entry.Provider)
	}

	if len(r.providers) == 0 && len(cfg.Registry) > 0 {
		return nil, kotobaErrors.Internal("no providers initialized; set an API key for at least one model")
	}

	return r, nil
}

// NewStaticRouter builds a router over already constructed providers.
func NewStaticRouter(cfg config.ModelsConfig, providers ...Provider) *Router {
	r := &Router{cfg: cfg, providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

// Stream routes a request by req.Model, defaulting to the configured default model.
func (r *Router) Stream(ctx context.Context, req contract.CompletionRequest) iter.Seq2[contract.StreamChunk, error] {
	if req.Model == "" {
		req.Model = r.cfg.Default
	}
	provider, name, err := r.resolve(req.Model)
	if err != nil {
		return func(yield func(contract.StreamChunk, error) bool) {
			yield(contract.StreamChunk{}, kotobaErrors.WrapWithCategory(err, "resolve model", kotobaErrors.ErrInferenceTransport))
		}
	}
	req.Model = name
	logger.From(ctx).Debug("Routing stream request", "model", name)
	return provider.Stream(ctx, req)
}

// Generate is the non-streaming convenience used by auxiliary callers such as the reranker.
func (r *Router) Generate(ctx context.Context, req contract.CompletionRequest) (*contract.CompletionResponse, error) {
	return Collect(r.Stream(ctx, req))
}

// Embed tries the requested embedding model first, then every other registered model.
func (r *Router) Embed(ctx context.Context, text string) ([]float32, error) {
	var lastErr error
	for _, name := range r.embeddingTryOrder(r.cfg.Embedding) {
		if err := ctx.Err(); err != nil {
			return nil, kotobaErrors.Wrap(err, "embedding request cancelled")
		}

		r.mu.RLock()
		provider, ok := r.providers[name]
		r.mu.RUnlock()
		if !ok {
			continue
		}

		vec, err := provider.Embed(ctx, text)
		if err == nil {
			return vec, nil
		}
		if isEmbeddingUnsupported(err) {
			continue
		}
		lastErr = err
		slog.Warn("Embedding failed for model, trying next model", "model", name, "error", err)
	}

	if lastErr != nil {
		return nil, kotobaErrors.WrapWithCategory(lastErr, "embedding failed", kotobaErrors.ErrTransient)
	}
	return nil, kotobaErrors.NotFound("no embedding-capable model configured")
}

func (r *Router) ListModels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	models := make([]string, 0, len(r.providers))
	for name := range r.providers {
		models = append(models, name)
	}
	sort.Strings(models)
	return models
}

func (r *Router) resolve(model string) (Provider, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if p, ok := r.providers[model]; ok {
		return p, model, nil
	}
	if r.cfg.Fallback != "" && model != r.cfg.Fallback {
		if p, ok := r.providers[r.cfg.Fallback]; ok {
			slog.Warn("Model not registered, using fallback", "model", model, "fallback", r.cfg.Fallback)
			return p, r.cfg.Fallback, nil
		}
	}
	return nil, "", kotobaErrors.NotFound(fmt.Sprintf("model %s not found", model))
}

func (r *Router) embeddingTryOrder(requested string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{}, len(r.providers)+1)
	order := make([]string, 0, len(r.providers)+1)
	add := func(name string) {
		if name == "" {
			return
		}
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		order = append(order, name)
	}

	add(requested)
	registered := make([]string, 0, len(r.providers))
	for name := range r.providers {
		registered = append(registered, name)
	}
	sort.Strings(registered)
	for _, name := range registered {
		add(name)
	}
	return order
}

func isEmbeddingUnsupported(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "embedding not supported") || strings.Contains(msg, "not support embeddings")
}

func (r *Router) createProvider(ctx context.Context, entry config.ModelRegistry) (Provider, error) {
	maxTokens := entry.MaxTokens
	if maxTokens <= 0 {
		maxTokens = config.DefaultModelMaxTokens
	}

	switch entry.Provider {
	case "openai", "zai":
		baseURL := entry.BaseURL
		if baseURL == "" {
			baseURL = config.DefaultOpenAIBaseURL
			if entry.Provider == "zai" {
				baseURL = openaiProvider.ZaiBaseURL
			}
		}
		if entry.APIKey == "" {
			return nil, kotobaErrors.Validation(fmt.Sprintf("API key required for %s provider", entry.Provider))
		}
		return NewProviderAdapter(openaiProvider.New(entry.APIKey, baseURL, entry.Name, maxTokens), entry.Name, entry.Provider, r.metrics), nil

	case "ollama":
		baseURL := entry.BaseURL
		if baseURL == "" {
			baseURL = config.DefaultOllamaBaseURL
		}
		apiKey := entry.APIKey
		if apiKey == "" {
			apiKey = config.DefaultOllamaAPIKey
		}
		return NewProviderAdapter(openaiProvider.New(apiKey, baseURL, entry.Name, maxTokens), entry.Name, "ollama", r.metrics), nil

	case "anthropic":
		if entry.APIKey == "" {
			return nil, kotobaErrors.Validation("API key required for Anthropic provider")
		}
		return NewProviderAdapter(anthropicProvider.New(entry.APIKey, entry.BaseURL, entry.Name, maxTokens), entry.Name, "anthropic", r.metrics), nil

	case "gemini":
		if entry.APIKey == "" {
			return nil, kotobaErrors.Validation("API key required for Gemini provider")
		}
		p, err := geminiProvider.New(ctx, entry.APIKey, entry.Name, maxTokens)
		if err != nil {
			return nil, kotobaErrors.WrapWithCategory(err, "failed to create Gemini provider", kotobaErrors.ErrInternal)
		}
		return NewProviderAdapter(p, entry.Name, "gemini", r.metrics), nil

	default:
		return nil, kotobaErrors.Validation(fmt.Sprintf("unknown provider type: %s", entry.Provider))
	}
}
