package model

import (
	"context"
	"iter"
	"log/slog"

	kotobaErrors "github.com/harunnryd/kotoba/internal/errors"
	"github.com/harunnryd/kotoba/internal/logger"
	"github.com/harunnryd/kotoba/internal/model/contract"
	"github.com/harunnryd/kotoba/internal/telemetry"
)

// backend is what each SDK-specific provider implements.
type backend interface {
	Stream(ctx context.Context, req contract.CompletionRequest) iter.Seq2[contract.StreamChunk, error]
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ProviderAdapter binds a backend to a registry entry. Backend failures go through the error
// mapper; stream failures are additionally marked as inference transport errors and counted
// by category.
type ProviderAdapter struct {
	backend      backend
	name         string
	providerType string
	metrics      *telemetry.Metrics
	mapper       kotobaErrors.ErrorMapper
}

func NewProviderAdapter(b backend, name, providerType string, metrics *telemetry.Metrics) *ProviderAdapter {
	return &ProviderAdapter{
		backend:      b,
		name:         name,
		providerType: providerType,
		metrics:      metrics,
		mapper:       kotobaErrors.NewDefaultErrorMapper(),
	}
}

func (a *ProviderAdapter) Stream(ctx context.Context, req contract.CompletionRequest) iter.Seq2[contract.StreamChunk, error] {
	if req.Model == "" {
		req.Model = a.name
	}
	return func(yield func(contract.StreamChunk, error) bool) {
		a.metrics.LLMRequest(a.name)
		for chunk, err := range a.backend.Stream(ctx, req) {
			if err != nil {
				if ctx.Err() != nil {
					a.metrics.LLMError(a.name, a.mapper.Category(ctx.Err()))
					yield(contract.StreamChunk{}, ctx.Err())
					return
				}
				mapped := a.mapper.MapError(err)
				category := a.mapper.Category(mapped)
				a.metrics.LLMError(a.name, category)
				logger.From(ctx).Warn("Inference stream failed", "model", a.name, "provider", a.providerType, "category", category, "error", err)
				yield(contract.StreamChunk{}, kotobaErrors.WrapWithCategory(mapped, a.name, kotobaErrors.ErrInferenceTransport))
				return
			}
			if !yield(chunk, nil) {
				return
			}
		}
	}
}

func (a *ProviderAdapter) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := a.backend.Embed(ctx, text)
	if err != nil {
		mapped := a.mapper.MapError(err)
		slog.Debug("Embedding failed", "model", a.name, "category", a.mapper.Category(mapped), "error", err)
		return nil, mapped
	}
	return vec, nil
}

func (a *ProviderAdapter) Name() string {
	return a.name
}

func (a *ProviderAdapter) Type() string {
	return a.providerType
}
