package model

import (
	"context"
	"iter"

	"github.com/harunnryd/kotoba/internal/model/contract"
)

// Streamer is the inference surface the generation loop depends on.
type Streamer interface {
	Stream(ctx context.Context, req contract.CompletionRequest) iter.Seq2[contract.StreamChunk, error]
}

// Embedder turns text into a vector for the knowledge index.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type Provider interface {
	Streamer
	Embedder
	Name() string
	Type() string
}
