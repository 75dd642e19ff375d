package retrieval

import (
	"context"
	"strings"
	"time"

	"github.com/harunnryd/kotoba/internal/config"
	kotobaErrors "github.com/harunnryd/kotoba/internal/errors"
	"github.com/harunnryd/kotoba/internal/logger"
	"github.com/harunnryd/kotoba/internal/telemetry"
)

type Options struct {
	TopK            int
	OverfetchFactor int
	MaxCandidates   int
	Budget          Budget
	Timeout         time.Duration
}

// OptionsFromConfig maps the retrieval config section onto Options.
func OptionsFromConfig(cfg config.RetrievalConfig) Options {
	return Options{
		TopK:            cfg.TopK,
		OverfetchFactor: cfg.OverfetchFactor,
		MaxCandidates:   cfg.MaxCandidates,
		Budget: Budget{
			Base:  cfg.TruncationBase,
			Min:   cfg.TruncationMin,
			Decay: cfg.TruncationDecay,
		},
		Timeout: config.DurationOr(cfg.Timeout, config.DefaultRetrievalTimeout),
	}
}

// Retriever over-fetches from an Index, reranks the pool and trims each kept chunk to its
// budget. Retrieve has no side effects beyond metrics.
type Retriever struct {
	index    Index
	reranker Reranker
	opts     Options
	metrics  *telemetry.Metrics
}

func NewRetriever(index Index, reranker Reranker, opts Options, metrics *telemetry.Metrics) *Retriever {
	if opts.TopK <= 0 {
		opts.TopK = config.DefaultRetrievalTopK
	}
	if opts.OverfetchFactor <= 0 {
		opts.OverfetchFactor = config.DefaultRetrievalOverfetchFactor
	}
	if opts.MaxCandidates <= 0 {
		opts.MaxCandidates = config.DefaultRetrievalMaxCandidates
	}
	return &Retriever{index: index, reranker: reranker, opts: opts, metrics: metrics}
}

// Retrieve returns up to k chunks (TopK when k <= 0), best first. Index failures are returned
// wrapped in ErrRetrievalFailed.
func (r *Retriever) Retrieve(ctx context.Context, query, scope string, k int) ([]RetrievedChunk, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, kotobaErrors.Validation("query is empty")
	}
	if k <= 0 {
		k = r.opts.TopK
	}
	fetch := k * r.opts.OverfetchFactor
	if fetch > r.opts.MaxCandidates {
		fetch = r.opts.MaxCandidates
	}
	if fetch < k {
		fetch = k
	}

	if r.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.Timeout)
		defer cancel()
	}

	log := logger.From(ctx)
	start := time.Now()

	candidates, err := r.index.Search(ctx, query, scope, fetch)
	if err != nil {
		r.metrics.Retrieval("error")
		log.Warn("Retrieval failed", "scope", scope, "error", err)
		return nil, kotobaErrors.WrapWithCategory(err, "search index", kotobaErrors.ErrRetrievalFailed)
	}
	for i := range candidates {
		candidates[i].Rank = i
	}

	ranked := candidates
	if r.reranker != nil && len(candidates) > 1 {
		reranked, err := r.reranker.Rerank(ctx, query, candidates)
		if err != nil {
			log.Warn("Rerank failed, keeping retrieval order", "error", err)
		} else {
			ranked = reranked
		}
	}

	if len(ranked) > k {
		ranked = ranked[:k]
	}
	out := make([]RetrievedChunk, len(ranked))
	for i, c := range ranked {
		c.Rank = i
		c.Text, c.Truncated = Truncate(c.Text, r.opts.Budget.For(i, c.Score))
		out[i] = c
	}

	r.metrics.Retrieval("ok")
	log.Debug("Retrieved chunks", "scope", scope, "candidates", len(candidates), "returned", len(out), "took_ms", time.Since(start).Milliseconds())
	return out, nil
}
