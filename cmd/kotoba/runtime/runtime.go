// Package runtime builds the long-lived clients a kotoba command needs and releases them
// when the command returns.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/harunnryd/kotoba/internal/config"
	"github.com/harunnryd/kotoba/internal/history"
	"github.com/harunnryd/kotoba/internal/model"
	"github.com/harunnryd/kotoba/internal/orchestrator"
	"github.com/harunnryd/kotoba/internal/retrieval"
	"github.com/harunnryd/kotoba/internal/safety"
	"github.com/harunnryd/kotoba/internal/store"
	"github.com/harunnryd/kotoba/internal/telemetry"
	"github.com/harunnryd/kotoba/internal/tool"
	_ "github.com/harunnryd/kotoba/internal/tool/builtin"
)

// Inference is the model surface the runtime wires into retrieval and the loop.
type Inference interface {
	model.Streamer
	model.Embedder
	retrieval.Generator
}

type Components struct {
	Config     *config.Config
	Metrics    *telemetry.Metrics
	Worker     *store.Worker
	History    history.Backend
	Inference  Inference
	Retriever  *retrieval.Retriever
	Ingester   *retrieval.Ingester
	Registry   *tool.Registry
	Dispatcher *tool.Dispatcher
	Gate       *safety.Gate
	Audit      *safety.AuditLog
	Service    *orchestrator.Service
}

type Builder struct {
	cfg       *config.Config
	inference Inference
	moderator safety.Moderator
}

func NewBuilder(cfg *config.Config) *Builder {
	return &Builder{cfg: cfg}
}

// WithInference replaces the provider router built from cfg.Models.
func (b *Builder) WithInference(inf Inference) *Builder {
	b.inference = inf
	return b
}

// WithModerator replaces the OpenAI moderation client.
func (b *Builder) WithModerator(m safety.Moderator) *Builder {
	b.moderator = m
	return b
}

// Build opens the workspace and wires every component. On failure everything opened so far
// is released.
func (b *Builder) Build(ctx context.Context) (_ *Components, err error) {
	if b.cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	cfg := b.cfg

	c := &Components{Config: cfg, Metrics: telemetry.New()}
	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	c.Worker, err = store.NewWorker(ctx, cfg.Store.WorkspacePath, store.RuntimeConfig{
		LockTimeout:              config.DurationOr(cfg.Store.LockTimeout, config.DefaultStoreLockTimeout),
		LockRetry:                config.DurationOr(cfg.Store.LockRetry, config.DefaultStoreLockRetry),
		InboxSize:                cfg.Store.InboxSize,
		Shards:                   cfg.Store.Shards,
		TranscriptRotateMaxBytes: cfg.Store.TranscriptRotateMaxBytes,
		CompressVectors:          cfg.Store.CompressVectors,
	})
	if err != nil {
		return nil, fmt.Errorf("init store worker: %w", err)
	}
	c.Worker.Start()

	c.History, err = history.Open(cfg.History, c.Worker)
	if err != nil {
		return nil, fmt.Errorf("init history: %w", err)
	}

	c.Inference = b.inference
	if c.Inference == nil {
		router, err := model.NewRouter(ctx, cfg.Models, c.Metrics)
		if err != nil {
			return nil, fmt.Errorf("init models: %w", err)
		}
		c.Inference = router
	}

	index := retrieval.NewChromemIndex(c.Worker, c.Inference, cfg.Retrieval.Collection)
	var reranker retrieval.Reranker = retrieval.NewLexicalReranker()
	if cfg.Retrieval.Reranker == "llm" {
		reranker = retrieval.NewLLMReranker(c.Inference, cfg.Retrieval.RerankerModel, cfg.Retrieval.MaxCandidates)
	}
	c.Retriever = retrieval.NewRetriever(index, reranker, retrieval.OptionsFromConfig(cfg.Retrieval), c.Metrics)
	c.Ingester = retrieval.NewIngester(c.Worker, c.Inference, cfg.Retrieval.Collection, cfg.Ingest.ChunkSize, cfg.Ingest.Concurrency)

	tools, err := tool.InstantiateBuiltins(tool.BuiltinOptions{Retriever: c.Retriever, TopK: cfg.Retrieval.TopK})
	if err != nil {
		return nil, fmt.Errorf("init tools: %w", err)
	}
	c.Registry, err = tool.NewRegistry(tools...)
	if err != nil {
		return nil, fmt.Errorf("init tools: %w", err)
	}
	c.Dispatcher = tool.NewDispatcher(c.Registry, cfg.Tools.MaxParallel,
		config.DurationOr(cfg.Tools.Timeout, config.DefaultToolsTimeout), c.Metrics)

	moderator := b.moderator
	if cfg.Safety.Moderation && moderator == nil {
		moderator = moderationClient(cfg.Models)
	}
	filter, err := safety.FromConfig(cfg.Safety, moderator)
	if err != nil {
		return nil, fmt.Errorf("init safety: %w", err)
	}
	if cfg.Safety.Audit {
		c.Audit, err = safety.NewAuditLog(cfg.Store.WorkspacePath, cfg.Safety.RedactPatterns)
		if err != nil {
			return nil, fmt.Errorf("init audit log: %w", err)
		}
	}
	c.Gate = safety.NewGate(filter, cfg.Safety.FailOpen, c.Audit, c.Metrics)

	c.Service = orchestrator.NewService(cfg.Orchestrator, c.Inference, c.Dispatcher, c.History, c.Gate,
		orchestrator.WithPersistBlocked(cfg.Safety.PersistBlocked),
		orchestrator.WithModel(cfg.Models.Default, maxTokensFor(cfg.Models, cfg.Models.Default)),
		orchestrator.WithMetrics(c.Metrics),
	)

	slog.Debug("Runtime components initialized", "workspace", cfg.Store.WorkspacePath, "history", cfg.History.Backend, "tools", c.Registry.Names())
	return c, nil
}

// Close releases the history backend and the workspace, then writes the metrics textfile
// when one is configured.
func (c *Components) Close() {
	if c == nil {
		return
	}
	if c.History != nil {
		if err := c.History.Close(); err != nil {
			slog.Warn("Failed to close history", "error", err)
		}
	}
	if c.Worker != nil {
		c.Worker.Stop()
	}
	if c.Config != nil && c.Config.Metrics.TextfilePath != "" {
		if err := c.Metrics.WriteTextfile(c.Config.Metrics.TextfilePath); err != nil {
			slog.Warn("Failed to write metrics textfile", "path", c.Config.Metrics.TextfilePath, "error", err)
		}
	}
}

func maxTokensFor(cfg config.ModelsConfig, name string) int {
	for _, m := range cfg.Registry {
		if m.Name == name && m.MaxTokens > 0 {
			return m.MaxTokens
		}
	}
	return config.DefaultModelMaxTokens
}

// moderationClient uses the first OpenAI entry that carries an API key.
func moderationClient(cfg config.ModelsConfig) safety.Moderator {
	for _, m := range cfg.Registry {
		if strings.ToLower(m.Provider) != "openai" || m.APIKey == "" {
			continue
		}
		clientCfg := goopenai.DefaultConfig(m.APIKey)
		if m.BaseURL != "" {
			clientCfg.BaseURL = m.BaseURL
		}
		return goopenai.NewClientWithConfig(clientCfg)
	}
	return nil
}
