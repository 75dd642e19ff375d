package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"
)

type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Models       ModelsConfig       `koanf:"models"`
	Orchestrator OrchestratorConfig `koanf:"orchestrator"`
	Retrieval    RetrievalConfig    `koanf:"retrieval"`
	Tools        ToolsConfig        `koanf:"tools"`
	Safety       SafetyConfig       `koanf:"safety"`
	Store        StoreConfig        `koanf:"store"`
	History      HistoryConfig      `koanf:"history"`
	Ingest       IngestConfig       `koanf:"ingest"`
	Metrics      MetricsConfig      `koanf:"metrics"`
}

type ServerConfig struct {
	LogLevel string `koanf:"log_level"`
}

type ModelsConfig struct {
	Default   string          `koanf:"default"`
	Fallback  string          `koanf:"fallback"`
	Embedding string          `koanf:"embedding"`
	Registry  []ModelRegistry `koanf:"registry"`
}

type ModelRegistry struct {
	Name                   string `koanf:"name"`
	Provider               string `koanf:"provider"`
	BaseURL                string `koanf:"base_url"`
	APIKey                 string `koanf:"api_key"`
	RequestTimeout         string `koanf:"request_timeout"`
	MaxTokens              int    `koanf:"max_tokens"`
	EmbeddingInputMaxChars int    `koanf:"embedding_input_max_chars"`
}

type OrchestratorConfig struct {
	MaxIterations int    `koanf:"max_iterations"`
	HistoryWindow int    `koanf:"history_window"`
	SystemPrompt  string `koanf:"system_prompt"`
	Scope         string `koanf:"scope"`
	Owner         string `koanf:"owner"`
}

type RetrievalConfig struct {
	Collection      string  `koanf:"collection"`
	TopK            int     `koanf:"top_k"`
	OverfetchFactor int     `koanf:"overfetch_factor"`
	MaxCandidates   int     `koanf:"max_candidates"`
	Reranker        string  `koanf:"reranker"`
	RerankerModel   string  `koanf:"reranker_model"`
	TruncationBase  int     `koanf:"truncation_base"`
	TruncationMin   int     `koanf:"truncation_min"`
	TruncationDecay float64 `koanf:"truncation_decay"`
	Timeout         string  `koanf:"timeout"`
}

type ToolsConfig struct {
	MaxParallel int    `koanf:"max_parallel"`
	Timeout     string `koanf:"timeout"`
}

type SafetyConfig struct {
	RulesFile       string   `koanf:"rules_file"`
	Moderation      bool     `koanf:"moderation"`
	ModerationModel string   `koanf:"moderation_model"`
	FailOpen        bool     `koanf:"fail_open"`
	PersistBlocked  bool     `koanf:"persist_blocked"`
	Audit           bool     `koanf:"audit"`
	RedactPatterns  []string `koanf:"redact_patterns"`
}

type StoreConfig struct {
	WorkspacePath            string `koanf:"workspace_path"`
	LockTimeout              string `koanf:"lock_timeout"`
	LockRetry                string `koanf:"lock_retry"`
	InboxSize                int    `koanf:"inbox_size"`
	Shards                   int    `koanf:"shards"`
	TranscriptRotateMaxBytes int64  `koanf:"transcript_rotate_max_bytes"`
	CompressVectors          bool   `koanf:"compress_vectors"`
}

type HistoryConfig struct {
	Backend    string `koanf:"backend"`
	SQLitePath string `koanf:"sqlite_path"`
}

type IngestConfig struct {
	ChunkSize   int    `koanf:"chunk_size"`
	Concurrency int    `koanf:"concurrency"`
	Schedule    string `koanf:"schedule"`
}

type MetricsConfig struct {
	TextfilePath string `koanf:"textfile_path"`
}

const (
	DefaultServerLogLevel                = "info"
	DefaultModelDefault                  = "gpt-4o-mini"
	DefaultModelFallback                 = "claude-3-5-haiku-latest"
	DefaultModelEmbedding                = "text-embedding-3-small"
	DefaultOpenAIBaseURL                 = "https://api.openai.com/v1"
	DefaultOllamaBaseURL                 = "http://localhost:11434/v1"
	DefaultOllamaAPIKey                  = "ollama"
	DefaultModelRequestTimeout           = "120s"
	DefaultModelMaxTokens                = 4096
	DefaultEmbeddingInputMaxChars        = 8000
	DefaultOrchestratorMaxIterations     = 5
	DefaultOrchestratorHistoryWindow     = 40
	DefaultOrchestratorSystemPrompt      = "You are Kotoba, a helpful assistant. Use the search_knowledge tool when the answer depends on indexed documents, and cite the source of any passage you rely on.\nCurrent time: {{ .Now.Format \"2006-01-02 15:04 MST\" }}."
	DefaultOrchestratorScope             = "default"
	DefaultOrchestratorOwner             = "local"
	DefaultRetrievalCollection           = "knowledge"
	DefaultRetrievalTopK                 = 5
	DefaultRetrievalOverfetchFactor      = 3
	DefaultRetrievalMaxCandidates        = 100
	DefaultRetrievalReranker             = "lexical"
	DefaultRetrievalTruncationBase       = 2000
	DefaultRetrievalTruncationMin        = 200
	DefaultRetrievalTruncationDecay      = 0.5
	DefaultRetrievalTimeout              = "15s"
	DefaultToolsMaxParallel              = 4
	DefaultToolsTimeout                  = "30s"
	DefaultSafetyModerationModel         = "omni-moderation-latest"
	DefaultSafetyFailOpen                = false
	DefaultSafetyPersistBlocked          = false
	DefaultStoreLockTimeout              = "30s"
	DefaultStoreLockRetry                = "100ms"
	DefaultStoreInboxSize                = 100
	DefaultStoreShards                   = 8
	DefaultStoreTranscriptRotateMaxBytes = 10 * 1024 * 1024
	DefaultHistoryBackend                = "jsonl"
	DefaultIngestChunkSize               = 1200
	DefaultIngestConcurrency             = 4
)

func Load(cmd *cobra.Command) (*Config, error) {
	k := koanf.New(".")

	home := os.Getenv("HOME")
	defaults := map[string]interface{}{
		"server.log_level": DefaultServerLogLevel,
		"models.default":   DefaultModelDefault,
		"models.fallback":  DefaultModelFallback,
		"models.embedding": DefaultModelEmbedding,
		"models.registry": []ModelRegistry{
			{Name: DefaultModelDefault, Provider: "openai"},
			{Name: DefaultModelEmbedding, Provider: "openai"},
			{Name: DefaultModelFallback, Provider: "anthropic"},
			{Name: "gemini-2.0-flash", Provider: "gemini"},
			{Name: "local-llama", Provider: "ollama", BaseURL: DefaultOllamaBaseURL},
		},
		"orchestrator.max_iterations":       DefaultOrchestratorMaxIterations,
		"orchestrator.history_window":       DefaultOrchestratorHistoryWindow,
		"orchestrator.system_prompt":        DefaultOrchestratorSystemPrompt,
		"orchestrator.scope":                DefaultOrchestratorScope,
		"orchestrator.owner":                DefaultOrchestratorOwner,
		"retrieval.collection":              DefaultRetrievalCollection,
		"retrieval.top_k":                   DefaultRetrievalTopK,
		"retrieval.overfetch_factor":        DefaultRetrievalOverfetchFactor,
		"retrieval.max_candidates":          DefaultRetrievalMaxCandidates,
		"retrieval.reranker":                DefaultRetrievalReranker,
		"retrieval.truncation_base":         DefaultRetrievalTruncationBase,
		"retrieval.truncation_min":          DefaultRetrievalTruncationMin,
		"retrieval.truncation_decay":        DefaultRetrievalTruncationDecay,
		"retrieval.timeout":                 DefaultRetrievalTimeout,
		"tools.max_parallel":                DefaultToolsMaxParallel,
		"tools.timeout":                     DefaultToolsTimeout,
		"safety.moderation_model":           DefaultSafetyModerationModel,
		"safety.fail_open":                  DefaultSafetyFailOpen,
		"safety.persist_blocked":            DefaultSafetyPersistBlocked,
		"store.workspace_path":              filepath.Join(home, ".kotoba", "workspace"),
		"store.lock_timeout":                DefaultStoreLockTimeout,
		"store.lock_retry":                  DefaultStoreLockRetry,
		"store.inbox_size":                  DefaultStoreInboxSize,
		"store.shards":                      DefaultStoreShards,
		"store.transcript_rotate_max_bytes": DefaultStoreTranscriptRotateMaxBytes,
		"history.backend":                   DefaultHistoryBackend,
		"history.sqlite_path":               filepath.Join(home, ".kotoba", "history.db"),
		"ingest.chunk_size":                 DefaultIngestChunkSize,
		"ingest.concurrency":                DefaultIngestConcurrency,
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	configPath := ""
	if cmd != nil {
		if flag := cmd.Flags().Lookup("config"); flag != nil {
			configPath = strings.TrimSpace(flag.Value.String())
		}
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, err
		}
	} else if userHome, err := os.UserHomeDir(); err == nil {
		globalPath := filepath.Join(userHome, ".kotoba", "config.yaml")
		if err := k.Load(file.Provider(globalPath), yaml.Parser()); err != nil {
			slog.Debug("Global config not found or invalid", "path", globalPath, "error", err)
		}
	}

	// KOTOBA_RETRIEVAL__TOP_K -> retrieval.top_k; a single underscore separates sections.
	k.Load(env.Provider("KOTOBA_", ".", envKey), nil)

	if cmd != nil {
		k.Load(posflag.Provider(cmd.Flags(), ".", k), nil)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	for i, m := range cfg.Models.Registry {
		if m.Provider == "" {
			cfg.Models.Registry[i].Provider = "openai"
		}
	}

	if err := normalizePathFields(&cfg); err != nil {
		return nil, err
	}

	injectAPIKeys(&cfg)

	return &cfg, nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, "KOTOBA_"))
	s = strings.ReplaceAll(s, "__", "\x00")
	s = strings.ReplaceAll(s, "_", ".")
	return strings.ReplaceAll(s, "\x00", "_")
}

var providerKeyEnv = map[string]string{
	"openai":    "OPENAI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
	"gemini":    "GEMINI_API_KEY",
	"zai":       "ZAI_API_KEY",
}

func injectAPIKeys(cfg *Config) {
	for i, m := range cfg.Models.Registry {
		if m.APIKey != "" {
			continue
		}
		if name, ok := providerKeyEnv[m.Provider]; ok {
			cfg.Models.Registry[i].APIKey = os.Getenv(name)
		}
	}
}

func normalizePathFields(cfg *Config) error {
	fields := []*string{
		&cfg.Store.WorkspacePath,
		&cfg.History.SQLitePath,
		&cfg.Safety.RulesFile,
		&cfg.Metrics.TextfilePath,
	}
	for _, f := range fields {
		expanded, err := ExpandPath(*f)
		if err != nil {
			return err
		}
		if expanded != "" {
			*f = expanded
		}
	}
	return nil
}
