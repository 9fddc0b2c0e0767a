// Package config provides configuration loading for researchd.
// Configuration sources (in priority order): env vars > config file > defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all researchd configuration.
type Config struct {
	// Listen address for the HTTP/SSE/WebSocket surface (default ":8080").
	ListenAddr string `json:"listen_addr"`
	// Data directory for the SQLite database (default "/var/lib/researchd").
	DataDir string `json:"data_dir"`
	// External URL used to build sse_url/ui_url in job handles.
	ExternalURL string `json:"external_url,omitempty"`

	// Optional bearer token protecting the HTTP API. Empty disables auth.
	APIToken string `json:"api_token,omitempty"`
	// Per-client request rate limit (requests/minute, default 240).
	RateLimitPerMinute int `json:"rate_limit_per_minute"`

	// Log level (debug, info, warn, error).
	LogLevel string `json:"log_level"`
	// OTLP gRPC endpoint for traces. Empty disables tracing.
	OTLPEndpoint string `json:"otlp_endpoint,omitempty"`

	Workers  WorkerConfig  `json:"workers"`
	Jobs     JobConfig     `json:"jobs"`
	Cache    CacheConfig   `json:"cache"`
	Search   SearchConfig  `json:"search"`
	Pipeline PipelineConfig `json:"pipeline"`
	LLM      LLMConfig     `json:"llm,omitempty"`
	Embed    EmbedConfig   `json:"embedding,omitempty"`
	Store    StoreConfig   `json:"store"`
	Events   EventConfig   `json:"events"`
}

// WorkerConfig tunes the job worker pool.
type WorkerConfig struct {
	// Concurrency is the fixed pool size (default 4).
	Concurrency int `json:"concurrency"`
	// LeaseTimeout bounds exclusive job ownership (default 30s).
	LeaseTimeout time.Duration `json:"lease_timeout"`
	// HeartbeatInterval extends the lease while a handler runs (default 2s).
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	// PollInterval is the idle claim retry interval (default 500ms).
	PollInterval time.Duration `json:"poll_interval"`
	// MaxAttempts caps handler-requested re-queues (default 3).
	MaxAttempts int `json:"max_attempts"`
}

// JobConfig tunes job retention and idempotency.
type JobConfig struct {
	// TTL after which terminal jobs and their events are hard-deleted
	// (default 1h).
	TTL time.Duration `json:"ttl"`
	// IdempotencyWindow bounds how long a fingerprint pins its job
	// (default 1h).
	IdempotencyWindow time.Duration `json:"idempotency_window"`
	// FingerprintLength is the hex length of computed keys (default 16).
	FingerprintLength int `json:"fingerprint_length"`
}

// CacheConfig tunes the fingerprint result cache.
type CacheConfig struct {
	TTL time.Duration `json:"ttl"`
	// MaxEntries bounds the cache; overflow evicts LRU (default 1000).
	MaxEntries int `json:"max_entries"`
	// SimilarityThreshold gates semantic hits (default 0.85).
	SimilarityThreshold float64 `json:"similarity_threshold"`
	// PruneInterval throttles background sweeps (default 5m).
	PruneInterval time.Duration `json:"prune_interval"`
}

// SearchConfig tunes hybrid retrieval.
type SearchConfig struct {
	BM25K1     float64 `json:"bm25_k1"`
	BM25B      float64 `json:"bm25_b"`
	WeightBM25 float64 `json:"weight_bm25"`
	WeightVec  float64 `json:"weight_vec"`
}

// PipelineConfig tunes the research pipeline.
type PipelineConfig struct {
	// MaxAgents caps the planner fan-out (default 5).
	MaxAgents int `json:"max_agents"`
	// Parallelism bounds concurrent sub-research tasks (default 4).
	Parallelism int `json:"parallelism"`
	// ContextReports is how many prior reports feed the planner (default 3).
	ContextReports int `json:"context_reports"`
}

// LLMConfig configures the external provider client.
type LLMConfig struct {
	// Provider is "anthropic", "openai", or "mock".
	Provider string `json:"provider,omitempty"`
	BaseURL  string `json:"base_url,omitempty"`
	APIKey   string `json:"api_key,omitempty"`
	// Model used for planning and synthesis when cost preference is high.
	Model string `json:"model,omitempty"`
	// LowCostModel used when cost preference is low (default = Model).
	LowCostModel string `json:"low_cost_model,omitempty"`
	// Timeout per LLM call (default 120s).
	Timeout time.Duration `json:"timeout"`
	// MaxRetries on 429/5xx (default 3).
	MaxRetries int `json:"max_retries"`
}

// EmbedConfig configures the embedding provider.
type EmbedConfig struct {
	// Provider is "local" (deterministic hashing) or "remote".
	Provider string `json:"provider,omitempty"`
	BaseURL  string `json:"base_url,omitempty"`
	APIKey   string `json:"api_key,omitempty"`
	Model    string `json:"model,omitempty"`
}

// StoreConfig tunes retrieval-store retry behaviour.
type StoreConfig struct {
	// RetryAttempts for transient failures (default 3).
	RetryAttempts int `json:"retry_attempts"`
	// RetryBase is the exponential backoff base (default 200ms).
	RetryBase time.Duration `json:"retry_base"`
	// MaxDocContentLen truncates indexed content (default 8192).
	MaxDocContentLen int `json:"max_doc_content_len"`
}

// EventConfig tunes the event bus.
type EventConfig struct {
	// ReplayWindow is the per-job live ring size (default 512).
	ReplayWindow int `json:"replay_window"`
	// SubscriberQueue bounds each delivery queue (default 64).
	SubscriberQueue int `json:"subscriber_queue"`
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		ListenAddr:         ":8080",
		DataDir:            "/var/lib/researchd",
		RateLimitPerMinute: 240,
		LogLevel:           "info",
		Workers: WorkerConfig{
			Concurrency:       4,
			LeaseTimeout:      30 * time.Second,
			HeartbeatInterval: 2 * time.Second,
			PollInterval:      500 * time.Millisecond,
			MaxAttempts:       3,
		},
		Jobs: JobConfig{
			TTL:               time.Hour,
			IdempotencyWindow: time.Hour,
			FingerprintLength: 16,
		},
		Cache: CacheConfig{
			TTL:                 time.Hour,
			MaxEntries:          1000,
			SimilarityThreshold: 0.85,
			PruneInterval:       5 * time.Minute,
		},
		Search: SearchConfig{
			BM25K1:     1.2,
			BM25B:      0.75,
			WeightBM25: 0.7,
			WeightVec:  0.3,
		},
		Pipeline: PipelineConfig{
			MaxAgents:      5,
			Parallelism:    4,
			ContextReports: 3,
		},
		LLM: LLMConfig{
			Provider:   "mock",
			Timeout:    120 * time.Second,
			MaxRetries: 3,
		},
		Embed: EmbedConfig{
			Provider: "local",
		},
		Store: StoreConfig{
			RetryAttempts:    3,
			RetryBase:        200 * time.Millisecond,
			MaxDocContentLen: 8192,
		},
		Events: EventConfig{
			ReplayWindow:    512,
			SubscriberQueue: 64,
		},
	}
}

// Load reads configuration from a file, then overlays environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() Config {
	cfg, _ := Load("")
	return cfg
}

func applyEnv(cfg *Config) {
	envStr("RESEARCHD_LISTEN_ADDR", &cfg.ListenAddr)
	envStr("RESEARCHD_DATA_DIR", &cfg.DataDir)
	envStr("RESEARCHD_EXTERNAL_URL", &cfg.ExternalURL)
	envStr("RESEARCHD_API_TOKEN", &cfg.APIToken)
	envInt("RESEARCHD_RATE_LIMIT", &cfg.RateLimitPerMinute)
	envStr("RESEARCHD_LOG_LEVEL", &cfg.LogLevel)
	envStr("RESEARCHD_OTLP_ENDPOINT", &cfg.OTLPEndpoint)

	envInt("RESEARCHD_WORKERS", &cfg.Workers.Concurrency)
	envDur("RESEARCHD_LEASE_TIMEOUT", &cfg.Workers.LeaseTimeout)
	envDur("RESEARCHD_HEARTBEAT_INTERVAL", &cfg.Workers.HeartbeatInterval)
	envDur("RESEARCHD_POLL_INTERVAL", &cfg.Workers.PollInterval)
	envInt("RESEARCHD_MAX_ATTEMPTS", &cfg.Workers.MaxAttempts)

	envDur("RESEARCHD_JOB_TTL", &cfg.Jobs.TTL)
	envDur("RESEARCHD_IDEMPOTENCY_WINDOW", &cfg.Jobs.IdempotencyWindow)
	envInt("RESEARCHD_FINGERPRINT_LENGTH", &cfg.Jobs.FingerprintLength)

	envDur("RESEARCHD_CACHE_TTL", &cfg.Cache.TTL)
	envInt("RESEARCHD_CACHE_MAX_ENTRIES", &cfg.Cache.MaxEntries)
	envFloat("RESEARCHD_SIMILARITY_THRESHOLD", &cfg.Cache.SimilarityThreshold)
	envDur("RESEARCHD_CACHE_PRUNE_INTERVAL", &cfg.Cache.PruneInterval)

	envFloat("RESEARCHD_BM25_K1", &cfg.Search.BM25K1)
	envFloat("RESEARCHD_BM25_B", &cfg.Search.BM25B)
	envFloat("RESEARCHD_WEIGHT_BM25", &cfg.Search.WeightBM25)
	envFloat("RESEARCHD_WEIGHT_VEC", &cfg.Search.WeightVec)

	envInt("RESEARCHD_MAX_AGENTS", &cfg.Pipeline.MaxAgents)
	envInt("RESEARCHD_PARALLELISM", &cfg.Pipeline.Parallelism)

	envStr("RESEARCHD_LLM_PROVIDER", &cfg.LLM.Provider)
	envStr("RESEARCHD_LLM_BASE_URL", &cfg.LLM.BaseURL)
	envStr("RESEARCHD_LLM_API_KEY", &cfg.LLM.APIKey)
	envStr("RESEARCHD_LLM_MODEL", &cfg.LLM.Model)
	envStr("RESEARCHD_LLM_LOW_COST_MODEL", &cfg.LLM.LowCostModel)
	envDur("RESEARCHD_LLM_TIMEOUT", &cfg.LLM.Timeout)
	envInt("RESEARCHD_LLM_MAX_RETRIES", &cfg.LLM.MaxRetries)

	envStr("RESEARCHD_EMBED_PROVIDER", &cfg.Embed.Provider)
	envStr("RESEARCHD_EMBED_BASE_URL", &cfg.Embed.BaseURL)
	envStr("RESEARCHD_EMBED_API_KEY", &cfg.Embed.APIKey)
	envStr("RESEARCHD_EMBED_MODEL", &cfg.Embed.Model)

	envInt("RESEARCHD_STORE_RETRY_ATTEMPTS", &cfg.Store.RetryAttempts)
	envDur("RESEARCHD_STORE_RETRY_BASE", &cfg.Store.RetryBase)
	envInt("RESEARCHD_MAX_DOC_CONTENT_LEN", &cfg.Store.MaxDocContentLen)

	envInt("RESEARCHD_REPLAY_WINDOW", &cfg.Events.ReplayWindow)
	envInt("RESEARCHD_SUBSCRIBER_QUEUE", &cfg.Events.SubscriberQueue)
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envDur(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// Save writes configuration to a file.
func (c Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0640)
}
