package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.ListenAddr != ":8080" {
		t.Errorf("listen addr = %q", cfg.ListenAddr)
	}
	if cfg.Workers.Concurrency != 4 || cfg.Workers.MaxAttempts != 3 {
		t.Errorf("worker defaults = %+v", cfg.Workers)
	}
	if cfg.Cache.SimilarityThreshold != 0.85 {
		t.Errorf("similarity threshold = %v", cfg.Cache.SimilarityThreshold)
	}
	if cfg.LLM.Provider != "mock" || cfg.Embed.Provider != "local" {
		t.Errorf("provider defaults: llm=%q embed=%q", cfg.LLM.Provider, cfg.Embed.Provider)
	}
	if cfg.Search.WeightBM25+cfg.Search.WeightVec != 1.0 {
		t.Errorf("search weights = %+v", cfg.Search)
	}
}

func TestLoadFileAndEnvPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
		"listen_addr": ":9000",
		"api_token": "from-file",
		"workers": {"concurrency": 8},
		"llm": {"provider": "anthropic", "model": "claude-sonnet-4-5"}
	}`
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	// Env overrides the file; the file overrides defaults.
	t.Setenv("RESEARCHD_API_TOKEN", "from-env")
	t.Setenv("RESEARCHD_LEASE_TIMEOUT", "45s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":9000" {
		t.Errorf("listen addr = %q", cfg.ListenAddr)
	}
	if cfg.APIToken != "from-env" {
		t.Errorf("api token = %q, want env to win", cfg.APIToken)
	}
	if cfg.Workers.Concurrency != 8 {
		t.Errorf("concurrency = %d", cfg.Workers.Concurrency)
	}
	if cfg.Workers.LeaseTimeout != 45*time.Second {
		t.Errorf("lease timeout = %v", cfg.Workers.LeaseTimeout)
	}
	// Untouched fields keep their defaults.
	if cfg.Cache.MaxEntries != 1000 {
		t.Errorf("cache max entries = %d", cfg.Cache.MaxEntries)
	}
	if cfg.LLM.Model != "claude-sonnet-4-5" {
		t.Errorf("model = %q", cfg.LLM.Model)
	}
}

func TestLoadRejectsBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("malformed config accepted")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("missing config file accepted")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "saved.json")
	want := Default()
	want.ListenAddr = ":7070"
	want.Jobs.TTL = 2 * time.Hour
	if err := want.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.ListenAddr != ":7070" || got.Jobs.TTL != 2*time.Hour {
		t.Errorf("round trip = %+v", got)
	}
}

func TestIgnoresMalformedEnvValues(t *testing.T) {
	t.Setenv("RESEARCHD_RATE_LIMIT", "not-a-number")
	t.Setenv("RESEARCHD_SIMILARITY_THRESHOLD", "very high")
	cfg := LoadFromEnv()
	if cfg.RateLimitPerMinute != 240 {
		t.Errorf("rate limit = %d", cfg.RateLimitPerMinute)
	}
	if cfg.Cache.SimilarityThreshold != 0.85 {
		t.Errorf("similarity threshold = %v", cfg.Cache.SimilarityThreshold)
	}
}
