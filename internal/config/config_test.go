package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Scheduler.Concurrency != 5 || cfg.Scheduler.LeaseTTL != 30*time.Minute {
		t.Fatalf("unexpected scheduler defaults: %+v", cfg.Scheduler)
	}
	if cfg.Crawler.FetchTimeout != 70*time.Second {
		t.Fatalf("expected 70s fetch timeout, got %v", cfg.Crawler.FetchTimeout)
	}
	if cfg.Ingest.Workers != 10 || cfg.Ingest.DownloadTimeout != time.Minute {
		t.Fatalf("unexpected ingest defaults: %+v", cfg.Ingest)
	}
	if cfg.ContentStore.MaxAttempts != 5 {
		t.Fatalf("expected 5 write attempts, got %d", cfg.ContentStore.MaxAttempts)
	}
	if cfg.LLM.Timeout != 1200*time.Second || cfg.LLM.MaxRetries != 6 {
		t.Fatalf("unexpected llm defaults: %+v", cfg.LLM)
	}
	if cfg.UsesPostgres() {
		t.Fatalf("expected memory stores without a dsn")
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
crawler:
  workers: 3
  respect_robots: false
  deny_domains: ["facebook.com", "twitter.com"]
  rate_limit:
    default_rps: 0.5
    domains:
      - host: example.com
        rps: 4
scheduler:
  concurrency: 2
  lease_ttl: 10m
headless:
  enabled: true
  pool_size: 4
  detector:
    min_text_length: 50
content_store:
  in_memory: true
  write_attempts: 2
ingest:
  window_size: 8000
  window_overlap: 200
storage:
  backend: local
  local:
    base_dir: /tmp/blobs
database:
  dsn: postgres://localhost/ingest
logging:
  development: false
  level: warn
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Crawler.Workers != 3 || cfg.Crawler.RespectRobots {
		t.Fatalf("expected crawler overrides to apply: %+v", cfg.Crawler)
	}
	if len(cfg.Crawler.DenyDomains) != 2 {
		t.Fatalf("expected deny domains, got %v", cfg.Crawler.DenyDomains)
	}
	if len(cfg.Crawler.RateLimit.Domains) != 1 || cfg.Crawler.RateLimit.Domains[0].RPS != 4 {
		t.Fatalf("expected domain rate override: %+v", cfg.Crawler.RateLimit)
	}
	if cfg.Scheduler.Concurrency != 2 || cfg.Scheduler.LeaseTTL != 10*time.Minute {
		t.Fatalf("expected scheduler overrides: %+v", cfg.Scheduler)
	}
	if !cfg.Headless.Enabled || cfg.Headless.PoolSize != 4 || cfg.Headless.Detector.MinTextLength != 50 {
		t.Fatalf("expected headless overrides: %+v", cfg.Headless)
	}
	if !cfg.ContentStore.InMemory || cfg.ContentStore.MaxAttempts != 2 {
		t.Fatalf("expected content store overrides: %+v", cfg.ContentStore)
	}
	if cfg.Storage.Backend != StorageLocal || cfg.Storage.Local.BaseDir != "/tmp/blobs" {
		t.Fatalf("expected local storage: %+v", cfg.Storage)
	}
	if !cfg.UsesPostgres() {
		t.Fatalf("expected postgres to be selected")
	}
	if cfg.Logging.Development || cfg.Logging.Level != "warn" {
		t.Fatalf("expected logging overrides: %+v", cfg.Logging)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 9090\n"), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	t.Setenv("INGEST_SERVER_PORT", "7070")
	t.Setenv("INGEST_SCHEDULER_CONCURRENCY", "9")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Fatalf("expected env port 7070, got %d", cfg.Server.Port)
	}
	if cfg.Scheduler.Concurrency != 9 {
		t.Fatalf("expected env concurrency 9, got %d", cfg.Scheduler.Concurrency)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"auth missing api key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"no workers", func(c *Config) { c.Crawler.Workers = 0 }, "crawler.workers"},
		{"zero depth", func(c *Config) { c.Crawler.MaxDepthDefault = 0 }, "crawler.max_depth_default"},
		{"limit below default", func(c *Config) { c.Crawler.MaxDepthLimit = 1 }, "crawler.max_depth_limit"},
		{"zero concurrency", func(c *Config) { c.Scheduler.Concurrency = 0 }, "scheduler.concurrency"},
		{"lease shorter than fetch", func(c *Config) { c.Scheduler.LeaseTTL = time.Minute }, "scheduler.lease_ttl"},
		{"unknown queue", func(c *Config) { c.Queue.Backend = "kafka" }, "queue.backend"},
		{"pubsub queue incomplete", func(c *Config) { c.Queue.Backend = "pubsub" }, "queue.pubsub"},
		{"headless pool", func(c *Config) {
			c.Headless.Enabled = true
			c.Headless.PoolSize = 0
		}, "headless.pool_size"},
		{"content dir", func(c *Config) { c.ContentStore.BaseDir = "" }, "content_store.base_dir"},
		{"unknown llm", func(c *Config) { c.LLM.Provider = "mystery" }, "llm.provider"},
		{"llm key", func(c *Config) { c.LLM.Provider = "openai" }, "llm.api_key"},
		{"overlap", func(c *Config) { c.Ingest.WindowOverlap = c.Ingest.WindowSize }, "ingest.window_overlap"},
		{"gcs bucket", func(c *Config) { c.Storage.Backend = StorageGCS }, "storage.gcs.bucket"},
		{"unknown storage", func(c *Config) { c.Storage.Backend = "s3" }, "storage.backend"},
		{"pubsub project", func(c *Config) { c.PubSub.Enabled = true }, "pubsub.project_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
