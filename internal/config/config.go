// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	badgerstore "github.com/JakeFAU/knowledge-ingest/internal/contentstore/badger"
	"github.com/JakeFAU/knowledge-ingest/internal/fetcher/headless"
	"github.com/JakeFAU/knowledge-ingest/internal/headless/detector"
	"github.com/JakeFAU/knowledge-ingest/internal/ingest"
	"github.com/JakeFAU/knowledge-ingest/internal/llm"
	"github.com/JakeFAU/knowledge-ingest/internal/policy/ratelimit"
	"github.com/JakeFAU/knowledge-ingest/internal/progress"
	publisherpubsub "github.com/JakeFAU/knowledge-ingest/internal/publisher/pubsub"
	"github.com/JakeFAU/knowledge-ingest/internal/queue"
	queuepubsub "github.com/JakeFAU/knowledge-ingest/internal/queue/pubsub"
	"github.com/JakeFAU/knowledge-ingest/internal/scheduler"
	"github.com/JakeFAU/knowledge-ingest/internal/storage/gcs"
	"github.com/JakeFAU/knowledge-ingest/internal/storage/local"
	"github.com/JakeFAU/knowledge-ingest/internal/storage/postgres"
)

// EnvPrefix prefixes environment overrides, e.g. INGEST_DATABASE_DSN.
const EnvPrefix = "INGEST"

// Storage backends accepted by storage.backend.
const (
	StorageGCS    = "gcs"
	StorageLocal  = "local"
	StorageMemory = "memory"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server       ServerConfig        `mapstructure:"server"`
	Auth         AuthConfig          `mapstructure:"auth"`
	Logging      LoggingConfig       `mapstructure:"logging"`
	Crawler      CrawlerConfig       `mapstructure:"crawler"`
	Scheduler    scheduler.Config    `mapstructure:"scheduler"`
	Queue        QueueConfig         `mapstructure:"queue"`
	Headless     HeadlessConfig      `mapstructure:"headless"`
	Database     postgres.Config     `mapstructure:"database"`
	ContentStore ContentStoreConfig  `mapstructure:"content_store"`
	LLM          llm.Config          `mapstructure:"llm"`
	Embeddings   llm.EmbeddingConfig `mapstructure:"embeddings"`
	Ingest       ingest.Config       `mapstructure:"ingest"`
	Storage      StorageConfig       `mapstructure:"storage"`
	PubSub       PubSubConfig        `mapstructure:"pubsub"`
	Progress     ProgressConfig      `mapstructure:"progress"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// CrawlerConfig governs workers and the page fetcher.
type CrawlerConfig struct {
	Workers         int           `mapstructure:"workers"`
	QueueDepth      int           `mapstructure:"queue_depth"`
	MaxDepthDefault int           `mapstructure:"max_depth_default"`
	MaxDepthLimit   int           `mapstructure:"max_depth_limit"`
	UserAgent       string        `mapstructure:"user_agent"`
	RespectRobots   bool          `mapstructure:"respect_robots"`
	FetchTimeout    time.Duration `mapstructure:"fetch_timeout"`
	MaxBodySize     int           `mapstructure:"max_body_size"`
	MaxDownloadSize int           `mapstructure:"max_download_size"`
	// DenyDomains is excluded from every job.
	DenyDomains []string         `mapstructure:"deny_domains"`
	RateLimit   ratelimit.Config `mapstructure:"rate_limit"`
}

// QueueConfig selects where dispatched tasks travel.
type QueueConfig struct {
	Backend string             `mapstructure:"backend"`
	PubSub  queuepubsub.Config `mapstructure:"pubsub"`
}

// HeadlessConfig configures the browser pool and promotion heuristic.
type HeadlessConfig struct {
	headless.Config `mapstructure:",squash"`
	Detector        detector.Config `mapstructure:"detector"`
}

// ContentStoreConfig locates tenant collections and tunes write retries.
type ContentStoreConfig struct {
	badgerstore.Config  `mapstructure:",squash"`
	ingest.WriterConfig `mapstructure:",squash"`
}

// StorageConfig selects the blob backend for uploaded and downloaded files.
type StorageConfig struct {
	Backend string       `mapstructure:"backend"`
	GCS     gcs.Config   `mapstructure:"gcs"`
	Local   local.Config `mapstructure:"local"`
}

// PubSubConfig holds source status notification settings. Disabled keeps
// events in memory.
type PubSubConfig struct {
	Enabled                bool `mapstructure:"enabled"`
	publisherpubsub.Config `mapstructure:",squash"`
}

// ProgressConfig controls the lifecycle event hub.
type ProgressConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	LogSink         bool `mapstructure:"log_sink"`
	PrometheusSink  bool `mapstructure:"prometheus_sink"`
	progress.Config `mapstructure:",squash"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")

	v.SetDefault("crawler.workers", 8)
	v.SetDefault("crawler.queue_depth", 256)
	v.SetDefault("crawler.max_depth_default", 2)
	v.SetDefault("crawler.max_depth_limit", 10)
	v.SetDefault("crawler.user_agent", "knowledge-ingest/0.1")
	v.SetDefault("crawler.respect_robots", true)
	v.SetDefault("crawler.fetch_timeout", "70s")
	v.SetDefault("crawler.max_body_size", 10<<20)
	v.SetDefault("crawler.max_download_size", 100<<20)
	v.SetDefault("crawler.deny_domains", []string{})
	v.SetDefault("crawler.rate_limit.default_rps", 2.0)
	v.SetDefault("crawler.rate_limit.default_burst", 2)

	v.SetDefault("scheduler.spec", "@every 2s")
	v.SetDefault("scheduler.concurrency", 5)
	v.SetDefault("scheduler.lease_ttl", "30m")
	v.SetDefault("scheduler.tick_timeout", "1m")

	v.SetDefault("queue.backend", queue.BackendMemory)
	v.SetDefault("queue.pubsub.project_id", "")
	v.SetDefault("queue.pubsub.topic", "crawl-tasks")
	v.SetDefault("queue.pubsub.subscription", "crawl-tasks-workers")
	v.SetDefault("queue.pubsub.max_outstanding", 10)

	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.pool_size", 2)
	v.SetDefault("headless.navigation_timeout", "45s")
	v.SetDefault("headless.settle_delay", "500ms")
	v.SetDefault("headless.exec_path", "")
	v.SetDefault("headless.detector.body_length_threshold", 2048)
	v.SetDefault("headless.detector.min_text_length", 200)

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.migrate", true)

	v.SetDefault("content_store.base_dir", "./data/tenants")
	v.SetDefault("content_store.in_memory", false)
	v.SetDefault("content_store.write_attempts", 5)
	v.SetDefault("content_store.write_base_delay", "100ms")
	v.SetDefault("content_store.write_max_delay", "2s")
	v.SetDefault("content_store.status_topic", "")

	v.SetDefault("llm.provider", llm.ProviderNone)
	v.SetDefault("llm.model", "")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.timeout", "1200s")
	v.SetDefault("llm.max_retries", 6)
	v.SetDefault("llm.max_tokens", 16000)

	v.SetDefault("embeddings.enabled", false)
	v.SetDefault("embeddings.model", "text-embedding-3-small")
	v.SetDefault("embeddings.base_url", "")
	v.SetDefault("embeddings.api_key", "")
	v.SetDefault("embeddings.batch_size", 64)

	v.SetDefault("ingest.workers", 10)
	v.SetDefault("ingest.download_timeout", "60s")
	v.SetDefault("ingest.fetch_timeout", "70s")
	v.SetDefault("ingest.window_size", 12000)
	v.SetDefault("ingest.window_overlap", 400)
	v.SetDefault("ingest.default_language", "en")
	v.SetDefault("ingest.structured_extensions", []string{".ics", ".csv"})
	v.SetDefault("ingest.large_document_extensions", []string{".pdf", ".docx"})
	v.SetDefault("ingest.blob_prefix", "downloads")

	v.SetDefault("storage.backend", StorageMemory)
	v.SetDefault("storage.gcs.bucket", "")
	v.SetDefault("storage.gcs.prefix", "")
	v.SetDefault("storage.local.base_dir", "./data/blobs")

	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "source-status")

	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_sink", true)
	v.SetDefault("progress.prometheus_sink", true)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch_events", 500)
	v.SetDefault("progress.max_batch_wait", "500ms")
	v.SetDefault("progress.sink_timeout", "10s")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 {
		errs = append(errs, errors.New("server.port must be > 0"))
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		errs = append(errs, errors.New("auth.api_key must be set when auth is enabled"))
	}
	if c.Crawler.Workers <= 0 {
		errs = append(errs, errors.New("crawler.workers must be > 0"))
	}
	if c.Crawler.FetchTimeout <= 0 {
		errs = append(errs, errors.New("crawler.fetch_timeout must be > 0"))
	}
	if c.Crawler.MaxDepthDefault < 1 {
		errs = append(errs, errors.New("crawler.max_depth_default must be >= 1"))
	}
	if c.Crawler.MaxDepthLimit > 0 && c.Crawler.MaxDepthLimit < c.Crawler.MaxDepthDefault {
		errs = append(errs, errors.New("crawler.max_depth_limit must be >= crawler.max_depth_default"))
	}
	if c.Scheduler.Concurrency <= 0 {
		errs = append(errs, errors.New("scheduler.concurrency must be > 0"))
	}
	if c.Scheduler.LeaseTTL <= c.Crawler.FetchTimeout {
		errs = append(errs, errors.New("scheduler.lease_ttl must exceed crawler.fetch_timeout"))
	}
	switch c.Queue.Backend {
	case queue.BackendMemory:
	case queue.BackendPubSub:
		if c.Queue.PubSub.ProjectID == "" || c.Queue.PubSub.Topic == "" || c.Queue.PubSub.Subscription == "" {
			errs = append(errs, errors.New("queue.pubsub project_id, topic and subscription are required"))
		}
	default:
		errs = append(errs, fmt.Errorf("queue.backend %q is not supported", c.Queue.Backend))
	}
	if c.Headless.Enabled && c.Headless.PoolSize <= 0 {
		errs = append(errs, errors.New("headless.pool_size must be > 0 when headless is enabled"))
	}
	if !c.ContentStore.InMemory && c.ContentStore.BaseDir == "" {
		errs = append(errs, errors.New("content_store.base_dir is required unless in_memory"))
	}
	switch strings.ToLower(c.LLM.Provider) {
	case llm.ProviderNone, "":
	case llm.ProviderOpenAI, llm.ProviderAnthropic, llm.ProviderGemini:
		if c.LLM.APIKey == "" && c.LLM.BaseURL == "" {
			errs = append(errs, fmt.Errorf("llm.api_key is required for provider %q", c.LLM.Provider))
		}
	default:
		errs = append(errs, fmt.Errorf("llm.provider %q is not supported", c.LLM.Provider))
	}
	if c.Ingest.Workers <= 0 {
		errs = append(errs, errors.New("ingest.workers must be > 0"))
	}
	if c.Ingest.WindowSize > 0 && c.Ingest.WindowOverlap >= c.Ingest.WindowSize {
		errs = append(errs, errors.New("ingest.window_overlap must be < ingest.window_size"))
	}
	switch c.Storage.Backend {
	case StorageMemory:
	case StorageLocal:
		if c.Storage.Local.BaseDir == "" {
			errs = append(errs, errors.New("storage.local.base_dir is required"))
		}
	case StorageGCS:
		if c.Storage.GCS.Bucket == "" {
			errs = append(errs, errors.New("storage.gcs.bucket is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend))
	}
	if c.PubSub.Enabled && c.PubSub.ProjectID == "" {
		errs = append(errs, errors.New("pubsub.project_id is required when pubsub is enabled"))
	}
	return errors.Join(errs...)
}

// UsesPostgres reports whether jobs, tasks and sources live in Postgres.
func (c Config) UsesPostgres() bool {
	return strings.TrimSpace(c.Database.DSN) != ""
}
