// Package llm wraps the chat and embedding providers used to clean,
// segment and embed ingested text.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/knowledge-ingest/internal/crawler"
)

// Provider names accepted in configuration.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
	ProviderNone      = "none"
)

// ErrEmptyResponse is returned when the model produced no text.
var ErrEmptyResponse = errors.New("empty model response")

// Config selects and tunes the cleaning model.
type Config struct {
	Provider   string        `mapstructure:"provider"`
	Model      string        `mapstructure:"model"`
	APIKey     string        `mapstructure:"api_key"`
	BaseURL    string        `mapstructure:"base_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
	MaxTokens  int           `mapstructure:"max_tokens"`
}

// completer sends one system+user exchange to a provider.
type completer interface {
	complete(ctx context.Context, system, user string) (string, error)
}

// Cleaner implements crawler.Cleaner on top of a provider with a per-call
// timeout and bounded retry.
type Cleaner struct {
	backend completer
	timeout time.Duration
	retry   *crawler.RetryPolicy
	logger  *zap.Logger
}

var _ crawler.Cleaner = (*Cleaner)(nil)

// NewCleaner builds the cleaner for cfg.Provider.
func NewCleaner(ctx context.Context, cfg Config, logger *zap.Logger) (crawler.Cleaner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var (
		backend completer
		err     error
	)
	switch strings.ToLower(cfg.Provider) {
	case ProviderOpenAI:
		backend, err = newOpenAI(cfg)
	case ProviderAnthropic:
		backend, err = newAnthropic(cfg)
	case ProviderGemini:
		backend, err = newGemini(ctx, cfg)
	case ProviderNone, "":
		return Passthrough{}, nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s cleaner: %w", cfg.Provider, err)
	}
	return newCleaner(backend, cfg, logger), nil
}

func newCleaner(backend completer, cfg Config, logger *zap.Logger) *Cleaner {
	attempts := cfg.MaxRetries
	if attempts <= 0 {
		attempts = 1
	}
	return &Cleaner{
		backend: backend,
		timeout: cfg.Timeout,
		retry: crawler.NewRetryPolicy(crawler.RetryConfig{
			MaxAttempts: attempts,
			BaseDelay:   2 * time.Second,
			MaxDelay:    30 * time.Second,
			Retryable:   retryable,
		}),
		logger: logger.Named("llm"),
	}
}

// An empty answer will not improve on retry; everything else might.
func retryable(err error) bool {
	return !errors.Is(err, ErrEmptyResponse) && crawler.DefaultRetryable(err)
}

// Clean strips boilerplate from raw and returns separator-delimited segments.
func (c *Cleaner) Clean(ctx context.Context, raw string, language string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", nil
	}
	system := CleaningPrompt(language)
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	var out string
	err := c.retry.Do(ctx, func(ctx context.Context, attempt int) error {
		text, err := c.backend.complete(ctx, system, raw)
		if err != nil {
			c.logger.Warn("clean attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		if strings.TrimSpace(text) == "" {
			return ErrEmptyResponse
		}
		out = text
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("clean content: %w", err)
	}
	return out, nil
}

// Passthrough returns raw text unchanged. It is used when no provider is
// configured so ingestion still works offline.
type Passthrough struct{}

// Clean returns raw unchanged.
func (Passthrough) Clean(_ context.Context, raw string, _ string) (string, error) {
	return raw, nil
}
