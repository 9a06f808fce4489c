// Package ratelimit paces fetches per domain with token buckets.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/knowledge-ingest/internal/metrics"
)

// Config holds the default per-domain budget.
type Config struct {
	DefaultRPS   float64 `mapstructure:"default_rps"`
	DefaultBurst int     `mapstructure:"default_burst"`
	// Domains is a list rather than a map because config keys split on dots.
	Domains []DomainRate `mapstructure:"domains"`
}

// DomainRate overrides the default rate for one hostname.
type DomainRate struct {
	Host string  `mapstructure:"host"`
	RPS  float64 `mapstructure:"rps"`
}

// Limiter implements crawler.RateLimiter with one bucket per host.
type Limiter struct {
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	overrides map[string]float64
	cfg       Config
}

// New creates a Limiter. A non-positive rate disables limiting.
func New(cfg Config) *Limiter {
	if cfg.DefaultBurst <= 0 {
		cfg.DefaultBurst = 1
	}
	overrides := make(map[string]float64, len(cfg.Domains))
	for _, d := range cfg.Domains {
		overrides[strings.ToLower(d.Host)] = d.RPS
	}
	return &Limiter{limiters: make(map[string]*rate.Limiter), overrides: overrides, cfg: cfg}
}

// Wait blocks until the URL's host has a token or ctx ends.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	domain := hostOf(rawURL)
	limiter := l.limiter(domain)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(domain, waited)
	}
	return nil
}

func (l *Limiter) limiter(domain string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.limiters[domain]; ok {
		return lim
	}
	rps := l.cfg.DefaultRPS
	if override, ok := l.overrides[domain]; ok {
		rps = override
	}
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	lim := rate.NewLimiter(limit, l.cfg.DefaultBurst)
	l.limiters[domain] = lim
	return lim
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
