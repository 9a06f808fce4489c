package llm

import (
	"github.com/JakeFAU/knowledge-ingest/internal/crawler"
)

func noDelayPolicy(attempts int) *crawler.RetryPolicy {
	return crawler.NewRetryPolicy(crawler.RetryConfig{MaxAttempts: attempts, Retryable: retryable})
}
