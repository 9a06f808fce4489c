// Package main hosts the ingestd service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, crawl and ingest endpoints. Requests are validated and
//     handed to internal/app.Service, which persists jobs and tasks before anything runs.
//   - Scheduler: a cron tick (internal/scheduler) completes idle jobs and claims PENDING tasks up to the per-job
//     concurrency ceiling, stamping each with a lease before enqueueing it.
//   - Workers: a fixed pool (internal/dispatcher) drains the task queue. Each worker fetches through the colly
//     fetcher (optionally promoted to headless Chromedp), registers a source for the page, ingests its markdown and
//     inserts unseen links one level deeper.
//   - Ingestion: internal/ingest cleans text with the configured LLM, splits it into chunks and commits them to the
//     tenant's Badger collection with retries. Bulk URL and file ingestion run on an ants pool.
//   - Configuration & plumbing: Viper populates config from env/files; zap provides structured logging; Prometheus
//     metrics are exported on /metrics; lifecycle events flow through the progress hub to its sinks.
//
// Operational notes:
//   - Jobs and sources live in memory unless database.dsn is set. A memory store does not survive restarts.
//   - Tasks stuck IN_PROGRESS longer than scheduler.lease_ttl are returned to PENDING on the next tick.
//   - The process reacts to SIGTERM by stopping the listener and scheduler, then draining workers within
//     server.shutdown_timeout.
//
// Quick checklist:
//   - Configure env vars: INGEST_SERVER_PORT, INGEST_DATABASE_DSN, INGEST_LLM_PROVIDER and INGEST_LLM_API_KEY,
//     INGEST_CONTENT_STORE_BASE_DIR, INGEST_STORAGE_BACKEND, INGEST_QUEUE_BACKEND.
//   - Run locally: go run ./cmd/ingestd -c config.yaml serve
//   - One-off ingestion: go run ./cmd/ingestd ingest -t acme https://example.com/handbook.pdf
package main
