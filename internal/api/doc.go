// Package api hosts the HTTP server, middleware, and REST handlers. Notable
// routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/crawls to start a crawl, POST /v1/crawls/{job_id}/cancel to
//     stop one.
//   - GET /v1/crawls, /v1/crawls/{job_id} and /v1/crawls/{job_id}/progress
//     for job status.
//   - POST /v1/ingest/urls and /v1/ingest/files for bulk ingestion, and
//     GET /v1/sources/{source_id} for source status.
package api
