package crawler

import (
	"context"
	"io"
	"time"
)

// JobStore persists crawl jobs and their task graph. The task set is the
// only source of truth for "already queued" checks.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errText string) error
	ListJobsByStatus(ctx context.Context, status JobStatus) ([]Job, error)

	InsertTasks(ctx context.Context, tasks []Task) error
	GetTask(ctx context.Context, taskID string) (Task, error)
	UpdateTaskStatus(ctx context.Context, taskID string, status TaskStatus, errText string) error
	// ExistingTaskURLs returns the subset of urls already present in the job.
	ExistingTaskURLs(ctx context.Context, jobID string, urls []string) (map[string]struct{}, error)
	CountTasks(ctx context.Context, jobID string) (JobProgress, error)
	// ClaimPendingTasks stamps a dispatch lease on up to limit PENDING tasks
	// whose lease is absent or older than leaseCutoff, oldest first.
	ClaimPendingTasks(ctx context.Context, jobID string, limit int, leaseCutoff, now time.Time) ([]Task, error)
	// RequeueStaleTasks resets IN_PROGRESS tasks not touched since cutoff.
	RequeueStaleTasks(ctx context.Context, cutoff time.Time) (int, error)
	// TouchTask refreshes the heartbeat of an IN_PROGRESS task.
	TouchTask(ctx context.Context, taskID string) error
	// ReleaseTasks clears the dispatch lease of PENDING tasks so the next
	// pass can claim them again.
	ReleaseTasks(ctx context.Context, taskIDs []string) error
	FailPendingTasks(ctx context.Context, jobID string, reason string) (int, error)
}

// SourceStore persists tenant sources.
type SourceStore interface {
	CreateSource(ctx context.Context, source Source) error
	GetSource(ctx context.Context, sourceID string) (Source, error)
	UpdateSourceStatus(ctx context.Context, sourceID string, status SourceStatus, errText string) error
	// MarkSources applies one status to many sources in a single update.
	MarkSources(ctx context.Context, sourceIDs []string, status SourceStatus, errText string) error
	SaveCleanedContent(ctx context.Context, sourceID string, content string, chunkCount int) error
}

// ContentStore writes chunks into a tenant-isolated collection.
type ContentStore interface {
	AddChunks(ctx context.Context, tenantID string, chunks []Chunk) error
}

// BlobStore writes and reads raw artifacts such as uploaded files.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
	GetObject(ctx context.Context, location string) ([]byte, error)
}

// Publisher pushes source status events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Fetcher fetches a URL and returns extracted text plus outbound links.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResult, error)
}

// HeadlessDetector decides whether a headless fetch is warranted.
type HeadlessDetector interface {
	ShouldPromote(probe FetchResult) bool
}

// Queue provides enqueue/dequeue semantics for dispatched tasks.
type Queue interface {
	Enqueue(ctx context.Context, item TaskItem) error
	Dequeue(ctx context.Context) (TaskItem, error)
}

// RateLimiter paces requests per domain.
type RateLimiter interface {
	Wait(ctx context.Context, url string) error
}

// Cleaner strips boilerplate from raw text and segments it with the chunk
// separator.
type Cleaner interface {
	Clean(ctx context.Context, raw string, language string) (string, error)
}

// Embedder turns chunk texts into vectors.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
}

// Loader extracts raw text from a file's bytes.
type Loader interface {
	Load(ctx context.Context, name string, data []byte) (string, error)
}

// Hasher computes digests for integrity and naming.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces identifiers (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
