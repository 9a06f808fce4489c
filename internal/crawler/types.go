package crawler

import (
	"net/http"
	"time"
)

// JobStatus represents the lifecycle state of a crawl job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusPending    JobStatus = "PENDING"
	JobStatusInProgress JobStatus = "IN_PROGRESS"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
)

// Terminal reports whether no further transitions are allowed.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// TaskStatus represents the lifecycle state of a single crawl task.
type TaskStatus string

// Task status values persisted in the job store.
const (
	TaskStatusPending    TaskStatus = "PENDING"
	TaskStatusInProgress TaskStatus = "IN_PROGRESS"
	TaskStatusCompleted  TaskStatus = "COMPLETED"
	TaskStatusFailed     TaskStatus = "FAILED"
)

// SourceStatus tracks ingestion of a tenant source.
type SourceStatus string

// Source status values.
const (
	SourceStatusQueued     SourceStatus = "QUEUED"
	SourceStatusProcessing SourceStatus = "PROCESSING"
	SourceStatusCompleted  SourceStatus = "COMPLETED"
	SourceStatusError      SourceStatus = "ERROR"
)

// SourceType distinguishes web pages from files.
type SourceType string

// Source types.
const (
	SourceTypeURL  SourceType = "URL"
	SourceTypeFile SourceType = "FILE"
)

// Job is one crawl request scoped to a start URL and a depth bound.
type Job struct {
	ID           string     `json:"id"`
	TenantID     string     `json:"tenant_id"`
	StartURL     string     `json:"start_url"`
	MaxDepth     int        `json:"max_depth"`
	Status       JobStatus  `json:"status"`
	ExcludedURLs []string   `json:"excluded_urls,omitempty"`
	Language     string     `json:"language,omitempty"`
	ErrorText    string     `json:"error_text,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// Task is one URL's fetch-and-expand unit of work within a job. URL and
// Depth never change after creation.
type Task struct {
	ID           string     `json:"id"`
	JobID        string     `json:"job_id"`
	URL          string     `json:"url"`
	Depth        int        `json:"depth"`
	Status       TaskStatus `json:"status"`
	ParentURL    string     `json:"parent_url,omitempty"`
	ErrorText    string     `json:"error_text,omitempty"`
	DispatchedAt *time.Time `json:"dispatched_at,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// JobProgress counts tasks by status for a job.
type JobProgress struct {
	JobID      string `json:"job_id"`
	Total      int    `json:"total"`
	Pending    int    `json:"pending"`
	InProgress int    `json:"in_progress"`
	Completed  int    `json:"completed"`
	Failed     int    `json:"failed"`
}

// Idle reports whether the job has no pending or running work left.
func (p JobProgress) Idle() bool {
	return p.Pending == 0 && p.InProgress == 0
}

// Source is one ingested unit of content (a URL or a file).
type Source struct {
	ID             string       `json:"id"`
	TenantID       string       `json:"tenant_id"`
	Type           SourceType   `json:"type"`
	Location       string       `json:"location"`
	Name           string       `json:"name,omitempty"`
	Status         SourceStatus `json:"status"`
	ErrorText      string       `json:"error_text,omitempty"`
	ChunkCount     int          `json:"chunk_count"`
	CleanedContent string       `json:"-"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// ChunkMetadata is stamped on every chunk written to the content store.
type ChunkMetadata struct {
	Source      string `json:"source"`
	SourceID    string `json:"source_id"`
	TenantID    string `json:"tenant_id"`
	Index       int    `json:"chunk"`
	LastUpdated string `json:"last_updated"`
	ContentHash string `json:"content_hash,omitempty"`
}

// Chunk is one stored, retrievable unit of processed text.
type Chunk struct {
	Content   string        `json:"content"`
	Metadata  ChunkMetadata `json:"metadata"`
	Embedding []float32     `json:"embedding,omitempty"`
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	JobID       string
	TaskID      string
	URL         string
	ParentURL   string
	Headers     http.Header
	UseHeadless bool
	Exclusions  *ExclusionRules
}

// FetchResult is the text and outbound links extracted from a page.
type FetchResult struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Title        string
	Markdown     string
	Links        []string
	Duration     time.Duration
	UsedHeadless bool
}

// TaskItem is what the scheduler hands to workers.
type TaskItem struct {
	TaskID    string `json:"task_id"`
	JobID     string `json:"job_id"`
	TenantID  string `json:"tenant_id"`
	ParentURL string `json:"parent_url,omitempty"`
	// Dispatched is the lease stamp (unix millis) the scheduler wrote.
	Dispatched int64 `json:"dispatched"`
}
