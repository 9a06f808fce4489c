// Package app is the application service behind the HTTP API: it starts and
// cancels crawls, reports their progress and accepts bulk ingestion.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/knowledge-ingest/internal/crawler"
	"github.com/JakeFAU/knowledge-ingest/internal/ingest"
	"github.com/JakeFAU/knowledge-ingest/internal/progress"
)

// CancelReason is recorded on jobs and tasks stopped by CancelJob.
const CancelReason = "canceled"

// BulkIngestor accepts non-recursive ingestion batches.
type BulkIngestor interface {
	IngestURLs(ctx context.Context, tenantID string, urls []string, language string) (ingest.BatchHandle, error)
	IngestFile(
		ctx context.Context,
		tenantID string,
		blobLocation string,
		originalFilename string,
		language string,
	) (ingest.BatchHandle, error)
}

// Kicker triggers an immediate scheduler pass.
type Kicker interface {
	Kick(ctx context.Context)
}

// Config holds crawl request defaults and limits.
type Config struct {
	DefaultMaxDepth int
	MaxDepthLimit   int
	DefaultLanguage string
}

// CrawlRequest describes a crawl to start.
type CrawlRequest struct {
	TenantID       string
	StartURL       string
	MaxDepth       int
	SinglePageOnly bool
	ExcludedURLs   []string
	Language       string
}

// Deps bundles the service collaborators. Bulk, Scheduler and Emitter may
// be nil.
type Deps struct {
	Jobs      crawler.JobStore
	Sources   crawler.SourceStore
	Bulk      BulkIngestor
	Scheduler Kicker
	IDs       crawler.IDGenerator
	Clock     crawler.Clock
	Emitter   progress.Emitter
}

// Service implements the externally visible operations.
type Service struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New constructs a Service.
func New(deps Deps, cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.Nop{}
	}
	if cfg.DefaultMaxDepth <= 0 {
		cfg.DefaultMaxDepth = 1
	}
	if cfg.DefaultLanguage == "" {
		cfg.DefaultLanguage = "en"
	}
	return &Service{deps: deps, cfg: cfg, logger: logger.Named("app")}
}

// StartCrawl creates a job with its depth-1 task and activates it. If any
// step after the job row exists fails, the job is marked FAILED and the
// error returned.
func (s *Service) StartCrawl(ctx context.Context, req CrawlRequest) (string, error) {
	job, err := s.newJob(req)
	if err != nil {
		return "", err
	}
	if err := s.deps.Jobs.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	logger := s.logger.With(zap.String("job_id", job.ID), zap.String("tenant_id", job.TenantID))

	taskID, err := s.deps.IDs.NewID()
	if err != nil {
		return "", s.abortJob(ctx, job, fmt.Errorf("generate task id: %w", err))
	}
	root := crawler.Task{
		ID:     taskID,
		JobID:  job.ID,
		URL:    job.StartURL,
		Depth:  1,
		Status: crawler.TaskStatusPending,
	}
	if err := s.deps.Jobs.InsertTasks(ctx, []crawler.Task{root}); err != nil {
		return "", s.abortJob(ctx, job, fmt.Errorf("insert root task: %w", err))
	}
	if err := s.deps.Jobs.UpdateJobStatus(ctx, job.ID, crawler.JobStatusInProgress, ""); err != nil {
		return "", s.abortJob(ctx, job, fmt.Errorf("activate job: %w", err))
	}

	s.deps.Emitter.Emit(progress.Event{
		TS:       s.deps.Clock.Now(),
		Stage:    progress.StageJobStart,
		JobID:    job.ID,
		TenantID: job.TenantID,
		URL:      job.StartURL,
	})
	logger.Info("crawl started", zap.String("start_url", job.StartURL), zap.Int("max_depth", job.MaxDepth))
	if s.deps.Scheduler != nil {
		s.deps.Scheduler.Kick(ctx)
	}
	return job.ID, nil
}

func (s *Service) newJob(req CrawlRequest) (crawler.Job, error) {
	tenantID := strings.TrimSpace(req.TenantID)
	if tenantID == "" {
		return crawler.Job{}, fmt.Errorf("tenant id is required: %w", crawler.ErrInvalidArgument)
	}
	if !crawler.IsHTTPURL(req.StartURL) {
		return crawler.Job{}, fmt.Errorf("start url %q: %w", req.StartURL, crawler.ErrInvalidArgument)
	}
	startURL, err := crawler.NormalizeURL(req.StartURL)
	if err != nil {
		return crawler.Job{}, fmt.Errorf("start url %q: %w: %w", req.StartURL, crawler.ErrInvalidArgument, err)
	}

	depth := req.MaxDepth
	switch {
	case req.SinglePageOnly:
		depth = 1
	case depth == 0:
		depth = s.cfg.DefaultMaxDepth
	case depth < 0:
		return crawler.Job{}, fmt.Errorf("max depth %d: %w", depth, crawler.ErrInvalidArgument)
	}
	if s.cfg.MaxDepthLimit > 0 && depth > s.cfg.MaxDepthLimit {
		return crawler.Job{}, fmt.Errorf("max depth %d exceeds %d: %w", depth, s.cfg.MaxDepthLimit, crawler.ErrInvalidArgument)
	}

	excluded := make([]string, 0, len(req.ExcludedURLs))
	for _, entry := range req.ExcludedURLs {
		if entry = strings.TrimSpace(entry); entry != "" {
			excluded = append(excluded, entry)
		}
	}
	if _, err := crawler.NewExclusionRules(excluded, nil); err != nil {
		return crawler.Job{}, err
	}

	lang := strings.TrimSpace(req.Language)
	if lang == "" {
		lang = s.cfg.DefaultLanguage
	}
	jobID, err := s.deps.IDs.NewID()
	if err != nil {
		return crawler.Job{}, fmt.Errorf("generate job id: %w", err)
	}
	return crawler.Job{
		ID:           jobID,
		TenantID:     tenantID,
		StartURL:     startURL,
		MaxDepth:     depth,
		Status:       crawler.JobStatusPending,
		ExcludedURLs: excluded,
		Language:     lang,
		CreatedAt:    s.deps.Clock.Now(),
	}, nil
}

// abortJob marks a half-created job FAILED and returns cause.
func (s *Service) abortJob(ctx context.Context, job crawler.Job, cause error) error {
	ctx = context.WithoutCancel(ctx)
	if err := s.deps.Jobs.UpdateJobStatus(ctx, job.ID, crawler.JobStatusFailed, cause.Error()); err != nil {
		s.logger.Error("mark job failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	s.deps.Emitter.Emit(progress.Event{
		TS:       s.deps.Clock.Now(),
		Stage:    progress.StageJobError,
		JobID:    job.ID,
		TenantID: job.TenantID,
		Note:     cause.Error(),
	})
	return cause
}

// GetJob returns a job by id.
func (s *Service) GetJob(ctx context.Context, jobID string) (crawler.Job, error) {
	job, err := s.deps.Jobs.GetJob(ctx, jobID)
	if err != nil {
		return crawler.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ListJobs returns the jobs currently in status.
func (s *Service) ListJobs(ctx context.Context, status crawler.JobStatus) ([]crawler.Job, error) {
	jobs, err := s.deps.Jobs.ListJobsByStatus(ctx, status)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// GetJobProgress counts the job's tasks by status.
func (s *Service) GetJobProgress(ctx context.Context, jobID string) (crawler.JobProgress, error) {
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return crawler.JobProgress{}, err
	}
	counts, err := s.deps.Jobs.CountTasks(ctx, jobID)
	if err != nil {
		return crawler.JobProgress{}, fmt.Errorf("count tasks: %w", err)
	}
	return counts, nil
}

// CancelJob fails an unfinished job and its pending tasks. Running tasks
// finish but add no children.
func (s *Service) CancelJob(ctx context.Context, jobID string) error {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return fmt.Errorf("cancel job %s: %w", jobID, crawler.ErrTerminalState)
	}
	if err := s.deps.Jobs.UpdateJobStatus(ctx, jobID, crawler.JobStatusFailed, CancelReason); err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	failed, err := s.deps.Jobs.FailPendingTasks(ctx, jobID, CancelReason)
	if err != nil {
		return fmt.Errorf("fail pending tasks: %w", err)
	}
	s.deps.Emitter.Emit(progress.Event{
		TS:       s.deps.Clock.Now(),
		Stage:    progress.StageJobError,
		JobID:    jobID,
		TenantID: job.TenantID,
		Note:     CancelReason,
	})
	s.logger.Info("crawl canceled", zap.String("job_id", jobID), zap.Int("pending_failed", failed))
	return nil
}

// IngestURLs queues a bulk URL batch.
func (s *Service) IngestURLs(ctx context.Context, tenantID string, urls []string, language string) (ingest.BatchHandle, error) {
	if s.deps.Bulk == nil {
		return ingest.BatchHandle{}, errors.New("bulk ingestion is not configured")
	}
	if strings.TrimSpace(tenantID) == "" {
		return ingest.BatchHandle{}, fmt.Errorf("tenant id is required: %w", crawler.ErrInvalidArgument)
	}
	handle, err := s.deps.Bulk.IngestURLs(ctx, tenantID, urls, s.language(language))
	if err != nil {
		return ingest.BatchHandle{}, fmt.Errorf("ingest urls: %w", err)
	}
	return handle, nil
}

// IngestFile queues one stored file.
func (s *Service) IngestFile(
	ctx context.Context,
	tenantID string,
	blobLocation string,
	originalFilename string,
	language string,
) (ingest.BatchHandle, error) {
	if s.deps.Bulk == nil {
		return ingest.BatchHandle{}, errors.New("bulk ingestion is not configured")
	}
	if strings.TrimSpace(tenantID) == "" || strings.TrimSpace(blobLocation) == "" {
		return ingest.BatchHandle{}, fmt.Errorf("tenant id and blob location are required: %w", crawler.ErrInvalidArgument)
	}
	handle, err := s.deps.Bulk.IngestFile(ctx, tenantID, blobLocation, originalFilename, s.language(language))
	if err != nil {
		return ingest.BatchHandle{}, fmt.Errorf("ingest file: %w", err)
	}
	return handle, nil
}

// GetSource returns a source and its status.
func (s *Service) GetSource(ctx context.Context, sourceID string) (crawler.Source, error) {
	source, err := s.deps.Sources.GetSource(ctx, sourceID)
	if err != nil {
		return crawler.Source{}, fmt.Errorf("get source: %w", err)
	}
	return source, nil
}

func (s *Service) language(lang string) string {
	if lang = strings.TrimSpace(lang); lang != "" {
		return lang
	}
	return s.cfg.DefaultLanguage
}
