// Package worker executes crawl tasks: fetch, ingest, expand.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/knowledge-ingest/internal/crawler"
	"github.com/JakeFAU/knowledge-ingest/internal/ingest"
	"github.com/JakeFAU/knowledge-ingest/internal/metrics"
	"github.com/JakeFAU/knowledge-ingest/internal/progress"
)

// Ingestor runs fetched content through the ingestion pipeline.
type Ingestor interface {
	Process(ctx context.Context, doc ingest.Document) (ingest.Outcome, error)
}

// Config controls Worker behavior.
type Config struct {
	// FetchTimeout is the hard wall-clock bound on one fetch.
	FetchTimeout time.Duration
	// DenyDomains applies to every job on top of its own exclusions.
	DenyDomains     []string
	DefaultLanguage string
	// RetryDelay is the pause after a failed dequeue.
	RetryDelay time.Duration
	// Heartbeat is how often a running task refreshes its lease. It must
	// stay well below the scheduler's lease TTL.
	Heartbeat time.Duration
}

// Deps bundles the collaborators a Worker needs. Limiter and Emitter may
// be nil.
type Deps struct {
	Queue    crawler.Queue
	Jobs     crawler.JobStore
	Sources  crawler.SourceStore
	Fetcher  crawler.Fetcher
	Limiter  crawler.RateLimiter
	Ingestor Ingestor
	IDs      crawler.IDGenerator
	Clock    crawler.Clock
	Emitter  progress.Emitter
}

// Worker consumes dispatched tasks and executes them one at a time.
type Worker struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New constructs a Worker.
func New(deps Deps, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.Nop{}
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 70 * time.Second
	}
	if cfg.DefaultLanguage == "" {
		cfg.DefaultLanguage = "en"
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 10 * time.Minute
	}
	return &Worker{deps: deps, cfg: cfg, logger: logger.Named("worker")}
}

// Run blocks, consuming queue items until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.deps.Queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.RetryDelay):
			}
			continue
		}
		w.logger.Debug("dequeued task", zap.String("task_id", item.TaskID), zap.String("job_id", item.JobID))
		if err := w.Handle(ctx, item); err != nil {
			w.logger.Error("task bookkeeping failed",
				zap.String("task_id", item.TaskID),
				zap.String("job_id", item.JobID),
				zap.Error(err),
			)
		}
	}
}

// Handle executes one dispatched task. Fetch and ingestion failures settle
// the task as FAILED and are not returned; the error reports only store
// failures that left the task's status unrecorded.
func (w *Worker) Handle(ctx context.Context, item crawler.TaskItem) error {
	task, err := w.deps.Jobs.GetTask(ctx, item.TaskID)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	logger := w.logger.With(
		zap.String("task_id", task.ID),
		zap.String("job_id", task.JobID),
		zap.String("url", task.URL),
	)
	if !leaseMatches(task, item) {
		logger.Debug("skipping stale dispatch", zap.String("status", string(task.Status)))
		return nil
	}
	job, err := w.deps.Jobs.GetJob(ctx, task.JobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job.Status != crawler.JobStatusInProgress {
		logger.Debug("job not active", zap.String("job_status", string(job.Status)))
		return nil
	}

	rules, err := crawler.NewExclusionRules(job.ExcludedURLs, w.cfg.DenyDomains)
	if err != nil {
		return w.finish(ctx, job, task, crawler.TaskStatusFailed, err, time.Time{}, 0)
	}
	if rules.Excludes(task.URL) {
		logger.Debug("task excluded")
		return w.finish(ctx, job, task, crawler.TaskStatusCompleted, nil, time.Time{}, 0)
	}

	if err := w.deps.Jobs.UpdateTaskStatus(ctx, task.ID, crawler.TaskStatusInProgress, ""); err != nil {
		return fmt.Errorf("mark task in progress: %w", err)
	}
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	start := w.deps.Clock.Now()
	w.deps.Emitter.Emit(progress.Event{
		TS:       start,
		Stage:    progress.StageTaskStart,
		JobID:    job.ID,
		TaskID:   task.ID,
		TenantID: job.TenantID,
		Site:     metrics.SanitizeSite(task.URL),
		URL:      task.URL,
	})

	stop := w.heartbeat(ctx, task.ID, logger)
	code, err := w.execute(ctx, job, task, rules, logger)
	stop()
	status := crawler.TaskStatusCompleted
	if err != nil {
		status = crawler.TaskStatusFailed
		logger.Warn("task failed", zap.Error(err))
	}
	return w.finish(ctx, job, task, status, err, start, code)
}

// heartbeat touches the task every cfg.Heartbeat until the returned stop
// func is called, so the scheduler does not requeue work still running.
func (w *Worker) heartbeat(ctx context.Context, taskID string, logger *zap.Logger) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(w.cfg.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.deps.Jobs.TouchTask(ctx, taskID); err != nil && ctx.Err() == nil {
					logger.Warn("task heartbeat failed", zap.Error(err))
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// execute runs fetch, ingestion and link expansion, returning the HTTP
// status of the fetch.
func (w *Worker) execute(
	ctx context.Context,
	job crawler.Job,
	task crawler.Task,
	rules *crawler.ExclusionRules,
	logger *zap.Logger,
) (int, error) {
	if w.deps.Limiter != nil {
		if err := w.deps.Limiter.Wait(ctx, task.URL); err != nil {
			return 0, fmt.Errorf("rate limit: %w", err)
		}
	}

	res, err := w.fetch(ctx, job, task, rules)
	if err != nil {
		return 0, err
	}

	if strings.TrimSpace(res.Markdown) != "" {
		if err := w.ingest(ctx, job, task, res, logger); err != nil {
			return res.StatusCode, err
		}
	}

	if task.Depth >= job.MaxDepth || len(res.Links) == 0 {
		return res.StatusCode, nil
	}
	// A job canceled while this task ran must not grow.
	current, err := w.deps.Jobs.GetJob(ctx, job.ID)
	if err != nil {
		return res.StatusCode, fmt.Errorf("reload job: %w", err)
	}
	if current.Status != crawler.JobStatusInProgress {
		return res.StatusCode, nil
	}
	added, err := w.expand(ctx, job, task, rules, res.Links)
	if err != nil {
		return res.StatusCode, err
	}
	logger.Debug("links expanded", zap.Int("candidates", len(res.Links)), zap.Int("added", added))
	return res.StatusCode, nil
}

func (w *Worker) fetch(
	ctx context.Context,
	job crawler.Job,
	task crawler.Task,
	rules *crawler.ExclusionRules,
) (crawler.FetchResult, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, w.cfg.FetchTimeout)
	defer cancel()

	res, err := w.deps.Fetcher.Fetch(fetchCtx, crawler.FetchRequest{
		JobID:      job.ID,
		TaskID:     task.ID,
		URL:        task.URL,
		ParentURL:  task.ParentURL,
		Exclusions: rules,
	})
	site := metrics.SanitizeSite(task.URL)
	if err != nil {
		metrics.ObserveFetch(site, "error", 0)
		if errors.Is(fetchCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return crawler.FetchResult{}, fmt.Errorf("fetch %s: timed out after %s", task.URL, w.cfg.FetchTimeout)
		}
		return crawler.FetchResult{}, fmt.Errorf("fetch %s: %w", task.URL, err)
	}
	metrics.ObserveFetch(site, strconv.Itoa(res.StatusCode), len(res.Body))
	return res, nil
}

// ingest registers the page as a source and runs the pipeline on it. A
// source that ends in ERROR does not fail the task.
func (w *Worker) ingest(
	ctx context.Context,
	job crawler.Job,
	task crawler.Task,
	res crawler.FetchResult,
	logger *zap.Logger,
) error {
	sourceID, err := w.deps.IDs.NewID()
	if err != nil {
		return fmt.Errorf("generate source id: %w", err)
	}
	err = w.deps.Sources.CreateSource(ctx, crawler.Source{
		ID:       sourceID,
		TenantID: job.TenantID,
		Type:     crawler.SourceTypeURL,
		Location: task.URL,
		Name:     res.Title,
		Status:   crawler.SourceStatusProcessing,
	})
	if err != nil {
		return fmt.Errorf("create source: %w", err)
	}
	lang := job.Language
	if lang == "" {
		lang = w.cfg.DefaultLanguage
	}
	outcome, err := w.deps.Ingestor.Process(ctx, ingest.Document{
		SourceID: sourceID,
		TenantID: job.TenantID,
		Source:   task.URL,
		Name:     task.URL,
		Content:  res.Markdown,
		Language: lang,
	})
	if err != nil {
		return fmt.Errorf("ingest source %s: %w", sourceID, err)
	}
	if outcome.Cause != nil {
		logger.Warn("source ingestion failed", zap.String("source_id", sourceID), zap.Error(outcome.Cause))
		return nil
	}
	logger.Debug("source ingested",
		zap.String("source_id", sourceID),
		zap.Stringer("strategy", outcome.Strategy),
		zap.Int("chunks", outcome.Chunks),
	)
	return nil
}

// expand inserts the unseen links as children of task.
func (w *Worker) expand(
	ctx context.Context,
	job crawler.Job,
	task crawler.Task,
	rules *crawler.ExclusionRules,
	links []string,
) (int, error) {
	candidates := make([]string, 0, len(links))
	seen := map[string]struct{}{task.URL: {}}
	for _, link := range links {
		normalized, err := crawler.NormalizeURL(link)
		if err != nil || !crawler.IsHTTPURL(normalized) || rules.FiltersLink(normalized) {
			continue
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		candidates = append(candidates, normalized)
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	existing, err := w.deps.Jobs.ExistingTaskURLs(ctx, job.ID, candidates)
	if err != nil {
		return 0, fmt.Errorf("load known urls: %w", err)
	}
	children := make([]crawler.Task, 0, len(candidates))
	for _, u := range candidates {
		if _, known := existing[u]; known {
			continue
		}
		id, err := w.deps.IDs.NewID()
		if err != nil {
			return 0, fmt.Errorf("generate task id: %w", err)
		}
		children = append(children, crawler.Task{
			ID:        id,
			JobID:     job.ID,
			URL:       u,
			Depth:     task.Depth + 1,
			Status:    crawler.TaskStatusPending,
			ParentURL: task.URL,
		})
	}
	if len(children) == 0 {
		return 0, nil
	}
	if err := w.deps.Jobs.InsertTasks(ctx, children); err != nil {
		return 0, fmt.Errorf("insert child tasks: %w", err)
	}
	return len(children), nil
}

// finish records the task's final status. It runs even when ctx has been
// canceled so a task is never left IN_PROGRESS by shutdown.
func (w *Worker) finish(
	ctx context.Context,
	job crawler.Job,
	task crawler.Task,
	status crawler.TaskStatus,
	cause error,
	start time.Time,
	code int,
) error {
	errText := ""
	stage := progress.StageTaskDone
	if cause != nil {
		errText = cause.Error()
		stage = progress.StageTaskError
	}
	if err := w.deps.Jobs.UpdateTaskStatus(context.WithoutCancel(ctx), task.ID, status, errText); err != nil {
		return fmt.Errorf("mark task %s: %w", strings.ToLower(string(status)), err)
	}
	now := w.deps.Clock.Now()
	if start.IsZero() {
		start = now
	}
	w.deps.Emitter.Emit(progress.Event{
		TS:          now,
		Stage:       stage,
		JobID:       job.ID,
		TaskID:      task.ID,
		TenantID:    job.TenantID,
		Site:        metrics.SanitizeSite(task.URL),
		URL:         task.URL,
		StatusClass: progress.ClassifyStatus(code),
		Dur:         max(now.Sub(start), 0),
		Note:        errText,
	})
	return nil
}

// leaseMatches drops duplicate or superseded queue items: only a PENDING
// task whose current lease is the one this item carries may run.
func leaseMatches(task crawler.Task, item crawler.TaskItem) bool {
	if task.Status != crawler.TaskStatusPending || task.DispatchedAt == nil {
		return false
	}
	return task.DispatchedAt.UnixMilli() == item.Dispatched
}
