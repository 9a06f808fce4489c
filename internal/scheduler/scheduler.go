// Package scheduler runs the periodic control loop that dispatches crawl
// tasks under a per-job concurrency ceiling and completes idle jobs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/knowledge-ingest/internal/crawler"
	"github.com/JakeFAU/knowledge-ingest/internal/metrics"
	"github.com/JakeFAU/knowledge-ingest/internal/progress"
)

// Config controls the control loop.
type Config struct {
	// Spec is a robfig/cron schedule such as "@every 2s".
	Spec string `mapstructure:"spec"`
	// Concurrency is the per-job ceiling on running tasks.
	Concurrency int `mapstructure:"concurrency"`
	// LeaseTTL bounds how long a dispatched or running task may go
	// untouched before it is handed out again.
	LeaseTTL time.Duration `mapstructure:"lease_ttl"`
	// TickTimeout bounds one pass over all active jobs.
	TickTimeout time.Duration `mapstructure:"tick_timeout"`
}

// TickStats summarizes one pass.
type TickStats struct {
	Jobs       int
	Completed  int
	Dispatched int
	Requeued   int
}

// Scheduler reads job and task state fresh on every tick; it holds no
// state between ticks beyond the cron handle.
type Scheduler struct {
	jobs    crawler.JobStore
	queue   crawler.Queue
	clock   crawler.Clock
	emitter progress.Emitter
	cfg     Config
	logger  *zap.Logger

	running sync.Mutex
	cron    *cron.Cron
}

// New constructs a Scheduler. emitter may be nil.
func New(
	jobs crawler.JobStore,
	queue crawler.Queue,
	clock crawler.Clock,
	emitter progress.Emitter,
	cfg Config,
	logger *zap.Logger,
) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if emitter == nil {
		emitter = progress.Nop{}
	}
	if cfg.Spec == "" {
		cfg.Spec = "@every 2s"
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Minute
	}
	if cfg.TickTimeout <= 0 {
		cfg.TickTimeout = time.Minute
	}
	return &Scheduler{
		jobs:    jobs,
		queue:   queue,
		clock:   clock,
		emitter: emitter,
		cfg:     cfg,
		logger:  logger.Named("scheduler"),
	}
}

// Start registers the tick on a cron schedule. Ticks that would overlap a
// running one are skipped.
func (s *Scheduler) Start(ctx context.Context) error {
	logger := cronLogger{s.logger.Sugar()}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(s.cfg.Spec, func() { s.runTick(ctx) }); err != nil {
		return fmt.Errorf("schedule %q: %w", s.cfg.Spec, err)
	}
	s.cron = c
	c.Start()
	s.logger.Info("scheduler started",
		zap.String("spec", s.cfg.Spec),
		zap.Int("concurrency", s.cfg.Concurrency),
	)
	return nil
}

// Stop halts the schedule and waits for a running tick until ctx ends.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cron == nil {
		return nil
	}
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for scheduler tick: %w", ctx.Err())
	}
}

// Kick runs a tick now, in the background, unless one is already running.
func (s *Scheduler) Kick(ctx context.Context) {
	go s.runTick(context.WithoutCancel(ctx))
}

func (s *Scheduler) runTick(ctx context.Context) {
	if !s.running.TryLock() {
		return
	}
	defer s.running.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.TickTimeout)
	defer cancel()
	start := time.Now()
	stats, err := s.tick(ctx)
	metrics.ObserveSchedulerTick(time.Since(start), stats.Dispatched, stats.Requeued)
	if err != nil {
		s.logger.Error("scheduler tick failed", zap.Error(err))
		return
	}
	if stats.Dispatched > 0 || stats.Completed > 0 || stats.Requeued > 0 {
		s.logger.Debug("scheduler tick",
			zap.Int("jobs", stats.Jobs),
			zap.Int("dispatched", stats.Dispatched),
			zap.Int("completed", stats.Completed),
			zap.Int("requeued", stats.Requeued),
		)
	}
}

// Tick runs one pass synchronously. Per-job failures are logged and do not
// stop the pass.
func (s *Scheduler) Tick(ctx context.Context) (TickStats, error) {
	s.running.Lock()
	defer s.running.Unlock()
	return s.tick(ctx)
}

func (s *Scheduler) tick(ctx context.Context) (TickStats, error) {
	var stats TickStats
	now := s.clock.Now()
	cutoff := now.Add(-s.cfg.LeaseTTL)

	requeued, err := s.jobs.RequeueStaleTasks(ctx, cutoff)
	if err != nil {
		return stats, fmt.Errorf("requeue stale tasks: %w", err)
	}
	stats.Requeued = requeued
	if requeued > 0 {
		s.logger.Warn("requeued stale tasks", zap.Int("tasks", requeued))
	}

	jobs, err := s.jobs.ListJobsByStatus(ctx, crawler.JobStatusInProgress)
	if err != nil {
		return stats, fmt.Errorf("list active jobs: %w", err)
	}
	stats.Jobs = len(jobs)
	for _, job := range jobs {
		if ctx.Err() != nil {
			return stats, fmt.Errorf("scheduler tick: %w", ctx.Err())
		}
		completed, dispatched, err := s.tickJob(ctx, job, now, cutoff)
		if err != nil {
			s.logger.Error("schedule job failed", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		if completed {
			stats.Completed++
		}
		stats.Dispatched += dispatched
	}
	return stats, nil
}

func (s *Scheduler) tickJob(ctx context.Context, job crawler.Job, now, cutoff time.Time) (bool, int, error) {
	counts, err := s.jobs.CountTasks(ctx, job.ID)
	if err != nil {
		return false, 0, fmt.Errorf("count tasks: %w", err)
	}
	if counts.Idle() {
		return s.complete(ctx, job, counts, now)
	}

	free := s.cfg.Concurrency - counts.InProgress
	if free <= 0 || counts.Pending == 0 {
		return false, 0, nil
	}
	tasks, err := s.jobs.ClaimPendingTasks(ctx, job.ID, free, cutoff, now)
	if err != nil {
		return false, 0, fmt.Errorf("claim tasks: %w", err)
	}
	dispatched := 0
	for i, task := range tasks {
		stamp := now
		if task.DispatchedAt != nil {
			stamp = *task.DispatchedAt
		}
		item := crawler.TaskItem{
			TaskID:     task.ID,
			JobID:      job.ID,
			TenantID:   job.TenantID,
			ParentURL:  task.ParentURL,
			Dispatched: stamp.UnixMilli(),
		}
		if err := s.queue.Enqueue(ctx, item); err != nil {
			s.release(ctx, job.ID, tasks[i:])
			return false, dispatched, fmt.Errorf("enqueue task %s: %w", task.ID, err)
		}
		dispatched++
	}
	return false, dispatched, nil
}

// release hands unqueued claims back so the next pass can retry them
// instead of waiting out the lease.
func (s *Scheduler) release(ctx context.Context, jobID string, tasks []crawler.Task) {
	ids := make([]string, len(tasks))
	for i, task := range tasks {
		ids[i] = task.ID
	}
	if err := s.jobs.ReleaseTasks(context.WithoutCancel(ctx), ids); err != nil {
		s.logger.Error("release claimed tasks failed",
			zap.String("job_id", jobID),
			zap.Int("tasks", len(ids)),
			zap.Error(err),
		)
	}
}

func (s *Scheduler) complete(ctx context.Context, job crawler.Job, counts crawler.JobProgress, now time.Time) (bool, int, error) {
	err := s.jobs.UpdateJobStatus(ctx, job.ID, crawler.JobStatusCompleted, "")
	if errors.Is(err, crawler.ErrTerminalState) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, fmt.Errorf("complete job: %w", err)
	}
	s.emitter.Emit(progress.Event{
		TS:       now,
		Stage:    progress.StageJobDone,
		JobID:    job.ID,
		TenantID: job.TenantID,
		Dur:      max(now.Sub(job.CreatedAt), 0),
	})
	s.logger.Info("job completed",
		zap.String("job_id", job.ID),
		zap.Int("tasks", counts.Total),
		zap.Int("failed", counts.Failed),
	)
	return true, 0, nil
}

// cronLogger routes cron's logs to zap.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}
