package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/knowledge-ingest/internal/crawler"
)

const jobColumns = `id, tenant_id, start_url, max_depth, status, excluded_urls, language,
	error_text, created_at, updated_at, finished_at`

const taskColumns = `id, job_id, url, depth, status, parent_url, error_text,
	dispatched_at, started_at, created_at, updated_at`

// CreateJob inserts a new job row.
func (s *Store) CreateJob(ctx context.Context, job crawler.Job) error {
	now := s.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	excluded := job.ExcludedURLs
	if excluded == nil {
		excluded = []string{}
	}
	query := `
INSERT INTO crawl_jobs (
	id, tenant_id, start_url, max_depth, status, excluded_urls, language, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	_, err := s.pool.Exec(ctx, query,
		job.ID,
		job.TenantID,
		job.StartURL,
		job.MaxDepth,
		string(job.Status),
		excluded,
		job.Language,
		job.CreatedAt,
		now,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID string) (crawler.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM crawl_jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Job{}, fmt.Errorf("job %s: %w", jobID, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// UpdateJobStatus transitions a job unless it already finished.
func (s *Store) UpdateJobStatus(ctx context.Context, jobID string, status crawler.JobStatus, errText string) error {
	now := s.now()
	var finished *time.Time
	if status.Terminal() {
		finished = &now
	}
	query := `
UPDATE crawl_jobs
SET status = $2, error_text = $3, updated_at = $4, finished_at = COALESCE($5, finished_at)
WHERE id = $1 AND status NOT IN ('COMPLETED', 'FAILED')`
	tag, err := s.pool.Exec(ctx, query, jobID, string(status), errText, now, finished)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var current string
	err = s.pool.QueryRow(ctx, `SELECT status FROM crawl_jobs WHERE id = $1`, jobID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("job %s: %w", jobID, crawler.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("load job status: %w", err)
	}
	return fmt.Errorf("job %s is %s: %w", jobID, current, crawler.ErrTerminalState)
}

// ListJobsByStatus returns the jobs in status, oldest first.
func (s *Store) ListJobsByStatus(ctx context.Context, status crawler.JobStatus) ([]crawler.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM crawl_jobs WHERE status = $1 ORDER BY created_at, id`,
		string(status),
	)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []crawler.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

// InsertTasks inserts tasks in one transaction. The (job_id, url) unique
// index drops duplicates that raced past the caller's existence check.
func (s *Store) InsertTasks(ctx context.Context, tasks []crawler.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin insert tasks: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := s.now()
	query := `
INSERT INTO crawl_tasks (
	id, job_id, url, depth, status, parent_url, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (job_id, url) DO NOTHING`
	for _, task := range tasks {
		status := task.Status
		if status == "" {
			status = crawler.TaskStatusPending
		}
		_, err := tx.Exec(ctx, query,
			task.ID,
			task.JobID,
			task.URL,
			task.Depth,
			string(status),
			task.ParentURL,
			now,
			now,
		)
		if err != nil {
			return fmt.Errorf("insert task %s: %w", task.URL, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tasks: %w", err)
	}
	return nil
}

// GetTask fetches a task by ID.
func (s *Store) GetTask(ctx context.Context, taskID string) (crawler.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM crawl_tasks WHERE id = $1`, taskID)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Task{}, fmt.Errorf("task %s: %w", taskID, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.Task{}, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// UpdateTaskStatus transitions a task. Moving to IN_PROGRESS stamps
// started_at; moving back to PENDING clears the lease.
func (s *Store) UpdateTaskStatus(
	ctx context.Context,
	taskID string,
	status crawler.TaskStatus,
	errText string,
) error {
	query := `
UPDATE crawl_tasks
SET status = $2::text,
	error_text = $3,
	updated_at = $4,
	started_at = CASE WHEN $2::text = 'IN_PROGRESS' THEN $4
		WHEN $2::text = 'PENDING' THEN NULL ELSE started_at END,
	dispatched_at = CASE WHEN $2::text = 'PENDING' THEN NULL ELSE dispatched_at END
WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, taskID, string(status), errText, s.now())
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s: %w", taskID, crawler.ErrNotFound)
	}
	return nil
}

// ExistingTaskURLs returns the subset of urls already present in the job.
func (s *Store) ExistingTaskURLs(ctx context.Context, jobID string, urls []string) (map[string]struct{}, error) {
	out := make(map[string]struct{})
	if len(urls) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT url FROM crawl_tasks WHERE job_id = $1 AND url = ANY($2)`,
		jobID, urls,
	)
	if err != nil {
		return nil, fmt.Errorf("query existing urls: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scan url: %w", err)
		}
		out[u] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate urls: %w", err)
	}
	return out, nil
}

// CountTasks tallies the job's tasks by status.
func (s *Store) CountTasks(ctx context.Context, jobID string) (crawler.JobProgress, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM crawl_tasks WHERE job_id = $1 GROUP BY status`,
		jobID,
	)
	if err != nil {
		return crawler.JobProgress{}, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	progress := crawler.JobProgress{JobID: jobID}
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return crawler.JobProgress{}, fmt.Errorf("scan count: %w", err)
		}
		count := int(n)
		progress.Total += count
		switch crawler.TaskStatus(status) {
		case crawler.TaskStatusPending:
			progress.Pending = count
		case crawler.TaskStatusInProgress:
			progress.InProgress = count
		case crawler.TaskStatusCompleted:
			progress.Completed = count
		case crawler.TaskStatusFailed:
			progress.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return crawler.JobProgress{}, fmt.Errorf("iterate counts: %w", err)
	}
	return progress, nil
}

// ClaimPendingTasks stamps dispatched_at on up to limit claimable tasks.
// SKIP LOCKED keeps concurrent schedulers from claiming the same row.
func (s *Store) ClaimPendingTasks(
	ctx context.Context,
	jobID string,
	limit int,
	leaseCutoff time.Time,
	now time.Time,
) ([]crawler.Task, error) {
	if limit <= 0 {
		return nil, nil
	}
	query := `
UPDATE crawl_tasks SET dispatched_at = $4
WHERE id IN (
	SELECT id FROM crawl_tasks
	WHERE job_id = $1 AND status = 'PENDING'
		AND (dispatched_at IS NULL OR dispatched_at < $3)
	ORDER BY seq
	LIMIT $2
	FOR UPDATE SKIP LOCKED
)
RETURNING seq, ` + taskColumns
	rows, err := s.pool.Query(ctx, query, jobID, limit, leaseCutoff, now)
	if err != nil {
		return nil, fmt.Errorf("claim tasks: %w", err)
	}
	defer rows.Close()

	type claimed struct {
		seq  int64
		task crawler.Task
	}
	var out []claimed
	for rows.Next() {
		var (
			c      claimed
			status string
		)
		err := rows.Scan(
			&c.seq,
			&c.task.ID,
			&c.task.JobID,
			&c.task.URL,
			&c.task.Depth,
			&status,
			&c.task.ParentURL,
			&c.task.ErrorText,
			&c.task.DispatchedAt,
			&c.task.StartedAt,
			&c.task.CreatedAt,
			&c.task.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan claimed task: %w", err)
		}
		c.task.Status = crawler.TaskStatus(status)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed tasks: %w", err)
	}
	// RETURNING order is unspecified.
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	tasks := make([]crawler.Task, len(out))
	for i, c := range out {
		tasks[i] = c.task
	}
	return tasks, nil
}

// RequeueStaleTasks resets IN_PROGRESS tasks not touched since cutoff.
func (s *Store) RequeueStaleTasks(ctx context.Context, cutoff time.Time) (int, error) {
	query := `
UPDATE crawl_tasks
SET status = 'PENDING', dispatched_at = NULL, started_at = NULL, updated_at = $2
WHERE status = 'IN_PROGRESS' AND updated_at < $1`
	tag, err := s.pool.Exec(ctx, query, cutoff, s.now())
	if err != nil {
		return 0, fmt.Errorf("requeue stale tasks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// TouchTask bumps updated_at of an IN_PROGRESS task.
func (s *Store) TouchTask(ctx context.Context, taskID string) error {
	query := `
UPDATE crawl_tasks SET updated_at = $2
WHERE id = $1 AND status = 'IN_PROGRESS'`
	tag, err := s.pool.Exec(ctx, query, taskID, s.now())
	if err != nil {
		return fmt.Errorf("touch task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("running task %s: %w", taskID, crawler.ErrNotFound)
	}
	return nil
}

// ReleaseTasks clears dispatched_at on the listed tasks that are still PENDING.
func (s *Store) ReleaseTasks(ctx context.Context, taskIDs []string) error {
	if len(taskIDs) == 0 {
		return nil
	}
	query := `
UPDATE crawl_tasks SET dispatched_at = NULL
WHERE id = ANY($1) AND status = 'PENDING'`
	if _, err := s.pool.Exec(ctx, query, taskIDs); err != nil {
		return fmt.Errorf("release tasks: %w", err)
	}
	return nil
}

// FailPendingTasks marks every pending task of the job as failed.
func (s *Store) FailPendingTasks(ctx context.Context, jobID string, reason string) (int, error) {
	query := `
UPDATE crawl_tasks
SET status = 'FAILED', error_text = $2, updated_at = $3
WHERE job_id = $1 AND status = 'PENDING'`
	tag, err := s.pool.Exec(ctx, query, jobID, reason, s.now())
	if err != nil {
		return 0, fmt.Errorf("fail pending tasks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanJob(row pgx.Row) (crawler.Job, error) {
	var (
		job    crawler.Job
		status string
	)
	err := row.Scan(
		&job.ID,
		&job.TenantID,
		&job.StartURL,
		&job.MaxDepth,
		&status,
		&job.ExcludedURLs,
		&job.Language,
		&job.ErrorText,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.FinishedAt,
	)
	job.Status = crawler.JobStatus(status)
	return job, err
}

func scanTask(row pgx.Row) (crawler.Task, error) {
	var (
		task   crawler.Task
		status string
	)
	err := row.Scan(
		&task.ID,
		&task.JobID,
		&task.URL,
		&task.Depth,
		&status,
		&task.ParentURL,
		&task.ErrorText,
		&task.DispatchedAt,
		&task.StartedAt,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	task.Status = crawler.TaskStatus(status)
	return task, err
}
