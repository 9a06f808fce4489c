// Package memory provides in-memory stores for development and tests.
package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/knowledge-ingest/internal/crawler"
)

// JobStore keeps jobs and their task graph in memory. Tasks are kept in
// insertion order per job so claims are deterministic.
type JobStore struct {
	mu      sync.RWMutex
	now     func() time.Time
	jobs    map[string]crawler.Job
	tasks   map[string]crawler.Task
	order   map[string][]string
	taskURL map[string]map[string]string
}

// NewJobStore constructs a JobStore using the wall clock.
func NewJobStore() *JobStore {
	return NewJobStoreWithClock(nil)
}

// NewJobStoreWithClock constructs a JobStore stamping times from clock.
func NewJobStoreWithClock(clock crawler.Clock) *JobStore {
	now := func() time.Time { return time.Now().UTC() }
	if clock != nil {
		now = clock.Now
	}
	return &JobStore{
		now:     now,
		jobs:    make(map[string]crawler.Job),
		tasks:   make(map[string]crawler.Task),
		order:   make(map[string][]string),
		taskURL: make(map[string]map[string]string),
	}
}

// CreateJob stores a new job.
func (s *JobStore) CreateJob(_ context.Context, job crawler.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	now := s.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	job.ExcludedURLs = append([]string(nil), job.ExcludedURLs...)
	s.jobs[job.ID] = job
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (crawler.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawler.Job{}, fmt.Errorf("job %s: %w", jobID, crawler.ErrNotFound)
	}
	return job, nil
}

// UpdateJobStatus transitions a job. Finished jobs cannot move again.
func (s *JobStore) UpdateJobStatus(_ context.Context, jobID string, status crawler.JobStatus, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, crawler.ErrNotFound)
	}
	if job.Status.Terminal() {
		return fmt.Errorf("job %s is %s: %w", jobID, job.Status, crawler.ErrTerminalState)
	}
	now := s.now()
	job.Status = status
	job.ErrorText = errText
	job.UpdatedAt = now
	if status.Terminal() {
		finished := now
		job.FinishedAt = &finished
	}
	s.jobs[jobID] = job
	return nil
}

// ListJobsByStatus returns all jobs in the given status ordered by creation.
func (s *JobStore) ListJobsByStatus(_ context.Context, status crawler.JobStatus) ([]crawler.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.Job
	for _, job := range s.jobs {
		if job.Status == status {
			out = append(out, job)
		}
	}
	sortJobs(out)
	return out, nil
}

// InsertTasks appends tasks to their jobs. A URL already present in the
// job is skipped.
func (s *JobStore) InsertTasks(_ context.Context, tasks []crawler.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, task := range tasks {
		if _, ok := s.jobs[task.JobID]; !ok {
			return fmt.Errorf("job %s: %w", task.JobID, crawler.ErrNotFound)
		}
		urls := s.taskURL[task.JobID]
		if urls == nil {
			urls = make(map[string]string)
			s.taskURL[task.JobID] = urls
		}
		if _, dup := urls[task.URL]; dup {
			continue
		}
		if task.Status == "" {
			task.Status = crawler.TaskStatusPending
		}
		task.CreatedAt = now
		task.UpdatedAt = now
		s.tasks[task.ID] = task
		s.order[task.JobID] = append(s.order[task.JobID], task.ID)
		urls[task.URL] = task.ID
	}
	return nil
}

// GetTask fetches a task by ID.
func (s *JobStore) GetTask(_ context.Context, taskID string) (crawler.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return crawler.Task{}, fmt.Errorf("task %s: %w", taskID, crawler.ErrNotFound)
	}
	return task, nil
}

// UpdateTaskStatus transitions a task and touches its heartbeat.
func (s *JobStore) UpdateTaskStatus(
	_ context.Context,
	taskID string,
	status crawler.TaskStatus,
	errText string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, crawler.ErrNotFound)
	}
	now := s.now()
	task.Status = status
	task.ErrorText = errText
	task.UpdatedAt = now
	switch status {
	case crawler.TaskStatusInProgress:
		started := now
		task.StartedAt = &started
	case crawler.TaskStatusPending:
		task.DispatchedAt = nil
		task.StartedAt = nil
	}
	s.tasks[taskID] = task
	return nil
}

// ExistingTaskURLs returns which of urls already exist in the job.
func (s *JobStore) ExistingTaskURLs(_ context.Context, jobID string, urls []string) (map[string]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]struct{})
	known := s.taskURL[jobID]
	for _, u := range urls {
		if _, ok := known[u]; ok {
			out[u] = struct{}{}
		}
	}
	return out, nil
}

// CountTasks tallies the job's tasks by status.
func (s *JobStore) CountTasks(_ context.Context, jobID string) (crawler.JobProgress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	progress := crawler.JobProgress{JobID: jobID}
	for _, id := range s.order[jobID] {
		progress.Total++
		switch s.tasks[id].Status {
		case crawler.TaskStatusPending:
			progress.Pending++
		case crawler.TaskStatusInProgress:
			progress.InProgress++
		case crawler.TaskStatusCompleted:
			progress.Completed++
		case crawler.TaskStatusFailed:
			progress.Failed++
		}
	}
	return progress, nil
}

// ClaimPendingTasks leases up to limit pending tasks in insertion order.
func (s *JobStore) ClaimPendingTasks(
	_ context.Context,
	jobID string,
	limit int,
	leaseCutoff time.Time,
	now time.Time,
) ([]crawler.Task, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var claimed []crawler.Task
	for _, id := range s.order[jobID] {
		if len(claimed) == limit {
			break
		}
		task := s.tasks[id]
		if task.Status != crawler.TaskStatusPending {
			continue
		}
		if task.DispatchedAt != nil && !task.DispatchedAt.Before(leaseCutoff) {
			continue
		}
		dispatched := now
		task.DispatchedAt = &dispatched
		s.tasks[id] = task
		claimed = append(claimed, task)
	}
	return claimed, nil
}

// RequeueStaleTasks resets IN_PROGRESS tasks whose heartbeat predates cutoff.
func (s *JobStore) RequeueStaleTasks(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	count := 0
	for id, task := range s.tasks {
		if task.Status != crawler.TaskStatusInProgress || !task.UpdatedAt.Before(cutoff) {
			continue
		}
		task.Status = crawler.TaskStatusPending
		task.DispatchedAt = nil
		task.StartedAt = nil
		task.UpdatedAt = now
		s.tasks[id] = task
		count++
	}
	return count, nil
}

// TouchTask bumps UpdatedAt of an IN_PROGRESS task.
func (s *JobStore) TouchTask(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok || task.Status != crawler.TaskStatusInProgress {
		return fmt.Errorf("running task %s: %w", taskID, crawler.ErrNotFound)
	}
	task.UpdatedAt = s.now()
	s.tasks[taskID] = task
	return nil
}

// ReleaseTasks drops the lease of the listed tasks that are still PENDING.
func (s *JobStore) ReleaseTasks(_ context.Context, taskIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range taskIDs {
		task, ok := s.tasks[id]
		if !ok || task.Status != crawler.TaskStatusPending {
			continue
		}
		task.DispatchedAt = nil
		s.tasks[id] = task
	}
	return nil
}

// FailPendingTasks marks every pending task of the job as failed.
func (s *JobStore) FailPendingTasks(_ context.Context, jobID string, reason string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	count := 0
	for _, id := range s.order[jobID] {
		task := s.tasks[id]
		if task.Status != crawler.TaskStatusPending {
			continue
		}
		task.Status = crawler.TaskStatusFailed
		task.ErrorText = reason
		task.UpdatedAt = now
		s.tasks[id] = task
		count++
	}
	return count, nil
}

// Tasks returns a copy of the job's tasks in insertion order.
func (s *JobStore) Tasks(jobID string) []crawler.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.Task, 0, len(s.order[jobID]))
	for _, id := range s.order[jobID] {
		out = append(out, s.tasks[id])
	}
	return out
}

func sortJobs(jobs []crawler.Job) {
	slices.SortFunc(jobs, func(a, b crawler.Job) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
