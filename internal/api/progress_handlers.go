package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/knowledge-ingest/internal/crawler"
)

const (
	defaultJobLimit = 50
	maxJobLimit     = 500
	progressTimeout = 3 * time.Second
)

// ProgressReader is the read side of the service.
type ProgressReader interface {
	GetJob(ctx context.Context, jobID string) (crawler.Job, error)
	ListJobs(ctx context.Context, status crawler.JobStatus) ([]crawler.Job, error)
	GetJobProgress(ctx context.Context, jobID string) (crawler.JobProgress, error)
	GetSource(ctx context.Context, sourceID string) (crawler.Source, error)
}

// ProgressHandler exposes read-only job and source endpoints.
type ProgressHandler struct {
	reader  ProgressReader
	timeout time.Duration
	logger  *zap.Logger
}

// NewProgressHandler wires the reader and logger.
func NewProgressHandler(reader ProgressReader, logger *zap.Logger) *ProgressHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProgressHandler{
		reader:  reader,
		timeout: progressTimeout,
		logger:  logger,
	}
}

// ListJobs handles GET /v1/crawls?status=&limit=&offset=. status defaults to
// in_progress. It returns {"jobs": [...]} on success or 400 for invalid
// filters.
func (h *ProgressHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultJobLimit, maxJobLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	status, err := parseStatus(r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	jobs, err := h.reader.ListJobs(ctx, status)
	if err != nil {
		h.logger.Error("list jobs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs": page(jobs, limit, offset),
	})
}

// GetJob handles GET /v1/crawls/{job_id}. It returns {"job": {...}}, or 404
// when the job does not exist.
func (h *ProgressHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := pathID(w, r, "job_id")
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	job, err := h.reader.GetJob(ctx, jobID)
	if err != nil {
		h.writeLookupError(w, "job", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

// GetJobProgress handles GET /v1/crawls/{job_id}/progress with the task
// counts by status.
func (h *ProgressHandler) GetJobProgress(w http.ResponseWriter, r *http.Request) {
	jobID, ok := pathID(w, r, "job_id")
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	progress, err := h.reader.GetJobProgress(ctx, jobID)
	if err != nil {
		h.writeLookupError(w, "job", err)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

// GetSource handles GET /v1/sources/{source_id}.
func (h *ProgressHandler) GetSource(w http.ResponseWriter, r *http.Request) {
	sourceID, ok := pathID(w, r, "source_id")
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	source, err := h.reader.GetSource(ctx, sourceID)
	if err != nil {
		h.writeLookupError(w, "source", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"source": source})
}

func (h *ProgressHandler) writeLookupError(w http.ResponseWriter, kind string, err error) {
	if errors.Is(err, crawler.ErrNotFound) {
		writeError(w, http.StatusNotFound, kind+" not found")
		return
	}
	h.logger.Error("lookup failed", zap.String("kind", kind), zap.Error(err))
	writeError(w, http.StatusInternalServerError, "failed to load "+kind)
}

func pathID(w http.ResponseWriter, r *http.Request, param string) (string, bool) {
	id := strings.TrimSpace(chi.URLParam(r, param))
	if id == "" {
		writeError(w, http.StatusBadRequest, param+" is required")
		return "", false
	}
	return id, true
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		limit = min(val, maxLimit)
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseStatus(input string) (crawler.JobStatus, error) {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "", "in_progress", "running":
		return crawler.JobStatusInProgress, nil
	case "pending":
		return crawler.JobStatusPending, nil
	case "completed", "success":
		return crawler.JobStatusCompleted, nil
	case "failed", "error":
		return crawler.JobStatusFailed, nil
	default:
		return "", errors.New("invalid status")
	}
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := min(offset+limit, len(items))
	return items[offset:end]
}
