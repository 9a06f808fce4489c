package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/knowledge-ingest/internal/crawler"
	"github.com/JakeFAU/knowledge-ingest/internal/progress"
)

// ErrStatusNotRecorded reports committed chunks whose sources could not be
// marked COMPLETED.
var ErrStatusNotRecorded = errors.New("source status not recorded")

// WriterConfig tunes content store writes and status notifications.
type WriterConfig struct {
	MaxAttempts int           `mapstructure:"write_attempts"`
	BaseDelay   time.Duration `mapstructure:"write_base_delay"`
	MaxDelay    time.Duration `mapstructure:"write_max_delay"`
	// Topic receives SourceEvent messages; empty uses the publisher default.
	Topic string `mapstructure:"status_topic"`
}

// SourceEvent is published on every terminal source transition.
type SourceEvent struct {
	TenantID  string `json:"tenant_id"`
	SourceID  string `json:"source_id"`
	Status    string `json:"status"`
	Chunks    int    `json:"chunks"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Attributes exposes routing attributes for Pub/Sub subscription filters.
func (e SourceEvent) Attributes() map[string]string {
	return map[string]string{
		"tenant_id": e.TenantID,
		"status":    e.Status,
	}
}

// Writer commits chunk batches to the content store and settles the status
// of every source in the batch.
type Writer struct {
	store     crawler.ContentStore
	sources   crawler.SourceStore
	publisher crawler.Publisher
	emitter   progress.Emitter
	clock     crawler.Clock
	retry     *crawler.RetryPolicy
	settle    *crawler.RetryPolicy
	topic     string
	logger    *zap.Logger
}

// NewWriter constructs a Writer. publisher and emitter are optional.
func NewWriter(
	store crawler.ContentStore,
	sources crawler.SourceStore,
	publisher crawler.Publisher,
	emitter progress.Emitter,
	clock crawler.Clock,
	cfg WriterConfig,
	logger *zap.Logger,
) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if emitter == nil {
		emitter = progress.Nop{}
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	return &Writer{
		store:     store,
		sources:   sources,
		publisher: publisher,
		emitter:   emitter,
		clock:     clock,
		retry: crawler.NewRetryPolicy(crawler.RetryConfig{
			MaxAttempts: cfg.MaxAttempts,
			BaseDelay:   cfg.BaseDelay,
			MaxDelay:    cfg.MaxDelay,
			Retryable:   isTransient,
		}),
		settle: crawler.NewRetryPolicy(crawler.RetryConfig{
			MaxAttempts: cfg.MaxAttempts,
			BaseDelay:   cfg.BaseDelay,
			MaxDelay:    cfg.MaxDelay,
			Retryable:   func(err error) bool { return !errors.Is(err, crawler.ErrNotFound) },
		}),
		topic:  cfg.Topic,
		logger: logger.Named("writer"),
	}
}

func isTransient(err error) bool {
	return errors.Is(err, crawler.ErrTransient)
}

// Write stores chunks for tenantID. Chunks may belong to several sources.
// On success every distinct source is marked COMPLETED in one update; when
// retries run out or the error is not transient, all of them are marked ERROR.
// A COMPLETED update that still fails after retries is reported as
// ErrStatusNotRecorded.
func (w *Writer) Write(ctx context.Context, tenantID string, chunks []crawler.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	ids, counts := sourcesOf(chunks)

	err := w.retry.Do(ctx, func(ctx context.Context, attempt int) error {
		err := w.store.AddChunks(ctx, tenantID, chunks)
		if err != nil && attempt < w.retry.MaxAttempts() && isTransient(err) {
			w.logger.Warn("content store busy, retrying",
				zap.String("tenant_id", tenantID),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		}
		return err
	})
	if err != nil {
		w.Fail(ctx, tenantID, ids, err)
		return fmt.Errorf("write chunks: %w", err)
	}

	settleCtx := context.WithoutCancel(ctx)
	err = w.settle.Do(settleCtx, func(ctx context.Context, _ int) error {
		return w.sources.MarkSources(ctx, ids, crawler.SourceStatusCompleted, "")
	})
	if err != nil {
		return fmt.Errorf("%w: mark sources completed: %w", ErrStatusNotRecorded, err)
	}
	for _, id := range ids {
		w.notify(settleCtx, tenantID, id, crawler.SourceStatusCompleted, counts[id], nil)
	}
	w.logger.Info("chunks committed",
		zap.String("tenant_id", tenantID),
		zap.Int("chunks", len(chunks)),
		zap.Strings("source_ids", ids),
	)
	return nil
}

// Fail marks sourceIDs ERROR with cause. It runs even when ctx is already
// canceled so a source never stays PROCESSING after its ingestion ended.
func (w *Writer) Fail(ctx context.Context, tenantID string, sourceIDs []string, cause error) {
	if len(sourceIDs) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	reason := "ingestion failed"
	if cause != nil {
		reason = cause.Error()
	}
	if err := w.sources.MarkSources(ctx, sourceIDs, crawler.SourceStatusError, reason); err != nil {
		w.logger.Error("mark sources failed",
			zap.Strings("source_ids", sourceIDs),
			zap.Error(err),
		)
	}
	for _, id := range sourceIDs {
		w.notify(ctx, tenantID, id, crawler.SourceStatusError, 0, cause)
	}
	w.logger.Warn("sources failed",
		zap.String("tenant_id", tenantID),
		zap.Strings("source_ids", sourceIDs),
		zap.Error(cause),
	)
}

func (w *Writer) notify(
	ctx context.Context,
	tenantID, sourceID string,
	status crawler.SourceStatus,
	chunks int,
	cause error,
) {
	now := w.clock.Now()
	evt := progress.Event{
		TS:       now,
		Stage:    progress.StageSourceDone,
		TenantID: tenantID,
		SourceID: sourceID,
		Chunks:   chunks,
	}
	msg := SourceEvent{
		TenantID:  tenantID,
		SourceID:  sourceID,
		Status:    string(status),
		Chunks:    chunks,
		Timestamp: now.UTC().Format(time.RFC3339),
	}
	if cause != nil {
		evt.Stage = progress.StageSourceError
		evt.Note = cause.Error()
		msg.Error = cause.Error()
	}
	w.emitter.Emit(evt)

	if w.publisher == nil {
		return
	}
	if _, err := w.publisher.Publish(ctx, w.topic, msg); err != nil {
		w.logger.Warn("publish source event failed",
			zap.String("source_id", sourceID),
			zap.Error(err),
		)
	}
}

// sourcesOf returns the distinct source ids in first-seen order and the
// number of chunks each contributed.
func sourcesOf(chunks []crawler.Chunk) ([]string, map[string]int) {
	counts := make(map[string]int)
	var ids []string
	for _, c := range chunks {
		id := c.Metadata.SourceID
		if _, seen := counts[id]; !seen {
			ids = append(ids, id)
		}
		counts[id]++
	}
	return ids, counts
}
