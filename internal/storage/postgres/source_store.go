package postgres

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/knowledge-ingest/internal/crawler"
)

// CreateSource inserts a new source row.
func (s *Store) CreateSource(ctx context.Context, source crawler.Source) error {
	now := s.now()
	if source.CreatedAt.IsZero() {
		source.CreatedAt = now
	}
	query := `
INSERT INTO sources (
	id, tenant_id, source_type, location, name, status, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	_, err := s.pool.Exec(ctx, query,
		source.ID,
		source.TenantID,
		string(source.Type),
		source.Location,
		source.Name,
		string(source.Status),
		source.CreatedAt,
		now,
	)
	if err != nil {
		return fmt.Errorf("insert source: %w", err)
	}
	return nil
}

// GetSource fetches a source by ID.
func (s *Store) GetSource(ctx context.Context, sourceID string) (crawler.Source, error) {
	query := `
SELECT id, tenant_id, source_type, location, name, status, error_text,
	chunk_count, cleaned_content, created_at, updated_at
FROM sources WHERE id = $1`
	var (
		src        crawler.Source
		sourceType string
		status     string
	)
	err := s.pool.QueryRow(ctx, query, sourceID).Scan(
		&src.ID,
		&src.TenantID,
		&sourceType,
		&src.Location,
		&src.Name,
		&status,
		&src.ErrorText,
		&src.ChunkCount,
		&src.CleanedContent,
		&src.CreatedAt,
		&src.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Source{}, fmt.Errorf("source %s: %w", sourceID, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.Source{}, fmt.Errorf("get source: %w", err)
	}
	src.Type = crawler.SourceType(sourceType)
	src.Status = crawler.SourceStatus(status)
	return src, nil
}

// UpdateSourceStatus sets one source's status.
func (s *Store) UpdateSourceStatus(
	ctx context.Context,
	sourceID string,
	status crawler.SourceStatus,
	errText string,
) error {
	return s.MarkSources(ctx, []string{sourceID}, status, errText)
}

// MarkSources applies status to every listed source in one statement. The
// update is rolled back if any ID is unknown.
func (s *Store) MarkSources(
	ctx context.Context,
	sourceIDs []string,
	status crawler.SourceStatus,
	errText string,
) error {
	ids := slices.Clone(sourceIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin mark sources: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE sources SET status = $2, error_text = $3, updated_at = $4 WHERE id = ANY($1)`,
		ids, string(status), errText, s.now(),
	)
	if err != nil {
		return fmt.Errorf("mark sources: %w", err)
	}
	if int(tag.RowsAffected()) != len(ids) {
		return fmt.Errorf("mark sources: %d of %d found: %w", tag.RowsAffected(), len(ids), crawler.ErrNotFound)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit mark sources: %w", err)
	}
	return nil
}

// SaveCleanedContent records the cleaned document and its chunk count.
func (s *Store) SaveCleanedContent(ctx context.Context, sourceID string, content string, chunkCount int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sources SET cleaned_content = $2, chunk_count = $3, updated_at = $4 WHERE id = $1`,
		sourceID, content, chunkCount, s.now(),
	)
	if err != nil {
		return fmt.Errorf("save cleaned content: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("source %s: %w", sourceID, crawler.ErrNotFound)
	}
	return nil
}
