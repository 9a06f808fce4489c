package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/knowledge-ingest/internal/crawler"
)

// SourceStore keeps tenant sources in memory.
type SourceStore struct {
	mu      sync.RWMutex
	sources map[string]crawler.Source
}

// NewSourceStore constructs a SourceStore.
func NewSourceStore() *SourceStore {
	return &SourceStore{sources: make(map[string]crawler.Source)}
}

// CreateSource stores a new source.
func (s *SourceStore) CreateSource(_ context.Context, source crawler.Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sources[source.ID]; exists {
		return fmt.Errorf("source %s already exists", source.ID)
	}
	now := time.Now().UTC()
	if source.CreatedAt.IsZero() {
		source.CreatedAt = now
	}
	source.UpdatedAt = now
	s.sources[source.ID] = source
	return nil
}

// GetSource fetches a source by ID.
func (s *SourceStore) GetSource(_ context.Context, sourceID string) (crawler.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	source, ok := s.sources[sourceID]
	if !ok {
		return crawler.Source{}, fmt.Errorf("source %s: %w", sourceID, crawler.ErrNotFound)
	}
	return source, nil
}

// UpdateSourceStatus sets one source's status.
func (s *SourceStore) UpdateSourceStatus(
	ctx context.Context,
	sourceID string,
	status crawler.SourceStatus,
	errText string,
) error {
	return s.MarkSources(ctx, []string{sourceID}, status, errText)
}

// MarkSources applies status to every listed source atomically.
func (s *SourceStore) MarkSources(
	_ context.Context,
	sourceIDs []string,
	status crawler.SourceStatus,
	errText string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range sourceIDs {
		if _, ok := s.sources[id]; !ok {
			return fmt.Errorf("source %s: %w", id, crawler.ErrNotFound)
		}
	}
	now := time.Now().UTC()
	for _, id := range sourceIDs {
		source := s.sources[id]
		source.Status = status
		source.ErrorText = errText
		source.UpdatedAt = now
		s.sources[id] = source
	}
	return nil
}

// SaveCleanedContent records the cleaned document and its chunk count.
func (s *SourceStore) SaveCleanedContent(_ context.Context, sourceID string, content string, chunkCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	source, ok := s.sources[sourceID]
	if !ok {
		return fmt.Errorf("source %s: %w", sourceID, crawler.ErrNotFound)
	}
	source.CleanedContent = content
	source.ChunkCount = chunkCount
	source.UpdatedAt = time.Now().UTC()
	s.sources[sourceID] = source
	return nil
}
