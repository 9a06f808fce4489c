// Package uuid generates time-ordered identifiers for jobs, tasks, sources
// and batches.
package uuid

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/JakeFAU/knowledge-ingest/internal/crawler"
)

var _ crawler.IDGenerator = (*Generator)(nil)

// Generator implements crawler.IDGenerator with UUID v7, so ids sort by
// creation time.
type Generator struct{}

// NewUUIDGenerator creates a new Generator.
func NewUUIDGenerator() *Generator {
	return &Generator{}
}

// NewID returns a UUID v7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}
