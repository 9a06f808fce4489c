// Package queue hands dispatched crawl tasks from the scheduler to workers.
// The memory backend serves a single process; the pubsub backend lets
// workers run elsewhere.
package queue

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/JakeFAU/knowledge-ingest/internal/crawler"
)

// Backends accepted by the queue.backend setting.
const (
	BackendMemory = "memory"
	BackendPubSub = "pubsub"
)

// Mock is a testify mock of crawler.Queue.
type Mock struct {
	mock.Mock
}

// Enqueue records the call.
func (m *Mock) Enqueue(ctx context.Context, item crawler.TaskItem) error {
	args := m.Called(ctx, item)
	return args.Error(0)
}

// Dequeue returns the configured item and error.
func (m *Mock) Dequeue(ctx context.Context) (crawler.TaskItem, error) {
	args := m.Called(ctx)
	item, _ := args.Get(0).(crawler.TaskItem)
	return item, args.Error(1)
}
