package pubsub

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/knowledge-ingest/internal/crawler"
)

func newTestQueue(t *testing.T) (*Queue, *pstest.Server, *pubsub.Client) {
	t.Helper()
	ctx := context.Background()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })
	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, "project-id", option.WithGRPCConn(conn))
	require.NoError(t, err)
	topic, err := client.CreateTopic(ctx, "crawl-tasks")
	require.NoError(t, err)
	_, err = client.CreateSubscription(ctx, "crawl-workers", pubsub.SubscriptionConfig{
		Topic:       topic,
		AckDeadline: 10 * time.Second,
	})
	require.NoError(t, err)

	q := NewWithClient(client, Config{Topic: "crawl-tasks", Subscription: "crawl-workers"}, nil)
	t.Cleanup(func() {
		_ = q.Close()
		_ = client.Close()
	})
	return q, srv, client
}

func TestQueueRoundTrip(t *testing.T) {
	q, srv, _ := newTestQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	want := crawler.TaskItem{TaskID: "task-1", JobID: "job-1", TenantID: "acme", ParentURL: "https://ex.com", Dispatched: 42}
	require.NoError(t, q.Enqueue(ctx, want))

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "job-1", msgs[0].Attributes["job_id"])

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestQueueSkipsMalformedMessages(t *testing.T) {
	q, _, client := newTestQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := client.Topic("crawl-tasks").Publish(ctx, &pubsub.Message{Data: []byte("not json")}).Get(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, crawler.TaskItem{TaskID: "task-2", JobID: "job-1"}))

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "task-2", got.TaskID)
}

func TestQueueDequeueAfterClose(t *testing.T) {
	q, _, _ := newTestQueue(t)
	require.NoError(t, q.Close())

	_, err := q.Dequeue(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()
	_, err := New(context.Background(), Config{ProjectID: "p"}, nil)
	require.Error(t, err)
}
