package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id, err := pub.Publish(context.Background(), "sources", map[string]string{"status": "COMPLETED"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id)
	_, err = pub.Publish(context.Background(), "other", "payload")
	require.NoError(t, err)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	msgs[0].Topic = "modified"
	require.Equal(t, "sources", pub.Messages()[0].Topic, "Messages must return a copy")
	require.Len(t, pub.Payloads("sources"), 1)
}

func TestPublisherHonorsCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New().Publish(ctx, "t", "x")
	require.ErrorIs(t, err, context.Canceled)
}
