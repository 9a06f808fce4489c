package headless

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"
)

func fakeOpener(opened *atomic.Int32, closed *atomic.Int32) func() (context.Context, context.CancelFunc) {
	return func() (context.Context, context.CancelFunc) {
		opened.Add(1)
		ctx, cancel := context.WithCancel(context.Background())
		return ctx, func() {
			closed.Add(1)
			cancel()
		}
	}
}

func TestPoolReusesReturnedTabs(t *testing.T) {
	t.Parallel()

	var opened, closed atomic.Int32
	p := newPool(2, fakeOpener(&opened, &closed))

	tab, err := p.Checkout(context.Background())
	require.NoError(t, err)
	p.Return(tab)
	again, err := p.Checkout(context.Background())
	require.NoError(t, err)
	require.Same(t, tab, again)
	p.Return(again)
	require.EqualValues(t, 1, opened.Load())
}

func TestPoolBlocksWhenExhausted(t *testing.T) {
	t.Parallel()

	var opened, closed atomic.Int32
	p := newPool(1, fakeOpener(&opened, &closed))

	tab, err := p.Checkout(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Checkout(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	p.Return(tab)
	_, err = p.Checkout(context.Background())
	require.NoError(t, err)
}

func TestPoolDiscardOpensFreshTab(t *testing.T) {
	t.Parallel()

	var opened, closed atomic.Int32
	p := newPool(1, fakeOpener(&opened, &closed))

	tab, err := p.Checkout(context.Background())
	require.NoError(t, err)
	p.Discard(tab)
	require.EqualValues(t, 1, closed.Load())
	require.Error(t, tab.Context().Err())

	fresh, err := p.Checkout(context.Background())
	require.NoError(t, err)
	require.NotSame(t, tab, fresh)
	require.EqualValues(t, 2, opened.Load())
}

func TestPoolClose(t *testing.T) {
	t.Parallel()

	var opened, closed atomic.Int32
	p := newPool(2, fakeOpener(&opened, &closed))

	idle, err := p.Checkout(context.Background())
	require.NoError(t, err)
	busy, err := p.Checkout(context.Background())
	require.NoError(t, err)
	p.Return(idle)

	p.Close()
	require.EqualValues(t, 1, closed.Load())
	_, err = p.Checkout(context.Background())
	require.ErrorIs(t, err, ErrPoolClosed)

	p.Return(busy)
	require.EqualValues(t, 2, closed.Load())
	p.Close()
}

func TestNewChromedpValidation(t *testing.T) {
	t.Parallel()

	_, err := NewChromedp(Config{PoolSize: -1}, nil)
	require.Error(t, err)

	f, err := NewChromedp(Config{}, nil)
	require.NoError(t, err)
	defer f.Close()
	require.Equal(t, 2, cap(f.pool.slots))
	require.Equal(t, 45*time.Second, f.cfg.NavigationTimeout)
}

func TestResponseMetaCaptureAndFallbacks(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.captureEvent(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  203,
			URL:     "https://example.com/rendered",
			Headers: network.Headers{"X-Request-ID": "abc", "Vary": []any{"a", "b"}},
		},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 500, URL: "https://ads.example.com/frame"},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeScript,
		Response: &network.Response{Status: 404},
	})

	status, headers, url := meta.snapshotWithFallbacks("https://req", "")
	require.Equal(t, 203, status)
	require.Equal(t, "abc", headers.Get("X-Request-ID"))
	require.Equal(t, []string{"a", "b"}, headers.Values("Vary"))
	require.Equal(t, "https://example.com/rendered", url)

	_, _, url = meta.snapshotWithFallbacks("https://req", "https://example.com/final")
	require.Equal(t, "https://example.com/final", url)

	status, _, url = newResponseMeta().snapshotWithFallbacks("https://req", "")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "https://req", url)
}

func TestToNetworkHeaders(t *testing.T) {
	t.Parallel()

	h := toNetworkHeaders(http.Header{"X-One": {"a"}, "X-Many": {"a", "b"}, "X-None": {}})
	require.Equal(t, "a", h["X-One"])
	require.Equal(t, []string{"a", "b"}, h["X-Many"])
	require.NotContains(t, h, "X-None")
}
