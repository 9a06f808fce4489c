package fetcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/knowledge-ingest/internal/crawler"
)

type stubFetcher struct {
	result crawler.FetchResult
	err    error
	calls  int
}

func (s *stubFetcher) Fetch(_ context.Context, _ crawler.FetchRequest) (crawler.FetchResult, error) {
	s.calls++
	return s.result, s.err
}

type stubDetector bool

func (d stubDetector) ShouldPromote(crawler.FetchResult) bool { return bool(d) }

func TestPromotingSkipsHeadlessForReadablePages(t *testing.T) {
	t.Parallel()

	probe := &stubFetcher{result: crawler.FetchResult{Markdown: "probe"}}
	headless := &stubFetcher{result: crawler.FetchResult{Markdown: "rendered"}}
	p := NewPromoting(probe, headless, stubDetector(false), nil)

	res, err := p.Fetch(context.Background(), crawler.FetchRequest{URL: "https://ex.com"})
	require.NoError(t, err)
	require.Equal(t, "probe", res.Markdown)
	require.Zero(t, headless.calls)
}

func TestPromotingRendersShells(t *testing.T) {
	t.Parallel()

	probe := &stubFetcher{result: crawler.FetchResult{Markdown: ""}}
	headless := &stubFetcher{result: crawler.FetchResult{Markdown: "rendered"}}
	p := NewPromoting(probe, headless, stubDetector(true), nil)
	var outcomes []bool
	p.OnPromote(func(ok bool) { outcomes = append(outcomes, ok) })

	res, err := p.Fetch(context.Background(), crawler.FetchRequest{URL: "https://ex.com"})
	require.NoError(t, err)
	require.Equal(t, "rendered", res.Markdown)
	require.True(t, res.UsedHeadless)

	headless.err = errors.New("chrome crashed")
	res, err = p.Fetch(context.Background(), crawler.FetchRequest{URL: "https://ex.com"})
	require.NoError(t, err)
	require.False(t, res.UsedHeadless)
	require.Equal(t, []bool{true, false}, outcomes)
}

func TestPromotingProbeError(t *testing.T) {
	t.Parallel()

	probe := &stubFetcher{err: errors.New("dns")}
	p := NewPromoting(probe, nil, nil, nil)
	_, err := p.Fetch(context.Background(), crawler.FetchRequest{URL: "https://ex.com"})
	require.EqualError(t, err, "dns")
}

// blockingFetcher waits for the caller's context to end.
type blockingFetcher struct{}

func (blockingFetcher) Fetch(ctx context.Context, _ crawler.FetchRequest) (crawler.FetchResult, error) {
	<-ctx.Done()
	return crawler.FetchResult{}, ctx.Err()
}

func TestPromotingDeadlineDoesNotFallBackToProbe(t *testing.T) {
	t.Parallel()

	probe := &stubFetcher{result: crawler.FetchResult{Markdown: "shell"}}
	p := NewPromoting(probe, blockingFetcher{}, stubDetector(true), nil)
	var outcomes []bool
	p.OnPromote(func(ok bool) { outcomes = append(outcomes, ok) })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res, err := p.Fetch(ctx, crawler.FetchRequest{URL: "https://ex.com"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Empty(t, res.Markdown)
	require.Equal(t, []bool{false}, outcomes)
}
