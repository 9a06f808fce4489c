package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/JakeFAU/knowledge-ingest/internal/crawler"
	"github.com/JakeFAU/knowledge-ingest/internal/hash/sha256"
	"github.com/JakeFAU/knowledge-ingest/internal/llm"
	"github.com/JakeFAU/knowledge-ingest/internal/storage/memory"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("id-%03d", g.n), nil
}

// fakeCleaner segments each input into two parts unless a custom fn is set.
type fakeCleaner struct {
	mu     sync.Mutex
	calls  []string
	failOn map[int]error
	fn     func(raw string) string
}

func (c *fakeCleaner) Clean(_ context.Context, raw string, _ string) (string, error) {
	c.mu.Lock()
	c.calls = append(c.calls, raw)
	n := len(c.calls)
	c.mu.Unlock()
	if err, ok := c.failOn[n]; ok {
		return "", err
	}
	if c.fn != nil {
		return c.fn(raw), nil
	}
	return fmt.Sprintf("first part %d\n%s\nsecond part %d", n, llm.Separator, n), nil
}

func (c *fakeCleaner) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

// flakyContentStore fails the first failures calls with err.
type flakyContentStore struct {
	mu       sync.Mutex
	failures int
	err      error
	attempts int
	written  map[string][]crawler.Chunk
}

func newFlakyContentStore(failures int, err error) *flakyContentStore {
	return &flakyContentStore{failures: failures, err: err, written: make(map[string][]crawler.Chunk)}
}

func (s *flakyContentStore) AddChunks(_ context.Context, tenantID string, chunks []crawler.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.attempts <= s.failures {
		return s.err
	}
	s.written[tenantID] = append(s.written[tenantID], chunks...)
	return nil
}

func (s *flakyContentStore) chunks(tenantID string) []crawler.Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]crawler.Chunk(nil), s.written[tenantID]...)
}

type fakeEmbedder struct {
	dims int
	err  error
}

func (e fakeEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, e.dims)
		out[i][0] = float32(i)
	}
	return out, nil
}

type fakeFetcher struct {
	pages map[string]string
}

func (f fakeFetcher) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResult, error) {
	md, ok := f.pages[req.URL]
	if !ok {
		return crawler.FetchResult{}, errors.New("connection refused")
	}
	return crawler.FetchResult{URL: req.URL, StatusCode: 200, Markdown: md}, nil
}

type fakeDownloader struct {
	files map[string]string
}

func (d fakeDownloader) Download(_ context.Context, url string) ([]byte, string, error) {
	body, ok := d.files[url]
	if !ok {
		return nil, "", errors.New("404 not found")
	}
	return []byte(body), "text/plain", nil
}

type harness struct {
	sources  *memory.SourceStore
	content  *flakyContentStore
	cleaner  *fakeCleaner
	writer   *Writer
	pipeline *Pipeline
}

func newHarness(t *testing.T, cfg Config, content *flakyContentStore, embedder crawler.Embedder) *harness {
	t.Helper()
	if content == nil {
		content = newFlakyContentStore(0, nil)
	}
	h := &harness{
		sources: memory.NewSourceStore(),
		content: content,
		cleaner: &fakeCleaner{},
	}
	h.writer = NewWriter(h.content, h.sources, nil, nil, fixedClock{testNow}, WriterConfig{MaxAttempts: 5}, nil)
	h.pipeline = NewPipeline(h.cleaner, embedder, h.sources, h.writer, sha256.New(), fixedClock{testNow}, cfg, nil)
	return h
}

func (h *harness) addSource(t *testing.T, id string) {
	t.Helper()
	err := h.sources.CreateSource(context.Background(), crawler.Source{
		ID:       id,
		TenantID: "acme",
		Type:     crawler.SourceTypeURL,
		Location: "https://ex.com/" + id,
		Status:   crawler.SourceStatusQueued,
	})
	if err != nil {
		t.Fatalf("create source: %v", err)
	}
}

func (h *harness) status(t *testing.T, id string) crawler.SourceStatus {
	t.Helper()
	src, err := h.sources.GetSource(context.Background(), id)
	if err != nil {
		t.Fatalf("get source: %v", err)
	}
	return src.Status
}

func paragraphs(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "Paragraph %d talks about the quarterly report in some detail.\n\n", i)
	}
	return b.String()
}
