package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/knowledge-ingest/internal/crawler"
	"github.com/JakeFAU/knowledge-ingest/internal/ingest"
	"github.com/JakeFAU/knowledge-ingest/internal/progress"
	memqueue "github.com/JakeFAU/knowledge-ingest/internal/queue/memory"
	"github.com/JakeFAU/knowledge-ingest/internal/storage/memory"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestHandleFetchesIngestsAndExpands(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 2, nil)
	h.fetcher.pages["https://ex.com"] = crawler.FetchResult{
		StatusCode: http.StatusOK,
		Title:      "Home",
		Markdown:   "# Home\n\nWelcome.",
		Links: []string{
			"https://ex.com/about",
			"https://ex.com/about/#team",
			"https://ex.com/",
			"https://ex.com/logo.png",
			"mailto:someone@ex.com",
		},
	}
	item := h.seedRoot("https://ex.com")

	require.NoError(t, h.worker.Handle(context.Background(), item))

	tasks := h.jobs.Tasks("job-1")
	require.Len(t, tasks, 2)
	require.Equal(t, crawler.TaskStatusCompleted, tasks[0].Status)
	child := tasks[1]
	require.Equal(t, "https://ex.com/about", child.URL)
	require.Equal(t, 2, child.Depth)
	require.Equal(t, "https://ex.com", child.ParentURL)
	require.Equal(t, crawler.TaskStatusPending, child.Status)

	docs := h.ingestor.documents()
	require.Len(t, docs, 1)
	require.Equal(t, "tenant-a", docs[0].TenantID)
	require.Equal(t, "https://ex.com", docs[0].Source)
	require.Equal(t, "de", docs[0].Language)
	source, err := h.sources.GetSource(context.Background(), docs[0].SourceID)
	require.NoError(t, err)
	require.Equal(t, crawler.SourceTypeURL, source.Type)
	require.Equal(t, "Home", source.Name)

	require.Equal(t,
		[]progress.Stage{progress.StageTaskStart, progress.StageTaskDone},
		h.emitter.stages(),
	)
}

func TestHandleDeduplicatesAcrossParents(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, nil)
	ctx := context.Background()
	h.fetcher.pages["https://ex.com"] = crawler.FetchResult{
		StatusCode: http.StatusOK,
		Links:      []string{"https://ex.com/a", "https://ex.com/b"},
	}
	h.fetcher.pages["https://ex.com/a"] = crawler.FetchResult{
		StatusCode: http.StatusOK,
		Links:      []string{"https://ex.com/shared", "https://ex.com"},
	}
	h.fetcher.pages["https://ex.com/b"] = crawler.FetchResult{
		StatusCode: http.StatusOK,
		Links:      []string{"https://ex.com/shared/", "https://ex.com/a"},
	}

	require.NoError(t, h.worker.Handle(ctx, h.seedRoot("https://ex.com")))
	for _, item := range h.claim() {
		require.NoError(t, h.worker.Handle(ctx, item))
	}

	urls := map[string]int{}
	var shared crawler.Task
	for _, task := range h.jobs.Tasks("job-1") {
		urls[task.URL]++
		if task.URL == "https://ex.com/shared" {
			shared = task
		}
	}
	require.Equal(t, map[string]int{
		"https://ex.com":        1,
		"https://ex.com/a":      1,
		"https://ex.com/b":      1,
		"https://ex.com/shared": 1,
	}, urls)
	require.Equal(t, 3, shared.Depth)
	require.Equal(t, "https://ex.com/a", shared.ParentURL)
}

func TestHandleStopsAtMaxDepth(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, nil)
	h.fetcher.pages["https://ex.com"] = crawler.FetchResult{
		StatusCode: http.StatusOK,
		Markdown:   "content",
		Links:      []string{"https://ex.com/next"},
	}

	require.NoError(t, h.worker.Handle(context.Background(), h.seedRoot("https://ex.com")))

	tasks := h.jobs.Tasks("job-1")
	require.Len(t, tasks, 1)
	require.Equal(t, crawler.TaskStatusCompleted, tasks[0].Status)
	require.Len(t, h.ingestor.documents(), 1)
}

func TestHandleNeverAddsExcludedLinks(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, []string{"https://ex.com/blog*"})
	h.fetcher.pages["https://ex.com"] = crawler.FetchResult{
		StatusCode: http.StatusOK,
		Links:      []string{"https://ex.com/blog/post1", "https://ex.com/blog", "https://ex.com/shop"},
	}

	require.NoError(t, h.worker.Handle(context.Background(), h.seedRoot("https://ex.com")))

	var urls []string
	for _, task := range h.jobs.Tasks("job-1") {
		urls = append(urls, task.URL)
	}
	require.Equal(t, []string{"https://ex.com", "https://ex.com/shop"}, urls)
}

func TestHandleCompletesExcludedTaskWithoutFetching(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 2, []string{"https://ex.com/private"})
	item := h.seedRoot("https://ex.com/private/area")

	require.NoError(t, h.worker.Handle(context.Background(), item))

	task, err := h.jobs.GetTask(context.Background(), item.TaskID)
	require.NoError(t, err)
	require.Equal(t, crawler.TaskStatusCompleted, task.Status)
	require.Zero(t, h.fetcher.callCount())
	require.Empty(t, h.ingestor.documents())
}

func TestHandleMarksFetchFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 2, nil)
	h.fetcher.errs["https://ex.com"] = errors.New("connection reset")
	item := h.seedRoot("https://ex.com")

	require.NoError(t, h.worker.Handle(context.Background(), item))

	task, err := h.jobs.GetTask(context.Background(), item.TaskID)
	require.NoError(t, err)
	require.Equal(t, crawler.TaskStatusFailed, task.Status)
	require.Contains(t, task.ErrorText, "connection reset")
	require.Empty(t, h.ingestor.documents())
	require.Equal(t,
		[]progress.Stage{progress.StageTaskStart, progress.StageTaskError},
		h.emitter.stages(),
	)
}

func TestHandleFailsOnFetchTimeout(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 2, nil)
	h.fetcher.block = true
	h.worker.cfg.FetchTimeout = 20 * time.Millisecond
	item := h.seedRoot("https://ex.com")

	require.NoError(t, h.worker.Handle(context.Background(), item))

	task, err := h.jobs.GetTask(context.Background(), item.TaskID)
	require.NoError(t, err)
	require.Equal(t, crawler.TaskStatusFailed, task.Status)
	require.Contains(t, task.ErrorText, "timed out")
	require.Empty(t, h.ingestor.documents())
}

func TestHandleKeepsTaskWhenSourceFails(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 2, nil)
	h.ingestor.outcome = ingest.Outcome{Status: crawler.SourceStatusError, Cause: errors.New("llm down")}
	h.fetcher.pages["https://ex.com"] = crawler.FetchResult{
		StatusCode: http.StatusOK,
		Markdown:   "content",
		Links:      []string{"https://ex.com/next"},
	}
	item := h.seedRoot("https://ex.com")

	require.NoError(t, h.worker.Handle(context.Background(), item))

	tasks := h.jobs.Tasks("job-1")
	require.Len(t, tasks, 2)
	require.Equal(t, crawler.TaskStatusCompleted, tasks[0].Status)
}

func TestHandleFailsTaskWhenIngestorErrors(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 2, nil)
	h.ingestor.err = errors.New("source store offline")
	h.fetcher.pages["https://ex.com"] = crawler.FetchResult{StatusCode: http.StatusOK, Markdown: "content"}
	item := h.seedRoot("https://ex.com")

	require.NoError(t, h.worker.Handle(context.Background(), item))

	task, err := h.jobs.GetTask(context.Background(), item.TaskID)
	require.NoError(t, err)
	require.Equal(t, crawler.TaskStatusFailed, task.Status)
}

func TestHandleSkipsStaleDispatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 2, nil)
	item := h.seedRoot("https://ex.com")
	item.Dispatched--

	require.NoError(t, h.worker.Handle(context.Background(), item))

	task, err := h.jobs.GetTask(context.Background(), item.TaskID)
	require.NoError(t, err)
	require.Equal(t, crawler.TaskStatusPending, task.Status)
	require.Zero(t, h.fetcher.callCount())
}

func TestHandleSkipsInactiveJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 2, nil)
	item := h.seedRoot("https://ex.com")
	require.NoError(t, h.jobs.UpdateJobStatus(context.Background(), "job-1", crawler.JobStatusFailed, "canceled"))

	require.NoError(t, h.worker.Handle(context.Background(), item))
	require.Zero(t, h.fetcher.callCount())
}

func TestRunConsumesQueue(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, nil)
	h.fetcher.pages["https://ex.com"] = crawler.FetchResult{StatusCode: http.StatusOK, Markdown: "content"}
	item := h.seedRoot("https://ex.com")

	q := memqueue.NewQueue(1)
	h.worker.deps.Queue = q
	require.NoError(t, q.Enqueue(context.Background(), item))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.worker.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		task, err := h.jobs.GetTask(context.Background(), item.TaskID)
		return err == nil && task.Status == crawler.TaskStatusCompleted
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}

// touchCounter records heartbeats on top of the memory store.
type touchCounter struct {
	*memory.JobStore
	mu      sync.Mutex
	touches int
}

func (c *touchCounter) TouchTask(ctx context.Context, taskID string) error {
	c.mu.Lock()
	c.touches++
	c.mu.Unlock()
	return c.JobStore.TouchTask(ctx, taskID)
}

func (c *touchCounter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.touches
}

func TestHandleRefreshesLeaseWhileRunning(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, nil)
	jobs := &touchCounter{JobStore: h.jobs}
	h.worker.deps.Jobs = jobs
	h.worker.cfg.Heartbeat = 5 * time.Millisecond
	h.ingestor.delay = 100 * time.Millisecond
	h.fetcher.pages["https://ex.com"] = crawler.FetchResult{StatusCode: http.StatusOK, Markdown: "content"}
	item := h.seedRoot("https://ex.com")

	require.NoError(t, h.worker.Handle(context.Background(), item))
	require.GreaterOrEqual(t, jobs.count(), 2)

	task, err := h.jobs.GetTask(context.Background(), item.TaskID)
	require.NoError(t, err)
	require.Equal(t, crawler.TaskStatusCompleted, task.Status)

	// The heartbeat ends with the task.
	settled := jobs.count()
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, settled, jobs.count())
}

func TestLeaseMatches(t *testing.T) {
	t.Parallel()

	stamp := testNow
	task := crawler.Task{Status: crawler.TaskStatusPending, DispatchedAt: &stamp}
	require.True(t, leaseMatches(task, crawler.TaskItem{Dispatched: stamp.UnixMilli()}))
	require.False(t, leaseMatches(task, crawler.TaskItem{Dispatched: stamp.UnixMilli() + 1}))

	task.Status = crawler.TaskStatusInProgress
	require.False(t, leaseMatches(task, crawler.TaskItem{Dispatched: stamp.UnixMilli()}))

	require.False(t, leaseMatches(crawler.Task{Status: crawler.TaskStatusPending}, crawler.TaskItem{}))
}

// --- harness and fakes ---

type harness struct {
	t        *testing.T
	jobs     *memory.JobStore
	sources  *memory.SourceStore
	fetcher  *fakeFetcher
	ingestor *fakeIngestor
	emitter  *recordingEmitter
	worker   *Worker
}

func newHarness(t *testing.T, maxDepth int, excluded []string) *harness {
	t.Helper()
	clock := fixedClock{t: testNow}
	h := &harness{
		t:        t,
		jobs:     memory.NewJobStoreWithClock(clock),
		sources:  memory.NewSourceStore(),
		fetcher:  newFakeFetcher(),
		ingestor: &fakeIngestor{outcome: ingest.Outcome{Status: crawler.SourceStatusCompleted, Chunks: 1}},
		emitter:  &recordingEmitter{},
	}
	h.worker = New(Deps{
		Jobs:     h.jobs,
		Sources:  h.sources,
		Fetcher:  h.fetcher,
		Ingestor: h.ingestor,
		IDs:      &seqIDs{},
		Clock:    clock,
		Emitter:  h.emitter,
	}, Config{DefaultLanguage: "en"}, zap.NewNop())

	require.NoError(t, h.jobs.CreateJob(context.Background(), crawler.Job{
		ID:           "job-1",
		TenantID:     "tenant-a",
		MaxDepth:     maxDepth,
		Status:       crawler.JobStatusInProgress,
		ExcludedURLs: excluded,
		Language:     "de",
	}))
	return h
}

// seedRoot inserts the depth-1 task and claims it the way the scheduler does.
func (h *harness) seedRoot(u string) crawler.TaskItem {
	h.t.Helper()
	require.NoError(h.t, h.jobs.InsertTasks(context.Background(), []crawler.Task{{
		ID:    "root",
		JobID: "job-1",
		URL:   u,
		Depth: 1,
	}}))
	items := h.claim()
	require.Len(h.t, items, 1)
	return items[0]
}

func (h *harness) claim() []crawler.TaskItem {
	h.t.Helper()
	tasks, err := h.jobs.ClaimPendingTasks(context.Background(), "job-1", 100, testNow.Add(-time.Hour), testNow)
	require.NoError(h.t, err)
	items := make([]crawler.TaskItem, 0, len(tasks))
	for _, task := range tasks {
		items = append(items, crawler.TaskItem{
			TaskID:     task.ID,
			JobID:      task.JobID,
			TenantID:   "tenant-a",
			ParentURL:  task.ParentURL,
			Dispatched: task.DispatchedAt.UnixMilli(),
		})
	}
	return items
}

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

type fakeFetcher struct {
	mu    sync.Mutex
	pages map[string]crawler.FetchResult
	errs  map[string]error
	calls []string
	block bool
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		pages: make(map[string]crawler.FetchResult),
		errs:  make(map[string]error),
	}
}

func (f *fakeFetcher) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.URL)
	block := f.block
	err := f.errs[req.URL]
	res, ok := f.pages[req.URL]
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return crawler.FetchResult{}, fmt.Errorf("fetch canceled: %w", ctx.Err())
	}
	if err != nil {
		return crawler.FetchResult{}, err
	}
	if !ok {
		return crawler.FetchResult{URL: req.URL, StatusCode: http.StatusOK}, nil
	}
	res.URL = req.URL
	return res, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeIngestor struct {
	mu      sync.Mutex
	docs    []ingest.Document
	outcome ingest.Outcome
	err     error
	delay   time.Duration
}

func (f *fakeIngestor) Process(_ context.Context, doc ingest.Document) (ingest.Outcome, error) {
	time.Sleep(f.delay)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs = append(f.docs, doc)
	if f.err != nil {
		return ingest.Outcome{}, f.err
	}
	return f.outcome, nil
}

func (f *fakeIngestor) documents() []ingest.Document {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]ingest.Document(nil), f.docs...)
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) stages() []progress.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]progress.Stage, 0, len(r.events))
	for _, evt := range r.events {
		out = append(out, evt.Stage)
	}
	return out
}
