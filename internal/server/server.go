// Package server builds the service graph from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/knowledge-ingest/internal/api"
	"github.com/JakeFAU/knowledge-ingest/internal/app"
	"github.com/JakeFAU/knowledge-ingest/internal/clock/system"
	"github.com/JakeFAU/knowledge-ingest/internal/config"
	badgerstore "github.com/JakeFAU/knowledge-ingest/internal/contentstore/badger"
	"github.com/JakeFAU/knowledge-ingest/internal/crawler"
	"github.com/JakeFAU/knowledge-ingest/internal/dispatcher"
	"github.com/JakeFAU/knowledge-ingest/internal/fetcher"
	collyfetcher "github.com/JakeFAU/knowledge-ingest/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/knowledge-ingest/internal/fetcher/headless"
	"github.com/JakeFAU/knowledge-ingest/internal/hash/sha256"
	"github.com/JakeFAU/knowledge-ingest/internal/headless/detector"
	"github.com/JakeFAU/knowledge-ingest/internal/id/uuid"
	"github.com/JakeFAU/knowledge-ingest/internal/ingest"
	"github.com/JakeFAU/knowledge-ingest/internal/llm"
	"github.com/JakeFAU/knowledge-ingest/internal/loader"
	"github.com/JakeFAU/knowledge-ingest/internal/metrics"
	"github.com/JakeFAU/knowledge-ingest/internal/policy/ratelimit"
	"github.com/JakeFAU/knowledge-ingest/internal/progress"
	progresssinks "github.com/JakeFAU/knowledge-ingest/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/knowledge-ingest/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/knowledge-ingest/internal/publisher/pubsub"
	"github.com/JakeFAU/knowledge-ingest/internal/queue"
	queuememory "github.com/JakeFAU/knowledge-ingest/internal/queue/memory"
	queuepubsub "github.com/JakeFAU/knowledge-ingest/internal/queue/pubsub"
	"github.com/JakeFAU/knowledge-ingest/internal/scheduler"
	gcsstorage "github.com/JakeFAU/knowledge-ingest/internal/storage/gcs"
	localstorage "github.com/JakeFAU/knowledge-ingest/internal/storage/local"
	memorystorage "github.com/JakeFAU/knowledge-ingest/internal/storage/memory"
	pgstore "github.com/JakeFAU/knowledge-ingest/internal/storage/postgres"
	"github.com/JakeFAU/knowledge-ingest/internal/worker"
)

// closer releases one resource during shutdown.
type closer struct {
	name string
	fn   func(context.Context) error
}

// App owns every long-lived component of the service.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	Service   *app.Service
	apiServer *api.Server
	scheduler *scheduler.Scheduler
	dispatch  *dispatcher.Dispatcher
	ready     api.ReadyFunc

	// closers run in reverse registration order.
	closers []closer
}

// Build creates the application's dependencies. On error everything opened
// so far is closed.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close(context.WithoutCancel(ctx))
		}
	}()

	logger.Info("building application",
		zap.Int("port", cfg.Server.Port),
		zap.Int("workers", cfg.Crawler.Workers),
		zap.String("queue_backend", cfg.Queue.Backend),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("llm_provider", cfg.LLM.Provider),
		zap.Bool("postgres", cfg.UsesPostgres()),
	)

	clock := system.New()
	ids := uuid.NewUUIDGenerator()

	jobs, sources, err := a.setupDatabase(ctx, clock)
	if err != nil {
		return nil, err
	}
	blobs, err := a.setupStorage(ctx)
	if err != nil {
		return nil, err
	}
	content, err := badgerstore.New(cfg.ContentStore.Config, logger)
	if err != nil {
		return nil, fmt.Errorf("content store init failed: %w", err)
	}
	a.onClose("content store", func(context.Context) error { return content.Close() })

	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}
	emitter, err := a.setupProgress()
	if err != nil {
		return nil, err
	}

	cleaner, err := llm.NewCleaner(ctx, cfg.LLM, logger)
	if err != nil {
		return nil, fmt.Errorf("llm cleaner init failed: %w", err)
	}
	embedder, err := llm.NewEmbedder(cfg.Embeddings)
	if err != nil {
		return nil, fmt.Errorf("embedder init failed: %w", err)
	}

	writer := ingest.NewWriter(content, sources, publisher, emitter, clock, cfg.ContentStore.WriterConfig, logger)
	pipeline := ingest.NewPipeline(cleaner, embedder, sources, writer, sha256.New(), clock, cfg.Ingest, logger)

	probe := collyfetcher.New(collyfetcher.Config{
		UserAgent:       cfg.Crawler.UserAgent,
		RespectRobots:   cfg.Crawler.RespectRobots,
		Timeout:         cfg.Crawler.FetchTimeout,
		MaxBodySize:     cfg.Crawler.MaxBodySize,
		MaxDownloadSize: cfg.Crawler.MaxDownloadSize,
	}, logger)
	pageFetcher := a.setupFetcher(probe)

	bulk, err := ingest.NewBulk(ingest.BulkDeps{
		Pipeline:   pipeline,
		Writer:     writer,
		Sources:    sources,
		Fetcher:    pageFetcher,
		Downloader: probe,
		Loader:     loader.NewRegistry(os.TempDir()),
		Blobs:      blobs,
		IDs:        ids,
		Clock:      clock,
	}, cfg.Ingest, logger)
	if err != nil {
		return nil, fmt.Errorf("bulk ingestor init failed: %w", err)
	}
	a.onClose("bulk ingestor", bulk.Close)

	taskQueue, err := a.setupQueue(ctx)
	if err != nil {
		return nil, err
	}

	a.scheduler = scheduler.New(jobs, taskQueue, clock, emitter, cfg.Scheduler, logger)
	a.dispatch = a.setupDispatcher(worker.Deps{
		Queue:    taskQueue,
		Jobs:     jobs,
		Sources:  sources,
		Fetcher:  pageFetcher,
		Limiter:  ratelimit.New(cfg.Crawler.RateLimit),
		Ingestor: pipeline,
		IDs:      ids,
		Clock:    clock,
		Emitter:  emitter,
	})

	a.Service = app.New(app.Deps{
		Jobs:      jobs,
		Sources:   sources,
		Bulk:      bulk,
		Scheduler: a.scheduler,
		IDs:       ids,
		Clock:     clock,
		Emitter:   emitter,
	}, app.Config{
		DefaultMaxDepth: cfg.Crawler.MaxDepthDefault,
		MaxDepthLimit:   cfg.Crawler.MaxDepthLimit,
		DefaultLanguage: cfg.Ingest.DefaultLanguage,
	}, logger)

	apiCfg := api.Config{RequestTimeout: cfg.Server.RequestTimeout}
	if cfg.Auth.Enabled {
		apiCfg.APIKey = cfg.Auth.APIKey
	}
	a.apiServer = api.NewServer(a.Service, a.ready, apiCfg, logger)
	return a, nil
}

// Run starts the scheduler, workers and HTTP server, and blocks until ctx
// is canceled or the listener fails.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		a.dispatch.Run(ctx)
	}()

	if err := a.scheduler.Start(ctx); err != nil {
		stop()
		<-workersDone
		a.close(context.Background())
		return fmt.Errorf("start scheduler: %w", err)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if err := a.scheduler.Stop(shutdownCtx); err != nil {
		a.logger.Warn("scheduler stop failed", zap.Error(err))
	}
	select {
	case <-workersDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("workers did not drain before shutdown deadline")
	}
	a.close(shutdownCtx)

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// Close releases every resource. Use it when Run was never called.
func (a *App) Close(ctx context.Context) {
	a.close(ctx)
}

func (a *App) onClose(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

func (a *App) close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
		}
	}
	a.closers = nil
	a.logger.Info("shutdown complete")
}

func (a *App) setupDatabase(ctx context.Context, clock crawler.Clock) (crawler.JobStore, crawler.SourceStore, error) {
	if !a.cfg.UsesPostgres() {
		a.logger.Warn("no database dsn configured, jobs and sources are kept in memory")
		return memorystorage.NewJobStoreWithClock(clock), memorystorage.NewSourceStore(), nil
	}
	store, err := pgstore.New(ctx, a.cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres init failed: %w", err)
	}
	a.onClose("postgres", func(context.Context) error {
		store.Close()
		return nil
	})
	a.ready = store.Ping
	a.logger.Info("postgres store initialized", zap.Bool("migrated", a.cfg.Database.Migrate))
	return store, store, nil
}

func (a *App) setupStorage(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case config.StorageGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.onClose("gcs client", func(context.Context) error { return client.Close() })
		blobs, err := gcsstorage.New(client, a.cfg.Storage.GCS)
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.GCS.Bucket))
		return blobs, nil
	case config.StorageLocal:
		blobs, err := localstorage.New(a.cfg.Storage.Local)
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.Local.BaseDir))
		return blobs, nil
	default:
		a.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (crawler.Publisher, error) {
	if !a.cfg.PubSub.Enabled {
		a.logger.Warn("pubsub disabled, source status events stay in memory")
		return memorypublisher.New(), nil
	}
	pub, err := gcppublisher.New(ctx, a.cfg.PubSub.Config, a.logger)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.onClose("pubsub publisher", func(context.Context) error { return pub.Close() })
	a.logger.Info("pubsub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.Topic),
	)
	return pub, nil
}

func (a *App) setupProgress() (progress.Emitter, error) {
	if !a.cfg.Progress.Enabled {
		a.logger.Info("progress tracking disabled")
		return progress.Nop{}, nil
	}
	var sinks []progress.Sink
	if a.cfg.Progress.LogSink {
		sinks = append(sinks, progresssinks.NewLogSink(a.logger))
	}
	if a.cfg.Progress.PrometheusSink {
		sink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
		if err != nil {
			return nil, fmt.Errorf("progress prometheus sink: %w", err)
		}
		sinks = append(sinks, sink)
	}
	if len(sinks) == 0 {
		a.logger.Warn("progress tracking enabled but no sinks configured")
		return progress.Nop{}, nil
	}
	hubCfg := a.cfg.Progress.Config
	hubCfg.Logger = a.logger
	hub := progress.NewHub(hubCfg, sinks...)
	a.onClose("progress hub", hub.Close)
	a.logger.Info("progress hub initialized", zap.Int("sinks", len(sinks)))
	return hub, nil
}

// setupFetcher layers the headless fetcher over probe when enabled.
func (a *App) setupFetcher(probe *collyfetcher.Fetcher) crawler.Fetcher {
	if !a.cfg.Headless.Enabled {
		return probe
	}
	hcfg := a.cfg.Headless.Config
	if hcfg.UserAgent == "" {
		hcfg.UserAgent = a.cfg.Crawler.UserAgent
	}
	browser, err := headlessfetcher.NewChromedp(hcfg, a.logger)
	if err != nil {
		a.logger.Warn("headless fetcher init failed, continuing without promotion", zap.Error(err))
		return probe
	}
	a.onClose("headless browser", func(context.Context) error {
		browser.Close()
		return nil
	})
	promoting := fetcher.NewPromoting(probe, browser, detector.NewHeuristic(a.cfg.Headless.Detector), a.logger)
	promoting.OnPromote(metrics.ObserveHeadlessPromotion)
	a.logger.Info("headless promotion enabled", zap.Int("pool_size", hcfg.PoolSize))
	return promoting
}

func (a *App) setupQueue(ctx context.Context) (crawler.Queue, error) {
	if a.cfg.Queue.Backend == queue.BackendPubSub {
		q, err := queuepubsub.New(ctx, a.cfg.Queue.PubSub, a.logger)
		if err != nil {
			return nil, fmt.Errorf("pubsub queue init failed: %w", err)
		}
		a.onClose("pubsub queue", func(context.Context) error { return q.Close() })
		a.logger.Info("using pubsub task queue", zap.String("subscription", a.cfg.Queue.PubSub.Subscription))
		return q, nil
	}
	q := queuememory.NewQueue(a.cfg.Crawler.QueueDepth)
	a.onClose("memory queue", func(context.Context) error {
		q.Close()
		return nil
	})
	return q, nil
}

func (a *App) setupDispatcher(deps worker.Deps) *dispatcher.Dispatcher {
	wcfg := worker.Config{
		FetchTimeout:    a.cfg.Crawler.FetchTimeout,
		DenyDomains:     a.cfg.Crawler.DenyDomains,
		DefaultLanguage: a.cfg.Ingest.DefaultLanguage,
		Heartbeat:       a.cfg.Scheduler.LeaseTTL / 3,
	}
	runners := make([]dispatcher.Runner, 0, a.cfg.Crawler.Workers)
	for i := 0; i < a.cfg.Crawler.Workers; i++ {
		runners = append(runners, worker.New(deps, wcfg, a.logger.With(zap.Int("worker", i))))
	}
	return dispatcher.New(runners, a.logger)
}
