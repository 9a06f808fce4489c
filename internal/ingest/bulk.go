package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/knowledge-ingest/internal/crawler"
	"github.com/JakeFAU/knowledge-ingest/internal/loader"
)

// Downloader retrieves a remote file's bytes and content type.
type Downloader interface {
	Download(ctx context.Context, url string) ([]byte, string, error)
}

// FileLoader extracts text from files it supports by name.
type FileLoader interface {
	crawler.Loader
	Supports(name string) bool
}

// BulkDeps are the collaborators of a Bulk ingestor.
type BulkDeps struct {
	Pipeline   *Pipeline
	Writer     *Writer
	Sources    crawler.SourceStore
	Fetcher    crawler.Fetcher
	Downloader Downloader
	Loader     FileLoader
	Blobs      crawler.BlobStore
	IDs        crawler.IDGenerator
	Clock      crawler.Clock
}

// BatchHandle identifies a submitted batch and its sources.
type BatchHandle struct {
	BatchID   string   `json:"batch_id"`
	SourceIDs []string `json:"source_ids"`
}

type itemKind int

const (
	kindPage itemKind = iota
	kindRemoteFile
	kindStoredFile
)

type bulkItem struct {
	kind     itemKind
	sourceID string
	tenantID string
	location string
	name     string
	language string
}

// Bulk runs URL and file ingestion in the background on a fixed-width pool.
// One item's failure settles only its own source.
type Bulk struct {
	deps   BulkDeps
	pool   *ants.Pool
	cfg    Config
	logger *zap.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewBulk creates the worker pool. Call Close to release it.
func NewBulk(deps BulkDeps, cfg Config, logger *zap.Logger) (*Bulk, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	logger = logger.Named("bulk")
	pool, err := ants.NewPool(cfg.Workers, ants.WithPanicHandler(func(v any) {
		logger.Error("ingest worker panicked", zap.Any("panic", v))
	}))
	if err != nil {
		return nil, fmt.Errorf("create ingest pool: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bulk{
		deps:    deps,
		pool:    pool,
		cfg:     cfg,
		logger:  logger,
		baseCtx: ctx,
		cancel:  cancel,
	}, nil
}

// IngestURLs registers one QUEUED source per URL and returns immediately.
// URLs naming a supported file are downloaded and loaded; the rest are
// fetched as pages.
func (b *Bulk) IngestURLs(ctx context.Context, tenantID string, urls []string, language string) (BatchHandle, error) {
	if tenantID == "" {
		return BatchHandle{}, fmt.Errorf("%w: tenant id is required", crawler.ErrInvalidArgument)
	}
	normalized, err := normalizeBatch(urls)
	if err != nil {
		return BatchHandle{}, err
	}

	items := make([]bulkItem, 0, len(normalized))
	for _, u := range normalized {
		item := bulkItem{kind: kindPage, tenantID: tenantID, location: u, name: u, language: language}
		sourceType := crawler.SourceTypeURL
		if b.deps.Loader != nil && b.deps.Loader.Supports(u) {
			item.kind = kindRemoteFile
			item.name = path.Base(strings.SplitN(u, "?", 2)[0])
			sourceType = crawler.SourceTypeFile
		}
		id, err := b.register(ctx, tenantID, sourceType, u, item.name)
		if err != nil {
			b.abandon(ctx, tenantID, items, err)
			return BatchHandle{}, err
		}
		item.sourceID = id
		items = append(items, item)
	}
	return b.submit(items)
}

// IngestFile registers a QUEUED source for a file already in the blob store
// and returns immediately.
func (b *Bulk) IngestFile(
	ctx context.Context,
	tenantID, blobLocation, originalFilename, language string,
) (BatchHandle, error) {
	if tenantID == "" || blobLocation == "" || originalFilename == "" {
		return BatchHandle{}, fmt.Errorf("%w: tenant id, location and filename are required", crawler.ErrInvalidArgument)
	}
	if b.deps.Loader == nil || !b.deps.Loader.Supports(originalFilename) {
		return BatchHandle{}, fmt.Errorf("%w: %q", loader.ErrUnsupportedType, loader.Ext(originalFilename))
	}
	id, err := b.register(ctx, tenantID, crawler.SourceTypeFile, blobLocation, originalFilename)
	if err != nil {
		return BatchHandle{}, err
	}
	return b.submit([]bulkItem{{
		kind:     kindStoredFile,
		sourceID: id,
		tenantID: tenantID,
		location: blobLocation,
		name:     originalFilename,
		language: language,
	}})
}

// Wait blocks until every submitted item has settled.
func (b *Bulk) Wait() {
	b.wg.Wait()
}

// Close waits for in-flight items until ctx ends, then cancels the rest and
// releases the pool.
func (b *Bulk) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("wait for ingestion: %w", ctx.Err())
	}
	b.cancel()
	b.pool.Release()
	return err
}

func (b *Bulk) register(
	ctx context.Context,
	tenantID string,
	sourceType crawler.SourceType,
	location, name string,
) (string, error) {
	id, err := b.deps.IDs.NewID()
	if err != nil {
		return "", fmt.Errorf("generate source id: %w", err)
	}
	now := b.deps.Clock.Now()
	err = b.deps.Sources.CreateSource(ctx, crawler.Source{
		ID:        id,
		TenantID:  tenantID,
		Type:      sourceType,
		Location:  location,
		Name:      name,
		Status:    crawler.SourceStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return "", fmt.Errorf("create source: %w", err)
	}
	return id, nil
}

func (b *Bulk) submit(items []bulkItem) (BatchHandle, error) {
	batchID, err := b.deps.IDs.NewID()
	if err != nil {
		b.abandon(b.baseCtx, items[0].tenantID, items, err)
		return BatchHandle{}, fmt.Errorf("generate batch id: %w", err)
	}
	handle := BatchHandle{BatchID: batchID, SourceIDs: make([]string, len(items))}
	for i, it := range items {
		handle.SourceIDs[i] = it.sourceID
	}

	b.wg.Add(len(items))
	go func() {
		for _, it := range items {
			if err := b.pool.Submit(func() {
				defer b.wg.Done()
				b.run(it)
			}); err != nil {
				b.deps.Writer.Fail(b.baseCtx, it.tenantID, []string{it.sourceID}, err)
				b.wg.Done()
			}
		}
	}()
	b.logger.Info("batch submitted",
		zap.String("batch_id", batchID),
		zap.Int("sources", len(items)),
	)
	return handle, nil
}

func (b *Bulk) abandon(ctx context.Context, tenantID string, items []bulkItem, cause error) {
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.sourceID
	}
	b.deps.Writer.Fail(ctx, tenantID, ids, cause)
}

func (b *Bulk) run(it bulkItem) {
	ctx := b.baseCtx
	logger := b.logger.With(zap.String("source_id", it.sourceID), zap.String("location", it.location))

	text, err := b.extract(ctx, it)
	if err != nil {
		logger.Warn("extract content failed", zap.Error(err))
		b.deps.Writer.Fail(ctx, it.tenantID, []string{it.sourceID}, err)
		return
	}
	outcome, err := b.deps.Pipeline.Process(ctx, Document{
		SourceID: it.sourceID,
		TenantID: it.tenantID,
		Source:   it.sourceLabel(),
		Name:     it.name,
		Content:  text,
		Language: it.language,
	})
	if err != nil {
		logger.Error("ingest source failed", zap.Error(err))
		b.deps.Writer.Fail(ctx, it.tenantID, []string{it.sourceID}, err)
		return
	}
	logger.Debug("source settled",
		zap.String("status", string(outcome.Status)),
		zap.Int("chunks", outcome.Chunks),
	)
}

func (it bulkItem) sourceLabel() string {
	if it.kind == kindStoredFile {
		return it.name
	}
	return it.location
}

func (b *Bulk) extract(ctx context.Context, it bulkItem) (string, error) {
	switch it.kind {
	case kindRemoteFile:
		dctx, cancel := context.WithTimeout(ctx, b.cfg.DownloadTimeout)
		defer cancel()
		data, contentType, err := b.deps.Downloader.Download(dctx, it.location)
		if err != nil {
			return "", fmt.Errorf("download %s: %w", it.location, err)
		}
		if b.deps.Blobs != nil {
			if _, err := b.deps.Blobs.PutObject(ctx, b.blobPath(it), contentType, bytes.NewReader(data)); err != nil {
				return "", fmt.Errorf("store download: %w", err)
			}
		}
		return b.deps.Loader.Load(ctx, it.name, data)
	case kindStoredFile:
		if b.deps.Blobs == nil {
			return "", errors.New("no blob store configured")
		}
		data, err := b.deps.Blobs.GetObject(ctx, it.location)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", it.location, err)
		}
		return b.deps.Loader.Load(ctx, it.name, data)
	default:
		fctx, cancel := context.WithTimeout(ctx, b.cfg.FetchTimeout)
		defer cancel()
		res, err := b.deps.Fetcher.Fetch(fctx, crawler.FetchRequest{URL: it.location})
		if err != nil {
			return "", fmt.Errorf("fetch %s: %w", it.location, err)
		}
		return res.Markdown, nil
	}
}

func (b *Bulk) blobPath(it bulkItem) string {
	p := path.Join(it.tenantID, it.sourceID, it.name)
	if prefix := strings.Trim(b.cfg.BlobPrefix, "/"); prefix != "" {
		p = prefix + "/" + p
	}
	return p
}

func normalizeBatch(urls []string) ([]string, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("%w: at least one url is required", crawler.ErrInvalidArgument)
	}
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, raw := range urls {
		if !crawler.IsHTTPURL(raw) {
			return nil, fmt.Errorf("%w: %q is not an http(s) url", crawler.ErrInvalidArgument, raw)
		}
		u, err := crawler.NormalizeURL(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %w", crawler.ErrInvalidArgument, raw, err)
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out, nil
}
