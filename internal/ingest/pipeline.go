package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/textsplitter"
	"go.uber.org/zap"

	"github.com/JakeFAU/knowledge-ingest/internal/crawler"
	"github.com/JakeFAU/knowledge-ingest/internal/loader"
)

// Config controls strategy selection and bulk ingestion.
type Config struct {
	StructuredExtensions    []string      `mapstructure:"structured_extensions"`
	LargeDocumentExtensions []string      `mapstructure:"large_document_extensions"`
	WindowSize              int           `mapstructure:"window_size"`
	WindowOverlap           int           `mapstructure:"window_overlap"`
	DefaultLanguage         string        `mapstructure:"default_language"`
	Workers                 int           `mapstructure:"workers"`
	DownloadTimeout         time.Duration `mapstructure:"download_timeout"`
	FetchTimeout            time.Duration `mapstructure:"fetch_timeout"`
	BlobPrefix              string        `mapstructure:"blob_prefix"`
}

func (c Config) withDefaults() Config {
	if c.StructuredExtensions == nil {
		c.StructuredExtensions = []string{".csv", ".ics"}
	}
	if c.LargeDocumentExtensions == nil {
		c.LargeDocumentExtensions = []string{".pdf"}
	}
	if c.WindowSize <= 0 {
		c.WindowSize = 12000
	}
	if c.WindowOverlap < 0 || c.WindowOverlap >= c.WindowSize {
		c.WindowOverlap = c.WindowSize / 30
	}
	if c.DefaultLanguage == "" {
		c.DefaultLanguage = "en"
	}
	if c.Workers <= 0 {
		c.Workers = 10
	}
	if c.DownloadTimeout <= 0 {
		c.DownloadTimeout = 60 * time.Second
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 70 * time.Second
	}
	return c
}

// Document is one source's raw text ready for chunking.
type Document struct {
	SourceID string
	TenantID string
	// Source is stamped on every chunk: the URL or original filename.
	Source string
	// Name drives strategy selection by extension.
	Name     string
	Content  string
	Language string
}

// Outcome reports how a Process call settled its source.
type Outcome struct {
	Status   crawler.SourceStatus
	Strategy Strategy
	Chunks   int
	// Cause is set when Status is ERROR.
	Cause error
}

// Pipeline drives a single source from raw text to committed chunks.
type Pipeline struct {
	cleaner  crawler.Cleaner
	embedder crawler.Embedder
	sources  crawler.SourceStore
	writer   *Writer
	hasher   crawler.Hasher
	clock    crawler.Clock
	splitter textsplitter.TextSplitter
	cfg      Config
	logger   *zap.Logger
}

// NewPipeline wires a pipeline. embedder may be nil to store chunks without
// vectors.
func NewPipeline(
	cleaner crawler.Cleaner,
	embedder crawler.Embedder,
	sources crawler.SourceStore,
	writer *Writer,
	hasher crawler.Hasher,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Pipeline{
		cleaner:  cleaner,
		embedder: embedder,
		sources:  sources,
		writer:   writer,
		hasher:   hasher,
		clock:    clock,
		splitter: newWindowSplitter(cfg.WindowSize, cfg.WindowOverlap),
		cfg:      cfg,
		logger:   logger.Named("pipeline"),
	}
}

// Process marks the source PROCESSING, chunks it and commits the chunks.
// Content failures settle the source as ERROR and are reported in the
// Outcome, not the error; the error is only set when the source status
// itself could not be recorded.
func (p *Pipeline) Process(ctx context.Context, doc Document) (Outcome, error) {
	if err := p.sources.UpdateSourceStatus(ctx, doc.SourceID, crawler.SourceStatusProcessing, ""); err != nil {
		return Outcome{}, fmt.Errorf("mark source processing: %w", err)
	}
	strategy := p.cfg.SelectStrategy(doc.Name, len(doc.Content))
	logger := p.logger.With(
		zap.String("source_id", doc.SourceID),
		zap.String("tenant_id", doc.TenantID),
		zap.Stringer("strategy", strategy),
	)

	chunks, err := p.build(ctx, doc, strategy)
	if err == nil {
		err = p.embed(ctx, chunks)
	}
	if err == nil {
		err = p.sources.SaveCleanedContent(ctx, doc.SourceID, cleanedDocument(chunks), len(chunks))
	}
	if err != nil {
		p.writer.Fail(ctx, doc.TenantID, []string{doc.SourceID}, err)
		return Outcome{Status: crawler.SourceStatusError, Strategy: strategy, Cause: err}, nil
	}

	if err := p.writer.Write(ctx, doc.TenantID, chunks); err != nil {
		if errors.Is(err, ErrStatusNotRecorded) {
			return Outcome{Status: crawler.SourceStatusProcessing, Strategy: strategy, Chunks: len(chunks)}, err
		}
		return Outcome{Status: crawler.SourceStatusError, Strategy: strategy, Cause: err}, nil
	}
	logger.Debug("source ingested", zap.Int("chunks", len(chunks)))
	return Outcome{Status: crawler.SourceStatusCompleted, Strategy: strategy, Chunks: len(chunks)}, nil
}

// Chunk runs strategy selection, cleaning and metadata stamping without
// touching any store.
func (p *Pipeline) Chunk(ctx context.Context, doc Document) ([]crawler.Chunk, error) {
	return p.build(ctx, doc, p.cfg.SelectStrategy(doc.Name, len(doc.Content)))
}

func (p *Pipeline) build(ctx context.Context, doc Document, strategy Strategy) ([]crawler.Chunk, error) {
	if strings.TrimSpace(doc.Content) == "" {
		return nil, loader.ErrEmptyContent
	}
	lang := doc.Language
	if lang == "" {
		lang = p.cfg.DefaultLanguage
	}

	var segments []string
	switch strategy {
	case StrategyStructured:
		segments = []string{strings.TrimSpace(doc.Content)}
	case StrategyLargeDocument:
		cleaned, err := p.cleanWindows(ctx, doc, lang)
		if err != nil {
			return nil, err
		}
		segments = splitSegments(cleaned)
	default:
		cleaned, err := p.cleaner.Clean(ctx, doc.Content, lang)
		if err != nil {
			return nil, fmt.Errorf("clean content: %w", err)
		}
		segments = splitSegments(cleaned)
	}
	if len(segments) == 0 {
		return nil, loader.ErrEmptyContent
	}
	return p.stamp(doc, segments)
}

// cleanWindows splits content into overlapping windows before cleaning. A
// window whose cleaning fails is kept raw.
func (p *Pipeline) cleanWindows(ctx context.Context, doc Document, lang string) (string, error) {
	windows, err := splitWindows(p.splitter, doc.Content)
	if err != nil {
		return "", err
	}
	cleaned := make([]string, 0, len(windows))
	for i, window := range windows {
		out, err := p.cleaner.Clean(ctx, window, lang)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", fmt.Errorf("clean window %d: %w", i, ctxErr)
			}
			p.logger.Warn("window cleaning failed, keeping raw text",
				zap.String("source_id", doc.SourceID),
				zap.Int("window", i),
				zap.Error(err),
			)
			out = window
		}
		cleaned = append(cleaned, out)
	}
	p.logger.Debug("cleaned windows",
		zap.String("source_id", doc.SourceID),
		zap.Int("windows", len(windows)),
	)
	return joinWindows(cleaned), nil
}

func (p *Pipeline) stamp(doc Document, segments []string) ([]crawler.Chunk, error) {
	updated := p.clock.Now().UTC().Format(time.RFC3339)
	chunks := make([]crawler.Chunk, len(segments))
	for i, seg := range segments {
		hash, err := p.hasher.Hash([]byte(seg))
		if err != nil {
			return nil, fmt.Errorf("hash chunk %d: %w", i, err)
		}
		chunks[i] = crawler.Chunk{
			Content: seg,
			Metadata: crawler.ChunkMetadata{
				Source:      doc.Source,
				SourceID:    doc.SourceID,
				TenantID:    doc.TenantID,
				Index:       i,
				LastUpdated: updated,
				ContentHash: hash,
			},
		}
	}
	return chunks, nil
}

func (p *Pipeline) embed(ctx context.Context, chunks []crawler.Chunk) error {
	if p.embedder == nil {
		return nil
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	vectors, err := p.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed chunks: %w", err)
	}
	if len(vectors) != len(chunks) {
		return errors.New("embedder returned a vector count that does not match the chunks")
	}
	for i := range chunks {
		chunks[i].Embedding = vectors[i]
	}
	return nil
}

func cleanedDocument(chunks []crawler.Chunk) string {
	var b strings.Builder
	for i, c := range chunks {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(c.Content)
	}
	return b.String()
}
