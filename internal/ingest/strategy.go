package ingest

import (
	"strings"

	"github.com/JakeFAU/knowledge-ingest/internal/loader"
)

// Strategy is the chunking route a source takes through the pipeline.
type Strategy int

// Chunking strategies.
const (
	// StrategyUnstructured cleans prose with the LLM in one call.
	StrategyUnstructured Strategy = iota
	// StrategyStructured stores the content as a single chunk, uncleaned.
	StrategyStructured
	// StrategyLargeDocument pre-splits into windows that are cleaned independently.
	StrategyLargeDocument
)

func (s Strategy) String() string {
	switch s {
	case StrategyStructured:
		return "structured"
	case StrategyLargeDocument:
		return "large_document"
	default:
		return "unstructured"
	}
}

// SelectStrategy resolves the strategy for a source once, from its name and
// extracted size.
func (c Config) SelectStrategy(name string, size int) Strategy {
	ext := loader.Ext(name)
	if ext != "" {
		if containsFold(c.StructuredExtensions, ext) {
			return StrategyStructured
		}
		if containsFold(c.LargeDocumentExtensions, ext) {
			return StrategyLargeDocument
		}
	}
	if c.WindowSize > 0 && size > c.WindowSize {
		return StrategyLargeDocument
	}
	return StrategyUnstructured
}

func containsFold(list []string, ext string) bool {
	for _, candidate := range list {
		if strings.EqualFold(normalizeExt(candidate), ext) {
			return true
		}
	}
	return false
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}
