package ingest

import (
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/textsplitter"

	"github.com/JakeFAU/knowledge-ingest/internal/llm"
)

// splitSegments splits cleaner output on the chunk separator, dropping blank
// segments. Text without a separator is a single segment.
func splitSegments(cleaned string) []string {
	parts := strings.Split(cleaned, llm.Separator)
	segments := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			segments = append(segments, part)
		}
	}
	return segments
}

// joinWindows reassembles independently cleaned windows. The boundary between
// two windows is treated as a segment boundary.
func joinWindows(windows []string) string {
	return strings.Join(windows, "\n"+llm.Separator+"\n")
}

func newWindowSplitter(size, overlap int) textsplitter.TextSplitter {
	if overlap >= size {
		overlap = size / 10
	}
	return textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(size),
		textsplitter.WithChunkOverlap(overlap),
		textsplitter.WithSeparators([]string{"\n\n", "\n", ". ", " ", ""}),
	)
}

func splitWindows(splitter textsplitter.TextSplitter, content string) ([]string, error) {
	windows, err := splitter.SplitText(content)
	if err != nil {
		return nil, fmt.Errorf("split windows: %w", err)
	}
	out := windows[:0]
	for _, w := range windows {
		if strings.TrimSpace(w) != "" {
			out = append(out, w)
		}
	}
	return out, nil
}
