// Package detector decides when a plain fetch returned an application shell
// that needs a browser to render readable text.
package detector

import (
	"bytes"
	"net/http"
	"strings"
	"unicode"

	"github.com/JakeFAU/knowledge-ingest/internal/crawler"
)

// Config tunes the heuristic.
type Config struct {
	// BodyLengthThreshold is the body size under which script-heavy pages
	// are treated as shells.
	BodyLengthThreshold int `mapstructure:"body_length_threshold"`
	// MinTextLength is the readable text a page needs before SPA markers are
	// ignored.
	MinTextLength int `mapstructure:"min_text_length"`
}

// Heuristic implements crawler.HeadlessDetector with rule-based checks.
type Heuristic struct {
	cfg Config
}

// NewHeuristic fills zero thresholds with defaults.
func NewHeuristic(cfg Config) *Heuristic {
	if cfg.BodyLengthThreshold <= 0 {
		cfg.BodyLengthThreshold = 2048
	}
	if cfg.MinTextLength <= 0 {
		cfg.MinTextLength = 200
	}
	return &Heuristic{cfg: cfg}
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
	[]byte("ng-version"),
	[]byte("data-server-rendered"),
}

var jsRequired = []string{
	"enable javascript",
	"javascript is required",
	"javascript is disabled",
	"requires javascript",
}

// ShouldPromote reports whether the probe looks like an unrendered page.
// Only successful HTML responses are candidates.
func (h *Heuristic) ShouldPromote(probe crawler.FetchResult) bool {
	if probe.StatusCode != http.StatusOK || !isHTML(probe.Headers) {
		return false
	}
	body := probe.Body
	if len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	textLen := visibleLength(probe.Markdown)
	if textLen >= h.cfg.MinTextLength {
		return false
	}
	if len(body) < h.cfg.BodyLengthThreshold && scriptDensityHigh(body) {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	lower := strings.ToLower(probe.Markdown)
	for _, phrase := range jsRequired {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

func isHTML(headers http.Header) bool {
	ct := headers.Get("Content-Type")
	return ct == "" || strings.Contains(strings.ToLower(ct), "html")
}

func visibleLength(markdown string) int {
	n := 0
	for _, r := range markdown {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			n++
		}
	}
	return n
}

// scriptDensityHigh reports whether <script> elements cover at least a
// quarter of the body. An unclosed script runs to the end.
func scriptDensityHigh(body []byte) bool {
	lower := bytes.ToLower(body)
	total := len(lower)
	open, closing := []byte("<script"), []byte("</script>")

	covered := 0
	for pos := 0; pos < total; {
		rel := bytes.Index(lower[pos:], open)
		if rel < 0 {
			break
		}
		start := pos + rel
		end := total
		if gt := bytes.IndexByte(lower[start:], '>'); gt >= 0 {
			content := start + gt + 1
			if c := bytes.Index(lower[content:], closing); c >= 0 {
				end = content + c + len(closing)
			}
		}
		covered += end - start
		pos = end
	}
	return covered > 0 && covered*100/total >= 25
}
