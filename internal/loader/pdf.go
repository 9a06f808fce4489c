package loader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

var pageFile = regexp.MustCompile(`page_(\d+)`)

// PDF extracts text with pdfcpu. pdfcpu dumps each page's content stream;
// the text-showing operators are then decoded into plain text.
type PDF struct {
	// TempDir holds scratch files; empty uses os.TempDir.
	TempDir string
}

// Load writes data to a scratch file, extracts page content and decodes it.
func (p *PDF) Load(ctx context.Context, name string, data []byte) (string, error) {
	work, err := os.MkdirTemp(p.TempDir, "pdf-*")
	if err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(work) }()

	in := filepath.Join(work, "in.pdf")
	if err := os.WriteFile(in, data, 0o600); err != nil {
		return "", fmt.Errorf("write scratch pdf: %w", err)
	}
	if _, err := api.ReadContextFile(in); err != nil {
		return "", fmt.Errorf("read pdf %s: %w", name, err)
	}
	outDir := filepath.Join(work, "pages")
	if err := os.MkdirAll(outDir, 0o750); err != nil {
		return "", fmt.Errorf("create page dir: %w", err)
	}
	if err := api.ExtractContentFile(in, outDir, nil, model.NewDefaultConfiguration()); err != nil {
		return "", fmt.Errorf("extract pdf content: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	entries, err := os.ReadDir(outDir)
	if err != nil {
		return "", fmt.Errorf("list page content: %w", err)
	}
	type page struct {
		n    int
		path string
	}
	var pages []page
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		n := 0
		if m := pageFile.FindStringSubmatch(e.Name()); m != nil {
			n, _ = strconv.Atoi(m[1])
		}
		pages = append(pages, page{n: n, path: filepath.Join(outDir, e.Name())})
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].n < pages[j].n })

	var b strings.Builder
	for _, pg := range pages {
		// #nosec G304 -- path is inside our scratch directory.
		content, err := os.ReadFile(pg.path)
		if err != nil {
			return "", fmt.Errorf("read page content: %w", err)
		}
		text := strings.TrimSpace(decodeContentStream(content))
		if text == "" {
			continue
		}
		b.WriteString(text)
		b.WriteString("\n\n")
	}
	return b.String(), nil
}
