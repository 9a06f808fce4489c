// Package loader extracts raw text from uploaded or downloaded files,
// keyed by file extension.
package loader

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/JakeFAU/knowledge-ingest/internal/crawler"
)

var (
	// ErrUnsupportedType is returned for extensions without a loader.
	ErrUnsupportedType = errors.New("unsupported file type")
	// ErrEmptyContent is returned when a file yields no text.
	ErrEmptyContent = errors.New("no text extracted")
)

// Registry dispatches to a loader by lowercase extension.
type Registry struct {
	loaders map[string]crawler.Loader
}

var _ crawler.Loader = (*Registry)(nil)

// NewRegistry returns a registry with the built-in loaders registered.
func NewRegistry(pdfTempDir string) *Registry {
	r := &Registry{loaders: make(map[string]crawler.Loader)}
	r.Register(Text{}, ".txt", ".md", ".markdown")
	r.Register(CSV{}, ".csv")
	r.Register(Calendar{}, ".ics")
	r.Register(DOCX{}, ".docx")
	r.Register(&PDF{TempDir: pdfTempDir}, ".pdf")
	return r
}

// Register binds l to the given extensions, replacing earlier bindings.
func (r *Registry) Register(l crawler.Loader, exts ...string) {
	for _, ext := range exts {
		r.loaders[strings.ToLower(ext)] = l
	}
}

// Supports reports whether name's extension has a loader.
func (r *Registry) Supports(name string) bool {
	_, ok := r.loaders[Ext(name)]
	return ok
}

// Extensions lists the registered extensions in sorted order.
func (r *Registry) Extensions() []string {
	out := make([]string, 0, len(r.loaders))
	for ext := range r.loaders {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

// Load extracts text from data using the loader for name's extension.
func (r *Registry) Load(ctx context.Context, name string, data []byte) (string, error) {
	ext := Ext(name)
	l, ok := r.loaders[ext]
	if !ok {
		return "", fmt.Errorf("%s (%q): %w", name, ext, ErrUnsupportedType)
	}
	text, err := l.Load(ctx, name, data)
	if err != nil {
		return "", fmt.Errorf("load %s: %w", name, err)
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("load %s: %w", name, ErrEmptyContent)
	}
	return text, nil
}

// Ext returns the lowercase extension of a filename or URL path, ignoring
// any query string or fragment.
func Ext(name string) string {
	if i := strings.IndexAny(name, "?#"); i >= 0 {
		name = name[:i]
	}
	if u, err := url.Parse(name); err == nil && u.Host != "" {
		name = u.Path
	}
	return strings.ToLower(path.Ext(name))
}
