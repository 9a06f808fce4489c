package crawler

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/gobwas/glob"
)

// imageExtensions never enter the task graph.
var imageExtensions = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".gif":  {},
	".bmp":  {},
	".svg":  {},
	".webp": {},
}

// ExclusionRules decides which URLs a job must skip. Link discovery applies
// the same rules plus the image extension filter, so excluded subtrees never
// enter the task graph.
type ExclusionRules struct {
	prefixes []string
	globs    []glob.Glob
	domains  domainDenyList
}

// NewExclusionRules compiles excluded URL patterns and denied domains. A
// plain entry "https://ex.com/blog" or "https://ex.com/blog*" excludes
// everything under that prefix; any other entry containing '*', '?' or '['
// is matched as a glob over the whole URL.
func NewExclusionRules(excluded []string, denyDomains []string) (*ExclusionRules, error) {
	rules := &ExclusionRules{domains: newDomainDenyList(denyDomains)}
	for _, raw := range excluded {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		trimmed := strings.TrimSuffix(entry, "*")
		if !hasWildcard(trimmed) {
			if prefix := literalPrefix(trimmed); prefix != "" {
				rules.prefixes = append(rules.prefixes, prefix)
			}
			continue
		}
		g, err := glob.Compile(entry)
		if err != nil {
			return nil, fmt.Errorf("compile exclusion %q: %w: %w", entry, ErrInvalidArgument, err)
		}
		rules.globs = append(rules.globs, g)
	}
	return rules, nil
}

// Excludes reports whether a URL starts with an excluded prefix, matches an
// exclusion glob, or belongs to a denied domain.
func (r *ExclusionRules) Excludes(rawURL string) bool {
	if r == nil {
		return false
	}
	candidate := strings.TrimRight(strings.TrimSpace(rawURL), "/")
	for _, prefix := range r.prefixes {
		if strings.HasPrefix(candidate, prefix) {
			return true
		}
	}
	for _, g := range r.globs {
		if g.Match(candidate) {
			return true
		}
	}
	return r.deniedHost(candidate)
}

// FiltersLink reports whether a discovered link must not become a task.
// Image links are always filtered.
func (r *ExclusionRules) FiltersLink(rawURL string) bool {
	if hasImageExtension(rawURL) {
		return true
	}
	return r.Excludes(rawURL)
}

func (r *ExclusionRules) deniedHost(rawURL string) bool {
	if len(r.domains) == 0 {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return r.domains.denies(u.Hostname())
}

// domainDenyList holds lowercased hosts. A leading "*." or "." turns an
// entry into a suffix match covering the domain and its subdomains.
type domainDenyList []string

func newDomainDenyList(patterns []string) domainDenyList {
	var out domainDenyList
	seen := make(map[string]struct{}, len(patterns))
	for _, raw := range patterns {
		value := strings.ToLower(strings.TrimSpace(raw))
		value = strings.TrimPrefix(value, "*")
		if value == "" || value == "." {
			continue
		}
		if _, dup := seen[value]; dup {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}

func (d domainDenyList) denies(host string) bool {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return false
	}
	for _, entry := range d {
		if suffix, ok := strings.CutPrefix(entry, "."); ok {
			if host == suffix || strings.HasSuffix(host, entry) {
				return true
			}
			continue
		}
		if host == entry {
			return true
		}
	}
	return false
}

func hasWildcard(s string) bool {
	return strings.ContainsAny(s, "*?[")
}

// literalPrefix normalizes a plain exclusion entry.
func literalPrefix(entry string) string {
	prefix := strings.TrimRight(entry, "/")
	if prefix == "" {
		return ""
	}
	if normalized, err := NormalizeURL(prefix); err == nil && normalized != "" {
		return normalized
	}
	return prefix
}

func hasImageExtension(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	_, ok := imageExtensions[strings.ToLower(path.Ext(u.Path))]
	return ok
}
