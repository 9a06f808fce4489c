// Package extract turns fetched HTML into markdown and outbound links.
package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/knowledge-ingest/internal/crawler"
)

// noise is removed before conversion; it never carries readable text.
const noise = "script, style, noscript, template, svg, iframe, canvas"

// Page is the readable content of one HTML document.
type Page struct {
	Title    string
	Markdown string
	Links    []string
}

// HTML parses body fetched from pageURL. Links are resolved against the
// page (or its <base href>), normalized, deduplicated in document order and
// filtered through rules. A nil rules still drops image links.
func HTML(pageURL string, body []byte, rules *crawler.ExclusionRules) (Page, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Page{}, fmt.Errorf("parse html: %w", err)
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return Page{}, fmt.Errorf("parse page url: %w", err)
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if ref, err := base.Parse(strings.TrimSpace(href)); err == nil {
			base = ref
		}
	}

	page := Page{
		Title: strings.TrimSpace(doc.Find("title").First().Text()),
		Links: links(doc, base, rules),
	}

	doc.Find(noise).Remove()
	root := doc.Find("main").First()
	if root.Length() == 0 || strings.TrimSpace(root.Text()) == "" {
		root = doc.Find("body").First()
	}
	if root.Length() == 0 {
		root = doc.Selection
	}
	converter := md.NewConverter(base.String(), true, nil)
	page.Markdown = strings.TrimSpace(converter.Convert(root))
	if page.Title != "" && !strings.HasPrefix(page.Markdown, "# ") {
		page.Markdown = "# " + page.Title + "\n\n" + page.Markdown
	}
	return page, nil
}

func links(doc *goquery.Document, base *url.URL, rules *crawler.ExclusionRules) []string {
	seen := make(map[string]struct{})
	var out []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if rel, _ := s.Attr("rel"); strings.Contains(rel, "nofollow") {
			return
		}
		link, ok := crawler.ResolveLink(base, href)
		if !ok {
			return
		}
		if _, dup := seen[link]; dup {
			return
		}
		seen[link] = struct{}{}
		if rules.FiltersLink(link) {
			return
		}
		out = append(out, link)
	})
	return out
}
