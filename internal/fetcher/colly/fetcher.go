// Package collyfetcher implements page fetching and file downloads on gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"mime"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/knowledge-ingest/internal/crawler"
	"github.com/JakeFAU/knowledge-ingest/internal/fetcher/extract"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string        `mapstructure:"user_agent"`
	RespectRobots bool          `mapstructure:"respect_robots"`
	Timeout       time.Duration `mapstructure:"timeout"`
	// MaxBodySize caps page bodies; downloads use MaxDownloadSize.
	MaxBodySize     int `mapstructure:"max_body_size"`
	MaxDownloadSize int `mapstructure:"max_download_size"`
}

// Fetcher implements crawler.Fetcher and ingest.Downloader with one shared
// transport. Each call runs on its own collector clone.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
	logger        *zap.Logger
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 70 * time.Second
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = 10 << 20
	}
	if cfg.MaxDownloadSize <= 0 {
		cfg.MaxDownloadSize = 100 << 20
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(newRobotsTransport(newHTTPTransport(), logger.Named("robots")))
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.SetRequestTimeout(cfg.Timeout)
	return &Fetcher{cfg: cfg, baseCollector: c, logger: logger.Named("colly")}
}

// response is what the hooks capture from one visit.
type response struct {
	url     string
	status  int
	headers http.Header
	body    []byte
}

// Fetch retrieves a page and extracts its markdown and links. The parent
// URL, when set, is sent as the Referer.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResult, error) {
	start := time.Now()
	headers := request.Headers.Clone()
	if request.ParentURL != "" {
		if headers == nil {
			headers = http.Header{}
		}
		headers.Set("Referer", request.ParentURL)
	}
	resp, err := f.visit(ctx, request.URL, headers, f.cfg.MaxBodySize)
	if err != nil {
		return crawler.FetchResult{}, err
	}

	result := crawler.FetchResult{
		URL:        resp.url,
		StatusCode: resp.status,
		Headers:    resp.headers,
		Body:       resp.body,
		Duration:   time.Since(start),
	}
	switch mediaType(resp.headers) {
	case "text/html", "application/xhtml+xml", "":
		page, err := extract.HTML(resp.url, resp.body, request.Exclusions)
		if err != nil {
			return crawler.FetchResult{}, fmt.Errorf("extract %s: %w", resp.url, err)
		}
		result.Title = page.Title
		result.Markdown = page.Markdown
		result.Links = page.Links
	case "text/plain", "text/markdown":
		result.Markdown = string(resp.body)
	default:
		f.logger.Debug("skipping non-text body",
			zap.String("url", resp.url),
			zap.String("content_type", resp.headers.Get("Content-Type")),
		)
	}
	return result, nil
}

// Download retrieves a file's bytes and content type.
func (f *Fetcher) Download(ctx context.Context, url string) ([]byte, string, error) {
	resp, err := f.visit(ctx, url, nil, f.cfg.MaxDownloadSize)
	if err != nil {
		return nil, "", err
	}
	return resp.body, resp.headers.Get("Content-Type"), nil
}

func (f *Fetcher) visit(ctx context.Context, url string, headers http.Header, maxBody int) (response, error) {
	var (
		resp     response
		fetchErr error
	)
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	collector.MaxBodySize = maxBody
	f.configureCollectorHooks(collector, headers, &resp, &fetchErr)

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()
	select {
	case <-ctx.Done():
		return response{}, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if fetchErr != nil {
			return response{}, fmt.Errorf("colly response failed: %w", fetchErr)
		}
		if err != nil {
			return response{}, fmt.Errorf("colly visit failed: %w", err)
		}
		if resp.status == 0 {
			return response{}, fmt.Errorf("colly visit %s: no response", url)
		}
		return resp, nil
	}
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	headers http.Header,
	resp *response,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		for key, values := range headers {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})
	hooks.OnResponse(func(r *colly.Response) {
		var h http.Header
		if r.Headers != nil {
			h = r.Headers.Clone()
		}
		*resp = response{
			url:     r.Request.URL.String(),
			status:  r.StatusCode,
			headers: h,
			body:    append([]byte(nil), r.Body...),
		}
	})
	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			*fetchErr = fmt.Errorf("status %d: %w", r.StatusCode, err)
			return
		}
		*fetchErr = err
	})
}

func mediaType(headers http.Header) string {
	ct := headers.Get("Content-Type")
	if ct == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(strings.SplitN(ct, ";", 2)[0]))
	}
	return mt
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
