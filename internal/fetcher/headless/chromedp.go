// Package headless renders JavaScript-heavy pages through a pool of
// headless Chrome tabs.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/knowledge-ingest/internal/crawler"
	"github.com/JakeFAU/knowledge-ingest/internal/fetcher/extract"
)

// Config controls the headless fetcher.
type Config struct {
	Enabled           bool          `mapstructure:"enabled"`
	PoolSize          int           `mapstructure:"pool_size"`
	UserAgent         string        `mapstructure:"user_agent"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	SettleDelay       time.Duration `mapstructure:"settle_delay"`
	ExecPath          string        `mapstructure:"exec_path"`
}

// Fetcher implements crawler.Fetcher by rendering pages in pooled tabs.
type Fetcher struct {
	cfg           Config
	pool          *Pool
	allocCancel   context.CancelFunc
	browserCancel context.CancelFunc
	logger        *zap.Logger
}

// NewChromedp starts a browser allocator. The browser itself launches on
// the first checkout.
func NewChromedp(cfg Config, logger *zap.Logger) (*Fetcher, error) {
	if cfg.PoolSize < 0 {
		return nil, fmt.Errorf("pool size must be >= 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = 2
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 500 * time.Millisecond
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	f := &Fetcher{
		cfg:           cfg,
		allocCancel:   allocCancel,
		browserCancel: browserCancel,
		logger:        logger.Named("headless"),
	}
	f.pool = newPool(cfg.PoolSize, func() (context.Context, context.CancelFunc) {
		return chromedp.NewContext(browserCtx)
	})
	return f, nil
}

// Close closes every tab and the browser.
func (f *Fetcher) Close() {
	f.pool.Close()
	f.browserCancel()
	f.allocCancel()
}

// Fetch renders the page in a pooled tab and extracts markdown and links
// from the final DOM.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResult, error) {
	tab, err := f.pool.Checkout(ctx)
	if err != nil {
		return crawler.FetchResult{}, err
	}

	navCtx, cancel := context.WithTimeout(tab.Context(), f.cfg.NavigationTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	meta := newResponseMeta()
	chromedp.ListenTarget(navCtx, meta.captureEvent)

	start := time.Now()
	html, finalURL, err := f.render(navCtx, request)
	if err != nil {
		f.pool.Discard(tab)
		return crawler.FetchResult{}, err
	}
	f.pool.Return(tab)

	status, headers, responseURL := meta.snapshotWithFallbacks(request.URL, finalURL)
	page, err := extract.HTML(responseURL, []byte(html), request.Exclusions)
	if err != nil {
		return crawler.FetchResult{}, fmt.Errorf("extract rendered page: %w", err)
	}
	f.logger.Debug("page rendered",
		zap.String("url", responseURL),
		zap.Int("links", len(page.Links)),
	)
	return crawler.FetchResult{
		URL:          responseURL,
		StatusCode:   status,
		Headers:      headers,
		Body:         []byte(html),
		Title:        page.Title,
		Markdown:     page.Markdown,
		Links:        page.Links,
		Duration:     time.Since(start),
		UsedHeadless: true,
	}, nil
}

func (f *Fetcher) render(ctx context.Context, request crawler.FetchRequest) (string, string, error) {
	headers := request.Headers.Clone()
	if request.ParentURL != "" {
		if headers == nil {
			headers = http.Header{}
		}
		headers.Set("Referer", request.ParentURL)
	}
	var html, finalURL string
	err := chromedp.Run(ctx,
		f.networkSetup(headers),
		chromedp.Navigate(request.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(f.cfg.SettleDelay),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return "", "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, finalURL, nil
}

func (f *Fetcher) networkSetup(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		// Always set, so headers from a previous checkout do not leak.
		if err := network.SetExtraHTTPHeaders(toNetworkHeaders(headers)).Do(ctx); err != nil {
			return fmt.Errorf("set extra headers: %w", err)
		}
		return nil
	})
}

// responseMeta records the main document response seen during navigation.
type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{headers: http.Header{}}
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []any:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// Keep the first document response; later ones are iframes.
	if m.status != 0 {
		return
	}
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	m.mu.RLock()
	status, headers, url := m.status, m.headers.Clone(), m.url
	m.mu.RUnlock()

	switch {
	case finalURL != "":
		url = finalURL
	case url == "":
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, url
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		switch len(values) {
		case 0:
		case 1:
			headers[key] = values[0]
		default:
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
