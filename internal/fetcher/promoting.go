// Package fetcher composes the plain and headless fetchers.
package fetcher

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/knowledge-ingest/internal/crawler"
)

// Promoting fetches with probe first and re-fetches through headless when
// the detector flags the probe as an unrendered shell. A failed headless
// fetch falls back to the probe result unless ctx itself has ended.
type Promoting struct {
	probe     crawler.Fetcher
	headless  crawler.Fetcher
	detector  crawler.HeadlessDetector
	onPromote func(promoted bool)
	logger    *zap.Logger
}

// NewPromoting wires the fetchers. headless and detector may be nil, which
// disables promotion.
func NewPromoting(
	probe crawler.Fetcher,
	headless crawler.Fetcher,
	detector crawler.HeadlessDetector,
	logger *zap.Logger,
) *Promoting {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Promoting{
		probe:    probe,
		headless: headless,
		detector: detector,
		logger:   logger.Named("fetcher"),
	}
}

// OnPromote registers a callback run after every promotion attempt with
// whether the headless fetch succeeded.
func (p *Promoting) OnPromote(fn func(promoted bool)) {
	p.onPromote = fn
}

// Fetch implements crawler.Fetcher.
func (p *Promoting) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResult, error) {
	res, err := p.probe.Fetch(ctx, request)
	if err != nil {
		return crawler.FetchResult{}, err
	}
	if request.UseHeadless || p.headless == nil || p.detector == nil || !p.detector.ShouldPromote(res) {
		return res, nil
	}

	request.UseHeadless = true
	rendered, err := p.headless.Fetch(ctx, request)
	if err != nil && ctx.Err() != nil {
		p.promoted(false)
		return crawler.FetchResult{}, err
	}
	if err != nil {
		p.logger.Warn("headless promotion failed",
			zap.String("task_id", request.TaskID),
			zap.String("url", request.URL),
			zap.Error(err),
		)
		p.promoted(false)
		return res, nil
	}
	rendered.UsedHeadless = true
	p.logger.Debug("headless promotion applied", zap.String("url", request.URL))
	p.promoted(true)
	return rendered, nil
}

func (p *Promoting) promoted(ok bool) {
	if p.onPromote != nil {
		p.onPromote(ok)
	}
}
