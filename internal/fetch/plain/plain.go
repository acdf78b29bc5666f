// Package plain implements the cheapest fetch tier: a single synchronous
// HTTP GET through a Colly collector.
package plain

import (
	"context"
	"errors"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/pagesift/pagesift/internal/detect"
	"github.com/pagesift/pagesift/internal/fetch"
	"github.com/pagesift/pagesift/internal/fetch/identity"
	"github.com/pagesift/pagesift/internal/robots"
	"github.com/pagesift/pagesift/internal/scrape"
)

// Config controls collector behavior.
type Config struct {
	Timeout time.Duration
}

// Strategy implements scrape.Strategy at the plain-request tier.
type Strategy struct {
	cfg           Config
	rotator       *identity.Rotator
	limiter       *identity.Limiter
	policy        robots.Policy
	detector      *detect.Detector
	baseCollector *colly.Collector
	logger        *zap.Logger
}

// New builds the plain tier strategy.
func New(cfg Config, rotator *identity.Rotator, limiter *identity.Limiter, policy robots.Policy, detector *detect.Detector, logger *zap.Logger) *Strategy {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true // enforced by the policy layer, not Colly
	c.WithTransport(fetch.NewTransport())

	return &Strategy{
		cfg:           cfg,
		rotator:       rotator,
		limiter:       limiter,
		policy:        policy,
		detector:      detector,
		baseCollector: c,
		logger:        logger,
	}
}

// Tier implements scrape.Strategy.
func (s *Strategy) Tier() scrape.Tier { return scrape.TierPlainRequest }

// Fetch executes a single HTTP GET using Colly.
func (s *Strategy) Fetch(ctx context.Context, req scrape.Request) (scrape.Page, error) {
	if scrape.IsLikelyDownload(req.URL) {
		return scrape.Page{}, &scrape.TerminalError{Reason: "download url"}
	}
	if s.policy != nil && !s.policy.Allowed(ctx, req.URL) {
		return scrape.Page{}, &scrape.TerminalError{Reason: "robots disallowed"}
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx, req.URL); err != nil {
			return scrape.Page{}, &scrape.TransientError{Tier: s.Tier(), Reason: "rate limit wait", Err: err}
		}
	}

	var (
		page     scrape.Page
		fetchErr error
	)
	start := time.Now()
	collector := s.buildCollector(start, &page, &fetchErr)

	if err := s.runCollector(ctx, collector, req.URL); err != nil {
		if fetchErr == nil {
			fetchErr = err
		}
	}
	if fetchErr != nil {
		if fetch.IsClassified(fetchErr) {
			return scrape.Page{}, fetchErr
		}
		if page.StatusCode != 0 {
			if serr := fetch.ClassifyStatus(s.Tier(), page.StatusCode); serr != nil {
				return scrape.Page{}, serr
			}
		}
		return scrape.Page{}, fetch.ClassifyTransport(s.Tier(), fetchErr)
	}

	if err := fetch.ClassifyStatus(s.Tier(), page.StatusCode); err != nil {
		return scrape.Page{}, err
	}
	if err := fetch.InspectBody(s.Tier(), s.detector, page.Body); err != nil {
		return scrape.Page{}, err
	}

	page.URL = req.URL
	page.Tier = s.Tier()
	page.Latency = time.Since(start)
	return page, nil
}

func (s *Strategy) buildCollector(start time.Time, page *scrape.Page, fetchErr *error) *colly.Collector {
	collector := s.baseCollector.Clone()
	collector.IgnoreRobotsTxt = true
	collector.SetRequestTimeout(s.cfg.Timeout)
	if s.rotator != nil {
		collector.UserAgent = s.rotator.UserAgent()
	}

	collector.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "text/html,application/xhtml+xml")
		r.Headers.Set("Accept-Language", "en-US,en;q=0.9")
	})

	collector.OnResponse(func(r *colly.Response) {
		*page = scrape.Page{
			FinalURL:   r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
			Latency:    time.Since(start),
		}
		if err := fetch.CheckContentType(r.Headers.Get("Content-Type")); err != nil {
			*fetchErr = err
		}
	})

	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			page.StatusCode = r.StatusCode
		}
		if *fetchErr == nil {
			*fetchErr = err
		}
	})

	return collector
}

func (s *Strategy) runCollector(ctx context.Context, collector *colly.Collector, url string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return &scrape.TransientError{Tier: s.Tier(), Reason: "fetch canceled", Err: ctx.Err()}
	case err := <-done:
		if err != nil {
			if s.isVisitRejection(err) {
				return &scrape.TerminalError{Reason: "url rejected", Err: err}
			}
			return err
		}
		return nil
	}
}

// isVisitRejection distinguishes Colly refusing the URL outright from a
// request that went out and failed.
func (s *Strategy) isVisitRejection(err error) bool {
	switch {
	case errors.Is(err, colly.ErrMissingURL),
		errors.Is(err, colly.ErrForbiddenURL),
		errors.Is(err, colly.ErrForbiddenDomain),
		errors.Is(err, colly.ErrNoURLFiltersMatch):
		return true
	}
	return false
}
