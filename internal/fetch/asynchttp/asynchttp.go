// Package asynchttp implements the middle fetch tier: a pooled net/http
// client with browser-shaped headers, for pages that refuse the bare
// collector but do not need JavaScript.
package asynchttp

import (
	"context"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/pagesift/pagesift/internal/detect"
	"github.com/pagesift/pagesift/internal/fetch"
	"github.com/pagesift/pagesift/internal/fetch/identity"
	"github.com/pagesift/pagesift/internal/scrape"
)

// maxBodyBytes caps how much of a response is read into memory.
const maxBodyBytes = 10 << 20

// Config controls client behavior.
type Config struct {
	Timeout time.Duration
}

// Strategy implements scrape.Strategy at the async-http tier.
type Strategy struct {
	client   *http.Client
	rotator  *identity.Rotator
	limiter  *identity.Limiter
	detector *detect.Detector
	logger   *zap.Logger
}

// New builds the async-http tier strategy.
func New(cfg Config, rotator *identity.Rotator, limiter *identity.Limiter, detector *detect.Detector, logger *zap.Logger) *Strategy {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Strategy{
		client: &http.Client{
			Transport: fetch.NewTransport(),
			Timeout:   cfg.Timeout,
		},
		rotator:  rotator,
		limiter:  limiter,
		detector: detector,
		logger:   logger,
	}
}

// Tier implements scrape.Strategy.
func (s *Strategy) Tier() scrape.Tier { return scrape.TierAsyncHTTP }

// Fetch issues one GET with full browser-shaped headers.
func (s *Strategy) Fetch(ctx context.Context, req scrape.Request) (scrape.Page, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx, req.URL); err != nil {
			return scrape.Page{}, &scrape.TransientError{Tier: s.Tier(), Reason: "rate limit wait", Err: err}
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return scrape.Page{}, &scrape.TerminalError{Reason: "malformed url", Err: err}
	}
	s.setHeaders(httpReq)

	start := time.Now()
	resp, err := s.client.Do(httpReq)
	if err != nil {
		return scrape.Page{}, fetch.ClassifyTransport(s.Tier(), err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			s.logger.Debug("failed to close response body", zap.Error(cerr))
		}
	}()

	if cerr := fetch.ClassifyStatus(s.Tier(), resp.StatusCode); cerr != nil {
		return scrape.Page{}, cerr
	}
	if cerr := fetch.CheckContentType(resp.Header.Get("Content-Type")); cerr != nil {
		return scrape.Page{}, cerr
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return scrape.Page{}, &scrape.TransientError{Tier: s.Tier(), Reason: "body read failed", Err: err}
	}
	if cerr := fetch.InspectBody(s.Tier(), s.detector, body); cerr != nil {
		return scrape.Page{}, cerr
	}

	return scrape.Page{
		URL:        req.URL,
		FinalURL:   resp.Request.URL.String(),
		StatusCode: resp.StatusCode,
		Body:       body,
		Tier:       s.Tier(),
		Latency:    time.Since(start),
	}, nil
}

// setHeaders sends the header set a real browser would, which clears many
// basic fingerprint checks that reject the plain tier.
func (s *Strategy) setHeaders(r *http.Request) {
	if s.rotator != nil {
		r.Header.Set("User-Agent", s.rotator.UserAgent())
	}
	r.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	r.Header.Set("Accept-Language", "en-US,en;q=0.9")
	r.Header.Set("Sec-Fetch-Dest", "document")
	r.Header.Set("Sec-Fetch-Mode", "navigate")
	r.Header.Set("Sec-Fetch-Site", "none")
	r.Header.Set("Upgrade-Insecure-Requests", "1")
}
