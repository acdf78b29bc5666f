// Package browser implements the top fetch tier: full page rendering in
// headless Chrome via chromedp.
package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/pagesift/pagesift/internal/detect"
	"github.com/pagesift/pagesift/internal/fetch"
	"github.com/pagesift/pagesift/internal/fetch/identity"
	"github.com/pagesift/pagesift/internal/scrape"
)

// Config controls the behavior of the browser tier.
type Config struct {
	MaxParallel       int
	NavigationTimeout time.Duration
	SettleDelay       time.Duration
	GracePeriod       time.Duration
}

// Strategy implements scrape.Strategy with a pooled headless browser.
// MaxParallel bounds concurrent tabs; every fetch gets a hard ceiling of
// navigation timeout plus grace so a wedged renderer cannot hold a slot
// forever.
type Strategy struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
	rotator     *identity.Rotator
	idLimiter   *identity.Limiter
	detector    *detect.Detector
	logger      *zap.Logger
}

// challengeProbe detects protection interstitials in the rendered DOM so the
// fetch can wait for them to clear instead of capturing the challenge page.
const challengeProbe = `(function() {
	const sels = ["#cf-wrapper", "#challenge-form", "div[class*='cf-challenge']", "iframe[src*='challenges.cloudflare.com']"];
	return sels.some(s => document.querySelector(s) !== null);
})()`

// New creates the browser tier strategy.
func New(cfg Config, rotator *identity.Rotator, limiter *identity.Limiter, detector *detect.Detector, logger *zap.Logger) (*Strategy, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 60 * time.Second
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 500 * time.Millisecond
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var slots chan struct{}
	if cfg.MaxParallel > 0 {
		slots = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Strategy{
		cfg:         cfg,
		limiter:     slots,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		rotator:     rotator,
		idLimiter:   limiter,
		detector:    detector,
		logger:      logger,
	}, nil
}

// Close cancels the allocator context, tearing down the browser.
func (s *Strategy) Close() {
	s.allocCancel()
}

// Tier implements scrape.Strategy.
func (s *Strategy) Tier() scrape.Tier { return scrape.TierBrowserAutomation }

// Fetch navigates with a headless browser and returns the rendered DOM.
func (s *Strategy) Fetch(ctx context.Context, req scrape.Request) (scrape.Page, error) {
	if s.idLimiter != nil {
		if err := s.idLimiter.Wait(ctx, req.URL); err != nil {
			return scrape.Page{}, &scrape.TransientError{Tier: s.Tier(), Reason: "rate limit wait", Err: err}
		}
	}
	if err := s.acquire(ctx); err != nil {
		return scrape.Page{}, err
	}
	defer s.release()

	taskCtx, taskCancel := chromedp.NewContext(s.allocator)
	defer taskCancel()

	// Hard ceiling: the slot is freed even if the renderer wedges.
	taskCtx, cancel := context.WithTimeout(taskCtx, s.cfg.NavigationTimeout+s.cfg.GracePeriod)
	defer cancel()

	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	start := time.Now()
	html, finalURL, err := s.render(taskCtx, req)
	if err != nil {
		return scrape.Page{}, s.classifyRenderError(err)
	}

	status, responseURL := meta.snapshotWithFallbacks(req.URL, finalURL)
	if cerr := fetch.ClassifyStatus(s.Tier(), status); cerr != nil {
		return scrape.Page{}, cerr
	}
	body := []byte(html)
	if cerr := fetch.InspectBody(s.Tier(), s.detector, body); cerr != nil {
		return scrape.Page{}, cerr
	}

	return scrape.Page{
		URL:        req.URL,
		FinalURL:   responseURL,
		StatusCode: status,
		Body:       body,
		Tier:       s.Tier(),
		Latency:    time.Since(start),
	}, nil
}

func (s *Strategy) render(ctx context.Context, req scrape.Request) (string, string, error) {
	var (
		html     string
		finalURL string
	)
	actions := []chromedp.Action{
		s.networkSetupAction(),
		chromedp.Navigate(req.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(s.cfg.SettleDelay),
		s.settleChallengeAction(req.URL),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, finalURL, nil
}

func (s *Strategy) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if s.rotator != nil {
			if err := emulation.SetUserAgentOverride(s.rotator.UserAgent()).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

// settleChallengeAction polls for protection interstitials and waits for
// them to clear before the DOM is captured.
func (s *Strategy) settleChallengeAction(url string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		const (
			pollInterval = time.Second
			maxPolls     = 15
		)
		for i := 0; i < maxPolls; i++ {
			var challenged bool
			if err := chromedp.Evaluate(challengeProbe, &challenged).Do(ctx); err != nil {
				return nil // probe failures never fail the fetch
			}
			if !challenged {
				if i > 0 {
					s.logger.Info("challenge cleared", zap.String("url", url), zap.Int("polls", i))
				}
				return nil
			}
			if i == 0 {
				s.logger.Info("challenge detected, waiting", zap.String("url", url))
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pollInterval):
			}
		}
		return nil
	})
}

func (s *Strategy) classifyRenderError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "context deadline exceeded"):
		return &scrape.TransientError{Tier: s.Tier(), Reason: "navigation timeout", Err: err}
	case strings.Contains(msg, "net::ERR_NAME_NOT_RESOLVED"),
		strings.Contains(msg, "net::ERR_ABORTED"):
		return &scrape.TerminalError{Reason: "navigation failed", Err: err}
	default:
		return &scrape.TransientError{Tier: s.Tier(), Reason: "render failed", Err: err}
	}
}

func (s *Strategy) acquire(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	select {
	case s.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return &scrape.TransientError{Tier: s.Tier(), Reason: "browser slot wait canceled", Err: ctx.Err()}
	}
}

func (s *Strategy) release() {
	if s.limiter == nil {
		return
	}
	select {
	case <-s.limiter:
	default:
	}
}

type responseMeta struct {
	mu     sync.Mutex
	status int
	url    string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	m.mu.Lock()
	m.status = int(resp.Response.Status)
	m.url = resp.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	url := m.url
	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}
	status := m.status
	if status == 0 {
		status = 200
	}
	return status, url
}
