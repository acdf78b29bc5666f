// Package sink delivers normalized documents and discovered links to their
// destination.
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/pagesift/pagesift/internal/metrics"
	"github.com/pagesift/pagesift/internal/scrape"
)

// Config configures the HTTP sink client.
type Config struct {
	BaseURL     string
	Token       string
	UserID      string
	Session     string
	Timeout     time.Duration
	MaxAttempts int
}

// HTTPSink submits documents to the external collection API. Retryable
// responses (429, 5xx) and transport failures are retried with backoff;
// other 4xx responses reject the document permanently.
type HTTPSink struct {
	cfg    Config
	client *http.Client
	policy *scrape.RetryPolicy
	logger *zap.Logger
}

// NewHTTP builds an HTTPSink.
func NewHTTP(cfg Config, logger *zap.Logger) (*HTTPSink, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("sink base url required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPSink{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		policy: scrape.NewRetryPolicy(cfg.MaxAttempts, time.Second, 30*time.Second),
		logger: logger,
	}, nil
}

type documentPayload struct {
	Session  string           `json:"session"`
	Document *scrape.Document `json:"document"`
}

type linksPayload struct {
	Session   string   `json:"session"`
	SourceURL string   `json:"source_url"`
	Links     []string `json:"links"`
}

// Submit implements scrape.Sink.
func (s *HTTPSink) Submit(ctx context.Context, doc *scrape.Document) error {
	err := s.post(ctx, "/documents", documentPayload{
		Session:  s.cfg.Session,
		Document: doc,
	})
	switch {
	case err == nil:
		metrics.ObserveSinkSubmission("ack")
	case isRejection(err):
		metrics.ObserveSinkSubmission("rejected")
	default:
		metrics.ObserveSinkSubmission("retryable_error")
	}
	return err
}

// SubmitLinks implements scrape.Sink.
func (s *HTTPSink) SubmitLinks(ctx context.Context, sourceURL string, links []scrape.Link) error {
	if len(links) == 0 {
		return nil
	}
	urls := make([]string, 0, len(links))
	for _, l := range links {
		urls = append(urls, l.URL)
	}
	return s.post(ctx, "/links", linksPayload{
		Session:   s.cfg.Session,
		SourceURL: sourceURL,
		Links:     urls,
	})
}

// CheckConnection verifies the API is reachable before a session starts.
func (s *HTTPSink) CheckConnection(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.BaseURL+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	s.setHeaders(req)
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("sink unreachable: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("sink unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func (s *HTTPSink) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < s.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if serr := s.policy.Sleep(ctx, attempt-1); serr != nil {
				return serr
			}
		}

		req, rerr := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+path, bytes.NewReader(body))
		if rerr != nil {
			return fmt.Errorf("build request: %w", rerr)
		}
		s.setHeaders(req)

		resp, derr := s.client.Do(req)
		if derr != nil {
			lastErr = fmt.Errorf("sink post %s: %w", path, derr)
			s.logger.Warn("sink transport failure, retrying",
				zap.String("path", path), zap.Int("attempt", attempt+1), zap.Error(derr))
			continue
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			_ = resp.Body.Close()
			return nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			_ = resp.Body.Close()
			lastErr = fmt.Errorf("sink post %s: status %d", path, resp.StatusCode)
			s.logger.Warn("sink retryable status",
				zap.String("path", path), zap.Int("status", resp.StatusCode), zap.Int("attempt", attempt+1))
			continue
		default:
			detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			_ = resp.Body.Close()
			return &scrape.SinkRejectionError{
				Status: resp.StatusCode,
				Body:   string(detail),
			}
		}
	}
	return lastErr
}

func (s *HTTPSink) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	}
	if s.cfg.UserID != "" {
		req.Header.Set("User-Id", s.cfg.UserID)
	}
}

func isRejection(err error) bool {
	var rej *scrape.SinkRejectionError
	return errors.As(err, &rej)
}
