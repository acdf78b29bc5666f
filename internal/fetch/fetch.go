// Package fetch holds helpers shared by the tier strategies.
package fetch

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/pagesift/pagesift/internal/detect"
	"github.com/pagesift/pagesift/internal/scrape"
)

// ClassifyStatus maps an HTTP status to the error taxonomy for the given
// tier. A nil return means the status is acceptable for content inspection.
func ClassifyStatus(tier scrape.Tier, status int) error {
	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusTooManyRequests,
		status == http.StatusRequestTimeout,
		status >= 500:
		return &scrape.TransientError{
			Tier:   tier,
			Reason: fmt.Sprintf("http %d", status),
		}
	case status == http.StatusForbidden:
		// Bot defenses answer 403 to plain clients; a browser may pass.
		return &scrape.ContentShapeError{
			Tier:   tier,
			Reason: "http 403 likely bot block",
		}
	default:
		return &scrape.TerminalError{
			Reason: fmt.Sprintf("http %d", status),
		}
	}
}

// ClassifyTransport maps a transport-level error to the taxonomy. Network
// failures are transient; anything unrecognized passes through wrapped.
func ClassifyTransport(tier scrape.Tier, err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &scrape.TransientError{Tier: tier, Reason: "timeout", Err: err}
	}
	msg := err.Error()
	for _, marker := range []string{
		"connection reset", "connection refused", "broken pipe",
		"EOF", "no such host", "handshake timeout",
	} {
		if strings.Contains(msg, marker) {
			return &scrape.TransientError{Tier: tier, Reason: marker, Err: err}
		}
	}
	return &scrape.TransientError{Tier: tier, Reason: "transport error", Err: err}
}

// InspectBody runs the shape detector over a 200 response and converts a
// positive verdict into a ContentShapeError.
func InspectBody(tier scrape.Tier, d *detect.Detector, body []byte) error {
	if d == nil {
		return nil
	}
	if v := d.Inspect(body); v.NeedsMore {
		return &scrape.ContentShapeError{Tier: tier, Reason: v.Reason}
	}
	return nil
}

// CheckContentType rejects non-HTML payloads before they reach the pipeline.
func CheckContentType(contentType string) error {
	if contentType == "" {
		return nil
	}
	ct := strings.ToLower(contentType)
	if strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml") {
		return nil
	}
	return &scrape.TerminalError{Reason: "unsupported content type " + contentType}
}

// IsClassified reports whether err already belongs to the error taxonomy.
func IsClassified(err error) bool {
	var (
		transient *scrape.TransientError
		shape     *scrape.ContentShapeError
		terminal  *scrape.TerminalError
	)
	return errors.As(err, &transient) || errors.As(err, &shape) || errors.As(err, &terminal)
}

// NewTransport builds the pooled HTTP transport shared by the HTTP tiers.
func NewTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
	}
}
