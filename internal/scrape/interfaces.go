package scrape

import (
	"context"
	"strconv"
)

// Strategy fetches a URL at one capability tier. Implementations are
// side-effect free beyond network I/O, honor the rate limiter before
// issuing a request, and apply the identity rotator's current client
// identity. Failures are reported through the typed error taxonomy.
type Strategy interface {
	Tier() Tier
	Fetch(ctx context.Context, req Request) (Page, error)
}

// Gate is consulted at tier boundaries. Checkpoint returns
// ErrResourcePressure when escalation into a more expensive tier must not
// proceed; a nil Gate allows everything.
type Gate interface {
	Checkpoint(ctx context.Context, next Tier) error
}

// Sink receives normalized documents and discovered links. Submit may be
// retried by the implementation for retryable transport errors; a terminal
// rejection is surfaced as SinkRejectionError.
type Sink interface {
	Submit(ctx context.Context, doc *Document) error
	SubmitLinks(ctx context.Context, sourceURL string, links []Link) error
}

// Source hands out URLs to workers. Next blocks until a URL is available,
// the source is exhausted, or the context ends.
type Source interface {
	Next(ctx context.Context) (string, error)
}

// SinkRejectionError marks a document the sink refused permanently.
// It is logged, never retried.
type SinkRejectionError struct {
	Status int
	Body   string
}

func (e *SinkRejectionError) Error() string {
	return "sink rejected document: status " + strconv.Itoa(e.Status)
}
