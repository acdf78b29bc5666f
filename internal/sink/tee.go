package sink

import (
	"context"

	"go.uber.org/zap"

	"github.com/pagesift/pagesift/internal/scrape"
)

// Tee fans every submission out to a secondary sink. The primary's result
// decides the outcome; secondary failures are logged and swallowed so an
// archive outage never stalls the session.
type Tee struct {
	primary   scrape.Sink
	secondary scrape.Sink
	logger    *zap.Logger
}

// NewTee wraps primary with a best-effort secondary.
func NewTee(primary, secondary scrape.Sink, logger *zap.Logger) *Tee {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tee{primary: primary, secondary: secondary, logger: logger}
}

// Submit implements scrape.Sink.
func (t *Tee) Submit(ctx context.Context, doc *scrape.Document) error {
	if err := t.secondary.Submit(ctx, doc); err != nil {
		t.logger.Warn("secondary sink submit failed",
			zap.String("url", doc.SourceURL), zap.Error(err))
	}
	return t.primary.Submit(ctx, doc)
}

// SubmitLinks implements scrape.Sink.
func (t *Tee) SubmitLinks(ctx context.Context, sourceURL string, links []scrape.Link) error {
	if err := t.secondary.SubmitLinks(ctx, sourceURL, links); err != nil {
		t.logger.Warn("secondary sink links failed",
			zap.String("url", sourceURL), zap.Error(err))
	}
	return t.primary.SubmitLinks(ctx, sourceURL, links)
}
