// Package pipeline turns raw fetched HTML into normalized markdown
// documents: structural cleaning, main-content extraction, markdown
// conversion, link extraction, and content-hash deduplication.
package pipeline

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/pagesift/pagesift/internal/scrape"
)

// Config tunes the pipeline thresholds.
type Config struct {
	// MinTextLen is the minimum visible text length a content region must
	// clear; shorter pages are discarded as too_short.
	MinTextLen int
}

// Pipeline processes pages. Every transformation is pure; the only shared
// state is the dedup index, which is internally synchronized.
type Pipeline struct {
	cfg    Config
	dedup  *scrape.DedupIndex
	logger *zap.Logger
}

// New builds a Pipeline over a session dedup index.
func New(cfg Config, dedup *scrape.DedupIndex, logger *zap.Logger) *Pipeline {
	if cfg.MinTextLen <= 0 {
		cfg.MinTextLen = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{cfg: cfg, dedup: dedup, logger: logger}
}

// Process converts a fetched page into a Document. Every failure is a
// *scrape.DiscardError; the pipeline never returns a fatal condition.
func (p *Pipeline) Process(page scrape.Page) (*scrape.Document, error) {
	if len(page.Body) == 0 {
		return nil, &scrape.DiscardError{Reason: scrape.DiscardEmpty}
	}

	sourceURL := page.FinalURL
	if sourceURL == "" {
		sourceURL = page.URL
	}
	base, err := url.Parse(sourceURL)
	if err != nil {
		return nil, &scrape.DiscardError{Reason: scrape.DiscardParse}
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return nil, &scrape.DiscardError{Reason: scrape.DiscardParse}
	}

	// Links come from the pre-cleaning DOM; cleaning strips navigation.
	links := extractLinks(doc, base)
	title := extractTitle(doc)

	clean(doc)

	main := extractMain(doc, p.cfg.MinTextLen)
	if main == nil {
		return nil, &scrape.DiscardError{Reason: scrape.DiscardTooShort, Links: links}
	}

	markdown := renderMarkdown(main)
	if len(markdown) < p.cfg.MinTextLen {
		return nil, &scrape.DiscardError{Reason: scrape.DiscardTooShort, Links: links}
	}

	hash := contentHash(markdown)
	if p.dedup != nil {
		if first, inserted := p.dedup.InsertHash(hash, page.URL); !inserted {
			p.logger.Debug("duplicate content",
				zap.String("url", page.URL),
				zap.String("first_seen", first))
			return nil, &scrape.DiscardError{Reason: scrape.DiscardDuplicate, Links: links}
		}
	}

	return &scrape.Document{
		SourceURL:   page.URL,
		Title:       title,
		Markdown:    markdown,
		Links:       links,
		ContentHash: hash,
		Tier:        page.Tier,
		TierName:    page.Tier.String(),
		FetchedAt:   time.Now().UTC(),
		FetchTime:   page.Latency,
	}, nil
}

// CrawlableLinks filters a document's links to internal page URLs worth
// enqueueing.
func CrawlableLinks(doc *scrape.Document) []string {
	if doc == nil {
		return nil
	}
	return crawlableLinks(doc.Links)
}

// CrawlableLinkURLs is CrawlableLinks over a bare link set, for callers that
// only have the links of a discarded page.
func CrawlableLinkURLs(links []scrape.Link) []string {
	return crawlableLinks(links)
}

// contentHash is the sha256 hex digest of the final markdown body, so two
// URLs serving byte-different HTML with identical visible content collapse.
func contentHash(markdown string) string {
	sum := sha256.Sum256([]byte(markdown))
	return hex.EncodeToString(sum[:])
}
