// Package scrape defines core types shared across subsystems.
package scrape

import (
	"time"
)

// Tier identifies one rung of the fetch escalation ladder, ordered by
// capability and cost.
type Tier int

// Ladder order. PlainRequest is always tried first unless a hint says
// otherwise; BrowserAutomation is the ceiling.
const (
	TierPlainRequest Tier = iota
	TierAsyncHTTP
	TierBrowserAutomation
)

func (t Tier) String() string {
	switch t {
	case TierPlainRequest:
		return "plain_request"
	case TierAsyncHTTP:
		return "async_http"
	case TierBrowserAutomation:
		return "browser_automation"
	default:
		return "unknown"
	}
}

// Request captures everything needed to resolve one URL. Immutable once
// issued to a tier attempt.
type Request struct {
	URL      string
	TierHint Tier
	Deadline time.Time
}

// Page is the raw outcome of a successful tier fetch.
type Page struct {
	URL        string
	FinalURL   string
	StatusCode int
	Body       []byte
	Tier       Tier
	Latency    time.Duration
}

// LinkType classifies a discovered hyperlink relative to its source page.
type LinkType string

// Link classifications.
const (
	LinkInternal LinkType = "internal"
	LinkExternal LinkType = "external"
	LinkAsset    LinkType = "asset"
)

// Link is one normalized hyperlink discovered in a page.
type Link struct {
	URL        string   `json:"url"`
	AnchorText string   `json:"anchor_text,omitempty"`
	Type       LinkType `json:"type"`
}

// Document is the normalized output of the content pipeline. Ownership
// transfers to the sink on emit; never mutated after creation.
type Document struct {
	SourceURL   string        `json:"source_url"`
	Title       string        `json:"title"`
	Markdown    string        `json:"markdown"`
	Links       []Link        `json:"links"`
	ContentHash string        `json:"content_hash"`
	Tier        Tier          `json:"-"`
	TierName    string        `json:"tier"`
	FetchedAt   time.Time     `json:"fetched_at"`
	FetchTime   time.Duration `json:"-"`
}

// WorkerState is a read-only snapshot of what a worker is doing, exposed
// for monitoring and the status endpoint.
type WorkerState struct {
	ID         string    `json:"id"`
	CurrentURL string    `json:"current_url,omitempty"`
	Tier       string    `json:"tier,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	Crashed    bool      `json:"crashed,omitempty"`
}

// Summary enumerates per-outcome counts for one session.
type Summary struct {
	Session           string         `json:"session"`
	Started           time.Time      `json:"started_at"`
	Finished          time.Time      `json:"finished_at,omitempty"`
	SucceededByTier   map[string]int `json:"succeeded_by_tier"`
	DiscardedByReason map[string]int `json:"discarded_by_reason"`
	FailedByReason    map[string]int `json:"failed_by_reason"`
	Retries           int            `json:"retries"`
	WorkerCrashes     int            `json:"worker_crashes"`
}

// NewSummary returns a Summary with initialized maps.
func NewSummary(session string, started time.Time) *Summary {
	return &Summary{
		Session:           session,
		Started:           started,
		SucceededByTier:   make(map[string]int),
		DiscardedByReason: make(map[string]int),
		FailedByReason:    make(map[string]int),
	}
}
