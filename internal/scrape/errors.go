package scrape

import (
	"errors"
	"fmt"
	"strings"
)

// ErrResourcePressure signals that the host is under Critical pressure.
// It is a scheduling signal, not a per-URL failure.
var ErrResourcePressure = errors.New("resource pressure")

// TransientError marks a retryable failure on the tier that produced it:
// timeouts, connection resets, 429/503-class responses. The engine retries
// the same tier before escalating.
type TransientError struct {
	Tier   Tier
	Reason string
	Err    error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: transient: %s: %v", e.Tier, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: transient: %s", e.Tier, e.Reason)
}

func (e *TransientError) Unwrap() error { return e.Err }

// ContentShapeError marks a fetch that returned a response whose content
// indicates the page needs more capability than the tier provides: empty
// body, JS-required markers, anti-bot challenge pages. The engine escalates
// immediately, skipping the remaining retry budget.
type ContentShapeError struct {
	Tier   Tier
	Reason string
}

func (e *ContentShapeError) Error() string {
	return fmt.Sprintf("%s: content shape: %s", e.Tier, e.Reason)
}

// TerminalError abandons the URL outright: malformed URL, robots-disallowed,
// blocklisted domain, download-only target. No further tiers are tried.
type TerminalError struct {
	Reason string
	Err    error
}

func (e *TerminalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("terminal: %s: %v", e.Reason, e.Err)
	}
	return "terminal: " + e.Reason
}

func (e *TerminalError) Unwrap() error { return e.Err }

// EscalationError is returned when the final tier also failed. It carries
// the highest tier attempted and every accumulated failure reason for
// diagnostics. PressureDeferred marks that the ladder stopped because the
// gate refused the next tier under resource pressure, not because the page
// is unfetchable; callers may put the URL back instead of failing it.
type EscalationError struct {
	URL              string
	HighestTier      Tier
	Reasons          []string
	PressureDeferred bool
}

func (e *EscalationError) Error() string {
	return fmt.Sprintf("all tiers failed for %s (highest %s): %s",
		e.URL, e.HighestTier, strings.Join(e.Reasons, "; "))
}

// DiscardError is the pipeline's only failure mode: the document is dropped
// with a reason, never aborting the worker. Links extracted before the
// discard are carried along so discovery survives the drop.
type DiscardError struct {
	Reason string
	Links  []Link
}

func (e *DiscardError) Error() string { return "discarded: " + e.Reason }

// Discard reasons reported in the session summary.
const (
	DiscardTooShort  = "too_short"
	DiscardDuplicate = "duplicate"
	DiscardParse     = "parse_error"
	DiscardEmpty     = "empty"
)
