// Package detect decides whether a fetched body needs a more capable tier.
package detect

import (
	"bytes"
	"strings"
)

// Detector applies rule-based checks to a fetched body: minimum useful
// length, anti-bot and JS-required phrases, SPA shell markers, and script
// density. A positive verdict means the tier that produced the body cannot
// render this page.
type Detector struct {
	MinBodyBytes        int
	ScriptDensityPct    int
	BodyLengthThreshold int
}

// New creates a detector. Zero fields take the stock thresholds.
func New(minBodyBytes, scriptDensityPct, bodyLengthThreshold int) *Detector {
	if minBodyBytes <= 0 {
		minBodyBytes = 100
	}
	if scriptDensityPct <= 0 {
		scriptDensityPct = 25
	}
	if bodyLengthThreshold <= 0 {
		bodyLengthThreshold = 2048
	}
	return &Detector{
		MinBodyBytes:        minBodyBytes,
		ScriptDensityPct:    scriptDensityPct,
		BodyLengthThreshold: bodyLengthThreshold,
	}
}

// jsRequiredPhrases are lowercase substrings whose presence in a small body
// signals a protection interstitial or a page that only renders with
// JavaScript enabled.
var jsRequiredPhrases = []string{
	// protection systems
	"captcha",
	"cloudflare",
	"security check",
	"ddos protection",
	"bot protection",
	"human verification",
	"robot verification",
	"browser verification",
	"checking your browser",

	// explicit JS requirements
	"please enable javascript",
	"javascript is required",
	"javascript is disabled",
	"enable javascript",

	// loading shells
	"loading content",
	"loading page",
	"fetching data",
	"loading data",
	"retrieving content",

	// access issues
	"access denied",
	"403 forbidden",
	"401 unauthorized",
}

// spaMarkers identify client-rendered application shells whose HTML carries
// no content until scripts run.
var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
	[]byte("data-react-app"),
	[]byte("data-vue-app"),
	[]byte("ng-app"),
	[]byte("ember-app"),
}

// Verdict explains why a body was flagged. Empty reason means the body looks
// renderable at the current tier.
type Verdict struct {
	NeedsMore bool
	Reason    string
}

// Inspect examines a fetched body and reports whether it needs escalation.
func (d *Detector) Inspect(body []byte) Verdict {
	if len(body) == 0 {
		return Verdict{NeedsMore: true, Reason: "empty body"}
	}
	if len(body) < d.MinBodyBytes {
		return Verdict{NeedsMore: true, Reason: "body below minimum size"}
	}

	// Phrase checks only matter on small pages; a full article mentioning
	// "captcha" in prose is not a challenge page.
	if len(body) < d.BodyLengthThreshold {
		lower := strings.ToLower(string(body))
		for _, phrase := range jsRequiredPhrases {
			if strings.Contains(lower, phrase) {
				return Verdict{NeedsMore: true, Reason: "js-required marker: " + phrase}
			}
		}
		if d.scriptDensityHigh(body) {
			return Verdict{NeedsMore: true, Reason: "script-dominated body"}
		}
	}

	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) && d.visibleTextSparse(body) {
			return Verdict{NeedsMore: true, Reason: "spa shell: " + string(marker)}
		}
	}

	return Verdict{}
}

// visibleTextSparse approximates "the shell has no real content" by checking
// whether anything substantial remains once script and style blocks are
// excluded.
func (d *Detector) visibleTextSparse(body []byte) bool {
	stripped := len(body) - taggedCoverage(body, "script") - taggedCoverage(body, "style")
	return stripped < d.BodyLengthThreshold
}

func (d *Detector) scriptDensityHigh(body []byte) bool {
	total := len(body)
	if total == 0 {
		return false
	}
	coverage := taggedCoverage(body, "script")
	if coverage == 0 {
		return false
	}
	return coverage*100/total >= d.ScriptDensityPct
}

// taggedCoverage counts the bytes spanned by <tag ...>...</tag> blocks,
// treating unterminated blocks as running to the end of the document.
func taggedCoverage(body []byte, tag string) int {
	lower := strings.ToLower(string(body))
	total := len(lower)
	openTag := "<" + tag
	closeTag := "</" + tag + ">"

	coverage := 0
	searchPos := 0
	for {
		relStart := strings.Index(lower[searchPos:], openTag)
		if relStart == -1 {
			break
		}
		start := searchPos + relStart

		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			coverage += total - start
			break
		}
		contentStart := start + tagClose + 1

		relEnd := strings.Index(lower[contentStart:], closeTag)
		var next int
		if relEnd == -1 {
			next = total
		} else {
			next = contentStart + relEnd + len(closeTag)
		}
		coverage += next - start
		searchPos = next
	}
	return coverage
}
