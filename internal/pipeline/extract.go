package pipeline

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// contentSelectors are tried in rank order; the first match with enough text
// wins. Semantic tags come first, then the class names publishers use for
// article bodies.
var contentSelectors = []string{
	"article",
	"main",
	"[role='main']",
	".article-content", ".post-content", ".entry-content", ".story-content",
	".article-body", ".post-body", ".entry-body", ".story-body",
	".main-content", ".content",
}

// extractMain identifies the primary content region. It returns nil when no
// region clears minTextLen.
func extractMain(doc *goquery.Document, minTextLen int) *goquery.Selection {
	for _, sel := range contentSelectors {
		candidate := doc.Find(sel).First()
		if candidate.Length() == 0 {
			continue
		}
		if textLen(candidate) >= minTextLen {
			return candidate
		}
	}

	// Density fallback: the block container with the most direct text.
	var best *goquery.Selection
	bestLen := 0
	doc.Find("div,section,td").Each(func(_ int, s *goquery.Selection) {
		l := directTextLen(s)
		if l > bestLen {
			best = s
			bestLen = l
		}
	})
	if best != nil && textLen(best) >= minTextLen {
		return best
	}

	// Last resort: the whole body.
	body := doc.Find("body").First()
	if body.Length() > 0 && textLen(body) >= minTextLen {
		return body
	}
	return nil
}

// extractTitle prefers the og:title meta, then <title>, then the first h1.
func extractTitle(doc *goquery.Document) string {
	if og, ok := doc.Find(`meta[property="og:title"]`).First().Attr("content"); ok {
		if t := strings.TrimSpace(og); t != "" {
			return t
		}
	}
	if t := strings.TrimSpace(doc.Find("title").First().Text()); t != "" {
		return t
	}
	return strings.TrimSpace(doc.Find("h1").First().Text())
}

func textLen(s *goquery.Selection) int {
	return len(strings.TrimSpace(s.Text()))
}

// directTextLen measures text in paragraph children, which approximates how
// article-dense a container is without crediting nested navigation.
func directTextLen(s *goquery.Selection) int {
	total := 0
	s.ChildrenFiltered("p,h1,h2,h3,h4,h5,h6,ul,ol,table,blockquote,pre").Each(
		func(_ int, child *goquery.Selection) {
			total += len(strings.TrimSpace(child.Text()))
		})
	return total
}
