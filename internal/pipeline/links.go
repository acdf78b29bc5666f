package pipeline

import (
	"net/url"

	"github.com/PuerkitoBio/goquery"

	"github.com/pagesift/pagesift/internal/scrape"
)

// extractLinks collects hyperlinks from the pre-cleaning DOM so links that
// live in navigation are still discovered. Each href is resolved against the
// page URL, normalized, classified, and deduplicated in document order.
func extractLinks(doc *goquery.Document, base *url.URL) []scrape.Link {
	seen := make(map[string]struct{})
	var links []scrape.Link

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		normalized, err := scrape.ResolveLink(base, href)
		if err != nil {
			return
		}
		if _, dup := seen[normalized]; dup {
			return
		}
		seen[normalized] = struct{}{}

		links = append(links, scrape.Link{
			URL:        normalized,
			AnchorText: squashWhitespace(s.Text()),
			Type:       classifyLink(normalized, base),
		})
	})

	return links
}

func classifyLink(normalized string, base *url.URL) scrape.LinkType {
	if scrape.IsAssetURL(normalized) {
		return scrape.LinkAsset
	}
	target, err := url.Parse(normalized)
	if err != nil {
		return scrape.LinkExternal
	}
	if scrape.SameHost(base, target) {
		return scrape.LinkInternal
	}
	return scrape.LinkExternal
}

// crawlableLinks filters a link set down to the internal page links worth
// enqueueing: no assets, no downloads, no offsite hosts.
func crawlableLinks(links []scrape.Link) []string {
	var urls []string
	for _, l := range links {
		if l.Type != scrape.LinkInternal {
			continue
		}
		if scrape.IsLikelyDownload(l.URL) {
			continue
		}
		urls = append(urls, l.URL)
	}
	return urls
}
