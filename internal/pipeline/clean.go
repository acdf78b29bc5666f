package pipeline

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// unwantedTags are structural elements that never carry article content.
var unwantedTags = []string{
	"nav", "header", "footer", "aside", "menu",
	"script", "style", "noscript", "iframe", "canvas", "form",
}

// hiddenStylePattern matches inline styles that hide an element.
var hiddenStylePattern = regexp.MustCompile(
	`display:\s*none|visibility:\s*hidden|opacity:\s*0(?:[^.]|$)`)

// hiddenClasses hide content from readers; their subtrees are noise.
var hiddenClasses = []string{
	"hidden", "hide", "invisible", "d-none", "display-none",
	"visually-hidden", "sr-only", "visuallyhidden", "is-hidden", "u-hidden",
}

// clutterClassPattern matches class names of ads, social widgets, and other
// boilerplate that pollutes extracted text.
var clutterClassPattern = regexp.MustCompile(`(?i)advertisement|social-share|` +
	`related|recommended|newsletter|subscription|popup|modal|overlay|cookie|` +
	`banner|notification|sidebar|widget|promo|sponsored|outbrain|taboola|` +
	`disqus|comments?|breadcrumb|pagination|paywall`)

// clean removes non-content elements from the document in place. It operates
// on a parsed DOM the caller owns; link extraction must run before this.
func clean(doc *goquery.Document) {
	doc.Find(strings.Join(unwantedTags, ",")).Remove()

	doc.Find("[style]").Each(func(_ int, s *goquery.Selection) {
		style, _ := s.Attr("style")
		if hiddenStylePattern.MatchString(strings.ToLower(style)) {
			s.Remove()
		}
	})

	for _, cls := range hiddenClasses {
		doc.Find("." + cls).Remove()
	}

	doc.Find("[class]").Each(func(_ int, s *goquery.Selection) {
		cls, _ := s.Attr("class")
		if clutterClassPattern.MatchString(cls) {
			s.Remove()
		}
	})

	removeEmpty(doc)
}

// removeEmpty drops elements with no visible text, keeping media and
// separator tags that are legitimately empty.
func removeEmpty(doc *goquery.Document) {
	keep := map[string]struct{}{
		"img": {}, "br": {}, "hr": {}, "td": {}, "th": {},
	}
	doc.Find("body *").Each(func(_ int, s *goquery.Selection) {
		tag := goquery.NodeName(s)
		if _, ok := keep[tag]; ok {
			return
		}
		if strings.TrimSpace(s.Text()) == "" && s.Find("img").Length() == 0 {
			s.Remove()
		}
	})
}
