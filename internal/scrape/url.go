package scrape

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

// trackingParams are query parameters stripped during normalization so that
// the same page reached through different campaigns dedups to one URL.
var trackingParams = map[string]struct{}{
	"gclid":      {},
	"fbclid":     {},
	"msclkid":    {},
	"igshid":     {},
	"mc_cid":     {},
	"mc_eid":     {},
	"ref":        {},
	"ref_src":    {},
	"spm":        {},
	"_hsenc":     {},
	"_hsmi":      {},
	"vero_conv":  {},
	"vero_id":    {},
	"wickedid":   {},
	"yclid":      {},
	"share_from": {},
}

// assetExtensions mark URLs that point at files rather than pages. Derived
// from the extension skip list the scraper uses to avoid downloads.
var assetExtensions = map[string]struct{}{
	".pdf": {}, ".doc": {}, ".docx": {}, ".ppt": {}, ".pptx": {},
	".xls": {}, ".xlsx": {}, ".odt": {}, ".ods": {}, ".odp": {},
	".zip": {}, ".rar": {}, ".7z": {}, ".tar": {}, ".gz": {}, ".bz2": {},
	".jpg": {}, ".jpeg": {}, ".png": {}, ".gif": {}, ".bmp": {},
	".tiff": {}, ".svg": {}, ".webp": {}, ".ico": {},
	".mp3": {}, ".mp4": {}, ".avi": {}, ".mov": {}, ".wmv": {},
	".flv": {}, ".wav": {}, ".ogg": {},
	".exe": {}, ".dmg": {}, ".pkg": {}, ".iso": {},
	".csv": {}, ".xml": {}, ".json": {}, ".rss": {},
	".css": {}, ".js": {}, ".woff": {}, ".woff2": {}, ".ttf": {}, ".eot": {},
}

// downloadPathMarkers flag URLs that very likely serve file downloads.
var downloadPathMarkers = []string{
	"/download/", "/downloads/", "/dl/",
	"/attachment/", "/attachments/", "/export/", "/print/",
}

// NormalizeURL standardizes a URL so equivalent spellings collapse to one
// key: lowercases scheme and host, removes default ports, drops the
// fragment, strips tracking query parameters, sorts the rest, and collapses
// dot segments in the path.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q is not absolute", rawURL)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	if u.Scheme == "http" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""

	if u.Path != "" {
		cleaned := path.Clean(u.Path)
		if cleaned == "." {
			cleaned = "/"
		}
		if strings.HasSuffix(u.Path, "/") && cleaned != "/" {
			cleaned += "/"
		}
		u.Path = cleaned
		u.RawPath = ""
	}

	q := u.Query()
	for key := range q {
		lower := strings.ToLower(key)
		if _, drop := trackingParams[lower]; drop || strings.HasPrefix(lower, "utm_") {
			q.Del(key)
		}
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// ResolveLink resolves href against base and normalizes the result.
// Scheme-less and relative references are supported; javascript:, mailto:,
// tel:, and bare-fragment hrefs are rejected.
func ResolveLink(base *url.URL, href string) (string, error) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return "", fmt.Errorf("empty or fragment-only href")
	}
	lower := strings.ToLower(href)
	for _, prefix := range []string{"javascript:", "mailto:", "tel:", "data:"} {
		if strings.HasPrefix(lower, prefix) {
			return "", fmt.Errorf("non-navigable href %q", href)
		}
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", fmt.Errorf("parse href: %w", err)
	}
	return NormalizeURL(base.ResolveReference(ref).String())
}

// IsLikelyDownload reports whether a URL points at a downloadable file
// rather than a page, by extension or by well-known download path markers.
func IsLikelyDownload(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return true
	}
	ext := strings.ToLower(path.Ext(u.Path))
	if _, ok := assetExtensions[ext]; ok {
		return true
	}
	lowerPath := strings.ToLower(u.Path)
	for _, marker := range downloadPathMarkers {
		if strings.Contains(lowerPath, marker) {
			return true
		}
	}
	return false
}

// IsAssetURL reports whether the URL's extension marks it as a static
// asset, used for link classification.
func IsAssetURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	_, ok := assetExtensions[strings.ToLower(path.Ext(u.Path))]
	return ok
}

// SameHost compares two URLs by hostname, case-insensitively, treating a
// leading "www." as equivalent.
func SameHost(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	return strings.EqualFold(stripWWW(a.Hostname()), stripWWW(b.Hostname()))
}

func stripWWW(host string) string {
	return strings.TrimPrefix(strings.ToLower(host), "www.")
}
