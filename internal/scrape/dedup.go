package scrape

import "sync"

// DedupIndex tracks visited URLs and emitted content hashes for one session.
// Both checks are atomic check-and-set: the first caller claims the key, every
// later caller is told it lost the race. Safe for concurrent use.
type DedupIndex struct {
	mu     sync.Mutex
	urls   map[string]struct{}
	hashes map[string]string
}

// NewDedupIndex returns an empty session index.
func NewDedupIndex() *DedupIndex {
	return &DedupIndex{
		urls:   make(map[string]struct{}),
		hashes: make(map[string]string),
	}
}

// MarkURL records a normalized URL as visited. It returns true for the first
// caller and false for every subsequent one.
func (d *DedupIndex) MarkURL(normalized string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, seen := d.urls[normalized]; seen {
		return false
	}
	d.urls[normalized] = struct{}{}
	return true
}

// InsertHash claims a content hash for sourceURL. The first caller gets
// inserted=true; later callers get the URL that claimed it first.
func (d *DedupIndex) InsertHash(hash, sourceURL string) (firstURL string, inserted bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if first, seen := d.hashes[hash]; seen {
		return first, false
	}
	d.hashes[hash] = sourceURL
	return sourceURL, true
}

// Len reports how many distinct content hashes have been claimed.
func (d *DedupIndex) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.hashes)
}
