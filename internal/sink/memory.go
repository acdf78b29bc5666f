package sink

import (
	"context"
	"sync"

	"github.com/pagesift/pagesift/internal/scrape"
)

// Memory collects documents in process, for tests and dry runs.
type Memory struct {
	mu    sync.Mutex
	docs  []*scrape.Document
	links map[string][]scrape.Link
}

// NewMemory returns an empty in-process sink.
func NewMemory() *Memory {
	return &Memory{links: make(map[string][]scrape.Link)}
}

// Submit implements scrape.Sink.
func (m *Memory) Submit(_ context.Context, doc *scrape.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs = append(m.docs, doc)
	return nil
}

// SubmitLinks implements scrape.Sink.
func (m *Memory) SubmitLinks(_ context.Context, sourceURL string, links []scrape.Link) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links[sourceURL] = append(m.links[sourceURL], links...)
	return nil
}

// Documents returns a snapshot of everything submitted.
func (m *Memory) Documents() []*scrape.Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*scrape.Document(nil), m.docs...)
}

// Links returns the links recorded for a source URL.
func (m *Memory) Links(sourceURL string) []scrape.Link {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]scrape.Link(nil), m.links[sourceURL]...)
}
