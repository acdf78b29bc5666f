// Package memory provides the in-memory URL frontier.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pagesift/pagesift/internal/scrape"
)

// ErrClosed is returned by Next once the frontier is closed and drained.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded in-memory URL frontier with context-aware operations.
// URLs are normalized and deduplicated against the session index on entry,
// so a URL marked seen is never re-enqueued within the session.
//
// Close signals through a separate done channel; the data channel is never
// closed, so a producer blocked on a full frontier unblocks with ErrClosed
// instead of panicking on a closed channel.
type Queue struct {
	ch        chan string
	done      chan struct{}
	dedup     *scrape.DedupIndex
	closeOnce sync.Once
}

// New constructs a frontier with the provided capacity, deduplicating
// through idx when non-nil.
func New(capacity int, idx *scrape.DedupIndex) *Queue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Queue{
		ch:    make(chan string, capacity),
		done:  make(chan struct{}),
		dedup: idx,
	}
}

// Enqueue normalizes and pushes a URL, or reports why it was not queued.
// Already-seen URLs are dropped silently. A Close while Enqueue is blocked
// on a full frontier unblocks it with ErrClosed.
func (q *Queue) Enqueue(ctx context.Context, rawURL string) error {
	normalized, err := scrape.NormalizeURL(rawURL)
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	if q.dedup != nil && !q.dedup.MarkURL(normalized) {
		return nil
	}

	select {
	case <-q.done:
		return ErrClosed
	default:
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		return ErrClosed
	case q.ch <- normalized:
		return nil
	}
}

// TryEnqueue is a non-blocking Enqueue for link forwarding: a full frontier
// drops the URL rather than stalling the worker.
func (q *Queue) TryEnqueue(rawURL string) bool {
	normalized, err := scrape.NormalizeURL(rawURL)
	if err != nil {
		return false
	}
	if q.dedup != nil && !q.dedup.MarkURL(normalized) {
		return false
	}
	return q.push(normalized)
}

// Requeue puts a URL back on the frontier without the seen check: a
// requeued URL was already admitted once and marked in the index. Used when
// processing was deferred rather than failed. Non-blocking; reports whether
// the frontier accepted the URL.
func (q *Queue) Requeue(rawURL string) bool {
	normalized, err := scrape.NormalizeURL(rawURL)
	if err != nil {
		return false
	}
	return q.push(normalized)
}

func (q *Queue) push(normalized string) bool {
	select {
	case <-q.done:
		return false
	default:
	}
	select {
	case q.ch <- normalized:
		return true
	default:
		return false
	}
}

// Next pops the next URL, respecting context cancellation. It implements
// scrape.Source.
func (q *Queue) Next(ctx context.Context) (string, error) {
	// Buffered URLs drain even after Close.
	select {
	case url := <-q.ch:
		return url, nil
	default:
	}

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case url := <-q.ch:
		return url, nil
	case <-q.done:
		select {
		case url := <-q.ch:
			return url, nil
		default:
			return "", ErrClosed
		}
	}
}

// Len reports how many URLs are waiting.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close closes the frontier for shutdown; queued URLs remain drainable.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
	})
}
