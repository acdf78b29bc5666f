package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pagesift/pagesift/internal/scrape"
)

func TestQueueRoundTrip(t *testing.T) {
	q := New(4, nil)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "https://Example.com/a?utm_source=x"))
	url, err := q.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "https://example.com/a", url, "URLs are normalized on entry")
}

func TestQueueDropsSeenURLs(t *testing.T) {
	idx := scrape.NewDedupIndex()
	q := New(4, idx)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "https://example.com/a"))
	// Same page through a tracking link: dropped, not queued twice.
	require.NoError(t, q.Enqueue(ctx, "https://example.com/a?utm_campaign=again#frag"))
	require.Equal(t, 1, q.Len())
}

func TestQueueRejectsInvalidURL(t *testing.T) {
	q := New(4, nil)
	require.Error(t, q.Enqueue(context.Background(), "not-a-url"))
	require.Error(t, q.Enqueue(context.Background(), "ftp://example.com/x"))
}

func TestTryEnqueueFullQueue(t *testing.T) {
	q := New(1, nil)
	require.True(t, q.TryEnqueue("https://example.com/a"))
	require.False(t, q.TryEnqueue("https://example.com/b"), "full frontier drops rather than blocks")
}

func TestCloseUnblocksPendingEnqueue(t *testing.T) {
	q := New(1, nil)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, "https://example.com/a"))

	errs := make(chan error, 1)
	go func() {
		// Frontier is full; this blocks until Close.
		errs <- q.Enqueue(ctx, "https://example.com/b")
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()
	require.ErrorIs(t, <-errs, ErrClosed)

	// The URL queued before Close is still drainable.
	url, err := q.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "https://example.com/a", url)
	_, err = q.Next(ctx)
	require.ErrorIs(t, err, ErrClosed)
}

func TestRequeueSkipsSeenCheck(t *testing.T) {
	idx := scrape.NewDedupIndex()
	q := New(4, idx)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "https://example.com/a"))
	url, err := q.Next(ctx)
	require.NoError(t, err)

	require.False(t, q.TryEnqueue(url), "seen URLs are not re-admitted")
	require.True(t, q.Requeue(url), "deferred URLs go back regardless")

	q.Close()
	require.False(t, q.Requeue("https://example.com/b"), "closed frontier refuses requeues")
}

func TestNextHonorsContext(t *testing.T) {
	q := New(1, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.Next(ctx)
	require.Error(t, err)
}

func TestCloseDrains(t *testing.T) {
	q := New(4, nil)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, "https://example.com/a"))
	q.Close()

	url, err := q.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "https://example.com/a", url)

	_, err = q.Next(ctx)
	require.ErrorIs(t, err, ErrClosed)

	require.False(t, q.TryEnqueue("https://example.com/b"))
}
