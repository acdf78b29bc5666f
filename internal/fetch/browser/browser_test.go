package browser

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pagesift/pagesift/internal/scrape"
)

func TestClassifyRenderError(t *testing.T) {
	s := &Strategy{}

	var transient *scrape.TransientError
	err := s.classifyRenderError(errors.New("chromedp run: context deadline exceeded"))
	require.ErrorAs(t, err, &transient)
	require.Equal(t, "navigation timeout", transient.Reason)

	var terminal *scrape.TerminalError
	err = s.classifyRenderError(errors.New("page load error net::ERR_NAME_NOT_RESOLVED"))
	require.ErrorAs(t, err, &terminal)

	err = s.classifyRenderError(errors.New("target crashed"))
	require.ErrorAs(t, err, &transient)
	require.Equal(t, "render failed", transient.Reason)
}

func TestResponseMetaFallbacks(t *testing.T) {
	meta := newResponseMeta()

	status, url := meta.snapshotWithFallbacks("https://req.example.com/", "")
	require.Equal(t, 200, status)
	require.Equal(t, "https://req.example.com/", url)

	status, url = meta.snapshotWithFallbacks("https://req.example.com/", "https://final.example.com/")
	require.Equal(t, 200, status)
	require.Equal(t, "https://final.example.com/", url)

	meta.status = 503
	meta.url = "https://seen.example.com/"
	status, url = meta.snapshotWithFallbacks("https://req.example.com/", "https://final.example.com/")
	require.Equal(t, 503, status)
	require.Equal(t, "https://seen.example.com/", url)
}

func TestAcquireHonorsContext(t *testing.T) {
	s := &Strategy{limiter: make(chan struct{}, 1)}
	require.NoError(t, s.acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.acquire(ctx)
	var transient *scrape.TransientError
	require.ErrorAs(t, err, &transient)

	s.release()
	require.NoError(t, s.acquire(context.Background()))
}

func TestNewRejectsNegativeParallel(t *testing.T) {
	_, err := New(Config{MaxParallel: -1}, nil, nil, nil, nil)
	require.Error(t, err)
}

func TestNewDefaultsCeiling(t *testing.T) {
	s, err := New(Config{MaxParallel: 2}, nil, nil, nil, nil)
	require.NoError(t, err)
	defer s.Close()
	require.Equal(t, 60*time.Second, s.cfg.NavigationTimeout)
	require.Equal(t, 15*time.Second, s.cfg.GracePeriod)
	require.Equal(t, 2, cap(s.limiter))
}
