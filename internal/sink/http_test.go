package sink

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pagesift/pagesift/internal/metrics"
	"github.com/pagesift/pagesift/internal/scrape"
)

func TestMain(m *testing.M) {
	metrics.Init()
	m.Run()
}

func testDoc() *scrape.Document {
	return &scrape.Document{
		SourceURL:   "https://example.com/a",
		Title:       "A",
		Markdown:    "# A\n\nbody",
		ContentHash: "deadbeef",
		TierName:    "plain_request",
	}
}

func newSink(t *testing.T, baseURL string, attempts int) *HTTPSink {
	t.Helper()
	s, err := NewHTTP(Config{
		BaseURL:     baseURL,
		Token:       "tok",
		UserID:      "u1",
		Session:     "s1",
		Timeout:     2 * time.Second,
		MaxAttempts: attempts,
	}, zap.NewNop())
	require.NoError(t, err)
	// Fast backoff for tests.
	s.policy = scrape.NewRetryPolicy(attempts, time.Millisecond, 5*time.Millisecond)
	return s
}

func TestSubmitAck(t *testing.T) {
	var got documentPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/documents", r.URL.Path)
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.Equal(t, "u1", r.Header.Get("User-Id"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	s := newSink(t, srv.URL, 3)
	require.NoError(t, s.Submit(context.Background(), testDoc()))
	require.Equal(t, "s1", got.Session)
	require.Equal(t, "https://example.com/a", got.Document.SourceURL)
}

func TestSubmitRetriesRetryableThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := newSink(t, srv.URL, 4)
	require.NoError(t, s.Submit(context.Background(), testDoc()))
	require.Equal(t, int32(3), calls.Load())
}

func TestSubmitRejectedIsTerminal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"schema mismatch"}`, http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	s := newSink(t, srv.URL, 4)
	err := s.Submit(context.Background(), testDoc())
	var rej *scrape.SinkRejectionError
	require.ErrorAs(t, err, &rej)
	require.Equal(t, http.StatusUnprocessableEntity, rej.Status)
	require.Equal(t, int32(1), calls.Load(), "rejections are never retried")
}

func TestSubmitExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	s := newSink(t, srv.URL, 3)
	err := s.Submit(context.Background(), testDoc())
	require.Error(t, err)
	require.False(t, isRejection(err), "exhausted retries stay retryable, not rejected")
	require.Equal(t, int32(3), calls.Load())
}

func TestSubmitLinks(t *testing.T) {
	var got linksPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/links", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := newSink(t, srv.URL, 2)
	links := []scrape.Link{
		{URL: "https://example.com/b", Type: scrape.LinkInternal},
		{URL: "https://other.com/c", Type: scrape.LinkExternal},
	}
	require.NoError(t, s.SubmitLinks(context.Background(), "https://example.com/a", links))
	require.Equal(t, []string{"https://example.com/b", "https://other.com/c"}, got.Links)

	// Empty link sets are not sent at all.
	require.NoError(t, s.SubmitLinks(context.Background(), "https://example.com/a", nil))
}

func TestCheckConnection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := newSink(t, srv.URL, 2)
	require.NoError(t, s.CheckConnection(context.Background()))

	down := newSink(t, "http://127.0.0.1:1", 2)
	require.Error(t, down.CheckConnection(context.Background()))
}

func TestMemorySink(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Submit(context.Background(), testDoc()))
	require.NoError(t, m.SubmitLinks(context.Background(), "https://example.com/a",
		[]scrape.Link{{URL: "https://example.com/b", Type: scrape.LinkInternal}}))

	require.Len(t, m.Documents(), 1)
	require.Len(t, m.Links("https://example.com/a"), 1)
}
