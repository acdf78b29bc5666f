package manager

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pagesift/pagesift/internal/metrics"
	"github.com/pagesift/pagesift/internal/monitor"
	"github.com/pagesift/pagesift/internal/pipeline"
	"github.com/pagesift/pagesift/internal/queue/memory"
	"github.com/pagesift/pagesift/internal/scrape"
	"github.com/pagesift/pagesift/internal/sink"
)

func TestMain(m *testing.M) {
	metrics.Init()
	m.Run()
}

type stubPressure struct {
	level atomic.Int32
}

func (p *stubPressure) Pressure() monitor.Pressure {
	return monitor.Pressure(p.level.Load())
}

func (p *stubPressure) set(level monitor.Pressure) {
	p.level.Store(int32(level))
}

// stubStrategy serves canned HTML, panicking for URLs that contain "boom".
// The zero value sits on the plain-request rung.
type stubStrategy struct {
	body string
	tier scrape.Tier
}

func (s *stubStrategy) Tier() scrape.Tier { return s.tier }

func (s *stubStrategy) Fetch(_ context.Context, req scrape.Request) (scrape.Page, error) {
	if strings.Contains(req.URL, "boom") {
		panic("stub exploded")
	}
	if strings.Contains(req.URL, "missing") {
		return scrape.Page{}, &scrape.TerminalError{Reason: "http 404"}
	}
	body := strings.ReplaceAll(s.body, "{{URL}}", req.URL)
	return scrape.Page{
		URL:        req.URL,
		FinalURL:   req.URL,
		StatusCode: 200,
		Body:       []byte(body),
		Tier:       s.tier,
	}, nil
}

// shapeFailStrategy always reports the page needs more capability, forcing
// escalation off the plain rung.
type shapeFailStrategy struct{}

func (s *shapeFailStrategy) Tier() scrape.Tier { return scrape.TierPlainRequest }

func (s *shapeFailStrategy) Fetch(_ context.Context, _ scrape.Request) (scrape.Page, error) {
	return scrape.Page{}, &scrape.ContentShapeError{Tier: scrape.TierPlainRequest, Reason: "js required"}
}

// onceGate refuses the first browser escalation with resource pressure and
// admits every later one.
type onceGate struct {
	blocked atomic.Int32
}

func (g *onceGate) Checkpoint(_ context.Context, next scrape.Tier) error {
	if next >= scrape.TierBrowserAutomation && g.blocked.CompareAndSwap(0, 1) {
		return scrape.ErrResourcePressure
	}
	return nil
}

func articleBody() string {
	return `<html><head><title>Page {{URL}}</title></head><body><article><h1>Heading</h1><p>` +
		strings.Repeat("unique page content about {{URL}} with plenty of words ", 10) +
		`</p></article></body></html>`
}

type harness struct {
	mgr      *Manager
	queue    *memory.Queue
	sink     *sink.Memory
	pressure *stubPressure
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	engine, err := scrape.NewEngine(
		[]scrape.Strategy{&stubStrategy{body: articleBody()}},
		scrape.NewRetryPolicy(2, time.Millisecond, 5*time.Millisecond),
		nil, zap.NewNop())
	require.NoError(t, err)

	dedup := scrape.NewDedupIndex()
	q := memory.New(64, dedup)
	memSink := sink.NewMemory()
	pressure := &stubPressure{}
	pipe := pipeline.New(pipeline.Config{MinTextLen: 50}, dedup, zap.NewNop())

	if cfg.Session == "" {
		cfg.Session = "test-session"
	}
	if cfg.AdjustInterval == 0 {
		cfg.AdjustInterval = 10 * time.Millisecond
	}
	mgr := New(cfg, engine, pipe, q, memSink, pressure, zap.NewNop())
	return &harness{mgr: mgr, queue: q, sink: memSink, pressure: pressure}
}

func TestRunProcessesQueueToCompletion(t *testing.T) {
	h := newHarness(t, Config{MaxWorkers: 3})
	ctx := context.Background()

	for _, u := range []string{
		"https://example.com/a",
		"https://example.com/b",
		"https://example.com/c",
		"https://example.com/missing-page",
	} {
		require.NoError(t, h.queue.Enqueue(ctx, u))
	}
	h.queue.Close()

	runCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	summary, err := h.mgr.Run(runCtx)
	require.NoError(t, err)

	require.Equal(t, 3, summary.SucceededByTier["plain_request"])
	require.Equal(t, 1, summary.FailedByReason["http 404"])
	require.Len(t, h.sink.Documents(), 3)
	require.False(t, summary.Finished.IsZero())
	require.Equal(t, "test-session", summary.Session)
}

func TestWorkerCrashIsIsolatedAndReplaced(t *testing.T) {
	h := newHarness(t, Config{MaxWorkers: 2, CrashCap: 10})
	ctx := context.Background()

	require.NoError(t, h.queue.Enqueue(ctx, "https://example.com/boom-1"))
	require.NoError(t, h.queue.Enqueue(ctx, "https://example.com/ok-1"))
	require.NoError(t, h.queue.Enqueue(ctx, "https://example.com/ok-2"))
	h.queue.Close()

	runCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	summary, err := h.mgr.Run(runCtx)
	require.NoError(t, err)

	require.Equal(t, 1, summary.WorkerCrashes)
	require.Equal(t, 2, summary.SucceededByTier["plain_request"], "replacement worker finishes the queue")
	require.True(t, h.mgr.Healthy(), "one crash among replacements stays healthy")
}

func TestConsecutiveCrashesGoFatal(t *testing.T) {
	h := newHarness(t, Config{MaxWorkers: 1, MinWorkers: 1, CrashCap: 2})
	ctx := context.Background()

	require.NoError(t, h.queue.Enqueue(ctx, "https://example.com/boom-1"))
	require.NoError(t, h.queue.Enqueue(ctx, "https://example.com/boom-2"))
	require.NoError(t, h.queue.Enqueue(ctx, "https://example.com/never-reached"))

	runCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	summary, err := h.mgr.Run(runCtx)
	require.Error(t, err)
	require.GreaterOrEqual(t, summary.WorkerCrashes, 2)
	require.False(t, h.mgr.Healthy())
}

func TestDuplicateContentDiscarded(t *testing.T) {
	h := newHarness(t, Config{MaxWorkers: 1})
	ctx := context.Background()

	// Same body template: identical markdown, identical hash.
	engine, err := scrape.NewEngine(
		[]scrape.Strategy{&stubStrategy{body: strings.ReplaceAll(articleBody(), "{{URL}}", "shared")}},
		scrape.NewRetryPolicy(1, time.Millisecond, time.Millisecond),
		nil, zap.NewNop())
	require.NoError(t, err)
	h.mgr.engine = engine

	require.NoError(t, h.queue.Enqueue(ctx, "https://example.com/a"))
	require.NoError(t, h.queue.Enqueue(ctx, "https://example.com/b"))
	h.queue.Close()

	runCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	summary, err := h.mgr.Run(runCtx)
	require.NoError(t, err)

	require.Equal(t, 1, summary.SucceededByTier["plain_request"], "first URL wins")
	require.Equal(t, 1, summary.DiscardedByReason["duplicate"])
	require.Len(t, h.sink.Documents(), 1)
}

func TestCheckpointBlocksBrowserUnderCritical(t *testing.T) {
	h := newHarness(t, Config{MaxWorkers: 1})

	require.NoError(t, h.mgr.Checkpoint(context.Background(), scrape.TierAsyncHTTP))
	require.NoError(t, h.mgr.Checkpoint(context.Background(), scrape.TierBrowserAutomation))

	h.pressure.set(monitor.PressureCritical)
	require.NoError(t, h.mgr.Checkpoint(context.Background(), scrape.TierAsyncHTTP),
		"cheap tiers stay open under pressure")
	require.ErrorIs(t, h.mgr.Checkpoint(context.Background(), scrape.TierBrowserAutomation),
		scrape.ErrResourcePressure)
}

func TestCriticalPressurePausesPickup(t *testing.T) {
	h := newHarness(t, Config{MaxWorkers: 2})
	ctx := context.Background()

	h.pressure.set(monitor.PressureCritical)
	require.NoError(t, h.queue.Enqueue(ctx, "https://example.com/waiting"))

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan scrape.Summary, 1)
	go func() {
		s, _ := h.mgr.Run(runCtx)
		done <- s
	}()

	time.Sleep(100 * time.Millisecond)
	require.Empty(t, h.sink.Documents(), "no pickup while critical")

	h.pressure.set(monitor.PressureNormal)
	require.Eventually(t, func() bool {
		return len(h.sink.Documents()) == 1
	}, 5*time.Second, 10*time.Millisecond, "pickup resumes when pressure subsides")

	cancel()
	<-done
}

func TestAdjustTargetFollowsPressure(t *testing.T) {
	h := newHarness(t, Config{MaxWorkers: 4, MinWorkers: 2})
	require.NoError(t, h.queue.Enqueue(context.Background(), "https://example.com/pending"))

	target := func() int {
		h.mgr.mu.Lock()
		defer h.mgr.mu.Unlock()
		return h.mgr.target
	}

	require.Equal(t, 2, target(), "starts at the floor")

	// Normal grows one increment per adjustment up to the ceiling.
	h.mgr.adjustTarget()
	require.Equal(t, 3, target())
	h.mgr.adjustTarget()
	require.Equal(t, 4, target())
	h.mgr.adjustTarget()
	require.Equal(t, 4, target(), "never exceeds the ceiling")

	// Elevated freezes the target, however long it lasts.
	h.pressure.set(monitor.PressureElevated)
	h.mgr.adjustTarget()
	h.mgr.adjustTarget()
	require.Equal(t, 4, target())

	// Critical shrinks one at a time and respects the floor while the
	// frontier still holds work.
	h.pressure.set(monitor.PressureCritical)
	h.mgr.adjustTarget()
	require.Equal(t, 3, target())
	h.mgr.adjustTarget()
	require.Equal(t, 2, target())
	h.mgr.adjustTarget()
	require.Equal(t, 2, target(), "floor holds while the frontier is non-empty")

	// An empty frontier lets Critical shrink below the floor.
	_, err := h.queue.Next(context.Background())
	require.NoError(t, err)
	h.mgr.adjustTarget()
	require.Equal(t, 1, target())

	// Recovery ramps back one increment at a time, not in a jump.
	h.pressure.set(monitor.PressureNormal)
	h.mgr.adjustTarget()
	require.Equal(t, 2, target())
	h.mgr.adjustTarget()
	require.Equal(t, 3, target())
}

func TestPressureDeferralRequeuesURL(t *testing.T) {
	h := newHarness(t, Config{MaxWorkers: 1})

	// Plain always escalates; the gate refuses the browser rung once.
	engine, err := scrape.NewEngine(
		[]scrape.Strategy{
			&shapeFailStrategy{},
			&stubStrategy{body: articleBody(), tier: scrape.TierBrowserAutomation},
		},
		scrape.NewRetryPolicy(1, time.Millisecond, time.Millisecond),
		&onceGate{}, zap.NewNop())
	require.NoError(t, err)
	h.mgr.engine = engine

	ctx := context.Background()
	require.NoError(t, h.queue.Enqueue(ctx, "https://example.com/deep"))

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan scrape.Summary, 1)
	go func() {
		s, _ := h.mgr.Run(runCtx)
		done <- s
	}()

	require.Eventually(t, func() bool {
		return len(h.sink.Documents()) == 1
	}, 5*time.Second, 10*time.Millisecond, "deferred URL is retried after the pressure clears")

	cancel()
	summary := <-done
	require.Equal(t, 1, summary.SucceededByTier["browser_automation"])
	require.Zero(t, summary.FailedByReason["all_tiers_failed"], "a pressure stop is not a failure")
}

func TestSummarySnapshotIsolated(t *testing.T) {
	h := newHarness(t, Config{MaxWorkers: 1})
	snap := h.mgr.Summary()
	snap.SucceededByTier["plain_request"] = 99
	require.Zero(t, h.mgr.Summary().SucceededByTier["plain_request"])
}
