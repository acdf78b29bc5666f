// Package manager supervises the worker pool: it assigns URLs to workers,
// grows and shrinks concurrency with resource pressure, isolates crashed
// workers, and accounts the session summary.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pagesift/pagesift/internal/metrics"
	"github.com/pagesift/pagesift/internal/monitor"
	"github.com/pagesift/pagesift/internal/pipeline"
	"github.com/pagesift/pagesift/internal/queue/memory"
	"github.com/pagesift/pagesift/internal/scrape"
)

// Config bounds the pool.
type Config struct {
	Session string
	// MaxWorkers is the concurrency ceiling; MinWorkers the floor kept
	// alive under Critical pressure while the queue is non-empty.
	MaxWorkers int
	MinWorkers int
	// CrashCap is the number of consecutive worker crashes (with no
	// successful spawn cycle between) that abort the session.
	CrashCap int
	// AdjustInterval is how often the supervisor revisits the
	// concurrency target.
	AdjustInterval time.Duration
	// ForwardLinks re-enqueues internal links discovered in documents.
	ForwardLinks bool
}

// PressureSource reports the current resource pressure classification.
// *monitor.Monitor satisfies it.
type PressureSource interface {
	Pressure() monitor.Pressure
}

// Manager runs the session. It implements scrape.Gate so the escalation
// engine can consult pressure at tier boundaries.
type Manager struct {
	cfg    Config
	engine *scrape.Engine
	pipe   *pipeline.Pipeline
	source *memory.Queue
	sink   scrape.Sink
	mon    PressureSource
	logger *zap.Logger

	mu          sync.Mutex
	summary     *scrape.Summary
	slots       map[int]*slot
	nextSlotID  int
	target      int
	consecutive int // consecutive crashes, reset by any completed URL
	fatal       bool
	drained     bool
}

type slot struct {
	id      int
	stop    chan struct{}
	state   scrape.WorkerState
	crashed bool
}

// New wires a Manager. The engine should have been built with this Manager
// as its Gate.
func New(cfg Config, engine *scrape.Engine, pipe *pipeline.Pipeline, source *memory.Queue, snk scrape.Sink, mon PressureSource, logger *zap.Logger) *Manager {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.MinWorkers <= 0 {
		cfg.MinWorkers = 1
	}
	if cfg.MinWorkers > cfg.MaxWorkers {
		cfg.MinWorkers = cfg.MaxWorkers
	}
	if cfg.CrashCap <= 0 {
		cfg.CrashCap = 5
	}
	if cfg.AdjustInterval <= 0 {
		cfg.AdjustInterval = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		cfg:     cfg,
		engine:  engine,
		pipe:    pipe,
		source:  source,
		sink:    snk,
		mon:     mon,
		logger:  logger,
		summary: scrape.NewSummary(cfg.Session, time.Now().UTC()),
		slots:   make(map[int]*slot),
		target:  cfg.MinWorkers,
	}
	engine.SetHooks(scrape.Hooks{
		OnRetry: func(tier scrape.Tier, _ int, _ string) {
			metrics.ObserveRetry(tier.String())
			m.mu.Lock()
			m.summary.Retries++
			m.mu.Unlock()
		},
		OnEscalation: func(from, to scrape.Tier, _ string) {
			metrics.ObserveEscalation(from.String(), to.String())
		},
	})
	return m
}

// Checkpoint implements scrape.Gate: under Critical pressure, escalation
// into the browser tier is refused so no new expensive contexts spawn.
func (m *Manager) Checkpoint(_ context.Context, next scrape.Tier) error {
	if next >= scrape.TierBrowserAutomation && m.pressure() == monitor.PressureCritical {
		return scrape.ErrResourcePressure
	}
	return nil
}

// Healthy reports whether the pool is accepting work: true unless every
// slot is crashed or the session went fatal.
func (m *Manager) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fatal {
		return false
	}
	if len(m.slots) == 0 {
		return true
	}
	for _, s := range m.slots {
		if !s.crashed {
			return true
		}
	}
	return false
}

// WorkerStates returns a read-only snapshot of every slot.
func (m *Manager) WorkerStates() []scrape.WorkerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	states := make([]scrape.WorkerState, 0, len(m.slots))
	for _, s := range m.slots {
		states = append(states, s.state)
	}
	return states
}

// Summary returns a copy of the session counters so far.
func (m *Manager) Summary() scrape.Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotSummaryLocked()
}

func (m *Manager) snapshotSummaryLocked() scrape.Summary {
	out := *m.summary
	out.SucceededByTier = copyCounts(m.summary.SucceededByTier)
	out.DiscardedByReason = copyCounts(m.summary.DiscardedByReason)
	out.FailedByReason = copyCounts(m.summary.FailedByReason)
	return out
}

// Run drives the session until the context ends or the queue closes and
// drains, then returns the final summary.
func (m *Manager) Run(ctx context.Context) (scrape.Summary, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	m.reconcile(runCtx, &wg)

	ticker := time.NewTicker(m.cfg.AdjustInterval)
	defer ticker.Stop()

supervise:
	for {
		select {
		case <-runCtx.Done():
			break supervise
		case <-ticker.C:
			m.adjustTarget()
			if m.isFatal() {
				cancel()
				break supervise
			}
			m.reconcile(runCtx, &wg)
			if m.finished() {
				break supervise
			}
		}
	}

	wg.Wait()

	m.mu.Lock()
	m.summary.Finished = time.Now().UTC()
	final := m.snapshotSummaryLocked()
	fatal := m.fatal
	m.mu.Unlock()

	if fatal {
		return final, fmt.Errorf("session aborted: %d consecutive worker crashes", m.cfg.CrashCap)
	}
	return final, nil
}

// adjustTarget applies the pressure policy: Normal grows one at a time,
// Elevated freezes, Critical shrinks toward the floor.
func (m *Manager) adjustTarget() {
	p := m.pressure()
	m.mu.Lock()
	defer m.mu.Unlock()

	before := m.target
	switch p {
	case monitor.PressureNormal:
		if m.target < m.cfg.MaxWorkers {
			m.target++
		}
	case monitor.PressureElevated:
		// hold
	case monitor.PressureCritical:
		floor := m.cfg.MinWorkers
		if m.source.Len() == 0 {
			floor = 0
		}
		if m.target > floor {
			m.target--
		}
	}
	if m.target != before {
		m.logger.Info("concurrency target adjusted",
			zap.Stringer("pressure", p),
			zap.Int("from", before),
			zap.Int("to", m.target))
	}
}

// reconcile spawns or retires workers until the live count matches target.
// Retiring is cooperative: the worker sees its stop channel at the next
// URL boundary.
func (m *Manager) reconcile(ctx context.Context, wg *sync.WaitGroup) {
	m.mu.Lock()
	defer m.mu.Unlock()

	live := 0
	for id, s := range m.slots {
		if s.crashed {
			// The goroutine already exited; drop the slot now that the
			// crash is accounted.
			delete(m.slots, id)
			continue
		}
		live++
	}

	for !m.drained && live < m.target {
		s := &slot{id: m.nextSlotID, stop: make(chan struct{})}
		s.state = scrape.WorkerState{ID: fmt.Sprintf("worker-%d", s.id)}
		m.nextSlotID++
		m.slots[s.id] = s
		wg.Add(1)
		go m.runWorker(ctx, s, wg)
		live++
	}

	if live > m.target {
		excess := live - m.target
		for _, s := range m.slots {
			if excess == 0 {
				break
			}
			if s.crashed {
				continue
			}
			select {
			case <-s.stop:
			default:
				close(s.stop)
				excess--
			}
		}
	}
}

// runWorker processes URLs until stopped. A panic anywhere in the per-URL
// pipeline is contained here: the slot is marked crashed and the supervisor
// decides whether to respawn.
func (m *Manager) runWorker(ctx context.Context, s *slot, wg *sync.WaitGroup) {
	defer wg.Done()
	m.logger.Debug("worker started", zap.String("worker", s.state.ID))

	for {
		select {
		case <-ctx.Done():
			m.retire(s)
			return
		case <-s.stop:
			m.retire(s)
			return
		default:
		}

		// Under Critical pressure workers stop picking up new URLs.
		if m.pressure() == monitor.PressureCritical {
			select {
			case <-ctx.Done():
				m.retire(s)
				return
			case <-s.stop:
				m.retire(s)
				return
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}

		url, err := m.source.Next(ctx)
		if err != nil {
			if errors.Is(err, memory.ErrClosed) {
				m.mu.Lock()
				m.drained = true
				m.mu.Unlock()
			}
			m.retire(s)
			return
		}

		if crashed := m.processGuarded(ctx, s, url); crashed {
			return
		}
	}
}

// processGuarded runs one URL and converts a panic into a recorded crash.
// It reports whether the worker crashed (and must not continue).
func (m *Manager) processGuarded(ctx context.Context, s *slot, url string) (crashed bool) {
	defer func() {
		if r := recover(); r != nil {
			crashed = true
			m.recordCrash(s, url, r)
		}
	}()

	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	m.setWorking(s, url)
	defer m.setIdle(s)

	m.processOne(ctx, s, url)

	m.mu.Lock()
	m.consecutive = 0
	m.mu.Unlock()
	return false
}

func (m *Manager) processOne(ctx context.Context, s *slot, url string) {
	page, err := m.engine.Fetch(ctx, scrape.Request{URL: url})
	if err != nil {
		var esc *scrape.EscalationError
		if errors.As(err, &esc) && esc.PressureDeferred && m.source.Requeue(url) {
			// Pressure is a scheduling signal, not a verdict on the URL:
			// put it back and let a calmer moment retry it.
			m.logger.Info("url deferred under pressure", zap.String("url", url))
			return
		}
		m.recordFetchFailure(url, err)
		return
	}

	m.setTier(s, page.Tier)
	doc, err := m.pipe.Process(page)
	if err != nil {
		var discard *scrape.DiscardError
		if errors.As(err, &discard) {
			m.recordDiscard(url, discard.Reason)
			// Link discovery survives the discard.
			m.forwardLinks(ctx, url, discard.Links)
		} else {
			m.recordFetchFailure(url, err)
		}
		return
	}

	if err := m.sink.Submit(ctx, doc); err != nil {
		var rejection *scrape.SinkRejectionError
		if errors.As(err, &rejection) {
			m.logger.Warn("document rejected by sink",
				zap.String("url", url), zap.Int("status", rejection.Status))
			m.recordFailure(url, "sink_rejected")
		} else {
			m.recordFailure(url, "sink_error")
		}
		return
	}

	m.forwardLinks(ctx, doc.SourceURL, doc.Links)

	m.mu.Lock()
	m.summary.SucceededByTier[page.Tier.String()]++
	m.mu.Unlock()
	metrics.ObservePage(page.Tier.String(), "success", page.Latency)

	m.logger.Info("document emitted",
		zap.String("url", url),
		zap.Stringer("tier", page.Tier),
		zap.String("hash", doc.ContentHash),
		zap.Int("links", len(doc.Links)))
}

// forwardLinks pushes discovered links to the sink and, when enabled,
// re-enqueues the crawlable ones.
func (m *Manager) forwardLinks(ctx context.Context, sourceURL string, links []scrape.Link) {
	if len(links) == 0 {
		return
	}
	if err := m.sink.SubmitLinks(ctx, sourceURL, links); err != nil {
		m.logger.Warn("link submission failed", zap.String("url", sourceURL), zap.Error(err))
	}
	if m.cfg.ForwardLinks {
		for _, next := range pipeline.CrawlableLinkURLs(links) {
			m.source.TryEnqueue(next)
		}
	}
}

func (m *Manager) recordFetchFailure(url string, err error) {
	reason := "fetch_failed"
	var esc *scrape.EscalationError
	var terminal *scrape.TerminalError
	switch {
	case errors.As(err, &esc):
		reason = "all_tiers_failed"
		metrics.ObservePage(esc.HighestTier.String(), "failure", 0)
	case errors.As(err, &terminal):
		reason = terminal.Reason
	}
	m.recordFailure(url, reason)
	m.logger.Info("url failed", zap.String("url", url), zap.Error(err))
}

func (m *Manager) recordFailure(url, reason string) {
	m.mu.Lock()
	m.summary.FailedByReason[reason]++
	m.mu.Unlock()
}

func (m *Manager) recordDiscard(url, reason string) {
	m.mu.Lock()
	m.summary.DiscardedByReason[reason]++
	m.mu.Unlock()
	metrics.ObserveDiscard(reason)
	m.logger.Debug("document discarded", zap.String("url", url), zap.String("reason", reason))
}

func (m *Manager) recordCrash(s *slot, url string, cause any) {
	metrics.ObserveWorkerCrash()
	m.mu.Lock()
	s.crashed = true
	s.state.Crashed = true
	s.state.CurrentURL = ""
	s.state.Tier = ""
	m.summary.WorkerCrashes++
	m.summary.FailedByReason["worker_crash"]++
	m.consecutive++
	if m.consecutive >= m.cfg.CrashCap {
		m.fatal = true
	}
	fatal := m.fatal
	m.mu.Unlock()

	m.logger.Error("worker crashed",
		zap.String("worker", s.state.ID),
		zap.String("url", url),
		zap.Any("cause", cause),
		zap.Bool("fatal", fatal))
}

func (m *Manager) retire(s *slot) {
	m.mu.Lock()
	delete(m.slots, s.id)
	m.mu.Unlock()
}

func (m *Manager) setWorking(s *slot, url string) {
	m.mu.Lock()
	s.state.CurrentURL = url
	s.state.StartedAt = time.Now().UTC()
	m.mu.Unlock()
}

func (m *Manager) setTier(s *slot, tier scrape.Tier) {
	m.mu.Lock()
	s.state.Tier = tier.String()
	m.mu.Unlock()
}

func (m *Manager) setIdle(s *slot) {
	m.mu.Lock()
	s.state.CurrentURL = ""
	s.state.Tier = ""
	m.mu.Unlock()
}

// finished reports that the frontier is closed and drained and no live
// worker remains.
func (m *Manager) finished() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.drained {
		return false
	}
	for _, s := range m.slots {
		if !s.crashed {
			return false
		}
	}
	return true
}

func (m *Manager) isFatal() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fatal
}

func (m *Manager) pressure() monitor.Pressure {
	if m.mon == nil {
		return monitor.PressureNormal
	}
	return m.mon.Pressure()
}

func copyCounts(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
