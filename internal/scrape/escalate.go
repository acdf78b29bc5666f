package scrape

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Hooks lets the caller observe engine events without coupling the engine to
// metrics or summary bookkeeping. Any field may be nil.
type Hooks struct {
	OnRetry      func(tier Tier, attempt int, reason string)
	OnEscalation func(from, to Tier, reason string)
}

// Engine walks the tier ladder for one URL: retry transient failures on the
// current tier with backoff, escalate immediately on content-shape failures,
// stop outright on terminal ones. Escalation is monotonic; the engine never
// returns to a cheaper tier for the same URL.
type Engine struct {
	strategies []Strategy
	policy     *RetryPolicy
	gate       Gate
	hooks      Hooks
	logger     *zap.Logger
}

// NewEngine builds an engine over an ordered ladder of strategies. The slice
// must be sorted by ascending tier; gate may be nil to allow all escalations.
func NewEngine(strategies []Strategy, policy *RetryPolicy, gate Gate, logger *zap.Logger) (*Engine, error) {
	if len(strategies) == 0 {
		return nil, errors.New("engine requires at least one strategy")
	}
	for i := 1; i < len(strategies); i++ {
		if strategies[i].Tier() <= strategies[i-1].Tier() {
			return nil, fmt.Errorf("strategies out of ladder order at index %d", i)
		}
	}
	if policy == nil {
		policy = NewRetryPolicy(0, 0, 0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		strategies: strategies,
		policy:     policy,
		gate:       gate,
		logger:     logger,
	}, nil
}

// SetHooks installs event callbacks. Not safe to call concurrently with Fetch.
func (e *Engine) SetHooks(h Hooks) { e.hooks = h }

// Fetch resolves req through the ladder, starting at the hinted tier. On total
// failure the returned error is an *EscalationError carrying the highest tier
// attempted and every failure reason, unless a tier reported a terminal
// failure, which is returned as-is.
func (e *Engine) Fetch(ctx context.Context, req Request) (Page, error) {
	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	start := e.ladderIndex(req.TierHint)
	var reasons []string
	var deferred bool
	highest := e.strategies[start].Tier()

	for i := start; i < len(e.strategies); i++ {
		strategy := e.strategies[i]
		tier := strategy.Tier()
		highest = tier

		if i > start || tier > e.strategies[start].Tier() {
			// Escalating into this tier; the gate may refuse under pressure.
			if err := e.checkpoint(ctx, tier); err != nil {
				reasons = append(reasons, fmt.Sprintf("%s: %v", tier, err))
				deferred = errors.Is(err, ErrResourcePressure)
				e.logger.Warn("escalation blocked",
					zap.String("url", req.URL),
					zap.Stringer("tier", tier),
					zap.Error(err))
				break
			}
		}

		page, reason, err := e.runTier(ctx, strategy, req)
		if err == nil {
			return page, nil
		}
		if reason != "" {
			reasons = append(reasons, reason)
		}

		var terminal *TerminalError
		if errors.As(err, &terminal) {
			e.logger.Info("fetch abandoned",
				zap.String("url", req.URL),
				zap.Stringer("tier", tier),
				zap.String("reason", terminal.Reason))
			return Page{}, err
		}
		if ctx.Err() != nil {
			reasons = append(reasons, fmt.Sprintf("%s: %v", tier, ctx.Err()))
			break
		}

		if i+1 < len(e.strategies) {
			next := e.strategies[i+1].Tier()
			e.logger.Info("escalating",
				zap.String("url", req.URL),
				zap.Stringer("from", tier),
				zap.Stringer("to", next),
				zap.String("reason", reason))
			if e.hooks.OnEscalation != nil {
				e.hooks.OnEscalation(tier, next, reason)
			}
		}
	}

	return Page{}, &EscalationError{
		URL:              req.URL,
		HighestTier:      highest,
		Reasons:          reasons,
		PressureDeferred: deferred,
	}
}

// runTier exhausts one tier's attempt budget. The returned reason describes
// the last failure on the tier for the escalation record.
func (e *Engine) runTier(ctx context.Context, strategy Strategy, req Request) (Page, string, error) {
	tier := strategy.Tier()
	var lastErr error
	var lastReason string

	for attempt := 0; attempt < e.policy.MaxAttempts(); attempt++ {
		page, err := strategy.Fetch(ctx, req)
		if err == nil {
			return page, "", nil
		}
		lastErr = err

		var transient *TransientError
		var shape *ContentShapeError
		switch {
		case errors.As(err, &shape):
			// Retrying the same tier cannot change the page's shape.
			return Page{}, fmt.Sprintf("%s: %s", tier, shape.Reason), err
		case errors.As(err, &transient):
			lastReason = fmt.Sprintf("%s: %s", tier, transient.Reason)
			if attempt+1 >= e.policy.MaxAttempts() {
				break
			}
			e.logger.Debug("retrying tier",
				zap.String("url", req.URL),
				zap.Stringer("tier", tier),
				zap.Int("attempt", attempt+1),
				zap.String("reason", transient.Reason))
			if e.hooks.OnRetry != nil {
				e.hooks.OnRetry(tier, attempt+1, transient.Reason)
			}
			if serr := e.policy.Sleep(ctx, attempt); serr != nil {
				return Page{}, lastReason, err
			}
		default:
			// Terminal or unclassified: stop the tier immediately.
			var terminal *TerminalError
			if errors.As(err, &terminal) {
				return Page{}, fmt.Sprintf("%s: %s", tier, terminal.Reason), err
			}
			return Page{}, fmt.Sprintf("%s: %v", tier, err), err
		}
	}

	return Page{}, lastReason, lastErr
}

func (e *Engine) checkpoint(ctx context.Context, next Tier) error {
	if e.gate == nil {
		return nil
	}
	return e.gate.Checkpoint(ctx, next)
}

// ladderIndex maps a tier hint to the first strategy at or above it.
func (e *Engine) ladderIndex(hint Tier) int {
	for i, s := range e.strategies {
		if s.Tier() >= hint {
			return i
		}
	}
	return len(e.strategies) - 1
}
