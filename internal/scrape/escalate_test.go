package scrape

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// scriptedStrategy replays a fixed sequence of outcomes, then succeeds.
type scriptedStrategy struct {
	tier    Tier
	outcome []error
	calls   int
}

func (s *scriptedStrategy) Tier() Tier { return s.tier }

func (s *scriptedStrategy) Fetch(_ context.Context, req Request) (Page, error) {
	idx := s.calls
	s.calls++
	if idx < len(s.outcome) {
		if err := s.outcome[idx]; err != nil {
			return Page{}, err
		}
	}
	return Page{URL: req.URL, StatusCode: 200, Body: []byte("ok"), Tier: s.tier}, nil
}

type blockingGate struct {
	blockAt Tier
}

func (g *blockingGate) Checkpoint(_ context.Context, next Tier) error {
	if next >= g.blockAt {
		return ErrResourcePressure
	}
	return nil
}

func fastPolicy(attempts int) *RetryPolicy {
	return NewRetryPolicy(attempts, time.Microsecond, time.Millisecond)
}

func TestEngineFirstTierSuccess(t *testing.T) {
	plain := &scriptedStrategy{tier: TierPlainRequest}
	browser := &scriptedStrategy{tier: TierBrowserAutomation}
	engine, err := NewEngine([]Strategy{plain, browser}, fastPolicy(3), nil, nil)
	require.NoError(t, err)

	page, err := engine.Fetch(context.Background(), Request{URL: "https://example.com/"})
	require.NoError(t, err)
	require.Equal(t, TierPlainRequest, page.Tier)
	require.Equal(t, 1, plain.calls)
	require.Zero(t, browser.calls)
}

func TestEngineRetriesTransientThenEscalates(t *testing.T) {
	plain := &scriptedStrategy{
		tier: TierPlainRequest,
		outcome: []error{
			&TransientError{Tier: TierPlainRequest, Reason: "timeout"},
			&TransientError{Tier: TierPlainRequest, Reason: "timeout"},
			&TransientError{Tier: TierPlainRequest, Reason: "timeout"},
		},
	}
	async := &scriptedStrategy{tier: TierAsyncHTTP}
	engine, err := NewEngine([]Strategy{plain, async}, fastPolicy(3), nil, nil)
	require.NoError(t, err)

	var retries int
	engine.SetHooks(Hooks{OnRetry: func(Tier, int, string) { retries++ }})

	page, err := engine.Fetch(context.Background(), Request{URL: "https://example.com/"})
	require.NoError(t, err)
	require.Equal(t, TierAsyncHTTP, page.Tier)
	require.Equal(t, 3, plain.calls, "retry budget exhausted before escalation")
	require.Equal(t, 2, retries)
}

func TestEngineContentShapeSkipsRetryBudget(t *testing.T) {
	plain := &scriptedStrategy{
		tier:    TierPlainRequest,
		outcome: []error{&ContentShapeError{Tier: TierPlainRequest, Reason: "js required"}},
	}
	async := &scriptedStrategy{tier: TierAsyncHTTP}
	engine, err := NewEngine([]Strategy{plain, async}, fastPolicy(3), nil, nil)
	require.NoError(t, err)

	page, err := engine.Fetch(context.Background(), Request{URL: "https://example.com/"})
	require.NoError(t, err)
	require.Equal(t, TierAsyncHTTP, page.Tier)
	require.Equal(t, 1, plain.calls, "shape failure must not consume retries")
}

func TestEngineTerminalStopsLadder(t *testing.T) {
	plain := &scriptedStrategy{
		tier:    TierPlainRequest,
		outcome: []error{&TerminalError{Reason: "robots disallowed"}},
	}
	browser := &scriptedStrategy{tier: TierBrowserAutomation}
	engine, err := NewEngine([]Strategy{plain, browser}, fastPolicy(3), nil, nil)
	require.NoError(t, err)

	_, err = engine.Fetch(context.Background(), Request{URL: "https://example.com/"})
	var terminal *TerminalError
	require.ErrorAs(t, err, &terminal)
	require.Equal(t, "robots disallowed", terminal.Reason)
	require.Zero(t, browser.calls, "terminal failure must not escalate")
}

func TestEngineTotalFailureCarriesAllReasons(t *testing.T) {
	plain := &scriptedStrategy{
		tier:    TierPlainRequest,
		outcome: []error{&ContentShapeError{Tier: TierPlainRequest, Reason: "empty body"}},
	}
	async := &scriptedStrategy{
		tier:    TierAsyncHTTP,
		outcome: []error{&ContentShapeError{Tier: TierAsyncHTTP, Reason: "js required"}},
	}
	browser := &scriptedStrategy{
		tier: TierBrowserAutomation,
		outcome: []error{
			&TransientError{Tier: TierBrowserAutomation, Reason: "nav timeout"},
			&TransientError{Tier: TierBrowserAutomation, Reason: "nav timeout"},
		},
	}
	engine, err := NewEngine([]Strategy{plain, async, browser}, fastPolicy(2), nil, nil)
	require.NoError(t, err)

	_, err = engine.Fetch(context.Background(), Request{URL: "https://example.com/"})
	var esc *EscalationError
	require.ErrorAs(t, err, &esc)
	require.Equal(t, TierBrowserAutomation, esc.HighestTier)
	require.False(t, esc.PressureDeferred)
	require.Len(t, esc.Reasons, 3)
	require.Contains(t, esc.Reasons[0], "empty body")
	require.Contains(t, esc.Reasons[1], "js required")
	require.Contains(t, esc.Reasons[2], "nav timeout")
}

func TestEngineNeverBacktracks(t *testing.T) {
	plain := &scriptedStrategy{tier: TierPlainRequest}
	async := &scriptedStrategy{
		tier:    TierAsyncHTTP,
		outcome: []error{&ContentShapeError{Tier: TierAsyncHTTP, Reason: "challenge page"}},
	}
	browser := &scriptedStrategy{tier: TierBrowserAutomation}
	engine, err := NewEngine([]Strategy{plain, async, browser}, fastPolicy(2), nil, nil)
	require.NoError(t, err)

	page, err := engine.Fetch(context.Background(), Request{
		URL:      "https://example.com/",
		TierHint: TierAsyncHTTP,
	})
	require.NoError(t, err)
	require.Equal(t, TierBrowserAutomation, page.Tier)
	require.Zero(t, plain.calls, "hinted start must not revisit cheaper tiers")
}

func TestEngineGateBlocksEscalation(t *testing.T) {
	plain := &scriptedStrategy{
		tier:    TierPlainRequest,
		outcome: []error{&ContentShapeError{Tier: TierPlainRequest, Reason: "js required"}},
	}
	async := &scriptedStrategy{
		tier:    TierAsyncHTTP,
		outcome: []error{&ContentShapeError{Tier: TierAsyncHTTP, Reason: "js required"}},
	}
	browser := &scriptedStrategy{tier: TierBrowserAutomation}
	gate := &blockingGate{blockAt: TierBrowserAutomation}
	engine, err := NewEngine([]Strategy{plain, async, browser}, fastPolicy(2), gate, nil)
	require.NoError(t, err)

	_, err = engine.Fetch(context.Background(), Request{URL: "https://example.com/"})
	var esc *EscalationError
	require.ErrorAs(t, err, &esc)
	require.Zero(t, browser.calls, "gate must keep the browser tier idle")
	require.Contains(t, esc.Reasons[len(esc.Reasons)-1], "resource pressure")
	require.True(t, esc.PressureDeferred, "a pressure-gated stop is a deferral, not a failure")
}

func TestEngineHonorsRequestDeadline(t *testing.T) {
	plain := &scriptedStrategy{
		tier: TierPlainRequest,
		outcome: []error{
			&TransientError{Tier: TierPlainRequest, Reason: "timeout"},
			&TransientError{Tier: TierPlainRequest, Reason: "timeout"},
		},
	}
	engine, err := NewEngine([]Strategy{plain}, NewRetryPolicy(3, time.Second, time.Second), nil, nil)
	require.NoError(t, err)

	_, err = engine.Fetch(context.Background(), Request{
		URL:      "https://example.com/",
		Deadline: time.Now().Add(20 * time.Millisecond),
	})
	require.Error(t, err)
	require.Equal(t, 1, plain.calls, "expired deadline must stop the retry loop")
}

func TestEngineCanceledContextStopsRetries(t *testing.T) {
	plain := &scriptedStrategy{
		tier: TierPlainRequest,
		outcome: []error{
			&TransientError{Tier: TierPlainRequest, Reason: "timeout"},
			&TransientError{Tier: TierPlainRequest, Reason: "timeout"},
		},
	}
	engine, err := NewEngine([]Strategy{plain}, NewRetryPolicy(3, time.Second, time.Second), nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = engine.Fetch(ctx, Request{URL: "https://example.com/"})
	require.Error(t, err)
	require.Equal(t, 1, plain.calls, "canceled context must not keep retrying")
}

func TestEngineRejectsMisorderedLadder(t *testing.T) {
	_, err := NewEngine([]Strategy{
		&scriptedStrategy{tier: TierAsyncHTTP},
		&scriptedStrategy{tier: TierPlainRequest},
	}, fastPolicy(1), nil, nil)
	require.Error(t, err)
}

func TestEngineUnclassifiedErrorEscalates(t *testing.T) {
	plain := &scriptedStrategy{
		tier:    TierPlainRequest,
		outcome: []error{errors.New("connection refused")},
	}
	async := &scriptedStrategy{tier: TierAsyncHTTP}
	engine, err := NewEngine([]Strategy{plain, async}, fastPolicy(3), nil, nil)
	require.NoError(t, err)

	page, err := engine.Fetch(context.Background(), Request{URL: "https://example.com/"})
	require.NoError(t, err)
	require.Equal(t, TierAsyncHTTP, page.Tier)
	require.Equal(t, 1, plain.calls)
}
