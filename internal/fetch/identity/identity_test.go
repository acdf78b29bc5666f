package identity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pagesift/pagesift/internal/metrics"
)

func TestMain(m *testing.M) {
	metrics.Init()
	m.Run()
}

func TestRotatorCyclesPool(t *testing.T) {
	r := NewRotator([]string{"ua-a", "ua-b"})
	require.Equal(t, "ua-a", r.UserAgent())
	require.Equal(t, "ua-b", r.UserAgent())
	require.Equal(t, "ua-a", r.UserAgent())
}

func TestRotatorDefaultsNonEmpty(t *testing.T) {
	r := NewRotator(nil)
	require.NotEmpty(t, r.UserAgent())
}

func TestLimiterUnlimitedByDefault(t *testing.T) {
	l := NewLimiter(LimiterConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for i := 0; i < 50; i++ {
		require.NoError(t, l.Wait(ctx, "https://example.com/page"))
	}
}

func TestLimiterThrottlesPerDomain(t *testing.T) {
	l := NewLimiter(LimiterConfig{DefaultRPS: 20, DefaultBurst: 1})
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://slow.example.com/a"))
	require.NoError(t, l.Wait(ctx, "https://slow.example.com/b"))
	elapsed := time.Since(start)
	require.GreaterOrEqual(t, elapsed, 40*time.Millisecond, "second token must wait for refill")

	// A different domain has its own bucket and is not delayed.
	start = time.Now()
	require.NoError(t, l.Wait(ctx, "https://other.example.com/a"))
	require.Less(t, time.Since(start), 20*time.Millisecond)
}

func TestLimiterBucketsShareHostCaseVariants(t *testing.T) {
	l := NewLimiter(LimiterConfig{DefaultRPS: 20, DefaultBurst: 1})
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://Slow.Example.com/a"))
	require.NoError(t, l.Wait(ctx, "https://slow.example.com/b"))
	require.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond,
		"host spelled differently must hit the same bucket")
}

func TestLimiterHonorsContext(t *testing.T) {
	l := NewLimiter(LimiterConfig{DefaultRPS: 0.001, DefaultBurst: 1})
	ctx := context.Background()
	require.NoError(t, l.Wait(ctx, "https://example.com/"))

	ctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(ctx, "https://example.com/"))
}
