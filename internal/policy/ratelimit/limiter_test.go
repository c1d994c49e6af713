package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterWait(t *testing.T) {
	t.Parallel()

	// 10 RPS with burst 1 hands out a token every 100ms.
	l := New(Config{DefaultRPS: 10, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://test.com/a"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://test.com/b"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestLimiterDifferentDomains(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 1, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://a.com/1"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://b.com/1"))
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiterDomainOverrideAndCancel(t *testing.T) {
	t.Parallel()

	l := New(Config{
		DefaultRPS: 0,
		Domains:    []DomainLimit{{Host: "Slow.example", RPS: 0.01, Burst: 1}},
	})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://fast.example/1"))
	require.NoError(t, l.Wait(ctx, "https://fast.example/2"))

	require.NoError(t, l.Wait(ctx, "https://slow.example/1"))
	ctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	require.ErrorContains(t, l.Wait(ctx, "https://slow.example/2"), "rate limit wait")
}

func TestLimiterSkipsLocalReferences(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 0.01, DefaultBurst: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, l.Wait(ctx, "file:///tmp/a.txt"))
	require.NoError(t, l.Wait(ctx, "file:///tmp/b.txt"))
}

func TestLimiterBrowserBudget(t *testing.T) {
	t.Parallel()

	l := New(Config{MaxBrowserPerJob: 2})
	require.True(t, l.AllowBrowser("job", "https://a"))
	require.True(t, l.AllowBrowser("job", "https://b"))
	require.False(t, l.AllowBrowser("job", "https://c"))
	require.True(t, l.AllowBrowser("other", "https://a"))

	l.Forget("job")
	require.True(t, l.AllowBrowser("job", "https://d"))

	unlimited := New(Config{})
	for i := 0; i < 10; i++ {
		require.True(t, unlimited.AllowBrowser("job", "https://a"))
	}
}
