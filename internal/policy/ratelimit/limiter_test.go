package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterPacesPerDomain(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 20, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://a.example/1"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://a.example/2"))
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	start = time.Now()
	require.NoError(t, l.Wait(ctx, "https://b.example/1"))
	require.Less(t, time.Since(start), 30*time.Millisecond)
}

func TestLimiterUnlimitedAndOverrides(t *testing.T) {
	t.Parallel()

	l := New(Config{Domains: []DomainRate{{Host: "Slow.example", RPS: 0.001}}})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Wait(ctx, "https://fast.example/"))
	}

	require.NoError(t, l.Wait(ctx, "https://slow.example/"))
	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(short, "https://slow.example/again"))
}

func TestHostOf(t *testing.T) {
	t.Parallel()

	require.Equal(t, "ex.com", hostOf("https://EX.com:8443/a"))
	require.Equal(t, "unknown", hostOf("not a url"))
}
