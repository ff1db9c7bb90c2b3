package ratelimit

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyfront/gateway/internal/kv"
	"github.com/keyfront/gateway/internal/observability"
)

func newTestLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store := kv.NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	return NewLimiter(store, metrics, slog.Default()), mr
}

func TestLimiter_FixedWindow(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Name: "user", Window: time.Minute, Max: 5}

	for i := 1; i <= 5; i++ {
		res := limiter.Check(ctx, rule, UserKey("t1", "user123"))
		require.True(t, res.Allowed, "request %d should be allowed", i)
		assert.Equal(t, int64(i), res.Current)
		assert.Equal(t, int64(5-i), res.Remaining)
	}

	// The (max+1)-th request in the window denies.
	res := limiter.Check(ctx, rule, UserKey("t1", "user123"))
	assert.False(t, res.Allowed)
	assert.Equal(t, int64(0), res.Remaining)
	assert.Greater(t, res.RetryAfter, 0)
	assert.LessOrEqual(t, res.RetryAfter, 60)
}

func TestLimiter_WindowRollover(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Name: "user", Window: time.Minute, Max: 1}

	base := time.Now().Truncate(time.Minute)
	limiter.now = func() time.Time { return base.Add(time.Second) }

	require.True(t, limiter.Check(ctx, rule, "k").Allowed)
	require.False(t, limiter.Check(ctx, rule, "k").Allowed)

	// First request of the next window permits.
	limiter.now = func() time.Time { return base.Add(61 * time.Second) }
	assert.True(t, limiter.Check(ctx, rule, "k").Allowed)
}

func TestLimiter_RetryAfterIsExact(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Name: "user", Window: time.Minute, Max: 0}

	base := time.Now().Truncate(time.Minute)
	limiter.now = func() time.Time { return base.Add(45 * time.Second) }

	res := limiter.Check(ctx, rule, "k")
	require.False(t, res.Allowed)
	// 15s left in the window, not the 60s window size.
	assert.Equal(t, 15, res.RetryAfter)
}

func TestLimiter_FailsOpenOnStoreError(t *testing.T) {
	limiter, mr := newTestLimiter(t)
	ctx := context.Background()
	mr.Close()

	res := limiter.Check(ctx, Rule{Name: "user", Window: time.Minute, Max: 1}, "k")
	assert.True(t, res.Allowed)
	assert.True(t, res.FailedOpen)
	assert.Equal(t, int64(0), res.Current)
}

func TestComposite_FirstDenialWins(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()

	strict := Rule{Name: "login", Window: time.Minute, Max: 1}
	loose := Rule{Name: "global", Window: time.Minute, Max: 100}

	comp := NewComposite(limiter).
		Add(strict, LoginKey("1.2.3.4")).
		Add(loose, GlobalKey("1.2.3.4"))

	require.True(t, comp.Check(ctx).Allowed)

	res := comp.Check(ctx)
	assert.False(t, res.Allowed)
	assert.Equal(t, int64(1), res.Limit, "denial comes from the strict limiter")
}

func TestComposite_ReportsMostRestrictiveRemaining(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()

	comp := NewComposite(limiter).
		Add(Rule{Name: "a", Window: time.Minute, Max: 10}, "a").
		Add(Rule{Name: "b", Window: time.Minute, Max: 3}, "b")

	res := comp.Check(ctx)
	require.True(t, res.Allowed)
	assert.Equal(t, int64(2), res.Remaining)
}
