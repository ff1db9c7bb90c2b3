package errortrack

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyfront/gateway/internal/audit"
	"github.com/keyfront/gateway/internal/kv"
	"github.com/keyfront/gateway/internal/observability"
)

func newTestTracker(t *testing.T) (*Tracker, kv.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	store := kv.NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	auditLog := audit.NewLogger(store, metrics, slog.Default())
	t.Cleanup(auditLog.Close)
	return NewTracker(store, auditLog, metrics, slog.Default()), store
}

func TestCapture_StoresRecordAndGroup(t *testing.T) {
	tracker, store := newTestTracker(t)
	ctx := context.Background()

	id := tracker.Capture(ctx, "kv_error", "dial tcp: refused", "/api/me", "t1")
	require.NotEmpty(t, id)

	raw, err := store.Get(ctx, errorPrefix+id)
	require.NoError(t, err)
	var rec Record
	require.NoError(t, json.Unmarshal([]byte(raw), &rec))
	assert.Equal(t, "kv_error", rec.Type)
	assert.Equal(t, "/api/me", rec.Route)

	groups, err := tracker.Groups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, int64(1), groups[0].Count)
}

func TestCapture_SameFingerprintAggregates(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		tracker.Capture(ctx, "kv_error", "dial tcp: refused", "/api/me", "t1")
	}
	tracker.Capture(ctx, "kv_error", "dial tcp: refused", "/api/health", "t1")

	groups, err := tracker.Groups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 2, "route participates in the fingerprint")

	var counts []int64
	for _, g := range groups {
		counts = append(counts, g.Count)
	}
	assert.ElementsMatch(t, []int64{3, 1}, counts)
}

func TestFingerprint_Deterministic(t *testing.T) {
	a := Fingerprint("kv_error", "refused", "/api/me")
	b := Fingerprint("kv_error", "refused", "/api/me")
	c := Fingerprint("kv_error", "refused", "/api/other")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestAlertRule_FiresAtThreshold(t *testing.T) {
	tracker, store := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tracker.SaveRule(ctx, &AlertRule{
		ID:            "r1",
		TenantID:      "t1",
		Enabled:       true,
		Threshold:     3,
		WindowSeconds: 60,
	}))

	for i := 0; i < 3; i++ {
		tracker.Capture(ctx, "proxy_failed", "502 from downstream", "/api/proxy/x", "t1")
	}

	// The audit flush runs on a 1s ticker; wait for the alert to land on
	// the queue.
	require.Eventually(t, func() bool {
		n, err := store.LLen(ctx, "audit:queue")
		return err == nil && n > 0
	}, 3*time.Second, 50*time.Millisecond)

	items, err := store.LRange(ctx, "audit:queue", 0, -1)
	require.NoError(t, err)

	found := false
	for _, item := range items {
		var ev audit.Event
		require.NoError(t, json.Unmarshal([]byte(item), &ev))
		if ev.Action == "error.alert" {
			found = true
			assert.Equal(t, audit.ResultAlert, ev.Result)
			assert.Equal(t, "r1", ev.Metadata["rule"])
		}
	}
	assert.True(t, found, "alert event emitted at threshold")
}

func TestAlertRule_Validation(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	assert.Error(t, tracker.SaveRule(ctx, &AlertRule{TenantID: "t1", Threshold: 1, WindowSeconds: 60}))
	assert.Error(t, tracker.SaveRule(ctx, &AlertRule{ID: "r", TenantID: "t1", Threshold: 0, WindowSeconds: 60}))
}
