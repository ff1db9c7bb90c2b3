package audit

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

	"github.com/keyfront/gateway/internal/kv"
	"github.com/keyfront/gateway/internal/observability"
)

func newTestLogger(t *testing.T) (*Logger, kv.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	store := kv.NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	logger := NewLogger(store, metrics, slog.Default())
	return logger, store
}

func TestLogger_RecordAndFlush(t *testing.T) {
	logger, store := newTestLogger(t)
	ctx := observability.WithTraceID(context.Background(), "trace-1")

	logger.Record(ctx, Event{
		TenantID:     "t1",
		UserID:       "user123",
		Action:       "session.create",
		ResourceType: "session",
		Result:       ResultAllow,
	})
	logger.Close()

	items, err := store.LRange(context.Background(), queueKey, 0, -1)
	require.NoError(t, err)
	require.Len(t, items, 1)

	var ev Event
	require.NoError(t, json.Unmarshal([]byte(items[0]), &ev))
	assert.Equal(t, "trace-1", ev.TraceID)
	assert.Equal(t, "t1", ev.TenantID)
	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.Timestamp.IsZero())
}

func TestLogger_FlushPreservesFIFO(t *testing.T) {
	logger, store := newTestLogger(t)
	ctx := context.Background()

	for _, action := range []string{"first", "second", "third"} {
		logger.Record(ctx, Event{TenantID: "t1", Action: action, Result: ResultAllow})
	}
	logger.Close()

	// RPop drains oldest-first.
	var order []string
	for {
		item, err := store.RPop(ctx, queueKey)
		if err != nil {
			break
		}
		var ev Event
		require.NoError(t, json.Unmarshal([]byte(item), &ev))
		order = append(order, ev.Action)
	}
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestQuery_LogsAndStats(t *testing.T) {
	logger, store := newTestLogger(t)
	ctx := context.Background()

	logger.Record(ctx, Event{TenantID: "t1", UserID: "u1", Action: "abac.evaluate", Result: ResultDeny})
	logger.Record(ctx, Event{TenantID: "t1", UserID: "u2", Action: "proxy.forward", Result: ResultAllow})
	logger.Record(ctx, Event{TenantID: "t2", UserID: "u3", Action: "proxy.forward", Result: ResultAllow})
	logger.Close()

	q := NewQuery(store)

	logs, err := q.Logs(ctx, Filter{TenantID: "t1"})
	require.NoError(t, err)
	assert.Len(t, logs, 2, "listing is tenant-scoped")

	logs, err = q.Logs(ctx, Filter{TenantID: "t1", Result: ResultDeny})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "abac.evaluate", logs[0].Action)

	stats, err := q.Stats(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByResult[ResultDeny])
	assert.Equal(t, 1, stats.ByAction["proxy.forward"])
}

func TestQuery_TimeWindow(t *testing.T) {
	logger, store := newTestLogger(t)
	ctx := context.Background()

	old := Event{TenantID: "t1", Action: "old", Result: ResultAllow, Timestamp: time.Now().Add(-2 * time.Hour)}
	recent := Event{TenantID: "t1", Action: "recent", Result: ResultAllow}
	logger.Record(ctx, old)
	logger.Record(ctx, recent)
	logger.Close()

	q := NewQuery(store)
	logs, err := q.Logs(ctx, Filter{TenantID: "t1", Since: time.Now().Add(-time.Hour)})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "recent", logs[0].Action)
}
