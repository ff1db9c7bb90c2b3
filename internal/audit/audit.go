// Package audit implements the append-only audit event recorder.
//
// Events are buffered in a bounded in-memory queue and flushed in FIFO
// batches to the audit:queue Redis list by a background worker. Flush
// failures are logged and the batch is dropped: audit availability must not
// take down the request path.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/keyfront/gateway/internal/kv"
	"github.com/keyfront/gateway/internal/observability"
)

// Result classifies the outcome recorded by an event.
type Result string

const (
	ResultAllow Result = "allow"
	ResultDeny  Result = "deny"
	ResultError Result = "error"
	ResultAlert Result = "alert"
)

// Event is a single audit record.
type Event struct {
	ID           string                 `json:"id"`
	Timestamp    time.Time              `json:"timestamp"`
	TraceID      string                 `json:"traceId"`
	TenantID     string                 `json:"tenantId"`
	UserID       string                 `json:"userId,omitempty"`
	Action       string                 `json:"action"`
	ResourceType string                 `json:"resourceType"`
	ResourceID   string                 `json:"resourceId,omitempty"`
	Result       Result                 `json:"result"`
	Reason       string                 `json:"reason,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

const (
	queueKey     = "audit:queue"
	maxQueueLen  = 100_000 // LTRIM cap on the Redis list
	bufferSize   = 4096    // in-memory queue bound
	batchSize    = 100
	flushEvery   = time.Second
	flushTimeout = 5 * time.Second
)

// Logger records audit events.
type Logger struct {
	store   kv.Store
	metrics *observability.Metrics
	log     *slog.Logger

	buf  chan Event
	done chan struct{}
	wg   sync.WaitGroup
}

// NewLogger starts the background flusher.
func NewLogger(store kv.Store, metrics *observability.Metrics, log *slog.Logger) *Logger {
	l := &Logger{
		store:   store,
		metrics: metrics,
		log:     log,
		buf:     make(chan Event, bufferSize),
		done:    make(chan struct{}),
	}
	l.wg.Add(1)
	go l.flushLoop()
	return l
}

// Record enqueues an event, filling in id, timestamp, and the trace ID from
// ctx when unset. A full buffer drops the event rather than blocking the
// request path.
func (l *Logger) Record(ctx context.Context, ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.TraceID == "" {
		ev.TraceID = observability.TraceID(ctx)
	}

	select {
	case l.buf <- ev:
		l.metrics.AuditQueueDepth.Set(float64(len(l.buf)))
	default:
		l.metrics.AuditDropped.Inc()
		l.log.Warn("audit buffer full, dropping event", "action", ev.Action, "traceId", ev.TraceID)
	}
}

// Close flushes remaining events and stops the worker.
func (l *Logger) Close() {
	close(l.done)
	l.wg.Wait()
}

func (l *Logger) flushLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(flushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.flush()
		case <-l.done:
			l.flush()
			return
		}
	}
}

// flush drains up to batchSize events and LPUSHes them in order. RPop on the
// consumer side preserves FIFO.
func (l *Logger) flush() {
	var batch []string
	for len(batch) < batchSize {
		select {
		case ev := <-l.buf:
			data, err := json.Marshal(ev)
			if err != nil {
				l.log.Error("audit event marshal failed", "error", err)
				continue
			}
			batch = append(batch, string(data))
		default:
			goto drained
		}
	}
drained:
	l.metrics.AuditQueueDepth.Set(float64(len(l.buf)))
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	if err := l.store.LPush(ctx, queueKey, batch...); err != nil {
		l.metrics.AuditDropped.Add(float64(len(batch)))
		l.log.Error("audit flush failed", "error", err, "events", len(batch))
		return
	}
	if err := l.store.LTrim(ctx, queueKey, 0, maxQueueLen-1); err != nil {
		l.log.Warn("audit queue trim failed", "error", err)
	}
}
