package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/keyfront/gateway/internal/kv"
)

// Query filters the audit queue for the admin endpoints. Reads are bounded
// by the LTRIM cap, so a full scan stays O(queue cap).
type Query struct {
	store kv.Store
}

func NewQuery(store kv.Store) *Query {
	return &Query{store: store}
}

// Filter narrows a log listing. TenantID is mandatory: audit reads are
// always tenant-scoped.
type Filter struct {
	TenantID string
	UserID   string
	Action   string
	Result   Result
	Since    time.Time
	Until    time.Time
	Limit    int
}

// Logs returns matching events, newest first.
func (q *Query) Logs(ctx context.Context, f Filter) ([]Event, error) {
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 100
	}

	raw, err := q.store.LRange(ctx, queueKey, 0, maxQueueLen-1)
	if err != nil {
		return nil, err
	}

	out := make([]Event, 0, f.Limit)
	for _, item := range raw {
		var ev Event
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			continue
		}
		if !q.matches(ev, f) {
			continue
		}
		out = append(out, ev)
		if len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

// Stats aggregates counts over the retained queue for one tenant.
type Stats struct {
	Total     int            `json:"total"`
	ByResult  map[Result]int `json:"byResult"`
	ByAction  map[string]int `json:"byAction"`
	OldestAge string         `json:"oldestAge,omitempty"`
}

func (q *Query) Stats(ctx context.Context, tenantID string) (*Stats, error) {
	raw, err := q.store.LRange(ctx, queueKey, 0, maxQueueLen-1)
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		ByResult: make(map[Result]int),
		ByAction: make(map[string]int),
	}
	var oldest time.Time
	for _, item := range raw {
		var ev Event
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			continue
		}
		if ev.TenantID != tenantID {
			continue
		}
		stats.Total++
		stats.ByResult[ev.Result]++
		stats.ByAction[ev.Action]++
		if oldest.IsZero() || ev.Timestamp.Before(oldest) {
			oldest = ev.Timestamp
		}
	}
	if !oldest.IsZero() {
		stats.OldestAge = time.Since(oldest).Truncate(time.Second).String()
	}
	return stats, nil
}

func (q *Query) matches(ev Event, f Filter) bool {
	if ev.TenantID != f.TenantID {
		return false
	}
	if f.UserID != "" && ev.UserID != f.UserID {
		return false
	}
	if f.Action != "" && ev.Action != f.Action {
		return false
	}
	if f.Result != "" && ev.Result != f.Result {
		return false
	}
	if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && ev.Timestamp.After(f.Until) {
		return false
	}
	return true
}
