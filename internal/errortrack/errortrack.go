// Package errortrack captures internal errors for later inspection.
// Individual occurrences are stored at error:{id}; occurrences sharing a
// fingerprint (error type, message, route) aggregate into error_group:{fp}
// records. Alert rules fire an audit alert when a group's count inside a
// window crosses its threshold.
package errortrack

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/keyfront/gateway/internal/audit"
	"github.com/keyfront/gateway/internal/kv"
	"github.com/keyfront/gateway/internal/observability"
)

const (
	errorPrefix = "error:"
	groupPrefix = "error_group:"
	rulePrefix  = "alert_rule:"

	errorTTL = 24 * time.Hour
)

// Record is one captured error occurrence.
type Record struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Route     string    `json:"route,omitempty"`
	TenantID  string    `json:"tenantId,omitempty"`
	TraceID   string    `json:"traceId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Group aggregates occurrences with the same fingerprint.
type Group struct {
	Fingerprint string    `json:"fingerprint"`
	Type        string    `json:"type"`
	Message     string    `json:"message"`
	Route       string    `json:"route,omitempty"`
	Count       int64     `json:"count"`
	FirstSeen   time.Time `json:"firstSeen"`
	LastSeen    time.Time `json:"lastSeen"`
}

// AlertRule fires when a group's occurrences within the window reach the
// threshold.
type AlertRule struct {
	ID            string `json:"id"`
	TenantID      string `json:"tenantId"`
	Name          string `json:"name,omitempty"`
	Enabled       bool   `json:"enabled"`
	Threshold     int64  `json:"threshold"`
	WindowSeconds int    `json:"windowSeconds"`
}

// Tracker records errors and evaluates alert rules.
type Tracker struct {
	store   kv.Store
	audit   *audit.Logger
	metrics *observability.Metrics
	log     *slog.Logger
	now     func() time.Time
}

func NewTracker(store kv.Store, auditLog *audit.Logger, metrics *observability.Metrics, log *slog.Logger) *Tracker {
	return &Tracker{
		store:   store,
		audit:   auditLog,
		metrics: metrics,
		log:     log,
		now:     time.Now,
	}
}

// Fingerprint hashes the identity of an error class.
func Fingerprint(errType, message, route string) string {
	sum := sha256.Sum256([]byte(errType + "\x00" + message + "\x00" + route))
	return hex.EncodeToString(sum[:8])
}

// Capture stores the occurrence, bumps the group, and checks alert rules.
// Capture never fails the request path; storage errors are logged.
func (t *Tracker) Capture(ctx context.Context, errType, message, route, tenantID string) string {
	rec := Record{
		ID:        uuid.NewString(),
		Type:      errType,
		Message:   message,
		Route:     route,
		TenantID:  tenantID,
		TraceID:   observability.TraceID(ctx),
		Timestamp: t.now().UTC(),
	}
	if data, err := json.Marshal(rec); err == nil {
		if err := t.store.Set(ctx, errorPrefix+rec.ID, string(data), errorTTL); err != nil {
			t.log.Warn("error record store failed", "error", err)
		}
	}

	fp := Fingerprint(errType, message, route)
	group, err := t.bumpGroup(ctx, fp, &rec)
	if err != nil {
		t.log.Warn("error group update failed", "fingerprint", fp, "error", err)
		return rec.ID
	}
	t.checkAlerts(ctx, tenantID, group)
	return rec.ID
}

// Groups lists aggregated error groups, most recent last-seen first.
func (t *Tracker) Groups(ctx context.Context) ([]*Group, error) {
	keys, err := t.store.Keys(ctx, groupPrefix+"*")
	if err != nil {
		return nil, err
	}
	groups := make([]*Group, 0, len(keys))
	for _, key := range keys {
		raw, err := t.store.Get(ctx, key)
		if errors.Is(err, kv.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var g Group
		if err := json.Unmarshal([]byte(raw), &g); err != nil {
			continue
		}
		groups = append(groups, &g)
	}
	return groups, nil
}

// SaveRule writes an alert rule at alert_rule:{tenant}:{id}.
func (t *Tracker) SaveRule(ctx context.Context, r *AlertRule) error {
	if r.ID == "" || r.TenantID == "" {
		return errors.New("errortrack: rule requires id and tenantId")
	}
	if r.Threshold <= 0 || r.WindowSeconds <= 0 {
		return errors.New("errortrack: rule requires positive threshold and window")
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal alert rule %s: %w", r.ID, err)
	}
	return t.store.Set(ctx, rulePrefix+r.TenantID+":"+r.ID, string(data), 0)
}

func (t *Tracker) bumpGroup(ctx context.Context, fp string, rec *Record) (*Group, error) {
	key := groupPrefix + fp
	group := &Group{
		Fingerprint: fp,
		Type:        rec.Type,
		Message:     rec.Message,
		Route:       rec.Route,
		FirstSeen:   rec.Timestamp,
	}
	if raw, err := t.store.Get(ctx, key); err == nil {
		if err := json.Unmarshal([]byte(raw), group); err != nil {
			return nil, err
		}
	} else if !errors.Is(err, kv.ErrNotFound) {
		return nil, err
	}

	group.Count++
	group.LastSeen = rec.Timestamp

	data, err := json.Marshal(group)
	if err != nil {
		return nil, err
	}
	if err := t.store.Set(ctx, key, string(data), 0); err != nil {
		return nil, err
	}
	return group, nil
}

// checkAlerts counts the group's occurrences inside each rule's window
// using a per-rule windowed counter and emits an alert audit event when
// the threshold is crossed.
func (t *Tracker) checkAlerts(ctx context.Context, tenantID string, group *Group) {
	if tenantID == "" {
		return
	}
	keys, err := t.store.Keys(ctx, rulePrefix+tenantID+":*")
	if err != nil {
		return
	}
	for _, key := range keys {
		raw, err := t.store.Get(ctx, key)
		if err != nil {
			continue
		}
		var rule AlertRule
		if err := json.Unmarshal([]byte(raw), &rule); err != nil || !rule.Enabled {
			continue
		}

		window := time.Duration(rule.WindowSeconds) * time.Second
		counterKey := fmt.Sprintf("%s%s:%s:count:%d",
			rulePrefix, tenantID, rule.ID, t.now().UnixMilli()/window.Milliseconds())
		count, err := t.store.IncrWithExpire(ctx, counterKey, window)
		if err != nil {
			continue
		}
		if count == rule.Threshold {
			t.audit.Record(ctx, audit.Event{
				TenantID:     tenantID,
				Action:       "error.alert",
				ResourceType: "error_group",
				ResourceID:   group.Fingerprint,
				Result:       audit.ResultAlert,
				Reason:       fmt.Sprintf("%d errors within %s", count, window),
				Metadata: map[string]interface{}{
					"rule":    rule.ID,
					"type":    group.Type,
					"message": truncate(group.Message, 200),
				},
			})
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "") + "..."
}
