// Package ratelimit implements fixed-window rate limiting backed by the KV
// store, with composable limiter sets.
//
// The limiter fails open: a KV outage must not take the gateway down, and
// the request path still produces audit events that surface abuse.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/keyfront/gateway/internal/kv"
	"github.com/keyfront/gateway/internal/observability"
)

// Result is the outcome of a limiter check.
type Result struct {
	Allowed    bool
	Current    int64
	Limit      int64
	Remaining  int64
	ResetTime  time.Time
	RetryAfter int  // seconds; set only when denied
	FailedOpen bool // KV error occurred, request permitted
}

// Rule pairs a window with its ceiling.
type Rule struct {
	Name   string
	Window time.Duration
	Max    int64
}

// Limiter counts requests in fixed windows: the storage key is
// ratelimit:{key}:{floor(now/window)} and the first increment of a window
// sets its expiry.
type Limiter struct {
	store   kv.Store
	metrics *observability.Metrics
	log     *slog.Logger
	now     func() time.Time
}

func NewLimiter(store kv.Store, metrics *observability.Metrics, log *slog.Logger) *Limiter {
	return &Limiter{store: store, metrics: metrics, log: log, now: time.Now}
}

// Check performs one atomic INCR+EXPIRE and compares against max.
func (l *Limiter) Check(ctx context.Context, rule Rule, key string) Result {
	now := l.now()
	windowMs := rule.Window.Milliseconds()
	windowIdx := now.UnixMilli() / windowMs
	windowEnd := time.UnixMilli((windowIdx + 1) * windowMs)

	storageKey := fmt.Sprintf("ratelimit:%s:%d", key, windowIdx)
	ttl := time.Duration((windowMs+999)/1000) * time.Second

	current, err := l.store.IncrWithExpire(ctx, storageKey, ttl)
	if err != nil {
		l.log.Warn("rate limiter failing open", "key", key, "error", err)
		return Result{Allowed: true, Current: 0, Limit: rule.Max, Remaining: rule.Max, ResetTime: windowEnd, FailedOpen: true}
	}

	res := Result{
		Current:   current,
		Limit:     rule.Max,
		Remaining: rule.Max - current,
		ResetTime: windowEnd,
	}
	if res.Remaining < 0 {
		res.Remaining = 0
	}

	if current > rule.Max {
		// Exact time to the next window, not the window size.
		res.RetryAfter = int((windowEnd.Sub(now) + time.Second - 1) / time.Second)
		l.metrics.RateLimitDenials.WithLabelValues(rule.Name).Inc()
		return res
	}

	res.Allowed = true
	return res
}

// Keying policies.

// GlobalKey limits by client IP across all tenants.
func GlobalKey(ip string) string { return "global:" + ip }

// UserKey limits an authenticated principal.
func UserKey(tenantID, sub string) string { return "user:" + tenantID + ":" + sub }

// TenantKey limits a whole tenant.
func TenantKey(tenantID string) string { return "tenant:" + tenantID }

// LoginKey limits unauthenticated login attempts by IP.
func LoginKey(ip string) string { return "login:" + ip }

// EndpointKey limits one identity on one endpoint.
func EndpointKey(path, identity string) string { return "api:" + path + ":" + identity }

// Composite runs several limiters in order. The first denial wins; when all
// permit, the most restrictive remaining is reported.
type Composite struct {
	limiter *Limiter
	checks  []compositeCheck
}

type compositeCheck struct {
	rule Rule
	key  string
}

func NewComposite(limiter *Limiter) *Composite {
	return &Composite{limiter: limiter}
}

// Add appends a rule/key pair to the evaluation order.
func (c *Composite) Add(rule Rule, key string) *Composite {
	c.checks = append(c.checks, compositeCheck{rule: rule, key: key})
	return c
}

func (c *Composite) Check(ctx context.Context) Result {
	if len(c.checks) == 0 {
		return Result{Allowed: true, Remaining: -1}
	}

	var tightest Result
	first := true
	for _, chk := range c.checks {
		res := c.limiter.Check(ctx, chk.rule, chk.key)
		if !res.Allowed {
			return res
		}
		if first || res.Remaining < tightest.Remaining {
			tightest = res
			first = false
		}
	}
	return tightest
}
