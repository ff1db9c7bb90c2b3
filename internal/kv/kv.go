// Package kv provides the typed key-value store client used for sessions,
// CSRF tokens, rate-limit counters, policies, and the audit queue.
//
// The Store interface is the only persistence surface of the gateway. The
// Redis implementation wraps go-redis v9; tests run against miniredis.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("kv: key not found")

// KeepTTL, passed as the ttl of SetXX, preserves the key's current expiry.
const KeepTTL = time.Duration(-1)

// Store is the minimal key-value contract the gateway depends on.
// TTL semantics are hard-expiry; Keys is O(n) and reserved for admin and
// cleanup paths.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetXX writes only when the key already exists, preserving its TTL
	// when ttl is KeepTTL. Returns false when the key was absent. Used for
	// activity bumps that must not resurrect destroyed records.
	SetXX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) (int64, error)
	Exists(ctx context.Context, key string) (bool, error)
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Keys(ctx context.Context, pattern string) ([]string, error)

	// IncrWithExpire increments the counter and, when the result is 1
	// (fresh window), sets its expiry. Both commands run in one pipeline.
	IncrWithExpire(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// GetDel atomically reads and deletes a key. Used for one-shot state
	// such as the OIDC login state record.
	GetDel(ctx context.Context, key string) (string, error)

	LPush(ctx context.Context, key string, values ...string) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	RPop(ctx context.Context, key string) (string, error)
	LLen(ctx context.Context, key string) (int64, error)
	LTrim(ctx context.Context, key string, start, stop int64) error

	Ping(ctx context.Context) error
	Close() error
}
