package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/keyfront/gateway/internal/kv"
	"github.com/keyfront/gateway/internal/observability"
)

const (
	sessionPrefix = "sess:"
	tokenPrefix   = "sess:tokens:"
)

// Store persists sessions and their token blobs in the KV store.
type Store struct {
	store   kv.Store
	metrics *observability.Metrics
	log     *slog.Logger
	now     func() time.Time
}

func NewStore(store kv.Store, metrics *observability.Metrics, log *slog.Logger) *Store {
	return &Store{store: store, metrics: metrics, log: log, now: time.Now}
}

// Create allocates a sid and token refs, persists both records with TTL up
// to the access token's expiry, and returns the populated session.
func (s *Store) Create(ctx context.Context, sess Session, blob TokenBlob) (*Session, error) {
	sid, err := newSID()
	if err != nil {
		return nil, fmt.Errorf("session id entropy: %w", err)
	}
	accessRef, err := newRef()
	if err != nil {
		return nil, err
	}

	now := s.now()
	sess.SID = sid
	sess.AccessTokenRef = accessRef
	sess.CreatedAt = now.UnixMilli()
	sess.LastActivity = now.UnixMilli()
	if sess.ExpiresAt == 0 {
		sess.ExpiresAt = blob.ExpiresAt
	}

	ttl := time.Until(time.UnixMilli(sess.ExpiresAt))
	if ttl <= 0 {
		return nil, fmt.Errorf("session already expired at creation")
	}

	if blob.RefreshToken != "" {
		refreshRef, err := newRef()
		if err != nil {
			return nil, err
		}
		sess.RefreshTokenRef = refreshRef
	}

	blobData, err := json.Marshal(blob)
	if err != nil {
		return nil, err
	}
	// The blob outlives the access token by a margin so a refresh can still
	// reach the refresh token after expiry-race.
	if err := s.store.Set(ctx, tokenPrefix+accessRef, string(blobData), ttl+5*time.Minute); err != nil {
		return nil, fmt.Errorf("persist token blob: %w", err)
	}

	data, err := json.Marshal(&sess)
	if err != nil {
		return nil, err
	}
	if err := s.store.Set(ctx, sessionPrefix+sid, string(data), ttl); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}

	s.metrics.SessionsActive.Inc()
	return &sess, nil
}

// Resolve loads a session. Returns (nil, nil) when absent; an expired record
// is deleted and treated as absent.
func (s *Store) Resolve(ctx context.Context, sid string) (*Session, error) {
	raw, err := s.store.Get(ctx, sessionPrefix+sid)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var sess Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, fmt.Errorf("corrupt session record: %w", err)
	}

	if sess.Expired(s.now()) {
		if err := s.Destroy(ctx, sid); err != nil {
			s.log.Warn("expired session cleanup failed", "error", err)
		}
		return nil, nil
	}
	return &sess, nil
}

// Touch bumps lastActivity without extending expiry. A destroyed session is
// never resurrected: the write is conditional on the record existing.
func (s *Store) Touch(ctx context.Context, sid string) error {
	raw, err := s.store.Get(ctx, sessionPrefix+sid)
	if errors.Is(err, kv.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	var sess Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return err
	}
	sess.LastActivity = s.now().UnixMilli()

	data, err := json.Marshal(&sess)
	if err != nil {
		return err
	}
	_, err = s.store.SetXX(ctx, sessionPrefix+sid, string(data), kv.KeepTTL)
	return err
}

// UpdateTokens rewrites the session after a refresh: same sid, new expiry
// and a new token blob under the existing refs.
func (s *Store) UpdateTokens(ctx context.Context, sess *Session, blob TokenBlob) error {
	sess.ExpiresAt = blob.ExpiresAt

	ttl := time.Until(time.UnixMilli(sess.ExpiresAt))
	if ttl <= 0 {
		return fmt.Errorf("refreshed token already expired")
	}

	blobData, err := json.Marshal(blob)
	if err != nil {
		return err
	}
	if err := s.store.Set(ctx, tokenPrefix+sess.AccessTokenRef, string(blobData), ttl+5*time.Minute); err != nil {
		return err
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	ok, err := s.store.SetXX(ctx, sessionPrefix+sess.SID, string(data), ttl)
	if err != nil {
		return err
	}
	if !ok {
		// Session destroyed concurrently; do not resurrect.
		s.store.Del(ctx, tokenPrefix+sess.AccessTokenRef)
		return fmt.Errorf("session no longer exists")
	}
	return nil
}

// Destroy removes the session, its token blob, and every CSRF token bound
// to it.
func (s *Store) Destroy(ctx context.Context, sid string) error {
	sess, rawErr := s.load(ctx, sid)

	keys := []string{sessionPrefix + sid}
	if sess != nil && sess.AccessTokenRef != "" {
		keys = append(keys, tokenPrefix+sess.AccessTokenRef)
	}
	if csrfKeys, err := s.store.Keys(ctx, "csrf:"+sid+":*"); err == nil {
		keys = append(keys, csrfKeys...)
	}

	n, err := s.store.Del(ctx, keys...)
	if err != nil {
		return err
	}
	if n > 0 {
		s.metrics.SessionsActive.Dec()
	}
	return rawErr
}

// Tokens dereferences the session's token blob.
func (s *Store) Tokens(ctx context.Context, sess *Session) (*TokenBlob, error) {
	raw, err := s.store.Get(ctx, tokenPrefix+sess.AccessTokenRef)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var blob TokenBlob
	if err := json.Unmarshal([]byte(raw), &blob); err != nil {
		return nil, err
	}
	return &blob, nil
}

// SessionsForUser scans for a user's sessions. Pattern scan is O(n); this
// is an admin/logout path, never the request hot path.
func (s *Store) SessionsForUser(ctx context.Context, tenantID, sub string) ([]*Session, error) {
	keys, err := s.store.Keys(ctx, sessionPrefix+"*")
	if err != nil {
		return nil, err
	}

	var out []*Session
	for _, key := range keys {
		if strings.HasPrefix(key, tokenPrefix) {
			continue
		}
		sess, err := s.load(ctx, strings.TrimPrefix(key, sessionPrefix))
		if err != nil || sess == nil {
			continue
		}
		if sess.TenantID == tenantID && sess.Sub == sub {
			out = append(out, sess)
		}
	}
	return out, nil
}

// SessionsForTenant lists all sessions for a tenant (admin path).
func (s *Store) SessionsForTenant(ctx context.Context, tenantID string) ([]*Session, error) {
	keys, err := s.store.Keys(ctx, sessionPrefix+"*")
	if err != nil {
		return nil, err
	}

	var out []*Session
	for _, key := range keys {
		if strings.HasPrefix(key, tokenPrefix) {
			continue
		}
		sess, err := s.load(ctx, strings.TrimPrefix(key, sessionPrefix))
		if err != nil || sess == nil {
			continue
		}
		if sess.TenantID == tenantID {
			out = append(out, sess)
		}
	}
	return out, nil
}

// load reads a raw record without expiry handling.
func (s *Store) load(ctx context.Context, sid string) (*Session, error) {
	raw, err := s.store.Get(ctx, sessionPrefix+sid)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var sess Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}
