// Package csrf implements double-submit CSRF tokens HMAC-bound to the
// session.
//
// A token is 32 random bytes in hex; its record at csrf:{sid}:{token}
// carries HMAC_SHA256(secret, token||sid) so a token can never be replayed
// against another session. Tokens rotate on every successful unsafe request.
package csrf

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/keyfront/gateway/internal/gateway"
	"github.com/keyfront/gateway/internal/kv"
)

// HeaderName is the preferred token carrier on unsafe requests.
const HeaderName = "x-csrf-token"

// CookieName exposes the current token to the SPA.
const CookieName = "keyfront.csrf"

const defaultTTL = time.Hour

// Record is the stored token state.
type Record struct {
	Token     string `json:"token"`
	Hash      string `json:"hash"`
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId,omitempty"`
	TenantID  string `json:"tenantId,omitempty"`
	ExpiresAt int64  `json:"expiresAt"` // ms since epoch
}

// Manager issues and verifies CSRF tokens.
type Manager struct {
	store  kv.Store
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewManager(store kv.Store, secret string) *Manager {
	return &Manager{
		store:  store,
		secret: []byte(secret),
		ttl:    defaultTTL,
		now:    time.Now,
	}
}

// CreateTokenHash binds token to sid under the manager's secret.
func (m *Manager) CreateTokenHash(token, sid string) string {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(token + sid))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyTokenHash checks the binding in constant time.
func (m *Manager) VerifyTokenHash(token, hash, sid string) bool {
	expected := m.CreateTokenHash(token, sid)
	return hmac.Equal([]byte(expected), []byte(hash))
}

// Issue mints a fresh token for the session and persists its record.
func (m *Manager) Issue(ctx context.Context, sid, userID, tenantID string) (*Record, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("csrf token entropy: %w", err)
	}
	token := hex.EncodeToString(raw)

	rec := &Record{
		Token:     token,
		Hash:      m.CreateTokenHash(token, sid),
		SessionID: sid,
		UserID:    userID,
		TenantID:  tenantID,
		ExpiresAt: m.now().Add(m.ttl).UnixMilli(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	if err := m.store.Set(ctx, m.key(sid, token), string(data), m.ttl); err != nil {
		return nil, fmt.Errorf("persist csrf token: %w", err)
	}
	return rec, nil
}

// Verify checks a presented token against the session. Expired tokens are
// evicted on access. On success the token is consumed so the caller can
// rotate.
func (m *Manager) Verify(ctx context.Context, sid, token string) error {
	if token == "" {
		return gateway.New(gateway.CodeCSRFMissingToken, "csrf token required", http.StatusForbidden)
	}

	key := m.key(sid, token)
	raw, err := m.store.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return invalidToken()
	}
	if err != nil {
		return gateway.Internal(err)
	}

	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return invalidToken()
	}

	if m.now().UnixMilli() >= rec.ExpiresAt {
		m.store.Del(ctx, key)
		return invalidToken()
	}
	if !m.VerifyTokenHash(rec.Token, rec.Hash, sid) {
		return invalidToken()
	}
	if rec.SessionID != sid {
		return invalidToken()
	}

	// Consume: a verified token is single-use.
	if _, err := m.store.Del(ctx, key); err != nil {
		return gateway.Internal(err)
	}
	return nil
}

// InvalidateSession removes every token bound to sid. Called on session
// destruction.
func (m *Manager) InvalidateSession(ctx context.Context, sid string) error {
	keys, err := m.store.Keys(ctx, "csrf:"+sid+":*")
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	_, err = m.store.Del(ctx, keys...)
	return err
}

// Cookie builds the client-visible token cookie.
func (m *Manager) Cookie(token string, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(m.ttl.Seconds()),
	}
}

func (m *Manager) key(sid, token string) string {
	return "csrf:" + sid + ":" + token
}

func invalidToken() *gateway.Error {
	return gateway.New(gateway.CodeCSRFInvalidToken, "csrf token invalid or expired", http.StatusForbidden)
}
