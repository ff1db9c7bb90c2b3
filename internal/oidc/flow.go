package oidc

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/keyfront/gateway/internal/gateway"
	"github.com/keyfront/gateway/internal/kv"
	"github.com/keyfront/gateway/internal/observability"
	"github.com/keyfront/gateway/internal/session"
)

const (
	statePrefix = "oauth:state:"
	stateTTL    = 10 * time.Minute

	// Refresh when the access token has less than this left.
	refreshSkew = 60 * time.Second
)

// loginState is the one-shot record persisted between /login and /callback.
type loginState struct {
	State       string `json:"state"`
	Nonce       string `json:"nonce"`
	Verifier    string `json:"codeVerifier"`
	RedirectURI string `json:"redirectUri"`
	TenantID    string `json:"tenantId,omitempty"`
	CreatedAt   int64  `json:"createdAt"`
}

// idTokenClaims is the claim set the gateway reads from the ID token.
type idTokenClaims struct {
	Nonce             string   `json:"nonce"`
	Email             string   `json:"email"`
	Name              string   `json:"name"`
	PreferredUsername string   `json:"preferred_username"`
	TenantID          string   `json:"tenantId"`
	Roles             []string `json:"roles"`
	Permissions       []string `json:"permissions"`
	RealmAccess       struct {
		Roles []string `json:"roles"`
	} `json:"realm_access"`
	Azp string `json:"azp"`
}

// Flow drives the login lifecycle against the IdP.
type Flow struct {
	provider *Provider
	sessions *session.Store
	store    kv.Store
	metrics  *observability.Metrics
	log      *slog.Logger

	cookieName string
	secure     bool
	now        func() time.Time
}

func NewFlow(provider *Provider, sessions *session.Store, store kv.Store, metrics *observability.Metrics, log *slog.Logger, cookieName string, secure bool) *Flow {
	return &Flow{
		provider:   provider,
		sessions:   sessions,
		store:      store,
		metrics:    metrics,
		log:        log,
		cookieName: cookieName,
		secure:     secure,
		now:        time.Now,
	}
}

// StartLogin allocates state, nonce, and a PKCE verifier, persists them for
// the callback, and returns the IdP authorization URL.
func (f *Flow) StartLogin(ctx context.Context, redirectTarget, tenantID string) (string, error) {
	state, err := randomToken()
	if err != nil {
		return "", gateway.Internal(err)
	}
	nonce, err := randomToken()
	if err != nil {
		return "", gateway.Internal(err)
	}
	verifier := oauth2.GenerateVerifier()

	rec := loginState{
		State:       state,
		Nonce:       nonce,
		Verifier:    verifier,
		RedirectURI: redirectTarget,
		TenantID:    tenantID,
		CreatedAt:   f.now().UnixMilli(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", gateway.Internal(err)
	}
	if err := f.store.Set(ctx, statePrefix+state, string(data), stateTTL); err != nil {
		return "", gateway.Internal(fmt.Errorf("persist login state: %w", err))
	}

	return f.provider.AuthCodeURL(state, nonce, verifier), nil
}

// CompleteLogin consumes the state record, exchanges the code, verifies the
// ID token, and creates the session. Returns the session, its cookie, and
// the post-login redirect target.
func (f *Flow) CompleteLogin(ctx context.Context, code, state string) (*session.Session, *http.Cookie, string, error) {
	raw, err := f.store.GetDel(ctx, statePrefix+state)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil, "", gateway.OAuthStateInvalid()
	}
	if err != nil {
		return nil, nil, "", gateway.Internal(err)
	}
	var rec loginState
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, nil, "", gateway.OAuthStateInvalid()
	}

	token, err := f.provider.Exchange(ctx, code, rec.Verifier)
	if err != nil {
		f.metrics.LoginsTotal.WithLabelValues("error").Inc()
		return nil, nil, "", gateway.OIDCUnavailable(err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		f.metrics.LoginsTotal.WithLabelValues("error").Inc()
		return nil, nil, "", gateway.OIDCInvalidToken(errors.New("token response has no id_token"))
	}

	idToken, err := f.provider.VerifyIDToken(ctx, rawIDToken)
	if err != nil {
		f.metrics.LoginsTotal.WithLabelValues("invalid").Inc()
		return nil, nil, "", gateway.OIDCInvalidToken(err)
	}

	var claims idTokenClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, nil, "", gateway.OIDCInvalidToken(err)
	}
	if claims.Nonce != rec.Nonce {
		f.metrics.LoginsTotal.WithLabelValues("invalid").Inc()
		return nil, nil, "", gateway.OIDCInvalidToken(errors.New("nonce mismatch"))
	}

	tenantID := claims.TenantID
	if tenantID == "" {
		tenantID = rec.TenantID
	}
	if tenantID == "" {
		tenantID = "default"
	}

	expiresAt := token.Expiry
	if expiresAt.IsZero() {
		expiresAt = idToken.Expiry
	}

	sess, err := f.sessions.Create(ctx, session.Session{
		Sub:         idToken.Subject,
		TenantID:    tenantID,
		Email:       claims.Email,
		Name:        displayName(claims),
		Roles:       mergeRoles(claims),
		Permissions: claims.Permissions,
		ClientID:    claims.Azp,
		ExpiresAt:   expiresAt.UnixMilli(),
	}, session.TokenBlob{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		IDToken:      rawIDToken,
		ExpiresAt:    expiresAt.UnixMilli(),
	})
	if err != nil {
		return nil, nil, "", gateway.Internal(err)
	}

	f.metrics.LoginsTotal.WithLabelValues("success").Inc()
	f.log.Info("session created",
		"sub", sess.Sub, "tenant", sess.TenantID, "expiresAt", sess.ExpiresAt)

	redirect := rec.RedirectURI
	if redirect == "" || !strings.HasPrefix(redirect, "/") {
		// Only local redirect targets; anything else is an open redirect.
		redirect = "/"
	}
	return sess, f.Cookie(sess.SID), redirect, nil
}

// RefreshIfNeeded transparently refreshes the access token when it is near
// expiry. On refresh failure the session is destroyed and the caller sees
// SESSION_EXPIRED.
func (f *Flow) RefreshIfNeeded(ctx context.Context, sess *session.Session) error {
	blob, err := f.sessions.Tokens(ctx, sess)
	if err != nil {
		return gateway.Internal(err)
	}
	if blob == nil {
		f.sessions.Destroy(ctx, sess.SID)
		return gateway.SessionExpired()
	}
	if time.UnixMilli(blob.ExpiresAt).Sub(f.now()) > refreshSkew {
		return nil
	}
	if blob.RefreshToken == "" {
		f.sessions.Destroy(ctx, sess.SID)
		return gateway.SessionExpired()
	}

	token, err := f.provider.Refresh(ctx, blob.RefreshToken)
	if err != nil {
		f.metrics.SessionRefresh.WithLabelValues("failure").Inc()
		f.sessions.Destroy(ctx, sess.SID)
		return gateway.SessionExpired()
	}

	refreshToken := token.RefreshToken
	if refreshToken == "" {
		refreshToken = blob.RefreshToken
	}
	if err := f.sessions.UpdateTokens(ctx, sess, session.TokenBlob{
		AccessToken:  token.AccessToken,
		RefreshToken: refreshToken,
		IDToken:      blob.IDToken,
		ExpiresAt:    token.Expiry.UnixMilli(),
	}); err != nil {
		f.metrics.SessionRefresh.WithLabelValues("failure").Inc()
		return gateway.SessionExpired()
	}

	f.metrics.SessionRefresh.WithLabelValues("success").Inc()
	return nil
}

// Logout destroys the session and returns the IdP end-session URL when the
// provider advertises one.
func (f *Flow) Logout(ctx context.Context, sess *session.Session, postLogoutRedirect string) (string, error) {
	var idTokenHint string
	if blob, err := f.sessions.Tokens(ctx, sess); err == nil && blob != nil {
		idTokenHint = blob.IDToken
	}
	if err := f.sessions.Destroy(ctx, sess.SID); err != nil {
		return "", gateway.Internal(err)
	}
	return f.provider.EndSessionURL(idTokenHint, postLogoutRedirect), nil
}

// Cookie builds the session cookie.
func (f *Flow) Cookie(sid string) *http.Cookie {
	return &http.Cookie{
		Name:     f.cookieName,
		Value:    sid,
		Path:     "/",
		HttpOnly: true,
		Secure:   f.secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// ClearCookie expires the session cookie.
func (f *Flow) ClearCookie() *http.Cookie {
	return &http.Cookie{
		Name:     f.cookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   f.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	}
}

func displayName(claims idTokenClaims) string {
	if claims.Name != "" {
		return claims.Name
	}
	return claims.PreferredUsername
}

func mergeRoles(claims idTokenClaims) []string {
	seen := make(map[string]bool)
	var roles []string
	for _, set := range [][]string{claims.Roles, claims.RealmAccess.Roles} {
		for _, r := range set {
			if !seen[r] {
				seen[r] = true
				roles = append(roles, r)
			}
		}
	}
	return roles
}

func randomToken() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
