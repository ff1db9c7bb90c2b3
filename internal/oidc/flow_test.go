package oidc

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/oauth2-proxy/mockoidc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyfront/gateway/internal/config"
	"github.com/keyfront/gateway/internal/gateway"
	"github.com/keyfront/gateway/internal/kv"
	"github.com/keyfront/gateway/internal/observability"
	"github.com/keyfront/gateway/internal/session"
)

type flowFixture struct {
	flow     *Flow
	sessions *session.Store
	store    kv.Store
	idp      *mockoidc.MockOIDC
}

func newFlowFixture(t *testing.T) *flowFixture {
	t.Helper()

	idp, err := mockoidc.Run()
	require.NoError(t, err)
	t.Cleanup(func() { idp.Shutdown() })

	idp.QueueUser(&mockoidc.MockUser{
		Subject:           "user123",
		Email:             "user@example.com",
		PreferredUsername: "user",
	})

	mr := miniredis.RunT(t)
	store := kv.NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	sessions := session.NewStore(store, metrics, slog.Default())

	cfg := idp.Config()
	provider, err := NewProvider(context.Background(), config.OIDCConfig{
		IssuerURL:    cfg.Issuer,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURI:  "http://gateway.local/api/callback",
	})
	require.NoError(t, err)

	flow := NewFlow(provider, sessions, store, metrics, slog.Default(), "keyfront.sid", false)
	return &flowFixture{flow: flow, sessions: sessions, store: store, idp: idp}
}

// authorize drives the mock IdP's authorization endpoint and returns the
// code it issues for our callback.
func (fx *flowFixture) authorize(t *testing.T, authURL string) (code, state string) {
	t.Helper()

	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		Timeout:       5 * time.Second,
	}
	resp, err := client.Get(authURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	loc, err := resp.Location()
	require.NoError(t, err)
	return loc.Query().Get("code"), loc.Query().Get("state")
}

func TestFlow_StartLogin(t *testing.T) {
	fx := newFlowFixture(t)

	authURL, err := fx.flow.StartLogin(context.Background(), "/home", "t1")
	require.NoError(t, err)

	u, err := url.Parse(authURL)
	require.NoError(t, err)
	q := u.Query()
	assert.NotEmpty(t, q.Get("state"))
	assert.NotEmpty(t, q.Get("nonce"))
	assert.NotEmpty(t, q.Get("code_challenge"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))

	// State record persisted for the callback.
	_, err = fx.store.Get(context.Background(), statePrefix+q.Get("state"))
	assert.NoError(t, err)
}

func TestFlow_CompleteLogin(t *testing.T) {
	fx := newFlowFixture(t)
	ctx := context.Background()

	authURL, err := fx.flow.StartLogin(ctx, "/home", "")
	require.NoError(t, err)
	code, state := fx.authorize(t, authURL)
	require.NotEmpty(t, code)

	sess, cookie, redirect, err := fx.flow.CompleteLogin(ctx, code, state)
	require.NoError(t, err)

	assert.Equal(t, "user123", sess.Sub)
	assert.Equal(t, "user@example.com", sess.Email)
	assert.Equal(t, "default", sess.TenantID, "tenant falls back when the IdP sends none")
	assert.Equal(t, "/home", redirect)

	assert.Equal(t, "keyfront.sid", cookie.Name)
	assert.Equal(t, sess.SID, cookie.Value)
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, cookie.SameSite)

	// The session resolves and the blob holds the IdP tokens server-side.
	got, err := fx.sessions.Resolve(ctx, sess.SID)
	require.NoError(t, err)
	require.NotNil(t, got)

	blob, err := fx.sessions.Tokens(ctx, got)
	require.NoError(t, err)
	require.NotNil(t, blob)
	assert.NotEmpty(t, blob.AccessToken)
}

func TestFlow_StateIsSingleUse(t *testing.T) {
	fx := newFlowFixture(t)
	ctx := context.Background()

	authURL, err := fx.flow.StartLogin(ctx, "/", "")
	require.NoError(t, err)
	code, state := fx.authorize(t, authURL)

	_, _, _, err = fx.flow.CompleteLogin(ctx, code, state)
	require.NoError(t, err)

	// Replaying the callback with the consumed state fails.
	_, _, _, err = fx.flow.CompleteLogin(ctx, code, state)
	var ge *gateway.Error
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, gateway.CodeOAuthStateInvalid, ge.Code)
}

func TestFlow_UnknownStateRejected(t *testing.T) {
	fx := newFlowFixture(t)

	_, _, _, err := fx.flow.CompleteLogin(context.Background(), "code", "never-issued")
	var ge *gateway.Error
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, gateway.CodeOAuthStateInvalid, ge.Code)
}

func TestFlow_RedirectTargetMustBeLocal(t *testing.T) {
	fx := newFlowFixture(t)
	ctx := context.Background()

	authURL, err := fx.flow.StartLogin(ctx, "https://evil.example.com/", "")
	require.NoError(t, err)
	code, state := fx.authorize(t, authURL)

	_, _, redirect, err := fx.flow.CompleteLogin(ctx, code, state)
	require.NoError(t, err)
	assert.Equal(t, "/", redirect)
}

func TestFlow_LogoutDestroysSession(t *testing.T) {
	fx := newFlowFixture(t)
	ctx := context.Background()

	authURL, err := fx.flow.StartLogin(ctx, "/", "")
	require.NoError(t, err)
	code, state := fx.authorize(t, authURL)
	sess, _, _, err := fx.flow.CompleteLogin(ctx, code, state)
	require.NoError(t, err)

	_, err = fx.flow.Logout(ctx, sess, "")
	require.NoError(t, err)

	got, err := fx.sessions.Resolve(ctx, sess.SID)
	require.NoError(t, err)
	assert.Nil(t, got)
}
