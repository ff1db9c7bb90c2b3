package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/oauth2-proxy/mockoidc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyfront/gateway/internal/abac"
	"github.com/keyfront/gateway/internal/audit"
	"github.com/keyfront/gateway/internal/config"
	"github.com/keyfront/gateway/internal/cors"
	"github.com/keyfront/gateway/internal/csrf"
	"github.com/keyfront/gateway/internal/errortrack"
	"github.com/keyfront/gateway/internal/gateway"
	"github.com/keyfront/gateway/internal/handlers"
	"github.com/keyfront/gateway/internal/kv"
	"github.com/keyfront/gateway/internal/logout"
	"github.com/keyfront/gateway/internal/middleware"
	"github.com/keyfront/gateway/internal/observability"
	"github.com/keyfront/gateway/internal/oidc"
	"github.com/keyfront/gateway/internal/proxy"
	"github.com/keyfront/gateway/internal/ratelimit"
	"github.com/keyfront/gateway/internal/scanner"
	"github.com/keyfront/gateway/internal/session"
	"github.com/keyfront/gateway/internal/tenant"
	"github.com/keyfront/gateway/internal/tokenexchange"
	"github.com/keyfront/gateway/internal/validation"
	"github.com/keyfront/gateway/internal/wsbridge"
)

// swapHandler lets the gateway test server exist before the router that
// serves it: the OIDC redirect URI must point at the server's URL.
type swapHandler struct {
	mu sync.Mutex
	h  http.Handler
}

func (s *swapHandler) set(h http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.h = h
}

func (s *swapHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	h := s.h
	s.mu.Unlock()
	h.ServeHTTP(w, r)
}

type gatewayFixture struct {
	server     *httptest.Server
	downstream *httptest.Server
	idp        *mockoidc.MockOIDC
	store      kv.Store
	sessions   *session.Store
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()

	idp, err := mockoidc.Run()
	require.NoError(t, err)
	t.Cleanup(func() { idp.Shutdown() })

	swap := &swapHandler{h: http.NotFoundHandler()}
	ts := httptest.NewServer(swap)
	t.Cleanup(ts.Close)

	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"path": r.URL.Path,
			"user": r.Header.Get("X-User-ID"),
		})
	}))
	t.Cleanup(downstream.Close)

	mr := miniredis.RunT(t)
	store := kv.NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	log := slog.Default()

	auditLog := audit.NewLogger(store, metrics, log)
	t.Cleanup(auditLog.Close)

	sessions := session.NewStore(store, metrics, log)
	tracker := errortrack.NewTracker(store, auditLog, metrics, log)
	limiter := ratelimit.NewLimiter(store, metrics, log)
	csrfMgr := csrf.NewManager(store, "csrf-secret")
	corsMgr := cors.NewManager("*", true)

	idpCfg := idp.Config()
	provider, err := oidc.NewProvider(context.Background(), config.OIDCConfig{
		IssuerURL:    idpCfg.Issuer,
		ClientID:     idpCfg.ClientID,
		ClientSecret: idpCfg.ClientSecret,
		RedirectURI:  ts.URL + "/api/callback",
	})
	require.NoError(t, err)
	flow := oidc.NewFlow(provider, sessions, store, metrics, log, "keyfront.sid", false)

	abacStore := abac.NewPolicyStore(store)
	engine := abac.NewEngine(abacStore, auditLog, metrics, log)

	minter := tokenexchange.NewMinter("jwt-secret", "keyfront")
	exchangePolicies := tokenexchange.NewPolicyStore(store)
	exchange := tokenexchange.NewService(exchangePolicies, tokenexchange.NewTokenStore(store), minter, auditLog, metrics, log)

	wsRegistry := wsbridge.NewRegistry(5, 100, metrics, log)
	bridge := wsbridge.New(wsRegistry, limiter, "ws://127.0.0.1:1/ws", func(*http.Request) bool { return true }, metrics, log)
	t.Cleanup(bridge.Close)

	signer := logout.NewTokenSigner("jwt-secret", "keyfront")
	logoutStore := logout.NewStore(store)
	orchestrator := logout.NewOrchestrator(sessions, logoutStore,
		logout.NewNotifier(signer, metrics, log), signer, wsRegistry, auditLog, metrics, log)

	fwd, err := proxy.New(downstream.URL, 5*time.Second, 1, metrics, log)
	require.NoError(t, err)

	stack := middleware.NewStack(middleware.Stack{
		Sessions:   sessions,
		Flow:       flow,
		CSRF:       csrfMgr,
		CORS:       corsMgr,
		Limiter:    limiter,
		Gate:       validation.NewGate(scanner.New(), false),
		Audit:      auditLog,
		Errors:     tracker,
		Metrics:    metrics,
		Log:        log,
		CookieName: "keyfront.sid",
	})

	guard := &handlers.Guard{Engine: engine}
	srv := NewServer(":0", stack, Handlers{
		Auth:     &handlers.Auth{Flow: flow, CSRF: csrfMgr, Logouts: orchestrator, Log: log},
		ABAC:     &handlers.ABAC{Policies: abacStore, Engine: engine, Guard: guard},
		Exchange: &handlers.TokenExchange{Service: exchange, Policies: exchangePolicies, Guard: guard},
		Logout:   &handlers.Logout{Orchestrator: orchestrator, Store: logoutStore, Guard: guard, Log: log},
		Audit:    &handlers.Audit{Query: audit.NewQuery(store), Guard: guard},
		Tenants:  &handlers.Tenants{Manager: tenant.NewManager(store), CORS: corsMgr, Guard: guard},
		Errors:   &handlers.Errors{Tracker: tracker, Guard: guard},
		Health:   handlers.NewHealth(store, provider, bridge, "test"),
		Proxy:    &handlers.Proxy{Proxy: fwd, Sessions: sessions},
		WS:       &handlers.WS{Bridge: bridge},
	}, registry, log)
	swap.set(srv.Router())

	return &gatewayFixture{server: ts, downstream: downstream, idp: idp, store: store, sessions: sessions}
}

// login drives the full code flow through the real endpoints and returns a
// client holding the session and csrf cookies.
func (fx *gatewayFixture) login(t *testing.T, groups ...string) *http.Client {
	t.Helper()

	fx.idp.QueueUser(&mockoidc.MockUser{
		Subject:           "user123",
		Email:             "user@example.com",
		PreferredUsername: "user",
		Groups:            groups,
	})

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	client := &http.Client{Jar: jar, Timeout: 10 * time.Second}

	resp, err := client.Get(fx.server.URL + "/api/login?redirect=/home")
	require.NoError(t, err)
	resp.Body.Close()

	u, _ := url.Parse(fx.server.URL)
	var sid bool
	for _, c := range jar.Cookies(u) {
		if c.Name == "keyfront.sid" {
			sid = true
		}
	}
	require.True(t, sid, "login flow establishes the session cookie")
	return client
}

func (fx *gatewayFixture) csrfToken(t *testing.T, client *http.Client) string {
	t.Helper()
	u, _ := url.Parse(fx.server.URL)
	for _, c := range client.Jar.Cookies(u) {
		if c.Name == csrf.CookieName {
			return c.Value
		}
	}
	t.Fatal("csrf cookie not present")
	return ""
}

func decodeEnvelope(t *testing.T, r io.Reader) gateway.Response {
	t.Helper()
	var env gateway.Response
	require.NoError(t, json.NewDecoder(r).Decode(&env))
	return env
}

func TestServer_LoginThenMe(t *testing.T) {
	fx := newGatewayFixture(t)
	client := fx.login(t)

	resp, err := client.Get(fx.server.URL + "/api/me")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	env := decodeEnvelope(t, resp.Body)
	require.True(t, env.Success)
	profile := env.Data.(map[string]interface{})
	assert.Equal(t, "user123", profile["id"])
	assert.NotContains(t, profile, "accessTokenRef")
}

func TestServer_MeRequiresSession(t *testing.T) {
	fx := newGatewayFixture(t)

	resp, err := http.Get(fx.server.URL + "/api/me")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	env := decodeEnvelope(t, resp.Body)
	assert.Equal(t, gateway.CodeUnauthorized, env.Error.Code)
	assert.NotEmpty(t, env.Error.TraceID)
	assert.NotEmpty(t, resp.Header.Get(gateway.TraceHeader))
}

func TestServer_AdminRouteNeedsAdminRole(t *testing.T) {
	fx := newGatewayFixture(t)
	client := fx.login(t)

	resp, err := client.Get(fx.server.URL + "/api/tenants")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, gateway.CodeForbidden, decodeEnvelope(t, resp.Body).Error.Code)
}

func TestServer_CSRFEnforcedOnUnsafeMethods(t *testing.T) {
	fx := newGatewayFixture(t)
	client := fx.login(t)

	// Without the header.
	resp, err := client.Post(fx.server.URL+"/api/logout", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// With the double-submit token.
	req, _ := http.NewRequest(http.MethodPost, fx.server.URL+"/api/logout", nil)
	req.Header.Set(csrf.HeaderName, fx.csrfToken(t, client))
	resp, err = client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The session is gone afterwards.
	resp2, err := client.Get(fx.server.URL + "/api/me")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
}

func TestServer_ProxyInjectsIdentity(t *testing.T) {
	fx := newGatewayFixture(t)
	client := fx.login(t)

	resp, err := client.Get(fx.server.URL + "/api/proxy/orders/42?limit=5")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "/api/v1/orders/42", body["path"])
	assert.Equal(t, "user123", body["user"])
}

func TestServer_ProxyRejectsUnsupportedMethods(t *testing.T) {
	fx := newGatewayFixture(t)
	client := fx.login(t)

	req, err := http.NewRequest(http.MethodTrace, fx.server.URL+"/api/proxy/orders/42", nil)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestServer_HealthAndMetrics(t *testing.T) {
	fx := newGatewayFixture(t)

	resp, err := http.Get(fx.server.URL + "/api/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(fx.server.URL + "/api/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(raw), "keyfront_"))
}

func TestServer_ABACEvaluateEndpoint(t *testing.T) {
	fx := newGatewayFixture(t)
	client := fx.login(t)

	payload := `{"resource":{"type":"document","id":"d1"},"action":{"type":"read"}}`
	req, _ := http.NewRequest(http.MethodPost, fx.server.URL+"/api/abac/evaluate", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(csrf.HeaderName, fx.csrfToken(t, client))
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	env := decodeEnvelope(t, resp.Body)
	require.True(t, env.Success)
	eval := env.Data.(map[string]interface{})
	assert.Equal(t, string(abac.DecisionNotApplicable), eval["decision"])
}

func TestServer_BackchannelLogoutTerminatesSession(t *testing.T) {
	fx := newGatewayFixture(t)
	client := fx.login(t)

	// Find the live session to learn its subject and tenant.
	sessList, err := fx.sessions.SessionsForTenant(context.Background(), "default")
	require.NoError(t, err)
	require.Len(t, sessList, 1)

	signer := logout.NewTokenSigner("jwt-secret", "keyfront")
	token, err := signer.Mint("", sessList[0].Sub, sessList[0].SID, time.Minute)
	require.NoError(t, err)

	resp, err := http.PostForm(fx.server.URL+"/api/logout/backchannel?tenant=default",
		url.Values{"logout_token": {token}})
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, err := client.Get(fx.server.URL + "/api/me")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
}
