package cors

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_GlobalAllowlist(t *testing.T) {
	m := NewManager("https://app.example.com, https://other.example.com/", false)

	assert.True(t, m.Allowed("https://app.example.com", ""))
	assert.True(t, m.Allowed("https://other.example.com", ""), "trailing slash normalized")
	assert.False(t, m.Allowed("https://evil.example.com", ""))
	assert.True(t, m.Allowed("", ""), "same-origin requests bypass CORS")
}

func TestManager_WildcardAndDisabled(t *testing.T) {
	assert.True(t, NewManager("*", false).Allowed("https://anything.example", ""))
	assert.False(t, NewManager("false", false).Allowed("https://app.example.com", ""))
}

func TestManager_DevelopmentLocalhost(t *testing.T) {
	m := NewManager("https://app.example.com", true)

	assert.True(t, m.Allowed("http://localhost:3000", ""))
	assert.True(t, m.Allowed("http://127.0.0.1:8081", ""))
	assert.False(t, m.Allowed("https://evil.example.com", ""))

	prod := NewManager("https://app.example.com", false)
	assert.False(t, prod.Allowed("http://localhost:3000", ""))
}

func TestManager_TenantAllowlist(t *testing.T) {
	m := NewManager("https://global.example.com", false)
	m.SetTenantOrigins("t1", []string{"https://t1.example.com"})

	assert.True(t, m.Allowed("https://t1.example.com", "t1"))
	assert.False(t, m.Allowed("https://t1.example.com", "t2"), "tenant origins do not leak across tenants")
	assert.True(t, m.Allowed("https://global.example.com", "t2"), "global fallback still applies")
}

func TestManager_ApplyEchoesOrigin(t *testing.T) {
	m := NewManager("https://app.example.com", false)

	r := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	r.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()

	require.True(t, m.Apply(w, r, ""))
	// Never "*": responses are credentialed.
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
}

func TestManager_PreflightHeaderIntersection(t *testing.T) {
	m := NewManager("https://app.example.com", false)

	r := httptest.NewRequest(http.MethodOptions, "/api/proxy/orders", nil)
	r.Header.Set("Origin", "https://app.example.com")
	r.Header.Set("Access-Control-Request-Headers", "Content-Type, X-CSRF-Token, X-Evil-Header")
	w := httptest.NewRecorder()

	require.True(t, m.Preflight(w, r, ""))
	allowed := w.Header().Get("Access-Control-Allow-Headers")
	assert.Contains(t, allowed, "content-type")
	assert.Contains(t, allowed, "x-csrf-token")
	assert.NotContains(t, allowed, "x-evil-header")
	assert.Equal(t, "600", w.Header().Get("Access-Control-Max-Age"))
}

func TestManager_PreflightRejected(t *testing.T) {
	m := NewManager("https://app.example.com", false)

	r := httptest.NewRequest(http.MethodOptions, "/api/me", nil)
	r.Header.Set("Origin", "https://evil.example.com")
	w := httptest.NewRecorder()

	assert.False(t, m.Preflight(w, r, ""))
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}
