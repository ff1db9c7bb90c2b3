// Package cors implements per-tenant origin allowlists with a global
// fallback derived from CORS_ORIGINS.
package cors

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
)

const (
	maxAgeSeconds  = 600
	allowedMethods = "GET, POST, PUT, PATCH, DELETE, OPTIONS"
)

// Default request headers the gateway accepts on preflight; tenant lists
// intersect with what the client asks for.
var defaultAllowedHeaders = []string{
	"accept", "authorization", "content-type", "x-csrf-token", "x-tenant-id", "x-requested-with",
}

// Manager decides whether an origin may talk to the gateway.
type Manager struct {
	mu sync.RWMutex

	// global policy from CORS_ORIGINS: "*", "false", or explicit origins
	allowAll bool
	disabled bool
	global   map[string]bool

	// tenant-specific allowlists layered on top
	tenants map[string]map[string]bool

	development bool
}

// NewManager parses the CORS_ORIGINS value: "*" allows any origin,
// "false" disables cross-origin access, anything else is a CSV allowlist.
func NewManager(origins string, development bool) *Manager {
	m := &Manager{
		global:      make(map[string]bool),
		tenants:     make(map[string]map[string]bool),
		development: development,
	}
	switch strings.TrimSpace(origins) {
	case "*":
		m.allowAll = true
	case "false":
		m.disabled = true
	default:
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				m.global[strings.TrimRight(o, "/")] = true
			}
		}
	}
	return m
}

// SetTenantOrigins replaces the allowlist for one tenant.
func (m *Manager) SetTenantOrigins(tenantID string, origins []string) {
	set := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o = strings.TrimSpace(o); o != "" {
			set[strings.TrimRight(o, "/")] = true
		}
	}
	m.mu.Lock()
	m.tenants[tenantID] = set
	m.mu.Unlock()
}

// Allowed reports whether origin may access the gateway, optionally scoped
// to a tenant.
func (m *Manager) Allowed(origin, tenantID string) bool {
	if origin == "" {
		// Same-origin or non-browser client; CORS does not apply.
		return true
	}
	if m.disabled {
		return false
	}
	if m.allowAll {
		return true
	}
	if m.development && isLocalhost(origin) {
		return true
	}

	origin = strings.TrimRight(origin, "/")

	m.mu.RLock()
	defer m.mu.RUnlock()
	if tenantID != "" {
		if set, ok := m.tenants[tenantID]; ok && set[origin] {
			return true
		}
	}
	return m.global[origin]
}

// Apply writes response headers for a non-preflight request. Returns false
// when the origin is rejected. The allowed origin is echoed back verbatim;
// "*" is never sent because the gateway uses credentialed requests.
func (m *Manager) Apply(w http.ResponseWriter, r *http.Request, tenantID string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if !m.Allowed(origin, tenantID) {
		return false
	}

	h := w.Header()
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Credentials", "true")
	h.Add("Vary", "Origin")
	return true
}

// Preflight handles an OPTIONS preflight. The response echoes only the
// intersection of requested headers with the allowlist.
func (m *Manager) Preflight(w http.ResponseWriter, r *http.Request, tenantID string) bool {
	origin := r.Header.Get("Origin")
	if !m.Allowed(origin, tenantID) {
		return false
	}

	h := w.Header()
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Credentials", "true")
	h.Set("Access-Control-Allow-Methods", allowedMethods)
	h.Set("Access-Control-Max-Age", strconv.Itoa(maxAgeSeconds))
	h.Add("Vary", "Origin")

	if requested := r.Header.Get("Access-Control-Request-Headers"); requested != "" {
		var granted []string
		for _, name := range strings.Split(requested, ",") {
			name = strings.ToLower(strings.TrimSpace(name))
			for _, allowed := range defaultAllowedHeaders {
				if name == allowed {
					granted = append(granted, name)
					break
				}
			}
		}
		if len(granted) > 0 {
			h.Set("Access-Control-Allow-Headers", strings.Join(granted, ", "))
		}
	}
	return true
}

// isLocalhost accepts http(s)://localhost[:port] and 127.0.0.1 in
// development on any port.
func isLocalhost(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1"
}
