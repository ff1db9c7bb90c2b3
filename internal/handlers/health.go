package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/keyfront/gateway/internal/gateway"
	"github.com/keyfront/gateway/internal/kv"
	"github.com/keyfront/gateway/internal/oidc"
	"github.com/keyfront/gateway/internal/wsbridge"
)

// Health serves the liveness and readiness probes.
type Health struct {
	Store    kv.Store
	Provider *oidc.Provider
	Bridge   *wsbridge.Bridge
	Version  string

	started time.Time
}

func NewHealth(store kv.Store, provider *oidc.Provider, bridge *wsbridge.Bridge, version string) *Health {
	return &Health{Store: store, Provider: provider, Bridge: bridge, Version: version, started: time.Now()}
}

// Live answers as long as the process serves requests.
func (h *Health) Live(w http.ResponseWriter, r *http.Request) {
	gateway.WriteJSON(w, http.StatusOK, traceID(r), map[string]string{"status": "alive"})
}

// Ready fails when the KV store is unreachable; the gateway cannot resolve
// sessions without it.
func (h *Health) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.Store.Ping(ctx); err != nil {
		gateway.WriteError(w, traceID(r), gateway.ServiceUnavailable("kv store unreachable"))
		return
	}
	gateway.WriteJSON(w, http.StatusOK, traceID(r), map[string]string{"status": "ready"})
}

// Detailed reports per-dependency checks for operators.
func (h *Health) Detailed(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{"kv": "ok"}
	healthy := true
	if err := h.Store.Ping(ctx); err != nil {
		checks["kv"] = err.Error()
		healthy = false
	}

	data := map[string]interface{}{
		"status":        "healthy",
		"version":       h.Version,
		"uptimeSeconds": int(time.Since(h.started).Seconds()),
		"checks":        checks,
	}
	if h.Bridge != nil {
		conns, subs := h.Bridge.Registry().Counts()
		data["websocket"] = map[string]int{"connections": conns, "subscriptions": subs}
	}

	status := http.StatusOK
	if !healthy {
		data["status"] = "degraded"
		status = http.StatusServiceUnavailable
	}
	gateway.WriteJSON(w, status, traceID(r), data)
}
