// Package api assembles the gateway's HTTP surface: the middleware chain,
// the route table, and the server lifecycle.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keyfront/gateway/internal/handlers"
	"github.com/keyfront/gateway/internal/middleware"
)

// Handlers groups the endpoint implementations the router mounts.
type Handlers struct {
	Auth     *handlers.Auth
	ABAC     *handlers.ABAC
	Exchange *handlers.TokenExchange
	Logout   *handlers.Logout
	Audit    *handlers.Audit
	Tenants  *handlers.Tenants
	Errors   *handlers.Errors
	Health   *handlers.Health
	Proxy    *handlers.Proxy
	WS       *handlers.WS
}

// Server is the gateway HTTP server.
type Server struct {
	router *mux.Router
	http   *http.Server
	log    *slog.Logger
}

// NewServer builds the route table. Middleware order is fixed: recovery and
// tracing wrap everything; CORS and rate limiting run before session
// resolution; CSRF and input scanning protect only the session-bound
// routes.
func NewServer(addr string, stack *middleware.Stack, h Handlers, registry *prometheus.Registry, log *slog.Logger) *Server {
	root := mux.NewRouter()
	root.Use(stack.Recover, stack.Trace, stack.Observe, stack.CrossOrigin, stack.RateLimit, stack.Session, stack.UserRateLimit)

	api := root.PathPrefix("/api").Subrouter()

	// Public surface: login flow, IdP back-channel, probes, metrics.
	api.HandleFunc("/login", h.Auth.Login).Methods(http.MethodGet)
	api.HandleFunc("/callback", h.Auth.Callback).Methods(http.MethodGet)
	api.HandleFunc("/logout/backchannel", h.Logout.Backchannel).Methods(http.MethodPost)
	api.HandleFunc("/health", h.Health.Live).Methods(http.MethodGet)
	api.HandleFunc("/health/live", h.Health.Live).Methods(http.MethodGet)
	api.HandleFunc("/health/ready", h.Health.Ready).Methods(http.MethodGet)
	api.HandleFunc("/health/detailed", h.Health.Detailed).Methods(http.MethodGet)
	api.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	// Session-bound surface.
	priv := api.PathPrefix("/").Subrouter()
	priv.Use(stack.RequireSession, stack.CSRFProtect, stack.Validate)

	priv.HandleFunc("/me", h.Auth.Me).Methods(http.MethodGet)
	priv.HandleFunc("/csrf", h.Auth.CSRFToken).Methods(http.MethodGet)
	priv.HandleFunc("/logout", h.Auth.Logout).Methods(http.MethodPost)
	priv.HandleFunc("/token/exchange", h.Exchange.Exchange).Methods(http.MethodPost)
	priv.HandleFunc("/abac/evaluate", h.ABAC.Evaluate).Methods(http.MethodPost)
	priv.HandleFunc("/ws", h.WS.Upgrade).Methods(http.MethodGet)
	priv.HandleFunc("/proxy/{path:.*}", h.Proxy.Forward).
		Methods(http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions)

	// Admin surface: role-gated at the router, policy-gated per handler.
	admin := priv.PathPrefix("/").Subrouter()
	admin.Use(stack.RequireRole("ADMIN"))

	admin.HandleFunc("/abac/policies", h.ABAC.List).Methods(http.MethodGet)
	admin.HandleFunc("/abac/policies", h.ABAC.Save).Methods(http.MethodPost)
	admin.HandleFunc("/abac/policies/{id}", h.ABAC.Get).Methods(http.MethodGet)
	admin.HandleFunc("/abac/policies/{id}", h.ABAC.Save).Methods(http.MethodPut)
	admin.HandleFunc("/abac/policies/{id}", h.ABAC.Delete).Methods(http.MethodDelete)

	admin.HandleFunc("/token-exchange/policies", h.Exchange.ListPolicies).Methods(http.MethodGet)
	admin.HandleFunc("/token-exchange/policies", h.Exchange.SavePolicy).Methods(http.MethodPost)
	admin.HandleFunc("/token-exchange/policies/{id}", h.Exchange.GetPolicy).Methods(http.MethodGet)
	admin.HandleFunc("/token-exchange/policies/{id}", h.Exchange.SavePolicy).Methods(http.MethodPut)
	admin.HandleFunc("/token-exchange/policies/{id}", h.Exchange.DeletePolicy).Methods(http.MethodDelete)

	admin.HandleFunc("/logout/policies", h.Logout.ListPolicies).Methods(http.MethodGet)
	admin.HandleFunc("/logout/policies", h.Logout.SavePolicy).Methods(http.MethodPost)
	admin.HandleFunc("/logout/policies/{id}", h.Logout.SavePolicy).Methods(http.MethodPut)
	admin.HandleFunc("/logout/policies/{id}", h.Logout.DeletePolicy).Methods(http.MethodDelete)
	admin.HandleFunc("/logout/clients", h.Logout.ListClients).Methods(http.MethodGet)
	admin.HandleFunc("/logout/clients", h.Logout.SaveClient).Methods(http.MethodPost)
	admin.HandleFunc("/logout/clients/{clientId}", h.Logout.SaveClient).Methods(http.MethodPut)
	admin.HandleFunc("/logout/clients/{clientId}", h.Logout.DeleteClient).Methods(http.MethodDelete)
	admin.HandleFunc("/logout/backchannel/events", h.Logout.Events).Methods(http.MethodGet)
	admin.HandleFunc("/sessions/{sid}", h.Logout.TerminateSession).Methods(http.MethodDelete)

	admin.HandleFunc("/audit/logs", h.Audit.Logs).Methods(http.MethodGet)
	admin.HandleFunc("/audit/stats", h.Audit.Stats).Methods(http.MethodGet)

	admin.HandleFunc("/tenants", h.Tenants.List).Methods(http.MethodGet)
	admin.HandleFunc("/tenants", h.Tenants.Create).Methods(http.MethodPost)
	admin.HandleFunc("/tenants/{id}", h.Tenants.Get).Methods(http.MethodGet)
	admin.HandleFunc("/tenants/{id}", h.Tenants.Update).Methods(http.MethodPut)
	admin.HandleFunc("/tenants/{id}", h.Tenants.Delete).Methods(http.MethodDelete)
	admin.HandleFunc("/tenants/{id}/keys", h.Tenants.CreateAPIKey).Methods(http.MethodPost)
	admin.HandleFunc("/tenants/{id}/keys/{keyId}", h.Tenants.RevokeAPIKey).Methods(http.MethodDelete)

	admin.HandleFunc("/errors/groups", h.Errors.Groups).Methods(http.MethodGet)
	admin.HandleFunc("/errors/alerts", h.Errors.SaveAlertRule).Methods(http.MethodPost)

	return &Server{
		router: root,
		http: &http.Server{
			Addr:              addr,
			Handler:           root,
			ReadHeaderTimeout: 10 * time.Second,
			// No WriteTimeout: the proxy streams and WebSockets are
			// long-lived; per-request deadlines come from the proxy budget.
		},
		log: log,
	}
}

// Router exposes the route table for tests.
func (s *Server) Router() *mux.Router { return s.router }

// Start serves until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.log.Info("gateway listening", "addr", s.http.Addr)
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
