// Command gateway runs the Keyfront BFF security gateway.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/keyfront/gateway/internal/abac"
	"github.com/keyfront/gateway/internal/api"
	"github.com/keyfront/gateway/internal/audit"
	"github.com/keyfront/gateway/internal/config"
	"github.com/keyfront/gateway/internal/cors"
	"github.com/keyfront/gateway/internal/csrf"
	"github.com/keyfront/gateway/internal/errortrack"
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

var version = "dev"

func main() {
	godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var handler slog.Handler
	if cfg.IsProduction() {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	log := slog.New(handler).With("service", "keyfront-gateway")
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("gateway exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := kv.NewRedisStore(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer store.Close()

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	auditLog := audit.NewLogger(store, metrics, log)
	defer auditLog.Close()

	sessions := session.NewStore(store, metrics, log)
	tracker := errortrack.NewTracker(store, auditLog, metrics, log)
	limiter := ratelimit.NewLimiter(store, metrics, log)
	csrfMgr := csrf.NewManager(store, cfg.CSRFSecret())
	corsMgr := cors.NewManager(cfg.CORS.Origins, !cfg.IsProduction())
	gate := validation.NewGate(scanner.New(), cfg.IsProduction())

	// Tenant CORS allowlists are loaded once at boot; the admin endpoints
	// keep the manager current afterwards.
	tenants := tenant.NewManager(store)
	if all, err := tenants.List(ctx); err == nil {
		for _, t := range all {
			corsMgr.SetTenantOrigins(t.ID, t.AllowedOrigins)
		}
	} else {
		log.Warn("tenant origin preload failed", "error", err)
	}

	providerCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	provider, err := oidc.NewProvider(providerCtx, cfg.OIDC)
	cancel()
	if err != nil {
		return fmt.Errorf("oidc discovery: %w", err)
	}
	flow := oidc.NewFlow(provider, sessions, store, metrics, log, cfg.Session.CookieName, cfg.IsProduction())

	abacStore := abac.NewPolicyStore(store)
	engine := abac.NewEngine(abacStore, auditLog, metrics, log)
	if cfg.ABACPolicyFile != "" {
		n, err := abacStore.SeedFromFile(ctx, cfg.ABACPolicyFile)
		if err != nil {
			return fmt.Errorf("seed abac policies: %w", err)
		}
		log.Info("abac policies seeded", "file", cfg.ABACPolicyFile, "count", n)
	}

	minter := tokenexchange.NewMinter(cfg.Signing.JWTSecret, cfg.Signing.Issuer)
	exchangePolicies := tokenexchange.NewPolicyStore(store)
	exchange := tokenexchange.NewService(exchangePolicies, tokenexchange.NewTokenStore(store), minter, auditLog, metrics, log)
	if cfg.TokenExchangePolicyFile != "" {
		n, err := exchangePolicies.SeedFromFile(ctx, cfg.TokenExchangePolicyFile)
		if err != nil {
			return fmt.Errorf("seed token exchange policies: %w", err)
		}
		log.Info("token exchange policies seeded", "file", cfg.TokenExchangePolicyFile, "count", n)
	}

	wsRegistry := wsbridge.NewRegistry(cfg.WebSocket.MaxUserConnections, cfg.WebSocket.MaxTenantConnections, metrics, log)
	checkOrigin := func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return corsMgr.Allowed(origin, r.Header.Get("X-Tenant-ID"))
	}
	bridge := wsbridge.New(wsRegistry, limiter, cfg.Downstream.WSURL, checkOrigin, metrics, log)
	defer bridge.Close()

	signer := logout.NewTokenSigner(cfg.Signing.JWTSecret, cfg.Signing.Issuer)
	logoutStore := logout.NewStore(store)
	orchestrator := logout.NewOrchestrator(sessions, logoutStore,
		logout.NewNotifier(signer, metrics, log), signer, wsRegistry, auditLog, metrics, log)

	fwd, err := proxy.New(cfg.Downstream.APIBase, cfg.Downstream.Timeout, cfg.Downstream.Retries, metrics, log)
	if err != nil {
		return fmt.Errorf("proxy setup: %w", err)
	}

	stack := middleware.NewStack(middleware.Stack{
		Sessions:   sessions,
		Flow:       flow,
		CSRF:       csrfMgr,
		CORS:       corsMgr,
		Limiter:    limiter,
		Gate:       gate,
		Audit:      auditLog,
		Errors:     tracker,
		Metrics:    metrics,
		Log:        log,
		CookieName: cfg.Session.CookieName,
		Secure:     cfg.IsProduction(),
	})

	guard := &handlers.Guard{Engine: engine}
	srv := api.NewServer(fmt.Sprintf(":%d", cfg.Port), stack, api.Handlers{
		Auth:     &handlers.Auth{Flow: flow, CSRF: csrfMgr, Logouts: orchestrator, Secure: cfg.IsProduction(), Log: log},
		ABAC:     &handlers.ABAC{Policies: abacStore, Engine: engine, Guard: guard},
		Exchange: &handlers.TokenExchange{Service: exchange, Policies: exchangePolicies, Guard: guard},
		Logout:   &handlers.Logout{Orchestrator: orchestrator, Store: logoutStore, Guard: guard, Log: log},
		Audit:    &handlers.Audit{Query: audit.NewQuery(store), Guard: guard},
		Tenants:  &handlers.Tenants{Manager: tenants, CORS: corsMgr, Guard: guard},
		Errors:   &handlers.Errors{Tracker: tracker, Guard: guard},
		Health:   handlers.NewHealth(store, provider, bridge, version),
		Proxy:    &handlers.Proxy{Proxy: fwd, Sessions: sessions},
		WS:       &handlers.WS{Bridge: bridge},
	}, registry, log)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
