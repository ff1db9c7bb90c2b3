// Package middleware assembles the gateway's cross-cutting HTTP concerns:
// panic recovery, trace propagation, CORS, rate limiting, session
// resolution, CSRF verification, and input scanning.
//
// Intended order, outermost first: Recover, Trace, Observe, CORS,
// RateLimit, Session. CSRF, Validate, and RequireSession mount on the
// protected subrouters.
package middleware

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/keyfront/gateway/internal/audit"
	"github.com/keyfront/gateway/internal/cors"
	"github.com/keyfront/gateway/internal/csrf"
	"github.com/keyfront/gateway/internal/errortrack"
	"github.com/keyfront/gateway/internal/gateway"
	"github.com/keyfront/gateway/internal/observability"
	"github.com/keyfront/gateway/internal/oidc"
	"github.com/keyfront/gateway/internal/ratelimit"
	"github.com/keyfront/gateway/internal/session"
	"github.com/keyfront/gateway/internal/validation"
)

// maxScanBytes bounds how much of a JSON body the scanner will buffer.
// Larger bodies pass through unscanned rather than stalling the proxy path.
const maxScanBytes = 1 << 20

// Default rate limit rules. Overridable per Stack.
var (
	DefaultGlobalRule = ratelimit.Rule{Name: "global_ip", Window: time.Minute, Max: 300}
	DefaultLoginRule  = ratelimit.Rule{Name: "login_ip", Window: time.Minute, Max: 10}
	DefaultUserRule   = ratelimit.Rule{Name: "user", Window: time.Minute, Max: 120}
)

// Stack carries the shared dependencies of every middleware.
type Stack struct {
	Sessions *session.Store
	Flow     *oidc.Flow
	CSRF     *csrf.Manager
	CORS     *cors.Manager
	Limiter  *ratelimit.Limiter
	Gate     *validation.Gate
	Audit    *audit.Logger
	Errors   *errortrack.Tracker
	Metrics  *observability.Metrics
	Log      *slog.Logger

	CookieName string
	Secure     bool

	GlobalRule ratelimit.Rule
	LoginRule  ratelimit.Rule
	UserRule   ratelimit.Rule
}

// NewStack fills in the default rate limit rules.
func NewStack(s Stack) *Stack {
	if s.GlobalRule.Max == 0 {
		s.GlobalRule = DefaultGlobalRule
	}
	if s.LoginRule.Max == 0 {
		s.LoginRule = DefaultLoginRule
	}
	if s.UserRule.Max == 0 {
		s.UserRule = DefaultUserRule
	}
	return &s
}

// Recover converts panics into INTERNAL_ERROR envelopes and records them
// with the error tracker.
func (s *Stack) Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				err := fmt.Errorf("panic: %v", rec)
				traceID := observability.TraceID(r.Context())
				s.Log.Error("request panic", "method", r.Method, "path", r.URL.Path, "traceId", traceID, "error", err)
				tenantID := ""
				if sess := SessionFrom(r.Context()); sess != nil {
					tenantID = sess.TenantID
				}
				s.Errors.Capture(r.Context(), "panic", fmt.Sprint(rec), r.URL.Path, tenantID)
				gateway.WriteError(w, traceID, gateway.Internal(err))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Trace assigns every request a trace ID, propagated via context and echoed
// on the response.
func (s *Stack) Trace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := observability.NewTraceID()
		w.Header().Set(gateway.TraceHeader, traceID)
		next.ServeHTTP(w, r.WithContext(observability.WithTraceID(r.Context(), traceID)))
	})
}

// Observe records the request metrics, the access log line, and the single
// audit event every request produces.
func (s *Stack) Observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)

		route := routeTemplate(r)
		status := sw.Status()
		elapsed := time.Since(start)

		s.Metrics.RequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		s.Metrics.RequestDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())

		s.Log.Info("request",
			"method", r.Method,
			"route", route,
			"status", status,
			"durationMs", elapsed.Milliseconds(),
			"ip", ClientIP(r),
			"traceId", observability.TraceID(r.Context()),
		)

		result := audit.ResultAllow
		if status >= 500 {
			result = audit.ResultError
		} else if status >= 400 {
			result = audit.ResultDeny
		}
		ev := audit.Event{
			Action:       "http.request",
			ResourceType: "route",
			ResourceID:   route,
			Result:       result,
			Metadata: map[string]interface{}{
				"method":     r.Method,
				"status":     status,
				"durationMs": elapsed.Milliseconds(),
				"ip":         ClientIP(r),
			},
		}
		if sess := SessionFrom(r.Context()); sess != nil {
			ev.TenantID = sess.TenantID
			ev.UserID = sess.Sub
		}
		s.Audit.Record(r.Context(), ev)
	})
}

// CrossOrigin enforces the per-tenant origin allowlist and answers
// preflights.
func (s *Stack) CrossOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := r.Header.Get("X-Tenant-ID")
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			if !s.CORS.Preflight(w, r, tenantID) {
				gateway.WriteError(w, observability.TraceID(r.Context()),
					gateway.New(gateway.CodeCORSForbidden, "origin not allowed", http.StatusForbidden))
				return
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if !s.CORS.Apply(w, r, tenantID) {
			gateway.WriteError(w, observability.TraceID(r.Context()),
				gateway.New(gateway.CodeCORSForbidden, "origin not allowed", http.StatusForbidden))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RateLimit applies the pre-authentication limits: a global per-IP ceiling
// plus a tighter per-IP ceiling on the login endpoints.
func (s *Stack) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ClientIP(r)
		composite := ratelimit.NewComposite(s.Limiter).
			Add(s.GlobalRule, ratelimit.GlobalKey(ip))
		if strings.HasPrefix(r.URL.Path, "/api/login") || strings.HasPrefix(r.URL.Path, "/api/callback") {
			composite.Add(s.LoginRule, ratelimit.LoginKey(ip))
		}
		if !s.applyLimit(w, r, composite.Check(r.Context())) {
			return
		}
		next.ServeHTTP(w, r)
	})
}

// UserRateLimit applies the per-principal limit after session resolution.
// Unauthenticated requests pass; the IP limit already covered them.
func (s *Stack) UserRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess := SessionFrom(r.Context())
		if sess == nil {
			next.ServeHTTP(w, r)
			return
		}
		res := s.Limiter.Check(r.Context(), s.UserRule, ratelimit.UserKey(sess.TenantID, sess.Sub))
		if !s.applyLimit(w, r, res) {
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Stack) applyLimit(w http.ResponseWriter, r *http.Request, res ratelimit.Result) bool {
	h := w.Header()
	if res.Limit > 0 {
		h.Set("X-RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
		h.Set("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetTime.Unix(), 10))
	}
	if res.Allowed {
		return true
	}
	h.Set("Retry-After", strconv.Itoa(res.RetryAfter))
	gateway.WriteError(w, observability.TraceID(r.Context()), gateway.RateLimitExceeded(res.RetryAfter))
	return false
}

// Session resolves the opaque session cookie, bumps activity, and
// transparently refreshes the access token. A stale cookie is cleared and
// the request continues unauthenticated; refresh failure on a live session
// surfaces SESSION_EXPIRED.
func (s *Stack) Session(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(s.CookieName)
		if err != nil || cookie.Value == "" {
			next.ServeHTTP(w, r)
			return
		}

		sess, err := s.Sessions.Resolve(r.Context(), cookie.Value)
		if err != nil {
			s.Log.Error("session resolve failed", "error", err)
			gateway.WriteError(w, observability.TraceID(r.Context()), gateway.Internal(err))
			return
		}
		if sess == nil {
			http.SetCookie(w, s.Flow.ClearCookie())
			next.ServeHTTP(w, r)
			return
		}

		if err := s.Sessions.Touch(r.Context(), sess.SID); err != nil {
			s.Log.Warn("session touch failed", "sid", sess.SID, "error", err)
		}
		if err := s.Flow.RefreshIfNeeded(r.Context(), sess); err != nil {
			http.SetCookie(w, s.Flow.ClearCookie())
			gateway.WriteError(w, observability.TraceID(r.Context()), err)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), sess)))
	})
}

// RequireSession rejects unauthenticated requests.
func (s *Stack) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if SessionFrom(r.Context()) == nil {
			gateway.WriteError(w, observability.TraceID(r.Context()),
				gateway.Unauthorized("authentication required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireRole rejects sessions lacking the role.
func (s *Stack) RequireRole(role string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess := SessionFrom(r.Context())
			if sess == nil {
				gateway.WriteError(w, observability.TraceID(r.Context()),
					gateway.Unauthorized("authentication required"))
				return
			}
			if !sess.HasRole(role) {
				gateway.WriteError(w, observability.TraceID(r.Context()),
					gateway.Forbidden("insufficient role"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CSRFProtect verifies the double-submit token on state-changing methods
// and rotates it on success. Verified tokens are single-use; the
// replacement arrives in both the response header and the csrf cookie.
func (s *Stack) CSRFProtect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}

		sess := SessionFrom(r.Context())
		if sess == nil {
			s.Metrics.CSRFFailures.WithLabelValues("no_session").Inc()
			gateway.WriteError(w, observability.TraceID(r.Context()),
				gateway.New(gateway.CodeCSRFNoSession, "csrf verification requires a session", http.StatusForbidden))
			return
		}

		// Header first, cookie as the fallback for clients that only
		// mirror the double-submit cookie.
		token := r.Header.Get(csrf.HeaderName)
		if token == "" {
			if c, err := r.Cookie(csrf.CookieName); err == nil {
				token = c.Value
			}
		}
		if err := s.CSRF.Verify(r.Context(), sess.SID, token); err != nil {
			s.Metrics.CSRFFailures.WithLabelValues(gateway.AsError(err).Code).Inc()
			gateway.WriteError(w, observability.TraceID(r.Context()), err)
			return
		}

		rec, err := s.CSRF.Issue(r.Context(), sess.SID, sess.Sub, sess.TenantID)
		if err != nil {
			s.Log.Error("csrf rotation failed", "sid", sess.SID, "error", err)
			gateway.WriteError(w, observability.TraceID(r.Context()), gateway.Internal(err))
			return
		}
		http.SetCookie(w, s.CSRF.Cookie(rec.Token, s.Secure))
		w.Header().Set(csrf.HeaderName, rec.Token)

		next.ServeHTTP(w, r)
	})
}

// Validate runs the security scanner over JSON request bodies. Production
// blocks high and critical threats; other environments sanitize and let the
// request through. Bodies over maxScanBytes or with non-JSON content types
// pass untouched.
func (s *Stack) Validate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !scannable(r) {
			next.ServeHTTP(w, r)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxScanBytes+1))
		if err != nil {
			gateway.WriteError(w, observability.TraceID(r.Context()),
				gateway.Internal(fmt.Errorf("read request body: %w", err)))
			return
		}
		r.Body.Close()
		if len(body) > maxScanBytes {
			r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(body), r.Body))
			next.ServeHTTP(w, r)
			return
		}
		restore := func(b []byte) {
			r.Body = io.NopCloser(bytes.NewReader(b))
			r.ContentLength = int64(len(b))
		}

		var payload interface{}
		if len(body) == 0 || json.Unmarshal(body, &payload) != nil {
			// Malformed JSON is the handler's problem, not the scanner's.
			restore(body)
			next.ServeHTTP(w, r)
			return
		}

		outcome := s.Gate.Inspect(payload)
		for _, threat := range outcome.Threats {
			s.Metrics.ThreatsDetected.WithLabelValues(string(threat.Type), string(threat.Severity)).Inc()
		}
		if outcome.Block {
			s.Log.Warn("request blocked by scanner",
				"path", r.URL.Path,
				"threats", len(outcome.Threats),
				"traceId", observability.TraceID(r.Context()),
			)
			gateway.WriteError(w, observability.TraceID(r.Context()), gateway.SecurityThreatBlocked())
			return
		}

		if len(outcome.Threats) > 0 {
			if obj, ok := payload.(map[string]interface{}); ok {
				s.Gate.SanitizePayload(obj, outcome.Threats)
				if sanitized, err := json.Marshal(obj); err == nil {
					body = sanitized
				}
			}
		}
		restore(body)
		next.ServeHTTP(w, r)
	})
}

func scannable(r *http.Request) bool {
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return false
	}
	if r.Body == nil {
		return false
	}
	ct := r.Header.Get("Content-Type")
	return strings.Contains(ct, "application/json")
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}

// statusWriter captures the response status for metrics and auditing while
// passing Flush and Hijack through for streaming and WebSocket upgrades.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Status() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := w.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("response writer does not support hijacking")
}
