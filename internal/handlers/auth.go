package handlers

import (
	"log/slog"
	"net/http"

	"github.com/keyfront/gateway/internal/csrf"
	"github.com/keyfront/gateway/internal/gateway"
	"github.com/keyfront/gateway/internal/logout"
	"github.com/keyfront/gateway/internal/oidc"
)

// Auth serves the OIDC login endpoints and the session self-service
// surface.
type Auth struct {
	Flow    *oidc.Flow
	CSRF    *csrf.Manager
	Logouts *logout.Orchestrator
	Secure  bool
	Log     *slog.Logger
}

// Login starts the authorization-code flow and redirects to the IdP.
func (h *Auth) Login(w http.ResponseWriter, r *http.Request) {
	redirect := r.URL.Query().Get("redirect")
	tenantID := r.URL.Query().Get("tenant")

	authURL, err := h.Flow.StartLogin(r.Context(), redirect, tenantID)
	if err != nil {
		gateway.WriteError(w, traceID(r), err)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// Callback completes the code exchange, establishes the session, and sends
// the browser back to its pre-login location.
func (h *Auth) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if errCode := q.Get("error"); errCode != "" {
		h.Log.Warn("idp returned error", "error", errCode, "description", q.Get("error_description"))
		gateway.WriteError(w, traceID(r), gateway.Unauthorized("identity provider rejected the login"))
		return
	}

	sess, cookie, redirect, err := h.Flow.CompleteLogin(r.Context(), q.Get("code"), q.Get("state"))
	if err != nil {
		gateway.WriteError(w, traceID(r), err)
		return
	}
	http.SetCookie(w, cookie)

	if rec, err := h.CSRF.Issue(r.Context(), sess.SID, sess.Sub, sess.TenantID); err == nil {
		http.SetCookie(w, h.CSRF.Cookie(rec.Token, h.Secure))
	} else {
		h.Log.Error("csrf issue after login failed", "sid", sess.SID, "error", err)
	}

	http.Redirect(w, r, redirect, http.StatusFound)
}

// Logout terminates the caller's session through the logout orchestrator
// and clears the cookies.
func (h *Auth) Logout(w http.ResponseWriter, r *http.Request) {
	sess := currentSession(r)

	ev, err := h.Logouts.Logout(r.Context(), sess.SID, logout.TriggerUser)
	if err != nil {
		gateway.WriteError(w, traceID(r), err)
		return
	}

	http.SetCookie(w, h.Flow.ClearCookie())
	http.SetCookie(w, &http.Cookie{
		Name: csrf.CookieName, Value: "", Path: "/", MaxAge: -1,
		Secure: h.Secure, SameSite: http.SameSiteLaxMode,
	})

	gateway.WriteJSON(w, http.StatusOK, traceID(r), map[string]interface{}{
		"status":             ev.Status,
		"terminatedSessions": len(ev.TerminatedSessions),
		"closedConnections":  ev.ClosedConnections,
	})
}

// Me returns the client-safe session profile.
func (h *Auth) Me(w http.ResponseWriter, r *http.Request) {
	gateway.WriteJSON(w, http.StatusOK, traceID(r), currentSession(r).Profile())
}

// CSRFToken mints a fresh double-submit token for the session.
func (h *Auth) CSRFToken(w http.ResponseWriter, r *http.Request) {
	sess := currentSession(r)
	rec, err := h.CSRF.Issue(r.Context(), sess.SID, sess.Sub, sess.TenantID)
	if err != nil {
		gateway.WriteError(w, traceID(r), gateway.Internal(err))
		return
	}
	http.SetCookie(w, h.CSRF.Cookie(rec.Token, h.Secure))
	gateway.WriteJSON(w, http.StatusOK, traceID(r), map[string]string{"csrfToken": rec.Token})
}
