package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/keyfront/gateway/internal/gateway"
	"github.com/keyfront/gateway/internal/logout"
)

// Logout serves the back-channel logout endpoint and the logout policy and
// client-registration administration.
type Logout struct {
	Orchestrator *logout.Orchestrator
	Store        *logout.Store
	Guard        *Guard
	Log          *slog.Logger
}

// Backchannel receives an OIDC back-channel logout token from the IdP.
// The endpoint is unauthenticated; the token signature is the credential.
// Responses carry no body so nothing leaks to a probing caller.
func (h *Logout) Backchannel(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	token := r.PostFormValue("logout_token")
	if token == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	tenantID := r.URL.Query().Get("tenant")
	if tenantID == "" {
		tenantID = "default"
	}

	ev, err := h.Orchestrator.HandleBackchannel(r.Context(), tenantID, token)
	if err != nil {
		h.Log.Warn("back-channel logout rejected", "tenant", tenantID, "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	h.Log.Info("back-channel logout processed",
		"tenant", tenantID, "event", ev.ID, "sessions", len(ev.TerminatedSessions))
	w.WriteHeader(http.StatusOK)
}

// Events lists the tenant's logout event history, newest first.
func (h *Logout) Events(w http.ResponseWriter, r *http.Request) {
	sess := currentSession(r)
	if err := h.Guard.Check(r, sess, "logout_event", "", actionForMethod(r.Method)); err != nil {
		gateway.WriteError(w, traceID(r), err)
		return
	}
	events, err := h.Store.ListEvents(r.Context(), sess.TenantID)
	if err != nil {
		gateway.WriteError(w, traceID(r), gateway.Internal(err))
		return
	}
	gateway.WriteJSON(w, http.StatusOK, traceID(r), events)
}

// TerminateSession lets an admin force-logout an arbitrary session.
func (h *Logout) TerminateSession(w http.ResponseWriter, r *http.Request) {
	sess := currentSession(r)
	sid := mux.Vars(r)["sid"]
	if err := h.Guard.Check(r, sess, "session", sid, "delete"); err != nil {
		gateway.WriteError(w, traceID(r), err)
		return
	}
	ev, err := h.Orchestrator.Logout(r.Context(), sid, logout.TriggerAdmin)
	if err != nil {
		gateway.WriteError(w, traceID(r), err)
		return
	}
	gateway.WriteJSON(w, http.StatusOK, traceID(r), ev)
}

func (h *Logout) ListPolicies(w http.ResponseWriter, r *http.Request) {
	sess := currentSession(r)
	if err := h.Guard.Check(r, sess, "logout_policy", "", actionForMethod(r.Method)); err != nil {
		gateway.WriteError(w, traceID(r), err)
		return
	}
	policies, err := h.Store.ListPolicies(r.Context(), sess.TenantID)
	if err != nil {
		gateway.WriteError(w, traceID(r), gateway.Internal(err))
		return
	}
	gateway.WriteJSON(w, http.StatusOK, traceID(r), policies)
}

func (h *Logout) SavePolicy(w http.ResponseWriter, r *http.Request) {
	sess := currentSession(r)

	var policy logout.Policy
	if err := decodeBody(r, &policy); err != nil {
		gateway.WriteError(w, traceID(r), err)
		return
	}
	if id := mux.Vars(r)["id"]; id != "" {
		policy.ID = id
	}
	policy.TenantID = sess.TenantID

	if err := h.Guard.Check(r, sess, "logout_policy", policy.ID, actionForMethod(r.Method)); err != nil {
		gateway.WriteError(w, traceID(r), err)
		return
	}
	if err := h.Store.SavePolicy(r.Context(), &policy); err != nil {
		gateway.WriteError(w, traceID(r), gateway.ValidationFailed(map[string]interface{}{
			"policy": err.Error(),
		}))
		return
	}

	status := http.StatusOK
	if r.Method == http.MethodPost {
		status = http.StatusCreated
	}
	gateway.WriteJSON(w, status, traceID(r), &policy)
}

func (h *Logout) DeletePolicy(w http.ResponseWriter, r *http.Request) {
	sess := currentSession(r)
	id := mux.Vars(r)["id"]
	if err := h.Guard.Check(r, sess, "logout_policy", id, actionForMethod(r.Method)); err != nil {
		gateway.WriteError(w, traceID(r), err)
		return
	}
	err := h.Store.DeletePolicy(r.Context(), sess.TenantID, id)
	if errors.Is(err, logout.ErrPolicyNotFound) {
		gateway.WriteError(w, traceID(r), gateway.PolicyNotFound(id))
		return
	}
	if err != nil {
		gateway.WriteError(w, traceID(r), gateway.Internal(err))
		return
	}
	gateway.WriteJSON(w, http.StatusOK, traceID(r), map[string]string{"deleted": id})
}

func (h *Logout) ListClients(w http.ResponseWriter, r *http.Request) {
	sess := currentSession(r)
	if err := h.Guard.Check(r, sess, "logout_client", "", actionForMethod(r.Method)); err != nil {
		gateway.WriteError(w, traceID(r), err)
		return
	}
	clients, err := h.Store.ListClients(r.Context(), sess.TenantID)
	if err != nil {
		gateway.WriteError(w, traceID(r), gateway.Internal(err))
		return
	}
	gateway.WriteJSON(w, http.StatusOK, traceID(r), clients)
}

func (h *Logout) SaveClient(w http.ResponseWriter, r *http.Request) {
	sess := currentSession(r)

	var reg logout.ClientRegistration
	if err := decodeBody(r, &reg); err != nil {
		gateway.WriteError(w, traceID(r), err)
		return
	}
	if id := mux.Vars(r)["clientId"]; id != "" {
		reg.ClientID = id
	}
	reg.TenantID = sess.TenantID

	if err := h.Guard.Check(r, sess, "logout_client", reg.ClientID, actionForMethod(r.Method)); err != nil {
		gateway.WriteError(w, traceID(r), err)
		return
	}
	if err := h.Store.SaveClient(r.Context(), &reg); err != nil {
		gateway.WriteError(w, traceID(r), gateway.ValidationFailed(map[string]interface{}{
			"client": err.Error(),
		}))
		return
	}

	status := http.StatusOK
	if r.Method == http.MethodPost {
		status = http.StatusCreated
	}
	gateway.WriteJSON(w, status, traceID(r), &reg)
}

func (h *Logout) DeleteClient(w http.ResponseWriter, r *http.Request) {
	sess := currentSession(r)
	clientID := mux.Vars(r)["clientId"]
	if err := h.Guard.Check(r, sess, "logout_client", clientID, actionForMethod(r.Method)); err != nil {
		gateway.WriteError(w, traceID(r), err)
		return
	}
	err := h.Store.DeleteClient(r.Context(), sess.TenantID, clientID)
	if errors.Is(err, logout.ErrClientNotFound) {
		gateway.WriteError(w, traceID(r), gateway.New(gateway.CodePolicyNotFound, "client registration not found", http.StatusNotFound))
		return
	}
	if err != nil {
		gateway.WriteError(w, traceID(r), gateway.Internal(err))
		return
	}
	gateway.WriteJSON(w, http.StatusOK, traceID(r), map[string]string{"deleted": clientID})
}
