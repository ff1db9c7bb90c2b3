package handlers

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/keyfront/gateway/internal/cors"
	"github.com/keyfront/gateway/internal/gateway"
	"github.com/keyfront/gateway/internal/tenant"
)

// Tenants serves tenant administration. Saving a tenant also refreshes its
// CORS allowlist in the running manager.
type Tenants struct {
	Manager *tenant.Manager
	CORS    *cors.Manager
	Guard   *Guard
}

func (h *Tenants) List(w http.ResponseWriter, r *http.Request) {
	sess := currentSession(r)
	if err := h.Guard.Check(r, sess, "tenant", "", actionForMethod(r.Method)); err != nil {
		gateway.WriteError(w, traceID(r), err)
		return
	}
	tenants, err := h.Manager.List(r.Context())
	if err != nil {
		gateway.WriteError(w, traceID(r), gateway.Internal(err))
		return
	}
	gateway.WriteJSON(w, http.StatusOK, traceID(r), tenants)
}

func (h *Tenants) Get(w http.ResponseWriter, r *http.Request) {
	sess := currentSession(r)
	id := mux.Vars(r)["id"]
	if err := h.Guard.Check(r, sess, "tenant", id, actionForMethod(r.Method)); err != nil {
		gateway.WriteError(w, traceID(r), err)
		return
	}
	tn, err := h.Manager.Get(r.Context(), id)
	if errors.Is(err, tenant.ErrNotFound) {
		gateway.WriteError(w, traceID(r), gateway.New(gateway.CodePolicyNotFound, "tenant not found", http.StatusNotFound))
		return
	}
	if err != nil {
		gateway.WriteError(w, traceID(r), gateway.Internal(err))
		return
	}
	gateway.WriteJSON(w, http.StatusOK, traceID(r), tn)
}

func (h *Tenants) Create(w http.ResponseWriter, r *http.Request) {
	sess := currentSession(r)

	var tn tenant.Tenant
	if err := decodeBody(r, &tn); err != nil {
		gateway.WriteError(w, traceID(r), err)
		return
	}
	if err := h.Guard.Check(r, sess, "tenant", tn.ID, actionForMethod(r.Method)); err != nil {
		gateway.WriteError(w, traceID(r), err)
		return
	}
	if err := h.Manager.Create(r.Context(), &tn); err != nil {
		gateway.WriteError(w, traceID(r), gateway.ValidationFailed(map[string]interface{}{
			"tenant": err.Error(),
		}))
		return
	}
	h.CORS.SetTenantOrigins(tn.ID, tn.AllowedOrigins)
	gateway.WriteJSON(w, http.StatusCreated, traceID(r), &tn)
}

func (h *Tenants) Update(w http.ResponseWriter, r *http.Request) {
	sess := currentSession(r)
	id := mux.Vars(r)["id"]

	var tn tenant.Tenant
	if err := decodeBody(r, &tn); err != nil {
		gateway.WriteError(w, traceID(r), err)
		return
	}
	tn.ID = id

	if err := h.Guard.Check(r, sess, "tenant", id, actionForMethod(r.Method)); err != nil {
		gateway.WriteError(w, traceID(r), err)
		return
	}
	if err := h.Manager.Update(r.Context(), &tn); err != nil {
		if errors.Is(err, tenant.ErrNotFound) {
			gateway.WriteError(w, traceID(r), gateway.New(gateway.CodePolicyNotFound, "tenant not found", http.StatusNotFound))
			return
		}
		gateway.WriteError(w, traceID(r), gateway.Internal(err))
		return
	}
	h.CORS.SetTenantOrigins(tn.ID, tn.AllowedOrigins)
	gateway.WriteJSON(w, http.StatusOK, traceID(r), &tn)
}

func (h *Tenants) Delete(w http.ResponseWriter, r *http.Request) {
	sess := currentSession(r)
	id := mux.Vars(r)["id"]
	if err := h.Guard.Check(r, sess, "tenant", id, actionForMethod(r.Method)); err != nil {
		gateway.WriteError(w, traceID(r), err)
		return
	}
	err := h.Manager.Delete(r.Context(), id)
	if errors.Is(err, tenant.ErrNotFound) {
		gateway.WriteError(w, traceID(r), gateway.New(gateway.CodePolicyNotFound, "tenant not found", http.StatusNotFound))
		return
	}
	if err != nil {
		gateway.WriteError(w, traceID(r), gateway.Internal(err))
		return
	}
	h.CORS.SetTenantOrigins(id, nil)
	gateway.WriteJSON(w, http.StatusOK, traceID(r), map[string]string{"deleted": id})
}

// CreateAPIKey mints a server-to-server key. The secret appears only in
// this response.
func (h *Tenants) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	sess := currentSession(r)
	id := mux.Vars(r)["id"]

	var req struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &req); err != nil {
		gateway.WriteError(w, traceID(r), err)
		return
	}
	if err := h.Guard.Check(r, sess, "tenant_api_key", id, "create"); err != nil {
		gateway.WriteError(w, traceID(r), err)
		return
	}

	ak, fullKey, err := h.Manager.CreateAPIKey(r.Context(), id, req.Name)
	if errors.Is(err, tenant.ErrNotFound) {
		gateway.WriteError(w, traceID(r), gateway.New(gateway.CodePolicyNotFound, "tenant not found", http.StatusNotFound))
		return
	}
	if err != nil {
		gateway.WriteError(w, traceID(r), gateway.Internal(err))
		return
	}
	gateway.WriteJSON(w, http.StatusCreated, traceID(r), map[string]interface{}{
		"keyId":     ak.KeyID,
		"name":      ak.Name,
		"apiKey":    fullKey,
		"createdAt": ak.CreatedAt,
	})
}

func (h *Tenants) RevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	sess := currentSession(r)
	vars := mux.Vars(r)
	if err := h.Guard.Check(r, sess, "tenant_api_key", vars["keyId"], "delete"); err != nil {
		gateway.WriteError(w, traceID(r), err)
		return
	}
	err := h.Manager.RevokeAPIKey(r.Context(), vars["keyId"])
	if errors.Is(err, tenant.ErrNotFound) {
		gateway.WriteError(w, traceID(r), gateway.New(gateway.CodePolicyNotFound, "api key not found", http.StatusNotFound))
		return
	}
	if err != nil {
		gateway.WriteError(w, traceID(r), gateway.Internal(err))
		return
	}
	gateway.WriteJSON(w, http.StatusOK, traceID(r), map[string]string{"revoked": vars["keyId"]})
}
