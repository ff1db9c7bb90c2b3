package handlers

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/keyfront/gateway/internal/abac"
	"github.com/keyfront/gateway/internal/gateway"
)

// ABAC serves the policy administration and evaluation endpoints. All
// operations are scoped to the caller's tenant.
type ABAC struct {
	Policies *abac.PolicyStore
	Engine   *abac.Engine
	Guard    *Guard
}

func (h *ABAC) List(w http.ResponseWriter, r *http.Request) {
	sess := currentSession(r)
	if err := h.Guard.Check(r, sess, "abac_policy", "", actionForMethod(r.Method)); err != nil {
		gateway.WriteError(w, traceID(r), err)
		return
	}
	policies, err := h.Policies.List(r.Context(), sess.TenantID)
	if err != nil {
		gateway.WriteError(w, traceID(r), gateway.Internal(err))
		return
	}
	gateway.WriteJSON(w, http.StatusOK, traceID(r), policies)
}

func (h *ABAC) Get(w http.ResponseWriter, r *http.Request) {
	sess := currentSession(r)
	id := mux.Vars(r)["id"]
	if err := h.Guard.Check(r, sess, "abac_policy", id, actionForMethod(r.Method)); err != nil {
		gateway.WriteError(w, traceID(r), err)
		return
	}
	policy, err := h.Policies.Get(r.Context(), sess.TenantID, id)
	if errors.Is(err, abac.ErrPolicyNotFound) {
		gateway.WriteError(w, traceID(r), gateway.PolicyNotFound(id))
		return
	}
	if err != nil {
		gateway.WriteError(w, traceID(r), gateway.Internal(err))
		return
	}
	gateway.WriteJSON(w, http.StatusOK, traceID(r), policy)
}

// Save handles both create (POST) and replace (PUT with {id}).
func (h *ABAC) Save(w http.ResponseWriter, r *http.Request) {
	sess := currentSession(r)

	var policy abac.Policy
	if err := decodeBody(r, &policy); err != nil {
		gateway.WriteError(w, traceID(r), err)
		return
	}
	if id := mux.Vars(r)["id"]; id != "" {
		policy.ID = id
	}
	// The tenant boundary is not client-assignable.
	policy.TenantID = sess.TenantID

	if err := h.Guard.Check(r, sess, "abac_policy", policy.ID, actionForMethod(r.Method)); err != nil {
		gateway.WriteError(w, traceID(r), err)
		return
	}
	if err := h.Policies.Save(r.Context(), &policy); err != nil {
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

func (h *ABAC) Delete(w http.ResponseWriter, r *http.Request) {
	sess := currentSession(r)
	id := mux.Vars(r)["id"]
	if err := h.Guard.Check(r, sess, "abac_policy", id, actionForMethod(r.Method)); err != nil {
		gateway.WriteError(w, traceID(r), err)
		return
	}
	err := h.Policies.Delete(r.Context(), sess.TenantID, id)
	if errors.Is(err, abac.ErrPolicyNotFound) {
		gateway.WriteError(w, traceID(r), gateway.PolicyNotFound(id))
		return
	}
	if err != nil {
		gateway.WriteError(w, traceID(r), gateway.Internal(err))
		return
	}
	gateway.WriteJSON(w, http.StatusOK, traceID(r), map[string]string{"deleted": id})
}

// Evaluate answers an explicit PDP question. The subject is forced to the
// caller unless the caller is an admin testing policies.
func (h *ABAC) Evaluate(w http.ResponseWriter, r *http.Request) {
	sess := currentSession(r)

	var req abac.AccessRequest
	if err := decodeBody(r, &req); err != nil {
		gateway.WriteError(w, traceID(r), err)
		return
	}
	if !sess.HasRole("ADMIN") || req.Subject.ID == "" {
		req.Subject.ID = sess.Sub
		req.Subject.Roles = sess.Roles
	}
	req.Subject.TenantID = sess.TenantID

	eval, err := h.Engine.Evaluate(r.Context(), req)
	if err != nil {
		gateway.WriteError(w, traceID(r), gateway.Internal(err))
		return
	}
	gateway.WriteJSON(w, http.StatusOK, traceID(r), eval)
}
