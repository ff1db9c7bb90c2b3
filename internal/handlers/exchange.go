package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/keyfront/gateway/internal/gateway"
	"github.com/keyfront/gateway/internal/tokenexchange"
)

// TokenExchange serves the RFC 8693 token endpoint and its policy
// administration.
type TokenExchange struct {
	Service  *tokenexchange.Service
	Policies *tokenexchange.PolicyStore
	Guard    *Guard
}

// Exchange implements the token endpoint. Requests and error responses use
// the OAuth wire format, not the gateway envelope.
func (h *TokenExchange) Exchange(w http.ResponseWriter, r *http.Request) {
	sess := currentSession(r)

	if err := r.ParseForm(); err != nil {
		writeWireError(w, &tokenexchange.WireError{
			Code: tokenexchange.WireInvalidRequest, Description: "malformed form body",
		})
		return
	}

	expiresIn := 0
	if v := r.PostFormValue("expires_in"); v != "" {
		expiresIn, _ = strconv.Atoi(v)
	}
	req := tokenexchange.Request{
		GrantType:          r.PostFormValue("grant_type"),
		SubjectToken:       r.PostFormValue("subject_token"),
		SubjectTokenType:   r.PostFormValue("subject_token_type"),
		ActorToken:         r.PostFormValue("actor_token"),
		ActorTokenType:     r.PostFormValue("actor_token_type"),
		Audience:           r.PostFormValue("audience"),
		Scope:              r.PostFormValue("scope"),
		RequestedTokenType: r.PostFormValue("requested_token_type"),
		ExpiresIn:          expiresIn,
	}

	resp, err := h.Service.Exchange(r.Context(), sess.TenantID, req)
	if err != nil {
		var wire *tokenexchange.WireError
		if errors.As(err, &wire) {
			writeWireError(w, wire)
			return
		}
		gateway.WriteError(w, traceID(r), gateway.Internal(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	json.NewEncoder(w).Encode(resp)
}

func writeWireError(w http.ResponseWriter, wire *tokenexchange.WireError) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(wire.HTTPStatus())
	json.NewEncoder(w).Encode(wire)
}

func (h *TokenExchange) ListPolicies(w http.ResponseWriter, r *http.Request) {
	sess := currentSession(r)
	if err := h.Guard.Check(r, sess, "token_exchange_policy", "", actionForMethod(r.Method)); err != nil {
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

func (h *TokenExchange) GetPolicy(w http.ResponseWriter, r *http.Request) {
	sess := currentSession(r)
	id := mux.Vars(r)["id"]
	if err := h.Guard.Check(r, sess, "token_exchange_policy", id, actionForMethod(r.Method)); err != nil {
		gateway.WriteError(w, traceID(r), err)
		return
	}
	policy, err := h.Policies.Get(r.Context(), sess.TenantID, id)
	if errors.Is(err, tokenexchange.ErrPolicyNotFound) {
		gateway.WriteError(w, traceID(r), gateway.PolicyNotFound(id))
		return
	}
	if err != nil {
		gateway.WriteError(w, traceID(r), gateway.Internal(err))
		return
	}
	gateway.WriteJSON(w, http.StatusOK, traceID(r), policy)
}

func (h *TokenExchange) SavePolicy(w http.ResponseWriter, r *http.Request) {
	sess := currentSession(r)

	var policy tokenexchange.Policy
	if err := decodeBody(r, &policy); err != nil {
		gateway.WriteError(w, traceID(r), err)
		return
	}
	if id := mux.Vars(r)["id"]; id != "" {
		policy.ID = id
	}
	policy.TenantID = sess.TenantID

	if err := h.Guard.Check(r, sess, "token_exchange_policy", policy.ID, actionForMethod(r.Method)); err != nil {
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

func (h *TokenExchange) DeletePolicy(w http.ResponseWriter, r *http.Request) {
	sess := currentSession(r)
	id := mux.Vars(r)["id"]
	if err := h.Guard.Check(r, sess, "token_exchange_policy", id, actionForMethod(r.Method)); err != nil {
		gateway.WriteError(w, traceID(r), err)
		return
	}
	err := h.Policies.Delete(r.Context(), sess.TenantID, id)
	if errors.Is(err, tokenexchange.ErrPolicyNotFound) {
		gateway.WriteError(w, traceID(r), gateway.PolicyNotFound(id))
		return
	}
	if err != nil {
		gateway.WriteError(w, traceID(r), gateway.Internal(err))
		return
	}
	gateway.WriteJSON(w, http.StatusOK, traceID(r), map[string]string{"deleted": id})
}
