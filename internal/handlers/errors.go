package handlers

import (
	"net/http"

	"github.com/keyfront/gateway/internal/errortrack"
	"github.com/keyfront/gateway/internal/gateway"
)

// Errors exposes the captured error groups and alert rule administration.
type Errors struct {
	Tracker *errortrack.Tracker
	Guard   *Guard
}

func (h *Errors) Groups(w http.ResponseWriter, r *http.Request) {
	sess := currentSession(r)
	if err := h.Guard.Check(r, sess, "error_group", "", actionForMethod(r.Method)); err != nil {
		gateway.WriteError(w, traceID(r), err)
		return
	}
	groups, err := h.Tracker.Groups(r.Context())
	if err != nil {
		gateway.WriteError(w, traceID(r), gateway.Internal(err))
		return
	}
	gateway.WriteJSON(w, http.StatusOK, traceID(r), groups)
}

func (h *Errors) SaveAlertRule(w http.ResponseWriter, r *http.Request) {
	sess := currentSession(r)

	var rule errortrack.AlertRule
	if err := decodeBody(r, &rule); err != nil {
		gateway.WriteError(w, traceID(r), err)
		return
	}
	rule.TenantID = sess.TenantID

	if err := h.Guard.Check(r, sess, "alert_rule", rule.ID, actionForMethod(r.Method)); err != nil {
		gateway.WriteError(w, traceID(r), err)
		return
	}
	if err := h.Tracker.SaveRule(r.Context(), &rule); err != nil {
		gateway.WriteError(w, traceID(r), gateway.ValidationFailed(map[string]interface{}{
			"rule": err.Error(),
		}))
		return
	}
	gateway.WriteJSON(w, http.StatusCreated, traceID(r), &rule)
}
