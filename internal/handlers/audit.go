package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/keyfront/gateway/internal/audit"
	"github.com/keyfront/gateway/internal/gateway"
)

// Audit serves the tenant-scoped audit log read endpoints.
type Audit struct {
	Query *audit.Query
	Guard *Guard
}

// Logs lists matching audit events, newest first. Filters come from query
// parameters; the tenant scope is always the caller's.
func (h *Audit) Logs(w http.ResponseWriter, r *http.Request) {
	sess := currentSession(r)
	if err := h.Guard.Check(r, sess, "audit_log", "", actionForMethod(r.Method)); err != nil {
		gateway.WriteError(w, traceID(r), err)
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		TenantID: sess.TenantID,
		UserID:   q.Get("userId"),
		Action:   q.Get("action"),
		Result:   audit.Result(q.Get("result")),
	}
	if v := q.Get("limit"); v != "" {
		filter.Limit, _ = strconv.Atoi(v)
	}
	if v := q.Get("since"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			filter.Since = ts
		}
	}
	if v := q.Get("until"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			filter.Until = ts
		}
	}

	events, err := h.Query.Logs(r.Context(), filter)
	if err != nil {
		gateway.WriteError(w, traceID(r), gateway.Internal(err))
		return
	}
	gateway.WriteJSON(w, http.StatusOK, traceID(r), events)
}

// Stats aggregates the retained queue for the caller's tenant.
func (h *Audit) Stats(w http.ResponseWriter, r *http.Request) {
	sess := currentSession(r)
	if err := h.Guard.Check(r, sess, "audit_log", "", actionForMethod(r.Method)); err != nil {
		gateway.WriteError(w, traceID(r), err)
		return
	}
	stats, err := h.Query.Stats(r.Context(), sess.TenantID)
	if err != nil {
		gateway.WriteError(w, traceID(r), gateway.Internal(err))
		return
	}
	gateway.WriteJSON(w, http.StatusOK, traceID(r), stats)
}
