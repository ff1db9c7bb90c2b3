package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/keyfront/gateway/internal/gateway"
	"github.com/keyfront/gateway/internal/observability"
	"github.com/keyfront/gateway/internal/proxy"
	"github.com/keyfront/gateway/internal/session"
)

// Proxy forwards /api/proxy/{path} to the downstream API with the
// caller's identity injected. The access token never reaches the browser;
// it is loaded from the token blob here, per request.
type Proxy struct {
	Proxy    *proxy.Proxy
	Sessions *session.Store
}

func (h *Proxy) Forward(w http.ResponseWriter, r *http.Request) {
	sess := currentSession(r)

	blob, err := h.Sessions.Tokens(r.Context(), sess)
	if err != nil {
		gateway.WriteError(w, traceID(r), gateway.Internal(err))
		return
	}
	if blob == nil {
		gateway.WriteError(w, traceID(r), gateway.SessionExpired())
		return
	}

	id := proxy.Identity{
		AccessToken: blob.AccessToken,
		TenantID:    sess.TenantID,
		UserID:      sess.Sub,
		Roles:       sess.Roles,
		TraceID:     observability.TraceID(r.Context()),
	}
	if err := h.Proxy.Forward(w, r, mux.Vars(r)["path"], id); err != nil {
		gateway.WriteError(w, traceID(r), err)
	}
}
