// Package handlers implements the gateway's HTTP endpoints. Handlers read
// the session from the request context (the middleware resolves it), call
// into the domain packages, and answer with the shared response envelope.
package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/keyfront/gateway/internal/abac"
	"github.com/keyfront/gateway/internal/gateway"
	"github.com/keyfront/gateway/internal/middleware"
	"github.com/keyfront/gateway/internal/observability"
	"github.com/keyfront/gateway/internal/session"
)

// maxBodyBytes bounds admin request bodies.
const maxBodyBytes = 1 << 20

func traceID(r *http.Request) string {
	return observability.TraceID(r.Context())
}

func currentSession(r *http.Request) *session.Session {
	return middleware.SessionFrom(r.Context())
}

func decodeBody(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return gateway.ValidationFailed(map[string]interface{}{
			"body": fmt.Sprintf("invalid JSON: %v", err),
		})
	}
	return nil
}

// Guard runs the ABAC engine over admin operations. An explicit deny wins;
// an empty decision falls through to the role check already enforced by the
// router, so a tenant without admin policies is not locked out.
type Guard struct {
	Engine *abac.Engine
}

func (g *Guard) Check(r *http.Request, sess *session.Session, resourceType, resourceID, action string) error {
	if g == nil || g.Engine == nil {
		return nil
	}
	eval, err := g.Engine.Evaluate(r.Context(), abac.AccessRequest{
		Subject: abac.Subject{
			ID:       sess.Sub,
			TenantID: sess.TenantID,
			Roles:    sess.Roles,
		},
		Resource: abac.Resource{Type: resourceType, ID: resourceID},
		Action:   abac.Action{Type: action},
		Environment: abac.Environment{
			IP:        middleware.ClientIP(r),
			UserAgent: r.UserAgent(),
		},
	})
	if err != nil {
		return gateway.Internal(err)
	}
	if eval.Decision == abac.DecisionDeny {
		return gateway.Forbidden("denied by access policy")
	}
	return nil
}

// actionForMethod maps an HTTP method onto the ABAC action vocabulary.
func actionForMethod(method string) string {
	switch method {
	case http.MethodGet, http.MethodHead:
		return "read"
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "access"
	}
}
