package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/keyfront/gateway/internal/session"
)

type sessionKey struct{}

// WithSession attaches a resolved session to the request context.
func WithSession(ctx context.Context, sess *session.Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, sess)
}

// SessionFrom returns the session attached by the session middleware, or
// nil for an unauthenticated request.
func SessionFrom(ctx context.Context) *session.Session {
	sess, _ := ctx.Value(sessionKey{}).(*session.Session)
	return sess
}

// ClientIP returns the originating client address. The first entry of
// X-Forwarded-For wins when present; the gateway is expected to sit behind
// a trusted load balancer.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if ip, _, ok := strings.Cut(fwd, ","); ok {
			return strings.TrimSpace(ip)
		}
		return strings.TrimSpace(fwd)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
