package wsbridge

import (
	"strings"

	"github.com/keyfront/gateway/internal/session"
)

// ChannelAllowed applies the channel permission rules:
// tenant:{tenantId}:* for the session's own tenant, user:{sub} for the
// session's own user, admin:* for holders of the ADMIN role, public:* for
// everyone. Anything else is denied.
func ChannelAllowed(sess *session.Session, channel string) bool {
	switch {
	case strings.HasPrefix(channel, "public:"):
		return true
	case strings.HasPrefix(channel, "tenant:"):
		rest := strings.TrimPrefix(channel, "tenant:")
		tenant, _, ok := strings.Cut(rest, ":")
		if !ok {
			tenant = rest
		}
		return tenant == sess.TenantID
	case strings.HasPrefix(channel, "user:"):
		return strings.TrimPrefix(channel, "user:") == sess.Sub
	case strings.HasPrefix(channel, "admin:"):
		return sess.HasRole("ADMIN")
	}
	return false
}
