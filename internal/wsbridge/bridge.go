package wsbridge

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/keyfront/gateway/internal/observability"
	"github.com/keyfront/gateway/internal/ratelimit"
	"github.com/keyfront/gateway/internal/session"
)

const (
	idleTimeout = 5 * time.Minute
	reapEvery   = time.Minute
)

// Bridge upgrades authenticated requests and runs the idle reaper.
type Bridge struct {
	registry      *Registry
	limiter       *ratelimit.Limiter
	downstreamURL string
	dialer        *websocket.Dialer
	upgrader      websocket.Upgrader
	metrics       *observability.Metrics
	log           *slog.Logger

	done chan struct{}
}

// New builds a bridge. checkOrigin mirrors the HTTP CORS decision so a
// page that cannot call the API cannot open a socket either.
func New(registry *Registry, limiter *ratelimit.Limiter, downstreamURL string, checkOrigin func(r *http.Request) bool, metrics *observability.Metrics, log *slog.Logger) *Bridge {
	b := &Bridge{
		registry:      registry,
		limiter:       limiter,
		downstreamURL: downstreamURL,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		metrics: metrics,
		log:     log,
		done:    make(chan struct{}),
	}
	go b.reapLoop()
	return b
}

// HandleUpgrade admits the session, upgrades the request, and starts the
// connection pumps. The caller has already authenticated the session.
func (b *Bridge) HandleUpgrade(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := newConn(uuid.NewString(), sess, ws, b)
	if err := b.registry.Register(c); err != nil {
		b.log.Info("websocket connection rejected",
			"user", sess.Sub, "tenant", sess.TenantID, "error", err)
		deadline := time.Now().Add(writeWait)
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "connection limit reached"), deadline)
		ws.Close()
		return
	}

	go c.writePump()
	go c.readPump()

	b.metrics.WSFramesTotal.WithLabelValues(FrameWelcome, "out").Inc()
	c.trySend(marshalFrame(Frame{
		Type:      FrameWelcome,
		Timestamp: time.Now().UnixMilli(),
		Data: map[string]interface{}{
			"connectionId": c.id,
			"serverTime":   time.Now().UTC().Format(time.RFC3339),
			"user":         sess.Profile(),
		},
	}))
}

// Registry exposes the connection registry for session termination
// cascades.
func (b *Bridge) Registry() *Registry { return b.registry }

// Close stops the reaper. Live connections are closed by their owners.
func (b *Bridge) Close() {
	close(b.done)
}

func (b *Bridge) reapLoop() {
	ticker := time.NewTicker(reapEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := b.registry.ReapIdle(idleTimeout); n > 0 {
				b.log.Info("reaped idle websocket connections", "count", n)
			}
		case <-b.done:
			return
		}
	}
}
