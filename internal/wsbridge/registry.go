package wsbridge

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/keyfront/gateway/internal/observability"
)

// ErrConnectionLimit is returned when admission would exceed a cap.
var ErrConnectionLimit = errors.New("wsbridge: connection limit reached")

// Registry tracks live connections and channel subscriptions. One lock
// guards all maps; every mutation goes through a method.
type Registry struct {
	mu       sync.RWMutex
	conns    map[string]*Conn
	byUser   map[string]map[string]*Conn // tenant:sub -> connID -> conn
	byTenant map[string]map[string]*Conn
	channels map[string]map[string]*Conn // channel -> connID -> conn

	maxPerUser   int
	maxPerTenant int

	metrics *observability.Metrics
	log     *slog.Logger
}

func NewRegistry(maxPerUser, maxPerTenant int, metrics *observability.Metrics, log *slog.Logger) *Registry {
	if maxPerUser <= 0 {
		maxPerUser = 5
	}
	if maxPerTenant <= 0 {
		maxPerTenant = 100
	}
	return &Registry{
		conns:        make(map[string]*Conn),
		byUser:       make(map[string]map[string]*Conn),
		byTenant:     make(map[string]map[string]*Conn),
		channels:     make(map[string]map[string]*Conn),
		maxPerUser:   maxPerUser,
		maxPerTenant: maxPerTenant,
		metrics:      metrics,
		log:          log,
	}
}

func userKey(tenantID, sub string) string { return tenantID + ":" + sub }

// Register admits a connection if both caps hold. Check and insert are one
// critical section so concurrent connects cannot oversubscribe.
func (r *Registry) Register(c *Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	uk := userKey(c.sess.TenantID, c.sess.Sub)
	if len(r.byUser[uk]) >= r.maxPerUser {
		return ErrConnectionLimit
	}
	if len(r.byTenant[c.sess.TenantID]) >= r.maxPerTenant {
		return ErrConnectionLimit
	}

	r.conns[c.id] = c
	if r.byUser[uk] == nil {
		r.byUser[uk] = make(map[string]*Conn)
	}
	r.byUser[uk][c.id] = c
	if r.byTenant[c.sess.TenantID] == nil {
		r.byTenant[c.sess.TenantID] = make(map[string]*Conn)
	}
	r.byTenant[c.sess.TenantID][c.id] = c

	r.metrics.WSConnections.Set(float64(len(r.conns)))
	return nil
}

// Unregister removes the connection from every map.
func (r *Registry) Unregister(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[c.id]; !ok {
		return
	}
	delete(r.conns, c.id)

	uk := userKey(c.sess.TenantID, c.sess.Sub)
	delete(r.byUser[uk], c.id)
	if len(r.byUser[uk]) == 0 {
		delete(r.byUser, uk)
	}
	delete(r.byTenant[c.sess.TenantID], c.id)
	if len(r.byTenant[c.sess.TenantID]) == 0 {
		delete(r.byTenant, c.sess.TenantID)
	}

	removed := 0
	for channel, members := range r.channels {
		if _, ok := members[c.id]; ok {
			delete(members, c.id)
			removed++
			if len(members) == 0 {
				delete(r.channels, channel)
			}
		}
	}

	r.metrics.WSConnections.Set(float64(len(r.conns)))
	r.metrics.WSSubscriptions.Sub(float64(removed))
}

// Subscribe adds the connection to a channel set.
func (r *Registry) Subscribe(c *Conn, channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.channels[channel] == nil {
		r.channels[channel] = make(map[string]*Conn)
	}
	if _, ok := r.channels[channel][c.id]; !ok {
		r.channels[channel][c.id] = c
		r.metrics.WSSubscriptions.Inc()
	}
}

// Unsubscribe removes the connection from a channel set.
func (r *Registry) Unsubscribe(c *Conn, channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.channels[channel]
	if !ok {
		return
	}
	if _, ok := members[c.id]; ok {
		delete(members, c.id)
		r.metrics.WSSubscriptions.Dec()
	}
	if len(members) == 0 {
		delete(r.channels, channel)
	}
}

// Publish fans a channel frame out to the channel's subscribers and
// returns the delivery count. Slow subscribers are skipped, not blocked on.
func (r *Registry) Publish(channel string, payload []byte) int {
	frame := marshalFrame(Frame{
		Type:      FrameChannel,
		Channel:   channel,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	})

	r.mu.RLock()
	targets := make([]*Conn, 0, len(r.channels[channel]))
	for _, c := range r.channels[channel] {
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	sent := 0
	for _, c := range targets {
		if c.trySend(frame) {
			sent++
		}
	}
	return sent
}

// CloseUserConnections closes every live connection of one user with the
// given close code. Used by session termination.
func (r *Registry) CloseUserConnections(tenantID, userID string, code int, reason string) int {
	r.mu.RLock()
	targets := make([]*Conn, 0)
	for _, c := range r.byUser[userKey(tenantID, userID)] {
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	for _, c := range targets {
		c.closeWith(code, reason)
	}
	return len(targets)
}

// ReapIdle closes connections with no activity since the cutoff and
// returns the count.
func (r *Registry) ReapIdle(idleFor time.Duration) int {
	cutoff := time.Now().Add(-idleFor).UnixMilli()

	r.mu.RLock()
	targets := make([]*Conn, 0)
	for _, c := range r.conns {
		if c.lastActivity.Load() < cutoff {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range targets {
		r.log.Info("closing idle websocket connection", "conn", c.id, "user", c.sess.Sub)
		c.closeWith(1000, "idle timeout")
	}
	return len(targets)
}

// Counts returns (connections, subscriptions) for health reporting.
func (r *Registry) Counts() (int, int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	subs := 0
	for _, members := range r.channels {
		subs += len(members)
	}
	return len(r.conns), subs
}
