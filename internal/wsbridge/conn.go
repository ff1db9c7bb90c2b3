package wsbridge

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/keyfront/gateway/internal/gateway"
	"github.com/keyfront/gateway/internal/ratelimit"
	"github.com/keyfront/gateway/internal/session"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
	maxMsgSize = 512 * 1024
	sendBuffer = 256

	// SlowWriterClose is sent when the outbound buffer stays full.
	SlowWriterClose = 1011
)

// proxyRule bounds proxy frames per user.
var proxyRule = ratelimit.Rule{Name: "ws_proxy", Window: time.Second, Max: 20}

// Conn is one upstream client connection. writePump owns all writes to ws,
// readPump owns all reads; everything else goes through the send channel.
type Conn struct {
	id     string
	sess   *session.Session
	ws     *websocket.Conn
	bridge *Bridge

	send chan []byte
	done chan struct{}
	once sync.Once

	lastActivity atomic.Int64

	mu         sync.Mutex
	downstream *websocket.Conn

	closeCode   atomic.Int32
	closeReason atomic.Value
}

func newConn(id string, sess *session.Session, ws *websocket.Conn, bridge *Bridge) *Conn {
	c := &Conn{
		id:     id,
		sess:   sess,
		ws:     ws,
		bridge: bridge,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
	c.lastActivity.Store(time.Now().UnixMilli())
	return c
}

// trySend queues a frame without blocking. A full buffer means the reader
// on the other end is too slow; the connection is closed with 1011.
func (c *Conn) trySend(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		c.closeWith(SlowWriterClose, "write buffer full")
		return false
	}
}

// closeWith records the close code and shuts the connection down once.
func (c *Conn) closeWith(code int, reason string) {
	c.closeCode.CompareAndSwap(0, int32(code))
	if c.closeReason.Load() == nil {
		c.closeReason.Store(reason)
	}
	c.close()
}

func (c *Conn) close() {
	c.once.Do(func() {
		close(c.done)
		c.bridge.registry.Unregister(c)

		code := int(c.closeCode.Load())
		if code == 0 {
			code = websocket.CloseNormalClosure
		}
		reason, _ := c.closeReason.Load().(string)
		deadline := time.Now().Add(writeWait)
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), deadline)
		c.ws.Close()

		c.mu.Lock()
		if c.downstream != nil {
			c.downstream.Close()
			c.downstream = nil
		}
		c.mu.Unlock()
	})
}

// writePump is the only goroutine writing to the upstream socket.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// readPump is the only goroutine reading from the upstream socket.
func (c *Conn) readPump() {
	defer c.close()

	c.ws.SetReadLimit(maxMsgSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		c.lastActivity.Store(time.Now().UnixMilli())
		return nil
	})

	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.bridge.log.Warn("websocket read failed", "conn", c.id, "error", err)
			}
			return
		}
		c.lastActivity.Store(time.Now().UnixMilli())

		var frame Frame
		if err := json.Unmarshal(payload, &frame); err != nil {
			c.trySend(marshalFrame(errorFrame(gateway.CodeValidationFailed, "malformed frame")))
			continue
		}
		c.bridge.metrics.WSFramesTotal.WithLabelValues(frame.Type, "in").Inc()
		c.handleFrame(&frame)
	}
}

func (c *Conn) handleFrame(frame *Frame) {
	switch frame.Type {
	case FrameSubscribe:
		if frame.Channel == "" {
			c.trySend(marshalFrame(errorFrame(gateway.CodeValidationFailed, "channel is required")))
			return
		}
		if !ChannelAllowed(c.sess, frame.Channel) {
			c.trySend(marshalFrame(errorFrame(gateway.CodeForbidden, "channel access denied")))
			return
		}
		c.bridge.registry.Subscribe(c, frame.Channel)

	case FrameUnsubscribe:
		c.bridge.registry.Unsubscribe(c, frame.Channel)

	case FramePing:
		c.bridge.metrics.WSFramesTotal.WithLabelValues(FramePong, "out").Inc()
		c.trySend(marshalFrame(Frame{Type: FramePong, Timestamp: time.Now().UnixMilli()}))

	case FramePong:
		// Activity already recorded.

	case FrameProxy:
		c.handleProxy(frame)

	default:
		c.trySend(marshalFrame(errorFrame(gateway.CodeValidationFailed, "unknown frame type")))
	}
}

// handleProxy forwards the payload to the downstream socket, dialing it on
// first use.
func (c *Conn) handleProxy(frame *Frame) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res := c.bridge.limiter.Check(ctx, proxyRule,
		"ws:proxy:"+c.sess.TenantID+":"+c.sess.Sub)
	if !res.Allowed {
		c.trySend(marshalFrame(errorFrame(gateway.CodeRateLimitExceeded, "proxy frame rate limit exceeded")))
		return
	}

	ds, err := c.downstreamConn()
	if err != nil {
		c.bridge.log.Warn("downstream websocket dial failed", "conn", c.id, "error", err)
		c.trySend(marshalFrame(errorFrame(gateway.CodeProxyFailed, "downstream unavailable")))
		return
	}

	c.mu.Lock()
	ds.SetWriteDeadline(time.Now().Add(writeWait))
	err = ds.WriteMessage(websocket.TextMessage, frame.Payload)
	c.mu.Unlock()
	if err != nil {
		c.dropDownstream()
		c.trySend(marshalFrame(errorFrame(gateway.CodeProxyFailed, "downstream write failed")))
		return
	}
	c.bridge.metrics.WSFramesTotal.WithLabelValues(FrameProxy, "out").Inc()
}

// downstreamConn returns the downstream socket, dialing it lazily with the
// session's identity headers and starting the relay reader.
func (c *Conn) downstreamConn() (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.downstream != nil {
		return c.downstream, nil
	}

	header := http.Header{}
	header.Set("X-Tenant-ID", c.sess.TenantID)
	header.Set("X-User-ID", c.sess.Sub)
	header.Set("X-User-Roles", strings.Join(c.sess.Roles, ","))
	header.Set("X-Keyfront-Gateway", "true")

	ds, _, err := c.bridge.dialer.Dial(c.bridge.downstreamURL, header)
	if err != nil {
		return nil, err
	}
	c.downstream = ds
	go c.relayDownstream(ds)
	return ds, nil
}

func (c *Conn) dropDownstream() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.downstream != nil {
		c.downstream.Close()
		c.downstream = nil
	}
}

// relayDownstream pushes downstream frames back to the client until either
// side goes away.
func (c *Conn) relayDownstream(ds *websocket.Conn) {
	defer c.dropDownstream()
	for {
		select {
		case <-c.done:
			return
		default:
		}
		_, payload, err := ds.ReadMessage()
		if err != nil {
			return
		}
		c.bridge.metrics.WSFramesTotal.WithLabelValues(FrameDownstream, "out").Inc()
		c.trySend(marshalFrame(Frame{
			Type:      FrameDownstream,
			Payload:   payload,
			Timestamp: time.Now().UnixMilli(),
		}))
	}
}
