// Package wsbridge bridges browser WebSocket connections to the downstream
// service. Each authenticated client gets one upstream connection, a
// channel subscription set, and a lazily dialed downstream connection that
// carries the gateway's identity headers.
package wsbridge

import (
	"encoding/json"
	"time"
)

// Frame types of the control protocol.
const (
	FrameWelcome     = "welcome"
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FrameProxy       = "proxy"
	FrameDownstream  = "downstream"
	FramePing        = "ping"
	FramePong        = "pong"
	FrameError       = "error"
	FrameChannel     = "channel"
)

// Frame is one JSON control frame in either direction.
type Frame struct {
	Type      string                 `json:"type"`
	Channel   string                 `json:"channel,omitempty"`
	Payload   json.RawMessage        `json:"payload,omitempty"`
	Code      string                 `json:"code,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Timestamp int64                  `json:"timestamp,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

func errorFrame(code, message string) Frame {
	return Frame{
		Type:      FrameError,
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
	}
}

func marshalFrame(f Frame) []byte {
	data, err := json.Marshal(f)
	if err != nil {
		return []byte(`{"type":"error","code":"INTERNAL_ERROR"}`)
	}
	return data
}
