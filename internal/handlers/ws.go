package handlers

import (
	"net/http"

	"github.com/keyfront/gateway/internal/wsbridge"
)

// WS upgrades authenticated requests onto the WebSocket bridge.
type WS struct {
	Bridge *wsbridge.Bridge
}

func (h *WS) Upgrade(w http.ResponseWriter, r *http.Request) {
	// The upgrader writes its own error response on failure; after a
	// successful upgrade the connection is out of HTTP entirely.
	h.Bridge.HandleUpgrade(w, r, currentSession(r))
}
