package dispatch

import (
	"sync"

	"github.com/gorilla/websocket"
)

// controlMessage is the single outbound message shape the control hub ever
// pushes to an executor. The channel is one-directional best-effort: the
// executor's inbound traffic on this connection is limited to websocket
// ping/pong control frames, handled entirely by the upgrade handler's read
// pump.
type controlMessage struct {
	Type string `json:"type"`
}

// controlHub tracks the optional per-session executor control-channel
// connection: a websocket the executor dials outbound to the control plane,
// the same pairing shape as the teacher's AgentHub/docker-agent, scaled down
// to this repo's single concern (pushing an early cancel signal). HTTP
// dispatch remains the primary, required channel for everything else; a
// session with no registered connection here simply never receives the
// early push and falls back to teardown-only cancellation.
type controlHub struct {
	mu    sync.Mutex
	conns map[string]*websocket.Conn
}

func newControlHub() *controlHub {
	return &controlHub{conns: map[string]*websocket.Conn{}}
}

// register attaches conn as the active connection for sessionID, closing
// whatever connection (if any) it replaces.
func (h *controlHub) register(sessionID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.conns[sessionID]; ok && old != conn {
		old.Close()
	}
	h.conns[sessionID] = conn
}

// unregister removes conn if it is still the session's active connection; a
// superseded connection unregistering itself is a no-op.
func (h *controlHub) unregister(sessionID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.conns[sessionID]; ok && cur == conn {
		delete(h.conns, sessionID)
	}
}

// push writes v as JSON to the session's connection, reporting whether one
// was connected at all. A write error drops the connection from the
// registry since the read pump's own error handling will close it.
func (h *controlHub) push(sessionID string, v interface{}) bool {
	h.mu.Lock()
	conn := h.conns[sessionID]
	h.mu.Unlock()
	if conn == nil {
		return false
	}
	if err := conn.WriteJSON(v); err != nil {
		h.unregister(sessionID, conn)
		return false
	}
	return true
}
