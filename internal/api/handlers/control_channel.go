package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/sandboxctl/control-plane/internal/logger"
)

// Timings mirror the teacher's agent_websocket.go pongWait/pingPeriod pair:
// the peer (the executor) must ack within pongWait or the connection is
// considered dead.
const (
	controlPongWait   = 60 * time.Second
	controlPingPeriod = (controlPongWait * 9) / 10
	controlWriteWait  = 10 * time.Second
)

var controlUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ExecutorControlChannel upgrades an executor's outbound dial into the
// optional control-channel websocket (spec §6.2's internal surface): once
// registered with the dispatch engine's hub, dispatch.Engine.CancelRunning
// can push an early cancel ahead of backend teardown. Grounded on the
// teacher's AgentWebSocketHandler.HandleAgentConnection: upgrade, register,
// run a read pump until the peer disconnects, unregister.
func (h *Handler) ExecutorControlChannel(c *gin.Context) {
	sessionID := c.Param("id")

	conn, err := controlUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.HTTP().Warn().Err(err).Str("session_id", sessionID).Msg("control channel upgrade failed")
		return
	}

	h.Engine.RegisterControlConn(sessionID, conn)
	logger.HTTP().Info().Str("session_id", sessionID).Msg("executor control channel connected")

	defer func() {
		h.Engine.UnregisterControlConn(sessionID, conn)
		conn.Close()
		logger.HTTP().Info().Str("session_id", sessionID).Msg("executor control channel disconnected")
	}()

	conn.SetReadLimit(4096)
	conn.SetReadDeadline(time.Now().Add(controlPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(controlPongWait))
		return nil
	})

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(controlPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(controlWriteWait)); err != nil {
					return
				}
			}
		}
	}()
	defer close(stop)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
