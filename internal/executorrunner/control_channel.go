package executorrunner

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sandboxctl/control-plane/internal/logger"
)

// Timings mirror the control plane's own upgrade handler (pongWait must
// exceed pingPeriod on both ends for the keepalive to ever fire in time).
const (
	controlReconnectDelay = 5 * time.Second
	controlWriteWait      = 10 * time.Second
	controlPongWait       = 60 * time.Second
	controlPingPeriod     = (controlPongWait * 9) / 10
)

// controlMessage is the single inbound message shape this channel ever
// receives: a request to cancel whatever execution is currently active.
type controlMessage struct {
	Type string `json:"type"`
}

// runControlChannel dials the control plane's optional executor control
// channel and keeps reconnecting with a fixed backoff for as long as ctx is
// alive. It is strictly secondary: the one channel every execution actually
// requires is the HTTP /execute dispatch the control plane's dispatch.Engine
// already uses, so a control plane that never accepts this dial (or an
// executor that never manages to reach it) degrades to exactly today's
// behavior, just without the early cancel push. Grounded on the teacher's
// docker-agent connectWebSocket dial-with-reconnect loop.
func (r *Runner) runControlChannel(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := r.dialControlChannel(ctx); err != nil && ctx.Err() == nil {
			logger.Executor().Warn().Err(err).Msg("control channel dial failed, retrying")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(controlReconnectDelay):
		}
	}
}

func (r *Runner) controlChannelURL() (string, error) {
	u, err := url.Parse(r.cfg.ControlPlaneURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/internal/executors/" + r.cfg.SessionID + "/control"
	return u.String(), nil
}

func (r *Runner) dialControlChannel(ctx context.Context) error {
	target, err := r.controlChannelURL()
	if err != nil {
		return err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+r.cfg.InternalAPIToken)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, header)
	if err != nil {
		return err
	}
	defer conn.Close()

	logger.Executor().Info().Msg("control channel connected")

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
			case <-ctx.Done():
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
		var msg controlMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		if msg.Type == "cancel" {
			logger.Executor().Info().Msg("received cancel over control channel")
			r.cancelActive()
		}
	}
}
