// Package events publishes control-plane lifecycle events to NATS for
// external observers (dashboards, audit sinks), grounded on
// api/internal/events (subjects.go's "domain.action" naming, stub.go's
// optional-NATS no-op contract) and the agent-side conn.Publish pattern
// in docker-controller/pkg/events/subscriber.go.
//
// Unlike the teacher's stub, which permanently disabled publishing after
// replacing NATS with direct WebSocket calls, this bus is the opposite:
// a real NATS connection when NATS_URL is configured, a no-op otherwise,
// exactly the optionality spec §6.4 calls for.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/sandboxctl/control-plane/internal/logger"
)

// Subject names, following the teacher's "sandboxctl.<domain>.<action>"
// scheme (api/internal/events/subjects.go used "streamspace.*").
const (
	SubjectSessionStatus   = "sandboxctl.session.status"
	SubjectExecutionResult = "sandboxctl.execution.result"
	SubjectReaperAction    = "sandboxctl.reaper.action"
)

// SessionStatusEvent announces a session lifecycle transition.
type SessionStatusEvent struct {
	EventID     string    `json:"event_id"`
	Timestamp   time.Time `json:"timestamp"`
	SessionID   string    `json:"session_id"`
	Status      string    `json:"status"`
	NodeID      string    `json:"node_id,omitempty"`
	ContainerID string    `json:"container_id,omitempty"`
}

// ExecutionResultEvent announces an execution reaching a terminal status.
type ExecutionResultEvent struct {
	EventID     string    `json:"event_id"`
	Timestamp   time.Time `json:"timestamp"`
	ExecutionID string    `json:"execution_id"`
	SessionID   string    `json:"session_id"`
	Status      string    `json:"status"`
	ExitCode    *int      `json:"exit_code,omitempty"`
}

// ReaperActionEvent announces the reconciler terminating a session.
type ReaperActionEvent struct {
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`
	Reason    string    `json:"reason"`
}

// Bus publishes domain events. A zero-value Bus (or one built with an empty
// URL) is a disabled no-op, so every caller can publish unconditionally.
type Bus struct {
	conn    *nats.Conn
	enabled bool
}

// Config configures the NATS connection.
type Config struct {
	URL string
}

// Connect dials NATS. If cfg.URL is empty, it returns a disabled Bus rather
// than an error (spec §6.4: NATS_URL is optional). A dial failure against a
// configured URL is also degraded to disabled-with-a-warning rather than
// failing control-plane startup, mirroring the teacher's subscriber
// "Warning: Failed to connect... disabled" fallback.
func Connect(cfg Config) *Bus {
	log := logger.Component("events")
	if cfg.URL == "" {
		log.Info().Msg("NATS_URL not configured, event publishing disabled")
		return &Bus{}
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name("sandboxctl-control-plane"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(10),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		log.Warn().Err(err).Str("url", cfg.URL).Msg("failed to connect to nats, event publishing disabled")
		return &Bus{}
	}

	log.Info().Str("url", conn.ConnectedUrl()).Msg("connected to nats")
	return &Bus{conn: conn, enabled: true}
}

// IsEnabled reports whether a live NATS connection backs this bus.
func (b *Bus) IsEnabled() bool { return b.enabled }

// Close drains and closes the connection.
func (b *Bus) Close() {
	if b.conn != nil {
		b.conn.Drain()
		b.conn.Close()
	}
}

// PublishSessionStatus publishes a SessionStatusEvent, a no-op when disabled.
func (b *Bus) PublishSessionStatus(e SessionStatusEvent) error {
	return b.publish(SubjectSessionStatus, e)
}

// PublishExecutionResult publishes an ExecutionResultEvent, a no-op when disabled.
func (b *Bus) PublishExecutionResult(e ExecutionResultEvent) error {
	return b.publish(SubjectExecutionResult, e)
}

// PublishReaperAction publishes a ReaperActionEvent, a no-op when disabled.
func (b *Bus) PublishReaperAction(e ReaperActionEvent) error {
	return b.publish(SubjectReaperAction, e)
}

func (b *Bus) publish(subject string, v interface{}) error {
	if !b.enabled {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("events: marshal %s event: %w", subject, err)
	}
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("events: publish %s: %w", subject, err)
	}
	return nil
}
