package model

import "time"

// SessionMode distinguishes ephemeral (one execution, self-terminating)
// sessions from persistent ones.
type SessionMode string

const (
	ModeEphemeral  SessionMode = "ephemeral"
	ModePersistent SessionMode = "persistent"
)

// SessionStatus is the canonical, uppercase-on-the-wire session state (spec
// §9: lower-case variants seen in some source trees are a deviation to be
// normalized, never emitted here).
type SessionStatus string

const (
	SessionPending     SessionStatus = "PENDING"
	SessionCreating    SessionStatus = "CREATING"
	SessionStarting    SessionStatus = "STARTING"
	SessionRunning     SessionStatus = "RUNNING"
	SessionCompleted   SessionStatus = "COMPLETED"
	SessionTerminated  SessionStatus = "TERMINATED"
	SessionFailed      SessionStatus = "FAILED"
	SessionTimeout     SessionStatus = "TIMEOUT"
)

// sessionTransitions encodes the diagram in spec §4.1 as an adjacency table.
var sessionTransitions = map[SessionStatus][]SessionStatus{
	SessionPending:    {SessionCreating, SessionFailed},
	SessionCreating:   {SessionStarting, SessionFailed},
	SessionStarting:   {SessionRunning, SessionFailed},
	SessionRunning:    {SessionTerminated, SessionCompleted, SessionFailed, SessionTimeout},
	SessionCompleted:  {},
	SessionTerminated: {},
	SessionFailed:     {},
	SessionTimeout:    {},
}

// IsTerminal reports whether status is one of the state machine's terminal
// states.
func (s SessionStatus) IsTerminal() bool {
	transitions, ok := sessionTransitions[s]
	return ok && len(transitions) == 0
}

// CanTransition reports whether moving from `from` to `to` is a legal edge in
// the session lifecycle state machine.
func CanTransition(from, to SessionStatus) bool {
	for _, candidate := range sessionTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// Session is a provisioned sandbox, 1:1 with a backend container over its
// lifetime.
type Session struct {
	ID              string            `json:"id"`
	TemplateID      string            `json:"template_id"`
	Mode            SessionMode       `json:"mode"`
	Status          SessionStatus     `json:"status"`
	ResourceLimit   ResourceLimit     `json:"resource_limit"`
	WorkspacePath   string            `json:"workspace_path"`
	RuntimeKind     string            `json:"runtime_kind"`
	NodeID          string            `json:"node_id,omitempty"`
	ContainerID     string            `json:"container_id,omitempty"`
	PodName         string            `json:"pod_name,omitempty"`
	Env             map[string]string `json:"env,omitempty"`
	Labels          map[string]string `json:"labels,omitempty"`
	TimeoutSeconds  int               `json:"timeout_seconds"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	LastActivityAt  time.Time         `json:"last_activity_at"`
}

// Touch advances LastActivityAt to now, enforcing monotonicity (spec §3
// invariant: last_activity_at is monotonically non-decreasing).
func (s *Session) Touch(now time.Time) {
	if now.After(s.LastActivityAt) {
		s.LastActivityAt = now
	}
}
