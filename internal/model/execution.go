package model

import (
	"encoding/json"
	"time"
)

// ExecutionStatus is the canonical, uppercase execution state.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "PENDING"
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionCompleted ExecutionStatus = "COMPLETED"
	ExecutionFailed    ExecutionStatus = "FAILED"
	ExecutionTimeout   ExecutionStatus = "TIMEOUT"
	ExecutionCrashed   ExecutionStatus = "CRASHED"
)

// IsTerminal reports whether the execution has reached a status that no
// later callback may change (spec §8 "result finality").
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionTimeout, ExecutionCrashed:
		return true
	default:
		return false
	}
}

// Metrics captures best-effort resource accounting for one execution.
type Metrics struct {
	DurationMS   int64  `json:"duration_ms"`
	CPUTimeMS    *int64 `json:"cpu_time_ms,omitempty"`
	PeakMemoryMB *int64 `json:"peak_memory_mb,omitempty"`
}

// MaxCodeBytes, MaxStdoutBytes and MaxStderrBytes are the spec §3 size caps.
const (
	MaxCodeBytes   = 1 << 20  // 1 MiB
	MaxStdoutBytes = 10 << 20 // 10 MiB
	MaxStderrBytes = 10 << 20 // 10 MiB

	TruncationMarker = "…[truncated]"
)

// Execution is one code submission against a session.
type Execution struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"session_id"`
	Status      ExecutionStatus `json:"status"`
	Code        string          `json:"code"`
	Language    string          `json:"language"`
	Timeout     int             `json:"timeout"` // seconds
	Event       json.RawMessage `json:"event,omitempty"`
	ExitCode    *int            `json:"exit_code,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Stdout      string          `json:"stdout,omitempty"`
	Stderr      string          `json:"stderr,omitempty"`
	Artifacts   []ArtifactMetadata `json:"artifacts,omitempty"`
	Metrics     Metrics         `json:"metrics"`
	ReturnValue json.RawMessage `json:"return_value,omitempty"`
	RetryCount  int             `json:"retry_count"`
	Attempt     int             `json:"attempt"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// SupportedLanguages is the dispatch engine's language whitelist (spec §4.4).
var SupportedLanguages = map[string]bool{
	"python":     true,
	"javascript": true,
	"shell":      true,
}

// Truncate caps s at limit bytes, appending TruncationMarker when it does.
func Truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit - len(TruncationMarker)
	if cut < 0 {
		cut = 0
	}
	return s[:cut] + TruncationMarker
}
