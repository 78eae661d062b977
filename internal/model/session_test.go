package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransitionValidPaths(t *testing.T) {
	assert.True(t, CanTransition(SessionPending, SessionCreating))
	assert.True(t, CanTransition(SessionCreating, SessionStarting))
	assert.True(t, CanTransition(SessionStarting, SessionRunning))
	assert.True(t, CanTransition(SessionRunning, SessionTerminated))
	assert.True(t, CanTransition(SessionRunning, SessionCompleted))
	assert.True(t, CanTransition(SessionRunning, SessionFailed))
	assert.True(t, CanTransition(SessionRunning, SessionTimeout))
}

func TestCanTransitionRejectsInvalidPaths(t *testing.T) {
	assert.False(t, CanTransition(SessionPending, SessionRunning))
	assert.False(t, CanTransition(SessionCompleted, SessionRunning))
	assert.False(t, CanTransition(SessionTerminated, SessionPending))
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, SessionCompleted.IsTerminal())
	assert.True(t, SessionTerminated.IsTerminal())
	assert.True(t, SessionFailed.IsTerminal())
	assert.True(t, SessionTimeout.IsTerminal())
	assert.False(t, SessionRunning.IsTerminal())
	assert.False(t, SessionPending.IsTerminal())
}

func TestTouchMonotonic(t *testing.T) {
	s := &Session{}
	now := mustParse("2026-01-01T00:00:00Z")
	s.Touch(now)
	assert.Equal(t, now, s.LastActivityAt)

	earlier := mustParse("2025-12-31T00:00:00Z")
	s.Touch(earlier)
	assert.Equal(t, now, s.LastActivityAt, "last_activity_at must not move backwards")

	later := mustParse("2026-01-02T00:00:00Z")
	s.Touch(later)
	assert.Equal(t, later, s.LastActivityAt)
}
