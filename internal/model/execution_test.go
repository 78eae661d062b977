package model

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruncateNoOpUnderLimit(t *testing.T) {
	assert.Equal(t, "hello", Truncate("hello", 10))
}

func TestTruncateAppendsMarker(t *testing.T) {
	s := strings.Repeat("a", 100)
	out := Truncate(s, 20)
	assert.True(t, strings.HasSuffix(out, TruncationMarker))
	assert.LessOrEqual(t, len(out), 20)
}

func TestIsHidden(t *testing.T) {
	assert.True(t, IsHidden(".env"))
	assert.True(t, IsHidden("sub/.secret"))
	assert.False(t, IsHidden("output.txt"))
	assert.False(t, IsHidden("dir/output.txt"))
}

func TestExecutionIsTerminal(t *testing.T) {
	assert.True(t, ExecutionCompleted.IsTerminal())
	assert.True(t, ExecutionCrashed.IsTerminal())
	assert.False(t, ExecutionRunning.IsTerminal())
	assert.False(t, ExecutionPending.IsTerminal())
}
