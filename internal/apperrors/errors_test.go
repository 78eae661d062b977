package apperrors

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusMapping(t *testing.T) {
	cases := map[Kind]int{
		KindInvalidRequest:      http.StatusBadRequest,
		KindNotFound:            http.StatusNotFound,
		KindConflict:            http.StatusConflict,
		KindSchedulingFailed:    http.StatusServiceUnavailable,
		KindBackendUnavailable:  http.StatusServiceUnavailable,
		KindExecutorUnreachable: http.StatusServiceUnavailable,
		KindExecutionFailed:     http.StatusUnprocessableEntity,
		KindInternal:            http.StatusInternalServerError,
	}
	for kind, want := range cases {
		e := New(kind, "x", "y")
		assert.Equal(t, want, e.StatusCode, kind)
	}
}

func TestToResponseHidesDetailByDefault(t *testing.T) {
	e := Wrap(KindInternal, "boom", "retry", errors.New("raw db error: secret"))
	resp := e.ToResponse("req-1", false)
	assert.Empty(t, resp.ErrorDetail)
	assert.Equal(t, "req-1", resp.RequestID)

	respDetailed := e.ToResponse("req-1", true)
	assert.Contains(t, respDetailed.ErrorDetail, "raw db error")
}

func TestAsExtractsAppError(t *testing.T) {
	err := NotFound("session", "abc")
	ae, ok := As(err)
	assert.True(t, ok)
	assert.Equal(t, KindNotFound, ae.Kind)
}
