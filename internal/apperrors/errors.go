// Package apperrors implements the control plane's error taxonomy: a fixed
// set of kinds (not Go types) each mapped to an HTTP status, modeled on
// api/internal/errors.AppError but extended with the Solution field the REST
// envelope requires.
package apperrors

import (
	"fmt"
	"net/http"
)

// Kind is a machine-readable error kind, one of the ten named in the spec.
type Kind string

const (
	KindInvalidRequest     Kind = "INVALID_REQUEST"
	KindNotFound           Kind = "NOT_FOUND"
	KindConflict           Kind = "CONFLICT"
	KindSchedulingFailed   Kind = "SCHEDULING_FAILED"
	KindBackendUnavailable Kind = "BACKEND_UNAVAILABLE"
	KindExecutorUnreachable Kind = "EXECUTOR_UNREACHABLE"
	KindExecutionFailed    Kind = "EXECUTION_FAILED"
	KindExecutionTimeout   Kind = "EXECUTION_TIMEOUT"
	KindExecutionCrashed   Kind = "EXECUTION_CRASHED"
	KindInternal           Kind = "INTERNAL"
)

// Error is the standardized application error carried from domain code up to
// the REST façade. Detail is logged with the request id but never returned to
// the client; Solution is the user-facing hint.
type Error struct {
	Kind        Kind
	Description string
	Detail      string
	Solution    string
	StatusCode  int
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Description, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Description)
}

// Response is the external JSON error envelope from spec §6.1.
type Response struct {
	ErrorCode   string `json:"error_code"`
	Description string `json:"description"`
	ErrorDetail string `json:"error_detail,omitempty"`
	Solution    string `json:"solution,omitempty"`
	RequestID   string `json:"request_id"`
}

// ToResponse renders the error as the external envelope. Detail is included
// only when the caller explicitly opts into exposing it (internal debug
// builds); production call sites should pass includeDetail=false.
func (e *Error) ToResponse(requestID string, includeDetail bool) Response {
	r := Response{
		ErrorCode:   string(e.Kind),
		Description: e.Description,
		Solution:    e.Solution,
		RequestID:   requestID,
	}
	if includeDetail {
		r.ErrorDetail = e.Detail
	}
	return r
}

func statusFor(k Kind) int {
	switch k {
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindSchedulingFailed:
		return http.StatusServiceUnavailable
	case KindBackendUnavailable:
		return http.StatusServiceUnavailable
	case KindExecutorUnreachable:
		return http.StatusServiceUnavailable
	case KindExecutionFailed, KindExecutionTimeout, KindExecutionCrashed:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func New(kind Kind, description, solution string) *Error {
	return &Error{Kind: kind, Description: description, Solution: solution, StatusCode: statusFor(kind)}
}

func Wrap(kind Kind, description, solution string, err error) *Error {
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	return &Error{Kind: kind, Description: description, Detail: detail, Solution: solution, StatusCode: statusFor(kind)}
}

// Common constructors, one per kind, matching the vocabulary of spec §7.

func InvalidRequest(description string) *Error {
	return New(KindInvalidRequest, description, "check the request payload against the API schema")
}

func NotFound(resource, id string) *Error {
	return New(KindNotFound, fmt.Sprintf("%s %s not found", resource, id), "verify the id and retry")
}

func Conflict(description string) *Error {
	return New(KindConflict, description, "refresh current state before retrying")
}

func SchedulingFailed(description string, err error) *Error {
	return Wrap(KindSchedulingFailed, description, "retry the request; the caller is responsible for backoff", err)
}

func BackendUnavailable(err error) *Error {
	return Wrap(KindBackendUnavailable, "the container backend is unreachable", "retry shortly", err)
}

func ExecutorUnreachable(err error) *Error {
	return Wrap(KindExecutorUnreachable, "the session's executor is not responding", "the session may be reconciled as crashed", err)
}

func ExecutionFailed(exitCode int) *Error {
	return New(KindExecutionFailed, fmt.Sprintf("execution exited with code %d", exitCode), "inspect stderr for the failure cause")
}

func ExecutionTimeout() *Error {
	return New(KindExecutionTimeout, "execution exceeded its declared timeout", "increase the timeout or optimize the handler")
}

func ExecutionCrashed(description string) *Error {
	return New(KindExecutionCrashed, description, "resubmit the execution against a fresh session")
}

func Internal(err error) *Error {
	return Wrap(KindInternal, "an internal error occurred", "contact the operator if this persists", err)
}

// As extracts an *Error from err if present.
func As(err error) (*Error, bool) {
	ae, ok := err.(*Error)
	return ae, ok
}
