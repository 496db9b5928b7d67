package controller

import (
	"errors"
	"fmt"
)

// Sentinel errors forming the controller's error taxonomy. HTTP handlers map
// these to status codes; service methods wrap them with context.
var (
	// ErrValidation marks missing or malformed input.
	ErrValidation = errors.New("validation failed")

	// ErrConflict marks an entity that is not in the state an operation
	// requires, e.g. dispatching to a busy runner.
	ErrConflict = errors.New("conflict")

	// ErrInvalidState marks an operation against a test in the wrong status,
	// e.g. stopping a test that is not running.
	ErrInvalidState = errors.New("invalid state")

	// ErrRateLimited marks a heartbeat pushed before the minimum spacing
	// elapsed, or carrying a non-monotonic timestamp.
	ErrRateLimited = errors.New("rate limited")

	// ErrUpstreamProtocol marks a runner response missing required fields.
	// It is surfaced, never silently defaulted.
	ErrUpstreamProtocol = errors.New("runner protocol violation")

	// ErrUpstreamUnreachable marks a network failure or timeout calling a
	// runner. It always resolves to marking the runner ERROR.
	ErrUpstreamUnreachable = errors.New("runner unreachable")
)

// RunnerCallError carries the error detail of a non-2xx response from a
// runner's control API so it can be persisted into the owning test's error
// fields verbatim.
type RunnerCallError struct {
	StatusCode int
	Code       string
	Text       string
	Message    string
}

func (e *RunnerCallError) Error() string {
	if e.Text != "" {
		return fmt.Sprintf("runner returned %d: %s", e.StatusCode, e.Text)
	}
	if e.Message != "" {
		return fmt.Sprintf("runner returned %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("runner returned %d", e.StatusCode)
}

// ErrorCode returns the code to persist for this failure, defaulting to the
// HTTP status when the runner supplied none.
func (e *RunnerCallError) ErrorCode() string {
	if e.Code != "" {
		return e.Code
	}
	return fmt.Sprintf("%d", e.StatusCode)
}

// ErrorText returns the text to persist for this failure.
func (e *RunnerCallError) ErrorText() string {
	if e.Text != "" {
		return e.Text
	}
	if e.Message != "" {
		return e.Message
	}
	return e.Error()
}
