package state

import (
	"errors"
	"fmt"
)

type RunnerStatus string

const (
	RunnerStatusIdle    RunnerStatus = "IDLE"
	RunnerStatusRunning RunnerStatus = "RUNNING"
	RunnerStatusError   RunnerStatus = "ERROR"
)

// runnerTransitions encodes the runner liveness state machine. ERROR is a
// sink: the only way out is an explicit re-registration, which replaces the
// row instead of transitioning it.
var runnerTransitions = map[RunnerStatus][]RunnerStatus{
	RunnerStatusIdle:    {RunnerStatusIdle, RunnerStatusRunning, RunnerStatusError},
	RunnerStatusRunning: {RunnerStatusRunning, RunnerStatusIdle, RunnerStatusError},
	RunnerStatusError:   {RunnerStatusError},
}

type TestStatus string

const (
	TestStatusPending TestStatus = "PENDING"
	TestStatusRunning TestStatus = "RUNNING"
	TestStatusPaused  TestStatus = "PAUSED"
	TestStatusPassed  TestStatus = "PASSED"
	TestStatusFailed  TestStatus = "FAILED"
)

// testTransitions encodes the test run state machine. PASSED and FAILED admit
// RUNNING again because a restart re-dispatches the same test row.
var testTransitions = map[TestStatus][]TestStatus{
	TestStatusPending: {TestStatusPending, TestStatusRunning, TestStatusFailed},
	TestStatusRunning: {TestStatusRunning, TestStatusPaused, TestStatusPassed, TestStatusFailed},
	TestStatusPaused:  {TestStatusPaused, TestStatusRunning, TestStatusFailed},
	TestStatusPassed:  {TestStatusPassed, TestStatusRunning},
	TestStatusFailed:  {TestStatusFailed, TestStatusRunning},
}

// TransitionError signals an illegal state transition detected in the persistence layer.
type TransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("%s %s: invalid transition from %s to %s", e.Entity, e.ID, e.From, e.To)
}

// IsTransitionError reports whether err is a TransitionError.
func IsTransitionError(err error) bool {
	var te TransitionError
	return errors.As(err, &te)
}

// ValidRunnerStatus reports whether s names a known runner status.
func ValidRunnerStatus(s RunnerStatus) bool {
	_, ok := runnerTransitions[s]
	return ok
}

// ValidTestStatus reports whether s names a known test status.
func ValidTestStatus(s TestStatus) bool {
	_, ok := testTransitions[s]
	return ok
}

// TerminalTestStatus reports whether s is a terminal run outcome.
func TerminalTestStatus(s TestStatus) bool {
	return s == TestStatusPassed || s == TestStatusFailed
}

func validateRunnerTransition(runnerID string, from, to RunnerStatus) error {
	for _, allowed := range runnerTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return TransitionError{Entity: "runner", ID: runnerID, From: string(from), To: string(to)}
}

func validateTestTransition(testID string, from, to TestStatus) error {
	for _, allowed := range testTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return TransitionError{Entity: "test", ID: testID, From: string(from), To: string(to)}
}
