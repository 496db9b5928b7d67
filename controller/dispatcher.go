package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sourcepark/testpark/internal/observability"
	"github.com/sourcepark/testpark/protocol"
	"github.com/sourcepark/testpark/state"
)

// StartTestRequest captures the body of a test start call.
type StartTestRequest struct {
	TestPlanID   string `json:"testPlanId"`
	TestRunnerID string `json:"testRunnerId"`
}

// RunActionResult is returned by dispatch operations. TestRunID is the
// controller-assigned test ID, not the runner's run identifier.
type RunActionResult struct {
	TestRunID string `json:"testRunId"`
	Message   string `json:"message"`
}

// RunnerRef is the list entry returned when looking up eligible runners.
type RunnerRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// EligibleRunners returns the IDLE runners whose platforms intersect the
// plan's platform constraints.
func (s *Service) EligibleRunners(ctx context.Context, planID string) ([]RunnerRef, error) {
	plan, err := s.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	runners, err := s.store.ListEligibleRunners(ctx, plan.Platforms)
	if err != nil {
		return nil, err
	}

	refs := make([]RunnerRef, 0, len(runners))
	for _, r := range runners {
		refs = append(refs, RunnerRef{ID: r.ID, Name: r.Name})
	}
	return refs, nil
}

// StartTest validates the plan and the runner, issues the remote start call,
// and creates the test row bound to the runner in one transaction. The
// runner's response must carry a run identifier and message before anything
// is written.
func (s *Service) StartTest(ctx context.Context, req StartTestRequest) (RunActionResult, error) {
	if req.TestPlanID == "" || req.TestRunnerID == "" {
		return RunActionResult{}, fmt.Errorf("%w: testPlanId and testRunnerId are required", ErrValidation)
	}

	plan, err := s.store.GetPlan(ctx, req.TestPlanID)
	if err != nil {
		return RunActionResult{}, err
	}
	if plan.Descriptor == nil || *plan.Descriptor == "" || len(plan.Platforms) == 0 {
		return RunActionResult{}, fmt.Errorf("%w: test plan %s has no runnable descriptor or platforms", ErrValidation, plan.ID)
	}

	runner, err := s.store.GetRunner(ctx, req.TestRunnerID)
	if err != nil {
		return RunActionResult{}, err
	}
	switch runner.Status {
	case state.RunnerStatusRunning:
		s.metrics.IncDispatch("start", "conflict")
		return RunActionResult{}, fmt.Errorf("%w: runner %s is currently busy", ErrConflict, runner.Name)
	case state.RunnerStatusError:
		s.metrics.IncDispatch("start", "conflict")
		return RunActionResult{}, fmt.Errorf("%w: runner %s is not available", ErrConflict, runner.Name)
	}

	description := plan.Name
	if plan.Description != nil && *plan.Description != "" {
		description = *plan.Description
	}
	resp, err := s.client.StartTest(ctx, runner.Endpoint, protocol.StartTestRequest{
		TestDescription: description,
		TestPlan:        *plan.Descriptor,
		Platforms:       plan.Platforms,
	})
	if err != nil {
		s.metrics.IncDispatch("start", "upstream_error")
		if errors.Is(err, ErrUpstreamUnreachable) {
			if _, failErr := s.store.FailRunnerAndActiveTest(ctx, runner.ID, noResponseText, noResponseErrorCode, noResponseText); failErr != nil {
				return RunActionResult{}, failErr
			}
		}
		s.appendActionLog(ctx, nil, &runner.ID, 502, fmt.Sprintf("Start of plan %s failed: %v", plan.ID, err))
		return RunActionResult{}, fmt.Errorf("start test on runner %s: %w", runner.ID, err)
	}
	if resp.TestRunID == "" || resp.Message == "" {
		s.metrics.IncDispatch("start", "protocol_error")
		return RunActionResult{}, fmt.Errorf("%w: start response missing testRunId or message", ErrUpstreamProtocol)
	}

	now := s.now()
	platform := strings.Join(plan.Platforms, ",")
	test := state.Test{
		ID:            s.newTestID(),
		Name:          plan.Name,
		TestPlanID:    plan.ID,
		ExternalRunID: &resp.TestRunID,
		Status:        state.TestStatusRunning,
		StartTime:     &now,
		LastMessage:   &resp.Message,
		Platform:      &platform,
		Description:   plan.Description,
		URL:           plan.URL,
	}

	created, err := s.store.AssignTest(ctx, runner.ID, test)
	if err != nil {
		if state.IsTransitionError(err) {
			s.metrics.IncDispatch("start", "conflict")
			return RunActionResult{}, fmt.Errorf("%w: runner %s is currently busy", ErrConflict, runner.Name)
		}
		return RunActionResult{}, err
	}

	s.metrics.IncDispatch("start", "ok")
	s.appendActionLog(ctx, &created.ID, &runner.ID, 200, fmt.Sprintf("Test %s started with runner %s.", created.ID, runner.ID))
	observability.WithTest(observability.WithRunner(s.logger, runner.ID), created.ID).
		Info("test dispatched", "event", "test_dispatched", "test_plan_id", plan.ID, "external_run_id", resp.TestRunID)

	return RunActionResult{TestRunID: created.ID, Message: resp.Message}, nil
}

// RestartTest re-issues a test on its runner. The runner assigns a fresh run
// identifier; progress and error fields are reset.
func (s *Service) RestartTest(ctx context.Context, testID string) (RunActionResult, error) {
	test, err := s.store.GetTest(ctx, testID)
	if err != nil {
		return RunActionResult{}, err
	}

	if test.RunnerID == nil {
		s.persistTestFailure(ctx, test.ID, "404", "No runner is assigned to this test.")
		return RunActionResult{}, fmt.Errorf("%w: test %s has no runner", state.ErrNotFound, testID)
	}
	runner, err := s.store.GetRunner(ctx, *test.RunnerID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			s.persistTestFailure(ctx, test.ID, "404", "Assigned runner no longer exists.")
		}
		return RunActionResult{}, err
	}
	if test.ExternalRunID == nil {
		s.persistTestFailure(ctx, test.ID, "500", "No run identifier recorded for this test.")
		return RunActionResult{}, fmt.Errorf("%w: test %s has no run identifier", ErrValidation, testID)
	}

	resp, err := s.client.RestartTest(ctx, runner.Endpoint, *test.ExternalRunID)
	if err != nil {
		s.metrics.IncDispatch("restart", "upstream_error")
		return RunActionResult{}, s.failUpstream(ctx, runner, test, err)
	}
	if resp.TestRunID == "" || resp.Message == "" {
		s.metrics.IncDispatch("restart", "protocol_error")
		s.persistTestFailure(ctx, test.ID, "500", "Restart response missing testRunId or message.")
		return RunActionResult{}, fmt.Errorf("%w: restart response missing testRunId or message", ErrUpstreamProtocol)
	}

	now := s.now()
	zero := 0.0
	update := state.TestUpdate{
		Status:         statusPtr(state.TestStatusRunning),
		ExternalRunID:  &resp.TestRunID,
		Progress:       &zero,
		StartTime:      &now,
		ElapsedSeconds: &zero,
		LastMessage:    &resp.Message,
		ClearError:     true,
	}
	if _, err := s.store.UpdateTest(ctx, test.ID, update); err != nil {
		return RunActionResult{}, err
	}
	if err := s.store.BindRunner(ctx, runner.ID, test.ID); err != nil {
		return RunActionResult{}, err
	}

	s.metrics.IncDispatch("restart", "ok")
	s.appendActionLog(ctx, &test.ID, &runner.ID, 200, fmt.Sprintf("Test %s restarted.", test.ID))
	return RunActionResult{TestRunID: test.ID, Message: resp.Message}, nil
}

// StopTest pauses a running test on its runner.
func (s *Service) StopTest(ctx context.Context, testID string) (RunActionResult, error) {
	test, err := s.store.GetTest(ctx, testID)
	if err != nil {
		return RunActionResult{}, err
	}
	if test.Status != state.TestStatusRunning {
		return RunActionResult{}, fmt.Errorf("%w: test %s is %s, not RUNNING", ErrInvalidState, testID, test.Status)
	}

	// Stopping an unowned test is an error worth surfacing, not a no-op.
	runner, err := s.store.FindRunnerByActiveTest(ctx, testID)
	if err != nil {
		return RunActionResult{}, err
	}
	if test.ExternalRunID == nil {
		return RunActionResult{}, fmt.Errorf("%w: test %s has no run identifier", ErrValidation, testID)
	}

	resp, err := s.client.StopTest(ctx, runner.Endpoint, *test.ExternalRunID)
	if err != nil {
		s.metrics.IncDispatch("stop", "upstream_error")
		return RunActionResult{}, s.failUpstream(ctx, runner, test, err)
	}
	if resp.TestRunID == "" || resp.Message == "" {
		s.metrics.IncDispatch("stop", "protocol_error")
		return RunActionResult{}, fmt.Errorf("%w: stop response missing testRunId or message", ErrUpstreamProtocol)
	}

	update := state.TestUpdate{
		Status:      statusPtr(state.TestStatusPaused),
		LastMessage: &resp.Message,
	}
	if _, err := s.store.UpdateTest(ctx, test.ID, update); err != nil {
		return RunActionResult{}, err
	}

	s.metrics.IncDispatch("stop", "ok")
	s.appendActionLog(ctx, &test.ID, &runner.ID, 200, fmt.Sprintf("Test %s paused.", test.ID))
	return RunActionResult{TestRunID: test.ID, Message: resp.Message}, nil
}

// ResumeTest resumes a paused test, returning both the test and its runner to
// RUNNING and clearing prior error fields.
func (s *Service) ResumeTest(ctx context.Context, testID string) (RunActionResult, error) {
	test, err := s.store.GetTest(ctx, testID)
	if err != nil {
		return RunActionResult{}, err
	}
	if test.Status != state.TestStatusPaused {
		return RunActionResult{}, fmt.Errorf("%w: test %s is %s, not PAUSED", ErrInvalidState, testID, test.Status)
	}
	if test.ExternalRunID == nil {
		return RunActionResult{}, fmt.Errorf("%w: test %s has no run identifier", ErrValidation, testID)
	}

	runner, err := s.findOwningRunner(ctx, test)
	if err != nil {
		return RunActionResult{}, err
	}

	resp, err := s.client.ResumeTest(ctx, runner.Endpoint, *test.ExternalRunID)
	if err != nil {
		s.metrics.IncDispatch("resume", "upstream_error")
		return RunActionResult{}, s.failUpstream(ctx, runner, test, err)
	}
	if resp.TestRunID == "" || resp.Message == "" {
		s.metrics.IncDispatch("resume", "protocol_error")
		return RunActionResult{}, fmt.Errorf("%w: resume response missing testRunId or message", ErrUpstreamProtocol)
	}

	update := state.TestUpdate{
		Status:      statusPtr(state.TestStatusRunning),
		LastMessage: &resp.Message,
		ClearError:  true,
	}
	if _, err := s.store.UpdateTest(ctx, test.ID, update); err != nil {
		return RunActionResult{}, err
	}
	if err := s.store.BindRunner(ctx, runner.ID, test.ID); err != nil {
		return RunActionResult{}, err
	}

	s.metrics.IncDispatch("resume", "ok")
	s.appendActionLog(ctx, &test.ID, &runner.ID, 200, fmt.Sprintf("Test %s resumed.", test.ID))
	return RunActionResult{TestRunID: test.ID, Message: resp.Message}, nil
}

// DeleteTest removes a test. The owning runner, when one is still bound, is
// told to stop the run first (best effort) and freed; the row is removed
// regardless of whether the remote stop succeeded.
func (s *Service) DeleteTest(ctx context.Context, testID string) error {
	test, err := s.store.GetTest(ctx, testID)
	if err != nil {
		return err
	}

	runner, err := s.store.FindRunnerByActiveTest(ctx, testID)
	switch {
	case err == nil:
		if test.ExternalRunID != nil {
			if _, stopErr := s.client.StopTest(ctx, runner.Endpoint, *test.ExternalRunID); stopErr != nil {
				observability.WithTest(observability.WithRunner(s.logger, runner.ID), testID).
					Warn("remote stop before delete failed", "event", "delete_stop_failed", "error", stopErr)
				s.appendActionLog(ctx, &testID, &runner.ID, 502, fmt.Sprintf("Stop before delete failed: %v", stopErr))
			}
		}
		// A runner that died mid-run sits in ERROR with the pointer retained
		// as evidence; deleting the test drops the pointer but the runner
		// stays ERROR until it re-registers.
		releaseTo := state.RunnerStatusIdle
		if runner.Status == state.RunnerStatusError {
			releaseTo = state.RunnerStatusError
		}
		if err := s.store.ReleaseRunner(ctx, runner.ID, releaseTo, "Active test deleted."); err != nil {
			return err
		}
	case errors.Is(err, state.ErrNotFound):
		// Test already unbound; nothing to free.
	default:
		return err
	}

	if err := s.store.DeleteTest(ctx, testID); err != nil {
		return err
	}
	s.metrics.IncDispatch("delete", "ok")
	return nil
}

// PullStatus probes the runner's liveness, then fetches and merges the run's
// current status into the test row: fields present in the response overwrite,
// absent fields preserve.
func (s *Service) PullStatus(ctx context.Context, testID string) (state.Test, error) {
	test, err := s.store.GetTest(ctx, testID)
	if err != nil {
		return state.Test{}, err
	}
	if test.RunnerID == nil || test.ExternalRunID == nil {
		return test, nil
	}

	runner, err := s.store.GetRunner(ctx, *test.RunnerID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return test, nil
		}
		return state.Test{}, err
	}

	// Status lookups double as a liveness signal. A failed probe already
	// marked the pair failed; return the reconciled record.
	if _, probeErr := s.ProbeHeartbeat(ctx, runner.ID); probeErr != nil {
		return s.store.GetTest(ctx, testID)
	}

	resp, err := s.client.TestStatus(ctx, runner.Endpoint, *test.ExternalRunID)
	if err != nil {
		return state.Test{}, s.failUpstream(ctx, runner, test, err)
	}

	update := state.TestUpdate{
		Progress:       resp.Progress,
		ElapsedSeconds: resp.ElapsedSeconds,
	}
	if resp.Status != "" {
		status := state.TestStatus(resp.Status)
		if !state.ValidTestStatus(status) {
			return state.Test{}, fmt.Errorf("%w: unknown test status %q", ErrUpstreamProtocol, resp.Status)
		}
		update.Status = &status
	}
	if resp.StartTime != nil {
		startTime := time.UnixMilli(*resp.StartTime).UTC()
		update.StartTime = &startTime
	}
	if resp.Message != "" {
		update.LastMessage = &resp.Message
	}
	if resp.ErrorCode != "" {
		update.ErrorCode = &resp.ErrorCode
	}
	if resp.ErrorText != "" {
		update.ErrorText = &resp.ErrorText
	}

	if update.IsZero() {
		return test, nil
	}
	updated, err := s.store.UpdateTest(ctx, test.ID, update)
	if err != nil {
		return state.Test{}, err
	}

	if update.Status != nil && state.TerminalTestStatus(*update.Status) {
		current, err := s.store.GetRunner(ctx, runner.ID)
		if err == nil && current.ActiveTestID != nil && *current.ActiveTestID == test.ID {
			if err := s.store.ReleaseRunner(ctx, runner.ID, state.RunnerStatusIdle, "Test run completed."); err != nil {
				return state.Test{}, err
			}
		}
	}
	return updated, nil
}

// CompleteTest handles the runner's completion callback, identified by the
// runner-assigned run ID.
func (s *Service) CompleteTest(ctx context.Context, externalRunID, report string) (state.Test, error) {
	if externalRunID == "" {
		return state.Test{}, fmt.Errorf("%w: run id is required", ErrValidation)
	}
	completed, err := s.store.CompleteTestByRunID(ctx, externalRunID, report)
	if err != nil {
		return state.Test{}, err
	}

	s.metrics.IncDispatch("complete", "ok")
	s.appendActionLog(ctx, &completed.ID, completed.RunnerID, 200, fmt.Sprintf("Test %s completed.", completed.ID))
	observability.WithTest(s.logger, completed.ID).Info("test completed", "event", "test_completed")
	return completed, nil
}

// failUpstream persists a runner-call failure into the test's error fields
// before surfacing it. Unreachable runners are additionally marked ERROR with
// their active test failed, the same path a failed probe takes.
func (s *Service) failUpstream(ctx context.Context, runner state.Runner, test state.Test, callErr error) error {
	var rce *RunnerCallError
	switch {
	case errors.As(callErr, &rce):
		s.persistTestFailure(ctx, test.ID, rce.ErrorCode(), rce.ErrorText())
	case errors.Is(callErr, ErrUpstreamUnreachable):
		if _, err := s.store.FailRunnerAndActiveTest(ctx, runner.ID, noResponseText, noResponseErrorCode, noResponseText); err != nil {
			return err
		}
		s.persistTestFailure(ctx, test.ID, noResponseErrorCode, noResponseText)
	default:
		s.persistTestFailure(ctx, test.ID, "500", callErr.Error())
	}
	return fmt.Errorf("call runner %s: %w", runner.ID, callErr)
}

// persistTestFailure records a failure on the test row itself: the entity is
// the durable record of the failure, not just the response to the caller.
func (s *Service) persistTestFailure(ctx context.Context, testID, errorCode, errorText string) {
	update := state.TestUpdate{
		Status:    statusPtr(state.TestStatusFailed),
		ErrorCode: &errorCode,
		ErrorText: &errorText,
	}
	if _, err := s.store.UpdateTest(ctx, testID, update); err != nil && !state.IsTransitionError(err) {
		observability.WithTest(s.logger, testID).Error("persist failure state", "event", "persist_failure_failed", "error", err)
	}
}

func (s *Service) findOwningRunner(ctx context.Context, test state.Test) (state.Runner, error) {
	runner, err := s.store.FindRunnerByActiveTest(ctx, test.ID)
	if err == nil {
		return runner, nil
	}
	if !errors.Is(err, state.ErrNotFound) {
		return state.Runner{}, err
	}
	if test.RunnerID == nil {
		return state.Runner{}, fmt.Errorf("%w: test %s has no runner", state.ErrNotFound, test.ID)
	}
	return s.store.GetRunner(ctx, *test.RunnerID)
}

func statusPtr(s state.TestStatus) *state.TestStatus {
	return &s
}
