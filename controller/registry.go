package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sourcepark/testpark/internal/observability"
	"github.com/sourcepark/testpark/protocol"
	"github.com/sourcepark/testpark/state"
)

// RegisterRunnerRequest captures the body of a runner registration call.
type RegisterRunnerRequest struct {
	RunnerID  string   `json:"runnerId"`
	Name      string   `json:"name,omitempty"`
	URL       string   `json:"url"`
	Platforms []string `json:"platforms"`
}

// RegisterRunner upserts a runner as IDLE. Registration is the signal that a
// runner process restarted and lost its in-memory run state, so any test
// still RUNNING against it is failed in the same transaction.
func (s *Service) RegisterRunner(ctx context.Context, req RegisterRunnerRequest) (state.Runner, error) {
	if req.RunnerID == "" || req.URL == "" || len(req.Platforms) == 0 {
		return state.Runner{}, fmt.Errorf("%w: runnerId, url, and platforms are required", ErrValidation)
	}
	name := req.Name
	if name == "" {
		name = req.RunnerID
	}

	runner, failedTests, err := s.store.RegisterRunner(ctx, state.Runner{
		ID:        req.RunnerID,
		Name:      name,
		Platforms: req.Platforms,
		Endpoint:  req.URL,
	})
	if err != nil {
		return state.Runner{}, fmt.Errorf("register runner: %w", err)
	}

	logger := observability.WithRunner(s.logger, runner.ID)
	logger.Info("runner registered", "event", "runner_registered", "platforms", runner.Platforms)
	if failedTests > 0 {
		logger.Warn("tests failed by re-registration", "event", "runner_restart_failed_tests", "count", failedTests)
	}
	return runner, nil
}

// IngestHeartbeat handles a runner-pushed heartbeat. Heartbeats spaced closer
// than the minimum interval, or carrying a timestamp not strictly newer than
// the stored one, are rejected as rate limited. An accepted IDLE push while a
// test is still bound clears the binding. An optional piggybacked run
// reference applies a partial update to that test: fields not present are
// left unchanged.
func (s *Service) IngestHeartbeat(ctx context.Context, runnerID string, hb protocol.HeartbeatPush) error {
	if runnerID == "" {
		return fmt.Errorf("%w: runner id is required", ErrValidation)
	}
	if hb.Timestamp <= 0 {
		return fmt.Errorf("%w: heartbeat timestamp is required", ErrValidation)
	}

	at := time.UnixMilli(hb.Timestamp).UTC()
	reported := normalizeRunnerStatus(hb.Status)
	feedback := "Heartbeat received successfully."
	if hb.Message != "" {
		feedback = hb.Message
	}

	runner, err := s.store.AcceptHeartbeat(ctx, runnerID, at, s.heartbeatMinInterval, reported, feedback)
	if err != nil {
		switch {
		case errors.Is(err, state.ErrHeartbeatThrottled), errors.Is(err, state.ErrStaleHeartbeat):
			s.metrics.IncHeartbeat("rate_limited")
			return fmt.Errorf("%w: %v", ErrRateLimited, err)
		default:
			s.metrics.IncHeartbeat("rejected")
			return err
		}
	}
	s.metrics.IncHeartbeat("accepted")

	if reported == state.RunnerStatusError {
		errCode := hb.ErrorCode
		if errCode == "" {
			errCode = "500"
		}
		errText := hb.ErrorText
		if errText == "" {
			errText = "Runner reported an error."
		}
		if _, err := s.store.FailRunnerAndActiveTest(ctx, runnerID, errText, errCode, errText); err != nil {
			return err
		}
	}

	if reported == state.RunnerStatusIdle && runner.ActiveTestID != nil {
		// An IDLE push while a test is still bound: drop the binding so the
		// active pointer never outlives the RUNNING status.
		if err := s.store.ReleaseRunner(ctx, runnerID, state.RunnerStatusIdle, feedback); err != nil {
			return err
		}
		runner.ActiveTestID = nil
	}

	if hb.TestRunID == "" {
		return nil
	}
	return s.applyRunUpdate(ctx, runner, hb)
}

// applyRunUpdate merges the heartbeat's piggybacked run telemetry into the
// referenced test, releasing the runner when the run reached a terminal
// status.
func (s *Service) applyRunUpdate(ctx context.Context, runner state.Runner, hb protocol.HeartbeatPush) error {
	test, err := s.store.GetTestByExternalRunID(ctx, hb.TestRunID)
	if err != nil {
		return err
	}

	update := state.TestUpdate{
		Progress: hb.Progress,
	}
	if hb.Message != "" {
		update.LastMessage = &hb.Message
	}
	if hb.ErrorCode != "" {
		update.ErrorCode = &hb.ErrorCode
	}
	if hb.ErrorText != "" {
		update.ErrorText = &hb.ErrorText
	}

	var terminal bool
	if hb.TestStatus != "" {
		status := state.TestStatus(hb.TestStatus)
		if !state.ValidTestStatus(status) {
			return fmt.Errorf("%w: unknown test status %q", ErrValidation, hb.TestStatus)
		}
		update.Status = &status
		terminal = state.TerminalTestStatus(status)
	}

	if !update.IsZero() {
		if _, err := s.store.UpdateTest(ctx, test.ID, update); err != nil {
			return err
		}
	}

	if terminal && runner.ActiveTestID != nil && *runner.ActiveTestID == test.ID {
		if err := s.store.ReleaseRunner(ctx, runner.ID, state.RunnerStatusIdle, "Test run completed."); err != nil {
			return err
		}
	}
	return nil
}

// ProbeHeartbeat calls the runner's own heartbeat endpoint. An unreachable
// endpoint or a response missing required fields marks the runner ERROR and
// fails its active test with the fixed no-response error; an ERROR
// self-report does the same with the reported detail; an IDLE self-report
// while a test is still bound clears the binding.
func (s *Service) ProbeHeartbeat(ctx context.Context, runnerID string) (state.Runner, error) {
	runner, err := s.store.GetRunner(ctx, runnerID)
	if err != nil {
		return state.Runner{}, err
	}

	resp, err := s.client.Heartbeat(ctx, runner.Endpoint)
	if err != nil {
		s.metrics.IncProbe("unreachable")
		return s.failProbe(ctx, runnerID, fmt.Errorf("%w: %v", ErrUpstreamUnreachable, err))
	}
	if resp.Timestamp == nil || resp.Status == "" || resp.Sequence == nil || resp.UptimeSeconds == nil {
		s.metrics.IncProbe("malformed")
		return s.failProbe(ctx, runnerID, fmt.Errorf("%w: heartbeat response missing required fields", ErrUpstreamProtocol))
	}
	status := state.RunnerStatus(resp.Status)
	if !state.ValidRunnerStatus(status) {
		s.metrics.IncProbe("malformed")
		return s.failProbe(ctx, runnerID, fmt.Errorf("%w: unknown runner status %q", ErrUpstreamProtocol, resp.Status))
	}

	now := s.now()
	feedback := "Heartbeat received successfully."
	if resp.Message != "" {
		feedback = resp.Message
	}

	switch {
	case status == state.RunnerStatusError:
		s.metrics.IncProbe("runner_error")
		errCode := resp.ErrorCode
		if errCode == "" {
			errCode = "500"
		}
		errText := resp.ErrorText
		if errText == "" {
			errText = "Runner reported an error."
		}
		if _, err := s.store.FailRunnerAndActiveTest(ctx, runnerID, errText, errCode, errText); err != nil {
			return state.Runner{}, err
		}
		return s.store.GetRunner(ctx, runnerID)

	case status == state.RunnerStatusIdle && runner.ActiveTestID != nil:
		// The runner self-reports completion: drop the binding first so the
		// active pointer never outlives the RUNNING status.
		if err := s.store.ReleaseRunner(ctx, runnerID, state.RunnerStatusIdle, feedback); err != nil {
			return state.Runner{}, err
		}
		s.metrics.IncProbe("ok")
		return s.store.RecordProbe(ctx, runnerID, now, state.RunnerStatusIdle, feedback)

	default:
		s.metrics.IncProbe("ok")
		return s.store.RecordProbe(ctx, runnerID, now, status, feedback)
	}
}

// failProbe marks the runner ERROR with the fixed no-response detail and
// fails its active test, then surfaces the original probe error.
func (s *Service) failProbe(ctx context.Context, runnerID string, probeErr error) (state.Runner, error) {
	failedTest, err := s.store.FailRunnerAndActiveTest(ctx, runnerID, noResponseText, noResponseErrorCode, noResponseText)
	if err != nil {
		return state.Runner{}, err
	}
	logger := observability.WithRunner(s.logger, runnerID)
	if failedTest != nil {
		logger = observability.WithTest(logger, *failedTest)
	}
	logger.Warn("probe failed", "event", "probe_failed", "error", probeErr)
	return state.Runner{}, probeErr
}

// normalizeRunnerStatus reduces a pushed status to the registry's state
// machine: RUNNING and ERROR pass through, anything else counts as IDLE.
func normalizeRunnerStatus(status string) state.RunnerStatus {
	switch state.RunnerStatus(status) {
	case state.RunnerStatusRunning:
		return state.RunnerStatusRunning
	case state.RunnerStatusError:
		return state.RunnerStatusError
	default:
		return state.RunnerStatusIdle
	}
}
