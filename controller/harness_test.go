package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sourcepark/testpark/protocol"
	"github.com/sourcepark/testpark/state"
)

// fakeStore is an in-memory Store implementation mirroring the transactional
// semantics the coordinator relies on: two-entity mutations happen atomically
// under one lock.
type fakeStore struct {
	mu      sync.Mutex
	runners map[string]state.Runner
	tests   map[string]state.Test
	plans   map[string]state.TestPlan
	logs    []state.ActionLog

	planReload *time.Time
	nextSeq    int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		runners: make(map[string]state.Runner),
		tests:   make(map[string]state.Test),
		plans:   make(map[string]state.TestPlan),
	}
}

var fakeRunnerTransitions = map[state.RunnerStatus][]state.RunnerStatus{
	state.RunnerStatusIdle:    {state.RunnerStatusIdle, state.RunnerStatusRunning, state.RunnerStatusError},
	state.RunnerStatusRunning: {state.RunnerStatusRunning, state.RunnerStatusIdle, state.RunnerStatusError},
	state.RunnerStatusError:   {state.RunnerStatusError},
}

var fakeTestTransitions = map[state.TestStatus][]state.TestStatus{
	state.TestStatusPending: {state.TestStatusPending, state.TestStatusRunning, state.TestStatusFailed},
	state.TestStatusRunning: {state.TestStatusRunning, state.TestStatusPaused, state.TestStatusPassed, state.TestStatusFailed},
	state.TestStatusPaused:  {state.TestStatusPaused, state.TestStatusRunning, state.TestStatusFailed},
	state.TestStatusPassed:  {state.TestStatusPassed, state.TestStatusRunning},
	state.TestStatusFailed:  {state.TestStatusFailed, state.TestStatusRunning},
}

func checkRunnerTransition(id string, from, to state.RunnerStatus) error {
	for _, allowed := range fakeRunnerTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return state.TransitionError{Entity: "runner", ID: id, From: string(from), To: string(to)}
}

func checkTestTransition(id string, from, to state.TestStatus) error {
	for _, allowed := range fakeTestTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return state.TransitionError{Entity: "test", ID: id, From: string(from), To: string(to)}
}

func (f *fakeStore) RegisterRunner(_ context.Context, r state.Runner) (state.Runner, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	failed := 0
	for id, t := range f.tests {
		if t.RunnerID != nil && *t.RunnerID == r.ID && t.Status == state.TestStatusRunning {
			t.Status = state.TestStatusFailed
			code, text := "409", "Test runner restarted and lost run state."
			t.ErrorCode, t.ErrorText = &code, &text
			f.tests[id] = t
			failed++
		}
	}

	now := time.Now().UTC()
	existing, ok := f.runners[r.ID]
	r.Status = state.RunnerStatusIdle
	r.ActiveTestID = nil
	r.LastUpdatedAt = now
	if ok {
		r.CreatedAt = existing.CreatedAt
		r.LastHeartbeatAt = existing.LastHeartbeatAt
	} else {
		r.CreatedAt = now
	}
	f.runners[r.ID] = r
	return r, failed, nil
}

func (f *fakeStore) GetRunner(_ context.Context, runnerID string) (state.Runner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runners[runnerID]
	if !ok {
		return state.Runner{}, fmt.Errorf("runner %s: %w", runnerID, state.ErrNotFound)
	}
	return r, nil
}

func (f *fakeStore) ListRunners(_ context.Context, limit, offset int) ([]state.Runner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]state.Runner, 0, len(f.runners))
	for _, r := range f.runners {
		out = append(out, r)
	}
	_ = limit
	_ = offset
	return out, nil
}

func (f *fakeStore) ListEligibleRunners(_ context.Context, platforms []string) ([]state.Runner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []state.Runner
	for _, r := range f.runners {
		if r.Status != state.RunnerStatusIdle {
			continue
		}
		if platformsOverlap(r.Platforms, platforms) {
			out = append(out, r)
		}
	}
	return out, nil
}

func platformsOverlap(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

func (f *fakeStore) AcceptHeartbeat(_ context.Context, runnerID string, at time.Time, minInterval time.Duration, status state.RunnerStatus, feedback string) (state.Runner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runners[runnerID]
	if !ok {
		return state.Runner{}, fmt.Errorf("runner %s: %w", runnerID, state.ErrNotFound)
	}
	if r.LastHeartbeatAt != nil {
		if !at.After(*r.LastHeartbeatAt) {
			return state.Runner{}, state.ErrStaleHeartbeat
		}
		if at.Sub(*r.LastHeartbeatAt) < minInterval {
			return state.Runner{}, state.ErrHeartbeatThrottled
		}
	}
	if err := checkRunnerTransition(runnerID, r.Status, status); err != nil {
		return state.Runner{}, err
	}
	r.Status = status
	r.LastHeartbeatAt = &at
	r.LastFeedback = &feedback
	r.LastUpdatedAt = time.Now().UTC()
	f.runners[runnerID] = r
	return r, nil
}

func (f *fakeStore) RecordProbe(_ context.Context, runnerID string, at time.Time, status state.RunnerStatus, feedback string) (state.Runner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runners[runnerID]
	if !ok {
		return state.Runner{}, fmt.Errorf("runner %s: %w", runnerID, state.ErrNotFound)
	}
	if err := checkRunnerTransition(runnerID, r.Status, status); err != nil {
		return state.Runner{}, err
	}
	r.Status = status
	r.LastHeartbeatAt = &at
	r.LastFeedback = &feedback
	f.runners[runnerID] = r
	return r, nil
}

func (f *fakeStore) AssignTest(_ context.Context, runnerID string, t state.Test) (state.Test, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runners[runnerID]
	if !ok {
		return state.Test{}, fmt.Errorf("runner %s: %w", runnerID, state.ErrNotFound)
	}
	if r.Status != state.RunnerStatusIdle {
		return state.Test{}, state.TransitionError{Entity: "runner", ID: runnerID, From: string(r.Status), To: string(state.RunnerStatusRunning)}
	}

	now := time.Now().UTC()
	t.RunnerID = &runnerID
	t.Status = state.TestStatusRunning
	t.CreatedAt = now
	t.UpdatedAt = now
	f.tests[t.ID] = t

	r.Status = state.RunnerStatusRunning
	testID := t.ID
	r.ActiveTestID = &testID
	f.runners[runnerID] = r
	return t, nil
}

func (f *fakeStore) BindRunner(_ context.Context, runnerID, testID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runners[runnerID]
	if !ok {
		return fmt.Errorf("runner %s: %w", runnerID, state.ErrNotFound)
	}
	if err := checkRunnerTransition(runnerID, r.Status, state.RunnerStatusRunning); err != nil {
		return err
	}
	r.Status = state.RunnerStatusRunning
	r.ActiveTestID = &testID
	f.runners[runnerID] = r
	return nil
}

func (f *fakeStore) ReleaseRunner(_ context.Context, runnerID string, to state.RunnerStatus, feedback string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runners[runnerID]
	if !ok {
		return fmt.Errorf("runner %s: %w", runnerID, state.ErrNotFound)
	}
	if err := checkRunnerTransition(runnerID, r.Status, to); err != nil {
		return err
	}
	r.Status = to
	r.ActiveTestID = nil
	r.LastFeedback = &feedback
	f.runners[runnerID] = r
	return nil
}

func (f *fakeStore) FailRunnerAndActiveTest(_ context.Context, runnerID, feedback, errorCode, errorText string) (*string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runners[runnerID]
	if !ok {
		return nil, fmt.Errorf("runner %s: %w", runnerID, state.ErrNotFound)
	}
	r.Status = state.RunnerStatusError
	r.LastFeedback = &feedback
	f.runners[runnerID] = r

	if r.ActiveTestID == nil {
		return nil, nil
	}
	t, ok := f.tests[*r.ActiveTestID]
	if !ok {
		return nil, nil
	}
	if err := checkTestTransition(t.ID, t.Status, state.TestStatusFailed); err == nil {
		t.Status = state.TestStatusFailed
		t.ErrorCode = &errorCode
		t.ErrorText = &errorText
		f.tests[t.ID] = t
	}
	id := t.ID
	return &id, nil
}

func (f *fakeStore) FindRunnerByActiveTest(_ context.Context, testID string) (state.Runner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.runners {
		if r.ActiveTestID != nil && *r.ActiveTestID == testID {
			return r, nil
		}
	}
	return state.Runner{}, fmt.Errorf("runner for test %s: %w", testID, state.ErrNotFound)
}

func (f *fakeStore) FailStaleRunners(ctx context.Context, cutoff time.Time, limit int, errorCode, errorText string) (int, error) {
	f.mu.Lock()
	var stale []string
	for id, r := range f.runners {
		if r.Status == state.RunnerStatusError {
			continue
		}
		if r.LastHeartbeatAt == nil || r.LastHeartbeatAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	f.mu.Unlock()

	count := 0
	for _, id := range stale {
		if count >= limit {
			break
		}
		if _, err := f.FailRunnerAndActiveTest(ctx, id, errorText, errorCode, errorText); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func (f *fakeStore) DeleteAbandonedRunners(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var deleted int64
	for id, r := range f.runners {
		if r.LastHeartbeatAt == nil || !r.LastHeartbeatAt.Before(cutoff) {
			continue
		}
		referenced := false
		for _, t := range f.tests {
			if t.RunnerID != nil && *t.RunnerID == id {
				referenced = true
				break
			}
		}
		if !referenced {
			delete(f.runners, id)
			deleted++
		}
	}
	return deleted, nil
}

func (f *fakeStore) GetTest(_ context.Context, testID string) (state.Test, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tests[testID]
	if !ok {
		return state.Test{}, fmt.Errorf("test %s: %w", testID, state.ErrNotFound)
	}
	return t, nil
}

func (f *fakeStore) GetTestByExternalRunID(_ context.Context, externalRunID string) (state.Test, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.tests {
		if t.ExternalRunID != nil && *t.ExternalRunID == externalRunID {
			return t, nil
		}
	}
	return state.Test{}, fmt.Errorf("test run %s: %w", externalRunID, state.ErrNotFound)
}

func (f *fakeStore) ListTests(_ context.Context, limit, offset int) ([]state.TestSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]state.TestSummary, 0, len(f.tests))
	for _, t := range f.tests {
		out = append(out, state.TestSummary{
			ID:       t.ID,
			Name:     t.Name,
			Status:   t.Status,
			RunnerID: t.RunnerID,
			Progress: t.Progress,
		})
	}
	_ = limit
	_ = offset
	return out, nil
}

func (f *fakeStore) UpdateTest(_ context.Context, testID string, update state.TestUpdate) (state.Test, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tests[testID]
	if !ok {
		return state.Test{}, fmt.Errorf("test %s: %w", testID, state.ErrNotFound)
	}
	if update.Status != nil {
		if err := checkTestTransition(testID, t.Status, *update.Status); err != nil {
			return state.Test{}, err
		}
		t.Status = *update.Status
	}
	if update.ClearError {
		t.ErrorCode, t.ErrorText = nil, nil
	}
	if update.Progress != nil {
		t.Progress = *update.Progress
	}
	if update.ExternalRunID != nil {
		t.ExternalRunID = update.ExternalRunID
	}
	if update.StartTime != nil {
		t.StartTime = update.StartTime
	}
	if update.ElapsedSeconds != nil {
		t.ElapsedSeconds = *update.ElapsedSeconds
	}
	if update.ErrorCode != nil {
		t.ErrorCode = update.ErrorCode
	}
	if update.ErrorText != nil {
		t.ErrorText = update.ErrorText
	}
	if update.LastMessage != nil {
		t.LastMessage = update.LastMessage
	}
	if update.Report != nil {
		t.Report = update.Report
	}
	t.UpdatedAt = time.Now().UTC()
	f.tests[testID] = t
	return t, nil
}

func (f *fakeStore) FailOrphanTests(_ context.Context, cutoff time.Time, errorCode, errorText string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var failed int64
	for id, t := range f.tests {
		if t.Status != state.TestStatusRunning || !t.UpdatedAt.Before(cutoff) {
			continue
		}
		owned := false
		for _, r := range f.runners {
			if r.ActiveTestID != nil && *r.ActiveTestID == id {
				owned = true
				break
			}
		}
		if owned {
			continue
		}
		t.Status = state.TestStatusFailed
		t.ErrorCode = &errorCode
		t.ErrorText = &errorText
		f.tests[id] = t
		failed++
	}
	return failed, nil
}

func (f *fakeStore) DeleteTest(_ context.Context, testID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tests[testID]; !ok {
		return fmt.Errorf("test %s: %w", testID, state.ErrNotFound)
	}
	delete(f.tests, testID)
	return nil
}

func (f *fakeStore) CompleteTestByRunID(_ context.Context, externalRunID, report string) (state.Test, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, t := range f.tests {
		if t.ExternalRunID == nil || *t.ExternalRunID != externalRunID {
			continue
		}
		if err := checkTestTransition(id, t.Status, state.TestStatusPassed); err != nil {
			return state.Test{}, err
		}
		t.Status = state.TestStatusPassed
		t.Progress = 100
		t.Report = &report
		f.tests[id] = t

		for rid, r := range f.runners {
			if r.ActiveTestID != nil && *r.ActiveTestID == id && r.Status == state.RunnerStatusRunning {
				r.Status = state.RunnerStatusIdle
				r.ActiveTestID = nil
				f.runners[rid] = r
			}
		}
		return t, nil
	}
	return state.Test{}, fmt.Errorf("test run %s: %w", externalRunID, state.ErrNotFound)
}

func (f *fakeStore) AppendActionLog(_ context.Context, log state.ActionLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextSeq++
	log.ID = f.nextSeq
	log.CreatedAt = time.Now().UTC()
	f.logs = append(f.logs, log)
	return nil
}

func (f *fakeStore) ListActionLogs(_ context.Context, testID string, limit int) ([]state.ActionLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []state.ActionLog
	for _, l := range f.logs {
		if l.TestID != nil && *l.TestID == testID {
			out = append(out, l)
		}
	}
	_ = limit
	return out, nil
}

func (f *fakeStore) GetPlan(_ context.Context, planID string) (state.TestPlan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.plans[planID]
	if !ok {
		return state.TestPlan{}, fmt.Errorf("test plan %s: %w", planID, state.ErrNotFound)
	}
	return p, nil
}

func (f *fakeStore) ListPlans(_ context.Context) ([]state.TestPlan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]state.TestPlan, 0, len(f.plans))
	for _, p := range f.plans {
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeStore) TouchPlanReload(_ context.Context, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.planReload = &at
	return nil
}

func (f *fakeStore) LastPlanReload(_ context.Context) (*time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.planReload, nil
}

// stubClient scripts the runner-side responses per call kind.
type stubClient struct {
	heartbeatResp protocol.HeartbeatResponse
	heartbeatErr  error

	startResp protocol.RunActionResponse
	startErr  error

	actionResp protocol.RunActionResponse
	actionErr  error

	statusResp protocol.RunStatusResponse
	statusErr  error

	startCalls  int
	stopCalls   int
	resumeCalls int
}

func (c *stubClient) Heartbeat(context.Context, string) (protocol.HeartbeatResponse, error) {
	return c.heartbeatResp, c.heartbeatErr
}

func (c *stubClient) StartTest(context.Context, string, protocol.StartTestRequest) (protocol.RunActionResponse, error) {
	c.startCalls++
	return c.startResp, c.startErr
}

func (c *stubClient) RestartTest(context.Context, string, string) (protocol.RunActionResponse, error) {
	return c.actionResp, c.actionErr
}

func (c *stubClient) StopTest(context.Context, string, string) (protocol.RunActionResponse, error) {
	c.stopCalls++
	return c.actionResp, c.actionErr
}

func (c *stubClient) ResumeTest(context.Context, string, string) (protocol.RunActionResponse, error) {
	c.resumeCalls++
	return c.actionResp, c.actionErr
}

func (c *stubClient) TestStatus(context.Context, string, string) (protocol.RunStatusResponse, error) {
	return c.statusResp, c.statusErr
}

func liveHeartbeat(status string) protocol.HeartbeatResponse {
	ts := time.Now().UnixMilli()
	seq := int64(1)
	uptime := 120.0
	return protocol.HeartbeatResponse{
		Timestamp:     &ts,
		Status:        status,
		Sequence:      &seq,
		UptimeSeconds: &uptime,
		Message:       "ok",
	}
}

func newTestService(store Store, client RunnerClient) *Service {
	return NewService(store, client, nil, nil, ServiceConfig{
		NewTestID: sequentialIDs(),
	})
}

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("test-%d", n)
	}
}

func seedPlan(store *fakeStore, id string, platforms ...string) {
	descriptor := "plans/" + id + ".yaml"
	store.plans[id] = state.TestPlan{
		ID:         id,
		Name:       id,
		Descriptor: &descriptor,
		Platforms:  platforms,
	}
}

func seedRunner(store *fakeStore, id string, platforms ...string) {
	store.runners[id] = state.Runner{
		ID:        id,
		Name:      id,
		Status:    state.RunnerStatusIdle,
		Platforms: platforms,
		Endpoint:  "http://" + id + ":9000",
	}
}
