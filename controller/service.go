// Package controller implements the runner/test lifecycle coordinator: the
// runner registry, the test dispatcher, and the background liveness and
// reconciliation sweeps.
package controller

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sourcepark/testpark/internal/observability"
	"github.com/sourcepark/testpark/state"
)

// Fixed error detail recorded when a runner stops responding.
const (
	noResponseErrorCode = "503"
	noHeartbeatText     = "No heartbeat received for 15min."
	noResponseText      = "Test runner did not respond."

	orphanedErrorCode = "500"
	orphanedText      = "Test run lost its runner binding."
)

// Store is the slice of the persistence layer the coordinator depends on.
// *state.Store implements it.
type Store interface {
	RegisterRunner(ctx context.Context, r state.Runner) (state.Runner, int, error)
	GetRunner(ctx context.Context, runnerID string) (state.Runner, error)
	ListRunners(ctx context.Context, limit, offset int) ([]state.Runner, error)
	ListEligibleRunners(ctx context.Context, platforms []string) ([]state.Runner, error)
	AcceptHeartbeat(ctx context.Context, runnerID string, at time.Time, minInterval time.Duration, status state.RunnerStatus, feedback string) (state.Runner, error)
	RecordProbe(ctx context.Context, runnerID string, at time.Time, status state.RunnerStatus, feedback string) (state.Runner, error)
	AssignTest(ctx context.Context, runnerID string, t state.Test) (state.Test, error)
	BindRunner(ctx context.Context, runnerID, testID string) error
	ReleaseRunner(ctx context.Context, runnerID string, to state.RunnerStatus, feedback string) error
	FailRunnerAndActiveTest(ctx context.Context, runnerID, feedback, errorCode, errorText string) (*string, error)
	FindRunnerByActiveTest(ctx context.Context, testID string) (state.Runner, error)
	FailStaleRunners(ctx context.Context, cutoff time.Time, limit int, errorCode, errorText string) (int, error)
	DeleteAbandonedRunners(ctx context.Context, cutoff time.Time) (int64, error)

	GetTest(ctx context.Context, testID string) (state.Test, error)
	GetTestByExternalRunID(ctx context.Context, externalRunID string) (state.Test, error)
	ListTests(ctx context.Context, limit, offset int) ([]state.TestSummary, error)
	UpdateTest(ctx context.Context, testID string, update state.TestUpdate) (state.Test, error)
	FailOrphanTests(ctx context.Context, cutoff time.Time, errorCode, errorText string) (int64, error)
	DeleteTest(ctx context.Context, testID string) error
	CompleteTestByRunID(ctx context.Context, externalRunID, report string) (state.Test, error)
	AppendActionLog(ctx context.Context, log state.ActionLog) error
	ListActionLogs(ctx context.Context, testID string, limit int) ([]state.ActionLog, error)

	GetPlan(ctx context.Context, planID string) (state.TestPlan, error)
	ListPlans(ctx context.Context) ([]state.TestPlan, error)
	TouchPlanReload(ctx context.Context, at time.Time) error
	LastPlanReload(ctx context.Context) (*time.Time, error)
}

// Service coordinates runner and test lifecycles on top of the store and the
// outbound runner client.
type Service struct {
	store   Store
	client  RunnerClient
	logger  *slog.Logger
	metrics *observability.Metrics

	heartbeatMinInterval time.Duration
	now                  func() time.Time
	newTestID            func() string
}

// ServiceConfig tunes the service; zero values select defaults.
type ServiceConfig struct {
	HeartbeatMinInterval time.Duration
	Now                  func() time.Time
	NewTestID            func() string
}

// NewService constructs a coordinator service with sensible defaults.
func NewService(store Store, client RunnerClient, logger *slog.Logger, metrics *observability.Metrics, cfg ServiceConfig) *Service {
	if client == nil {
		client = NewHTTPRunnerClient(0)
	}
	if logger == nil {
		logger = observability.NewLogger("controller")
	}
	if cfg.HeartbeatMinInterval <= 0 {
		cfg.HeartbeatMinInterval = 60 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.NewTestID == nil {
		cfg.NewTestID = uuid.NewString
	}
	return &Service{
		store:                store,
		client:               client,
		logger:               logger,
		metrics:              metrics,
		heartbeatMinInterval: cfg.HeartbeatMinInterval,
		now:                  cfg.Now,
		newTestID:            cfg.NewTestID,
	}
}

// ListRunners returns a page of registered runners.
func (s *Service) ListRunners(ctx context.Context, limit, offset int) ([]state.Runner, error) {
	if limit <= 0 {
		limit = 10
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.ListRunners(ctx, limit, offset)
}

// GetRunner returns a single runner record.
func (s *Service) GetRunner(ctx context.Context, runnerID string) (state.Runner, error) {
	return s.store.GetRunner(ctx, runnerID)
}

// ListTests returns a page of test summaries.
func (s *Service) ListTests(ctx context.Context, limit, offset int) ([]state.TestSummary, error) {
	if limit <= 0 {
		limit = 10
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.ListTests(ctx, limit, offset)
}

// GetTest returns a single test record.
func (s *Service) GetTest(ctx context.Context, testID string) (state.Test, error) {
	return s.store.GetTest(ctx, testID)
}

// ListActionLogs returns the recorded events for a test.
func (s *Service) ListActionLogs(ctx context.Context, testID string, limit int) ([]state.ActionLog, error) {
	if _, err := s.store.GetTest(ctx, testID); err != nil {
		return nil, err
	}
	return s.store.ListActionLogs(ctx, testID, limit)
}

// ListPlans returns the catalog of available test plans.
func (s *Service) ListPlans(ctx context.Context) ([]state.TestPlan, error) {
	return s.store.ListPlans(ctx)
}

// ReloadPlans stamps the catalog with a new reload time. The repository sync
// itself happens out of band; the persisted timestamp is the shared record of
// the last reload.
func (s *Service) ReloadPlans(ctx context.Context) (time.Time, error) {
	at := s.now()
	if err := s.store.TouchPlanReload(ctx, at); err != nil {
		return time.Time{}, err
	}
	return at, nil
}

// LastPlanReload returns the most recent catalog reload time, if any.
func (s *Service) LastPlanReload(ctx context.Context) (*time.Time, error) {
	return s.store.LastPlanReload(ctx)
}

func (s *Service) appendActionLog(ctx context.Context, testID, runnerID *string, code int, message string) {
	err := s.store.AppendActionLog(ctx, state.ActionLog{
		TestID:   testID,
		RunnerID: runnerID,
		Code:     code,
		Message:  message,
	})
	if err != nil {
		s.logger.Warn("append action log failed", "event", "action_log_failed", "error", err)
	}
}
