package controller

import (
	"context"
	"log/slog"
	"time"

	"github.com/sourcepark/testpark/internal/observability"
)

// LivenessMonitor periodically forces runners overdue on heartbeat, and their
// in-flight test, into failure states. It is the single source of truth for
// detecting silently-dead runners, independent of the push and pull heartbeat
// paths.
type LivenessMonitor struct {
	store     Store
	logger    *slog.Logger
	metrics   *observability.Metrics
	interval  time.Duration
	staleness time.Duration
	batchSize int
	now       func() time.Time
}

func NewLivenessMonitor(store Store, logger *slog.Logger, metrics *observability.Metrics, interval, staleness time.Duration) *LivenessMonitor {
	if logger == nil {
		logger = observability.NewLogger("controller.liveness")
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if staleness <= 0 {
		staleness = 15 * time.Minute
	}
	return &LivenessMonitor{
		store:     store,
		logger:    logger,
		metrics:   metrics,
		interval:  interval,
		staleness: staleness,
		batchSize: 25,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps on a fixed period until the context is canceled.
func (m *LivenessMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			count, err := m.Sweep(ctx)
			if err != nil {
				m.logger.Error("liveness sweep failed", "event", "liveness_sweep_failed", "error", err)
			} else if count > 0 {
				m.logger.Info("liveness sweep completed", "event", "liveness_sweep_completed", "count", count)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Sweep runs one monitor cycle and returns the number of entities repaired:
// stale runners forced to ERROR plus orphaned RUNNING tests forced to FAILED.
func (m *LivenessMonitor) Sweep(ctx context.Context) (int, error) {
	cutoff := m.now().Add(-m.staleness)
	count, err := m.store.FailStaleRunners(ctx, cutoff, m.batchSize, noResponseErrorCode, noHeartbeatText)
	if err != nil {
		return count, err
	}
	m.metrics.AddSweep("stale_runners", count)

	orphans, err := m.store.FailOrphanTests(ctx, cutoff, orphanedErrorCode, orphanedText)
	if err != nil {
		return count, err
	}
	m.metrics.AddSweep("orphan_tests", int(orphans))
	return count + int(orphans), nil
}

// Reconciler garbage-collects runner registrations that are long silent and
// have no execution history worth retaining.
type Reconciler struct {
	store     Store
	logger    *slog.Logger
	metrics   *observability.Metrics
	interval  time.Duration
	retention time.Duration
	now       func() time.Time
}

func NewReconciler(store Store, logger *slog.Logger, metrics *observability.Metrics, interval, retention time.Duration) *Reconciler {
	if logger == nil {
		logger = observability.NewLogger("controller.reconciler")
	}
	if interval <= 0 {
		interval = time.Hour
	}
	if retention <= 0 {
		retention = 48 * time.Hour
	}
	return &Reconciler{
		store:     store,
		logger:    logger,
		metrics:   metrics,
		interval:  interval,
		retention: retention,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run purges on a fixed period until the context is canceled. One purge runs
// immediately on start, matching the hourly job's behavior after a restart.
func (r *Reconciler) Run(ctx context.Context) error {
	if _, err := r.Purge(ctx); err != nil {
		r.logger.Error("reconcile purge failed", "event", "reconcile_purge_failed", "error", err)
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			count, err := r.Purge(ctx)
			if err != nil {
				r.logger.Error("reconcile purge failed", "event", "reconcile_purge_failed", "error", err)
			} else if count > 0 {
				r.logger.Info("reconcile purge completed", "event", "reconcile_purge_completed", "count", count)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Purge runs one reconciliation cycle and returns the number of runner rows
// removed.
func (r *Reconciler) Purge(ctx context.Context) (int64, error) {
	cutoff := r.now().Add(-r.retention)
	count, err := r.store.DeleteAbandonedRunners(ctx, cutoff)
	if err != nil {
		return count, err
	}
	r.metrics.AddSweep("purged_runners", int(count))
	return count, nil
}
