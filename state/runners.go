package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const runnerColumns = `id, name, status, array_to_string(platforms, ','), endpoint, last_heartbeat, last_feedback, last_update, active_test, created_at`

func scanRunner(row rowScanner) (Runner, error) {
	var r Runner
	var platforms string
	err := row.Scan(&r.ID, &r.Name, &r.Status, &platforms, &r.Endpoint,
		&r.LastHeartbeatAt, &r.LastFeedback, &r.LastUpdatedAt, &r.ActiveTestID, &r.CreatedAt)
	if err != nil {
		return Runner{}, err
	}
	r.Platforms = splitPlatforms(platforms)
	return r, nil
}

// RegisterRunner upserts a runner as IDLE, replacing name, endpoint, and
// platforms. Registration signals a restarted runner process, so any test
// still RUNNING against the runner is failed in the same transaction.
// It returns the stored runner and the number of tests it failed.
func (s *Store) RegisterRunner(ctx context.Context, r Runner) (Runner, int, error) {
	var stored Runner
	var failed int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE tests
SET status = $2,
    error_code = $3,
    error_text = $4,
    updated_at = NOW()
WHERE test_runner_id = $1
  AND status = $5
`, r.ID, TestStatusFailed, "409", "Test runner restarted and lost run state.", TestStatusRunning)
		if err != nil {
			return err
		}
		failed, err = res.RowsAffected()
		if err != nil {
			return err
		}

		row := tx.QueryRowContext(ctx, `
INSERT INTO test_runners (id, name, status, platforms, endpoint, last_feedback, last_update)
VALUES ($1, $2, $3, string_to_array($4, ','), $5, $6, NOW())
ON CONFLICT (id) DO UPDATE
SET name = EXCLUDED.name,
    status = EXCLUDED.status,
    platforms = EXCLUDED.platforms,
    endpoint = EXCLUDED.endpoint,
    active_test = NULL,
    last_feedback = EXCLUDED.last_feedback,
    last_update = NOW()
RETURNING `+runnerColumns, r.ID, r.Name, RunnerStatusIdle, joinPlatforms(r.Platforms), r.Endpoint, "Runner registered.")

		stored, err = scanRunner(row)
		return err
	})
	if err != nil {
		return Runner{}, 0, err
	}
	return stored, int(failed), nil
}

// GetRunner returns a single runner by ID.
func (s *Store) GetRunner(ctx context.Context, runnerID string) (Runner, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runnerColumns+` FROM test_runners WHERE id = $1`, runnerID)
	r, err := scanRunner(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Runner{}, fmt.Errorf("%w: runner %s", ErrNotFound, runnerID)
		}
		return Runner{}, err
	}
	return r, nil
}

// ListRunners returns runners ordered by name.
func (s *Store) ListRunners(ctx context.Context, limit, offset int) ([]Runner, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+runnerColumns+`
FROM test_runners
ORDER BY name ASC, id ASC
LIMIT $1 OFFSET $2
`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runners []Runner
	for rows.Next() {
		r, err := scanRunner(rows)
		if err != nil {
			return nil, err
		}
		runners = append(runners, r)
	}
	return runners, rows.Err()
}

// ListEligibleRunners returns IDLE runners whose platform set intersects the
// requested platforms.
func (s *Store) ListEligibleRunners(ctx context.Context, platforms []string) ([]Runner, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+runnerColumns+`
FROM test_runners
WHERE status = $1
  AND platforms && string_to_array($2, ',')
ORDER BY name ASC, id ASC
`, RunnerStatusIdle, joinPlatforms(platforms))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runners []Runner
	for rows.Next() {
		r, err := scanRunner(rows)
		if err != nil {
			return nil, err
		}
		runners = append(runners, r)
	}
	return runners, rows.Err()
}

// AcceptHeartbeat records a runner-pushed heartbeat. It rejects heartbeats
// spaced closer than minInterval since the last accepted one, and heartbeats
// whose timestamp is not strictly newer than the stored one.
func (s *Store) AcceptHeartbeat(ctx context.Context, runnerID string, at time.Time, minInterval time.Duration, status RunnerStatus, feedback string) (Runner, error) {
	var updated Runner
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := lockRunner(ctx, tx, runnerID)
		if err != nil {
			return err
		}

		if current.LastHeartbeatAt != nil {
			if !at.After(*current.LastHeartbeatAt) {
				return fmt.Errorf("%w: runner %s", ErrStaleHeartbeat, runnerID)
			}
			if at.Sub(*current.LastHeartbeatAt) < minInterval {
				return fmt.Errorf("%w: runner %s", ErrHeartbeatThrottled, runnerID)
			}
		}

		if err := validateRunnerTransition(runnerID, current.Status, status); err != nil {
			return err
		}

		row := tx.QueryRowContext(ctx, `
UPDATE test_runners
SET last_heartbeat = $2,
    status = $3,
    last_feedback = $4,
    last_update = NOW()
WHERE id = $1
RETURNING `+runnerColumns, runnerID, at, status, feedback)

		updated, err = scanRunner(row)
		return err
	})
	if err != nil {
		return Runner{}, err
	}
	return updated, nil
}

// RecordProbe stores the observation from a controller-initiated heartbeat
// probe. Probes are not rate limited.
func (s *Store) RecordProbe(ctx context.Context, runnerID string, at time.Time, status RunnerStatus, feedback string) (Runner, error) {
	var updated Runner
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := lockRunner(ctx, tx, runnerID)
		if err != nil {
			return err
		}

		if err := validateRunnerTransition(runnerID, current.Status, status); err != nil {
			return err
		}

		row := tx.QueryRowContext(ctx, `
UPDATE test_runners
SET last_heartbeat = $2,
    status = $3,
    last_feedback = $4,
    last_update = NOW()
WHERE id = $1
RETURNING `+runnerColumns, runnerID, at, status, feedback)

		updated, err = scanRunner(row)
		return err
	})
	if err != nil {
		return Runner{}, err
	}
	return updated, nil
}

// AssignTest creates a test row and binds it to an idle runner in a single
// transaction: the test is inserted as RUNNING and the runner flips to
// RUNNING with its active pointer set.
func (s *Store) AssignTest(ctx context.Context, runnerID string, t Test) (Test, error) {
	if t.ID == "" {
		return Test{}, errors.New("test id required")
	}
	if t.Status == "" {
		t.Status = TestStatusRunning
	}

	var created Test
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		runner, err := lockRunner(ctx, tx, runnerID)
		if err != nil {
			return err
		}
		if runner.Status != RunnerStatusIdle {
			return TransitionError{Entity: "runner", ID: runnerID, From: string(runner.Status), To: string(RunnerStatusRunning)}
		}

		row := tx.QueryRowContext(ctx, `
INSERT INTO tests (id, name, status, test_runner_id, progress, testrun_id, start_time, elapsed_seconds, last_message, test_plan_id, platform, description, url)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
RETURNING created_at, updated_at
`, t.ID, t.Name, t.Status, runnerID, t.Progress, t.ExternalRunID, t.StartTime, t.ElapsedSeconds, t.LastMessage, t.TestPlanID, t.Platform, t.Description, t.URL)
		if err := row.Scan(&t.CreatedAt, &t.UpdatedAt); err != nil {
			return err
		}
		t.RunnerID = &runnerID

		_, err = tx.ExecContext(ctx, `
UPDATE test_runners
SET status = $2,
    active_test = $3,
    last_update = NOW()
WHERE id = $1
`, runnerID, RunnerStatusRunning, t.ID)
		if err != nil {
			return err
		}

		created = t
		return nil
	})
	if err != nil {
		return Test{}, err
	}
	return created, nil
}

// BindRunner points a runner at a test and moves it to RUNNING. Used when a
// paused or restarted test re-enters execution on a runner that already
// exists.
func (s *Store) BindRunner(ctx context.Context, runnerID, testID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		runner, err := lockRunner(ctx, tx, runnerID)
		if err != nil {
			return err
		}
		if err := validateRunnerTransition(runnerID, runner.Status, RunnerStatusRunning); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
UPDATE test_runners
SET status = $2,
    active_test = $3,
    last_update = NOW()
WHERE id = $1
`, runnerID, RunnerStatusRunning, testID)
		return err
	})
}

// ReleaseRunner clears a runner's active test pointer while moving it out of
// RUNNING. The two changes always happen together so the pointer invariant
// holds.
func (s *Store) ReleaseRunner(ctx context.Context, runnerID string, to RunnerStatus, feedback string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		runner, err := lockRunner(ctx, tx, runnerID)
		if err != nil {
			return err
		}
		if err := validateRunnerTransition(runnerID, runner.Status, to); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
UPDATE test_runners
SET status = $2,
    active_test = NULL,
    last_feedback = $3,
    last_update = NOW()
WHERE id = $1
`, runnerID, to, feedback)
		return err
	})
}

// FailRunnerAndActiveTest marks a runner ERROR and, when it has an active
// test, fails that test with the given error in the same transaction. The
// active pointer is deliberately left in place as evidence that the runner
// died mid-run. Returns the ID of the failed test, if any.
func (s *Store) FailRunnerAndActiveTest(ctx context.Context, runnerID, feedback, errorCode, errorText string) (*string, error) {
	var failedTest *string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		runner, err := lockRunner(ctx, tx, runnerID)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
UPDATE test_runners
SET status = $2,
    last_feedback = $3,
    last_update = NOW()
WHERE id = $1
`, runnerID, RunnerStatusError, feedback)
		if err != nil {
			return err
		}

		if runner.ActiveTestID == nil {
			return nil
		}

		if err := failTestInTx(ctx, tx, *runner.ActiveTestID, errorCode, errorText); err != nil {
			return err
		}
		failedTest = runner.ActiveTestID
		return nil
	})
	if err != nil {
		return nil, err
	}
	return failedTest, nil
}

// FindRunnerByActiveTest returns the runner currently bound to the given test.
func (s *Store) FindRunnerByActiveTest(ctx context.Context, testID string) (Runner, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runnerColumns+` FROM test_runners WHERE active_test = $1`, testID)
	r, err := scanRunner(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Runner{}, fmt.Errorf("%w: no runner bound to test %s", ErrNotFound, testID)
		}
		return Runner{}, err
	}
	return r, nil
}

// errNoStaleRunners signals the stale sweep found nothing left to process.
var errNoStaleRunners = errors.New("state: no stale runners")

// FailStaleRunners finds runners overdue on heartbeat and forces them, and
// their in-flight test, into failure states. Runners already in ERROR are
// skipped. Returns the number of runners processed.
func (s *Store) FailStaleRunners(ctx context.Context, cutoff time.Time, limit int, errorCode, errorText string) (int, error) {
	if limit <= 0 {
		limit = 25
	}

	processed := 0
	for processed < limit {
		err := s.withTx(ctx, func(tx *sql.Tx) error {
			var runnerID string
			var activeTest *string
			row := tx.QueryRowContext(ctx, `
SELECT id, active_test
FROM test_runners
WHERE (last_heartbeat IS NULL OR last_heartbeat < $1)
  AND status <> $2
ORDER BY last_heartbeat ASC NULLS FIRST
FOR UPDATE SKIP LOCKED
LIMIT 1
`, cutoff, RunnerStatusError)

			if err := row.Scan(&runnerID, &activeTest); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return errNoStaleRunners
				}
				return err
			}

			if _, err := tx.ExecContext(ctx, `
UPDATE test_runners
SET status = $2,
    last_feedback = $3,
    last_update = NOW()
WHERE id = $1
`, runnerID, RunnerStatusError, errorText); err != nil {
				return err
			}

			if activeTest != nil {
				if err := failTestInTx(ctx, tx, *activeTest, errorCode, errorText); err != nil {
					return err
				}
			}
			return nil
		})

		if err != nil {
			if errors.Is(err, errNoStaleRunners) {
				break
			}
			return processed, err
		}

		processed++
	}

	return processed, nil
}

// DeleteAbandonedRunners garbage-collects runners whose heartbeat is older
// than the retention cutoff and that no test row references.
func (s *Store) DeleteAbandonedRunners(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM test_runners
WHERE last_heartbeat IS NOT NULL
  AND last_heartbeat < $1
  AND NOT EXISTS (
    SELECT 1 FROM tests WHERE tests.test_runner_id = test_runners.id
  )
`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func lockRunner(ctx context.Context, tx *sql.Tx, runnerID string) (Runner, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+runnerColumns+` FROM test_runners WHERE id = $1 FOR UPDATE`, runnerID)
	r, err := scanRunner(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Runner{}, fmt.Errorf("%w: runner %s", ErrNotFound, runnerID)
		}
		return Runner{}, err
	}
	return r, nil
}

// failTestInTx forces a test to FAILED with the given error detail. A test
// already in a state that cannot reach FAILED (e.g. PASSED) is left alone,
// mirroring how the sweep treats attempts it cannot requeue.
func failTestInTx(ctx context.Context, tx *sql.Tx, testID, errorCode, errorText string) error {
	var current TestStatus
	if err := tx.QueryRowContext(ctx, `SELECT status FROM tests WHERE id = $1 FOR UPDATE`, testID).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return err
	}

	if err := validateTestTransition(testID, current, TestStatusFailed); err != nil {
		if IsTransitionError(err) {
			return nil
		}
		return err
	}

	_, err := tx.ExecContext(ctx, `
UPDATE tests
SET status = $2,
    error_code = $3,
    error_text = $4,
    updated_at = NOW()
WHERE id = $1
`, testID, TestStatusFailed, errorCode, errorText)
	return err
}
