package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const testColumns = `id, name, test_plan_id, test_runner_id, testrun_id, status, progress, start_time, elapsed_seconds, error_code, error_text, last_message, report, platform, description, url, created_at, updated_at`

func scanTest(row rowScanner) (Test, error) {
	var t Test
	err := row.Scan(&t.ID, &t.Name, &t.TestPlanID, &t.RunnerID, &t.ExternalRunID,
		&t.Status, &t.Progress, &t.StartTime, &t.ElapsedSeconds, &t.ErrorCode,
		&t.ErrorText, &t.LastMessage, &t.Report, &t.Platform, &t.Description,
		&t.URL, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return Test{}, err
	}
	return t, nil
}

// GetTest returns a single test by its controller-assigned ID.
func (s *Store) GetTest(ctx context.Context, testID string) (Test, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+testColumns+` FROM tests WHERE id = $1`, testID)
	t, err := scanTest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Test{}, fmt.Errorf("%w: test %s", ErrNotFound, testID)
		}
		return Test{}, err
	}
	return t, nil
}

// GetTestByExternalRunID returns the test carrying the given runner-assigned
// run ID. The two identifier spaces are distinct: testrun_id is minted by the
// runner at start and rotates on restart.
func (s *Store) GetTestByExternalRunID(ctx context.Context, externalRunID string) (Test, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+testColumns+` FROM tests WHERE testrun_id = $1`, externalRunID)
	t, err := scanTest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Test{}, fmt.Errorf("%w: test run %s", ErrNotFound, externalRunID)
		}
		return Test{}, err
	}
	return t, nil
}

// ListTests returns a paginated list view of tests joined with the owning
// runner's last heartbeat.
func (s *Store) ListTests(ctx context.Context, limit, offset int) ([]TestSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT t.id, t.name, t.status, t.test_runner_id, r.last_heartbeat, t.progress
FROM tests t
LEFT JOIN test_runners r ON t.test_runner_id = r.id
ORDER BY t.created_at DESC, t.id ASC
LIMIT $1 OFFSET $2
`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var summaries []TestSummary
	for rows.Next() {
		var s TestSummary
		if err := rows.Scan(&s.ID, &s.Name, &s.Status, &s.RunnerID, &s.LastHeartbeat, &s.Progress); err != nil {
			return nil, err
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// UpdateTest applies a partial update to a test row: nil fields preserve the
// stored value. When the update carries a status change the test state
// machine is enforced under a row lock.
func (s *Store) UpdateTest(ctx context.Context, testID string, update TestUpdate) (Test, error) {
	var updated Test
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var current TestStatus
		if err := tx.QueryRowContext(ctx, `SELECT status FROM tests WHERE id = $1 FOR UPDATE`, testID).Scan(&current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: test %s", ErrNotFound, testID)
			}
			return err
		}

		if update.Status != nil {
			if err := validateTestTransition(testID, current, *update.Status); err != nil {
				return err
			}
		}

		errorCode, errorText := update.ErrorCode, update.ErrorText
		if update.ClearError {
			// COALESCE cannot null a column, so clearing takes a separate statement.
			if _, err := tx.ExecContext(ctx, `UPDATE tests SET error_code = NULL, error_text = NULL WHERE id = $1`, testID); err != nil {
				return err
			}
		}

		row := tx.QueryRowContext(ctx, `
UPDATE tests
SET status = COALESCE($2, status),
    progress = COALESCE($3, progress),
    testrun_id = COALESCE($4, testrun_id),
    start_time = COALESCE($5, start_time),
    elapsed_seconds = COALESCE($6, elapsed_seconds),
    error_code = COALESCE($7, error_code),
    error_text = COALESCE($8, error_text),
    last_message = COALESCE($9, last_message),
    report = COALESCE($10, report),
    updated_at = NOW()
WHERE id = $1
RETURNING `+testColumns, testID, update.Status, update.Progress, update.ExternalRunID,
			update.StartTime, update.ElapsedSeconds, errorCode, errorText,
			update.LastMessage, update.Report)

		var err error
		updated, err = scanTest(row)
		return err
	})
	if err != nil {
		return Test{}, err
	}
	return updated, nil
}

// DeleteTest removes a test row. The runner FK sets active_test to NULL on
// delete, but callers that need the runner freed must release it explicitly
// so its status leaves RUNNING as well.
func (s *Store) DeleteTest(ctx context.Context, testID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tests WHERE id = $1`, testID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: test %s", ErrNotFound, testID)
	}
	return nil
}

// CompleteTestByRunID handles the runner completion callback: the test moves
// to PASSED with its report stored, and the owning runner, when still bound,
// returns to IDLE with its active pointer cleared — all in one transaction.
func (s *Store) CompleteTestByRunID(ctx context.Context, externalRunID, report string) (Test, error) {
	var completed Test
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+testColumns+` FROM tests WHERE testrun_id = $1 FOR UPDATE`, externalRunID)
		t, err := scanTest(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: test run %s", ErrNotFound, externalRunID)
			}
			return err
		}

		if err := validateTestTransition(t.ID, t.Status, TestStatusPassed); err != nil {
			return err
		}

		row = tx.QueryRowContext(ctx, `
UPDATE tests
SET status = $2,
    progress = 100,
    report = $3,
    updated_at = NOW()
WHERE id = $1
RETURNING `+testColumns, t.ID, TestStatusPassed, report)
		completed, err = scanTest(row)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
UPDATE test_runners
SET status = $2,
    active_test = NULL,
    last_feedback = $3,
    last_update = NOW()
WHERE active_test = $1
  AND status = $4
`, completed.ID, RunnerStatusIdle, "Test run completed.", RunnerStatusRunning)
		return err
	})
	if err != nil {
		return Test{}, err
	}
	return completed, nil
}

// FailOrphanTests forces RUNNING tests that no runner claims as active, and
// that have not been touched since the cutoff, into FAILED. A crash between
// the two halves of a dispatch, or a runner self-reporting IDLE while its run
// record survived, can strand such rows; this is the repair path.
func (s *Store) FailOrphanTests(ctx context.Context, cutoff time.Time, errorCode, errorText string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE tests
SET status = $2,
    error_code = $3,
    error_text = $4,
    updated_at = NOW()
WHERE status = $1
  AND updated_at < $5
  AND NOT EXISTS (
    SELECT 1 FROM test_runners r WHERE r.active_test = tests.id
  )
`, TestStatusRunning, TestStatusFailed, errorCode, errorText, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// AppendActionLog records an operator-visible event for later inspection.
func (s *Store) AppendActionLog(ctx context.Context, log ActionLog) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO action_logs (test_id, runner_id, code, message)
VALUES ($1, $2, $3, $4)
`, log.TestID, log.RunnerID, log.Code, log.Message)
	return err
}

// ListActionLogs returns the recorded events for a test, newest first.
func (s *Store) ListActionLogs(ctx context.Context, testID string, limit int) ([]ActionLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, test_id, runner_id, code, message, created_at
FROM action_logs
WHERE test_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2
`, testID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []ActionLog
	for rows.Next() {
		var l ActionLog
		if err := rows.Scan(&l.ID, &l.TestID, &l.RunnerID, &l.Code, &l.Message, &l.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
