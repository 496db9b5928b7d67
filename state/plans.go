package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const planColumns = `id, name, descriptor, description, array_to_string(platforms, ','), url, last_reload`

func scanPlan(row rowScanner) (TestPlan, error) {
	var p TestPlan
	var platforms string
	err := row.Scan(&p.ID, &p.Name, &p.Descriptor, &p.Description, &platforms, &p.URL, &p.LastReload)
	if err != nil {
		return TestPlan{}, err
	}
	p.Platforms = splitPlatforms(platforms)
	return p, nil
}

// GetPlan returns a test plan from the catalog.
func (s *Store) GetPlan(ctx context.Context, planID string) (TestPlan, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM test_plans WHERE id = $1`, planID)
	p, err := scanPlan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TestPlan{}, fmt.Errorf("%w: test plan %s", ErrNotFound, planID)
		}
		return TestPlan{}, err
	}
	return p, nil
}

// ListPlans returns the full plan catalog ordered by name.
func (s *Store) ListPlans(ctx context.Context) ([]TestPlan, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+planColumns+` FROM test_plans ORDER BY name ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plans []TestPlan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

// UpsertPlan creates or replaces a catalog entry.
func (s *Store) UpsertPlan(ctx context.Context, p TestPlan) (TestPlan, error) {
	row := s.db.QueryRowContext(ctx, `
INSERT INTO test_plans (id, name, descriptor, description, platforms, url, last_reload)
VALUES ($1, $2, $3, $4, string_to_array($5, ','), $6, NOW())
ON CONFLICT (id) DO UPDATE
SET name = EXCLUDED.name,
    descriptor = EXCLUDED.descriptor,
    description = EXCLUDED.description,
    platforms = EXCLUDED.platforms,
    url = EXCLUDED.url,
    last_reload = NOW()
RETURNING `+planColumns, p.ID, p.Name, p.Descriptor, p.Description, joinPlatforms(p.Platforms), p.URL)

	stored, err := scanPlan(row)
	if err != nil {
		return TestPlan{}, err
	}
	return stored, nil
}

// TouchPlanReload stamps the whole catalog with a reload time. The timestamp
// lives in the database rather than process memory so multiple controller
// instances agree on it.
func (s *Store) TouchPlanReload(ctx context.Context, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE test_plans SET last_reload = $1`, at)
	return err
}

// LastPlanReload returns the most recent reload timestamp across the catalog,
// or nil when the catalog is empty or never reloaded.
func (s *Store) LastPlanReload(ctx context.Context) (*time.Time, error) {
	var last *time.Time
	err := s.db.QueryRowContext(ctx, `SELECT MAX(last_reload) FROM test_plans`).Scan(&last)
	if err != nil {
		return nil, err
	}
	return last, nil
}
