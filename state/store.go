// Package state persists runner and test records in Postgres and enforces
// their status state machines at the storage boundary.
package state

import (
	"context"
	"database/sql"
	"errors"
	"strings"
)

// ErrNotFound is returned when a requested row cannot be located.
var ErrNotFound = errors.New("state: not found")

// ErrHeartbeatThrottled is returned when a pushed heartbeat arrives before
// the minimum spacing since the last accepted one has elapsed.
var ErrHeartbeatThrottled = errors.New("state: heartbeat throttled")

// ErrStaleHeartbeat is returned when a pushed heartbeat carries a timestamp
// that is not strictly newer than the stored one.
var ErrStaleHeartbeat = errors.New("state: stale heartbeat timestamp")

type Store struct {
	db *sql.DB
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit()
}

// Platforms are stored as TEXT[]; database/sql cannot scan arrays directly,
// so queries round-trip them through comma-joined strings.
func joinPlatforms(platforms []string) string {
	return strings.Join(platforms, ",")
}

func splitPlatforms(joined string) []string {
	if joined == "" {
		return nil
	}
	return strings.Split(joined, ",")
}
