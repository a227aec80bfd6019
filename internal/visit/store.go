// Package visit persists call records to Postgres for the clinical audit
// trail.
package visit

import (
	"context"
	"fmt"
	"time"

	"github.com/HMasataka/telecare/pkg/call"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

type Options struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func DefaultOptions() Options {
	return Options{
		DSN:             "postgres://localhost:5432/telecare?sslmode=disable",
		MaxOpenConns:    8,
		MaxIdleConns:    4,
		ConnMaxLifetime: 30 * time.Minute,
	}
}

type Store struct {
	db *sqlx.DB
}

var _ call.VisitStore = (*Store)(nil)

func NewStore(opts Options) (*Store, error) {
	db, err := sqlx.Connect("postgres", opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)

	return &Store{db: db}, nil
}

// NewStoreWithDB wraps an existing connection. Used by tests.
func NewStoreWithDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS visits (
	call_id       TEXT PRIMARY KEY,
	caller_id     TEXT NOT NULL,
	callee_id     TEXT NOT NULL,
	audio_only    BOOLEAN NOT NULL DEFAULT FALSE,
	started_at    TIMESTAMPTZ NOT NULL,
	connected_at  TIMESTAMPTZ,
	ended_at      TIMESTAMPTZ,
	outcome       TEXT NOT NULL DEFAULT '',
	recording_url TEXT NOT NULL DEFAULT ''
)`

// Migrate creates the visits table if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate visits table: %w", err)
	}
	return nil
}

// RecordStart inserts the visit row. Re-inserting the same call is a no-op
// so delivery retries stay harmless.
func (s *Store) RecordStart(ctx context.Context, v call.Visit) error {
	const query = `
		INSERT INTO visits (call_id, caller_id, callee_id, audio_only, started_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (call_id) DO NOTHING`

	if _, err := s.db.ExecContext(ctx, query, v.CallID, v.CallerID, v.CalleeID, v.AudioOnly, v.StartedAt); err != nil {
		return fmt.Errorf("failed to insert visit: %w", err)
	}
	return nil
}

// RecordConnected marks the moment media started flowing. A visit that was
// already closed out keeps its terminal outcome.
func (s *Store) RecordConnected(ctx context.Context, callID string, at time.Time) error {
	const query = `
		UPDATE visits SET connected_at = $2, outcome = 'connected'
		WHERE call_id = $1 AND ended_at IS NULL`

	if _, err := s.db.ExecContext(ctx, query, callID, at); err != nil {
		return fmt.Errorf("failed to mark visit connected: %w", err)
	}
	return nil
}

// RecordEnd closes out the visit row with the terminal status and, when the
// visit was recorded, the recording location.
func (s *Store) RecordEnd(ctx context.Context, callID string, endedAt time.Time, outcome, recordingURL string) error {
	const query = `UPDATE visits SET ended_at = $2, outcome = $3, recording_url = $4 WHERE call_id = $1`

	if _, err := s.db.ExecContext(ctx, query, callID, endedAt, outcome, recordingURL); err != nil {
		return fmt.Errorf("failed to update visit: %w", err)
	}
	return nil
}

// ListRecent returns the latest visits involving the user, newest first.
func (s *Store) ListRecent(ctx context.Context, userID string, limit int) ([]call.Visit, error) {
	const query = `
		SELECT call_id, caller_id, callee_id, audio_only, started_at, connected_at, ended_at, outcome, recording_url
		FROM visits
		WHERE caller_id = $1 OR callee_id = $1
		ORDER BY started_at DESC
		LIMIT $2`

	var visits []call.Visit
	if err := s.db.SelectContext(ctx, &visits, query, userID, limit); err != nil {
		return nil, fmt.Errorf("failed to list visits: %w", err)
	}
	return visits, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
