// Package history keeps a sqlite record of finished runs.
package history

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"

	"github.com/torosent/sseswarm/internal/metrics"
)

// Run is one stored run summary.
type Run struct {
	ID        string
	StartedAt time.Time
	Target    string
	Reason    string
	Stats     metrics.Stats
}

// Store persists run summaries.
type Store struct {
	db *sql.DB
}

// Open opens or creates the history database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to history database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		started_at DATETIME NOT NULL,
		target TEXT NOT NULL,
		reason TEXT NOT NULL,
		users INTEGER NOT NULL,
		post_requests INTEGER NOT NULL,
		success_rate INTEGER NOT NULL,
		avg_response_ms INTEGER NOT NULL,
		sse_errors INTEGER NOT NULL,
		post_errors INTEGER NOT NULL,
		stats TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at DESC);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize history schema: %w", err)
	}
	return nil
}

// Save inserts a run. The run ID must be a ULID.
func (s *Store) Save(run Run) error {
	if _, err := ulid.ParseStrict(run.ID); err != nil {
		return fmt.Errorf("invalid run id %q: %w", run.ID, err)
	}
	statsJSON, err := json.Marshal(run.Stats)
	if err != nil {
		return fmt.Errorf("failed to marshal stats: %w", err)
	}

	query := `
		INSERT INTO runs (
			run_id, started_at, target, reason, users, post_requests,
			success_rate, avg_response_ms, sse_errors, post_errors, stats
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.Exec(query,
		run.ID,
		run.StartedAt.UTC().Format(time.RFC3339Nano),
		run.Target,
		run.Reason,
		run.Stats.Users,
		run.Stats.WriteAttempts,
		run.Stats.SuccessRate,
		run.Stats.AverageMs,
		run.Stats.ConnectionErrors,
		run.Stats.WriteErrors,
		string(statsJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", run.ID, err)
	}
	return nil
}

// Recent returns up to limit runs, newest first. A non-positive limit returns all.
func (s *Store) Recent(limit int) ([]Run, error) {
	query := `SELECT run_id, started_at, target, reason, stats FROM runs ORDER BY run_id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			run       Run
			startedAt string
			statsJSON string
		)
		if err := rows.Scan(&run.ID, &startedAt, &run.Target, &run.Reason, &statsJSON); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		if run.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
			return nil, fmt.Errorf("run %s: bad start time: %w", run.ID, err)
		}
		if err := json.Unmarshal([]byte(statsJSON), &run.Stats); err != nil {
			return nil, fmt.Errorf("run %s: bad stats: %w", run.ID, err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
