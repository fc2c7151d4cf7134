package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/rmax-ai/pulse/pkg/destination"
	"github.com/rmax-ai/pulse/pkg/engine"
	"github.com/rmax-ai/pulse/pkg/scenario"
)

// Store is the SQLite backed Catalog. It also archives finished runs.
type Store struct {
	db *sql.DB
}

// NewStore opens the database at dbPath in WAL mode and applies the schema.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping sqlite db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	// Definitions are kept as JSON documents; only lookup keys are columns.
	query := `
	CREATE TABLE IF NOT EXISTS scenarios (
		id TEXT PRIMARY KEY,
		name TEXT,
		body JSON NOT NULL,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS destinations (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		body JSON NOT NULL,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		scenario_id TEXT NOT NULL,
		destination_id TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		finished_at DATETIME,
		state JSON NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	return nil
}

func (s *Store) ListScenarios(ctx context.Context) ([]scenario.Definition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM scenarios ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query scenarios: %w", err)
	}
	defer rows.Close()

	var out []scenario.Definition
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan scenario: %w", err)
		}
		var def scenario.Definition
		if err := json.Unmarshal(body, &def); err != nil {
			return nil, fmt.Errorf("failed to decode scenario: %w", err)
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

func (s *Store) GetScenario(ctx context.Context, id string) (*scenario.Definition, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, `SELECT body FROM scenarios WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("scenario", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get scenario: %w", err)
	}
	var def scenario.Definition
	if err := json.Unmarshal(body, &def); err != nil {
		return nil, fmt.Errorf("failed to decode scenario %s: %w", id, err)
	}
	return &def, nil
}

// PutScenario inserts or replaces a definition after validating it.
func (s *Store) PutScenario(ctx context.Context, def scenario.Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to encode scenario: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scenarios (id, name, body, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, body = excluded.body, updated_at = excluded.updated_at
	`, def.ID, def.Name, body, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to store scenario: %w", err)
	}
	return nil
}

func (s *Store) DeleteScenario(ctx context.Context, id string) error {
	return s.delete(ctx, "scenarios", "scenario", id)
}

func (s *Store) ListDestinations(ctx context.Context) ([]destination.Destination, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM destinations ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query destinations: %w", err)
	}
	defer rows.Close()

	var out []destination.Destination
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan destination: %w", err)
		}
		var d destination.Destination
		if err := json.Unmarshal(body, &d); err != nil {
			return nil, fmt.Errorf("failed to decode destination: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) GetDestination(ctx context.Context, id string) (*destination.Destination, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, `SELECT body FROM destinations WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("destination", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get destination: %w", err)
	}
	var d destination.Destination
	if err := json.Unmarshal(body, &d); err != nil {
		return nil, fmt.Errorf("failed to decode destination %s: %w", id, err)
	}
	return &d, nil
}

// PutDestination inserts or replaces a destination after validating it.
func (s *Store) PutDestination(ctx context.Context, d destination.Destination) error {
	if err := d.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to encode destination: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO destinations (id, kind, body, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET kind = excluded.kind, body = excluded.body, updated_at = excluded.updated_at
	`, d.ID, string(d.Kind), body, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to store destination: %w", err)
	}
	return nil
}

func (s *Store) DeleteDestination(ctx context.Context, id string) error {
	return s.delete(ctx, "destinations", "destination", id)
}

func (s *Store) delete(ctx context.Context, table, kind, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", kind, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return notFound(kind, id)
	}
	return nil
}

// SaveRun archives the final state of a run so it outlives the engine's
// retention window.
func (s *Store) SaveRun(ctx context.Context, st engine.RunState) error {
	body, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to encode run state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, scenario_id, destination_id, status, started_at, finished_at, state)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET status = excluded.status, finished_at = excluded.finished_at, state = excluded.state
	`, st.RunID, st.ScenarioID, st.DestinationID, string(st.Status), st.StartedAt, st.FinishedAt, body)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// GetRun returns an archived run.
func (s *Store) GetRun(ctx context.Context, runID string) (engine.RunState, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, `SELECT state FROM runs WHERE run_id = ?`, runID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.RunState{}, notFound("run", runID)
	}
	if err != nil {
		return engine.RunState{}, fmt.Errorf("failed to get run: %w", err)
	}
	var st engine.RunState
	if err := json.Unmarshal(body, &st); err != nil {
		return engine.RunState{}, fmt.Errorf("failed to decode run %s: %w", runID, err)
	}
	return st, nil
}

// ListRuns returns up to limit archived runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]engine.RunState, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT state FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var out []engine.RunState
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		var st engine.RunState
		if err := json.Unmarshal(body, &st); err != nil {
			return nil, fmt.Errorf("failed to decode run: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// ExpiredRuns returns up to limit archived runs that finished before cutoff,
// oldest first.
func (s *Store) ExpiredRuns(ctx context.Context, cutoff time.Time, limit int) ([]engine.RunState, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT state FROM runs WHERE finished_at IS NOT NULL ORDER BY started_at ASC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired runs: %w", err)
	}
	defer rows.Close()

	var out []engine.RunState
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		var st engine.RunState
		if err := json.Unmarshal(body, &st); err != nil {
			return nil, fmt.Errorf("failed to decode run: %w", err)
		}
		// Timestamps are stored as text; compare after decoding so zones agree.
		if st.FinishedAt != nil && st.FinishedAt.Before(cutoff) {
			out = append(out, st)
		}
	}
	return out, rows.Err()
}

// DeleteRuns removes archived runs and returns how many were deleted.
func (s *Store) DeleteRuns(ctx context.Context, runIDs []string) (int64, error) {
	if len(runIDs) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM runs WHERE run_id = ?`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare delete: %w", err)
	}
	defer stmt.Close()

	var total int64
	for _, id := range runIDs {
		res, err := stmt.ExecContext(ctx, id)
		if err != nil {
			return 0, fmt.Errorf("failed to delete run %s: %w", id, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit delete: %w", err)
	}
	return total, nil
}
