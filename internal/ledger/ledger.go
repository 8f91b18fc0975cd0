// Package ledger records batch runs and their per-job outcomes in SQLite.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"

	"github.com/menta2k/detection-postprocess/pkg/executor"
	"github.com/menta2k/detection-postprocess/pkg/results"
)

// ErrRunNotFound is returned for unknown run ids
var ErrRunNotFound = errors.New("run not found")

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Run is one recorded batch
type Run struct {
	ID         string
	Operation  string
	Input      string
	Output     string
	StartedAt  time.Time
	FinishedAt *time.Time
	OK         int
	Skipped    int
	Missing    int
	Failed     int
}

// Ledger wraps the SQLite connection with serialized writes
type Ledger struct {
	conn *sql.DB
	mu   sync.Mutex
}

// Open creates or opens the ledger database at path
func Open(path string) (*Ledger, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	l := &Ledger{conn: conn}
	if err := l.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate ledger: %w", err)
	}
	return l, nil
}

func (l *Ledger) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		operation TEXT NOT NULL,
		input TEXT NOT NULL,
		output TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		finished_at DATETIME,
		ok INTEGER DEFAULT 0,
		skipped INTEGER DEFAULT 0,
		missing INTEGER DEFAULT 0,
		failed INTEGER DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS run_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		job_index INTEGER NOT NULL,
		file TEXT NOT NULL,
		kind TEXT NOT NULL,
		artifacts TEXT,
		error TEXT,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_run_results_run_id ON run_results(run_id);
	CREATE INDEX IF NOT EXISTS idx_run_results_kind ON run_results(kind);
	`

	_, err := l.conn.Exec(schema)
	return err
}

// Close closes the database connection
func (l *Ledger) Close() error {
	return l.conn.Close()
}

// StartRun records a new run and returns its id
func (l *Ledger) StartRun(ctx context.Context, operation, input, output string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := ulid.Make().String()
	_, err := l.conn.ExecContext(ctx,
		`INSERT INTO runs (id, operation, input, output, started_at) VALUES (?, ?, ?, ?, ?)`,
		id, operation, input, output, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("failed to record run: %w", err)
	}
	return id, nil
}

// FinishRun stores every job result of the run and its summary counts
func (l *Ledger) FinishRun(ctx context.Context, id string, res []executor.Result) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	s := results.Summarize(res)
	update, err := tx.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, ok = ?, skipped = ?, missing = ?, failed = ? WHERE id = ?`,
		time.Now().UTC(), s.OK, s.Skipped, s.Missing, s.Failed, id)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if n, _ := update.RowsAffected(); n == 0 {
		return ErrRunNotFound
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO run_results (run_id, job_index, file, kind, artifacts, error) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range res {
		artifacts, err := json.Marshal(r.Artifacts)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, id, r.Index, r.File, string(r.Kind), string(artifacts), r.Error); err != nil {
			return fmt.Errorf("failed to insert result for %s: %w", r.File, err)
		}
	}
	return tx.Commit()
}

// Run loads one run by id
func (l *Ledger) Run(ctx context.Context, id string) (Run, error) {
	var r Run
	var finished sql.NullTime
	err := l.conn.QueryRowContext(ctx,
		`SELECT id, operation, input, output, started_at, finished_at, ok, skipped, missing, failed FROM runs WHERE id = ?`, id).
		Scan(&r.ID, &r.Operation, &r.Input, &r.Output, &r.StartedAt, &finished, &r.OK, &r.Skipped, &r.Missing, &r.Failed)
	if err == sql.ErrNoRows {
		return Run{}, ErrRunNotFound
	}
	if err != nil {
		return Run{}, fmt.Errorf("failed to load run: %w", err)
	}
	if finished.Valid {
		r.FinishedAt = &finished.Time
	}
	return r, nil
}

// Runs lists runs, newest first
func (l *Ledger) Runs(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.conn.QueryContext(ctx, `SELECT id FROM runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	runs := make([]Run, 0, len(ids))
	for _, id := range ids {
		r, err := l.Run(ctx, id)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, nil
}

// Results loads the stored job results of a run in job order
func (l *Ledger) Results(ctx context.Context, id string) ([]executor.Result, error) {
	rows, err := l.conn.QueryContext(ctx,
		`SELECT job_index, file, kind, artifacts, error FROM run_results WHERE run_id = ? ORDER BY job_index`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load results: %w", err)
	}
	defer rows.Close()

	var out []executor.Result
	for rows.Next() {
		var r executor.Result
		var kind string
		var artifacts, errMsg sql.NullString
		if err := rows.Scan(&r.Index, &r.File, &kind, &artifacts, &errMsg); err != nil {
			return nil, err
		}
		r.Kind = executor.Kind(kind)
		r.Error = errMsg.String
		if artifacts.Valid && artifacts.String != "" {
			if err := json.Unmarshal([]byte(artifacts.String), &r.Artifacts); err != nil {
				return nil, fmt.Errorf("corrupt artifacts for %s: %w", r.File, err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
