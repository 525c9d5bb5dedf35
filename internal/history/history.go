// Package history persists a small append-only ledger of completed
// batch runs at <output_root>/history.db, independent of the live
// .state.json for the current run. It is adapted directly from this
// codebase's SQLite-backed result store: an Open/Close/Append shape,
// the same transaction-wrapped insert, the same CREATE TABLE IF NOT EXISTS
// migration idiom — scaled down from a suites+results pair to a single
// flat table, since no per-benchmark statistical rollup applies here.
package history

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Entry is one row: the outcome of a single batch run.
type Entry struct {
	RunID         string
	InputRoot     string
	OutputRoot    string
	StartedAt     time.Time
	FinishedAt    time.Time
	Outcome       string // "completed", "interrupted", "aborted"
	PoolSize      int
	Completed     int
	Failed        int
	Retried       int
	AnnotatorPath string
}

// Ledger is a SQLite-backed append log of Entry rows.
type Ledger struct {
	db *sql.DB
}

// Open opens (creating if necessary) the ledger database at path and
// ensures its schema exists.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("history: open database: %w", err)
	}

	l := &Ledger{db: db}
	if err := l.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Ledger) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		input_root TEXT NOT NULL,
		output_root TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL,
		outcome TEXT NOT NULL,
		pool_size INTEGER NOT NULL,
		completed INTEGER NOT NULL,
		failed INTEGER NOT NULL,
		retried INTEGER NOT NULL,
		annotator_path TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_runs_output_root ON runs(output_root);
	CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
	`
	if _, err := l.db.Exec(schema); err != nil {
		return fmt.Errorf("history: create schema: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Append records a finished run. Written once at run end; entries are
// never mutated afterward.
func (l *Ledger) Append(e Entry) error {
	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("history: begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(`
		INSERT INTO runs (run_id, input_root, output_root, started_at, finished_at, outcome, pool_size, completed, failed, retried, annotator_path)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.RunID, e.InputRoot, e.OutputRoot, e.StartedAt, e.FinishedAt, e.Outcome, e.PoolSize, e.Completed, e.Failed, e.Retried, e.AnnotatorPath)
	if err != nil {
		return fmt.Errorf("history: insert run: %w", err)
	}

	return tx.Commit()
}

// Recent returns the most recent entries for outputRoot, most recent first.
func (l *Ledger) Recent(outputRoot string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := l.db.Query(`
		SELECT run_id, input_root, output_root, started_at, finished_at, outcome, pool_size, completed, failed, retried, annotator_path
		FROM runs
		WHERE output_root = ?
		ORDER BY started_at DESC
		LIMIT ?
	`, outputRoot, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query runs: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var annotatorPath sql.NullString
		if err := rows.Scan(&e.RunID, &e.InputRoot, &e.OutputRoot, &e.StartedAt, &e.FinishedAt, &e.Outcome, &e.PoolSize, &e.Completed, &e.Failed, &e.Retried, &annotatorPath); err != nil {
			return nil, fmt.Errorf("history: scan run: %w", err)
		}
		e.AnnotatorPath = annotatorPath.String
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: iterate runs: %w", err)
	}

	return out, nil
}
