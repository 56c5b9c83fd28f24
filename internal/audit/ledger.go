// Package audit implements the local, best-effort run ledger: a SQLite
// table recording one row per sync/restore invocation. It exists purely
// for operator visibility; nothing about manifest correctness or resume
// safety depends on it. Its methods return write errors; the sync and
// restore paths log them as warnings and carry on rather than failing.
package audit

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Operation identifies the kind of run being recorded.
type Operation string

const (
	OpSync    Operation = "sync"
	OpRestore Operation = "restore"
)

// Outcome identifies how a run ended.
type Outcome string

const (
	OutcomeRunning   Outcome = ""
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
)

// Ledger is a SQLite-backed append-only log of sync/restore runs.
type Ledger struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (creating if necessary) the ledger database at path and
// ensures its schema exists.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	l := &Ledger{db: db}
	if err := l.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Ledger) initSchema() error {
	const schema = `
		CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			operation TEXT NOT NULL,
			manifest_path TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP,
			outcome TEXT,
			chunks_new INTEGER DEFAULT 0,
			chunks_reused INTEGER DEFAULT 0,
			bytes_uploaded INTEGER DEFAULT 0,
			error_message TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_runs_operation ON runs(operation);
	`
	_, err := l.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("audit: init schema: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// StartRun records the beginning of the run identified by runID.
func (l *Ledger) StartRun(runID string, op Operation, manifestPath string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.Exec(
		`INSERT OR REPLACE INTO runs (run_id, operation, manifest_path, started_at, outcome)
		 VALUES (?, ?, ?, ?, ?)`,
		runID, string(op), manifestPath, time.Now().UTC(), string(OutcomeRunning),
	)
	if err != nil {
		return fmt.Errorf("audit: start run: %w", err)
	}
	return nil
}

// FinishRun records the outcome of a run that StartRun previously opened.
func (l *Ledger) FinishRun(runID string, outcome Outcome, chunksNew, chunksReused int, bytesUploaded int64, runErr error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errMsg string
	if runErr != nil {
		errMsg = runErr.Error()
	}

	_, err := l.db.Exec(
		`UPDATE runs SET finished_at = ?, outcome = ?, chunks_new = ?, chunks_reused = ?,
		 bytes_uploaded = ?, error_message = ? WHERE run_id = ?`,
		time.Now().UTC(), string(outcome), chunksNew, chunksReused, bytesUploaded, errMsg, runID,
	)
	if err != nil {
		return fmt.Errorf("audit: finish run: %w", err)
	}
	return nil
}

// Run is a materialized row from the ledger, used by ListRuns.
type Run struct {
	RunID         string
	Operation     Operation
	ManifestPath  string
	StartedAt     time.Time
	FinishedAt    sql.NullTime
	Outcome       Outcome
	ChunksNew     int
	ChunksReused  int
	BytesUploaded int64
	ErrorMessage  string
}

// ListRuns returns every recorded run, most recent first.
func (l *Ledger) ListRuns() ([]Run, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rows, err := l.db.Query(
		`SELECT run_id, operation, manifest_path, started_at, finished_at, outcome,
		 chunks_new, chunks_reused, bytes_uploaded, error_message
		 FROM runs ORDER BY started_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("audit: list runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		var op, outcome string
		var errMsg sql.NullString
		if err := rows.Scan(&r.RunID, &op, &r.ManifestPath, &r.StartedAt, &r.FinishedAt,
			&outcome, &r.ChunksNew, &r.ChunksReused, &r.BytesUploaded, &errMsg); err != nil {
			return nil, fmt.Errorf("audit: scan run: %w", err)
		}
		r.Operation = Operation(op)
		r.Outcome = Outcome(outcome)
		r.ErrorMessage = errMsg.String
		out = append(out, r)
	}
	return out, rows.Err()
}
