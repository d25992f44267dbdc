// Package ledger is the durable, append-only record of step attempts and
// outcomes, the single source of truth for resume decisions. It outlives
// any single process invocation: a crashed run is resumed by re-reading it.
//
// A step only counts as successful once its outcome row is committed. A
// crash between load completion and the outcome write leaves the step
// pending, which resume treats as not completed; the idempotent loader makes
// the forced re-run safe.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/rowplane/rowplane/internal/validate"
)

// Outcome is the terminal disposition of a step
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

// Counts carries a step's row bookkeeping
type Counts struct {
	SourceRows int64 `json:"source_rows"`
	TargetRows int64 `json:"target_rows"`
	Rejected   int64 `json:"rejected"`
}

// Step is one attempt to migrate one entity. Steps are append-only: a
// retried entity produces a new step record rather than mutating the old one.
type Step struct {
	ID         string
	RunID      string
	Entity     string
	Attempt    int
	StartedAt  time.Time
	FinishedAt *time.Time
	Outcome    Outcome
	Counts     Counts
	Findings   []validate.Finding
	Error      string
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	started_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS steps (
	id            TEXT PRIMARY KEY,
	run_id        TEXT NOT NULL REFERENCES runs(id),
	entity        TEXT NOT NULL,
	attempt       INTEGER NOT NULL,
	started_at    TEXT NOT NULL,
	finished_at   TEXT,
	outcome       TEXT NOT NULL,
	source_rows   INTEGER NOT NULL DEFAULT 0,
	target_rows   INTEGER NOT NULL DEFAULT 0,
	rejected_rows INTEGER NOT NULL DEFAULT 0,
	error         TEXT NOT NULL DEFAULT '',
	findings      TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_steps_run_entity ON steps (run_id, entity, attempt);
`

// Ledger persists steps in a local SQLite database
type Ledger struct {
	db    *sql.DB
	runID string

	// Step writes must be linearizable per entity even when waves run in
	// parallel; a single mutex over all writes satisfies that.
	mu sync.Mutex
}

// Open opens (or creates) the ledger database and registers the run if it
// is not already present. Supplying a run identifier from a prior invocation
// resumes that run.
func Open(path, runID string) (*Ledger, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create ledger directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize ledger schema: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := db.Exec(
		"INSERT INTO runs (id, started_at) VALUES (?, ?) ON CONFLICT (id) DO NOTHING",
		runID, now); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to register run: %w", err)
	}

	return &Ledger{db: db, runID: runID}, nil
}

// RunID returns the identifier of the run this ledger handle is bound to
func (l *Ledger) RunID() string {
	return l.runID
}

// RecordStepStart appends a pending step for the entity and returns its id
// and attempt number
func (l *Ledger) RecordStepStart(ctx context.Context, entity string) (string, int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var prior int
	err := l.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(attempt), 0) FROM steps WHERE run_id = ? AND entity = ?",
		l.runID, entity).Scan(&prior)
	if err != nil {
		return "", 0, fmt.Errorf("failed to read attempt count for %s: %w", entity, err)
	}

	id := uuid.NewString()
	attempt := prior + 1
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = l.db.ExecContext(ctx,
		"INSERT INTO steps (id, run_id, entity, attempt, started_at, outcome) VALUES (?, ?, ?, ?, ?, ?)",
		id, l.runID, entity, attempt, now, OutcomePending)
	if err != nil {
		return "", 0, fmt.Errorf("failed to record step start for %s: %w", entity, err)
	}
	return id, attempt, nil
}

// RecordStepOutcome completes a pending step. It refuses to touch a step
// that already has a terminal outcome.
func (l *Ledger) RecordStepOutcome(ctx context.Context, stepID string, outcome Outcome, counts Counts, findings []validate.Finding, errMsg string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if findings == nil {
		findings = []validate.Finding{}
	}
	data, err := json.Marshal(findings)
	if err != nil {
		return fmt.Errorf("failed to encode findings: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := l.db.ExecContext(ctx,
		`UPDATE steps SET finished_at = ?, outcome = ?, source_rows = ?, target_rows = ?,
		 rejected_rows = ?, error = ?, findings = ? WHERE id = ? AND outcome = ?`,
		now, outcome, counts.SourceRows, counts.TargetRows,
		counts.Rejected, errMsg, string(data), stepID, OutcomePending)
	if err != nil {
		return fmt.Errorf("failed to record step outcome: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.New("step is not pending: outcome already recorded")
	}
	return nil
}

// LastSuccessfulStep returns the most recent succeeded step for the entity
// in this run, or nil if none exists
func (l *Ledger) LastSuccessfulStep(ctx context.Context, entity string) (*Step, error) {
	rows, err := l.db.QueryContext(ctx,
		stepColumns+" WHERE run_id = ? AND entity = ? AND outcome = ? ORDER BY attempt DESC LIMIT 1",
		l.runID, entity, OutcomeSucceeded)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		return nil, rows.Err()
	}
	step, err := scanStep(rows)
	if err != nil {
		return nil, err
	}
	return step, rows.Err()
}

// History returns every step of this run ordered by start time
func (l *Ledger) History(ctx context.Context) ([]Step, error) {
	rows, err := l.db.QueryContext(ctx,
		stepColumns+" WHERE run_id = ? ORDER BY started_at, attempt", l.runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var steps []Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, *step)
	}
	return steps, rows.Err()
}

// Close closes the ledger database
func (l *Ledger) Close() error {
	return l.db.Close()
}

const stepColumns = `SELECT id, run_id, entity, attempt, started_at, finished_at,
	outcome, source_rows, target_rows, rejected_rows, error, findings FROM steps`

func scanStep(rows *sql.Rows) (*Step, error) {
	var s Step
	var started string
	var finished sql.NullString
	var outcome string
	var findingsJSON string

	if err := rows.Scan(&s.ID, &s.RunID, &s.Entity, &s.Attempt, &started, &finished,
		&outcome, &s.Counts.SourceRows, &s.Counts.TargetRows, &s.Counts.Rejected,
		&s.Error, &findingsJSON); err != nil {
		return nil, fmt.Errorf("failed to scan step: %w", err)
	}

	t, err := time.Parse(time.RFC3339Nano, started)
	if err != nil {
		return nil, fmt.Errorf("malformed step timestamp: %w", err)
	}
	s.StartedAt = t
	if finished.Valid {
		ft, err := time.Parse(time.RFC3339Nano, finished.String)
		if err != nil {
			return nil, fmt.Errorf("malformed step timestamp: %w", err)
		}
		s.FinishedAt = &ft
	}
	s.Outcome = Outcome(outcome)
	if err := json.Unmarshal([]byte(findingsJSON), &s.Findings); err != nil {
		return nil, fmt.Errorf("malformed step findings: %w", err)
	}
	return &s, nil
}
