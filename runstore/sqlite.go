// ABOUTME: SQLite-backed persistence for pipeline runs and their event streams.
// ABOUTME: The event stream is the source of truth; rows here serve listing and replay after restart.
package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/basin-run/basin/pipeline"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	status       TEXT NOT NULL,
	source       TEXT NOT NULL DEFAULT '',
	started_at   TIMESTAMP NOT NULL,
	completed_at TIMESTAMP,
	error        TEXT NOT NULL DEFAULT '',
	context_json TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS events (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id    TEXT NOT NULL REFERENCES runs(id),
	kind      TEXT NOT NULL,
	node_id   TEXT NOT NULL DEFAULT '',
	ts        TIMESTAMP NOT NULL,
	data_json TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id, id);
`

// Run statuses as stored.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// Run is one pipeline run row.
type Run struct {
	ID          string
	Status      string
	Source      string
	StartedAt   time.Time
	CompletedAt *time.Time
	Error       string
	Context     map[string]any
}

// Store persists runs and events in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (and migrates) a store at path. ":memory:" works for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open runstore: %w", err)
	}
	// SQLite handles one writer at a time; serialize on a single conn.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate runstore: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// CreateRun inserts a new running row. Source records where the graph
// came from (a file path or "inline").
func (s *Store) CreateRun(ctx context.Context, id, source string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, status, source, started_at) VALUES (?, ?, ?, ?)`,
		id, RunStatusRunning, source, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("create run %s: %w", id, err)
	}
	return nil
}

// FinishRun marks a run terminal with its final context snapshot.
func (s *Store) FinishRun(ctx context.Context, id, status, errText string, contextSnapshot map[string]any) error {
	ctxJSON, err := json.Marshal(contextSnapshot)
	if err != nil {
		return fmt.Errorf("marshal run context: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, completed_at = ?, error = ?, context_json = ? WHERE id = ?`,
		status, time.Now().UTC(), errText, string(ctxJSON), id)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", id, err)
	}
	return nil
}

// GetRun loads one run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, status, source, started_at, completed_at, error, context_json FROM runs WHERE id = ?`, id)
	return scanRun(row)
}

// ListRuns returns runs newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, status, source, started_at, completed_at, error, context_json
		 FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var r Run
	var completed sql.NullTime
	var ctxJSON string
	if err := row.Scan(&r.ID, &r.Status, &r.Source, &r.StartedAt, &completed, &r.Error, &ctxJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("run not found")
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	if completed.Valid {
		t := completed.Time
		r.CompletedAt = &t
	}
	if err := json.Unmarshal([]byte(ctxJSON), &r.Context); err != nil {
		r.Context = map[string]any{}
	}
	return &r, nil
}

// AppendEvent persists one pipeline event.
func (s *Store) AppendEvent(ctx context.Context, e pipeline.Event) error {
	dataJSON := "{}"
	if e.Data != nil {
		data, err := json.Marshal(e.Data)
		if err != nil {
			return fmt.Errorf("marshal event data: %w", err)
		}
		dataJSON = string(data)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (run_id, kind, node_id, ts, data_json) VALUES (?, ?, ?, ?, ?)`,
		e.PipelineID, string(e.Kind), e.NodeID, e.Timestamp.UTC(), dataJSON)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// Events returns a run's events in append order.
func (s *Store) Events(ctx context.Context, runID string) ([]pipeline.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, node_id, ts, data_json FROM events WHERE run_id = ? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("load events for %s: %w", runID, err)
	}
	defer rows.Close()

	var events []pipeline.Event
	for rows.Next() {
		var e pipeline.Event
		var kind, dataJSON string
		if err := rows.Scan(&kind, &e.NodeID, &e.Timestamp, &dataJSON); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Kind = pipeline.EventKind(kind)
		e.PipelineID = runID
		if err := json.Unmarshal([]byte(dataJSON), &e.Data); err != nil {
			e.Data = nil
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Sink returns an EventSink that persists every event, for fan-out next
// to the in-memory buffer. Persistence errors are dropped; the live
// stream is authoritative.
func (s *Store) Sink(ctx context.Context) pipeline.EventSink {
	return pipeline.SinkFunc(func(e pipeline.Event) {
		_ = s.AppendEvent(ctx, e)
	})
}
