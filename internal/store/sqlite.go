package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/kiln/internal/model"

	_ "modernc.org/sqlite"
)

const createRunsTable = `
CREATE TABLE IF NOT EXISTS runs (
    run_id      TEXT PRIMARY KEY,
    type        TEXT NOT NULL,
    namespace   TEXT NOT NULL,
    application TEXT NOT NULL,
    program     TEXT NOT NULL,
    status      TEXT NOT NULL,
    error       TEXT NOT NULL DEFAULT '',
    duration_ms INTEGER,
    started_at  DATETIME NOT NULL,
    finished_at DATETIME
)`

const createRunsProgramIndex = `
CREATE INDEX IF NOT EXISTS runs_program
    ON runs (type, namespace, application, program, started_at)`

const createRunEventsTable = `
CREATE TABLE IF NOT EXISTS run_events (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id     TEXT NOT NULL,
    state      TEXT NOT NULL,
    error      TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL
)`

const runColumns = `run_id, type, namespace, application, program, status,
	error, duration_ms, started_at, finished_at`

// ErrNotFound is returned when a run is not found.
var ErrNotFound = errors.New("run not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A private in-memory database exists per connection.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createRunsTable, createRunsProgramIndex, createRunEventsTable} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// RecordStart inserts a new run record. An empty status is stored as running.
func (s *SQLiteStore) RecordStart(ctx context.Context, r *model.RunRecord) error {
	status := r.Status
	if status == "" {
		status = model.StateRunning
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, string(r.Type), r.Namespace, r.Application, r.Program, string(status),
		r.Error, r.DurationMS, r.StartedAt.UTC(), r.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// RecordStop moves a run to a terminal status and stamps its finish time and
// duration. The transition is validated against the stored status.
func (s *SQLiteStore) RecordStop(ctx context.Context, runID string, status model.State, errMsg string, finishedAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current model.State
	var startedAt time.Time
	err = tx.QueryRowContext(ctx,
		"SELECT status, started_at FROM runs WHERE run_id = ?", runID,
	).Scan(&current, &startedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get run status: %w", err)
	}

	if !model.ValidTransition(current, status) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, current, status)
	}

	finishedAt = finishedAt.UTC()
	durationMS := int(finishedAt.Sub(startedAt).Milliseconds())
	if _, err := tx.ExecContext(ctx,
		"UPDATE runs SET status = ?, error = ?, duration_ms = ?, finished_at = ? WHERE run_id = ?",
		string(status), errMsg, durationMS, finishedAt, runID,
	); err != nil {
		return fmt.Errorf("update run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run stop: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.RunRecord, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListRuns returns a page of runs ordered by started_at DESC, along with the
// total count of all runs.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*model.RunRecord, int, error) {
	return s.listRuns(ctx, "", nil, limit, offset)
}

// ListProgramRuns returns a page of one program's runs ordered by started_at
// DESC, along with that program's total run count.
func (s *SQLiteStore) ListProgramRuns(ctx context.Context, id model.ProgramIdentity, limit, offset int) ([]*model.RunRecord, int, error) {
	return s.listRuns(ctx,
		"WHERE type = ? AND namespace = ? AND application = ? AND program = ?",
		[]any{string(id.Type), id.Namespace, id.Application, id.Program},
		limit, offset,
	)
}

func (s *SQLiteStore) listRuns(ctx context.Context, where string, args []any, limit, offset int) ([]*model.RunRecord, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs `+where+` ORDER BY started_at DESC, run_id DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate runs: %w", err)
	}

	return runs, total, nil
}

// GetRunStats returns aggregate counts and the mean duration of finished runs.
func (s *SQLiteStore) GetRunStats(ctx context.Context) (*RunStats, error) {
	stats := &RunStats{
		CountByStatus: make(map[string]int),
		CountByType:   make(map[string]int),
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var avg sql.NullFloat64
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*), AVG(duration_ms) FROM runs",
	).Scan(&stats.Total, &avg); err != nil {
		return nil, fmt.Errorf("count runs: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMS = avg.Float64
	}

	if err := countBy(ctx, tx, "status", stats.CountByStatus); err != nil {
		return nil, err
	}
	if err := countBy(ctx, tx, "type", stats.CountByType); err != nil {
		return nil, err
	}
	return stats, nil
}

// countBy fills into with row counts grouped by column. column is never
// caller-controlled.
func countBy(ctx context.Context, tx *sql.Tx, column string, into map[string]int) error {
	rows, err := tx.QueryContext(ctx, "SELECT "+column+", COUNT(*) FROM runs GROUP BY "+column)
	if err != nil {
		return fmt.Errorf("count runs by %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan %s count: %w", column, err)
		}
		into[key] = n
	}
	return rows.Err()
}

// InsertRunEvent appends a state event to a run's history.
func (s *SQLiteStore) InsertRunEvent(ctx context.Context, ev model.RunEvent) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO run_events (run_id, state, error, created_at) VALUES (?, ?, ?, ?)",
		ev.RunID, string(ev.State), ev.Error, ev.Time.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert run event: %w", err)
	}
	return nil
}

// GetRunEvents returns a run's events in insertion order.
func (s *SQLiteStore) GetRunEvents(ctx context.Context, runID string) ([]model.RunEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT run_id, state, error, created_at FROM run_events WHERE run_id = ? ORDER BY id", runID,
	)
	if err != nil {
		return nil, fmt.Errorf("get run events: %w", err)
	}
	defer rows.Close()

	var events []model.RunEvent
	for rows.Next() {
		var ev model.RunEvent
		if err := rows.Scan(&ev.RunID, &ev.State, &ev.Error, &ev.Time); err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run events: %w", err)
	}
	return events, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*model.RunRecord, error) {
	r := &model.RunRecord{}
	var duration sql.NullInt64
	var finished sql.NullTime
	if err := row.Scan(
		&r.RunID, &r.Type, &r.Namespace, &r.Application, &r.Program, &r.Status,
		&r.Error, &duration, &r.StartedAt, &finished,
	); err != nil {
		return nil, err
	}
	if duration.Valid {
		d := int(duration.Int64)
		r.DurationMS = &d
	}
	if finished.Valid {
		t := finished.Time
		r.FinishedAt = &t
	}
	return r, nil
}
