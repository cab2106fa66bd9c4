// ///////////////////////////////////////////////////////////////////////////
//
// # Cambiador - Table Change Detection
//
// Copyright (C) 2023 - 2026, pgEdge (https://www.pgedge.com/)
//
// This software is released under the PostgreSQL License:
// https://opensource.org/license/postgresql
//
// ///////////////////////////////////////////////////////////////////////////

package taskstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	StatusRunning   = "RUNNING"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
)

// Triggers identify what started a run.
const (
	TriggerCLI      = "CLI"
	TriggerHTTP     = "HTTP"
	TriggerSchedule = "SCHEDULE"
)

const DefaultPath = "cambiador_runs.db"

const createTableSQL = `
CREATE TABLE IF NOT EXISTS cambiador_runs (
    run_id        TEXT PRIMARY KEY,
    run_status    TEXT NOT NULL,
    run_trigger   TEXT NOT NULL,
    development   INTEGER NOT NULL DEFAULT 0,
    changed_count INTEGER NOT NULL DEFAULT 0,
    failed_count  INTEGER NOT NULL DEFAULT 0,
    error_message TEXT,
    report        TEXT,
    started_at    TEXT,
    finished_at   TEXT,
    time_taken    REAL
);`

var ErrNotFound = errors.New("run not found")

type Store struct {
	db *sql.DB
}

// Record is one detection run. Report holds the JSON encoded run report.
type Record struct {
	RunID        string
	Status       string
	Trigger      string
	Development  bool
	ChangedCount int
	FailedCount  int
	Error        string
	Report       json.RawMessage
	StartedAt    time.Time
	FinishedAt   time.Time
	TimeTaken    float64
}

// Recorder writes run records when a store is configured and is a no-op
// otherwise, so callers never branch on whether history is enabled.
type Recorder struct {
	store     *Store
	ownsStore bool
	created   bool
}

func NewRecorder(existing *Store, path string) (*Recorder, error) {
	if existing != nil {
		return &Recorder{store: existing}, nil
	}
	store, err := New(path)
	if err != nil {
		return nil, err
	}
	return &Recorder{store: store, ownsStore: true}, nil
}

func (r *Recorder) Store() *Store {
	if r == nil {
		return nil
	}
	return r.store
}

func (r *Recorder) HasStore() bool {
	return r != nil && r.store != nil
}

func (r *Recorder) Create(rec Record) error {
	if !r.HasStore() {
		return nil
	}
	if err := r.store.Create(rec); err != nil {
		return err
	}
	r.created = true
	return nil
}

func (r *Recorder) Update(rec Record) error {
	if !r.HasStore() || !r.created {
		return nil
	}
	return r.store.Update(rec)
}

func (r *Recorder) Close() error {
	if r == nil || !r.ownsStore || r.store == nil {
		return nil
	}
	err := r.store.Close()
	r.store = nil
	return err
}

func New(path string) (*Store, error) {
	sqlitePath := resolvePath(path)
	if err := ensureDir(sqlitePath); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite3", sqlitePath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const selectColumns = `run_id, run_status, run_trigger, development, changed_count,
        failed_count, error_message, report, started_at, finished_at, time_taken`

func (s *Store) Get(runID string) (Record, error) {
	if strings.TrimSpace(runID) == "" {
		return Record{}, errors.New("run id is required")
	}
	row := s.db.QueryRow(`SELECT `+selectColumns+` FROM cambiador_runs WHERE run_id = ?`, runID)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("fetch run %s: %w", runID, err)
	}
	return rec, nil
}

// Recent returns up to limit runs, newest first.
func (s *Store) Recent(limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.Query(`SELECT `+selectColumns+` FROM cambiador_runs
        ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) Create(rec Record) error {
	if err := rec.validateForCreate(); err != nil {
		return err
	}
	_, err := s.db.Exec(
		`INSERT INTO cambiador_runs (
            run_id, run_status, run_trigger, development, changed_count,
            failed_count, error_message, report, started_at, finished_at, time_taken
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID,
		rec.Status,
		rec.Trigger,
		rec.Development,
		rec.ChangedCount,
		rec.FailedCount,
		nullableString(rec.Error),
		nullableBlob(rec.Report),
		timeOrNil(rec.StartedAt),
		timeOrNil(rec.FinishedAt),
		rec.TimeTaken,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *Store) Update(rec Record) error {
	if strings.TrimSpace(rec.RunID) == "" {
		return errors.New("run id is required")
	}
	res, err := s.db.Exec(
		`UPDATE cambiador_runs SET
            run_status = ?,
            changed_count = ?,
            failed_count = ?,
            error_message = ?,
            report = ?,
            finished_at = ?,
            time_taken = ?
        WHERE run_id = ?`,
		rec.Status,
		rec.ChangedCount,
		rec.FailedCount,
		nullableString(rec.Error),
		nullableBlob(rec.Report),
		timeOrNil(rec.FinishedAt),
		rec.TimeTaken,
		rec.RunID,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) ensureSchema() error {
	if _, err := s.db.Exec(createTableSQL); err != nil {
		return fmt.Errorf("ensure cambiador_runs schema: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var (
		rec        Record
		errMsg     sql.NullString
		report     sql.NullString
		startedAt  sql.NullString
		finishedAt sql.NullString
		timeTaken  sql.NullFloat64
	)
	if err := row.Scan(
		&rec.RunID,
		&rec.Status,
		&rec.Trigger,
		&rec.Development,
		&rec.ChangedCount,
		&rec.FailedCount,
		&errMsg,
		&report,
		&startedAt,
		&finishedAt,
		&timeTaken,
	); err != nil {
		return Record{}, err
	}

	rec.Error = errMsg.String
	rec.TimeTaken = timeTaken.Float64
	if report.Valid && strings.TrimSpace(report.String) != "" {
		rec.Report = json.RawMessage(report.String)
	}
	if startedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, startedAt.String); err == nil {
			rec.StartedAt = t
		}
	}
	if finishedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, finishedAt.String); err == nil {
			rec.FinishedAt = t
		}
	}
	return rec, nil
}

func (r Record) validateForCreate() error {
	if strings.TrimSpace(r.RunID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(r.Status) == "" {
		return errors.New("run status is required")
	}
	if strings.TrimSpace(r.Trigger) == "" {
		return errors.New("run trigger is required")
	}
	return nil
}

func resolvePath(path string) string {
	if strings.TrimSpace(path) != "" {
		return path
	}
	if env := os.Getenv("CAMBIADOR_RUNS_DB"); strings.TrimSpace(env) != "" {
		return env
	}
	return filepath.Join(".", DefaultPath)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func nullableString(val string) any {
	if strings.TrimSpace(val) == "" {
		return nil
	}
	return val
}

func nullableBlob(val json.RawMessage) any {
	if len(val) == 0 {
		return nil
	}
	return string(val)
}

// Fixed width so that text ordering in sqlite matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func timeOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(timeLayout)
}
