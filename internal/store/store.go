// Package store persists finished runs and their stages to SQLite.
//
// Two drivers are supported: "sqlite" (modernc.org/sqlite, pure Go, the
// default) and "sqlite3" (github.com/mattn/go-sqlite3, cgo). Timestamps are
// stored as unix milliseconds so both drivers scan them identically.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"conclave/internal/logging"
	"conclave/internal/pipeline"
	"conclave/internal/provider"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Supported driver names.
const (
	DriverPureGo = "sqlite"
	DriverCgo    = "sqlite3"
)

// ErrNotFound is returned when a run id has no row.
var ErrNotFound = errors.New("store: run not found")

// RunStore is a SQLite-backed pipeline.Recorder with read helpers for the
// CLI and server.
type RunStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
	driver string
}

var _ pipeline.Recorder = (*RunStore)(nil)

// Open opens (creating if needed) the database at path. An empty driver
// selects the pure Go driver. ":memory:" is accepted for tests.
func Open(driver, path string) (*RunStore, error) {
	if driver == "" {
		driver = DriverPureGo
	}
	if driver != DriverPureGo && driver != DriverCgo {
		return nil, fmt.Errorf("store: unknown driver %q", driver)
	}

	logging.Store("Opening run store at %s (driver=%s)", path, driver)

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			logging.Get(logging.CategoryStore).Error("Failed to create directory %s: %v", dir, err)
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to open database at %s: %v", path, err)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}

	s := &RunStore{db: db, dbPath: path, driver: driver}
	if err := s.initSchema(); err != nil {
		db.Close()
		logging.Get(logging.CategoryStore).Error("Failed to initialize schema: %v", err)
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *RunStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		message TEXT NOT NULL,
		mode TEXT NOT NULL,
		status TEXT NOT NULL,
		answer TEXT,
		confidence TEXT,
		error TEXT,
		prompt_tokens INTEGER DEFAULT 0,
		completion_tokens INTEGER DEFAULT 0,
		started_at INTEGER NOT NULL,
		finished_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_runs_conversation ON runs(conversation_id);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);

	CREATE TABLE IF NOT EXISTS stages (
		run_id TEXT NOT NULL,
		stage_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		provider TEXT,
		model TEXT,
		status TEXT NOT NULL,
		optional INTEGER DEFAULT 0,
		attempts INTEGER DEFAULT 0,
		retries INTEGER DEFAULT 0,
		output TEXT,
		error TEXT,
		prompt_tokens INTEGER DEFAULT 0,
		completion_tokens INTEGER DEFAULT 0,
		started_at INTEGER,
		finished_at INTEGER,
		PRIMARY KEY (run_id, stage_id)
	);

	CREATE INDEX IF NOT EXISTS idx_stages_run ON stages(run_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Path returns the database location.
func (s *RunStore) Path() string { return s.dbPath }

// Close closes the database.
func (s *RunStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// RecordStage upserts one terminal stage.
func (s *RunStore) RecordStage(ctx context.Context, rec pipeline.StageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := upsertStage(ctx, s.db, rec.RunID, -1, rec.Stage); err != nil {
		return fmt.Errorf("record stage %s/%s: %w", rec.RunID, rec.Stage.ID, err)
	}
	logging.StoreDebug("Recorded stage %s/%s (%s)", rec.RunID, rec.Stage.ID, rec.Stage.Status)
	return nil
}

// RecordRunComplete writes the run row and every stage of the run in one
// transaction.
func (s *RunStore) RecordRunComplete(ctx context.Context, rec pipeline.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, conversation_id, message, mode, status, answer, confidence, error,
			prompt_tokens, completion_tokens, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			answer = excluded.answer,
			confidence = excluded.confidence,
			error = excluded.error,
			prompt_tokens = excluded.prompt_tokens,
			completion_tokens = excluded.completion_tokens,
			finished_at = excluded.finished_at`,
		rec.RunID, rec.ConversationID, rec.Message, string(rec.Mode), string(rec.Status),
		rec.Answer, rec.Confidence, rec.Error,
		rec.Usage.PromptTokens, rec.Usage.CompletionTokens,
		toMillis(rec.StartedAt), toMillis(rec.FinishedAt))
	if err != nil {
		return fmt.Errorf("record run %s: %w", rec.RunID, err)
	}

	for i, st := range rec.Stages {
		if err := upsertStage(ctx, tx, rec.RunID, i, st); err != nil {
			return fmt.Errorf("record run %s stage %s: %w", rec.RunID, st.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run %s: %w", rec.RunID, err)
	}
	logging.Store("Recorded run %s (%s, %d stages)", rec.RunID, rec.Status, len(rec.Stages))
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// upsertStage writes st. A negative seq keeps the existing ordering, or
// appends when the row is new.
func upsertStage(ctx context.Context, db execer, runID string, seq int, st pipeline.Stage) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO stages (run_id, stage_id, seq, role, provider, model, status, optional, attempts, retries,
			output, error, prompt_tokens, completion_tokens, started_at, finished_at)
		VALUES (?, ?, CASE WHEN ? >= 0 THEN ? ELSE (SELECT COUNT(*) FROM stages WHERE run_id = ?) END,
			?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, stage_id) DO UPDATE SET
			seq = CASE WHEN ? >= 0 THEN ? ELSE stages.seq END,
			provider = excluded.provider,
			model = excluded.model,
			status = excluded.status,
			attempts = excluded.attempts,
			retries = excluded.retries,
			output = excluded.output,
			error = excluded.error,
			prompt_tokens = excluded.prompt_tokens,
			completion_tokens = excluded.completion_tokens,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at`,
		runID, st.ID, seq, seq, runID,
		st.Role, st.Provider, st.Model, string(st.Status), boolInt(st.Optional), st.Attempts, st.Retries,
		st.Output, st.Error, st.Usage.PromptTokens, st.Usage.CompletionTokens,
		toMillis(st.StartedAt), toMillis(st.FinishedAt),
		seq, seq)
	return err
}

// ListRuns returns the most recent runs, newest first, without stages.
func (s *RunStore) ListRuns(ctx context.Context, limit int) ([]pipeline.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, message, mode, status, answer, confidence, error,
			prompt_tokens, completion_tokens, started_at, finished_at
		FROM runs ORDER BY started_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []pipeline.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRun returns one run with its stages.
func (s *RunStore) GetRun(ctx context.Context, id string) (pipeline.Run, error) {
	s.mu.RLock()
	row := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, message, mode, status, answer, confidence, error,
			prompt_tokens, completion_tokens, started_at, finished_at
		FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	s.mu.RUnlock()
	if errors.Is(err, sql.ErrNoRows) {
		return pipeline.Run{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return pipeline.Run{}, err
	}

	r.Stages, err = s.StagesForRun(ctx, id)
	if err != nil {
		return pipeline.Run{}, err
	}
	return r, nil
}

// StagesForRun returns the recorded stages of a run in pipeline order.
func (s *RunStore) StagesForRun(ctx context.Context, runID string) ([]pipeline.Stage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT stage_id, role, provider, model, status, optional, attempts, retries, output, error,
			prompt_tokens, completion_tokens, started_at, finished_at
		FROM stages WHERE run_id = ? ORDER BY seq, stage_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("stages for %s: %w", runID, err)
	}
	defer rows.Close()

	var stages []pipeline.Stage
	for rows.Next() {
		var (
			st                     pipeline.Stage
			status                 string
			prov, model, out, serr sql.NullString
			optional               int
			started, finished      sql.NullInt64
		)
		if err := rows.Scan(&st.ID, &st.Role, &prov, &model, &status, &optional, &st.Attempts, &st.Retries,
			&out, &serr, &st.Usage.PromptTokens, &st.Usage.CompletionTokens, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan stage: %w", err)
		}
		st.Status = pipeline.StageStatus(status)
		st.Provider, st.Model, st.Output, st.Error = prov.String, model.String, out.String, serr.String
		st.Optional = optional != 0
		st.StartedAt = fromMillis(started)
		st.FinishedAt = fromMillis(finished)
		stages = append(stages, st)
	}
	return stages, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (pipeline.Run, error) {
	var (
		r                        pipeline.Run
		mode, status             string
		answer, confidence, rerr sql.NullString
		started                  int64
		finished                 sql.NullInt64
		usage                    provider.Usage
	)
	if err := sc.Scan(&r.ID, &r.ConversationID, &r.Message, &mode, &status, &answer, &confidence, &rerr,
		&usage.PromptTokens, &usage.CompletionTokens, &started, &finished); err != nil {
		return pipeline.Run{}, err
	}
	r.Mode = pipeline.Mode(mode)
	r.Status = pipeline.RunStatus(status)
	r.Answer, r.Confidence, r.Error = answer.String, confidence.String, rerr.String
	r.Usage = usage
	r.StartedAt = time.UnixMilli(started)
	r.FinishedAt = fromMillis(finished)
	return r, nil
}

func toMillis(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
