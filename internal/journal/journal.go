// Package journal records every execution the parent dispatches and the
// outcome it resolved with.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/hive/internal/task"
)

// StatusRunning marks an execution that has not resolved yet. Terminal rows
// carry the outcome status.
const StatusRunning = "running"

const (
	// timeLayout keeps a fixed-width fraction so stored timestamps sort as text.
	timeLayout = "2006-01-02T15:04:05.000000000Z"

	maxStderrBytes = 64 * 1024
	defaultLimit   = 50
	maxLimit       = 1000
)

// ErrNotFound is returned by Get for an unknown id.
var ErrNotFound = errors.New("execution not found")

// Entry is one journal row.
type Entry struct {
	ID          string          `json:"id"`
	Script      string          `json:"script"`
	Checksum    string          `json:"checksum,omitempty"`
	PID         int             `json:"pid,omitempty"`
	Status      string          `json:"status"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Error       *task.ErrorInfo `json:"error,omitempty"`
	Value       json.RawMessage `json:"value,omitempty"`
	Stderr      string          `json:"stderr,omitempty"`
}

// Journal is the SQLite-backed execution ledger.
type Journal struct {
	db *sql.DB
}

// Open opens the database at path and bootstraps its schema.
func Open(ctx context.Context, path string) (*Journal, error) {
	db, err := OpenSQLite(ctx, path)
	if err != nil {
		return nil, err
	}
	return &Journal{db: db}, nil
}

func New(db *sql.DB) *Journal {
	return &Journal{db: db}
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// Record inserts a running execution.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		return fmt.Errorf("execution id is empty")
	}
	if e.Script == "" {
		return fmt.Errorf("script is empty")
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = time.Now()
	}

	_, err := j.db.ExecContext(ctx, `
INSERT INTO executions(id, script, checksum, pid, status, started_at)
VALUES(?, ?, ?, ?, ?, ?);
`, e.ID, e.Script, nullString(e.Checksum), e.PID, StatusRunning, formatTime(e.StartedAt))
	if err != nil {
		return fmt.Errorf("record execution: %w", err)
	}
	return nil
}

// Complete stores the terminal outcome of a running execution.
func (j *Journal) Complete(ctx context.Context, id string, outcome task.Outcome, stderr string) error {
	if err := outcome.Validate(); err != nil {
		return fmt.Errorf("complete execution %s: %w", id, err)
	}

	var value, errInfo any
	if outcome.Succeeded() && outcome.Value != nil {
		b, err := json.Marshal(outcome.Value)
		if err != nil {
			return fmt.Errorf("encode value: %w", err)
		}
		value = string(b)
	}
	if outcome.Error != nil {
		b, err := json.Marshal(outcome.Error)
		if err != nil {
			return fmt.Errorf("encode error: %w", err)
		}
		errInfo = string(b)
	}
	return j.finish(ctx, id, outcome.Status, value, errInfo, stderr)
}

// Abort marks an execution failed without an outcome from the worker.
func (j *Journal) Abort(ctx context.Context, id string, cause error, stderr string) error {
	info := task.NewErrorInfo(task.KindChannel, cause)
	if info == nil {
		info = &task.ErrorInfo{Kind: task.KindChannel, Message: "execution aborted"}
	}
	b, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encode error: %w", err)
	}
	return j.finish(ctx, id, task.StatusFailure, nil, string(b), stderr)
}

func (j *Journal) finish(ctx context.Context, id, status string, value, errInfo any, stderr string) error {
	if id == "" {
		return fmt.Errorf("execution id is empty")
	}
	if len(stderr) > maxStderrBytes {
		stderr = stderr[:maxStderrBytes]
	}

	res, err := j.db.ExecContext(ctx, `
UPDATE executions
SET status = ?, completed_at = ?, value = ?, error = ?, stderr = ?
WHERE id = ? AND status = ?;
`, status, formatTime(time.Now()), value, errInfo, nullString(stderr), id, StatusRunning)
	if err != nil {
		return fmt.Errorf("complete execution %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete execution %s: %w", id, err)
	}
	if n == 0 {
		if _, err := j.Get(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("execution %s already completed", id)
	}
	return nil
}

const selectColumns = `id, script, checksum, pid, status, started_at, completed_at, error, value, stderr`

// Get returns one execution.
func (j *Journal) Get(ctx context.Context, id string) (*Entry, error) {
	row := j.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM executions WHERE id = ?;`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get execution %s: %w", id, err)
	}
	return e, nil
}

// List returns the most recent executions, newest first.
func (j *Journal) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	rows, err := j.db.QueryContext(ctx, `
SELECT `+selectColumns+`
FROM executions
ORDER BY started_at DESC, rowid DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	out := make([]Entry, 0, limit)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*Entry, error) {
	var (
		e            Entry
		checksum     sql.NullString
		pid          sql.NullInt64
		startedAtS   string
		completedAtS sql.NullString
		errInfo      sql.NullString
		value        sql.NullString
		stderr       sql.NullString
	)
	if err := s.Scan(&e.ID, &e.Script, &checksum, &pid, &e.Status, &startedAtS, &completedAtS, &errInfo, &value, &stderr); err != nil {
		return nil, err
	}

	e.Checksum = checksum.String
	e.PID = int(pid.Int64)
	e.Stderr = stderr.String
	if t, err := time.Parse(time.RFC3339Nano, startedAtS); err == nil {
		e.StartedAt = t
	}
	if completedAtS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, completedAtS.String); err == nil {
			e.CompletedAt = &t
		}
	}
	if errInfo.Valid && errInfo.String != "" {
		var info task.ErrorInfo
		if err := json.Unmarshal([]byte(errInfo.String), &info); err != nil {
			return nil, fmt.Errorf("decode error column: %w", err)
		}
		e.Error = &info
	}
	if value.Valid && value.String != "" {
		e.Value = json.RawMessage(value.String)
	}
	return &e, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
