// Package builds records builds and their test results in SQLite.
package builds

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const maxErrorBytes = 64 * 1024

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create records a running build and returns its ID.
func (s *Store) Create(ctx context.Context, req CreateRequest) (string, error) {
	if len(req.Classes) == 0 {
		return "", fmt.Errorf("no test classes requested")
	}
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	classes, err := json.Marshal(req.Classes)
	if err != nil {
		return "", fmt.Errorf("marshal classes: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	_, err = s.db.ExecContext(ctx, `
INSERT INTO build_log(id, status, classes, log_level, max_workers, created_at)
VALUES(?, ?, ?, ?, ?, ?);
`, id, StatusRunning, string(classes), req.LogLevel, req.MaxWorkers, now)
	if err != nil {
		return "", fmt.Errorf("create build: %w", err)
	}
	return id, nil
}

// Complete records the outcome of a running build.
func (s *Store) Complete(ctx context.Context, id string, status Status, counts Counts, lastError *string) error {
	if lastError != nil && len(*lastError) > maxErrorBytes {
		truncated := (*lastError)[:maxErrorBytes]
		lastError = &truncated
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `
UPDATE build_log
SET status = ?, tests = ?, passed = ?, failed = ?, skipped = ?, completed_at = ?, last_error = ?
WHERE id = ? AND status = ?;
`, status, counts.Tests, counts.Passed, counts.Failed, counts.Skipped, now, lastError, id, StatusRunning)
	if err != nil {
		return fmt.Errorf("complete build: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete build: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("complete build %s: %w", id, ErrBuildNotFound)
	}
	return nil
}

// Get returns one build.
func (s *Store) Get(ctx context.Context, id string) (*Build, error) {
	row := s.db.QueryRowContext(ctx, selectBuild+` WHERE id = ?;`, id)
	b, err := scanBuild(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBuildNotFound
	}
	return b, err
}

// Recent returns up to limit builds, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]*Build, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, selectBuild+` ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("list builds: %w", err)
	}
	defer rows.Close()

	var out []*Build
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Count returns the number of recorded builds.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM build_log;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count builds: %w", err)
	}
	return n, nil
}

// MarkInterrupted closes out builds left running by a daemon that died.
func (s *Store) MarkInterrupted(ctx context.Context) (int, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `
UPDATE build_log SET status = ?, completed_at = ?, last_error = ?
WHERE status = ?;
`, StatusInterrupted, now, "daemon exited before the build finished", StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("mark interrupted builds: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// TestRecord is one finished test.
type TestRecord struct {
	BuildID   string
	TestID    string
	Class     string
	Name      string
	Worker    string
	Result    string
	StartedAt time.Time
	EndedAt   time.Time
	Failure   string
}

// RecordTest stores a finished test.
func (s *Store) RecordTest(ctx context.Context, r TestRecord) error {
	var failure any
	if r.Failure != "" {
		failure = r.Failure
	}
	_, err := s.db.ExecContext(ctx, `
INSERT OR REPLACE INTO test_result(build_id, test_id, class, name, worker, result, started_at, ended_at, failure)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);
`, r.BuildID, r.TestID, r.Class, r.Name, r.Worker, r.Result,
		r.StartedAt.UTC().Format(time.RFC3339Nano), r.EndedAt.UTC().Format(time.RFC3339Nano), failure)
	if err != nil {
		return fmt.Errorf("record test %s: %w", r.TestID, err)
	}
	return nil
}

// Tests returns the recorded tests of a build, ordered by start time.
func (s *Store) Tests(ctx context.Context, buildID string) ([]TestRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT build_id, test_id, class, name, worker, result, started_at, ended_at, failure
FROM test_result WHERE build_id = ? ORDER BY started_at ASC, rowid ASC;
`, buildID)
	if err != nil {
		return nil, fmt.Errorf("list tests: %w", err)
	}
	defer rows.Close()

	var out []TestRecord
	for rows.Next() {
		var (
			r                TestRecord
			worker, failure  sql.NullString
			startedS, endedS string
		)
		if err := rows.Scan(&r.BuildID, &r.TestID, &r.Class, &r.Name, &worker, &r.Result, &startedS, &endedS, &failure); err != nil {
			return nil, fmt.Errorf("scan test: %w", err)
		}
		r.Worker = worker.String
		r.Failure = failure.String
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, startedS)
		r.EndedAt, _ = time.Parse(time.RFC3339Nano, endedS)
		out = append(out, r)
	}
	return out, rows.Err()
}

const selectBuild = `
SELECT id, status, classes, log_level, max_workers, tests, passed, failed, skipped,
  created_at, completed_at, last_error
FROM build_log`

type scanner interface {
	Scan(dest ...any) error
}

func scanBuild(row scanner) (*Build, error) {
	var (
		b            Build
		statusS      string
		classesS     string
		createdAtS   string
		completedAtS sql.NullString
		lastError    sql.NullString
	)
	err := row.Scan(&b.ID, &statusS, &classesS, &b.LogLevel, &b.MaxWorkers,
		&b.Counts.Tests, &b.Counts.Passed, &b.Counts.Failed, &b.Counts.Skipped,
		&createdAtS, &completedAtS, &lastError)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan build: %w", err)
	}

	b.Status = Status(statusS)
	if err := json.Unmarshal([]byte(classesS), &b.Classes); err != nil {
		return nil, fmt.Errorf("decode classes of build %s: %w", b.ID, err)
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAtS); err == nil {
		b.CreatedAt = t
	}
	if completedAtS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, completedAtS.String); err == nil {
			b.CompletedAt = &t
		}
	}
	if lastError.Valid {
		b.LastError = &lastError.String
	}
	return &b, nil
}
