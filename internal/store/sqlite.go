package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/repoflow/repoflow/internal/repourl"
	"github.com/repoflow/repoflow/pkg/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	id          TEXT PRIMARY KEY,
	repo_url    TEXT NOT NULL,
	repo_key    TEXT NOT NULL,
	status      TEXT NOT NULL,
	progress    TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL DEFAULT '',
	branch      TEXT NOT NULL DEFAULT '',
	pr_ref      TEXT NOT NULL DEFAULT '',
	started_at  TEXT NOT NULL,
	ended_at    TEXT
);
CREATE INDEX IF NOT EXISTS idx_tasks_repo_key ON tasks(repo_key);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
`

// sqliteTaskStore implements TaskStore on an embedded SQLite database.
type sqliteTaskStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a TaskStore backed by a SQLite database at the given
// path (":memory:" for an in-memory database). The schema is applied on open.
func NewSQLiteStore(path string) (TaskStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite store: path required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &sqliteTaskStore{db: db}, nil
}

func (s *sqliteTaskStore) Create(ctx context.Context, record models.TaskRecord) error {
	if record.ID == "" {
		return fmt.Errorf("creating task: ID must not be empty")
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, repo_url, repo_key, status, progress, error, branch, pr_ref, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.RepoURL,
		repourl.Normalize(record.RepoURL),
		string(record.Status),
		record.Progress,
		record.Error,
		record.Branch,
		record.PRRef,
		record.StartedAt.UTC().Format(time.RFC3339Nano),
		nullableTime(record.EndedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("creating task %s: %w", record.ID, ErrAlreadyExists)
		}
		return fmt.Errorf("creating task %s: %w", record.ID, err)
	}
	return nil
}

func (s *sqliteTaskStore) Get(ctx context.Context, taskID string) (*models.TaskRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, repo_url, status, progress, error, branch, pr_ref, started_at, ended_at
		 FROM tasks WHERE id = ?`, taskID)

	record, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("getting task %s: %w", taskID, ErrNotFound)
		}
		return nil, fmt.Errorf("getting task %s: %w", taskID, err)
	}
	return record, nil
}

func (s *sqliteTaskStore) Update(ctx context.Context, taskID string, update models.StatusUpdate) (*models.TaskRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("updating task %s: beginning transaction: %w", taskID, err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT id, repo_url, status, progress, error, branch, pr_ref, started_at, ended_at
		 FROM tasks WHERE id = ?`, taskID)
	record, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("updating task %s: %w", taskID, ErrNotFound)
		}
		return nil, fmt.Errorf("updating task %s: %w", taskID, err)
	}
	if record.Status.IsTerminal() {
		return nil, fmt.Errorf("updating task %s: %w", taskID, ErrTerminalTask)
	}

	update.Apply(record)

	_, err = tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, progress = ?, error = ?, branch = ?, pr_ref = ?, ended_at = ?
		 WHERE id = ?`,
		string(record.Status),
		record.Progress,
		record.Error,
		record.Branch,
		record.PRRef,
		nullableTime(record.EndedAt),
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("updating task %s: %w", taskID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("updating task %s: committing: %w", taskID, err)
	}
	return record, nil
}

func (s *sqliteTaskStore) ListAll(ctx context.Context) ([]models.TaskRecord, error) {
	return s.list(ctx,
		`SELECT id, repo_url, status, progress, error, branch, pr_ref, started_at, ended_at
		 FROM tasks ORDER BY started_at, id`)
}

func (s *sqliteTaskStore) ListByRepository(ctx context.Context, repoURL string) ([]models.TaskRecord, error) {
	return s.list(ctx,
		`SELECT id, repo_url, status, progress, error, branch, pr_ref, started_at, ended_at
		 FROM tasks WHERE repo_key = ? ORDER BY started_at, id`,
		repourl.Normalize(repoURL))
}

func (s *sqliteTaskStore) ListByStatus(ctx context.Context, status models.TaskStatus) ([]models.TaskRecord, error) {
	return s.list(ctx,
		`SELECT id, repo_url, status, progress, error, branch, pr_ref, started_at, ended_at
		 FROM tasks WHERE status = ? ORDER BY started_at, id`,
		string(status))
}

func (s *sqliteTaskStore) list(ctx context.Context, query string, args ...any) ([]models.TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()

	var result []models.TaskRecord
	for rows.Next() {
		record, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("listing tasks: %w", err)
		}
		result = append(result, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	return result, nil
}

func (s *sqliteTaskStore) Close() error {
	return s.db.Close()
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.TaskRecord, error) {
	var (
		record    models.TaskRecord
		status    string
		startedAt string
		endedAt   sql.NullString
	)
	err := row.Scan(&record.ID, &record.RepoURL, &status, &record.Progress,
		&record.Error, &record.Branch, &record.PRRef, &startedAt, &endedAt)
	if err != nil {
		return nil, err
	}

	record.Status = models.TaskStatus(status)
	record.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing started_at %q: %w", startedAt, err)
	}
	if endedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, endedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing ended_at %q: %w", endedAt.String, err)
		}
		record.EndedAt = &t
	}
	return &record, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// isUniqueViolation reports whether the error is a primary-key conflict.
// modernc.org/sqlite surfaces these as constraint errors with the standard
// SQLite message text.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
