package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/btouchard/courier/internal/task"
)

const (
	// Fixed-width UTC timestamps so text comparison orders correctly.
	timeFormat = "2006-01-02T15:04:05.000000000Z07:00"
	memoryPath = ":memory:"
)

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, zero CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database and runs migrations.
// The database file is created with 0600 permissions and its parent directory with 0700.
// The special path ":memory:" opens a private in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path != memoryPath {
		if err := prepareFile(path); err != nil {
			return nil, err
		}
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite handles one writer at a time
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

func prepareFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating database directory: %w", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			return fmt.Errorf("creating database file: %w", err)
		}
		_ = f.Close()
		return nil
	}

	if err := os.Chmod(path, 0600); err != nil {
		return fmt.Errorf("restricting database file permissions: %w", err)
	}
	return nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	var current int
	row := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for i := current; i < len(migrations); i++ {
		slog.Info("applying migration", "version", i+1)
		if _, err := s.db.Exec(migrations[i]); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("recording migration %d: %w", i+1, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *SQLiteStore) Ping() error {
	return s.db.Ping()
}

// --- Tasks ---

func (s *SQLiteStore) CreateTask(t *TaskRecord) error {
	payload := t.Payload
	if payload == "" {
		payload = "{}"
	}
	_, err := s.db.Exec(`INSERT INTO tasks (id, user_id, kind, payload, status, error_message, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.Kind, payload, t.Status, t.ErrorMessage,
		formatTime(t.CreatedAt), formatTime(t.CompletedAt))
	if err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}
	return nil
}

// RecordSubmitted stores a task message about to be published. Recording
// an id twice keeps the first row, so a result already written is never
// reset to submitted.
func (s *SQLiteStore) RecordSubmitted(msg *task.Message, kind string) error {
	payload := string(msg.Payload)
	if payload == "" {
		payload = "{}"
	}
	_, err := s.db.Exec(`INSERT INTO tasks (id, user_id, kind, payload, status, error_message, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, '', ?, '')
		ON CONFLICT(id) DO NOTHING`,
		msg.TaskID, msg.UserID, kind, payload, StatusSubmitted, formatTime(msg.CreatedAt))
	if err != nil {
		return fmt.Errorf("recording submitted task: %w", err)
	}
	return nil
}

// DiscardSubmitted deletes the row of a task whose publish failed.
// Rows that already hold a result are left alone.
func (s *SQLiteStore) DiscardSubmitted(id string) error {
	_, err := s.db.Exec("DELETE FROM tasks WHERE id = ? AND status = ?", id, StatusSubmitted)
	if err != nil {
		return fmt.Errorf("discarding task %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) GetTask(id string) (*TaskRecord, error) {
	row := s.db.QueryRow(`SELECT id, user_id, kind, payload, status, error_message, created_at, completed_at
		FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// CompleteTask records a worker result. An unknown id returns ErrNotFound:
// results may arrive for tasks another courier instance published.
func (s *SQLiteStore) CompleteTask(id, status, errorMessage string, completedAt time.Time) error {
	res, err := s.db.Exec(`UPDATE tasks SET status = ?, error_message = ?, completed_at = ? WHERE id = ?`,
		status, errorMessage, formatTime(completedAt), id)
	if err != nil {
		return fmt.Errorf("completing task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("completing task: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("completing task %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) ListTasks(f TaskFilter) ([]TaskRecord, error) {
	query := "SELECT id, user_id, kind, payload, status, error_message, created_at, completed_at FROM tasks WHERE 1=1"
	var args []interface{}

	if f.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, f.UserID)
	}
	if f.Status != "" && f.Status != "all" {
		query += " AND status = ?"
		args = append(args, f.Status)
	}
	if !f.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, formatTime(f.Since))
	}

	query += " ORDER BY created_at DESC"

	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []TaskRecord
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// --- Progress ---

// UpsertProgress replaces the stored progress of p.RequestID.
func (s *SQLiteStore) UpsertProgress(p *ProgressRecord) error {
	updatedAt := p.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`INSERT INTO task_progress
		(request_id, task_id, user_id, progress, total_ads, current_ads, status, message, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(request_id) DO UPDATE SET
			task_id = excluded.task_id,
			user_id = excluded.user_id,
			progress = excluded.progress,
			total_ads = excluded.total_ads,
			current_ads = excluded.current_ads,
			status = excluded.status,
			message = excluded.message,
			updated_at = excluded.updated_at`,
		p.RequestID, p.TaskID, p.UserID, p.Progress, p.TotalAds, p.CurrentAds,
		p.Status, p.Message, formatTime(updatedAt))
	if err != nil {
		return fmt.Errorf("upserting progress: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetProgress(requestID string) (*ProgressRecord, error) {
	var p ProgressRecord
	var updatedAt string

	err := s.db.QueryRow(`SELECT request_id, task_id, user_id, progress, total_ads, current_ads, status, message, updated_at
		FROM task_progress WHERE request_id = ?`, requestID).
		Scan(&p.RequestID, &p.TaskID, &p.UserID, &p.Progress, &p.TotalAds, &p.CurrentAds,
			&p.Status, &p.Message, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("progress for %s: %w", requestID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting progress: %w", err)
	}

	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

// --- Maintenance ---

// Cleanup deletes tasks completed before before, tasks submitted before
// before that never got a result, and progress rows last touched before
// before. It returns the number of rows removed.
func (s *SQLiteStore) Cleanup(before time.Time) (int64, error) {
	cutoff := formatTime(before)

	res, err := s.db.Exec(`DELETE FROM tasks
		WHERE (completed_at != '' AND completed_at < ?)
		   OR (completed_at = '' AND created_at < ?)`, cutoff, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleaning tasks: %w", err)
	}
	tasks, _ := res.RowsAffected()

	res, err = s.db.Exec("DELETE FROM task_progress WHERE updated_at < ?", cutoff)
	if err != nil {
		return tasks, fmt.Errorf("cleaning progress: %w", err)
	}
	progress, _ := res.RowsAffected()

	return tasks + progress, nil
}

// --- Helpers ---

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*TaskRecord, error) {
	var t TaskRecord
	var createdAt, completedAt string

	err := row.Scan(&t.ID, &t.UserID, &t.Kind, &t.Payload, &t.Status, &t.ErrorMessage,
		&createdAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scanning task: %w", err)
	}

	t.CreatedAt = parseTime(createdAt)
	t.CompletedAt = parseTime(completedAt)

	return &t, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(timeFormat, s)
	return t
}
