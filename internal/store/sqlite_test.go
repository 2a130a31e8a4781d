package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btouchard/courier/internal/task"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore_Migration_CreatesTablesAndVersion(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	var version int
	err := s.db.QueryRow("SELECT MAX(version) FROM schema_version").Scan(&version)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), version)

	for _, table := range []string{"tasks", "task_progress"} {
		var name string
		err := s.db.QueryRow("SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&name)
		require.NoError(t, err, "table %s", table)
	}
}

func TestSQLiteStore_Ping(t *testing.T) {
	t.Parallel()

	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Ping())

	require.NoError(t, s.Close())
	assert.Error(t, s.Ping())
}

func TestSQLiteStore_Migration_IsRerunnable(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "courier.db")
	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	var count int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&count))
	assert.Equal(t, len(migrations), count)
}

func TestSQLiteStore_CreateAndGetTask(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	now := time.Now().UTC().Truncate(time.Millisecond)
	rec := &TaskRecord{
		ID:        "T1",
		UserID:    "U1",
		Kind:      "crawl",
		Payload:   `{"url":"https://example.com"}`,
		Status:    StatusSubmitted,
		CreatedAt: now,
	}
	require.NoError(t, s.CreateTask(rec))

	got, err := s.GetTask("T1")
	require.NoError(t, err)
	assert.Equal(t, "U1", got.UserID)
	assert.Equal(t, "crawl", got.Kind)
	assert.JSONEq(t, `{"url":"https://example.com"}`, got.Payload)
	assert.Equal(t, StatusSubmitted, got.Status)
	assert.True(t, now.Equal(got.CreatedAt))
	assert.True(t, got.CompletedAt.IsZero())
}

func TestSQLiteStore_GetTask_NotFound(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	_, err := s.GetTask("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_RecordSubmitted(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	msg := task.NewMessage("U1", json.RawMessage(`{"title":"bike"}`))
	require.NoError(t, s.RecordSubmitted(msg, "ai_title"))

	got, err := s.GetTask(msg.TaskID)
	require.NoError(t, err)
	assert.Equal(t, "ai_title", got.Kind)
	assert.Equal(t, StatusSubmitted, got.Status)
	assert.JSONEq(t, `{"title":"bike"}`, got.Payload)
}

func TestSQLiteStore_RecordSubmitted_KeepsCompletedRow(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	msg := task.NewMessage("U1", nil)
	require.NoError(t, s.RecordSubmitted(msg, "crawl"))
	require.NoError(t, s.CompleteTask(msg.TaskID, "success", "", time.Now()))
	require.NoError(t, s.RecordSubmitted(msg, "crawl"))

	got, err := s.GetTask(msg.TaskID)
	require.NoError(t, err)
	assert.Equal(t, "success", got.Status)
}

func TestSQLiteStore_DiscardSubmitted(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	pending := task.NewMessage("U1", nil)
	done := task.NewMessage("U1", nil)
	require.NoError(t, s.RecordSubmitted(pending, "crawl"))
	require.NoError(t, s.RecordSubmitted(done, "crawl"))
	require.NoError(t, s.CompleteTask(done.TaskID, "success", "", time.Now()))

	require.NoError(t, s.DiscardSubmitted(pending.TaskID))
	require.NoError(t, s.DiscardSubmitted(done.TaskID))
	require.NoError(t, s.DiscardSubmitted("ghost"))

	_, err := s.GetTask(pending.TaskID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetTask(done.TaskID)
	assert.NoError(t, err)
}

func TestSQLiteStore_CompleteTask(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	require.NoError(t, s.CreateTask(&TaskRecord{ID: "T1", UserID: "U1", Kind: "crawl", Status: StatusSubmitted, CreatedAt: time.Now()}))

	done := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.CompleteTask("T1", "error", "worker crashed", done))

	got, err := s.GetTask("T1")
	require.NoError(t, err)
	assert.Equal(t, "error", got.Status)
	assert.Equal(t, "worker crashed", got.ErrorMessage)
	assert.True(t, done.Equal(got.CompletedAt))
}

func TestSQLiteStore_CompleteTask_UnknownTask(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	err := s.CompleteTask("ghost", "success", "", time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_ListTasks_FilterByUserAndStatus(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	now := time.Now()
	require.NoError(t, s.CreateTask(&TaskRecord{ID: "a", UserID: "U1", Kind: "crawl", Status: StatusSubmitted, CreatedAt: now}))
	require.NoError(t, s.CreateTask(&TaskRecord{ID: "b", UserID: "U1", Kind: "crawl", Status: "success", CreatedAt: now.Add(time.Second)}))
	require.NoError(t, s.CreateTask(&TaskRecord{ID: "c", UserID: "U2", Kind: "crawl", Status: StatusSubmitted, CreatedAt: now}))

	tasks, err := s.ListTasks(TaskFilter{UserID: "U1"})
	require.NoError(t, err)
	assert.Len(t, tasks, 2)

	tasks, err = s.ListTasks(TaskFilter{UserID: "U1", Status: StatusSubmitted})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "a", tasks[0].ID)

	tasks, err = s.ListTasks(TaskFilter{Status: "all"})
	require.NoError(t, err)
	assert.Len(t, tasks, 3)
}

func TestSQLiteStore_ListTasks_OrderAndLimit(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "mid", "new"} {
		require.NoError(t, s.CreateTask(&TaskRecord{
			ID: id, UserID: "U1", Kind: "crawl", Status: StatusSubmitted,
			CreatedAt: base.Add(time.Duration(i) * 500 * time.Millisecond),
		}))
	}

	tasks, err := s.ListTasks(TaskFilter{UserID: "U1", Limit: 2})
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "new", tasks[0].ID)
	assert.Equal(t, "mid", tasks[1].ID)

	tasks, err = s.ListTasks(TaskFilter{Since: base.Add(time.Second)})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "new", tasks[0].ID)
}

func TestSQLiteStore_UpsertProgress_KeepsLatest(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	require.NoError(t, s.UpsertProgress(&ProgressRecord{
		RequestID: "R1", TaskID: "T1", UserID: "U1",
		Progress: 10, TotalAds: 100, CurrentAds: 10,
		Status: "in_progress", Message: "crawling",
	}))
	require.NoError(t, s.UpsertProgress(&ProgressRecord{
		RequestID: "R1", TaskID: "T1", UserID: "U1",
		Progress: 100, TotalAds: 100, CurrentAds: 100,
		Status: "completed", Message: "done",
	}))

	got, err := s.GetProgress("R1")
	require.NoError(t, err)
	assert.InDelta(t, 100.0, got.Progress, 0.001)
	assert.Equal(t, 100, got.CurrentAds)
	assert.Equal(t, "completed", got.Status)
	assert.Equal(t, "done", got.Message)
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestSQLiteStore_GetProgress_NotFound(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	_, err := s.GetProgress("R-missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_Cleanup_RemovesStaleRows(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	old := time.Now().Add(-48 * time.Hour)
	recent := time.Now()

	require.NoError(t, s.CreateTask(&TaskRecord{ID: "done-old", UserID: "U1", Kind: "crawl", Status: "success", CreatedAt: old, CompletedAt: old}))
	require.NoError(t, s.CreateTask(&TaskRecord{ID: "pending-old", UserID: "U1", Kind: "crawl", Status: StatusSubmitted, CreatedAt: old}))
	require.NoError(t, s.CreateTask(&TaskRecord{ID: "done-new", UserID: "U1", Kind: "crawl", Status: "success", CreatedAt: recent, CompletedAt: recent}))
	require.NoError(t, s.CreateTask(&TaskRecord{ID: "pending-new", UserID: "U1", Kind: "crawl", Status: StatusSubmitted, CreatedAt: recent}))
	require.NoError(t, s.UpsertProgress(&ProgressRecord{RequestID: "R-old", UpdatedAt: old}))
	require.NoError(t, s.UpsertProgress(&ProgressRecord{RequestID: "R-new", UpdatedAt: recent}))

	removed, err := s.Cleanup(time.Now().Add(-24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)

	_, err = s.GetTask("done-old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetTask("pending-old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetTask("done-new")
	assert.NoError(t, err)
	_, err = s.GetTask("pending-new")
	assert.NoError(t, err)
	_, err = s.GetProgress("R-old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetProgress("R-new")
	assert.NoError(t, err)
}

func TestNewSQLiteStore_SetsFilePermissions(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "subdir", "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	dirInfo, err := os.Stat(filepath.Join(dir, "subdir"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0700), dirInfo.Mode().Perm(), "directory should be 0700")

	fileInfo, err := os.Stat(dbPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), fileInfo.Mode().Perm(), "database file should be 0600")
}

func TestNewSQLiteStore_FixesLoosePermissions(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "loose.db")
	require.NoError(t, os.WriteFile(dbPath, nil, 0644))
	require.NoError(t, os.Chmod(dbPath, 0644))

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	info, err := os.Stat(dbPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm(), "permissions should be tightened to 0600")
}
