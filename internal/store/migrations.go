package store

// migrations are applied in order; the index+1 is the schema version.
var migrations = []string{
	`CREATE TABLE tasks (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL,
		error_message TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		completed_at TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX idx_tasks_user_created ON tasks (user_id, created_at);
	CREATE INDEX idx_tasks_status ON tasks (status);`,

	`CREATE TABLE task_progress (
		request_id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL DEFAULT '',
		progress REAL NOT NULL DEFAULT 0,
		total_ads INTEGER NOT NULL DEFAULT 0,
		current_ads INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL
	);`,
}
