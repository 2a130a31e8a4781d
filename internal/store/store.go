package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a task or progress row does not exist.
var ErrNotFound = errors.New("not found")

// StatusSubmitted marks a task published to the broker with no result yet.
const StatusSubmitted = "submitted"

// Store is the bookkeeping interface for courier.
// Defined at the consumer side per Go conventions.
type Store interface {
	// Tasks
	CreateTask(t *TaskRecord) error
	GetTask(id string) (*TaskRecord, error)
	CompleteTask(id, status, errorMessage string, completedAt time.Time) error
	ListTasks(f TaskFilter) ([]TaskRecord, error)

	// Progress
	UpsertProgress(p *ProgressRecord) error
	GetProgress(requestID string) (*ProgressRecord, error)

	// Maintenance
	Cleanup(before time.Time) (int64, error)
	Close() error
}

// TaskRecord is a task courier published, and its outcome once a result arrives.
type TaskRecord struct {
	ID           string
	UserID       string
	Kind         string
	Payload      string
	Status       string
	ErrorMessage string
	CreatedAt    time.Time
	CompletedAt  time.Time
}

// TaskFilter specifies criteria for listing tasks.
type TaskFilter struct {
	UserID string
	Status string
	Limit  int
	Since  time.Time
}

// ProgressRecord is the latest progress reported for a request.
type ProgressRecord struct {
	RequestID  string
	TaskID     string
	UserID     string
	Progress   float64
	TotalAds   int
	CurrentAds int
	Status     string
	Message    string
	UpdatedAt  time.Time
}
