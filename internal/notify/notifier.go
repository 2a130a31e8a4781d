// Package notify turns broker deliveries into frames for live client
// connections, and keeps task bookkeeping in step with worker replies.
package notify

import (
	"errors"
	"time"

	"github.com/btouchard/courier/internal/store"
)

var (
	// ErrMissingUserID is returned for a result that names no user.
	ErrMissingUserID = errors.New("result has no user_id")
	// ErrMissingRequestID is returned for a progress update that names no request.
	ErrMissingRequestID = errors.New("progress update has no request_id")
)

// Sender fans frames out to live connections. *hub.Registry satisfies it.
// Defined consumer-side per Go convention.
type Sender interface {
	SendToUser(userID string, msg []byte) int
	SendToRequest(requestID string, msg []byte) int
	HasRequestSubscribers(requestID string) bool
}

// TaskCompleter records a task's final status.
type TaskCompleter interface {
	CompleteTask(id, status, errorMessage string, completedAt time.Time) error
}

// ProgressWriter stores the latest progress of a request.
type ProgressWriter interface {
	UpsertProgress(p *store.ProgressRecord) error
}
