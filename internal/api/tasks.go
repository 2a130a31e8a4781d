package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/btouchard/courier/internal/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type taskView struct {
	TaskID       string          `json:"task_id"`
	UserID       string          `json:"user_id"`
	Kind         string          `json:"kind"`
	Payload      json.RawMessage `json:"payload"`
	Status       string          `json:"status"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

func newTaskView(t *store.TaskRecord) taskView {
	v := taskView{
		TaskID:       t.ID,
		UserID:       t.UserID,
		Kind:         t.Kind,
		Payload:      json.RawMessage(t.Payload),
		Status:       t.Status,
		ErrorMessage: t.ErrorMessage,
		CreatedAt:    t.CreatedAt,
	}
	if !t.CompletedAt.IsZero() {
		completed := t.CompletedAt
		v.CompletedAt = &completed
	}
	return v
}

// GetTask returns the bookkeeping row of {taskID}.
func GetTask(tasks TaskReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := tasks.GetTask(chi.URLParam(r, "taskID"))
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to read task")
			return
		}
		writeData(w, http.StatusOK, newTaskView(t))
	}
}

// ListTasks lists a user's tasks, newest first.
// Query: user_id (required), status, limit.
func ListTasks(tasks TaskReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		userID := q.Get("user_id")
		if userID == "" {
			writeError(w, http.StatusBadRequest, "user_id is required")
			return
		}

		limit := defaultListLimit
		if raw := q.Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				writeError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = min(n, maxListLimit)
		}

		records, err := tasks.ListTasks(store.TaskFilter{
			UserID: userID,
			Status: q.Get("status"),
			Limit:  limit,
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to list tasks")
			return
		}

		views := make([]taskView, 0, len(records))
		for i := range records {
			views = append(views, newTaskView(&records[i]))
		}
		writeData(w, http.StatusOK, map[string]any{"tasks": views})
	}
}
