package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/btouchard/courier/internal/broker"
	"github.com/btouchard/courier/internal/jsoncodec"
	"github.com/btouchard/courier/internal/task"
)

const maxSubmitBody = 1 << 20

type submitRequest struct {
	UserID  string          `json:"user_id"`
	Payload json.RawMessage `json:"payload"`
}

type submitResponse struct {
	TaskID string       `json:"task_id"`
	Result *task.Result `json:"result,omitempty"`
}

// SubmitTask publishes a task of the {kind} path parameter.
// With ?wait=true it subscribes to the user's results before publishing
// and blocks until the task's result arrives or the wait times out.
func SubmitTask(sub TaskSubmitter, waiter ResultWaiter, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind := chi.URLParam(r, "kind")

		var req submitRequest
		if err := jsoncodec.Decode(http.MaxBytesReader(w, r.Body, maxSubmitBody), &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.UserID == "" {
			writeError(w, http.StatusBadRequest, "user_id is required")
			return
		}
		if string(req.Payload) == "null" {
			req.Payload = nil
		}
		if len(req.Payload) > 0 && !isJSONObject(req.Payload) {
			writeError(w, http.StatusBadRequest, "payload must be a JSON object")
			return
		}

		if r.URL.Query().Get("wait") != "true" {
			msg, err := sub.Submit(r.Context(), kind, req.UserID, req.Payload)
			if err != nil {
				writeSubmitError(w, err)
				return
			}
			writeData(w, http.StatusAccepted, submitResponse{TaskID: msg.TaskID})
			return
		}

		if waiter == nil {
			writeError(w, http.StatusServiceUnavailable, "synchronous wait is not available")
			return
		}

		subscription, err := waiter.Subscribe(r.Context(), req.UserID)
		if err != nil {
			logger.Error("subscribing for result", "user_id", req.UserID, "error", err)
			writeSubmitError(w, err)
			return
		}
		defer func() { _ = subscription.Close() }()

		msg, err := sub.Submit(r.Context(), kind, req.UserID, req.Payload)
		if err != nil {
			writeSubmitError(w, err)
			return
		}

		result, err := subscription.Await(r.Context(), msg.TaskID)
		switch {
		case err == nil:
			writeData(w, http.StatusOK, submitResponse{TaskID: msg.TaskID, Result: result})
		case errors.Is(err, broker.ErrWaitTimeout):
			writeJSON(w, http.StatusGatewayTimeout, envelope{
				Status:  "error",
				Message: "timed out waiting for task result",
				Data:    submitResponse{TaskID: msg.TaskID},
			})
		default:
			logger.Warn("waiting for result", "task_id", msg.TaskID, "error", err)
			writeJSON(w, http.StatusBadGateway, envelope{
				Status:  "error",
				Message: fmt.Sprintf("waiting for result: %v", err),
				Data:    submitResponse{TaskID: msg.TaskID},
			})
		}
	}
}

func writeSubmitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, task.ErrUnknownKind):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, broker.ErrPublisherUnavailable), errors.Is(err, broker.ErrWaiterUnavailable):
		writeError(w, http.StatusServiceUnavailable, "message broker unavailable")
	default:
		writeError(w, http.StatusBadGateway, "failed to send task to queue")
	}
}

func isJSONObject(raw json.RawMessage) bool {
	var obj map[string]any
	return jsoncodec.Unmarshal(raw, &obj) == nil && obj != nil
}

// ListKinds returns the task kinds that can be submitted.
func ListKinds(sub TaskSubmitter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeData(w, http.StatusOK, map[string][]string{"kinds": sub.Kinds()})
	}
}
