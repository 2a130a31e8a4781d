package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/btouchard/courier/internal/store"
	"github.com/btouchard/courier/internal/task"
)

// ResultDispatcher forwards worker results to every live connection of the
// owning user. It implements broker.Handler.
type ResultDispatcher struct {
	sender Sender
	tasks  TaskCompleter
	logger *slog.Logger
}

// NewResultDispatcher creates a ResultDispatcher. tasks may be nil.
func NewResultDispatcher(sender Sender, tasks TaskCompleter, logger *slog.Logger) *ResultDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResultDispatcher{
		sender: sender,
		tasks:  tasks,
		logger: logger.With("component", "result_dispatcher"),
	}
}

// HandleDelivery sends the body, unmodified, to the result's user.
// Results without a user are dropped, never broadcast.
func (r *ResultDispatcher) HandleDelivery(_ context.Context, d amqp.Delivery) error {
	env, err := task.DecodeEnvelope(d.Body)
	if err != nil {
		return err
	}
	if env.UserID == "" {
		return fmt.Errorf("task %s: %w", env.TaskID, ErrMissingUserID)
	}

	delivered := r.sender.SendToUser(env.UserID, d.Body)
	r.logger.Info("result forwarded",
		"task_id", env.TaskID,
		"user_id", env.UserID,
		"routing_key", d.RoutingKey,
		"connections", delivered)

	r.complete(env, d.Body)
	return nil
}

// complete updates bookkeeping. Failures are logged and never affect delivery.
func (r *ResultDispatcher) complete(env task.Envelope, body []byte) {
	if r.tasks == nil || env.TaskID == "" {
		return
	}

	result, err := task.DecodeResult(body)
	if err != nil {
		r.logger.Debug("result body not recorded", "task_id", env.TaskID, "error", err)
		return
	}

	status := string(result.Status)
	if status == "" {
		status = string(task.StatusCompleted)
	}
	var errMsg string
	if result.ErrorMessage != nil {
		errMsg = *result.ErrorMessage
	}
	completedAt := result.CompletedAt
	if completedAt.IsZero() {
		completedAt = time.Now().UTC()
	}

	err = r.tasks.CompleteTask(env.TaskID, status, errMsg, completedAt)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		r.logger.Debug("result for untracked task", "task_id", env.TaskID)
	default:
		r.logger.Warn("recording result failed", "task_id", env.TaskID, "error", err)
	}
}
