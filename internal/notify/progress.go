package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/btouchard/courier/internal/store"
	"github.com/btouchard/courier/internal/task"
)

// ProgressDispatcher stores progress updates and forwards them to the
// connections bound to the update's request. It implements broker.Handler.
type ProgressDispatcher struct {
	sender   Sender
	progress ProgressWriter
	logger   *slog.Logger
}

// NewProgressDispatcher creates a ProgressDispatcher. progress may be nil.
func NewProgressDispatcher(sender Sender, progress ProgressWriter, logger *slog.Logger) *ProgressDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProgressDispatcher{
		sender:   sender,
		progress: progress,
		logger:   logger.With("component", "progress_dispatcher"),
	}
}

// HandleDelivery writes the update through to storage, then sends the body,
// unmodified, to the request's subscribers if any are connected.
func (p *ProgressDispatcher) HandleDelivery(_ context.Context, d amqp.Delivery) error {
	update, err := task.DecodeProgress(d.Body)
	if err != nil {
		return err
	}

	requestID := update.RequestID
	if requestID == "" {
		env, err := task.DecodeEnvelope(d.Body)
		if err == nil {
			requestID = env.RequestID
		}
	}
	if requestID == "" {
		return fmt.Errorf("task %s: %w", update.TaskID, ErrMissingRequestID)
	}

	p.store(requestID, update)

	if !p.sender.HasRequestSubscribers(requestID) {
		p.logger.Debug("no live subscribers, progress kept in storage",
			"request_id", requestID,
			"task_id", update.TaskID)
		return nil
	}

	delivered := p.sender.SendToRequest(requestID, d.Body)
	p.logger.Debug("progress forwarded",
		"request_id", requestID,
		"task_id", update.TaskID,
		"progress", update.Progress,
		"connections", delivered)
	return nil
}

func (p *ProgressDispatcher) store(requestID string, update *task.Progress) {
	if p.progress == nil {
		return
	}

	updatedAt := time.Now().UTC()
	if ts, err := time.Parse(time.RFC3339, update.Timestamp); err == nil {
		updatedAt = ts
	}

	err := p.progress.UpsertProgress(&store.ProgressRecord{
		RequestID:  requestID,
		TaskID:     update.TaskID,
		UserID:     update.UserID,
		Progress:   update.Progress,
		TotalAds:   update.TotalAds,
		CurrentAds: update.CurrentAds,
		Status:     string(update.Status),
		Message:    update.Message,
		UpdatedAt:  updatedAt,
	})
	if err != nil {
		p.logger.Warn("storing progress failed",
			"request_id", requestID,
			"error", err)
	}
}
