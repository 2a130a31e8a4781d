package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
)

// ErrUnknownKind is returned when no route is configured for a task kind.
var ErrUnknownKind = errors.New("unknown task kind")

// Publisher hands a task message to the broker.
// Defined consumer-side per Go convention.
type Publisher interface {
	Publish(ctx context.Context, route Route, msg *Message) error
}

// Recorder keeps a bookkeeping row for submitted tasks.
// DiscardSubmitted drops the row of a task whose publish failed.
type Recorder interface {
	RecordSubmitted(msg *Message, kind string) error
	DiscardSubmitted(taskID string) error
}

// Submitter turns client requests into published task messages.
type Submitter struct {
	publisher Publisher
	recorder  Recorder
	routes    map[string]Route
	logger    *slog.Logger
}

// NewSubmitter creates a Submitter. recorder may be nil to skip bookkeeping.
func NewSubmitter(pub Publisher, recorder Recorder, routes map[string]Route, logger *slog.Logger) *Submitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Submitter{
		publisher: pub,
		recorder:  recorder,
		routes:    routes,
		logger:    logger.With("component", "submitter"),
	}
}

// Kinds returns the configured task kinds in lexical order.
func (s *Submitter) Kinds() []string {
	kinds := make([]string, 0, len(s.routes))
	for k := range s.routes {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Submit builds a message for kind, records it and publishes it.
// The row is written before publishing so a worker's result can always
// complete it. Publish errors are returned unchanged so callers can tell an
// unavailable broker apart from a failed round trip.
func (s *Submitter) Submit(ctx context.Context, kind, userID string, payload json.RawMessage) (*Message, error) {
	route, ok := s.routes[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	msg := NewMessage(userID, payload)

	recorded := false
	if s.recorder != nil {
		if err := s.recorder.RecordSubmitted(msg, kind); err != nil {
			s.logger.Warn("failed to record submitted task",
				"task_id", msg.TaskID,
				"error", err)
		} else {
			recorded = true
		}
	}

	if err := s.publisher.Publish(ctx, route, msg); err != nil {
		s.logger.Error("task publish failed",
			"task_id", msg.TaskID,
			"kind", kind,
			"error", err)
		if recorded {
			if derr := s.recorder.DiscardSubmitted(msg.TaskID); derr != nil {
				s.logger.Warn("failed to discard unpublished task",
					"task_id", msg.TaskID,
					"error", derr)
			}
		}
		return nil, err
	}

	s.logger.Info("task submitted",
		"task_id", msg.TaskID,
		"user_id", userID,
		"kind", kind,
		"routing_key", route.RoutingKey)

	return msg, nil
}
