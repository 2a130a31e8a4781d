package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/btouchard/courier/internal/task"
)

// DefaultWaitTimeout bounds how long a synchronous caller waits for a result.
const DefaultWaitTimeout = 30 * time.Second

var (
	// ErrWaiterUnavailable is returned when courier started without a broker connection.
	ErrWaiterUnavailable = errors.New("waiter unavailable: no broker connection")
	// ErrWaitTimeout is returned when no matching result arrived in time.
	ErrWaitTimeout = errors.New("timed out waiting for task result")
	// ErrStreamEnded is returned when the broker closed the result stream.
	ErrStreamEnded = errors.New("result stream ended")
)

// Notifier forwards a result body to a user's live connections.
type Notifier interface {
	SendToUser(userID string, msg []byte) int
}

// Waiter lets a caller block until the result of a specific task arrives
// on a private queue bound to result.<user_id>.
type Waiter struct {
	conn     Connection
	exchange string
	timeout  time.Duration
	notifier Notifier
	logger   *slog.Logger
}

// NewWaiter creates a Waiter. A non-positive timeout uses DefaultWaitTimeout.
func NewWaiter(conn Connection, exchange string, timeout time.Duration, notifier Notifier, logger *slog.Logger) *Waiter {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Waiter{
		conn:     conn,
		exchange: exchange,
		timeout:  timeout,
		notifier: notifier,
		logger:   logger.With("component", "waiter"),
	}
}

// Subscribe opens a private channel and an exclusive, auto-deleting queue
// bound to the user's result key. Subscribe before publishing so a fast
// result cannot be missed.
func (w *Waiter) Subscribe(ctx context.Context, userID string) (*Subscription, error) {
	if w.conn == nil {
		return nil, ErrWaiterUnavailable
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ch, err := w.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("opening channel: %w", err)
	}

	sub, err := w.subscribe(ch, userID)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}
	return sub, nil
}

func (w *Waiter) subscribe(ch Channel, userID string) (*Subscription, error) {
	if err := declareExchange(ch, w.exchange); err != nil {
		return nil, err
	}

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return nil, fmt.Errorf("declaring private queue: %w", err)
	}

	key := ResultKey(userID)
	if err := ch.QueueBind(q.Name, key, w.exchange, false, nil); err != nil {
		return nil, fmt.Errorf("binding private queue to %s: %w", key, err)
	}

	deliveries, err := ch.Consume(q.Name, "", false, true, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consuming private queue: %w", err)
	}

	w.logger.Debug("waiter subscribed", "user_id", userID, "queue", q.Name)
	return &Subscription{
		ch:         ch,
		deliveries: deliveries,
		userID:     userID,
		queue:      q.Name,
		timeout:    w.timeout,
		notifier:   w.notifier,
		logger:     w.logger,
	}, nil
}

// Await is Subscribe, Subscription.Await and Close in one call.
func (w *Waiter) Await(ctx context.Context, userID, taskID string) (*task.Result, error) {
	sub, err := w.Subscribe(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = sub.Close() }()
	return sub.Await(ctx, taskID)
}

// Subscription is one caller's private result stream.
type Subscription struct {
	ch         Channel
	deliveries <-chan amqp.Delivery
	userID     string
	queue      string
	timeout    time.Duration
	notifier   Notifier
	logger     *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// Queue returns the server-generated name of the private queue.
func (s *Subscription) Queue() string {
	return s.queue
}

// Await blocks until a result for taskID arrives, the timeout elapses, the
// stream ends or ctx is done. Results for other tasks are acked and skipped.
// The matching result is also forwarded to the user's live connections.
func (s *Subscription) Await(ctx context.Context, taskID string) (*task.Result, error) {
	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			s.logger.Warn("timed out waiting for result",
				"task_id", taskID,
				"user_id", s.userID,
				"timeout", s.timeout.String())
			return nil, ErrWaitTimeout
		case d, ok := <-s.deliveries:
			if !ok {
				return nil, ErrStreamEnded
			}
			_ = d.Ack(false)

			env, err := task.DecodeEnvelope(d.Body)
			if err != nil || env.TaskID != taskID {
				s.logger.Debug("skipping unrelated result",
					"task_id", env.TaskID,
					"waiting_for", taskID)
				continue
			}

			result, err := task.DecodeResult(d.Body)
			if err != nil {
				return nil, err
			}
			if result.TaskID == "" {
				result.TaskID = env.TaskID
			}
			if result.UserID == "" {
				result.UserID = env.UserID
			}
			if s.notifier != nil {
				s.notifier.SendToUser(s.userID, d.Body)
			}
			return result, nil
		}
	}
}

// Close closes the private channel, which removes the private queue.
// Safe to call more than once.
func (s *Subscription) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.ch.Close()
	})
	return s.closeErr
}
