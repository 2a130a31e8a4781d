package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/btouchard/courier/internal/metrics"
	"github.com/btouchard/courier/internal/task"
)

// ErrPublisherUnavailable is returned by Publish when courier started
// without a broker connection.
var ErrPublisherUnavailable = errors.New("publisher unavailable: no broker connection")

// Publisher publishes task messages to the shared topic exchange.
// It is safe for concurrent use; callers are serialized on one channel.
type Publisher struct {
	mu       sync.Mutex
	conn     Connection
	ch       Channel
	exchange string

	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewPublisher creates a Publisher on conn. A nil conn yields a Publisher
// whose every Publish fails with ErrPublisherUnavailable.
func NewPublisher(conn Connection, exchange string, m *metrics.Metrics, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		conn:     conn,
		exchange: exchange,
		metrics:  m,
		logger:   logger.With("component", "publisher"),
	}
}

// Available reports whether the underlying connection is usable.
func (p *Publisher) Available() bool {
	return p.conn != nil && !p.conn.IsClosed()
}

// Publish declares the exchange, the route's durable queue and its binding,
// then publishes msg as a persistent JSON message.
func (p *Publisher) Publish(ctx context.Context, route task.Route, msg *task.Message) error {
	if p.conn == nil {
		p.metrics.Publish(route.RoutingKey, "unavailable")
		return ErrPublisherUnavailable
	}

	body, err := msg.Encode()
	if err != nil {
		p.metrics.Publish(route.RoutingKey, "error")
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.publish(ctx, route, msg, body); err != nil {
		p.resetChannel()
		p.metrics.Publish(route.RoutingKey, "error")
		p.logger.Error("publish failed",
			"task_id", msg.TaskID,
			"user_id", msg.UserID,
			"routing_key", route.RoutingKey,
			"error", err)
		return err
	}

	p.metrics.Publish(route.RoutingKey, "ok")
	p.logger.Info("task published",
		"task_id", msg.TaskID,
		"user_id", msg.UserID,
		"queue", route.Queue,
		"routing_key", route.RoutingKey)
	return nil
}

// publish must be called with p.mu held.
func (p *Publisher) publish(ctx context.Context, route task.Route, msg *task.Message, body []byte) error {
	ch, err := p.channel()
	if err != nil {
		return err
	}

	topo := Topology{Exchange: p.exchange, Queue: route.Queue, Keys: []string{route.RoutingKey}}
	if err := topo.Declare(ch); err != nil {
		return err
	}

	err = ch.PublishWithContext(ctx, p.exchange, route.RoutingKey, false, false, amqp.Publishing{
		Headers: amqp.Table{
			"user_id": msg.UserID,
			"task_id": msg.TaskID,
		},
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.TaskID,
		Timestamp:    msg.CreatedAt,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", route.RoutingKey, err)
	}
	return nil
}

// channel must be called with p.mu held.
func (p *Publisher) channel() (Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	ch, err := p.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("opening channel: %w", err)
	}
	p.ch = ch
	return ch, nil
}

func (p *Publisher) resetChannel() {
	if p.ch == nil {
		return
	}
	_ = p.ch.Close()
	p.ch = nil
}

// Close releases the publishing channel. The connection is owned by the caller.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch == nil {
		return nil
	}
	err := p.ch.Close()
	p.ch = nil
	return err
}
