package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/btouchard/courier/internal/metrics"
)

// DefaultReconnectDelay is the fixed pause between consumer reconnect attempts.
const DefaultReconnectDelay = 5 * time.Second

var errDeliveriesClosed = errors.New("delivery stream closed by broker")

// State is a consumer loop lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateDeclaringTopology
	StateConsuming
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateDeclaringTopology:
		return "declaring_topology"
	case StateConsuming:
		return "consuming"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Handler processes one delivery. The consumer acks the delivery after
// HandleDelivery returns, whatever the returned error.
type Handler interface {
	HandleDelivery(ctx context.Context, d amqp.Delivery) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, d amqp.Delivery) error

func (f HandlerFunc) HandleDelivery(ctx context.Context, d amqp.Delivery) error {
	return f(ctx, d)
}

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	// Name labels logs and metrics, and is used as the AMQP consumer tag.
	Name           string
	URL            string
	Topology       Topology
	ReconnectDelay time.Duration
}

// Consumer owns one long-lived broker connection and feeds a queue's
// deliveries to a Handler, reconnecting with a fixed delay until its
// context is cancelled.
type Consumer struct {
	cfg     ConsumerConfig
	dial    Dialer
	handler Handler
	backoff *backoff.Backoff
	sleep   func(ctx context.Context, d time.Duration) error

	state         atomic.Int32
	mu            sync.Mutex
	onStateChange func(State)

	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewConsumer creates a Consumer. A nil dial uses Dial.
func NewConsumer(cfg ConsumerConfig, dial Dialer, handler Handler, m *metrics.Metrics, logger *slog.Logger) *Consumer {
	if dial == nil {
		dial = Dial
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		cfg:     cfg,
		dial:    dial,
		handler: handler,
		backoff: &backoff.Backoff{
			Min:    cfg.ReconnectDelay,
			Max:    cfg.ReconnectDelay,
			Factor: 1,
		},
		sleep:   sleepContext,
		metrics: m,
		logger:  logger.With("component", "consumer", "consumer", cfg.Name, "queue", cfg.Topology.Queue),
	}
}

// OnStateChange registers fn to be called on every state transition.
func (c *Consumer) OnStateChange(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStateChange = fn
}

// State returns the current lifecycle state.
func (c *Consumer) State() State {
	return State(c.state.Load())
}

func (c *Consumer) setState(s State) {
	if State(c.state.Swap(int32(s))) == s {
		return
	}
	c.metrics.ConsumerState(c.cfg.Name, int(s))
	c.logger.Debug("consumer state changed", "state", s.String())

	c.mu.Lock()
	fn := c.onStateChange
	c.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// Run consumes until ctx is cancelled. Connection, topology and stream
// failures are logged and retried after the reconnect delay.
func (c *Consumer) Run(ctx context.Context) {
	c.logger.Info("consumer starting")
	defer c.logger.Info("consumer stopped")

	for {
		err := c.session(ctx)
		c.setState(StateDisconnected)
		if ctx.Err() != nil {
			return
		}

		delay := c.backoff.Duration()
		c.logger.Warn("consumer disconnected, retrying",
			"error", err,
			"retry_in", delay.String())
		c.metrics.Reconnect(c.cfg.Name)

		if err := c.sleep(ctx, delay); err != nil {
			return
		}
	}
}

func (c *Consumer) session(ctx context.Context) error {
	c.setState(StateConnecting)
	conn, err := c.dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("opening channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	c.setState(StateDeclaringTopology)
	if err := c.cfg.Topology.Declare(ch); err != nil {
		return err
	}

	deliveries, err := ch.Consume(c.cfg.Topology.Queue, c.cfg.Name, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("starting consume on %s: %w", c.cfg.Topology.Queue, err)
	}

	c.setState(StateConsuming)
	c.backoff.Reset()
	c.logger.Info("consuming", "bindings", c.cfg.Topology.Keys)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errDeliveriesClosed
			}
			c.handle(ctx, d)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	outcome := "ok"
	if err := c.handler.HandleDelivery(ctx, d); err != nil {
		outcome = "dropped"
		c.logger.Warn("delivery dropped",
			"routing_key", d.RoutingKey,
			"delivery_tag", d.DeliveryTag,
			"error", err)
	}
	if err := d.Ack(false); err != nil {
		c.logger.Error("ack failed",
			"delivery_tag", d.DeliveryTag,
			"error", err)
	}
	c.metrics.Delivery(c.cfg.Topology.Queue, outcome)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
