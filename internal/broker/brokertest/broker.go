// Package brokertest provides an in-memory AMQP broker implementing the
// broker.Connection and broker.Channel seams, for tests.
//
// It models a topic exchange, durable and server-named queues, exclusive and
// auto-delete semantics, manual acknowledgements and connection failures.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/btouchard/courier/internal/broker"
)

// ErrDialRefused is returned by Dial while dial failures are injected.
var ErrDialRefused = errors.New("brokertest: connection refused")

const consumerBuffer = 1024

// Broker is an in-memory topic-exchange broker.
type Broker struct {
	mu        sync.Mutex
	exchanges map[string]string
	queues    map[string]*queue
	conns     map[*Conn]struct{}

	failDials int
	dials     int
	nameSeq   int
	tagSeq    uint64

	acked  []uint64
	nacked []uint64
}

type binding struct {
	exchange string
	key      string
}

type queue struct {
	name       string
	durable    bool
	autoDelete bool
	exclusive  *Conn
	bindings   []binding
	pending    []amqp.Delivery
	consumer   *consumer
}

type consumer struct {
	ch  *Channel
	out chan amqp.Delivery
}

// New creates an empty broker.
func New() *Broker {
	return &Broker{
		exchanges: make(map[string]string),
		queues:    make(map[string]*queue),
		conns:     make(map[*Conn]struct{}),
	}
}

// Dial implements broker.Dialer.
func (b *Broker) Dial(string) (broker.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if b.failDials > 0 {
		b.failDials--
		return nil, ErrDialRefused
	}
	c := &Conn{broker: b, channels: make(map[*Channel]struct{})}
	b.conns[c] = struct{}{}
	return c, nil
}

// Connect is Dial without the error, for tests that need a live connection.
func (b *Broker) Connect() broker.Connection {
	conn, err := b.Dial("")
	if err != nil {
		panic(err)
	}
	return conn
}

// FailDials makes the next n dials fail with ErrDialRefused.
func (b *Broker) FailDials(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failDials = n
}

// Dials returns the number of dial attempts so far.
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// DropConnections closes every open connection, as a broker restart would.
func (b *Broker) DropConnections() {
	b.mu.Lock()
	conns := make([]*Conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

// Publish routes body through exchange with key, as a worker would.
func (b *Broker) Publish(exchange, key string, body []byte) error {
	return b.route(exchange, key, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
}

// HasQueue reports whether a queue named name exists.
func (b *Broker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// Queues returns the names of all queues.
func (b *Broker) Queues() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	return names
}

// Bindings returns the routing keys bound to queue.
func (b *Broker) Bindings(name string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(q.bindings))
	for _, bd := range q.bindings {
		keys = append(keys, bd.key)
	}
	return keys
}

// Pending returns the messages waiting in queue with no consumer.
func (b *Broker) Pending(name string) []amqp.Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return nil
	}
	return append([]amqp.Delivery(nil), q.pending...)
}

// ExchangeKind returns the kind an exchange was declared with, or "".
func (b *Broker) ExchangeKind(name string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exchanges[name]
}

// Acked returns the delivery tags acknowledged so far.
func (b *Broker) Acked() []uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]uint64(nil), b.acked...)
}

// Nacked returns the delivery tags negatively acknowledged or rejected.
func (b *Broker) Nacked() []uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]uint64(nil), b.nacked...)
}

// Ack implements amqp.Acknowledger.
func (b *Broker) Ack(tag uint64, _ bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acked = append(b.acked, tag)
	return nil
}

// Nack implements amqp.Acknowledger.
func (b *Broker) Nack(tag uint64, _ bool, _ bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nacked = append(b.nacked, tag)
	return nil
}

// Reject implements amqp.Acknowledger.
func (b *Broker) Reject(tag uint64, _ bool) error {
	return b.Nack(tag, false, false)
}

func (b *Broker) route(exchange, key string, msg amqp.Publishing) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.exchanges[exchange]; !ok {
		return fmt.Errorf("brokertest: no exchange %q", exchange)
	}

	for _, q := range b.queues {
		if !q.matches(exchange, key) {
			continue
		}
		b.tagSeq++
		d := amqp.Delivery{
			Acknowledger: b,
			Headers:      msg.Headers,
			ContentType:  msg.ContentType,
			DeliveryMode: msg.DeliveryMode,
			MessageId:    msg.MessageId,
			Timestamp:    msg.Timestamp,
			DeliveryTag:  b.tagSeq,
			Exchange:     exchange,
			RoutingKey:   key,
			Body:         append([]byte(nil), msg.Body...),
		}
		q.enqueue(d)
	}
	return nil
}

// matches reports whether any binding of q routes key from exchange.
func (q *queue) matches(exchange, key string) bool {
	for _, bd := range q.bindings {
		if bd.exchange == exchange && TopicMatch(bd.key, key) {
			return true
		}
	}
	return false
}

// enqueue must be called with the broker lock held.
func (q *queue) enqueue(d amqp.Delivery) {
	if q.consumer != nil {
		select {
		case q.consumer.out <- d:
			return
		default:
		}
	}
	q.pending = append(q.pending, d)
}

// flush must be called with the broker lock held.
func (q *queue) flush() {
	pending := q.pending
	q.pending = nil
	for _, d := range pending {
		q.enqueue(d)
	}
}

// TopicMatch reports whether routing key matches a topic binding pattern:
// "*" matches exactly one word and "#" matches zero or more words.
func TopicMatch(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(key); i++ {
			if matchWords(pattern[1:], key[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(key) > 0 && matchWords(pattern[1:], key[1:])
	default:
		return len(key) > 0 && pattern[0] == key[0] && matchWords(pattern[1:], key[1:])
	}
}

// removeConsumer must be called with the broker lock held.
func (b *Broker) removeConsumer(q *queue) {
	if q.consumer == nil {
		return
	}
	close(q.consumer.out)
	q.consumer = nil
	if q.autoDelete {
		delete(b.queues, q.name)
	}
}

// Conn is an in-memory broker.Connection.
type Conn struct {
	broker   *Broker
	channels map[*Channel]struct{}
	closed   bool
}

// Channel implements broker.Connection.
func (c *Conn) Channel() (broker.Channel, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &Channel{conn: c}
	c.channels[ch] = struct{}{}
	return ch, nil
}

// IsClosed implements broker.Connection.
func (c *Conn) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

// Close closes every channel and deletes the queues this connection owns
// exclusively.
func (c *Conn) Close() error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return amqp.ErrClosed
	}
	c.closed = true
	for ch := range c.channels {
		ch.closeLocked()
	}
	for name, q := range b.queues {
		if q.exclusive == c {
			b.removeConsumer(q)
			delete(b.queues, name)
		}
	}
	delete(b.conns, c)
	return nil
}

// Channel is an in-memory broker.Channel.
type Channel struct {
	conn   *Conn
	closed bool
}

// ExchangeDeclare implements broker.Channel. Redeclaring with another kind
// fails, as it does on a real broker.
func (ch *Channel) ExchangeDeclare(name, kind string, _, _, _, _ bool, _ amqp.Table) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if existing, ok := b.exchanges[name]; ok && existing != kind {
		return fmt.Errorf("brokertest: exchange %q already declared as %s", name, existing)
	}
	b.exchanges[name] = kind
	return nil
}

// QueueDeclare implements broker.Channel. An empty name gets a
// server-generated one.
func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, _ bool, _ amqp.Table) (amqp.Queue, error) {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	if name == "" {
		b.nameSeq++
		name = fmt.Sprintf("amq.gen-%d", b.nameSeq)
	}
	q, ok := b.queues[name]
	if !ok {
		q = &queue{name: name, durable: durable, autoDelete: autoDelete}
		if exclusive {
			q.exclusive = ch.conn
		}
		b.queues[name] = q
	} else if q.exclusive != nil && q.exclusive != ch.conn {
		return amqp.Queue{}, fmt.Errorf("brokertest: queue %q is exclusive to another connection", name)
	}
	return amqp.Queue{Name: name, Messages: len(q.pending)}, nil
}

// QueueBind implements broker.Channel. Binding the same key twice is a no-op.
func (ch *Channel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	q, ok := b.queues[name]
	if !ok {
		return fmt.Errorf("brokertest: no queue %q", name)
	}
	if _, ok := b.exchanges[exchange]; !ok {
		return fmt.Errorf("brokertest: no exchange %q", exchange)
	}
	for _, bd := range q.bindings {
		if bd.exchange == exchange && bd.key == key {
			return nil
		}
	}
	q.bindings = append(q.bindings, binding{exchange: exchange, key: key})
	return nil
}

// Consume implements broker.Channel. Messages already queued are delivered
// first. Only one consumer per queue is supported.
func (ch *Channel) Consume(name, _ string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return nil, amqp.ErrClosed
	}
	q, ok := b.queues[name]
	if !ok {
		return nil, fmt.Errorf("brokertest: no queue %q", name)
	}
	if q.consumer != nil {
		return nil, fmt.Errorf("brokertest: queue %q already has a consumer", name)
	}
	q.consumer = &consumer{ch: ch, out: make(chan amqp.Delivery, consumerBuffer)}
	q.flush()
	return q.consumer.out, nil
}

// PublishWithContext implements broker.Channel.
func (ch *Channel) PublishWithContext(ctx context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ch.IsClosed() {
		return amqp.ErrClosed
	}
	return ch.conn.broker.route(exchange, key, msg)
}

// IsClosed implements broker.Channel.
func (ch *Channel) IsClosed() bool {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	return ch.closed
}

// Close implements broker.Channel. It cancels the channel's consumers;
// auto-delete queues left without a consumer are removed.
func (ch *Channel) Close() error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.closeLocked()
	return nil
}

// closeLocked must be called with the broker lock held.
func (ch *Channel) closeLocked() {
	if ch.closed {
		return
	}
	ch.closed = true
	b := ch.conn.broker
	for _, q := range b.queues {
		if q.consumer != nil && q.consumer.ch == ch {
			b.removeConsumer(q)
		}
	}
	delete(ch.conn.channels, ch)
}
