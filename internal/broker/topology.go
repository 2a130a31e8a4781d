package broker

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Default queue names and binding keys for the consumed message classes.
const (
	DefaultExchange      = "avito_exchange"
	DefaultResultsQueue  = "ai_processing_responses"
	DefaultProgressQueue = "avito_progress_updates"
)

// Topology is a durable queue bound to the shared topic exchange.
// Keys are bound in order: the primary key first, then wildcard fallbacks.
type Topology struct {
	Exchange string
	Queue    string
	Keys     []string
}

// ResultsTopology binds queue to result.* and result.#.
// result.* covers result.<user_id>; result.# catches multi-segment keys.
func ResultsTopology(exchange, queue string) Topology {
	return Topology{
		Exchange: exchange,
		Queue:    queue,
		Keys:     []string{"result.*", "result.#"},
	}
}

// ProgressTopology binds queue to task.progress.update and task.progress.*.
func ProgressTopology(exchange, queue string) Topology {
	return Topology{
		Exchange: exchange,
		Queue:    queue,
		Keys:     []string{"task.progress.update", "task.progress.*"},
	}
}

// ResultKey is the routing key workers publish a user's results under.
func ResultKey(userID string) string {
	return "result." + userID
}

// Declare idempotently declares the exchange, the queue and its bindings.
func (t Topology) Declare(ch Channel) error {
	if err := declareExchange(ch, t.Exchange); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(t.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring queue %s: %w", t.Queue, err)
	}
	for _, key := range t.Keys {
		if err := ch.QueueBind(t.Queue, key, t.Exchange, false, nil); err != nil {
			return fmt.Errorf("binding queue %s to %s: %w", t.Queue, key, err)
		}
	}
	return nil
}

func declareExchange(ch Channel, name string) error {
	if err := ch.ExchangeDeclare(name, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring exchange %s: %w", name, err)
	}
	return nil
}
