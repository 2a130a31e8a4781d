// Package metrics exposes courier's prometheus collectors.
// A nil *Metrics is valid and records nothing, which keeps tests free of
// registry setup.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "courier"

// Metrics groups the collectors updated by the hub, gateway and broker loops.
type Metrics struct {
	connectionsActive prometheus.Gauge
	framesDelivered   *prometheus.CounterVec
	framesFailed      *prometheus.CounterVec
	deliveriesTotal   *prometheus.CounterVec
	publishesTotal    *prometheus.CounterVec
	reconnectsTotal   *prometheus.CounterVec
	consumerState     *prometheus.GaugeVec
}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// New creates the collectors and registers them with registerer.
// A nil registerer uses prometheus.DefaultRegisterer.
func New(registerer prometheus.Registerer) (*Metrics, error) {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "connections_active",
			Help:      "Number of live client connections in the registry",
		}),
		framesDelivered: newCounterVec("hub", "frames_delivered_total", "Frames enqueued to client mailboxes", []string{"scope"}),
		framesFailed:    newCounterVec("hub", "frames_failed_total", "Frames that could not be enqueued; the connection was dropped", []string{"scope"}),
		deliveriesTotal: newCounterVec("broker", "deliveries_total", "Broker deliveries handled, by queue and outcome", []string{"queue", "outcome"}),
		publishesTotal:  newCounterVec("broker", "publishes_total", "Task publishes, by routing key and outcome", []string{"routing_key", "outcome"}),
		reconnectsTotal: newCounterVec("broker", "reconnects_total", "Consumer loop reconnect attempts", []string{"consumer"}),
		consumerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "consumer_state",
			Help:      "Current consumer loop state (0 disconnected, 1 connecting, 2 declaring topology, 3 consuming)",
		}, []string{"consumer"}),
	}

	collectors := []prometheus.Collector{
		m.connectionsActive,
		m.framesDelivered,
		m.framesFailed,
		m.deliveriesTotal,
		m.publishesTotal,
		m.reconnectsTotal,
		m.consumerState,
	}
	for _, c := range collectors {
		if err := registerer.Register(c); err != nil {
			return nil, fmt.Errorf("registering collector: %w", err)
		}
	}

	return m, nil
}

// ConnectionOpened increments the live connection gauge.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connectionsActive.Inc()
}

// ConnectionClosed decrements the live connection gauge.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connectionsActive.Dec()
}

// FramesDelivered records n frames enqueued for a fan-out scope.
func (m *Metrics) FramesDelivered(scope string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.framesDelivered.WithLabelValues(scope).Add(float64(n))
}

// FramesFailed records n failed enqueues for a fan-out scope.
func (m *Metrics) FramesFailed(scope string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.framesFailed.WithLabelValues(scope).Add(float64(n))
}

// Delivery records a handled broker delivery.
func (m *Metrics) Delivery(queue, outcome string) {
	if m == nil {
		return
	}
	m.deliveriesTotal.WithLabelValues(queue, outcome).Inc()
}

// Publish records a task publish attempt.
func (m *Metrics) Publish(routingKey, outcome string) {
	if m == nil {
		return
	}
	m.publishesTotal.WithLabelValues(routingKey, outcome).Inc()
}

// Reconnect records a consumer reconnect attempt.
func (m *Metrics) Reconnect(consumer string) {
	if m == nil {
		return
	}
	m.reconnectsTotal.WithLabelValues(consumer).Inc()
}

// ConsumerState records the numeric state of a consumer loop.
func (m *Metrics) ConsumerState(consumer string, state int) {
	if m == nil {
		return
	}
	m.consumerState.WithLabelValues(consumer).Set(float64(state))
}
