// Package metrics defines the Prometheus metric set of the Flockwave
// server core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"flockwave/pkg/monitoring"
)

// Metrics holds the service-specific metrics of the message hub and the
// channel transports.
type Metrics struct {
	ClientsConnected   *prometheus.GaugeVec   // by channel_type
	MessagesReceived   *prometheus.CounterVec // by type
	MessagesSent       *prometheus.CounterVec // by type, mode
	MessagesDropped    *prometheus.CounterVec // by reason
	BroadcastFailures  *prometheus.CounterVec // by channel_type
	RateLimiterBatches *prometheus.CounterVec // by limiter
	QueueDepth         *prometheus.GaugeVec   // by queue
}

// New creates the metric set on the given collector.
func New(collector *monitoring.MetricsCollector) *Metrics {
	return &Metrics{
		ClientsConnected:   collector.NewGauge("clients_connected", "Connected clients", []string{"channel_type"}),
		MessagesReceived:   collector.NewCounter("messages_received_total", "Incoming messages", []string{"type"}),
		MessagesSent:       collector.NewCounter("messages_sent_total", "Outgoing messages", []string{"type", "mode"}),
		MessagesDropped:    collector.NewCounter("messages_dropped_total", "Messages dropped before delivery", []string{"reason"}),
		BroadcastFailures:  collector.NewCounter("broadcast_failures_total", "Failed per-client deliveries during broadcasts", []string{"channel_type"}),
		RateLimiterBatches: collector.NewCounter("rate_limiter_batches_total", "Batches emitted by rate limiters", []string{"limiter"}),
		QueueDepth:         collector.NewGauge("queue_depth", "Occupancy of bounded internal queues", []string{"queue"}),
	}
}

// CountDropped increments the drop counter; safe on a nil receiver.
func (m *Metrics) CountDropped(reason string) {
	if m != nil {
		m.MessagesDropped.WithLabelValues(reason).Inc()
	}
}

// CountSent increments the sent counter; safe on a nil receiver.
func (m *Metrics) CountSent(messageType, mode string) {
	if m != nil {
		m.MessagesSent.WithLabelValues(messageType, mode).Inc()
	}
}

// CountReceived increments the received counter; safe on a nil receiver.
func (m *Metrics) CountReceived(messageType string) {
	if m != nil {
		m.MessagesReceived.WithLabelValues(messageType).Inc()
	}
}
