// Package metrics provides Prometheus instrumentation for the streaming core.
// All methods are nil-receiver safe so instrumentation stays optional.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Channel labels.
const (
	ChannelMarket = "market"
	ChannelUser   = "user"
)

// Metrics holds the instrument set for one manager instance. Instruments are
// instance-scoped rather than package globals so multiple managers can
// coexist in one process.
type Metrics struct {
	ConnectAttempts *prometheus.CounterVec
	ConnectFailures *prometheus.CounterVec
	MessagesTotal   *prometheus.CounterVec
	EventsFiltered  prometheus.Counter
	ActiveGroups    *prometheus.GaugeVec
}

// New creates the instrument set and registers it with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "polymarket_stream_connect_attempts_total",
			Help: "WebSocket connect attempts",
		}, []string{"channel"}),
		ConnectFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "polymarket_stream_connect_failures_total",
			Help: "WebSocket connect attempts that failed",
		}, []string{"channel"}),
		MessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "polymarket_stream_messages_total",
			Help: "Decoded messages by channel and event type",
		}, []string{"channel", "event_type"}),
		EventsFiltered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "polymarket_stream_events_filtered_total",
			Help: "Market events dropped because their asset is no longer subscribed",
		}),
		ActiveGroups: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "polymarket_stream_active_groups",
			Help: "Groups currently tracked by the registries",
		}, []string{"channel"}),
	}
	reg.MustRegister(
		m.ConnectAttempts,
		m.ConnectFailures,
		m.MessagesTotal,
		m.EventsFiltered,
		m.ActiveGroups,
	)
	return m
}

// ConnectAttempt records one connect attempt on a channel.
func (m *Metrics) ConnectAttempt(channel string) {
	if m == nil {
		return
	}
	m.ConnectAttempts.WithLabelValues(channel).Inc()
}

// ConnectFailure records one failed connect attempt on a channel.
func (m *Metrics) ConnectFailure(channel string) {
	if m == nil {
		return
	}
	m.ConnectFailures.WithLabelValues(channel).Inc()
}

// Message records one decoded message.
func (m *Metrics) Message(channel, eventType string) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(channel, eventType).Inc()
}

// Filtered records n events dropped by the subscription filter.
func (m *Metrics) Filtered(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.EventsFiltered.Add(float64(n))
}

// SetActiveGroups records the current group count for a channel.
func (m *Metrics) SetActiveGroups(channel string, n int) {
	if m == nil {
		return
	}
	m.ActiveGroups.WithLabelValues(channel).Set(float64(n))
}
