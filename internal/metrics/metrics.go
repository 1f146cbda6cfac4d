// Package metrics provides Prometheus metrics for the relay hub.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "relayhub"
)

// Metrics contains all Prometheus metrics for the hub.
// All Record methods are safe to call on a nil *Metrics.
type Metrics struct {
	// Connection metrics
	ConnectionsActive   prometheus.Gauge
	ConnectionsTotal    *prometheus.CounterVec
	ConnectionsRejected *prometheus.CounterVec

	// Authentication metrics
	AuthResults     *prometheus.CounterVec
	AgentsConnected prometheus.Gauge

	// Registry metrics
	CommandRegistrations *prometheus.CounterVec
	CommandsKnown        prometheus.Gauge

	// Request metrics
	RequestsDispatched prometheus.Counter
	RequestsCompleted  *prometheus.CounterVec
	RequestLatency     prometheus.Histogram
	RequestsPending    prometheus.Gauge

	// Selection metrics
	SelectionsCreated  prometheus.Counter
	SelectionsResolved *prometheus.CounterVec

	// Protocol metrics
	FramesSent     *prometheus.CounterVec
	FramesReceived *prometheus.CounterVec
	ProtocolErrors *prometheus.CounterVec

	// Ban metrics
	BanFailures prometheus.Counter
	BansIssued  prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of currently open agent connections",
		}),
		ConnectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total agent connections accepted by transport",
		}, []string{"transport"}),
		ConnectionsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_rejected_total",
			Help:      "Total connections rejected at accept time by reason",
		}, []string{"reason"}),

		AuthResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_results_total",
			Help:      "Authentication outcomes by result",
		}, []string{"result"}),
		AgentsConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agents_connected",
			Help:      "Number of authenticated agents",
		}),

		CommandRegistrations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_registrations_total",
			Help:      "Command registrations by result",
		}, []string{"result"}),
		CommandsKnown: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "commands_known",
			Help:      "Number of command schemas known to the registry",
		}),

		RequestsDispatched: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_dispatched_total",
			Help:      "Total requests sent to agents",
		}),
		RequestsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_completed_total",
			Help:      "Total requests finished by outcome",
		}, []string{"outcome"}),
		RequestLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_latency_seconds",
			Help:      "Time from dispatch to agent response",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		RequestsPending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "requests_pending",
			Help:      "Number of requests awaiting a response",
		}),

		SelectionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "selections_created_total",
			Help:      "Total server selection prompts created",
		}),
		SelectionsResolved: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "selections_resolved_total",
			Help:      "Server selections resolved by result",
		}, []string{"result"}),

		FramesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Total frames sent by message type",
		}, []string{"type"}),
		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Total frames received by message type",
		}, []string{"type"}),
		ProtocolErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Protocol errors by kind",
		}, []string{"kind"}),

		BanFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ban_failures_recorded_total",
			Help:      "Total authentication failures recorded against source IPs",
		}),
		BansIssued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bans_issued_total",
			Help:      "Total IP blocks issued",
		}),
	}
}

// Connection helpers

// RecordConnect records an accepted connection.
func (m *Metrics) RecordConnect(transport string) {
	if m == nil {
		return
	}
	m.ConnectionsActive.Inc()
	m.ConnectionsTotal.WithLabelValues(transport).Inc()
}

// RecordDisconnect records a connection being closed.
func (m *Metrics) RecordDisconnect() {
	if m == nil {
		return
	}
	m.ConnectionsActive.Dec()
}

// RecordRejected records a connection refused before any protocol exchange.
func (m *Metrics) RecordRejected(reason string) {
	if m == nil {
		return
	}
	m.ConnectionsRejected.WithLabelValues(reason).Inc()
}

// Authentication helpers

// RecordAuth records an authentication outcome.
func (m *Metrics) RecordAuth(result string) {
	if m == nil {
		return
	}
	m.AuthResults.WithLabelValues(result).Inc()
}

// RecordAgentUp records an agent becoming authenticated.
func (m *Metrics) RecordAgentUp() {
	if m == nil {
		return
	}
	m.AgentsConnected.Inc()
}

// RecordAgentDown records an authenticated agent going away.
func (m *Metrics) RecordAgentDown() {
	if m == nil {
		return
	}
	m.AgentsConnected.Dec()
}

// Registry helpers

// RecordRegistration records the result of registering one command.
func (m *Metrics) RecordRegistration(result string) {
	if m == nil {
		return
	}
	m.CommandRegistrations.WithLabelValues(result).Inc()
}

// SetCommandsKnown sets the number of known command schemas.
func (m *Metrics) SetCommandsKnown(count int) {
	if m == nil {
		return
	}
	m.CommandsKnown.Set(float64(count))
}

// Request helpers

// RecordDispatch records a request sent to an agent.
func (m *Metrics) RecordDispatch() {
	if m == nil {
		return
	}
	m.RequestsDispatched.Inc()
	m.RequestsPending.Inc()
}

// RecordCompletion records a request finishing with outcome.
func (m *Metrics) RecordCompletion(outcome string, latencySeconds float64) {
	if m == nil {
		return
	}
	m.RequestsPending.Dec()
	m.RequestsCompleted.WithLabelValues(outcome).Inc()
	if outcome == "success" {
		m.RequestLatency.Observe(latencySeconds)
	}
}

// Selection helpers

// RecordSelection records a selection prompt being created.
func (m *Metrics) RecordSelection() {
	if m == nil {
		return
	}
	m.SelectionsCreated.Inc()
}

// RecordSelectionResult records how a selection was resolved.
func (m *Metrics) RecordSelectionResult(result string) {
	if m == nil {
		return
	}
	m.SelectionsResolved.WithLabelValues(result).Inc()
}

// Protocol helpers

// RecordFrameSent records a frame being sent.
func (m *Metrics) RecordFrameSent(msgType string) {
	if m == nil {
		return
	}
	m.FramesSent.WithLabelValues(msgType).Inc()
}

// RecordFrameReceived records a frame being received.
func (m *Metrics) RecordFrameReceived(msgType string) {
	if m == nil {
		return
	}
	m.FramesReceived.WithLabelValues(msgType).Inc()
}

// RecordProtocolError records a protocol error.
func (m *Metrics) RecordProtocolError(kind string) {
	if m == nil {
		return
	}
	m.ProtocolErrors.WithLabelValues(kind).Inc()
}

// Ban helpers

// RecordBanFailure records a failure counted against an IP, and whether it
// produced a block.
func (m *Metrics) RecordBanFailure(blocked bool) {
	if m == nil {
		return
	}
	m.BanFailures.Inc()
	if blocked {
		m.BansIssued.Inc()
	}
}
