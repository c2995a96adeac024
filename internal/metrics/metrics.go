// Package metrics instruments the acceptor and control loop with
// Prometheus counters and gauges, exposed on the admin surface at
// /metrics (SPEC_FULL.md "DOMAIN STACK", "Admin / observability
// surface"). The registry and sender are not instrumented: nothing calls
// MessageSent or SendDelayed, so those two counters stay at zero, and the
// sender keeps its own counts (sender.Stats). Consolidated from the teacher's six-file
// internal/metrics package (metrics.go / interface.go / enhanced.go /
// simple_metrics.go / runtime_metrics.go / connections.go) into one
// instrument set plus a process-stats collector: the connector has a
// single concrete metrics consumer, so the teacher's
// MetricsInterface/EnhancedMetrics/simpleMetrics delegation layers have
// no second implementation to justify keeping here (see DESIGN.md).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus instrument the connector exposes.
type Metrics struct {
	startTime time.Time

	connectionsAccepted prometheus.Counter
	connectionsActive   prometheus.Gauge
	connectionsRejected prometheus.Counter
	connectionsInvalid  prometheus.Counter

	messagesReceived prometheus.Counter
	messagesSent     prometheus.Counter
	messagesDropped  prometheus.Counter

	sendDelays prometheus.Counter

	framingErrors prometheus.Counter

	controlCommands *prometheus.CounterVec

	peerSendErrors *prometheus.CounterVec
}

// New registers and returns the connector's instrument set against the
// default registry, the way the teacher's NewMetrics does via promauto.
func New() *Metrics {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer registers the instrument set against reg instead of
// the global default registry, so tests (and anything else that builds
// more than one Metrics in a process) can use an isolated
// prometheus.NewRegistry() and avoid the duplicate-registration panic
// promauto raises against the shared default.
func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		startTime: time.Now(),

		connectionsAccepted: f.NewCounter(prometheus.CounterOpts{
			Name: "connectord_connections_accepted_total",
			Help: "Total client connections accepted.",
		}),
		connectionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "connectord_connections_active",
			Help: "Currently live client connections.",
		}),
		connectionsRejected: f.NewCounter(prometheus.CounterOpts{
			Name: "connectord_connections_rejected_total",
			Help: "Accept attempts declined because the client limit was reached.",
		}),
		connectionsInvalid: f.NewCounter(prometheus.CounterOpts{
			Name: "connectord_connections_invalidated_total",
			Help: "Client connections invalidated by the acceptor (read error, oversize line, invalid JSON, peer hang-up or half-close).",
		}),
		messagesReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "connectord_messages_received_total",
			Help: "Complete client lines parsed and forwarded to a peer process.",
		}),
		messagesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "connectord_messages_sent_total",
			Help: "Send jobs completed to a client.",
		}),
		messagesDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "connectord_messages_dropped_total",
			Help: "Send jobs that could not be delivered because the target client id was stale.",
		}),
		sendDelays: f.NewCounter(prometheus.CounterOpts{
			Name: "connectord_send_delays_total",
			Help: "Sender write attempts that returned would-block.",
		}),
		framingErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "connectord_framing_errors_total",
			Help: "Client lines rejected for being oversize or not valid JSON.",
		}),
		controlCommands: f.NewCounterVec(prometheus.CounterOpts{
			Name: "connectord_control_commands_total",
			Help: "Control commands processed, by command name.",
		}, []string{"command"}),
		peerSendErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "connectord_peer_send_errors_total",
			Help: "Errors sending to a peer process, by peer kind.",
		}, []string{"peer"}),
	}
}

func (m *Metrics) ConnectionAccepted() {
	m.connectionsAccepted.Inc()
	m.connectionsActive.Inc()
}

func (m *Metrics) ConnectionRejected() { m.connectionsRejected.Inc() }

func (m *Metrics) ConnectionInvalidated() {
	m.connectionsInvalid.Inc()
	m.connectionsActive.Dec()
}

func (m *Metrics) MessageReceived() { m.messagesReceived.Inc() }
func (m *Metrics) MessageSent()     { m.messagesSent.Inc() }
func (m *Metrics) MessageDropped()  { m.messagesDropped.Inc() }
func (m *Metrics) SendDelayed()     { m.sendDelays.Inc() }
func (m *Metrics) FramingError()    { m.framingErrors.Inc() }

func (m *Metrics) ControlCommand(name string) { m.controlCommands.WithLabelValues(name).Inc() }

func (m *Metrics) PeerSendError(peerKind string) { m.peerSendErrors.WithLabelValues(peerKind).Inc() }

// Uptime returns how long the process has been running, reported as
// `uptimeSeconds` by the admin /stats endpoint. The control loop's
// periodic stats log computes its `runtime` field from its own start
// time instead.
func (m *Metrics) Uptime() time.Duration { return time.Since(m.startTime) }
