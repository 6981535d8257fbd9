// Package metrics provides Prometheus metrics for the relays.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "udptun"
)

// Session roles.
const (
	RoleIngress = "ingress"
	RoleEgress  = "egress"
)

// Session results.
const (
	ResultOK       = "ok"
	ResultDial     = "dial_error"
	ResultIO       = "io_error"
	ResultOversize = "oversize"
	ResultRejected = "rejected"
	ResultStopped  = "stopped"
	ResultExpired  = "expired"
)

// Learning relay forwarding directions and drop reasons.
const (
	DirectionToServer = "to_server"
	DirectionToClient = "to_client"

	DropNoClient  = "no_client"
	DropSendError = "send_error"
)

// Bootstrap controller events.
const (
	BootstrapConnect   = "connect"
	BootstrapUpload    = "upload"
	BootstrapStart     = "start"
	BootstrapExit      = "remote_exit"
	BootstrapTerminate = "terminate"
	BootstrapError     = "error"
)

// Metrics contains all Prometheus metrics for the relays.
type Metrics struct {
	// Tunnel session metrics
	SessionsActive  *prometheus.GaugeVec
	SessionsTotal   *prometheus.CounterVec
	SessionDuration *prometheus.HistogramVec
	BytesRelayed    *prometheus.CounterVec
	ReplyResends    prometheus.Counter

	// Learning relay metrics
	DatagramsForwarded *prometheus.CounterVec
	DatagramsDropped   *prometheus.CounterVec
	ClientRelearns     prometheus.Counter

	// Bootstrap metrics
	BootstrapEvents *prometheus.CounterVec

	PanicsRecovered prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the metrics instance registered with the default registry.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetricsWithRegistry(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// Unregistered returns a metrics instance attached to a private registry.
// Components use it when the caller does not supply metrics.
func Unregistered() *Metrics {
	return NewMetricsWithRegistry(prometheus.NewRegistry())
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of tunnel sessions currently in flight",
		}, []string{"role"}),
		SessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total tunnel sessions by role and result",
		}, []string{"role", "result"}),
		SessionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Histogram of tunnel session duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"role"}),
		BytesRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_relayed_total",
			Help:      "Total payload bytes relayed by role and direction",
		}, []string{"role", "direction"}),
		ReplyResends: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "egress_resends_total",
			Help:      "Total datagram resends after a reply timeout",
		}),

		DatagramsForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "learn_datagrams_forwarded_total",
			Help:      "Total datagrams forwarded by the learning relay",
		}, []string{"direction"}),
		DatagramsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "learn_datagrams_dropped_total",
			Help:      "Total datagrams dropped by the learning relay by reason",
		}, []string{"reason"}),
		ClientRelearns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "learn_client_changes_total",
			Help:      "Total times the learned client address changed",
		}),

		BootstrapEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bootstrap_events_total",
			Help:      "Total bootstrap controller events by type",
		}, []string{"event"}),

		PanicsRecovered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "panics_recovered_total",
			Help:      "Total panics recovered in relay goroutines",
		}),
	}
}

// OrUnregistered returns m, or a private instance when m is nil.
func OrUnregistered(m *Metrics) *Metrics {
	if m == nil {
		return Unregistered()
	}
	return m
}

// RecordSessionStart records a tunnel session entering flight.
func (m *Metrics) RecordSessionStart(role string) {
	m.SessionsActive.WithLabelValues(role).Inc()
}

// RecordSessionEnd records a finished tunnel session.
func (m *Metrics) RecordSessionEnd(role, result string, seconds float64) {
	m.SessionsActive.WithLabelValues(role).Dec()
	m.SessionsTotal.WithLabelValues(role, result).Inc()
	m.SessionDuration.WithLabelValues(role).Observe(seconds)
}

// RecordSessionRejected records a session refused before it started.
func (m *Metrics) RecordSessionRejected(role string) {
	m.SessionsTotal.WithLabelValues(role, ResultRejected).Inc()
}

// RecordBytes records relayed payload bytes.
func (m *Metrics) RecordBytes(role, direction string, n int) {
	m.BytesRelayed.WithLabelValues(role, direction).Add(float64(n))
}

// RecordResend records an egress resend after a reply timeout.
func (m *Metrics) RecordResend() {
	m.ReplyResends.Inc()
}

// RecordForward records a datagram forwarded by the learning relay.
func (m *Metrics) RecordForward(direction string) {
	m.DatagramsForwarded.WithLabelValues(direction).Inc()
}

// RecordDrop records a datagram dropped by the learning relay.
func (m *Metrics) RecordDrop(reason string) {
	m.DatagramsDropped.WithLabelValues(reason).Inc()
}

// RecordClientChange records the learning relay adopting a new client address.
func (m *Metrics) RecordClientChange() {
	m.ClientRelearns.Inc()
}

// RecordBootstrap records a bootstrap controller event.
func (m *Metrics) RecordBootstrap(event string) {
	m.BootstrapEvents.WithLabelValues(event).Inc()
}
