// Package metrics exposes gateway counters and gauges to Prometheus.
//
// Every method is safe on a nil *Metrics, so components can be built
// without a registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Decrypt failure sources.
const (
	SourceBLE        = "ble"
	SourceKeyService = "key_service"
	SourceRelay      = "relay"
)

// Metrics holds the gateway collectors.
type Metrics struct {
	readings        *prometheus.CounterVec
	readAttempts    prometheus.Counter
	decryptFailures *prometheus.CounterVec
	commands        *prometheus.CounterVec
	pending         prometheus.Gauge
	scanCycle       prometheus.Histogram
	sessions        prometheus.Counter
	sessionActive   prometheus.Gauge
	keysIssued      prometheus.Counter
	userMessages    *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		readings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_readings_total",
			Help: "Readings received from field nodes.",
		}, []string{"kind"}),
		readAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_ble_read_attempts_total",
			Help: "Sensor read attempts, successful or not.",
		}),
		decryptFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_decrypt_failures_total",
			Help: "Payloads that failed authentication.",
		}, []string{"source"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_commands_total",
			Help: "Commands handled by the link engine, by result.",
		}, []string{"result"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_pending_commands",
			Help: "Commands waiting for their node.",
		}),
		scanCycle: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_ble_cycle_seconds",
			Help:    "Duration of one scan and service cycle.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8),
		}),
		sessions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_sessions_total",
			Help: "User sessions started.",
		}),
		sessionActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_session_active",
			Help: "1 while a user session is connected.",
		}),
		keysIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_session_keys_issued_total",
			Help: "Session keys handed out by the key service.",
		}),
		userMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_user_messages_total",
			Help: "Messages received from the user application.",
		}, []string{"verb", "result"}),
	}

	reg.MustRegister(
		m.readings, m.readAttempts, m.decryptFailures, m.commands, m.pending,
		m.scanCycle, m.sessions, m.sessionActive, m.keysIssued, m.userMessages,
	)
	return m
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) Reading(kind string) {
	if m == nil {
		return
	}
	m.readings.WithLabelValues(kind).Inc()
}

func (m *Metrics) ReadAttempt() {
	if m == nil {
		return
	}
	m.readAttempts.Inc()
}

func (m *Metrics) DecryptFailure(source string) {
	if m == nil {
		return
	}
	m.decryptFailures.WithLabelValues(source).Inc()
}

// CommandDelivered counts a successful write.
func (m *Metrics) CommandDelivered() {
	if m == nil {
		return
	}
	m.commands.WithLabelValues("delivered").Inc()
}

// CommandWriteFailed counts a write that left the command pending.
func (m *Metrics) CommandWriteFailed() {
	if m == nil {
		return
	}
	m.commands.WithLabelValues("write_failed").Inc()
}

// CommandRejected counts a command dropped for an invalid index.
func (m *Metrics) CommandRejected() {
	if m == nil {
		return
	}
	m.commands.WithLabelValues("rejected").Inc()
}

func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

func (m *Metrics) ObserveCycle(seconds float64) {
	if m == nil {
		return
	}
	m.scanCycle.Observe(seconds)
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.sessions.Inc()
	m.sessionActive.Set(1)
}

func (m *Metrics) SessionEnded() {
	if m == nil {
		return
	}
	m.sessionActive.Set(0)
}

func (m *Metrics) KeyIssued() {
	if m == nil {
		return
	}
	m.keysIssued.Inc()
}

// UserMessage counts an inbound message. result is "ok" or "invalid".
func (m *Metrics) UserMessage(verb, result string) {
	if m == nil {
		return
	}
	m.userMessages.WithLabelValues(verb, result).Inc()
}
