package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Connection states reported by the connections gauge. Idle and destroyed
// connections are not counted.
var trackedStates = map[string]bool{
	"connecting":     true,
	"playing":        true,
	"stalled":        true,
	"reconnecting":   true,
	"fatally_failed": true,
}

// Metrics holds Prometheus counters and gauges for stream-keeper. It
// implements stream.Telemetry.
type Metrics struct {
	registry           *prometheus.Registry
	requestsTotal      prometheus.Counter
	errorsTotal        prometheus.Counter
	probesTotal        *prometheus.CounterVec
	backendsTotal      *prometheus.CounterVec
	lossesTotal        *prometheus.CounterVec
	reconnectsTotal    prometheus.Counter
	deferredTotal      prometheus.Counter
	fatalFailuresTotal prometheus.Counter
	playRetriesTotal   prometheus.Counter
	connections        *prometheus.GaugeVec
	activeStreams      prometheus.Gauge
}

// New creates and registers Prometheus metrics on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stream_keeper_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stream_keeper_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		probesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stream_keeper_probes_total",
			Help: "Codec probes by detected codec",
		}, []string{"codec"}),
		backendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stream_keeper_backends_built_total",
			Help: "Playback backends constructed, by kind",
		}, []string{"backend"}),
		lossesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stream_keeper_connection_losses_total",
			Help: "Connection losses by reason",
		}, []string{"reason"}),
		reconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stream_keeper_reconnect_attempts_total",
			Help: "Scheduled reconnect attempts",
		}),
		deferredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stream_keeper_reconnects_deferred_total",
			Help: "Losses deferred because they fell inside the reconnect cooldown",
		}),
		fatalFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stream_keeper_fatal_failures_total",
			Help: "Connections that exhausted their reconnect attempts",
		}),
		playRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stream_keeper_play_retries_total",
			Help: "Rejected play requests",
		}),
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stream_keeper_connections",
			Help: "Live connections by state",
		}, []string{"state"}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stream_keeper_active_streams",
			Help: "Number of streams held by the supervisor",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.probesTotal,
		m.backendsTotal,
		m.lossesTotal,
		m.reconnectsTotal,
		m.deferredTotal,
		m.fatalFailuresTotal,
		m.playRetriesTotal,
		m.connections,
		m.activeStreams,
	)
	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// SetActiveStreams sets the active streams gauge.
func (m *Metrics) SetActiveStreams(n int) {
	m.activeStreams.Set(float64(n))
}

func (m *Metrics) Probed(codec string)         { m.probesTotal.WithLabelValues(codec).Inc() }
func (m *Metrics) BackendBuilt(backend string) { m.backendsTotal.WithLabelValues(backend).Inc() }
func (m *Metrics) ConnectionLost(reason string) {
	m.lossesTotal.WithLabelValues(reason).Inc()
}
func (m *Metrics) ReconnectAttempt()  { m.reconnectsTotal.Inc() }
func (m *Metrics) ReconnectDeferred() { m.deferredTotal.Inc() }
func (m *Metrics) GaveUp()            { m.fatalFailuresTotal.Inc() }
func (m *Metrics) PlayRetry()         { m.playRetriesTotal.Inc() }

// StateChanged moves one connection between state buckets.
func (m *Metrics) StateChanged(from, to string) {
	if trackedStates[from] {
		m.connections.WithLabelValues(from).Dec()
	}
	if trackedStates[to] {
		m.connections.WithLabelValues(to).Inc()
	}
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. active streams).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		h.ServeHTTP(w, r)
	})
}
