// ABOUTME: Prometheus collectors for chain outcomes, connections, backends, caches and latency
// ABOUTME: All recording methods are safe on a nil *Collector so metrics stay optional

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relaygate"

// LatencyBuckets covers fast cache hits up to slow backend round trips, in seconds.
var LatencyBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10}

// Collector holds the gateway's metrics.
type Collector struct {
	chainOutcomes   *prometheus.CounterVec
	openConnections prometheus.Gauge
	backendMessages *prometheus.CounterVec
	requestLatency  *prometheus.HistogramVec
	cacheLookups    *prometheus.CounterVec
	rateLimited     prometheus.Counter
}

// New creates a collector and registers it with reg. A nil reg leaves the
// collectors unregistered.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		chainOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chain_outcomes_total",
				Help:      "Chain evaluations by event class and outcome",
			},
			[]string{"class", "outcome"},
		),
		openConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connections_open",
				Help:      "Admitted connections that have not closed",
			},
		),
		backendMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_messages_total",
				Help:      "Messages exchanged with the backend",
			},
			[]string{"backend", "direction"},
		),
		requestLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_latency_seconds",
				Help:      "Time between a request and its response",
				Buckets:   LatencyBuckets,
			},
			[]string{"method"},
		),
		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Response cache lookups by result",
			},
			[]string{"result"},
		),
		rateLimited: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_total",
				Help:      "Requests rejected by the rate limiter",
			},
		),
	}

	if reg != nil {
		reg.MustRegister(
			c.chainOutcomes,
			c.openConnections,
			c.backendMessages,
			c.requestLatency,
			c.cacheLookups,
			c.rateLimited,
		)
	}
	return c
}

// ChainOutcome counts one chain evaluation.
func (c *Collector) ChainOutcome(class, outcome string) {
	if c == nil {
		return
	}
	c.chainOutcomes.WithLabelValues(class, outcome).Inc()
}

// ConnectionOpened increments the open connection gauge.
func (c *Collector) ConnectionOpened() {
	if c == nil {
		return
	}
	c.openConnections.Inc()
}

// ConnectionClosed decrements the open connection gauge.
func (c *Collector) ConnectionClosed() {
	if c == nil {
		return
	}
	c.openConnections.Dec()
}

// BackendMessage counts a message sent to, received from, or discarded by a backend.
func (c *Collector) BackendMessage(backend, direction string) {
	if c == nil {
		return
	}
	c.backendMessages.WithLabelValues(backend, direction).Inc()
}

// ObserveLatency records a request/response round trip.
func (c *Collector) ObserveLatency(method string, d time.Duration) {
	if c == nil {
		return
	}
	c.requestLatency.WithLabelValues(method).Observe(d.Seconds())
}

// CacheLookup counts a cache hit, miss or error.
func (c *Collector) CacheLookup(result string) {
	if c == nil {
		return
	}
	c.cacheLookups.WithLabelValues(result).Inc()
}

// RateLimited counts a rejected request.
func (c *Collector) RateLimited() {
	if c == nil {
		return
	}
	c.rateLimited.Inc()
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
