// Package metrics holds the Prometheus collectors exported by the OTA server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "frugal_iot"

// Metrics collects OTA and HTTP counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	checks           *prometheus.CounterVec
	candidateMatches *prometheus.CounterVec
	digestFailures   prometheus.Counter
	bytesDelivered   prometheus.Counter
	requests         *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
}

// New registers all collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		checks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ota",
				Name:      "checks_total",
				Help:      "Update checks by outcome",
			},
			[]string{"outcome"},
		),
		candidateMatches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ota",
				Name:      "candidate_matches_total",
				Help:      "Resolved firmware candidates by specificity level (0 is most specific)",
			},
			[]string{"level"},
		),
		digestFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ota",
			Name:      "digest_failures_total",
			Help:      "Firmware digests that failed while streaming",
		}),
		bytesDelivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ota",
			Name:      "bytes_delivered_total",
			Help:      "Firmware bytes written to devices",
		}),
		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests by method, route and status",
			},
			[]string{"method", "route", "status"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"method", "route"},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) CheckCompleted(outcome string) {
	if m == nil {
		return
	}
	m.checks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) CandidateMatched(level int) {
	if m == nil {
		return
	}
	m.candidateMatches.WithLabelValues(strconv.Itoa(level)).Inc()
}

func (m *Metrics) DigestFailed() {
	if m == nil {
		return
	}
	m.digestFailures.Inc()
}

func (m *Metrics) BytesDelivered(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesDelivered.Add(float64(n))
}

func (m *Metrics) RequestServed(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
