package httpx

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Stream kinds reported by the open streams gauge.
const (
	streamLogsSSE     = "logs_sse"
	streamLogsWS      = "logs_ws"
	streamQueueEvents = "queue_events"
)

// Submissions and status reads are quick; log history reads can carry a thousand entries.
var requestBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}

type httpMetrics struct {
	requests    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	rateLimited *prometheus.CounterVec
	streams     *prometheus.GaugeVec
}

func newHTTPMetrics(reg prometheus.Registerer) *httpMetrics {
	m := &httpMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devport",
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"method", "route", "code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "devport",
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "Latency of non-streaming HTTP handlers.",
			Buckets:   requestBuckets,
		}, []string{"route"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devport",
			Subsystem: "api",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by a rate policy, by caller scope.",
		}, []string{"policy", "scope"}),
		streams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "devport",
			Subsystem: "api",
			Name:      "open_streams",
			Help:      "Log and queue event streams currently held open.",
		}, []string{"kind"}),
	}
	m.requests = register(reg, m.requests)
	m.latency = register(reg, m.latency)
	m.rateLimited = register(reg, m.rateLimited)
	m.streams = register(reg, m.streams)
	return m
}

// register adds c to reg, reusing the collector already registered under the same
// name so several routers can share one registry.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}

func (m *httpMetrics) observeRequest(method, route string, code int, took time.Duration, streaming bool) {
	m.requests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	if !streaming {
		m.latency.WithLabelValues(route).Observe(took.Seconds())
	}
}

func (m *httpMetrics) rateLimitedRequest(policy, scope string) {
	m.rateLimited.WithLabelValues(policy, scope).Inc()
}

// streamOpened bumps the gauge for kind and returns the matching decrement.
func (m *httpMetrics) streamOpened(kind string) func() {
	g := m.streams.WithLabelValues(kind)
	g.Inc()
	return g.Dec
}

// routeLabel drops the method from a mux pattern: "GET /logs/{slug}" becomes "/logs/{slug}".
func routeLabel(pattern string) string {
	if _, path, ok := strings.Cut(pattern, " "); ok {
		return path
	}
	return pattern
}
