// Package metrics registers and serves the service's Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the replay service.
type Metrics struct {
	registry         *prometheus.Registry
	clipsServedTotal prometheus.Counter
	clipBytesTotal   prometheus.Counter
	requestsTotal    prometheus.Counter
	errorsTotal      prometheus.Counter
	rotations        prometheus.Gauge
	activeCaptures   prometheus.Gauge
	bufferedBytes    prometheus.Gauge
}

// New creates and registers Prometheus metrics for the service.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	clipsServedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rewind_clips_served_total",
		Help: "Total number of clips served by retrievals",
	})
	clipBytesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rewind_clip_bytes_total",
		Help: "Total bytes of clip data served",
	})
	rotations := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rewind_rotations",
		Help: "Session rotations summed across active captures",
	})
	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rewind_http_requests_total",
		Help: "Total number of HTTP requests received",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rewind_http_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})
	activeCaptures := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rewind_active_captures",
		Help: "Number of live sources with an active capture",
	})
	bufferedBytes := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rewind_buffered_bytes",
		Help: "Bytes currently buffered across in-progress sessions and fallbacks",
	})

	registry.MustRegister(
		clipsServedTotal,
		clipBytesTotal,
		rotations,
		requestsTotal,
		errorsTotal,
		activeCaptures,
		bufferedBytes,
	)

	return &Metrics{
		registry:         registry,
		clipsServedTotal: clipsServedTotal,
		clipBytesTotal:   clipBytesTotal,
		rotations:        rotations,
		requestsTotal:    requestsTotal,
		errorsTotal:      errorsTotal,
		activeCaptures:   activeCaptures,
		bufferedBytes:    bufferedBytes,
	}
}

// IncClipServed records one served clip of the given size.
func (m *Metrics) IncClipServed(bytes int) {
	m.clipsServedTotal.Inc()
	m.clipBytesTotal.Add(float64(bytes))
}

// SetRotations sets the summed rotation gauge.
func (m *Metrics) SetRotations(n int64) {
	m.rotations.Set(float64(n))
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// SetActiveCaptures sets the active captures gauge.
func (m *Metrics) SetActiveCaptures(n int) {
	m.activeCaptures.Set(float64(n))
}

// SetBufferedBytes sets the buffered bytes gauge.
func (m *Metrics) SetBufferedBytes(n int64) {
	m.bufferedBytes.Set(float64(n))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
