// Package metrics owns the prometheus collectors. Each Collector has its own
// registry so tests can build as many as they like.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const Namespace = "decisiondesk"

type Collector struct {
	registry *prometheus.Registry

	Mutations         *prometheus.CounterVec
	MutationsInFlight prometheus.Gauge
	MutationDuration  *prometheus.HistogramVec
	Undo              *prometheus.CounterVec

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		Mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "mutations_total",
			Help:      "Optimistic mutations by name and outcome.",
		}, []string{"mutation", "outcome"}),
		MutationsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "mutations_in_flight",
			Help:      "Optimistic mutations waiting on the backend.",
		}),
		MutationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "mutation_duration_seconds",
			Help:      "Time from optimistic write to settle.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"mutation"}),
		Undo: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "undo_toasts_total",
			Help:      "Undo toasts by how they resolved.",
		}, []string{"resolution"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served by the API.",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	c.registry.MustRegister(
		c.Mutations, c.MutationsInFlight, c.MutationDuration, c.Undo,
		c.HTTPRequests, c.HTTPDuration,
		collectors.NewGoCollector(),
	)
	return c
}

// Registry is exposed for tests that gather values directly.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveMutation records one settled mutation. A nil collector is a no-op.
func (c *Collector) ObserveMutation(name, outcome string, took time.Duration) {
	if c == nil {
		return
	}
	c.Mutations.WithLabelValues(name, outcome).Inc()
	c.MutationDuration.WithLabelValues(name).Observe(took.Seconds())
}

func (c *Collector) MutationStarted() {
	if c != nil {
		c.MutationsInFlight.Inc()
	}
}

func (c *Collector) MutationSettled() {
	if c != nil {
		c.MutationsInFlight.Dec()
	}
}

func (c *Collector) ObserveUndo(resolution string) {
	if c != nil {
		c.Undo.WithLabelValues(resolution).Inc()
	}
}

func (c *Collector) ObserveHTTP(method, route string, status int, took time.Duration) {
	if c == nil {
		return
	}
	c.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.HTTPDuration.WithLabelValues(method, route).Observe(took.Seconds())
}
