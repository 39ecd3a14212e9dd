// Package metrics holds the prometheus collectors exported on /metrics.
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

const namespace = "plz"

// Metrics is safe for concurrent use. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	Acquisitions        *prometheus.CounterVec
	AcquisitionDuration prometheus.Histogram
	Executions          *prometheus.CounterVec
	Harvested           *prometheus.CounterVec
	Instances           *prometheus.GaugeVec
	HTTPRequests        *prometheus.CounterVec
	HTTPDuration        *prometheus.HistogramVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Acquisitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "instance_acquisitions_total",
				Help:      "Instance acquisitions by outcome.",
			},
			[]string{"outcome"},
		),
		AcquisitionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "instance_acquisition_duration_seconds",
				Help:      "Time from querying availability to a bound instance.",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
			},
		),
		Executions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_started_total",
				Help:      "Accepted executions by kind.",
			},
			[]string{"kind"},
		),
		Harvested: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_harvested_total",
				Help:      "Finished executions moved into results storage.",
			},
			[]string{"outcome"},
		),
		Instances: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "instances",
				Help:      "Instances seen by the last tidy-up sweep.",
			},
			[]string{"state"},
		),
		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by route and status code.",
			},
			[]string{"route", "code"},
		),
		HTTPDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency by route.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route"},
		),
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveAcquisition(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.Acquisitions.WithLabelValues(outcome).Inc()
	if outcome == "started" {
		m.AcquisitionDuration.Observe(took.Seconds())
	}
}

func (m *Metrics) ExecutionStarted(kind string) {
	if m == nil {
		return
	}
	m.Executions.WithLabelValues(kind).Inc()
}

func (m *Metrics) ExecutionHarvested(outcome string) {
	if m == nil {
		return
	}
	m.Harvested.WithLabelValues(outcome).Inc()
}

// SetInstances replaces the instance gauge with counts keyed by state.
func (m *Metrics) SetInstances(counts map[string]int) {
	if m == nil {
		return
	}
	m.Instances.Reset()
	for state, n := range counts {
		m.Instances.WithLabelValues(state).Set(float64(n))
	}
}

func (m *Metrics) ObserveHTTP(route string, code int, took time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.HTTPDuration.WithLabelValues(route).Observe(took.Seconds())
}
