// Package telemetry holds the Prometheus instruments shared by the service.
//
// Every recording method is safe on a nil *Metrics, so components can take
// an optional metrics handle without guarding each call site.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/techiepookie/arguxai/internal/types"
)

const namespace = "arguxai"

// Metrics holds all Prometheus metrics for ArguxAI
type Metrics struct {
	registry *prometheus.Registry

	// Detection
	AnomaliesDetected *prometheus.CounterVec
	ScanDuration      prometheus.Histogram

	// Issue lifecycle
	IssuesCreated      *prometheus.CounterVec
	IssueTransitions   *prometheus.CounterVec
	DiagnosisDuration  *prometheus.HistogramVec
	DiagnosisFallbacks prometheus.Counter

	// Ingestion
	EventsIngested *prometheus.CounterVec

	// HTTP
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// New creates the metric set on a private registry, plus the Go runtime
// and process collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		AnomaliesDetected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "anomalies_detected_total",
				Help:      "Anomalies accepted by the detector, by funnel step",
			},
			[]string{"funnel_step"},
		),

		ScanDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "scan_duration_seconds",
				Help:      "Duration of a full funnel scan in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
		),

		IssuesCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "issues_created_total",
				Help:      "Issues opened, by severity",
			},
			[]string{"severity"},
		),

		IssueTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "issue_transitions_total",
				Help:      "Issue status transitions, by target status",
			},
			[]string{"status"},
		),

		DiagnosisDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "diagnosis_duration_seconds",
				Help:      "Diagnosis provider latency in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
			},
			[]string{"result"},
		),

		DiagnosisFallbacks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "diagnosis_fallbacks_total",
				Help:      "Diagnoses replaced by the fallback because the provider failed",
			},
		),

		EventsIngested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_ingested_total",
				Help:      "Ingested events, by outcome",
			},
			[]string{"result"},
		),

		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests, by route, method and status code",
			},
			[]string{"route", "method", "code"},
		),

		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.AnomaliesDetected,
		m.ScanDuration,
		m.IssuesCreated,
		m.IssueTransitions,
		m.DiagnosisDuration,
		m.DiagnosisFallbacks,
		m.EventsIngested,
		m.HTTPRequests,
		m.HTTPDuration,
	)
	return m
}

// Registry exposes the underlying registry for tests and custom exporters
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordAnomaly counts an accepted anomaly
func (m *Metrics) RecordAnomaly(step string) {
	if m == nil {
		return
	}
	m.AnomaliesDetected.WithLabelValues(step).Inc()
}

// ObserveScan records how long a scan across funnel steps took
func (m *Metrics) ObserveScan(d time.Duration) {
	if m == nil {
		return
	}
	m.ScanDuration.Observe(d.Seconds())
}

// RecordIssueCreated counts a newly opened issue
func (m *Metrics) RecordIssueCreated(sev types.Severity) {
	if m == nil {
		return
	}
	m.IssuesCreated.WithLabelValues(string(sev)).Inc()
}

// RecordTransition counts a status transition
func (m *Metrics) RecordTransition(to types.Status) {
	if m == nil {
		return
	}
	m.IssueTransitions.WithLabelValues(string(to)).Inc()
}

// ObserveDiagnosis records provider latency. fallback marks a degraded result.
func (m *Metrics) ObserveDiagnosis(d time.Duration, fallback bool) {
	if m == nil {
		return
	}
	result := "ok"
	if fallback {
		result = "fallback"
		m.DiagnosisFallbacks.Inc()
	}
	m.DiagnosisDuration.WithLabelValues(result).Observe(d.Seconds())
}

// RecordIngest counts the outcome of an ingest batch
func (m *Metrics) RecordIngest(ingested, duplicates, rejected int) {
	if m == nil {
		return
	}
	m.EventsIngested.WithLabelValues("ingested").Add(float64(ingested))
	m.EventsIngested.WithLabelValues("duplicate").Add(float64(duplicates))
	m.EventsIngested.WithLabelValues("rejected").Add(float64(rejected))
}

// ObserveHTTP records one served request
func (m *Metrics) ObserveHTTP(route, method string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
	m.HTTPDuration.WithLabelValues(route).Observe(d.Seconds())
}
