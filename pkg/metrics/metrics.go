// Package metrics defines the Prometheus collectors used across the face
// pipeline and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the pipeline and aggregator.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	ItemsAdmittedTotal    prometheus.Counter
	AdmissionsRejected    *prometheus.CounterVec
	StageItemsTotal       *prometheus.CounterVec
	StageDuration         *prometheus.HistogramVec
	QueueDepth            *prometheus.GaugeVec
	StageWorkers          *prometheus.GaugeVec
	WorkerRestartsTotal   *prometheus.CounterVec
	DeadLettersTotal      *prometheus.CounterVec
	DeadLetterPubDropped  prometheus.Counter
	EventsDroppedTotal    prometheus.Counter
	EventsPublishedTotal  prometheus.Counter
	PersistRetriesTotal   prometheus.Counter
	FacesDetected         prometheus.Histogram
	RecognitionConfidence prometheus.Histogram
	PipelineState         prometheus.Gauge

	AggregateQueriesTotal *prometheus.CounterVec
	CacheHitsTotal        prometheus.Counter
	CacheMissesTotal      prometheus.Counter
	CircuitBreakerState   *prometheus.GaugeVec
}

// New creates all collectors and registers them with reg. Passing
// prometheus.DefaultRegisterer exposes them on Handler.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		ItemsAdmittedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pipeline_items_admitted_total",
				Help: "Total work items accepted by the ingestion gate.",
			},
		),
		AdmissionsRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_admissions_rejected_total",
				Help: "Admission attempts refused by the ingestion gate, by reason.",
			},
			[]string{"reason"},
		),
		StageItemsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_stage_items_total",
				Help: "Items handled per stage by outcome (ok, dead_lettered, dropped).",
			},
			[]string{"stage", "outcome"},
		),
		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_stage_duration_seconds",
				Help:    "Time spent handling one item in a stage.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"stage"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pipeline_queue_depth",
				Help: "Items waiting in each stage's input queue.",
			},
			[]string{"stage"},
		),
		StageWorkers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pipeline_stage_workers",
				Help: "Live workers per stage.",
			},
			[]string{"stage"},
		),
		WorkerRestartsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_worker_restarts_total",
				Help: "Workers restarted by the supervisor after a fault.",
			},
			[]string{"stage"},
		),
		DeadLettersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_dead_letters_total",
				Help: "Items dead-lettered, by stage and cause.",
			},
			[]string{"stage", "cause"},
		),
		DeadLetterPubDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pipeline_dead_letter_publications_dropped_total",
				Help: "Dead-letter entries not published because the publish buffer was full.",
			},
		),
		EventsDroppedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "telemetry_events_dropped_total",
				Help: "Telemetry records dropped because the forwarding buffer was full or publishing kept failing.",
			},
		),
		EventsPublishedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "telemetry_events_published_total",
				Help: "Telemetry records published to Kafka.",
			},
		),
		PersistRetriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pipeline_persist_retries_total",
				Help: "Store write retries after a transient failure.",
			},
		),
		FacesDetected: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pipeline_faces_detected",
				Help:    "Faces detected per admitted image.",
				Buckets: []float64{0, 1, 2, 3, 5, 8, 13, 21},
			},
		),
		RecognitionConfidence: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pipeline_recognition_confidence",
				Help:    "Confidence reported by the recognizer.",
				Buckets: prometheus.LinearBuckets(0, 0.1, 11),
			},
		),
		PipelineState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pipeline_state",
				Help: "Pipeline lifecycle state (0=idle, 1=running, 2=degraded, 3=halted, 4=stopping, 5=stopped).",
			},
		),
		AggregateQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aggregator_queries_total",
				Help: "Aggregate requests by kind (running, window) and status.",
			},
			[]string{"kind", "status"},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_hits_total",
				Help: "Total number of cache hits.",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_misses_total",
				Help: "Total number of cache misses.",
			},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.ItemsAdmittedTotal,
		m.AdmissionsRejected,
		m.StageItemsTotal,
		m.StageDuration,
		m.QueueDepth,
		m.StageWorkers,
		m.WorkerRestartsTotal,
		m.DeadLettersTotal,
		m.DeadLetterPubDropped,
		m.EventsDroppedTotal,
		m.EventsPublishedTotal,
		m.PersistRetriesTotal,
		m.FacesDetected,
		m.RecognitionConfidence,
		m.PipelineState,
		m.AggregateQueriesTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CircuitBreakerState,
	)

	return m
}

// NewNop returns collectors registered on a throwaway registry. Components
// built without metrics use it so that they never need nil checks.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
