// Package metrics exposes Prometheus metrics for ingestion and retrieval.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for hark. A nil *Metrics records
// nothing.
type Metrics struct {
	// Ingestion metrics
	IngestionsStarted  prometheus.Counter
	IngestionsFinished *prometheus.CounterVec
	IngestionsInFlight prometheus.Gauge
	StageDuration      *prometheus.HistogramVec
	StageFailures      *prometheus.CounterVec
	AudioBytes         prometheus.Histogram
	ChunksStored       prometheus.Counter

	// Query metrics
	Queries       prometheus.Counter
	QueryFailures prometheus.Counter
	QueryDuration prometheus.Histogram

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		IngestionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "hark_ingestions_started_total",
			Help: "Total number of ingestion requests received",
		}),
		IngestionsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hark_ingestions_finished_total",
			Help: "Total number of ingestion requests finished, by final state",
		}, []string{"state"}),
		IngestionsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "hark_ingestions_in_flight",
			Help: "Current number of ingestion requests being processed",
		}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hark_stage_duration_seconds",
			Help:    "Duration of each ingestion stage",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15), // 10ms to ~3 minutes
		}, []string{"stage"}),
		StageFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hark_stage_failures_total",
			Help: "Total number of ingestion failures, by stage and reason",
		}, []string{"stage", "reason"}),
		AudioBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "hark_audio_bytes",
			Help:    "Size of received recordings in bytes",
			Buckets: prometheus.ExponentialBuckets(64*1024, 2, 12), // 64KB to ~128MB
		}),
		ChunksStored: factory.NewCounter(prometheus.CounterOpts{
			Name: "hark_chunks_stored_total",
			Help: "Total number of transcript chunks stored",
		}),

		Queries: factory.NewCounter(prometheus.CounterOpts{
			Name: "hark_queries_total",
			Help: "Total number of similarity queries",
		}),
		QueryFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "hark_query_failures_total",
			Help: "Total number of failed similarity queries",
		}),
		QueryDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "hark_query_duration_seconds",
			Help:    "Duration of similarity queries including the query embedding",
			Buckets: prometheus.DefBuckets,
		}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hark_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hark_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

// RecordIngestStarted records a new ingestion and the size of its audio.
func (m *Metrics) RecordIngestStarted(audioBytes int) {
	if m == nil {
		return
	}
	m.IngestionsStarted.Inc()
	m.IngestionsInFlight.Inc()
	m.AudioBytes.Observe(float64(audioBytes))
}

// RecordIngestFinished records the final state of an ingestion.
func (m *Metrics) RecordIngestFinished(state string, chunks int) {
	if m == nil {
		return
	}
	m.IngestionsInFlight.Dec()
	m.IngestionsFinished.WithLabelValues(state).Inc()
	m.ChunksStored.Add(float64(chunks))
}

func (m *Metrics) RecordStage(stage string, took time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(took.Seconds())
}

func (m *Metrics) RecordStageFailure(stage, reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "other"
	}
	m.StageFailures.WithLabelValues(stage, reason).Inc()
}

// RecordQuery records a similarity query
func (m *Metrics) RecordQuery(took time.Duration, err error) {
	if m == nil {
		return
	}
	m.Queries.Inc()
	if err != nil {
		m.QueryFailures.Inc()
	}
	m.QueryDuration.Observe(took.Seconds())
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint string, statusCode int, took time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(took.Seconds())
}
