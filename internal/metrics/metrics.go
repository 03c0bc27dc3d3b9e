// Package metrics holds the Prometheus metrics of the personalization service.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the service
type Metrics struct {
	// Pipeline metrics
	PipelineDuration *prometheus.HistogramVec
	PipelineRuns     *prometheus.CounterVec
	StageDuration    *prometheus.HistogramVec
	StageFailures    *prometheus.CounterVec

	// Classification metrics
	DemandClassified   *prometheus.CounterVec
	ClassifierFallback prometheus.Counter

	// Profile metrics
	BandTransitions *prometheus.CounterVec
	ProfileUpdates  *prometheus.CounterVec
	CacheHits       prometheus.Counter
	CacheMisses     prometheus.Counter

	// Feedback metrics
	FeedbackIngested *prometheus.CounterVec
	FeedbackRejected *prometheus.CounterVec

	// Transport metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

var (
	metricsOnce   sync.Once
	sharedMetrics *Metrics
)

// NewMetrics creates and registers all Prometheus metrics.
// Metrics are registered once per process; later calls return the same set.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		sharedMetrics = &Metrics{
			PipelineDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "adaptive_pipeline_duration_seconds",
					Help:    "End-to-end personalization pipeline latency",
					Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to 512ms
				},
				[]string{"status"},
			),
			PipelineRuns: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "adaptive_pipeline_runs_total",
					Help: "Pipeline runs by final state",
				},
				[]string{"status"},
			),
			StageDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "adaptive_pipeline_stage_duration_seconds",
					Help:    "Latency of a single pipeline stage",
					Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12), // 0.1ms to ~200ms
				},
				[]string{"stage"},
			),
			StageFailures: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "adaptive_pipeline_stage_failures_total",
					Help: "Pipeline failures by originating stage",
				},
				[]string{"stage", "reason"},
			),
			DemandClassified: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "adaptive_demand_classified_total",
					Help: "Questions classified per cognitive demand level",
				},
				[]string{"level"},
			),
			ClassifierFallback: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "adaptive_classifier_fallback_total",
					Help: "Questions that matched no pattern and used the fallback level",
				},
			),
			BandTransitions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "adaptive_band_transitions_total",
					Help: "Developmental band changes",
				},
				[]string{"direction"},
			),
			ProfileUpdates: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "adaptive_profile_updates_total",
					Help: "Profile read-modify-write operations",
				},
				[]string{"result"},
			),
			CacheHits: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "adaptive_profile_cache_hits_total",
					Help: "Profile snapshot cache hits",
				},
			),
			CacheMisses: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "adaptive_profile_cache_misses_total",
					Help: "Profile snapshot cache misses",
				},
			),
			FeedbackIngested: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "adaptive_feedback_ingested_total",
					Help: "Feedback events applied to learner profiles",
				},
				[]string{"emoji"},
			),
			FeedbackRejected: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "adaptive_feedback_rejected_total",
					Help: "Feedback events rejected during validation",
				},
				[]string{"reason"},
			),
			HTTPRequestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "adaptive_http_requests_total",
					Help: "Total number of HTTP requests",
				},
				[]string{"method", "route", "status"},
			),
			HTTPRequestDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "adaptive_http_request_duration_seconds",
					Help:    "HTTP request duration in seconds",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"method", "route"},
			),
		}
	})
	return sharedMetrics
}

// RecordBandTransition counts a band move. direction is "promote" or "demote".
func (m *Metrics) RecordBandTransition(direction string) {
	if m == nil {
		return
	}
	m.BandTransitions.WithLabelValues(direction).Inc()
}

// RecordStage observes a stage duration in seconds.
func (m *Metrics) RecordStage(stage string, seconds float64) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(seconds)
}

// RecordPipeline observes the final state and total latency of a pipeline run.
func (m *Metrics) RecordPipeline(status string, seconds float64) {
	if m == nil {
		return
	}
	m.PipelineRuns.WithLabelValues(status).Inc()
	m.PipelineDuration.WithLabelValues(status).Observe(seconds)
}

// RecordStageFailure counts a failed pipeline by its originating stage.
func (m *Metrics) RecordStageFailure(stage, reason string) {
	if m == nil {
		return
	}
	m.StageFailures.WithLabelValues(stage, reason).Inc()
}
