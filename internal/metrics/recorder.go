// Package metrics records run and job counters for the orchestration engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespaceConstant        = "conveyor"
	pipelineLabelConstant    = "pipeline"
	outcomeLabelConstant     = "outcome"
	jobLabelConstant         = "job"
	stateLabelConstant       = "state"
	publishModeLabelConstant = "publish_mode"
)

// Recorder receives run lifecycle observations from the coordinator.
type Recorder interface {
	RunStarted(pipelineName string)
	RunSuperseded(pipelineName string)
	RunFinished(pipelineName string, outcome string, duration time.Duration)
	JobFinished(pipelineName string, jobID string, state string, publishMode string, duration time.Duration)
}

// NopRecorder discards observations.
type NopRecorder struct{}

// RunStarted does nothing.
func (NopRecorder) RunStarted(string) {}

// RunSuperseded does nothing.
func (NopRecorder) RunSuperseded(string) {}

// RunFinished does nothing.
func (NopRecorder) RunFinished(string, string, time.Duration) {}

// JobFinished does nothing.
func (NopRecorder) JobFinished(string, string, string, string, time.Duration) {}

// PrometheusRecorder exports observations through its own registry.
type PrometheusRecorder struct {
	registry    *prometheus.Registry
	activeRuns  *prometheus.GaugeVec
	runsTotal   *prometheus.CounterVec
	superseded  *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
	jobsTotal   *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
}

// NewPrometheusRecorder registers the conveyor collectors on a fresh registry.
func NewPrometheusRecorder() *PrometheusRecorder {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &PrometheusRecorder{
		registry: registry,
		activeRuns: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespaceConstant,
			Name:      "active_runs",
			Help:      "Runs currently in progress.",
		}, []string{pipelineLabelConstant}),
		runsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespaceConstant,
			Name:      "runs_total",
			Help:      "Finished runs by outcome.",
		}, []string{pipelineLabelConstant, outcomeLabelConstant}),
		superseded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespaceConstant,
			Name:      "runs_superseded_total",
			Help:      "Runs cancelled because a newer run joined the same concurrency group.",
		}, []string{pipelineLabelConstant}),
		runDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespaceConstant,
			Name:      "run_duration_seconds",
			Help:      "Wall time of finished runs.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{pipelineLabelConstant, outcomeLabelConstant}),
		jobsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespaceConstant,
			Name:      "jobs_total",
			Help:      "Job instances by terminal state and publish mode.",
		}, []string{pipelineLabelConstant, jobLabelConstant, stateLabelConstant, publishModeLabelConstant}),
		jobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespaceConstant,
			Name:      "job_duration_seconds",
			Help:      "Wall time of job instances that ran.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{pipelineLabelConstant, jobLabelConstant}),
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (recorder *PrometheusRecorder) Registry() *prometheus.Registry {
	return recorder.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (recorder *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(recorder.registry, promhttp.HandlerOpts{Registry: recorder.registry})
}

// RunStarted increments the active run gauge.
func (recorder *PrometheusRecorder) RunStarted(pipelineName string) {
	recorder.activeRuns.WithLabelValues(pipelineName).Inc()
}

// RunSuperseded counts a run cancelled by a newer run.
func (recorder *PrometheusRecorder) RunSuperseded(pipelineName string) {
	recorder.superseded.WithLabelValues(pipelineName).Inc()
}

// RunFinished records the outcome and duration of a run.
func (recorder *PrometheusRecorder) RunFinished(pipelineName string, outcome string, duration time.Duration) {
	recorder.activeRuns.WithLabelValues(pipelineName).Dec()
	recorder.runsTotal.WithLabelValues(pipelineName, outcome).Inc()
	recorder.runDuration.WithLabelValues(pipelineName, outcome).Observe(duration.Seconds())
}

// JobFinished records one terminal job instance. Jobs that never ran report no duration.
func (recorder *PrometheusRecorder) JobFinished(pipelineName string, jobID string, state string, publishMode string, duration time.Duration) {
	if len(publishMode) == 0 {
		publishMode = "none"
	}
	recorder.jobsTotal.WithLabelValues(pipelineName, jobID, state, publishMode).Inc()
	if duration > 0 {
		recorder.jobDuration.WithLabelValues(pipelineName, jobID).Observe(duration.Seconds())
	}
}
