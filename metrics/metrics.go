// CLAUDE:SUMMARY Prometheus instrumentation: promauto collectors for the HTTP surface and the capture pipeline, nil-safe recording helpers.
// Package metrics registers the Prometheus collectors for the API surface
// and the capture pipeline. Init wires them into the default registry;
// the recording helpers are no-ops until it runs, so library code can call
// them unconditionally.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	JobsTotal           *prometheus.CounterVec
	StageDuration       *prometheus.HistogramVec
	TilesTotal          *prometheus.CounterVec
	ActiveJobs          prometheus.Gauge
)

var initOnce sync.Once

// Init registers every collector with the default registry. Idempotent.
func Init() {
	initOnce.Do(func() {
		HTTPRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mdwb_http_requests_total",
				Help: "Total number of HTTP requests.",
			},
			[]string{"method", "path", "status"},
		)

		HTTPRequestDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mdwb_http_request_duration_seconds",
				Help:    "Duration of HTTP requests.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		)

		JobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mdwb_jobs_total",
				Help: "Capture jobs finished, by terminal state.",
			},
			[]string{"state"},
		)

		StageDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mdwb_stage_duration_seconds",
				Help:    "Duration of pipeline stages.",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120},
			},
			[]string{"stage"},
		)

		TilesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mdwb_tiles_total",
				Help: "Tiles processed, by OCR outcome.",
			},
			[]string{"outcome"},
		)

		ActiveJobs = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "mdwb_active_jobs",
				Help: "Jobs currently running the pipeline.",
			},
		)
	})
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// JobStarted and JobFinished track the running-jobs gauge.
func JobStarted() {
	if ActiveJobs != nil {
		ActiveJobs.Inc()
	}
}

func JobFinished() {
	if ActiveJobs != nil {
		ActiveJobs.Dec()
	}
}

// RecordJob counts one job landing in a terminal state.
func RecordJob(state string) {
	if JobsTotal != nil {
		JobsTotal.WithLabelValues(state).Inc()
	}
}

// ObserveStages records per-stage durations from a timings map in
// milliseconds, as the pipeline collects them.
func ObserveStages(timings map[string]int64) {
	if StageDuration == nil {
		return
	}
	for stage, ms := range timings {
		StageDuration.WithLabelValues(stage).Observe(float64(ms) / 1000)
	}
}

// RecordTiles counts tile outcomes for one job.
func RecordTiles(ok, fallback, failed int) {
	if TilesTotal == nil {
		return
	}
	TilesTotal.WithLabelValues("ok").Add(float64(ok))
	TilesTotal.WithLabelValues("fallback").Add(float64(fallback))
	TilesTotal.WithLabelValues("failed").Add(float64(failed))
}
