// internal/common/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	InferenceJobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inference_jobs_completed_total",
			Help: "Total number of inference jobs completed per stage",
		},
		[]string{"stage"},
	)

	InferenceJobsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inference_jobs_failed_total",
			Help: "Total number of inference jobs failed per stage",
		},
		[]string{"stage", "error_code"},
	)

	InferenceJobWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "inference_job_wait_seconds",
			Help: "Time jobs spend queued before the model executes them",
		},
		[]string{"priority"},
	)

	InferenceJobExec = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "inference_job_exec_seconds",
			Help: "Model execution time per stage",
		},
		[]string{"stage"},
	)

	InferenceQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "inference_queue_depth",
			Help: "Number of jobs currently queued at the gate",
		},
	)

	CacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_requests_total",
			Help: "Semantic cache lookups per stage and outcome",
		},
		[]string{"stage", "outcome"},
	)
)
