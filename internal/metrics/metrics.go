package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verdict_executions_total",
			Help: "Total number of executions by language and outcome class",
		},
		[]string{"language", "class"}, // class: "ok" or an error class
	)

	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "verdict_execution_duration_ms",
			Help:    "Execution duration in milliseconds",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		},
		[]string{"language", "phase"}, // phase: "queue", "run"
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "verdict_queue_depth",
			Help: "Current number of jobs waiting for a worker",
		},
	)

	ActiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "verdict_active_workers",
			Help: "Number of workers currently processing jobs",
		},
	)

	MemoryUsage = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "verdict_memory_usage_kb",
			Help:    "Peak memory usage per execution in KB",
			Buckets: []float64{1024, 4096, 16384, 65536, 131072, 262144, 1048576},
		},
		[]string{"language"},
	)

	ContainerCreationTime = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "verdict_container_creation_ms",
			Help:    "Time to create and start a container",
			Buckets: []float64{50, 100, 200, 500, 1000, 2000},
		},
	)

	ThrottledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "verdict_throttled_total",
			Help: "Submissions rejected because the queue was full",
		},
	)

	SandboxViolations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verdict_sandbox_violations_total",
			Help: "Jobs that breached a resource ceiling",
		},
		[]string{"kind"},
	)

	PanicsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "verdict_worker_panics_total",
			Help: "Jobs that panicked inside a worker",
		},
	)

	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "verdict_rate_limit_hits_total",
			Help: "Total number of requests rejected by rate limiter",
		},
	)
)
