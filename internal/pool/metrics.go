package pool

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for task outcomes.
const (
	outcomeResult  = "result"
	outcomeFailed  = "failed"
	outcomeDrained = "drained"
)

var (
	tasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polymer_pool_tasks_total",
			Help: "Total number of tasks answered by pool workers.",
		},
		[]string{"capability", "outcome"},
	)

	taskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "polymer_pool_task_duration_seconds",
			Help:    "Kernel invocation time per task, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"capability"},
	)

	workersReady = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "polymer_pool_workers_ready",
			Help: "Number of workers whose kernel is initialized and whose loop is running.",
		},
		[]string{"capability"},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "polymer_pool_queue_depth",
			Help: "Number of tasks waiting in worker queues.",
		},
		[]string{"capability"},
	)
)

func init() {
	prometheus.MustRegister(tasksTotal)
	prometheus.MustRegister(taskDuration)
	prometheus.MustRegister(workersReady)
	prometheus.MustRegister(queueDepth)
}

// initCapabilityMetrics pre-initializes label combinations so a capability
// appears in /metrics with value 0 from startup.
func initCapabilityMetrics(capability string) {
	tasksTotal.WithLabelValues(capability, outcomeResult)
	tasksTotal.WithLabelValues(capability, outcomeFailed)
	tasksTotal.WithLabelValues(capability, outcomeDrained)
	workersReady.WithLabelValues(capability)
	queueDepth.WithLabelValues(capability)
}
