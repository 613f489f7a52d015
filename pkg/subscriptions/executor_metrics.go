package subscriptions

import "github.com/prometheus/client_golang/prometheus"

const (
	outcomeSuccess = "success"
	outcomeError   = "error"
	outcomeStale   = "stale"
)

type executorMetrics struct {
	tasks        *prometheus.CounterVec
	inFlight     prometheus.Gauge
	taskDuration prometheus.Histogram
}

func newExecutorMetrics(r prometheus.Registerer) *executorMetrics {
	m := &executorMetrics{}

	m.tasks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quarry_subscription_tasks_total",
		Help: "Scheduled subscription tasks by outcome. Stale tasks were shed without executing.",
	}, []string{"outcome"})
	m.inFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "quarry_subscription_queries_in_flight",
		Help: "The number of subscription queries currently executing.",
	})
	m.taskDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "quarry_subscription_task_duration_seconds",
		Help:    "Duration of successful subscription executions, publish included.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	if r != nil {
		r.MustRegister(
			m.tasks,
			m.inFlight,
			m.taskDuration,
		)
	}
	return m
}
