package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	inspections = "inspections"

	// Connection metrics
	activeConnections   = "ws_active_connections"
	activeSubscriptions = "ws_active_topics"
	deliveriesTotal     = "ws_deliveries_total"

	// Job metrics
	jobsFinishedTotal    = "jobs_finished_total"
	persistFailuresTotal = "persist_failures_total"

	// Labels
	deliveryResultLabel = "result"
	jobStatusLabel      = "status"
	serviceTypeLabel    = "service_type"
)

/**
* Metrics definition
**/
var activeConnectionsMetric = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Subsystem: inspections,
		Name:      activeConnections,
		Help:      "number of live websocket connections",
	},
)

var activeSubscriptionsMetric = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Subsystem: inspections,
		Name:      activeSubscriptions,
		Help:      "number of topics with at least one subscriber",
	},
)

var deliveriesTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: inspections,
		Name:      deliveriesTotal,
		Help:      "number of broadcast deliveries by result",
	},
	[]string{deliveryResultLabel},
)

var jobsFinishedTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: inspections,
		Name:      jobsFinishedTotal,
		Help:      "number of inspection jobs reaching a terminal state",
	},
	[]string{serviceTypeLabel, jobStatusLabel},
)

var persistFailuresTotalMetric = prometheus.NewCounter(
	prometheus.CounterOpts{
		Subsystem: inspections,
		Name:      persistFailuresTotal,
		Help:      "number of jobs whose results could not be persisted inline",
	},
)

func SetActiveConnections(count int) {
	activeConnectionsMetric.Set(float64(count))
}

func SetActiveTopics(count int) {
	activeSubscriptionsMetric.Set(float64(count))
}

func IncreaseDeliveries(delivered bool) {
	result := "delivered"
	if !delivered {
		result = "failed"
	}
	deliveriesTotalMetric.With(prometheus.Labels{deliveryResultLabel: result}).Inc()
}

func IncreaseJobsFinished(serviceType, status string) {
	labels := prometheus.Labels{
		serviceTypeLabel: serviceType,
		jobStatusLabel:   status,
	}
	jobsFinishedTotalMetric.With(labels).Inc()
}

func IncreasePersistFailures() {
	persistFailuresTotalMetric.Inc()
}

func init() {
	registerMetrics()
}

func registerMetrics() {
	prometheus.MustRegister(activeConnectionsMetric)
	prometheus.MustRegister(activeSubscriptionsMetric)
	prometheus.MustRegister(deliveriesTotalMetric)
	prometheus.MustRegister(jobsFinishedTotalMetric)
	prometheus.MustRegister(persistFailuresTotalMetric)
}
