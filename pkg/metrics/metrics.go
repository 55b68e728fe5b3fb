package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	TrackedRequestsCount    prometheus.Gauge
	JobRuns                 *prometheus.CounterVec
	JobDuration             *prometheus.HistogramVec
	JobSkipped              *prometheus.CounterVec
	ItemFailures            *prometheus.CounterVec
	NotificationsSent       *prometheus.CounterVec
	EscalationsFired        *prometheus.CounterVec
	RequestsMarkedOverdue   prometheus.Counter
	RedisOperationDuration  *prometheus.HistogramVec
	LeaderChanges           prometheus.Counter
	LeaderElectionDuration  prometheus.Histogram
	DeliveryMessagesHandled *prometheus.CounterVec
	DeliveryBatchDuration   prometheus.Histogram
}

// NewMetrics registers the collectors with reg. Pass prometheus.DefaultRegisterer
// in production and a fresh prometheus.NewRegistry() in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		TrackedRequestsCount: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sla_tracked_requests_count",
			Help: "Number of non-terminal requests seen by the last sweep",
		}),
		JobRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sla_job_runs_total",
			Help: "Total number of monitor job runs",
		}, []string{"job", "status"}),
		JobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sla_job_duration_seconds",
			Help:    "Time taken by a monitor job run",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),
		JobSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sla_job_skipped_total",
			Help: "Runs skipped because the same job was still running",
		}, []string{"job"}),
		ItemFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sla_job_item_failures_total",
			Help: "Requests that failed processing inside a job run",
		}, []string{"job"}),
		NotificationsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sla_notifications_sent_total",
			Help: "Total number of SLA notifications sent",
		}, []string{"kind"}),
		EscalationsFired: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sla_escalations_fired_total",
			Help: "Total number of escalation levels fired",
		}, []string{"level"}),
		RequestsMarkedOverdue: factory.NewCounter(prometheus.CounterOpts{
			Name: "sla_requests_marked_overdue_total",
			Help: "Total number of requests flipped to overdue",
		}),
		RedisOperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Time taken for Redis operations",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		LeaderChanges: factory.NewCounter(prometheus.CounterOpts{
			Name: "sla_leader_changes_total",
			Help: "Total number of leader changes",
		}),
		LeaderElectionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "leader_election_duration_seconds",
			Help:    "Time taken for leader election operations",
			Buckets: prometheus.DefBuckets,
		}),
		DeliveryMessagesHandled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sla_delivery_messages_total",
			Help: "Notification stream messages handled by the delivery consumer",
		}, []string{"status"}),
		DeliveryBatchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "sla_delivery_batch_duration_seconds",
			Help:    "Time taken to process a batch of notification stream messages",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
