package queue

import "github.com/prometheus/client_golang/prometheus"

var (
	enqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_enqueued_total",
			Help: "Total jobs accepted for delivery per kind",
		},
		[]string{"kind"},
	)
	processedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_processed_total",
			Help: "Total jobs handled successfully per kind",
		},
		[]string{"kind"},
	)
	failedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_failed_total",
			Help: "Total job attempts that returned an error per kind",
		},
		[]string{"kind"},
	)
	deadTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_dead_total",
			Help: "Total jobs parked on the dead letter queue per kind",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(enqueuedTotal, processedTotal, failedTotal, deadTotal)
}
