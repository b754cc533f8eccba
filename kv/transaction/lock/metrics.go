package lock

import "github.com/prometheus/client_golang/prometheus"

var (
	lockCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "txnkv",
			Subsystem: "lock",
			Name:      "events",
			Help:      "Counter of lock manager events",
		}, []string{"type"})

	lockWaitHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "txnkv",
			Subsystem: "lock",
			Name:      "wait_duration_seconds",
			Help:      "Bucketed histogram of time spent waiting for a lock.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		})
)

func init() {
	prometheus.MustRegister(lockCounter)
	prometheus.MustRegister(lockWaitHistogram)
}
