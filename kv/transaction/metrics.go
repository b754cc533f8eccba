package transaction

import "github.com/prometheus/client_golang/prometheus"

var (
	txnCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "txnkv",
			Subsystem: "txn",
			Name:      "events",
			Help:      "Counter of transaction events",
		}, []string{"type"})

	abortCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "txnkv",
			Subsystem: "txn",
			Name:      "aborts",
			Help:      "Counter of aborted transactions by reason",
		}, []string{"reason"})

	activeGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "txnkv",
			Subsystem: "txn",
			Name:      "active",
			Help:      "Number of live transactions.",
		})

	commitHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "txnkv",
			Subsystem: "txn",
			Name:      "commit_duration_seconds",
			Help:      "Bucketed histogram of commit duration.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 18),
		})

	sweepCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "txnkv",
			Subsystem: "txn",
			Name:      "sweep_items",
			Help:      "Counter of items handled by background sweeps",
		}, []string{"type"})
)

func init() {
	prometheus.MustRegister(txnCounter)
	prometheus.MustRegister(abortCounter)
	prometheus.MustRegister(activeGauge)
	prometheus.MustRegister(commitHistogram)
	prometheus.MustRegister(sweepCounter)
}
