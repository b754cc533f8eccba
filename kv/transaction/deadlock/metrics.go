package deadlock

import "github.com/prometheus/client_golang/prometheus"

var deadlockCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "txnkv",
		Subsystem: "deadlock",
		Name:      "victims",
		Help:      "Counter of transactions chosen to break a deadlock",
	}, []string{"policy"})

func init() {
	prometheus.MustRegister(deadlockCounter)
}
