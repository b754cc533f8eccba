package tso

import "github.com/prometheus/client_golang/prometheus"

var (
	tsoCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "txnkv",
			Subsystem: "tso",
			Name:      "events",
			Help:      "Counter of tso events",
		}, []string{"type"})

	tsoGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "txnkv",
			Subsystem: "tso",
			Name:      "ts",
			Help:      "Record of tso metadata.",
		}, []string{"type"})
)

func init() {
	prometheus.MustRegister(tsoCounter)
	prometheus.MustRegister(tsoGauge)
}
