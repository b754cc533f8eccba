// Package tso hands out the logical timestamps that order transactions.
package tso

import (
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// TimestampOracle issues strictly increasing timestamps. It is safe for
// concurrent use; the zero timestamp is never issued.
type TimestampOracle struct {
	ts atomic.Uint64
}

func NewTimestampOracle() *TimestampOracle {
	return &TimestampOracle{}
}

// Next returns a timestamp larger than every timestamp returned before.
func (o *TimestampOracle) Next() uint64 {
	tsoCounter.WithLabelValues("issue").Inc()
	return o.ts.Inc()
}

// Current returns the last issued timestamp without advancing.
func (o *TimestampOracle) Current() uint64 {
	return o.ts.Load()
}

// Advance makes sure later timestamps are larger than ts. Used to resume
// after timestamps already persisted by storage.
func (o *TimestampOracle) Advance(ts uint64) {
	for {
		cur := o.ts.Load()
		if ts <= cur {
			return
		}
		if o.ts.CAS(cur, ts) {
			tsoCounter.WithLabelValues("advance").Inc()
			tsoGauge.WithLabelValues("current").Set(float64(ts))
			log.Info("timestamp oracle advanced", zap.Uint64("from", cur), zap.Uint64("to", ts))
			return
		}
	}
}
