package transaction

import (
	"github.com/google/uuid"
	"github.com/hypermesh/txnkv/kv/transaction/lock"
	"github.com/hypermesh/txnkv/kv/transaction/writeset"
	"github.com/hypermesh/txnkv/kv/util/worker"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

type sweepTask int

const (
	deadlockSweep sweepTask = iota
	timeoutSweep
	pruneSweep
	gcSweep
)

func (t sweepTask) String() string {
	switch t {
	case deadlockSweep:
		return "deadlock-sweep"
	case timeoutSweep:
		return "timeout-sweep"
	case pruneSweep:
		return "writeset-prune"
	case gcSweep:
		return "storage-gc"
	}
	return "unknown"
}

type sweepHandler struct {
	m *Manager
}

func (h *sweepHandler) Handle(t worker.Task) {
	task, ok := t.(sweepTask)
	if !ok {
		log.Error("unexpected sweep task", zap.Reflect("task", t))
		return
	}
	log.Debug("run sweep", zap.Stringer("task", task))
	switch task {
	case deadlockSweep:
		h.m.DetectDeadlocks()
	case timeoutSweep:
		h.m.ExpireTimedOut()
	case pruneSweep:
		if n := h.m.writes.Prune(); n > 0 {
			sweepCounter.WithLabelValues("pruned").Add(float64(n))
			log.Debug("pruned write records", zap.Int("count", n))
		}
	case gcSweep:
		h.m.CollectGarbage()
	}
}

// Start launches the background sweeps. It is a no-op when already running.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	retention := m.conf.WriteRetention.Duration
	if retention <= 0 {
		retention = writeset.DefaultRetention
	}
	m.tickers = []*worker.Ticker{
		worker.NewTicker(m.conf.DeadlockDetectInterval.Duration, deadlockSweep, &m.wg),
		worker.NewTicker(m.conf.TimeoutSweepInterval.Duration, timeoutSweep, &m.wg),
		worker.NewTicker(retention, pruneSweep, &m.wg),
	}
	if m.conf.GCInterval.Duration > 0 {
		m.tickers = append(m.tickers, worker.NewTicker(m.conf.GCInterval.Duration, gcSweep, &m.wg))
	}
	handler := &sweepHandler{m: m}
	for _, t := range m.tickers {
		t.Start(handler)
	}
	log.Info("transaction manager started",
		zap.Stringer("default-isolation", m.defaultIsolation),
		zap.Duration("deadlock-detect-interval", m.conf.DeadlockDetectInterval.Duration),
		zap.Duration("timeout-sweep-interval", m.conf.TimeoutSweepInterval.Duration))
}

// Stop ends the background sweeps and waits for a running pass to finish.
// Live transactions are left as they are.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	tickers := m.tickers
	m.tickers = nil
	m.mu.Unlock()

	for _, t := range tickers {
		t.Stop()
	}
	m.wg.Wait()
	log.Info("transaction manager stopped", zap.Int("active", len(m.ActiveTxns())))
}

// DetectDeadlocks runs one detection pass over the current wait-for graph and
// aborts a victim per cycle. It returns the aborted transactions.
func (m *Manager) DetectDeadlocks() []uuid.UUID {
	snap := m.locks.Snapshot()
	if len(snap.Waiters) == 0 {
		return nil
	}
	m.mu.RLock()
	startTS := make(map[uuid.UUID]uint64, len(m.txns))
	for id, txn := range m.txns {
		startTS[id] = txn.StartTS
	}
	m.mu.RUnlock()
	return m.breakCycles(snap, startTS)
}

// breakCycles aborts the victims found in snap. The lock table may have moved
// on since snap was taken, so a victim is aborted only while it still waits.
func (m *Manager) breakCycles(snap *lock.Snapshot, startTS map[uuid.UUID]uint64) []uuid.UUID {
	waiting := func(txn *Txn) bool {
		return txn.Status == Active && m.locks.IsWaiting(txn.ID)
	}
	var aborted []uuid.UUID
	for _, victim := range m.detector.Detect(snap, startTS) {
		if !m.abortIf(victim.Txn, ReasonDeadlock, waiting) {
			log.Debug("deadlock victim no longer waiting", zap.Stringer("txn", victim.Txn))
			continue
		}
		m.deadlocks.Inc()
		aborted = append(aborted, victim.Txn)
	}
	if len(aborted) > 0 {
		sweepCounter.WithLabelValues("deadlock").Add(float64(len(aborted)))
		log.Info("deadlock sweep aborted transactions", zap.Int("count", len(aborted)))
	}
	return aborted
}

// ExpireTimedOut aborts every transaction past its deadline, except those in
// the middle of committing. It returns the aborted transactions.
func (m *Manager) ExpireTimedOut() []uuid.UUID {
	now := m.now()
	var expired []uuid.UUID
	m.mu.RLock()
	for id, txn := range m.txns {
		if txn.Status != Committing && now.After(txn.TimeoutAt) {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	var aborted []uuid.UUID
	for _, id := range expired {
		if !m.abort(id, ReasonTimeout, false) {
			continue
		}
		m.timedOut.Inc()
		aborted = append(aborted, id)
	}
	if len(aborted) > 0 {
		sweepCounter.WithLabelValues("timeout").Add(float64(len(aborted)))
		log.Info("timeout sweep aborted transactions", zap.Int("count", len(aborted)))
	}
	return aborted
}

// SafePoint is the oldest timestamp a live transaction may still read at.
func (m *Manager) SafePoint() uint64 {
	safePoint := m.store.CurrentTimestamp()
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, txn := range m.txns {
		if txn.StartTS < safePoint {
			safePoint = txn.StartTS
		}
	}
	return safePoint
}

// CollectGarbage drops storage versions no live transaction can read.
func (m *Manager) CollectGarbage() (int, error) {
	safePoint := m.SafePoint()
	n, err := m.store.GC(safePoint)
	if err != nil {
		log.Error("storage gc failed", zap.Uint64("safe-point", safePoint), zap.Error(err))
		return 0, err
	}
	if n > 0 {
		sweepCounter.WithLabelValues("gc").Add(float64(n))
		log.Info("storage gc", zap.Uint64("safe-point", safePoint), zap.Int("collected", n))
	}
	return n, nil
}
