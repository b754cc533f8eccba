package transaction

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hypermesh/txnkv/kv/config"
	"github.com/hypermesh/txnkv/kv/storage"
	"github.com/hypermesh/txnkv/kv/transaction/deadlock"
	"github.com/hypermesh/txnkv/kv/transaction/lock"
	"github.com/hypermesh/txnkv/kv/transaction/tso"
	"github.com/hypermesh/txnkv/kv/transaction/writeset"
	"github.com/hypermesh/txnkv/kv/util/worker"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Abort reasons.
const (
	ReasonRollback = "rollback"
	ReasonDeadlock = "deadlock"
	ReasonTimeout  = "timeout"
	ReasonConflict = "serialization conflict"
	ReasonStorage  = "storage error"
)

// Manager coordinates transactions over a Storage. All methods are safe for
// concurrent use, but calls for one transaction are expected to be sequential.
type Manager struct {
	conf             config.TxnConfig
	defaultIsolation IsolationLevel

	store    storage.Storage
	oracle   *tso.TimestampOracle
	locks    *lock.Manager
	writes   *writeset.Tracker
	detector *deadlock.Detector

	mu   sync.RWMutex
	txns map[uuid.UUID]*Txn

	// held from commit timestamp allocation until the versions are stored, so
	// versions become visible in timestamp order and validation sees every
	// earlier commit
	commitMu sync.Mutex

	started   atomic.Uint64
	committed atomic.Uint64
	aborted   atomic.Uint64
	deadlocks atomic.Uint64
	timedOut  atomic.Uint64
	conflicts atomic.Uint64

	wg      sync.WaitGroup
	tickers []*worker.Ticker
	running bool

	now func() time.Time
}

// NewManager creates a manager over an already started store. The oracle
// resumes after the newest timestamp the store has persisted.
func NewManager(conf *config.TxnConfig, store storage.Storage) (*Manager, error) {
	if err := conf.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	level, err := ParseIsolationLevel(conf.DefaultIsolation)
	if err != nil {
		return nil, err
	}
	policy, err := deadlock.ParseVictimPolicy(conf.VictimPolicy)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		conf:             *conf,
		defaultIsolation: level,
		store:            store,
		oracle:           tso.NewTimestampOracle(),
		locks:            lock.NewManager(conf.LockWaitTimeout.Duration),
		writes:           writeset.NewTracker(conf.WriteRetention.Duration),
		detector:         deadlock.NewDetector(policy),
		txns:             make(map[uuid.UUID]*Txn),
		now:              time.Now,
	}
	m.oracle.Advance(store.CurrentTimestamp())
	return m, nil
}

// DefaultIsolation is the configured isolation level.
func (m *Manager) DefaultIsolation() IsolationLevel {
	return m.defaultIsolation
}

// Begin starts a transaction at the given isolation level.
func (m *Manager) Begin(level IsolationLevel) uuid.UUID {
	return m.begin(level, nil).ID
}

// BeginDistributed starts a serializable transaction spanning shards, with
// this manager as the coordinator.
func (m *Manager) BeginDistributed(shards []string) (uuid.UUID, error) {
	if len(shards) == 0 {
		return uuid.Nil, errors.New("distributed transaction needs at least one shard")
	}
	if len(shards) > m.conf.MaxParticipants {
		return uuid.Nil, errors.Errorf("%d shards exceed the limit of %d participants", len(shards), m.conf.MaxParticipants)
	}
	return m.begin(Serializable, shards).ID, nil
}

func (m *Manager) begin(level IsolationLevel, shards []string) *Txn {
	now := m.now()
	txn := &Txn{
		ID:           uuid.New(),
		Isolation:    level,
		Status:       Active,
		ReadSet:      make(map[string]uint64),
		WriteSet:     make(map[string][]byte),
		CreatedAt:    now,
		LastActivity: now,
		TimeoutAt:    now.Add(m.conf.Timeout.Duration),
	}
	if shards != nil {
		txn.Shards = append([]string(nil), shards...)
		txn.Coordinator = true
	}
	m.mu.Lock()
	txn.StartTS = m.oracle.Next()
	m.txns[txn.ID] = txn
	m.mu.Unlock()

	m.started.Inc()
	txnCounter.WithLabelValues("begin").Inc()
	activeGauge.Inc()
	log.Debug("begin transaction",
		zap.Stringer("txn", txn.ID),
		zap.Uint64("start-ts", txn.StartTS),
		zap.Stringer("isolation", level),
		zap.Strings("shards", shards))
	return txn
}

// activeLocked returns the transaction if it exists and is Active. m.mu must be held.
func (m *Manager) activeLocked(id uuid.UUID) (*Txn, error) {
	txn, ok := m.txns[id]
	if !ok {
		return nil, &ErrTxnNotFound{ID: id}
	}
	if txn.Status != Active {
		return nil, &ErrTxnNotActive{ID: id, Status: txn.Status}
	}
	return txn, nil
}

// touchLocked records activity. m.mu must be held.
func (m *Manager) touchLocked(txn *Txn) {
	now := m.now()
	txn.LastActivity = now
	if m.conf.ExtendTimeoutOnActivity {
		txn.TimeoutAt = now.Add(m.conf.Timeout.Duration)
	}
}

// acquire takes a lock for txn and makes sure txn is still Active afterwards.
// A lock granted to a transaction that was aborted meanwhile is dropped again.
func (m *Manager) acquire(ctx context.Context, txn *Txn, key string, mode lock.LockType) error {
	err := m.locks.Acquire(ctx, txn.ID, key, mode)
	if err == lock.ErrWaitCancelled {
		return m.abortedError(txn)
	}
	if err != nil {
		return err
	}
	m.mu.RLock()
	status := txn.Status
	m.mu.RUnlock()
	if status != Active {
		m.locks.ReleaseAll(txn.ID)
		return m.abortedError(txn)
	}
	return nil
}

func (m *Manager) abortedError(txn *Txn) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if txn.Status == Aborting || txn.Status == Aborted {
		return &ErrTxnAborted{ID: txn.ID, Reason: txn.AbortReason}
	}
	return &ErrTxnNotActive{ID: txn.ID, Status: txn.Status}
}

// Read returns the value of key as seen by the transaction, or nil if the key
// has no visible value. A transaction always sees its own pending writes.
func (m *Manager) Read(ctx context.Context, id uuid.UUID, key string) ([]byte, error) {
	m.mu.Lock()
	txn, err := m.activeLocked(id)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.touchLocked(txn)
	if value, ok := txn.WriteSet[key]; ok {
		m.mu.Unlock()
		return cloneValue(value), nil
	}
	level := txn.Isolation
	m.mu.Unlock()

	var (
		readTS    uint64
		shortLock bool
	)
	switch level {
	case ReadUncommitted, ReadCommitted:
		readTS = m.store.CurrentTimestamp()
	case RepeatableRead:
		if err := m.acquire(ctx, txn, key, lock.Shared); err != nil {
			return nil, err
		}
		readTS = txn.StartTS
	case Serializable:
		_, held := m.locks.Holds(id, key)
		if err := m.acquire(ctx, txn, key, lock.Shared); err != nil {
			return nil, err
		}
		shortLock = !held
		readTS = txn.StartTS
	}

	value, err := m.store.Read(key, readTS)
	if shortLock {
		m.locks.Release(id, key)
	}
	if err != nil {
		return nil, errors.Annotatef(err, "read %q at %d", key, readTS)
	}

	m.mu.Lock()
	if txn.Status == Active && level == Serializable {
		txn.ReadSet[key] = readTS
	}
	m.mu.Unlock()
	log.Debug("read", zap.Stringer("txn", id), zap.String("key", key), zap.Uint64("read-ts", readTS))
	return value, nil
}

// Write buffers value for key in the write set after taking an exclusive lock.
func (m *Manager) Write(ctx context.Context, id uuid.UUID, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	return m.write(ctx, id, key, cloneValue(value))
}

// Delete buffers a delete of key; after commit reads see no value.
func (m *Manager) Delete(ctx context.Context, id uuid.UUID, key string) error {
	return m.write(ctx, id, key, nil)
}

func (m *Manager) write(ctx context.Context, id uuid.UUID, key string, value []byte) error {
	m.mu.Lock()
	txn, err := m.activeLocked(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.touchLocked(txn)
	m.mu.Unlock()

	if err := m.acquire(ctx, txn, key, lock.Exclusive); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if txn.Status != Active {
		return &ErrTxnNotActive{ID: id, Status: txn.Status}
	}
	txn.WriteSet[key] = value
	log.Debug("write", zap.Stringer("txn", id), zap.String("key", key), zap.Bool("delete", value == nil))
	return nil
}

// Commit validates (serializable only), persists and releases the transaction.
// On any failure the transaction is aborted before the error is returned.
func (m *Manager) Commit(id uuid.UUID) (*CommitResult, error) {
	begin := m.now()
	m.mu.Lock()
	txn, err := m.activeLocked(id)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	txn.Status = Committing
	m.mu.Unlock()

	m.commitMu.Lock()
	commitTS := m.oracle.Next()
	var conflicts []storage.ConflictInfo
	switch txn.Isolation {
	case Serializable:
		conflicts, err = m.checkConflicts(txn, commitTS)
	case ReadUncommitted, ReadCommitted, RepeatableRead:
	}
	if err == nil && len(conflicts) == 0 {
		err = m.persist(txn, commitTS)
	}
	m.commitMu.Unlock()

	if err != nil {
		m.abort(id, ReasonStorage, true)
		return nil, err
	}
	if len(conflicts) > 0 {
		m.conflicts.Inc()
		m.abort(id, ReasonConflict, true)
		return nil, &ErrSerializationConflict{ID: id, Conflicts: conflicts}
	}
	return m.finish(txn, commitTS, begin), nil
}

// checkConflicts looks for versions committed inside (start, commitTS) on the
// keys txn wrote or read, including writes of prepared transactions that are
// not stored yet.
func (m *Manager) checkConflicts(txn *Txn, commitTS uint64) ([]storage.ConflictInfo, error) {
	conflicts, err := m.store.CheckWriteConflicts(txn.WriteSet, txn.StartTS, commitTS)
	if err != nil {
		return nil, errors.Annotate(err, "check write conflicts")
	}
	readConflicts, err := m.store.CheckReadConflicts(txn.ReadSet, txn.StartTS, commitTS)
	if err != nil {
		return nil, errors.Annotate(err, "check read conflicts")
	}
	conflicts = append(conflicts, readConflicts...)

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, other := range m.txns {
		if other == txn || other.Status != Prepared {
			continue
		}
		for key := range other.WriteSet {
			if _, ok := txn.WriteSet[key]; ok && other.CommitTS > txn.StartTS && other.CommitTS < commitTS {
				conflicts = append(conflicts, storage.ConflictInfo{Key: key, Kind: storage.WriteWrite, ConflictTS: other.CommitTS, ConflictTxn: other.ID})
			}
			if readTS, ok := txn.ReadSet[key]; ok && other.CommitTS > readTS && other.CommitTS < commitTS {
				conflicts = append(conflicts, storage.ConflictInfo{Key: key, Kind: storage.ReadWrite, ConflictTS: other.CommitTS, ConflictTxn: other.ID})
			}
		}
	}
	return conflicts, nil
}

// persist stores the write set at commitTS and feeds the write-set tracker.
func (m *Manager) persist(txn *Txn, commitTS uint64) error {
	if len(txn.WriteSet) == 0 {
		return nil
	}
	if err := m.store.Write(txn.ID, commitTS, storage.ModifiesFromWriteSet(txn.WriteSet)); err != nil {
		log.Error("persist write set failed", zap.Stringer("txn", txn.ID), zap.Uint64("commit-ts", commitTS), zap.Error(err))
		return errors.Annotatef(err, "persist transaction %s", txn.ID)
	}
	for key := range txn.WriteSet {
		m.writes.TrackWrite(key, txn.ID, commitTS)
	}
	return nil
}

func (m *Manager) finish(txn *Txn, commitTS uint64, begin time.Time) *CommitResult {
	m.mu.Lock()
	txn.Status = Committed
	txn.CommitTS = commitTS
	delete(m.txns, txn.ID)
	m.mu.Unlock()
	m.locks.ReleaseAll(txn.ID)

	result := &CommitResult{
		CommitTS:      commitTS,
		CommittedKeys: txn.writeKeys(),
		Duration:      m.now().Sub(begin),
	}
	m.committed.Inc()
	txnCounter.WithLabelValues("commit").Inc()
	activeGauge.Dec()
	commitHistogram.Observe(result.Duration.Seconds())
	log.Debug("commit transaction",
		zap.Stringer("txn", txn.ID),
		zap.Uint64("start-ts", txn.StartTS),
		zap.Uint64("commit-ts", commitTS),
		zap.Int("keys", len(result.CommittedKeys)))
	return result
}

// Rollback aborts the transaction. Rolling back a transaction that is already
// gone is a no-op; one that is committing cannot be rolled back.
func (m *Manager) Rollback(id uuid.UUID) error {
	m.mu.RLock()
	txn, ok := m.txns[id]
	var status Status
	if ok {
		status = txn.Status
	}
	m.mu.RUnlock()
	if ok && status == Committing {
		return &ErrTxnNotActive{ID: id, Status: status}
	}
	m.abort(id, ReasonRollback, false)
	return nil
}

// abort removes the transaction from the table, cancels its lock waits and
// releases its locks; the write set goes with the transaction. It returns false
// if the transaction was already gone, or is committing and force is not set.
func (m *Manager) abort(id uuid.UUID, reason string, force bool) bool {
	return m.abortIf(id, reason, func(txn *Txn) bool {
		return force || txn.Status != Committing
	})
}

// abortIf aborts the transaction when cond holds for it. cond runs under m.mu.
func (m *Manager) abortIf(id uuid.UUID, reason string, cond func(txn *Txn) bool) bool {
	m.mu.Lock()
	txn, ok := m.txns[id]
	if !ok || !cond(txn) {
		m.mu.Unlock()
		return false
	}
	txn.Status = Aborting
	txn.AbortReason = reason
	delete(m.txns, id)
	m.mu.Unlock()

	released := m.locks.ReleaseAll(id)

	m.mu.Lock()
	txn.Status = Aborted
	m.mu.Unlock()

	m.aborted.Inc()
	txnCounter.WithLabelValues("abort").Inc()
	abortCounter.WithLabelValues(reason).Inc()
	activeGauge.Dec()
	if reason == ReasonRollback {
		log.Debug("rollback transaction", zap.Stringer("txn", id), zap.Int("locks", released))
	} else {
		log.Warn("abort transaction", zap.Stringer("txn", id), zap.String("reason", reason), zap.Int("locks", released))
	}
	return true
}

// Prepare is the first phase of two-phase commit. It validates the transaction
// at a fresh timestamp, which becomes its commit timestamp. A conflict aborts
// the transaction and is reported through the result, not as an error.
func (m *Manager) Prepare(id uuid.UUID) (*PrepareResult, error) {
	m.mu.Lock()
	txn, ok := m.txns[id]
	if !ok {
		m.mu.Unlock()
		return nil, &ErrTxnNotFound{ID: id}
	}
	if txn.Status != Active {
		status := txn.Status
		m.mu.Unlock()
		return &PrepareResult{Reason: fmt.Sprintf("transaction is %s", status)}, nil
	}
	txn.Status = Preparing
	m.mu.Unlock()

	m.commitMu.Lock()
	prepareTS := m.oracle.Next()
	var (
		conflicts []storage.ConflictInfo
		err       error
	)
	switch txn.Isolation {
	case Serializable:
		conflicts, err = m.checkConflicts(txn, prepareTS)
	case ReadUncommitted, ReadCommitted, RepeatableRead:
	}
	if err == nil && len(conflicts) == 0 {
		// publish the prepare timestamp before later commits validate against it
		m.mu.Lock()
		if txn.Status == Preparing {
			txn.Status = Prepared
			txn.Prepared = true
			txn.CommitTS = prepareTS
		}
		m.mu.Unlock()
	}
	m.commitMu.Unlock()

	if err != nil {
		m.abort(id, ReasonStorage, false)
		return nil, err
	}
	if len(conflicts) > 0 {
		m.conflicts.Inc()
		m.abort(id, ReasonConflict, false)
		return &PrepareResult{PrepareTS: prepareTS, Reason: ReasonConflict, Conflicts: conflicts}, nil
	}

	m.mu.RLock()
	status, reason := txn.Status, txn.AbortReason
	m.mu.RUnlock()
	if status != Prepared {
		return &PrepareResult{PrepareTS: prepareTS, Reason: fmt.Sprintf("transaction is %s: %s", status, reason)}, nil
	}
	txnCounter.WithLabelValues("prepare").Inc()
	log.Debug("prepare transaction", zap.Stringer("txn", id), zap.Uint64("prepare-ts", prepareTS))
	return &PrepareResult{Prepared: true, PrepareTS: prepareTS}, nil
}

// CommitPrepared is the second phase of two-phase commit.
func (m *Manager) CommitPrepared(id uuid.UUID) (*CommitResult, error) {
	begin := m.now()
	m.mu.Lock()
	txn, ok := m.txns[id]
	if !ok {
		m.mu.Unlock()
		return nil, &ErrTxnNotFound{ID: id}
	}
	if txn.Status != Prepared {
		status := txn.Status
		m.mu.Unlock()
		return nil, &ErrTxnNotPrepared{ID: id, Status: status}
	}
	txn.Status = Committing
	m.mu.Unlock()

	m.commitMu.Lock()
	err := m.persist(txn, txn.CommitTS)
	m.commitMu.Unlock()
	if err != nil {
		m.abort(id, ReasonStorage, true)
		return nil, err
	}
	return m.finish(txn, txn.CommitTS, begin), nil
}

// Statistics returns point-in-time counters.
func (m *Manager) Statistics() Statistics {
	m.mu.RLock()
	active := len(m.txns)
	m.mu.RUnlock()
	return Statistics{
		ActiveTransactions: active,
		TotalStarted:       m.started.Load(),
		TotalCommitted:     m.committed.Load(),
		TotalAborted:       m.aborted.Load(),
		DeadlocksDetected:  m.deadlocks.Load(),
		TimedOut:           m.timedOut.Load(),
		Conflicts:          m.conflicts.Load(),
	}
}

// TxnInfo returns a copy of a live transaction.
func (m *Manager) TxnInfo(id uuid.UUID) (*Txn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	txn, ok := m.txns[id]
	if !ok {
		return nil, &ErrTxnNotFound{ID: id}
	}
	return txn.clone(), nil
}

// ActiveTxns returns the ids of every live transaction, oldest first.
func (m *Manager) ActiveTxns() []uuid.UUID {
	m.mu.RLock()
	txns := make([]*Txn, 0, len(m.txns))
	for _, txn := range m.txns {
		txns = append(txns, txn)
	}
	m.mu.RUnlock()
	sort.Slice(txns, func(i, j int) bool { return txns[i].StartTS < txns[j].StartTS })
	ids := make([]uuid.UUID, len(txns))
	for i, txn := range txns {
		ids[i] = txn.ID
	}
	return ids
}

// RecentWrites exposes the write-set tracker.
func (m *Manager) RecentWrites(key string) []writeset.Record {
	return m.writes.RecentWrites(key)
}

func cloneValue(v []byte) []byte {
	if v == nil {
		return nil
	}
	return append([]byte{}, v...)
}
