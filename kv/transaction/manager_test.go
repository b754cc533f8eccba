package transaction

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hypermesh/txnkv/kv/config"
	"github.com/hypermesh/txnkv/kv/storage"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1600000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type failingStorage struct {
	storage.Storage
	err error
}

func (s *failingStorage) Write(owner uuid.UUID, commitTS uint64, batch []storage.Modify) error {
	return s.err
}

func newTestManagerWithStore(t *testing.T, store storage.Storage, adjust func(*config.TxnConfig)) *Manager {
	conf := config.NewTestConfig().Txn
	if adjust != nil {
		adjust(&conf)
	}
	m, err := NewManager(&conf, store)
	require.Nil(t, err)
	return m
}

func newTestManager(t *testing.T, adjust func(*config.TxnConfig)) (*Manager, storage.Storage) {
	store := storage.NewMemStorage()
	require.Nil(t, store.Start())
	return newTestManagerWithStore(t, store, adjust), store
}

func mustWrite(t *testing.T, m *Manager, id uuid.UUID, key, value string) {
	require.Nil(t, m.Write(context.Background(), id, key, []byte(value)))
}

func mustRead(t *testing.T, m *Manager, id uuid.UUID, key string) []byte {
	val, err := m.Read(context.Background(), id, key)
	require.Nil(t, err)
	return val
}

func mustCommit(t *testing.T, m *Manager, id uuid.UUID) *CommitResult {
	res, err := m.Commit(id)
	require.Nil(t, err)
	return res
}

// commitValue stores key=value through a committed read-committed transaction.
func commitValue(t *testing.T, m *Manager, key, value string) *CommitResult {
	id := m.Begin(ReadCommitted)
	mustWrite(t, m, id, key, value)
	return mustCommit(t, m, id)
}

func writeAsync(m *Manager, id uuid.UUID, key, value string) chan error {
	ch := make(chan error, 1)
	go func() {
		ch <- m.Write(context.Background(), id, key, []byte(value))
	}()
	return ch
}

func waitForWaiters(t *testing.T, m *Manager, n int) {
	require.Eventually(t, func() bool {
		count := 0
		for _, entries := range m.locks.Snapshot().Waiters {
			count += len(entries)
		}
		return count == n
	}, time.Second, time.Millisecond)
}

func receive(t *testing.T, ch chan error) error {
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("operation did not return")
	}
	return nil
}

func TestNewManagerRejectsBadConfig(t *testing.T) {
	store := storage.NewMemStorage()
	require.Nil(t, store.Start())
	conf := config.NewTestConfig().Txn
	conf.DefaultIsolation = "snapshot"
	_, err := NewManager(&conf, store)
	assert.NotNil(t, err)

	conf = config.NewTestConfig().Txn
	conf.VictimPolicy = "random"
	_, err = NewManager(&conf, store)
	assert.NotNil(t, err)

	for _, interval := range []time.Duration{0, -time.Second} {
		conf = config.NewTestConfig().Txn
		conf.DeadlockDetectInterval = config.NewDuration(interval)
		_, err = NewManager(&conf, store)
		assert.NotNil(t, err, "deadlock-detect-interval %s", interval)

		conf = config.NewTestConfig().Txn
		conf.TimeoutSweepInterval = config.NewDuration(interval)
		_, err = NewManager(&conf, store)
		assert.NotNil(t, err, "timeout-sweep-interval %s", interval)

		conf = config.NewTestConfig().Txn
		conf.LockWaitTimeout = config.NewDuration(interval)
		_, err = NewManager(&conf, store)
		assert.NotNil(t, err, "lock-wait-timeout %s", interval)
	}
}

func TestCommitThenReadCommitted(t *testing.T) {
	m, _ := newTestManager(t, nil)
	t1 := m.Begin(ReadCommitted)
	mustWrite(t, m, t1, "x", "1")
	res := mustCommit(t, m, t1)
	assert.Equal(t, []string{"x"}, res.CommittedKeys)
	assert.True(t, res.CommitTS > 0)

	t2 := m.Begin(ReadCommitted)
	assert.Equal(t, []byte("1"), mustRead(t, m, t2, "x"))
	mustCommit(t, m, t2)
}

func TestSerializableConflict(t *testing.T) {
	m, _ := newTestManager(t, nil)
	t1 := m.Begin(Serializable)
	t2 := m.Begin(Serializable)
	assert.Nil(t, mustRead(t, m, t1, "x"))
	assert.Nil(t, mustRead(t, m, t2, "x"))

	mustWrite(t, m, t1, "x", "t1")
	ch := writeAsync(m, t2, "x", "t2")
	waitForWaiters(t, m, 1)

	mustCommit(t, m, t1)
	require.Nil(t, receive(t, ch))

	_, err := m.Commit(t2)
	require.NotNil(t, err)
	conflict, ok := err.(*ErrSerializationConflict)
	require.True(t, ok, "unexpected error %v", err)
	assert.Equal(t, t2, conflict.ID)
	assert.NotEmpty(t, conflict.Conflicts)
	assert.Equal(t, "x", conflict.Conflicts[0].Key)
	assert.True(t, IsRetryable(err))

	// aborted as part of the failed commit
	_, err = m.TxnInfo(t2)
	assert.True(t, IsNotFound(err))
	t3 := m.Begin(ReadCommitted)
	assert.Equal(t, []byte("t1"), mustRead(t, m, t3, "x"))

	stats := m.Statistics()
	assert.Equal(t, uint64(1), stats.TotalCommitted)
	assert.Equal(t, uint64(1), stats.TotalAborted)
	assert.Equal(t, uint64(1), stats.Conflicts)
}

func TestSerializableWithoutOverlapCommits(t *testing.T) {
	m, _ := newTestManager(t, nil)
	t1 := m.Begin(Serializable)
	t2 := m.Begin(Serializable)
	mustRead(t, m, t1, "a")
	mustWrite(t, m, t1, "a", "1")
	mustRead(t, m, t2, "b")
	mustWrite(t, m, t2, "b", "2")
	mustCommit(t, m, t1)
	mustCommit(t, m, t2)
}

func TestNonSerializableSkipsValidation(t *testing.T) {
	m, _ := newTestManager(t, nil)
	t1 := m.Begin(RepeatableRead)
	commitValue(t, m, "x", "other")
	// blind write over a version committed after t1 started
	mustWrite(t, m, t1, "x", "mine")
	mustCommit(t, m, t1)

	t2 := m.Begin(ReadCommitted)
	assert.Equal(t, []byte("mine"), mustRead(t, m, t2, "x"))
}

func TestReadYourWrites(t *testing.T) {
	m, _ := newTestManager(t, nil)
	commitValue(t, m, "x", "old")

	for _, level := range []IsolationLevel{ReadUncommitted, ReadCommitted, RepeatableRead, Serializable} {
		t.Run(level.String(), func(t *testing.T) {
			id := m.Begin(level)
			mustWrite(t, m, id, "x", "new")
			assert.Equal(t, []byte("new"), mustRead(t, m, id, "x"))
			require.Nil(t, m.Delete(context.Background(), id, "x"))
			assert.Nil(t, mustRead(t, m, id, "x"))
			require.Nil(t, m.Rollback(id))
		})
	}
}

func TestWriteInvisibility(t *testing.T) {
	m, _ := newTestManager(t, nil)
	writer := m.Begin(ReadCommitted)
	mustWrite(t, m, writer, "x", "dirty")

	for _, level := range []IsolationLevel{ReadUncommitted, ReadCommitted} {
		reader := m.Begin(level)
		assert.Nil(t, mustRead(t, m, reader, "x"), level.String())
		mustCommit(t, m, reader)
	}

	require.Nil(t, m.Rollback(writer))
	reader := m.Begin(ReadCommitted)
	assert.Nil(t, mustRead(t, m, reader, "x"))
}

func TestDeleteCommitsTombstone(t *testing.T) {
	m, store := newTestManager(t, nil)
	commitValue(t, m, "x", "1")
	commitValue(t, m, "empty", "")

	t1 := m.Begin(ReadCommitted)
	require.Nil(t, m.Delete(context.Background(), t1, "x"))
	mustCommit(t, m, t1)

	t2 := m.Begin(ReadCommitted)
	assert.Nil(t, mustRead(t, m, t2, "x"))
	// an empty value is a value, not a delete
	assert.Equal(t, []byte{}, mustRead(t, m, t2, "empty"))
	assert.Equal(t, 2, store.Stats().Keys)
}

func TestSnapshotStability(t *testing.T) {
	m, _ := newTestManager(t, nil)
	commitValue(t, m, "x", "v0")

	t1 := m.Begin(Serializable)
	assert.Equal(t, []byte("v0"), mustRead(t, m, t1, "x"))
	// the shared lock of a serializable read is not kept
	commitValue(t, m, "x", "v1")
	commitValue(t, m, "y", "v1")
	assert.Equal(t, []byte("v0"), mustRead(t, m, t1, "x"))
	assert.Nil(t, mustRead(t, m, t1, "y"))

	t2 := m.Begin(RepeatableRead)
	assert.Equal(t, []byte("v1"), mustRead(t, m, t2, "x"))
	// repeatable read keeps its shared lock, so writers wait
	t3 := m.Begin(ReadCommitted)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := m.Write(ctx, t3, "x", []byte("v2"))
	assert.Equal(t, context.DeadlineExceeded, err)
	assert.Equal(t, []byte("v1"), mustRead(t, m, t2, "x"))
	mustCommit(t, m, t2)

	mustWrite(t, m, t3, "x", "v2")
	mustCommit(t, m, t3)
}

func TestReadCommittedSeesNewest(t *testing.T) {
	m, _ := newTestManager(t, nil)
	t1 := m.Begin(ReadCommitted)
	assert.Nil(t, mustRead(t, m, t1, "x"))
	commitValue(t, m, "x", "1")
	assert.Equal(t, []byte("1"), mustRead(t, m, t1, "x"))
	commitValue(t, m, "x", "2")
	assert.Equal(t, []byte("2"), mustRead(t, m, t1, "x"))
	// nothing is recorded outside serializable
	info, err := m.TxnInfo(t1)
	require.Nil(t, err)
	assert.Empty(t, info.ReadSet)
}

func TestUnknownAndFinishedTxn(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()
	unknown := uuid.New()
	_, err := m.Read(ctx, unknown, "x")
	assert.True(t, IsNotFound(err))
	assert.True(t, IsNotFound(m.Write(ctx, unknown, "x", nil)))
	_, err = m.Commit(unknown)
	assert.True(t, IsNotFound(err))
	_, err = m.Prepare(unknown)
	assert.True(t, IsNotFound(err))
	assert.Nil(t, m.Rollback(unknown))

	id := m.Begin(ReadCommitted)
	mustCommit(t, m, id)
	_, err = m.Read(ctx, id, "x")
	assert.True(t, IsNotFound(err))
	assert.False(t, IsRetryable(err))
}

func TestNotActive(t *testing.T) {
	m, _ := newTestManager(t, nil)
	id, err := m.BeginDistributed([]string{"s1"})
	require.Nil(t, err)
	res, err := m.Prepare(id)
	require.Nil(t, err)
	require.True(t, res.Prepared)

	err = m.Write(context.Background(), id, "x", []byte("1"))
	notActive, ok := err.(*ErrTxnNotActive)
	require.True(t, ok, "unexpected error %v", err)
	assert.Equal(t, Prepared, notActive.Status)
	_, err = m.Commit(id)
	assert.IsType(t, &ErrTxnNotActive{}, err)

	// a second prepare reports the state instead of failing
	res, err = m.Prepare(id)
	require.Nil(t, err)
	assert.False(t, res.Prepared)
	assert.NotEmpty(t, res.Reason)
}

func TestLockTimeoutKeepsTxnActive(t *testing.T) {
	m, _ := newTestManager(t, func(c *config.TxnConfig) {
		c.LockWaitTimeout = config.NewDuration(30 * time.Millisecond)
	})
	t1 := m.Begin(ReadCommitted)
	t2 := m.Begin(ReadCommitted)
	mustWrite(t, m, t1, "x", "1")

	err := m.Write(context.Background(), t2, "x", []byte("2"))
	assert.Equal(t, ErrLockTimeout, errors.Cause(err))
	assert.True(t, IsRetryable(err))
	info, err := m.TxnInfo(t2)
	require.Nil(t, err)
	assert.Equal(t, Active, info.Status)

	require.Nil(t, m.Rollback(t1))
	mustWrite(t, m, t2, "x", "2")
	mustCommit(t, m, t2)
}

func TestDeadlockResolution(t *testing.T) {
	m, _ := newTestManager(t, nil)
	a := m.Begin(ReadCommitted)
	b := m.Begin(ReadCommitted)
	mustWrite(t, m, a, "k1", "a")
	mustWrite(t, m, b, "k2", "b")

	chA := writeAsync(m, a, "k2", "a")
	chB := writeAsync(m, b, "k1", "b")
	waitForWaiters(t, m, 2)

	aborted := m.DetectDeadlocks()
	// youngest start timestamp loses
	require.Equal(t, []uuid.UUID{b}, aborted)

	errB := receive(t, chB)
	abortErr, ok := errB.(*ErrTxnAborted)
	require.True(t, ok, "unexpected error %v", errB)
	assert.Equal(t, ReasonDeadlock, abortErr.Reason)
	require.Nil(t, receive(t, chA))
	mustCommit(t, m, a)

	assert.Empty(t, m.DetectDeadlocks())
	stats := m.Statistics()
	assert.Equal(t, uint64(1), stats.DeadlocksDetected)
	assert.Equal(t, uint64(1), stats.TotalAborted)
	assert.Equal(t, 0, stats.ActiveTransactions)
}

func TestDeadlockPassOnStaleSnapshot(t *testing.T) {
	m, _ := newTestManager(t, nil)
	a := m.Begin(ReadCommitted)
	b := m.Begin(ReadCommitted)
	mustWrite(t, m, a, "k1", "a")
	mustWrite(t, m, b, "k2", "b")

	chA := writeAsync(m, a, "k2", "a")
	chB := writeAsync(m, b, "k1", "b")
	waitForWaiters(t, m, 2)
	snap := m.locks.Snapshot()
	liveAtSnapshot := map[uuid.UUID]uint64{a: 1, b: 2}

	// the cycle resolves on its own before the pass runs
	require.Nil(t, m.Rollback(b))
	assert.IsType(t, &ErrTxnAborted{}, receive(t, chB))
	require.Nil(t, receive(t, chA))

	// b has left the table, so the cycle is skipped
	assert.Empty(t, m.breakCycles(snap, map[uuid.UUID]uint64{a: 1}))
	// even with stale liveness a victim that stopped waiting is spared
	assert.Empty(t, m.breakCycles(snap, liveAtSnapshot))
	assert.Empty(t, m.breakCycles(snap, map[uuid.UUID]uint64{a: 2, b: 1}))

	mustCommit(t, m, a)
	stats := m.Statistics()
	assert.Equal(t, uint64(1), stats.TotalCommitted)
	assert.Equal(t, uint64(1), stats.TotalAborted)
	assert.Equal(t, uint64(0), stats.DeadlocksDetected)
}

func TestDeadlockSweepInBackground(t *testing.T) {
	m, _ := newTestManager(t, func(c *config.TxnConfig) {
		c.VictimPolicy = config.VictimSmallestID
	})
	m.Start()
	defer m.Stop()

	a := m.Begin(Serializable)
	b := m.Begin(Serializable)
	mustWrite(t, m, a, "k1", "a")
	mustWrite(t, m, b, "k2", "b")
	chA := writeAsync(m, a, "k2", "a")
	chB := writeAsync(m, b, "k1", "b")

	errA, errB := receive(t, chA), receive(t, chB)
	// exactly one of them was chosen
	if errA == nil {
		assert.IsType(t, &ErrTxnAborted{}, errB)
		mustCommit(t, m, a)
	} else {
		assert.IsType(t, &ErrTxnAborted{}, errA)
		require.Nil(t, errB)
		mustCommit(t, m, b)
	}
	assert.Equal(t, uint64(1), m.Statistics().DeadlocksDetected)
}

func TestTimeoutSweep(t *testing.T) {
	m, _ := newTestManager(t, nil)
	clock := newFakeClock()
	m.now = clock.Now

	t1 := m.Begin(ReadCommitted)
	mustWrite(t, m, t1, "x", "1")
	clock.Advance(3 * time.Second)
	t2 := m.Begin(ReadCommitted)
	ch := writeAsync(m, t2, "x", "2")
	waitForWaiters(t, m, 1)

	assert.Empty(t, m.ExpireTimedOut())
	clock.Advance(3 * time.Second)
	assert.Equal(t, []uuid.UUID{t1}, m.ExpireTimedOut())

	// the waiter behind the expired transaction gets its lock
	require.Nil(t, receive(t, ch))
	mustCommit(t, m, t2)

	_, err := m.Commit(t1)
	assert.True(t, IsNotFound(err))
	stats := m.Statistics()
	assert.Equal(t, uint64(1), stats.TimedOut)
	assert.Equal(t, uint64(1), stats.TotalAborted)
	assert.Equal(t, uint64(1), stats.TotalCommitted)
}

func TestTimeoutCancelsWait(t *testing.T) {
	m, _ := newTestManager(t, nil)
	clock := newFakeClock()
	m.now = clock.Now

	t1 := m.Begin(ReadCommitted)
	clock.Advance(3 * time.Second)
	t2 := m.Begin(ReadCommitted)
	mustWrite(t, m, t2, "x", "2")
	ch := writeAsync(m, t1, "x", "1")
	waitForWaiters(t, m, 1)

	clock.Advance(3 * time.Second)
	assert.Equal(t, []uuid.UUID{t1}, m.ExpireTimedOut())
	err := receive(t, ch)
	abortErr, ok := err.(*ErrTxnAborted)
	require.True(t, ok, "unexpected error %v", err)
	assert.Equal(t, ReasonTimeout, abortErr.Reason)
	waitForWaiters(t, m, 0)
	mustCommit(t, m, t2)
}

func TestTimeoutExtendedByActivity(t *testing.T) {
	m, _ := newTestManager(t, func(c *config.TxnConfig) {
		c.ExtendTimeoutOnActivity = true
	})
	clock := newFakeClock()
	m.now = clock.Now

	id := m.Begin(ReadCommitted)
	clock.Advance(4 * time.Second)
	mustRead(t, m, id, "x")
	clock.Advance(4 * time.Second)
	assert.Empty(t, m.ExpireTimedOut())
	clock.Advance(2 * time.Second)
	assert.Equal(t, []uuid.UUID{id}, m.ExpireTimedOut())
}

func TestTwoPhaseCommit(t *testing.T) {
	m, _ := newTestManager(t, nil)
	before := m.Statistics().TotalCommitted

	id, err := m.BeginDistributed([]string{"s1", "s2"})
	require.Nil(t, err)
	info, err := m.TxnInfo(id)
	require.Nil(t, err)
	assert.Equal(t, Serializable, info.Isolation)
	assert.True(t, info.Coordinator)
	assert.Equal(t, []string{"s1", "s2"}, info.Shards)

	mustWrite(t, m, id, "s1/a", "1")
	mustWrite(t, m, id, "s2/b", "2")

	_, err = m.CommitPrepared(id)
	assert.IsType(t, &ErrTxnNotPrepared{}, err)

	res, err := m.Prepare(id)
	require.Nil(t, err)
	require.True(t, res.Prepared, res.Reason)
	info, err = m.TxnInfo(id)
	require.Nil(t, err)
	assert.Equal(t, Prepared, info.Status)
	assert.True(t, info.Prepared)
	assert.Equal(t, res.PrepareTS, info.CommitTS)

	// nothing is stored before the second phase
	reader := m.Begin(ReadCommitted)
	assert.Nil(t, mustRead(t, m, reader, "s1/a"))

	commit, err := m.CommitPrepared(id)
	require.Nil(t, err)
	assert.Equal(t, res.PrepareTS, commit.CommitTS)
	assert.Equal(t, []string{"s1/a", "s2/b"}, commit.CommittedKeys)
	assert.Equal(t, before+1, m.Statistics().TotalCommitted)
	assert.Equal(t, []byte("2"), mustRead(t, m, reader, "s2/b"))
	assert.Len(t, m.RecentWrites("s1/a"), 1)
}

func TestBeginDistributedLimits(t *testing.T) {
	m, _ := newTestManager(t, func(c *config.TxnConfig) {
		c.MaxParticipants = 2
	})
	_, err := m.BeginDistributed(nil)
	assert.NotNil(t, err)
	_, err = m.BeginDistributed([]string{"s1", "s2", "s3"})
	assert.NotNil(t, err)
	assert.Equal(t, uint64(0), m.Statistics().TotalStarted)
}

func TestPrepareConflict(t *testing.T) {
	m, _ := newTestManager(t, nil)
	id, err := m.BeginDistributed([]string{"s1"})
	require.Nil(t, err)
	assert.Nil(t, mustRead(t, m, id, "x"))
	commitValue(t, m, "x", "other")
	mustWrite(t, m, id, "y", "1")

	res, err := m.Prepare(id)
	require.Nil(t, err)
	assert.False(t, res.Prepared)
	assert.Equal(t, ReasonConflict, res.Reason)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, storage.ReadWrite, res.Conflicts[0].Kind)

	_, err = m.TxnInfo(id)
	assert.True(t, IsNotFound(err))
	stats := m.Statistics()
	assert.Equal(t, uint64(1), stats.TotalAborted)
	assert.Equal(t, uint64(1), stats.Conflicts)
}

func TestCommitValidatesAgainstPrepared(t *testing.T) {
	m, _ := newTestManager(t, nil)
	reader := m.Begin(Serializable)
	assert.Nil(t, mustRead(t, m, reader, "x"))

	dist, err := m.BeginDistributed([]string{"s1"})
	require.Nil(t, err)
	mustWrite(t, m, dist, "x", "1")
	res, err := m.Prepare(dist)
	require.Nil(t, err)
	require.True(t, res.Prepared)

	// the prepared write lands below the reader's commit timestamp
	mustWrite(t, m, reader, "y", "1")
	_, err = m.Commit(reader)
	conflict, ok := err.(*ErrSerializationConflict)
	require.True(t, ok, "unexpected error %v", err)
	assert.Equal(t, dist, conflict.Conflicts[0].ConflictTxn)

	_, err = m.CommitPrepared(dist)
	require.Nil(t, err)
}

func TestTimeoutAbortsPrepared(t *testing.T) {
	m, _ := newTestManager(t, nil)
	clock := newFakeClock()
	m.now = clock.Now
	id, err := m.BeginDistributed([]string{"s1"})
	require.Nil(t, err)
	mustWrite(t, m, id, "x", "1")
	res, err := m.Prepare(id)
	require.Nil(t, err)
	require.True(t, res.Prepared)

	clock.Advance(time.Minute)
	assert.Equal(t, []uuid.UUID{id}, m.ExpireTimedOut())
	_, err = m.CommitPrepared(id)
	assert.True(t, IsNotFound(err))
}

func TestRollbackCountsOnce(t *testing.T) {
	m, _ := newTestManager(t, nil)
	id := m.Begin(RepeatableRead)
	mustWrite(t, m, id, "x", "1")
	mustRead(t, m, id, "y")
	assert.Equal(t, 2, m.locks.HeldBy(id))

	require.Nil(t, m.Rollback(id))
	require.Nil(t, m.Rollback(id))
	assert.False(t, m.abort(id, ReasonTimeout, false))
	assert.Equal(t, 0, m.locks.HeldBy(id))

	stats := m.Statistics()
	assert.Equal(t, uint64(1), stats.TotalStarted)
	assert.Equal(t, uint64(1), stats.TotalAborted)
	assert.Equal(t, 0, stats.ActiveTransactions)

	reader := m.Begin(ReadCommitted)
	assert.Nil(t, mustRead(t, m, reader, "x"))
}

func TestStorageFailureAborts(t *testing.T) {
	mem := storage.NewMemStorage()
	require.Nil(t, mem.Start())
	store := &failingStorage{Storage: mem, err: errors.New("disk full")}
	m := newTestManagerWithStore(t, store, nil)

	id := m.Begin(ReadCommitted)
	mustWrite(t, m, id, "x", "1")
	_, err := m.Commit(id)
	require.NotNil(t, err)
	assert.Equal(t, "disk full", errors.Cause(err).Error())
	assert.False(t, IsRetryable(err))

	_, err = m.TxnInfo(id)
	assert.True(t, IsNotFound(err))
	assert.Equal(t, 0, m.locks.HeldBy(id))
	assert.Equal(t, uint64(1), m.Statistics().TotalAborted)

	// read-only transactions never touch storage writes
	reader := m.Begin(ReadCommitted)
	assert.Nil(t, mustRead(t, m, reader, "x"))
	mustCommit(t, m, reader)
}

func TestMonotonicCommitTimestamps(t *testing.T) {
	m, _ := newTestManager(t, nil)
	var last uint64
	for i := 0; i < 10; i++ {
		id := m.Begin(ReadCommitted)
		info, err := m.TxnInfo(id)
		require.Nil(t, err)
		assert.True(t, info.StartTS > last)
		mustWrite(t, m, id, "k", fmt.Sprintf("%d", i))
		res := mustCommit(t, m, id)
		assert.True(t, res.CommitTS > info.StartTS)
		last = res.CommitTS
	}
}

func TestActiveTxnsAndSafePoint(t *testing.T) {
	m, store := newTestManager(t, nil)
	commitValue(t, m, "x", "v1")
	old := m.Begin(RepeatableRead)
	commitValue(t, m, "x", "v2")
	commitValue(t, m, "x", "v3")
	young := m.Begin(ReadCommitted)
	assert.Equal(t, []uuid.UUID{old, young}, m.ActiveTxns())

	info, err := m.TxnInfo(old)
	require.Nil(t, err)
	assert.Equal(t, info.StartTS, m.SafePoint())
	n, err := m.CollectGarbage()
	require.Nil(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, []byte("v1"), mustRead(t, m, old, "x"))

	require.Nil(t, m.Rollback(old))
	require.Nil(t, m.Rollback(young))
	assert.Equal(t, store.CurrentTimestamp(), m.SafePoint())
	n, err = m.CollectGarbage()
	require.Nil(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, store.Stats().Versions)
}

func TestManagerResumesTimestamps(t *testing.T) {
	m, store := newTestManager(t, nil)
	res := commitValue(t, m, "x", "1")

	m2 := newTestManagerWithStore(t, store, nil)
	id := m2.Begin(RepeatableRead)
	info, err := m2.TxnInfo(id)
	require.Nil(t, err)
	assert.True(t, info.StartTS > res.CommitTS)
	assert.Equal(t, []byte("1"), mustRead(t, m2, id, "x"))
}

func TestStartStop(t *testing.T) {
	m, _ := newTestManager(t, func(c *config.TxnConfig) {
		c.GCInterval = config.NewDuration(10 * time.Millisecond)
	})
	m.Start()
	m.Start()
	commitValue(t, m, "x", "1")
	commitValue(t, m, "x", "2")
	m.Stop()
	m.Stop()
}

func TestConcurrentTransfers(t *testing.T) {
	m, _ := newTestManager(t, func(c *config.TxnConfig) {
		c.LockWaitTimeout = config.NewDuration(200 * time.Millisecond)
	})
	m.Start()
	defer m.Stop()

	const accounts = 5
	for i := 0; i < accounts; i++ {
		commitValue(t, m, fmt.Sprintf("acct-%d", i), "100")
	}

	transfer := func(from, to string) error {
		id := m.Begin(Serializable)
		ctx := context.Background()
		fromVal, err := m.Read(ctx, id, from)
		if err != nil {
			m.Rollback(id)
			return err
		}
		toVal, err := m.Read(ctx, id, to)
		if err != nil {
			m.Rollback(id)
			return err
		}
		var a, b int
		fmt.Sscanf(string(fromVal), "%d", &a)
		fmt.Sscanf(string(toVal), "%d", &b)
		if err = m.Write(ctx, id, from, []byte(fmt.Sprintf("%d", a-1))); err == nil {
			err = m.Write(ctx, id, to, []byte(fmt.Sprintf("%d", b+1)))
		}
		if err != nil {
			m.Rollback(id)
			return err
		}
		_, err = m.Commit(id)
		return err
	}

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				from := fmt.Sprintf("acct-%d", (w+i)%accounts)
				to := fmt.Sprintf("acct-%d", (w+i+1)%accounts)
				for {
					err := transfer(from, to)
					if err == nil {
						break
					}
					if !IsRetryable(err) {
						t.Errorf("transfer failed: %v", err)
						return
					}
				}
			}
		}(w)
	}
	wg.Wait()

	reader := m.Begin(ReadCommitted)
	total := 0
	for i := 0; i < accounts; i++ {
		var v int
		fmt.Sscanf(string(mustRead(t, m, reader, fmt.Sprintf("acct-%d", i))), "%d", &v)
		total += v
	}
	assert.Equal(t, accounts*100, total)
	stats := m.Statistics()
	assert.Equal(t, uint64(accounts+40), stats.TotalCommitted)
}
