// Package lock implements strict two-phase locking over string keys: shared and
// exclusive locks, FIFO wait queues and wake-on-release.
package lock

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

type LockType int

const (
	Shared LockType = iota
	Exclusive
)

func (t LockType) String() string {
	switch t {
	case Shared:
		return "shared"
	case Exclusive:
		return "exclusive"
	}
	return fmt.Sprintf("LockType(%d)", int(t))
}

var (
	// ErrLockTimeout is returned when a wait outlives the configured bound.
	ErrLockTimeout = errors.New("lock wait timeout")
	// ErrWaitCancelled is returned to waiters of a transaction that was cancelled.
	ErrWaitCancelled = errors.New("lock wait cancelled")
)

type waiter struct {
	txn   uuid.UUID
	key   string
	mode  LockType
	since time.Time
	// receives nil on grant or ErrWaitCancelled; written once under Manager.mu
	ch chan error
}

type lockState struct {
	holders map[uuid.UUID]LockType
	queue   []*waiter
}

// Manager owns the lock table and the wait queues. A single mutex guards both,
// so a snapshot of holders and waiters is always taken at one instant.
type Manager struct {
	mu          sync.Mutex
	locks       map[string]*lockState
	held        map[uuid.UUID]map[string]struct{}
	waiting     map[uuid.UUID]map[*waiter]struct{}
	waitTimeout time.Duration
}

func NewManager(waitTimeout time.Duration) *Manager {
	return &Manager{
		locks:       make(map[string]*lockState),
		held:        make(map[uuid.UUID]map[string]struct{}),
		waiting:     make(map[uuid.UUID]map[*waiter]struct{}),
		waitTimeout: waitTimeout,
	}
}

// compatible reports whether txn may hold key in mode next to the other holders.
func (st *lockState) compatible(txn uuid.UUID, mode LockType) bool {
	for holder, held := range st.holders {
		if holder == txn {
			continue
		}
		if mode == Exclusive || held == Exclusive {
			return false
		}
	}
	return true
}

// Acquire blocks until txn holds key in at least mode. Asking again for a mode
// already covered is a no-op. Requests queue behind earlier waiters, except
// upgrades by a current holder which go ahead of non-holders.
func (m *Manager) Acquire(ctx context.Context, txn uuid.UUID, key string, mode LockType) error {
	m.mu.Lock()
	st, ok := m.locks[key]
	if !ok {
		st = &lockState{holders: make(map[uuid.UUID]LockType)}
		m.locks[key] = st
	}
	held, isHolder := st.holders[txn]
	if isHolder && (held == Exclusive || held == mode) {
		m.mu.Unlock()
		return nil
	}
	if (isHolder || len(st.queue) == 0) && st.compatible(txn, mode) {
		m.grant(st, txn, key, mode)
		m.mu.Unlock()
		lockCounter.WithLabelValues("acquire").Inc()
		return nil
	}

	w := &waiter{txn: txn, key: key, mode: mode, since: time.Now(), ch: make(chan error, 1)}
	if isHolder {
		pos := 0
		for pos < len(st.queue) {
			if _, upgrading := st.holders[st.queue[pos].txn]; !upgrading {
				break
			}
			pos++
		}
		st.queue = append(st.queue, nil)
		copy(st.queue[pos+1:], st.queue[pos:])
		st.queue[pos] = w
	} else {
		st.queue = append(st.queue, w)
	}
	if m.waiting[txn] == nil {
		m.waiting[txn] = make(map[*waiter]struct{})
	}
	m.waiting[txn][w] = struct{}{}
	m.mu.Unlock()

	lockCounter.WithLabelValues("wait").Inc()
	log.Debug("lock wait", zap.Stringer("txn", txn), zap.String("key", key), zap.Stringer("mode", mode))
	return m.wait(ctx, w)
}

func (m *Manager) wait(ctx context.Context, w *waiter) error {
	timer := time.NewTimer(m.waitTimeout)
	defer timer.Stop()
	defer func() {
		lockWaitHistogram.Observe(time.Since(w.since).Seconds())
	}()

	var reason error
	select {
	case err := <-w.ch:
		return err
	case <-timer.C:
		reason = ErrLockTimeout
	case <-ctx.Done():
		reason = ctx.Err()
	}

	m.mu.Lock()
	if !m.removeWaiter(w) {
		// Granted or cancelled while timing out; the result is already buffered.
		m.mu.Unlock()
		return <-w.ch
	}
	if st, ok := m.locks[w.key]; ok {
		m.process(w.key, st)
	}
	m.mu.Unlock()
	if reason == ErrLockTimeout {
		lockCounter.WithLabelValues("timeout").Inc()
	}
	return reason
}

// removeWaiter drops w from its queue and index; false if it was not queued.
func (m *Manager) removeWaiter(w *waiter) bool {
	ws := m.waiting[w.txn]
	if _, ok := ws[w]; !ok {
		return false
	}
	delete(ws, w)
	if len(ws) == 0 {
		delete(m.waiting, w.txn)
	}
	if st, ok := m.locks[w.key]; ok {
		for i, queued := range st.queue {
			if queued == w {
				st.queue = append(st.queue[:i], st.queue[i+1:]...)
				break
			}
		}
	}
	return true
}

func (m *Manager) grant(st *lockState, txn uuid.UUID, key string, mode LockType) {
	if held, ok := st.holders[txn]; !ok || mode > held {
		st.holders[txn] = mode
	}
	keys := m.held[txn]
	if keys == nil {
		keys = make(map[string]struct{})
		m.held[txn] = keys
	}
	keys[key] = struct{}{}
}

// process grants queued requests from the head while they are compatible, so a
// released exclusive lock may admit a run of shared waiters at once.
func (m *Manager) process(key string, st *lockState) {
	for len(st.queue) > 0 {
		w := st.queue[0]
		if !st.compatible(w.txn, w.mode) {
			break
		}
		st.queue = st.queue[1:]
		m.removeWaiter(w)
		m.grant(st, w.txn, key, w.mode)
		w.ch <- nil
		lockCounter.WithLabelValues("acquire").Inc()
	}
	if len(st.holders) == 0 && len(st.queue) == 0 {
		delete(m.locks, key)
	}
}

// Release drops the lock txn holds on key, if any.
func (m *Manager) Release(txn uuid.UUID, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.release(txn, key)
}

func (m *Manager) release(txn uuid.UUID, key string) bool {
	st, ok := m.locks[key]
	if !ok {
		return false
	}
	if _, ok := st.holders[txn]; !ok {
		return false
	}
	delete(st.holders, txn)
	if keys := m.held[txn]; keys != nil {
		delete(keys, key)
		if len(keys) == 0 {
			delete(m.held, txn)
		}
	}
	m.process(key, st)
	return true
}

// ReleaseAll cancels the pending waits of txn, drops every lock it holds and
// wakes the waiters that can now proceed. It returns the number of locks released.
func (m *Manager) ReleaseAll(txn uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancel(txn)
	keys := make([]string, 0, len(m.held[txn]))
	for key := range m.held[txn] {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	released := 0
	for _, key := range keys {
		if m.release(txn, key) {
			released++
		}
	}
	return released
}

// IsWaiting reports whether txn has a request queued behind another holder.
func (m *Manager) IsWaiting(txn uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiting[txn]) > 0
}

func (m *Manager) cancel(txn uuid.UUID) {
	ws := m.waiting[txn]
	if len(ws) == 0 {
		return
	}
	waiters := make([]*waiter, 0, len(ws))
	for w := range ws {
		waiters = append(waiters, w)
	}
	for _, w := range waiters {
		m.removeWaiter(w)
		w.ch <- ErrWaitCancelled
		lockCounter.WithLabelValues("cancel").Inc()
	}
	for _, w := range waiters {
		if st, ok := m.locks[w.key]; ok {
			m.process(w.key, st)
		}
	}
}

// HeldBy returns how many locks txn holds.
func (m *Manager) HeldBy(txn uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.held[txn])
}

// Holds reports the mode txn holds key in, if any.
func (m *Manager) Holds(txn uuid.UUID, key string) (LockType, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.locks[key]; ok {
		mode, held := st.holders[txn]
		return mode, held
	}
	return Shared, false
}

// Holders returns the current holders of key.
func (m *Manager) Holders(key string) map[uuid.UUID]LockType {
	m.mu.Lock()
	defer m.mu.Unlock()
	holders := make(map[uuid.UUID]LockType)
	if st, ok := m.locks[key]; ok {
		for txn, mode := range st.holders {
			holders[txn] = mode
		}
	}
	return holders
}

// WaitEntry is one queued request in a Snapshot.
type WaitEntry struct {
	Txn  uuid.UUID
	Mode LockType
}

// Snapshot is a copy of the lock table and wait queues taken at one instant.
type Snapshot struct {
	Holders map[string]map[uuid.UUID]LockType
	Waiters map[string][]WaitEntry
}

func (m *Manager) Snapshot() *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := &Snapshot{
		Holders: make(map[string]map[uuid.UUID]LockType, len(m.locks)),
		Waiters: make(map[string][]WaitEntry),
	}
	for key, st := range m.locks {
		holders := make(map[uuid.UUID]LockType, len(st.holders))
		for txn, mode := range st.holders {
			holders[txn] = mode
		}
		snap.Holders[key] = holders
		if len(st.queue) > 0 {
			entries := make([]WaitEntry, 0, len(st.queue))
			for _, w := range st.queue {
				entries = append(entries, WaitEntry{Txn: w.txn, Mode: w.mode})
			}
			snap.Waiters[key] = entries
		}
	}
	return snap
}

// LocksHeld counts the locks of every holder in the snapshot.
func (s *Snapshot) LocksHeld() map[uuid.UUID]int {
	counts := make(map[uuid.UUID]int)
	for _, holders := range s.Holders {
		for txn := range holders {
			counts[txn]++
		}
	}
	return counts
}
