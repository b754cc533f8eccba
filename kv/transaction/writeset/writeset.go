// Package writeset remembers which transactions recently committed writes to
// which keys.
package writeset

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const DefaultRetention = 5 * time.Minute

// Record is one committed write to a key.
type Record struct {
	TxnID     uuid.UUID
	Timestamp uint64
	At        time.Time
}

// Tracker keeps per-key write records for a retention window. Records older
// than the window are pruned whenever their key is written again and on every
// full Prune.
type Tracker struct {
	mu        sync.Mutex
	retention time.Duration
	writes    map[string][]Record
	now       func() time.Time
}

func NewTracker(retention time.Duration) *Tracker {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Tracker{
		retention: retention,
		writes:    make(map[string][]Record),
		now:       time.Now,
	}
}

// TrackWrite appends a record for key and drops that key's expired records.
func (t *Tracker) TrackWrite(key string, txnID uuid.UUID, ts uint64) {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	records := append(t.writes[key], Record{TxnID: txnID, Timestamp: ts, At: now})
	t.writes[key] = t.expire(records, now)
}

func (t *Tracker) expire(records []Record, now time.Time) []Record {
	cutoff := now.Add(-t.retention)
	i := 0
	for i < len(records) && records[i].At.Before(cutoff) {
		i++
	}
	return records[i:]
}

// RecentWrites returns a copy of the live records of key, oldest first.
func (t *Tracker) RecentWrites(key string) []Record {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	records := t.expire(t.writes[key], now)
	if len(records) == 0 {
		return nil
	}
	return append([]Record(nil), records...)
}

// Prune drops expired records of every key and forgets keys left empty.
// It returns the number of records dropped.
func (t *Tracker) Prune() int {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	dropped := 0
	for key, records := range t.writes {
		live := t.expire(records, now)
		dropped += len(records) - len(live)
		if len(live) == 0 {
			delete(t.writes, key)
		} else {
			t.writes[key] = live
		}
	}
	return dropped
}

// Len returns the number of keys with at least one record.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.writes)
}
