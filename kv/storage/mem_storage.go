package storage

import (
	"sort"
	"sync"

	"github.com/google/btree"
	"github.com/google/uuid"
	"go.uber.org/atomic"
)

// MemStorage keeps every version in an ordered in-memory tree. Nothing is
// written to disk.
type MemStorage struct {
	mu       sync.RWMutex
	versions *btree.BTree
	current  atomic.Uint64

	reads     atomic.Uint64
	writes    atomic.Uint64
	conflicts atomic.Uint64
	collected atomic.Uint64
}

func NewMemStorage() *MemStorage {
	return &MemStorage{
		versions: btree.New(32),
	}
}

func (s *MemStorage) Start() error {
	return nil
}

func (s *MemStorage) Stop() error {
	return nil
}

func (s *MemStorage) CurrentTimestamp() uint64 {
	return s.current.Load()
}

func (s *MemStorage) Read(key string, ts uint64) ([]byte, error) {
	s.reads.Inc()
	s.mu.RLock()
	defer s.mu.RUnlock()
	var value []byte
	s.versions.AscendGreaterOrEqual(memVersion{key: key, ts: ts}, func(i btree.Item) bool {
		v := i.(memVersion)
		if v.key == key && !v.deleted {
			value = append([]byte{}, v.value...)
		}
		return false
	})
	return value, nil
}

func (s *MemStorage) Write(owner uuid.UUID, commitTS uint64, batch []Modify) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range batch {
		m := &batch[i]
		s.versions.ReplaceOrInsert(memVersion{
			key:     m.Key(),
			ts:      commitTS,
			owner:   owner,
			value:   m.Value(),
			deleted: m.IsDelete(),
		})
		s.writes.Inc()
	}
	for {
		cur := s.current.Load()
		if commitTS <= cur || s.current.CAS(cur, commitTS) {
			break
		}
	}
	return nil
}

func (s *MemStorage) CheckWriteConflicts(writeSet map[string][]byte, startTS, commitTS uint64) ([]ConflictInfo, error) {
	keys := make(map[string]uint64, len(writeSet))
	for key := range writeSet {
		keys[key] = startTS
	}
	return s.checkConflicts(keys, commitTS, WriteWrite), nil
}

func (s *MemStorage) CheckReadConflicts(readSet map[string]uint64, startTS, commitTS uint64) ([]ConflictInfo, error) {
	return s.checkConflicts(readSet, commitTS, ReadWrite), nil
}

// checkConflicts collects versions of each key with since < ts < commitTS.
func (s *MemStorage) checkConflicts(keys map[string]uint64, commitTS uint64, kind ConflictKind) []ConflictInfo {
	if commitTS == 0 {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var conflicts []ConflictInfo
	for _, key := range sortedKeys(keys) {
		since := keys[key]
		s.versions.AscendGreaterOrEqual(memVersion{key: key, ts: commitTS - 1}, func(i btree.Item) bool {
			v := i.(memVersion)
			if v.key != key || v.ts <= since {
				return false
			}
			conflicts = append(conflicts, ConflictInfo{Key: key, Kind: kind, ConflictTS: v.ts, ConflictTxn: v.owner})
			return true
		})
	}
	s.conflicts.Add(uint64(len(conflicts)))
	return conflicts
}

func (s *MemStorage) GC(safePoint uint64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		garbage []btree.Item
		lastKey string
		visible bool
	)
	first := true
	s.versions.Ascend(func(i btree.Item) bool {
		v := i.(memVersion)
		if first || v.key != lastKey {
			first, lastKey, visible = false, v.key, false
		}
		if v.ts > safePoint {
			return true
		}
		if visible {
			garbage = append(garbage, i)
			return true
		}
		visible = true
		if v.deleted {
			garbage = append(garbage, i)
		}
		return true
	})
	for _, i := range garbage {
		s.versions.Delete(i)
	}
	s.collected.Add(uint64(len(garbage)))
	return len(garbage), nil
}

func (s *MemStorage) Stats() Stats {
	s.mu.RLock()
	keys := 0
	lastKey, first := "", true
	s.versions.Ascend(func(i btree.Item) bool {
		v := i.(memVersion)
		if first || v.key != lastKey {
			keys++
			first, lastKey = false, v.key
		}
		return true
	})
	versions := s.versions.Len()
	s.mu.RUnlock()
	return Stats{
		Keys:      keys,
		Versions:  versions,
		Reads:     s.reads.Load(),
		Writes:    s.writes.Load(),
		Conflicts: s.conflicts.Load(),
		Collected: s.collected.Load(),
	}
}

type memVersion struct {
	key     string
	ts      uint64
	owner   uuid.UUID
	value   []byte
	deleted bool
}

// Less orders by key ascending, then by timestamp descending.
func (v memVersion) Less(than btree.Item) bool {
	o := than.(memVersion)
	if v.key != o.key {
		return v.key < o.key
	}
	return v.ts > o.ts
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
