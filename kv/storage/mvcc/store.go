// Package mvcc keeps versioned values on top of a raw column family engine.
//
// Every version lives in the write CF under codec.EncodeKey(key, commitTS), so
// one seek to EncodeKey(key, ts) lands on the newest version visible at ts. The
// largest commit timestamp is kept in the meta CF and restored on start.
package mvcc

import (
	"bytes"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/hypermesh/txnkv/kv/storage"
	"github.com/hypermesh/txnkv/kv/util/codec"
	"github.com/hypermesh/txnkv/kv/util/engine_util"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

var currentTsKey = []byte("current-ts")

// TsMax is the largest timestamp; seeking to it finds the newest version of a key.
const TsMax uint64 = math.MaxUint64

type VersionedStore struct {
	engine storage.Engine

	// serializes Write and GC so key and version counts stay exact
	mu       sync.Mutex
	current  atomic.Uint64
	keys     atomic.Int64
	versions atomic.Int64

	reads     atomic.Uint64
	writes    atomic.Uint64
	conflicts atomic.Uint64
	collected atomic.Uint64
}

func NewVersionedStore(engine storage.Engine) *VersionedStore {
	return &VersionedStore{engine: engine}
}

func (s *VersionedStore) Start() error {
	reader, err := s.engine.Reader()
	if err != nil {
		return errors.Trace(err)
	}
	defer reader.Close()

	val, err := reader.GetCF(engine_util.CfMeta, currentTsKey)
	if err != nil {
		return errors.Trace(err)
	}
	if val != nil {
		ts, err := codec.DecodeUint64(val)
		if err != nil {
			return errors.Annotate(err, "corrupted current timestamp")
		}
		s.current.Store(ts)
	}

	var keys, versions int64
	var lastKey []byte
	iter := reader.IterCF(engine_util.CfWrite)
	defer iter.Close()
	for iter.Seek(nil); iter.Valid(); iter.Next() {
		userKey, _, err := codec.DecodeKey(iter.Item().Key())
		if err != nil {
			return errors.Trace(err)
		}
		versions++
		if lastKey == nil || !bytes.Equal(userKey, lastKey) {
			keys++
			lastKey = userKey
		}
	}
	s.keys.Store(keys)
	s.versions.Store(versions)
	log.Info("versioned store started",
		zap.Uint64("current-ts", s.current.Load()),
		zap.Int64("keys", keys),
		zap.Int64("versions", versions))
	return nil
}

func (s *VersionedStore) Stop() error {
	return errors.Trace(s.engine.Close())
}

func (s *VersionedStore) CurrentTimestamp() uint64 {
	return s.current.Load()
}

func (s *VersionedStore) Read(key string, ts uint64) ([]byte, error) {
	s.reads.Inc()
	reader, err := s.engine.Reader()
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer reader.Close()
	write, _, err := mostRecentWriteBefore(reader, []byte(key), ts)
	if err != nil || write == nil {
		return nil, err
	}
	return write.Value, nil
}

// mostRecentWriteBefore finds the version of key with the largest commit timestamp <= ts.
func mostRecentWriteBefore(reader storage.EngineReader, key []byte, ts uint64) (*Write, uint64, error) {
	iter := reader.IterCF(engine_util.CfWrite)
	defer iter.Close()
	iter.Seek(codec.EncodeKey(key, ts))
	if !iter.Valid() {
		return nil, 0, nil
	}
	item := iter.Item()
	userKey, commitTS, err := codec.DecodeKey(item.Key())
	if err != nil {
		return nil, 0, errors.Trace(err)
	}
	if !bytes.Equal(userKey, key) {
		return nil, 0, nil
	}
	value, err := item.Value()
	if err != nil {
		return nil, 0, errors.Trace(err)
	}
	write, err := ParseWrite(value)
	if err != nil {
		return nil, 0, errors.Trace(err)
	}
	return write, commitTS, nil
}

func (s *VersionedStore) Write(owner uuid.UUID, commitTS uint64, batch []storage.Modify) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	reader, err := s.engine.Reader()
	if err != nil {
		return errors.Trace(err)
	}
	var newKeys int64
	wb := new(engine_util.WriteBatch)
	for i := range batch {
		m := &batch[i]
		key := []byte(m.Key())
		prev, _, err := mostRecentWriteBefore(reader, key, TsMax)
		if err != nil {
			reader.Close()
			return err
		}
		if prev == nil {
			newKeys++
		}
		wr := &Write{Kind: WriteKindPut, Owner: owner, Value: m.Value()}
		if m.IsDelete() {
			wr.Kind = WriteKindDelete
			wr.Value = nil
		}
		wb.SetCF(engine_util.CfWrite, codec.EncodeKey(key, commitTS), wr.ToBytes())
	}
	reader.Close()

	current := s.current.Load()
	if commitTS > current {
		current = commitTS
	}
	wb.SetCF(engine_util.CfMeta, currentTsKey, codec.EncodeUint64(current))
	if err := s.engine.Write(wb); err != nil {
		return errors.Annotatef(err, "write %d versions at %d", len(batch), commitTS)
	}
	s.current.Store(current)
	s.keys.Add(newKeys)
	s.versions.Add(int64(len(batch)))
	s.writes.Add(uint64(len(batch)))
	return nil
}

func (s *VersionedStore) CheckWriteConflicts(writeSet map[string][]byte, startTS, commitTS uint64) ([]storage.ConflictInfo, error) {
	keys := make(map[string]uint64, len(writeSet))
	for key := range writeSet {
		keys[key] = startTS
	}
	return s.checkConflicts(keys, commitTS, storage.WriteWrite)
}

func (s *VersionedStore) CheckReadConflicts(readSet map[string]uint64, startTS, commitTS uint64) ([]storage.ConflictInfo, error) {
	return s.checkConflicts(readSet, commitTS, storage.ReadWrite)
}

// checkConflicts collects versions of each key with since < ts < commitTS.
func (s *VersionedStore) checkConflicts(keys map[string]uint64, commitTS uint64, kind storage.ConflictKind) ([]storage.ConflictInfo, error) {
	if commitTS == 0 || len(keys) == 0 {
		return nil, nil
	}
	reader, err := s.engine.Reader()
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer reader.Close()

	sorted := make([]string, 0, len(keys))
	for key := range keys {
		sorted = append(sorted, key)
	}
	sort.Strings(sorted)

	var conflicts []storage.ConflictInfo
	for _, key := range sorted {
		since := keys[key]
		iter := reader.IterCF(engine_util.CfWrite)
		for iter.Seek(codec.EncodeKey([]byte(key), commitTS-1)); iter.Valid(); iter.Next() {
			item := iter.Item()
			userKey, ts, err := codec.DecodeKey(item.Key())
			if err != nil {
				iter.Close()
				return nil, errors.Trace(err)
			}
			if string(userKey) != key || ts <= since {
				break
			}
			value, err := item.Value()
			if err != nil {
				iter.Close()
				return nil, errors.Trace(err)
			}
			write, err := ParseWrite(value)
			if err != nil {
				iter.Close()
				return nil, errors.Trace(err)
			}
			conflicts = append(conflicts, storage.ConflictInfo{
				Key:         key,
				Kind:        kind,
				ConflictTS:  ts,
				ConflictTxn: write.Owner,
			})
		}
		iter.Close()
	}
	s.conflicts.Add(uint64(len(conflicts)))
	return conflicts, nil
}

func (s *VersionedStore) GC(safePoint uint64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reader, err := s.engine.Reader()
	if err != nil {
		return 0, errors.Trace(err)
	}
	wb := new(engine_util.WriteBatch)
	var (
		lastKey   []byte
		visible   bool
		remaining int64
		goneKeys  int64
	)
	endKey := func() {
		if lastKey != nil && remaining == 0 {
			goneKeys++
		}
	}
	iter := reader.IterCF(engine_util.CfWrite)
	for iter.Seek(nil); iter.Valid(); iter.Next() {
		item := iter.Item()
		rawKey := item.KeyCopy(nil)
		userKey, ts, err := codec.DecodeKey(rawKey)
		if err != nil {
			iter.Close()
			reader.Close()
			return 0, errors.Trace(err)
		}
		if lastKey == nil || !bytes.Equal(userKey, lastKey) {
			endKey()
			lastKey, visible, remaining = userKey, false, 0
		}
		if ts > safePoint {
			remaining++
			continue
		}
		if visible {
			wb.DeleteCF(engine_util.CfWrite, rawKey)
			continue
		}
		visible = true
		value, err := item.Value()
		if err != nil {
			iter.Close()
			reader.Close()
			return 0, errors.Trace(err)
		}
		if len(value) > 0 && WriteKind(value[0]) == WriteKindDelete {
			wb.DeleteCF(engine_util.CfWrite, rawKey)
			continue
		}
		remaining++
	}
	endKey()
	iter.Close()
	reader.Close()

	removed := wb.Len()
	if removed == 0 {
		return 0, nil
	}
	if err := s.engine.Write(wb); err != nil {
		return 0, errors.Annotatef(err, "gc at safe point %d", safePoint)
	}
	s.versions.Sub(int64(removed))
	s.keys.Sub(goneKeys)
	s.collected.Add(uint64(removed))
	log.Debug("gc finished", zap.Uint64("safe-point", safePoint), zap.Int("removed", removed))
	return removed, nil
}

func (s *VersionedStore) Stats() storage.Stats {
	return storage.Stats{
		Keys:      int(s.keys.Load()),
		Versions:  int(s.versions.Load()),
		Reads:     s.reads.Load(),
		Writes:    s.writes.Load(),
		Conflicts: s.conflicts.Load(),
		Collected: s.collected.Load(),
	}
}
