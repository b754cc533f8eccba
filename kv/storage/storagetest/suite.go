// Package storagetest holds behaviour checks shared by every storage.Storage implementation.
package storagetest

import (
	"testing"

	"github.com/google/uuid"
	"github.com/hypermesh/txnkv/kv/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a started, empty storage and a cleanup function.
type Factory func(t *testing.T) (storage.Storage, func())

func put(key, value string) storage.Modify {
	return storage.Modify{Data: storage.Put{Key: key, Value: []byte(value)}}
}

func del(key string) storage.Modify {
	return storage.Modify{Data: storage.Delete{Key: key}}
}

func mustRead(t *testing.T, s storage.Storage, key string, ts uint64) []byte {
	val, err := s.Read(key, ts)
	require.Nil(t, err)
	return val
}

func Run(t *testing.T, newStorage Factory) {
	t.Run("ReadVersions", func(t *testing.T) { testReadVersions(t, newStorage) })
	t.Run("WriteConflicts", func(t *testing.T) { testWriteConflicts(t, newStorage) })
	t.Run("ReadConflicts", func(t *testing.T) { testReadConflicts(t, newStorage) })
	t.Run("GC", func(t *testing.T) { testGC(t, newStorage) })
}

func testReadVersions(t *testing.T, newStorage Factory) {
	s, cleanup := newStorage(t)
	defer cleanup()

	t1, t2, t3 := uuid.New(), uuid.New(), uuid.New()
	assert.Equal(t, uint64(0), s.CurrentTimestamp())
	assert.Nil(t, mustRead(t, s, "x", 100))

	require.Nil(t, s.Write(t1, 10, []storage.Modify{put("x", "x10"), put("y", "y10")}))
	require.Nil(t, s.Write(t2, 20, []storage.Modify{put("x", "x20")}))
	require.Nil(t, s.Write(t3, 30, []storage.Modify{del("y")}))
	assert.Equal(t, uint64(30), s.CurrentTimestamp())

	assert.Nil(t, mustRead(t, s, "x", 9))
	assert.Equal(t, []byte("x10"), mustRead(t, s, "x", 10))
	assert.Equal(t, []byte("x10"), mustRead(t, s, "x", 19))
	assert.Equal(t, []byte("x20"), mustRead(t, s, "x", 20))
	assert.Equal(t, []byte("x20"), mustRead(t, s, "x", 1000))
	assert.Equal(t, []byte("y10"), mustRead(t, s, "y", 29))
	assert.Nil(t, mustRead(t, s, "y", 30))
	// a prefix of an existing key is a different key
	assert.Nil(t, mustRead(t, s, "", 100))

	// an older commit timestamp never moves the current timestamp back
	require.Nil(t, s.Write(t1, 25, []storage.Modify{put("z", "z25")}))
	assert.Equal(t, uint64(30), s.CurrentTimestamp())

	stats := s.Stats()
	assert.Equal(t, 3, stats.Keys)
	assert.Equal(t, 5, stats.Versions)
	assert.Equal(t, uint64(5), stats.Writes)
}

func testWriteConflicts(t *testing.T, newStorage Factory) {
	s, cleanup := newStorage(t)
	defer cleanup()

	other := uuid.New()
	require.Nil(t, s.Write(other, 15, []storage.Modify{put("a", "a15"), put("b", "b15")}))
	require.Nil(t, s.Write(other, 5, []storage.Modify{put("c", "c5")}))

	writeSet := map[string][]byte{"a": []byte("1"), "c": []byte("2"), "d": nil}
	conflicts, err := s.CheckWriteConflicts(writeSet, 10, 20)
	require.Nil(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "a", conflicts[0].Key)
	assert.Equal(t, storage.WriteWrite, conflicts[0].Kind)
	assert.Equal(t, uint64(15), conflicts[0].ConflictTS)
	assert.Equal(t, other, conflicts[0].ConflictTxn)

	// both ends of the window are open
	conflicts, err = s.CheckWriteConflicts(writeSet, 15, 20)
	require.Nil(t, err)
	assert.Empty(t, conflicts)
	conflicts, err = s.CheckWriteConflicts(writeSet, 10, 15)
	require.Nil(t, err)
	assert.Empty(t, conflicts)
}

func testReadConflicts(t *testing.T, newStorage Factory) {
	s, cleanup := newStorage(t)
	defer cleanup()

	other := uuid.New()
	require.Nil(t, s.Write(other, 12, []storage.Modify{put("a", "a12")}))
	require.Nil(t, s.Write(other, 14, []storage.Modify{put("a", "a14"), del("b")}))

	conflicts, err := s.CheckReadConflicts(map[string]uint64{"a": 10, "b": 14}, 10, 20)
	require.Nil(t, err)
	require.Len(t, conflicts, 2)
	for _, c := range conflicts {
		assert.Equal(t, "a", c.Key)
		assert.Equal(t, storage.ReadWrite, c.Kind)
	}
	assert.ElementsMatch(t, []uint64{12, 14}, []uint64{conflicts[0].ConflictTS, conflicts[1].ConflictTS})

	conflicts, err = s.CheckReadConflicts(map[string]uint64{"b": 13}, 10, 20)
	require.Nil(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, uint64(14), conflicts[0].ConflictTS)
}

func testGC(t *testing.T, newStorage Factory) {
	s, cleanup := newStorage(t)
	defer cleanup()

	owner := uuid.New()
	require.Nil(t, s.Write(owner, 1, []storage.Modify{put("k", "v1"), put("gone", "g1")}))
	require.Nil(t, s.Write(owner, 2, []storage.Modify{put("k", "v2")}))
	require.Nil(t, s.Write(owner, 3, []storage.Modify{put("k", "v3"), del("gone")}))
	require.Nil(t, s.Write(owner, 6, []storage.Modify{put("k", "v6")}))

	// k@2 and k@1 are shadowed by k@3; gone@3 is a tombstone, gone@1 is shadowed by it.
	removed, err := s.GC(4)
	require.Nil(t, err)
	assert.Equal(t, 4, removed)

	assert.Equal(t, []byte("v3"), mustRead(t, s, "k", 4))
	assert.Equal(t, []byte("v6"), mustRead(t, s, "k", 6))
	assert.Nil(t, mustRead(t, s, "gone", 4))
	assert.Equal(t, 1, s.Stats().Keys)
	assert.Equal(t, 2, s.Stats().Versions)

	removed, err = s.GC(4)
	require.Nil(t, err)
	assert.Equal(t, 0, removed)
}
