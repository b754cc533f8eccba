package storage

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/hypermesh/txnkv/kv/util/engine_util"
)

// Storage is a multi-version key/value store. Every write creates a new version
// tagged with the committing transaction and its commit timestamp; reads pick the
// newest version at or below a read timestamp.
type Storage interface {
	Start() error
	Stop() error
	// CurrentTimestamp is the largest commit timestamp stored so far.
	CurrentTimestamp() uint64
	// Read returns the value visible at ts, or nil if the key has no visible
	// version or its visible version is a delete.
	Read(key string, ts uint64) ([]byte, error)
	// Write stores one new version per modify. The batch becomes visible atomically.
	Write(owner uuid.UUID, commitTS uint64, batch []Modify) error
	// CheckWriteConflicts reports versions of the written keys with startTS < ts < commitTS.
	CheckWriteConflicts(writeSet map[string][]byte, startTS, commitTS uint64) ([]ConflictInfo, error)
	// CheckReadConflicts reports versions of the read keys with readTS < ts < commitTS,
	// where readTS is the timestamp each key was read at.
	CheckReadConflicts(readSet map[string]uint64, startTS, commitTS uint64) ([]ConflictInfo, error)
	// GC drops every version shadowed by a newer version at or below safePoint and
	// returns how many were removed. Reads at safePoint or later are unaffected.
	GC(safePoint uint64) (int, error)
	Stats() Stats
}

type ConflictKind int

const (
	WriteWrite ConflictKind = iota
	ReadWrite
)

func (k ConflictKind) String() string {
	switch k {
	case WriteWrite:
		return "write-write"
	case ReadWrite:
		return "read-write"
	}
	return "unknown"
}

// ConflictInfo describes one committed version that invalidates a transaction.
type ConflictInfo struct {
	Key         string
	Kind        ConflictKind
	ConflictTS  uint64
	ConflictTxn uuid.UUID
}

func (c ConflictInfo) String() string {
	return fmt.Sprintf("%s conflict on %q with %s at %d", c.Kind, c.Key, c.ConflictTxn, c.ConflictTS)
}

type Stats struct {
	Keys      int
	Versions  int
	Reads     uint64
	Writes    uint64
	Conflicts uint64
	Collected uint64
}

// Engine is a raw, unversioned key/value engine with column families.
type Engine interface {
	Reader() (EngineReader, error)
	Write(wb *engine_util.WriteBatch) error
	Close() error
}

// EngineReader reads one consistent snapshot of an Engine.
type EngineReader interface {
	// GetCF returns nil, nil for a missing key.
	GetCF(cf string, key []byte) ([]byte, error)
	IterCF(cf string) engine_util.DBIterator
	Close()
}
