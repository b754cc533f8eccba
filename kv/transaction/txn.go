package transaction

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/hypermesh/txnkv/kv/storage"
	"github.com/pingcap/errors"
)

// IsolationLevel is ordered: higher levels keep the guarantees of lower ones.
type IsolationLevel int

const (
	ReadUncommitted IsolationLevel = iota
	ReadCommitted
	RepeatableRead
	Serializable
)

func (l IsolationLevel) String() string {
	switch l {
	case ReadUncommitted:
		return "read-uncommitted"
	case ReadCommitted:
		return "read-committed"
	case RepeatableRead:
		return "repeatable-read"
	case Serializable:
		return "serializable"
	}
	return fmt.Sprintf("IsolationLevel(%d)", int(l))
}

func ParseIsolationLevel(s string) (IsolationLevel, error) {
	for _, l := range []IsolationLevel{ReadUncommitted, ReadCommitted, RepeatableRead, Serializable} {
		if l.String() == s {
			return l, nil
		}
	}
	return 0, errors.Errorf("unknown isolation level %q", s)
}

// Status moves Active -> Preparing -> Prepared -> Committing -> Committed, or
// from any non-terminal state except Committing to Aborting -> Aborted.
type Status int

const (
	Active Status = iota
	Preparing
	Prepared
	Committing
	Committed
	Aborting
	Aborted
)

func (s Status) String() string {
	switch s {
	case Active:
		return "active"
	case Preparing:
		return "preparing"
	case Prepared:
		return "prepared"
	case Committing:
		return "committing"
	case Committed:
		return "committed"
	case Aborting:
		return "aborting"
	case Aborted:
		return "aborted"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

func (s Status) IsTerminal() bool {
	return s == Committed || s == Aborted
}

// Txn is the state of one transaction. The manager owns it; callers only see copies.
type Txn struct {
	ID        uuid.UUID
	StartTS   uint64
	CommitTS  uint64
	Isolation IsolationLevel
	Status    Status
	// key -> timestamp the key was read at; serializable only
	ReadSet map[string]uint64
	// key -> pending value; nil marks a delete
	WriteSet map[string][]byte

	Shards      []string
	Coordinator bool
	Prepared    bool

	CreatedAt    time.Time
	LastActivity time.Time
	TimeoutAt    time.Time

	AbortReason string
}

func (t *Txn) clone() *Txn {
	c := *t
	c.ReadSet = make(map[string]uint64, len(t.ReadSet))
	for k, v := range t.ReadSet {
		c.ReadSet[k] = v
	}
	c.WriteSet = make(map[string][]byte, len(t.WriteSet))
	for k, v := range t.WriteSet {
		c.WriteSet[k] = v
	}
	c.Shards = append([]string(nil), t.Shards...)
	return &c
}

func (t *Txn) writeKeys() []string {
	keys := make([]string, 0, len(t.WriteSet))
	for k := range t.WriteSet {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type CommitResult struct {
	CommitTS      uint64
	CommittedKeys []string
	Duration      time.Duration
}

type PrepareResult struct {
	Prepared  bool
	PrepareTS uint64
	Reason    string
	Conflicts []storage.ConflictInfo
}

type Statistics struct {
	ActiveTransactions int
	TotalStarted       uint64
	TotalCommitted     uint64
	TotalAborted       uint64
	DeadlocksDetected  uint64
	TimedOut           uint64
	Conflicts          uint64
}
