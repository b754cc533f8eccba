package transaction

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/hypermesh/txnkv/kv/storage"
	"github.com/hypermesh/txnkv/kv/transaction/lock"
	"github.com/pingcap/errors"
)

// ErrLockTimeout is returned when a lock was not granted within the configured wait.
var ErrLockTimeout = lock.ErrLockTimeout

// ErrTxnNotFound is returned for an id that is not in the active table: it was
// committed, aborted or never existed.
type ErrTxnNotFound struct {
	ID uuid.UUID
}

func (e *ErrTxnNotFound) Error() string {
	return fmt.Sprintf("transaction %s not found", e.ID)
}

// ErrTxnNotActive is returned for an operation on a transaction past Active.
type ErrTxnNotActive struct {
	ID     uuid.UUID
	Status Status
}

func (e *ErrTxnNotActive) Error() string {
	return fmt.Sprintf("transaction %s is %s", e.ID, e.Status)
}

// ErrTxnNotPrepared is returned by CommitPrepared without a successful Prepare.
type ErrTxnNotPrepared struct {
	ID     uuid.UUID
	Status Status
}

func (e *ErrTxnNotPrepared) Error() string {
	return fmt.Sprintf("transaction %s is %s, not prepared", e.ID, e.Status)
}

// ErrSerializationConflict is returned when a serializable transaction failed
// validation. The transaction has already been aborted.
type ErrSerializationConflict struct {
	ID        uuid.UUID
	Conflicts []storage.ConflictInfo
}

func (e *ErrSerializationConflict) Error() string {
	if len(e.Conflicts) == 0 {
		return fmt.Sprintf("transaction %s: serialization conflict", e.ID)
	}
	return fmt.Sprintf("transaction %s: serialization conflict, %d conflicts, first: %s",
		e.ID, len(e.Conflicts), e.Conflicts[0])
}

// ErrTxnAborted is returned to a caller whose transaction was aborted while the
// call was in flight, e.g. as a deadlock victim.
type ErrTxnAborted struct {
	ID     uuid.UUID
	Reason string
}

func (e *ErrTxnAborted) Error() string {
	return fmt.Sprintf("transaction %s aborted: %s", e.ID, e.Reason)
}

// IsRetryable reports whether running the transaction again may succeed.
func IsRetryable(err error) bool {
	switch errors.Cause(err).(type) {
	case *ErrSerializationConflict, *ErrTxnAborted:
		return true
	}
	return errors.Cause(err) == ErrLockTimeout
}

func IsNotFound(err error) bool {
	_, ok := errors.Cause(err).(*ErrTxnNotFound)
	return ok
}
