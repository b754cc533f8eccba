package transaction

// The transaction package implements txnkv's transaction layer. It turns begin/read/write/commit/rollback calls into
// lock acquisitions and reads and writes of a versioned store (defined by Storage in kv/storage).
//
// A transaction gets a start timestamp from the timestamp oracle (see the tso package) when it begins. Writes are
// buffered in the transaction's write set and only reach the store at commit, all stamped with one commit timestamp,
// so other transactions never see uncommitted data.
//
// *Locks* implement strict two-phase locking (see the lock package): writes take exclusive locks, repeatable-read
// reads take shared locks, and all of them are held until the transaction commits or aborts. Serializable reads take a
// shared lock only for the duration of the read and record the key in the read set instead; at commit the read and
// write sets are validated against versions committed since the transaction started, and the transaction aborts with a
// serialization conflict if any were found.
//
// Waiting for locks can deadlock. A background sweep builds a wait-for graph from the lock table (see the deadlock
// package) and aborts one victim per cycle; another sweep aborts transactions that outlived their timeout. Aborting a
// transaction cancels its pending lock waits, so the caller blocked in Read or Write gets an error back.
//
// Transactions spanning several shards use two-phase commit: Prepare validates the transaction and fixes its commit
// timestamp, CommitPrepared persists and releases it.
