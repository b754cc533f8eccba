package standalone_storage

import (
	"github.com/hypermesh/txnkv/kv/storage"
	"github.com/hypermesh/txnkv/kv/util/engine_util"
	"github.com/syndtr/goleveldb/leveldb"
)

// LevelDBEngine is a storage.Engine on a goleveldb database.
type LevelDBEngine struct {
	db   *leveldb.DB
	sync bool
}

func NewLevelDBEngine(db *leveldb.DB, sync bool) *LevelDBEngine {
	return &LevelDBEngine{db: db, sync: sync}
}

func (e *LevelDBEngine) Reader() (storage.EngineReader, error) {
	snap, err := e.db.GetSnapshot()
	if err != nil {
		return nil, err
	}
	return &LevelDBReader{snap: snap}, nil
}

func (e *LevelDBEngine) Write(wb *engine_util.WriteBatch) error {
	return wb.WriteToLevelDB(e.db, e.sync)
}

func (e *LevelDBEngine) Close() error {
	return e.db.Close()
}

// LevelDBReader reads from one goleveldb snapshot.
type LevelDBReader struct {
	snap *leveldb.Snapshot
}

func (r *LevelDBReader) GetCF(cf string, key []byte) ([]byte, error) {
	val, err := engine_util.GetCFFromLevelDB(r.snap, cf, key)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	return val, err
}

func (r *LevelDBReader) IterCF(cf string) engine_util.DBIterator {
	return engine_util.NewLDBIterator(cf, r.snap)
}

func (r *LevelDBReader) Close() {
	r.snap.Release()
}
