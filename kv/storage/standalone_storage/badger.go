package standalone_storage

import (
	"github.com/Connor1996/badger"
	"github.com/hypermesh/txnkv/kv/storage"
	"github.com/hypermesh/txnkv/kv/util/engine_util"
)

// BadgerEngine is a storage.Engine on a single Badger DB.
type BadgerEngine struct {
	db *badger.DB
}

func NewBadgerEngine(db *badger.DB) *BadgerEngine {
	return &BadgerEngine{db: db}
}

func (e *BadgerEngine) Reader() (storage.EngineReader, error) {
	return &BadgerReader{txn: e.db.NewTransaction(false)}, nil
}

func (e *BadgerEngine) Write(wb *engine_util.WriteBatch) error {
	return wb.WriteToDB(e.db)
}

func (e *BadgerEngine) Close() error {
	return e.db.Close()
}

// BadgerReader reads from one read-only badger transaction.
type BadgerReader struct {
	txn *badger.Txn
}

func (r *BadgerReader) GetCF(cf string, key []byte) ([]byte, error) {
	val, err := engine_util.GetCFFromTxn(r.txn, cf, key)
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	return val, err
}

func (r *BadgerReader) IterCF(cf string) engine_util.DBIterator {
	return engine_util.NewCFIterator(cf, r.txn)
}

func (r *BadgerReader) Close() {
	r.txn.Discard()
}
