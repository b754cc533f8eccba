package engine_util

import (
	"github.com/Connor1996/badger"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

// Column families share one keyspace: every raw key is "<cf>_<key>".
const (
	CfWrite string = "write"
	CfMeta  string = "meta"
)

var CFs = [2]string{CfWrite, CfMeta}

func KeyWithCF(cf string, key []byte) []byte {
	return append([]byte(cf+"_"), key...)
}

func GetCF(db *badger.DB, cf string, key []byte) (val []byte, err error) {
	err = db.View(func(txn *badger.Txn) error {
		val, err = GetCFFromTxn(txn, cf, key)
		return err
	})
	return
}

func GetCFFromTxn(txn *badger.Txn, cf string, key []byte) (val []byte, err error) {
	item, err := txn.Get(KeyWithCF(cf, key))
	if err != nil {
		return nil, err
	}
	val, err = item.ValueCopy(val)
	return
}

func PutCF(engine *badger.DB, cf string, key []byte, val []byte) error {
	return engine.Update(func(txn *badger.Txn) error {
		return txn.Set(KeyWithCF(cf, key), val)
	})
}

func DeleteCF(engine *badger.DB, cf string, key []byte) error {
	return engine.Update(func(txn *badger.Txn) error {
		return txn.Delete(KeyWithCF(cf, key))
	})
}

// LevelDBGetter is satisfied by both *leveldb.DB and *leveldb.Snapshot.
type LevelDBGetter interface {
	Get(key []byte, ro *opt.ReadOptions) ([]byte, error)
}

// GetCFFromLevelDB returns leveldb.ErrNotFound for a missing key.
func GetCFFromLevelDB(db LevelDBGetter, cf string, key []byte) ([]byte, error) {
	return db.Get(KeyWithCF(cf, key), nil)
}
