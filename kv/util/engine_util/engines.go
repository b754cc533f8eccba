package engine_util

import (
	"os"

	"github.com/Connor1996/badger"
	"github.com/hypermesh/txnkv/kv/config"
	"github.com/pingcap/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

// CreateDB opens (or creates) a Badger DB at conf.Path.
func CreateDB(conf *config.StorageConfig) (*badger.DB, error) {
	opts := badger.DefaultOptions
	opts.Dir = conf.Path
	opts.ValueDir = opts.Dir
	opts.SyncWrites = conf.SyncWrites
	if conf.NumCompactors > 0 {
		opts.NumCompactors = conf.NumCompactors
	}
	if conf.NumMemTables > 0 {
		opts.NumMemtables = conf.NumMemTables
	}
	if conf.VlogFileSize > 0 {
		opts.ValueLogFileSize = int64(conf.VlogFileSize)
	}
	if conf.MaxTableSize > 0 {
		opts.MaxTableSize = int64(conf.MaxTableSize)
	}
	if err := os.MkdirAll(opts.Dir, os.ModePerm); err != nil {
		return nil, errors.WithStack(err)
	}
	db, err := badger.Open(opts)
	return db, errors.Annotatef(err, "open badger at %s", conf.Path)
}

// CreateLevelDB opens (or creates) a goleveldb database at conf.Path.
func CreateLevelDB(conf *config.StorageConfig) (*leveldb.DB, error) {
	o := &opt.Options{}
	if conf.BlockCacheSize > 0 {
		o.BlockCacheCapacity = int(conf.BlockCacheSize)
	}
	if conf.WriteBufferSize > 0 {
		o.WriteBuffer = int(conf.WriteBufferSize)
	}
	db, err := leveldb.OpenFile(conf.Path, o)
	return db, errors.Annotatef(err, "open leveldb at %s", conf.Path)
}
