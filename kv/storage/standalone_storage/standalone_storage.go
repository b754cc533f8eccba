package standalone_storage

import (
	"github.com/hypermesh/txnkv/kv/config"
	"github.com/hypermesh/txnkv/kv/storage"
	"github.com/hypermesh/txnkv/kv/storage/mvcc"
	"github.com/hypermesh/txnkv/kv/util/engine_util"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// NewStandAloneStorage builds the single-node storage selected by conf.Engine.
// The result still needs Start.
func NewStandAloneStorage(conf *config.StorageConfig) (storage.Storage, error) {
	log.Info("opening storage", zap.String("engine", conf.Engine), zap.String("path", conf.Path))
	switch conf.Engine {
	case config.EngineMemory:
		return storage.NewMemStorage(), nil
	case config.EngineBadger:
		db, err := engine_util.CreateDB(conf)
		if err != nil {
			return nil, err
		}
		return mvcc.NewVersionedStore(NewBadgerEngine(db)), nil
	case config.EngineLevelDB:
		db, err := engine_util.CreateLevelDB(conf)
		if err != nil {
			return nil, err
		}
		return mvcc.NewVersionedStore(NewLevelDBEngine(db, conf.SyncWrites)), nil
	}
	return nil, errors.Errorf("unknown storage engine %q", conf.Engine)
}
