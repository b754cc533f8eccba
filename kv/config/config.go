package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	EngineMemory  = "memory"
	EngineBadger  = "badger"
	EngineLevelDB = "leveldb"
)

const (
	VictimYoungest    = "youngest"
	VictimSmallestID  = "smallest-id"
	VictimFewestLocks = "fewest-locks"
)

type Config struct {
	LogLevel    string     `toml:"log-level"`
	Log         log.Config `toml:"log"`
	MetricsAddr string     `toml:"metrics-addr"`

	Txn     TxnConfig     `toml:"txn"`
	Storage StorageConfig `toml:"storage"`
}

// TxnConfig tunes the transaction manager and its background sweeps.
type TxnConfig struct {
	// One of "read-uncommitted", "read-committed", "repeatable-read", "serializable".
	DefaultIsolation string `toml:"default-isolation"`
	// Lifetime of a transaction before the timeout sweep aborts it.
	Timeout Duration `toml:"timeout"`
	// Upper bound for a single lock wait.
	LockWaitTimeout        Duration `toml:"lock-wait-timeout"`
	DeadlockDetectInterval Duration `toml:"deadlock-detect-interval"`
	TimeoutSweepInterval   Duration `toml:"timeout-sweep-interval"`
	// How long committed writes stay in the write-set tracker.
	WriteRetention Duration `toml:"write-retention"`
	// Zero disables storage GC.
	GCInterval      Duration `toml:"gc-interval"`
	VictimPolicy    string   `toml:"victim-policy"`
	MaxParticipants int      `toml:"max-participants"`
	// Push timeout_at forward on every read and write.
	ExtendTimeoutOnActivity bool `toml:"extend-timeout-on-activity"`
}

type StorageConfig struct {
	Engine string `toml:"engine"`
	// Directory to store the data in. Should exist and be writable.
	Path       string `toml:"path"`
	SyncWrites bool   `toml:"sync-writes"`

	// badger only
	VlogFileSize  ByteSize `toml:"vlog-file-size"`
	MaxTableSize  ByteSize `toml:"max-table-size"`
	NumCompactors int      `toml:"num-compactors"`
	NumMemTables  int      `toml:"num-mem-tables"`

	// leveldb only
	BlockCacheSize  ByteSize `toml:"block-cache-size"`
	WriteBufferSize ByteSize `toml:"write-buffer-size"`
}

func (c *Config) Validate() error {
	if err := c.Txn.Validate(); err != nil {
		return err
	}
	return c.Storage.validate()
}

// Validate rejects settings the manager cannot run with.
func (c *TxnConfig) Validate() error {
	switch c.DefaultIsolation {
	case "read-uncommitted", "read-committed", "repeatable-read", "serializable":
	default:
		return fmt.Errorf("unknown isolation level %q", c.DefaultIsolation)
	}
	switch c.VictimPolicy {
	case VictimYoungest, VictimSmallestID, VictimFewestLocks:
	default:
		return fmt.Errorf("unknown victim policy %q", c.VictimPolicy)
	}
	if c.Timeout.Duration <= 0 {
		return fmt.Errorf("txn timeout must be greater than 0")
	}
	if c.LockWaitTimeout.Duration <= 0 {
		return fmt.Errorf("lock wait timeout must be greater than 0")
	}
	if c.DeadlockDetectInterval.Duration <= 0 || c.TimeoutSweepInterval.Duration <= 0 {
		return fmt.Errorf("sweep intervals must be greater than 0")
	}
	if c.GCInterval.Duration < 0 {
		return fmt.Errorf("gc interval must not be negative")
	}
	if c.WriteRetention.Duration < 0 {
		return fmt.Errorf("write retention must not be negative")
	}
	if c.MaxParticipants <= 0 {
		return fmt.Errorf("max participants must be greater than 0")
	}
	if c.LockWaitTimeout.Duration > c.Timeout.Duration {
		log.Warn("lock wait timeout exceeds txn timeout, waits will be cut short by the timeout sweep",
			zap.Duration("lock-wait-timeout", c.LockWaitTimeout.Duration),
			zap.Duration("timeout", c.Timeout.Duration))
	}
	return nil
}

func (c *StorageConfig) validate() error {
	switch c.Engine {
	case EngineMemory:
		return nil
	case EngineBadger, EngineLevelDB:
		if c.Path == "" {
			return fmt.Errorf("engine %s needs a storage path", c.Engine)
		}
		return nil
	default:
		return fmt.Errorf("unknown storage engine %q", c.Engine)
	}
}

const (
	KB uint64 = 1024
	MB uint64 = 1024 * 1024
)

func getLogLevel() (logLevel string) {
	logLevel = "info"
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		logLevel = l
	}
	return
}

func defaultTxnConfig() TxnConfig {
	return TxnConfig{
		DefaultIsolation:       "read-committed",
		Timeout:                NewDuration(30 * time.Second),
		LockWaitTimeout:        NewDuration(10 * time.Second),
		DeadlockDetectInterval: NewDuration(100 * time.Millisecond),
		TimeoutSweepInterval:   NewDuration(60 * time.Second),
		WriteRetention:         NewDuration(5 * time.Minute),
		VictimPolicy:           VictimYoungest,
		MaxParticipants:        1000,
	}
}

func NewDefaultConfig() *Config {
	return &Config{
		LogLevel:    getLogLevel(),
		MetricsAddr: "127.0.0.1:9100",
		Txn:         defaultTxnConfig(),
		Storage: StorageConfig{
			Engine:          EngineBadger,
			Path:            "/tmp/txnkv",
			SyncWrites:      true,
			VlogFileSize:    ByteSize(256 * MB),
			MaxTableSize:    ByteSize(64 * MB),
			NumCompactors:   1,
			NumMemTables:    2,
			BlockCacheSize:  ByteSize(8 * MB),
			WriteBufferSize: ByteSize(4 * MB),
		},
	}
}

func NewTestConfig() *Config {
	txn := defaultTxnConfig()
	txn.Timeout = NewDuration(5 * time.Second)
	txn.LockWaitTimeout = NewDuration(2 * time.Second)
	txn.DeadlockDetectInterval = NewDuration(20 * time.Millisecond)
	txn.TimeoutSweepInterval = NewDuration(50 * time.Millisecond)
	return &Config{
		LogLevel: getLogLevel(),
		Txn:      txn,
		Storage: StorageConfig{
			Engine: EngineMemory,
		},
	}
}

// LoadFile overlays the TOML file at path onto the defaults.
func LoadFile(path string) (*Config, error) {
	c := NewDefaultConfig()
	meta, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, errors.Annotatef(err, "load config %s", path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		log.Warn("config contains unknown items", zap.Reflect("items", undecoded))
	}
	return c, nil
}

// SetupLogger replaces the global logger according to the config.
func (c *Config) SetupLogger() error {
	if c.Log.Level == "" {
		c.Log.Level = c.LogLevel
	}
	lg, props, err := log.InitLogger(&c.Log, zap.AddStacktrace(zapcore.FatalLevel))
	if err != nil {
		return errors.Trace(err)
	}
	log.ReplaceGlobals(lg, props)
	return nil
}
