package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hypermesh/txnkv/kv/config"
	"github.com/hypermesh/txnkv/kv/storage/standalone_storage"
	"github.com/hypermesh/txnkv/kv/transaction"
	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath  string
	engine      string
	dataPath    string
	isolation   string
	metricsAddr string
	opts        = defaultBankOptions()
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		exit(1)
	}
	exit(0)
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "txnkv-bench",
		Short:        "Run a bank transfer workload against the transaction manager",
		SilenceUsage: true,
		RunE:         run,
	}
	flags := rootCmd.Flags()
	flags.StringVar(&configPath, "config", "", "path to a TOML config file")
	flags.StringVar(&engine, "engine", "", "storage engine: memory, badger or leveldb")
	flags.StringVar(&dataPath, "path", "", "data directory of a disk engine")
	flags.StringVar(&isolation, "isolation", "", "isolation level of the transfers, defaults to txn.default-isolation")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "address to serve /metrics on, empty to disable")
	flags.IntVar(&opts.Workers, "workers", opts.Workers, "number of concurrent clients")
	flags.IntVar(&opts.Accounts, "accounts", opts.Accounts, "number of accounts")
	flags.DurationVar(&opts.Duration, "duration", opts.Duration, "how long to run")
	flags.Float64Var(&opts.Rate, "rate", opts.Rate, "transfers per second over all workers, 0 for unlimited")
	return rootCmd
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	conf := config.NewDefaultConfig()
	if configPath != "" {
		var err error
		if conf, err = config.LoadFile(configPath); err != nil {
			return nil, err
		}
	}
	flags := cmd.Flags()
	if flags.Changed("engine") {
		conf.Storage.Engine = engine
	}
	if flags.Changed("path") {
		conf.Storage.Path = dataPath
	}
	if flags.Changed("metrics-addr") {
		conf.MetricsAddr = metricsAddr
	}
	if flags.Changed("isolation") {
		conf.Txn.DefaultIsolation = isolation
	}
	return conf, conf.Validate()
}

func run(cmd *cobra.Command, args []string) error {
	if opts.Accounts < 2 || opts.Workers < 1 {
		return fmt.Errorf("need at least 2 accounts and 1 worker")
	}
	conf, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err = conf.SetupLogger(); err != nil {
		return err
	}
	log.Info("txnkv-bench starting", zap.Reflect("config", conf))

	store, err := standalone_storage.NewStandAloneStorage(&conf.Storage)
	if err != nil {
		return err
	}
	if err = store.Start(); err != nil {
		return err
	}
	defer func() {
		if err := store.Stop(); err != nil {
			log.Error("stop storage failed", zap.Error(err))
		}
	}()

	m, err := transaction.NewManager(&conf.Txn, store)
	if err != nil {
		return err
	}
	m.Start()
	defer m.Stop()

	if conf.MetricsAddr != "" {
		serveMetrics(conf.MetricsAddr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.Duration)
	defer cancel()
	handleSignal(cancel)

	level := m.DefaultIsolation()
	bank := newBank(m, level, opts)
	if err = bank.Setup(ctx); err != nil {
		return err
	}
	start := time.Now()
	summary := bank.Run(ctx)
	elapsed := time.Since(start)

	stats := m.Statistics()
	fmt.Printf("transfers: %d, retries: %d, failures: %d, elapsed: %s, tps: %.1f\n",
		summary.Transfers, summary.Retries, summary.Failures, elapsed,
		float64(summary.Transfers)/elapsed.Seconds())
	fmt.Printf("started: %d, committed: %d, aborted: %d, deadlocks: %d, timed out: %d, conflicts: %d\n",
		stats.TotalStarted, stats.TotalCommitted, stats.TotalAborted,
		stats.DeadlocksDetected, stats.TimedOut, stats.Conflicts)

	total, err := bank.Total(context.Background())
	if err != nil {
		return err
	}
	expected := int64(opts.Accounts) * opts.InitialBalance
	if total != expected && level < transaction.RepeatableRead {
		// lost updates are allowed below repeatable read
		fmt.Printf("balance drifted under %s: %d, expected %d\n", level, total, expected)
		return nil
	}
	if total != expected {
		log.Error("balance check failed", zap.Int64("total", total), zap.Int64("expected", expected))
		return fmt.Errorf("total balance %d, expected %d", total, expected)
	}
	fmt.Printf("balance check passed: %d\n", total)
	return nil
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		log.Info("serving metrics", zap.String("addr", addr))
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Error("metrics server stopped", zap.Error(err))
		}
	}()
}

func handleSignal(cancel context.CancelFunc) {
	sc := make(chan os.Signal, 1)
	signal.Notify(sc,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	go func() {
		sig := <-sc
		log.Info("Got signal to exit", zap.String("signal", sig.String()))
		cancel()
	}()
}

func exit(code int) {
	log.Sync()
	os.Exit(code)
}
