package main

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hypermesh/txnkv/kv/transaction"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type bankOptions struct {
	Workers        int
	Accounts       int
	Duration       time.Duration
	Rate           float64
	InitialBalance int64
	MaxAmount      int64
	MaxRetries     int
}

func defaultBankOptions() bankOptions {
	return bankOptions{
		Workers:        8,
		Accounts:       100,
		Duration:       10 * time.Second,
		InitialBalance: 1000,
		MaxAmount:      10,
		MaxRetries:     20,
	}
}

type summary struct {
	Transfers uint64
	Retries   uint64
	Failures  uint64
}

// bank moves money between accounts; the sum of all balances never changes.
type bank struct {
	m       *transaction.Manager
	level   transaction.IsolationLevel
	opts    bankOptions
	limiter *rate.Limiter

	transfers atomic.Uint64
	retries   atomic.Uint64
	failures  atomic.Uint64
}

func newBank(m *transaction.Manager, level transaction.IsolationLevel, opts bankOptions) *bank {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.Rate > 0 {
		burst := int(opts.Rate)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.Rate), burst)
	}
	return &bank{m: m, level: level, opts: opts, limiter: limiter}
}

func accountKey(i int) string {
	return fmt.Sprintf("account/%06d", i)
}

func encodeBalance(v int64) []byte {
	return []byte(strconv.FormatInt(v, 10))
}

func decodeBalance(key string, v []byte) (int64, error) {
	if v == nil {
		return 0, errors.Errorf("account %s does not exist", key)
	}
	n, err := strconv.ParseInt(string(v), 10, 64)
	return n, errors.Annotatef(err, "account %s", key)
}

// Setup opens every account with the initial balance in one transaction.
func (b *bank) Setup(ctx context.Context) error {
	id := b.m.Begin(transaction.ReadCommitted)
	for i := 0; i < b.opts.Accounts; i++ {
		if err := b.m.Write(ctx, id, accountKey(i), encodeBalance(b.opts.InitialBalance)); err != nil {
			b.rollback(id)
			return err
		}
	}
	_, err := b.m.Commit(id)
	return err
}

// Run drives transfers from every worker until ctx is done.
func (b *bank) Run(ctx context.Context) summary {
	var wg sync.WaitGroup
	for w := 0; w < b.opts.Workers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			b.work(ctx, rand.New(rand.NewSource(seed)))
		}(time.Now().UnixNano() + int64(w))
	}
	wg.Wait()
	return summary{
		Transfers: b.transfers.Load(),
		Retries:   b.retries.Load(),
		Failures:  b.failures.Load(),
	}
}

func (b *bank) work(ctx context.Context, rnd *rand.Rand) {
	for {
		if err := b.limiter.Wait(ctx); err != nil {
			return
		}
		from := rnd.Intn(b.opts.Accounts)
		to := rnd.Intn(b.opts.Accounts - 1)
		if to >= from {
			to++
		}
		amount := rnd.Int63n(b.opts.MaxAmount) + 1

		var err error
		for attempt := 0; attempt <= b.opts.MaxRetries; attempt++ {
			if attempt > 0 {
				b.retries.Inc()
			}
			if err = b.transfer(ctx, accountKey(from), accountKey(to), amount); err == nil || !transaction.IsRetryable(err) {
				break
			}
		}
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			b.failures.Inc()
			log.Warn("transfer failed", zap.Int("from", from), zap.Int("to", to), zap.Error(err))
			continue
		}
		b.transfers.Inc()
	}
}

func (b *bank) transfer(ctx context.Context, from, to string, amount int64) error {
	id := b.m.Begin(b.level)
	if err := b.move(ctx, id, from, to, amount); err != nil {
		b.rollback(id)
		return err
	}
	_, err := b.m.Commit(id)
	return err
}

func (b *bank) rollback(id uuid.UUID) {
	if err := b.m.Rollback(id); err != nil {
		log.Warn("rollback failed", zap.Stringer("txn", id), zap.Error(err))
	}
}

func (b *bank) move(ctx context.Context, id uuid.UUID, from, to string, amount int64) error {
	fromVal, err := b.m.Read(ctx, id, from)
	if err != nil {
		return err
	}
	fromBalance, err := decodeBalance(from, fromVal)
	if err != nil {
		return err
	}
	toVal, err := b.m.Read(ctx, id, to)
	if err != nil {
		return err
	}
	toBalance, err := decodeBalance(to, toVal)
	if err != nil {
		return err
	}
	if fromBalance < amount {
		// nothing to move, the transaction still commits as a read-only one
		return nil
	}
	if err = b.m.Write(ctx, id, from, encodeBalance(fromBalance-amount)); err != nil {
		return err
	}
	return b.m.Write(ctx, id, to, encodeBalance(toBalance+amount))
}

// Total sums every balance in one repeatable-read snapshot.
func (b *bank) Total(ctx context.Context) (int64, error) {
	id := b.m.Begin(transaction.RepeatableRead)
	defer b.rollback(id)
	var total int64
	for i := 0; i < b.opts.Accounts; i++ {
		key := accountKey(i)
		v, err := b.m.Read(ctx, id, key)
		if err != nil {
			return 0, err
		}
		balance, err := decodeBalance(key, v)
		if err != nil {
			return 0, err
		}
		total += balance
	}
	return total, nil
}
