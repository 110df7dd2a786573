package listener

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"lbsync/internal/chain"
	"lbsync/internal/dex"
	"lbsync/internal/model"
	"lbsync/internal/storage"
)

// ErrStopped is returned when a sync is interrupted by Stop.
var ErrStopped = errors.New("listener stopped")

// Config holds listener settings.
type Config struct {
	Chain        string
	Lookback     uint64
	ChunkSize    uint64
	ChunkDelay   time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.Lookback == 0 {
		c.Lookback = 10_000
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = 1_000
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	return c
}

// Store is the persistence surface the listener writes to.
type Store interface {
	storage.CursorStore
	storage.EventStore
}

// Recorder receives ingestion counters.
type Recorder interface {
	EventsIngested(chain string, eventType model.EventType, n int)
	DecodeErrors(chain string, n int)
}

// SyncResult summarizes one IncrementalSync call.
type SyncResult struct {
	Pool         string
	FromBlock    uint64
	ToBlock      uint64
	Chunks       int
	Swaps        int
	Deposits     int
	Withdrawals  int
	Duplicates   int
	DecodeErrors int
}

// Events returns the number of newly stored events.
func (r SyncResult) Events() int {
	return r.Swaps + r.Deposits + r.Withdrawals
}

// Listener pulls Liquidity Book pair events for one chain and persists them.
type Listener struct {
	cfg      Config
	reader   chain.Reader
	store    Store
	decoder  *dex.Decoder
	logger   *zap.Logger
	recorder Recorder
	running  atomic.Bool
}

type Option func(*Listener)

func WithRecorder(r Recorder) Option {
	return func(l *Listener) { l.recorder = r }
}

// New builds a running Listener.
func New(cfg Config, reader chain.Reader, store Store, logger *zap.Logger, opts ...Option) (*Listener, error) {
	if reader == nil {
		return nil, fmt.Errorf("chain reader is nil")
	}
	if store == nil {
		return nil, fmt.Errorf("store is nil")
	}
	if cfg.Chain == "" {
		return nil, fmt.Errorf("chain name is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	decoder, err := dex.NewDecoder(cfg.Chain)
	if err != nil {
		return nil, err
	}
	l := &Listener{
		cfg:     cfg.withDefaults(),
		reader:  reader,
		store:   store,
		decoder: decoder,
		logger:  logger.With(zap.String("component", "listener"), zap.String("chain", cfg.Chain)),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.running.Store(true)
	return l, nil
}

// Start allows new chunks to be scheduled.
func (l *Listener) Start() { l.running.Store(true) }

// Stop prevents new chunks from being scheduled. A chunk already being
// persisted finishes.
func (l *Listener) Stop() { l.running.Store(false) }

func (l *Listener) Running() bool { return l.running.Load() }

// Chain returns the chain this listener serves.
func (l *Listener) Chain() string { return l.cfg.Chain }

// IncrementalSync fetches and stores every pair event emitted since the
// pool's cursors, advancing the cursors chunk by chunk.
func (l *Listener) IncrementalSync(ctx context.Context, pool model.Pool) (SyncResult, error) {
	res := SyncResult{Pool: pool.Address}
	if pool.Chain != l.cfg.Chain {
		return res, fmt.Errorf("%w: pool %s is on chain %q, listener serves %q", storage.ErrInvalidInput, pool.Address, pool.Chain, l.cfg.Chain)
	}
	if !common.IsHexAddress(pool.Address) {
		return res, fmt.Errorf("%w: invalid pool address %q", storage.ErrInvalidInput, pool.Address)
	}
	if !l.Running() {
		return res, ErrStopped
	}

	latest, err := l.reader.LatestBlockNumber(ctx)
	if err != nil {
		if !errors.Is(err, chain.ErrUnavailable) {
			err = fmt.Errorf("%w: %v", chain.ErrUnavailable, err)
		}
		return res, fmt.Errorf("latest block: %w", err)
	}

	from, err := l.startBlock(ctx, pool, latest)
	if err != nil {
		return res, err
	}
	res.FromBlock, res.ToBlock = from, latest
	if from > latest {
		l.logger.Debug("pool up to date", zap.String("pool", pool.Address), zap.Uint64("latest", latest))
		return res, nil
	}

	ranges, err := SplitRange(from, latest, l.cfg.ChunkSize)
	if err != nil {
		return res, err
	}

	address := common.HexToAddress(pool.Address)
	for i, blockRange := range ranges {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if !l.Running() {
			return res, ErrStopped
		}
		if i > 0 {
			if err := sleep(ctx, l.cfg.ChunkDelay); err != nil {
				return res, err
			}
		}

		if err := l.syncChunk(ctx, pool, address, blockRange, &res); err != nil {
			l.logger.Error("chunk failed",
				zap.String("pool", pool.Address),
				zap.Uint64("from", blockRange.From),
				zap.Uint64("to", blockRange.To),
				zap.Error(err))
			return res, fmt.Errorf("sync %s blocks %d-%d: %w", pool.Address, blockRange.From, blockRange.To, err)
		}
		res.Chunks++
	}

	l.logger.Info("pool synced",
		zap.String("pool", pool.Address),
		zap.Uint64("from", res.FromBlock),
		zap.Uint64("to", res.ToBlock),
		zap.Int("swaps", res.Swaps),
		zap.Int("deposits", res.Deposits),
		zap.Int("withdrawals", res.Withdrawals),
		zap.Int("decode_errors", res.DecodeErrors))
	return res, nil
}

// startBlock resumes one block past the furthest cursor, or looks back a
// fixed window for a pool that has never been synced.
func (l *Listener) startBlock(ctx context.Context, pool model.Pool, latest uint64) (uint64, error) {
	var (
		furthest uint64
		found    bool
	)
	for _, eventType := range model.CursorEventTypes {
		cursor, ok, err := l.store.GetCursor(ctx, pool.Chain, pool.Address, eventType)
		if err != nil {
			return 0, fmt.Errorf("read %s cursor: %w", eventType, err)
		}
		if ok && (!found || cursor.LastBlock > furthest) {
			furthest = cursor.LastBlock
			found = true
		}
	}
	if found {
		return furthest + 1, nil
	}
	if latest < l.cfg.Lookback {
		return 0, nil
	}
	return latest - l.cfg.Lookback, nil
}

func (l *Listener) syncChunk(ctx context.Context, pool model.Pool, address common.Address, blockRange BlockRange, res *SyncResult) error {
	logs, err := l.filterLogsWithRetry(ctx, address, blockRange)
	if err != nil {
		return fmt.Errorf("filter logs: %w", err)
	}

	timestamps := make(map[uint64]time.Time)
	counts := make(map[model.EventType]int)
	decodeErrors := 0
	for _, log := range logs {
		if log.Removed {
			continue
		}
		decoded, err := l.decoder.Decode(log)
		if err != nil {
			decodeErrors++
			l.logger.Warn("skip undecodable log",
				zap.String("tx", log.TxHash.Hex()),
				zap.Uint("log_index", log.Index),
				zap.Error(err))
			continue
		}

		ts, ok := timestamps[log.BlockNumber]
		if !ok {
			raw, err := l.blockTimestampWithRetry(ctx, log.BlockNumber)
			if err != nil {
				return fmt.Errorf("block timestamp %d: %w", log.BlockNumber, err)
			}
			ts = dex.BlockTime(raw)
			timestamps[log.BlockNumber] = ts
		}

		inserted, err := l.persist(ctx, decoded, ts)
		if err != nil {
			return fmt.Errorf("store %s %s:%d: %w", decoded.Type, log.TxHash.Hex(), log.Index, err)
		}
		if !inserted {
			res.Duplicates++
			continue
		}
		counts[decoded.Type]++
	}

	for _, eventType := range model.CursorEventTypes {
		cursor := model.SyncCursor{
			Chain:     pool.Chain,
			Contract:  pool.Address,
			EventType: eventType,
			LastBlock: blockRange.To,
		}
		if err := l.store.SaveCursor(ctx, cursor); err != nil {
			return fmt.Errorf("save %s cursor: %w", eventType, err)
		}
	}

	res.Swaps += counts[model.EventSwap]
	res.Deposits += counts[model.EventDeposit]
	res.Withdrawals += counts[model.EventWithdraw]
	res.DecodeErrors += decodeErrors
	if l.recorder != nil {
		for eventType, n := range counts {
			l.recorder.EventsIngested(l.cfg.Chain, eventType, n)
		}
		if decodeErrors > 0 {
			l.recorder.DecodeErrors(l.cfg.Chain, decodeErrors)
		}
	}

	l.logger.Debug("chunk complete",
		zap.String("pool", pool.Address),
		zap.Uint64("from", blockRange.From),
		zap.Uint64("to", blockRange.To),
		zap.Int("logs", len(logs)))
	return nil
}

func (l *Listener) persist(ctx context.Context, decoded dex.Decoded, ts time.Time) (bool, error) {
	switch {
	case decoded.Swap != nil:
		ev := *decoded.Swap
		ev.Timestamp = ts
		return l.store.InsertSwap(ctx, ev)
	case decoded.Liquidity != nil:
		ev := *decoded.Liquidity
		ev.Timestamp = ts
		return l.store.InsertLiquidity(ctx, ev)
	default:
		return false, fmt.Errorf("empty decoded event")
	}
}

func (l *Listener) filterLogsWithRetry(ctx context.Context, address common.Address, blockRange BlockRange) ([]types.Log, error) {
	var logs []types.Log
	err := withRetry(ctx, l.cfg.MaxRetries, l.cfg.RetryBackoff, func(ctx context.Context) error {
		var err error
		logs, err = l.reader.FilterLogs(ctx, blockRange.From, blockRange.To, []common.Address{address}, l.decoder.Topics())
		if err != nil {
			l.logger.Warn("filter logs failed", zap.Error(err), zap.Uint64("from", blockRange.From), zap.Uint64("to", blockRange.To))
		}
		return err
	})
	return logs, err
}

func (l *Listener) blockTimestampWithRetry(ctx context.Context, blockNumber uint64) (uint64, error) {
	var ts uint64
	err := withRetry(ctx, l.cfg.MaxRetries, l.cfg.RetryBackoff, func(ctx context.Context) error {
		var err error
		ts, err = l.reader.BlockTimestamp(ctx, blockNumber)
		if err != nil {
			l.logger.Warn("block timestamp fetch failed", zap.Error(err), zap.Uint64("block_number", blockNumber))
		}
		return err
	})
	return ts, err
}
