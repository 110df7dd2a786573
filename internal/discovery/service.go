package discovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"lbsync/internal/dex"
	"lbsync/internal/model"
	"lbsync/internal/pricing"
	"lbsync/internal/storage"
)

const defaultVersion = "v2.1"

// Config holds discovery settings for one chain.
type Config struct {
	Chain            string
	MaxScan          uint64
	MinLiquidityUSD  decimal.Decimal
	UnpricedEstimate decimal.Decimal
	PoolDelay        time.Duration
	Version          string
}

func (c Config) withDefaults() Config {
	if c.MaxScan == 0 {
		c.MaxScan = 100
	}
	if c.MinLiquidityUSD.IsZero() {
		c.MinLiquidityUSD = decimal.NewFromInt(10_000)
	}
	if c.UnpricedEstimate.IsZero() {
		c.UnpricedEstimate = decimal.NewFromInt(1)
	}
	if c.Version == "" {
		c.Version = defaultVersion
	}
	return c
}

// Store is the persistence surface discovery writes to.
type Store interface {
	storage.PoolStore
	storage.TokenStore
}

// ScanResult summarizes one scan.
type ScanResult struct {
	Scanned  int           `json:"scanned"`
	Found    int           `json:"found"`
	Added    int           `json:"added"`
	Skipped  int           `json:"skipped"`
	Errors   int           `json:"errors"`
	Duration time.Duration `json:"duration"`
}

// Metrics are cumulative over the process lifetime.
type Metrics struct {
	TotalScanned  int64         `json:"total_scanned"`
	NewPoolsFound int64         `json:"new_pools_found"`
	PoolsAdded    int64         `json:"pools_added"`
	PoolsSkipped  int64         `json:"pools_skipped"`
	Errors        int64         `json:"errors"`
	LastScanTime  time.Time     `json:"last_scan_time"`
	ScanDuration  time.Duration `json:"scan_duration"`
}

// Recorder receives scan results.
type Recorder interface {
	DiscoveryScan(chain string, res ScanResult)
}

// Service registers new pools found on a factory.
type Service struct {
	cfg      Config
	source   Source
	store    Store
	prices   pricing.Lookup
	logger   *zap.Logger
	recorder Recorder
	now      func() time.Time

	scanMu  sync.Mutex
	mu      sync.RWMutex
	metrics Metrics
}

type Option func(*Service)

func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

func NewService(cfg Config, source Source, store Store, prices pricing.Lookup, logger *zap.Logger, opts ...Option) (*Service, error) {
	if source == nil {
		return nil, fmt.Errorf("discovery source is nil")
	}
	if store == nil {
		return nil, fmt.Errorf("store is nil")
	}
	if cfg.Chain == "" {
		return nil, fmt.Errorf("chain name is required")
	}
	if prices == nil {
		prices = pricing.Chain{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		cfg:    cfg.withDefaults(),
		source: source,
		store:  store,
		prices: prices,
		logger: logger.With(zap.String("component", "discovery"), zap.String("chain", cfg.Chain)),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Service) Chain() string { return s.cfg.Chain }

// Scan walks the factory from its newest pair backwards, down to the
// number of pools already registered or MaxScan pairs, whichever stops
// first. Failures of a single pair are counted and never abort the scan.
func (s *Service) Scan(ctx context.Context) (ScanResult, error) {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()

	start := s.now()
	var res ScanResult

	total, err := s.source.NumberOfPairs(ctx)
	if err != nil {
		return res, fmt.Errorf("number of pairs: %w", err)
	}
	known, err := s.store.CountPools(ctx, s.cfg.Chain)
	if err != nil {
		return res, fmt.Errorf("count pools: %w", err)
	}

	lower := uint64(known)
	if total > s.cfg.MaxScan && total-s.cfg.MaxScan > lower {
		lower = total - s.cfg.MaxScan
	}

	s.logger.Info("scan factory", zap.Uint64("total", total), zap.Int("known", known), zap.Uint64("lower", lower))

	for i := total; i > lower; i-- {
		if err := ctx.Err(); err != nil {
			return s.finish(res, start), err
		}
		index := i - 1
		outcome, err := s.processIndex(ctx, index)
		if err != nil {
			res.Errors++
			s.logger.Warn("process pair failed", zap.Uint64("index", index), zap.Error(err))
			continue
		}
		switch outcome {
		case outcomeKnown:
			continue
		case outcomeAdded:
			res.Found++
			res.Added++
		case outcomeSkipped:
			res.Found++
			res.Skipped++
		case outcomeNotContract:
			res.Skipped++
		}
		res.Scanned++

		if s.cfg.PoolDelay > 0 && i-1 > lower {
			timer := time.NewTimer(s.cfg.PoolDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return s.finish(res, start), ctx.Err()
			case <-timer.C:
			}
		}
	}

	res = s.finish(res, start)
	s.logger.Info("scan complete",
		zap.Int("scanned", res.Scanned),
		zap.Int("found", res.Found),
		zap.Int("added", res.Added),
		zap.Int("skipped", res.Skipped),
		zap.Int("errors", res.Errors),
		zap.Duration("duration", res.Duration))
	return res, nil
}

type outcome int

const (
	outcomeKnown outcome = iota
	outcomeNotContract
	outcomeSkipped
	outcomeAdded
)

func (s *Service) processIndex(ctx context.Context, index uint64) (outcome, error) {
	pair, err := s.source.PairAtIndex(ctx, index)
	if err != nil {
		return 0, fmt.Errorf("pair at index: %w", err)
	}
	exists, err := s.store.PoolExists(ctx, s.cfg.Chain, pair.Hex())
	if err != nil {
		return 0, fmt.Errorf("pool exists: %w", err)
	}
	if exists {
		return outcomeKnown, nil
	}

	isContract, err := s.source.IsContract(ctx, pair)
	if err != nil {
		return 0, fmt.Errorf("code at %s: %w", pair.Hex(), err)
	}
	if !isContract {
		s.logger.Debug("skip non-contract pair", zap.String("pair", pair.Hex()))
		return outcomeNotContract, nil
	}

	meta, err := s.source.PairMeta(ctx, pair)
	if err != nil {
		return 0, fmt.Errorf("pair meta %s: %w", pair.Hex(), err)
	}
	state, err := s.source.PairState(ctx, pair)
	if err != nil {
		return 0, fmt.Errorf("pair state %s: %w", pair.Hex(), err)
	}
	tokenX := s.source.TokenMeta(ctx, meta.TokenX)
	tokenY := s.source.TokenMeta(ctx, meta.TokenY)
	for _, token := range []model.TokenMeta{tokenX, tokenY} {
		if err := s.store.UpsertToken(ctx, token); err != nil {
			return 0, fmt.Errorf("upsert token %s: %w", token.Address, err)
		}
	}

	liquidity := s.estimateLiquidity(ctx, tokenX, tokenY, state)
	if liquidity.LessThan(s.cfg.MinLiquidityUSD) {
		s.logger.Info("skip pool below liquidity threshold",
			zap.String("pair", pair.Hex()),
			zap.String("liquidity_usd", liquidity.StringFixed(2)),
			zap.String("min_liquidity_usd", s.cfg.MinLiquidityUSD.String()))
		return outcomeSkipped, nil
	}

	now := s.now().UTC()
	inserted, err := s.store.InsertPool(ctx, model.Pool{
		Chain:     s.cfg.Chain,
		Address:   pair.Hex(),
		TokenX:    meta.TokenX.Hex(),
		TokenY:    meta.TokenY.Hex(),
		BinStep:   meta.BinStep,
		Name:      model.PoolName(tokenX.Symbol, tokenY.Symbol),
		Status:    model.PoolActive,
		Version:   s.cfg.Version,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return 0, fmt.Errorf("insert pool %s: %w", pair.Hex(), err)
	}
	if !inserted {
		return outcomeSkipped, nil
	}
	s.logger.Info("pool added",
		zap.String("pair", pair.Hex()),
		zap.String("name", model.PoolName(tokenX.Symbol, tokenY.Symbol)),
		zap.Uint32("bin_step", meta.BinStep),
		zap.String("liquidity_usd", liquidity.StringFixed(2)))
	return outcomeAdded, nil
}

func (s *Service) estimateLiquidity(ctx context.Context, tokenX, tokenY model.TokenMeta, state dex.PairState) decimal.Decimal {
	r := pricing.Reserves{
		ReserveX:  state.ReserveX,
		ReserveY:  state.ReserveY,
		DecimalsX: tokenX.Decimals,
		DecimalsY: tokenY.Decimals,
	}
	r.PriceX, r.HasPriceX = s.prices.PriceUSD(ctx, s.cfg.Chain, tokenX.Address)
	r.PriceY, r.HasPriceY = s.prices.PriceUSD(ctx, s.cfg.Chain, tokenY.Address)
	return pricing.EstimateLiquidityUSD(r, s.cfg.UnpricedEstimate)
}

func (s *Service) finish(res ScanResult, start time.Time) ScanResult {
	res.Duration = s.now().Sub(start)

	s.mu.Lock()
	s.metrics.TotalScanned += int64(res.Scanned)
	s.metrics.NewPoolsFound += int64(res.Found)
	s.metrics.PoolsAdded += int64(res.Added)
	s.metrics.PoolsSkipped += int64(res.Skipped)
	s.metrics.Errors += int64(res.Errors)
	s.metrics.LastScanTime = start
	s.metrics.ScanDuration = res.Duration
	s.mu.Unlock()

	if s.recorder != nil {
		s.recorder.DiscoveryScan(s.cfg.Chain, res)
	}
	return res
}

// Metrics returns a snapshot of the cumulative counters.
func (s *Service) Metrics() Metrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.metrics
}

// ResetMetrics zeroes the cumulative counters.
func (s *Service) ResetMetrics() {
	s.mu.Lock()
	s.metrics = Metrics{}
	s.mu.Unlock()
}
