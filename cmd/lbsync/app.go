package main

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"lbsync/internal/aggregate"
	"lbsync/internal/chain"
	"lbsync/internal/config"
	"lbsync/internal/coordinator"
	"lbsync/internal/dex"
	"lbsync/internal/discovery"
	"lbsync/internal/listener"
	"lbsync/internal/observability"
	"lbsync/internal/pricing"
	"lbsync/internal/storage"
	"lbsync/internal/storage/clickhouse"
	"lbsync/internal/storage/memory"
	"lbsync/internal/storage/postgres"
)

// app holds every long-lived dependency built from Config.
type app struct {
	cfg       config.Config
	logger    *zap.Logger
	store     storage.Store
	metrics   *observability.Metrics
	chains    []coordinator.ChainServices
	discovery map[string]*discovery.Service
	closers   []func()
}

func newApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app, error) {
	a := &app{
		cfg:       cfg,
		logger:    logger,
		metrics:   observability.NewMetrics(""),
		discovery: make(map[string]*discovery.Service),
	}
	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) build(ctx context.Context) error {
	store, err := openStore(ctx, a.cfg.Storage)
	if err != nil {
		return err
	}
	a.store = store
	a.closers = append(a.closers, store.Close)

	table := a.staticPrices()
	prices, priceWriter, err := a.buildPricing(ctx, table)
	if err != nil {
		return err
	}

	aggOpts := []aggregate.Option{aggregate.WithReferencePrices(table)}
	if priceWriter != nil {
		aggOpts = append(aggOpts, aggregate.WithPriceWriter(priceWriter))
	}
	if a.cfg.ClickHouse.DSN != "" {
		sink, err := clickhouse.NewSink(ctx, a.cfg.ClickHouse.DSN, a.cfg.ClickHouse.DialTimeout)
		if err != nil {
			return fmt.Errorf("connect clickhouse: %w", err)
		}
		a.closers = append(a.closers, func() { _ = sink.Close() })
		aggOpts = append(aggOpts, aggregate.WithStatsSink(sink))
		a.logger.Info("clickhouse stats mirror enabled")
	}

	for _, ch := range a.cfg.Chains {
		services, err := a.buildChain(ctx, ch, prices, aggOpts)
		if err != nil {
			return fmt.Errorf("chain %s: %w", ch.Name, err)
		}
		a.chains = append(a.chains, services)
	}
	return nil
}

func openStore(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return memory.NewStore(), nil
	default:
		store, err := postgres.NewStore(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		return store, nil
	}
}

func (a *app) staticPrices() *pricing.StaticTable {
	table := pricing.NewStaticTable(nil)
	if a.cfg.Pricing.Defaults {
		table = pricing.NewStaticTable(pricing.DefaultBSCPrices())
	}
	for chainName, tokens := range a.cfg.StaticPrices() {
		for token, price := range tokens {
			table.Set(chainName, token, price)
		}
	}
	return table
}

// buildPricing composes static prices and recorded price history, fronted
// by a Redis cache when configured.
func (a *app) buildPricing(ctx context.Context, table *pricing.StaticTable) (pricing.Lookup, aggregate.PriceWriter, error) {
	base := pricing.Chain{table, pricing.NewStoreLookup(a.store, a.cfg.Pricing.MaxAge)}

	if a.cfg.Redis.Addr == "" {
		return base, nil, nil
	}
	client := pricing.NewRedisClient(a.cfg.Redis.Addr, a.cfg.Redis.Password, a.cfg.Redis.DB)
	a.closers = append(a.closers, func() { _ = client.Close() })
	cache := pricing.NewRedisCache(client, base, a.cfg.Redis.TTL, a.logger)
	if err := cache.Ping(ctx); err != nil {
		return nil, nil, fmt.Errorf("connect redis %s: %w", a.cfg.Redis.Addr, err)
	}
	a.logger.Info("redis price cache enabled", zap.String("addr", a.cfg.Redis.Addr))
	return cache, cache, nil
}

func (a *app) buildChain(ctx context.Context, ch config.ChainConfig, prices pricing.Lookup, aggOpts []aggregate.Option) (coordinator.ChainServices, error) {
	logger := a.logger.With(zap.String("chain", ch.Name))
	rpc, err := chain.DialPool(ctx, ch.RPC,
		chain.WithLogger(logger),
		chain.WithObserver(a.metrics.ObserveRPC))
	if err != nil {
		return coordinator.ChainServices{}, err
	}
	a.closers = append(a.closers, rpc.Close)

	lcfg := a.cfg.Listener
	lst, err := listener.New(listener.Config{
		Chain:        ch.Name,
		Lookback:     lcfg.Lookback,
		ChunkSize:    lcfg.ChunkSize,
		ChunkDelay:   lcfg.ChunkDelay,
		MaxRetries:   lcfg.MaxRetries,
		RetryBackoff: lcfg.RetryBackoff,
	}, rpc, a.store, logger, listener.WithRecorder(a.metrics))
	if err != nil {
		return coordinator.ChainServices{}, err
	}

	agg, err := aggregate.NewAggregator(aggregate.Config{
		Chain:            ch.Name,
		UnpricedEstimate: a.cfg.Discovery.UnpricedEstimate,
	}, rpc, a.store, prices, logger, aggOpts...)
	if err != nil {
		return coordinator.ChainServices{}, err
	}

	services := coordinator.ChainServices{
		Name:       ch.Name,
		Listener:   lst,
		Aggregator: agg,
		RPC:        rpc,
	}

	if a.cfg.Discovery.Enabled && common.IsHexAddress(ch.Factory) {
		dcfg := a.cfg.Discovery
		source := discovery.NewFactorySource(rpc, ch.Name, common.HexToAddress(ch.Factory), dex.NewTokenMetaCache(), logger)
		svc, err := discovery.NewService(discovery.Config{
			Chain:            ch.Name,
			MaxScan:          dcfg.MaxScan,
			MinLiquidityUSD:  dcfg.MinLiquidityUSD,
			UnpricedEstimate: dcfg.UnpricedEstimate,
			PoolDelay:        dcfg.PoolDelay,
			Version:          dcfg.Version,
		}, source, a.store, prices, logger, discovery.WithRecorder(a.metrics))
		if err != nil {
			return coordinator.ChainServices{}, err
		}
		services.Discovery = svc
		a.discovery[ch.Name] = svc
	}
	return services, nil
}

func (a *app) newCoordinator() (*coordinator.Coordinator, error) {
	c := a.cfg.Coordinator
	return coordinator.New(coordinator.Config{
		Concurrency:      c.Concurrency,
		BatchSize:        c.BatchSize,
		MaxAttempts:      c.MaxAttempts,
		RetryBase:        c.RetryBase,
		Retention:        c.Retention,
		HealthInterval:   c.HealthInterval,
		AutoRestart:      c.AutoRestart,
		RecoveryAttempts: c.RecoveryAttempts,
		RecoveryDelay:    c.RecoveryDelay,
	}, a.chains, a.store, a.logger, coordinator.WithRecorder(a.metrics))
}

// Close releases resources in reverse order of creation.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
