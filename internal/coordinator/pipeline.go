package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"lbsync/internal/listener"
	"lbsync/internal/model"
)

// Report summarizes one pipeline pass.
type Report struct {
	Pools       int   `json:"pools"`
	Events      int   `json:"events"`
	FailedPools int   `json:"failed_pools"`
	Stats       int   `json:"stats"`
	Rollups     int   `json:"rollups"`
	Positions   int   `json:"positions"`
	Prices      int   `json:"prices"`
	Discovered  int   `json:"discovered"`
	Pruned      int64 `json:"pruned"`
}

type pipelineOptions struct {
	discover bool
	prune    bool
}

type chainPools struct {
	services ChainServices
	pools    []model.Pool
}

func (c *Coordinator) runPipeline(ctx context.Context, opts pipelineOptions) (Report, error) {
	var report Report
	var errs []error

	if opts.discover {
		for _, cs := range c.chains {
			if cs.Discovery == nil {
				continue
			}
			res, err := cs.Discovery.Scan(ctx)
			if err != nil {
				c.logger.Warn("discovery failed", zap.String("chain", cs.Name), zap.Error(err))
				continue
			}
			report.Discovered += res.Added
		}
	}

	pools, err := c.activePools(ctx)
	if err != nil {
		return report, err
	}
	for _, cp := range pools {
		report.Pools += len(cp.pools)
	}

	c.setPhase(PhaseSyncingEvents)
	if err := c.eventsPhase(ctx, pools, &report); err != nil {
		return report, err
	}

	c.setPhase(PhaseUpdatingStats)
	if err := c.statsPhase(ctx, pools, &report); err != nil {
		if ctx.Err() != nil {
			return report, err
		}
		errs = append(errs, err)
	}

	c.setPhase(PhaseCalculatingPositions)
	since := c.now().Add(-c.cfg.PositionWindow)
	for _, cp := range pools {
		n, err := cp.services.Aggregator.RevaluePositions(ctx, since)
		report.Positions += n
		if err != nil {
			errs = append(errs, fmt.Errorf("%s positions: %w", cp.services.Name, err))
		}
	}

	c.setPhase(PhaseUpdatingPrices)
	for _, cp := range pools {
		n, err := cp.services.Aggregator.RefreshTokenPrices(ctx, cp.pools)
		report.Prices += n
		if err != nil {
			errs = append(errs, fmt.Errorf("%s prices: %w", cp.services.Name, err))
		}
	}

	if opts.prune {
		n, err := c.Cleanup(ctx)
		report.Pruned = n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return report, errors.Join(errs...)
}

func (c *Coordinator) activePools(ctx context.Context) ([]chainPools, error) {
	out := make([]chainPools, 0, len(c.chains))
	for _, cs := range c.chains {
		pools, err := c.store.ListPools(ctx, cs.Name, model.PoolActive)
		if err != nil {
			return nil, fmt.Errorf("list pools %s: %w", cs.Name, err)
		}
		if c.recorder != nil {
			c.recorder.SetActivePools(cs.Name, len(pools))
		}
		out = append(out, chainPools{services: cs, pools: pools})
	}
	return out, nil
}

// eventsPhase fails only when every pool failed, which points at the chain or
// the store rather than a single contract.
func (c *Coordinator) eventsPhase(ctx context.Context, pools []chainPools, report *Report) error {
	var events atomic.Int64
	total, failed := 0, 0
	for _, cp := range pools {
		syncer := cp.services.Listener
		total += len(cp.pools)
		failed += c.forEachPool(ctx, cp.pools, "events", func(ctx context.Context, pool model.Pool) error {
			res, err := syncer.IncrementalSync(ctx, pool)
			events.Add(int64(res.Events()))
			return err
		})
	}
	report.Events = int(events.Load())
	report.FailedPools = failed
	if err := ctx.Err(); err != nil {
		return err
	}
	if total > 0 && failed == total {
		return fmt.Errorf("event sync failed for all %d pools", total)
	}
	return nil
}

func (c *Coordinator) statsPhase(ctx context.Context, pools []chainPools, report *Report) error {
	var errs []error
	for _, cp := range pools {
		agg := cp.services.Aggregator
		var mu sync.Mutex
		stats := make([]model.PoolStats, 0, len(cp.pools))
		c.forEachPool(ctx, cp.pools, "stats", func(ctx context.Context, pool model.Pool) error {
			s, err := agg.RefreshPoolStats(ctx, pool)
			if err != nil {
				return err
			}
			mu.Lock()
			stats = append(stats, s)
			mu.Unlock()
			return nil
		})
		if err := ctx.Err(); err != nil {
			return err
		}
		report.Stats += len(stats)

		if _, err := agg.Rollup(ctx, stats); err != nil {
			errs = append(errs, fmt.Errorf("%s rollup: %w", cp.services.Name, err))
			continue
		}
		report.Rollups++
	}
	return errors.Join(errs...)
}

// forEachPool runs fn for every pool in batches with bounded concurrency and
// returns the number of pools that failed after all attempts. A pool failure
// never cancels its siblings.
func (c *Coordinator) forEachPool(ctx context.Context, pools []model.Pool, phase string, fn func(context.Context, model.Pool) error) int {
	var failed atomic.Int64
	for start := 0; start < len(pools); start += c.cfg.BatchSize {
		if ctx.Err() != nil || !c.Running() {
			break
		}
		end := start + c.cfg.BatchSize
		if end > len(pools) {
			end = len(pools)
		}

		var g errgroup.Group
		g.SetLimit(c.cfg.Concurrency)
		for _, pool := range pools[start:end] {
			g.Go(func() error {
				if err := c.withRetry(ctx, func() error { return fn(ctx, pool) }); err != nil {
					failed.Add(1)
					c.logger.Warn("pool failed",
						zap.String("phase", phase),
						zap.String("chain", pool.Chain),
						zap.String("pool", pool.Address),
						zap.Error(err))
					if c.recorder != nil {
						c.recorder.PoolFailed(phase)
					}
				}
				return nil
			})
		}
		_ = g.Wait()
	}
	return int(failed.Load())
}

// withRetry makes up to MaxAttempts calls, doubling the delay from RetryBase
// between them. Cancellation and a stopped listener end the loop early.
func (c *Coordinator) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delay := c.cfg.RetryBase
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if errors.Is(err, listener.ErrStopped) || ctx.Err() != nil {
			return err
		}
		if attempt == c.cfg.MaxAttempts {
			break
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}
	return err
}
