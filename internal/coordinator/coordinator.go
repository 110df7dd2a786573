// Package coordinator drives the sync pipeline: discovery, event ingestion,
// stats, positions and prices, guarded by a single phase state machine and
// watched by a health loop that can restart event ingestion.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"lbsync/internal/chain"
	"lbsync/internal/discovery"
	"lbsync/internal/listener"
	"lbsync/internal/model"
	"lbsync/internal/storage"
)

var (
	// ErrAlreadyInProgress is returned when a sync is requested while another
	// one is running.
	ErrAlreadyInProgress = errors.New("sync already in progress")

	// ErrNotStarted is returned when a sync is requested before Start.
	ErrNotStarted = errors.New("coordinator not started")
)

// Phase is the current step of the sync pipeline.
type Phase string

const (
	PhaseIdle                 Phase = "idle"
	PhaseSyncingEvents        Phase = "syncing_events"
	PhaseUpdatingStats        Phase = "updating_stats"
	PhaseCalculatingPositions Phase = "calculating_positions"
	PhaseUpdatingPrices       Phase = "updating_prices"
)

// EventSyncer ingests pair events for one chain.
type EventSyncer interface {
	Chain() string
	IncrementalSync(ctx context.Context, pool model.Pool) (listener.SyncResult, error)
	Start()
	Stop()
	Running() bool
}

// Discoverer registers new pools for one chain.
type Discoverer interface {
	Chain() string
	Scan(ctx context.Context) (discovery.ScanResult, error)
}

// Aggregator derives stats, rollups, position values and prices for one
// chain.
type Aggregator interface {
	Chain() string
	RefreshPoolStats(ctx context.Context, pool model.Pool) (model.PoolStats, error)
	Rollup(ctx context.Context, stats []model.PoolStats) (model.ChainRollup, error)
	RevaluePositions(ctx context.Context, since time.Time) (int, error)
	RefreshTokenPrices(ctx context.Context, pools []model.Pool) (int, error)
}

// HealthChecker reports chain reachability.
type HealthChecker interface {
	Health(ctx context.Context) chain.Health
}

// ChainServices groups the per-chain services the coordinator drives.
// Discovery and RPC may be nil.
type ChainServices struct {
	Name       string
	Listener   EventSyncer
	Discovery  Discoverer
	Aggregator Aggregator
	RPC        HealthChecker
}

// Recorder receives pipeline metrics.
type Recorder interface {
	SyncCompleted(kind, status string, elapsed time.Duration)
	PoolFailed(phase string)
	SetHealth(status string)
	SetActivePools(chain string, n int)
}

// Config controls batching, retries, retention and health monitoring.
type Config struct {
	Concurrency      int
	BatchSize        int
	MaxAttempts      int
	RetryBase        time.Duration
	Retention        time.Duration
	PositionWindow   time.Duration
	HealthInterval   time.Duration
	AutoRestart      bool
	RecoveryAttempts int
	RecoveryDelay    time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:      5,
		BatchSize:        50,
		MaxAttempts:      3,
		RetryBase:        time.Second,
		Retention:        30 * 24 * time.Hour,
		PositionWindow:   24 * time.Hour,
		HealthInterval:   30 * time.Second,
		AutoRestart:      true,
		RecoveryAttempts: 3,
		RecoveryDelay:    5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.RetryBase <= 0 {
		c.RetryBase = d.RetryBase
	}
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
	if c.PositionWindow <= 0 {
		c.PositionWindow = d.PositionWindow
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = d.HealthInterval
	}
	if c.RecoveryAttempts <= 0 {
		c.RecoveryAttempts = d.RecoveryAttempts
	}
	if c.RecoveryDelay < 0 {
		c.RecoveryDelay = 0
	}
	return c
}

// Coordinator owns the sync state machine for a set of chains.
type Coordinator struct {
	cfg      Config
	chains   []ChainServices
	store    storage.Store
	logger   *zap.Logger
	recorder Recorder
	now      func() time.Time

	mu        sync.Mutex
	phase     Phase
	running   bool
	startedAt time.Time
	stopLoop  context.CancelFunc
	loopDone  chan struct{}

	healthMu        sync.Mutex
	lastHealth      *SystemHealth
	recoveryLatched bool
	recoveries      int

	metrics syncMetrics
}

type Option func(*Coordinator)

func WithRecorder(r Recorder) Option {
	return func(c *Coordinator) { c.recorder = r }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func New(cfg Config, chains []ChainServices, store storage.Store, logger *zap.Logger, opts ...Option) (*Coordinator, error) {
	if store == nil {
		return nil, fmt.Errorf("store is nil")
	}
	if len(chains) == 0 {
		return nil, fmt.Errorf("at least one chain is required")
	}
	seen := make(map[string]bool, len(chains))
	for _, cs := range chains {
		if cs.Name == "" {
			return nil, fmt.Errorf("chain name is required")
		}
		if seen[cs.Name] {
			return nil, fmt.Errorf("duplicate chain %q", cs.Name)
		}
		seen[cs.Name] = true
		if cs.Listener == nil || cs.Aggregator == nil {
			return nil, fmt.Errorf("chain %s: listener and aggregator are required", cs.Name)
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		cfg:    cfg.withDefaults(),
		chains: chains,
		store:  store,
		logger: logger.With(zap.String("component", "coordinator")),
		now:    time.Now,
		phase:  PhaseIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Start bootstraps discovery for chains without pools, starts the listeners
// and the health loop. Calling Start on a running coordinator is a no-op.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		c.logger.Info("coordinator already running")
		return nil
	}
	c.running = true
	c.startedAt = c.now()
	c.mu.Unlock()

	if err := c.store.Ping(ctx); err != nil {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		return fmt.Errorf("storage unreachable: %w", err)
	}

	for _, cs := range c.chains {
		c.bootstrap(ctx, cs)
		cs.Listener.Start()
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.mu.Lock()
	c.stopLoop = cancel
	c.loopDone = done
	c.mu.Unlock()
	go c.healthLoop(loopCtx, done)

	c.logger.Info("coordinator started", zap.Int("chains", len(c.chains)))
	return nil
}

func (c *Coordinator) bootstrap(ctx context.Context, cs ChainServices) {
	if cs.Discovery == nil {
		return
	}
	count, err := c.store.CountPools(ctx, cs.Name)
	if err != nil {
		c.logger.Warn("count pools failed", zap.String("chain", cs.Name), zap.Error(err))
		return
	}
	if count > 0 {
		return
	}
	c.logger.Info("no pools registered, running initial discovery", zap.String("chain", cs.Name))
	res, err := cs.Discovery.Scan(ctx)
	if err != nil {
		c.logger.Warn("initial discovery failed", zap.String("chain", cs.Name), zap.Error(err))
		return
	}
	c.logger.Info("initial discovery complete", zap.String("chain", cs.Name), zap.Int("added", res.Added))
}

// Stop halts the health loop and the listeners. In-flight chunks finish; no
// new pools or chunks are scheduled.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel, done := c.stopLoop, c.loopDone
	c.stopLoop, c.loopDone = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	for _, cs := range c.chains {
		cs.Listener.Stop()
	}
	c.logger.Info("coordinator stopped")
}

func (c *Coordinator) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Phase returns the current pipeline phase.
func (c *Coordinator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// begin moves the state machine out of idle.
func (c *Coordinator) begin(first Phase) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return ErrNotStarted
	}
	if c.phase != PhaseIdle {
		return fmt.Errorf("%w (phase: %s)", ErrAlreadyInProgress, c.phase)
	}
	c.phase = first
	return nil
}

func (c *Coordinator) setPhase(p Phase) {
	c.mu.Lock()
	c.phase = p
	c.mu.Unlock()
	c.logger.Debug("phase", zap.String("phase", string(p)))
}

// TriggerFullSync runs discovery, the full pipeline and retention pruning.
func (c *Coordinator) TriggerFullSync(ctx context.Context) error {
	if err := c.begin(PhaseSyncingEvents); err != nil {
		return err
	}
	defer c.setPhase(PhaseIdle)

	start := c.now()
	report, err := c.runPipeline(ctx, pipelineOptions{discover: true, prune: true})
	elapsed := c.now().Sub(start)
	c.finishSync("full", elapsed, err)
	if err != nil {
		return err
	}
	c.logger.Info("full sync complete",
		zap.Int("pools", report.Pools),
		zap.Int("events", report.Events),
		zap.Int("failed_pools", report.FailedPools),
		zap.Int64("pruned", report.Pruned),
		zap.Duration("elapsed", elapsed))
	return nil
}

// FrequentSyncResult is the outcome of TriggerFrequentSync.
type FrequentSyncResult struct {
	Status   string        `json:"status"`
	Message  string        `json:"message"`
	Duration time.Duration `json:"duration"`
	Report   Report        `json:"report"`
}

const (
	StatusCompleted = "completed"
	StatusSkipped   = "skipped"
	StatusFailed    = "failed"
)

// TriggerFrequentSync runs the pipeline without discovery or pruning. A sync
// already in progress yields a skipped result rather than an error.
func (c *Coordinator) TriggerFrequentSync(ctx context.Context) FrequentSyncResult {
	start := c.now()
	if err := c.begin(PhaseSyncingEvents); err != nil {
		if errors.Is(err, ErrAlreadyInProgress) {
			return FrequentSyncResult{Status: StatusSkipped, Message: err.Error(), Duration: c.now().Sub(start)}
		}
		c.metrics.addError(err)
		return FrequentSyncResult{Status: StatusFailed, Message: err.Error(), Duration: c.now().Sub(start)}
	}
	defer c.setPhase(PhaseIdle)

	report, err := c.runPipeline(ctx, pipelineOptions{})
	elapsed := c.now().Sub(start)
	c.finishSync("frequent", elapsed, err)
	if err != nil {
		return FrequentSyncResult{Status: StatusFailed, Message: err.Error(), Duration: elapsed, Report: report}
	}
	return FrequentSyncResult{
		Status:   StatusCompleted,
		Message:  fmt.Sprintf("synced %d pools, %d new events", report.Pools, report.Events),
		Duration: elapsed,
		Report:   report,
	}
}

// RefreshStats runs only the stats phase and chain rollups.
func (c *Coordinator) RefreshStats(ctx context.Context) (int, error) {
	if err := c.begin(PhaseUpdatingStats); err != nil {
		return 0, err
	}
	defer c.setPhase(PhaseIdle)

	start := c.now()
	var report Report
	pools, err := c.activePools(ctx)
	if err == nil {
		err = c.statsPhase(ctx, pools, &report)
	}
	c.finishSync("stats", c.now().Sub(start), err)
	return report.Stats, err
}

// Cleanup prunes events, stats and prices older than the retention window.
func (c *Coordinator) Cleanup(ctx context.Context) (int64, error) {
	before := c.now().Add(-c.cfg.Retention)
	n, err := storage.PruneAll(ctx, c.store, before)
	if err != nil {
		c.metrics.addError(err)
		return n, fmt.Errorf("prune: %w", err)
	}
	c.logger.Info("retention prune", zap.Time("before", before), zap.Int64("rows", n))
	return n, nil
}

func (c *Coordinator) finishSync(kind string, elapsed time.Duration, err error) {
	status := StatusCompleted
	if err != nil {
		status = StatusFailed
		c.metrics.addError(err)
		c.logger.Error("sync failed", zap.String("kind", kind), zap.Duration("elapsed", elapsed), zap.Error(err))
	} else {
		c.metrics.addSync(elapsed, c.now())
	}
	if c.recorder != nil {
		c.recorder.SyncCompleted(kind, status, elapsed)
	}
}
