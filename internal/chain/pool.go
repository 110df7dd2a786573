package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
)

// HealthStatus classifies the reachability of a chain.
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// Endpoint is a named reader backing a Pool.
type Endpoint struct {
	Name   string
	Reader Reader
}

// EndpointHealth is the result of probing one endpoint.
type EndpointHealth struct {
	Name     string        `json:"name"`
	OK       bool          `json:"ok"`
	Block    uint64        `json:"block,omitempty"`
	Latency  time.Duration `json:"latency"`
	Failures int           `json:"consecutive_failures"`
	Error    string        `json:"error,omitempty"`
}

// Health summarises all endpoints of a pool.
type Health struct {
	Status    HealthStatus     `json:"status"`
	Endpoints []EndpointHealth `json:"endpoints"`
}

// Observer receives the outcome of every RPC call made through a Pool.
type Observer func(endpoint, method string, elapsed time.Duration, err error)

type endpointState struct {
	name     string
	reader   Reader
	failures int
	latency  time.Duration
	lastErr  error
}

// Pool spreads reads over several endpoints. Endpoints are ranked by
// consecutive failures, then by observed latency; each call walks the
// ranking until one endpoint answers.
type Pool struct {
	mu        sync.Mutex
	endpoints []*endpointState

	observer     Observer
	probeTimeout time.Duration
	logger       *zap.Logger
}

var _ Reader = (*Pool)(nil)

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithObserver registers a per-call observer.
func WithObserver(o Observer) PoolOption {
	return func(p *Pool) { p.observer = o }
}

// WithLogger sets the pool logger.
func WithLogger(logger *zap.Logger) PoolOption {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithProbeTimeout bounds each endpoint probe made by Health.
func WithProbeTimeout(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.probeTimeout = d
		}
	}
}

// NewPool builds a pool from already connected endpoints.
func NewPool(endpoints []Endpoint, opts ...PoolOption) (*Pool, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("%w: no endpoints configured", ErrUnavailable)
	}
	p := &Pool{
		probeTimeout: 5 * time.Second,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	for _, ep := range endpoints {
		p.endpoints = append(p.endpoints, &endpointState{name: ep.Name, reader: ep.Reader})
	}
	return p, nil
}

// DialPool dials every URL and builds a pool from the ones that connect.
func DialPool(ctx context.Context, urls []string, opts ...PoolOption) (*Pool, error) {
	endpoints := make([]Endpoint, 0, len(urls))
	var dialErrs []error
	for _, url := range urls {
		client, err := NewClient(ctx, url)
		if err != nil {
			dialErrs = append(dialErrs, fmt.Errorf("dial %s: %w", redactURL(url), err))
			continue
		}
		endpoints = append(endpoints, Endpoint{Name: redactURL(url), Reader: client})
	}
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, errors.Join(dialErrs...))
	}
	pool, err := NewPool(endpoints, opts...)
	if err != nil {
		return nil, err
	}
	for _, err := range dialErrs {
		pool.logger.Warn("rpc endpoint skipped", zap.Error(err))
	}
	return pool, nil
}

// Close closes every endpoint that owns a connection.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ep := range p.endpoints {
		if closer, ok := ep.reader.(interface{ Close() }); ok {
			closer.Close()
		}
	}
}

func (p *Pool) ranked() []*endpointState {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*endpointState, len(p.endpoints))
	copy(out, p.endpoints)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].failures != out[j].failures {
			return out[i].failures < out[j].failures
		}
		return out[i].latency < out[j].latency
	})
	return out
}

func (p *Pool) record(ep *endpointState, elapsed time.Duration, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err != nil {
		ep.failures++
		ep.lastErr = err
		return
	}
	ep.failures = 0
	ep.lastErr = nil
	if ep.latency == 0 {
		ep.latency = elapsed
	} else {
		ep.latency = (ep.latency*4 + elapsed) / 5
	}
}

func (p *Pool) do(ctx context.Context, method string, fn func(Reader) error) error {
	var lastErr error
	for _, ep := range p.ranked() {
		if err := ctx.Err(); err != nil {
			return err
		}

		start := time.Now()
		err := fn(ep.reader)
		elapsed := time.Since(start)
		if p.observer != nil {
			p.observer(ep.name, method, elapsed, err)
		}

		if err == nil || isAnswer(err) {
			p.record(ep, elapsed, nil)
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		p.record(ep, elapsed, err)
		p.logger.Debug("rpc endpoint failed",
			zap.String("endpoint", ep.name),
			zap.String("method", method),
			zap.Error(err),
		)
		lastErr = err
	}
	return fmt.Errorf("%s: %w: %v", method, ErrUnavailable, lastErr)
}

// isAnswer reports whether err is a JSON-RPC error returned by a working
// node, such as a reverted call. Those are not retried on other endpoints.
func isAnswer(err error) bool {
	var rpcErr rpc.Error
	if !errors.As(err, &rpcErr) {
		return false
	}
	switch rpcErr.ErrorCode() {
	case -32005, -32603: // limit exceeded, internal error
		return false
	default:
		return true
	}
}

func (p *Pool) LatestBlockNumber(ctx context.Context) (uint64, error) {
	var out uint64
	err := p.do(ctx, "eth_blockNumber", func(r Reader) error {
		n, err := r.LatestBlockNumber(ctx)
		out = n
		return err
	})
	return out, err
}

func (p *Pool) BlockTimestamp(ctx context.Context, number uint64) (uint64, error) {
	var out uint64
	err := p.do(ctx, "eth_getBlockByNumber", func(r Reader) error {
		ts, err := r.BlockTimestamp(ctx, number)
		out = ts
		return err
	})
	return out, err
}

func (p *Pool) FilterLogs(ctx context.Context, fromBlock, toBlock uint64, addresses []common.Address, topic0 []common.Hash) ([]types.Log, error) {
	var out []types.Log
	err := p.do(ctx, "eth_getLogs", func(r Reader) error {
		logs, err := r.FilterLogs(ctx, fromBlock, toBlock, addresses, topic0)
		out = logs
		return err
	})
	return out, err
}

func (p *Pool) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	var out []byte
	err := p.do(ctx, "eth_call", func(r Reader) error {
		data, err := r.CallContract(ctx, msg, blockNumber)
		out = data
		return err
	})
	return out, err
}

func (p *Pool) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	var out []byte
	err := p.do(ctx, "eth_getCode", func(r Reader) error {
		code, err := r.CodeAt(ctx, account, blockNumber)
		out = code
		return err
	})
	return out, err
}

// Health probes every endpoint concurrently with eth_blockNumber.
func (p *Pool) Health(ctx context.Context) Health {
	p.mu.Lock()
	endpoints := make([]*endpointState, len(p.endpoints))
	copy(endpoints, p.endpoints)
	p.mu.Unlock()

	results := make([]EndpointHealth, len(endpoints))
	var wg sync.WaitGroup
	for i, ep := range endpoints {
		wg.Add(1)
		go func(i int, ep *endpointState) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, p.probeTimeout)
			defer cancel()

			start := time.Now()
			block, err := ep.reader.LatestBlockNumber(probeCtx)
			elapsed := time.Since(start)
			p.record(ep, elapsed, err)

			res := EndpointHealth{Name: ep.name, OK: err == nil, Block: block, Latency: elapsed}
			if err != nil {
				res.Error = err.Error()
			}
			results[i] = res
		}(i, ep)
	}
	wg.Wait()

	p.mu.Lock()
	for i, ep := range endpoints {
		results[i].Failures = ep.failures
	}
	p.mu.Unlock()

	return Health{Status: classify(results), Endpoints: results}
}

func classify(results []EndpointHealth) HealthStatus {
	ok := 0
	for _, r := range results {
		if r.OK {
			ok++
		}
	}
	switch {
	case len(results) > 0 && ok == len(results):
		return StatusHealthy
	case ok > 0:
		return StatusDegraded
	default:
		return StatusUnhealthy
	}
}
