package discovery

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lbsync/internal/dex"
	"lbsync/internal/model"
	"lbsync/internal/pricing"
	"lbsync/internal/storage/memory"
)

var (
	usdt = common.HexToAddress("0x55d398326f99059fF775485246999027B3197955")
	wbnb = common.HexToAddress("0xbb4CdB9CBd36B01bD1cBaEBF2De08d9173bc095c")
	meme = common.HexToAddress("0x9999999999999999999999999999999999999999")
)

type fakePair struct {
	meta        dex.PairMeta
	state       dex.PairState
	notContract bool
	metaErr     error
}

type fakeSource struct {
	pairs     []common.Address
	details   map[common.Address]fakePair
	tokens    map[common.Address]model.TokenMeta
	lookups   []uint64
	totalErrs error
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		details: make(map[common.Address]fakePair),
		tokens: map[common.Address]model.TokenMeta{
			usdt: {Chain: "bsc", Address: usdt.Hex(), Decimals: 18, Symbol: "USDT", Name: "Tether USD"},
			wbnb: {Chain: "bsc", Address: wbnb.Hex(), Decimals: 18, Symbol: "WBNB", Name: "Wrapped BNB"},
		},
	}
}

func pairAddress(i int) common.Address {
	return common.BigToAddress(big.NewInt(int64(0x1000 + i)))
}

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

// addPairs appends n pairs of WBNB/USDT holding reserveUSDT on the Y side.
func (f *fakeSource) addPairs(n int, reserveUSDT int64) {
	for i := 0; i < n; i++ {
		addr := pairAddress(len(f.pairs))
		f.pairs = append(f.pairs, addr)
		f.details[addr] = fakePair{
			meta:  dex.PairMeta{TokenX: wbnb, TokenY: usdt, BinStep: 25},
			state: dex.PairState{ReserveX: big.NewInt(0), ReserveY: ether(reserveUSDT), ActiveID: 8388608},
		}
	}
}

func (f *fakeSource) NumberOfPairs(context.Context) (uint64, error) {
	if f.totalErrs != nil {
		return 0, f.totalErrs
	}
	return uint64(len(f.pairs)), nil
}

func (f *fakeSource) PairAtIndex(_ context.Context, index uint64) (common.Address, error) {
	f.lookups = append(f.lookups, index)
	if index >= uint64(len(f.pairs)) {
		return common.Address{}, fmt.Errorf("index %d out of range", index)
	}
	return f.pairs[index], nil
}

func (f *fakeSource) IsContract(_ context.Context, address common.Address) (bool, error) {
	return !f.details[address].notContract, nil
}

func (f *fakeSource) PairMeta(_ context.Context, pair common.Address) (dex.PairMeta, error) {
	d := f.details[pair]
	return d.meta, d.metaErr
}

func (f *fakeSource) PairState(_ context.Context, pair common.Address) (dex.PairState, error) {
	return f.details[pair].state, nil
}

func (f *fakeSource) TokenMeta(_ context.Context, token common.Address) model.TokenMeta {
	if meta, ok := f.tokens[token]; ok {
		return meta
	}
	return model.UnknownToken("bsc", token.Hex())
}

func newTestService(t *testing.T, source Source, store Store, cfg Config) *Service {
	t.Helper()
	cfg.Chain = "bsc"
	prices := pricing.NewStaticTable(pricing.DefaultBSCPrices())
	svc, err := NewService(cfg, source, store, prices, nil)
	require.NoError(t, err)
	return svc
}

// registerPools stores factory pairs by index as if discovered earlier.
func registerPools(t *testing.T, store *memory.Store, source *fakeSource, indices ...int) {
	t.Helper()
	for _, i := range indices {
		_, err := store.InsertPool(context.Background(), model.Pool{
			Chain:   "bsc",
			Address: source.pairs[i].Hex(),
			Status:  model.PoolActive,
		})
		require.NoError(t, err)
	}
}

func TestScanAddsTailOfFactory(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	source := newFakeSource()
	source.addPairs(120, 50_000)

	// 118 pools known: indices 0..116 plus 118, so only index 119 is new.
	known := make([]int, 0, 118)
	for i := 0; i < 117; i++ {
		known = append(known, i)
	}
	known = append(known, 118)
	registerPools(t, store, source, known...)

	svc := newTestService(t, source, store, Config{})
	res, err := svc.Scan(ctx)
	require.NoError(t, err)

	assert.Equal(t, []uint64{119, 118}, source.lookups)
	assert.Equal(t, 1, res.Scanned)
	assert.Equal(t, 1, res.Found)
	assert.Equal(t, 1, res.Added)
	assert.Equal(t, 0, res.Skipped)

	pool, err := store.GetPool(ctx, "bsc", source.pairs[119].Hex())
	require.NoError(t, err)
	assert.Equal(t, model.PoolActive, pool.Status)
	assert.Equal(t, "WBNB/USDT", pool.Name)
	assert.Equal(t, uint32(25), pool.BinStep)
	assert.Equal(t, "v2.1", pool.Version)

	token, err := store.GetToken(ctx, "bsc", wbnb.Hex())
	require.NoError(t, err)
	assert.Equal(t, "WBNB", token.Symbol)
}

func TestScanIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	source := newFakeSource()
	source.addPairs(3, 50_000)
	svc := newTestService(t, source, store, Config{})

	first, err := svc.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, first.Added)

	second, err := svc.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Added)
	assert.Equal(t, 0, second.Scanned)

	count, err := store.CountPools(ctx, "bsc")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	m := svc.Metrics()
	assert.Equal(t, int64(3), m.PoolsAdded)
	assert.Equal(t, int64(3), m.TotalScanned)
	assert.False(t, m.LastScanTime.IsZero())
}

func TestScanRespectsCap(t *testing.T) {
	store := memory.NewStore()
	source := newFakeSource()
	source.addPairs(10, 50_000)
	svc := newTestService(t, source, store, Config{MaxScan: 4})

	res, err := svc.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, res.Added)
	assert.Equal(t, []uint64{9, 8, 7, 6}, source.lookups)
}

func TestScanSkipsLowLiquidityAndNonContracts(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	source := newFakeSource()
	source.addPairs(1, 500) // $500 of liquidity
	source.addPairs(1, 50_000)
	d := source.details[source.pairs[1]]
	d.notContract = true
	source.details[source.pairs[1]] = d

	svc := newTestService(t, source, store, Config{})
	res, err := svc.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Scanned)
	assert.Equal(t, 1, res.Found)
	assert.Equal(t, 0, res.Added)
	assert.Equal(t, 2, res.Skipped)

	exists, err := store.PoolExists(ctx, "bsc", source.pairs[0].Hex())
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestScanUnpricedPoolUsesMinimalEstimate(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	source := newFakeSource()
	addr := pairAddress(0)
	source.pairs = []common.Address{addr}
	source.details[addr] = fakePair{
		meta:  dex.PairMeta{TokenX: meme, TokenY: common.HexToAddress("0x8888888888888888888888888888888888888888"), BinStep: 100},
		state: dex.PairState{ReserveX: ether(1), ReserveY: ether(1)},
	}

	svc := newTestService(t, source, store, Config{MinLiquidityUSD: decimal.NewFromFloat(0.5)})
	res, err := svc.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Added)

	pool, err := store.GetPool(ctx, "bsc", addr.Hex())
	require.NoError(t, err)
	assert.Equal(t, "UNK/UNK", pool.Name)
}

func TestScanCountsPerPoolErrors(t *testing.T) {
	store := memory.NewStore()
	source := newFakeSource()
	source.addPairs(3, 50_000)
	d := source.details[source.pairs[1]]
	d.metaErr = errors.New("execution reverted")
	source.details[source.pairs[1]] = d

	svc := newTestService(t, source, store, Config{})
	res, err := svc.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Errors)
	assert.Equal(t, 2, res.Added)
	assert.Equal(t, int64(1), svc.Metrics().Errors)
}

func TestScanFactoryUnavailable(t *testing.T) {
	source := newFakeSource()
	source.totalErrs = errors.New("dial tcp: refused")
	svc := newTestService(t, source, memory.NewStore(), Config{})

	_, err := svc.Scan(context.Background())
	assert.Error(t, err)
}

type recorded struct {
	chain string
	res   ScanResult
}

type fakeRecorder struct{ calls []recorded }

func (r *fakeRecorder) DiscoveryScan(chain string, res ScanResult) {
	r.calls = append(r.calls, recorded{chain, res})
}

func TestScanReportsToRecorder(t *testing.T) {
	source := newFakeSource()
	source.addPairs(2, 50_000)
	rec := &fakeRecorder{}
	svc, err := NewService(Config{Chain: "bsc"}, source, memory.NewStore(), pricing.NewStaticTable(pricing.DefaultBSCPrices()), nil, WithRecorder(rec))
	require.NoError(t, err)
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return clock }

	_, err = svc.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, rec.calls, 1)
	assert.Equal(t, "bsc", rec.calls[0].chain)
	assert.Equal(t, 2, rec.calls[0].res.Added)
	assert.Equal(t, clock, svc.Metrics().LastScanTime)
}
