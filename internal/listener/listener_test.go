package listener

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lbsync/internal/chain"
	"lbsync/internal/dex"
	"lbsync/internal/model"
	"lbsync/internal/storage/memory"
)

var (
	pairAddr = common.HexToAddress("0x1111111111111111111111111111111111111111")
	alice    = common.HexToAddress("0x2222222222222222222222222222222222222222")
	bob      = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

type fakeReader struct {
	mu         sync.Mutex
	latest     uint64
	latestErr  error
	logs       []types.Log
	failRanges map[uint64]error
	calls      []BlockRange
}

func (f *fakeReader) LatestBlockNumber(context.Context) (uint64, error) {
	return f.latest, f.latestErr
}

func (f *fakeReader) BlockTimestamp(_ context.Context, number uint64) (uint64, error) {
	return 1_700_000_000 + number, nil
}

func (f *fakeReader) FilterLogs(_ context.Context, from, to uint64, addresses []common.Address, _ []common.Hash) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, BlockRange{From: from, To: to})
	if err, ok := f.failRanges[from]; ok {
		return nil, err
	}
	var out []types.Log
	for _, log := range f.logs {
		if log.BlockNumber < from || log.BlockNumber > to {
			continue
		}
		for _, addr := range addresses {
			if addr == log.Address {
				out = append(out, log)
			}
		}
	}
	return out, nil
}

func (f *fakeReader) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeReader) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return nil, errors.New("not implemented")
}

func addressTopic(addr common.Address) common.Hash {
	return common.BytesToHash(common.LeftPadBytes(addr.Bytes(), 32))
}

func swapLog(t *testing.T, block uint64, index uint, amountIn int64) types.Log {
	t.Helper()
	pairABI, err := dex.PairABI()
	require.NoError(t, err)
	event := pairABI.Events[dex.EventNameSwap]
	data, err := event.Inputs.NonIndexed().Pack(
		big.NewInt(8388608),
		dex.PackAmounts(big.NewInt(amountIn), big.NewInt(0)),
		dex.PackAmounts(big.NewInt(0), big.NewInt(amountIn-1)),
		big.NewInt(0),
		dex.PackAmounts(big.NewInt(1), big.NewInt(0)),
		dex.PackAmounts(big.NewInt(0), big.NewInt(0)),
	)
	require.NoError(t, err)
	return types.Log{
		Address:     pairAddr,
		Topics:      []common.Hash{event.ID, addressTopic(alice), addressTopic(bob)},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.BigToHash(big.NewInt(int64(block*1000) + int64(index))),
		Index:       index,
	}
}

func liquidityLog(t *testing.T, name string, block uint64, index uint, bin int64, x, y int64) types.Log {
	t.Helper()
	pairABI, err := dex.PairABI()
	require.NoError(t, err)
	event := pairABI.Events[name]
	data, err := event.Inputs.NonIndexed().Pack(
		[]*big.Int{big.NewInt(bin)},
		[][32]byte{dex.PackAmounts(big.NewInt(x), big.NewInt(y))},
	)
	require.NoError(t, err)
	return types.Log{
		Address:     pairAddr,
		Topics:      []common.Hash{event.ID, addressTopic(alice), addressTopic(alice)},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.BigToHash(big.NewInt(int64(block*1000) + int64(index))),
		Index:       index,
	}
}

func testPool() model.Pool {
	return model.Pool{Chain: "bsc", Address: pairAddr.Hex(), Status: model.PoolActive}
}

func newTestListener(t *testing.T, reader chain.Reader, store Store) *Listener {
	t.Helper()
	l, err := New(Config{Chain: "bsc", Lookback: 100, ChunkSize: 10, RetryBackoff: time.Millisecond}, reader, store, nil)
	require.NoError(t, err)
	return l
}

func TestIncrementalSyncFromLookback(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	reader := &fakeReader{
		latest: 1000,
		logs: []types.Log{
			swapLog(t, 905, 0, 1000),
			liquidityLog(t, dex.EventNameDeposit, 910, 1, 8388608, 500, 700),
			liquidityLog(t, dex.EventNameWithdraw, 999, 0, 8388608, 200, 300),
			swapLog(t, 850, 0, 5), // before the lookback window
		},
	}
	l := newTestListener(t, reader, store)

	res, err := l.IncrementalSync(ctx, testPool())
	require.NoError(t, err)
	assert.Equal(t, uint64(900), res.FromBlock)
	assert.Equal(t, uint64(1000), res.ToBlock)
	assert.Equal(t, 11, res.Chunks)
	assert.Equal(t, 1, res.Swaps)
	assert.Equal(t, 1, res.Deposits)
	assert.Equal(t, 1, res.Withdrawals)
	assert.Equal(t, 3, res.Events())

	for _, eventType := range model.CursorEventTypes {
		cursor, ok, err := store.GetCursor(ctx, "bsc", pairAddr.Hex(), eventType)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, uint64(1000), cursor.LastBlock)
		assert.Equal(t, uint(0), cursor.LogIndex)
	}

	pos, err := store.GetPosition(ctx, "bsc", alice.Hex(), pairAddr.Hex(), 8388608)
	require.NoError(t, err)
	assert.Equal(t, "300", pos.AmountX)
	assert.Equal(t, "400", pos.AmountY)

	totals, err := store.SwapTotals(ctx, "bsc", pairAddr.Hex(), time.Unix(0, 0))
	require.NoError(t, err)
	assert.Equal(t, int64(1), totals.Count)
}

func TestIncrementalSyncResumesFromCursor(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	reader := &fakeReader{latest: 1000}
	l := newTestListener(t, reader, store)

	require.NoError(t, store.SaveCursor(ctx, model.SyncCursor{Chain: "bsc", Contract: pairAddr.Hex(), EventType: model.EventSwap, LastBlock: 990}))
	require.NoError(t, store.SaveCursor(ctx, model.SyncCursor{Chain: "bsc", Contract: pairAddr.Hex(), EventType: model.EventDeposit, LastBlock: 980}))

	res, err := l.IncrementalSync(ctx, testPool())
	require.NoError(t, err)
	assert.Equal(t, uint64(991), res.FromBlock)
	assert.Equal(t, []BlockRange{{From: 991, To: 1000}}, reader.calls)

	reader.calls = nil
	res, err = l.IncrementalSync(ctx, testPool())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Chunks)
	assert.Empty(t, reader.calls)
}

func TestIncrementalSyncIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	reader := &fakeReader{
		latest: 100,
		logs: []types.Log{
			swapLog(t, 50, 0, 1000),
			liquidityLog(t, dex.EventNameDeposit, 60, 0, 8388608, 500, 700),
		},
	}
	l := newTestListener(t, reader, store)

	_, err := l.IncrementalSync(ctx, testPool())
	require.NoError(t, err)

	// Replay the same range from scratch.
	replay := newTestListener(t, reader, memoryView{store})
	res, err := replay.IncrementalSync(ctx, testPool())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Events())
	assert.Equal(t, 2, res.Duplicates)

	pos, err := store.GetPosition(ctx, "bsc", alice.Hex(), pairAddr.Hex(), 8388608)
	require.NoError(t, err)
	assert.Equal(t, "500", pos.AmountX)
	assert.Equal(t, "700", pos.AmountY)
}

// memoryView hides cursors so a listener replays already stored events.
type memoryView struct {
	*memory.Store
}

func (memoryView) GetCursor(context.Context, string, string, model.EventType) (model.SyncCursor, bool, error) {
	return model.SyncCursor{}, false, nil
}

func TestIncrementalSyncStopsOnChunkError(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	reader := &fakeReader{
		latest:     30,
		logs:       []types.Log{swapLog(t, 5, 0, 10)},
		failRanges: map[uint64]error{10: errors.New("timeout")},
	}
	l, err := New(Config{Chain: "bsc", Lookback: 100, ChunkSize: 10, MaxRetries: 1, RetryBackoff: time.Millisecond}, reader, store, nil)
	require.NoError(t, err)

	res, err := l.IncrementalSync(ctx, testPool())
	require.Error(t, err)
	assert.Equal(t, 1, res.Chunks)
	assert.Equal(t, 1, res.Swaps)

	cursor, ok, err := store.GetCursor(ctx, "bsc", pairAddr.Hex(), model.EventSwap)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(9), cursor.LastBlock)

	// first chunk once, failing chunk twice (one retry), nothing after it
	assert.Equal(t, []BlockRange{{From: 0, To: 9}, {From: 10, To: 19}, {From: 10, To: 19}}, reader.calls)
}

func TestIncrementalSyncSkipsUndecodableLogs(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	bad := swapLog(t, 5, 1, 10)
	bad.Data = bad.Data[:10]
	reader := &fakeReader{latest: 9, logs: []types.Log{swapLog(t, 5, 0, 10), bad}}
	l := newTestListener(t, reader, store)

	res, err := l.IncrementalSync(ctx, testPool())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Swaps)
	assert.Equal(t, 1, res.DecodeErrors)
}

func TestIncrementalSyncLatestBlockUnavailable(t *testing.T) {
	reader := &fakeReader{latestErr: errors.New("dial tcp: refused")}
	l := newTestListener(t, reader, memory.NewStore())

	_, err := l.IncrementalSync(context.Background(), testPool())
	require.Error(t, err)
	assert.ErrorIs(t, err, chain.ErrUnavailable)
}

func TestIncrementalSyncWhenStopped(t *testing.T) {
	reader := &fakeReader{latest: 10}
	l := newTestListener(t, reader, memory.NewStore())

	l.Stop()
	_, err := l.IncrementalSync(context.Background(), testPool())
	assert.ErrorIs(t, err, ErrStopped)
	assert.Empty(t, reader.calls)

	l.Start()
	_, err = l.IncrementalSync(context.Background(), testPool())
	assert.NoError(t, err)
}

func TestIncrementalSyncRejectsOtherChain(t *testing.T) {
	l := newTestListener(t, &fakeReader{latest: 10}, memory.NewStore())
	pool := testPool()
	pool.Chain = "avalanche"

	_, err := l.IncrementalSync(context.Background(), pool)
	assert.Error(t, err)
}
