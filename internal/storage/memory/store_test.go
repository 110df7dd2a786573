package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"lbsync/internal/model"
	"lbsync/internal/storage"
)

const (
	testChain = "bsc"
	testPool  = "0x1111111111111111111111111111111111111111"
	testUser  = "0x2222222222222222222222222222222222222222"
)

func TestStore_InsertPoolDedup(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	pool := model.Pool{Chain: testChain, Address: testPool, BinStep: 25}
	added, err := store.InsertPool(ctx, pool)
	if err != nil || !added {
		t.Fatalf("first insert: added=%v err=%v", added, err)
	}
	added, err = store.InsertPool(ctx, pool)
	if err != nil || added {
		t.Fatalf("second insert: added=%v err=%v", added, err)
	}

	got, err := store.GetPool(ctx, testChain, testPool)
	if err != nil {
		t.Fatalf("get pool: %v", err)
	}
	if got.Status != model.PoolActive {
		t.Fatalf("expected default active status, got %s", got.Status)
	}
	if n, _ := store.CountPools(ctx, testChain); n != 1 {
		t.Fatalf("expected 1 pool, got %d", n)
	}
}

func TestStore_PoolStatusFilter(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	store.InsertPool(ctx, model.Pool{Chain: testChain, Address: "0xa"})
	store.InsertPool(ctx, model.Pool{Chain: testChain, Address: "0xb"})
	if err := store.SetPoolStatus(ctx, testChain, "0xb", model.PoolInactive); err != nil {
		t.Fatalf("set status: %v", err)
	}

	active, _ := store.ListPools(ctx, testChain, model.PoolActive)
	if len(active) != 1 || active[0].Address != "0xa" {
		t.Fatalf("active filter mismatch: %+v", active)
	}
	all, _ := store.ListPools(ctx, testChain, "")
	if len(all) != 2 {
		t.Fatalf("expected 2 pools, got %d", len(all))
	}
	if err := store.SetPoolStatus(ctx, testChain, "0xc", model.PoolInactive); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_CursorNeverMovesBackwards(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	save := func(block uint64) {
		t.Helper()
		err := store.SaveCursor(ctx, model.SyncCursor{
			Chain: testChain, Contract: testPool, EventType: model.EventSwap, LastBlock: block,
		})
		if err != nil {
			t.Fatalf("save cursor: %v", err)
		}
	}

	save(200)
	save(150)

	cursor, ok, err := store.GetCursor(ctx, testChain, testPool, model.EventSwap)
	if err != nil || !ok {
		t.Fatalf("get cursor: ok=%v err=%v", ok, err)
	}
	if cursor.LastBlock != 200 {
		t.Fatalf("cursor moved backwards: %d", cursor.LastBlock)
	}

	save(250)
	cursor, _, _ = store.GetCursor(ctx, testChain, testPool, model.EventSwap)
	if cursor.LastBlock != 250 {
		t.Fatalf("cursor did not advance: %d", cursor.LastBlock)
	}

	if _, ok, _ := store.GetCursor(ctx, testChain, testPool, model.EventDeposit); ok {
		t.Fatalf("unexpected deposit cursor")
	}
}

func TestStore_InsertLiquidityIsIdempotent(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	deposit := model.LiquidityEvent{
		Chain:    testChain,
		Pool:     testPool,
		TxHash:   "0xdeposit",
		LogIndex: 3,
		Kind:     model.EventDeposit,
		Sender:   "0xrouter",
		To:       testUser,
		BinIDs:   []uint32{8388608},
		AmountsX: []string{"1000"},
		AmountsY: []string{"500"},
	}

	for i := 0; i < 2; i++ {
		inserted, err := store.InsertLiquidity(ctx, deposit)
		if err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
		if inserted != (i == 0) {
			t.Fatalf("insert %d: inserted=%v", i, inserted)
		}
	}

	pos, err := store.GetPosition(ctx, testChain, testUser, testPool, 8388608)
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if pos.AmountX != "1000" || pos.AmountY != "500" {
		t.Fatalf("replay changed position: %+v", pos)
	}
}

func TestStore_WithdrawDeletesEmptyPosition(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	store.InsertLiquidity(ctx, model.LiquidityEvent{
		Chain: testChain, Pool: testPool, TxHash: "0x1", Kind: model.EventDeposit,
		Sender: "0xrouter", To: testUser,
		BinIDs: []uint32{10}, AmountsX: []string{"100"}, AmountsY: []string{"0"},
	})
	store.InsertLiquidity(ctx, model.LiquidityEvent{
		Chain: testChain, Pool: testPool, TxHash: "0x2", Kind: model.EventWithdraw,
		Sender: testUser, To: testUser,
		BinIDs: []uint32{10}, AmountsX: []string{"100"}, AmountsY: []string{"0"},
	})

	if _, err := store.GetPosition(ctx, testChain, testUser, testPool, 10); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected position to be deleted, got %v", err)
	}
}

func TestStore_RoutedWithdrawReducesRecipientPosition(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	const router = "0x3333333333333333333333333333333333333333"

	liquidity := func(tx string, kind model.EventType, x, y string) {
		t.Helper()
		_, err := store.InsertLiquidity(ctx, model.LiquidityEvent{
			Chain: testChain, Pool: testPool, TxHash: tx, Kind: kind,
			Sender: router, To: testUser,
			BinIDs: []uint32{8388608}, AmountsX: []string{x}, AmountsY: []string{y},
		})
		if err != nil {
			t.Fatalf("insert %s: %v", tx, err)
		}
	}

	liquidity("0xdeposit", model.EventDeposit, "100", "100")
	liquidity("0xpartial", model.EventWithdraw, "40", "10")

	pos, err := store.GetPosition(ctx, testChain, testUser, testPool, 8388608)
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if pos.AmountX != "60" || pos.AmountY != "90" {
		t.Fatalf("partial withdraw mismatch: %+v", pos)
	}

	liquidity("0xrest", model.EventWithdraw, "60", "90")
	if _, err := store.GetPosition(ctx, testChain, testUser, testPool, 8388608); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected user position to be deleted, got %v", err)
	}
	if _, err := store.GetPosition(ctx, testChain, router, testPool, 8388608); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("router must not hold a position, got %v", err)
	}
}

func TestStore_SwapTotalsWindow(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	store.InsertSwap(ctx, model.SwapEvent{
		Chain: testChain, Pool: testPool, TxHash: "0xold", Timestamp: now.Add(-48 * time.Hour),
		AmountInX: "999", FeesX: "9",
	})
	store.InsertSwap(ctx, model.SwapEvent{
		Chain: testChain, Pool: testPool, TxHash: "0xnew", Timestamp: now.Add(-time.Hour),
		AmountInX: "100", AmountInY: "0", FeesX: "1", FeesY: "0",
	})

	totals, err := store.SwapTotals(ctx, testChain, testPool, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("swap totals: %v", err)
	}
	if totals.Count != 1 || totals.AmountInX.String() != "100" || totals.FeesX.String() != "1" {
		t.Fatalf("totals mismatch: %+v", totals)
	}

	removed, err := store.PruneEvents(ctx, now.Add(-24*time.Hour))
	if err != nil || removed != 1 {
		t.Fatalf("prune: removed=%d err=%v", removed, err)
	}
}

func TestStore_PruneKeepsLiquidityReplayGuard(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	deposit := model.LiquidityEvent{
		Chain: testChain, Pool: testPool, TxHash: "0xold", LogIndex: 2, Kind: model.EventDeposit,
		Timestamp: now.Add(-60 * 24 * time.Hour), Sender: "0xrouter", To: testUser,
		BinIDs: []uint32{8388608}, AmountsX: []string{"100"}, AmountsY: []string{"0"},
	}
	if _, err := store.InsertLiquidity(ctx, deposit); err != nil {
		t.Fatalf("insert: %v", err)
	}

	removed, err := store.PruneEvents(ctx, now.Add(-30*24*time.Hour))
	if err != nil || removed != 1 {
		t.Fatalf("prune: removed=%d err=%v", removed, err)
	}
	if removed, _ := store.PruneEvents(ctx, now.Add(-30*24*time.Hour)); removed != 0 {
		t.Fatalf("second prune removed %d", removed)
	}

	inserted, err := store.InsertLiquidity(ctx, deposit)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if inserted {
		t.Fatalf("pruned event was applied again")
	}
	pos, err := store.GetPosition(ctx, testChain, testUser, testPool, 8388608)
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if pos.AmountX != "100" {
		t.Fatalf("replay changed position: %+v", pos)
	}
}

func TestStore_LatestPriceAndStats(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	t0 := time.Unix(1_700_000_000, 0)

	store.InsertPrice(ctx, model.TokenPrice{Chain: testChain, Token: "0xt", PriceUSD: decimal.NewFromInt(1), Timestamp: t0})
	store.InsertPrice(ctx, model.TokenPrice{Chain: testChain, Token: "0xt", PriceUSD: decimal.NewFromInt(2), Timestamp: t0.Add(time.Minute)})

	price, err := store.LatestPrice(ctx, testChain, "0xt")
	if err != nil {
		t.Fatalf("latest price: %v", err)
	}
	if !price.PriceUSD.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("expected latest price 2, got %s", price.PriceUSD)
	}

	if _, err := store.LatestPoolStats(ctx, testChain, testPool); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	store.InsertPoolStats(ctx, model.PoolStats{Chain: testChain, Pool: testPool, Timestamp: t0, ActiveBinID: 1})
	store.InsertPoolStats(ctx, model.PoolStats{Chain: testChain, Pool: testPool, Timestamp: t0.Add(time.Hour), ActiveBinID: 2})
	latest, err := store.LatestPoolStats(ctx, testChain, testPool)
	if err != nil || latest.ActiveBinID != 2 {
		t.Fatalf("latest stats mismatch: %+v err=%v", latest, err)
	}

	total, err := storage.PruneAll(ctx, store, t0.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("prune all: %v", err)
	}
	if total != 3 {
		t.Fatalf("expected 3 pruned rows, got %d", total)
	}
}
