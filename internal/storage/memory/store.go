package memory

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"lbsync/internal/model"
	"lbsync/internal/storage"
)

// Store is an in-memory implementation of storage.Store. A single lock
// guards every table so liquidity inserts and their position deltas are
// applied atomically.
type Store struct {
	mu sync.RWMutex

	pools     map[string]model.Pool
	tokens    map[string]model.TokenMeta
	cursors   map[string]model.SyncCursor
	swaps     map[string]model.SwapEvent
	liquidity map[string]model.LiquidityEvent
	positions map[string]model.UserPosition
	stats     []model.PoolStats
	rollups   []model.ChainRollup
	prices    []model.TokenPrice

	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for UpdatedAt fields.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

var _ storage.Store = (*Store)(nil)

// NewStore creates an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		pools:     make(map[string]model.Pool),
		tokens:    make(map[string]model.TokenMeta),
		cursors:   make(map[string]model.SyncCursor),
		swaps:     make(map[string]model.SwapEvent),
		liquidity: make(map[string]model.LiquidityEvent),
		positions: make(map[string]model.UserPosition),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func poolKey(chain, address string) string {
	return chain + "|" + address
}

func cursorKey(chain, contract string, eventType model.EventType) string {
	return fmt.Sprintf("%s|%s|%s", chain, contract, eventType)
}

func eventKey(chain, txHash string, logIndex uint) string {
	return fmt.Sprintf("%s|%s|%d", chain, txHash, logIndex)
}

func positionKey(chain, user, pool string, binID uint32) string {
	return fmt.Sprintf("%s|%s|%s|%d", chain, user, pool, binID)
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() {}

func (s *Store) InsertPool(_ context.Context, pool model.Pool) (bool, error) {
	if pool.Chain == "" || pool.Address == "" {
		return false, storage.ErrInvalidInput
	}
	key := poolKey(pool.Chain, pool.Address)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.pools[key]; exists {
		return false, nil
	}
	now := s.now()
	if pool.Status == "" {
		pool.Status = model.PoolActive
	}
	pool.CreatedAt = now
	pool.UpdatedAt = now
	s.pools[key] = pool
	return true, nil
}

func (s *Store) GetPool(_ context.Context, chain, address string) (model.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pool, ok := s.pools[poolKey(chain, address)]
	if !ok {
		return model.Pool{}, storage.ErrNotFound
	}
	return pool, nil
}

func (s *Store) PoolExists(_ context.Context, chain, address string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.pools[poolKey(chain, address)]
	return ok, nil
}

func (s *Store) ListPools(_ context.Context, chain string, status model.PoolStatus) ([]model.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Pool, 0)
	for _, pool := range s.pools {
		if chain != "" && pool.Chain != chain {
			continue
		}
		if status != "" && pool.Status != status {
			continue
		}
		out = append(out, pool)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Chain != out[j].Chain {
			return out[i].Chain < out[j].Chain
		}
		return out[i].Address < out[j].Address
	})
	return out, nil
}

func (s *Store) CountPools(_ context.Context, chain string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, pool := range s.pools {
		if chain == "" || pool.Chain == chain {
			count++
		}
	}
	return count, nil
}

func (s *Store) SetPoolStatus(_ context.Context, chain, address string, status model.PoolStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := poolKey(chain, address)
	pool, ok := s.pools[key]
	if !ok {
		return storage.ErrNotFound
	}
	pool.Status = status
	pool.UpdatedAt = s.now()
	s.pools[key] = pool
	return nil
}

func (s *Store) UpsertToken(_ context.Context, token model.TokenMeta) error {
	if token.Chain == "" || token.Address == "" {
		return storage.ErrInvalidInput
	}
	s.mu.Lock()
	s.tokens[poolKey(token.Chain, token.Address)] = token
	s.mu.Unlock()
	return nil
}

func (s *Store) GetToken(_ context.Context, chain, address string) (model.TokenMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.tokens[poolKey(chain, address)]
	if !ok {
		return model.TokenMeta{}, storage.ErrNotFound
	}
	return token, nil
}

func (s *Store) GetCursor(_ context.Context, chain, contract string, eventType model.EventType) (model.SyncCursor, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cursor, ok := s.cursors[cursorKey(chain, contract, eventType)]
	return cursor, ok, nil
}

func (s *Store) SaveCursor(_ context.Context, cursor model.SyncCursor) error {
	if cursor.Chain == "" || cursor.Contract == "" || cursor.EventType == "" {
		return storage.ErrInvalidInput
	}
	key := cursorKey(cursor.Chain, cursor.Contract, cursor.EventType)

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.cursors[key]; ok && cursor.Before(existing) {
		return nil
	}
	cursor.UpdatedAt = s.now()
	s.cursors[key] = cursor
	return nil
}

func (s *Store) InsertSwap(_ context.Context, ev model.SwapEvent) (bool, error) {
	if ev.Chain == "" || ev.TxHash == "" {
		return false, storage.ErrInvalidInput
	}
	key := eventKey(ev.Chain, ev.TxHash, ev.LogIndex)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.swaps[key]; exists {
		return false, nil
	}
	s.swaps[key] = ev
	return true, nil
}

func (s *Store) InsertLiquidity(_ context.Context, ev model.LiquidityEvent) (bool, error) {
	if ev.Chain == "" || ev.TxHash == "" {
		return false, storage.ErrInvalidInput
	}
	deltas, err := ev.Deltas()
	if err != nil {
		return false, fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}
	key := eventKey(ev.Chain, ev.TxHash, ev.LogIndex)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.liquidity[key]; exists {
		return false, nil
	}
	s.liquidity[key] = ev

	owner := ev.Owner()
	now := s.now()
	for _, delta := range deltas {
		pk := positionKey(ev.Chain, owner, ev.Pool, delta.BinID)
		pos, ok := s.positions[pk]
		if !ok {
			pos = model.UserPosition{
				Chain:   ev.Chain,
				User:    owner,
				Pool:    ev.Pool,
				BinID:   delta.BinID,
				AmountX: "0",
				AmountY: "0",
			}
		}
		x := addString(pos.AmountX, delta.AmountX)
		y := addString(pos.AmountY, delta.AmountY)
		if x.Sign() <= 0 && y.Sign() <= 0 {
			delete(s.positions, pk)
			continue
		}
		pos.AmountX = x.String()
		pos.AmountY = y.String()
		pos.UpdatedAt = now
		s.positions[pk] = pos
	}
	return true, nil
}

func addString(current string, delta *big.Int) *big.Int {
	v, ok := new(big.Int).SetString(current, 10)
	if !ok {
		v = new(big.Int)
	}
	return v.Add(v, delta)
}

func (s *Store) SwapTotals(_ context.Context, chain, pool string, since time.Time) (model.SwapTotals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	totals := model.NewSwapTotals()
	for _, ev := range s.swaps {
		if ev.Chain != chain || ev.Pool != pool || ev.Timestamp.Before(since) {
			continue
		}
		totals.Add(ev)
	}
	return totals, nil
}

func (s *Store) PruneEvents(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for key, ev := range s.swaps {
		if ev.Timestamp.Before(before) {
			delete(s.swaps, key)
			removed++
		}
	}
	// Liquidity keys stay behind so a replayed range cannot apply its
	// position deltas twice; only the payload is dropped.
	for key, ev := range s.liquidity {
		if ev.Timestamp.Before(before) && ev.BinIDs != nil {
			s.liquidity[key] = model.LiquidityEvent{
				Chain:     ev.Chain,
				Pool:      ev.Pool,
				TxHash:    ev.TxHash,
				LogIndex:  ev.LogIndex,
				Timestamp: ev.Timestamp,
				Kind:      ev.Kind,
			}
			removed++
		}
	}
	return removed, nil
}

func (s *Store) GetPosition(_ context.Context, chain, user, pool string, binID uint32) (model.UserPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pos, ok := s.positions[positionKey(chain, user, pool, binID)]
	if !ok {
		return model.UserPosition{}, storage.ErrNotFound
	}
	return pos, nil
}

func (s *Store) ListPositions(_ context.Context, chain, user string) ([]model.UserPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.UserPosition, 0)
	for _, pos := range s.positions {
		if pos.Chain == chain && pos.User == user {
			out = append(out, pos)
		}
	}
	sortPositions(out)
	return out, nil
}

func (s *Store) PositionsUpdatedSince(_ context.Context, since time.Time) ([]model.UserPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.UserPosition, 0)
	for _, pos := range s.positions {
		if !pos.UpdatedAt.Before(since) {
			out = append(out, pos)
		}
	}
	sortPositions(out)
	return out, nil
}

func sortPositions(out []model.UserPosition) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].Pool != out[j].Pool {
			return out[i].Pool < out[j].Pool
		}
		if out[i].User != out[j].User {
			return out[i].User < out[j].User
		}
		return out[i].BinID < out[j].BinID
	})
}

func (s *Store) SetPositionValue(_ context.Context, pos model.UserPosition, valueUSD decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := positionKey(pos.Chain, pos.User, pos.Pool, pos.BinID)
	existing, ok := s.positions[key]
	if !ok {
		return storage.ErrNotFound
	}
	existing.ValueUSD = valueUSD
	s.positions[key] = existing
	return nil
}

func (s *Store) InsertPoolStats(_ context.Context, stats model.PoolStats) error {
	if stats.Chain == "" || stats.Pool == "" {
		return storage.ErrInvalidInput
	}
	s.mu.Lock()
	s.stats = append(s.stats, stats)
	s.mu.Unlock()
	return nil
}

func (s *Store) LatestPoolStats(_ context.Context, chain, pool string) (model.PoolStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		latest model.PoolStats
		found  bool
	)
	for _, st := range s.stats {
		if st.Chain != chain || st.Pool != pool {
			continue
		}
		if !found || !st.Timestamp.Before(latest.Timestamp) {
			latest = st
			found = true
		}
	}
	if !found {
		return model.PoolStats{}, storage.ErrNotFound
	}
	return latest, nil
}

func (s *Store) InsertRollup(_ context.Context, rollup model.ChainRollup) error {
	if rollup.Chain == "" {
		return storage.ErrInvalidInput
	}
	s.mu.Lock()
	s.rollups = append(s.rollups, rollup)
	s.mu.Unlock()
	return nil
}

func (s *Store) LatestRollup(_ context.Context, chain string) (model.ChainRollup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		latest model.ChainRollup
		found  bool
	)
	for _, r := range s.rollups {
		if r.Chain != chain {
			continue
		}
		if !found || !r.Timestamp.Before(latest.Timestamp) {
			latest = r
			found = true
		}
	}
	if !found {
		return model.ChainRollup{}, storage.ErrNotFound
	}
	return latest, nil
}

func (s *Store) PruneStats(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.stats[:0]
	var removed int64
	for _, st := range s.stats {
		if st.Timestamp.Before(before) {
			removed++
			continue
		}
		kept = append(kept, st)
	}
	s.stats = kept
	return removed, nil
}

func (s *Store) InsertPrice(_ context.Context, price model.TokenPrice) error {
	if price.Chain == "" || price.Token == "" {
		return storage.ErrInvalidInput
	}
	s.mu.Lock()
	s.prices = append(s.prices, price)
	s.mu.Unlock()
	return nil
}

func (s *Store) LatestPrice(_ context.Context, chain, token string) (model.TokenPrice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		latest model.TokenPrice
		found  bool
	)
	for _, p := range s.prices {
		if p.Chain != chain || p.Token != token {
			continue
		}
		if !found || !p.Timestamp.Before(latest.Timestamp) {
			latest = p
			found = true
		}
	}
	if !found {
		return model.TokenPrice{}, storage.ErrNotFound
	}
	return latest, nil
}

func (s *Store) PrunePrices(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.prices[:0]
	var removed int64
	for _, p := range s.prices {
		if p.Timestamp.Before(before) {
			removed++
			continue
		}
		kept = append(kept, p)
	}
	s.prices = kept
	return removed, nil
}
