package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"lbsync/internal/model"
	"lbsync/internal/storage"
)

// Store provides Postgres persistence for the sync engine.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Store = (*Store)(nil)

// NewStore connects to Postgres and verifies the connection.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.ErrNotFound
	}
	return err
}

func (s *Store) InsertPool(ctx context.Context, pool model.Pool) (bool, error) {
	if pool.Chain == "" || pool.Address == "" {
		return false, storage.ErrInvalidInput
	}
	status := pool.Status
	if status == "" {
		status = model.PoolActive
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO pools (chain, address, token_x, token_y, bin_step, name, status, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
		ON CONFLICT (chain, address) DO NOTHING
	`,
		pool.Chain,
		pool.Address,
		pool.TokenX,
		pool.TokenY,
		int32(pool.BinStep),
		pool.Name,
		string(status),
		pool.Version,
	)
	if err != nil {
		return false, fmt.Errorf("insert pool: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

const poolColumns = `chain, address, token_x, token_y, bin_step, name, status, version, created_at, updated_at`

func scanPool(row pgx.Row) (model.Pool, error) {
	var (
		p       model.Pool
		binStep int32
		status  string
	)
	if err := row.Scan(&p.Chain, &p.Address, &p.TokenX, &p.TokenY, &binStep, &p.Name, &status, &p.Version, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return model.Pool{}, err
	}
	p.BinStep = uint32(binStep)
	p.Status = model.PoolStatus(status)
	return p, nil
}

func (s *Store) GetPool(ctx context.Context, chain, address string) (model.Pool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+poolColumns+` FROM pools WHERE chain = $1 AND address = $2`, chain, address)
	p, err := scanPool(row)
	if err != nil {
		return model.Pool{}, notFound(err)
	}
	return p, nil
}

func (s *Store) PoolExists(ctx context.Context, chain, address string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pools WHERE chain = $1 AND address = $2)`, chain, address).Scan(&exists)
	return exists, err
}

func (s *Store) ListPools(ctx context.Context, chain string, status model.PoolStatus) ([]model.Pool, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+poolColumns+` FROM pools
		WHERE ($1 = '' OR chain = $1) AND ($2 = '' OR status = $2)
		ORDER BY chain, address
	`, chain, string(status))
	if err != nil {
		return nil, fmt.Errorf("list pools: %w", err)
	}
	defer rows.Close()

	out := make([]model.Pool, 0)
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) CountPools(ctx context.Context, chain string) (int, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM pools WHERE ($1 = '' OR chain = $1)`, chain).Scan(&n)
	return int(n), err
}

func (s *Store) SetPoolStatus(ctx context.Context, chain, address string, status model.PoolStatus) error {
	tag, err := s.pool.Exec(ctx, `UPDATE pools SET status = $3, updated_at = now() WHERE chain = $1 AND address = $2`, chain, address, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) UpsertToken(ctx context.Context, token model.TokenMeta) error {
	if token.Chain == "" || token.Address == "" {
		return storage.ErrInvalidInput
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tokens (chain, address, symbol, name, decimals, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (chain, address)
		DO UPDATE SET
			symbol = EXCLUDED.symbol,
			name = EXCLUDED.name,
			decimals = EXCLUDED.decimals,
			updated_at = now()
	`, token.Chain, token.Address, token.Symbol, token.Name, int16(token.Decimals))
	return err
}

func (s *Store) GetToken(ctx context.Context, chain, address string) (model.TokenMeta, error) {
	var (
		t        model.TokenMeta
		decimals int16
	)
	err := s.pool.QueryRow(ctx, `SELECT chain, address, symbol, name, decimals FROM tokens WHERE chain = $1 AND address = $2`, chain, address).
		Scan(&t.Chain, &t.Address, &t.Symbol, &t.Name, &decimals)
	if err != nil {
		return model.TokenMeta{}, notFound(err)
	}
	t.Decimals = uint8(decimals)
	return t, nil
}

func (s *Store) GetCursor(ctx context.Context, chain, contract string, eventType model.EventType) (model.SyncCursor, bool, error) {
	var (
		c         model.SyncCursor
		lastBlock int64
		logIndex  int32
		et        string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT chain, contract, event_type, last_block, log_index, updated_at
		FROM sync_cursors WHERE chain = $1 AND contract = $2 AND event_type = $3
	`, chain, contract, string(eventType)).Scan(&c.Chain, &c.Contract, &et, &lastBlock, &logIndex, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.SyncCursor{}, false, nil
		}
		return model.SyncCursor{}, false, err
	}
	c.EventType = model.EventType(et)
	c.LastBlock = uint64(lastBlock)
	c.LogIndex = uint(logIndex)
	return c, true, nil
}

func (s *Store) SaveCursor(ctx context.Context, cursor model.SyncCursor) error {
	if cursor.Chain == "" || cursor.Contract == "" || cursor.EventType == "" {
		return storage.ErrInvalidInput
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_cursors (chain, contract, event_type, last_block, log_index, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (chain, contract, event_type)
		DO UPDATE SET
			last_block = EXCLUDED.last_block,
			log_index = EXCLUDED.log_index,
			updated_at = now()
		WHERE (sync_cursors.last_block, sync_cursors.log_index) <= (EXCLUDED.last_block, EXCLUDED.log_index)
	`,
		cursor.Chain,
		cursor.Contract,
		string(cursor.EventType),
		int64(cursor.LastBlock),
		int32(cursor.LogIndex),
	)
	return err
}

func (s *Store) InsertSwap(ctx context.Context, ev model.SwapEvent) (bool, error) {
	if ev.Chain == "" || ev.TxHash == "" {
		return false, storage.ErrInvalidInput
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO swap_events (
			chain, tx_hash, log_index, pool, block_number, block_time, sender, recipient, bin_id, swap_for_y,
			amount_in_x, amount_in_y, amount_out_x, amount_out_y, fees_x, fees_y, protocol_fees_x, protocol_fees_y,
			volatility_accumulator
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11::numeric, $12::numeric, $13::numeric, $14::numeric, $15::numeric, $16::numeric, $17::numeric, $18::numeric,
			$19
		)
		ON CONFLICT (chain, tx_hash, log_index) DO NOTHING
	`,
		ev.Chain,
		ev.TxHash,
		int32(ev.LogIndex),
		ev.Pool,
		int64(ev.BlockNumber),
		ev.Timestamp,
		ev.Sender,
		ev.To,
		int32(ev.BinID),
		ev.SwapForY,
		orZero(ev.AmountInX),
		orZero(ev.AmountInY),
		orZero(ev.AmountOutX),
		orZero(ev.AmountOutY),
		orZero(ev.FeesX),
		orZero(ev.FeesY),
		orZero(ev.ProtocolFeesX),
		orZero(ev.ProtocolFeesY),
		int32(ev.VolatilityAccumulator),
	)
	if err != nil {
		return false, fmt.Errorf("insert swap: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// InsertLiquidity stores the event and applies position deltas in one
// transaction. Deltas are applied only when the event row is new.
func (s *Store) InsertLiquidity(ctx context.Context, ev model.LiquidityEvent) (bool, error) {
	if ev.Chain == "" || ev.TxHash == "" {
		return false, storage.ErrInvalidInput
	}
	deltas, err := ev.Deltas()
	if err != nil {
		return false, fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	binIDs := make([]int32, len(ev.BinIDs))
	for i, id := range ev.BinIDs {
		binIDs[i] = int32(id)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO liquidity_events (
			chain, tx_hash, log_index, pool, block_number, block_time, kind, sender, recipient, bin_ids, amounts_x, amounts_y
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (chain, tx_hash, log_index) DO NOTHING
	`,
		ev.Chain,
		ev.TxHash,
		int32(ev.LogIndex),
		ev.Pool,
		int64(ev.BlockNumber),
		ev.Timestamp,
		string(ev.Kind),
		ev.Sender,
		ev.To,
		binIDs,
		ev.AmountsX,
		ev.AmountsY,
	)
	if err != nil {
		return false, fmt.Errorf("insert liquidity event: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return false, nil
	}

	owner := ev.Owner()
	batch := &pgx.Batch{}
	for _, d := range deltas {
		batch.Queue(`
			INSERT INTO user_positions (chain, user_address, pool, bin_id, amount_x, amount_y, updated_at)
			VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, now())
			ON CONFLICT (chain, user_address, pool, bin_id)
			DO UPDATE SET
				amount_x = user_positions.amount_x + EXCLUDED.amount_x,
				amount_y = user_positions.amount_y + EXCLUDED.amount_y,
				updated_at = now()
		`, ev.Chain, owner, ev.Pool, int32(d.BinID), d.AmountX.String(), d.AmountY.String())
		batch.Queue(`
			DELETE FROM user_positions
			WHERE chain = $1 AND user_address = $2 AND pool = $3 AND bin_id = $4
				AND amount_x <= 0 AND amount_y <= 0
		`, ev.Chain, owner, ev.Pool, int32(d.BinID))
	}

	br := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return false, fmt.Errorf("apply position delta: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

func (s *Store) SwapTotals(ctx context.Context, chain, pool string, since time.Time) (model.SwapTotals, error) {
	var (
		count                int64
		inX, inY, feeX, feeY string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT
			count(*),
			COALESCE(sum(amount_in_x), 0)::text,
			COALESCE(sum(amount_in_y), 0)::text,
			COALESCE(sum(fees_x), 0)::text,
			COALESCE(sum(fees_y), 0)::text
		FROM swap_events
		WHERE chain = $1 AND pool = $2 AND block_time >= $3
	`, chain, pool, since).Scan(&count, &inX, &inY, &feeX, &feeY)
	if err != nil {
		return model.SwapTotals{}, fmt.Errorf("swap totals: %w", err)
	}
	return model.SwapTotals{
		Count:     count,
		AmountInX: parseBigInt(inX),
		AmountInY: parseBigInt(inY),
		FeesX:     parseBigInt(feeX),
		FeesY:     parseBigInt(feeY),
	}, nil
}

// PruneEvents deletes old swaps. Old liquidity rows keep their key and lose
// their bin payload, since the key is what makes position deltas
// idempotent when a range is scanned again.
func (s *Store) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM swap_events WHERE block_time < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("prune swap_events: %w", err)
	}
	total := tag.RowsAffected()

	tag, err = s.pool.Exec(ctx, `
		UPDATE liquidity_events
		SET bin_ids = '{}', amounts_x = '{}', amounts_y = '{}'
		WHERE block_time < $1 AND cardinality(bin_ids) > 0
	`, before)
	if err != nil {
		return total, fmt.Errorf("prune liquidity_events: %w", err)
	}
	return total + tag.RowsAffected(), nil
}

const positionColumns = `chain, user_address, pool, bin_id, amount_x::text, amount_y::text, value_usd::text, updated_at`

func scanPosition(row pgx.Row) (model.UserPosition, error) {
	var (
		p     model.UserPosition
		binID int32
		value string
	)
	if err := row.Scan(&p.Chain, &p.User, &p.Pool, &binID, &p.AmountX, &p.AmountY, &value, &p.UpdatedAt); err != nil {
		return model.UserPosition{}, err
	}
	p.BinID = uint32(binID)
	p.ValueUSD = parseDecimal(value)
	return p, nil
}

func (s *Store) GetPosition(ctx context.Context, chain, user, pool string, binID uint32) (model.UserPosition, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+positionColumns+` FROM user_positions
		WHERE chain = $1 AND user_address = $2 AND pool = $3 AND bin_id = $4
	`, chain, user, pool, int32(binID))
	p, err := scanPosition(row)
	if err != nil {
		return model.UserPosition{}, notFound(err)
	}
	return p, nil
}

func (s *Store) queryPositions(ctx context.Context, sql string, args ...any) ([]model.UserPosition, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	out := make([]model.UserPosition, 0)
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) ListPositions(ctx context.Context, chain, user string) ([]model.UserPosition, error) {
	return s.queryPositions(ctx, `
		SELECT `+positionColumns+` FROM user_positions
		WHERE chain = $1 AND user_address = $2
		ORDER BY pool, bin_id
	`, chain, user)
}

func (s *Store) PositionsUpdatedSince(ctx context.Context, since time.Time) ([]model.UserPosition, error) {
	return s.queryPositions(ctx, `
		SELECT `+positionColumns+` FROM user_positions
		WHERE updated_at >= $1
		ORDER BY pool, user_address, bin_id
	`, since)
}

func (s *Store) SetPositionValue(ctx context.Context, pos model.UserPosition, valueUSD decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE user_positions SET value_usd = $5::numeric
		WHERE chain = $1 AND user_address = $2 AND pool = $3 AND bin_id = $4
	`, pos.Chain, pos.User, pos.Pool, int32(pos.BinID), valueUSD.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) InsertPoolStats(ctx context.Context, st model.PoolStats) error {
	if st.Chain == "" || st.Pool == "" {
		return storage.ErrInvalidInput
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pool_stats (
			chain, pool, ts, reserve_x, reserve_y, active_bin_id, price, liquidity_usd,
			volume_24h_usd, volume_7d_usd, fees_24h_usd, apy, swap_count_24h
		) VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6, $7::numeric, $8::numeric, $9::numeric, $10::numeric, $11::numeric, $12::numeric, $13)
	`,
		st.Chain,
		st.Pool,
		st.Timestamp,
		orZero(st.ReserveX),
		orZero(st.ReserveY),
		int32(st.ActiveBinID),
		st.Price.String(),
		st.LiquidityUSD.String(),
		st.Volume24hUSD.String(),
		st.Volume7dUSD.String(),
		st.Fees24hUSD.String(),
		st.APY.String(),
		st.SwapCount24h,
	)
	if err != nil {
		return fmt.Errorf("insert pool stats: %w", err)
	}
	return nil
}

func (s *Store) LatestPoolStats(ctx context.Context, chain, pool string) (model.PoolStats, error) {
	var (
		st                                   model.PoolStats
		activeBin                            int32
		price, liq, vol24, vol7, fees24, apy string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT chain, pool, ts, reserve_x::text, reserve_y::text, active_bin_id, price::text, liquidity_usd::text,
			volume_24h_usd::text, volume_7d_usd::text, fees_24h_usd::text, apy::text, swap_count_24h
		FROM pool_stats
		WHERE chain = $1 AND pool = $2
		ORDER BY ts DESC, id DESC
		LIMIT 1
	`, chain, pool).Scan(&st.Chain, &st.Pool, &st.Timestamp, &st.ReserveX, &st.ReserveY, &activeBin,
		&price, &liq, &vol24, &vol7, &fees24, &apy, &st.SwapCount24h)
	if err != nil {
		return model.PoolStats{}, notFound(err)
	}
	st.ActiveBinID = uint32(activeBin)
	st.Price = parseDecimal(price)
	st.LiquidityUSD = parseDecimal(liq)
	st.Volume24hUSD = parseDecimal(vol24)
	st.Volume7dUSD = parseDecimal(vol7)
	st.Fees24hUSD = parseDecimal(fees24)
	st.APY = parseDecimal(apy)
	return st, nil
}

func (s *Store) InsertRollup(ctx context.Context, r model.ChainRollup) error {
	if r.Chain == "" {
		return storage.ErrInvalidInput
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO chain_rollups (chain, ts, pool_count, total_liquidity_usd, volume_24h_usd, fees_24h_usd)
		VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6::numeric)
	`, r.Chain, r.Timestamp, int32(r.PoolCount), r.TotalLiquidityUSD.String(), r.Volume24hUSD.String(), r.Fees24hUSD.String())
	return err
}

func (s *Store) LatestRollup(ctx context.Context, chain string) (model.ChainRollup, error) {
	var (
		r              model.ChainRollup
		count          int32
		liq, vol, fees string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT chain, ts, pool_count, total_liquidity_usd::text, volume_24h_usd::text, fees_24h_usd::text
		FROM chain_rollups WHERE chain = $1
		ORDER BY ts DESC, id DESC
		LIMIT 1
	`, chain).Scan(&r.Chain, &r.Timestamp, &count, &liq, &vol, &fees)
	if err != nil {
		return model.ChainRollup{}, notFound(err)
	}
	r.PoolCount = int(count)
	r.TotalLiquidityUSD = parseDecimal(liq)
	r.Volume24hUSD = parseDecimal(vol)
	r.Fees24hUSD = parseDecimal(fees)
	return r, nil
}

func (s *Store) PruneStats(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM pool_stats WHERE ts < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("prune pool stats: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) InsertPrice(ctx context.Context, p model.TokenPrice) error {
	if p.Chain == "" || p.Token == "" {
		return storage.ErrInvalidInput
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO token_prices (chain, token, price_usd, source, ts)
		VALUES ($1, $2, $3::numeric, $4, $5)
	`, p.Chain, p.Token, p.PriceUSD.String(), p.Source, p.Timestamp)
	return err
}

func (s *Store) LatestPrice(ctx context.Context, chain, token string) (model.TokenPrice, error) {
	var (
		p     model.TokenPrice
		price string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT chain, token, price_usd::text, source, ts
		FROM token_prices WHERE chain = $1 AND token = $2
		ORDER BY ts DESC, id DESC
		LIMIT 1
	`, chain, token).Scan(&p.Chain, &p.Token, &price, &p.Source, &p.Timestamp)
	if err != nil {
		return model.TokenPrice{}, notFound(err)
	}
	p.PriceUSD = parseDecimal(price)
	return p, nil
}

func (s *Store) PrunePrices(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM token_prices WHERE ts < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("prune token prices: %w", err)
	}
	return tag.RowsAffected(), nil
}

func orZero(v string) string {
	if v == "" {
		return "0"
	}
	return v
}

func parseBigInt(v string) *big.Int {
	out, ok := new(big.Int).SetString(v, 10)
	if !ok {
		return new(big.Int)
	}
	return out
}

func parseDecimal(v string) decimal.Decimal {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero
	}
	return d
}
