package model

import (
	"fmt"
	"math/big"
	"strings"
	"time"
)

// SwapEvent is a decoded Swap log. Amounts are raw integer strings.
type SwapEvent struct {
	Chain                 string    `json:"chain"`
	Pool                  string    `json:"pool"`
	TxHash                string    `json:"tx_hash"`
	LogIndex              uint      `json:"log_index"`
	BlockNumber           uint64    `json:"block_number"`
	Timestamp             time.Time `json:"timestamp"`
	Sender                string    `json:"sender"`
	To                    string    `json:"to"`
	BinID                 uint32    `json:"bin_id"`
	SwapForY              bool      `json:"swap_for_y"`
	AmountInX             string    `json:"amount_in_x"`
	AmountInY             string    `json:"amount_in_y"`
	AmountOutX            string    `json:"amount_out_x"`
	AmountOutY            string    `json:"amount_out_y"`
	FeesX                 string    `json:"fees_x"`
	FeesY                 string    `json:"fees_y"`
	ProtocolFeesX         string    `json:"protocol_fees_x"`
	ProtocolFeesY         string    `json:"protocol_fees_y"`
	VolatilityAccumulator uint32    `json:"volatility_accumulator"`
}

// LiquidityEvent is a decoded DepositedToBins or WithdrawnFromBins log.
type LiquidityEvent struct {
	Chain       string    `json:"chain"`
	Pool        string    `json:"pool"`
	TxHash      string    `json:"tx_hash"`
	LogIndex    uint      `json:"log_index"`
	BlockNumber uint64    `json:"block_number"`
	Timestamp   time.Time `json:"timestamp"`
	Kind        EventType `json:"kind"`
	Sender      string    `json:"sender"`
	To          string    `json:"to"`
	BinIDs      []uint32  `json:"bin_ids"`
	AmountsX    []string  `json:"amounts_x"`
	AmountsY    []string  `json:"amounts_y"`
}

// Owner returns the account whose positions the event changes. The pair
// emits msg.sender as Sender, which is the router for routed calls, so both
// deposits and withdrawals are charged to To.
func (e LiquidityEvent) Owner() string {
	return e.To
}

// PositionDelta is the signed per-bin change carried by a liquidity event.
type PositionDelta struct {
	BinID   uint32
	AmountX *big.Int
	AmountY *big.Int
}

// Deltas converts the event amounts into signed per-bin deltas.
func (e LiquidityEvent) Deltas() ([]PositionDelta, error) {
	if len(e.AmountsX) != len(e.BinIDs) || len(e.AmountsY) != len(e.BinIDs) {
		return nil, fmt.Errorf("liquidity event %s:%d: %d bins, %d/%d amounts",
			e.TxHash, e.LogIndex, len(e.BinIDs), len(e.AmountsX), len(e.AmountsY))
	}
	out := make([]PositionDelta, 0, len(e.BinIDs))
	for i, bin := range e.BinIDs {
		x, ok := new(big.Int).SetString(e.AmountsX[i], 10)
		if !ok {
			return nil, fmt.Errorf("invalid amount x %q", e.AmountsX[i])
		}
		y, ok := new(big.Int).SetString(e.AmountsY[i], 10)
		if !ok {
			return nil, fmt.Errorf("invalid amount y %q", e.AmountsY[i])
		}
		if e.Kind == EventWithdraw {
			x.Neg(x)
			y.Neg(y)
		}
		out = append(out, PositionDelta{BinID: bin, AmountX: x, AmountY: y})
	}
	return out, nil
}

// SwapTotals sums persisted swaps for a pool over a window.
type SwapTotals struct {
	Count     int64
	AmountInX *big.Int
	AmountInY *big.Int
	FeesX     *big.Int
	FeesY     *big.Int
}

// NewSwapTotals returns zeroed totals.
func NewSwapTotals() SwapTotals {
	return SwapTotals{
		AmountInX: new(big.Int),
		AmountInY: new(big.Int),
		FeesX:     new(big.Int),
		FeesY:     new(big.Int),
	}
}

// Add accumulates one swap into the totals.
func (t *SwapTotals) Add(ev SwapEvent) {
	t.Count++
	addDecimalString(t.AmountInX, ev.AmountInX)
	addDecimalString(t.AmountInY, ev.AmountInY)
	addDecimalString(t.FeesX, ev.FeesX)
	addDecimalString(t.FeesY, ev.FeesY)
}

func addDecimalString(dst *big.Int, value string) {
	value = strings.TrimSpace(value)
	if value == "" {
		return
	}
	if v, ok := new(big.Int).SetString(value, 10); ok {
		dst.Add(dst, v)
	}
}
