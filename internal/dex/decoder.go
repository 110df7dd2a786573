package dex

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"lbsync/internal/model"
)

// Event names as they appear in the pair and factory ABIs.
const (
	EventNameSwap        = "Swap"
	EventNameDeposit     = "DepositedToBins"
	EventNameWithdraw    = "WithdrawnFromBins"
	EventNamePairCreated = "LBPairCreated"
)

// Decoded holds exactly one decoded pair event.
type Decoded struct {
	Type      model.EventType
	Swap      *model.SwapEvent
	Liquidity *model.LiquidityEvent
}

// PairCreated is a decoded factory LBPairCreated log.
type PairCreated struct {
	TokenX      common.Address
	TokenY      common.Address
	BinStep     uint32
	Pair        common.Address
	PID         uint64
	BlockNumber uint64
}

// Decoder decodes Liquidity Book pair and factory logs.
type Decoder struct {
	chain      string
	pairABI    abi.ABI
	factoryABI abi.ABI
	byTopic    map[common.Hash]model.EventType
}

// NewDecoder builds a decoder that stamps events with the chain name.
func NewDecoder(chain string) (*Decoder, error) {
	pairABI, err := PairABI()
	if err != nil {
		return nil, fmt.Errorf("parse pair abi: %w", err)
	}
	factoryABI, err := FactoryABI()
	if err != nil {
		return nil, fmt.Errorf("parse factory abi: %w", err)
	}
	return &Decoder{
		chain:      chain,
		pairABI:    pairABI,
		factoryABI: factoryABI,
		byTopic: map[common.Hash]model.EventType{
			pairABI.Events[EventNameSwap].ID:     model.EventSwap,
			pairABI.Events[EventNameDeposit].ID:  model.EventDeposit,
			pairABI.Events[EventNameWithdraw].ID: model.EventWithdraw,
		},
	}, nil
}

// Topics returns the topic0 values of the pair events the decoder handles.
func (d *Decoder) Topics() []common.Hash {
	return []common.Hash{
		d.pairABI.Events[EventNameSwap].ID,
		d.pairABI.Events[EventNameDeposit].ID,
		d.pairABI.Events[EventNameWithdraw].ID,
	}
}

// PairCreatedTopic returns the topic0 of LBPairCreated.
func (d *Decoder) PairCreatedTopic() common.Hash {
	return d.factoryABI.Events[EventNamePairCreated].ID
}

// EventType returns the stream a log belongs to.
func (d *Decoder) EventType(log types.Log) (model.EventType, bool) {
	if len(log.Topics) == 0 {
		return "", false
	}
	t, ok := d.byTopic[log.Topics[0]]
	return t, ok
}

// Decode converts a raw pair log into a typed event. The block timestamp
// is left for the caller to fill in.
func (d *Decoder) Decode(log types.Log) (Decoded, error) {
	eventType, ok := d.EventType(log)
	if !ok {
		return Decoded{}, fmt.Errorf("unsupported topic0")
	}
	switch eventType {
	case model.EventSwap:
		swap, err := d.decodeSwap(log)
		if err != nil {
			return Decoded{}, err
		}
		return Decoded{Type: eventType, Swap: &swap}, nil
	default:
		liq, err := d.decodeLiquidity(log, eventType)
		if err != nil {
			return Decoded{}, err
		}
		return Decoded{Type: eventType, Liquidity: &liq}, nil
	}
}

func (d *Decoder) decodeSwap(log types.Log) (model.SwapEvent, error) {
	event := d.pairABI.Events[EventNameSwap]

	// topic0 is the same whether or not the bin id is indexed, so both
	// layouts reach this point: 3 topics with id in data, or 4 with id as
	// the last topic.
	if len(log.Topics) != 3 && len(log.Topics) != 4 {
		return model.SwapEvent{}, fmt.Errorf("%s: expected 3 or 4 topics, got %d", event.Name, len(log.Topics))
	}
	var indexed struct {
		Sender common.Address
		To     common.Address
	}
	if err := abi.ParseTopics(&indexed, indexedArguments(event.Inputs), log.Topics[1:3]); err != nil {
		return model.SwapEvent{}, fmt.Errorf("parse topics: %w", err)
	}

	args := event.Inputs.NonIndexed()
	var id *big.Int
	if len(log.Topics) == 4 {
		id = new(big.Int).SetBytes(log.Topics[3].Bytes())
		args = withoutArgument(args, "id")
	}

	values, err := args.Unpack(log.Data)
	if err != nil {
		return model.SwapEvent{}, fmt.Errorf("unpack %s: %w", event.Name, err)
	}
	if len(values) != len(args) {
		return model.SwapEvent{}, fmt.Errorf("unexpected swap values: %d", len(values))
	}
	if id == nil {
		if id, err = asBigInt(values[0]); err != nil {
			return model.SwapEvent{}, fmt.Errorf("id: %w", err)
		}
		values = values[1:]
	}
	if id.BitLen() > 24 {
		return model.SwapEvent{}, fmt.Errorf("bin id out of range: %s", id)
	}

	amountsIn, err := asBytes32(values[0])
	if err != nil {
		return model.SwapEvent{}, fmt.Errorf("amountsIn: %w", err)
	}
	amountsOut, err := asBytes32(values[1])
	if err != nil {
		return model.SwapEvent{}, fmt.Errorf("amountsOut: %w", err)
	}
	volatility, err := asBigInt(values[2])
	if err != nil {
		return model.SwapEvent{}, fmt.Errorf("volatilityAccumulator: %w", err)
	}
	totalFees, err := asBytes32(values[3])
	if err != nil {
		return model.SwapEvent{}, fmt.Errorf("totalFees: %w", err)
	}
	protocolFees, err := asBytes32(values[4])
	if err != nil {
		return model.SwapEvent{}, fmt.Errorf("protocolFees: %w", err)
	}

	inX, inY := DecodePacked(amountsIn)
	outX, outY := DecodePacked(amountsOut)
	feeX, feeY := DecodePacked(totalFees)
	protoX, protoY := DecodePacked(protocolFees)

	return model.SwapEvent{
		Chain:                 d.chain,
		Pool:                  log.Address.Hex(),
		TxHash:                log.TxHash.Hex(),
		LogIndex:              log.Index,
		BlockNumber:           log.BlockNumber,
		Sender:                indexed.Sender.Hex(),
		To:                    indexed.To.Hex(),
		BinID:                 uint32(id.Uint64()),
		SwapForY:              inX.Sign() > 0,
		AmountInX:             inX.String(),
		AmountInY:             inY.String(),
		AmountOutX:            outX.String(),
		AmountOutY:            outY.String(),
		FeesX:                 feeX.String(),
		FeesY:                 feeY.String(),
		ProtocolFeesX:         protoX.String(),
		ProtocolFeesY:         protoY.String(),
		VolatilityAccumulator: uint32(volatility.Uint64()),
	}, nil
}

func (d *Decoder) decodeLiquidity(log types.Log, kind model.EventType) (model.LiquidityEvent, error) {
	name := EventNameDeposit
	if kind == model.EventWithdraw {
		name = EventNameWithdraw
	}
	event := d.pairABI.Events[name]

	var indexed struct {
		Sender common.Address
		To     common.Address
	}
	if err := parseIndexed(&indexed, event, log.Topics); err != nil {
		return model.LiquidityEvent{}, err
	}

	values, err := event.Inputs.NonIndexed().Unpack(log.Data)
	if err != nil {
		return model.LiquidityEvent{}, fmt.Errorf("unpack %s: %w", event.Name, err)
	}
	if len(values) != 2 {
		return model.LiquidityEvent{}, fmt.Errorf("unexpected %s values: %d", event.Name, len(values))
	}

	ids, ok := values[0].([]*big.Int)
	if !ok {
		return model.LiquidityEvent{}, fmt.Errorf("ids: unsupported type %T", values[0])
	}
	amounts, ok := values[1].([][32]byte)
	if !ok {
		return model.LiquidityEvent{}, fmt.Errorf("amounts: unsupported type %T", values[1])
	}
	if len(ids) != len(amounts) {
		return model.LiquidityEvent{}, fmt.Errorf("ids/amounts length mismatch: %d != %d", len(ids), len(amounts))
	}

	ev := model.LiquidityEvent{
		Chain:       d.chain,
		Pool:        log.Address.Hex(),
		TxHash:      log.TxHash.Hex(),
		LogIndex:    log.Index,
		BlockNumber: log.BlockNumber,
		Kind:        kind,
		Sender:      indexed.Sender.Hex(),
		To:          indexed.To.Hex(),
		BinIDs:      make([]uint32, len(ids)),
		AmountsX:    make([]string, len(ids)),
		AmountsY:    make([]string, len(ids)),
	}
	for i := range ids {
		if !ids[i].IsUint64() || ids[i].Uint64() > 1<<24-1 {
			return model.LiquidityEvent{}, fmt.Errorf("bin id out of range: %s", ids[i])
		}
		x, y := DecodePacked(amounts[i])
		ev.BinIDs[i] = uint32(ids[i].Uint64())
		ev.AmountsX[i] = x.String()
		ev.AmountsY[i] = y.String()
	}
	return ev, nil
}

// DecodePairCreated decodes a factory LBPairCreated log.
func (d *Decoder) DecodePairCreated(log types.Log) (PairCreated, error) {
	event := d.factoryABI.Events[EventNamePairCreated]
	if len(log.Topics) == 0 || log.Topics[0] != event.ID {
		return PairCreated{}, fmt.Errorf("not a %s log", event.Name)
	}

	var indexed struct {
		TokenX  common.Address
		TokenY  common.Address
		BinStep *big.Int
	}
	if err := parseIndexed(&indexed, event, log.Topics); err != nil {
		return PairCreated{}, err
	}

	values, err := event.Inputs.NonIndexed().Unpack(log.Data)
	if err != nil {
		return PairCreated{}, fmt.Errorf("unpack %s: %w", event.Name, err)
	}
	if len(values) != 2 {
		return PairCreated{}, fmt.Errorf("unexpected %s values: %d", event.Name, len(values))
	}
	pair, err := asAddress(values[0])
	if err != nil {
		return PairCreated{}, fmt.Errorf("pair: %w", err)
	}
	pid, err := asBigInt(values[1])
	if err != nil {
		return PairCreated{}, fmt.Errorf("pid: %w", err)
	}

	return PairCreated{
		TokenX:      indexed.TokenX,
		TokenY:      indexed.TokenY,
		BinStep:     uint32(indexed.BinStep.Uint64()),
		Pair:        pair,
		PID:         pid.Uint64(),
		BlockNumber: log.BlockNumber,
	}, nil
}

// BlockTime converts a unix block timestamp to UTC time.
func BlockTime(ts uint64) time.Time {
	return time.Unix(int64(ts), 0).UTC()
}

func parseIndexed(out interface{}, event abi.Event, topics []common.Hash) error {
	indexed := indexedArguments(event.Inputs)
	if len(topics) != len(indexed)+1 {
		return fmt.Errorf("%s: expected %d topics, got %d", event.Name, len(indexed)+1, len(topics))
	}
	if err := abi.ParseTopics(out, indexed, topics[1:]); err != nil {
		return fmt.Errorf("parse topics: %w", err)
	}
	return nil
}

func withoutArgument(args abi.Arguments, name string) abi.Arguments {
	out := make(abi.Arguments, 0, len(args))
	for _, arg := range args {
		if arg.Name != name {
			out = append(out, arg)
		}
	}
	return out
}

func indexedArguments(args abi.Arguments) abi.Arguments {
	indexed := make(abi.Arguments, 0, len(args))
	for _, arg := range args {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	return indexed
}
