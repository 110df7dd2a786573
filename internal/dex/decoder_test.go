package dex

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"lbsync/internal/model"
)

var (
	testPair   = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testSender = common.HexToAddress("0x2222222222222222222222222222222222222222")
	testTo     = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

func TestDecoderSwap(t *testing.T) {
	pairABI, err := PairABI()
	if err != nil {
		t.Fatalf("abi parse: %v", err)
	}
	decoder, err := NewDecoder("bsc")
	if err != nil {
		t.Fatalf("decoder: %v", err)
	}

	data, err := pairABI.Events[EventNameSwap].Inputs.NonIndexed().Pack(
		big.NewInt(8388608),
		PackAmounts(big.NewInt(1000), big.NewInt(0)),
		PackAmounts(big.NewInt(0), big.NewInt(995)),
		big.NewInt(42),
		PackAmounts(big.NewInt(3), big.NewInt(0)),
		PackAmounts(big.NewInt(1), big.NewInt(0)),
	)
	if err != nil {
		t.Fatalf("pack swap: %v", err)
	}

	log := buildLog(pairABI.Events[EventNameSwap].ID, data, topicFromAddress(testSender), topicFromAddress(testTo))
	decoded, err := decoder.Decode(log)
	if err != nil {
		t.Fatalf("decode swap: %v", err)
	}
	if decoded.Type != model.EventSwap || decoded.Swap == nil {
		t.Fatalf("decoded type mismatch: %+v", decoded)
	}

	swap := decoded.Swap
	if swap.AmountInX != "1000" || swap.AmountInY != "0" || swap.AmountOutY != "995" {
		t.Fatalf("amounts mismatch: %+v", swap)
	}
	if swap.FeesX != "3" || swap.ProtocolFeesX != "1" {
		t.Fatalf("fees mismatch: %+v", swap)
	}
	if !swap.SwapForY || swap.BinID != 8388608 || swap.VolatilityAccumulator != 42 {
		t.Fatalf("swap fields mismatch: %+v", swap)
	}
	if swap.Sender != testSender.Hex() || swap.To != testTo.Hex() || swap.Pool != testPair.Hex() {
		t.Fatalf("address mismatch: %+v", swap)
	}
	if swap.LogIndex != 7 || swap.BlockNumber != 100 || swap.Chain != "bsc" {
		t.Fatalf("log position mismatch: %+v", swap)
	}
}

func TestDecoderSwapWithIndexedBinID(t *testing.T) {
	pairABI, err := PairABI()
	if err != nil {
		t.Fatalf("abi parse: %v", err)
	}
	decoder, err := NewDecoder("bsc")
	if err != nil {
		t.Fatalf("decoder: %v", err)
	}

	event := pairABI.Events[EventNameSwap]
	data, err := withoutArgument(event.Inputs.NonIndexed(), "id").Pack(
		PackAmounts(big.NewInt(0), big.NewInt(2500)),
		PackAmounts(big.NewInt(4), big.NewInt(0)),
		big.NewInt(7),
		PackAmounts(big.NewInt(0), big.NewInt(6)),
		PackAmounts(big.NewInt(0), big.NewInt(2)),
	)
	if err != nil {
		t.Fatalf("pack swap: %v", err)
	}

	log := buildLog(event.ID, data,
		topicFromAddress(testSender), topicFromAddress(testTo), common.BigToHash(big.NewInt(8388610)))
	decoded, err := decoder.Decode(log)
	if err != nil {
		t.Fatalf("decode swap: %v", err)
	}

	swap := decoded.Swap
	if swap.BinID != 8388610 || swap.SwapForY {
		t.Fatalf("bin/direction mismatch: %+v", swap)
	}
	if swap.AmountInY != "2500" || swap.AmountOutX != "4" || swap.FeesY != "6" || swap.ProtocolFeesY != "2" {
		t.Fatalf("amounts mismatch: %+v", swap)
	}
	if swap.VolatilityAccumulator != 7 || swap.Sender != testSender.Hex() || swap.To != testTo.Hex() {
		t.Fatalf("swap fields mismatch: %+v", swap)
	}

	tooMany := buildLog(event.ID, data, topicFromAddress(testSender), topicFromAddress(testTo),
		common.BigToHash(big.NewInt(1)), common.BigToHash(big.NewInt(2)))
	if _, err := decoder.Decode(tooMany); err == nil {
		t.Fatalf("expected error for 5 topics")
	}
}

func TestDecoderDepositAndWithdraw(t *testing.T) {
	pairABI, err := PairABI()
	if err != nil {
		t.Fatalf("abi parse: %v", err)
	}
	decoder, err := NewDecoder("bsc")
	if err != nil {
		t.Fatalf("decoder: %v", err)
	}

	ids := []*big.Int{big.NewInt(8388607), big.NewInt(8388608)}
	amounts := [][32]byte{
		PackAmounts(big.NewInt(0), big.NewInt(500)),
		PackAmounts(big.NewInt(250), big.NewInt(0)),
	}

	for _, tc := range []struct {
		name string
		kind model.EventType
	}{
		{EventNameDeposit, model.EventDeposit},
		{EventNameWithdraw, model.EventWithdraw},
	} {
		data, err := pairABI.Events[tc.name].Inputs.NonIndexed().Pack(ids, amounts)
		if err != nil {
			t.Fatalf("pack %s: %v", tc.name, err)
		}
		log := buildLog(pairABI.Events[tc.name].ID, data, topicFromAddress(testSender), topicFromAddress(testTo))

		decoded, err := decoder.Decode(log)
		if err != nil {
			t.Fatalf("decode %s: %v", tc.name, err)
		}
		liq := decoded.Liquidity
		if decoded.Type != tc.kind || liq == nil || liq.Kind != tc.kind {
			t.Fatalf("%s: type mismatch: %+v", tc.name, decoded)
		}
		if len(liq.BinIDs) != 2 || liq.BinIDs[0] != 8388607 || liq.BinIDs[1] != 8388608 {
			t.Fatalf("%s: bin ids mismatch: %v", tc.name, liq.BinIDs)
		}
		if liq.AmountsX[0] != "0" || liq.AmountsY[0] != "500" || liq.AmountsX[1] != "250" || liq.AmountsY[1] != "0" {
			t.Fatalf("%s: amounts mismatch: %v %v", tc.name, liq.AmountsX, liq.AmountsY)
		}
	}
}

func TestDecoderRejectsMalformedLogs(t *testing.T) {
	pairABI, err := PairABI()
	if err != nil {
		t.Fatalf("abi parse: %v", err)
	}
	decoder, err := NewDecoder("bsc")
	if err != nil {
		t.Fatalf("decoder: %v", err)
	}

	unknown := buildLog(common.HexToHash("0xdead"), nil)
	if _, err := decoder.Decode(unknown); err == nil {
		t.Fatalf("expected error for unknown topic0")
	}

	missingTopics := buildLog(pairABI.Events[EventNameSwap].ID, nil, topicFromAddress(testSender))
	if _, err := decoder.Decode(missingTopics); err == nil {
		t.Fatalf("expected error for missing indexed topics")
	}

	truncated := buildLog(pairABI.Events[EventNameSwap].ID, []byte{0x01, 0x02}, topicFromAddress(testSender), topicFromAddress(testTo))
	if _, err := decoder.Decode(truncated); err == nil {
		t.Fatalf("expected error for truncated data")
	}
}

func TestDecodePairCreated(t *testing.T) {
	factoryABI, err := FactoryABI()
	if err != nil {
		t.Fatalf("abi parse: %v", err)
	}
	decoder, err := NewDecoder("bsc")
	if err != nil {
		t.Fatalf("decoder: %v", err)
	}

	data, err := factoryABI.Events[EventNamePairCreated].Inputs.NonIndexed().Pack(testPair, big.NewInt(117))
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	tokenX := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	tokenY := common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	log := buildLog(decoder.PairCreatedTopic(), data,
		topicFromAddress(tokenX),
		topicFromAddress(tokenY),
		common.BigToHash(big.NewInt(25)),
	)

	created, err := decoder.DecodePairCreated(log)
	if err != nil {
		t.Fatalf("decode pair created: %v", err)
	}
	if created.Pair != testPair || created.TokenX != tokenX || created.TokenY != tokenY {
		t.Fatalf("addresses mismatch: %+v", created)
	}
	if created.BinStep != 25 || created.PID != 117 {
		t.Fatalf("fields mismatch: %+v", created)
	}
}

func TestDecoderTopics(t *testing.T) {
	decoder, err := NewDecoder("bsc")
	if err != nil {
		t.Fatalf("decoder: %v", err)
	}
	topics := decoder.Topics()
	if len(topics) != 3 {
		t.Fatalf("expected 3 topics, got %d", len(topics))
	}
	for _, topic := range topics {
		if _, ok := decoder.EventType(types.Log{Topics: []common.Hash{topic}}); !ok {
			t.Fatalf("topic %s not recognised", topic.Hex())
		}
	}
}

func buildLog(topic0 common.Hash, data []byte, indexed ...common.Hash) types.Log {
	topics := append([]common.Hash{topic0}, indexed...)
	return types.Log{
		Address:     testPair,
		Topics:      topics,
		Data:        data,
		BlockNumber: 100,
		TxHash:      common.HexToHash("0xabc"),
		Index:       7,
	}
}

func topicFromAddress(addr common.Address) common.Hash {
	return common.BytesToHash(addr.Bytes())
}
