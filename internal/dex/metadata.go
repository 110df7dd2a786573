package dex

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"lbsync/internal/chain"
	"lbsync/internal/model"
)

// TokenMetaCache caches token metadata by address.
type TokenMetaCache struct {
	mu   sync.RWMutex
	data map[common.Address]model.TokenMeta
}

func NewTokenMetaCache() *TokenMetaCache {
	return &TokenMetaCache{data: make(map[common.Address]model.TokenMeta)}
}

func (c *TokenMetaCache) Get(address common.Address) (model.TokenMeta, bool) {
	c.mu.RLock()
	meta, ok := c.data[address]
	c.mu.RUnlock()
	return meta, ok
}

func (c *TokenMetaCache) Set(address common.Address, meta model.TokenMeta) {
	c.mu.Lock()
	c.data[address] = meta
	c.mu.Unlock()
}

// PairMeta is the immutable configuration of a pair.
type PairMeta struct {
	TokenX  common.Address
	TokenY  common.Address
	BinStep uint32
}

// PairState is the live state of a pair.
type PairState struct {
	ReserveX *big.Int
	ReserveY *big.Int
	ActiveID uint32
}

func callMethod(ctx context.Context, reader chain.Reader, to common.Address, parsed abi.ABI, method string, block *big.Int, args ...interface{}) ([]interface{}, error) {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	msg := ethereum.CallMsg{To: &to, Data: data}
	resp, err := reader.CallContract(ctx, msg, block)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	values, err := parsed.Unpack(method, resp)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("unpack %s: empty result", method)
	}
	return values, nil
}

// FetchPairMeta reads token addresses and bin step of a pair.
func FetchPairMeta(ctx context.Context, reader chain.Reader, pair common.Address) (PairMeta, error) {
	pairABI, err := PairABI()
	if err != nil {
		return PairMeta{}, fmt.Errorf("parse pair abi: %w", err)
	}

	values, err := callMethod(ctx, reader, pair, pairABI, "getTokenX", nil)
	if err != nil {
		return PairMeta{}, err
	}
	tokenX, err := asAddress(values[0])
	if err != nil {
		return PairMeta{}, fmt.Errorf("tokenX: %w", err)
	}

	values, err = callMethod(ctx, reader, pair, pairABI, "getTokenY", nil)
	if err != nil {
		return PairMeta{}, err
	}
	tokenY, err := asAddress(values[0])
	if err != nil {
		return PairMeta{}, fmt.Errorf("tokenY: %w", err)
	}

	values, err = callMethod(ctx, reader, pair, pairABI, "getBinStep", nil)
	if err != nil {
		return PairMeta{}, err
	}
	binStep, err := asBigInt(values[0])
	if err != nil {
		return PairMeta{}, fmt.Errorf("bin step: %w", err)
	}

	return PairMeta{TokenX: tokenX, TokenY: tokenY, BinStep: uint32(binStep.Uint64())}, nil
}

// ReadPairState reads reserves and the active bin id. A nil block reads the
// latest state.
func ReadPairState(ctx context.Context, reader chain.Reader, pair common.Address, block *big.Int) (PairState, error) {
	pairABI, err := PairABI()
	if err != nil {
		return PairState{}, fmt.Errorf("parse pair abi: %w", err)
	}

	values, err := callMethod(ctx, reader, pair, pairABI, "getReserves", block)
	if err != nil {
		return PairState{}, err
	}
	if len(values) != 2 {
		return PairState{}, fmt.Errorf("unexpected reserves values: %d", len(values))
	}
	reserveX, err := asBigInt(values[0])
	if err != nil {
		return PairState{}, fmt.Errorf("reserveX: %w", err)
	}
	reserveY, err := asBigInt(values[1])
	if err != nil {
		return PairState{}, fmt.Errorf("reserveY: %w", err)
	}

	values, err = callMethod(ctx, reader, pair, pairABI, "getActiveId", block)
	if err != nil {
		return PairState{}, err
	}
	activeID, err := asBigInt(values[0])
	if err != nil {
		return PairState{}, fmt.Errorf("active id: %w", err)
	}

	return PairState{ReserveX: reserveX, ReserveY: reserveY, ActiveID: uint32(activeID.Uint64())}, nil
}

// NumberOfPairs returns the number of pairs registered in the factory.
func NumberOfPairs(ctx context.Context, reader chain.Reader, factory common.Address) (uint64, error) {
	factoryABI, err := FactoryABI()
	if err != nil {
		return 0, fmt.Errorf("parse factory abi: %w", err)
	}
	values, err := callMethod(ctx, reader, factory, factoryABI, "getNumberOfLBPairs", nil)
	if err != nil {
		return 0, err
	}
	n, err := asBigInt(values[0])
	if err != nil {
		return 0, err
	}
	if !n.IsUint64() {
		return 0, fmt.Errorf("pair count overflow: %s", n)
	}
	return n.Uint64(), nil
}

// PairAtIndex returns the pair address at a factory index.
func PairAtIndex(ctx context.Context, reader chain.Reader, factory common.Address, index uint64) (common.Address, error) {
	factoryABI, err := FactoryABI()
	if err != nil {
		return common.Address{}, fmt.Errorf("parse factory abi: %w", err)
	}
	values, err := callMethod(ctx, reader, factory, factoryABI, "getLBPairAtIndex", nil, new(big.Int).SetUint64(index))
	if err != nil {
		return common.Address{}, err
	}
	return asAddress(values[0])
}

// IsContract reports whether bytecode is deployed at the address.
func IsContract(ctx context.Context, reader chain.Reader, address common.Address) (bool, error) {
	code, err := reader.CodeAt(ctx, address, nil)
	if err != nil {
		return false, err
	}
	return len(code) > 0, nil
}

// FetchTokenMeta loads token metadata via ERC20 calls. On failure the
// returned metadata is the Unknown/UNK/18 fallback.
func FetchTokenMeta(ctx context.Context, reader chain.Reader, chainName string, token common.Address, logger *zap.Logger) (model.TokenMeta, error) {
	meta := model.UnknownToken(chainName, token.Hex())
	if reader == nil {
		return meta, fmt.Errorf("chain reader is nil")
	}

	stringABI, err := erc20StringABI.get()
	if err != nil {
		return meta, fmt.Errorf("parse erc20 string abi: %w", err)
	}
	bytes32ABI, err := erc20Bytes32ABI.get()
	if err != nil {
		return meta, fmt.Errorf("parse erc20 bytes32 abi: %w", err)
	}

	values, err := callMethod(ctx, reader, token, stringABI, "decimals", nil)
	if err != nil {
		return meta, err
	}
	decimals, err := asUint8(values[0])
	if err != nil {
		return meta, err
	}
	meta.Decimals = decimals

	if symbol, ok := readText(ctx, reader, token, "symbol", stringABI, bytes32ABI, logger); ok {
		meta.Symbol = symbol
	}
	if name, ok := readText(ctx, reader, token, "name", stringABI, bytes32ABI, logger); ok {
		meta.Name = name
	}
	return meta, nil
}

// readText reads a string getter, falling back to the bytes32 variant used
// by some older tokens.
func readText(ctx context.Context, reader chain.Reader, token common.Address, method string, stringABI, bytes32ABI abi.ABI, logger *zap.Logger) (string, bool) {
	if values, err := callMethod(ctx, reader, token, stringABI, method, nil); err == nil {
		if text, ok := values[0].(string); ok && strings.TrimSpace(text) != "" {
			return text, true
		}
	}
	values, err := callMethod(ctx, reader, token, bytes32ABI, method, nil)
	if err == nil {
		if text, ok := bytes32ToString(values[0]); ok && text != "" {
			return text, true
		}
	} else if logger != nil {
		logger.Debug(method+" call failed", zap.String("token", token.Hex()), zap.Error(err))
	}
	return "", false
}

// ResolveTokenMeta returns cached metadata or fetches it, caching the
// fallback when the token cannot be read.
func ResolveTokenMeta(ctx context.Context, reader chain.Reader, chainName string, token common.Address, cache *TokenMetaCache, logger *zap.Logger) model.TokenMeta {
	if cache != nil {
		if meta, ok := cache.Get(token); ok {
			return meta
		}
	}
	meta, err := FetchTokenMeta(ctx, reader, chainName, token, logger)
	if err != nil && logger != nil {
		logger.Warn("token metadata fetch failed", zap.String("token", token.Hex()), zap.Error(err))
	}
	if cache != nil && ctx.Err() == nil {
		cache.Set(token, meta)
	}
	return meta
}

func bytes32ToString(value interface{}) (string, bool) {
	switch v := value.(type) {
	case [32]byte:
		return string(bytes.TrimRight(v[:], "\x00")), true
	case []byte:
		return string(bytes.TrimRight(v, "\x00")), true
	default:
		return "", false
	}
}

func asAddress(value interface{}) (common.Address, error) {
	switch v := value.(type) {
	case common.Address:
		return v, nil
	case *common.Address:
		return *v, nil
	default:
		return common.Address{}, fmt.Errorf("unsupported address type %T", value)
	}
}

func asBytes32(value interface{}) ([32]byte, error) {
	switch v := value.(type) {
	case [32]byte:
		return v, nil
	case common.Hash:
		return [32]byte(v), nil
	default:
		return [32]byte{}, fmt.Errorf("unsupported bytes32 type %T", value)
	}
}

func asBigInt(value interface{}) (*big.Int, error) {
	switch v := value.(type) {
	case *big.Int:
		return new(big.Int).Set(v), nil
	case big.Int:
		return new(big.Int).Set(&v), nil
	case uint8:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint16:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint32:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint64:
		return new(big.Int).SetUint64(v), nil
	default:
		return nil, fmt.Errorf("unsupported int type %T", value)
	}
}

func asUint8(value interface{}) (uint8, error) {
	switch v := value.(type) {
	case uint8:
		return v, nil
	case *big.Int:
		if !v.IsUint64() || v.Uint64() > 255 {
			return 0, fmt.Errorf("uint8 overflow: %s", v)
		}
		return uint8(v.Uint64()), nil
	default:
		return 0, fmt.Errorf("unsupported uint8 type %T", value)
	}
}
