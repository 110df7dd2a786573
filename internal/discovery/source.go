package discovery

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"lbsync/internal/chain"
	"lbsync/internal/dex"
	"lbsync/internal/model"
)

// Source is the on-chain view of a Liquidity Book factory and its pairs.
type Source interface {
	NumberOfPairs(ctx context.Context) (uint64, error)
	PairAtIndex(ctx context.Context, index uint64) (common.Address, error)
	IsContract(ctx context.Context, address common.Address) (bool, error)
	PairMeta(ctx context.Context, pair common.Address) (dex.PairMeta, error)
	PairState(ctx context.Context, pair common.Address) (dex.PairState, error)
	TokenMeta(ctx context.Context, token common.Address) model.TokenMeta
}

// FactorySource reads a factory through a chain.Reader.
type FactorySource struct {
	reader  chain.Reader
	factory common.Address
	chain   string
	tokens  *dex.TokenMetaCache
	logger  *zap.Logger
}

func NewFactorySource(reader chain.Reader, chainName string, factory common.Address, tokens *dex.TokenMetaCache, logger *zap.Logger) *FactorySource {
	if tokens == nil {
		tokens = dex.NewTokenMetaCache()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FactorySource{reader: reader, factory: factory, chain: chainName, tokens: tokens, logger: logger}
}

func (s *FactorySource) NumberOfPairs(ctx context.Context) (uint64, error) {
	return dex.NumberOfPairs(ctx, s.reader, s.factory)
}

func (s *FactorySource) PairAtIndex(ctx context.Context, index uint64) (common.Address, error) {
	return dex.PairAtIndex(ctx, s.reader, s.factory, index)
}

func (s *FactorySource) IsContract(ctx context.Context, address common.Address) (bool, error) {
	return dex.IsContract(ctx, s.reader, address)
}

func (s *FactorySource) PairMeta(ctx context.Context, pair common.Address) (dex.PairMeta, error) {
	return dex.FetchPairMeta(ctx, s.reader, pair)
}

func (s *FactorySource) PairState(ctx context.Context, pair common.Address) (dex.PairState, error) {
	return dex.ReadPairState(ctx, s.reader, pair, nil)
}

func (s *FactorySource) TokenMeta(ctx context.Context, token common.Address) model.TokenMeta {
	return dex.ResolveTokenMeta(ctx, s.reader, s.chain, token, s.tokens, s.logger)
}
