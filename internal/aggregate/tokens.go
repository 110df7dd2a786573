package aggregate

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"lbsync/internal/chain"
	"lbsync/internal/dex"
	"lbsync/internal/model"
	"lbsync/internal/storage"
)

// tokenResolver serves token metadata from memory, then the token table,
// then the chain. Chain reads are written back to the table.
type tokenResolver struct {
	chain  string
	reader chain.Reader
	store  storage.TokenStore
	cache  *dex.TokenMetaCache
	logger *zap.Logger
}

func newTokenResolver(chainName string, reader chain.Reader, store storage.TokenStore, logger *zap.Logger) *tokenResolver {
	return &tokenResolver{
		chain:  chainName,
		reader: reader,
		store:  store,
		cache:  dex.NewTokenMetaCache(),
		logger: logger,
	}
}

func (r *tokenResolver) resolve(ctx context.Context, token string) model.TokenMeta {
	if !common.IsHexAddress(token) {
		return model.UnknownToken(r.chain, token)
	}
	addr := common.HexToAddress(token)
	if meta, ok := r.cache.Get(addr); ok {
		return meta
	}

	meta, err := r.store.GetToken(ctx, r.chain, addr.Hex())
	if err == nil {
		r.cache.Set(addr, meta)
		return meta
	}
	if !errors.Is(err, storage.ErrNotFound) {
		r.logger.Warn("read token", zap.String("token", token), zap.Error(err))
	}

	meta = dex.ResolveTokenMeta(ctx, r.reader, r.chain, addr, r.cache, r.logger)
	if err := r.store.UpsertToken(ctx, meta); err != nil {
		r.logger.Warn("store token", zap.String("token", token), zap.Error(err))
	}
	return meta
}
