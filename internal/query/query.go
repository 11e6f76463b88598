// Copyright 2025 RXinDexer Developers
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package query sits between the HTTP API and storage: a short-TTL cache
// absorbs hot-key read bursts and singleflight collapses concurrent misses,
// so a popular address or token costs one storage query per TTL window
// regardless of request volume.
package query

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/allegro/bigcache/v3"
	"golang.org/x/sync/singleflight"

	"github.com/rxindexer/rxindexer/internal/common"
	"github.com/rxindexer/rxindexer/internal/logging"
	"github.com/rxindexer/rxindexer/internal/storage"
)

// cacheTTL bounds staleness for cached answers. Reads are allowed to trail
// the chain tip by up to this much.
const cacheTTL = 10 * time.Second

type Service struct {
	logger *slog.Logger
	store  *storage.Store
	cache  *bigcache.BigCache
	group  singleflight.Group
}

func NewService(store *storage.Store) (*Service, error) {
	cacheConfig := bigcache.DefaultConfig(cacheTTL)
	cacheConfig.CleanWindow = time.Minute
	cacheConfig.HardMaxCacheSize = 64 // MB
	cache, err := bigcache.New(context.Background(), cacheConfig)
	if err != nil {
		return nil, fmt.Errorf("creating query cache: %w", err)
	}
	return &Service{
		logger: logging.GetLogger().
			With("component", "query"),
		store: store,
		cache: cache,
	}, nil
}

func (s *Service) Close() error {
	return s.cache.Close()
}

// cached runs fetch through the cache and singleflight. dest must be a
// pointer to the same type fetch returns. Errors (including not-found) are
// never cached.
func (s *Service) cached(
	key string,
	dest any,
	fetch func() (any, error),
) error {
	if raw, err := s.cache.Get(key); err == nil {
		if err := json.Unmarshal(raw, dest); err == nil {
			return nil
		}
		// Corrupt entry: drop it and fall through to storage
		_ = s.cache.Delete(key)
	}
	val, err, _ := s.group.Do(key, func() (any, error) {
		result, err := fetch()
		if err != nil {
			return nil, err
		}
		if raw, err := json.Marshal(result); err == nil {
			if err := s.cache.Set(key, raw); err != nil {
				s.logger.Debug(
					"failed to cache query result",
					"key", key,
					"error", err,
				)
			}
		}
		return result, nil
	})
	if err != nil {
		return err
	}
	// Round-trip through JSON so the shared result is never aliased
	// between callers
	raw, err := json.Marshal(val)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dest)
}

// GetBalance returns an address's RXD and token balances
func (s *Service) GetBalance(
	ctx context.Context,
	address string,
) (storage.Balance, error) {
	var balance storage.Balance
	err := s.cached("balance:"+address, &balance, func() (any, error) {
		return s.store.GetBalance(ctx, address)
	})
	return balance, err
}

// ListUtxos pages through an address's outputs. Paged listings bypass the
// cache; their key space is unbounded.
func (s *Service) ListUtxos(
	ctx context.Context,
	address string,
	unspentOnly bool,
	page int,
	pageSize int,
) ([]storage.Utxo, int64, error) {
	return s.store.ListUtxos(ctx, address, unspentOnly, page, pageSize)
}

// GetTransaction returns a transaction with resolved inputs and outputs
func (s *Service) GetTransaction(
	ctx context.Context,
	txid string,
) (storage.TxDetail, error) {
	var detail storage.TxDetail
	err := s.cached("tx:"+txid, &detail, func() (any, error) {
		return s.store.GetTransaction(ctx, txid)
	})
	return detail, err
}

// GetToken returns a Glyph token record by canonical ref
func (s *Service) GetToken(
	ctx context.Context,
	ref string,
) (storage.Token, error) {
	var token storage.Token
	err := s.cached("token:"+ref, &token, func() (any, error) {
		return s.store.GetToken(ctx, ref)
	})
	return token, err
}

// CountHolders counts addresses holding at least minBalance of an asset
func (s *Service) CountHolders(
	ctx context.Context,
	asset string,
	minBalance common.Amount,
) (int64, error) {
	var count int64
	key := fmt.Sprintf("holders:%s:%d", asset, minBalance.Sats())
	err := s.cached(key, &count, func() (any, error) {
		return s.store.CountHolders(ctx, asset, minBalance)
	})
	return count, err
}

// GetBlockTxs pages through a block's transactions
func (s *Service) GetBlockTxs(
	ctx context.Context,
	height int64,
	page int,
	pageSize int,
) ([]storage.TxSummary, int64, error) {
	return s.store.GetBlockTxs(ctx, height, page, pageSize)
}

// SyncStatus reports indexing progress for the health endpoint. Never
// cached; health checks must see the live state.
func (s *Service) SyncStatus(ctx context.Context) (storage.SyncStatus, error) {
	return s.store.GetSyncStatus(ctx)
}
