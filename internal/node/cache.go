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

package node

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/rxindexer/rxindexer/internal/logging"
)

// blockCacheTTL bounds cache growth during long catch-up runs; a block
// refetched after expiry is identical, it's keyed by hash
const blockCacheTTL = 24 * time.Hour

// blockCache persists raw verbosity-2 block payloads so a restart during
// initial sync doesn't refetch blocks already downloaded
type blockCache struct {
	db *badger.DB
}

func newBlockCache(dir string) (*blockCache, error) {
	opts := badger.
		DefaultOptions(filepath.Join(dir, "blockcache")).
		WithLogger(newBadgerLogger())
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &blockCache{db: db}, nil
}

func (c *blockCache) Close() error {
	return c.db.Close()
}

func (c *blockCache) Get(hash string) ([]byte, bool) {
	var raw []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(cacheKey(hash))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, false
	}
	return raw, true
}

func (c *blockCache) Set(hash string, raw []byte) error {
	return c.db.Update(func(txn *badger.Txn) error {
		entry := badger.
			NewEntry(cacheKey(hash), raw).
			WithTTL(blockCacheTTL)
		return txn.SetEntry(entry)
	})
}

func (c *blockCache) Delete(hash string) error {
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(cacheKey(hash))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	return err
}

func cacheKey(hash string) []byte {
	return []byte("block:" + hash)
}

// badgerLogger adapts our logger to the badger.Logger interface
type badgerLogger struct {
	logger *slog.Logger
}

func newBadgerLogger() *badgerLogger {
	return &badgerLogger{
		logger: logging.GetLogger().
			With("component", "blockcache"),
	}
}

func (b *badgerLogger) Errorf(msg string, args ...any) {
	b.logger.Error(fmt.Sprintf(msg, args...))
}

func (b *badgerLogger) Warningf(msg string, args ...any) {
	b.logger.Warn(fmt.Sprintf(msg, args...))
}

func (b *badgerLogger) Infof(msg string, args ...any) {
	b.logger.Info(fmt.Sprintf(msg, args...))
}

func (b *badgerLogger) Debugf(msg string, args ...any) {
	b.logger.Debug(fmt.Sprintf(msg, args...))
}
