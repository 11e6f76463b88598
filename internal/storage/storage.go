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

// Package storage is the transactional persistence layer: block, transaction
// and UTXO records, token state, the materialized address-balance projection
// and the sync-state singleton. It is the sole mutator of all of those.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/rxindexer/rxindexer/internal/logging"
)

var (
	// ErrConflictingBlock signals a different hash already committed at the
	// height, i.e. a reorg
	ErrConflictingBlock = errors.New("conflicting block at height")
	// ErrMissingPrevout signals a spend referencing an unknown output
	ErrMissingPrevout = errors.New("missing prevout")
	// ErrIntegrityViolation signals storage state the indexer cannot repair
	ErrIntegrityViolation = errors.New("storage integrity violation")
	// ErrNotFound is returned by lookups for unknown identifiers
	ErrNotFound = errors.New("not found")
)

const schema = `
CREATE TABLE IF NOT EXISTS blocks (
	hash TEXT PRIMARY KEY,
	height INTEGER NOT NULL,
	prev_hash TEXT NOT NULL,
	merkle_root TEXT NOT NULL DEFAULT '',
	timestamp INTEGER NOT NULL,
	version INTEGER NOT NULL DEFAULT 0,
	bits TEXT NOT NULL DEFAULT '',
	nonce INTEGER NOT NULL DEFAULT 0,
	chainwork TEXT NOT NULL DEFAULT '',
	tx_count INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS blocks_height ON blocks (height);

CREATE TABLE IF NOT EXISTS transactions (
	txid TEXT PRIMARY KEY,
	block_hash TEXT NOT NULL,
	block_height INTEGER NOT NULL,
	index_in_block INTEGER NOT NULL,
	timestamp INTEGER NOT NULL,
	size INTEGER NOT NULL DEFAULT 0,
	locktime INTEGER NOT NULL DEFAULT 0,
	input_count INTEGER NOT NULL,
	output_count INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS transactions_block_hash
	ON transactions (block_hash);
CREATE INDEX IF NOT EXISTS transactions_block_height
	ON transactions (block_height);

CREATE TABLE IF NOT EXISTS utxos (
	txid TEXT NOT NULL,
	vout INTEGER NOT NULL,
	address TEXT,
	amount INTEGER NOT NULL,
	token_ref TEXT,
	spent INTEGER NOT NULL DEFAULT 0,
	spent_by_txid TEXT,
	block_height INTEGER NOT NULL,
	block_hash TEXT NOT NULL,
	PRIMARY KEY (txid, vout)
);
CREATE INDEX IF NOT EXISTS utxos_address_unspent
	ON utxos (address) WHERE spent = 0;
CREATE INDEX IF NOT EXISTS utxos_token_ref
	ON utxos (token_ref) WHERE token_ref IS NOT NULL;
CREATE INDEX IF NOT EXISTS utxos_block_height ON utxos (block_height);
CREATE INDEX IF NOT EXISTS utxos_spent_by
	ON utxos (spent_by_txid) WHERE spent_by_txid IS NOT NULL;

CREATE TABLE IF NOT EXISTS tokens (
	ref TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	protocols TEXT NOT NULL DEFAULT '[]',
	metadata BLOB,
	name TEXT NOT NULL DEFAULT '',
	ticker TEXT NOT NULL DEFAULT '',
	decimals INTEGER NOT NULL DEFAULT 0,
	supply INTEGER NOT NULL DEFAULT 0,
	genesis_txid TEXT NOT NULL,
	genesis_block_height INTEGER NOT NULL,
	current_txid TEXT NOT NULL,
	current_vout INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS token_mutations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ref TEXT NOT NULL,
	kind TEXT NOT NULL,
	block_height INTEGER NOT NULL,
	txid TEXT NOT NULL,
	vout INTEGER NOT NULL,
	prev_txid TEXT,
	prev_vout INTEGER
);
CREATE INDEX IF NOT EXISTS token_mutations_height
	ON token_mutations (block_height);
CREATE INDEX IF NOT EXISTS token_mutations_ref
	ON token_mutations (ref, id);

CREATE TABLE IF NOT EXISTS address_balances (
	address TEXT PRIMARY KEY,
	total_balance INTEGER NOT NULL,
	utxo_count INTEGER NOT NULL,
	last_refreshed_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS holders (
	address TEXT PRIMARY KEY,
	rxd_balance INTEGER NOT NULL DEFAULT 0,
	token_balances TEXT NOT NULL DEFAULT '{}',
	first_seen_at INTEGER NOT NULL,
	last_seen_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS projection_refresh (
	name TEXT PRIMARY KEY,
	last_refreshed_at INTEGER NOT NULL DEFAULT 0,
	refreshing INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS sync_state (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	current_height INTEGER NOT NULL,
	current_hash TEXT NOT NULL,
	current_chainwork TEXT NOT NULL DEFAULT '',
	is_syncing INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	last_updated_at INTEGER NOT NULL
);
`

// Store wraps the SQLite database. Safe for concurrent use; SQLite's WAL
// mode gives concurrent readers with a single serialized writer, which
// matches the single-committer model.
type Store struct {
	logger             *slog.Logger
	db                 *sql.DB
	refreshMinInterval time.Duration
}

// Open creates or opens the database under dir. With progressive set,
// durability is relaxed (synchronous=OFF) for initial catch-up; the chain
// can always be re-synced from the node, so a torn write is recoverable.
func Open(dir string, progressive bool) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage dir: %w", err)
	}
	dsn := fmt.Sprintf(
		"file:%s?_journal_mode=WAL&_busy_timeout=5000",
		filepath.Join(dir, "rxindexer.db"),
	)
	return open(dsn, progressive)
}

func open(dsn string, progressive bool) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// One writer; WAL readers don't block on it
	db.SetMaxOpenConns(1)
	synchronous := "NORMAL"
	if progressive {
		synchronous = "OFF"
	}
	if _, err := db.Exec(
		fmt.Sprintf("PRAGMA synchronous = %s", synchronous),
	); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting synchronous pragma: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	store := &Store{
		logger: logging.GetLogger().
			With("component", "storage"),
		db:                 db,
		refreshMinInterval: 30 * time.Second,
	}
	if _, err := db.Exec(
		`INSERT OR IGNORE INTO projection_refresh (name) VALUES (?)`,
		projectionName,
	); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// SetRefreshMinInterval overrides the minimum spacing between projection
// refreshes (see RefreshBalanceProjection)
func (s *Store) SetRefreshMinInterval(interval time.Duration) {
	s.refreshMinInterval = interval
}

func (s *Store) Close() error {
	return s.db.Close()
}
