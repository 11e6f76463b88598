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

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rxindexer/rxindexer/internal/common"
)

// Balance is an address's holdings as answered by the holder table
type Balance struct {
	Address       string
	RxdBalance    common.Amount
	TokenBalances map[string]common.Amount
	UtxoCount     int64
}

// Utxo is one output row
type Utxo struct {
	TxID        string
	Vout        uint32
	Address     string
	Amount      common.Amount
	TokenRef    string
	Spent       bool
	SpentBy     string
	BlockHeight int64
}

// TxDetail is a transaction with resolved input prevouts and output
// spent-status
type TxDetail struct {
	TxID         string
	BlockHash    string
	BlockHeight  int64
	IndexInBlock int
	Timestamp    int64
	Size         int
	LockTime     uint32
	Inputs       []Utxo
	Outputs      []Utxo
}

// TxSummary is the per-block transaction listing row
type TxSummary struct {
	TxID         string
	IndexInBlock int
	InputCount   int
	OutputCount  int
}

// Token is a stored Glyph token record
type Token struct {
	Ref                string
	Type               string
	Protocols          []int
	Metadata           []byte
	Name               string
	Ticker             string
	Decimals           uint8
	Supply             uint64
	GenesisTxID        string
	GenesisBlockHeight int64
	CurrentTxID        string
	CurrentVout        uint32
}

// GetBalance answers from the holder table, falling back to live UTXO
// aggregation for addresses the projection hasn't seen yet
func (s *Store) GetBalance(
	ctx context.Context,
	address string,
) (Balance, error) {
	balance := Balance{
		Address:       address,
		TokenBalances: make(map[string]common.Amount),
	}
	var (
		rxdSats   int64
		tokenJSON string
	)
	err := s.db.
		QueryRowContext(
			ctx,
			`SELECT rxd_balance, token_balances FROM holders
				WHERE address = ?`,
			address,
		).
		Scan(&rxdSats, &tokenJSON)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return s.liveBalance(ctx, address)
	case err != nil:
		return Balance{}, err
	}
	balance.RxdBalance = common.Amount(rxdSats)
	var tokens map[string]int64
	if err := json.Unmarshal([]byte(tokenJSON), &tokens); err != nil {
		return Balance{}, fmt.Errorf(
			"%w: holder %s token balances: %s",
			ErrIntegrityViolation, address, err,
		)
	}
	for ref, sats := range tokens {
		balance.TokenBalances[ref] = common.Amount(sats)
	}
	err = s.db.
		QueryRowContext(
			ctx,
			`SELECT COALESCE(utxo_count, 0) FROM address_balances
				WHERE address = ?`,
			address,
		).
		Scan(&balance.UtxoCount)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Balance{}, err
	}
	return balance, nil
}

// liveBalance aggregates straight off the UTXO table for addresses absent
// from the projection (seen since the last refresh)
func (s *Store) liveBalance(
	ctx context.Context,
	address string,
) (Balance, error) {
	balance := Balance{
		Address:       address,
		TokenBalances: make(map[string]common.Amount),
	}
	err := s.db.
		QueryRowContext(
			ctx,
			`SELECT COALESCE(SUM(amount), 0), COUNT(*)
				FROM utxos
				WHERE address = ? AND spent = 0 AND token_ref IS NULL`,
			address,
		).
		Scan(&balance.RxdBalance, &balance.UtxoCount)
	if err != nil {
		return Balance{}, err
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT token_ref, SUM(amount) FROM utxos
			WHERE address = ? AND spent = 0 AND token_ref IS NOT NULL
			GROUP BY token_ref`,
		address,
	)
	if err != nil {
		return Balance{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			ref  string
			sats int64
		)
		if err := rows.Scan(&ref, &sats); err != nil {
			return Balance{}, err
		}
		balance.TokenBalances[ref] = common.Amount(sats)
	}
	return balance, rows.Err()
}

// ListUtxos pages through an address's outputs with stable
// (block_height, txid, vout) ordering. Returns the page and the total row
// count for the filter.
func (s *Store) ListUtxos(
	ctx context.Context,
	address string,
	unspentOnly bool,
	page int,
	pageSize int,
) ([]Utxo, int64, error) {
	if page < 1 {
		page = 1
	}
	filter := `WHERE address = ?`
	if unspentOnly {
		filter += ` AND spent = 0`
	}
	var total int64
	err := s.db.
		QueryRowContext(
			ctx, `SELECT COUNT(*) FROM utxos `+filter, address,
		).
		Scan(&total)
	if err != nil {
		return nil, 0, err
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT txid, vout, COALESCE(address, ''), amount,
			COALESCE(token_ref, ''), spent, COALESCE(spent_by_txid, ''),
			block_height
			FROM utxos `+filter+`
			ORDER BY block_height, txid, vout
			LIMIT ? OFFSET ?`,
		address, pageSize, (page-1)*pageSize,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	utxos, err := scanUtxos(rows)
	return utxos, total, err
}

// GetTransaction resolves a transaction's inputs via the spent_by index and
// returns its outputs with spent-status
func (s *Store) GetTransaction(
	ctx context.Context,
	txid string,
) (TxDetail, error) {
	var detail TxDetail
	err := s.db.
		QueryRowContext(
			ctx,
			`SELECT txid, block_hash, block_height, index_in_block,
				timestamp, size, locktime
				FROM transactions WHERE txid = ?`,
			txid,
		).
		Scan(
			&detail.TxID, &detail.BlockHash, &detail.BlockHeight,
			&detail.IndexInBlock, &detail.Timestamp, &detail.Size,
			&detail.LockTime,
		)
	if errors.Is(err, sql.ErrNoRows) {
		return TxDetail{}, ErrNotFound
	}
	if err != nil {
		return TxDetail{}, err
	}
	inputs, err := s.utxosWhere(
		ctx, `spent_by_txid = ? ORDER BY txid, vout`, txid,
	)
	if err != nil {
		return TxDetail{}, err
	}
	detail.Inputs = inputs
	outputs, err := s.utxosWhere(ctx, `txid = ? ORDER BY vout`, txid)
	if err != nil {
		return TxDetail{}, err
	}
	detail.Outputs = outputs
	return detail, nil
}

func (s *Store) utxosWhere(
	ctx context.Context,
	where string,
	args ...any,
) ([]Utxo, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT txid, vout, COALESCE(address, ''), amount,
			COALESCE(token_ref, ''), spent, COALESCE(spent_by_txid, ''),
			block_height
			FROM utxos WHERE `+where,
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanUtxos(rows)
}

func scanUtxos(rows *sql.Rows) ([]Utxo, error) {
	var utxos []Utxo
	for rows.Next() {
		var u Utxo
		if err := rows.Scan(
			&u.TxID, &u.Vout, &u.Address, &u.Amount, &u.TokenRef,
			&u.Spent, &u.SpentBy, &u.BlockHeight,
		); err != nil {
			return nil, err
		}
		utxos = append(utxos, u)
	}
	return utxos, rows.Err()
}

// GetToken returns a token record by canonical ref
func (s *Store) GetToken(ctx context.Context, ref string) (Token, error) {
	var (
		token     Token
		protocols string
	)
	err := s.db.
		QueryRowContext(
			ctx,
			`SELECT ref, type, protocols, metadata, name, ticker, decimals,
				supply, genesis_txid, genesis_block_height,
				current_txid, current_vout
				FROM tokens WHERE ref = ?`,
			ref,
		).
		Scan(
			&token.Ref, &token.Type, &protocols, &token.Metadata,
			&token.Name, &token.Ticker, &token.Decimals, &token.Supply,
			&token.GenesisTxID, &token.GenesisBlockHeight,
			&token.CurrentTxID, &token.CurrentVout,
		)
	if errors.Is(err, sql.ErrNoRows) {
		return Token{}, ErrNotFound
	}
	if err != nil {
		return Token{}, err
	}
	if err := json.Unmarshal([]byte(protocols), &token.Protocols); err != nil {
		return Token{}, fmt.Errorf(
			"%w: token %s protocols: %s", ErrIntegrityViolation, ref, err,
		)
	}
	return token, nil
}

// GetBlockTxs pages through a block's transactions in block order
func (s *Store) GetBlockTxs(
	ctx context.Context,
	height int64,
	page int,
	pageSize int,
) ([]TxSummary, int64, error) {
	if page < 1 {
		page = 1
	}
	var total int64
	err := s.db.
		QueryRowContext(
			ctx,
			`SELECT COUNT(*) FROM transactions WHERE block_height = ?`,
			height,
		).
		Scan(&total)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		// Distinguish an unknown height from an empty page
		if _, err := s.BlockHashAt(ctx, height); err != nil {
			return nil, 0, err
		}
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT txid, index_in_block, input_count, output_count
			FROM transactions
			WHERE block_height = ?
			ORDER BY index_in_block
			LIMIT ? OFFSET ?`,
		height, pageSize, (page-1)*pageSize,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var summaries []TxSummary
	for rows.Next() {
		var summary TxSummary
		if err := rows.Scan(
			&summary.TxID, &summary.IndexInBlock,
			&summary.InputCount, &summary.OutputCount,
		); err != nil {
			return nil, 0, err
		}
		summaries = append(summaries, summary)
	}
	return summaries, total, rows.Err()
}
