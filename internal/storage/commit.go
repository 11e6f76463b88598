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
	"time"

	"github.com/rxindexer/rxindexer/internal/common"
	"github.com/rxindexer/rxindexer/internal/parser"
)

// Tip is the indexed chain tip from the sync_state singleton
type Tip struct {
	Height    int64
	Hash      string
	ChainWork string
}

// SyncStatus is the full sync_state row, exposed through the health endpoint
type SyncStatus struct {
	Height    int64
	Hash      string
	ChainWork string
	IsSyncing bool
	LastError string
	UpdatedAt time.Time
}

// CommitBlock applies one block's mutation atomically: block and transaction
// records, UTXO credits and spend-marking, token upserts and the sync_state
// advance all commit or roll back together.
//
// Re-committing a block already stored with the same hash is a no-op, which
// makes retries after transient failures safe.
func (s *Store) CommitBlock(
	ctx context.Context,
	mutation *parser.BlockMutation,
) error {
	block := mutation.Block
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer dbTx.Rollback()

	var existingHash string
	err = dbTx.
		QueryRowContext(
			ctx,
			`SELECT hash FROM blocks WHERE height = ?`,
			block.Height,
		).
		Scan(&existingHash)
	switch {
	case err == nil && existingHash == block.Hash:
		// Replay of an already-committed block
		return nil
	case err == nil:
		return fmt.Errorf(
			"%w: height %d has %s, got %s",
			ErrConflictingBlock, block.Height, existingHash, block.Hash,
		)
	case !errors.Is(err, sql.ErrNoRows):
		return err
	}

	if _, err := dbTx.ExecContext(
		ctx,
		`INSERT INTO blocks (
			hash, height, prev_hash, merkle_root, timestamp,
			version, bits, nonce, chainwork, tx_count
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		block.Hash, block.Height, block.PrevHash, block.MerkleRoot,
		block.Timestamp, block.Version, block.Bits, block.Nonce,
		block.ChainWork, block.TxCount,
	); err != nil {
		return fmt.Errorf("inserting block %s: %w", block.Hash, err)
	}

	insertTx, err := dbTx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO transactions (
			txid, block_hash, block_height, index_in_block, timestamp,
			size, locktime, input_count, output_count
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return err
	}
	defer insertTx.Close()
	insertUtxo, err := dbTx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO utxos (
			txid, vout, address, amount, token_ref, block_height, block_hash
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return err
	}
	defer insertUtxo.Close()

	for txIdx := range mutation.Txs {
		txMut := &mutation.Txs[txIdx]
		if _, err := insertTx.ExecContext(
			ctx,
			txMut.Tx.TxID, txMut.Tx.BlockHash, txMut.Tx.BlockHeight,
			txMut.Tx.IndexInBlock, txMut.Tx.Timestamp, txMut.Tx.Size,
			txMut.Tx.LockTime, txMut.Tx.InputCount, txMut.Tx.OutputCount,
		); err != nil {
			return fmt.Errorf("inserting tx %s: %w", txMut.Tx.TxID, err)
		}
		for _, spend := range txMut.Spends {
			if err := s.applySpend(ctx, dbTx, spend); err != nil {
				return err
			}
		}
		for _, credit := range txMut.Credits {
			if _, err := insertUtxo.ExecContext(
				ctx,
				credit.TxID, credit.Vout, nullString(credit.Address),
				credit.Amount.Sats(), nullString(string(credit.TokenRef)),
				credit.BlockHeight, credit.BlockHash,
			); err != nil {
				return fmt.Errorf(
					"inserting utxo %s:%d: %w", credit.TxID, credit.Vout, err,
				)
			}
		}
		for _, event := range txMut.Events {
			if err := s.applyTokenEvent(ctx, dbTx, &event); err != nil {
				return err
			}
		}
	}

	if err := setSyncTip(
		ctx, dbTx, block.Height, block.Hash, block.ChainWork,
	); err != nil {
		return err
	}
	return dbTx.Commit()
}

func (s *Store) applySpend(
	ctx context.Context,
	dbTx *sql.Tx,
	spend parser.Spend,
) error {
	var (
		spent       bool
		spentByTxid sql.NullString
	)
	err := dbTx.
		QueryRowContext(
			ctx,
			`SELECT spent, spent_by_txid FROM utxos WHERE txid = ? AND vout = ?`,
			spend.PrevTxID, spend.PrevVout,
		).
		Scan(&spent, &spentByTxid)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf(
			"%w: %s:%d spent by %s",
			ErrMissingPrevout, spend.PrevTxID, spend.PrevVout, spend.SpenderTxID,
		)
	}
	if err != nil {
		return err
	}
	if spent {
		if spentByTxid.String == spend.SpenderTxID {
			return nil
		}
		return fmt.Errorf(
			"%w: %s:%d already spent by %s, now claimed by %s",
			ErrIntegrityViolation, spend.PrevTxID, spend.PrevVout,
			spentByTxid.String, spend.SpenderTxID,
		)
	}
	_, err = dbTx.ExecContext(
		ctx,
		`UPDATE utxos SET spent = 1, spent_by_txid = ?
			WHERE txid = ? AND vout = ?`,
		spend.SpenderTxID, spend.PrevTxID, spend.PrevVout,
	)
	return err
}

func (s *Store) applyTokenEvent(
	ctx context.Context,
	dbTx *sql.Tx,
	event *parser.TokenEvent,
) error {
	switch event.Kind {
	case parser.TokenEventMint:
		protocols, err := json.Marshal(event.Descriptor.Protocols)
		if err != nil {
			return err
		}
		genesisTxid := string(event.Ref)
		if outpoint, err := event.Ref.Outpoint(); err == nil {
			genesisTxid = outpoint.TxID
		}
		result, err := dbTx.ExecContext(
			ctx,
			`INSERT OR IGNORE INTO tokens (
				ref, type, protocols, metadata, name, ticker, decimals,
				supply, genesis_txid, genesis_block_height,
				current_txid, current_vout
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			string(event.Ref), string(event.Descriptor.Type), string(protocols),
			event.RawMetadata, event.Descriptor.Name, event.Descriptor.Ticker,
			event.Descriptor.Decimals, event.Descriptor.Supply,
			genesisTxid, event.BlockHeight, event.TxID, event.Vout,
		)
		if err != nil {
			return fmt.Errorf("inserting token %s: %w", event.Ref, err)
		}
		inserted, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if inserted == 0 {
			// Re-reveal of a known token; genesis stays immutable
			return nil
		}
		return s.recordTokenMutation(ctx, dbTx, event, nil)
	case parser.TokenEventTransfer:
		result, err := dbTx.ExecContext(
			ctx,
			`UPDATE tokens SET current_txid = ?, current_vout = ?
				WHERE ref = ?`,
			event.TxID, event.Vout, string(event.Ref),
		)
		if err != nil {
			return err
		}
		updated, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if updated == 0 {
			// Ref moved before its reveal was indexed; the UTXO row still
			// tracks it via token_ref
			s.logger.Debug(
				"transfer of unknown token",
				"ref", event.Ref,
				"txid", event.TxID,
			)
			return nil
		}
		return s.recordTokenMutation(ctx, dbTx, event, &event.From)
	case parser.TokenEventBurn:
		return s.recordTokenMutation(ctx, dbTx, event, &event.From)
	}
	return fmt.Errorf("%w: unknown token event kind", ErrIntegrityViolation)
}

// recordTokenMutation appends to the token mutation log that UnwindTo
// replays backward. prev is nil for mints, which have no prior location.
func (s *Store) recordTokenMutation(
	ctx context.Context,
	dbTx *sql.Tx,
	event *parser.TokenEvent,
	prev *common.OutPoint,
) error {
	var (
		prevTxid any
		prevVout any
	)
	if prev != nil {
		prevTxid = prev.TxID
		prevVout = prev.Vout
	}
	_, err := dbTx.ExecContext(
		ctx,
		`INSERT INTO token_mutations (
			ref, kind, block_height, txid, vout, prev_txid, prev_vout
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(event.Ref), event.Kind.String(), event.BlockHeight,
		event.TxID, event.Vout, prevTxid, prevVout,
	)
	return err
}

func setSyncTip(
	ctx context.Context,
	dbTx *sql.Tx,
	height int64,
	hash string,
	chainwork string,
) error {
	_, err := dbTx.ExecContext(
		ctx,
		`INSERT INTO sync_state (
			id, current_height, current_hash, current_chainwork,
			last_updated_at
		) VALUES (1, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			current_height = excluded.current_height,
			current_hash = excluded.current_hash,
			current_chainwork = excluded.current_chainwork,
			last_error = '',
			last_updated_at = excluded.last_updated_at`,
		height, hash, chainwork, time.Now().Unix(),
	)
	return err
}

// UnwindTo rolls storage back so the indexed tip is exactly height. UTXOs
// created above the height are deleted, spends applied above it are cleared,
// token state is replayed backward from the mutation log, and transactions
// and blocks above it are removed. Unwinding to -1 empties the store.
func (s *Store) UnwindTo(ctx context.Context, height int64) error {
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer dbTx.Rollback()

	var (
		targetHash      string
		targetChainwork string
	)
	if height >= 0 {
		err = dbTx.
			QueryRowContext(
				ctx,
				`SELECT hash, chainwork FROM blocks WHERE height = ?`,
				height,
			).
			Scan(&targetHash, &targetChainwork)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf(
				"%w: unwind target height %d not stored",
				ErrIntegrityViolation, height,
			)
		}
		if err != nil {
			return err
		}
	}

	// Clear spends applied by transactions above the target before deleting
	// those transactions
	if _, err := dbTx.ExecContext(
		ctx,
		`UPDATE utxos SET spent = 0, spent_by_txid = NULL
			WHERE spent_by_txid IN (
				SELECT txid FROM transactions WHERE block_height > ?
			)`,
		height,
	); err != nil {
		return fmt.Errorf("clearing unwound spends: %w", err)
	}
	if _, err := dbTx.ExecContext(
		ctx,
		`DELETE FROM utxos WHERE block_height > ?`,
		height,
	); err != nil {
		return fmt.Errorf("deleting unwound utxos: %w", err)
	}
	if err := s.unwindTokens(ctx, dbTx, height); err != nil {
		return err
	}
	if _, err := dbTx.ExecContext(
		ctx,
		`DELETE FROM transactions WHERE block_height > ?`,
		height,
	); err != nil {
		return err
	}
	if _, err := dbTx.ExecContext(
		ctx,
		`DELETE FROM blocks WHERE height > ?`,
		height,
	); err != nil {
		return err
	}

	if height < 0 {
		if _, err := dbTx.ExecContext(
			ctx, `DELETE FROM sync_state WHERE id = 1`,
		); err != nil {
			return err
		}
		return dbTx.Commit()
	}
	if err := setSyncTip(
		ctx, dbTx, height, targetHash, targetChainwork,
	); err != nil {
		return err
	}
	return dbTx.Commit()
}

// unwindTokens replays the token mutation log backward: minted tokens are
// deleted, moved tokens have their current location restored
func (s *Store) unwindTokens(
	ctx context.Context,
	dbTx *sql.Tx,
	height int64,
) error {
	rows, err := dbTx.QueryContext(
		ctx,
		`SELECT ref, kind, prev_txid, prev_vout FROM token_mutations
			WHERE block_height > ? ORDER BY id DESC`,
		height,
	)
	if err != nil {
		return err
	}
	defer rows.Close()
	type rollback struct {
		ref      string
		kind     string
		prevTxid sql.NullString
		prevVout sql.NullInt64
	}
	var rollbacks []rollback
	for rows.Next() {
		var r rollback
		if err := rows.Scan(&r.ref, &r.kind, &r.prevTxid, &r.prevVout); err != nil {
			return err
		}
		rollbacks = append(rollbacks, r)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for _, r := range rollbacks {
		switch r.kind {
		case "mint":
			if _, err := dbTx.ExecContext(
				ctx, `DELETE FROM tokens WHERE ref = ?`, r.ref,
			); err != nil {
				return err
			}
		default:
			if !r.prevTxid.Valid {
				return fmt.Errorf(
					"%w: token mutation for %s has no previous location",
					ErrIntegrityViolation, r.ref,
				)
			}
			if _, err := dbTx.ExecContext(
				ctx,
				`UPDATE tokens SET current_txid = ?, current_vout = ?
					WHERE ref = ?`,
				r.prevTxid.String, r.prevVout.Int64, r.ref,
			); err != nil {
				return err
			}
		}
	}
	_, err = dbTx.ExecContext(
		ctx,
		`DELETE FROM token_mutations WHERE block_height > ?`,
		height,
	)
	return err
}

// GetTip returns the indexed tip, or ErrNotFound on an empty store
func (s *Store) GetTip(ctx context.Context) (Tip, error) {
	var tip Tip
	err := s.db.
		QueryRowContext(
			ctx,
			`SELECT current_height, current_hash, current_chainwork
				FROM sync_state WHERE id = 1`,
		).
		Scan(&tip.Height, &tip.Hash, &tip.ChainWork)
	if errors.Is(err, sql.ErrNoRows) {
		return Tip{}, ErrNotFound
	}
	return tip, err
}

// BlockHashAt returns the stored block hash at a height
func (s *Store) BlockHashAt(ctx context.Context, height int64) (string, error) {
	var hash string
	err := s.db.
		QueryRowContext(
			ctx, `SELECT hash FROM blocks WHERE height = ?`, height,
		).
		Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return hash, err
}

// SetSyncing flags whether the coordinator is actively catching up
func (s *Store) SetSyncing(ctx context.Context, syncing bool) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE sync_state SET is_syncing = ?, last_updated_at = ?
			WHERE id = 1`,
		syncing, time.Now().Unix(),
	)
	return err
}

// SetLastError records a coordinator failure for the health endpoint.
// Passing an empty string clears it.
func (s *Store) SetLastError(ctx context.Context, message string) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO sync_state (
			id, current_height, current_hash, last_error, last_updated_at
		) VALUES (1, -1, '', ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			last_error = excluded.last_error,
			last_updated_at = excluded.last_updated_at`,
		message, time.Now().Unix(),
	)
	return err
}

// GetSyncStatus returns the full sync_state row for the health endpoint
func (s *Store) GetSyncStatus(ctx context.Context) (SyncStatus, error) {
	var (
		status    SyncStatus
		updatedAt int64
	)
	err := s.db.
		QueryRowContext(
			ctx,
			`SELECT current_height, current_hash, current_chainwork,
				is_syncing, last_error, last_updated_at
				FROM sync_state WHERE id = 1`,
		).
		Scan(
			&status.Height, &status.Hash, &status.ChainWork,
			&status.IsSyncing, &status.LastError, &updatedAt,
		)
	if errors.Is(err, sql.ErrNoRows) {
		return SyncStatus{Height: -1}, nil
	}
	if err != nil {
		return SyncStatus{}, err
	}
	status.UpdatedAt = time.Unix(updatedAt, 0)
	return status, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
