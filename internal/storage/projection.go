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
	"encoding/json"
	"fmt"
	"time"

	"github.com/rxindexer/rxindexer/internal/common"
)

// projectionName keys the refresh-tracking row for the address-balance
// projection
const projectionName = "address_balances"

// RefreshBalanceProjection recomputes the materialized address-balance
// snapshot from the unspent set and reconciles the holder table.
//
// Refreshes are single-writer: the refreshing flag in projection_refresh
// serializes them, and a second caller returns false immediately instead of
// blocking. Without force, a refresh is also skipped until the configured
// minimum interval has elapsed since the last one.
func (s *Store) RefreshBalanceProjection(
	ctx context.Context,
	force bool,
) (bool, error) {
	now := time.Now()
	earliest := now.Add(-s.refreshMinInterval).Unix()
	result, err := s.db.ExecContext(
		ctx,
		`UPDATE projection_refresh SET refreshing = 1
			WHERE name = ? AND refreshing = 0
			AND (? OR last_refreshed_at <= ?)`,
		projectionName, force, earliest,
	)
	if err != nil {
		return false, err
	}
	claimed, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if claimed == 0 {
		return false, nil
	}
	defer func() {
		_, clearErr := s.db.Exec(
			`UPDATE projection_refresh SET refreshing = 0 WHERE name = ?`,
			projectionName,
		)
		if clearErr != nil {
			s.logger.Error(
				"failed to clear projection refresh flag",
				"error", clearErr,
			)
		}
	}()

	if err := s.recomputeProjection(ctx, now); err != nil {
		return false, err
	}
	if err := s.refreshTokenBalances(ctx, now); err != nil {
		return false, err
	}
	_, err = s.db.ExecContext(
		ctx,
		`UPDATE projection_refresh SET last_refreshed_at = ? WHERE name = ?`,
		now.Unix(), projectionName,
	)
	if err != nil {
		return false, err
	}
	s.logger.Debug("balance projection refreshed")
	return true, nil
}

// recomputeProjection rebuilds address_balances and reconciles rxd_balance
// in the holder table. Runs in one transaction so readers never observe a
// half-rebuilt projection.
func (s *Store) recomputeProjection(ctx context.Context, now time.Time) error {
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer dbTx.Rollback()

	if _, err := dbTx.ExecContext(
		ctx, `DELETE FROM address_balances`,
	); err != nil {
		return err
	}
	if _, err := dbTx.ExecContext(
		ctx,
		`INSERT INTO address_balances (
			address, total_balance, utxo_count, last_refreshed_at
		)
		SELECT address, SUM(amount), COUNT(*), ?
			FROM utxos
			WHERE spent = 0 AND token_ref IS NULL AND address IS NOT NULL
			GROUP BY address`,
		now.Unix(),
	); err != nil {
		return fmt.Errorf("rebuilding address balances: %w", err)
	}
	if _, err := dbTx.ExecContext(
		ctx,
		`INSERT INTO holders (
			address, rxd_balance, first_seen_at, last_seen_at
		)
		SELECT address, total_balance, ?, ? FROM address_balances WHERE 1
		ON CONFLICT (address) DO UPDATE SET
			rxd_balance = excluded.rxd_balance,
			last_seen_at = excluded.last_seen_at`,
		now.Unix(), now.Unix(),
	); err != nil {
		return fmt.Errorf("reconciling holders: %w", err)
	}
	// Addresses that spent everything keep their row for history
	if _, err := dbTx.ExecContext(
		ctx,
		`UPDATE holders SET rxd_balance = 0
			WHERE rxd_balance != 0
			AND address NOT IN (SELECT address FROM address_balances)`,
	); err != nil {
		return err
	}
	return dbTx.Commit()
}

// refreshTokenBalances aggregates unspent token-bearing UTXOs by holder.
// Independent of the RXD projection; an address holding only tokens still
// gets a holder row.
func (s *Store) refreshTokenBalances(ctx context.Context, now time.Time) error {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT address, token_ref, SUM(amount)
			FROM utxos
			WHERE spent = 0 AND token_ref IS NOT NULL AND address IS NOT NULL
			GROUP BY address, token_ref`,
	)
	if err != nil {
		return err
	}
	defer rows.Close()
	balances := make(map[string]map[string]int64)
	for rows.Next() {
		var (
			address string
			ref     string
			amount  int64
		)
		if err := rows.Scan(&address, &ref, &amount); err != nil {
			return err
		}
		if balances[address] == nil {
			balances[address] = make(map[string]int64)
		}
		balances[address][ref] = amount
	}
	if err := rows.Err(); err != nil {
		return err
	}

	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer dbTx.Rollback()
	if _, err := dbTx.ExecContext(
		ctx,
		`UPDATE holders SET token_balances = '{}'
			WHERE token_balances != '{}'`,
	); err != nil {
		return err
	}
	upsert, err := dbTx.PrepareContext(ctx, `
		INSERT INTO holders (
			address, token_balances, first_seen_at, last_seen_at
		) VALUES (?, ?, ?, ?)
		ON CONFLICT (address) DO UPDATE SET
			token_balances = excluded.token_balances,
			last_seen_at = excluded.last_seen_at`,
	)
	if err != nil {
		return err
	}
	defer upsert.Close()
	for address, tokens := range balances {
		encoded, err := json.Marshal(tokens)
		if err != nil {
			return err
		}
		if _, err := upsert.ExecContext(
			ctx, address, string(encoded), now.Unix(), now.Unix(),
		); err != nil {
			return err
		}
	}
	return dbTx.Commit()
}

// CountHolders answers "how many addresses hold asset with balance >= min".
// For RXD the materialized projection is authoritative; for tokens the
// holder table's token_balances aggregation is.
func (s *Store) CountHolders(
	ctx context.Context,
	asset string,
	minBalance common.Amount,
) (int64, error) {
	var count int64
	if asset == "RXD" {
		err := s.db.
			QueryRowContext(
				ctx,
				`SELECT COUNT(*) FROM address_balances WHERE total_balance >= ?`,
				minBalance.Sats(),
			).
			Scan(&count)
		return count, err
	}
	err := s.db.
		QueryRowContext(
			ctx,
			`SELECT COUNT(*) FROM holders
				WHERE CAST(json_extract(token_balances, ?) AS INTEGER) >= ?
				AND json_extract(token_balances, ?) IS NOT NULL`,
			jsonPath(asset), minBalance.Sats(), jsonPath(asset),
		).
		Scan(&count)
	return count, err
}

// LastRefreshedAt reports when the projection last completed a refresh
func (s *Store) LastRefreshedAt(ctx context.Context) (time.Time, error) {
	var unix int64
	err := s.db.
		QueryRowContext(
			ctx,
			`SELECT last_refreshed_at FROM projection_refresh WHERE name = ?`,
			projectionName,
		).
		Scan(&unix)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(unix, 0), nil
}

// jsonPath quotes a token ref for use as a json_extract path
func jsonPath(ref string) string {
	return `$."` + ref + `"`
}
