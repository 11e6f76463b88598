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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rxindexer/rxindexer/internal/common"
	"github.com/rxindexer/rxindexer/internal/glyph"
	"github.com/rxindexer/rxindexer/internal/parser"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	store, err := open("file::memory:?_busy_timeout=5000", false)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testHash(fill byte) string {
	return strings.Repeat(string([]byte{hexDigit(fill >> 4), hexDigit(fill & 0xf)}), 32)
}

func hexDigit(n byte) byte {
	if n < 10 {
		return '0' + n
	}
	return 'a' + n - 10
}

func amount(t *testing.T, s string) common.Amount {
	t.Helper()
	amt, err := common.ParseAmount(s)
	require.NoError(t, err)
	return amt
}

// blockMutation builds a mutation with hash derived from the height so
// chains of consecutive heights link up
func blockMutation(
	height int64,
	hashFill byte,
	prevFill byte,
	txs ...parser.TxMutation,
) *parser.BlockMutation {
	return &parser.BlockMutation{
		Block: parser.BlockRecord{
			Hash:      testHash(hashFill),
			Height:    height,
			PrevHash:  testHash(prevFill),
			Timestamp: 1700000000 + height*60,
			ChainWork: "0100",
			TxCount:   len(txs),
		},
		Txs: txs,
	}
}

func txMutation(
	txid string,
	blockHeight int64,
	blockHash string,
	spends []parser.Spend,
	credits []parser.Credit,
	events ...parser.TokenEvent,
) parser.TxMutation {
	for i := range credits {
		credits[i].TxID = txid
		credits[i].BlockHeight = blockHeight
		credits[i].BlockHash = blockHash
	}
	return parser.TxMutation{
		Tx: parser.TxRecord{
			TxID:        txid,
			BlockHash:   blockHash,
			BlockHeight: blockHeight,
			InputCount:  len(spends),
			OutputCount: len(credits),
		},
		Spends:  spends,
		Credits: credits,
		Events:  events,
	}
}

func TestCommitAdvancesTip(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	_, err := store.GetTip(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	for height := int64(0); height <= 2; height++ {
		mutation := blockMutation(height, byte(height+1), byte(height))
		require.NoError(t, store.CommitBlock(ctx, mutation))

		tip, err := store.GetTip(ctx)
		require.NoError(t, err)
		assert.Equal(t, height, tip.Height)
		assert.Equal(t, mutation.Block.Hash, tip.Hash)
	}
}

func TestCommitIdempotent(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	coinbase := testHash(0xc0)
	genesis := blockMutation(0, 1, 0, txMutation(
		coinbase, 0, testHash(1), nil,
		[]parser.Credit{
			{Vout: 0, Address: "addrA", Amount: amount(t, "50.00000000")},
		},
	))
	require.NoError(t, store.CommitBlock(ctx, genesis))
	require.NoError(t, store.CommitBlock(ctx, genesis))

	var utxoCount int64
	require.NoError(t, store.db.
		QueryRow(`SELECT COUNT(*) FROM utxos`).
		Scan(&utxoCount))
	assert.Equal(t, int64(1), utxoCount)

	tip, err := store.GetTip(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), tip.Height)
}

func TestCommitConflictingBlock(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	require.NoError(t, store.CommitBlock(ctx, blockMutation(0, 1, 0)))
	err := store.CommitBlock(ctx, blockMutation(0, 0x99, 0))
	assert.ErrorIs(t, err, ErrConflictingBlock)
}

func TestCommitMissingPrevout(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	spender := testHash(0xa1)
	mutation := blockMutation(0, 1, 0, txMutation(
		spender, 0, testHash(1),
		[]parser.Spend{{
			PrevTxID:    testHash(0xee),
			PrevVout:    0,
			SpenderTxID: spender,
		}},
		nil,
	))
	err := store.CommitBlock(ctx, mutation)
	assert.ErrorIs(t, err, ErrMissingPrevout)

	// The failed commit must leave no partial state behind
	_, err = store.GetTip(ctx)
	assert.ErrorIs(t, err, ErrNotFound)
	var txCount int64
	require.NoError(t, store.db.
		QueryRow(`SELECT COUNT(*) FROM transactions`).
		Scan(&txCount))
	assert.Equal(t, int64(0), txCount)
}

func TestSpendMarksUtxo(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	coinbase := testHash(0xc0)
	require.NoError(t, store.CommitBlock(ctx, blockMutation(0, 1, 0,
		txMutation(coinbase, 0, testHash(1), nil, []parser.Credit{
			{Vout: 0, Address: "addrA", Amount: amount(t, "50.00000000")},
		}),
	)))

	spender := testHash(0xa1)
	require.NoError(t, store.CommitBlock(ctx, blockMutation(1, 2, 1,
		txMutation(spender, 1, testHash(2),
			[]parser.Spend{{
				PrevTxID: coinbase, PrevVout: 0, SpenderTxID: spender,
			}},
			[]parser.Credit{
				{Vout: 0, Address: "addrB", Amount: amount(t, "49.99990000")},
			},
		),
	)))

	var (
		spent   bool
		spentBy string
	)
	require.NoError(t, store.db.
		QueryRow(
			`SELECT spent, spent_by_txid FROM utxos WHERE txid = ? AND vout = 0`,
			coinbase,
		).
		Scan(&spent, &spentBy))
	assert.True(t, spent)
	assert.Equal(t, spender, spentBy)
}

func TestDoubleSpendIsIntegrityViolation(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	coinbase := testHash(0xc0)
	require.NoError(t, store.CommitBlock(ctx, blockMutation(0, 1, 0,
		txMutation(coinbase, 0, testHash(1), nil, []parser.Credit{
			{Vout: 0, Address: "addrA", Amount: amount(t, "50.00000000")},
		}),
	)))
	require.NoError(t, store.CommitBlock(ctx, blockMutation(1, 2, 1,
		txMutation(testHash(0xa1), 1, testHash(2),
			[]parser.Spend{{
				PrevTxID: coinbase, PrevVout: 0, SpenderTxID: testHash(0xa1),
			}},
			nil,
		),
	)))

	err := store.CommitBlock(ctx, blockMutation(2, 3, 2,
		txMutation(testHash(0xa2), 2, testHash(3),
			[]parser.Spend{{
				PrevTxID: coinbase, PrevVout: 0, SpenderTxID: testHash(0xa2),
			}},
			nil,
		),
	))
	assert.ErrorIs(t, err, ErrIntegrityViolation)
}

func TestUnwindRestoresUtxoSet(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	coinbase := testHash(0xc0)
	require.NoError(t, store.CommitBlock(ctx, blockMutation(0, 1, 0,
		txMutation(coinbase, 0, testHash(1), nil, []parser.Credit{
			{Vout: 0, Address: "addrA", Amount: amount(t, "50.00000000")},
		}),
	)))
	spender := testHash(0xa1)
	require.NoError(t, store.CommitBlock(ctx, blockMutation(1, 2, 1,
		txMutation(spender, 1, testHash(2),
			[]parser.Spend{{
				PrevTxID: coinbase, PrevVout: 0, SpenderTxID: spender,
			}},
			[]parser.Credit{
				{Vout: 0, Address: "addrB", Amount: amount(t, "49.99990000")},
			},
		),
	)))

	require.NoError(t, store.UnwindTo(ctx, 0))

	tip, err := store.GetTip(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), tip.Height)
	assert.Equal(t, testHash(1), tip.Hash)

	// The spend is cleared and the spender's output is gone
	var (
		spent     bool
		utxoCount int64
	)
	require.NoError(t, store.db.
		QueryRow(
			`SELECT spent FROM utxos WHERE txid = ? AND vout = 0`, coinbase,
		).
		Scan(&spent))
	assert.False(t, spent)
	require.NoError(t, store.db.
		QueryRow(`SELECT COUNT(*) FROM utxos`).
		Scan(&utxoCount))
	assert.Equal(t, int64(1), utxoCount)
}

func TestUnwindToEmpty(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	require.NoError(t, store.CommitBlock(ctx, blockMutation(0, 1, 0)))
	require.NoError(t, store.UnwindTo(ctx, -1))

	_, err := store.GetTip(ctx)
	assert.ErrorIs(t, err, ErrNotFound)
}

func mintEvent(
	t *testing.T,
	ref common.TokenRef,
	txid string,
	vout uint32,
	height int64,
) parser.TokenEvent {
	t.Helper()
	return parser.TokenEvent{
		Kind: parser.TokenEventMint,
		Ref:  ref,
		TxID: txid,
		Vout: vout,
		Descriptor: &glyph.TokenDescriptor{
			Type:     glyph.TokenTypeFungible,
			Name:     "Test",
			Decimals: 8,
			Supply:   1000000,
		},
		RawMetadata: []byte{0xa0},
		BlockHeight: height,
	}
}

func TestTokenLifecycleAndUnwind(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	genesisTxid := testHash(0xee)
	mintTxid := testHash(0xb1)
	ref := common.NewTokenRef(genesisTxid, 0)

	require.NoError(t, store.CommitBlock(ctx, blockMutation(0, 1, 0,
		txMutation(genesisTxid, 0, testHash(1), nil, []parser.Credit{
			{Vout: 0, Address: "addrA", Amount: amount(t, "1.00000000")},
		}),
	)))
	require.NoError(t, store.CommitBlock(ctx, blockMutation(1, 2, 1,
		txMutation(mintTxid, 1, testHash(2),
			[]parser.Spend{{
				PrevTxID: genesisTxid, PrevVout: 0, SpenderTxID: mintTxid,
			}},
			[]parser.Credit{{
				Vout: 0, Address: "addrA",
				Amount: amount(t, "0.00000001"), TokenRef: ref,
			}},
			mintEvent(t, ref, mintTxid, 0, 1),
		),
	)))

	token, err := store.GetToken(ctx, string(ref))
	require.NoError(t, err)
	assert.Equal(t, "fungible", token.Type)
	assert.Equal(t, "Test", token.Name)
	assert.Equal(t, int64(1), token.GenesisBlockHeight)
	assert.Equal(t, genesisTxid, token.GenesisTxID)
	assert.Equal(t, mintTxid, token.CurrentTxID)

	// Transfer the token forward
	transferTxid := testHash(0xb2)
	require.NoError(t, store.CommitBlock(ctx, blockMutation(2, 3, 2,
		txMutation(transferTxid, 2, testHash(3),
			[]parser.Spend{{
				PrevTxID: mintTxid, PrevVout: 0, SpenderTxID: transferTxid,
			}},
			[]parser.Credit{{
				Vout: 0, Address: "addrB",
				Amount: amount(t, "0.00000001"), TokenRef: ref,
			}},
			parser.TokenEvent{
				Kind:        parser.TokenEventTransfer,
				Ref:         ref,
				TxID:        transferTxid,
				Vout:        0,
				From:        common.OutPoint{TxID: mintTxid, Vout: 0},
				BlockHeight: 2,
			},
		),
	)))
	token, err = store.GetToken(ctx, string(ref))
	require.NoError(t, err)
	assert.Equal(t, transferTxid, token.CurrentTxID)

	// Unwinding the transfer reverts the current location
	require.NoError(t, store.UnwindTo(ctx, 1))
	token, err = store.GetToken(ctx, string(ref))
	require.NoError(t, err)
	assert.Equal(t, mintTxid, token.CurrentTxID)
	assert.Equal(t, uint32(0), token.CurrentVout)

	// Unwinding the mint deletes the token
	require.NoError(t, store.UnwindTo(ctx, 0))
	_, err = store.GetToken(ctx, string(ref))
	assert.ErrorIs(t, err, ErrNotFound)
}
