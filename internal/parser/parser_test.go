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

package parser

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"strings"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rxindexer/rxindexer/internal/common"
	"github.com/rxindexer/rxindexer/internal/glyph"
	"github.com/rxindexer/rxindexer/internal/node"
	"github.com/rxindexer/rxindexer/internal/script"
)

func testParser() *Parser {
	return New(2, 0)
}

func hexTxid(fill byte) string {
	return strings.Repeat(hex.EncodeToString([]byte{fill}), 32)
}

func p2pkhHex(fill byte) string {
	out := []byte{script.OpDup, script.OpHash160, 0x14}
	out = append(out, bytes.Repeat([]byte{fill}, 20)...)
	out = append(out, script.OpEqualVerify, script.OpCheckSig)
	return hex.EncodeToString(out)
}

// refScriptHex appends an OP_PUSHINPUTREF for the given outpoint to a P2PKH
// template, the shape Radiant token outputs use
func refScriptHex(payeeFill byte, refTxid string, refVout uint32) string {
	out, _ := hex.DecodeString(p2pkhHex(payeeFill))
	out = append(out, script.OpPushInputRef)
	txidBytes, _ := hex.DecodeString(refTxid)
	out = append(out, txidBytes...)
	var vout [4]byte
	binary.LittleEndian.PutUint32(vout[:], refVout)
	out = append(out, vout[:]...)
	return hex.EncodeToString(out)
}

func revealSigHex(t *testing.T, metadata map[string]any) string {
	t.Helper()
	payload, err := cbor.Marshal(metadata)
	require.NoError(t, err)
	require.LessOrEqual(t, len(payload), 0x4b)
	var sig []byte
	sig = append(sig, 0x03)
	sig = append(sig, []byte("gly")...)
	sig = append(sig, byte(len(payload)))
	sig = append(sig, payload...)
	return hex.EncodeToString(sig)
}

func coinbaseTx(txid string, value string, payeeFill byte) node.Transaction {
	return node.Transaction{
		TxID:   txid,
		Size:   120,
		Inputs: []node.TxInput{{Coinbase: "04deadbeef"}},
		Outputs: []node.TxOutput{{
			Value:        json.Number(value),
			N:            0,
			ScriptPubKey: node.ScriptPubKey{Hex: p2pkhHex(payeeFill)},
		}},
	}
}

func testBlock(height int64, txs ...node.Transaction) *node.Block {
	return &node.Block{
		Hash:         hexTxid(byte(height + 1)),
		Height:       height,
		PrevHash:     hexTxid(byte(height)),
		Time:         1700000000 + height*60,
		ChainWork:    "0100",
		Transactions: txs,
	}
}

func TestParseCoinbaseBlock(t *testing.T) {
	block := testBlock(0, coinbaseTx(hexTxid(0xc0), "50.00000000", 0x42))
	mutation, err := testParser().ParseBlock(block)
	require.NoError(t, err)

	assert.Equal(t, block.Hash, mutation.Block.Hash)
	assert.Equal(t, int64(0), mutation.Block.Height)
	assert.Equal(t, 1, mutation.Block.TxCount)
	require.Len(t, mutation.Txs, 1)

	txMut := mutation.Txs[0]
	assert.Empty(t, txMut.Spends)
	assert.Empty(t, txMut.Events)
	require.Len(t, txMut.Credits, 1)
	credit := txMut.Credits[0]
	assert.Equal(t, common.Amount(50*common.SatsPerCoin), credit.Amount)
	assert.NotEmpty(t, credit.Address)
	assert.Empty(t, credit.TokenRef)
}

func TestParseSpendAndCredit(t *testing.T) {
	prevTxid := hexTxid(0xc0)
	spendTxid := hexTxid(0xa1)
	tx := node.Transaction{
		TxID: spendTxid,
		Size: 250,
		Inputs: []node.TxInput{{
			TxID: prevTxid,
			Vout: 0,
		}},
		Outputs: []node.TxOutput{
			{
				Value:        json.Number("25.00000000"),
				N:            0,
				ScriptPubKey: node.ScriptPubKey{Hex: p2pkhHex(0x42)},
			},
			{
				Value:        json.Number("24.99990000"),
				N:            1,
				ScriptPubKey: node.ScriptPubKey{Hex: p2pkhHex(0x43)},
			},
		},
	}
	mutation, err := testParser().ParseBlock(testBlock(3, tx))
	require.NoError(t, err)

	txMut := mutation.Txs[0]
	require.Len(t, txMut.Spends, 1)
	assert.Equal(
		t,
		Spend{PrevTxID: prevTxid, PrevVout: 0, SpenderTxID: spendTxid},
		txMut.Spends[0],
	)
	require.Len(t, txMut.Credits, 2)
	assert.Equal(t, "25.00000000", txMut.Credits[0].Amount.String())
	assert.Equal(t, "24.99990000", txMut.Credits[1].Amount.String())
	assert.NotEqual(t, txMut.Credits[0].Address, txMut.Credits[1].Address)
}

func TestParseGlyphV1Mint(t *testing.T) {
	mintTxid := hexTxid(0xb1)
	genesisTxid := hexTxid(0xee)
	ref := common.NewTokenRef(genesisTxid, 0)

	tx := node.Transaction{
		TxID: mintTxid,
		Inputs: []node.TxInput{{
			TxID:      genesisTxid,
			Vout:      0,
			ScriptSig: node.ScriptSig{Hex: revealSigHex(t, map[string]any{
				"type":     "fungible",
				"name":     "Test",
				"decimals": 8,
				"supply":   1000000,
			})},
		}},
		Outputs: []node.TxOutput{{
			Value: json.Number("0.00000001"),
			N:     0,
			ScriptPubKey: node.ScriptPubKey{
				Hex: refScriptHex(0x42, genesisTxid, 0),
			},
		}},
	}
	mutation, err := testParser().ParseBlock(testBlock(10, tx))
	require.NoError(t, err)

	txMut := mutation.Txs[0]
	require.Len(t, txMut.Credits, 1)
	assert.Equal(t, ref, txMut.Credits[0].TokenRef)

	require.Len(t, txMut.Events, 1)
	event := txMut.Events[0]
	assert.Equal(t, TokenEventMint, event.Kind)
	assert.Equal(t, ref, event.Ref)
	assert.Equal(t, mintTxid, event.TxID)
	assert.Equal(t, uint32(0), event.Vout)
	require.NotNil(t, event.Descriptor)
	assert.Equal(t, glyph.TokenTypeFungible, event.Descriptor.Type)
	assert.Equal(t, "Test", event.Descriptor.Name)
	assert.Equal(t, uint64(1000000), event.Descriptor.Supply)
}

func TestParseGlyphV2StyleAMint(t *testing.T) {
	mintTxid := hexTxid(0xb2)
	genesisTxid := hexTxid(0xef)
	ref := common.NewTokenRef(genesisTxid, 1)

	payload, err := cbor.Marshal(map[string]any{
		"p":          []int{1, 4},
		"ticker":     "MINE",
		"algorithm":  1,
		"difficulty": 12345678,
		"reward":     50000000,
	})
	require.NoError(t, err)
	opReturn := []byte{script.OpReturn, 0x05}
	opReturn = append(opReturn, []byte("gly")...)
	opReturn = append(opReturn, 0x02, 0x80, byte(len(payload)))
	opReturn = append(opReturn, payload...)

	tx := node.Transaction{
		TxID:   mintTxid,
		Inputs: []node.TxInput{{TxID: genesisTxid, Vout: 1}},
		Outputs: []node.TxOutput{
			{
				Value:        json.Number("0.00000000"),
				N:            0,
				ScriptPubKey: node.ScriptPubKey{Hex: hex.EncodeToString(opReturn)},
			},
			{
				Value: json.Number("0.00000001"),
				N:     1,
				ScriptPubKey: node.ScriptPubKey{
					Hex: refScriptHex(0x42, genesisTxid, 1),
				},
			},
		},
	}
	mutation, err := testParser().ParseBlock(testBlock(11, tx))
	require.NoError(t, err)

	txMut := mutation.Txs[0]
	require.Len(t, txMut.Events, 1)
	event := txMut.Events[0]
	assert.Equal(t, TokenEventMint, event.Kind)
	assert.Equal(t, ref, event.Ref)
	assert.Equal(t, uint32(1), event.Vout)
	require.NotNil(t, event.Descriptor)
	assert.Equal(t, glyph.TokenTypeDMint, event.Descriptor.Type)
	assert.Equal(t, []int{1, 4}, event.Descriptor.Protocols)
}

func TestParseTokenTransfer(t *testing.T) {
	genesisTxid := hexTxid(0xee)
	holderTxid := hexTxid(0xdd)
	transferTxid := hexTxid(0xcc)
	ref := common.NewTokenRef(genesisTxid, 0)

	tx := node.Transaction{
		TxID: transferTxid,
		Inputs: []node.TxInput{{
			TxID: holderTxid,
			Vout: 0,
			PrevOut: &node.TxOutput{
				Value: json.Number("0.00000001"),
				ScriptPubKey: node.ScriptPubKey{
					Hex: refScriptHex(0x42, genesisTxid, 0),
				},
			},
		}},
		Outputs: []node.TxOutput{{
			Value: json.Number("0.00000001"),
			N:     0,
			ScriptPubKey: node.ScriptPubKey{
				Hex: refScriptHex(0x43, genesisTxid, 0),
			},
		}},
	}
	mutation, err := testParser().ParseBlock(testBlock(20, tx))
	require.NoError(t, err)

	txMut := mutation.Txs[0]
	require.Len(t, txMut.Events, 1)
	event := txMut.Events[0]
	assert.Equal(t, TokenEventTransfer, event.Kind)
	assert.Equal(t, ref, event.Ref)
	assert.Equal(t, common.OutPoint{TxID: holderTxid, Vout: 0}, event.From)
	assert.Equal(t, transferTxid, event.TxID)
	assert.Equal(t, uint32(0), event.Vout)
}

func TestParseTokenBurn(t *testing.T) {
	genesisTxid := hexTxid(0xee)
	holderTxid := hexTxid(0xdd)
	ref := common.NewTokenRef(genesisTxid, 0)

	tx := node.Transaction{
		TxID: hexTxid(0xcb),
		Inputs: []node.TxInput{{
			TxID: holderTxid,
			Vout: 0,
			PrevOut: &node.TxOutput{
				Value: json.Number("0.00000001"),
				ScriptPubKey: node.ScriptPubKey{
					Hex: refScriptHex(0x42, genesisTxid, 0),
				},
			},
		}},
		// Value returned to the payee without the ref: the token burns
		Outputs: []node.TxOutput{{
			Value:        json.Number("0.00000001"),
			N:            0,
			ScriptPubKey: node.ScriptPubKey{Hex: p2pkhHex(0x42)},
		}},
	}
	mutation, err := testParser().ParseBlock(testBlock(21, tx))
	require.NoError(t, err)

	txMut := mutation.Txs[0]
	require.Len(t, txMut.Events, 1)
	event := txMut.Events[0]
	assert.Equal(t, TokenEventBurn, event.Kind)
	assert.Equal(t, ref, event.Ref)
	assert.Equal(t, common.OutPoint{TxID: holderTxid, Vout: 0}, event.From)
}

func TestParseMalformedMetadataIndexedAsPlainTx(t *testing.T) {
	// A reveal push that is not a CBOR map decodes as a commit header; a
	// reveal with a bad required field must be dropped while the UTXO
	// mutation survives
	tx := node.Transaction{
		TxID: hexTxid(0xba),
		Inputs: []node.TxInput{{
			TxID:      hexTxid(0xee),
			Vout:      0,
			ScriptSig: node.ScriptSig{Hex: revealSigHex(t, map[string]any{
				"type": "mystery",
			})},
		}},
		Outputs: []node.TxOutput{{
			Value: json.Number("1.00000000"),
			N:     0,
			ScriptPubKey: node.ScriptPubKey{
				Hex: refScriptHex(0x42, hexTxid(0xee), 0),
			},
		}},
	}
	mutation, err := testParser().ParseBlock(testBlock(22, tx))
	require.NoError(t, err)

	txMut := mutation.Txs[0]
	assert.Empty(t, txMut.Events)
	require.Len(t, txMut.Credits, 1)
	assert.Equal(t, "1.00000000", txMut.Credits[0].Amount.String())
}

func TestParseParallelMatchesSerial(t *testing.T) {
	txs := make([]node.Transaction, 0, 16)
	txs = append(txs, coinbaseTx(hexTxid(0xc0), "50.00000000", 0x42))
	for i := 1; i < 16; i++ {
		txs = append(txs, node.Transaction{
			TxID:   hexTxid(byte(i)),
			Inputs: []node.TxInput{{TxID: hexTxid(byte(i - 1)), Vout: 0}},
			Outputs: []node.TxOutput{{
				Value:        json.Number("1.00000000"),
				N:            0,
				ScriptPubKey: node.ScriptPubKey{Hex: p2pkhHex(byte(i))},
			}},
		})
	}
	block := testBlock(30, txs...)

	serial, err := New(1, 0).ParseBlock(block)
	require.NoError(t, err)
	parallel, err := New(4, 2).ParseBlock(block)
	require.NoError(t, err)
	assert.Equal(t, serial, parallel)
}

func TestParseBadAmount(t *testing.T) {
	tx := coinbaseTx(hexTxid(0xc0), "50.000000001", 0x42)
	_, err := testParser().ParseBlock(testBlock(0, tx))
	assert.ErrorIs(t, err, common.ErrInvalidAmount)
}

func TestNormalizeRef(t *testing.T) {
	txid := hexTxid(0xee)
	want := common.NewTokenRef(txid, 7)

	wireHex := txid + "07000000"
	assert.Equal(t, want, NormalizeRef(wireHex))
	assert.Equal(t, want, NormalizeRef(strings.ToUpper(txid)+":7"))
	assert.Equal(t, want, NormalizeRef(txid+"_7"))
	// Unrecognised strings pass through lowercased
	assert.Equal(t, common.TokenRef("glyph:1234"), NormalizeRef("Glyph:1234"))
}
