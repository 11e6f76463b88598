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

// Package parser turns decoded blocks into ordered storage mutations. The
// parser is pure: it never touches storage or the network, so the sync
// workers can run it in parallel and commit results strictly by height.
package parser

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/rxindexer/rxindexer/internal/common"
	"github.com/rxindexer/rxindexer/internal/glyph"
	"github.com/rxindexer/rxindexer/internal/logging"
	"github.com/rxindexer/rxindexer/internal/node"
	"github.com/rxindexer/rxindexer/internal/script"
)

// BlockRecord mirrors the stored block header row
type BlockRecord struct {
	Hash       string
	Height     int64
	PrevHash   string
	MerkleRoot string
	Timestamp  int64
	Version    int32
	Bits       string
	Nonce      uint32
	ChainWork  string
	TxCount    int
}

// TxRecord mirrors the stored transaction row
type TxRecord struct {
	TxID         string
	BlockHash    string
	BlockHeight  int64
	IndexInBlock int
	Timestamp    int64
	Size         int
	LockTime     uint32
	InputCount   int
	OutputCount  int
}

// Spend marks a previously created output as consumed
type Spend struct {
	PrevTxID    string
	PrevVout    uint32
	SpenderTxID string
}

// Credit is a freshly created output. Address is empty for non-standard
// scripts; TokenRef is empty for plain RXD outputs.
type Credit struct {
	TxID        string
	Vout        uint32
	Address     string
	Amount      common.Amount
	TokenRef    common.TokenRef
	BlockHeight int64
	BlockHash   string
}

type TokenEventKind int

const (
	TokenEventMint TokenEventKind = iota
	TokenEventTransfer
	TokenEventBurn
)

func (k TokenEventKind) String() string {
	switch k {
	case TokenEventMint:
		return "mint"
	case TokenEventTransfer:
		return "transfer"
	case TokenEventBurn:
		return "burn"
	}
	return "unknown"
}

// TokenEvent records a token lifecycle step observed in a transaction.
// Mint carries the decoded descriptor and the raw CBOR; Transfer carries the
// consumed location in From and the new location in TxID/Vout; Burn carries
// only From.
type TokenEvent struct {
	Kind        TokenEventKind
	Ref         common.TokenRef
	TxID        string
	Vout        uint32
	From        common.OutPoint
	Descriptor  *glyph.TokenDescriptor
	RawMetadata []byte
	BlockHeight int64
}

// TxMutation is everything one transaction does to storage, in apply order
type TxMutation struct {
	Tx      TxRecord
	Spends  []Spend
	Credits []Credit
	Events  []TokenEvent
}

// BlockMutation is the parser's output for one block
type BlockMutation struct {
	Block BlockRecord
	Txs   []TxMutation
}

// Parser converts node blocks into BlockMutations. Transactions within a
// block are parsed concurrently once the block is large enough to be worth
// the goroutine overhead.
type Parser struct {
	logger            *slog.Logger
	workers           int
	parallelThreshold int
}

func New(workers int, parallelThreshold int) *Parser {
	if workers < 1 {
		workers = 1
	}
	return &Parser{
		logger: logging.GetLogger().
			With("component", "parser"),
		workers:           workers,
		parallelThreshold: parallelThreshold,
	}
}

// ParseBlock produces the ordered mutation for a block. It fails only on
// malformed block JSON (bad hex, bad amounts); malformed token metadata is
// logged and dropped while the transaction is still indexed as a plain UTXO
// mutation.
func (p *Parser) ParseBlock(block *node.Block) (*BlockMutation, error) {
	mutation := &BlockMutation{
		Block: BlockRecord{
			Hash:       block.Hash,
			Height:     block.Height,
			PrevHash:   block.PrevHash,
			MerkleRoot: block.MerkleRoot,
			Timestamp:  block.Time,
			Version:    block.Version,
			Bits:       block.Bits,
			Nonce:      block.Nonce,
			ChainWork:  block.ChainWork,
			TxCount:    len(block.Transactions),
		},
		Txs: make([]TxMutation, len(block.Transactions)),
	}
	if p.parallelThreshold > 0 &&
		len(block.Transactions) >= p.parallelThreshold {
		var group errgroup.Group
		group.SetLimit(p.workers)
		for idx := range block.Transactions {
			idx := idx
			group.Go(func() error {
				txMut, err := p.parseTx(block, idx)
				if err != nil {
					return err
				}
				mutation.Txs[idx] = *txMut
				return nil
			})
		}
		if err := group.Wait(); err != nil {
			return nil, err
		}
		return mutation, nil
	}
	for idx := range block.Transactions {
		txMut, err := p.parseTx(block, idx)
		if err != nil {
			return nil, err
		}
		mutation.Txs[idx] = *txMut
	}
	return mutation, nil
}

func (p *Parser) parseTx(block *node.Block, idx int) (*TxMutation, error) {
	tx := &block.Transactions[idx]
	txMut := &TxMutation{
		Tx: TxRecord{
			TxID:         tx.TxID,
			BlockHash:    block.Hash,
			BlockHeight:  block.Height,
			IndexInBlock: idx,
			Timestamp:    block.Time,
			Size:         tx.Size,
			LockTime:     tx.LockTime,
			InputCount:   len(tx.Inputs),
			OutputCount:  len(tx.Outputs),
		},
	}

	// Phase 1: scan outputs for ref-bearing scripts and build credits
	outputRefs := make(map[common.TokenRef]uint32)
	for _, out := range tx.Outputs {
		scriptBytes, err := hex.DecodeString(out.ScriptPubKey.Hex)
		if err != nil {
			return nil, fmt.Errorf(
				"tx %s output %d: bad script hex: %w", tx.TxID, out.N, err,
			)
		}
		amount, err := common.ParseAmount(out.Value.String())
		if err != nil {
			return nil, fmt.Errorf(
				"tx %s output %d: %w", tx.TxID, out.N, err,
			)
		}
		credit := Credit{
			TxID:        tx.TxID,
			Vout:        out.N,
			Address:     script.Address(scriptBytes),
			Amount:      amount,
			BlockHeight: block.Height,
			BlockHash:   block.Hash,
		}
		for refIdx, ref := range script.OutputRefs(scriptBytes) {
			if refIdx == 0 {
				credit.TokenRef = ref
			}
			if _, seen := outputRefs[ref]; !seen {
				outputRefs[ref] = out.N
			}
		}
		txMut.Credits = append(txMut.Credits, credit)
	}

	// Refs entering the transaction via spent prevouts
	inputRefs := make(map[common.TokenRef]common.OutPoint)
	for _, in := range tx.Inputs {
		if in.IsCoinbase() {
			continue
		}
		txMut.Spends = append(txMut.Spends, Spend{
			PrevTxID:    in.TxID,
			PrevVout:    in.Vout,
			SpenderTxID: tx.TxID,
		})
		if in.PrevOut == nil {
			continue
		}
		prevScript, err := hex.DecodeString(in.PrevOut.ScriptPubKey.Hex)
		if err != nil {
			continue
		}
		for _, ref := range script.OutputRefs(prevScript) {
			if _, seen := inputRefs[ref]; !seen {
				inputRefs[ref] = common.OutPoint{
					TxID: in.TxID,
					Vout: in.Vout,
				}
			}
		}
	}

	// Phase 2: reveals from input scriptSigs, falling back to OP_RETURN
	// reveals in outputs
	minted := p.scanReveals(block, tx, outputRefs, txMut)

	// Refs flowing in from prevouts either move to a new output or burn
	for ref, from := range inputRefs {
		if minted[ref] {
			continue
		}
		if vout, ok := outputRefs[ref]; ok {
			txMut.Events = append(txMut.Events, TokenEvent{
				Kind:        TokenEventTransfer,
				Ref:         ref,
				TxID:        tx.TxID,
				Vout:        vout,
				From:        from,
				BlockHeight: block.Height,
			})
		} else {
			txMut.Events = append(txMut.Events, TokenEvent{
				Kind:        TokenEventBurn,
				Ref:         ref,
				TxID:        tx.TxID,
				From:        from,
				BlockHeight: block.Height,
			})
		}
	}
	return txMut, nil
}

// scanReveals walks the transaction's envelopes, decodes metadata and emits
// mint events. The first successful reveal whose ref matches an output ref
// binds that output; later reveals for the same ref are ignored.
func (p *Parser) scanReveals(
	block *node.Block,
	tx *node.Transaction,
	outputRefs map[common.TokenRef]uint32,
	txMut *TxMutation,
) map[common.TokenRef]bool {
	var envelopes []*script.Envelope
	for _, in := range tx.Inputs {
		if in.IsCoinbase() {
			continue
		}
		scriptSig, err := hex.DecodeString(in.ScriptSig.Hex)
		if err != nil {
			continue
		}
		if env := script.ScanInput(scriptSig); env != nil {
			envelopes = append(envelopes, env)
		}
	}
	if len(envelopes) == 0 {
		for _, out := range tx.Outputs {
			scriptBytes, err := hex.DecodeString(out.ScriptPubKey.Hex)
			if err != nil {
				continue
			}
			if env := script.ScanOutput(scriptBytes); env != nil {
				envelopes = append(envelopes, env)
			}
		}
	}

	minted := make(map[common.TokenRef]bool)
	for _, env := range envelopes {
		if env.Kind != script.EnvelopeReveal {
			continue
		}
		desc, err := glyph.Decode(env.RawMetadata)
		if err != nil {
			p.logger.Warn(
				"dropping malformed token metadata",
				"txid", tx.TxID,
				"height", block.Height,
				"error", err,
			)
			continue
		}
		ref, vout, ok := bindRef(desc, outputRefs)
		if !ok {
			p.logger.Debug(
				"reveal without matching output ref",
				"txid", tx.TxID,
				"height", block.Height,
			)
			continue
		}
		if minted[ref] {
			continue
		}
		minted[ref] = true
		txMut.Events = append(txMut.Events, TokenEvent{
			Kind:        TokenEventMint,
			Ref:         ref,
			TxID:        tx.TxID,
			Vout:        vout,
			Descriptor:  desc,
			RawMetadata: env.RawMetadata,
			BlockHeight: block.Height,
		})
	}
	return minted
}

// bindRef picks the output ref a reveal binds to. A descriptor naming its
// ref explicitly must match an output ref after normalisation; otherwise the
// first output-borne ref wins.
func bindRef(
	desc *glyph.TokenDescriptor,
	outputRefs map[common.TokenRef]uint32,
) (common.TokenRef, uint32, bool) {
	if desc.Ref != "" {
		ref := NormalizeRef(desc.Ref)
		vout, ok := outputRefs[ref]
		return ref, vout, ok
	}
	var (
		best     common.TokenRef
		bestVout uint32
		found    bool
	)
	for ref, vout := range outputRefs {
		if !found || vout < bestVout ||
			(vout == bestVout && ref < best) {
			best, bestVout, found = ref, vout, true
		}
	}
	return best, bestVout, found
}

// NormalizeRef converts the wire forms of a Glyph ref (72-hex concatenation,
// txid_vout, txid:vout) into the canonical txid:vout form. Unrecognised
// strings pass through lowercased so lookups stay deterministic.
func NormalizeRef(raw string) common.TokenRef {
	lowered := strings.ToLower(raw)
	if ref, err := common.ParseRefHex(lowered); err == nil {
		return ref
	}
	for _, sep := range []string{":", "_"} {
		txid, voutStr, ok := strings.Cut(lowered, sep)
		if !ok || len(txid) != 64 {
			continue
		}
		if _, err := hex.DecodeString(txid); err != nil {
			continue
		}
		vout, err := strconv.ParseUint(voutStr, 10, 32)
		if err != nil {
			continue
		}
		return common.NewTokenRef(txid, uint32(vout))
	}
	return common.TokenRef(lowered)
}
