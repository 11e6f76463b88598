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
	"encoding/json"
)

// Block is the getblock verbosity-2 payload: full header fields plus fully
// decoded transactions.
type Block struct {
	Hash         string        `json:"hash"`
	Height       int64         `json:"height"`
	PrevHash     string        `json:"previousblockhash"`
	MerkleRoot   string        `json:"merkleroot"`
	Time         int64         `json:"time"`
	Version      int32         `json:"version"`
	Bits         string        `json:"bits"`
	Nonce        uint32        `json:"nonce"`
	ChainWork    string        `json:"chainwork"`
	Transactions []Transaction `json:"tx"`
}

// Transaction is a decoded transaction as returned inside a verbosity-2
// block or by getrawtransaction with verbose=true.
type Transaction struct {
	TxID     string     `json:"txid"`
	Size     int        `json:"size"`
	LockTime uint32     `json:"locktime"`
	Inputs   []TxInput  `json:"vin"`
	Outputs  []TxOutput `json:"vout"`
}

// TxInput carries either coinbase bytes or an outpoint plus unlocking
// script. PrevOut is populated by the node for non-coinbase inputs and
// holds the spent output's value and locking script.
type TxInput struct {
	Coinbase  string     `json:"coinbase,omitempty"`
	TxID      string     `json:"txid,omitempty"`
	Vout      uint32     `json:"vout"`
	ScriptSig ScriptSig  `json:"scriptSig"`
	PrevOut   *TxOutput  `json:"prevout,omitempty"`
	Sequence  uint32     `json:"sequence"`
}

// IsCoinbase reports whether the input is the block subsidy input
func (i *TxInput) IsCoinbase() bool {
	return i.Coinbase != ""
}

type ScriptSig struct {
	Asm string `json:"asm"`
	Hex string `json:"hex"`
}

// TxOutput keeps the value as a json.Number so the decimal string from the
// node survives untouched for exact fixed-point parsing.
type TxOutput struct {
	Value        json.Number  `json:"value"`
	N            uint32       `json:"n"`
	ScriptPubKey ScriptPubKey `json:"scriptPubKey"`
}

type ScriptPubKey struct {
	Asm       string   `json:"asm"`
	Hex       string   `json:"hex"`
	Type      string   `json:"type"`
	Addresses []string `json:"addresses,omitempty"`
}
