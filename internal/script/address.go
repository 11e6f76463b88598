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

package script

import (
	"crypto/sha256"

	"github.com/btcsuite/btcutil/base58"
	"golang.org/x/crypto/ripemd160"
)

// p2pkhVersion is the Radiant mainnet pay-to-pubkey-hash address version
const p2pkhVersion = 0x00

// Address derives the payee address from an output script. Standard
// pay-to-pubkey-hash and pay-to-pubkey shapes produce a base58check
// address; anything else returns the empty string and the output is indexed
// without an address.
//
// Radiant token outputs append ref opcodes after the payment template, so
// ref ops are skipped before matching.
func Address(scriptPubKey []byte) string {
	ops, err := Parse(scriptPubKey)
	if err != nil {
		return ""
	}
	// Drop ref ops; they constrain token flow, not payment
	filtered := ops[:0:0]
	for _, op := range ops {
		if op.IsRef() {
			continue
		}
		filtered = append(filtered, op)
	}
	// P2PKH: OP_DUP OP_HASH160 <20-byte hash> OP_EQUALVERIFY OP_CHECKSIG
	if len(filtered) == 5 &&
		filtered[0].Code == OpDup &&
		filtered[1].Code == OpHash160 &&
		filtered[2].IsPush() && len(filtered[2].Data) == 20 &&
		filtered[3].Code == OpEqualVerify &&
		filtered[4].Code == OpCheckSig {
		return base58.CheckEncode(filtered[2].Data, p2pkhVersion)
	}
	// P2PK: <33/65-byte pubkey> OP_CHECKSIG
	if len(filtered) == 2 &&
		filtered[0].IsPush() &&
		(len(filtered[0].Data) == 33 || len(filtered[0].Data) == 65) &&
		filtered[1].Code == OpCheckSig {
		return base58.CheckEncode(hash160(filtered[0].Data), p2pkhVersion)
	}
	return ""
}

// hash160 is RIPEMD160(SHA256(data)), the standard pubkey hash
func hash160(data []byte) []byte {
	sha := sha256.Sum256(data)
	h := ripemd160.New()
	h.Write(sha[:])
	return h.Sum(nil)
}
