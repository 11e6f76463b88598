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

package common

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// RefPayloadSize is the size of an inline ref carried by the Radiant
// ref opcodes: a 32-byte txid followed by a little-endian uint32 output index
const RefPayloadSize = 36

var ErrInvalidRef = errors.New("invalid token ref")

// OutPoint identifies a transaction output
type OutPoint struct {
	TxID string
	Vout uint32
}

func (o OutPoint) String() string {
	return fmt.Sprintf("%s:%d", o.TxID, o.Vout)
}

// TokenRef is the canonical form of a Glyph token reference:
// 64 lower-hex txid characters, a colon, and the decimal output index.
// The 72-hex wire form is converted to this at the decode edge and never
// stored.
type TokenRef string

// NewTokenRef builds the canonical ref for a genesis outpoint
func NewTokenRef(txid string, vout uint32) TokenRef {
	return TokenRef(fmt.Sprintf("%s:%d", strings.ToLower(txid), vout))
}

// ParseRefPayload converts the raw 36-byte payload of a ref opcode into its
// canonical form
func ParseRefPayload(data []byte) (TokenRef, error) {
	if len(data) != RefPayloadSize {
		return "", fmt.Errorf("%w: payload is %d bytes", ErrInvalidRef, len(data))
	}
	txid := hex.EncodeToString(data[:32])
	vout := binary.LittleEndian.Uint32(data[32:])
	return NewTokenRef(txid, vout), nil
}

// ParseRefHex converts the 72-hex wire form (txid || vout) into the
// canonical form
func ParseRefHex(s string) (TokenRef, error) {
	raw, err := hex.DecodeString(strings.ToLower(s))
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidRef, err)
	}
	return ParseRefPayload(raw)
}

// Outpoint splits the ref back into its genesis outpoint
func (r TokenRef) Outpoint() (OutPoint, error) {
	txid, voutStr, found := strings.Cut(string(r), ":")
	if !found || len(txid) != 64 {
		return OutPoint{}, fmt.Errorf("%w: %q", ErrInvalidRef, r)
	}
	if _, err := hex.DecodeString(txid); err != nil {
		return OutPoint{}, fmt.Errorf("%w: %q", ErrInvalidRef, r)
	}
	vout, err := strconv.ParseUint(voutStr, 10, 32)
	if err != nil {
		return OutPoint{}, fmt.Errorf("%w: %q", ErrInvalidRef, r)
	}
	return OutPoint{TxID: txid, Vout: uint32(vout)}, nil
}

func (r TokenRef) String() string {
	return string(r)
}
