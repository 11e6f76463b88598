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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRefPayload(t *testing.T) {
	txid := strings.Repeat("ab", 32)
	txidBytes, err := hex.DecodeString(txid)
	require.NoError(t, err)
	payload := make([]byte, RefPayloadSize)
	copy(payload, txidBytes)
	binary.LittleEndian.PutUint32(payload[32:], 3)

	ref, err := ParseRefPayload(payload)
	require.NoError(t, err)
	assert.Equal(t, TokenRef(txid+":3"), ref)

	_, err = ParseRefPayload(payload[:35])
	assert.ErrorIs(t, err, ErrInvalidRef)
}

func TestParseRefHex(t *testing.T) {
	txid := strings.Repeat("cd", 32)
	ref, err := ParseRefHex(txid + "01000000")
	require.NoError(t, err)
	assert.Equal(t, TokenRef(txid+":1"), ref)

	_, err = ParseRefHex("zzzz")
	assert.ErrorIs(t, err, ErrInvalidRef)
}

func TestTokenRefOutpoint(t *testing.T) {
	txid := strings.Repeat("12", 32)
	ref := NewTokenRef(strings.ToUpper(txid), 7)
	assert.Equal(t, TokenRef(txid+":7"), ref)

	op, err := ref.Outpoint()
	require.NoError(t, err)
	assert.Equal(t, txid, op.TxID)
	assert.Equal(t, uint32(7), op.Vout)
	assert.Equal(t, txid+":7", op.String())

	_, err = TokenRef("bogus").Outpoint()
	assert.ErrorIs(t, err, ErrInvalidRef)
}
