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
	"bytes"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// push builds a direct push op for small payloads
func push(data []byte) []byte {
	if len(data) > 0x4b {
		panic("test push too large")
	}
	return append([]byte{byte(len(data))}, data...)
}

func cborMap(t *testing.T, m map[string]any) []byte {
	t.Helper()
	data, err := cbor.Marshal(m)
	require.NoError(t, err)
	return data
}

func TestScanInputV1Reveal(t *testing.T) {
	payload := cborMap(t, map[string]any{
		"type": "fungible",
		"name": "Test",
	})
	var scriptSig []byte
	scriptSig = append(scriptSig, push([]byte("gly"))...)
	scriptSig = append(scriptSig, push(payload)...)

	env := ScanInput(scriptSig)
	require.NotNil(t, env)
	assert.Equal(t, 1, env.Version)
	assert.Equal(t, EnvelopeReveal, env.Kind)
	assert.Equal(t, payload, env.RawMetadata)
}

func TestScanInputV2StyleBReveal(t *testing.T) {
	payload := cborMap(t, map[string]any{
		"p":      []int{1, 4},
		"ticker": "MINE",
	})
	var scriptSig []byte
	scriptSig = append(scriptSig, Op3)
	scriptSig = append(scriptSig, push([]byte("gly"))...)
	scriptSig = append(scriptSig, push(payload)...)

	env := ScanInput(scriptSig)
	require.NotNil(t, env)
	assert.Equal(t, 2, env.Version)
	assert.Equal(t, EnvelopeReveal, env.Kind)
	assert.Equal(t, payload, env.RawMetadata)
}

func TestScanInputV2StyleBCommit(t *testing.T) {
	commitHash := bytes.Repeat([]byte{0xcc}, 32)
	payload := append([]byte{0x02, 0x00}, commitHash...)
	var scriptSig []byte
	scriptSig = append(scriptSig, Op3)
	scriptSig = append(scriptSig, push([]byte("gly"))...)
	scriptSig = append(scriptSig, push(payload)...)

	env := ScanInput(scriptSig)
	require.NotNil(t, env)
	assert.Equal(t, 2, env.Version)
	assert.Equal(t, EnvelopeCommit, env.Kind)
	assert.Equal(t, commitHash, env.RawMetadata)
}

func TestScanInputNone(t *testing.T) {
	testDefs := [][]byte{
		{},
		push([]byte("abc")),
		push([]byte("gly")), // marker with no payload push
		{0x48, 0x01}, // malformed
	}
	for _, scriptSig := range testDefs {
		assert.Nil(t, ScanInput(scriptSig), "script %x", scriptSig)
	}
}

func TestScanOutputStyleAReveal(t *testing.T) {
	payload := cborMap(t, map[string]any{
		"p":          []int{1, 4},
		"ticker":     "MINE",
		"algorithm":  1,
		"difficulty": 12345678,
		"reward":     50000000,
	})
	header := append([]byte("gly"), 0x02, 0x80)
	var scriptPubKey []byte
	scriptPubKey = append(scriptPubKey, OpReturn)
	scriptPubKey = append(scriptPubKey, push(header)...)
	scriptPubKey = append(scriptPubKey, push(payload)...)

	env := ScanOutput(scriptPubKey)
	require.NotNil(t, env)
	assert.Equal(t, 2, env.Version)
	assert.Equal(t, EnvelopeReveal, env.Kind)
	assert.Equal(t, byte(0x80), env.Flags)
	assert.Equal(t, payload, env.RawMetadata)
}

func TestScanOutputStyleACommit(t *testing.T) {
	commitHash := bytes.Repeat([]byte{0xdd}, 32)
	header := append([]byte("gly"), 0x02, 0x00)
	header = append(header, commitHash...)
	var scriptPubKey []byte
	scriptPubKey = append(scriptPubKey, OpReturn)
	scriptPubKey = append(scriptPubKey, push(header)...)

	env := ScanOutput(scriptPubKey)
	require.NotNil(t, env)
	assert.Equal(t, 2, env.Version)
	assert.Equal(t, EnvelopeCommit, env.Kind)
	assert.Equal(t, commitHash, env.RawMetadata)
}

func TestScanOutputNone(t *testing.T) {
	hash := bytes.Repeat([]byte{0x42}, 20)
	testDefs := [][]byte{
		{},
		p2pkhScript(hash),
		{OpReturn}, // bare OP_RETURN
		append([]byte{OpReturn}, push([]byte("xyz12"))...), // wrong marker
	}
	for _, scriptPubKey := range testDefs {
		assert.Nil(t, ScanOutput(scriptPubKey), "script %x", scriptPubKey)
	}
}
