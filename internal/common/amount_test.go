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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAmount(t *testing.T) {
	testDefs := []struct {
		input    string
		expected int64
	}{
		{"0", 0},
		{"0.00000000", 0},
		{"0.00000001", 1},
		{"0.5", 50_000_000},
		{"1", 100_000_000},
		{"50.00000000", 5_000_000_000},
		{"24.99990000", 2_499_990_000},
		{"21000000000", 2_100_000_000_000_000_000},
		{"92233720368.54775807", 9223372036854775807},
	}
	for _, testDef := range testDefs {
		amt, err := ParseAmount(testDef.input)
		require.NoError(t, err, "input %q", testDef.input)
		assert.Equal(t, testDef.expected, amt.Sats(), "input %q", testDef.input)
	}
}

func TestParseAmountInvalid(t *testing.T) {
	for _, input := range []string{
		"",
		".",
		"abc",
		"1.2.3",
		"-1",
		"0.000000001",
		"92233720368.54775808",
		"99999999999999999999",
	} {
		_, err := ParseAmount(input)
		assert.Error(t, err, "input %q", input)
	}
}

func TestAmountString(t *testing.T) {
	testDefs := []struct {
		sats     int64
		expected string
	}{
		{0, "0.00000000"},
		{1, "0.00000001"},
		{5_000_000_000, "50.00000000"},
		{2_499_990_000, "24.99990000"},
		{9223372036854775807, "92233720368.54775807"},
	}
	for _, testDef := range testDefs {
		assert.Equal(t, testDef.expected, Amount(testDef.sats).String())
	}
}

// Round-trip property: parse(format(x)) == x and format(parse(s)) == s for
// fully-padded inputs
func TestAmountRoundTrip(t *testing.T) {
	for _, sats := range []int64{
		0, 1, 99, 100_000_000, 123_456_789, 5_000_000_000,
		2_499_990_000, 9223372036854775807,
	} {
		s := Amount(sats).String()
		parsed, err := ParseAmount(s)
		require.NoError(t, err)
		assert.Equal(t, sats, parsed.Sats(), "string %q", s)
	}
}

func TestAmountJSON(t *testing.T) {
	data, err := Amount(5_000_000_000).MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"50.00000000"`, string(data))

	var amt Amount
	require.NoError(t, amt.UnmarshalJSON([]byte(`"25.00000000"`)))
	assert.Equal(t, int64(2_500_000_000), amt.Sats())

	// Bare JSON number, as emitted by the node RPC
	require.NoError(t, amt.UnmarshalJSON([]byte(`49.9999`)))
	assert.Equal(t, int64(4_999_990_000), amt.Sats())
}
