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

// Package common provides shared types used across multiple packages
package common

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// SatsPerCoin is the number of indivisible units in one RXD
const SatsPerCoin = 100_000_000

// Amount is an RXD value in photons (the satoshi-equivalent base unit).
// It round-trips decimal strings exactly; no float conversion is involved
// anywhere on the parse or format path.
type Amount int64

var (
	ErrInvalidAmount  = errors.New("invalid amount")
	ErrAmountTooLarge = errors.New("amount out of range")
)

// ParseAmount parses a decimal string such as "50", "50.5" or "50.00000000"
// into an Amount. At most 8 fractional digits are allowed and the value must
// be non-negative.
func ParseAmount(s string) (Amount, error) {
	if s == "" {
		return 0, ErrInvalidAmount
	}
	whole := s
	frac := ""
	if idx := strings.IndexByte(s, '.'); idx >= 0 {
		whole = s[:idx]
		frac = s[idx+1:]
	}
	if whole == "" && frac == "" {
		return 0, ErrInvalidAmount
	}
	if len(frac) > 8 {
		return 0, fmt.Errorf("%w: more than 8 fractional digits: %q", ErrInvalidAmount, s)
	}
	if whole == "" {
		whole = "0"
	}
	wholeVal, err := strconv.ParseUint(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	var fracVal uint64
	if frac != "" {
		fracVal, err = strconv.ParseUint(frac, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
		}
		// Scale to 8 digits: "5" after the point means 0.50000000
		for i := len(frac); i < 8; i++ {
			fracVal *= 10
		}
	}
	if wholeVal > math.MaxInt64/SatsPerCoin {
		return 0, fmt.Errorf("%w: %q", ErrAmountTooLarge, s)
	}
	sats := wholeVal * SatsPerCoin
	if sats > math.MaxInt64-fracVal {
		return 0, fmt.Errorf("%w: %q", ErrAmountTooLarge, s)
	}
	return Amount(sats + fracVal), nil
}

// String formats the amount as a decimal string with exactly 8 fractional
// digits, the wire format used by the HTTP API.
func (a Amount) String() string {
	if a < 0 {
		return "-" + (-a).String()
	}
	return fmt.Sprintf("%d.%08d", int64(a)/SatsPerCoin, int64(a)%SatsPerCoin)
}

// Sats returns the raw base-unit value
func (a Amount) Sats() int64 {
	return int64(a)
}

// MarshalJSON implements json.Marshaler, emitting a decimal string
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler, accepting either a decimal
// string or a bare JSON number (the form Radiant's RPC uses for values)
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	amt, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = amt
	return nil
}
