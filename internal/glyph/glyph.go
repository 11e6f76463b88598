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

// Package glyph decodes Glyph protocol CBOR metadata into typed token
// descriptors.
package glyph

import (
	"errors"
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"
)

var ErrMalformedMetadata = errors.New("malformed glyph metadata")

// TokenType classifies a Glyph token
type TokenType string

const (
	TokenTypeFungible    TokenType = "fungible"
	TokenTypeNonFungible TokenType = "non-fungible"
	TokenTypeDMint       TokenType = "dmint"
	TokenTypeContainer   TokenType = "container"
	TokenTypeDat         TokenType = "dat"
)

// Glyph v2 protocol IDs. Token type is derived from the protocol array;
// dMint wins over plain FT when both are present (a dMint token is an FT
// minted by proof of work).
const (
	ProtocolFT        = 1
	ProtocolNFT       = 2
	ProtocolDat       = 3
	ProtocolDMint     = 4
	ProtocolContainer = 7
)

// TokenDescriptor is the decoded form of a Glyph reveal payload. Fields not
// understood by the decoder are preserved as opaque CBOR in Extra.
type TokenDescriptor struct {
	Type      TokenType
	Ref       string
	Name      string
	Ticker    string
	Decimals  uint8
	Supply    uint64
	Protocols []int

	// v2 dMint contract terms
	Algorithm  uint32
	Difficulty uint64
	Reward     uint64

	TokenID     []byte
	WantTokenID []byte
	ContractRef []byte
	IconRef     string

	Attrs cbor.RawMessage
	Extra map[string]cbor.RawMessage
}

// v1 keys consumed by the decoder; everything else lands in Extra
var v1Keys = map[string]bool{
	"type": true, "ref": true, "name": true, "ticker": true,
	"decimals": true, "supply": true, "attrs": true, "icon_ref": true,
}

// v2 keys consumed by the decoder
var v2Keys = map[string]bool{
	"p": true, "name": true, "ticker": true, "decimals": true,
	"supply": true, "tokenID": true, "want_tokenID": true, "flags": true,
	"contract_ref": true, "algorithm": true, "difficulty": true,
	"reward": true, "icon_ref": true, "attrs": true,
}

// Decode parses a reveal payload into a TokenDescriptor. The root must be a
// CBOR map with text keys; a map carrying "p" is decoded as v2, otherwise
// the v1 "type" field is required.
func Decode(raw []byte) (*TokenDescriptor, error) {
	var fields map[string]cbor.RawMessage
	if err := cbor.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedMetadata, err)
	}
	if _, ok := fields["p"]; ok {
		return decodeV2(fields)
	}
	return decodeV1(fields)
}

func decodeV1(fields map[string]cbor.RawMessage) (*TokenDescriptor, error) {
	rawType, ok := fields["type"]
	if !ok {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedMetadata)
	}
	var typeStr string
	if err := cbor.Unmarshal(rawType, &typeStr); err != nil {
		return nil, fmt.Errorf("%w: type: %s", ErrMalformedMetadata, err)
	}
	desc := &TokenDescriptor{}
	switch TokenType(typeStr) {
	case TokenTypeFungible, TokenTypeNonFungible, TokenTypeDMint:
		desc.Type = TokenType(typeStr)
	default:
		return nil, fmt.Errorf(
			"%w: unknown v1 type %q", ErrMalformedMetadata, typeStr,
		)
	}
	decodeString(fields, "ref", &desc.Ref)
	decodeString(fields, "name", &desc.Name)
	decodeString(fields, "ticker", &desc.Ticker)
	decodeUint8(fields, "decimals", &desc.Decimals)
	decodeUint64(fields, "supply", &desc.Supply)
	decodeString(fields, "icon_ref", &desc.IconRef)
	if raw, ok := fields["attrs"]; ok {
		desc.Attrs = raw
	}
	desc.Extra = collectExtra(fields, v1Keys)
	return desc, nil
}

func decodeV2(fields map[string]cbor.RawMessage) (*TokenDescriptor, error) {
	var protocols []int
	if err := cbor.Unmarshal(fields["p"], &protocols); err != nil {
		return nil, fmt.Errorf("%w: p: %s", ErrMalformedMetadata, err)
	}
	if len(protocols) == 0 {
		return nil, fmt.Errorf("%w: empty protocol array", ErrMalformedMetadata)
	}
	for _, p := range protocols {
		if p < 1 || p > 11 {
			return nil, fmt.Errorf(
				"%w: protocol %d out of range", ErrMalformedMetadata, p,
			)
		}
	}
	sort.Ints(protocols)
	desc := &TokenDescriptor{
		Protocols: protocols,
		Type:      deriveType(protocols),
	}
	decodeString(fields, "name", &desc.Name)
	decodeString(fields, "ticker", &desc.Ticker)
	decodeUint8(fields, "decimals", &desc.Decimals)
	decodeUint64(fields, "supply", &desc.Supply)
	decodeBytes(fields, "tokenID", &desc.TokenID)
	decodeBytes(fields, "want_tokenID", &desc.WantTokenID)
	decodeBytes(fields, "contract_ref", &desc.ContractRef)
	decodeUint32(fields, "algorithm", &desc.Algorithm)
	decodeUint64(fields, "difficulty", &desc.Difficulty)
	decodeUint64(fields, "reward", &desc.Reward)
	decodeString(fields, "icon_ref", &desc.IconRef)
	if raw, ok := fields["attrs"]; ok {
		desc.Attrs = raw
	}
	desc.Extra = collectExtra(fields, v2Keys)
	return desc, nil
}

// deriveType maps a v2 protocol set to the token type
func deriveType(protocols []int) TokenType {
	set := make(map[int]bool, len(protocols))
	for _, p := range protocols {
		set[p] = true
	}
	switch {
	case set[ProtocolDMint]:
		return TokenTypeDMint
	case set[ProtocolFT]:
		return TokenTypeFungible
	case set[ProtocolNFT]:
		return TokenTypeNonFungible
	case set[ProtocolContainer]:
		return TokenTypeContainer
	default:
		return TokenTypeDat
	}
}

func collectExtra(
	fields map[string]cbor.RawMessage,
	known map[string]bool,
) map[string]cbor.RawMessage {
	var extra map[string]cbor.RawMessage
	for key, raw := range fields {
		if known[key] {
			continue
		}
		if extra == nil {
			extra = make(map[string]cbor.RawMessage)
		}
		extra[key] = raw
	}
	return extra
}

// The helpers below decode optional scalar fields, ignoring values of the
// wrong CBOR type (tolerant of shape drift in third-party mints)

func decodeString(fields map[string]cbor.RawMessage, key string, out *string) {
	if raw, ok := fields[key]; ok {
		var val string
		if cbor.Unmarshal(raw, &val) == nil {
			*out = val
		}
	}
}

func decodeBytes(fields map[string]cbor.RawMessage, key string, out *[]byte) {
	if raw, ok := fields[key]; ok {
		var val []byte
		if cbor.Unmarshal(raw, &val) == nil {
			*out = val
		}
	}
}

func decodeUint8(fields map[string]cbor.RawMessage, key string, out *uint8) {
	if raw, ok := fields[key]; ok {
		var val uint8
		if cbor.Unmarshal(raw, &val) == nil {
			*out = val
		}
	}
}

func decodeUint32(fields map[string]cbor.RawMessage, key string, out *uint32) {
	if raw, ok := fields[key]; ok {
		var val uint32
		if cbor.Unmarshal(raw, &val) == nil {
			*out = val
		}
	}
}

func decodeUint64(fields map[string]cbor.RawMessage, key string, out *uint64) {
	if raw, ok := fields[key]; ok {
		var val uint64
		if cbor.Unmarshal(raw, &val) == nil {
			*out = val
		}
	}
}
