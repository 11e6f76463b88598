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

// Package script parses Bitcoin-style scripts with the Radiant opcode
// extensions and detects Glyph protocol envelopes.
package script

import (
	"errors"
	"fmt"

	"github.com/rxindexer/rxindexer/internal/common"
)

// Opcodes used by the indexer. Radiant extends the standard Bitcoin opcode
// space with induction/ref opcodes that carry an inline 36-byte payload.
const (
	Op0           = 0x00
	OpPushData1   = 0x4c
	OpPushData2   = 0x4d
	OpPushData4   = 0x4e
	Op1Negate     = 0x4f
	Op1           = 0x51
	Op3           = 0x53
	Op16          = 0x60
	OpReturn      = 0x6a
	OpDup         = 0x76
	OpEqualVerify = 0x88
	OpHash160     = 0xa9
	OpCheckSig    = 0xac

	// Radiant inline-ref opcodes, each followed by a fixed 36-byte ref
	OpPushInputRef                = 0xd0
	OpRequireInputRef             = 0xd1
	OpDisallowPushInputRef        = 0xd2
	OpDisallowPushInputRefSibling = 0xd3
	OpPushInputRefSingleton       = 0xd8
)

var ErrMalformedScript = errors.New("malformed script")

// Op is a single parsed script operation. Data is non-nil for push
// operations and for ref opcodes (where it holds the inline 36-byte ref
// payload).
type Op struct {
	Code byte
	Data []byte
}

// IsPush reports whether the op pushes data onto the stack
func (o Op) IsPush() bool {
	return o.Code <= OpPushData4
}

// IsRef reports whether the op is one of the Radiant inline-ref opcodes
func (o Op) IsRef() bool {
	return (o.Code >= OpPushInputRef && o.Code <= OpDisallowPushInputRefSibling) ||
		o.Code == OpPushInputRefSingleton
}

// Tokenizer provides a lazy forward iterator over the operations in a raw
// script. The iteration pattern follows txscript.ScriptTokenizer:
//
//	tok := NewTokenizer(script)
//	for tok.Next() {
//	    op := tok.Op()
//	    ...
//	}
//	if tok.Err() != nil { ... }
type Tokenizer struct {
	script []byte
	offset int
	op     Op
	err    error
}

func NewTokenizer(script []byte) Tokenizer {
	return Tokenizer{script: script}
}

// Next advances to the next operation. It returns false when the script is
// exhausted or malformed; check Err to distinguish.
func (t *Tokenizer) Next() bool {
	if t.err != nil || t.offset >= len(t.script) {
		return false
	}
	code := t.script[t.offset]
	t.offset++
	switch {
	case code >= 1 && code <= 0x4b:
		// Direct push of 1-75 bytes
		return t.takeData(code, int(code))
	case code == OpPushData1:
		if t.offset >= len(t.script) {
			return t.fail(code, "short PUSHDATA1 length")
		}
		length := int(t.script[t.offset])
		t.offset++
		return t.takeData(code, length)
	case code == OpPushData2:
		if t.offset+2 > len(t.script) {
			return t.fail(code, "short PUSHDATA2 length")
		}
		length := int(t.script[t.offset]) | int(t.script[t.offset+1])<<8
		t.offset += 2
		return t.takeData(code, length)
	case code == OpPushData4:
		if t.offset+4 > len(t.script) {
			return t.fail(code, "short PUSHDATA4 length")
		}
		length := int(t.script[t.offset]) |
			int(t.script[t.offset+1])<<8 |
			int(t.script[t.offset+2])<<16 |
			int(t.script[t.offset+3])<<24
		t.offset += 4
		return t.takeData(code, length)
	case (Op{Code: code}).IsRef():
		// Inline ref payload follows the opcode directly
		return t.takeData(code, common.RefPayloadSize)
	default:
		t.op = Op{Code: code}
		return true
	}
}

func (t *Tokenizer) takeData(code byte, length int) bool {
	if length < 0 || t.offset+length > len(t.script) {
		return t.fail(code, "push past end of script")
	}
	t.op = Op{Code: code, Data: t.script[t.offset : t.offset+length]}
	t.offset += length
	return true
}

func (t *Tokenizer) fail(code byte, reason string) bool {
	t.err = fmt.Errorf("%w: opcode 0x%02x: %s", ErrMalformedScript, code, reason)
	return false
}

// Op returns the operation from the last successful call to Next
func (t *Tokenizer) Op() Op {
	return t.op
}

func (t *Tokenizer) Err() error {
	return t.err
}

// Parse tokenizes an entire script. Unlike the Tokenizer it is not lazy; it
// is a convenience for callers that need random access to the ops.
func Parse(script []byte) ([]Op, error) {
	var ops []Op
	tok := NewTokenizer(script)
	for tok.Next() {
		ops = append(ops, tok.Op())
	}
	if err := tok.Err(); err != nil {
		return nil, err
	}
	return ops, nil
}

// OutputRefs returns the token refs an output script carries via
// OP_PUSHINPUTREF / OP_PUSHINPUTREFSINGLETON, in push order. Malformed
// scripts yield no refs.
func OutputRefs(script []byte) []common.TokenRef {
	var refs []common.TokenRef
	tok := NewTokenizer(script)
	for tok.Next() {
		op := tok.Op()
		if op.Code != OpPushInputRef && op.Code != OpPushInputRefSingleton {
			continue
		}
		ref, err := common.ParseRefPayload(op.Data)
		if err != nil {
			continue
		}
		refs = append(refs, ref)
	}
	return refs
}
