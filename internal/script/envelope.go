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

	"github.com/fxamacker/cbor/v2"
)

// glyphMarker is the 3-byte envelope marker
var glyphMarker = []byte("gly")

const (
	// flagReveal is bit 7 of the v2 Style A flags byte
	flagReveal = 0x80
)

// EnvelopeKind distinguishes reveals (metadata published) from commits
// (metadata hash only)
type EnvelopeKind int

const (
	EnvelopeReveal EnvelopeKind = iota
	EnvelopeCommit
)

func (k EnvelopeKind) String() string {
	if k == EnvelopeCommit {
		return "commit"
	}
	return "reveal"
}

// Envelope is a detected Glyph envelope. RawMetadata holds the CBOR payload
// for reveals and the commit header bytes for commits; decoding the payload
// into a token descriptor is the glyph package's job.
type Envelope struct {
	Version     int
	Kind        EnvelopeKind
	Flags       byte
	RawMetadata []byte
}

// isCBORMap reports whether data decodes as a single CBOR map, the shape
// every Glyph reveal payload has. This is the disambiguation probe between
// reveal and commit payloads following a standalone "gly" push.
func isCBORMap(data []byte) bool {
	var m map[any]any
	dec := cbor.DecOptions{
		// Metadata payloads nest media maps a few levels deep at most;
		// reject adversarial nesting early
		MaxNestedLevels: 16,
	}
	mode, err := dec.DecMode()
	if err != nil {
		return false
	}
	return mode.Unmarshal(data, &m) == nil
}

// ScanInput detects a Glyph envelope in an input scriptSig. Two forms live
// here:
//
//   - v1: a standalone "gly" push followed by a CBOR map push (reveal)
//   - v2 Style B: OP_3, then a "gly" push, then a payload push that is
//     either a CBOR map (reveal) or a version||flags||commit header
//
// Returns nil when the script carries no envelope.
func ScanInput(scriptSig []byte) *Envelope {
	ops, err := Parse(scriptSig)
	if err != nil {
		return nil
	}
	for i, op := range ops {
		if !op.IsPush() || !bytes.Equal(op.Data, glyphMarker) {
			continue
		}
		if i+1 >= len(ops) || !ops[i+1].IsPush() {
			continue
		}
		payload := ops[i+1].Data
		styleB := i > 0 && ops[i-1].Code == Op3
		// Reveal-or-commit probe: a decodable CBOR map is a reveal
		if isCBORMap(payload) {
			version := 1
			if styleB {
				version = 2
			}
			return &Envelope{
				Version:     version,
				Kind:        EnvelopeReveal,
				RawMetadata: payload,
			}
		}
		// Not a map: only meaningful as a v2 commit header
		if len(payload) < 2 {
			continue
		}
		return &Envelope{
			Version:     int(payload[0]),
			Kind:        EnvelopeCommit,
			Flags:       payload[1],
			RawMetadata: payload[2:],
		}
	}
	return nil
}

// ScanOutput detects a v2 Style A envelope in an output script: OP_RETURN
// followed by a push beginning with "gly", a version byte and a flags byte.
// When the flags mark a reveal the next push holds the CBOR payload;
// otherwise the remainder of the marker push is the commit layout (commit
// hash plus optional content root/controller).
func ScanOutput(scriptPubKey []byte) *Envelope {
	ops, err := Parse(scriptPubKey)
	if err != nil {
		return nil
	}
	for i, op := range ops {
		if op.Code != OpReturn {
			continue
		}
		if i+1 >= len(ops) || !ops[i+1].IsPush() {
			return nil
		}
		header := ops[i+1].Data
		if len(header) < len(glyphMarker)+2 ||
			!bytes.Equal(header[:len(glyphMarker)], glyphMarker) {
			return nil
		}
		version := int(header[len(glyphMarker)])
		flags := header[len(glyphMarker)+1]
		if flags&flagReveal != 0 {
			if i+2 >= len(ops) || !ops[i+2].IsPush() {
				return nil
			}
			return &Envelope{
				Version:     version,
				Kind:        EnvelopeReveal,
				Flags:       flags,
				RawMetadata: ops[i+2].Data,
			}
		}
		return &Envelope{
			Version:     version,
			Kind:        EnvelopeCommit,
			Flags:       flags,
			RawMetadata: header[len(glyphMarker)+2:],
		}
	}
	return nil
}
