// Copyright 2025 The packetd Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package p3 builds and parses P3-protocol payloads: the token/stream-id
// header, segmentation of oversize atoms, and the outer frame
// (sync/crc/length/sequence/type/data/end) carrying that payload.
package p3

// tokenStreamIDSizes maps a two-character token to its stream-id width
// in bytes. Widths come from reverse engineering of the AOLBUF wire
// format.
var tokenStreamIDSizes = map[string]int{
	"AT": 2,
	"at": 4,
	"At": 3,
	"f1": 2,
	"ff": 2,
	"DD": 2,
	"Dd": 2,
	"D3": 2,
	"NX": 2,
	"OT": 2,
	"XS": 2,
	"Aa": 2,
	"aS": 2,
	"iO": 2,
	"ME": 2,
	"fh": 2,
	"iS": 2,
	"CA": 2,
}

// fallbackStreamIDWidth is used for tokens absent from the curated
// table. JSONL forensics scans field captures containing tokens the
// curated table was never updated for; refusing them would silently
// blind detection rather than merely widen it.
const fallbackStreamIDWidth = 2

// StreamIDWidth returns the stream-id byte width for token, falling
// back to 2 for tokens outside the curated table.
func StreamIDWidth(token string) int {
	if w, ok := tokenStreamIDSizes[token]; ok {
		return w
	}
	return fallbackStreamIDWidth
}

// HeaderSize returns 2 + StreamIDWidth(token).
func HeaderSize(token string) int {
	return 2 + StreamIDWidth(token)
}
