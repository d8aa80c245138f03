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

package atom

import (
	"regexp"
	"strconv"
	"strings"
)

// Binary format for manually-encodable hex-pair atoms, reverse engineered
// from the native compiler's output:
//
//	opcode(1)=0x05 | flags(1)=0x0B | format_marker(1)=0x80 | length(1) | payload(length)
const (
	manualOpcode       byte = 0x05
	manualFlags        byte = 0x0B
	manualFormatMarker byte = 0x80
	manualMaxPayload   = 255
)

var manualAtomNames = []string{"idb_append_data", "dod_data", "man_append_data"}

var hexPairListRe = regexp.MustCompile(`<[^>]*[0-9a-fA-F]x[^>]*>`)
var angleContentRe = regexp.MustCompile(`<([^>]+)>`)
var hexPairRe = regexp.MustCompile(`^[0-9a-fA-F]{1,2}$`)

// CanEncodeManually reports whether line is one of the three supported
// atom names with a comma-separated hex-pair argument list that the
// manual encoder can emit without involving the worker.
func CanEncodeManually(line string) bool {
	pairs, ok := extractHexPairs(line)
	return ok && len(pairs) > 0 && len(pairs) <= manualMaxPayload
}

// EncodeManually emits the bit-exact binary form of a supported
// hex-pair atom line. It returns ok=false when the line is not a
// supported shape; callers must fall back to the worker in that case.
func EncodeManually(line string) (out []byte, ok bool) {
	pairs, found := extractHexPairs(line)
	if !found || len(pairs) == 0 || len(pairs) > manualMaxPayload {
		return nil, false
	}

	out = make([]byte, 0, 4+len(pairs))
	out = append(out, manualOpcode, manualFlags, manualFormatMarker, byte(len(pairs)))
	for _, p := range pairs {
		v, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return nil, false
		}
		out = append(out, byte(v))
	}
	return out, true
}

func extractHexPairs(line string) ([]string, bool) {
	trimmed := strings.TrimSpace(line)

	matchesName := false
	for _, name := range manualAtomNames {
		if strings.HasPrefix(trimmed, name) {
			matchesName = true
			break
		}
	}
	if !matchesName {
		return nil, false
	}
	if !hexPairListRe.MatchString(trimmed) {
		return nil, false
	}

	m := angleContentRe.FindStringSubmatch(trimmed)
	if m == nil {
		return nil, false
	}

	var pairs []string
	for _, item := range strings.Split(m[1], ",") {
		v := strings.ToLower(strings.TrimSpace(item))
		if !strings.HasSuffix(v, "x") {
			continue
		}
		v = strings.TrimSuffix(v, "x")
		if !hexPairRe.MatchString(v) {
			continue
		}
		if len(v) == 1 {
			v = "0" + v
		}
		pairs = append(pairs, strings.ToUpper(v))
	}
	if len(pairs) == 0 {
		return nil, false
	}
	return pairs, true
}
