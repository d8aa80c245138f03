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
	"strings"
)

// Conservative per-line limits that keep every split fragment's compiled
// form comfortably under the 255-byte segment ceiling.
const (
	maxAppendDataTextLength   = 200
	maxManAppendDataHexPairs  = 150
	maxIdbAppendDataHexLength = 400
	maxIdbAppendDataHexPairs  = 200
	maxDodDataHexLength       = 400
	maxDodDataHexPairs        = 200

	// MaxRawDataHexLength is the max hex-literal length (in hex chars, so
	// 112 bytes) accepted inside a `raw_data <"...">` atom.
	MaxRawDataHexLength = 224
)

var (
	indentRe              = regexp.MustCompile(`^\s*`)
	manAppendQuotedRe     = regexp.MustCompile(`man_append_data\s*<\s*"([^"]*)"`)
	manAppendHexRe        = regexp.MustCompile(`man_append_data\s*<\s*([0-9A-Fa-fx, ]+)\s*>`)
	idbAppendContinuousRe = regexp.MustCompile(`idb_append_data\s*<\s*([0-9A-Fa-f\s]+)\s*>`)
	idbAppendHexRe        = regexp.MustCompile(`idb_append_data\s*<\s*([0-9A-Fa-fx, ]+)\s*>`)
	dodDataContinuousRe   = regexp.MustCompile(`dod_data\s*<\s*([0-9A-Fa-f\s]+)\s*>`)
	dodDataHexRe          = regexp.MustCompile(`dod_data\s*<\s*([0-9A-Fa-fx, ]+)\s*>`)
	sentenceEndRe         = regexp.MustCompile(`[.!?]\s+`)
	whitespaceRe          = regexp.MustCompile(`\s+`)
)

// Preprocess splits oversize man_append_data/idb_append_data/dod_data
// lines along safe boundaries (sentence, word, comma, hex pair) so that
// downstream segmentation in the chunker is never forced to cut mid-word
// or mid-hex-pair.
func Preprocess(source string) string {
	lines := strings.Split(source, "\n")
	out := make([]string, 0, len(lines))

	for _, line := range lines {
		switch {
		case isLongAppendDataText(line):
			out = append(out, splitAppendDataTextLine(line)...)
		case isLongAppendDataHex(line):
			out = append(out, splitHexPairLine(line, "man_append_data", manAppendHexRe, maxManAppendDataHexPairs)...)
		case isLongContinuousHex(line, "idb_append_data", idbAppendContinuousRe, maxIdbAppendDataHexLength):
			out = append(out, splitContinuousHexLine(line, "idb_append_data", idbAppendContinuousRe, maxIdbAppendDataHexLength)...)
		case isLongHexPairs(line, "idb_append_data", idbAppendHexRe, maxIdbAppendDataHexPairs):
			out = append(out, splitHexPairLine(line, "idb_append_data", idbAppendHexRe, maxIdbAppendDataHexPairs)...)
		case isLongContinuousHex(line, "dod_data", dodDataContinuousRe, maxDodDataHexLength):
			out = append(out, splitContinuousHexLine(line, "dod_data", dodDataContinuousRe, maxDodDataHexLength)...)
		case isLongHexPairs(line, "dod_data", dodDataHexRe, maxDodDataHexPairs):
			out = append(out, splitHexPairLine(line, "dod_data", dodDataHexRe, maxDodDataHexPairs)...)
		default:
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

func leadingIndent(line string) string {
	return indentRe.FindString(line)
}

func isLongAppendDataText(line string) bool {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "man_append_data") {
		return false
	}
	m := manAppendQuotedRe.FindStringSubmatch(trimmed)
	return m != nil && len(m[1]) > maxAppendDataTextLength
}

func isLongAppendDataHex(line string) bool {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "man_append_data") {
		return false
	}
	content, ok := extractHexPairContent(trimmed, manAppendHexRe)
	if !ok {
		return false
	}
	return countHexPairs(content) > maxManAppendDataHexPairs
}

// extractHexPairContent returns the matched angle-bracket content only
// when it looks like a comma-separated hex-pair list (contains 'x').
func extractHexPairContent(line string, re *regexp.Regexp) (string, bool) {
	m := re.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	if !strings.Contains(strings.ToLower(m[1]), "x") {
		return "", false
	}
	return m[1], true
}

// extractContinuousHexContent returns the matched content only when it
// looks like continuous hex (no 'x' suffix, no commas).
func extractContinuousHexContent(line string, re *regexp.Regexp) (string, bool) {
	m := re.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	lower := strings.ToLower(m[1])
	if strings.Contains(lower, "x") || strings.Contains(m[1], ",") {
		return "", false
	}
	return m[1], true
}

func countHexPairs(content string) int {
	n := 0
	for _, p := range strings.Split(content, ",") {
		if strings.TrimSpace(p) != "" {
			n++
		}
	}
	return n
}

func isLongHexPairs(line, prefix string, re *regexp.Regexp, max int) bool {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, prefix) {
		return false
	}
	content, ok := extractHexPairContent(trimmed, re)
	if !ok {
		return false
	}
	return countHexPairs(content) > max
}

func isLongContinuousHex(line, prefix string, re *regexp.Regexp, max int) bool {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, prefix) {
		return false
	}
	content, ok := extractContinuousHexContent(trimmed, re)
	return ok && len(content) > max
}

// splitAppendDataTextLine splits a quoted man_append_data text line at
// sentence, then word boundaries, preserving boundary whitespace so that
// adjacent words never concatenate once reassembled on the wire.
func splitAppendDataTextLine(line string) []string {
	indent := leadingIndent(line)
	m := manAppendQuotedRe.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return []string{line}
	}

	chunks := splitTextSmartly(m[1])
	out := make([]string, 0, len(chunks))
	for _, c := range chunks {
		escaped := strings.ReplaceAll(c, `"`, `\"`)
		out = append(out, indent+`man_append_data <"`+escaped+`">`)
	}
	return out
}

func splitTextSmartly(text string) []string {
	var chunks []string
	remaining := strings.TrimSpace(text)

	for remaining != "" {
		if len(remaining) <= maxAppendDataTextLength {
			chunks = append(chunks, remaining)
			break
		}
		cut := findGoodSplitPoint(remaining, maxAppendDataTextLength)
		chunk := remaining[:cut]
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		remaining = remaining[cut:]
	}
	return chunks
}

func findGoodSplitPoint(text string, maxLength int) int {
	if len(text) <= maxLength {
		return len(text)
	}

	window := text[:maxLength]
	if matches := sentenceEndRe.FindAllStringIndex(window, -1); len(matches) > 0 {
		last := matches[len(matches)-1]
		return last[1]
	}

	if idx := strings.LastIndexByte(window, ' '); idx > 0 {
		return idx + 1
	}

	return maxLength
}

// splitHexPairLine chunks a comma-separated hex-pair list into groups of
// at most maxPairs, regenerating one atom line per group.
func splitHexPairLine(line, atomName string, re *regexp.Regexp, maxPairs int) []string {
	indent := leadingIndent(line)
	content, ok := extractHexPairContent(strings.TrimSpace(line), re)
	if !ok {
		return []string{line}
	}

	var pairs []string
	for _, p := range strings.Split(content, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			pairs = append(pairs, p)
		}
	}

	var out []string
	for i := 0; i < len(pairs); i += maxPairs {
		end := i + maxPairs
		if end > len(pairs) {
			end = len(pairs)
		}
		out = append(out, indent+atomName+" <"+strings.Join(pairs[i:end], ", ")+">")
	}
	return out
}

// splitContinuousHexLine chunks a continuous hex blob into pieces of at
// most maxLen characters. splitHexData would cut just before a comma
// inside the window, but extractContinuousHexContent rejects content that
// contains a comma, so on this path every cut falls at a multiple of
// maxLen.
func splitContinuousHexLine(line, atomName string, re *regexp.Regexp, maxLen int) []string {
	indent := leadingIndent(line)
	content, ok := extractContinuousHexContent(strings.TrimSpace(line), re)
	if !ok {
		return []string{line}
	}
	cleaned := whitespaceRe.ReplaceAllString(content, "")

	chunks := splitHexData(cleaned, maxLen)
	out := make([]string, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, indent+atomName+" <"+c+">")
	}
	return out
}

func splitHexData(hexData string, maxLen int) []string {
	var chunks []string
	remaining := strings.TrimSpace(hexData)

	for remaining != "" {
		if len(remaining) <= maxLen {
			chunks = append(chunks, remaining)
			break
		}

		candidate := remaining[:maxLen]
		lastComma := strings.LastIndexByte(candidate, ',')
		if lastComma > 0 {
			chunks = append(chunks, remaining[:lastComma])
			remaining = remaining[lastComma+1:]
		} else {
			chunks = append(chunks, remaining[:maxLen])
			remaining = remaining[maxLen:]
		}
	}
	return chunks
}
