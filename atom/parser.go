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

// actionAtomNames open a possibly multi-line atomic unit when present
// anywhere in a line.
var actionAtomNames = []string{
	"act_replace_select_action",
	"act_replace_action",
	"act_set_criterion",
	"act_do_action",
	"act_append_select_action",
	"act_append_action",
	"act_prepend_select_action",
	"act_insert_select_action",
}

var nestedLookalikePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^\s*\w+_\w+\s*<`),
	regexp.MustCompile(`^\s*uni_start_stream`),
	regexp.MustCompile(`^\s*uni_end_stream`),
	regexp.MustCompile(`^\s*man_\w+`),
	regexp.MustCompile(`^\s*mat_\w+`),
	regexp.MustCompile(`^\s*sm_\w+`),
	regexp.MustCompile(`^\s*<$`),
	regexp.MustCompile(`^\s*>$`),
}

// ParsePreservingActions preprocesses source, then splits it into an
// ordered list of atom Units, keeping action blocks textually contiguous
// so the chunker never splits one across packets.
func ParsePreservingActions(source string) []Unit {
	preprocessed := Preprocess(source)
	lines := strings.Split(strings.TrimSpace(preprocessed), "\n")

	var units []Unit
	i := 0
	for i < len(lines) {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			i++
			continue
		}

		if isActionAtom(line) {
			u := parseActionBlock(lines, i)
			units = append(units, u)
			i = u.LineEnd + 1
			continue
		}

		kind := SingleAtom
		if isRawData(line) {
			kind = RawDataAtom
		}
		units = append(units, Unit{Content: line, Kind: kind, LineStart: i, LineEnd: i})
		i++
	}
	return units
}

func isActionAtom(line string) bool {
	for _, name := range actionAtomNames {
		if strings.Contains(line, name) {
			return true
		}
	}
	return false
}

func isRawData(line string) bool {
	return strings.HasPrefix(strings.TrimSpace(line), "raw_data")
}

// parseActionBlock parses the possibly-multiline action block starting
// at startIdx. A block that gathers no nested content degrades to a
// plain single atom.
func parseActionBlock(lines []string, startIdx int) Unit {
	actionLine := strings.TrimSpace(lines[startIdx])
	blockLines := []string{actionLine}
	idx := startIdx + 1

	if idx < len(lines) {
		next := strings.TrimSpace(lines[idx])

		switch {
		case next == "<":
			blockLines = append(blockLines, next)
			idx++
			depth := 1
			for idx < len(lines) && depth > 0 {
				cur := strings.TrimSpace(lines[idx])
				blockLines = append(blockLines, cur)
				switch cur {
				case "<":
					depth++
				case ">":
					depth--
				}
				idx++
			}
		case looksLikeNestedAtom(next):
			for idx < len(lines) && strings.TrimSpace(lines[idx]) != "" && looksLikeNestedAtom(strings.TrimSpace(lines[idx])) {
				blockLines = append(blockLines, strings.TrimSpace(lines[idx]))
				idx++
			}
		}
	}

	if len(blockLines) > 1 {
		return Unit{
			Content:   strings.Join(blockLines, "\n"),
			Kind:      ActionBlock,
			LineStart: startIdx,
			LineEnd:   idx - 1,
		}
	}
	return Unit{Content: actionLine, Kind: SingleAtom, LineStart: startIdx, LineEnd: startIdx}
}

func looksLikeNestedAtom(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false
	}
	for _, re := range nestedLookalikePatterns {
		if re.MatchString(trimmed) {
			return true
		}
	}
	return false
}
