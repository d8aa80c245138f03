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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateSyntax_Balanced(t *testing.T) {
	source := "uni_start_stream\nidb_append_data <01x>\nuni_end_stream"
	report := ValidateSyntax(source)
	assert.True(t, report.Valid)
	assert.Empty(t, report.Errors)
	assert.Equal(t, 3, report.Stats.AtomCount)
}

func TestValidateSyntax_UnmatchedBracket(t *testing.T) {
	source := "act_do_action\n<\nidb_append_data <01x>"
	report := ValidateSyntax(source)
	assert.False(t, report.Valid)
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0], "Unbalanced brackets")
}

func TestValidateSyntax_UnmatchedClosingBracket(t *testing.T) {
	source := "idb_append_data <01x>\n>"
	report := ValidateSyntax(source)
	assert.False(t, report.Valid)
	found := false
	for _, e := range report.Errors {
		if strings.Contains(e, "Unmatched closing bracket") {
			found = true
		}
	}
	assert.True(t, found)
}

func TestValidateSyntax_UnmatchedStream(t *testing.T) {
	report := ValidateSyntax("uni_start_stream\nidb_append_data <01x>")
	assert.False(t, report.Valid)
	assert.Contains(t, report.Errors[0], "Unbalanced streams")
}

func TestValidateRawData(t *testing.T) {
	tests := []struct {
		name   string
		line   string
		hex    string
		wantOK bool
	}{
		{"valid short", `raw_data <"DEADBEEF">`, "DEADBEEF", true},
		{"not raw data", `idb_append_data <01x>`, "", false},
		{"too long", `raw_data <"` + strings.Repeat("AB", MaxRawDataHexLength/2+1) + `">`, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hex, ok := ValidateRawData(tt.line)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.hex, hex)
			}
		})
	}
}
