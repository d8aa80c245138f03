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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanEncodeManually(t *testing.T) {
	tests := []struct {
		name string
		line string
		want bool
	}{
		{"simple idb_append_data", `idb_append_data <41x, 42x>`, true},
		{"man_append_data single pair", `man_append_data <0Ax>`, true},
		{"dod_data", `dod_data <FFx, 00x, 1x>`, true},
		{"not a hex pair list", `man_append_data <"hello">`, false},
		{"unsupported atom name", `act_do_action <01x>`, false},
		{"empty angle content", `idb_append_data <>`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanEncodeManually(tt.line))
		})
	}
}

func TestEncodeManually(t *testing.T) {
	out, ok := EncodeManually(`idb_append_data <41x, 42x>`)
	assert.True(t, ok)
	assert.Equal(t, []byte{0x05, 0x0B, 0x80, 0x02, 0x41, 0x42}, out)
}

func TestEncodeManually_SingleHexDigitPair(t *testing.T) {
	out, ok := EncodeManually(`man_append_data <ax>`)
	assert.True(t, ok)
	assert.Equal(t, []byte{0x05, 0x0B, 0x80, 0x01, 0x0A}, out)
}

func TestEncodeManually_Unsupported(t *testing.T) {
	_, ok := EncodeManually(`man_append_data <"plain text">`)
	assert.False(t, ok)
}

func TestEncodeManually_TooManyPairs(t *testing.T) {
	line := "idb_append_data <"
	for i := 0; i < manualMaxPayload+1; i++ {
		if i > 0 {
			line += ", "
		}
		line += "41x"
	}
	line += ">"
	_, ok := EncodeManually(line)
	assert.False(t, ok)
}
