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

package p3

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTestFrame(data []byte, typeField byte) []byte {
	f := &Frame{Sync: SyncByte, CRC: 0xBEEF, TxSeq: 1, RxSeq: 2, TypeField: typeField, Data: data, MsgEnd: MsgEndByte}
	return SerializeFrame(f)
}

func TestParseFrame_RoundTrip(t *testing.T) {
	raw := buildTestFrame([]byte("AT\x01\x00hello"), 0x20)
	f, err := ParseFrame(raw)
	require.NoError(t, err)
	assert.Equal(t, TypeDATA, f.PacketType)
	assert.False(t, f.ClientPacket)
	assert.Equal(t, []byte("AT\x01\x00hello"), f.Data)
	assert.Equal(t, len(raw), f.FrameSize)
}

func TestParseFrame_ClientPacketFlag(t *testing.T) {
	raw := buildTestFrame([]byte{0x01}, 0x20|0x80)
	f, err := ParseFrame(raw)
	require.NoError(t, err)
	assert.True(t, f.ClientPacket)
	assert.Equal(t, TypeDATA, f.PacketType)
}

func TestParseFrame_UnknownType(t *testing.T) {
	raw := buildTestFrame([]byte{0x01}, 0x7F)
	f, err := ParseFrame(raw)
	require.NoError(t, err)
	assert.Equal(t, TypeUNKNOWN, f.PacketType)
}

func TestParseFrame_Errors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"too short", []byte{SyncByte, 0, 1, 0, 3}},
		{"bad sync", append([]byte{0x00}, buildTestFrame([]byte{0x01}, 0x20)[1:]...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseFrame(tt.data)
			assert.Error(t, err)
		})
	}
}

func TestParseFrame_LengthMismatch(t *testing.T) {
	raw := buildTestFrame([]byte{0x01, 0x02}, 0x20)
	raw = raw[:len(raw)-2]
	_, err := ParseFrame(raw)
	assert.Error(t, err)
}

func TestParseFrame_BadMsgEnd(t *testing.T) {
	raw := buildTestFrame([]byte{0x01}, 0x20)
	raw[len(raw)-1] = 0xFF
	_, err := ParseFrame(raw)
	assert.Error(t, err)
}

func TestQuickValidate(t *testing.T) {
	raw := buildTestFrame([]byte("hello"), 0x20)
	assert.True(t, QuickValidate(raw))
	assert.False(t, QuickValidate(raw[:3]))

	corrupt := append([]byte{}, raw...)
	corrupt[len(corrupt)-1] = 0x00
	assert.False(t, QuickValidate(corrupt))
}

func TestExtractDataOnly(t *testing.T) {
	raw := buildTestFrame([]byte("payload"), 0x20)
	data, ok := ExtractDataOnly(raw)
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), data)

	_, ok = ExtractDataOnly([]byte{0x01})
	assert.False(t, ok)
}
