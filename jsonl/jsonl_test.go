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

package jsonl

import (
	"encoding/hex"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fdopipe/fdopipe/p3"
)

func fdoFrameHex(t *testing.T, data []byte, streamID uint64, token string) string {
	t.Helper()
	packet, err := p3.BuildPacket(data, streamID, token)
	require.NoError(t, err)
	f := &p3.Frame{Sync: p3.SyncByte, TxSeq: 1, RxSeq: 1, TypeField: 0x20, Data: packet, MsgEnd: p3.MsgEndByte}
	return strings.ToUpper(hex.EncodeToString(p3.SerializeFrame(f)))
}

func TestProcess_ExtractsAndReassemblesFDOFrames(t *testing.T) {
	line1 := fmt.Sprintf(`{"fullHex":"%s","ts":1.0}`, fdoFrameHex(t, []byte("hello "), 1, "AT"))
	line2 := fmt.Sprintf(`{"fullHex":"%s","ts":2.0}`, fdoFrameHex(t, []byte("world"), 1, "AT"))
	capture := line1 + "\n" + line2 + "\n"

	result, err := Process(strings.NewReader(capture))
	require.NoError(t, err)
	assert.Equal(t, 2, result.FramesProcessed)
	assert.Equal(t, 2, result.FDOFramesFound)
	assert.Equal(t, OldestFirst, result.ChronologicalOrder)
	assert.Equal(t, []byte("hello world"), result.Reassembled)
	assert.Equal(t, []string{"AT"}, result.SupportedTokens)
}

func TestProcess_DetectsNewestFirstOrderAndReverses(t *testing.T) {
	line1 := fmt.Sprintf(`{"fullHex":"%s","ts":2.0}`, fdoFrameHex(t, []byte("world"), 1, "AT"))
	line2 := fmt.Sprintf(`{"fullHex":"%s","ts":1.0}`, fdoFrameHex(t, []byte("hello "), 1, "AT"))
	capture := line1 + "\n" + line2 + "\n"

	result, err := Process(strings.NewReader(capture))
	require.NoError(t, err)
	assert.Equal(t, NewestFirst, result.ChronologicalOrder)
	assert.Equal(t, []byte("hello world"), result.Reassembled)
}

func TestProcess_SkipsNonFDOAndMalformedLines(t *testing.T) {
	ackFrame := &p3.Frame{Sync: p3.SyncByte, TxSeq: 1, RxSeq: 1, TypeField: 0x24, Data: []byte{0x01}, MsgEnd: p3.MsgEndByte}
	ackHex := strings.ToUpper(hex.EncodeToString(p3.SerializeFrame(ackFrame)))

	capture := strings.Join([]string{
		"not even json",
		fmt.Sprintf(`{"fullHex":"%s","ts":1.0}`, ackHex),
		`{"fullHex":"ABC","ts":1.0}`,
		"",
		fmt.Sprintf(`{"fullHex":"%s","ts":3.0}`, fdoFrameHex(t, []byte("ok"), 1, "AT")),
	}, "\n")

	result, err := Process(strings.NewReader(capture))
	require.NoError(t, err)
	assert.Equal(t, 1, result.FDOFramesFound)
	assert.Equal(t, []byte("ok"), result.Reassembled)
}

func TestCoerceTimestamp(t *testing.T) {
	assert.Equal(t, 1.5, coerceTimestamp(1.5))
	assert.Equal(t, 1.759028162441e9, coerceTimestamp("1.759028162441E9"))
	assert.Equal(t, float64(0), coerceTimestamp("not a number"))
	assert.Equal(t, float64(0), coerceTimestamp(nil))
}

func TestDetermineOrder_TieResolvesNewestFirst(t *testing.T) {
	capture := strings.Join([]string{
		`{"fullHex":"AA","ts":1.0}`,
		`{"fullHex":"AA","ts":2.0}`,
		`{"fullHex":"AA","ts":2.0}`,
		`{"fullHex":"AA","ts":1.0}`,
	}, "\n")
	order, count := determineOrder([]byte(capture))
	assert.Equal(t, NewestFirst, order)
	assert.Equal(t, 4, count)
}

func TestDetermineOrder_IgnoresLinesWithoutFullHex(t *testing.T) {
	capture := strings.Join([]string{
		`{"ts":9.0}`,
		`{"fullHex":"AA","ts":1.0}`,
		`{"fullHex":"AA","ts":2.0}`,
	}, "\n")
	order, count := determineOrder([]byte(capture))
	assert.Equal(t, OldestFirst, order)
	assert.Equal(t, 2, count)
}

func TestDetermineOrder_SingleTimestampDefaultsOldestFirst(t *testing.T) {
	order, count := determineOrder([]byte(`{"fullHex":"AA","ts":5.0}` + "\n"))
	assert.Equal(t, OldestFirst, order)
	assert.Equal(t, 1, count)
}
