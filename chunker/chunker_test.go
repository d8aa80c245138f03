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

package chunker

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fdopipe/fdopipe/p3"
)

// stubCompiler returns a fixed binary blob for every Compile call,
// standing in for the worker pool client.
type stubCompiler struct {
	out []byte
	err error
}

func (s *stubCompiler) Compile(ctx context.Context, content string) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.out, nil
}

func TestChunk_ManualEncodeOnly(t *testing.T) {
	result, err := Chunk(context.Background(), "idb_append_data <41x, 42x>", 9, "AT", &stubCompiler{})
	require.NoError(t, err)
	require.Len(t, result.Chunks, 1)

	header, err := p3.ParsePacketHeader(result.Chunks[0])
	require.NoError(t, err)
	assert.Equal(t, uint64(9), header.StreamID)
	assert.Equal(t, []byte{0x05, 0x0B, 0x80, 0x02, 0x41, 0x42}, header.Data)
}

func TestChunk_FallsBackToCompilerForUnsupportedAtom(t *testing.T) {
	compiled := []byte{0xAA, 0xBB, 0xCC}
	result, err := Chunk(context.Background(), `man_append_data <"unsupported text content">`, 1, "AT", &stubCompiler{out: compiled})
	require.NoError(t, err)
	require.Len(t, result.Chunks, 1)

	header, err := p3.ParsePacketHeader(result.Chunks[0])
	require.NoError(t, err)
	assert.Equal(t, compiled, header.Data)
}

func TestChunk_CompilerError(t *testing.T) {
	wantErr := errors.New("worker unavailable")
	_, err := Chunk(context.Background(), `man_append_data <"unsupported">`, 1, "AT", &stubCompiler{err: wantErr})
	assert.ErrorIs(t, err, wantErr)
}

func TestChunk_BuffersMultipleSmallUnitsIntoOnePacket(t *testing.T) {
	source := "idb_append_data <01x>\nidb_append_data <02x>"
	result, err := Chunk(context.Background(), source, 1, "AT", &stubCompiler{})
	require.NoError(t, err)
	require.Len(t, result.Chunks, 1)

	header, err := p3.ParsePacketHeader(result.Chunks[0])
	require.NoError(t, err)
	assert.Equal(t, 10, len(header.Data)) // two 5-byte manual-encoded atoms
}

func TestChunk_SegmentsOversizeCompiledUnit(t *testing.T) {
	big := make([]byte, p3.MaxSegmentSize+20)
	for i := range big {
		big[i] = byte(i)
	}
	result, err := Chunk(context.Background(), `man_append_data <"x">`, 1, "AT", &stubCompiler{out: big})
	require.NoError(t, err)
	require.Len(t, result.Chunks, 2)
	assert.False(t, result.ChunkInfo[0].IsContinuation)
	assert.True(t, result.ChunkInfo[1].IsContinuation)
}

func TestChunk_RawDataAtomFramesIndependently(t *testing.T) {
	hexLiteral := strings.Repeat("AB", 60)
	source := `raw_data <"` + hexLiteral + `">`
	result, err := Chunk(context.Background(), source, 1, "AT", &stubCompiler{})
	require.NoError(t, err)
	require.Len(t, result.Chunks, 1)

	header, err := p3.ParsePacketHeader(result.Chunks[0])
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x05, 0x76}, header.Data[:3])
}

func TestChunk_RawDataFlushesPendingBufferFirst(t *testing.T) {
	hexLiteral := strings.Repeat("AB", 10)
	source := "idb_append_data <01x>\n" + `raw_data <"` + hexLiteral + `">`
	result, err := Chunk(context.Background(), source, 1, "AT", &stubCompiler{})
	require.NoError(t, err)
	require.Len(t, result.Chunks, 2)

	first, err := p3.ParsePacketHeader(result.Chunks[0])
	require.NoError(t, err)
	assert.Equal(t, []byte{0x05, 0x0B, 0x80, 0x01, 0x01}, first.Data)

	second, err := p3.ParsePacketHeader(result.Chunks[1])
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x05, 0x76}, second.Data[:3])
}

func TestChunk_EmptySourceProducesNoPackets(t *testing.T) {
	result, err := Chunk(context.Background(), "", 1, "AT", &stubCompiler{})
	require.NoError(t, err)
	assert.Empty(t, result.Chunks)
}

func TestChunk_MalformedRawData(t *testing.T) {
	_, err := Chunk(context.Background(), `raw_data <"not-hex">`, 1, "AT", &stubCompiler{})
	assert.Error(t, err)
}

func TestEstimateChunkCount(t *testing.T) {
	n, err := EstimateChunkCount("idb_append_data <01x, 02x>", "AT")
	require.NoError(t, err)
	assert.Greater(t, n, 0)
}
