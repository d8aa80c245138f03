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
	"github.com/fdopipe/fdopipe/corerr"
)

// Protocol limits from AOLBUF reverse engineering.
const (
	MaxSegmentSize     = 0xFF // hard per-segment ceiling
	MaxOutboundSize    = 119  // per-packet limit, client -> host
	ContinuationMarker = 0x80
)

// Header is the result of parsing a packet's token/stream-id prefix.
type Header struct {
	Token      string
	StreamID   uint64
	HeaderSize int
	Data       []byte
}

// BuildPacket emits token(2) || stream_id_le(w) || data. It returns a
// Config CoreError if stream_id does not fit in the token's stream-id
// width.
func BuildPacket(data []byte, streamID uint64, token string) ([]byte, error) {
	width := StreamIDWidth(token)
	maxStreamID := (uint64(1) << (uint(width) * 8)) - 1
	if streamID > maxStreamID {
		return nil, corerr.NewConfig("stream_id %d out of range for token %q (max %d)", streamID, token, maxStreamID)
	}

	packet := make([]byte, 0, 2+width+len(data))
	tokenBytes := [2]byte{}
	copy(tokenBytes[:], token)
	packet = append(packet, tokenBytes[0], tokenBytes[1])
	packet = append(packet, encodeLE(streamID, width)...)
	packet = append(packet, data...)
	return packet, nil
}

func encodeLE(v uint64, width int) []byte {
	out := make([]byte, width)
	for i := 0; i < width; i++ {
		out[i] = byte(v)
		v >>= 8
	}
	return out
}

func decodeLE(b []byte) uint64 {
	var v uint64
	for i := len(b) - 1; i >= 0; i-- {
		v = (v << 8) | uint64(b[i])
	}
	return v
}

// SegmentDataIfNeeded splits data exceeding MaxSegmentSize bytes,
// prefixing every segment after the first with a 0x80|k continuation
// marker. A unit whose compiled form is exactly MaxSegmentSize bytes
// produces exactly one segment; no trailing empty continuation is
// emitted.
func SegmentDataIfNeeded(data []byte) [][]byte {
	if len(data) <= MaxSegmentSize {
		return [][]byte{data}
	}

	var segments [][]byte
	segments = append(segments, data[:MaxSegmentSize])
	offset := MaxSegmentSize

	for offset < len(data) {
		remaining := len(data) - offset
		chunkSize := MaxSegmentSize - 1
		if remaining < chunkSize {
			chunkSize = remaining
		}

		segment := make([]byte, 0, 1+chunkSize)
		segment = append(segment, byte(ContinuationMarker|chunkSize))
		segment = append(segment, data[offset:offset+chunkSize]...)
		segments = append(segments, segment)
		offset += chunkSize
	}
	return segments
}

// ParsePacketHeader reads the two-byte token (right-trimming NUL) and
// the stream-id that follows it, using the fallback width for tokens
// outside the curated table.
func ParsePacketHeader(packet []byte) (*Header, error) {
	if len(packet) < 2 {
		return nil, corerr.NewParse(0, "packet too short for token")
	}

	token := trimNUL(packet[:2])
	width := StreamIDWidth(token)
	headerSize := 2 + width

	if len(packet) < headerSize {
		return nil, corerr.NewParse(0, "packet too short for token %q (needs %d bytes)", token, headerSize)
	}

	streamID := decodeLE(packet[2:headerSize])
	var data []byte
	if len(packet) > headerSize {
		data = packet[headerSize:]
	}

	return &Header{Token: token, StreamID: streamID, HeaderSize: headerSize, Data: data}, nil
}

func trimNUL(b []byte) string {
	end := len(b)
	for end > 0 && b[end-1] == 0 {
		end--
	}
	return string(b[:end])
}

// EstimateChunkCount estimates how many P3 packets totalDataSize bytes
// of compiled data will require for token, without invoking the worker.
func EstimateChunkCount(totalDataSize int, token string) int {
	headerSize := HeaderSize(token)
	effective := MaxOutboundSize - headerSize
	if effective <= 0 {
		return 0
	}
	return (totalDataSize + effective - 1) / effective
}
