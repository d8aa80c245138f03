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
	"encoding/binary"

	"github.com/fdopipe/fdopipe/corerr"
)

const (
	SyncByte   byte = 0x5A
	MsgEndByte byte = 0x0D
	// MinFrameSize = sync + crc(2) + length(2) + tx_seq + rx_seq + type + msg_end.
	MinFrameSize = 9
)

// PacketType classifies the low 7 bits of a frame's type byte.
type PacketType int

const (
	TypeDATA PacketType = iota
	TypeSS
	TypeSSR
	TypeINIT
	TypeACK
	TypeNAK
	TypeHEARTBEAT
	TypeUNKNOWN
)

var packetTypeValues = map[byte]PacketType{
	0x20: TypeDATA,
	0x21: TypeSS,
	0x22: TypeSSR,
	0x23: TypeINIT,
	0x24: TypeACK,
	0x25: TypeNAK,
	0x26: TypeHEARTBEAT,
}

func (t PacketType) String() string {
	switch t {
	case TypeDATA:
		return "DATA"
	case TypeSS:
		return "SS"
	case TypeSSR:
		return "SSR"
	case TypeINIT:
		return "INIT"
	case TypeACK:
		return "ACK"
	case TypeNAK:
		return "NAK"
	case TypeHEARTBEAT:
		return "HEARTBEAT"
	default:
		return "UNKNOWN"
	}
}

// Frame is the decoder view of a parsed P3 frame.
type Frame struct {
	Sync            byte
	CRC             uint16 // carried, never validated
	Length          uint16
	TxSeq           byte
	RxSeq           byte
	TypeField       byte
	PacketType      PacketType
	PacketTypeValue byte
	ClientPacket    bool
	Data            []byte
	MsgEnd          byte
	FrameSize       int
}

// ParseFrame validates and decodes a complete P3 frame. The CRC field is
// read but never checked: captures are lossy and CRC enforcement is
// explicitly out of the hot path.
func ParseFrame(b []byte) (*Frame, error) {
	if len(b) == 0 {
		return nil, corerr.NewParse(0, "empty frame data")
	}
	if len(b) < MinFrameSize {
		return nil, corerr.NewParse(0, "frame too short: %d bytes (minimum %d)", len(b), MinFrameSize)
	}

	sync := b[0]
	if sync != SyncByte {
		return nil, corerr.NewParse(0, "invalid sync byte: 0x%02X (expected 0x%02X)", sync, SyncByte)
	}

	crc := binary.BigEndian.Uint16(b[1:3])
	length := binary.BigEndian.Uint16(b[3:5])
	if length < 3 {
		return nil, corerr.NewParse(0, "invalid length field: %d (minimum 3)", length)
	}

	txSeq := b[5]
	rxSeq := b[6]
	typeField := b[7]
	packetTypeValue := typeField & 0x7F
	packetType, known := packetTypeValues[packetTypeValue]
	if !known {
		packetType = TypeUNKNOWN
	}

	dataLength := int(length) - 3
	dataStart := 8
	dataEnd := dataStart + dataLength

	expectedFrameSize := dataEnd + 1
	if len(b) < expectedFrameSize {
		return nil, corerr.NewParse(0, "frame size mismatch: got %d bytes, expected %d (length field claims %d data bytes)",
			len(b), expectedFrameSize, dataLength)
	}

	data := b[dataStart:dataEnd]
	msgEnd := b[dataEnd]
	if msgEnd != MsgEndByte {
		return nil, corerr.NewParse(0, "invalid msg_end byte: 0x%02X (expected 0x%02X)", msgEnd, MsgEndByte)
	}

	return &Frame{
		Sync:            sync,
		CRC:             crc,
		Length:          length,
		TxSeq:           txSeq,
		RxSeq:           rxSeq,
		TypeField:       typeField,
		PacketType:      packetType,
		PacketTypeValue: packetTypeValue,
		ClientPacket:    typeField&0x80 != 0,
		Data:            data,
		MsgEnd:          msgEnd,
		FrameSize:       len(b),
	}, nil
}

// QuickValidate is a cheap predicate used to filter candidate frames
// while scanning a JSONL capture, without building a Frame.
func QuickValidate(b []byte) bool {
	if len(b) < MinFrameSize {
		return false
	}
	if b[0] != SyncByte {
		return false
	}
	if len(b) < 5 {
		return false
	}
	length := binary.BigEndian.Uint16(b[3:5])
	if length < 3 {
		return false
	}
	expectedSize := 8 + (int(length) - 3) + 1
	if len(b) != expectedSize {
		return false
	}
	return b[len(b)-1] == MsgEndByte
}

// ExtractDataOnly is a fast path that returns only the data field,
// without surfacing a parse error.
func ExtractDataOnly(b []byte) ([]byte, bool) {
	f, err := ParseFrame(b)
	if err != nil {
		return nil, false
	}
	return f.Data, true
}

// SerializeFrame rebuilds the wire bytes for a Frame. Used by tests to
// round-trip ParseFrame(SerializeFrame(f)) == f (modulo CRC).
func SerializeFrame(f *Frame) []byte {
	length := uint16(len(f.Data) + 3)
	out := make([]byte, 0, 8+len(f.Data)+1)
	out = append(out, f.Sync)
	crcBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(crcBuf, f.CRC)
	out = append(out, crcBuf...)
	lenBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(lenBuf, length)
	out = append(out, lenBuf...)
	out = append(out, f.TxSeq, f.RxSeq, f.TypeField)
	out = append(out, f.Data...)
	out = append(out, MsgEndByte)
	return out
}
