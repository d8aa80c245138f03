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

// Package chunker drives the atom parser, the manual encoder, and a
// pluggable Compiler (normally the worker pool client) to turn FDO
// source text into an ordered list of P3 packets with per-packet
// continuation metadata.
package chunker

import (
	"context"
	"encoding/hex"

	"github.com/valyala/bytebufferpool"

	"github.com/fdopipe/fdopipe/atom"
	"github.com/fdopipe/fdopipe/corerr"
	"github.com/fdopipe/fdopipe/p3"
)

// rawFramePrefix identifies a raw_data blob inside a P3 payload.
var rawFramePrefix = []byte{0x00, 0x05, 0x76}

// Compiler compiles one atom unit's textual content into its binary
// form. In production this is the worker pool client (C9); tests supply
// a stub.
type Compiler interface {
	Compile(ctx context.Context, content string) ([]byte, error)
}

// ChunkMeta describes one emitted packet.
type ChunkMeta struct {
	Size           int
	SequenceIndex  int
	IsContinuation bool
}

// Result is the chunker's output: an ordered list of packets and their
// per-packet metadata.
type Result struct {
	Chunks    [][]byte
	ChunkInfo []ChunkMeta
}

// Chunk drives C2 (parse), C1 (manual encode) and C9 (compiler) to build
// an ordered list of P3 packets for source, addressed to streamID under
// token.
func Chunk(ctx context.Context, source string, streamID uint64, token string, compiler Compiler) (*Result, error) {
	units := atom.ParsePreservingActions(source)

	header := p3.HeaderSize(token)
	perPacketCap := p3.MaxOutboundSize - header
	if perPacketCap <= 0 {
		return nil, corerr.NewConfig("token %q header size %d leaves no room under the %d-byte outbound cap", token, header, p3.MaxOutboundSize)
	}

	b := &builder{streamID: streamID, token: token, perPacketCap: perPacketCap}

	for _, u := range units {
		if u.Kind == atom.RawDataAtom {
			if err := b.flush(); err != nil {
				return nil, err
			}
			if err := b.appendRawData(u, header); err != nil {
				return nil, err
			}
			continue
		}

		bin, err := compileUnit(ctx, u.Content, compiler)
		if err != nil {
			return nil, err
		}

		segments := p3.SegmentDataIfNeeded(bin)
		if len(segments) > 1 {
			if err := b.flush(); err != nil {
				return nil, err
			}
			if err := b.appendSegmented(segments); err != nil {
				return nil, err
			}
			continue
		}

		if err := b.appendOrBuffer(segments[0]); err != nil {
			return nil, err
		}
	}

	if err := b.flush(); err != nil {
		return nil, err
	}
	return &Result{Chunks: b.packets, ChunkInfo: b.chunkInfo}, nil
}

// compileUnit tries the manual encoder first; only hex-pair atoms the
// encoder supports skip the worker round-trip.
func compileUnit(ctx context.Context, content string, compiler Compiler) ([]byte, error) {
	if bin, ok := atom.EncodeManually(content); ok {
		return bin, nil
	}
	return compiler.Compile(ctx, content)
}

// builder accumulates packets for one Chunk call.
type builder struct {
	streamID     uint64
	token        string
	perPacketCap int

	cur            []byte
	inSegmentedRun bool

	packets   [][]byte
	chunkInfo []ChunkMeta
}

func (b *builder) flush() error {
	if len(b.cur) == 0 {
		return nil
	}
	if err := b.emit(b.cur, b.inSegmentedRun); err != nil {
		return err
	}
	b.cur = nil
	return nil
}

func (b *builder) appendOrBuffer(data []byte) error {
	if len(b.cur)+len(data) > b.perPacketCap {
		if err := b.flush(); err != nil {
			return err
		}
	}
	b.cur = append(b.cur, data...)
	return nil
}

func (b *builder) appendSegmented(segments [][]byte) error {
	for i, seg := range segments {
		isContinuation := b.inSegmentedRun
		if i > 0 {
			isContinuation = true
		}
		if err := b.emit(seg, isContinuation); err != nil {
			return err
		}
	}
	b.inSegmentedRun = true
	return nil
}

// appendRawData slices a raw_data atom's hex-decoded payload into
// frames no larger than 128 - header - 3 bytes, each independently
// prefixed with the 00 05 76 raw-blob marker. Raw frames never
// participate in a segmented run.
func (b *builder) appendRawData(u atom.Unit, header int) error {
	const rawFrameCeiling = 128
	hexLiteral, ok := atom.ValidateRawData(u.Content)
	if !ok {
		return corerr.NewParse(u.LineStart+1, "malformed raw_data atom")
	}

	raw, err := hex.DecodeString(hexLiteral)
	if err != nil {
		return corerr.NewParse(u.LineStart+1, "raw_data hex literal decode failed: %v", err)
	}

	maxData := rawFrameCeiling - header - len(rawFramePrefix)
	if maxData <= 0 {
		return corerr.NewConfig("token %q leaves no room for raw_data payload under the %d-byte raw frame ceiling", b.token, rawFrameCeiling)
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	for offset := 0; offset < len(raw); offset += maxData {
		end := offset + maxData
		if end > len(raw) {
			end = len(raw)
		}
		buf.Reset()
		buf.Write(rawFramePrefix)
		buf.Write(raw[offset:end])
		if err := b.emit(append([]byte(nil), buf.Bytes()...), false); err != nil {
			return err
		}
	}
	return nil
}

func (b *builder) emit(payload []byte, isContinuation bool) error {
	packet, err := p3.BuildPacket(payload, b.streamID, b.token)
	if err != nil {
		return err
	}
	b.packets = append(b.packets, packet)
	b.chunkInfo = append(b.chunkInfo, ChunkMeta{
		Size:           len(packet),
		SequenceIndex:  len(b.packets) - 1,
		IsContinuation: isContinuation,
	})
	return nil
}

// EstimateChunkCount runs C3's sizing math without invoking the worker,
// letting callers budget before a real compile.
func EstimateChunkCount(source string, token string) (int, error) {
	units := atom.ParsePreservingActions(source)
	total := 0
	for _, u := range units {
		total += len(u.Content)
	}
	return p3.EstimateChunkCount(total, token), nil
}
