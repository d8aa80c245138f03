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

// Package jsonl streams a capture of newline-delimited P3 frame records,
// detects which records carry FDO data, and reassembles them into a
// single ordered byte stream for decompilation.
package jsonl

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"io"
	"runtime"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/fdopipe/fdopipe/corerr"
	"github.com/fdopipe/fdopipe/logger"
	"github.com/fdopipe/fdopipe/p3"
)

// Safety limits for streaming processing, matched to the original
// decompiler's caps for runaway captures.
const (
	MaxFramesLimit      = 10_000_000
	MaxProcessingTime   = 30 * time.Minute
	MaxMemoryMB         = 4096
	MemorySampleEvery   = 1_000
	ProgressLogInterval = 10_000
	orderSampleSize     = 100
)

// Limits bounds one Process pass, guarding against runaway captures.
// Zero fields fall back to the package defaults.
type Limits struct {
	MaxFrames   int
	MaxTime     time.Duration
	MaxMemoryMB uint64
}

func (l Limits) withDefaults() Limits {
	if l.MaxFrames == 0 {
		l.MaxFrames = MaxFramesLimit
	}
	if l.MaxTime == 0 {
		l.MaxTime = MaxProcessingTime
	}
	if l.MaxMemoryMB == 0 {
		l.MaxMemoryMB = MaxMemoryMB
	}
	return l
}

// ChronologicalOrder is the detected ordering of a capture's frames.
type ChronologicalOrder string

const (
	OldestFirst ChronologicalOrder = "oldest_first"
	NewestFirst ChronologicalOrder = "newest_first"
)

// record is one JSONL line's shape.
type record struct {
	FullHex string `json:"fullHex"`
	TS      any    `json:"ts"`
	Token   string `json:"token"`
}

// Extraction is one frame's FDO payload, reassembled in the order
// Process determined.
type Extraction struct {
	Token      string
	StreamID   uint64
	Data       []byte
	FrameIndex int
	RawFrame   string
}

// Result is the outcome of a full streaming pass over a capture.
type Result struct {
	FramesProcessed    int
	FDOFramesFound     int
	TotalFDOBytes      int
	ChronologicalOrder ChronologicalOrder
	SupportedTokens    []string
	Extractions        []Extraction
	Reassembled        []byte
	TerminatedEarly    string
}

// Process runs the two-pass algorithm over r with the default safety
// caps. See ProcessWithLimits to override them.
func Process(r io.Reader) (*Result, error) {
	return ProcessWithLimits(r, Limits{})
}

// ProcessWithLimits runs the two-pass algorithm over r: sample the
// first frames to infer chronological order, then stream-extract FDO
// data from every frame, honoring limits (frame count, wall clock, and
// resident memory, the last sampled every MemorySampleEvery frames).
func ProcessWithLimits(r io.Reader, limits Limits) (*Result, error) {
	limits = limits.withDefaults()

	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, corerr.NewConfig("read jsonl capture: %v", err)
	}

	order, sampleCount := determineOrder(buf)
	logger.Infof("jsonl: detected order %s (sampled %d frames)", order, sampleCount)

	extractions, processed, terminated := streamExtract(buf, order, limits)

	tokens := make(map[string]bool)
	total := 0
	for _, e := range extractions {
		tokens[e.Token] = true
		total += len(e.Data)
	}
	supported := make([]string, 0, len(tokens))
	for t := range tokens {
		supported = append(supported, t)
	}

	reassembled := make([]byte, 0, total)
	for _, e := range extractions {
		reassembled = append(reassembled, e.Data...)
	}

	return &Result{
		FramesProcessed:    processed,
		FDOFramesFound:     len(extractions),
		TotalFDOBytes:      total,
		ChronologicalOrder: order,
		SupportedTokens:    supported,
		Extractions:        extractions,
		Reassembled:        reassembled,
		TerminatedEarly:    terminated,
	}, nil
}

func newLineScanner(buf []byte) *bufio.Scanner {
	sc := bufio.NewScanner(bytes.NewReader(buf))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return sc
}

func determineOrder(buf []byte) (ChronologicalOrder, int) {
	sc := newLineScanner(buf)
	var timestamps []float64
	count := 0

	for sc.Scan() && count < orderSampleSize {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		ts, ok := parseTimestamp(line)
		if !ok {
			continue
		}
		timestamps = append(timestamps, ts)
		count++
	}

	if len(timestamps) < 2 {
		return OldestFirst, count
	}

	increasing, decreasing := 0, 0
	for i := 1; i < len(timestamps); i++ {
		switch {
		case timestamps[i] > timestamps[i-1]:
			increasing++
		case timestamps[i] < timestamps[i-1]:
			decreasing++
		}
	}
	// A tie resolves to newest-first.
	if increasing > decreasing {
		return OldestFirst, count
	}
	return NewestFirst, count
}

// parseTimestamp samples one line for order detection. Lines without a
// usable fullHex never become frames, so they don't count as samples
// either.
func parseTimestamp(line string) (float64, bool) {
	var r record
	if err := json.Unmarshal([]byte(line), &r); err != nil {
		return 0, false
	}
	if r.FullHex == "" {
		return 0, false
	}
	return coerceTimestamp(r.TS), true
}

func coerceTimestamp(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

func streamExtract(buf []byte, order ChronologicalOrder, limits Limits) (extractions []Extraction, processed int, terminated string) {
	sc := newLineScanner(buf)
	start := time.Now()

	for sc.Scan() {
		processed++

		if processed%ProgressLogInterval == 0 {
			logger.Infof("jsonl: processed %d frames... (%s elapsed)", processed, time.Since(start).Round(time.Millisecond))
		}

		if processed >= limits.MaxFrames {
			terminated = "frame limit exceeded"
			break
		}
		if time.Since(start) > limits.MaxTime {
			terminated = "processing time limit exceeded"
			break
		}
		if processed%MemorySampleEvery == 0 {
			if rssMB := sampleMemoryMB(); rssMB > limits.MaxMemoryMB {
				terminated = "memory limit exceeded"
				break
			}
		}

		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		e, ok := extractFromLine(line, processed-1)
		if !ok {
			continue
		}
		extractions = append(extractions, e)
	}

	if order == NewestFirst {
		for i, j := 0, len(extractions)-1; i < j; i, j = i+1, j-1 {
			extractions[i], extractions[j] = extractions[j], extractions[i]
		}
	}

	logger.Infof("jsonl: extracted %d FDO frames from %d total frames", len(extractions), processed)
	return extractions, processed, terminated
}

// sampleMemoryMB reports the total memory the Go runtime has obtained
// from the OS (runtime.MemStats.Sys) in MiB, standing in for resident
// memory since Go exposes no portable RSS query without cgo or /proc
// parsing.
func sampleMemoryMB() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.Sys / (1024 * 1024)
}

func extractFromLine(line string, frameIndex int) (Extraction, bool) {
	var r record
	if err := json.Unmarshal([]byte(line), &r); err != nil {
		return Extraction{}, false
	}
	if r.FullHex == "" || len(r.FullHex)%2 != 0 {
		return Extraction{}, false
	}

	frameBytes, err := hex.DecodeString(strings.ToUpper(r.FullHex))
	if err != nil {
		return Extraction{}, false
	}

	detection := p3.DetectFDOInFrame(frameBytes)
	if !detection.FDODetected {
		return Extraction{}, false
	}

	return Extraction{
		Token:      detection.Header.Token,
		StreamID:   detection.Header.StreamID,
		Data:       detection.Header.Data,
		FrameIndex: frameIndex,
		RawFrame:   strings.ToUpper(r.FullHex),
	}, true
}
