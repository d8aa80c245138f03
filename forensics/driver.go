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

package forensics

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fdopipe/fdopipe/common"
	"github.com/fdopipe/fdopipe/corerr"
	"github.com/fdopipe/fdopipe/jsonl"
	"github.com/fdopipe/fdopipe/logger"
)

var (
	framesDecompiledSuccessfully = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: common.App,
		Name:      "frames_decompiled_successfully",
		Help:      "frames successfully decompiled by a worker",
	})
	framesFailedDecompilation = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: common.App,
		Name:      "frames_failed_decompilation",
		Help:      "frames that failed decompilation, including worker process crashes",
	})
	framesProcessCrash = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: common.App,
		Name:      "frames_process_crash",
		Help:      "frames that coincided with a worker process crash",
	})
	framesSkippedAfterCrash = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: common.App,
		Name:      "frames_skipped_after_crash",
		Help:      "frames left undecompiled because the pool had no healthy workers left",
	})
)

// Decompiler is the subset of poolclient.Client the driver needs.
type Decompiler interface {
	Decompile(ctx context.Context, data []byte) (string, error)
}

// poolHealthChecker is an optional capability a Decompiler may
// implement (poolclient.Client does) so the driver can tell a
// per-worker crash apart from a fully-down pool. Without it, the driver
// always keeps going after a crash, trusting retry/failover to route
// around the dead worker.
type poolHealthChecker interface {
	HealthyInstanceCount() int
}

// outcome classifies one frame's decompilation attempt.
type outcome string

const (
	outcomeSuccess      outcome = "success"
	outcomeFailed       outcome = "failure"
	outcomeNonFDO       outcome = "non_fdo"
	outcomeProcessCrash outcome = "process_crash"
	outcomeSkipped      outcome = "skipped"
)

type frameResult struct {
	kind      outcome
	index     int
	token     string
	streamID  uint64
	source    string
	err       error
	sizeBytes int
	rawFrame  string
}

// Summary reports aggregate decompilation results alongside the
// reassembled, annotated source.
type Summary struct {
	Source                       string
	FramesDecompiledSuccessfully int
	FramesFailedDecompilation    int
	DecompilationFailureRate     float64
	ProcessCrashes               int
	FramesSkippedAfterCrash      int
}

// Decompile runs every extraction through client, writing a crash dump
// for any frame the worker process crashed on or the worker itself
// rejected, and reassembles a single source document annotated with one
// comment per frame outcome.
func Decompile(ctx context.Context, extractions []jsonl.Extraction, client Decompiler, writer *Writer) Summary {
	results := make([]frameResult, 0, len(extractions))

	logger.Infof("starting frame-by-frame decompilation of %d frames", len(extractions))

	for i, e := range extractions {
		source, err := client.Decompile(ctx, e.Data)
		if err == nil {
			results = append(results, frameResult{
				kind: outcomeSuccess, index: i, token: e.Token, streamID: e.StreamID,
				source: source, sizeBytes: len(e.Data),
			})
			framesDecompiledSuccessfully.Inc()
			if (i+1)%100 == 0 {
				logger.Infof("decompiled %d/%d frames successfully", i+1, len(extractions))
			}
			continue
		}

		kind := classify(err)
		res := frameResult{
			kind: kind, index: i, token: e.Token, streamID: e.StreamID,
			err: err, sizeBytes: len(e.Data), rawFrame: e.RawFrame,
		}
		results = append(results, res)

		switch kind {
		case outcomeProcessCrash:
			framesProcessCrash.Inc()
			logger.Errorf("worker process crash: frame %d caused process failure: %v", i, err)
			if writer != nil {
				if saveErr := writer.SaveCrash(CrashRecord{FrameIndex: i, Token: e.Token, StreamID: e.StreamID, Data: e.Data, Err: err}); saveErr != nil {
					logger.Errorf("failed to save frame forensics: %v", saveErr)
				}
			}
			if poolIsDown(client) {
				logger.Errorf("pool has no healthy workers left after frame %d crash; skipping remaining %d frames", i, len(extractions)-i-1)
				skipped := skipRemaining(extractions, i+1)
				results = append(results, skipped...)
				framesFailedDecompilation.Inc()
				return buildSummary(results)
			}
		case outcomeNonFDO:
			logger.Debugf("frame %d decompilation failed (likely non-FDO): %v", i, err)
			if writer != nil {
				if saveErr := writer.SaveCrash(CrashRecord{FrameIndex: i, Token: e.Token, StreamID: e.StreamID, Data: e.Data, Err: err}); saveErr != nil {
					logger.Errorf("failed to save frame forensics: %v", saveErr)
				}
			}
		default:
			logger.Warnf("frame %d decompilation failed: %v", i, err)
		}
		framesFailedDecompilation.Inc()
	}

	return buildSummary(results)
}

// poolIsDown reports whether client exposes pool health and that pool
// currently has zero healthy workers. A Decompiler that doesn't
// implement poolHealthChecker (e.g. the single-daemon driver, or a test
// stub) is assumed never down at this layer.
func poolIsDown(client Decompiler) bool {
	hc, ok := client.(poolHealthChecker)
	return ok && hc.HealthyInstanceCount() == 0
}

// skipRemaining marks extractions[from:] as skipped without attempting
// them, used once the pool has no healthy workers left to try.
func skipRemaining(extractions []jsonl.Extraction, from int) []frameResult {
	skipped := make([]frameResult, 0, len(extractions)-from)
	for i := from; i < len(extractions); i++ {
		e := extractions[i]
		skipped = append(skipped, frameResult{
			kind: outcomeSkipped, index: i, token: e.Token, streamID: e.StreamID,
			sizeBytes: len(e.Data), rawFrame: e.RawFrame,
		})
		framesSkippedAfterCrash.Inc()
	}
	return skipped
}

// classify distinguishes a worker-reported rejection (bad or non-FDO
// data from a still-healthy worker) from a true process crash
// (connection-level failure).
func classify(err error) outcome {
	var ce *corerr.CoreError
	if errors.As(err, &ce) {
		if ce.Kind == corerr.WorkerReported {
			return outcomeNonFDO
		}
		if ce.Kind == corerr.Transport {
			return outcomeProcessCrash
		}
	}
	return outcomeFailed
}

func buildSummary(results []frameResult) Summary {
	var b strings.Builder
	successful, failed, crashes, skipped := 0, 0, 0, 0

	for _, r := range results {
		switch r.kind {
		case outcomeSuccess:
			successful++
			fmt.Fprintf(&b, "// Frame %d: Successfully decompiled (Token: %s, Stream ID: %d, Size: %d bytes)\n", r.index, r.token, r.streamID, r.sizeBytes)
			b.WriteString(r.source)
			b.WriteString("\n\n")
		case outcomeNonFDO:
			failed++
			fmt.Fprintf(&b, "// FAILED [%d] %s stream:%d %db : %s\n\n", r.index, r.token, r.streamID, r.sizeBytes, r.rawFrame)
		case outcomeProcessCrash:
			failed++
			crashes++
			fmt.Fprintf(&b, "// DAEMON_CRASH [%d] %s stream:%d %db : %s\n\n", r.index, r.token, r.streamID, r.sizeBytes, r.rawFrame)
		case outcomeSkipped:
			skipped++
			fmt.Fprintf(&b, "// SKIPPED [%d] %s stream:%d %db : pool exhausted after crash\n\n", r.index, r.token, r.streamID, r.sizeBytes)
		default:
			failed++
			fmt.Fprintf(&b, "// FAILED [%d] %s stream:%d %db : %s\n\n", r.index, r.token, r.streamID, r.sizeBytes, r.rawFrame)
		}
	}

	total := len(results)
	var rate float64
	if total > 0 {
		rate = float64(failed) / float64(total) * 100
	}

	logger.Infof("frame-by-frame decompilation complete: %d/%d successful, %d process crashes, %d skipped, %.1f%% failure rate",
		successful, total, crashes, skipped, rate)

	return Summary{
		Source:                       strings.TrimSpace(b.String()),
		FramesDecompiledSuccessfully: successful,
		FramesFailedDecompilation:    failed,
		DecompilationFailureRate:     rate,
		ProcessCrashes:               crashes,
		FramesSkippedAfterCrash:      skipped,
	}
}
