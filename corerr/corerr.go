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

// Package corerr models the heterogeneous failure surface of the FDO
// pipeline as a single tagged variant, so callers can classify an error
// (is this a process crash? a resource cap? a bad script?) without type
// switching across a dozen concrete error types.
package corerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies the origin of a CoreError.
type Kind int

const (
	// Parse covers C2/C5 structural failures: bad bracket balance, a
	// malformed frame prefix, an unsupported atom shape.
	Parse Kind = iota
	// WorkerReported covers errors the Ada32 worker itself returned
	// (HTTP 4xx/5xx with a JSON error envelope).
	WorkerReported
	// Transport covers connection-level failures talking to a worker:
	// refused, reset, aborted, or timed out.
	Transport
	// ResourceCap covers a JSONL safety cap (frame/time/memory) cutting
	// a pass short.
	ResourceCap
	// Config covers startup-time misconfiguration: bad pool size, port
	// overflow, a missing executable.
	Config
)

func (k Kind) String() string {
	switch k {
	case Parse:
		return "parse"
	case WorkerReported:
		return "worker_reported"
	case Transport:
		return "transport"
	case ResourceCap:
		return "resource_cap"
	case Config:
		return "config"
	default:
		return "unknown"
	}
}

// CoreError carries one failure with its Kind-specific context. Fields
// outside a Kind's relevance are left zero.
type CoreError struct {
	Kind Kind

	// Message is the headline, already normalized (e.g. an "Ada32
	// error rc=...:" prefix stripped for WorkerReported).
	Message string

	// Line is a 1-based source or frame-index locator, when known.
	Line int

	// Code is the worker's own error code, for WorkerReported.
	Code string
	// Context and Hint mirror the worker's error envelope fields.
	Context string
	Hint    string

	// Attempted lists worker instance ids already tried, for Transport
	// errors surfaced after retry exhaustion.
	Attempted []string

	// Reason names which safety cap fired, for ResourceCap.
	Reason string

	cause error
}

func (e *CoreError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s: %s (line %d)", e.Kind, e.Message, e.Line)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *CoreError) Unwrap() error {
	return e.cause
}

// IsProcessCrash reports whether this error represents a worker process
// crash as opposed to a semantic compile/decompile failure reported by a
// still-healthy worker.
func (e *CoreError) IsProcessCrash() bool {
	return e.Kind == Transport
}

func newf(kind Kind, cause error, format string, args ...any) *CoreError {
	return &CoreError{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		cause:   errors.WithStack(cause),
	}
}

// NewParse builds a Parse CoreError anchored to a source line.
func NewParse(line int, format string, args ...any) *CoreError {
	e := newf(Parse, nil, format, args...)
	e.Line = line
	return e
}

// NewTransport builds a Transport CoreError, recording which instance ids
// had already been tried before this one failed.
func NewTransport(cause error, attempted []string, format string, args ...any) *CoreError {
	e := newf(Transport, cause, format, args...)
	e.Attempted = attempted
	return e
}

// NewWorkerReported builds a WorkerReported CoreError from the worker's
// own JSON error envelope fields.
func NewWorkerReported(code, context, hint, message string) *CoreError {
	e := newf(WorkerReported, nil, "%s", stripAdaPrefix(message))
	e.Code = code
	e.Context = context
	e.Hint = hint
	return e
}

// NewResourceCap builds a ResourceCap CoreError naming the cap that
// fired.
func NewResourceCap(reason string, format string, args ...any) *CoreError {
	e := newf(ResourceCap, nil, format, args...)
	e.Reason = reason
	return e
}

// NewConfig builds a Config CoreError.
func NewConfig(format string, args ...any) *CoreError {
	return newf(Config, nil, format, args...)
}

// stripAdaPrefix removes the legacy "Ada32 error rc=0x.. (...): "
// headline prefix the worker's own error messages still carry. A prefix
// without the closing "): " is left in place.
func stripAdaPrefix(msg string) string {
	const marker = "): "
	if idx := indexAdaPrefix(msg); idx >= 0 {
		return msg[idx+len(marker):]
	}
	return msg
}

func indexAdaPrefix(msg string) int {
	const prefix = "Ada32 error rc="
	if len(msg) < len(prefix) || msg[:len(prefix)] != prefix {
		return -1
	}
	for i := len(prefix); i < len(msg)-2; i++ {
		if msg[i] == ')' && msg[i+1] == ':' && msg[i+2] == ' ' {
			return i
		}
	}
	return -1
}
