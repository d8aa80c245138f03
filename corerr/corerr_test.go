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

package corerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindString(t *testing.T) {
	tests := []struct {
		name string
		kind Kind
		want string
	}{
		{"parse", Parse, "parse"},
		{"worker reported", WorkerReported, "worker_reported"},
		{"transport", Transport, "transport"},
		{"resource cap", ResourceCap, "resource_cap"},
		{"config", Config, "config"},
		{"unknown", Kind(99), "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.kind.String())
		})
	}
}

func TestNewParse(t *testing.T) {
	err := NewParse(7, "unbalanced bracket in %s", "unit 3")
	assert.Equal(t, Parse, err.Kind)
	assert.Equal(t, 7, err.Line)
	assert.Equal(t, "parse: unbalanced bracket in unit 3 (line 7)", err.Error())
}

func TestNewTransport(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewTransport(cause, []string{"0", "1"}, "all instances exhausted")
	assert.Equal(t, Transport, err.Kind)
	assert.Equal(t, []string{"0", "1"}, err.Attempted)
	assert.True(t, err.IsProcessCrash())
	assert.ErrorIs(t, err, cause)
}

func TestNewWorkerReported_StripsAdaPrefix(t *testing.T) {
	err := NewWorkerReported("E_BAD_TOKEN", "compile_source", "check token table",
		"Ada32 error rc=0x80004005 (unknown token): bad token AX")
	assert.Equal(t, WorkerReported, err.Kind)
	assert.Equal(t, "E_BAD_TOKEN", err.Code)
	assert.Equal(t, "compile_source", err.Context)
	assert.Equal(t, "check token table", err.Hint)
	assert.Equal(t, "bad token AX", err.Message)
	assert.False(t, err.IsProcessCrash())
}

func TestNewWorkerReported_NoAdaPrefix(t *testing.T) {
	err := NewWorkerReported("E_X", "ctx", "hint", "plain failure message")
	assert.Equal(t, "plain failure message", err.Message)
}

func TestNewResourceCap(t *testing.T) {
	err := NewResourceCap("max_frames", "stopped after %d frames", 10_000_000)
	assert.Equal(t, ResourceCap, err.Kind)
	assert.Equal(t, "max_frames", err.Reason)
}

func TestNewConfig(t *testing.T) {
	err := NewConfig("pool size %d must be positive", -1)
	assert.Equal(t, Config, err.Kind)
	assert.False(t, err.IsProcessCrash())
}

// TestErrorsAsThroughWrap verifies a CoreError's concrete Kind survives a
// layer of %w wrapping, the pattern the pool client relies on to let the
// forensics driver classify an error after it has passed through retry.
func TestErrorsAsThroughWrap(t *testing.T) {
	inner := NewWorkerReported("E_BAD", "decompile_binary", "", "not a valid FDO frame")
	wrapped := fmt.Errorf("all retry attempts failed (3 attempts across 2 instances): %w", inner)

	var ce *CoreError
	require.True(t, errors.As(wrapped, &ce))
	assert.Equal(t, WorkerReported, ce.Kind)
	assert.False(t, ce.IsProcessCrash())
}

func TestIndexAdaPrefix(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		want int
	}{
		{"well formed", "Ada32 error rc=0x1 (oops): boom", len("Ada32 error rc=0x1 (oops")},
		{"no prefix", "boom", -1},
		{"too short", "Ada32", -1},
		{"prefix no closing marker", "Ada32 error rc=0x1 oops", -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, indexAdaPrefix(tt.msg))
		})
	}
}
