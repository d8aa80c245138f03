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

// Package forensics drives per-frame decompilation through a poolclient
// and preserves a debuggable trail: annotated source comments for every
// outcome, plus a crash dump directory for frames a worker could not
// handle.
package forensics

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"

	"github.com/fdopipe/fdopipe/corerr"
)

// DefaultDir is where crash dumps land, generalizing the original's
// single-daemon /tmp path to this pipeline's own namespace.
const DefaultDir = "/tmp/fdopipe_forensics"

// Writer persists crash dumps for frames a worker failed to decompile.
type Writer struct {
	Dir string
}

// NewWriter returns a Writer rooted at dir, or DefaultDir if empty.
func NewWriter(dir string) *Writer {
	if dir == "" {
		dir = DefaultDir
	}
	return &Writer{Dir: dir}
}

// CrashRecord is one frame's forensic record.
type CrashRecord struct {
	FrameIndex int
	Token      string
	StreamID   uint64
	Data       []byte
	Err        error
}

// SaveCrash writes the frame's binary payload and a metadata sidecar,
// keyed by a content hash so repeated runs over the same capture don't
// collide on frame index alone.
func (w *Writer) SaveCrash(rec CrashRecord) error {
	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return corerr.NewConfig("create forensics dir %s: %v", w.Dir, err)
	}

	digest := xxhash.Sum64(rec.Data)
	base := fmt.Sprintf("frame_%d_%016x", rec.FrameIndex, digest)

	binPath := filepath.Join(w.Dir, base+".bin")
	if err := os.WriteFile(binPath, rec.Data, 0o644); err != nil {
		return corerr.NewConfig("write crash dump %s: %v", binPath, err)
	}

	metaPath := filepath.Join(w.Dir, base+"_metadata.txt")
	meta := fmt.Sprintf(
		"Failed Frame %d Forensics\n%s\nToken: %s\nStream ID: %d\nData Size: %d bytes\nError: %v\nHex Data: %x\nBinary saved to: %s\n",
		rec.FrameIndex, dashLine(50), rec.Token, rec.StreamID, len(rec.Data), rec.Err, rec.Data, binPath,
	)
	if err := os.WriteFile(metaPath, []byte(meta), 0o644); err != nil {
		return corerr.NewConfig("write crash metadata %s: %v", metaPath, err)
	}
	return nil
}

func dashLine(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = '='
	}
	return string(b)
}
