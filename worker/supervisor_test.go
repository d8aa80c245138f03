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

package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstance_Healthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	inst := &Instance{ID: 0, BaseURL: srv.URL, client: &http.Client{Timeout: time.Second}}
	assert.True(t, inst.Healthy(context.Background()))
}

func TestInstance_Healthy_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	inst := &Instance{ID: 0, BaseURL: srv.URL, client: &http.Client{Timeout: time.Second}}
	assert.False(t, inst.Healthy(context.Background()))
}

func TestInstance_Healthy_Unreachable(t *testing.T) {
	inst := &Instance{ID: 0, BaseURL: "http://127.0.0.1:1", client: &http.Client{Timeout: 100 * time.Millisecond}}
	assert.False(t, inst.Healthy(context.Background()))
}

func TestInstance_Stop_NoProcess(t *testing.T) {
	inst := &Instance{ID: 0}
	assert.NoError(t, inst.Stop())
}

func TestProvisionCompanions_Symlinks(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()

	companion := filepath.Join(srcDir, "companion.dat")
	require.NoError(t, os.WriteFile(companion, []byte("payload"), 0o644))

	require.NoError(t, provisionCompanions(dstDir, []string{companion}))

	data, err := os.ReadFile(filepath.Join(dstDir, "companion.dat"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestProvisionCompanions_FallsBackToCopyWhenDestExists(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()

	companion := filepath.Join(srcDir, "companion.dat")
	require.NoError(t, os.WriteFile(companion, []byte("fresh payload"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dstDir, "companion.dat"), []byte("stale"), 0o644))

	require.NoError(t, provisionCompanions(dstDir, []string{companion}))

	data, err := os.ReadFile(filepath.Join(dstDir, "companion.dat"))
	require.NoError(t, err)
	assert.Equal(t, "fresh payload", string(data))
}
