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

// Package worker launches and supervises one compiler/decompiler worker
// process per pool slot, and pools those slots behind a retrying client.
package worker

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/fdopipe/fdopipe/corerr"
	"github.com/fdopipe/fdopipe/logger"
)

const (
	startupPollInterval = 200 * time.Millisecond
	startupTimeout      = 30 * time.Second
	stopGrace           = 3 * time.Second
)

// Instance is one supervised worker process.
type Instance struct {
	ID      int
	BaseURL string
	Dir     string

	cmd    *exec.Cmd
	client *http.Client
}

// InstanceConfig describes how to launch one worker instance.
type InstanceConfig struct {
	ID         int
	Executable string
	Dir        string
	Host       string
	Port       int
	Companions []string // files symlinked (or copied) into Dir alongside the executable
}

// Launch starts a worker process in an isolated directory and blocks
// until its health endpoint answers, or startupTimeout elapses.
func Launch(ctx context.Context, cfg InstanceConfig) (*Instance, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, corerr.NewConfig("create worker dir %s: %v", cfg.Dir, err)
	}
	if err := provisionCompanions(cfg.Dir, cfg.Companions); err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, cfg.Executable, "--host", cfg.Host, "--port", fmt.Sprintf("%d", cfg.Port))
	cmd.Dir = cfg.Dir
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return nil, corerr.NewTransport(err, []string{cfg.Executable}, "launch worker %d", cfg.ID)
	}

	inst := &Instance{
		ID:      cfg.ID,
		BaseURL: fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port),
		Dir:     cfg.Dir,
		cmd:     cmd,
		client:  &http.Client{Timeout: 2 * time.Second},
	}

	if err := inst.awaitHealthy(ctx); err != nil {
		_ = inst.Stop()
		return nil, err
	}
	return inst, nil
}

// provisionCompanions symlinks each companion file into dir, falling
// back to a plain copy when symlinking is unavailable (e.g. cross
// filesystem mounts).
func provisionCompanions(dir string, companions []string) error {
	for _, src := range companions {
		dst := filepath.Join(dir, filepath.Base(src))
		if err := os.Symlink(src, dst); err == nil {
			continue
		}
		data, err := os.ReadFile(src)
		if err != nil {
			return corerr.NewConfig("read companion %s: %v", src, err)
		}
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return corerr.NewConfig("copy companion %s to %s: %v", src, dst, err)
		}
	}
	return nil
}

func (inst *Instance) awaitHealthy(ctx context.Context) error {
	deadline := time.Now().Add(startupTimeout)
	for {
		if inst.Healthy(ctx) {
			return nil
		}
		if time.Now().After(deadline) {
			return corerr.NewTransport(nil, []string{inst.BaseURL}, "worker %d did not become healthy within %s", inst.ID, startupTimeout)
		}
		select {
		case <-ctx.Done():
			return corerr.NewTransport(ctx.Err(), []string{inst.BaseURL}, "worker %d startup canceled", inst.ID)
		case <-time.After(startupPollInterval):
		}
	}
}

// Healthy performs one GET /health check. Any failure (transport error,
// non-200, or a health check that simply times out) counts as
// unhealthy and, per the supervisor loop, is grounds for restart even
// absent a thrown exception.
func (inst *Instance) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, inst.BaseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := inst.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Stop terminates the worker process, escalating to a forced kill if it
// has not exited within stopGrace.
func (inst *Instance) Stop() error {
	if inst.cmd == nil || inst.cmd.Process == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- inst.cmd.Wait() }()

	if err := inst.cmd.Process.Signal(os.Interrupt); err != nil {
		logger.Warnf("worker %d: terminate signal failed, killing: %v", inst.ID, err)
		return inst.cmd.Process.Kill()
	}

	select {
	case <-done:
		return nil
	case <-time.After(stopGrace):
		logger.Warnf("worker %d did not exit within %s, killing", inst.ID, stopGrace)
		return inst.cmd.Process.Kill()
	}
}
