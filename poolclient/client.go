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

// Package poolclient is the retrying, failover-aware client that sits in
// front of a worker.Pool, presenting compile/decompile as single calls
// that transparently route around unhealthy or busy slots.
package poolclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/mitchellh/mapstructure"

	"github.com/fdopipe/fdopipe/corerr"
	"github.com/fdopipe/fdopipe/logger"
	"github.com/fdopipe/fdopipe/worker"
)

// Config configures a Client.
type Config struct {
	MaxRetries     int
	RequestTimeout time.Duration
	AcquireWait    time.Duration
}

// Client distributes compile/decompile calls across a worker.Pool with
// retry, per-attempt backoff, and circuit-breaker bookkeeping.
type Client struct {
	pool *worker.Pool
	cfg  Config
	http *http.Client
}

// New returns a Client bound to pool.
func New(pool *worker.Pool, cfg Config) *Client {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.AcquireWait == 0 {
		cfg.AcquireWait = 5 * time.Second
	}
	return &Client{pool: pool, cfg: cfg, http: &http.Client{Timeout: cfg.RequestTimeout}}
}

// errorEnvelope is the worker's JSON error body on non-2xx responses:
// message, code, line, kind, context, hint.
// Decoded via mapstructure from a loosely-typed JSON map
// rather than a fixed struct tag set, since the worker's own envelope
// has drifted field casing across Ada32 builds.
type errorEnvelope struct {
	Message string `mapstructure:"message"`
	Code    string `mapstructure:"code"`
	Line    int    `mapstructure:"line"`
	Kind    string `mapstructure:"kind"`
	Context string `mapstructure:"context"`
	Hint    string `mapstructure:"hint"`
}

// Compile satisfies chunker.Compiler: it turns FDO source text into its
// compiled binary form, failing over across the pool as needed. Per the
// worker's wire contract, the request body is the raw UTF-8 source as
// text/plain and a 200 response is the compiled bytes as
// application/octet-stream.
func (c *Client) Compile(ctx context.Context, source string) ([]byte, error) {
	result, err := c.executeWithRetry(ctx, func(ctx context.Context, baseURL string) (any, error) {
		return postRaw(ctx, c.http, baseURL+"/compile", "text/plain; charset=utf-8", []byte(source))
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

// Decompile turns a compiled FDO binary back into source text. The
// request body is the compiled bytes as application/octet-stream; a 200
// response is the decompiled source as text/plain.
func (c *Client) Decompile(ctx context.Context, data []byte) (string, error) {
	result, err := c.executeWithRetry(ctx, func(ctx context.Context, baseURL string) (any, error) {
		bin, err := postRaw(ctx, c.http, baseURL+"/decompile", "application/octet-stream", data)
		if err != nil {
			return nil, err
		}
		return string(bin), nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// HealthSummary is the pool-wide health view exposed alongside a single
// daemon's /health, for clients still expecting the old one-daemon
// shape.
type HealthSummary struct {
	Healthy              bool    `json:"healthy"`
	PoolEnabled          bool    `json:"pool_enabled"`
	PoolSize             int     `json:"pool_size"`
	InstancesHealthy     int     `json:"instances_healthy"`
	PoolHealthPercentage float64 `json:"pool_health_percentage"`
}

// HealthyInstanceCount reports how many pool slots are currently
// healthy, letting forensics.Decompile detect a fully-down pool after a
// process crash.
func (c *Client) HealthyInstanceCount() int {
	return c.pool.Status().InstancesHealthy
}

// Health reports aggregate pool health.
func (c *Client) Health() HealthSummary {
	st := c.pool.Status()
	return HealthSummary{
		Healthy:              st.InstancesHealthy > 0,
		PoolEnabled:          true,
		PoolSize:             st.PoolSize,
		InstancesHealthy:     st.InstancesHealthy,
		PoolHealthPercentage: st.PoolHealthPercentage,
	}
}

// operation is one unit of work dispatched to a slot's base URL.
type operation func(ctx context.Context, baseURL string) (any, error)

// executeWithRetry acquires a healthy slot, runs op, and on failure
// retries against a different slot with exponential backoff, up to
// MaxRetries attempts. It mirrors the original client's failover shape:
// an instance already attempted this call is skipped, and the
// is_processing flag is always cleared, success or failure.
func (c *Client) executeWithRetry(ctx context.Context, op operation) (any, error) {
	attempted := make(map[int]bool)
	var lastErr error

	for attempts := 0; attempts < c.cfg.MaxRetries; {
		slot := c.acquireSlot(ctx)
		if slot == nil {
			return nil, corerr.NewTransport(lastErr, attemptedList(attempted),
				"no healthy worker instances available after %s wait (attempted %d instances, pool exhausted)",
				c.cfg.AcquireWait, len(attempted))
		}

		if attempted[slot.ID] {
			c.pool.Release(slot, false)
			attempts++
			continue
		}
		attempted[slot.ID] = true

		result, err := c.runOnce(ctx, slot, op)
		if err == nil {
			return result, nil
		}

		lastErr = err
		attempts++
		logger.Warnf("operation failed on worker %d: %v", slot.ID, err)

		if attempts < c.cfg.MaxRetries {
			backoff := time.Duration(float64(100*time.Millisecond) * pow2(attempts))
			logger.Debugf("retry backoff: %s", backoff)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	return nil, fmt.Errorf("all retry attempts failed (%d attempts across %d instances): %w", c.cfg.MaxRetries, len(attempted), lastErr)
}

// runOnce executes op against one slot, always releasing it afterward.
func (c *Client) runOnce(ctx context.Context, slot *worker.Slot, op operation) (result any, err error) {
	defer func() {
		c.pool.Release(slot, err != nil)
	}()

	inst := c.pool.SlotInstance(slot)
	if inst == nil {
		err = fmt.Errorf("worker %d has no running instance", slot.ID)
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	result, err = op(opCtx, inst.BaseURL)
	return
}

// acquireSlot polls the pool for a healthy instance until AcquireWait
// elapses.
func (c *Client) acquireSlot(ctx context.Context) *worker.Slot {
	deadline := time.Now().Add(c.cfg.AcquireWait)
	for {
		if slot := c.pool.GetHealthyInstance(); slot != nil {
			return slot
		}
		if time.Now().After(deadline) {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func attemptedList(attempted map[int]bool) []string {
	out := make([]string, 0, len(attempted))
	for id := range attempted {
		out = append(out, fmt.Sprintf("worker_%d", id))
	}
	return out
}

func pow2(n int) float64 {
	v := 1.0
	for i := 0; i < n; i++ {
		v *= 2
	}
	return v
}

// postRaw issues a POST with body under contentType and returns the raw
// response body on 200. On >=400 it decodes the worker's JSON error
// envelope into a WorkerReported CoreError, normalizing the legacy
// "Ada32 error rc=...:" headline prefix away.
func postRaw(ctx context.Context, client *http.Client, url, contentType string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := client.Do(req)
	if err != nil {
		return nil, corerr.NewTransport(err, nil, "request %s: connection-level failure: %v", url, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, corerr.NewTransport(err, nil, "read response from %s: connection aborted mid-stream: %v", url, err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, decodeErrorEnvelope(respBody)
	}
	return respBody, nil
}

// decodeErrorEnvelope unmarshals body into a loosely-typed map first,
// then mapstructure-decodes it into errorEnvelope, tolerating envelopes
// that omit fields or carry extras.
func decodeErrorEnvelope(body []byte) error {
	var raw map[string]any
	if jsonErr := json.Unmarshal(body, &raw); jsonErr != nil {
		return corerr.NewWorkerReported("", "", "", string(body))
	}

	var env errorEnvelope
	if err := mapstructure.Decode(raw, &env); err != nil {
		return corerr.NewWorkerReported("", "", "", string(body))
	}

	ce := corerr.NewWorkerReported(env.Code, env.Context, env.Hint, env.Message)
	if env.Line > 0 {
		ce.Line = env.Line
	}
	return ce
}
