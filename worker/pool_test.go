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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(n int) *Pool {
	p := &Pool{
		cfg:      Config{PoolSize: n, MaxRestartAttempts: 5, CircuitBreakerLimit: 3, RequestTimeout: 30 * time.Second},
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
	for i := 0; i < n; i++ {
		p.slots = append(p.slots, &Slot{ID: i, state: StateHealthy})
	}
	return p
}

func TestGetHealthyInstance_RoundRobin(t *testing.T) {
	p := newTestPool(2)

	first := p.GetHealthyInstance()
	require.NotNil(t, first)
	assert.Equal(t, 0, first.ID)
	assert.True(t, first.isProcessing)

	second := p.GetHealthyInstance()
	require.NotNil(t, second)
	assert.Equal(t, 1, second.ID)
}

func TestGetHealthyInstance_SkipsBusyAndOpenCircuit(t *testing.T) {
	p := newTestPool(2)
	p.slots[0].isProcessing = true
	p.slots[1].circuitOpen = true

	assert.Nil(t, p.GetHealthyInstance())
}

func TestGetHealthyInstance_EmptyPool(t *testing.T) {
	p := &Pool{}
	assert.Nil(t, p.GetHealthyInstance())
}

func TestRelease_OpensCircuitBreakerAfterThreshold(t *testing.T) {
	p := newTestPool(1)
	slot := p.slots[0]
	slot.isProcessing = true

	p.Release(slot, true)
	p.Release(slot, true)
	assert.False(t, slot.circuitOpen)
	p.Release(slot, true)
	assert.True(t, slot.circuitOpen)
}

func TestRelease_SuccessResetsFailureStreak(t *testing.T) {
	p := newTestPool(1)
	slot := p.slots[0]
	p.Release(slot, true)
	p.Release(slot, false)
	assert.Equal(t, 0, slot.consecutiveFailures)
}

func TestRestartSlot_StopsAfterMaxAttempts(t *testing.T) {
	p := newTestPool(1)
	slot := p.slots[0]
	slot.restartCount = p.cfg.MaxRestartAttempts

	ok := p.RestartSlot(context.Background(), slot)
	assert.False(t, ok)
}

func TestPerformHealthChecks_ClearsStuckRequest(t *testing.T) {
	p := newTestPool(1)
	p.cfg.RequestTimeout = 30 * time.Second
	slot := p.slots[0]
	slot.isProcessing = true
	slot.requestStartedAt = time.Now().Add(-time.Minute)
	slot.restartCount = p.cfg.MaxRestartAttempts // keep the sweep from relaunching a process

	p.performHealthChecks()

	assert.False(t, slot.isProcessing)
	assert.True(t, slot.requestStartedAt.IsZero())
	// A stuck request marks the slot unhealthy; only a failed health
	// check marks it crashed.
	assert.Equal(t, StateUnhealthy, slot.state)
	assert.Equal(t, 1, slot.consecutiveFailures)
}

func TestPerformHealthChecks_FailedHealthCheckMarksCrashed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := newTestPool(1)
	slot := p.slots[0]
	slot.inst = &Instance{ID: 0, BaseURL: srv.URL, client: &http.Client{Timeout: time.Second}}
	slot.restartCount = p.cfg.MaxRestartAttempts // keep the sweep from relaunching a process

	p.performHealthChecks()

	assert.Equal(t, StateCrashed, slot.state)
}

func TestResetCircuitBreakers(t *testing.T) {
	p := newTestPool(2)
	p.slots[0].circuitOpen = true
	p.slots[1].circuitOpen = true

	n := p.ResetCircuitBreakers()
	assert.Equal(t, 2, n)
	assert.False(t, p.slots[0].circuitOpen)
	assert.False(t, p.slots[1].circuitOpen)
	assert.Equal(t, StateHealthy, p.slots[0].state)
}

func TestStatus_ReportsHealthAndLoad(t *testing.T) {
	p := newTestPool(2)
	p.slots[0].isProcessing = true
	p.slots[1].state = StateUnhealthy

	st := p.Status()
	assert.Equal(t, 2, st.PoolSize)
	assert.Equal(t, 1, st.InstancesHealthy)
	assert.Equal(t, 1, st.ConcurrentRequests)
	assert.Equal(t, 0, st.IdleWorkers)
	assert.Equal(t, float64(50), st.PoolHealthPercentage)
	assert.Len(t, st.Instances, 2)
}

func TestSlotInstance_NilWhenNotLaunched(t *testing.T) {
	p := newTestPool(1)
	assert.Nil(t, p.SlotInstance(p.slots[0]))
}
