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
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fdopipe/fdopipe/common"
	"github.com/fdopipe/fdopipe/corerr"
	"github.com/fdopipe/fdopipe/logger"
)

// State is a pool slot's lifecycle state.
type State string

const (
	StateInitializing State = "initializing"
	StateHealthy      State = "healthy"
	StateUnhealthy    State = "unhealthy"
	StateCrashed      State = "crashed"
	StateRestarting   State = "restarting"
)

var (
	restartTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: common.App,
			Name:      "worker_restart_total",
			Help:      "worker process restarts, by slot",
		},
		[]string{"slot"},
	)
	circuitOpenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: common.App,
			Name:      "worker_circuit_open_total",
			Help:      "worker circuit breaker trips, by slot",
		},
		[]string{"slot"},
	)
)

// Slot tracks one pool member's process, health and load-balancing
// state.
type Slot struct {
	ID  int
	Dir string

	mu                  sync.Mutex
	inst                *Instance
	state               State
	restartCount        int
	consecutiveFailures int
	circuitOpen         bool
	isProcessing        bool
	requestStartedAt    time.Time
	totalRequests       int
	failedRequests      int
}

// Config configures a Pool.
type Config struct {
	Executable          string
	PoolSize            int
	BaseDir             string
	BaseHost            string
	BasePort            int
	Companions          []string
	RestartDelay        time.Duration
	HealthInterval      time.Duration
	MaxRestartAttempts  int
	CircuitBreakerLimit int
	RequestTimeout      time.Duration
}

// Pool supervises a fixed-size set of worker processes, load-balancing
// requests across idle, healthy, closed-circuit slots.
type Pool struct {
	cfg Config

	mu           sync.Mutex
	slots        []*Slot
	currentIndex int

	shutdown chan struct{}
	done     chan struct{}
}

// Start launches every pool slot. Per the original daemon manager's
// tolerance, a pool is considered viable once at least half its slots
// come up healthy; anything below that threshold is treated as a fatal
// startup failure and the partially-started pool is torn down.
func Start(ctx context.Context, cfg Config) (*Pool, error) {
	if cfg.RestartDelay == 0 {
		cfg.RestartDelay = 2 * time.Second
	}
	if cfg.HealthInterval == 0 {
		cfg.HealthInterval = 10 * time.Second
	}
	if cfg.MaxRestartAttempts == 0 {
		cfg.MaxRestartAttempts = 5
	}
	if cfg.CircuitBreakerLimit == 0 {
		cfg.CircuitBreakerLimit = 3
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	p := &Pool{cfg: cfg, shutdown: make(chan struct{}), done: make(chan struct{})}

	successful := 0
	for i := 0; i < cfg.PoolSize; i++ {
		slot := &Slot{ID: i, Dir: filepath.Join(cfg.BaseDir, fmt.Sprintf("daemon_%d", i)), state: StateInitializing}
		if err := p.launchSlot(ctx, slot); err != nil {
			logger.Errorf("failed to start worker %d: %v", i, err)
			slot.state = StateCrashed
		} else {
			successful++
			logger.Infof("started worker %d at %s", i, slot.inst.BaseURL)
		}
		p.slots = append(p.slots, slot)
	}

	if float64(successful)/float64(cfg.PoolSize) < 0.5 {
		close(p.done)
		p.Stop()
		return nil, corerr.NewTransport(nil, nil, "pool startup failed: only %d/%d workers started", successful, cfg.PoolSize)
	}

	go p.healthMonitorLoop()
	return p, nil
}

// NewForTesting builds a Pool around already-running instances without
// spawning worker processes, for exercising poolclient against an
// httptest server standing in for a worker.
func NewForTesting(cfg Config, instances []*Instance) *Pool {
	if cfg.CircuitBreakerLimit == 0 {
		cfg.CircuitBreakerLimit = 3
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	p := &Pool{cfg: cfg, shutdown: make(chan struct{}), done: make(chan struct{})}
	close(p.done)
	for i, inst := range instances {
		p.slots = append(p.slots, &Slot{ID: i, inst: inst, state: StateHealthy})
	}
	return p
}

func (p *Pool) launchSlot(ctx context.Context, slot *Slot) error {
	inst, err := Launch(ctx, InstanceConfig{
		ID:         slot.ID,
		Executable: p.cfg.Executable,
		Dir:        slot.Dir,
		Host:       p.cfg.BaseHost,
		Port:       p.cfg.BasePort + slot.ID,
		Companions: p.cfg.Companions,
	})
	if err != nil {
		return err
	}
	slot.mu.Lock()
	slot.inst = inst
	slot.state = StateHealthy
	slot.mu.Unlock()
	return nil
}

// GetHealthyInstance returns the next idle, healthy, closed-circuit
// slot in round-robin order, marking it busy before returning. It
// returns nil when every slot is unavailable.
func (p *Pool) GetHealthyInstance() *Slot {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.slots) == 0 {
		return nil
	}
	for i := 0; i < len(p.slots); i++ {
		slot := p.slots[p.currentIndex]
		p.currentIndex = (p.currentIndex + 1) % len(p.slots)

		slot.mu.Lock()
		available := slot.state == StateHealthy && !slot.circuitOpen && !slot.isProcessing
		if available {
			slot.isProcessing = true
			slot.requestStartedAt = time.Now()
			slot.totalRequests++
		}
		slot.mu.Unlock()
		if available {
			return slot
		}
	}
	return nil
}

// SlotInstance returns slot's currently running process instance, or
// nil if it has none.
func (p *Pool) SlotInstance(slot *Slot) *Instance {
	slot.mu.Lock()
	defer slot.mu.Unlock()
	return slot.inst
}

// Release clears a slot's busy flag, recording whether the request it
// was handling failed.
func (p *Pool) Release(slot *Slot, failed bool) {
	slot.mu.Lock()
	defer slot.mu.Unlock()
	slot.isProcessing = false
	slot.requestStartedAt = time.Time{}
	if failed {
		slot.failedRequests++
		slot.consecutiveFailures++
		if slot.consecutiveFailures >= p.cfg.CircuitBreakerLimit && !slot.circuitOpen {
			slot.circuitOpen = true
			circuitOpenTotal.WithLabelValues(fmt.Sprintf("%d", slot.ID)).Inc()
			logger.Warnf("circuit breaker opened for worker %d after %d consecutive failures", slot.ID, slot.consecutiveFailures)
		}
	} else {
		slot.consecutiveFailures = 0
	}
}

// RestartSlot stops and relaunches a slot's process, bounded by
// MaxRestartAttempts.
func (p *Pool) RestartSlot(ctx context.Context, slot *Slot) bool {
	slot.mu.Lock()
	if slot.restartCount >= p.cfg.MaxRestartAttempts {
		slot.mu.Unlock()
		logger.Errorf("max restart attempts reached for worker %d", slot.ID)
		return false
	}
	slot.state = StateRestarting
	slot.restartCount++
	restartCount := slot.restartCount
	inst := slot.inst
	slot.mu.Unlock()

	restartTotal.WithLabelValues(fmt.Sprintf("%d", slot.ID)).Inc()
	logger.Infof("restarting worker %d (attempt %d/%d)", slot.ID, restartCount, p.cfg.MaxRestartAttempts)

	if inst != nil {
		_ = inst.Stop()
	}
	time.Sleep(p.cfg.RestartDelay)

	if err := p.launchSlot(ctx, slot); err != nil {
		logger.Errorf("failed to restart worker %d: %v", slot.ID, err)
		slot.mu.Lock()
		slot.state = StateCrashed
		slot.mu.Unlock()
		return false
	}

	slot.mu.Lock()
	slot.consecutiveFailures = 0
	slot.circuitOpen = false
	slot.mu.Unlock()
	logger.Infof("successfully restarted worker %d", slot.ID)
	return true
}

// SlotStatus is the introspection-facing snapshot of one pool slot.
type SlotStatus struct {
	ID                  int   `json:"id"`
	State               State `json:"state"`
	RestartCount        int   `json:"restart_count"`
	ConsecutiveFailures int   `json:"consecutive_failures"`
	TotalRequests       int   `json:"total_requests"`
	FailedRequests      int   `json:"failed_requests"`
	CircuitBreakerOpen  bool  `json:"circuit_breaker_open"`
	IsProcessing        bool  `json:"is_processing"`
}

// Status is the introspection-facing snapshot of the whole pool.
type Status struct {
	PoolSize             int          `json:"pool_size"`
	InstancesHealthy     int          `json:"instances_healthy"`
	PoolHealthPercentage float64      `json:"pool_health_percentage"`
	TotalRequests        int          `json:"total_requests"`
	FailedRequests       int          `json:"failed_requests"`
	WorkerRestarts       int          `json:"worker_restarts"`
	ConcurrentRequests   int          `json:"concurrent_requests"`
	IdleWorkers          int          `json:"idle_workers"`
	Instances            []SlotStatus `json:"instances"`
}

// Status reports pool-wide health and load metrics, supplementing the
// original's per-request path with an introspectable snapshot.
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Status{PoolSize: p.cfg.PoolSize}
	for _, slot := range p.slots {
		slot.mu.Lock()
		st.Instances = append(st.Instances, SlotStatus{
			ID:                  slot.ID,
			State:               slot.state,
			RestartCount:        slot.restartCount,
			ConsecutiveFailures: slot.consecutiveFailures,
			TotalRequests:       slot.totalRequests,
			FailedRequests:      slot.failedRequests,
			CircuitBreakerOpen:  slot.circuitOpen,
			IsProcessing:        slot.isProcessing,
		})
		if slot.state == StateHealthy {
			st.InstancesHealthy++
			if !slot.isProcessing {
				st.IdleWorkers++
			}
		}
		if slot.isProcessing {
			st.ConcurrentRequests++
		}
		st.TotalRequests += slot.totalRequests
		st.FailedRequests += slot.failedRequests
		st.WorkerRestarts += slot.restartCount
		slot.mu.Unlock()
	}
	if len(p.slots) > 0 {
		st.PoolHealthPercentage = float64(st.InstancesHealthy) / float64(len(p.slots)) * 100
	}
	return st
}

// ResetCircuitBreakers closes every open circuit breaker, reporting how
// many it reset.
func (p *Pool) ResetCircuitBreakers() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	count := 0
	for _, slot := range p.slots {
		slot.mu.Lock()
		if slot.circuitOpen {
			slot.circuitOpen = false
			slot.consecutiveFailures = 0
			slot.state = StateHealthy
			count++
			logger.Infof("reset circuit breaker for worker %d", slot.ID)
		}
		slot.mu.Unlock()
	}
	logger.Infof("reset %d circuit breakers", count)
	return count
}

func (p *Pool) healthMonitorLoop() {
	defer close(p.done)
	ticker := time.NewTicker(p.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.shutdown:
			return
		case <-ticker.C:
			p.performHealthChecks()
		}
	}
}

func (p *Pool) performHealthChecks() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p.mu.Lock()
	slots := append([]*Slot(nil), p.slots...)
	p.mu.Unlock()

	for _, slot := range slots {
		slot.mu.Lock()
		stuck := slot.isProcessing && !slot.requestStartedAt.IsZero() && time.Since(slot.requestStartedAt) > p.cfg.RequestTimeout
		inst := slot.inst
		slot.mu.Unlock()

		if stuck {
			logger.Warnf("request timeout detected on worker %d", slot.ID)
			slot.mu.Lock()
			slot.isProcessing = false
			slot.requestStartedAt = time.Time{}
			slot.state = StateUnhealthy
			slot.consecutiveFailures++
			restartCount := slot.restartCount
			slot.mu.Unlock()
			if restartCount < p.cfg.MaxRestartAttempts {
				logger.Infof("attempting automatic restart of worker %d due to stuck request", slot.ID)
				p.RestartSlot(ctx, slot)
			}
			continue
		}

		if inst == nil {
			continue
		}

		// A failed health check restarts the worker even without a
		// thrown exception, generalizing the narrower original that
		// only restarted on error.
		if inst.Healthy(ctx) {
			slot.mu.Lock()
			slot.state = StateHealthy
			if slot.circuitOpen {
				slot.circuitOpen = false
				slot.consecutiveFailures = 0
				logger.Infof("circuit breaker closed for worker %d (health check passed)", slot.ID)
			}
			slot.mu.Unlock()
			continue
		}

		slot.mu.Lock()
		slot.state = StateCrashed
		restartCount := slot.restartCount
		slot.mu.Unlock()
		logger.Warnf("health check failed for worker %d", slot.ID)
		if restartCount < p.cfg.MaxRestartAttempts {
			logger.Infof("attempting automatic restart of worker %d", slot.ID)
			p.RestartSlot(ctx, slot)
		}
	}
}

// Stop shuts down health monitoring and every pool slot.
func (p *Pool) Stop() {
	close(p.shutdown)
	select {
	case <-p.done:
	case <-time.After(5 * time.Second):
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, slot := range p.slots {
		slot.mu.Lock()
		inst := slot.inst
		slot.mu.Unlock()
		if inst == nil {
			continue
		}
		if err := inst.Stop(); err != nil {
			logger.Errorf("error stopping worker %d: %v", slot.ID, err)
		}
	}
	logger.Infof("worker pool stopped")
}
