package pool

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/strandline/ferryman/pkg/bus"
)

// Metrics tracks session pool performance counters.
type Metrics struct {
	// Handle lifecycle
	HandlesStarted  atomic.Int64
	HandlesCrashed  atomic.Int64
	HandlesRecycled atomic.Int64
	LiveHandles     atomic.Int64

	// Acquisition
	AcquireCount    atomic.Int64
	AcquireTimeouts atomic.Int64
	AcquireWaitSum  atomic.Int64 // nanoseconds sum for averaging
	AcquireWaitN    atomic.Int64

	// Context balance; these two must converge (no leak)
	ContextsAcquired atomic.Int64
	ContextsReleased atomic.Int64

	DegradedEvents atomic.Int64

	mu  sync.RWMutex
	bus bus.MessageBus
}

// NewMetrics creates a new metrics collector.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// EnableBus wires the collector to a message bus; pool lifecycle events
// are then published under ferryman.pool.*.
func (m *Metrics) EnableBus(b bus.MessageBus) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.bus = b
	m.mu.Unlock()
}

// RecordHandleStarted increments handle start counters.
func (m *Metrics) RecordHandleStarted(handleID string) {
	if m == nil {
		return
	}
	m.HandlesStarted.Add(1)
	m.LiveHandles.Add(1)
	m.publish("ferryman.pool.handle_started", map[string]any{"handle_id": handleID})
}

// RecordHandleCrashed increments crash counters.
func (m *Metrics) RecordHandleCrashed(handleID string) {
	if m == nil {
		return
	}
	m.HandlesCrashed.Add(1)
	m.LiveHandles.Add(-1)
	m.publish("ferryman.pool.handle_crashed", map[string]any{"handle_id": handleID})
}

// RecordHandleRecycled increments idle-recycle counters.
func (m *Metrics) RecordHandleRecycled(handleID string, idle time.Duration) {
	if m == nil {
		return
	}
	m.HandlesRecycled.Add(1)
	m.LiveHandles.Add(-1)
	m.publish("ferryman.pool.handle_recycled", map[string]any{
		"handle_id": handleID,
		"idle_ms":   idle.Milliseconds(),
	})
}

// RecordAcquire tracks a successful context acquisition and its wait time.
func (m *Metrics) RecordAcquire(handleID string, wait time.Duration) {
	if m == nil {
		return
	}
	m.AcquireCount.Add(1)
	m.ContextsAcquired.Add(1)
	m.AcquireWaitSum.Add(wait.Nanoseconds())
	m.AcquireWaitN.Add(1)
	m.publish("ferryman.pool.context_acquired", map[string]any{
		"handle_id": handleID,
		"wait_ms":   wait.Milliseconds(),
	})
}

// RecordAcquireTimeout tracks an acquisition that gave up waiting.
func (m *Metrics) RecordAcquireTimeout() {
	if m == nil {
		return
	}
	m.AcquireTimeouts.Add(1)
	m.publish("ferryman.pool.acquire_timeout", nil)
}

// RecordRelease tracks a context release.
func (m *Metrics) RecordRelease(handleID string) {
	if m == nil {
		return
	}
	m.ContextsReleased.Add(1)
	m.publish("ferryman.pool.context_released", map[string]any{"handle_id": handleID})
}

// RecordDegraded tracks the pool entering the degraded state.
func (m *Metrics) RecordDegraded() {
	if m == nil {
		return
	}
	m.DegradedEvents.Add(1)
	m.publish("ferryman.pool.degraded", nil)
}

// Snapshot returns a point-in-time copy of all counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	avgWait := time.Duration(0)
	if n := m.AcquireWaitN.Load(); n > 0 {
		avgWait = time.Duration(m.AcquireWaitSum.Load() / n)
	}
	return MetricsSnapshot{
		HandlesStarted:     m.HandlesStarted.Load(),
		HandlesCrashed:     m.HandlesCrashed.Load(),
		HandlesRecycled:    m.HandlesRecycled.Load(),
		LiveHandles:        m.LiveHandles.Load(),
		AcquireCount:       m.AcquireCount.Load(),
		AcquireTimeouts:    m.AcquireTimeouts.Load(),
		ContextsAcquired:   m.ContextsAcquired.Load(),
		ContextsReleased:   m.ContextsReleased.Load(),
		DegradedEvents:     m.DegradedEvents.Load(),
		AverageAcquireWait: avgWait,
	}
}

func (m *Metrics) publish(subject string, data map[string]any) {
	m.mu.RLock()
	b := m.bus
	m.mu.RUnlock()
	if b == nil {
		return
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	_ = b.Publish(context.Background(), subject, payload)
}

// MetricsSnapshot is a point-in-time copy of pool metrics.
type MetricsSnapshot struct {
	HandlesStarted     int64         `json:"handles_started"`
	HandlesCrashed     int64         `json:"handles_crashed"`
	HandlesRecycled    int64         `json:"handles_recycled"`
	LiveHandles        int64         `json:"live_handles"`
	AcquireCount       int64         `json:"acquire_count"`
	AcquireTimeouts    int64         `json:"acquire_timeouts"`
	ContextsAcquired   int64         `json:"contexts_acquired"`
	ContextsReleased   int64         `json:"contexts_released"`
	DegradedEvents     int64         `json:"degraded_events"`
	AverageAcquireWait time.Duration `json:"average_acquire_wait_ns"`
}
