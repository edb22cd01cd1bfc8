package gateway

import (
	"sync/atomic"
	"time"
)

// Metrics tracks gateway-level counters using atomic operations for lock-free concurrency.
type Metrics struct {
	requests     atomic.Int64
	errors       atomic.Int64
	blocked      atomic.Int64
	runs         atomic.Int64
	totalRunTime atomic.Int64 // nanoseconds
}

// RecordRequest records an API request.
func (m *Metrics) RecordRequest() {
	m.requests.Add(1)
}

// RecordError records a failed API request.
func (m *Metrics) RecordError() {
	m.errors.Add(1)
}

// RecordBlocked records a decision that refused a command.
func (m *Metrics) RecordBlocked() {
	m.blocked.Add(1)
}

// RecordRun records a completed execution.
func (m *Metrics) RecordRun(elapsed time.Duration) {
	m.runs.Add(1)
	m.totalRunTime.Add(int64(elapsed))
}

// Snapshot returns a consistent point-in-time view of the counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	runs := m.runs.Load()
	snap := MetricsSnapshot{
		Requests: m.requests.Load(),
		Errors:   m.errors.Load(),
		Blocked:  m.blocked.Load(),
		Runs:     runs,
	}
	if runs > 0 {
		snap.AvgRunTime = time.Duration(m.totalRunTime.Load() / runs)
	}
	return snap
}

// MetricsSnapshot is a serializable point-in-time metrics view.
type MetricsSnapshot struct {
	Requests   int64         `json:"requests"`
	Errors     int64         `json:"errors"`
	Blocked    int64         `json:"blocked"`
	Runs       int64         `json:"runs"`
	AvgRunTime time.Duration `json:"avg_run_time_ns"`
}
