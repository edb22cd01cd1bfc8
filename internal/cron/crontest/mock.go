// Package crontest provides fakes for the cron jobs and the components
// they maintain.
package crontest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flemzord/agentgate/internal/cron"
	"github.com/flemzord/agentgate/internal/scheduler"
)

// MockJob is a configurable test double for cron.Job.
type MockJob struct {
	NameVal     string
	ScheduleVal string
	RunFunc     func(ctx context.Context) error

	calls atomic.Int32
}

var _ cron.Job = (*MockJob)(nil)

// Name implements cron.Job.
func (m *MockJob) Name() string { return m.NameVal }

// Schedule implements cron.Job.
func (m *MockJob) Schedule() string { return m.ScheduleVal }

// Run implements cron.Job.
func (m *MockJob) Run(ctx context.Context) error {
	m.calls.Add(1)
	if m.RunFunc != nil {
		return m.RunFunc(ctx)
	}
	return nil
}

// CallCount returns how many times Run was called.
func (m *MockJob) CallCount() int { return int(m.calls.Load()) }

// MockScanner records the paths it was asked to scan.
type MockScanner struct {
	Result scheduler.BatchResult

	mu    sync.Mutex
	paths [][]string
}

var _ cron.Scanner = (*MockScanner)(nil)

// Scan implements cron.Scanner.
func (m *MockScanner) Scan(_ context.Context, paths []string) scheduler.BatchResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paths = append(m.paths, paths)
	return m.Result
}

// Calls returns the path lists of every Scan call.
func (m *MockScanner) Calls() [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]string(nil), m.paths...)
}

// MockFlusher is a test double for cron.Flusher.
type MockFlusher struct {
	FlushErr     error
	Stale        int
	FlushCalls   atomic.Int32
	CleanupCalls atomic.Int32
}

var _ cron.Flusher = (*MockFlusher)(nil)

// Flush implements cron.Flusher.
func (m *MockFlusher) Flush() error {
	m.FlushCalls.Add(1)
	return m.FlushErr
}

// CleanTemp implements cron.Flusher.
func (m *MockFlusher) CleanTemp() (int, error) {
	m.CleanupCalls.Add(1)
	return m.Stale, nil
}

// MockPruner is a test double for cron.Pruner.
type MockPruner struct {
	PruneFunc func(cutoff time.Time) int64

	mu      sync.Mutex
	cutoffs []time.Time
}

var _ cron.Pruner = (*MockPruner)(nil)

// Prune implements cron.Pruner.
func (m *MockPruner) Prune(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	m.cutoffs = append(m.cutoffs, cutoff)
	m.mu.Unlock()
	if m.PruneFunc != nil {
		return m.PruneFunc(cutoff), nil
	}
	return 0, nil
}

// Cutoffs returns the cutoff of every Prune call.
func (m *MockPruner) Cutoffs() []time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Time(nil), m.cutoffs...)
}
