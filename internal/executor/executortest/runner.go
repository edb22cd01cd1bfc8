// Package executortest provides test doubles for the executor package.
package executortest

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"sync"
	"testing"

	"github.com/flemzord/agentgate/internal/executor"
)

// Call records one Exec invocation.
type Call struct {
	Argv []string
	Opts executor.Options
}

// Runner is an executor.Runner that records every spawn. When Next is set
// the call is delegated to it; otherwise Handler answers, and with neither
// the call succeeds with empty output.
type Runner struct {
	Next    executor.Runner
	Handler func(argv []string) (executor.Result, error)

	mu    sync.Mutex
	calls []Call
}

var _ executor.Runner = (*Runner)(nil)

// Counting wraps a real runner and records its spawns.
func Counting(next executor.Runner) *Runner {
	return &Runner{Next: next}
}

// Exec implements executor.Runner.
func (r *Runner) Exec(ctx context.Context, argv []string, opts executor.Options) (executor.Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, Call{Argv: slices.Clone(argv), Opts: opts})
	r.mu.Unlock()

	switch {
	case r.Next != nil:
		return r.Next.Exec(ctx, argv, opts)
	case r.Handler != nil:
		return r.Handler(argv)
	default:
		return executor.Result{Command: slices.Clone(argv)}, nil
	}
}

// Count returns the number of spawns so far.
func (r *Runner) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// Calls returns a copy of the recorded calls.
func (r *Runner) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.calls)
}

// Script writes an executable POSIX shell script into dir and returns its
// path. Tests calling it are skipped on Windows.
func Script(t testing.TB, dir, name, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not supported on windows")
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("writing script %s: %v", name, err)
	}
	return path
}
