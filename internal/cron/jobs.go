package cron

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/flemzord/agentgate/internal/scheduler"
)

// Scanner discovers tools in bulk. The gate implements it.
type Scanner interface {
	Scan(ctx context.Context, paths []string) scheduler.BatchResult
}

// RescanJob walks the configured directories and rediscovers every
// executable. Unchanged binaries are served from the cache, so a rescan
// only probes what changed since the last one.
type RescanJob struct {
	Scanner Scanner
	// Dirs are scanned in order. Empty means PATH.
	Dirs         []string
	Logger       *slog.Logger
	ScheduleExpr string // empty = default "0 * * * *"

	// Candidates lists executables. Defaults to scheduler.Candidates.
	Candidates func(dirs []string) ([]string, error)
}

var _ Job = (*RescanJob)(nil)

// Name implements Job.
func (j *RescanJob) Name() string { return "rescan" }

// Schedule implements Job.
func (j *RescanJob) Schedule() string {
	if j.ScheduleExpr != "" {
		return j.ScheduleExpr
	}
	return "0 * * * *"
}

// Run lists the candidates and scans them.
func (j *RescanJob) Run(ctx context.Context) error {
	list := j.Candidates
	if list == nil {
		list = scheduler.Candidates
	}
	paths, err := list(j.Dirs)
	if err != nil {
		return fmt.Errorf("cron: listing candidates: %w", err)
	}
	batch := j.Scanner.Scan(ctx, paths)
	logger(j.Logger).Info("cron: rescan complete",
		"candidates", len(paths),
		"tools", len(batch.Tools()),
		"errors", len(batch.Errors),
		"duration", batch.Duration,
	)
	if ctx.Err() != nil {
		return fmt.Errorf("cron: rescan cancelled: %w", ctx.Err())
	}
	return nil
}

// Flusher persists a cache to disk.
type Flusher interface {
	Flush() error
	CleanTemp() (int, error)
}

// CacheFlushJob writes the metadata cache to disk and removes temporary
// files left behind by interrupted writes.
type CacheFlushJob struct {
	Cache        Flusher
	Logger       *slog.Logger
	ScheduleExpr string // empty = default "*/15 * * * *"
}

var _ Job = (*CacheFlushJob)(nil)

// Name implements Job.
func (j *CacheFlushJob) Name() string { return "cache_flush" }

// Schedule implements Job.
func (j *CacheFlushJob) Schedule() string {
	if j.ScheduleExpr != "" {
		return j.ScheduleExpr
	}
	return "*/15 * * * *"
}

// Run flushes the cache.
func (j *CacheFlushJob) Run(_ context.Context) error {
	if n, err := j.Cache.CleanTemp(); err != nil {
		logger(j.Logger).Warn("cron: cleaning cache temp files failed", "error", err)
	} else if n > 0 {
		logger(j.Logger).Info("cron: removed stale cache temp files", "count", n)
	}
	if err := j.Cache.Flush(); err != nil {
		return fmt.Errorf("cron: flushing cache: %w", err)
	}
	return nil
}

// Pruner deletes history older than a cutoff.
type Pruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// LedgerPruneJob enforces the ledger retention period.
type LedgerPruneJob struct {
	Ledger       Pruner
	Retention    time.Duration
	Logger       *slog.Logger
	ScheduleExpr string // empty = default "30 3 * * *"

	Now func() time.Time
}

var _ Job = (*LedgerPruneJob)(nil)

// Name implements Job.
func (j *LedgerPruneJob) Name() string { return "ledger_prune" }

// Schedule implements Job.
func (j *LedgerPruneJob) Schedule() string {
	if j.ScheduleExpr != "" {
		return j.ScheduleExpr
	}
	return "30 3 * * *"
}

// Run deletes entries older than Retention. A zero Retention keeps
// everything.
func (j *LedgerPruneJob) Run(ctx context.Context) error {
	if j.Retention <= 0 {
		return nil
	}
	now := time.Now
	if j.Now != nil {
		now = j.Now
	}
	n, err := j.Ledger.Prune(ctx, now().Add(-j.Retention))
	if err != nil {
		return fmt.Errorf("cron: pruning ledger: %w", err)
	}
	if n > 0 {
		logger(j.Logger).Info("cron: pruned ledger", "rows", n)
	}
	return nil
}

func logger(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
