package executor

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// BatchOptions controls RunBatch.
type BatchOptions struct {
	// Parallelism above 1 runs up to that many commands at once. The caller
	// is responsible for only batching commands that do not conflict.
	Parallelism int

	// StopOnError skips the remaining commands after the first failure in
	// sequential mode. A non-zero exit counts as a failure.
	StopOnError bool
}

// RunBatch runs already-approved commands and returns their filtered results
// in input order. Commands run sequentially unless Parallelism > 1. Per-command
// errors are joined; commands that never ran have a zero Result.
func (e *Executor) RunBatch(ctx context.Context, argvs [][]string, opts Options, b BatchOptions) ([]Result, error) {
	return Batch(ctx, len(argvs), b, func(ctx context.Context, i int) (Result, error) {
		return e.Run(ctx, argvs[i], opts)
	})
}

// Batch runs n commands with RunBatch's ordering and error rules; run
// executes command i.
func Batch(ctx context.Context, n int, b BatchOptions, run func(ctx context.Context, i int) (Result, error)) ([]Result, error) {
	results := make([]Result, n)
	errs := make([]error, n)

	if b.Parallelism <= 1 {
		for i := range n {
			if err := ctx.Err(); err != nil {
				errs[i] = err
				break
			}
			results[i], errs[i] = run(ctx, i)
			if b.StopOnError && (errs[i] != nil || !results[i].Success()) {
				break
			}
		}
		return results, joinIndexed(errs)
	}

	var g errgroup.Group
	g.SetLimit(b.Parallelism)
	for i := range n {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				errs[i] = err
				return nil
			}
			results[i], errs[i] = run(ctx, i)
			return nil
		})
	}
	_ = g.Wait()
	return results, joinIndexed(errs)
}

func joinIndexed(errs []error) error {
	var out []error
	for i, err := range errs {
		if err != nil {
			out = append(out, fmt.Errorf("command %d: %w", i, err))
		}
	}
	return errors.Join(out...)
}
