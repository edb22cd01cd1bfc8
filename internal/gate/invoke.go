package gate

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/flemzord/agentgate/internal/descriptor"
	"github.com/flemzord/agentgate/internal/executor"
	"github.com/flemzord/agentgate/internal/policy"
	"github.com/flemzord/agentgate/internal/trust"
)

// Invocation is a command an agent wants to run.
type Invocation struct {
	// Path is the executable.
	Path string
	// Command is the path in the tool's command tree, e.g. ["push"].
	Command []string
	// Args follow Command on the command line.
	Args []string
	Exec executor.Options
}

// Argv returns the full command line.
func (inv Invocation) Argv() []string {
	argv := make([]string, 0, 1+len(inv.Command)+len(inv.Args))
	argv = append(argv, inv.Path)
	argv = append(argv, inv.Command...)
	return append(argv, inv.Args...)
}

// Outcome is everything DiscoverAndMaybeRun learned about an invocation.
// Fields are filled in as far as the flow got.
type Outcome struct {
	Descriptor *descriptor.ToolDescriptor `json:"descriptor,omitempty"`
	Effects    descriptor.Effects         `json:"effects"`
	Trust      *trust.Result              `json:"trust,omitempty"`
	Decision   *policy.Decision           `json:"decision,omitempty"`
	Result     *executor.Result           `json:"result,omitempty"`
}

// Check runs discovery, trust evaluation and the policy decision for inv
// without executing anything. The returned error is the decision's
// *policy.ViolationError when it blocks.
func (g *Gate) Check(ctx context.Context, inv Invocation) (Outcome, error) {
	_, out, err := g.check(ctx, inv)
	return out, err
}

func (g *Gate) check(ctx context.Context, inv Invocation) (string, Outcome, error) {
	var out Outcome

	res, err := g.Discover(ctx, inv.Path)
	if err != nil {
		return "", out, err
	}
	if !res.Supported() {
		return "", out, fmt.Errorf("%w: %s", ErrUnsupported, inv.Path)
	}
	out.Descriptor = res.Descriptor

	effects, err := policy.EffectsFor(res.Descriptor, inv.Command...)
	if err != nil {
		return "", out, err
	}
	out.Effects = effects

	verdict := res.Trust
	if verdict == nil {
		r := g.Evaluate(ctx, res.Path, res.Descriptor.Trust)
		verdict = &r
	}
	out.Trust = verdict

	d, err := g.Decide(ctx, policy.Request{
		Tool:    res.Descriptor,
		Command: slices.Clone(inv.Command),
		Args:    slices.Clone(inv.Args),
		Effects: effects,
		Trust:   *verdict,
	})
	if err != nil {
		return "", out, err
	}
	out.Decision = &d
	return res.Path, out, d.Err()
}

// DiscoverAndMaybeRun discovers the tool at inv.Path, evaluates its trust,
// decides on the command and executes it only if the decision allows it.
// Before spawning, the binary is hashed again; content that changed since
// evaluation is refused.
//
// A blocked decision returns a *policy.ViolationError and nothing is run.
func (g *Gate) DiscoverAndMaybeRun(ctx context.Context, inv Invocation) (Outcome, error) {
	path, out, err := g.check(ctx, inv)
	if err != nil {
		return out, err
	}

	if err := g.checkUnchanged(path, out.Trust.ContentHash); err != nil {
		g.logger.Warn("refusing to run changed binary", "path", path, "error", err)
		return out, err
	}

	inv.Path = path
	r, err := g.Run(ctx, *out.Decision, inv.Argv(), inv.Exec)
	out.Result = &r
	return out, err
}

func (g *Gate) checkUnchanged(path, evaluated string) error {
	if evaluated == "" {
		return nil
	}
	current, err := trust.HashFile(path)
	if err != nil {
		return fmt.Errorf("%w: %w: %v", trust.ErrCompromised, ErrBinaryChanged, err)
	}
	if !trust.DigestsEqual(current, evaluated) {
		return fmt.Errorf("%w: %w: %s", trust.ErrCompromised, ErrBinaryChanged, path)
	}
	return nil
}

// Approved pairs an allowing decision with the command line it covers.
type Approved struct {
	Decision policy.Decision
	Argv     []string
}

// RunBatch runs approved commands through Run, in input order unless
// b.Parallelism > 1. Every decision is checked before anything starts: one
// blocking or compromised entry fails the whole batch without a spawn.
func (g *Gate) RunBatch(ctx context.Context, batch []Approved, opts executor.Options, b executor.BatchOptions) ([]executor.Result, error) {
	var errs []error
	for i, a := range batch {
		err := a.Decision.Err()
		if err == nil && a.Decision.Compromised() {
			err = fmt.Errorf("%w: refusing to execute", trust.ErrCompromised)
		}
		if err == nil && len(a.Argv) == 0 {
			err = executor.ErrEmptyCommand
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("command %d: %w", i, err))
		}
	}
	if len(errs) > 0 {
		return make([]executor.Result, len(batch)), errors.Join(errs...)
	}
	return executor.Batch(ctx, len(batch), b, func(ctx context.Context, i int) (executor.Result, error) {
		return g.Run(ctx, batch[i].Decision, batch[i].Argv, opts)
	})
}
