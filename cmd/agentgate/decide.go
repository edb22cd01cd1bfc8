package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/flemzord/agentgate/internal/executor"
	"github.com/flemzord/agentgate/internal/gate"
	"github.com/flemzord/agentgate/internal/policy"
	"github.com/flemzord/agentgate/pkg/app"
)

// exitBlocked is the status of a command the policy refused.
const exitBlocked = 3

const invocationUsage = `Words between the tool and "--" are the command path in the tool's
command tree; words after "--" are passed as arguments:

  agentgate %s git push -- origin main`

// parseInvocation splits positional args into tool, command path and args.
func parseInvocation(cmd *cobra.Command, args []string) (gate.Invocation, error) {
	path, err := gate.Resolve(args[0])
	if err != nil {
		return gate.Invocation{}, err
	}
	inv := gate.Invocation{Path: path}
	if dash := cmd.ArgsLenAtDash(); dash >= 1 {
		inv.Command = args[1:dash]
		inv.Args = args[dash:]
	} else {
		inv.Command = args[1:]
	}
	return inv, nil
}

func decideCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "decide <tool> [command...] [-- args...]",
		Short: "Show what the policy would decide for a command, without running it",
		Long:  fmt.Sprintf("Decide discovers the tool, evaluates its trust and applies the policy.\nNothing is executed and no confirmation is asked.\n\n"+invocationUsage, "decide"),
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inv, err := parseInvocation(cmd, args)
			if err != nil {
				return err
			}
			return withApp(cmd, g, buildOpts{}, func(a *app.App) error {
				out, err := a.Gate.Check(cmd.Context(), inv)
				var verr *policy.ViolationError
				if err != nil && !errors.As(err, &verr) {
					return err
				}
				if rerr := render(cmd, g, out, func(w *tabwriter.Writer) { describeOutcome(w, out) }); rerr != nil {
					return rerr
				}
				if verr != nil {
					return &exitError{code: exitBlocked}
				}
				return nil
			})
		},
	}
}

func runCmd(g *globalFlags) *cobra.Command {
	var (
		timeout time.Duration
		dir     string
		quiet   bool
	)
	cmd := &cobra.Command{
		Use:   "run <tool> [command...] [-- args...]",
		Short: "Run a command if the policy allows it",
		Long: fmt.Sprintf(`Run discovers the tool, evaluates its trust, applies the policy and runs
the command only when it is allowed. On a terminal, violations that can be
overridden are confirmed interactively; otherwise they block.

Output is streamed and redacted. The tool's exit status is returned; a
blocked command exits with status %d.

`+invocationUsage, exitBlocked, "run"),
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inv, err := parseInvocation(cmd, args)
			if err != nil {
				return err
			}
			inv.Exec = executor.Options{Timeout: timeout, Dir: dir, Stdin: os.Stdin}
			streaming := g.output == outputText && !quiet
			if streaming {
				inv.Exec.StdoutSink = cmd.OutOrStdout()
				inv.Exec.StderrSink = cmd.ErrOrStderr()
			}

			return withApp(cmd, g, buildOpts{confirm: true}, func(a *app.App) error {
				if streaming {
					inv.Exec.StdoutSink = a.Redactor.Writer(inv.Exec.StdoutSink)
					inv.Exec.StderrSink = a.Redactor.Writer(inv.Exec.StderrSink)
				}
				out, err := a.Gate.DiscoverAndMaybeRun(cmd.Context(), inv)

				var verr *policy.ViolationError
				switch {
				case errors.As(err, &verr):
					if rerr := render(cmd, g, out, func(w *tabwriter.Writer) { describeOutcome(w, out) }); rerr != nil {
						return rerr
					}
					return &exitError{code: exitBlocked}
				case out.Result == nil:
					return err
				}

				if g.output == outputJSON {
					if rerr := printJSON(cmd.OutOrStdout(), out); rerr != nil {
						return rerr
					}
				} else if !streaming {
					fmt.Fprint(cmd.OutOrStdout(), out.Result.Stdout)
					fmt.Fprint(cmd.ErrOrStderr(), out.Result.Stderr)
				}
				if out.Result.TimedOut {
					return &exitError{code: 124, err: fmt.Errorf("%s timed out after %s", inv.Path, out.Result.Duration)}
				}
				if err != nil && out.Result.ExitCode == 0 {
					return err
				}
				if out.Result.ExitCode != 0 {
					return &exitError{code: out.Result.ExitCode}
				}
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.DurationVar(&timeout, "timeout", 0, "Execution timeout (default: exec.default_timeout)")
	f.StringVar(&dir, "dir", "", "Working directory for the command")
	f.BoolVarP(&quiet, "quiet", "q", false, "Print captured output once the command finishes instead of streaming")
	return cmd
}

func describeOutcome(w *tabwriter.Writer, out gate.Outcome) {
	if out.Descriptor != nil {
		tool := out.Descriptor.Name
		if out.Descriptor.Version != "" {
			tool += " " + out.Descriptor.Version
		}
		fmt.Fprintf(w, "Tool:\t%s\n", tool)
	}
	fmt.Fprintf(w, "Effects:\t%s\n", effectsLabel(out.Effects))
	if out.Trust != nil {
		fmt.Fprintf(w, "Trust:\t%s (%s)\n", levelLabel(*out.Trust), out.Trust.Reason)
	}
	d := out.Decision
	if d == nil {
		return
	}
	verdict := "allowed"
	switch {
	case d.Allowed && d.Confirmed:
		verdict = "allowed (confirmed)"
	case !d.Allowed && d.Compromised():
		verdict = "blocked (compromised)"
	case !d.Allowed:
		verdict = "blocked"
	}
	fmt.Fprintf(w, "Decision:\t%s\n", verdict)
	fmt.Fprintf(w, "Decision ID:\t%s\n", d.ID)
	for _, v := range d.Violations {
		reason := v.Reason
		if v.Undeclared {
			reason += " (undeclared)"
		}
		fmt.Fprintf(w, "  %s\t%s\n", v.Kind, reason)
	}
}
