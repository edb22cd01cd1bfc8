package main

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/flemzord/agentgate/internal/gate"
	"github.com/flemzord/agentgate/internal/ledger"
	"github.com/flemzord/agentgate/pkg/app"
)

var errNoLedger = errors.New("the ledger is disabled (ledger.disabled: true)")

func historyCmd(g *globalFlags) *cobra.Command {
	var (
		q     ledger.Query
		since time.Duration
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded decisions and executions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if since > 0 {
				q.Since = time.Now().Add(-since)
			}
			return withApp(cmd, g, buildOpts{}, func(a *app.App) error {
				if a.Ledger == nil {
					return errNoLedger
				}
				entries, err := a.Ledger.History(cmd.Context(), q)
				if err != nil {
					return err
				}
				if entries == nil {
					entries = []ledger.Entry{}
				}
				return render(cmd, g, entries, func(w *tabwriter.Writer) {
					fmt.Fprintln(w, "TIME\tTOOL\tCOMMAND\tDECISION\tTRUST\tRUNS")
					for _, e := range entries {
						fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
							e.DecidedAt.Local().Format(time.DateTime),
							e.Tool,
							orDash(strings.Join(e.Command, " ")),
							entryDecision(e),
							e.TrustLevel,
							entryRuns(e),
						)
					}
				})
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&q.Tool, "tool", "", "Only show decisions for this tool")
	f.DurationVar(&since, "since", 0, "Only show decisions newer than this (e.g. 24h)")
	f.BoolVar(&q.OnlyBlocked, "blocked", false, "Only show blocked decisions")
	f.IntVarP(&q.Limit, "limit", "n", 50, "Maximum number of decisions")

	cmd.AddCommand(evaluationsCmd(g))
	return cmd
}

func evaluationsCmd(g *globalFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "evaluations <tool>",
		Short: "Show the trust verdicts recorded for a tool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := gate.Resolve(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, g, buildOpts{}, func(a *app.App) error {
				if a.Ledger == nil {
					return errNoLedger
				}
				evals, err := a.Ledger.Evaluations(cmd.Context(), path, limit)
				if err != nil {
					return err
				}
				if evals == nil {
					evals = []ledger.Evaluation{}
				}
				return render(cmd, g, evals, func(w *tabwriter.Writer) {
					fmt.Fprintln(w, "TIME\tLEVEL\tHASH\tREASON")
					for _, e := range evals {
						level := e.Level
						if e.Degraded {
							level += " (degraded)"
						}
						fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
							e.EvaluatedAt.Local().Format(time.DateTime), level, shortHash(e.ContentHash), e.Reason)
					}
				})
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of verdicts")
	return cmd
}

func entryDecision(e ledger.Entry) string {
	switch {
	case e.Allowed && e.Confirmed:
		return "confirmed"
	case e.Allowed:
		return "allowed"
	default:
		return "blocked"
	}
}

func entryRuns(e ledger.Entry) string {
	if len(e.Executions) == 0 {
		return "-"
	}
	codes := make([]string, len(e.Executions))
	for i, x := range e.Executions {
		codes[i] = fmt.Sprintf("exit %d", x.ExitCode)
	}
	return strings.Join(codes, ", ")
}

// shortHash trims a "sha256:<hex>" digest for display.
func shortHash(h string) string {
	if h == "" {
		return "-"
	}
	algo, hex, ok := strings.Cut(h, ":")
	if !ok || len(hex) <= 12 {
		return h
	}
	return algo + ":" + hex[:12]
}
