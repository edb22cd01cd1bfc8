package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/flemzord/agentgate/internal/descriptor"
	"github.com/flemzord/agentgate/internal/gate"
	"github.com/flemzord/agentgate/internal/scheduler"
	"github.com/flemzord/agentgate/internal/trust"
	"github.com/flemzord/agentgate/pkg/app"
)

func probeCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "probe <tool>",
		Short: "Run the discovery protocol against a tool",
		Long: `Probe runs the tool's help command, and its discovery command when the
help output advertises one, then prints the validated descriptor. The
cache is bypassed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := gate.Resolve(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, g, buildOpts{}, func(a *app.App) error {
				d, err := a.Gate.Probe(cmd.Context(), path)
				if err != nil {
					return err
				}
				if d == nil {
					return fmt.Errorf("%w: %s does not advertise discovery", gate.ErrUnsupported, path)
				}
				return render(cmd, g, d, func(w *tabwriter.Writer) { describeTool(w, d) })
			})
		},
	}
}

// scanOutput is the JSON shape of a scan.
type scanOutput struct {
	Results  []scheduler.CandidateResult `json:"results"`
	Errors   []scanError                 `json:"errors,omitempty"`
	Duration string                      `json:"duration"`
}

type scanError struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

func scanCmd(g *globalFlags) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "scan [dir...]",
		Short: "Discover every executable in the given directories (default: configured dirs or PATH)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, buildOpts{}, func(a *app.App) error {
				batch, err := a.Scan(cmd.Context(), args)
				if err != nil {
					return err
				}
				out := scanOutput{Results: batch.Tools(), Duration: batch.Duration.String()}
				if all {
					out.Results = batch.Results
				}
				for _, e := range batch.Errors {
					out.Errors = append(out.Errors, scanError{Path: e.Path, Error: e.Err.Error()})
				}
				return render(cmd, g, out, func(w *tabwriter.Writer) {
					fmt.Fprintln(w, "TOOL\tVERSION\tTRUST\tSOURCE\tPATH")
					for _, r := range out.Results {
						name, ver := "-", "-"
						if r.Descriptor != nil {
							name, ver = r.Descriptor.Name, orDash(r.Descriptor.Version)
						}
						level := "-"
						if r.Trust != nil {
							level = levelLabel(*r.Trust)
						}
						fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", name, ver, level, sourceLabel(r), r.Path)
					}
					for _, e := range out.Errors {
						fmt.Fprintf(w, "error\t\t\t\t%s: %s\n", e.Path, e.Error)
					}
					fmt.Fprintf(w, "\n%d tools, %d candidates, %d errors in %s\n",
						len(batch.Tools()), len(batch.Results), len(batch.Errors), out.Duration)
				})
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Include candidates without discovery support")
	return cmd
}

func toolsCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the tools in the metadata cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, g, buildOpts{}, func(a *app.App) error {
				tools := a.Gate.Tools()
				if tools == nil {
					tools = []*descriptor.ToolDescriptor{}
				}
				return render(cmd, g, tools, func(w *tabwriter.Writer) {
					fmt.Fprintln(w, "TOOL\tVERSION\tCOMMANDS\tPATH")
					for _, d := range tools {
						fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", d.Name, orDash(d.Version), len(d.CommandPaths()), d.Path)
					}
				})
			})
		},
	}
}

func evaluateCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "evaluate <tool>",
		Short: "Compute a fresh trust verdict for a tool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := gate.Resolve(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, g, buildOpts{}, func(a *app.App) error {
				var meta *descriptor.TrustMetadata
				if res, err := a.Gate.Discover(cmd.Context(), path); err == nil && res.Descriptor != nil {
					meta = res.Descriptor.Trust
				}
				r := a.Gate.Evaluate(cmd.Context(), path, meta)
				return render(cmd, g, r, func(w *tabwriter.Writer) { describeVerdict(w, r) })
			})
		},
	}
}

func describeTool(w *tabwriter.Writer, d *descriptor.ToolDescriptor) {
	fmt.Fprintf(w, "Name:\t%s\n", d.Name)
	fmt.Fprintf(w, "Version:\t%s\n", orDash(d.Version))
	if d.Description != "" {
		fmt.Fprintf(w, "Description:\t%s\n", d.Description)
	}
	fmt.Fprintf(w, "Path:\t%s\n", d.Path)
	if d.Trust != nil {
		fmt.Fprintf(w, "Source:\t%s\n", d.Trust.Source)
	}
	if d.Effects != nil {
		fmt.Fprintf(w, "Effects:\t%s\n", effectsLabel(*d.Effects))
	}
	paths := d.CommandPaths()
	if len(paths) == 0 {
		return
	}
	fmt.Fprintln(w, "Commands:")
	for _, p := range paths {
		label := "-"
		if e, err := d.EffectsChain(p...); err == nil && len(e) > 0 {
			if last := e[len(e)-1]; !last.IsZero() {
				label = effectsLabel(last)
			}
		}
		fmt.Fprintf(w, "  %s\t%s\n", strings.Join(p, " "), label)
	}
}

func describeVerdict(w *tabwriter.Writer, r trust.Result) {
	fmt.Fprintf(w, "Level:\t%s\n", levelLabel(r))
	fmt.Fprintf(w, "Recommendation:\t%s\n", r.Recommendation)
	fmt.Fprintf(w, "Reason:\t%s\n", r.Reason)
	fmt.Fprintf(w, "Source:\t%s\n", r.Source)
	fmt.Fprintf(w, "Hash matched:\t%s\n", yesNo(r.HashMatched))
	fmt.Fprintf(w, "Signature verified:\t%s\n", yesNo(r.SignatureVerified))
	fmt.Fprintf(w, "Provenance verified:\t%s\n", yesNo(r.ProvenanceVerified))
	fmt.Fprintf(w, "Content hash:\t%s\n", orDash(r.ContentHash))
}

func levelLabel(r trust.Result) string {
	if r.Degraded {
		return r.Level.String() + " (degraded)"
	}
	return r.Level.String()
}

func sourceLabel(r scheduler.CandidateResult) string {
	switch {
	case r.FromShim:
		return "shim"
	case r.Cached:
		return "cache"
	case r.Descriptor == nil:
		return "-"
	default:
		return "probe"
	}
}

// effectsLabel lists the declared effects that are set.
func effectsLabel(e descriptor.Effects) string {
	var parts []string
	flag := func(name string, f descriptor.Flag) {
		if f.Known() {
			parts = append(parts, name+"="+f.String())
		}
	}
	flag("network", e.Network)
	flag("destructive", e.Destructive)
	flag("reversible", e.Reversible)
	flag("idempotent", e.Idempotent)
	flag("fs-write", e.FilesystemWrite)
	flag("fs-delete", e.FilesystemDelete)
	if e.Cost != descriptor.CostUnknown {
		parts = append(parts, "cost="+e.Cost.String())
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, " ")
}
