package main

import (
	"encoding/json"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/flemzord/agentgate/internal/config"
	"github.com/flemzord/agentgate/internal/prompt"
	"github.com/flemzord/agentgate/pkg/app"
)

const (
	outputText = "text"
	outputJSON = "json"
)

// buildOpts tweaks how a command builds the app.
type buildOpts struct {
	// confirm installs a terminal confirmer when stdin is a terminal.
	confirm bool
}

// loadApp loads the configuration named by --config, or the first file in
// the search path, and builds the components. Callers must Close the app.
func loadApp(cmd *cobra.Command, g *globalFlags, bo buildOpts) (*app.App, error) {
	cfg, path, err := config.LoadOrDefault(g.config)
	if err != nil {
		return nil, err
	}
	opts := app.Options{
		Config:     cfg,
		ConfigPath: path,
		Version:    version,
		LogOutput:  cmd.ErrOrStderr(),
		LogLevel:   g.logLevel,
		Offline:    g.offline,
	}
	if bo.confirm && prompt.Interactive(os.Stdin) {
		opts.Confirmer = prompt.New(prompt.Config{
			Input:  os.Stdin,
			Output: os.Stderr,
		})
	}
	return app.Build(cmd.Context(), opts)
}

// withApp runs fn with a built app and closes it afterwards.
func withApp(cmd *cobra.Command, g *globalFlags, bo buildOpts, fn func(a *app.App) error) (err error) {
	a, err := loadApp(cmd, g, bo)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(cmd.Context()); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// render writes v as JSON with -o json, and calls text otherwise.
func render(cmd *cobra.Command, g *globalFlags, v any, text func(w *tabwriter.Writer)) error {
	out := cmd.OutOrStdout()
	if g.output == outputJSON {
		return printJSON(out, v)
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	text(tw)
	return tw.Flush()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

