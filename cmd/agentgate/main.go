// Package main is the entry point for the agentgate CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd().ExecuteContext(ctx)
	stop()
	os.Exit(exitCode(err))
}

// exitError carries a process exit status through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintln(os.Stderr, "agentgate:", ee.err)
		}
		return ee.code
	}
	fmt.Fprintln(os.Stderr, "agentgate:", err)
	return 1
}

// globalFlags are shared by every command.
type globalFlags struct {
	config   string
	logLevel string
	offline  bool
	output   string
}

func rootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "agentgate",
		Short:         "Discover, vet and safely run command-line tools for agents",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			switch g.output {
			case outputText, outputJSON:
				return nil
			default:
				return fmt.Errorf("unknown output format %q (want text or json)", g.output)
			}
		},
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&g.config, "config", "c", "", "Path to configuration file")
	pf.StringVar(&g.logLevel, "log-level", "", "Override the configured log level")
	pf.BoolVar(&g.offline, "offline", false, "Skip every trust check that needs the network")
	pf.StringVarP(&g.output, "output", "o", outputText, "Output format (text, json)")

	root.AddCommand(
		versionCmd(),
		probeCmd(g),
		scanCmd(g),
		toolsCmd(g),
		evaluateCmd(g),
		decideCmd(g),
		runCmd(g),
		historyCmd(g),
		serveCmd(g),
		serviceCmd(g),
		configCmd(g),
	)
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "agentgate %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
