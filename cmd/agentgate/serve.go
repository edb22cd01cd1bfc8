package main

import (
	"github.com/spf13/cobra"

	"github.com/flemzord/agentgate/pkg/app"
)

func serveCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway and the scheduled jobs",
		Long: `Serve runs until interrupted: the HTTP gateway (when gateway.enabled is
set), the scheduled rescan, cache flush and ledger prune jobs, and the cache
watcher. SIGHUP or a change to the configuration file reloads the policy and
the log level.

There is no one to confirm anything in serve mode, so every policy
violation blocks.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, g, buildOpts{}, func(a *app.App) error {
				a.Logger.Info("agentgate starting", "version", version, "config", orDash(a.ConfigPath))
				return a.Serve(cmd.Context())
			})
		},
	}
}
