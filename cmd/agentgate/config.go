package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/flemzord/agentgate/internal/config"
	"github.com/flemzord/agentgate/internal/security"
)

func configCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "check [path]",
			Short: "Validate a configuration file (default: --config or the search path)",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				path := g.config
				if len(args) == 1 {
					path = args[0]
				}
				cfg, resolved, err := config.LoadOrDefault(path)
				if err != nil {
					return err
				}
				if err := config.Validate(cfg); err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if resolved == "" {
					fmt.Fprintln(out, "No configuration file found; defaults are valid")
					return nil
				}
				fmt.Fprintf(out, "Configuration OK (%s)\n", resolved)
				fmt.Fprintf(out, "  minimum trust: %s\n", cfg.Policy.MinimumTrust)
				fmt.Fprintf(out, "  policy rules:  %d\n", len(cfg.Policy.Rules))
				fmt.Fprintf(out, "  gateway:       %s\n", gatewayLabel(cfg.Gateway))
				return nil
			},
		},
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration with secrets masked",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, _, err := config.LoadOrDefault(g.config)
				if err != nil {
					return err
				}
				maskSecrets(cfg)
				enc := yaml.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent(2)
				if err := enc.Encode(cfg); err != nil {
					return err
				}
				return enc.Close()
			},
		},
		&cobra.Command{
			Use:   "path",
			Short: "Print the configuration file in use and the search path",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				out := cmd.OutOrStdout()
				if g.config != "" {
					fmt.Fprintln(out, g.config)
					return nil
				}
				path, err := config.ResolvePath()
				if err != nil {
					fmt.Fprintln(out, "none")
				} else {
					fmt.Fprintln(out, path)
				}
				fmt.Fprintln(out, "\nSearch path:")
				for _, p := range config.SearchPaths() {
					fmt.Fprintf(out, "  %s\n", p)
				}
				return nil
			},
		},
	)
	return cmd
}

func gatewayLabel(gw config.GatewayConfig) string {
	if !gw.Enabled {
		return "disabled"
	}
	if gw.BearerToken == "" && gw.BasicUser == "" {
		return gw.Bind + " (no auth: API not mounted)"
	}
	return gw.Bind
}

func maskSecrets(cfg *config.Config) {
	for _, s := range []*string{&cfg.Gateway.BearerToken, &cfg.Gateway.BasicPass} {
		if *s != "" {
			*s = security.RedactPlaceholder
		}
	}
}
