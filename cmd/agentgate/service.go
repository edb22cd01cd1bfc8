package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"

	"github.com/flemzord/agentgate/pkg/app"
)

// daemon runs serve mode under the system service manager.
type daemon struct {
	cmd  *cobra.Command
	g    *globalFlags
	stop context.CancelFunc
	done chan error
}

var _ service.Interface = (*daemon)(nil)

// Start implements service.Interface. It must not block.
func (d *daemon) Start(service.Service) error {
	ctx, cancel := context.WithCancel(context.Background())
	d.stop = cancel
	d.done = make(chan error, 1)
	d.cmd.SetContext(ctx)
	go func() {
		d.done <- withApp(d.cmd, d.g, buildOpts{}, func(a *app.App) error {
			return a.Serve(ctx)
		})
	}()
	return nil
}

// Stop implements service.Interface.
func (d *daemon) Stop(service.Service) error {
	if d.stop == nil {
		return nil
	}
	d.stop()
	return <-d.done
}

// serviceConfig describes the agentgate service. The installed service
// runs "agentgate service run" with the same --config.
func serviceConfig(g *globalFlags) *service.Config {
	args := []string{"service", "run"}
	if g.config != "" {
		args = append(args, "--config", g.config)
	}
	if g.logLevel != "" {
		args = append(args, "--log-level", g.logLevel)
	}
	return &service.Config{
		Name:        "agentgate",
		DisplayName: "agentgate",
		Description: "Trust and policy gateway for agent tool execution",
		Arguments:   args,
	}
}

func serviceCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage agentgate as a system service",
	}

	newService := func(c *cobra.Command) (service.Service, error) {
		return service.New(&daemon{cmd: c, g: g}, serviceConfig(g))
	}

	for _, action := range service.ControlAction {
		cmd.AddCommand(&cobra.Command{
			Use:   action,
			Short: fmt.Sprintf("%s the agentgate service", capitalize(action)),
			Args:  cobra.NoArgs,
			RunE: func(c *cobra.Command, _ []string) error {
				s, err := newService(c)
				if err != nil {
					return err
				}
				if err := service.Control(s, action); err != nil {
					return err
				}
				fmt.Fprintf(c.OutOrStdout(), "agentgate service: %s done\n", action)
				return nil
			},
		})
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the agentgate service status",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			s, err := newService(c)
			if err != nil {
				return err
			}
			st, err := s.Status()
			if err != nil && !errors.Is(err, service.ErrNotInstalled) {
				return err
			}
			fmt.Fprintf(c.OutOrStdout(), "agentgate service: %s\n", statusLabel(st, err))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:    "run",
		Short:  "Run under the service manager",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			s, err := newService(c)
			if err != nil {
				return err
			}
			return s.Run()
		},
	})
	return cmd
}

func statusLabel(st service.Status, err error) string {
	if errors.Is(err, service.ErrNotInstalled) {
		return "not installed"
	}
	switch st {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return string(s[0]-'a'+'A') + s[1:]
}
