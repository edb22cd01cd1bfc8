// Package core runs the long-lived services of agentgate (gateway, cron,
// cache watcher, config watcher) under one lifecycle.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const shutdownTimeout = 30 * time.Second

// App starts services in registration order and stops them in reverse.
type App struct {
	services []serviceInstance
	logger   *slog.Logger
}

type serviceInstance struct {
	name    string
	service any
	started bool
}

// NewApp creates an empty App.
func NewApp(logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{logger: logger.With("component", "core")}
}

// Add registers a service. It must implement Starter, Stopper or both.
func (a *App) Add(name string, svc any) error {
	_, starts := svc.(Starter)
	_, stops := svc.(Stopper)
	if !starts && !stops {
		return fmt.Errorf("core: service %s implements neither Starter nor Stopper", name)
	}
	for _, s := range a.services {
		if s.name == name {
			return fmt.Errorf("core: duplicate service %q", name)
		}
	}
	a.services = append(a.services, serviceInstance{name: name, service: svc})
	return nil
}

// Services returns the registered service names in start order.
func (a *App) Services() []string {
	names := make([]string, len(a.services))
	for i, s := range a.services {
		names[i] = s.name
	}
	return names
}

// Start starts every service in order. If one fails, the services already
// started are stopped in reverse order.
func (a *App) Start() error {
	for i := range a.services {
		si := &a.services[i]
		si.started = true
		s, ok := si.service.(Starter)
		if !ok {
			continue
		}
		a.logger.Info("starting service", "service", si.name)
		if err := s.Start(); err != nil {
			a.logger.Error("service start failed", "service", si.name, "error", err)
			si.started = false
			a.stopServices(i - 1)
			return fmt.Errorf("starting service %s: %w", si.name, err)
		}
	}
	a.logger.Info("all services started", "count", len(a.services))
	return nil
}

// Stop stops all started services in reverse order with a timeout and
// returns the joined stop errors.
func (a *App) Stop() error {
	return a.stopServices(len(a.services) - 1)
}

func (a *App) stopServices(fromIndex int) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	for i := fromIndex; i >= 0; i-- {
		si := &a.services[i]
		if !si.started {
			continue
		}
		si.started = false
		s, ok := si.service.(Stopper)
		if !ok {
			continue
		}
		a.logger.Info("stopping service", "service", si.name)
		if err := s.Stop(ctx); err != nil {
			a.logger.Error("service stop error", "service", si.name, "error", err)
			errs = append(errs, fmt.Errorf("stopping service %s: %w", si.name, err))
		}
	}
	return errors.Join(errs...)
}

// Run starts every service and blocks until ctx is done, then stops them.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	a.logger.Info("shutdown requested", "cause", context.Cause(ctx))
	err := a.Stop()
	a.logger.Info("shutdown complete")
	return err
}
