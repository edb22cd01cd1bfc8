package app

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flemzord/agentgate/internal/cache"
	"github.com/flemzord/agentgate/internal/core"
	"github.com/flemzord/agentgate/internal/cron"
	"github.com/flemzord/agentgate/internal/gateway"
	"github.com/flemzord/agentgate/internal/reload"
	"github.com/flemzord/agentgate/internal/scheduler"
)

const rescanJob = "rescan"

// scanFunc adapts a function to cron.Scanner.
type scanFunc func(ctx context.Context, paths []string) scheduler.BatchResult

func (f scanFunc) Scan(ctx context.Context, paths []string) scheduler.BatchResult { return f(ctx, paths) }

// Services assembles the serve-mode lifecycle: the cron jobs, the cache
// watcher and, when enabled, the HTTP gateway. ctx bounds the watcher.
func (a *App) Services(ctx context.Context, reloader gateway.Reloader) (*core.App, error) {
	cfg := a.Config
	svc := core.NewApp(a.Logger)

	jobCfg := cron.SchedulerConfig{Logger: a.Logger}
	if a.Metrics != nil {
		jobCfg.OnResult = a.Metrics.ObserveJob
	}
	jobs := cron.NewScheduler(jobCfg)
	if cfg.Schedule.Rescan != "" {
		if err := jobs.RegisterJob(&cron.RescanJob{
			Scanner:      scanFunc(a.scan),
			Dirs:         cfg.Scan.Dirs,
			Logger:       a.Logger,
			ScheduleExpr: cfg.Schedule.Rescan,
		}); err != nil {
			return nil, err
		}
	}
	if a.Cache != nil && cfg.Schedule.CacheFlush != "" {
		if err := jobs.RegisterJob(&cron.CacheFlushJob{
			Cache:        a.Cache,
			Logger:       a.Logger,
			ScheduleExpr: cfg.Schedule.CacheFlush,
		}); err != nil {
			return nil, err
		}
	}
	if a.Ledger != nil && cfg.Ledger.Retention > 0 && cfg.Schedule.LedgerPrune != "" {
		if err := jobs.RegisterJob(&cron.LedgerPruneJob{
			Ledger:       a.Ledger,
			Retention:    cfg.Ledger.Retention,
			Logger:       a.Logger,
			ScheduleExpr: cfg.Schedule.LedgerPrune,
		}); err != nil {
			return nil, err
		}
	}
	a.jobs = jobs
	if err := svc.Add("cron", jobs); err != nil {
		return nil, err
	}

	if a.Cache != nil && cfg.Cache.Watch {
		w, err := a.cacheWatcher()
		if err != nil {
			return nil, err
		}
		watchCtx, cancel := context.WithCancel(ctx)
		if err := svc.Add("cache.watcher", core.Hooks{
			OnStart: func() error {
				go w.Run(watchCtx)
				return nil
			},
			OnStop: func(stopCtx context.Context) error {
				cancel()
				select {
				case <-w.Done():
					return nil
				case <-stopCtx.Done():
					return stopCtx.Err()
				}
			},
		}); err != nil {
			cancel()
			return nil, err
		}
	}

	if cfg.Gateway.Enabled {
		if err := svc.Add("gateway", a.Gateway(reloader)); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

func (a *App) cacheWatcher() (*cache.Watcher, error) {
	dirs := a.Config.Scan.Dirs
	if len(dirs) == 0 {
		dirs = filepath.SplitList(os.Getenv("PATH"))
	}
	metrics := a.Metrics
	store := a.Cache
	return cache.NewWatcher(store, cache.WatcherConfig{
		Dirs:     dirs,
		Debounce: a.Config.Cache.Debounce,
		Logger:   a.Logger,
		OnInvalidate: func([]string) {
			if metrics != nil {
				metrics.SetCachedArtifacts(len(store.Tools()))
			}
		},
	})
}

// Gateway builds the HTTP gateway over the app's gate.
func (a *App) Gateway(reloader gateway.Reloader) *gateway.Gateway {
	gc := a.Config.Gateway
	deps := gateway.Deps{
		Pipeline:    a.Gate,
		Policy:      a.Engine,
		RateLimiter: a.RateLimiter,
		Audit:       a.Audit,
		Redactor:    a.Redactor,
		Reloader:    reloader,
		ConfigPath:  a.ConfigPath,
		ScanDirs:    a.Config.Scan.Dirs,
		Version:     a.Version,
		Logger:      a.Logger,
	}
	if a.Ledger != nil {
		deps.History = a.Ledger
	}
	if a.Registry != nil {
		deps.Metrics = promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{})
	}
	return gateway.New(gateway.Config{
		Bind: gc.Bind,
		Auth: gateway.AuthConfig{
			BearerToken: gc.BearerToken,
			BasicUser:   gc.BasicUser,
			BasicPass:   gc.BasicPass,
		},
		ReadTimeout:     gc.ReadTimeout,
		WriteTimeout:    gc.WriteTimeout,
		ShutdownTimeout: gc.ShutdownTimeout,
		MaxBodyBytes:    gc.MaxBodyBytes,
	}, deps)
}

// Serve runs the serve-mode services until ctx is cancelled. SIGHUP and
// changes to the config file reload the policy and log level.
func (a *App) Serve(ctx context.Context) error {
	reloader := reload.NewHandler(reload.HandlerConfig{
		Policy: a.Engine,
		Level:  a.Level,
		Audit:  a.Audit,
		Logger: a.Logger,
	})

	svc, err := a.Services(ctx, reloader)
	if err != nil {
		return err
	}
	if err := svc.Start(); err != nil {
		return err
	}

	if a.Config.Schedule.RescanOnStart {
		go a.initialScan(ctx)
	}

	var events <-chan reload.Event
	if a.ConfigPath != "" {
		w, err := reload.NewWatcher(reload.WatcherConfig{Paths: []string{a.ConfigPath}, Logger: a.Logger})
		if err != nil {
			a.Logger.Warn("config file not watched, use SIGHUP to reload", "error", err)
		} else {
			go w.Run(ctx)
			events = w.Events()
		}
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			a.Logger.Info("shutdown requested", "cause", context.Cause(ctx))
			err := svc.Stop()
			a.Logger.Info("shutdown complete")
			return err
		case <-hup:
			a.Logger.Info("SIGHUP received, reloading configuration")
			a.reload(ctx, reloader)
		case evt := <-events:
			a.Logger.Info("config file changed, reloading", "path", evt.Path)
			a.reload(ctx, reloader)
		}
	}
}

// initialScan runs the rescan job once, through the scheduler when it is
// registered so that a scheduled tick cannot overlap it.
func (a *App) initialScan(ctx context.Context) {
	if a.jobs != nil && slices.Contains(a.jobs.Jobs(), rescanJob) {
		if err := a.jobs.RunNow(ctx, rescanJob); err != nil {
			a.Logger.Error("initial scan failed", "error", err)
		}
		return
	}
	batch, err := a.Scan(ctx, nil)
	if err != nil {
		a.Logger.Error("initial scan failed", "error", err)
		return
	}
	a.Logger.Info("initial scan complete", "tools", len(batch.Tools()), "errors", len(batch.Errors))
}

func (a *App) reload(ctx context.Context, h *reload.Handler) {
	if a.ConfigPath == "" {
		a.Logger.Warn("no configuration file to reload")
		return
	}
	if err := h.HandleReload(ctx, a.ConfigPath); err != nil {
		a.Logger.Error("reload failed", "error", err)
	}
}
