// Package app builds the agentgate components from configuration and runs
// the long-lived serve mode. It is shared by every agentgate command.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/flemzord/agentgate/internal/cache"
	"github.com/flemzord/agentgate/internal/config"
	"github.com/flemzord/agentgate/internal/cron"
	"github.com/flemzord/agentgate/internal/executor"
	"github.com/flemzord/agentgate/internal/gate"
	"github.com/flemzord/agentgate/internal/ledger"
	"github.com/flemzord/agentgate/internal/policy"
	"github.com/flemzord/agentgate/internal/probe"
	"github.com/flemzord/agentgate/internal/scheduler"
	"github.com/flemzord/agentgate/internal/security"
	"github.com/flemzord/agentgate/internal/telemetry"
	"github.com/flemzord/agentgate/internal/trust"
)

// Options configures Build.
type Options struct {
	// Config defaults to config.Default().
	Config *config.Config
	// ConfigPath is the file Config was loaded from, if any. Serve watches it.
	ConfigPath string
	Version    string

	// LogOutput defaults to os.Stderr.
	LogOutput io.Writer
	// LogLevel, when set, overrides the configured log_level.
	LogLevel string

	// Confirmer is installed in the policy engine. Without one every
	// violation is a hard block.
	Confirmer policy.Confirmer

	// Offline forces trust.offline on.
	Offline bool

	// Registry receives the Prometheus collectors. Defaults to a fresh
	// registry with the Go and process collectors.
	Registry *prometheus.Registry
}

// App holds the built components. Close releases them.
type App struct {
	Config     *config.Config
	ConfigPath string
	Version    string

	Logger      *slog.Logger
	Level       *slog.LevelVar
	Redactor    *security.Redactor
	Credentials *security.CredentialStore
	Audit       *security.AuditLogger
	RateLimiter *security.RateLimiter
	URLFilter   *security.URLFilter

	Executor  *executor.Executor
	Prober    *probe.Prober
	Evaluator *trust.Evaluator
	Engine    *policy.Engine
	Scheduler *scheduler.Scheduler
	Gate      *gate.Gate

	// Cache and Ledger are nil when disabled; Metrics when metrics are off.
	Cache    *cache.Store
	Ledger   *ledger.Ledger
	Metrics  *telemetry.Metrics
	Registry *prometheus.Registry

	jobs    *cron.Scheduler
	closers []func(context.Context) error
}

// Build validates the configuration and wires every component. On error,
// whatever was already opened is released.
func Build(ctx context.Context, opts Options) (a *App, err error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	a = &App{Config: cfg, ConfigPath: opts.ConfigPath, Version: opts.Version}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
			a = nil
		}
	}()

	if err := a.buildSecurity(opts); err != nil {
		return nil, err
	}
	a.buildMetrics(opts)
	if err := a.buildAudit(); err != nil {
		return nil, err
	}
	if err := a.buildPipeline(opts); err != nil {
		return nil, err
	}
	if err := a.buildStorage(ctx); err != nil {
		return nil, err
	}

	shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing, opts.Version, a.Logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, shutdown)

	a.buildGate(opts)
	return a, nil
}

// buildSecurity sets up the redactor, credentials, logger and guards.
func (a *App) buildSecurity(opts Options) error {
	cfg := a.Config

	levelName := cfg.LogLevel
	if opts.LogLevel != "" {
		levelName = opts.LogLevel
	}
	level, err := config.ParseLogLevel(levelName)
	if err != nil {
		return err
	}
	a.Level = new(slog.LevelVar)
	a.Level.Set(level)

	a.Redactor = security.NewRedactor()
	for _, p := range cfg.Security.RedactPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("redact pattern %q: %w", p, err)
		}
		a.Redactor.AddPattern(re)
	}

	a.Credentials = security.NewCredentialStore()
	registerSecrets(cfg, a.Credentials)
	missing := a.Credentials.LoadEnv(cfg.Security.SecretEnv, os.LookupEnv)
	a.Redactor.SyncCredentials(a.Credentials)

	out := opts.LogOutput
	if out == nil {
		out = os.Stderr
	}
	inner := slog.NewTextHandler(out, &slog.HandlerOptions{Level: a.Level})
	a.Logger = slog.New(security.NewRedactingHandler(inner, a.Redactor))
	if len(missing) > 0 {
		a.Logger.Warn("secret environment variables not set", "names", missing)
	}

	a.RateLimiter = security.NewRateLimiter(cfg.Security.RateLimits)
	if len(cfg.Security.URLFilter.AllowDomains) > 0 {
		a.URLFilter = security.NewURLFilter(cfg.Security.URLFilter)
	}
	return nil
}

// registerSecrets records the configured secrets so they are redacted from
// logs and scrubbed from subprocess environments.
func registerSecrets(cfg *config.Config, store *security.CredentialStore) {
	if cfg.Gateway.BearerToken != "" {
		store.Set("AGENTGATE_TOKEN", cfg.Gateway.BearerToken)
	}
	if cfg.Gateway.BasicPass != "" {
		store.Set("AGENTGATE_BASIC_PASS", cfg.Gateway.BasicPass)
	}
}

func (a *App) buildMetrics(opts Options) {
	if !a.Config.Telemetry.Metrics {
		return
	}
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	a.Registry = reg
	a.Metrics = telemetry.NewMetrics(reg)
}

func (a *App) buildAudit() error {
	var w io.Writer
	switch path := a.Config.AuditPath(); path {
	case "":
	case "-":
		w = os.Stderr
	default:
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return fmt.Errorf("creating audit directory: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("opening audit log: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return f.Close() })
		w = f
	}

	metrics := a.Metrics
	a.Audit = security.NewAuditLogger(security.AuditLoggerConfig{
		Writer:   w,
		Redactor: a.Redactor,
		OnEvent: func(e security.AuditEvent) {
			if e.Type == security.EventRateLimit && metrics != nil {
				metrics.ObserveRateLimited()
			}
		},
	})
	return nil
}

func (a *App) buildPipeline(opts Options) error {
	cfg := a.Config

	a.Executor = executor.New(executor.Config{
		DefaultTimeout:  cfg.Exec.DefaultTimeout,
		MaxOutputBytes:  cfg.Exec.MaxOutputBytes,
		MaxResultLength: cfg.Exec.MaxResultLength,
		Redactor:        a.Redactor,
		Credentials:     a.Credentials,
		Env:             cfg.Security.Env,
		Logger:          a.Logger,
	})

	a.Prober = probe.New(probe.Config{
		HelpFlag:       cfg.Probe.HelpFlag,
		DiscoveryFlag:  cfg.Probe.DiscoveryFlag,
		HelpTimeout:    cfg.Probe.HelpTimeout,
		SchemaTimeout:  cfg.Probe.SchemaTimeout,
		MaxOutputBytes: cfg.Probe.MaxOutputBytes,
		MaxJSONDepth:   cfg.Probe.MaxJSONDepth,
		Runner:         a.Executor,
		Logger:         a.Logger,
	})

	signatures, err := a.signatureVerifier()
	if err != nil {
		return err
	}
	provCfg := trust.ProvenanceConfig{
		Timeout:       cfg.Trust.Provenance.Timeout,
		MaxBytes:      cfg.Trust.Provenance.MaxBytes,
		BuilderLevels: cfg.Trust.Provenance.BuilderLevels,
	}
	if a.URLFilter != nil {
		provCfg.URLs = a.URLFilter
	}
	a.Evaluator = trust.NewEvaluator(trust.Config{
		Signatures: signatures,
		Provenance: trust.NewProvenanceVerifier(provCfg),
		Logger:     a.Logger,
	})

	engine, err := policy.NewEngine(policy.EngineConfig{
		Policy:         cfg.Policy,
		Confirmer:      opts.Confirmer,
		ConfirmTimeout: cfg.Exec.ConfirmTimeout,
		Logger:         a.Logger,
	})
	if err != nil {
		return err
	}
	a.Engine = engine
	return nil
}

func (a *App) signatureVerifier() (trust.SignatureVerifier, error) {
	cfg := a.Config.Trust
	chain := &trust.ChainVerifier{}
	if len(cfg.TrustedKeys) > 0 {
		keys, err := trust.NewKeyVerifier(cfg.TrustedKeys)
		if err != nil {
			return nil, err
		}
		chain.Key = keys
	}
	if c := cfg.Cosign; c.Enabled {
		policy, err := trust.NewIdentityPolicy(c.Identities, c.IdentityPatterns, c.Issuers)
		if err != nil {
			return nil, err
		}
		if !policy.Configured() {
			a.Logger.Warn("keyless verification enabled without identities and issuers; keyless signatures stay unverified")
		}
		chain.Keyless = trust.NewCosignVerifier(trust.CosignConfig{
			Binary:  c.Binary,
			Timeout: c.Timeout,
			Runner:  a.Executor,
			Policy:  policy,
		})
	}
	return chain, nil
}

func (a *App) buildStorage(ctx context.Context) error {
	cfg := a.Config

	if !cfg.Cache.Disabled {
		store, err := cache.Open(cfg.CachePath(), cache.WithLogger(a.Logger))
		if err != nil {
			return err
		}
		a.Cache = store
		a.closers = append(a.closers, func(context.Context) error { return store.Flush() })
		if a.Metrics != nil {
			a.Metrics.SetCachedArtifacts(len(store.Tools()))
		}
	}

	if !cfg.Ledger.Disabled {
		lcfg := cfg.Ledger.Config
		lcfg.Path = cfg.LedgerPath()
		l, err := ledger.Open(ctx, lcfg, a.Logger)
		if err != nil {
			return err
		}
		a.Ledger = l
		a.closers = append(a.closers, func(context.Context) error { return l.Close() })
	}
	return nil
}

func (a *App) buildGate(opts Options) {
	cfg := a.Config
	trustOpts := trust.Options{Offline: cfg.Trust.Offline || opts.Offline}

	a.Scheduler = scheduler.New(scheduler.Config{
		Workers:    cfg.Scan.Workers,
		JobTimeout: cfg.Scan.JobTimeout,
		ShimDir:    cfg.Scan.ShimDir,
		Prober:     a.Prober,
		Evaluator:  a.Evaluator,
		Cache:      a.Cache,
		VerdictTTL: cfg.Trust.VerdictTTL,
		Trust:      trustOpts,
		Logger:     a.Logger,
	})

	gcfg := gate.Config{
		Prober:    a.Prober,
		Evaluator: a.Evaluator,
		Engine:    a.Engine,
		Executor:  a.Executor,
		Scheduler: a.Scheduler,
		Cache:     a.Cache,
		ShimDir:   cfg.Scan.ShimDir,
		Trust:     trustOpts,
		Audit:     a.Audit,
		Logger:    a.Logger,
	}
	if a.Ledger != nil {
		gcfg.Recorder = a.Ledger
	}
	if a.Metrics != nil {
		gcfg.Observer = a.Metrics
	}
	a.Gate = gate.New(gcfg)
}

// Scan discovers every executable in dirs (PATH when empty) and refreshes
// the cache size gauge.
func (a *App) Scan(ctx context.Context, dirs []string) (scheduler.BatchResult, error) {
	if len(dirs) == 0 {
		dirs = a.Config.Scan.Dirs
	}
	paths, err := scheduler.Candidates(dirs)
	if err != nil {
		return scheduler.BatchResult{}, err
	}
	return a.scan(ctx, paths), nil
}

// scan implements cron.Scanner.
func (a *App) scan(ctx context.Context, paths []string) scheduler.BatchResult {
	batch := a.Gate.Scan(ctx, paths)
	if a.Metrics != nil && a.Cache != nil {
		a.Metrics.SetCachedArtifacts(len(a.Cache.Tools()))
	}
	return batch
}

// Close flushes the cache and releases every opened resource, newest first.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
