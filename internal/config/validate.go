package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/flemzord/agentgate/internal/cron"
)

// Validate reports every problem in cfg, joined.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Version == "" {
		errs = append(errs, errors.New("config: version field is required"))
	} else if cfg.Version != CurrentVersion {
		errs = append(errs, fmt.Errorf("config: unsupported version %q (supported: %q)", cfg.Version, CurrentVersion))
	}
	if _, err := ParseLogLevel(cfg.LogLevel); err != nil {
		errs = append(errs, err)
	}

	errs = append(errs, validateDurations(cfg)...)
	errs = append(errs, validateLimits(cfg)...)

	if err := cfg.Policy.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("config: policy: %w", err))
	}
	if err := cfg.Ledger.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("config: %w", err))
	}
	errs = append(errs, validateGateway(cfg.Gateway)...)
	errs = append(errs, validateSchedule(cfg.Schedule)...)
	errs = append(errs, validateSecurity(cfg.Security)...)
	errs = append(errs, validateCosign(cfg.Trust.Cosign)...)

	if t := cfg.Telemetry.Tracing; t.Enabled {
		if t.Endpoint == "" {
			errs = append(errs, errors.New("config: telemetry.tracing.endpoint is required when tracing is enabled"))
		}
		if t.SampleRate < 0 || t.SampleRate > 1 {
			errs = append(errs, fmt.Errorf("config: telemetry.tracing.sample_rate must be within [0, 1], got %v", t.SampleRate))
		}
	}

	return errors.Join(errs...)
}

// ParseLogLevel maps a level name to a slog.Level. Empty means info.
func ParseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("config: invalid log_level %q", s)
	}
	return level, nil
}

func validateDurations(cfg *Config) []error {
	fields := []struct {
		name  string
		value time.Duration
	}{
		{"probe.help_timeout", cfg.Probe.HelpTimeout},
		{"probe.schema_timeout", cfg.Probe.SchemaTimeout},
		{"scan.job_timeout", cfg.Scan.JobTimeout},
		{"trust.verdict_ttl", cfg.Trust.VerdictTTL},
		{"trust.cosign.timeout", cfg.Trust.Cosign.Timeout},
		{"trust.provenance.timeout", cfg.Trust.Provenance.Timeout},
		{"exec.default_timeout", cfg.Exec.DefaultTimeout},
		{"exec.confirm_timeout", cfg.Exec.ConfirmTimeout},
		{"cache.debounce", cfg.Cache.Debounce},
		{"ledger.retention", cfg.Ledger.Retention},
		{"gateway.read_timeout", cfg.Gateway.ReadTimeout},
		{"gateway.write_timeout", cfg.Gateway.WriteTimeout},
		{"gateway.shutdown_timeout", cfg.Gateway.ShutdownTimeout},
	}
	var errs []error
	for _, f := range fields {
		if f.value < 0 {
			errs = append(errs, fmt.Errorf("config: %s must not be negative", f.name))
		}
	}
	return errs
}

func validateLimits(cfg *Config) []error {
	fields := []struct {
		name  string
		value int64
	}{
		{"probe.max_output_bytes", int64(cfg.Probe.MaxOutputBytes)},
		{"probe.max_json_depth", int64(cfg.Probe.MaxJSONDepth)},
		{"scan.workers", int64(cfg.Scan.Workers)},
		{"exec.max_output_bytes", int64(cfg.Exec.MaxOutputBytes)},
		{"exec.max_result_length", int64(cfg.Exec.MaxResultLength)},
		{"trust.provenance.max_bytes", cfg.Trust.Provenance.MaxBytes},
		{"gateway.max_body_bytes", cfg.Gateway.MaxBodyBytes},
		{"security.rate_limits.requests_per_min", int64(cfg.Security.RateLimits.RequestsPerMin)},
		{"security.rate_limits.auth_per_min", int64(cfg.Security.RateLimits.AuthPerMin)},
		{"security.rate_limits.executions_per_min", int64(cfg.Security.RateLimits.ExecutionsPerMin)},
		{"security.rate_limits.max_clients", int64(cfg.Security.RateLimits.MaxClients)},
	}
	var errs []error
	for _, f := range fields {
		if f.value < 0 {
			errs = append(errs, fmt.Errorf("config: %s must not be negative, got %d", f.name, f.value))
		}
	}
	for builder, level := range cfg.Trust.Provenance.BuilderLevels {
		if level < 0 || level > 4 {
			errs = append(errs, fmt.Errorf("config: trust.provenance.builder_levels[%s]: SLSA level must be 0-4, got %d", builder, level))
		}
	}
	return errs
}

func validateGateway(g GatewayConfig) []error {
	if !g.Enabled {
		return nil
	}
	var errs []error
	if _, _, err := net.SplitHostPort(g.Bind); err != nil {
		errs = append(errs, fmt.Errorf("config: gateway.bind %q: %w", g.Bind, err))
	}
	if (g.BasicUser == "") != (g.BasicPass == "") {
		errs = append(errs, errors.New("config: gateway.basic_user and gateway.basic_pass must be set together"))
	}
	if g.BearerToken == "" && g.BasicUser == "" {
		errs = append(errs, errors.New("config: gateway requires bearer_token or basic_user/basic_pass"))
	}
	return errs
}

func validateSchedule(s ScheduleConfig) []error {
	var errs []error
	for name, expr := range map[string]string{
		"rescan":       s.Rescan,
		"cache_flush":  s.CacheFlush,
		"ledger_prune": s.LedgerPrune,
	} {
		if expr == "" {
			continue
		}
		if err := cron.ParseSchedule(expr); err != nil {
			errs = append(errs, fmt.Errorf("config: schedule.%s %q: %w", name, expr, err))
		}
	}
	return errs
}

func validateSecurity(sec SecurityConfig) []error {
	var errs []error
	for i, p := range sec.RedactPatterns {
		if strings.TrimSpace(p) == "" {
			errs = append(errs, fmt.Errorf("config: security.redact_patterns[%d] is empty", i))
			continue
		}
		if _, err := regexp.Compile(p); err != nil {
			errs = append(errs, fmt.Errorf("config: security.redact_patterns[%d]: %w", i, err))
		}
	}
	for i, d := range append(append([]string(nil), sec.URLFilter.AllowDomains...), sec.URLFilter.DenyDomains...) {
		if strings.Contains(d, "/") {
			errs = append(errs, fmt.Errorf("config: security.url_filter domain %d %q must be a host name", i, d))
		}
	}
	return errs
}

func validateCosign(c CosignConfig) []error {
	var errs []error
	for i, expr := range c.IdentityPatterns {
		if _, err := regexp.Compile(expr); err != nil {
			errs = append(errs, fmt.Errorf("config: trust.cosign.identity_patterns[%d]: %w", i, err))
		}
	}
	for i, iss := range c.Issuers {
		if !strings.HasPrefix(iss, "https://") {
			errs = append(errs, fmt.Errorf("config: trust.cosign.issuers[%d] %q must be an https URL", i, iss))
		}
	}
	return errs
}
