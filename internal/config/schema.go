// Package config handles YAML configuration loading, environment variable
// expansion, and validation for agentgate. Every section is optional.
package config

import (
	"time"

	"github.com/flemzord/agentgate/internal/ledger"
	"github.com/flemzord/agentgate/internal/policy"
	"github.com/flemzord/agentgate/internal/security"
	"github.com/flemzord/agentgate/internal/telemetry"
)

// Config is the top-level configuration structure.
type Config struct {
	// Version is the config format version. Currently only "1" is supported.
	Version string `yaml:"version"`

	// DataDir holds the cache, the ledger and the audit log. Defaults to
	// $XDG_DATA_HOME/agentgate.
	DataDir string `yaml:"data_dir"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	Probe     ProbeConfig     `yaml:"probe"`
	Scan      ScanConfig      `yaml:"scan"`
	Trust     TrustConfig     `yaml:"trust"`
	Policy    policy.Config   `yaml:"policy"`
	Exec      ExecConfig      `yaml:"exec"`
	Cache     CacheConfig     `yaml:"cache"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Schedule  ScheduleConfig  `yaml:"schedule"`
	Security  SecurityConfig  `yaml:"security"`
}

// ProbeConfig tunes the two-phase discovery protocol.
type ProbeConfig struct {
	HelpFlag       string        `yaml:"help_flag"`
	DiscoveryFlag  string        `yaml:"discovery_flag"`
	HelpTimeout    time.Duration `yaml:"help_timeout"`
	SchemaTimeout  time.Duration `yaml:"schema_timeout"`
	MaxOutputBytes int           `yaml:"max_output_bytes"`
	MaxJSONDepth   int           `yaml:"max_json_depth"`
}

// ScanConfig controls bulk discovery.
type ScanConfig struct {
	// Dirs are scanned in order; empty means PATH.
	Dirs []string `yaml:"dirs"`
	// ShimDir holds metadata documents for tools without discovery support.
	ShimDir    string        `yaml:"shim_dir"`
	Workers    int           `yaml:"workers"`
	JobTimeout time.Duration `yaml:"job_timeout"`
}

// TrustConfig configures the signature and provenance checks.
type TrustConfig struct {
	// Offline skips every check that needs the network.
	Offline bool `yaml:"offline"`
	// TrustedKeys are hex or base64 Ed25519 public keys accepted for
	// keyed signatures.
	TrustedKeys []string         `yaml:"trusted_keys"`
	Cosign      CosignConfig     `yaml:"cosign"`
	Provenance  ProvenanceConfig `yaml:"provenance"`
	// VerdictTTL bounds how long a cached verdict is reused.
	VerdictTTL time.Duration `yaml:"verdict_ttl"`
}

// CosignConfig configures keyless verification through the cosign binary.
type CosignConfig struct {
	Enabled bool          `yaml:"enabled"`
	Binary  string        `yaml:"binary"`
	Timeout time.Duration `yaml:"timeout"`

	// Identities and IdentityPatterns allow certificate identities, exactly
	// or by whole-string regular expression. Issuers are exact OIDC issuer
	// URLs. Without both, keyless signatures never verify.
	Identities       []string `yaml:"identities"`
	IdentityPatterns []string `yaml:"identity_patterns"`
	Issuers          []string `yaml:"issuers"`
}

// ProvenanceConfig configures attestation fetching.
type ProvenanceConfig struct {
	Timeout  time.Duration `yaml:"timeout"`
	MaxBytes int64         `yaml:"max_bytes"`
	// BuilderLevels maps trusted builder ids to their SLSA level.
	BuilderLevels map[string]int `yaml:"builder_levels"`
}

// ExecConfig bounds approved executions.
type ExecConfig struct {
	DefaultTimeout  time.Duration `yaml:"default_timeout"`
	MaxOutputBytes  int           `yaml:"max_output_bytes"`
	MaxResultLength int           `yaml:"max_result_length"`
	// ConfirmTimeout bounds how long a confirmation prompt waits.
	ConfirmTimeout time.Duration `yaml:"confirm_timeout"`
}

// CacheConfig locates the metadata cache.
type CacheConfig struct {
	// Path defaults to {DataDir}/cache.json.
	Path     string        `yaml:"path"`
	Disabled bool          `yaml:"disabled"`
	Watch    bool          `yaml:"watch"`
	Debounce time.Duration `yaml:"debounce"`
}

// LedgerConfig extends the storage settings with a retention period.
type LedgerConfig struct {
	ledger.Config `yaml:",inline"`
	// Retention is how long history is kept. Zero keeps everything.
	Retention time.Duration `yaml:"retention"`
}

// GatewayConfig configures the HTTP API.
type GatewayConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Bind            string        `yaml:"bind"`
	BearerToken     string        `yaml:"bearer_token"`
	BasicUser       string        `yaml:"basic_user"`
	BasicPass       string        `yaml:"basic_pass"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
}

// TelemetryConfig configures metrics and tracing.
type TelemetryConfig struct {
	Metrics bool                    `yaml:"metrics"`
	Tracing telemetry.TracingConfig `yaml:"tracing"`
}

// ScheduleConfig holds the cron expressions of the serve-mode jobs. An
// empty expression disables the job.
type ScheduleConfig struct {
	Rescan      string `yaml:"rescan"`
	CacheFlush  string `yaml:"cache_flush"`
	LedgerPrune string `yaml:"ledger_prune"`
	// RescanOnStart runs a scan as soon as serve starts.
	RescanOnStart bool `yaml:"rescan_on_start"`
}

// SecurityConfig holds the shared guards.
type SecurityConfig struct {
	RateLimits security.RateLimitConfig `yaml:"rate_limits"`
	// URLFilter vets remote attestation locations. Empty allow list
	// leaves remote fetching unrestricted.
	URLFilter security.URLFilterConfig `yaml:"url_filter"`
	// AuditLog is the JSONL audit file. Defaults to {DataDir}/audit.jsonl;
	// "-" writes to stderr and "off" disables it.
	AuditLog string `yaml:"audit_log"`
	// RedactPatterns are extra regular expressions masked in logs and
	// tool output.
	RedactPatterns []string `yaml:"redact_patterns"`
	// SecretEnv names environment variables whose values are secrets. They
	// are redacted from logs and tool output wherever they appear.
	SecretEnv []string `yaml:"secret_env"`
	// Env filters the environment passed to tools.
	Env security.EnvFilter `yaml:"env"`
}
