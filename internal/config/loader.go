package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/flemzord/agentgate/internal/ledger"
	"github.com/flemzord/agentgate/internal/policy"
)

// envPattern matches ${VAR} and ${VAR:-default} expressions.
var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-((?:[^}\\]|\\.)*))?\}`)

// CurrentVersion is the config format version this build understands.
const CurrentVersion = "1"

// ErrNotFound is returned by ResolvePath when no candidate file exists.
var ErrNotFound = errors.New("config: no configuration file found")

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Version:  CurrentVersion,
		LogLevel: "info",
		Policy:   policy.DefaultConfig(),
		Gateway:  GatewayConfig{Bind: "127.0.0.1:8742"},
		Telemetry: TelemetryConfig{
			Metrics: true,
		},
		Cache: CacheConfig{Watch: true},
		Schedule: ScheduleConfig{
			Rescan:      "0 * * * *",
			CacheFlush:  "*/15 * * * *",
			LedgerPrune: "30 3 * * *",
		},
	}
}

// Load reads a YAML configuration file, expands environment variables,
// and decodes it over Default().
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	cfg, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes raw YAML over Default(). Unknown keys are rejected.
func Parse(raw []byte) (*Config, error) {
	expanded, err := expandEnv(raw)
	if err != nil {
		return nil, fmt.Errorf("expanding variables: %w", err)
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing: %w", err)
	}
	return cfg, nil
}

// expandEnv replaces ${VAR} and ${VAR:-default} patterns in raw YAML bytes.
// Returns an error listing all unresolved variables (no default, no env value).
func expandEnv(raw []byte) ([]byte, error) {
	var errs []error

	result := envPattern.ReplaceAllFunc(raw, func(match []byte) []byte {
		subs := envPattern.FindSubmatch(match)
		name := string(subs[1])
		hasDefault := len(subs) > 2 && subs[2] != nil

		if value, ok := os.LookupEnv(name); ok {
			return []byte(value)
		}
		if hasDefault {
			return subs[2]
		}

		errs = append(errs, fmt.Errorf("unresolved variable: %s", name))
		return match
	})

	return result, errors.Join(errs...)
}

// SearchPaths returns the locations ResolvePath checks, in order:
// $XDG_CONFIG_HOME/agentgate/agentgate.yaml (or ~/.config/agentgate/agentgate.yaml)
// then ./agentgate.yaml.
func SearchPaths() []string {
	var candidates []string
	if xdg, ok := os.LookupEnv("XDG_CONFIG_HOME"); ok && xdg != "" {
		candidates = append(candidates, filepath.Join(xdg, "agentgate", "agentgate.yaml"))
	} else if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "agentgate", "agentgate.yaml"))
	}
	return append(candidates, "agentgate.yaml")
}

// ResolvePath returns the first existing file from SearchPaths.
func ResolvePath() (string, error) {
	candidates := SearchPaths()
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w (searched: %v)", ErrNotFound, candidates)
}

// LoadOrDefault loads path, or the first file from SearchPaths when path
// is empty. With no file anywhere it returns Default() and an empty path.
func LoadOrDefault(path string) (*Config, string, error) {
	if path == "" {
		resolved, err := ResolvePath()
		if errors.Is(err, ErrNotFound) {
			return Default(), "", nil
		}
		path = resolved
	}
	cfg, err := Load(path)
	return cfg, path, err
}

// DefaultDataDir returns $XDG_DATA_HOME/agentgate, or
// ~/.local/share/agentgate when XDG_DATA_HOME is unset.
func DefaultDataDir() string {
	if dir, ok := os.LookupEnv("XDG_DATA_HOME"); ok && dir != "" {
		return filepath.Join(dir, "agentgate")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "agentgate")
}

// ResolvedDataDir returns DataDir or the default.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir != "" {
		return c.DataDir
	}
	return DefaultDataDir()
}

// CachePath returns the cache file location.
func (c *Config) CachePath() string {
	if c.Cache.Path != "" {
		return c.Cache.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "cache.json")
}

// LedgerPath returns the ledger database location.
func (c *Config) LedgerPath() string {
	if c.Ledger.Path != "" {
		return c.Ledger.Path
	}
	return ledger.DefaultPath(c.ResolvedDataDir())
}

// AuditPath returns the audit log location, "-" for stderr or "" when
// auditing is off.
func (c *Config) AuditPath() string {
	switch c.Security.AuditLog {
	case "off":
		return ""
	case "":
		return filepath.Join(c.ResolvedDataDir(), "audit.jsonl")
	default:
		return c.Security.AuditLog
	}
}
