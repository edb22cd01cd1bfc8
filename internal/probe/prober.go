// Package probe discovers a tool's capability metadata in two phases. The
// tool is first asked for its help text; only when that text documents the
// discovery flag is the flag itself invoked. An unknown flag is never run
// against an unverified binary.
package probe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/flemzord/agentgate/internal/descriptor"
	"github.com/flemzord/agentgate/internal/executor"
	"github.com/flemzord/agentgate/internal/security"
)

// Defaults applied by New when a Config field is zero.
const (
	DefaultHelpFlag       = "--help"
	DefaultDiscoveryFlag  = "--agent-schema"
	DefaultHelpTimeout    = 5 * time.Second
	DefaultSchemaTimeout  = 10 * time.Second
	DefaultMaxOutputBytes = 1 << 20
	helpOutputCap         = 256 << 10
)

// Config configures a Prober.
type Config struct {
	HelpFlag      string
	DiscoveryFlag string
	HelpTimeout   time.Duration
	SchemaTimeout time.Duration

	// MaxOutputBytes caps the discovery response. Larger responses are
	// rejected with ErrOutputTooLarge.
	MaxOutputBytes int

	// MaxJSONDepth rejects responses nested deeper than this before schema
	// validation. Defaults to security.DefaultMaxJSONDepth.
	MaxJSONDepth int

	Runner executor.Runner
	Logger *slog.Logger
	Now    func() time.Time
}

// Prober runs the two-phase discovery protocol. It is safe for concurrent use.
type Prober struct {
	cfg      Config
	evidence *regexp.Regexp
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Prober. cfg.Runner is required.
func New(cfg Config) *Prober {
	if cfg.HelpFlag == "" {
		cfg.HelpFlag = DefaultHelpFlag
	}
	if cfg.DiscoveryFlag == "" {
		cfg.DiscoveryFlag = DefaultDiscoveryFlag
	}
	if cfg.HelpTimeout <= 0 {
		cfg.HelpTimeout = DefaultHelpTimeout
	}
	if cfg.SchemaTimeout <= 0 {
		cfg.SchemaTimeout = DefaultSchemaTimeout
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultMaxOutputBytes
	}
	if cfg.MaxJSONDepth <= 0 {
		cfg.MaxJSONDepth = security.DefaultMaxJSONDepth
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	flag := regexp.QuoteMeta(strings.ToLower(cfg.DiscoveryFlag))
	return &Prober{
		cfg:      cfg,
		evidence: regexp.MustCompile(`(^|[^a-z0-9_-])` + flag + `($|[^a-z0-9_-])`),
		logger:   logger.With("component", "probe"),
		now:      now,
	}
}

// DiscoveryFlag returns the flag Phase 2 invokes.
func (p *Prober) DiscoveryFlag() string { return p.cfg.DiscoveryFlag }

// Probe discovers the metadata of the executable at path. A nil descriptor
// with a nil error means the tool does not support discovery, the common
// case. Errors are returned only for tools that claim support and answer
// badly, for Phase 2 spawn failures and timeouts, and for cancellation.
func (p *Prober) Probe(ctx context.Context, path string) (*descriptor.ToolDescriptor, error) {
	logger := p.logger.With("path", path)

	supported, err := p.helpPhase(ctx, path)
	if err != nil {
		return nil, err
	}
	if !supported {
		logger.Debug("discovery not supported")
		return nil, nil
	}

	d, err := p.schemaPhase(ctx, path)
	if err != nil {
		logger.Warn("discovery failed", "error", err)
		return nil, err
	}
	if d == nil {
		logger.Debug("discovery flag documented but not answered")
		return nil, nil
	}

	if abs, err := filepath.Abs(path); err == nil {
		d.Path = abs
	} else {
		d.Path = path
	}
	d.DiscoveredAt = p.now().UTC()
	logger.Info("tool discovered", "name", d.Name, "version", d.Version)
	return d, nil
}

// helpPhase runs the help flag and reports whether its output documents
// the discovery flag. Every failure means unsupported.
func (p *Prober) helpPhase(ctx context.Context, path string) (bool, error) {
	res, err := p.cfg.Runner.Exec(ctx, []string{path, p.cfg.HelpFlag}, executor.Options{
		Timeout:        p.cfg.HelpTimeout,
		MaxOutputBytes: helpOutputCap,
	})
	if cerr := ctx.Err(); cerr != nil {
		return false, cerr
	}
	if err != nil || res.TimedOut || res.ExitCode != 0 {
		return false, nil
	}
	text := strings.ToLower(res.Stdout + "\n" + res.Stderr)
	return p.evidence.MatchString(text), nil
}

// schemaPhase runs the discovery flag. It must only be called after
// helpPhase found evidence of support.
func (p *Prober) schemaPhase(ctx context.Context, path string) (*descriptor.ToolDescriptor, error) {
	res, err := p.cfg.Runner.Exec(ctx, []string{path, p.cfg.DiscoveryFlag}, executor.Options{
		Timeout:        p.cfg.SchemaTimeout,
		MaxOutputBytes: p.cfg.MaxOutputBytes,
	})
	if cerr := ctx.Err(); cerr != nil && !errors.Is(cerr, context.DeadlineExceeded) {
		return nil, cerr
	}
	switch {
	case err != nil:
		return nil, fmt.Errorf("%w: %s: %v", ErrProbeFailed, path, err)
	case res.TimedOut:
		return nil, &TimeoutError{Path: path, Elapsed: res.Duration, Limit: p.cfg.SchemaTimeout}
	case res.StdoutTruncated:
		return nil, fmt.Errorf("%w: %s: more than %d bytes", ErrOutputTooLarge, path, p.cfg.MaxOutputBytes)
	case res.ExitCode != 0:
		return nil, nil
	}

	out := bytes.TrimSpace([]byte(res.Stdout))
	if len(out) == 0 || (out[0] != '{' && out[0] != '[') {
		return nil, nil
	}

	if err := (security.JSONLimits{MaxDepth: p.cfg.MaxJSONDepth}).Check(out); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidDescriptor, path, err)
	}
	d, err := descriptor.Parse(out, descriptor.WithDefaultSource(descriptor.SourceToolNative))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidDescriptor, path, err)
	}
	return d, nil
}
