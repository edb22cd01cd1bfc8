package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/flemzord/agentgate/internal/descriptor"
	"github.com/flemzord/agentgate/internal/trust"
)

// DefaultConfirmTimeout bounds a single confirmation.
const DefaultConfirmTimeout = 5 * time.Minute

// Kind names the threshold a violation failed.
type Kind string

// Kind values.
const (
	KindCompromised   Kind = "compromised"
	KindTrust         Kind = "trust"
	KindSource        Kind = "source"
	KindDestructive   Kind = "destructive"
	KindNonReversible Kind = "non-reversible"
	KindBillable      Kind = "billable"
	KindCost          Kind = "cost"
	KindNetwork       Kind = "network"
	KindInteractive   Kind = "interactive"
	KindVersion       Kind = "version"
	KindRule          Kind = "rule"
)

// Violation is one failed threshold.
type Violation struct {
	Kind   Kind   `json:"kind"`
	Reason string `json:"reason"`
	// Undeclared is set when the violation comes from an effect the tool
	// did not declare.
	Undeclared bool `json:"undeclared,omitempty"`
}

// Request is one command to decide on.
type Request struct {
	Tool *descriptor.ToolDescriptor
	// Command is the path in the tool's command tree.
	Command []string
	Args    []string
	// Effects are the merged effects along Command.
	Effects descriptor.Effects
	Trust   trust.Result
}

// ConfirmationContext is handed to the Confirmer for one blocked decision.
type ConfirmationContext struct {
	DecisionID string
	Tool       string
	Version    string
	Command    []string
	Args       []string
	Effects    descriptor.Effects
	Trust      *descriptor.TrustMetadata
	Verdict    trust.Result
	Reasons    []Violation
}

// Confirmer approves or rejects a decision that violated the policy.
// Calls are serialized by the engine.
type Confirmer interface {
	Confirm(ctx context.Context, c ConfirmationContext) (bool, error)
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, c ConfirmationContext) (bool, error)

// Confirm implements Confirmer.
func (f ConfirmFunc) Confirm(ctx context.Context, c ConfirmationContext) (bool, error) {
	return f(ctx, c)
}

// Decision is the outcome of Decide.
type Decision struct {
	ID                   string      `json:"id"`
	Tool                 string      `json:"tool,omitempty"`
	Command              []string    `json:"command,omitempty"`
	Allowed              bool        `json:"allowed"`
	RequiresConfirmation bool        `json:"requiresConfirmation"`
	Confirmed            bool        `json:"confirmed"`
	Violations           []Violation `json:"violations,omitempty"`
	// ConfirmError records why confirmation failed, when it did.
	ConfirmError string    `json:"confirmError,omitempty"`
	DecidedAt    time.Time `json:"decidedAt"`
}

// Err returns nil for an allowed decision and a *ViolationError otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &ViolationError{
		DecisionID: d.ID,
		Tool:       d.Tool,
		Command:    d.Command,
		Violations: d.Violations,
	}
}

// Compromised reports whether the decision was a hard block on a
// compromised binary.
func (d Decision) Compromised() bool {
	return slices.ContainsFunc(d.Violations, func(v Violation) bool { return v.Kind == KindCompromised })
}

// EngineConfig configures an Engine.
type EngineConfig struct {
	Policy Config
	// Confirmer is optional. Without one every violation is a hard block.
	Confirmer      Confirmer
	ConfirmTimeout time.Duration
	Logger         *slog.Logger
	Now            func() time.Time
}

type compiledPolicy struct {
	cfg         Config
	rules       []compiledRule
	constraints map[string]*semver.Constraints
}

// Engine evaluates requests against a policy. It is safe for concurrent
// use; at most one confirmation runs at a time.
type Engine struct {
	policy         atomic.Pointer[compiledPolicy]
	confirmer      Confirmer
	confirmTimeout time.Duration
	// confirmSlot holds a token while a Confirmer call is running.
	confirmSlot chan struct{}
	logger      *slog.Logger
	now         func() time.Time
}

// NewEngine compiles cfg.Policy and creates an Engine.
//
// Rules are CEL expressions over these variables:
//
//	tool     map: name, version, source
//	command  list of strings: the command path
//	args     list of strings
//	effects  map: network, destructive, filesystemWrite, filesystemDelete,
//	         interactive (true when present or undeclared), reversible,
//	         idempotent (true only when declared), cost, unknown (list)
//	trust    map: level, rank, recommendation, degraded, hashMatched,
//	         signed, provenance
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = DefaultConfirmTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	e := &Engine{
		confirmer:      cfg.Confirmer,
		confirmTimeout: cfg.ConfirmTimeout,
		confirmSlot:    make(chan struct{}, 1),
		logger:         logger.With("component", "policy"),
		now:            now,
	}
	if err := e.SetPolicy(cfg.Policy); err != nil {
		return nil, err
	}
	return e, nil
}

// SetPolicy replaces the thresholds. Decisions in flight keep the policy
// they started with.
func (e *Engine) SetPolicy(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	rules, err := compileRules(cfg.Rules)
	if err != nil {
		return err
	}
	constraints := make(map[string]*semver.Constraints, len(cfg.VersionConstraints))
	for tool, c := range cfg.VersionConstraints {
		// Validate already parsed every constraint.
		constraints[tool], _ = semver.NewConstraint(c)
	}
	e.policy.Store(&compiledPolicy{cfg: cfg, rules: rules, constraints: constraints})
	return nil
}

// Policy returns the current thresholds.
func (e *Engine) Policy() Config {
	return e.policy.Load().cfg
}

// Violations lists every threshold the request fails, without asking for
// confirmation.
func (e *Engine) Violations(req Request) []Violation {
	return e.policy.Load().violations(req)
}

// Decide evaluates req. A request without violations is allowed. A
// compromised binary is always blocked. Any other violation is sent to
// the Confirmer once, with every reason, and the request is allowed only
// if it approves; without a Confirmer the request is blocked. A
// confirmation that errors or times out is a denial. The returned error
// is non-nil only when ctx ends before a decision is reached.
func (e *Engine) Decide(ctx context.Context, req Request) (Decision, error) {
	d := Decision{
		ID:         uuid.NewString(),
		Command:    slices.Clone(req.Command),
		Violations: e.Violations(req),
		DecidedAt:  e.now().UTC(),
	}
	if req.Tool != nil {
		d.Tool = req.Tool.Name
	}
	logger := e.logger.With("decision", d.ID, "tool", d.Tool, "command", strings.Join(d.Command, " "))

	switch {
	case len(d.Violations) == 0:
		d.Allowed = true
		logger.Debug("allowed")
		return d, nil
	case d.Compromised():
		logger.Warn("blocked: binary compromised")
		return d, nil
	}

	d.RequiresConfirmation = true
	if e.confirmer == nil {
		logger.Info("blocked: no confirmer", "violations", len(d.Violations))
		return d, nil
	}

	var meta *descriptor.TrustMetadata
	if req.Tool != nil {
		meta = req.Tool.Trust
	}
	cc := ConfirmationContext{
		DecisionID: d.ID,
		Tool:       d.Tool,
		Command:    slices.Clone(req.Command),
		Args:       slices.Clone(req.Args),
		Effects:    req.Effects,
		Trust:      meta,
		Verdict:    req.Trust,
		Reasons:    slices.Clone(d.Violations),
	}
	if req.Tool != nil {
		cc.Version = req.Tool.Version
	}

	ok, err := e.confirm(ctx, cc)
	if err != nil {
		if ctx.Err() != nil {
			return d, ctx.Err()
		}
		d.ConfirmError = err.Error()
		logger.Warn("confirmation failed, denying", "error", err)
		return d, nil
	}
	d.Confirmed = ok
	d.Allowed = ok
	logger.Info("confirmation answered", "approved", ok)
	return d, nil
}

// confirm runs the Confirmer under the engine-wide slot. The slot is
// released when the Confirmer returns, even if the caller stopped waiting,
// so two confirmations never overlap.
func (e *Engine) confirm(ctx context.Context, cc ConfirmationContext) (bool, error) {
	select {
	case e.confirmSlot <- struct{}{}:
	case <-ctx.Done():
		return false, ctx.Err()
	}

	cctx, cancel := context.WithTimeout(ctx, e.confirmTimeout)
	defer cancel()
	type answer struct {
		ok  bool
		err error
	}
	answers := make(chan answer, 1)
	go func() {
		defer func() { <-e.confirmSlot }()
		ok, err := e.confirmer.Confirm(cctx, cc)
		answers <- answer{ok, err}
	}()

	var a answer
	select {
	case a = <-answers:
	case <-cctx.Done():
	}
	// An answer given after the deadline does not count.
	if err := cctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return false, fmt.Errorf("%w after %s", ErrConfirmTimeout, e.confirmTimeout)
		}
		return false, err
	}
	return a.ok, a.err
}

func (p *compiledPolicy) violations(req Request) []Violation {
	var out []Violation
	add := func(kind Kind, undeclared bool, format string, args ...any) {
		out = append(out, Violation{Kind: kind, Reason: fmt.Sprintf(format, args...), Undeclared: undeclared})
	}
	cfg := p.cfg
	v := req.Trust
	eff := req.Effects

	if v.Level == trust.Compromised {
		add(KindCompromised, false, "binary is COMPROMISED: %s", v.Reason)
	} else if v.Level < cfg.MinimumTrust {
		add(KindTrust, false, "trust level %s is below the minimum %s: %s", v.Level, cfg.MinimumTrust, v.Reason)
	}
	if v.Source < cfg.MinimumSource && !v.SignatureVerified {
		add(KindSource, false, "metadata source %s is below the minimum %s", v.Source, cfg.MinimumSource)
	}

	if !cfg.AllowDestructive && !eff.Destructive.False() {
		add(KindDestructive, !eff.Destructive.Known(), "command is destructive%s", undeclaredSuffix(eff.Destructive))
	}
	if !cfg.AllowNonReversible && !eff.Reversible.True() {
		add(KindNonReversible, !eff.Reversible.Known(), "command is not reversible%s", undeclaredSafety(eff.Reversible))
	}
	if !cfg.AllowBillable && eff.Cost.Billable() {
		if eff.Cost == descriptor.CostUnknown {
			add(KindBillable, true, "command may be billable (cost undeclared)")
		} else {
			add(KindBillable, false, "command is billable (cost %s)", eff.Cost)
		}
	}
	if cfg.MaximumCost != descriptor.CostUnknown {
		switch {
		case eff.Cost == descriptor.CostUnknown:
			add(KindCost, true, "cost undeclared; maximum is %s", cfg.MaximumCost)
		case eff.Cost > cfg.MaximumCost:
			add(KindCost, false, "cost %s exceeds the maximum %s", eff.Cost, cfg.MaximumCost)
		}
	}
	if !cfg.AllowNetwork && !eff.Network.False() {
		add(KindNetwork, !eff.Network.Known(), "command uses the network%s", undeclaredSuffix(eff.Network))
	}
	if !cfg.AllowInteractive && interactiveRequired(eff) {
		declared := interactiveDeclared(eff)
		add(KindInteractive, !declared, "command may require interaction%s", interactiveSuffix(declared))
	}

	if req.Tool != nil {
		if c, ok := p.constraints[req.Tool.Name]; ok {
			if reason := checkVersion(c, req.Tool.Version); reason != "" {
				add(KindVersion, false, "%s version %s", req.Tool.Name, reason)
			}
		}
	}

	if len(p.rules) > 0 {
		vars := ruleVars(req)
		for _, r := range p.rules {
			holds, err := r.eval(vars)
			switch {
			case err != nil:
				add(KindRule, false, "rule %s could not be evaluated: %v", r.Name, err)
			case !holds && r.Message != "":
				add(KindRule, false, "rule %s: %s", r.Name, r.Message)
			case !holds:
				add(KindRule, false, "rule %s does not hold", r.Name)
			}
		}
	}
	return out
}

func checkVersion(c *semver.Constraints, version string) string {
	if version == "" {
		return "is undeclared"
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Sprintf("%q is not a semantic version", version)
	}
	if ok, errs := c.Validate(v); !ok {
		if len(errs) > 0 {
			return fmt.Sprintf("%s: %v", v, errs[0])
		}
		return fmt.Sprintf("%s does not satisfy %s", v, c)
	}
	return ""
}

func undeclaredSuffix(f descriptor.Flag) string {
	if f.Known() {
		return ""
	}
	return " (undeclared, treated as present)"
}

func undeclaredSafety(f descriptor.Flag) string {
	if f.Known() {
		return ""
	}
	return " (undeclared, treated as absent)"
}

// interactiveDeclared reports whether an interactive requirement was
// declared true.
func interactiveDeclared(e descriptor.Effects) bool {
	i := e.Interactive
	return i != nil && (i.Stdin.True() || i.Prompts.True() || i.TTY.True())
}

func interactiveSuffix(declared bool) string {
	if declared {
		return ""
	}
	return " (undeclared, treated as present)"
}
