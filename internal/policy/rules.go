package policy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/flemzord/agentgate/internal/descriptor"
)

const ruleCostLimit = 10000

type compiledRule struct {
	Rule
	prg cel.Program
}

func ruleEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("tool", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("command", cel.ListType(cel.StringType)),
		cel.Variable("args", cel.ListType(cel.StringType)),
		cel.Variable("effects", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("trust", cel.MapType(cel.StringType, cel.DynType)),
	)
}

// compileRules compiles every rule with a non-empty expression.
func compileRules(rules []Rule) ([]compiledRule, error) {
	if len(rules) == 0 {
		return nil, nil
	}
	env, err := ruleEnv()
	if err != nil {
		return nil, fmt.Errorf("policy: creating CEL environment: %w", err)
	}

	var (
		out  []compiledRule
		errs []error
	)
	for i, r := range rules {
		if strings.TrimSpace(r.Expr) == "" {
			continue
		}
		ast, issues := env.Compile(r.Expr)
		if issues != nil && issues.Err() != nil {
			errs = append(errs, fmt.Errorf("%w: rule %s: %v", ErrInvalidPolicy, ruleLabel(r, i), issues.Err()))
			continue
		}
		prg, err := env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(ruleCostLimit),
		)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: rule %s: %v", ErrInvalidPolicy, ruleLabel(r, i), err))
			continue
		}
		if r.Name == "" {
			r.Name = ruleLabel(r, i)
		}
		out = append(out, compiledRule{Rule: r, prg: prg})
	}
	return out, errors.Join(errs...)
}

func ruleLabel(r Rule, i int) string {
	if r.Name != "" {
		return r.Name
	}
	return fmt.Sprintf("#%d", i)
}

// eval reports whether the rule holds. Evaluation errors and non-boolean
// results count as not holding.
func (r compiledRule) eval(vars map[string]any) (bool, error) {
	out, _, err := r.prg.Eval(vars)
	if err != nil {
		return false, err
	}
	ok, isBool := out.Value().(bool)
	if !isBool {
		return false, fmt.Errorf("result is %s, not bool", out.Type().TypeName())
	}
	return ok, nil
}

// ruleVars builds the CEL inputs for a request. Effect flags are exposed
// conservatively as booleans; the undeclared ones are listed in
// effects.unknown.
func ruleVars(req Request) map[string]any {
	tool := map[string]any{"name": "", "version": ""}
	if req.Tool != nil {
		tool["name"] = req.Tool.Name
		tool["version"] = req.Tool.Version
	}
	tool["source"] = req.Trust.Source.String()

	e := req.Effects
	var unknown []string
	risk := func(name string, f descriptor.Flag) bool {
		if !f.Known() {
			unknown = append(unknown, name)
		}
		return !f.False()
	}
	safe := func(name string, f descriptor.Flag) bool {
		if !f.Known() {
			unknown = append(unknown, name)
		}
		return f.True()
	}
	effects := map[string]any{
		"network":          risk("network", e.Network),
		"destructive":      risk("destructive", e.Destructive),
		"filesystemWrite":  risk("filesystemWrite", e.FilesystemWrite),
		"filesystemDelete": risk("filesystemDelete", e.FilesystemDelete),
		"reversible":       safe("reversible", e.Reversible),
		"idempotent":       safe("idempotent", e.Idempotent),
		"interactive":      interactiveRequired(e),
		"cost":             e.Cost.String(),
	}
	effects["unknown"] = nonNil(unknown)

	verdict := map[string]any{
		"level":          req.Trust.Level.String(),
		"rank":           int64(req.Trust.Level),
		"recommendation": req.Trust.Level.Recommendation().String(),
		"degraded":       req.Trust.Degraded,
		"hashMatched":    req.Trust.HashMatched,
		"signed":         req.Trust.SignatureVerified,
		"provenance":     req.Trust.ProvenanceVerified,
	}

	return map[string]any{
		"tool":    tool,
		"command": nonNil(req.Command),
		"args":    nonNil(req.Args),
		"effects": effects,
		"trust":   verdict,
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// interactiveRequired reports whether any interactive requirement is
// declared or left unknown.
func interactiveRequired(e descriptor.Effects) bool {
	if e.Interactive == nil {
		return true
	}
	i := e.Interactive
	return !i.Stdin.False() || !i.Prompts.False() || !i.TTY.False()
}
