package policy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/flemzord/agentgate/internal/descriptor"
	"github.com/flemzord/agentgate/internal/trust"
)

// Config holds the caller's thresholds. The zero value allows nothing
// risky but sets no trust, cost or source floor.
type Config struct {
	AllowDestructive   bool `yaml:"allow_destructive" json:"allowDestructive"`
	AllowNonReversible bool `yaml:"allow_non_reversible" json:"allowNonReversible"`
	AllowBillable      bool `yaml:"allow_billable" json:"allowBillable"`
	AllowNetwork       bool `yaml:"allow_network" json:"allowNetwork"`
	AllowInteractive   bool `yaml:"allow_interactive" json:"allowInteractive"`

	// MinimumTrust is the lowest acceptable trust level. COMPROMISED is
	// always blocked, whatever the minimum.
	MinimumTrust trust.Level `yaml:"minimum_trust" json:"minimumTrust"`
	// MaximumCost is the most expensive acceptable tier. CostUnknown
	// means no ceiling.
	MaximumCost descriptor.CostTier `yaml:"maximum_cost" json:"maximumCost"`
	// MinimumSource is the least authoritative acceptable metadata source.
	// It only applies when no signature was verified.
	MinimumSource descriptor.SourceCategory `yaml:"minimum_source" json:"minimumSource"`

	// Rules are CEL expressions that must evaluate to true.
	Rules []Rule `yaml:"rules" json:"rules,omitempty"`
	// VersionConstraints maps a tool name to a semver constraint its
	// declared version must satisfy.
	VersionConstraints map[string]string `yaml:"version_constraints" json:"versionConstraints,omitempty"`
}

// Rule is a named CEL boolean expression. See NewEngine for the
// variables in scope.
type Rule struct {
	Name    string `yaml:"name" json:"name"`
	Expr    string `yaml:"expr" json:"expr"`
	Message string `yaml:"message" json:"message,omitempty"`
}

// DefaultConfig returns the thresholds used when none are configured:
// every risk needs confirmation and only VERIFIED binaries pass the trust
// threshold, matching the trust recommendations.
func DefaultConfig() Config {
	return Config{MinimumTrust: trust.Verified}
}

// Validate reports every problem in the configuration.
func (c Config) Validate() error {
	var errs []error
	names := make(map[string]struct{}, len(c.Rules))
	for i, r := range c.Rules {
		if strings.TrimSpace(r.Expr) == "" {
			errs = append(errs, fmt.Errorf("%w: rule %d: expr is required", ErrInvalidPolicy, i))
		}
		if r.Name == "" {
			continue
		}
		if _, dup := names[r.Name]; dup {
			errs = append(errs, fmt.Errorf("%w: rule %q defined twice", ErrInvalidPolicy, r.Name))
		}
		names[r.Name] = struct{}{}
	}
	for tool, constraint := range c.VersionConstraints {
		if _, err := semver.NewConstraint(constraint); err != nil {
			errs = append(errs, fmt.Errorf("%w: version constraint for %s: %v", ErrInvalidPolicy, tool, err))
		}
	}
	if _, err := compileRules(c.Rules); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
