package policy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/flemzord/agentgate/internal/trust"
)

var (
	// ErrPolicyViolation is matched by every *ViolationError.
	ErrPolicyViolation = errors.New("policy violation")

	// ErrInvalidPolicy is returned for thresholds, rules or version
	// constraints that cannot be compiled.
	ErrInvalidPolicy = errors.New("invalid policy")

	// ErrConfirmTimeout is recorded when the Confirmer does not answer in time.
	ErrConfirmTimeout = errors.New("confirmation timed out")
)

// ViolationError explains a blocked decision: every violated threshold,
// effect or trust gap.
type ViolationError struct {
	DecisionID string
	Tool       string
	Command    []string
	Violations []Violation
}

func (e *ViolationError) Error() string {
	var b strings.Builder
	b.WriteString("policy violation")
	if name := strings.TrimSpace(e.Tool + " " + strings.Join(e.Command, " ")); name != "" {
		fmt.Fprintf(&b, " for %q", name)
	}
	b.WriteString(": ")
	for i, v := range e.Violations {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(v.Reason)
	}
	return b.String()
}

// Unwrap lets errors.Is match ErrPolicyViolation, and trust.ErrCompromised
// when the block was caused by a compromised binary.
func (e *ViolationError) Unwrap() []error {
	errs := []error{ErrPolicyViolation}
	if e.Compromised() {
		errs = append(errs, trust.ErrCompromised)
	}
	return errs
}

// Compromised reports whether one of the violations is a compromised binary.
func (e *ViolationError) Compromised() bool {
	for _, v := range e.Violations {
		if v.Kind == KindCompromised {
			return true
		}
	}
	return false
}
