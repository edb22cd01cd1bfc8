package trust

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/flemzord/agentgate/internal/executor"
)

// networkFailure matches toolchain output that points at the transparency
// log or identity services being unreachable rather than a bad signature.
var networkFailure = regexp.MustCompile(`(?i)(dial tcp|no such host|connection refused|connection reset|i/o timeout|tls handshake|network is unreachable|context deadline exceeded|temporary failure in name resolution|status code 5\d\d)`)

// CosignConfig configures the external signing toolchain.
type CosignConfig struct {
	// Binary is the toolchain executable name or path. Defaults to "cosign".
	Binary  string
	Timeout time.Duration
	Runner  executor.Runner

	// LookPath resolves Binary. Defaults to exec.LookPath.
	LookPath func(string) (string, error)

	// Policy lists the signers accepted for keyless signatures. An empty
	// policy leaves every keyless signature unverified.
	Policy IdentityPolicy
}

// IdentityPolicy is the allow-list of certificate identities and OIDC
// issuers for keyless signatures. The identity and issuer a trust record
// declares come from the tool itself, so they only count once matched here.
type IdentityPolicy struct {
	identities []*regexp.Regexp
	issuers    []string
}

// NewIdentityPolicy builds a policy. identities are exact certificate
// identities, patterns are regular expressions that must match a whole
// identity, and issuers are exact OIDC issuer URLs.
func NewIdentityPolicy(identities, patterns, issuers []string) (IdentityPolicy, error) {
	var p IdentityPolicy
	for _, id := range identities {
		p.identities = append(p.identities, regexp.MustCompile("^"+regexp.QuoteMeta(id)+"$"))
	}
	for _, expr := range patterns {
		re, err := regexp.Compile("^(?:" + expr + ")$")
		if err != nil {
			return IdentityPolicy{}, fmt.Errorf("trust: identity pattern %q: %w", expr, err)
		}
		p.identities = append(p.identities, re)
	}
	p.issuers = slices.Clone(issuers)
	return p, nil
}

// Configured reports whether the policy can accept any signer.
func (p IdentityPolicy) Configured() bool {
	return len(p.identities) > 0 && len(p.issuers) > 0
}

// Allow returns ErrSignatureInvalid unless both the identity and the issuer
// are on the allow-list.
func (p IdentityPolicy) Allow(identity, issuer string) error {
	if !slices.Contains(p.issuers, issuer) {
		return fmt.Errorf("%w: issuer %q not allowed", ErrSignatureInvalid, issuer)
	}
	for _, re := range p.identities {
		if re.MatchString(identity) {
			return nil
		}
	}
	return fmt.Errorf("%w: identity %q not allowed", ErrSignatureInvalid, identity)
}

// CosignVerifier verifies keyless signatures with `cosign verify-blob`.
// The declared signer must pass the IdentityPolicy before the toolchain
// runs. The toolchain's exit status is ground truth; a missing toolchain or
// an unreachable transparency log degrades instead of failing.
type CosignVerifier struct {
	cfg CosignConfig
}

var _ SignatureVerifier = (*CosignVerifier)(nil)

// NewCosignVerifier creates a verifier. cfg.Runner is required.
func NewCosignVerifier(cfg CosignConfig) *CosignVerifier {
	if cfg.Binary == "" {
		cfg.Binary = "cosign"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.LookPath == nil {
		cfg.LookPath = exec.LookPath
	}
	return &CosignVerifier{cfg: cfg}
}

// VerifySignature implements SignatureVerifier.
func (v *CosignVerifier) VerifySignature(ctx context.Context, c SignatureCheck) error {
	ref := c.Ref
	if ref == nil || ref.Bundle == "" || ref.Identity == "" || ref.Issuer == "" {
		return fmt.Errorf("%w: keyless reference needs bundle, identity and issuer", ErrSignatureInvalid)
	}
	if !v.cfg.Policy.Configured() {
		return fmt.Errorf("%w: no keyless identity policy configured", ErrSignatureUnavailable)
	}
	if err := v.cfg.Policy.Allow(ref.Identity, ref.Issuer); err != nil {
		return err
	}
	if c.Offline {
		return fmt.Errorf("%w: offline mode", ErrSignatureUnavailable)
	}

	bin, err := v.cfg.LookPath(v.cfg.Binary)
	if err != nil {
		return fmt.Errorf("%w: %s not installed", ErrSignatureUnavailable, v.cfg.Binary)
	}

	argv := []string{
		bin, "verify-blob",
		"--bundle", ref.Bundle,
		"--certificate-identity", ref.Identity,
		"--certificate-oidc-issuer", ref.Issuer,
		c.Path,
	}
	res, err := v.cfg.Runner.Exec(ctx, argv, executor.Options{
		Timeout:        v.cfg.Timeout,
		MaxOutputBytes: 64 << 10,
	})
	switch {
	case err != nil:
		return fmt.Errorf("%w: %v", ErrSignatureUnavailable, err)
	case res.TimedOut:
		return fmt.Errorf("%w: %s timed out after %s", ErrSignatureUnavailable, v.cfg.Binary, v.cfg.Timeout)
	case res.ExitCode == 0:
		return nil
	case networkFailure.MatchString(res.Stderr):
		return fmt.Errorf("%w: %s", ErrSignatureUnavailable, firstLine(res.Stderr))
	default:
		return fmt.Errorf("%w: %s exited %d: %s", ErrSignatureInvalid, v.cfg.Binary, res.ExitCode, firstLine(res.Stderr))
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
