package trust

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/flemzord/agentgate/internal/descriptor"
)

// Result is a trust verdict for one binary. It is produced fresh by every
// evaluation.
type Result struct {
	Level              Level                     `json:"level"`
	Reason             string                    `json:"reason"`
	HashMatched        bool                      `json:"hashMatched"`
	SignatureVerified  bool                      `json:"signatureVerified"`
	ProvenanceVerified bool                      `json:"provenanceVerified"`
	Recommendation     Recommendation            `json:"recommendation"`
	ContentHash        string                    `json:"contentHash,omitempty"`
	Source             descriptor.SourceCategory `json:"source"`

	// Degraded is set when the level was lowered because a verifier or the
	// network was unavailable rather than because a check failed.
	Degraded    bool      `json:"degraded,omitempty"`
	EvaluatedAt time.Time `json:"evaluatedAt"`
}

// Options customizes one evaluation.
type Options struct {
	// Offline skips every check that needs the network.
	Offline bool
	// BaseDir resolves relative attestation locations.
	BaseDir string
}

// Config wires the evaluator's verifiers.
type Config struct {
	Signatures SignatureVerifier
	Provenance ProvenanceChecker
	Logger     *slog.Logger
	Now        func() time.Time
}

// Evaluator orchestrates the hash, signature and provenance checks.
type Evaluator struct {
	signatures SignatureVerifier
	provenance ProvenanceChecker
	logger     *slog.Logger
	now        func() time.Time
}

// NewEvaluator creates an Evaluator. Missing verifiers make the
// corresponding checks report unavailable.
func NewEvaluator(cfg Config) *Evaluator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Evaluator{
		signatures: cfg.Signatures,
		provenance: cfg.Provenance,
		logger:     logger.With("component", "trust"),
		now:        now,
	}
}

// Evaluate computes the verdict for the binary at binaryPath. It never
// fails: unreadable binaries are COMPROMISED, with or without an expected
// hash, and unavailable verifiers degrade the level.
//
// The checks run strictly in order. The hash check runs first and a
// mismatch ends the evaluation; no later check can raise the level.
func (e *Evaluator) Evaluate(ctx context.Context, binaryPath string, meta *descriptor.TrustMetadata, opts Options) (res Result) {
	res = Result{EvaluatedAt: e.now().UTC()}
	if meta != nil {
		res.Source = meta.Source
	}
	defer func() {
		res.Recommendation = res.Level.Recommendation()
		e.logger.Debug("trust evaluated",
			"path", binaryPath,
			"level", res.Level,
			"reason", res.Reason,
			"degraded", res.Degraded)
	}()

	hash, err := HashFile(binaryPath)
	if err != nil {
		res.Level = Compromised
		res.Reason = fmt.Sprintf("cannot read binary: %v", err)
		return res
	}
	res.ContentHash = hash

	if expected := meta.ExpectedHash(); expected != "" {
		if !DigestsEqual(expected, hash) {
			res.Level = Compromised
			res.Reason = fmt.Sprintf("content hash %s does not match expected %s", hash, expected)
			return res
		}
		res.HashMatched = true
	}

	ref := meta.SignatureRef()
	if !ref.Usable() {
		res.Level = Unsigned
		res.Reason = "no usable signature"
		return res
	}

	digest, _ := ParseDigest(hash)
	if err := e.verifySignature(ctx, SignatureCheck{
		Path:    binaryPath,
		Digest:  digest,
		Ref:     ref,
		Offline: opts.Offline,
	}); err != nil {
		if errors.Is(err, ErrSignatureUnavailable) {
			res.Level = Unverified
			res.Degraded = true
		} else {
			res.Level = Unsigned
		}
		res.Reason = err.Error()
		return res
	}
	res.SignatureVerified = true

	if meta.Provenance == nil {
		res.Level = Verified
		res.Reason = "signature verified; provenance not required"
		return res
	}

	if err := e.verifyProvenance(ctx, ProvenanceCheck{
		ContentHash: hash,
		Record:      meta.Provenance,
		Offline:     opts.Offline,
		BaseDir:     opts.BaseDir,
	}); err != nil {
		res.Level = ProvenanceFail
		res.Degraded = errors.Is(err, ErrProvenanceUnavailable)
		res.Reason = err.Error()
		return res
	}
	res.ProvenanceVerified = true
	res.Level = Verified
	res.Reason = "signature and provenance verified"
	return res
}

func (e *Evaluator) verifySignature(ctx context.Context, c SignatureCheck) error {
	if e.signatures == nil {
		return fmt.Errorf("%w: no signature verifier configured", ErrSignatureUnavailable)
	}
	err := e.signatures.VerifySignature(ctx, c)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ErrSignatureUnavailable, ctx.Err())
	}
	if !errors.Is(err, ErrSignatureUnavailable) && !errors.Is(err, ErrSignatureInvalid) {
		// Unclassified verifier errors count as failures.
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return err
}

func (e *Evaluator) verifyProvenance(ctx context.Context, c ProvenanceCheck) error {
	if e.provenance == nil {
		return fmt.Errorf("%w: no provenance verifier configured", ErrProvenanceUnavailable)
	}
	err := e.provenance.VerifyProvenance(ctx, c)
	if err != nil && ctx.Err() != nil && !errors.Is(err, ErrProvenanceUnavailable) {
		return fmt.Errorf("%w: %v", ErrProvenanceUnavailable, err)
	}
	return err
}
