package trust

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/flemzord/agentgate/internal/descriptor"
)

// Attestation format identifiers.
const (
	InTotoStatementV1  = "https://in-toto.io/Statement/v1"
	InTotoStatementV01 = "https://in-toto.io/Statement/v0.1"
	SLSAProvenanceV1   = "https://slsa.dev/provenance/v1"
	SLSAProvenanceV02  = "https://slsa.dev/provenance/v0.2"
)

// Statement is an in-toto attestation statement.
type Statement struct {
	Type          string          `json:"_type"`
	Subject       []Subject       `json:"subject"`
	PredicateType string          `json:"predicateType"`
	Predicate     json.RawMessage `json:"predicate"`
}

// Subject identifies an artifact by name and digest.
type Subject struct {
	Name   string            `json:"name"`
	Digest map[string]string `json:"digest"`
}

// envelope is a DSSE envelope carrying a base64 statement.
type envelope struct {
	PayloadType string `json:"payloadType"`
	Payload     string `json:"payload"`
}

// slsaV1 holds the parts of a SLSA v1 predicate that are checked.
type slsaV1 struct {
	RunDetails struct {
		Builder struct {
			ID string `json:"id"`
		} `json:"builder"`
	} `json:"runDetails"`
}

// slsaV02 holds the parts of a SLSA v0.2 predicate that are checked.
type slsaV02 struct {
	Builder struct {
		ID string `json:"id"`
	} `json:"builder"`
}

// ProvenanceCheck is the input to a provenance verifier.
type ProvenanceCheck struct {
	ContentHash string
	Record      *descriptor.ProvenanceRecord
	Offline     bool
	// BaseDir resolves relative attestation paths.
	BaseDir string
}

// ProvenanceChecker verifies a build-provenance attestation. It returns nil
// on success, an error wrapping ErrProvenanceUnavailable when the
// attestation could not be fetched, and ErrProvenanceInvalid otherwise.
type ProvenanceChecker interface {
	VerifyProvenance(ctx context.Context, c ProvenanceCheck) error
}

// ProvenanceConfig configures attestation fetching and builder trust.
type ProvenanceConfig struct {
	HTTPClient *http.Client
	Timeout    time.Duration
	MaxBytes   int64

	// BuilderLevels maps builder ids (or the part before '@') to the
	// assurance level this installation trusts them to provide. The level
	// is never read from the attestation itself.
	BuilderLevels map[string]int

	// URLs, when set, vets remote attestation locations before they are
	// fetched. A rejected location fails verification.
	URLs URLChecker
}

// URLChecker accepts or rejects a URL.
type URLChecker interface {
	Check(rawURL string) error
}

// DefaultBuilderLevel applies to allowed builders missing from BuilderLevels.
const DefaultBuilderLevel = 1

// ProvenanceVerifier fetches and checks in-toto statements with a SLSA
// provenance predicate.
type ProvenanceVerifier struct {
	cfg ProvenanceConfig
}

var _ ProvenanceChecker = (*ProvenanceVerifier)(nil)

// NewProvenanceVerifier creates a verifier, filling defaults.
func NewProvenanceVerifier(cfg ProvenanceConfig) *ProvenanceVerifier {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 4 << 20
	}
	return &ProvenanceVerifier{cfg: cfg}
}

// VerifyProvenance implements ProvenanceChecker.
func (v *ProvenanceVerifier) VerifyProvenance(ctx context.Context, c ProvenanceCheck) error {
	if c.Record == nil || c.Record.Attestation == "" {
		return fmt.Errorf("%w: no attestation location", ErrProvenanceInvalid)
	}

	ctx, cancel := context.WithTimeout(ctx, v.cfg.Timeout)
	defer cancel()

	raw, err := v.fetch(ctx, c.Record.Attestation, c.BaseDir, c.Offline)
	if err != nil {
		return err
	}

	st, err := parseStatement(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProvenanceInvalid, err)
	}
	builder, err := builderID(st)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProvenanceInvalid, err)
	}
	if !subjectMatches(st.Subject, c.ContentHash) {
		return fmt.Errorf("%w: no subject matches %s", ErrProvenanceInvalid, c.ContentHash)
	}
	if len(c.Record.Builders) > 0 && !builderAllowed(builder, c.Record.Builders) {
		return fmt.Errorf("%w: builder %s not in allow-list", ErrProvenanceInvalid, builder)
	}
	if level := v.builderLevel(builder); level < c.Record.MinLevel {
		return fmt.Errorf("%w: builder %s provides level %d, need %d", ErrProvenanceInvalid, builder, level, c.Record.MinLevel)
	}
	return nil
}

func (v *ProvenanceVerifier) fetch(ctx context.Context, location, baseDir string, offline bool) ([]byte, error) {
	u, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("%w: attestation location %q: %v", ErrProvenanceInvalid, location, err)
	}

	switch u.Scheme {
	case "http", "https":
		if offline {
			return nil, fmt.Errorf("%w: offline mode", ErrProvenanceUnavailable)
		}
		if v.cfg.URLs != nil {
			if err := v.cfg.URLs.Check(location); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrProvenanceInvalid, err)
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProvenanceInvalid, err)
		}
		resp, err := v.cfg.HTTPClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProvenanceUnavailable, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("%w: GET %s: status %d", ErrProvenanceUnavailable, location, resp.StatusCode)
		}
		return v.readCapped(resp.Body)
	case "file", "":
		path := location
		if u.Scheme == "file" {
			path = u.Path
		}
		if !filepath.IsAbs(path) && baseDir != "" {
			path = filepath.Join(baseDir, path)
		}
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProvenanceUnavailable, err)
		}
		defer f.Close()
		return v.readCapped(f)
	default:
		return nil, fmt.Errorf("%w: unsupported attestation scheme %q", ErrProvenanceInvalid, u.Scheme)
	}
}

func (v *ProvenanceVerifier) readCapped(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, v.cfg.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: reading attestation: %v", ErrProvenanceUnavailable, err)
	}
	if int64(len(data)) > v.cfg.MaxBytes {
		return nil, fmt.Errorf("%w: attestation exceeds %d bytes", ErrProvenanceInvalid, v.cfg.MaxBytes)
	}
	return data, nil
}

func (v *ProvenanceVerifier) builderLevel(id string) int {
	if level, ok := v.cfg.BuilderLevels[id]; ok {
		return level
	}
	if base, _, ok := strings.Cut(id, "@"); ok {
		if level, ok := v.cfg.BuilderLevels[base]; ok {
			return level
		}
	}
	return DefaultBuilderLevel
}

func parseStatement(raw []byte) (*Statement, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err == nil && env.Payload != "" {
		payload, err := base64.StdEncoding.DecodeString(env.Payload)
		if err != nil {
			return nil, fmt.Errorf("envelope payload: %w", err)
		}
		raw = payload
	}

	var st Statement
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("parsing statement: %w", err)
	}
	if st.Type != InTotoStatementV1 && st.Type != InTotoStatementV01 {
		return nil, fmt.Errorf("unsupported statement type %q", st.Type)
	}
	return &st, nil
}

func builderID(st *Statement) (string, error) {
	var id string
	switch st.PredicateType {
	case SLSAProvenanceV1:
		var p slsaV1
		if err := json.Unmarshal(st.Predicate, &p); err != nil {
			return "", fmt.Errorf("parsing SLSA v1 predicate: %w", err)
		}
		id = p.RunDetails.Builder.ID
	case SLSAProvenanceV02:
		var p slsaV02
		if err := json.Unmarshal(st.Predicate, &p); err != nil {
			return "", fmt.Errorf("parsing SLSA v0.2 predicate: %w", err)
		}
		id = p.Builder.ID
	default:
		return "", fmt.Errorf("unsupported predicate type %q", st.PredicateType)
	}
	if id == "" {
		return "", fmt.Errorf("predicate names no builder")
	}
	return id, nil
}

func subjectMatches(subjects []Subject, contentHash string) bool {
	for _, s := range subjects {
		if d, ok := s.Digest["sha256"]; ok && DigestsEqual(d, contentHash) {
			return true
		}
	}
	return false
}

// builderAllowed matches exactly, or on the id without its "@ref" suffix.
func builderAllowed(id string, allowed []string) bool {
	base, _, _ := strings.Cut(id, "@")
	for _, a := range allowed {
		if a == id || a == base {
			return true
		}
	}
	return false
}
