package descriptor

import (
	"encoding/json"
	"fmt"
	"strings"
)

// SourceCategory classifies how a metadata document was obtained.
// Higher values are more authoritative; the zero value is the weakest.
type SourceCategory uint8

// SourceCategory values, least authoritative first.
const (
	SourceInferred SourceCategory = iota
	SourceUser
	SourceCommunity
	SourceOrganization
	SourceVendor
	SourceToolNative
)

var sourceNames = map[SourceCategory]string{
	SourceInferred:     "inferred",
	SourceUser:         "user",
	SourceCommunity:    "community",
	SourceOrganization: "organization",
	SourceVendor:       "vendor",
	SourceToolNative:   "tool-native",
}

// ParseSourceCategory parses a category name. Long forms such as
// "vendor-provided" and "automatically-inferred" are accepted.
func ParseSourceCategory(s string) (SourceCategory, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimSuffix(s, "-provided")
	if s == "automatically-inferred" {
		s = "inferred"
	}
	for cat, name := range sourceNames {
		if name == s {
			return cat, nil
		}
	}
	return SourceInferred, fmt.Errorf("descriptor: unknown source category %q", s)
}

// String returns the category name.
func (s SourceCategory) String() string {
	if name, ok := sourceNames[s]; ok {
		return name
	}
	return fmt.Sprintf("SourceCategory(%d)", uint8(s))
}

// MarshalJSON encodes the category name.
func (s SourceCategory) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a category name.
func (s *SourceCategory) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return fmt.Errorf("descriptor: source category: %w", err)
	}
	cat, err := ParseSourceCategory(name)
	if err != nil {
		return err
	}
	*s = cat
	return nil
}

// MarshalText encodes the category name for YAML.
func (s SourceCategory) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText lets SourceCategory be used in YAML configuration.
func (s *SourceCategory) UnmarshalText(text []byte) error {
	cat, err := ParseSourceCategory(string(text))
	if err != nil {
		return err
	}
	*s = cat
	return nil
}

// TrustMetadata is the trust record attached to a tool.
type TrustMetadata struct {
	Source     SourceCategory    `json:"source"`
	Integrity  *IntegrityRecord  `json:"integrity,omitempty"`
	Provenance *ProvenanceRecord `json:"provenance,omitempty"`
}

// IntegrityRecord pins the expected content hash and an optional signature.
type IntegrityRecord struct {
	// SHA256 is the expected content hash, bare hex or "sha256:"-prefixed.
	SHA256    string        `json:"sha256,omitempty"`
	Signature *SignatureRef `json:"signature,omitempty"`
}

// SignatureRef points at a detached signature. Identity, Issuer and Bundle
// describe a keyless signature checked by the external toolchain; PublicKey
// and Signature describe a pinned-key signature checked locally.
type SignatureRef struct {
	Identity  string `json:"identity,omitempty"`
	Issuer    string `json:"issuer,omitempty"`
	Bundle    string `json:"bundle,omitempty"`
	PublicKey string `json:"publicKey,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// Keyed reports whether the reference carries a pinned key and signature.
func (r *SignatureRef) Keyed() bool {
	return r != nil && r.PublicKey != "" && r.Signature != ""
}

// Usable reports whether the reference carries enough to attempt verification.
func (r *SignatureRef) Usable() bool {
	if r == nil {
		return false
	}
	return r.Keyed() || (r.Bundle != "" && r.Identity != "" && r.Issuer != "")
}

// ProvenanceRecord locates a build-provenance attestation and states what
// it must prove.
type ProvenanceRecord struct {
	Attestation string   `json:"attestation"`
	MinLevel    int      `json:"minLevel,omitempty"`
	Builders    []string `json:"builders,omitempty"`
}

// ExpectedHash returns the declared content hash, or "" when none was declared.
func (m *TrustMetadata) ExpectedHash() string {
	if m == nil || m.Integrity == nil {
		return ""
	}
	return m.Integrity.SHA256
}

// SignatureRef returns the declared signature reference, or nil.
func (m *TrustMetadata) SignatureRef() *SignatureRef {
	if m == nil || m.Integrity == nil {
		return nil
	}
	return m.Integrity.Signature
}
