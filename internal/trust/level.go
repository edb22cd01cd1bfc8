// Package trust computes a trust verdict for a tool binary from its content
// hash, a detached signature and a build-provenance attestation. The checks
// run in a fixed priority order and each level is a ceiling over the ones
// after it.
package trust

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Level is a trust verdict. Values are ordered from least to most trusted;
// the zero value is Compromised so an unset level fails closed.
type Level uint8

// Trust levels, most severe first.
const (
	Compromised Level = iota
	Unsigned
	Unverified
	ProvenanceFail
	Verified
)

var levelNames = [...]string{
	Compromised:    "COMPROMISED",
	Unsigned:       "UNSIGNED",
	Unverified:     "UNVERIFIED",
	ProvenanceFail: "PROVENANCE_FAIL",
	Verified:       "VERIFIED",
}

// Levels lists every level in ascending order.
func Levels() []Level {
	return []Level{Compromised, Unsigned, Unverified, ProvenanceFail, Verified}
}

// String returns the level name.
func (l Level) String() string {
	if int(l) < len(levelNames) {
		return levelNames[l]
	}
	return fmt.Sprintf("Level(%d)", uint8(l))
}

// ParseLevel parses a level name, case-insensitively. "provenance-fail" and
// "provenance_fail" are both accepted.
func ParseLevel(s string) (Level, error) {
	norm := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_"))
	for i, name := range levelNames {
		if name == norm {
			return Level(i), nil
		}
	}
	return Compromised, fmt.Errorf("trust: unknown level %q", s)
}

// Recommendation maps the level to a recommendation. The mapping is
// monotonic: a higher level never yields a weaker recommendation.
func (l Level) Recommendation() Recommendation {
	switch l {
	case Verified:
		return Execute
	case Unsigned, Unverified, ProvenanceFail:
		return Confirm
	default:
		return Block
	}
}

// MarshalText encodes the level name.
func (l Level) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

// UnmarshalText decodes a level name.
func (l *Level) UnmarshalText(text []byte) error {
	v, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// Recommendation is the action suggested by a verdict, ordered
// Block < Confirm < Execute.
type Recommendation uint8

// Recommendations.
const (
	Block Recommendation = iota
	Confirm
	Execute
)

// String returns "block", "confirm" or "execute".
func (r Recommendation) String() string {
	switch r {
	case Execute:
		return "execute"
	case Confirm:
		return "confirm"
	default:
		return "block"
	}
}

// MarshalJSON encodes the recommendation name.
func (r Recommendation) MarshalJSON() ([]byte, error) { return json.Marshal(r.String()) }

// UnmarshalJSON decodes a recommendation name.
func (r *Recommendation) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "execute":
		*r = Execute
	case "confirm":
		*r = Confirm
	case "block":
		*r = Block
	default:
		return fmt.Errorf("trust: unknown recommendation %q", s)
	}
	return nil
}
