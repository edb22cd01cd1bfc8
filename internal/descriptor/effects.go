package descriptor

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Flag is a tri-state effect flag. The zero value is FlagUnknown: a tool
// that does not declare an effect has not promised its absence.
type Flag uint8

// Flag values.
const (
	FlagUnknown Flag = iota
	FlagFalse
	FlagTrue
)

// FlagOf converts a declared boolean into a Flag.
func FlagOf(b bool) Flag {
	if b {
		return FlagTrue
	}
	return FlagFalse
}

// Known reports whether the flag was declared.
func (f Flag) Known() bool { return f == FlagFalse || f == FlagTrue }

// True reports whether the flag was declared true.
func (f Flag) True() bool { return f == FlagTrue }

// False reports whether the flag was declared false.
func (f Flag) False() bool { return f == FlagFalse }

// String returns "true", "false" or "unknown".
func (f Flag) String() string {
	switch f {
	case FlagTrue:
		return "true"
	case FlagFalse:
		return "false"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes an unknown flag as null.
func (f Flag) MarshalJSON() ([]byte, error) {
	switch f {
	case FlagTrue:
		return []byte("true"), nil
	case FlagFalse:
		return []byte("false"), nil
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON accepts true, false and null.
func (f *Flag) UnmarshalJSON(data []byte) error {
	switch strings.TrimSpace(string(data)) {
	case "true":
		*f = FlagTrue
	case "false":
		*f = FlagFalse
	case "null":
		*f = FlagUnknown
	default:
		return fmt.Errorf("descriptor: invalid effect flag %s", data)
	}
	return nil
}

// CostTier is an ordered cost classification. CostUnknown sorts below
// CostFree but policy treats it as the most expensive tier.
type CostTier uint8

// CostTier values, cheapest first.
const (
	CostUnknown CostTier = iota
	CostFree
	CostLow
	CostMedium
	CostHigh
)

var costNames = map[CostTier]string{
	CostFree:   "free",
	CostLow:    "low",
	CostMedium: "medium",
	CostHigh:   "high",
}

// ParseCostTier parses a cost tier name. The empty string is CostUnknown.
func ParseCostTier(s string) (CostTier, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == "unknown" {
		return CostUnknown, nil
	}
	for tier, name := range costNames {
		if name == s {
			return tier, nil
		}
	}
	return CostUnknown, fmt.Errorf("descriptor: unknown cost tier %q", s)
}

// String returns the tier name.
func (c CostTier) String() string {
	if name, ok := costNames[c]; ok {
		return name
	}
	return "unknown"
}

// Billable reports whether the tier implies a charge. Unknown cost is billable.
func (c CostTier) Billable() bool { return c != CostFree }

// MarshalJSON encodes the tier as its name; unknown is null.
func (c CostTier) MarshalJSON() ([]byte, error) {
	if c == CostUnknown {
		return []byte("null"), nil
	}
	return json.Marshal(c.String())
}

// UnmarshalJSON decodes a tier name or null.
func (c *CostTier) UnmarshalJSON(data []byte) error {
	if strings.TrimSpace(string(data)) == "null" {
		*c = CostUnknown
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("descriptor: cost tier: %w", err)
	}
	tier, err := ParseCostTier(s)
	if err != nil {
		return err
	}
	*c = tier
	return nil
}

// MarshalText encodes the tier name for YAML.
func (c CostTier) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

// UnmarshalText lets CostTier be used in YAML configuration.
func (c *CostTier) UnmarshalText(text []byte) error {
	tier, err := ParseCostTier(string(text))
	if err != nil {
		return err
	}
	*c = tier
	return nil
}

// Interactive describes what a command needs from a human at runtime.
type Interactive struct {
	Stdin   Flag `json:"stdinRequired,omitempty"`
	Prompts Flag `json:"prompts,omitempty"`
	TTY     Flag `json:"tty,omitempty"`
}

// Effects is a command's declared side-effect profile.
type Effects struct {
	Network          Flag         `json:"network,omitempty"`
	Destructive      Flag         `json:"destructive,omitempty"`
	Reversible       Flag         `json:"reversible,omitempty"`
	Idempotent       Flag         `json:"idempotent,omitempty"`
	FilesystemWrite  Flag         `json:"filesystemWrite,omitempty"`
	FilesystemDelete Flag         `json:"filesystemDelete,omitempty"`
	Cost             CostTier     `json:"cost,omitempty"`
	Interactive      *Interactive `json:"interactive,omitempty"`
}

// IsZero reports whether nothing at all was declared.
func (e Effects) IsZero() bool {
	return e == Effects{}
}
