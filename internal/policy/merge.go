// Package policy decides whether a command may run, from its merged
// effects, the trust verdict for its binary and caller-supplied
// thresholds. Undeclared effects are treated as the conservative case: an
// unknown risk is present and an unknown safety guarantee is absent.
package policy

import (
	"github.com/flemzord/agentgate/internal/descriptor"
)

// MergeEffects combines the effects declared along a command path, tool
// level first. Risk flags are ORed and safety flags ANDed over the levels
// that declare them; the cost tier is the maximum declared. A flag no
// level declares stays unknown.
func MergeEffects(chain ...descriptor.Effects) descriptor.Effects {
	var out descriptor.Effects
	var interactive descriptor.Interactive
	hasInteractive := false
	for _, e := range chain {
		out.Network = orFlag(out.Network, e.Network)
		out.Destructive = orFlag(out.Destructive, e.Destructive)
		out.FilesystemWrite = orFlag(out.FilesystemWrite, e.FilesystemWrite)
		out.FilesystemDelete = orFlag(out.FilesystemDelete, e.FilesystemDelete)
		out.Reversible = andFlag(out.Reversible, e.Reversible)
		out.Idempotent = andFlag(out.Idempotent, e.Idempotent)
		out.Cost = max(out.Cost, e.Cost)
		if e.Interactive != nil {
			hasInteractive = true
			interactive.Stdin = orFlag(interactive.Stdin, e.Interactive.Stdin)
			interactive.Prompts = orFlag(interactive.Prompts, e.Interactive.Prompts)
			interactive.TTY = orFlag(interactive.TTY, e.Interactive.TTY)
		}
	}
	if hasInteractive {
		out.Interactive = &interactive
	}
	return out
}

// EffectsFor merges the effects along a command path of d.
func EffectsFor(d *descriptor.ToolDescriptor, path ...string) (descriptor.Effects, error) {
	chain, err := d.EffectsChain(path...)
	if err != nil {
		return descriptor.Effects{}, err
	}
	return MergeEffects(chain...), nil
}

func orFlag(acc, f descriptor.Flag) descriptor.Flag {
	switch {
	case acc.True() || f.True():
		return descriptor.FlagTrue
	case acc.False() || f.False():
		return descriptor.FlagFalse
	default:
		return descriptor.FlagUnknown
	}
}

func andFlag(acc, f descriptor.Flag) descriptor.Flag {
	switch {
	case acc.False() || f.False():
		return descriptor.FlagFalse
	case acc.True() || f.True():
		return descriptor.FlagTrue
	default:
		return descriptor.FlagUnknown
	}
}
