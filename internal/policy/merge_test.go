package policy

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/flemzord/agentgate/internal/descriptor"
)

const (
	no  = descriptor.FlagFalse
	yes = descriptor.FlagTrue
)

func TestMergeEffects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		chain []descriptor.Effects
		want  descriptor.Effects
	}{
		{
			name: "empty chain is all unknown",
			want: descriptor.Effects{},
		},
		{
			name:  "child inherits undeclared flags",
			chain: []descriptor.Effects{{Network: yes, Reversible: yes}, {}},
			want:  descriptor.Effects{Network: yes, Reversible: yes},
		},
		{
			name:  "risk is ORed",
			chain: []descriptor.Effects{{Destructive: no}, {Destructive: yes}},
			want:  descriptor.Effects{Destructive: yes},
		},
		{
			name:  "declared false everywhere stays false",
			chain: []descriptor.Effects{{FilesystemWrite: no}, {FilesystemWrite: no}},
			want:  descriptor.Effects{FilesystemWrite: no},
		},
		{
			name:  "safety is ANDed",
			chain: []descriptor.Effects{{Reversible: yes, Idempotent: yes}, {Reversible: no}},
			want:  descriptor.Effects{Reversible: no, Idempotent: yes},
		},
		{
			name:  "cost takes the maximum",
			chain: []descriptor.Effects{{Cost: descriptor.CostHigh}, {Cost: descriptor.CostLow}, {}},
			want:  descriptor.Effects{Cost: descriptor.CostHigh},
		},
		{
			name: "interactive requirements are ORed",
			chain: []descriptor.Effects{
				{Interactive: &descriptor.Interactive{Stdin: no, TTY: no}},
				{Interactive: &descriptor.Interactive{TTY: yes}},
			},
			want: descriptor.Effects{Interactive: &descriptor.Interactive{Stdin: no, TTY: yes}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := MergeEffects(tt.chain...)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("MergeEffects mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEffectsFor(t *testing.T) {
	t.Parallel()

	d := &descriptor.ToolDescriptor{
		Name:    "git",
		Effects: &descriptor.Effects{FilesystemWrite: yes, Reversible: yes},
		Commands: map[string]*descriptor.CommandNode{
			"push": {
				Effects: &descriptor.Effects{Network: yes},
				Commands: map[string]*descriptor.CommandNode{
					"force": {Effects: &descriptor.Effects{Destructive: yes, Reversible: no}},
				},
			},
		},
	}

	got, err := EffectsFor(d, "push", "force")
	if err != nil {
		t.Fatal(err)
	}
	want := descriptor.Effects{FilesystemWrite: yes, Network: yes, Destructive: yes, Reversible: no}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("EffectsFor mismatch (-want +got):\n%s", diff)
	}

	if _, err := EffectsFor(d, "pull"); err == nil {
		t.Error("expected error for unknown command")
	}
}

func genFlag() gopter.Gen {
	return gen.IntRange(0, 2).Map(func(v int) descriptor.Flag { return descriptor.Flag(v) })
}

func genEffects() gopter.Gen {
	return gopter.CombineGens(
		genFlag(), genFlag(), genFlag(), genFlag(), genFlag(), genFlag(),
		gen.IntRange(0, 4),
	).Map(func(v []any) descriptor.Effects {
		return descriptor.Effects{
			Network:          v[0].(descriptor.Flag),
			Destructive:      v[1].(descriptor.Flag),
			Reversible:       v[2].(descriptor.Flag),
			Idempotent:       v[3].(descriptor.Flag),
			FilesystemWrite:  v[4].(descriptor.Flag),
			FilesystemDelete: v[5].(descriptor.Flag),
			Cost:             descriptor.CostTier(v[6].(int)),
		}
	})
}

func TestMergeEffects_Conservative(t *testing.T) {
	t.Parallel()

	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 500
	properties := gopter.NewProperties(params)

	properties.Property("destructive anywhere is destructive", prop.ForAll(
		func(a, b descriptor.Effects) bool {
			if !a.Destructive.True() && !b.Destructive.True() {
				return true
			}
			return MergeEffects(a, b).Destructive.True() && MergeEffects(b, a).Destructive.True()
		},
		genEffects(), genEffects(),
	))

	properties.Property("non-reversible anywhere is non-reversible", prop.ForAll(
		func(a, b descriptor.Effects) bool {
			if !a.Reversible.False() && !b.Reversible.False() {
				return true
			}
			return MergeEffects(a, b).Reversible.False() && MergeEffects(b, a).Reversible.False()
		},
		genEffects(), genEffects(),
	))

	properties.Property("merge is order independent", prop.ForAll(
		func(a, b, c descriptor.Effects) bool {
			return MergeEffects(a, b, c) == MergeEffects(c, a, b)
		},
		genEffects(), genEffects(), genEffects(),
	))

	properties.Property("merged cost is never below a declared cost", prop.ForAll(
		func(a, b descriptor.Effects) bool {
			m := MergeEffects(a, b)
			return m.Cost >= a.Cost && m.Cost >= b.Cost
		},
		genEffects(), genEffects(),
	))

	properties.TestingRun(t)
}
