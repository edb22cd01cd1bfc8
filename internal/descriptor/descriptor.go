// Package descriptor defines the tool metadata model: the command tree a
// tool exposes, its declared side effects and its trust record. Documents
// are validated against an embedded JSON Schema before their shape is
// trusted.
package descriptor

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Argument describes a positional argument or an option of a command.
type Argument struct {
	Name        string   `json:"name"`
	Type        string   `json:"type,omitempty"`
	Required    bool     `json:"required,omitempty"`
	Enum        []string `json:"enum,omitempty"`
	Description string   `json:"description,omitempty"`
}

// CommandNode is one node in a tool's command tree. Children are keyed by
// name, so names are unique per level.
type CommandNode struct {
	Description string                  `json:"description,omitempty"`
	Commands    map[string]*CommandNode `json:"commands,omitempty"`
	Arguments   []Argument              `json:"arguments,omitempty"`
	Options     []Argument              `json:"options,omitempty"`
	Effects     *Effects                `json:"effects,omitempty"`
}

// ToolDescriptor is the capability metadata of one tool. Discovery fields
// (Path, ContentHash, DocumentHash, DiscoveredAt) are stamped by the prober
// or scheduler and are not part of the document a tool emits.
type ToolDescriptor struct {
	Name        string                  `json:"name"`
	Version     string                  `json:"version,omitempty"`
	Description string                  `json:"description,omitempty"`
	Commands    map[string]*CommandNode `json:"commands,omitempty"`
	Options     []Argument              `json:"options,omitempty"`
	Effects     *Effects                `json:"effects,omitempty"`
	Trust       *TrustMetadata          `json:"trust,omitempty"`

	Path         string    `json:"path,omitempty"`
	ContentHash  string    `json:"contentHash,omitempty"`
	DocumentHash string    `json:"documentHash,omitempty"`
	DiscoveredAt time.Time `json:"discoveredAt,omitzero"`
}

// Lookup returns the node at the given command path.
func (d *ToolDescriptor) Lookup(path ...string) (*CommandNode, error) {
	nodes, err := d.chain(path)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return &CommandNode{
			Description: d.Description,
			Commands:    d.Commands,
			Options:     d.Options,
			Effects:     d.Effects,
		}, nil
	}
	return nodes[len(nodes)-1], nil
}

// EffectsChain returns the declared effects along the command path, tool
// level first. Levels that declare nothing are skipped.
func (d *ToolDescriptor) EffectsChain(path ...string) ([]Effects, error) {
	nodes, err := d.chain(path)
	if err != nil {
		return nil, err
	}
	chain := make([]Effects, 0, len(nodes)+1)
	if d.Effects != nil {
		chain = append(chain, *d.Effects)
	}
	for _, n := range nodes {
		if n.Effects != nil {
			chain = append(chain, *n.Effects)
		}
	}
	return chain, nil
}

func (d *ToolDescriptor) chain(path []string) ([]*CommandNode, error) {
	nodes := make([]*CommandNode, 0, len(path))
	children := d.Commands
	for i, name := range path {
		next, ok := children[name]
		if !ok || next == nil {
			return nil, fmt.Errorf("%w: %s %s", ErrUnknownCommand, d.Name, strings.Join(path[:i+1], " "))
		}
		nodes = append(nodes, next)
		children = next.Commands
	}
	return nodes, nil
}

// CommandPaths lists every command path in the tree, depth first, sorted by name.
func (d *ToolDescriptor) CommandPaths() [][]string {
	var out [][]string
	var walk func(prefix []string, children map[string]*CommandNode)
	walk = func(prefix []string, children map[string]*CommandNode) {
		names := make([]string, 0, len(children))
		for name := range children {
			names = append(names, name)
		}
		slices.Sort(names)
		for _, name := range names {
			p := append(slices.Clone(prefix), name)
			out = append(out, p)
			if node := children[name]; node != nil {
				walk(p, node.Commands)
			}
		}
	}
	walk(nil, d.Commands)
	return out
}

// Clone returns a deep copy.
func (d *ToolDescriptor) Clone() *ToolDescriptor {
	if d == nil {
		return nil
	}
	data, err := json.Marshal(d)
	if err != nil {
		panic(fmt.Sprintf("descriptor: clone %s: %v", d.Name, err))
	}
	var cp ToolDescriptor
	if err := json.Unmarshal(data, &cp); err != nil {
		panic(fmt.Sprintf("descriptor: clone %s: %v", d.Name, err))
	}
	return &cp
}
