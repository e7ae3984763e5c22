package dag

import (
	"fmt"
	"strings"

	"github.com/teranos/lake/plugin"
)

// Step is one task invocation in a plan
type Step struct {
	Ref  plugin.TaskRef
	Keys plugin.PrimaryKeys
	// DependsOn holds indexes of earlier steps this one depends on
	DependsOn []int
}

// ID identifies a step by task and scope
func (s Step) ID() string {
	return stepID(s.Ref, s.Keys)
}

func stepID(ref plugin.TaskRef, pk plugin.PrimaryKeys) string {
	return ref.String() + "@" + pk.Identity()
}

// Plan is an ordered list of steps. Every step's transitive dependencies
// appear before it and no (task, scope) pair appears twice.
type Plan struct {
	Steps []Step
}

// Len returns the number of steps
func (p *Plan) Len() int {
	return len(p.Steps)
}

// Refs returns step task references in plan order
func (p *Plan) Refs() []plugin.TaskRef {
	refs := make([]plugin.TaskRef, len(p.Steps))
	for i, s := range p.Steps {
		refs[i] = s.Ref
	}
	return refs
}

// Index returns the position of the first step running ref, or -1
func (p *Plan) Index(ref plugin.TaskRef) int {
	for i, s := range p.Steps {
		if s.Ref == ref {
			return i
		}
	}
	return -1
}

// Plugins returns the distinct plugins in the plan, in order of first appearance
func (p *Plan) Plugins() []string {
	seen := make(map[string]bool)
	var names []string
	for _, s := range p.Steps {
		if !seen[s.Ref.Plugin] {
			seen[s.Ref.Plugin] = true
			names = append(names, s.Ref.Plugin)
		}
	}
	return names
}

func (p *Plan) String() string {
	var b strings.Builder
	for i, s := range p.Steps {
		fmt.Fprintf(&b, "%d. %s %s", i+1, s.Ref, s.Keys.Identity())
		if len(s.DependsOn) > 0 {
			deps := make([]string, len(s.DependsOn))
			for j, d := range s.DependsOn {
				deps[j] = fmt.Sprint(d + 1)
			}
			fmt.Fprintf(&b, " (after %s)", strings.Join(deps, ", "))
		}
		b.WriteByte('\n')
	}
	return b.String()
}
