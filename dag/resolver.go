// Package dag turns a requested entity or task into an ordered execution plan.
//
// Entity plans follow the registry's entity → producer table and each entity's
// imports. Task plans follow each task's Dependencies(pk) declaration, which
// also carries the primary keys each dependency must run with. Both fail fast:
// a missing producer or a cycle aborts planning before anything runs.
package dag

import (
	"sort"
	"strings"

	"github.com/teranos/lake/errors"
	"github.com/teranos/lake/plugin"
)

// Resolver builds plans from a registry. It performs no I/O.
type Resolver struct {
	registry *plugin.Registry
}

// NewResolver creates a resolver over registry
func NewResolver(registry *plugin.Registry) *Resolver {
	return &Resolver{registry: registry}
}

// ResolveEntity plans the producer of entity preceded by the producers of
// everything it imports, transitively. Every step runs with pk.
func (r *Resolver) ResolveEntity(entity string, pk plugin.PrimaryKeys) (*Plan, error) {
	return r.ResolveEntities(pk, entity)
}

// ResolveEntities merges the plans of several entities; shared producers run once.
func (r *Resolver) ResolveEntities(pk plugin.PrimaryKeys, entities ...string) (*Plan, error) {
	g := newGraph()
	resolved := make(map[string]*node)
	onStack := make(map[string]bool)
	var stack []string

	var visit func(entity, requiredBy string) (*node, error)
	visit = func(entity, requiredBy string) (*node, error) {
		if n, ok := resolved[entity]; ok {
			return n, nil
		}
		if onStack[entity] {
			return nil, errors.WithStack(&CyclicDependencyError{Path: entityCycle(stack, entity)})
		}

		ref, ok := r.registry.Producer(entity)
		if !ok {
			return nil, errors.WithStack(&MissingProducerError{Entity: entity, RequiredBy: requiredBy})
		}

		onStack[entity] = true
		stack = append(stack, entity)

		var deps []*node
		for _, imported := range r.registry.Imports(entity) {
			dep, err := visit(imported, entity)
			if err != nil {
				return nil, err
			}
			deps = append(deps, dep)
		}

		stack = stack[:len(stack)-1]
		delete(onStack, entity)

		n := g.add(ref, pk)
		for _, dep := range deps {
			g.edge(n, dep)
		}
		resolved[entity] = n
		return n, nil
	}

	for _, entity := range entities {
		if _, err := visit(entity, ""); err != nil {
			return nil, err
		}
	}
	return g.plan()
}

// ResolveTask plans ref with pk preceded by its declared dependencies.
// Dependency keys without a "/" resolve within the declaring task's plugin.
func (r *Resolver) ResolveTask(ref plugin.TaskRef, pk plugin.PrimaryKeys) (*Plan, error) {
	g := newGraph()
	onStack := make(map[string]bool)
	var stack []plugin.TaskRef

	var visit func(ref plugin.TaskRef, pk plugin.PrimaryKeys, requiredBy string) (*node, error)
	visit = func(ref plugin.TaskRef, pk plugin.PrimaryKeys, requiredBy string) (*node, error) {
		id := stepID(ref, pk)
		if onStack[id] {
			return nil, errors.WithStack(&CyclicDependencyError{Path: taskCycle(stack, ref)})
		}
		if n, ok := g.nodes[id]; ok {
			return n, nil
		}

		task, ok := r.registry.Task(ref)
		if !ok {
			return nil, errors.WithStack(&MissingProducerError{Entity: ref.String(), RequiredBy: requiredBy})
		}

		onStack[id] = true
		stack = append(stack, ref)

		declared := task.Dependencies(pk)
		keys := make([]string, 0, len(declared))
		for key := range declared {
			keys = append(keys, key)
		}
		// map order is random; plans must be deterministic
		sort.Strings(keys)

		var deps []*node
		for _, key := range keys {
			depRef, err := plugin.ParseRef(key, ref.Plugin)
			if err != nil {
				return nil, errors.Wrapf(err, "dependency of %s", ref)
			}
			dep, err := visit(depRef, declared[key], ref.String())
			if err != nil {
				return nil, err
			}
			deps = append(deps, dep)
		}

		stack = stack[:len(stack)-1]
		delete(onStack, id)

		n := g.add(ref, pk)
		for _, dep := range deps {
			g.edge(n, dep)
		}
		return n, nil
	}

	if _, err := visit(ref, pk, ""); err != nil {
		return nil, err
	}
	return g.plan()
}

// ResolveTarget plans a "plugin/task" reference or an entity name.
func (r *Resolver) ResolveTarget(target string, pk plugin.PrimaryKeys) (*Plan, error) {
	if strings.Contains(target, "/") {
		ref, err := plugin.ParseRef(target, "")
		if err != nil {
			return nil, err
		}
		return r.ResolveTask(ref, pk)
	}
	return r.ResolveEntity(target, pk)
}

func entityCycle(stack []string, repeated string) []string {
	for i, e := range stack {
		if e == repeated {
			return append(append([]string(nil), stack[i:]...), repeated)
		}
	}
	return []string{repeated, repeated}
}

func taskCycle(stack []plugin.TaskRef, repeated plugin.TaskRef) []string {
	start := 0
	for i, ref := range stack {
		if ref == repeated {
			start = i
			break
		}
	}
	out := make([]string, 0, len(stack)-start+1)
	for _, ref := range stack[start:] {
		out = append(out, ref.String())
	}
	return append(out, repeated.String())
}
