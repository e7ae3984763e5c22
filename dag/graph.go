package dag

import (
	"github.com/teranos/lake/errors"
	"github.com/teranos/lake/plugin"
)

type node struct {
	id   string
	ref  plugin.TaskRef
	keys plugin.PrimaryKeys
	deps []string // ids, insertion order, unique
}

// graph collects steps and their dependency edges before ordering them.
type graph struct {
	nodes map[string]*node
	order []string // node ids in insertion order
}

func newGraph() *graph {
	return &graph{nodes: make(map[string]*node)}
}

// add inserts a node if absent and returns it
func (g *graph) add(ref plugin.TaskRef, pk plugin.PrimaryKeys) *node {
	id := stepID(ref, pk)
	if n, ok := g.nodes[id]; ok {
		return n
	}
	n := &node{id: id, ref: ref, keys: pk}
	g.nodes[id] = n
	g.order = append(g.order, id)
	return n
}

// edge records that from depends on to. Self edges are dropped: a task
// producing two entities, one importing the other, does not depend on itself.
func (g *graph) edge(from, to *node) {
	if from.id == to.id {
		return
	}
	for _, d := range from.deps {
		if d == to.id {
			return
		}
	}
	from.deps = append(from.deps, to.id)
}

// plan orders nodes so dependencies come first, using depth-first search with
// temporary (on the current path) and permanent (fully ordered) marks.
func (g *graph) plan() (*Plan, error) {
	permanent := make(map[string]int) // id -> step index
	temporary := make(map[string]bool)
	var path []string
	plan := &Plan{}

	var visit func(n *node) error
	visit = func(n *node) error {
		if _, done := permanent[n.id]; done {
			return nil
		}
		if temporary[n.id] {
			return errors.WithStack(&CyclicDependencyError{Path: cyclePath(path, n.id, g)})
		}

		temporary[n.id] = true
		path = append(path, n.id)

		deps := make([]int, 0, len(n.deps))
		for _, depID := range n.deps {
			dep := g.nodes[depID]
			if err := visit(dep); err != nil {
				return err
			}
			deps = append(deps, permanent[depID])
		}

		path = path[:len(path)-1]
		delete(temporary, n.id)

		permanent[n.id] = len(plan.Steps)
		plan.Steps = append(plan.Steps, Step{Ref: n.ref, Keys: n.keys, DependsOn: deps})
		return nil
	}

	for _, id := range g.order {
		if err := visit(g.nodes[id]); err != nil {
			return nil, err
		}
	}
	return plan, nil
}

// cyclePath renders the cycle from the first occurrence of repeated to the end of path
func cyclePath(path []string, repeated string, g *graph) []string {
	start := 0
	for i, id := range path {
		if id == repeated {
			start = i
			break
		}
	}
	out := make([]string, 0, len(path)-start+1)
	for _, id := range path[start:] {
		out = append(out, g.nodes[id].ref.String())
	}
	return append(out, g.nodes[repeated].ref.String())
}
