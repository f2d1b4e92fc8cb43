// Package plan orders a change set into a dependency-respecting
// execution plan.  Creates and updates wait for the resources they
// depend on; deletes run in the reverse direction, so a dependent is
// always removed before the resource it referenced.  A replacement is
// a single scheduled unit (delete-then-create by default,
// create-then-delete when the provider opts in), never two
// independently-ordered halves.
package plan

import (
	"fmt"
	"io"
	"sort"

	"github.com/terrpan/reconcile/internal/diff"
	"github.com/terrpan/reconcile/internal/graph"
)

// Node is one scheduled change together with its execution-order
// dependencies.
type Node struct {
	Change diff.Change

	// DependsOn lists the changes that must reach a terminal outcome
	// before this change may dispatch.
	DependsOn []graph.Identity
}

// Plan is the execution plan for one run.  Nodes are topologically
// sorted, deterministic for identical inputs.
type Plan struct {
	Nodes []*Node

	byID map[graph.Identity]*Node
}

// Summary counts changes by action.
type Summary struct {
	Create  int
	Update  int
	Replace int
	Delete  int
	NoOp    int
}

// Build converts a change set into an execution plan.  The change set
// comes from a validated graph, so a cycle here means the graph
// builder missed one; it is still reported as *graph.CycleError rather
// than silently producing a partial order.
func Build(changes []diff.Change) (*Plan, error) {
	p := &Plan{byID: make(map[graph.Identity]*Node, len(changes))}

	nodes := make([]*Node, 0, len(changes))
	for _, c := range changes {
		n := &Node{Change: c}
		nodes = append(nodes, n)
		p.byID[c.Identity] = n
	}

	for _, n := range nodes {
		n.DependsOn = dependsOn(n, nodes, p.byID)
	}

	sorted, err := topoSort(nodes)
	if err != nil {
		return nil, err
	}
	p.Nodes = sorted
	return p, nil
}

// dependsOn computes the execution-order dependencies for one node.
func dependsOn(n *Node, all []*Node, byID map[graph.Identity]*Node) []graph.Identity {
	var deps []graph.Identity
	seen := make(map[graph.Identity]bool)

	add := func(id graph.Identity) {
		if _, ok := byID[id]; !ok || id == n.Change.Identity || seen[id] {
			return
		}
		seen[id] = true
		deps = append(deps, id)
	}

	if n.Change.Action == diff.ActionDelete {
		// Reverse edges: every change whose resource depends (or
		// depended, per its state record) on this one must commit
		// first.
		for _, other := range all {
			if dependedOn(other, n.Change.Identity) {
				add(other.Change.Identity)
			}
		}
	} else {
		for _, id := range n.Change.Dependencies {
			add(id)
		}
	}

	sort.Slice(deps, func(i, j int) bool { return deps[i].String() < deps[j].String() })
	return deps
}

// dependedOn reports whether change other depends on id, either in its
// desired dependencies or in the dependencies recorded at its last
// apply.
func dependedOn(other *Node, id graph.Identity) bool {
	for _, dep := range other.Change.Dependencies {
		if dep == id {
			return true
		}
	}
	if other.Change.Old != nil {
		for _, dep := range other.Change.Old.Dependencies {
			if dep == id {
				return true
			}
		}
	}
	return false
}

// topoSort orders nodes so every dependency precedes its dependents.
// Ready nodes are processed in address order for determinism.
func topoSort(nodes []*Node) ([]*Node, error) {
	indegree := make(map[graph.Identity]int, len(nodes))
	dependents := make(map[graph.Identity][]*Node, len(nodes))

	for _, n := range nodes {
		indegree[n.Change.Identity] = len(n.DependsOn)
		for _, dep := range n.DependsOn {
			dependents[dep] = append(dependents[dep], n)
		}
	}

	var ready []*Node
	for _, n := range nodes {
		if indegree[n.Change.Identity] == 0 {
			ready = append(ready, n)
		}
	}

	sorted := make([]*Node, 0, len(nodes))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool {
			return ready[i].Change.Identity.String() < ready[j].Change.Identity.String()
		})
		n := ready[0]
		ready = ready[1:]
		sorted = append(sorted, n)

		for _, dep := range dependents[n.Change.Identity] {
			indegree[dep.Change.Identity]--
			if indegree[dep.Change.Identity] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(sorted) != len(nodes) {
		var members []graph.Identity
		for _, n := range nodes {
			if indegree[n.Change.Identity] > 0 {
				members = append(members, n.Change.Identity)
			}
		}
		sort.Slice(members, func(i, j int) bool { return members[i].String() < members[j].String() })
		return nil, &graph.CycleError{Members: members}
	}
	return sorted, nil
}

// Node returns the scheduled node for id, if present.
func (p *Plan) Node(id graph.Identity) (*Node, bool) {
	n, ok := p.byID[id]
	return n, ok
}

// Summary tallies the plan by action.
func (p *Plan) Summary() Summary {
	var s Summary
	for _, n := range p.Nodes {
		switch n.Change.Action {
		case diff.ActionCreate:
			s.Create++
		case diff.ActionUpdate:
			s.Update++
		case diff.ActionReplace:
			s.Replace++
		case diff.ActionDelete:
			s.Delete++
		case diff.ActionNoOp:
			s.NoOp++
		}
	}
	return s
}

// HasChanges reports whether the plan contains anything besides no-ops.
func (p *Plan) HasChanges() bool {
	s := p.Summary()
	return s.Create+s.Update+s.Replace+s.Delete > 0
}

// Render writes a human-readable plan listing to w.
func (p *Plan) Render(w io.Writer) {
	for _, n := range p.Nodes {
		var marker string
		switch n.Change.Action {
		case diff.ActionCreate:
			marker = "  +"
		case diff.ActionUpdate:
			marker = "  ~"
		case diff.ActionReplace:
			if n.Change.CreateBeforeDestroy {
				marker = "+/-"
			} else {
				marker = "-/+"
			}
		case diff.ActionDelete:
			marker = "  -"
		case diff.ActionNoOp:
			marker = "   "
		}
		fmt.Fprintf(w, "%s %s\n", marker, n.Change.Identity)
	}

	s := p.Summary()
	fmt.Fprintf(w, "\nPlan: %d to create, %d to update, %d to replace, %d to delete, %d unchanged.\n",
		s.Create, s.Update, s.Replace, s.Delete, s.NoOp)
}
