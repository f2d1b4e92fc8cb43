// Package graph builds the in-memory resource graph for one
// reconciliation run.  A graph is a pure transform of the declaration
// set: conditional gates are evaluated, references are validated
// against the declared resources, and the dependency edges implied by
// references and explicit depends_on entries are collected.  Building
// never touches a provider or the state store.
package graph

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Declaration is one declared resource as supplied by the loader.
type Declaration struct {
	Type       string
	Name       string
	Attributes map[string]Value

	// When gates the resource: nil means present, false removes the
	// resource (and all of its edges) from the graph.
	When *bool

	// Count is an alternative gate accepting 0 or 1.
	Count *int

	// DependsOn lists explicit ordering dependencies that carry no
	// data.
	DependsOn []Identity
}

// Resource is a declared resource that survived gate evaluation.
type Resource struct {
	Identity
	Attributes map[string]Value
	DependsOn  []Identity
}

// Graph is the validated resource graph for one run.
type Graph struct {
	resources map[Identity]*Resource
	// edges maps a resource to the resources it depends on (references
	// plus explicit depends_on), deduplicated and sorted.
	edges map[Identity][]Identity
}

// ValidationError reports a malformed declaration or a reference that
// does not resolve to a declared resource.
type ValidationError struct {
	Subject Identity
	Detail  string
}

func (e *ValidationError) Error() string {
	if e.Subject == (Identity{}) {
		return "invalid declarations: " + e.Detail
	}
	return fmt.Sprintf("invalid declaration %s: %s", e.Subject, e.Detail)
}

// CycleError reports a reference cycle.  Members holds every resource
// participating in the cycle, sorted by address.
type CycleError struct {
	Members []Identity
}

func (e *CycleError) Error() string {
	addrs := make([]string, len(e.Members))
	for i, m := range e.Members {
		addrs[i] = m.String()
	}
	return "dependency cycle between " + strings.Join(addrs, ", ")
}

var identPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_-]*$`)

// Build validates a declaration set and returns the resource graph.
// It fails with *ValidationError for malformed declarations or
// unresolvable references, and with *CycleError when the dependency
// edges form a cycle.
func Build(decls []Declaration) (*Graph, error) {
	// Gate evaluation first: an absent resource contributes no node
	// and no edges, but its address is remembered so references to it
	// produce a clearer error.
	declared := make(map[Identity]bool, len(decls))
	gatedOff := make(map[Identity]bool)

	g := &Graph{
		resources: make(map[Identity]*Resource, len(decls)),
		edges:     make(map[Identity][]Identity),
	}

	for _, d := range decls {
		id := Identity{Type: d.Type, Name: d.Name}
		if !identPattern.MatchString(d.Type) || !identPattern.MatchString(d.Name) {
			return nil, &ValidationError{Subject: id, Detail: "type and name must match [a-zA-Z_][a-zA-Z0-9_-]*"}
		}
		if declared[id] {
			return nil, &ValidationError{Subject: id, Detail: "declared more than once"}
		}
		declared[id] = true

		present, err := evalGate(d)
		if err != nil {
			return nil, &ValidationError{Subject: id, Detail: err.Error()}
		}
		if !present {
			gatedOff[id] = true
			continue
		}

		g.resources[id] = &Resource{
			Identity:   id,
			Attributes: d.Attributes,
			DependsOn:  d.DependsOn,
		}
	}

	// Edge collection and reference validation.
	for id, res := range g.resources {
		seen := make(map[Identity]bool)
		var deps []Identity

		for _, ref := range References(res.Attributes) {
			if gatedOff[ref.Target] {
				return nil, &ValidationError{Subject: id, Detail: fmt.Sprintf("references %s, which is disabled by its gate", ref.Target)}
			}
			if _, ok := g.resources[ref.Target]; !ok {
				return nil, &ValidationError{Subject: id, Detail: fmt.Sprintf("references undeclared resource %s", ref.Target)}
			}
			if ref.Target == id {
				return nil, &CycleError{Members: []Identity{id}}
			}
			if !seen[ref.Target] {
				seen[ref.Target] = true
				deps = append(deps, ref.Target)
			}
		}

		for _, dep := range res.DependsOn {
			if gatedOff[dep] {
				// An ordering constraint against an absent resource
				// constrains nothing.
				continue
			}
			if _, ok := g.resources[dep]; !ok {
				return nil, &ValidationError{Subject: id, Detail: fmt.Sprintf("depends_on undeclared resource %s", dep)}
			}
			if dep == id {
				return nil, &CycleError{Members: []Identity{id}}
			}
			if !seen[dep] {
				seen[dep] = true
				deps = append(deps, dep)
			}
		}

		sort.Slice(deps, func(i, j int) bool { return deps[i].String() < deps[j].String() })
		g.edges[id] = deps
	}

	if cycle := findCycle(g.edges); len(cycle) > 0 {
		return nil, &CycleError{Members: cycle}
	}

	return g, nil
}

func evalGate(d Declaration) (bool, error) {
	if d.When != nil && d.Count != nil {
		return false, fmt.Errorf("both 'when' and 'count' are set")
	}
	if d.When != nil {
		return *d.When, nil
	}
	if d.Count != nil {
		switch *d.Count {
		case 0:
			return false, nil
		case 1:
			return true, nil
		default:
			return false, fmt.Errorf("count must be 0 or 1, got %d", *d.Count)
		}
	}
	return true, nil
}

// findCycle returns the members of one dependency cycle, or nil when
// the edges form a DAG.  Iteration order is made deterministic so the
// reported cycle is stable.
func findCycle(edges map[Identity][]Identity) []Identity {
	const (
		white = 0 // unvisited
		grey  = 1 // on the current DFS path
		black = 2 // fully explored
	)
	color := make(map[Identity]int, len(edges))
	var stack []Identity

	ids := make([]Identity, 0, len(edges))
	for id := range edges {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	var visit func(Identity) []Identity
	visit = func(id Identity) []Identity {
		color[id] = grey
		stack = append(stack, id)
		for _, dep := range edges[id] {
			switch color[dep] {
			case grey:
				// Everything on the stack from dep onwards is the cycle.
				var members []Identity
				for i := len(stack) - 1; i >= 0; i-- {
					members = append(members, stack[i])
					if stack[i] == dep {
						break
					}
				}
				sort.Slice(members, func(i, j int) bool { return members[i].String() < members[j].String() })
				return members
			case white:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	for _, id := range ids {
		if color[id] == white {
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// Resource returns the resource with the given identity, if present.
func (g *Graph) Resource(id Identity) (*Resource, bool) {
	r, ok := g.resources[id]
	return r, ok
}

// Resources returns every resource in the graph, sorted by address.
func (g *Graph) Resources() []*Resource {
	out := make([]*Resource, 0, len(g.resources))
	for _, r := range g.resources {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity.String() < out[j].Identity.String() })
	return out
}

// Dependencies returns the identities id depends on, sorted.
func (g *Graph) Dependencies(id Identity) []Identity {
	return g.edges[id]
}

// Len returns the number of resources in the graph.
func (g *Graph) Len() int {
	return len(g.resources)
}

// Empty returns a graph with no resources, used by destroy runs.
func Empty() *Graph {
	return &Graph{
		resources: make(map[Identity]*Resource),
		edges:     make(map[Identity][]Identity),
	}
}
