package graph

import (
	"fmt"
	"strings"
)

// Identity uniquely names a declared resource: a resource type plus a
// logical name (e.g. "docker_container.web").
type Identity struct {
	Type string `json:"type" yaml:"type"`
	Name string `json:"name" yaml:"name"`
}

func (id Identity) String() string {
	return id.Type + "." + id.Name
}

// ParseIdentity parses a "type.name" address into an Identity.
func ParseIdentity(s string) (Identity, error) {
	parts := strings.SplitN(s, ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Identity{}, fmt.Errorf("invalid resource address %q (want type.name)", s)
	}
	return Identity{Type: parts[0], Name: parts[1]}, nil
}

// Value is an attribute value in a resource declaration.  It is a
// closed set: Literal, Reference, List, or Mapping.  References defer
// to another resource's output and are resolved only once that output
// is known, never statically.
type Value interface {
	value()
}

// Literal is a plain scalar: string, number, or bool.
type Literal struct {
	V any
}

// Reference points at an output attribute of another resource.  Path
// addresses nested mappings (e.g. ["network", "ip"]).
type Reference struct {
	Target Identity
	Path   []string
}

// List is an ordered sequence of values.
type List struct {
	Items []Value
}

// Mapping is a string-keyed collection of values.
type Mapping struct {
	Entries map[string]Value
}

func (Literal) value()   {}
func (Reference) value() {}
func (List) value()      {}
func (Mapping) value()   {}

func (r Reference) String() string {
	addr := r.Target.String()
	if len(r.Path) > 0 {
		addr += "." + strings.Join(r.Path, ".")
	}
	return "${" + addr + "}"
}

// ParseReference parses a "${type.name.attr[.nested]}" expression.  The
// second return value is false when s is not a reference expression at
// all; a malformed reference returns an error.
func ParseReference(s string) (Reference, bool, error) {
	if !strings.HasPrefix(s, "${") {
		if strings.Contains(s, "${") {
			return Reference{}, false, fmt.Errorf("embedded reference in %q: a reference must be the entire value", s)
		}
		return Reference{}, false, nil
	}
	if !strings.HasSuffix(s, "}") {
		return Reference{}, false, fmt.Errorf("unterminated reference %q", s)
	}
	inner := s[2 : len(s)-1]
	if strings.Contains(inner, "${") {
		return Reference{}, false, fmt.Errorf("embedded reference in %q: a reference must be the entire value", s)
	}
	parts := strings.Split(inner, ".")
	if len(parts) < 3 {
		return Reference{}, false, fmt.Errorf("invalid reference %q (want ${type.name.attr})", s)
	}
	for _, p := range parts {
		if p == "" {
			return Reference{}, false, fmt.Errorf("invalid reference %q (empty path segment)", s)
		}
	}
	return Reference{
		Target: Identity{Type: parts[0], Name: parts[1]},
		Path:   parts[2:],
	}, true, nil
}

// referencesIn appends every Reference reachable from v.
func referencesIn(v Value, out []Reference) []Reference {
	switch tv := v.(type) {
	case Reference:
		return append(out, tv)
	case List:
		for _, item := range tv.Items {
			out = referencesIn(item, out)
		}
	case Mapping:
		for _, entry := range tv.Entries {
			out = referencesIn(entry, out)
		}
	}
	return out
}

// References returns every reference contained in an attribute set.
func References(attrs map[string]Value) []Reference {
	var refs []Reference
	for _, v := range attrs {
		refs = referencesIn(v, refs)
	}
	return refs
}

// OutputSource supplies resolved outputs of already-applied resources.
// The bool result reports whether the output is known.
type OutputSource interface {
	Output(id Identity, path []string) (any, bool)
}

// ResolveValue resolves v against src.  The bool result is false when
// any reference inside v is not yet known; unknown references resolve
// to nil so callers can still inspect the partially-resolved shape.
func ResolveValue(v Value, src OutputSource) (any, bool) {
	switch tv := v.(type) {
	case Literal:
		return tv.V, true
	case Reference:
		out, ok := src.Output(tv.Target, tv.Path)
		if !ok {
			return nil, false
		}
		return out, true
	case List:
		items := make([]any, len(tv.Items))
		complete := true
		for i, item := range tv.Items {
			resolved, ok := ResolveValue(item, src)
			items[i] = resolved
			complete = complete && ok
		}
		return items, complete
	case Mapping:
		entries := make(map[string]any, len(tv.Entries))
		complete := true
		for k, entry := range tv.Entries {
			resolved, ok := ResolveValue(entry, src)
			entries[k] = resolved
			complete = complete && ok
		}
		return entries, complete
	default:
		return nil, false
	}
}

// ResolveAttributes resolves a whole attribute set against src.  The
// bool result is false when any reference remained unknown.
func ResolveAttributes(attrs map[string]Value, src OutputSource) (map[string]any, bool) {
	resolved := make(map[string]any, len(attrs))
	complete := true
	for k, v := range attrs {
		rv, ok := ResolveValue(v, src)
		resolved[k] = rv
		complete = complete && ok
	}
	return resolved, complete
}

// LookupPath walks a nested output structure along path.  An empty path
// returns v itself.
func LookupPath(v any, path []string) (any, bool) {
	for _, seg := range path {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return v, true
}
