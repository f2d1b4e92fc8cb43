package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func boolPtr(b bool) *bool { return &b }
func intPtr(i int) *int    { return &i }

func decl(typ, name string, attrs map[string]Value) Declaration {
	return Declaration{Type: typ, Name: name, Attributes: attrs}
}

func ref(addr string) Value {
	r, ok, err := ParseReference("${" + addr + "}")
	if err != nil || !ok {
		panic("bad test reference: " + addr)
	}
	return r
}

// ---------------------------------------------------------------------------
// Reference parsing
// ---------------------------------------------------------------------------

func TestParseReference(t *testing.T) {
	r, ok, err := ParseReference("${mem_object.log_group.id}")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Identity{Type: "mem_object", Name: "log_group"}, r.Target)
	assert.Equal(t, []string{"id"}, r.Path)

	r, ok, err = ParseReference("${mem_object.net.config.ip}")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"config", "ip"}, r.Path)
}

func TestParseReference_NotAReference(t *testing.T) {
	_, ok, err := ParseReference("plain string")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestParseReference_Malformed(t *testing.T) {
	for _, s := range []string{
		"${unterminated",
		"${too.short}",
		"${a.b.}",
		"prefix-${mem_object.x.id}",
		"${${nested.a.b}}",
	} {
		_, _, err := ParseReference(s)
		assert.Error(t, err, "expected error for %q", s)
	}
}

// ---------------------------------------------------------------------------
// Graph building
// ---------------------------------------------------------------------------

func TestBuild_EdgesFromReferencesAndDependsOn(t *testing.T) {
	g, err := Build([]Declaration{
		decl("mem_object", "log_group", map[string]Value{"retention": Literal{30}}),
		decl("mem_object", "role", nil),
		{
			Type: "mem_object",
			Name: "project",
			Attributes: map[string]Value{
				"log_group_id": ref("mem_object.log_group.id"),
			},
			DependsOn: []Identity{{Type: "mem_object", Name: "role"}},
		},
	})
	require.NoError(t, err)
	require.Equal(t, 3, g.Len())

	deps := g.Dependencies(Identity{Type: "mem_object", Name: "project"})
	require.Len(t, deps, 2)
	assert.Equal(t, "mem_object.log_group", deps[0].String())
	assert.Equal(t, "mem_object.role", deps[1].String())

	assert.Empty(t, g.Dependencies(Identity{Type: "mem_object", Name: "log_group"}))
}

func TestBuild_DuplicateDeclaration(t *testing.T) {
	_, err := Build([]Declaration{
		decl("mem_object", "a", nil),
		decl("mem_object", "a", nil),
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "mem_object.a", verr.Subject.String())
}

func TestBuild_UndeclaredReference(t *testing.T) {
	_, err := Build([]Declaration{
		decl("mem_object", "a", map[string]Value{
			"x": ref("mem_object.ghost.id"),
		}),
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Error(), "mem_object.ghost")
}

func TestBuild_GateFiltersResource(t *testing.T) {
	g, err := Build([]Declaration{
		decl("mem_object", "a", nil),
		{Type: "mem_object", Name: "b", When: boolPtr(false)},
		{Type: "mem_object", Name: "c", Count: intPtr(0)},
		{Type: "mem_object", Name: "d", Count: intPtr(1)},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, g.Len())
	_, ok := g.Resource(Identity{Type: "mem_object", Name: "b"})
	assert.False(t, ok)
	_, ok = g.Resource(Identity{Type: "mem_object", Name: "d"})
	assert.True(t, ok)
}

func TestBuild_ReferenceToGatedOffResource(t *testing.T) {
	_, err := Build([]Declaration{
		{Type: "mem_object", Name: "sg", When: boolPtr(false)},
		decl("mem_object", "project", map[string]Value{
			"sg_id": ref("mem_object.sg.id"),
		}),
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Error(), "disabled by its gate")
}

func TestBuild_DependsOnGatedOffResourceIsDropped(t *testing.T) {
	g, err := Build([]Declaration{
		{Type: "mem_object", Name: "sg", When: boolPtr(false)},
		{
			Type:      "mem_object",
			Name:      "project",
			DependsOn: []Identity{{Type: "mem_object", Name: "sg"}},
		},
	})
	require.NoError(t, err)
	assert.Empty(t, g.Dependencies(Identity{Type: "mem_object", Name: "project"}))
}

func TestBuild_InvalidGate(t *testing.T) {
	_, err := Build([]Declaration{
		{Type: "mem_object", Name: "a", Count: intPtr(3)},
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Error(), "count must be 0 or 1")
}

// ---------------------------------------------------------------------------
// Cycle detection
// ---------------------------------------------------------------------------

func TestBuild_CycleNamesMembers(t *testing.T) {
	_, err := Build([]Declaration{
		decl("mem_object", "a", map[string]Value{"x": ref("mem_object.b.id")}),
		decl("mem_object", "b", map[string]Value{"x": ref("mem_object.a.id")}),
	})
	var cerr *CycleError
	require.ErrorAs(t, err, &cerr)
	require.Len(t, cerr.Members, 2)
	assert.Equal(t, "mem_object.a", cerr.Members[0].String())
	assert.Equal(t, "mem_object.b", cerr.Members[1].String())
}

func TestBuild_SelfReference(t *testing.T) {
	_, err := Build([]Declaration{
		decl("mem_object", "a", map[string]Value{"x": ref("mem_object.a.id")}),
	})
	var cerr *CycleError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, []Identity{{Type: "mem_object", Name: "a"}}, cerr.Members)
}

func TestBuild_ThreeNodeCycleThroughDependsOn(t *testing.T) {
	_, err := Build([]Declaration{
		{Type: "mem_object", Name: "a", DependsOn: []Identity{{Type: "mem_object", Name: "b"}}},
		{Type: "mem_object", Name: "b", DependsOn: []Identity{{Type: "mem_object", Name: "c"}}},
		{Type: "mem_object", Name: "c", DependsOn: []Identity{{Type: "mem_object", Name: "a"}}},
	})
	var cerr *CycleError
	require.ErrorAs(t, err, &cerr)
	assert.Len(t, cerr.Members, 3)
}

func TestBuild_DiamondIsNotACycle(t *testing.T) {
	g, err := Build([]Declaration{
		decl("mem_object", "base", nil),
		decl("mem_object", "left", map[string]Value{"x": ref("mem_object.base.id")}),
		decl("mem_object", "right", map[string]Value{"x": ref("mem_object.base.id")}),
		decl("mem_object", "top", map[string]Value{
			"l": ref("mem_object.left.id"),
			"r": ref("mem_object.right.id"),
		}),
	})
	require.NoError(t, err)
	assert.Equal(t, 4, g.Len())
}

// ---------------------------------------------------------------------------
// Value resolution
// ---------------------------------------------------------------------------

type mapSource map[string]map[string]any

func (m mapSource) Output(id Identity, path []string) (any, bool) {
	outputs, ok := m[id.String()]
	if !ok {
		return nil, false
	}
	return LookupPath(map[string]any(outputs), path)
}

func TestResolveAttributes(t *testing.T) {
	src := mapSource{
		"mem_object.lg": {"id": "lg-123", "config": map[string]any{"region": "eu-west-1"}},
	}

	resolved, complete := ResolveAttributes(map[string]Value{
		"name":   Literal{"demo"},
		"lg_id":  ref("mem_object.lg.id"),
		"region": ref("mem_object.lg.config.region"),
		"tags":   Mapping{Entries: map[string]Value{"source": ref("mem_object.lg.id")}},
		"list":   List{Items: []Value{Literal{1}, ref("mem_object.lg.id")}},
	}, src)

	assert.True(t, complete)
	assert.Equal(t, "demo", resolved["name"])
	assert.Equal(t, "lg-123", resolved["lg_id"])
	assert.Equal(t, "eu-west-1", resolved["region"])
	assert.Equal(t, map[string]any{"source": "lg-123"}, resolved["tags"])
	assert.Equal(t, []any{1, "lg-123"}, resolved["list"])
}

func TestResolveAttributes_UnknownReference(t *testing.T) {
	resolved, complete := ResolveAttributes(map[string]Value{
		"x": ref("mem_object.pending.id"),
		"y": Literal{"known"},
	}, mapSource{})

	assert.False(t, complete)
	assert.Nil(t, resolved["x"])
	assert.Equal(t, "known", resolved["y"])
}
