package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrpan/reconcile/internal/graph"
)

func writeDeclarations(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "resources.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDeclarations_FullEntry(t *testing.T) {
	path := writeDeclarations(t, `
resources:
  - type: mem_object
    name: log_group
    attributes:
      retention_days: 30
  - type: mem_object
    name: project
    when: true
    depends_on: [mem_object.log_group]
    attributes:
      log_group_id: ${mem_object.log_group.id}
      tags:
        team: platform
      zones: [a, b]
`)

	decls, err := LoadDeclarations(path)
	require.NoError(t, err)
	require.Len(t, decls, 2)

	lg := decls[0]
	assert.Equal(t, "mem_object", lg.Type)
	assert.Equal(t, "log_group", lg.Name)
	assert.Equal(t, graph.Literal{V: 30}, lg.Attributes["retention_days"])

	project := decls[1]
	require.NotNil(t, project.When)
	assert.True(t, *project.When)
	assert.Equal(t, []graph.Identity{{Type: "mem_object", Name: "log_group"}}, project.DependsOn)
	assert.Equal(t, graph.Reference{
		Target: graph.Identity{Type: "mem_object", Name: "log_group"},
		Path:   []string{"id"},
	}, project.Attributes["log_group_id"])
	assert.Equal(t, graph.Mapping{Entries: map[string]graph.Value{
		"team": graph.Literal{V: "platform"},
	}}, project.Attributes["tags"])
	assert.Equal(t, graph.List{Items: []graph.Value{
		graph.Literal{V: "a"},
		graph.Literal{V: "b"},
	}}, project.Attributes["zones"])
}

func TestLoadDeclarations_CountGate(t *testing.T) {
	path := writeDeclarations(t, `
resources:
  - type: mem_object
    name: canary
    count: 0
`)

	decls, err := LoadDeclarations(path)
	require.NoError(t, err)
	require.NotNil(t, decls[0].Count)
	assert.Equal(t, 0, *decls[0].Count)
}

func TestLoadDeclarations_EmbeddedReferenceIsValidationError(t *testing.T) {
	path := writeDeclarations(t, `
resources:
  - type: mem_object
    name: p
    attributes:
      url: http://${mem_object.lg.ip}/logs
`)

	_, err := LoadDeclarations(path)
	var verr *graph.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, graph.Identity{Type: "mem_object", Name: "p"}, verr.Subject)
	assert.Contains(t, verr.Detail, "embedded reference")
}

func TestLoadDeclarations_MalformedReference(t *testing.T) {
	path := writeDeclarations(t, `
resources:
  - type: mem_object
    name: p
    attributes:
      lg: ${mem_object.lg}
`)

	_, err := LoadDeclarations(path)
	var verr *graph.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Detail, "invalid reference")
}

func TestLoadDeclarations_BadDependsOnAddress(t *testing.T) {
	path := writeDeclarations(t, `
resources:
  - type: mem_object
    name: p
    depends_on: [justoneword]
`)

	_, err := LoadDeclarations(path)
	var verr *graph.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Detail, "depends_on")
}

func TestLoadDeclarations_MissingFile(t *testing.T) {
	_, err := LoadDeclarations(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadDeclarations_NestedReferenceInsideMapping(t *testing.T) {
	path := writeDeclarations(t, `
resources:
  - type: mem_object
    name: p
    attributes:
      endpoints:
        primary: ${mem_object.lg.ip}
`)

	decls, err := LoadDeclarations(path)
	require.NoError(t, err)

	mapping, ok := decls[0].Attributes["endpoints"].(graph.Mapping)
	require.True(t, ok)
	assert.IsType(t, graph.Reference{}, mapping.Entries["primary"])
}
