package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/terrpan/reconcile/internal/graph"
)

// declarationsFile is the YAML shape of a declarations file.
type declarationsFile struct {
	Resources []declarationEntry `yaml:"resources"`
}

type declarationEntry struct {
	Type       string         `yaml:"type"`
	Name       string         `yaml:"name"`
	When       *bool          `yaml:"when"`
	Count      *int           `yaml:"count"`
	DependsOn  []string       `yaml:"depends_on"`
	Attributes map[string]any `yaml:"attributes"`
}

// LoadDeclarations reads a declarations file and converts it into graph
// declarations.  Attribute strings of the form "${type.name.attr}" become
// references; everything else stays literal.  Malformed references and
// addresses surface as *graph.ValidationError.
func LoadDeclarations(path string) ([]graph.Declaration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading declarations %s: %w", path, err)
	}

	var file declarationsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing declarations %s: %w", path, err)
	}

	decls := make([]graph.Declaration, 0, len(file.Resources))
	for _, entry := range file.Resources {
		decl, err := entry.toDeclaration()
		if err != nil {
			return nil, err
		}
		decls = append(decls, decl)
	}
	return decls, nil
}

func (e declarationEntry) toDeclaration() (graph.Declaration, error) {
	subject := graph.Identity{Type: e.Type, Name: e.Name}

	decl := graph.Declaration{
		Type:  e.Type,
		Name:  e.Name,
		When:  e.When,
		Count: e.Count,
	}

	for _, addr := range e.DependsOn {
		dep, err := graph.ParseIdentity(addr)
		if err != nil {
			return graph.Declaration{}, &graph.ValidationError{
				Subject: subject,
				Detail:  fmt.Sprintf("depends_on: %v", err),
			}
		}
		decl.DependsOn = append(decl.DependsOn, dep)
	}

	if len(e.Attributes) > 0 {
		decl.Attributes = make(map[string]graph.Value, len(e.Attributes))
		for k, raw := range e.Attributes {
			v, err := decodeValue(raw)
			if err != nil {
				return graph.Declaration{}, &graph.ValidationError{
					Subject: subject,
					Detail:  fmt.Sprintf("attribute %q: %v", k, err),
				}
			}
			decl.Attributes[k] = v
		}
	}

	return decl, nil
}

// decodeValue converts a raw YAML value into a graph.Value.
func decodeValue(raw any) (graph.Value, error) {
	switch tv := raw.(type) {
	case string:
		ref, isRef, err := graph.ParseReference(tv)
		if err != nil {
			return nil, err
		}
		if isRef {
			return ref, nil
		}
		return graph.Literal{V: tv}, nil
	case map[string]any:
		entries := make(map[string]graph.Value, len(tv))
		for k, item := range tv {
			v, err := decodeValue(item)
			if err != nil {
				return nil, err
			}
			entries[k] = v
		}
		return graph.Mapping{Entries: entries}, nil
	case []any:
		items := make([]graph.Value, len(tv))
		for i, item := range tv {
			v, err := decodeValue(item)
			if err != nil {
				return nil, err
			}
			items[i] = v
		}
		return graph.List{Items: items}, nil
	default:
		return graph.Literal{V: raw}, nil
	}
}
