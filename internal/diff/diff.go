// Package diff computes the change set for one reconciliation run by
// comparing the desired resource graph against the state store
// snapshot.  The differ decides *whether* something changed; the
// provider decides *how* the change must be applied (in place or by
// replacement) via DiffStrategy.
package diff

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sort"

	"github.com/terrpan/reconcile/internal/graph"
	"github.com/terrpan/reconcile/internal/provider"
	"github.com/terrpan/reconcile/internal/state"
)

// Action is the planned action for one resource.
type Action int

const (
	ActionNoOp Action = iota
	ActionCreate
	ActionUpdate
	ActionReplace
	ActionDelete
)

func (a Action) String() string {
	switch a {
	case ActionNoOp:
		return "noop"
	case ActionCreate:
		return "create"
	case ActionUpdate:
		return "update"
	case ActionReplace:
		return "replace"
	case ActionDelete:
		return "delete"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Change is one planned action for one resource.
type Change struct {
	Identity graph.Identity
	Action   Action

	// Old is the state record, nil for creates.
	Old *state.Record

	// Desired is the declared resource, nil for deletes.
	Desired *graph.Resource

	// Dependencies are the identities this resource depends on.  For
	// creates and updates they come from the desired graph; for
	// deletes, from the state record of the resource being deleted.
	// The planner converts them into execution-order edges per action.
	Dependencies []graph.Identity

	// CreateBeforeDestroy carries the provider's replacement-ordering
	// preference.  Only meaningful for ActionReplace.
	CreateBeforeDestroy bool
}

// Differ computes change sets.
type Differ struct {
	registry *provider.Registry
	logger   *slog.Logger
}

// New creates a Differ.
func New(registry *provider.Registry, logger *slog.Logger) *Differ {
	if logger == nil {
		logger = slog.Default()
	}
	return &Differ{registry: registry, logger: logger}
}

// Diff walks the union of desired and recorded resources and produces
// one Change per identity, sorted by address for deterministic plans.
// References are resolved best-effort against committed outputs; a
// reference whose target has not been applied yet compares as unequal,
// which is safe because the executor re-resolves every reference from
// live outputs immediately before dispatch.
func (d *Differ) Diff(ctx context.Context, desired *graph.Graph, snapshot map[graph.Identity]state.Record) ([]Change, error) {
	outputs := state.Outputs(snapshot)
	var changes []Change

	for _, res := range desired.Resources() {
		rec, exists := snapshot[res.Identity]
		if !exists {
			changes = append(changes, Change{
				Identity:     res.Identity,
				Action:       ActionCreate,
				Desired:      res,
				Dependencies: desired.Dependencies(res.Identity),
			})
			continue
		}

		change, err := d.diffExisting(desired, res, rec, outputs)
		if err != nil {
			return nil, err
		}
		changes = append(changes, change)
	}

	// Resources recorded in state but no longer declared (removed or
	// gated off) are deleted.
	var deletes []Change
	for id, rec := range snapshot {
		if _, ok := desired.Resource(id); ok {
			continue
		}
		rec := rec
		deletes = append(deletes, Change{
			Identity:     id,
			Action:       ActionDelete,
			Old:          &rec,
			Dependencies: rec.Dependencies,
		})
	}
	sort.Slice(deletes, func(i, j int) bool { return deletes[i].Identity.String() < deletes[j].Identity.String() })
	changes = append(changes, deletes...)

	d.logger.Debug("change set computed",
		slog.Int("resources", len(changes)),
	)
	return changes, nil
}

func (d *Differ) diffExisting(desired *graph.Graph, res *graph.Resource, rec state.Record, outputs state.Outputs) (Change, error) {
	change := Change{
		Identity:     res.Identity,
		Old:          &rec,
		Desired:      res,
		Dependencies: desired.Dependencies(res.Identity),
	}

	resolved, complete := graph.ResolveAttributes(res.Attributes, outputs)
	if complete && attributesEqual(resolved, rec.Attributes) {
		change.Action = ActionNoOp
		return change, nil
	}

	p, err := d.registry.For(res.Type)
	if err != nil {
		return Change{}, fmt.Errorf("diffing %s: %w", res.Identity, err)
	}
	decision, err := p.DiffStrategy(res.Type, rec.Attributes, resolved)
	if err != nil {
		return Change{}, fmt.Errorf("diff strategy for %s: %w", res.Identity, err)
	}

	switch decision.Action {
	case provider.ActionNoOp:
		change.Action = ActionNoOp
	case provider.ActionUpdate:
		change.Action = ActionUpdate
	case provider.ActionReplace:
		change.Action = ActionReplace
		change.CreateBeforeDestroy = decision.CreateBeforeDestroy
	default:
		return Change{}, fmt.Errorf("diff strategy for %s returned unknown action %v", res.Identity, decision.Action)
	}

	return change, nil
}

// attributesEqual compares attribute sets after normalization, so that
// e.g. an int from YAML and a float64 from a JSON state file compare
// equal.
func attributesEqual(a, b map[string]any) bool {
	return reflect.DeepEqual(Normalize(a), Normalize(b))
}

// Normalize converts an attribute structure to a canonical shape:
// every number becomes float64 and nested maps/slices are rebuilt.
// State files round-trip through JSON, which turns all numbers into
// float64; desired attributes come from YAML, which yields ints.
func Normalize(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, e := range tv {
			out[k] = Normalize(e)
		}
		return out
	case []any:
		out := make([]any, len(tv))
		for i, e := range tv {
			out[i] = Normalize(e)
		}
		return out
	case int:
		return float64(tv)
	case int32:
		return float64(tv)
	case int64:
		return float64(tv)
	case uint64:
		return float64(tv)
	case float32:
		return float64(tv)
	default:
		return v
	}
}

// NormalizeAttrs normalizes a whole attribute map.
func NormalizeAttrs(attrs map[string]any) map[string]any {
	if attrs == nil {
		return nil
	}
	return Normalize(attrs).(map[string]any)
}
