// Package memory implements provider.Provider against an in-process
// object table.  It is the default backend for local experimentation
// and the one the core test suites run against: deterministic, no
// daemon required, with scripted failure injection so retry and
// skip-propagation paths can be exercised.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/terrpan/reconcile/internal/provider"
)

// Config holds memory-backend settings.
type Config struct {
	// Immutable maps a resource type to the attribute keys that force a
	// replacement when changed.  Unlisted attributes update in place.
	Immutable map[string][]string

	// CreateBeforeDestroy lists resource types whose replacements run
	// create-then-delete instead of the default delete-then-create.
	CreateBeforeDestroy []string
}

type object struct {
	resourceType string
	attrs        map[string]any
}

// Provider stores resources in an in-process table keyed by a generated
// provider ID.
type Provider struct {
	logger    *slog.Logger
	immutable map[string]map[string]bool
	cbd       map[string]bool

	mu       sync.Mutex
	objects  map[string]*object
	failures map[string][]error
}

var _ provider.Provider = (*Provider)(nil)

// New creates a memory provider.
func New(cfg Config, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}

	immutable := make(map[string]map[string]bool, len(cfg.Immutable))
	for rt, keys := range cfg.Immutable {
		set := make(map[string]bool, len(keys))
		for _, k := range keys {
			set[k] = true
		}
		immutable[rt] = set
	}
	cbd := make(map[string]bool, len(cfg.CreateBeforeDestroy))
	for _, rt := range cfg.CreateBeforeDestroy {
		cbd[rt] = true
	}

	return &Provider{
		logger:    logger.WithGroup("memory"),
		immutable: immutable,
		cbd:       cbd,
		objects:   make(map[string]*object),
		failures:  make(map[string][]error),
	}
}

// FailNext queues err to be returned by the next call of op ("create",
// "read", "update", "delete") for resourceType.  Queued errors pop in
// order, so a retryable-twice-then-succeed sequence is three calls.
func (p *Provider) FailNext(op, resourceType string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := op + "/" + resourceType
	p.failures[key] = append(p.failures[key], err)
}

func (p *Provider) popFailure(op, resourceType string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := op + "/" + resourceType
	q := p.failures[key]
	if len(q) == 0 {
		return nil
	}
	p.failures[key] = q[1:]
	return q[0]
}

// Create stores a new object and returns its generated ID.
func (p *Provider) Create(_ context.Context, resourceType string, attrs map[string]any) (string, map[string]any, error) {
	if err := p.popFailure("create", resourceType); err != nil {
		return "", nil, err
	}

	id := uuid.NewString()
	p.mu.Lock()
	p.objects[id] = &object{resourceType: resourceType, attrs: copyAttrs(attrs)}
	p.mu.Unlock()

	p.logger.Debug("created object",
		slog.String("type", resourceType),
		slog.String("id", id),
	)
	return id, outputsFor(id, attrs), nil
}

// Read returns the observed attributes, or provider.ErrNotFound.
func (p *Provider) Read(_ context.Context, resourceType, providerID string) (map[string]any, error) {
	if err := p.popFailure("read", resourceType); err != nil {
		return nil, err
	}

	p.mu.Lock()
	obj, ok := p.objects[providerID]
	p.mu.Unlock()
	if !ok {
		return nil, provider.ErrNotFound
	}
	return outputsFor(providerID, obj.attrs), nil
}

// Update replaces the stored attributes in place.
func (p *Provider) Update(_ context.Context, resourceType, providerID string, _, new map[string]any) (map[string]any, error) {
	if err := p.popFailure("update", resourceType); err != nil {
		return nil, err
	}

	p.mu.Lock()
	obj, ok := p.objects[providerID]
	if ok {
		obj.attrs = copyAttrs(new)
	}
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("updating %s %s: %w", resourceType, providerID, provider.ErrNotFound)
	}

	p.logger.Debug("updated object",
		slog.String("type", resourceType),
		slog.String("id", providerID),
	)
	return outputsFor(providerID, new), nil
}

// Delete removes the object.  Deleting an unknown ID is a no-op.
func (p *Provider) Delete(_ context.Context, resourceType, providerID string) error {
	if err := p.popFailure("delete", resourceType); err != nil {
		return err
	}

	p.mu.Lock()
	delete(p.objects, providerID)
	p.mu.Unlock()

	p.logger.Debug("deleted object",
		slog.String("type", resourceType),
		slog.String("id", providerID),
	)
	return nil
}

// DiffStrategy classifies the change: any configured-immutable key that
// differs forces a replacement, any other difference updates in place.
func (p *Provider) DiffStrategy(resourceType string, old, new map[string]any) (provider.Decision, error) {
	immutable := p.immutable[resourceType]
	action := provider.ActionNoOp

	for k, nv := range new {
		ov, ok := old[k]
		if ok && valuesEqual(ov, nv) {
			continue
		}
		if immutable[k] {
			return p.replaceDecision(resourceType), nil
		}
		action = provider.ActionUpdate
	}
	for k := range old {
		if _, ok := new[k]; ok {
			continue
		}
		if immutable[k] {
			return p.replaceDecision(resourceType), nil
		}
		action = provider.ActionUpdate
	}

	return provider.Decision{Action: action}, nil
}

func (p *Provider) replaceDecision(resourceType string) provider.Decision {
	return provider.Decision{
		Action:              provider.ActionReplace,
		CreateBeforeDestroy: p.cbd[resourceType],
	}
}

// Len returns the number of stored objects.  Test helper.
func (p *Provider) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.objects)
}

func copyAttrs(attrs map[string]any) map[string]any {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}

func outputsFor(id string, attrs map[string]any) map[string]any {
	out := copyAttrs(attrs)
	out["id"] = id
	return out
}

// valuesEqual compares two attribute values by their canonical JSON
// encoding, so an int from YAML and a float64 from a JSON state file
// compare equal.
func valuesEqual(a, b any) bool {
	aj, aerr := json.Marshal(a)
	bj, berr := json.Marshal(b)
	if aerr != nil || berr != nil {
		return false
	}
	return string(aj) == string(bj)
}
