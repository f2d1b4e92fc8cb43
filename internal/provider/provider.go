// Package provider defines the adapter boundary between the reconciler
// core and the systems that actually host resources.  Each backend
// (in-memory, Docker, GCP, ...) implements the Provider interface for
// the resource types it owns, so the core never hardcodes what a given
// resource type means -- only how to create, read, update, and delete
// it as an opaque bag of attributes.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Action is the provider's verdict on how an attribute change must be
// applied.
type Action int

const (
	// ActionNoOp means the attribute sets are equivalent.
	ActionNoOp Action = iota
	// ActionUpdate means the change can be applied in place.
	ActionUpdate
	// ActionReplace means an immutable attribute changed and the
	// resource must be destroyed and recreated.
	ActionReplace
)

func (a Action) String() string {
	switch a {
	case ActionNoOp:
		return "noop"
	case ActionUpdate:
		return "update"
	case ActionReplace:
		return "replace"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Decision is the result of DiffStrategy.
type Decision struct {
	Action Action

	// CreateBeforeDestroy opts a replacement into create-then-delete
	// (zero-downtime) ordering.  The default is the conservative
	// delete-then-create.
	CreateBeforeDestroy bool
}

// Provider is the contract every resource backend must satisfy.
//
// All attribute maps are plain resolved values (string, float64, bool,
// []any, map[string]any).  The returned providerID is opaque to the
// core -- it may be a container ID, an instance name, an ARN, etc.
// Implementations report transient faults with *Error{Retryable: true}
// so the executor can retry them with backoff; any other error fails
// the change immediately.
type Provider interface {
	// Create provisions a new resource and returns its provider ID
	// together with the attributes observed after creation (which may
	// include computed outputs such as "id" or addresses).
	Create(ctx context.Context, resourceType string, attrs map[string]any) (providerID string, outputs map[string]any, err error)

	// Read fetches the current observed attributes of an existing
	// resource.  It returns ErrNotFound when the resource no longer
	// exists remotely.
	Read(ctx context.Context, resourceType, providerID string) (outputs map[string]any, err error)

	// Update applies an in-place change and returns the attributes
	// observed afterwards.  It is only called when DiffStrategy
	// returned ActionUpdate for the same attribute pair.
	Update(ctx context.Context, resourceType, providerID string, old, new map[string]any) (outputs map[string]any, err error)

	// Delete destroys the resource.  It must be idempotent -- deleting
	// an already-deleted resource is not an error.
	Delete(ctx context.Context, resourceType, providerID string) error

	// DiffStrategy decides whether the change from old to new is a
	// no-op, an in-place update, or a forced replacement.  The
	// provider, not the core, owns this decision.
	DiffStrategy(resourceType string, old, new map[string]any) (Decision, error)
}

// TimeoutProvider is optionally implemented by providers whose
// operations need a non-default per-change timeout.
type TimeoutProvider interface {
	Timeout(resourceType string) time.Duration
}

// ErrNotFound is returned by Read when the resource does not exist.
var ErrNotFound = errors.New("resource not found")

// Error wraps a provider failure with its retry classification.
type Error struct {
	Op        string // "create", "read", "update", "delete"
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("provider %s failed (%s): %v", e.Op, kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether err is a provider error marked retryable.
func Retryable(err error) bool {
	var perr *Error
	return errors.As(err, &perr) && perr.Retryable
}

// Registry maps resource types to the provider that owns them.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register binds a resource type to a provider.  Registering the same
// type twice is a programming error and panics.
func (r *Registry) Register(resourceType string, p Provider) {
	if _, exists := r.providers[resourceType]; exists {
		panic(fmt.Sprintf("provider for resource type %q registered twice", resourceType))
	}
	r.providers[resourceType] = p
}

// For returns the provider owning resourceType.
func (r *Registry) For(resourceType string) (Provider, error) {
	p, ok := r.providers[resourceType]
	if !ok {
		return nil, fmt.Errorf("no provider registered for resource type %q", resourceType)
	}
	return p, nil
}

// Types returns the registered resource types, sorted.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.providers))
	for t := range r.providers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// TimeoutFor returns the per-change timeout for resourceType, falling
// back to def when the provider does not declare one.
func (r *Registry) TimeoutFor(resourceType string, def time.Duration) time.Duration {
	p, ok := r.providers[resourceType]
	if !ok {
		return def
	}
	if tp, ok := p.(TimeoutProvider); ok {
		if d := tp.Timeout(resourceType); d > 0 {
			return d
		}
	}
	return def
}
