// Package state persists the record of previously-applied resources
// between reconciliation runs.  The store is the sole source of truth
// for what currently exists remotely: the differ compares it against
// the desired graph, and the executor commits every applied change to
// it immediately, one record at a time, so a mid-run failure never
// loses already-applied progress.
package state

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/terrpan/reconcile/internal/graph"
)

// Record is the last-known-applied state of one resource.
type Record struct {
	Identity   graph.Identity `json:"identity"`
	ProviderID string         `json:"provider_id"`

	// Attributes are the resolved desired attributes that were applied.
	Attributes map[string]any `json:"attributes,omitempty"`

	// Outputs are the attributes observed from the provider after the
	// apply, including computed values that references resolve against.
	Outputs map[string]any `json:"outputs,omitempty"`

	// Dependencies are the identities this resource depended on when
	// it was applied.  They order deletes of resources that are no
	// longer declared.
	Dependencies []graph.Identity `json:"dependencies,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Store is the persistence contract.  Commit and Delete are atomic per
// record.  Lock must be held for the duration of a run; two
// simultaneous runs against one store is a misuse error surfaced as
// *LockError, never a silently-corrupting race.
type Store interface {
	// Lock acquires the run-scoped advisory lock.  The returned
	// function releases it.
	Lock(ctx context.Context, owner string) (unlock func() error, err error)

	// Load returns a snapshot of every record.
	Load(ctx context.Context) (map[graph.Identity]Record, error)

	// Commit atomically writes one record.
	Commit(ctx context.Context, rec Record) error

	// Delete atomically removes the record for id.  Deleting a missing
	// record is not an error.
	Delete(ctx context.Context, id graph.Identity) error
}

// LockError reports that another run holds the store lock.
type LockError struct {
	Holder string
	Since  time.Time
}

func (e *LockError) Error() string {
	if e.Holder == "" {
		return "state store is locked by another run"
	}
	return fmt.Sprintf("state store is locked by %s since %s", e.Holder, e.Since.Format(time.RFC3339))
}

// Outputs adapts a state snapshot to graph.OutputSource so references
// can be resolved against committed outputs.
type Outputs map[graph.Identity]Record

var _ graph.OutputSource = (Outputs)(nil)

// Output implements graph.OutputSource.
func (o Outputs) Output(id graph.Identity, path []string) (any, bool) {
	rec, ok := o[id]
	if !ok {
		return nil, false
	}
	return graph.LookupPath(any(rec.Outputs), path)
}

// ---------------------------------------------------------------------------
// In-memory store
// ---------------------------------------------------------------------------

// MemStore is an in-memory Store used by tests and the memory backend.
// Injecting it makes runs reproducible without touching disk.
type MemStore struct {
	mu      sync.Mutex
	records map[graph.Identity]Record
	locked  bool
	holder  string
	since   time.Time
}

var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{records: make(map[graph.Identity]Record)}
}

// Lock acquires the advisory lock or fails fast with *LockError.
func (s *MemStore) Lock(_ context.Context, owner string) (func() error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked {
		return nil, &LockError{Holder: s.holder, Since: s.since}
	}
	s.locked = true
	s.holder = owner
	s.since = time.Now().UTC()
	return func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.locked = false
		s.holder = ""
		return nil
	}, nil
}

// Load returns a copy of every record.
func (s *MemStore) Load(_ context.Context) (map[graph.Identity]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := make(map[graph.Identity]Record, len(s.records))
	for id, rec := range s.records {
		snapshot[id] = rec
	}
	return snapshot, nil
}

// Commit stores one record.
func (s *MemStore) Commit(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Identity] = rec
	return nil
}

// Delete removes one record.
func (s *MemStore) Delete(_ context.Context, id graph.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

// Identities returns the identities currently recorded, sorted.  Test
// helper.
func (s *MemStore) Identities() []graph.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]graph.Identity, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}
