package state

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/reconcile/internal/graph"
)

type FileStoreSuite struct {
	suite.Suite
	ctx   context.Context
	dir   string
	store *FileStore
}

func (s *FileStoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.dir = s.T().TempDir()

	store, err := NewFileStore(s.dir)
	require.NoError(s.T(), err)
	s.store = store
}

func TestFileStoreSuite(t *testing.T) {
	suite.Run(t, new(FileStoreSuite))
}

func testRecord(name string) Record {
	return Record{
		Identity:   graph.Identity{Type: "mem_object", Name: name},
		ProviderID: "prov-" + name,
		Attributes: map[string]any{"size": float64(3)},
		Outputs:    map[string]any{"id": "prov-" + name},
		UpdatedAt:  time.Now().UTC().Truncate(time.Second),
	}
}

// ---------------------------------------------------------------------------
// Records
// ---------------------------------------------------------------------------

func (s *FileStoreSuite) TestCommitLoadRoundtrip() {
	rec := testRecord("a")
	require.NoError(s.T(), s.store.Commit(s.ctx, rec))

	loaded, err := s.store.Load(s.ctx)
	require.NoError(s.T(), err)
	require.Len(s.T(), loaded, 1)

	got := loaded[rec.Identity]
	assert.Equal(s.T(), rec.ProviderID, got.ProviderID)
	assert.Equal(s.T(), rec.Attributes, got.Attributes)
	assert.Equal(s.T(), rec.Outputs, got.Outputs)
}

func (s *FileStoreSuite) TestCommitOverwritesExistingRecord() {
	rec := testRecord("a")
	require.NoError(s.T(), s.store.Commit(s.ctx, rec))

	rec.Attributes = map[string]any{"size": float64(9)}
	require.NoError(s.T(), s.store.Commit(s.ctx, rec))

	loaded, err := s.store.Load(s.ctx)
	require.NoError(s.T(), err)
	require.Len(s.T(), loaded, 1)
	assert.Equal(s.T(), float64(9), loaded[rec.Identity].Attributes["size"])
}

func (s *FileStoreSuite) TestDelete() {
	rec := testRecord("a")
	require.NoError(s.T(), s.store.Commit(s.ctx, rec))
	require.NoError(s.T(), s.store.Delete(s.ctx, rec.Identity))

	loaded, err := s.store.Load(s.ctx)
	require.NoError(s.T(), err)
	assert.Empty(s.T(), loaded)

	// Deleting again is not an error.
	assert.NoError(s.T(), s.store.Delete(s.ctx, rec.Identity))
}

func (s *FileStoreSuite) TestLoadSkipsTempAndHiddenFiles() {
	require.NoError(s.T(), s.store.Commit(s.ctx, testRecord("a")))
	require.NoError(s.T(), os.WriteFile(filepath.Join(s.dir, ".tmp-123"), []byte("partial"), 0o644))
	require.NoError(s.T(), os.WriteFile(filepath.Join(s.dir, "README"), []byte("not a record"), 0o644))

	loaded, err := s.store.Load(s.ctx)
	require.NoError(s.T(), err)
	assert.Len(s.T(), loaded, 1)
}

func (s *FileStoreSuite) TestLoadRejectsCorruptRecord() {
	require.NoError(s.T(), os.WriteFile(filepath.Join(s.dir, "mem_object.bad.json"), []byte("{not json"), 0o644))

	_, err := s.store.Load(s.ctx)
	assert.Error(s.T(), err)
}

// ---------------------------------------------------------------------------
// Advisory lock
// ---------------------------------------------------------------------------

func (s *FileStoreSuite) TestLockContention() {
	unlock, err := s.store.Lock(s.ctx, "run-1")
	require.NoError(s.T(), err)

	_, err = s.store.Lock(s.ctx, "run-2")
	var lerr *LockError
	require.ErrorAs(s.T(), err, &lerr)
	assert.Contains(s.T(), lerr.Holder, "run-1")

	require.NoError(s.T(), unlock())

	unlock2, err := s.store.Lock(s.ctx, "run-2")
	require.NoError(s.T(), err)
	require.NoError(s.T(), unlock2())
}

func (s *FileStoreSuite) TestLockSurvivesAcrossStoreInstances() {
	unlock, err := s.store.Lock(s.ctx, "run-1")
	require.NoError(s.T(), err)
	defer unlock()

	other, err := NewFileStore(s.dir)
	require.NoError(s.T(), err)

	_, err = other.Lock(s.ctx, "run-2")
	var lerr *LockError
	assert.ErrorAs(s.T(), err, &lerr)
}

// ---------------------------------------------------------------------------
// MemStore
// ---------------------------------------------------------------------------

func TestMemStoreLockContention(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	unlock, err := store.Lock(ctx, "run-1")
	require.NoError(t, err)

	_, err = store.Lock(ctx, "run-2")
	var lerr *LockError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, "run-1", lerr.Holder)

	require.NoError(t, unlock())
	_, err = store.Lock(ctx, "run-2")
	assert.NoError(t, err)
}

func TestOutputsResolvesNestedPath(t *testing.T) {
	id := graph.Identity{Type: "mem_object", Name: "net"}
	outputs := Outputs{
		id: {Identity: id, Outputs: map[string]any{
			"config": map[string]any{"ip": "10.0.0.1"},
		}},
	}

	v, ok := outputs.Output(id, []string{"config", "ip"})
	require.True(t, ok)
	assert.Equal(t, "10.0.0.1", v)

	_, ok = outputs.Output(id, []string{"config", "missing"})
	assert.False(t, ok)

	_, ok = outputs.Output(graph.Identity{Type: "mem_object", Name: "ghost"}, []string{"id"})
	assert.False(t, ok)
}
